package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/events"
	"github.com/betbot/poskeeper/internal/ports"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []ports.Notification
}

func (n *captureNotifier) Notify(_ context.Context, msg ports.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func newTestMachine(t *testing.T) (*Machine, *captureNotifier) {
	t.Helper()
	// 总线不启动：事件只入队，测试不关心消费
	bus := events.NewBus(events.Config{})
	notifier := &captureNotifier{}
	return NewMachine(Config{}, bus, notifier), notifier
}

func TestMachine_LegalWalk(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	c, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	walk := []domain.PositionState{
		domain.StateOpening,
		domain.StateActive,
		domain.StateClosing,
		domain.StateClosed,
	}
	for _, next := range walk {
		if err := m.Transition(ctx, "pos-1", next, "walk", nil); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}

	if c.State != domain.StateClosed {
		t.Fatalf("final state: got %s, want CLOSED", c.State)
	}
	if len(c.History) != len(walk) {
		t.Fatalf("history length: got %d, want %d", len(c.History), len(walk))
	}
	// 历史必须是转移表上的一次连续行走
	prev := domain.StatePending
	for i, tr := range c.History {
		if tr.From != prev {
			t.Fatalf("history[%d]: from=%s, want %s", i, tr.From, prev)
		}
		if tr.Forced {
			t.Fatalf("history[%d]: unexpected forced transition", i)
		}
		prev = tr.To
	}
}

func TestMachine_IllegalAndTerminalRejected(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil); err != nil {
		t.Fatalf("create context: %v", err)
	}

	// PENDING → ACTIVE 不在表内
	if err := m.Transition(ctx, "pos-1", domain.StateActive, "skip", nil); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	if err := m.Transition(ctx, "pos-1", domain.StateCancelled, "cancel", nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// 终态拒绝一切转移
	if err := m.Transition(ctx, "pos-1", domain.StatePending, "revive", nil); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("expected ErrTerminalState, got %v", err)
	}
}

func TestMachine_SameStateIsNoop(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	c, err := m.CreateContext("pos-1", "BTCUSDT", domain.StateActive, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := m.Transition(ctx, "pos-1", domain.StateActive, "noop", nil); err != nil {
		t.Fatalf("same-state transition must be silent no-op: %v", err)
	}
	if len(c.History) != 0 {
		t.Fatalf("no-op must not append history, got %d entries", len(c.History))
	}
}

func TestMachine_UnknownInputs(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	if err := m.Transition(ctx, "ghost", domain.StateActive, "", nil); !errors.Is(err, ErrUnknownContext) {
		t.Fatalf("expected ErrUnknownContext, got %v", err)
	}
	if err := m.Transition(ctx, "ghost", domain.PositionState("LIMBO"), "", nil); !errors.Is(err, ErrUnknownState) {
		t.Fatalf("expected ErrUnknownState, got %v", err)
	}
	if _, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if _, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil); !errors.Is(err, ErrDuplicateContext) {
		t.Fatalf("expected ErrDuplicateContext, got %v", err)
	}
}

func TestMachine_HookOrder(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	var order []string
	m.OnExit(domain.StatePending, func(_ context.Context, _ *PositionContext, _ Transition) error {
		order = append(order, "exit")
		return nil
	})
	m.OnTransition(domain.StatePending, domain.StateOpening, func(_ context.Context, _ *PositionContext, _ Transition) error {
		order = append(order, "edge")
		return nil
	})
	m.OnEnter(domain.StateOpening, func(_ context.Context, c *PositionContext, _ Transition) error {
		// entry 钩子运行时状态已提交
		if c.State != domain.StateOpening {
			return fmt.Errorf("entry hook before commit: state=%s", c.State)
		}
		order = append(order, "entry")
		return nil
	})

	if _, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil); err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := m.Transition(ctx, "pos-1", domain.StateOpening, "open", nil); err != nil {
		t.Fatalf("transition: %v", err)
	}

	want := []string{"exit", "edge", "entry"}
	if len(order) != len(want) {
		t.Fatalf("hook order: got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("hook order: got %v, want %v", order, want)
		}
	}
}

func TestMachine_RetryExhaustionForcesFailed(t *testing.T) {
	m, notifier := newTestMachine(t)
	ctx := context.Background()

	var attempts int
	m.OnEnter(domain.StateOpening, func(_ context.Context, _ *PositionContext, _ Transition) error {
		attempts++
		return fmt.Errorf("broker unreachable")
	})

	c, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}

	err = m.Transition(ctx, "pos-1", domain.StateOpening, "open", nil)
	if err == nil {
		t.Fatalf("expected error after retry exhaustion")
	}
	if attempts != 3 {
		t.Fatalf("attempts: got %d, want 3", attempts)
	}
	if c.State != domain.StateFailed {
		t.Fatalf("state after exhaustion: got %s, want FAILED", c.State)
	}
	last := c.History[len(c.History)-1]
	if !last.Forced || last.To != domain.StateFailed {
		t.Fatalf("last history entry must be forced FAILED, got %+v", last)
	}
	if notifier.count() != 1 {
		t.Fatalf("forced FAILED must alert exactly once, got %d", notifier.count())
	}
}

func TestMachine_EntryHookRollbackThenRetrySucceeds(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	fails := 1
	m.OnEnter(domain.StateOpening, func(_ context.Context, c *PositionContext, _ Transition) error {
		if fails > 0 {
			fails--
			return fmt.Errorf("transient")
		}
		return nil
	})

	c, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	if err := m.Transition(ctx, "pos-1", domain.StateOpening, "open", nil); err != nil {
		t.Fatalf("transition must succeed on retry: %v", err)
	}
	if c.State != domain.StateOpening {
		t.Fatalf("state: got %s, want OPENING", c.State)
	}
	// 失败的那次尝试已回滚，历史里只留一次提交
	if len(c.History) != 1 {
		t.Fatalf("history length: got %d, want 1", len(c.History))
	}
	if c.RetryCount != 1 {
		t.Fatalf("retry count: got %d, want 1", c.RetryCount)
	}
}

func TestMachine_PanickingHookIsIsolated(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	m.OnExit(domain.StatePending, func(_ context.Context, _ *PositionContext, _ Transition) error {
		panic("hook exploded")
	})

	c, err := m.CreateContext("pos-1", "BTCUSDT", domain.StatePending, nil)
	if err != nil {
		t.Fatalf("create context: %v", err)
	}
	// panic 按失败处理：重试耗尽后强制 FAILED，进程不崩
	if err := m.Transition(ctx, "pos-1", domain.StateOpening, "open", nil); err == nil {
		t.Fatalf("expected error from panicking hook")
	}
	if c.State != domain.StateFailed {
		t.Fatalf("state: got %s, want FAILED", c.State)
	}
}

func TestMachine_BulkTransitionIsolatesFailures(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("pos-%d", i)
		if _, err := m.CreateContext(id, "BTCUSDT", domain.StatePending, nil); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	results := m.BulkTransition(ctx, []TransitionRequest{
		{PositionID: "pos-1", To: domain.StateOpening, Reason: "ok"},
		{PositionID: "pos-2", To: domain.StateActive, Reason: "illegal"}, // PENDING→ACTIVE 表外
		{PositionID: "missing", To: domain.StateOpening, Reason: "ghost"},
	})

	if len(results) != 3 {
		t.Fatalf("results length: got %d, want 3", len(results))
	}
	if results[0].Err != nil {
		t.Fatalf("pos-1 should succeed: %v", results[0].Err)
	}
	if !errors.Is(results[1].Err, ErrIllegalTransition) {
		t.Fatalf("pos-2 expected ErrIllegalTransition, got %v", results[1].Err)
	}
	if !errors.Is(results[2].Err, ErrUnknownContext) {
		t.Fatalf("missing expected ErrUnknownContext, got %v", results[2].Err)
	}
}

func TestMachine_PerPositionSerialization(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	inHook := make(chan struct{})
	release := make(chan struct{})
	m.OnEnter(domain.StateOpening, func(_ context.Context, c *PositionContext, _ Transition) error {
		if c.ID == "pos-slow" {
			close(inHook)
			<-release
		}
		return nil
	})

	if _, err := m.CreateContext("pos-slow", "BTCUSDT", domain.StatePending, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateContext("pos-fast", "ETHUSDT", domain.StatePending, nil); err != nil {
		t.Fatalf("create: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- m.Transition(ctx, "pos-slow", domain.StateOpening, "slow", nil)
	}()
	<-inHook

	// pos-slow 的钩子挂起时，pos-fast 不受影响
	if err := m.Transition(ctx, "pos-fast", domain.StateOpening, "fast", nil); err != nil {
		t.Fatalf("independent position blocked: %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("slow transition: %v", err)
	}
}

func TestMachine_CleanupTerminalStatesIdempotent(t *testing.T) {
	m, _ := newTestMachine(t)
	ctx := context.Background()

	if _, err := m.CreateContext("pos-1", "BTCUSDT", domain.StateActive, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.CreateContext("pos-2", "ETHUSDT", domain.StateActive, nil); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Transition(ctx, "pos-1", domain.StateClosing, "", nil); err != nil {
		t.Fatalf("closing: %v", err)
	}
	if err := m.Transition(ctx, "pos-1", domain.StateClosed, "", nil); err != nil {
		t.Fatalf("closed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	// 第一次清扫：只清终态且足龄的 pos-1
	if purged := m.CleanupTerminalStates(time.Millisecond); purged != 1 {
		t.Fatalf("first sweep: got %d, want 1", purged)
	}
	if _, ok := m.GetContext("pos-1"); ok {
		t.Fatalf("pos-1 should be purged")
	}
	if _, ok := m.GetContext("pos-2"); !ok {
		t.Fatalf("pos-2 (ACTIVE) must survive sweep")
	}
	// 无新终态转移时，第二次清扫必然为 0
	if purged := m.CleanupTerminalStates(time.Millisecond); purged != 0 {
		t.Fatalf("second sweep must purge nothing, got %d", purged)
	}
}
