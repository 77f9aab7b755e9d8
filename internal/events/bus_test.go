package events

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/betbot/poskeeper/internal/domain"
)

func testEvent(prio Priority) *Event {
	return NewEvent(domain.EventKindExternal, CategoryExternal, prio, "test", domain.GenericPayload{"k": "v"})
}

func TestBus_PublishAndDispatch(t *testing.T) {
	b := NewBus(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, 1)
	defer b.Stop()

	got := make(chan *Event, 1)
	_, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	id, err := b.Publish(testEvent(PriorityNormal))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty event id")
	}

	select {
	case e := <-got:
		if e.Kind != domain.EventKindExternal {
			t.Fatalf("unexpected kind: %s", e.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("event not delivered")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, 1)
	defer b.Stop()

	var calls atomic.Int64
	sub, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
		calls.Add(1)
		return nil
	}, 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// 退订后发布：handler 不得再被调用
	b.Unsubscribe(sub)
	if _, err := b.Publish(testEvent(PriorityNormal)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("expected zero handler invocations after unsubscribe, got %d", n)
	}
}

func TestBus_DemotionOnFullLane(t *testing.T) {
	// 不启动 worker：队列不被消费，制造队列满
	b := NewBus(Config{LaneCapacity: 1})

	// 第一条 HIGH 占满 HIGH 队列
	if _, err := b.Publish(testEvent(PriorityHigh)); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	// 第二条 HIGH 应降级入 NORMAL 队列，不报错
	if _, err := b.Publish(testEvent(PriorityHigh)); err != nil {
		t.Fatalf("publish 2 (demoted): %v", err)
	}

	if n := b.QueueLen(PriorityHigh); n != 1 {
		t.Fatalf("HIGH lane: got %d, want 1", n)
	}
	if n := b.QueueLen(PriorityNormal); n != 1 {
		t.Fatalf("NORMAL lane: got %d, want 1", n)
	}
}

func TestBus_DropAtLowestPriority(t *testing.T) {
	b := NewBus(Config{LaneCapacity: 4})

	// 4 条 LOW 填满最低优先级队列
	for i := 0; i < 4; i++ {
		if _, err := b.Publish(testEvent(PriorityLow)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	// 第 5 条无处可去：丢弃并返回饱和错误
	_, err := b.Publish(testEvent(PriorityLow))
	if !errors.Is(err, ErrBusSaturated) {
		t.Fatalf("expected ErrBusSaturated, got %v", err)
	}

	if got := b.Stats().Dropped; got != 1 {
		t.Fatalf("dropped counter: got %d, want 1", got)
	}
}

func TestBus_FilterDropsSilently(t *testing.T) {
	b := NewBus(Config{})
	b.AddFilter(func(e *Event) bool { return false })

	id, err := b.Publish(testEvent(PriorityNormal))
	if err != nil {
		t.Fatalf("filtered publish must not error: %v", err)
	}
	if id == "" {
		t.Fatalf("expected event id even when filtered")
	}
	if got := b.Stats().Published; got != 0 {
		t.Fatalf("filtered event must not count as published, got %d", got)
	}
}

func TestBus_MiddlewareVeto(t *testing.T) {
	b := NewBus(Config{})
	var order []string
	b.AddMiddleware(func(e *Event) bool {
		order = append(order, "first")
		return false
	})
	b.AddMiddleware(func(e *Event) bool {
		order = append(order, "second")
		return true
	})

	if _, err := b.Publish(testEvent(PriorityNormal)); err != nil {
		t.Fatalf("vetoed publish must not error: %v", err)
	}
	// 首个否决即终止管线：第二个中间件不得执行
	if len(order) != 1 || order[0] != "first" {
		t.Fatalf("unexpected middleware order: %v", order)
	}
	if got := b.Stats().Published; got != 0 {
		t.Fatalf("vetoed event must not be enqueued, got %d published", got)
	}
}

func TestBus_HandlerFailureIsolated(t *testing.T) {
	b := NewBus(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, 1)
	defer b.Stop()

	errs := make(chan error, 2)
	b.AddErrorHandler(func(e *Event, err error) { errs <- err })

	good := make(chan struct{}, 1)
	if _, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
		return fmt.Errorf("boom")
	}, 0); err != nil {
		t.Fatalf("subscribe bad: %v", err)
	}
	if _, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
		panic("kaput")
	}, 0); err != nil {
		t.Fatalf("subscribe panicky: %v", err)
	}
	if _, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
		good <- struct{}{}
		return nil
	}, 0); err != nil {
		t.Fatalf("subscribe good: %v", err)
	}

	if _, err := b.Publish(testEvent(PriorityNormal)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// 错误与 panic 均被隔离上报，健康 handler 仍收到事件
	select {
	case <-good:
	case <-time.After(2 * time.Second):
		t.Fatalf("healthy handler not invoked")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-errs:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected 2 isolated handler errors, got %d", i)
		}
	}
	if got := b.Stats().Failed; got != 2 {
		t.Fatalf("failed counter: got %d, want 2", got)
	}
}

func TestBus_PublishAfterStop(t *testing.T) {
	b := NewBus(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, 1)
	b.Stop()

	if _, err := b.Publish(testEvent(PriorityNormal)); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("expected ErrBusClosed, got %v", err)
	}
}

func TestBus_FanoutReachesAllSubscribers(t *testing.T) {
	b := NewBus(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.Start(ctx, 1)
	defer b.Stop()

	var calls atomic.Int64
	for i := 0; i < 3; i++ {
		if _, err := b.Subscribe(domain.EventKindExternal, func(_ context.Context, e *Event) error {
			calls.Add(1)
			return nil
		}, i); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if _, err := b.Publish(testEvent(PriorityNormal)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("fanout incomplete: got %d handlers, want 3", calls.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
