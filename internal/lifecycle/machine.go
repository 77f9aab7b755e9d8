package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/events"
	"github.com/betbot/poskeeper/internal/metrics"
	"github.com/betbot/poskeeper/internal/ports"
)

var machineLog = logrus.WithField("component", "state_machine")

var (
	// ErrDuplicateContext 同一 ID 重复创建上下文（配置类错误，不重试）
	ErrDuplicateContext = errors.New("position context already exists")
	// ErrUnknownContext 上下文不存在
	ErrUnknownContext = errors.New("position context not found")
	// ErrUnknownState 目标状态不在生命周期状态集内（配置类错误，不重试）
	ErrUnknownState = errors.New("unknown lifecycle state")
	// ErrIllegalTransition 请求的边不在转移表内，立即拒绝，不重试
	ErrIllegalTransition = errors.New("illegal state transition")
	// ErrTerminalState 终态上下文不再接受任何转移
	ErrTerminalState = errors.New("position context in terminal state")
)

// Hook 状态钩子。返回错误会触发整个转移的有界重试。
type Hook func(ctx context.Context, c *PositionContext, t Transition) error

type edgeKey struct {
	from, to domain.PositionState
}

// Config 状态机配置
type Config struct {
	// MaxAttempts 单次转移（含钩子）的最大尝试次数，默认 3
	MaxAttempts int
	// BulkConcurrency 批量转移的并发上限，默认 8
	BulkConcurrency int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BulkConcurrency <= 0 {
		c.BulkConcurrency = 8
	}
	return c
}

// Machine 持仓生命周期状态机。
//
// 保证：
// - 上下文只经由 CreateContext / Transition 变更
// - 同一持仓的转移串行执行，钩子不会交错
// - 除 forceFail 外，状态只沿转移表内的边移动
type Machine struct {
	cfg      Config
	bus      *events.Bus
	notifier ports.Notifier

	mu       sync.RWMutex
	contexts map[string]*PositionContext

	hookMu          sync.RWMutex
	entryHooks      map[domain.PositionState][]Hook
	exitHooks       map[domain.PositionState][]Hook
	transitionHooks map[edgeKey][]Hook
}

// NewMachine 创建状态机。bus 不可为 nil；notifier 可为 nil（则强制 FAILED 只发事件）。
func NewMachine(cfg Config, bus *events.Bus, notifier ports.Notifier) *Machine {
	return &Machine{
		cfg:             cfg.withDefaults(),
		bus:             bus,
		notifier:        notifier,
		contexts:        make(map[string]*PositionContext),
		entryHooks:      make(map[domain.PositionState][]Hook),
		exitHooks:       make(map[domain.PositionState][]Hook),
		transitionHooks: make(map[edgeKey][]Hook),
	}
}

// OnEnter 注册进入某状态后执行的钩子。
func (m *Machine) OnEnter(state domain.PositionState, h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.entryHooks[state] = append(m.entryHooks[state], h)
}

// OnExit 注册离开某状态前执行的钩子。
func (m *Machine) OnExit(state domain.PositionState, h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.exitHooks[state] = append(m.exitHooks[state], h)
}

// OnTransition 注册特定边上的钩子。
func (m *Machine) OnTransition(from, to domain.PositionState, h Hook) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	k := edgeKey{from: from, to: to}
	m.transitionHooks[k] = append(m.transitionHooks[k], h)
}

// CreateContext 为持仓创建生命周期上下文；ID 已存在时失败。
func (m *Machine) CreateContext(id, symbol string, initial domain.PositionState, metadata map[string]string) (*PositionContext, error) {
	if id == "" {
		return nil, fmt.Errorf("empty position id")
	}
	if !knownState(initial) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownState, initial)
	}
	now := time.Now()
	c := &PositionContext{
		ID:             id,
		Symbol:         symbol,
		State:          initial,
		PrevState:      initial,
		StateEnteredAt: map[domain.PositionState]time.Time{initial: now},
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       metadata,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contexts[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateContext, id)
	}
	m.contexts[id] = c
	machineLog.Infof("创建生命周期上下文: id=%s symbol=%s state=%s", id, symbol, initial)
	return c, nil
}

// GetContext 查找上下文。
func (m *Machine) GetContext(id string) (*PositionContext, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Snapshots 全部上下文的只读快照（内省接口）。
func (m *Machine) Snapshots() []ContextSnapshot {
	m.mu.RLock()
	list := make([]*PositionContext, 0, len(m.contexts))
	for _, c := range m.contexts {
		list = append(list, c)
	}
	m.mu.RUnlock()

	out := make([]ContextSnapshot, 0, len(list))
	for _, c := range list {
		out = append(out, c.Snapshot())
	}
	return out
}

// Transition 请求一次状态转移。
//
// 执行顺序：exit 钩子 → 边钩子 → 原子提交 → entry 钩子 → 发布 STATE_CHANGED。
// 同状态请求静默 no-op；表外请求与终态请求立即拒绝且不重试。
// 任一钩子失败触发整个转移的有界重试，耗尽后强制进入 FAILED。
func (m *Machine) Transition(ctx context.Context, id string, to domain.PositionState, reason string, metadata map[string]string) error {
	if !knownState(to) {
		return fmt.Errorf("%w: %s", ErrUnknownState, to)
	}
	m.mu.RLock()
	c, ok := m.contexts[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownContext, id)
	}

	// 持仓级互斥：同一 ID 的转移串行
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.State
	if from == to {
		return nil
	}
	if from.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalState, id, from)
	}
	if !edgeAllowed(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}

	t := Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
		Metadata:  metadata,
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if err := m.attempt(ctx, c, t); err != nil {
			lastErr = err
			c.RetryCount++
			machineLog.Warnf("⚠️ 转移钩子失败，重试 %d/%d: id=%s %s->%s err=%v",
				attempt, m.cfg.MaxAttempts, id, from, to, err)
			continue
		}
		m.publishStateChanged(c, t)
		return nil
	}

	// 重试耗尽：唯一的转移表旁路
	m.forceFail(ctx, c, reason, lastErr)
	return fmt.Errorf("transition %s->%s failed after %d attempts: %w", from, to, m.cfg.MaxAttempts, lastErr)
}

// attempt 执行一次完整的转移尝试。调用方持有 c.mu。
func (m *Machine) attempt(ctx context.Context, c *PositionContext, t Transition) error {
	m.hookMu.RLock()
	exits := append([]Hook(nil), m.exitHooks[t.From]...)
	edges := append([]Hook(nil), m.transitionHooks[edgeKey{from: t.From, to: t.To}]...)
	entries := append([]Hook(nil), m.entryHooks[t.To]...)
	m.hookMu.RUnlock()

	for _, h := range exits {
		if err := runHook(ctx, h, c, t); err != nil {
			return fmt.Errorf("exit hook: %w", err)
		}
	}
	for _, h := range edges {
		if err := runHook(ctx, h, c, t); err != nil {
			return fmt.Errorf("transition hook: %w", err)
		}
	}

	c.commit(t)

	for _, h := range entries {
		if err := runHook(ctx, h, c, t); err != nil {
			// 已提交后的 entry 钩子失败同样触发整体重试；
			// 回滚提交，保持"要么全部生效，要么重来"
			c.History = c.History[:len(c.History)-1]
			c.State = t.From
			c.UpdatedAt = time.Now()
			delete(c.StateEnteredAt, t.To)
			return fmt.Errorf("entry hook: %w", err)
		}
	}
	return nil
}

// runHook 钩子 panic 与 error 同样对待：隔离并作为本次尝试的失败。
func runHook(ctx context.Context, h Hook, c *PositionContext, t Transition) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("hook panic: %v", r)
		}
	}()
	return h(ctx, c, t)
}

// forceFail 重试耗尽后的逃生通道：绕过转移表，把上下文压入 FAILED。
// 这是转移表唯一的文档化旁路，校验器本身仍然只认表内边。
func (m *Machine) forceFail(ctx context.Context, c *PositionContext, reason string, cause error) {
	if c.State.IsTerminal() {
		return
	}
	t := Transition{
		From:      c.State,
		To:        domain.StateFailed,
		Reason:    fmt.Sprintf("forced: %s", reason),
		Timestamp: time.Now(),
		Forced:    true,
	}
	c.commit(t)
	metrics.ForcedFailures.Add(1)
	machineLog.Errorf("❌ 重试耗尽，强制进入 FAILED: id=%s from=%s cause=%v", c.ID, t.From, cause)

	m.publishStateChanged(c, t)

	if m.notifier != nil {
		n := ports.Notification{
			EventType: string(domain.EventKindManualIntervention),
			Title:     "持仓被强制置为 FAILED",
			Message:   fmt.Sprintf("position %s (%s): %s -> FAILED, cause: %v", c.ID, c.Symbol, t.From, cause),
			Data: map[string]any{
				"positionId": c.ID,
				"symbol":     c.Symbol,
				"fromState":  string(t.From),
			},
			IdempotencyKey: fmt.Sprintf("forced-failed-%s-%d", c.ID, t.Timestamp.UnixNano()),
		}
		if err := m.notifier.Notify(ctx, n); err != nil {
			machineLog.Errorf("发送强制 FAILED 告警失败: id=%s err=%v", c.ID, err)
		}
	}
}

// publishStateChanged 发布 STATE_CHANGED；强制转移用高优先级。
func (m *Machine) publishStateChanged(c *PositionContext, t Transition) {
	if m.bus == nil {
		return
	}
	prio := events.PriorityNormal
	if t.Forced {
		prio = events.PriorityHigh
	}
	e := events.NewEvent(domain.EventKindStateChanged, events.CategoryLifecycle, prio, "state_machine",
		domain.StateChangedPayload{
			PositionID: c.ID,
			Symbol:     c.Symbol,
			From:       t.From,
			To:         t.To,
			Reason:     t.Reason,
			Forced:     t.Forced,
			Timestamp:  t.Timestamp,
		})
	if _, err := m.bus.Publish(e); err != nil {
		machineLog.Warnf("STATE_CHANGED 事件发布失败: id=%s err=%v", c.ID, err)
	}
}

// TransitionRequest 批量转移的单个条目
type TransitionRequest struct {
	PositionID string
	To         domain.PositionState
	Reason     string
	Metadata   map[string]string
}

// BulkResult 批量转移的单条结果
type BulkResult struct {
	PositionID string
	Err        error
}

// BulkTransition 并发执行多个转移；单条失败只记录在对应结果里，不影响其他条目。
func (m *Machine) BulkTransition(ctx context.Context, reqs []TransitionRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.BulkConcurrency)
	for i, req := range reqs {
		i, req := i, req
		g.Go(func() error {
			results[i] = BulkResult{
				PositionID: req.PositionID,
				Err:        m.Transition(gctx, req.PositionID, req.To, req.Reason, req.Metadata),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// CleanupTerminalStates 清扫在终态停留超过 olderThan 的上下文，返回清除数量。
// 终态年龄以进入终态的历史时间戳计，连续两次清扫之间若无新的终态转移，
// 第二次必然清除 0 个。
func (m *Machine) CleanupTerminalStates(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	m.mu.Lock()
	defer m.mu.Unlock()
	purged := 0
	for id, c := range m.contexts {
		c.mu.Lock()
		since, terminal := c.terminalSince()
		c.mu.Unlock()
		if terminal && since.Before(cutoff) {
			delete(m.contexts, id)
			purged++
		}
	}
	if purged > 0 {
		metrics.SweptContexts.Add(int64(purged))
		machineLog.Infof("终态清扫完成: purged=%d", purged)
	}
	return purged
}
