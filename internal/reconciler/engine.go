package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/events"
	"github.com/betbot/poskeeper/internal/lifecycle"
	"github.com/betbot/poskeeper/internal/metrics"
	"github.com/betbot/poskeeper/internal/ports"
	"github.com/betbot/poskeeper/internal/resolver"
	"github.com/betbot/poskeeper/internal/risk"
	"github.com/betbot/poskeeper/pkg/ratelimit"
	"github.com/betbot/poskeeper/pkg/sigchan"
)

var reconLog = logrus.WithField("component", "reconciler")

// ErrForceReconcileThrottled 按需对账触发过于频繁，被限流丢弃
var ErrForceReconcileThrottled = fmt.Errorf("force reconcile throttled")

// Config 对账引擎配置
type Config struct {
	// FetchAttempts 远端快照拉取的最大尝试次数（含首次），默认 3
	FetchAttempts int
	// FetchBackoff 首次重试的退避时长，之后指数翻倍，默认 500ms
	FetchBackoff time.Duration

	// SizeCriticalThreshold 数量相对差超过该值时，SIZE_MISMATCH 升为 HIGH，默认 0.1
	SizeCriticalThreshold float64
	// PriceEpsilon 入场价相对差低于该值视为一致，默认 0.001
	PriceEpsilon float64

	// FastInterval 快速周期（仅在本地存在持仓时运行），默认 30s
	FastInterval time.Duration
	// NormalInterval 常规周期（始终运行），默认 5m
	NormalInterval time.Duration
	// SlowInterval 慢速周期（附带清扫等杂务），默认 1h
	SlowInterval time.Duration
	// SweepMaxAge 终态上下文的清扫年龄阈值，默认 24h
	SweepMaxAge time.Duration

	// HistoryCap 运行/差异历史的环形缓冲容量，默认 100
	HistoryCap int

	// ForceBurst / ForcePerSecond 按需对账的令牌桶参数，默认 5 / 1
	ForceBurst     int
	ForcePerSecond int

	// BreakerMaxFailures 连续纠偏失败熔断阈值，默认 10
	BreakerMaxFailures int64
}

func (c Config) withDefaults() Config {
	if c.FetchAttempts <= 0 {
		c.FetchAttempts = 3
	}
	if c.FetchBackoff <= 0 {
		c.FetchBackoff = 500 * time.Millisecond
	}
	if c.SizeCriticalThreshold <= 0 {
		c.SizeCriticalThreshold = 0.1
	}
	if c.PriceEpsilon <= 0 {
		c.PriceEpsilon = 0.001
	}
	if c.FastInterval <= 0 {
		c.FastInterval = 30 * time.Second
	}
	if c.NormalInterval <= 0 {
		c.NormalInterval = 5 * time.Minute
	}
	if c.SlowInterval <= 0 {
		c.SlowInterval = time.Hour
	}
	if c.SweepMaxAge <= 0 {
		c.SweepMaxAge = 24 * time.Hour
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 100
	}
	if c.ForceBurst <= 0 {
		c.ForceBurst = 5
	}
	if c.ForcePerSecond <= 0 {
		c.ForcePerSecond = 1
	}
	if c.BreakerMaxFailures <= 0 {
		c.BreakerMaxFailures = 10
	}
	return c
}

// Engine 对账引擎：拉取 → 分类 → 纠偏 → 上报 的流水线，
// 周期触发与按需触发共用同一条执行路径。
type Engine struct {
	cfg Config

	manager  ports.PositionManager
	exchange ports.ExchangeAdapter
	notifier ports.Notifier
	bus      *events.Bus
	machine  *lifecycle.Machine
	resolver *resolver.Resolver

	breaker *risk.ResolutionBreaker
	limiter *ratelimit.TokenBucket
	history *historyBuffer

	// runMu 串行化对账运行：同一时刻最多一次运行在途
	runMu sync.Mutex

	trigger   *sigchan.Chan
	symbolMu  sync.Mutex
	symbolSet map[string]struct{}

	lifeMu  sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New 创建对账引擎。
func New(cfg Config, manager ports.PositionManager, exchange ports.ExchangeAdapter,
	notifier ports.Notifier, bus *events.Bus, machine *lifecycle.Machine, res *resolver.Resolver) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:       cfg,
		manager:   manager,
		exchange:  exchange,
		notifier:  notifier,
		bus:       bus,
		machine:   machine,
		resolver:  res,
		breaker:   risk.NewResolutionBreaker(risk.BreakerConfig{MaxConsecutiveFailures: cfg.BreakerMaxFailures}),
		limiter:   ratelimit.NewTokenBucket(cfg.ForceBurst, cfg.ForcePerSecond),
		history:   newHistoryBuffer(cfg.HistoryCap),
		trigger:   sigchan.New(16),
		symbolSet: make(map[string]struct{}),
	}
}

// Breaker 暴露纠偏熔断器（内省/人工恢复用）。
func (e *Engine) Breaker() *risk.ResolutionBreaker { return e.breaker }

func newRunID() string {
	return "run_" + uuid.NewString()
}

// Reconcile 执行一次全量对账。
func (e *Engine) Reconcile(ctx context.Context, kind RunKind) (*Result, error) {
	return e.run(ctx, kind, "")
}

// ForceReconcile 按需对单个交易对执行对账（symbol 为空时全量）。
// 事件风暴下由令牌桶限流，超额请求直接拒绝。
func (e *Engine) ForceReconcile(ctx context.Context, symbol string) (*Result, error) {
	if !e.limiter.Allow() {
		reconLog.Warnf("⚠️ 按需对账被限流: symbol=%s", symbol)
		return nil, ErrForceReconcileThrottled
	}
	return e.run(ctx, RunOnDemand, symbol)
}

// GetDiscrepancyHistory 保留的差异历史（旧→新）。
func (e *Engine) GetDiscrepancyHistory() []Discrepancy { return e.history.Discrepancies() }

// GetRunHistory 保留的运行历史（旧→新）。
func (e *Engine) GetRunHistory() []Result { return e.history.Runs() }

// run 一次完整的对账运行。缺数据时绝不猜测：
// 远端快照拉取耗尽重试后，本次运行中止，不做任何纠偏。
func (e *Engine) run(ctx context.Context, kind RunKind, symbol string) (*Result, error) {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	metrics.ReconcileRuns.Add(1)
	res := &Result{
		ID:        newRunID(),
		Kind:      kind,
		Symbol:    symbol,
		StartedAt: time.Now(),
	}

	locals, err := e.fetchLocal(ctx, symbol)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		res.Errors = append(res.Errors, err.Error())
		res.CompletedAt = time.Now()
		e.history.addRun(*res)
		return res, errors.Wrap(err, "fetch local snapshot")
	}

	remotes, err := e.fetchRemote(ctx, symbol)
	if err != nil {
		metrics.ReconcileErrors.Add(1)
		res.Errors = append(res.Errors, err.Error())
		res.CompletedAt = time.Now()
		e.history.addRun(*res)
		reconLog.Errorf("❌ 远端快照拉取失败，本次对账中止: kind=%s err=%v", kind, err)
		return res, errors.Wrap(err, "fetch remote snapshot")
	}

	res.PositionsChecked = len(locals) + len(remotes)

	discs := e.classify(ctx, locals, remotes)
	attempted, succeeded, failed := e.resolveAll(ctx, discs)
	res.Discrepancies = discs
	res.ResolutionsAttempted = attempted
	res.ResolutionsSucceeded = succeeded
	res.ResolutionsFailed = failed
	res.CompletedAt = time.Now()

	e.history.addRun(*res)
	e.publishSummary(ctx, res)

	reconLog.Infof("🔄 对账完成: kind=%s checked=%d discrepancies=%d resolved=%d/%d",
		kind, res.PositionsChecked, len(discs), succeeded, attempted)
	return res, nil
}

// fetchLocal 本地台账快照，按 symbol 建索引；symbol 非空时只取该交易对。
func (e *Engine) fetchLocal(ctx context.Context, symbol string) (map[string]*domain.PositionRecord, error) {
	records, err := e.manager.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*domain.PositionRecord, len(records))
	for _, rec := range records {
		if rec == nil || !rec.IsOpen() {
			continue
		}
		if symbol != "" && rec.Symbol != symbol {
			continue
		}
		out[rec.Symbol] = rec
	}
	return out, nil
}

// fetchRemote 交易所快照，带指数退避的有界重试。
func (e *Engine) fetchRemote(ctx context.Context, symbol string) (map[string]*domain.ExchangePosition, error) {
	var lastErr error
	backoff := e.cfg.FetchBackoff

	for attempt := 1; attempt <= e.cfg.FetchAttempts; attempt++ {
		positions, err := e.exchange.GetPositions(ctx)
		if err == nil {
			out := make(map[string]*domain.ExchangePosition, len(positions))
			for _, p := range positions {
				if p == nil || p.Size <= 0 {
					continue
				}
				if symbol != "" && p.Symbol != symbol {
					continue
				}
				out[p.Symbol] = p
			}
			return out, nil
		}
		lastErr = err
		if attempt == e.cfg.FetchAttempts {
			break
		}
		reconLog.Warnf("⚠️ 交易所持仓拉取失败，退避重试 %d/%d: err=%v", attempt, e.cfg.FetchAttempts, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("exchange positions after %d attempts: %w", e.cfg.FetchAttempts, lastErr)
}

// publishSummary 发布运行汇总事件；存在未解决的 CRITICAL/HIGH 差异时，
// 另行升级人工介入告警。
func (e *Engine) publishSummary(ctx context.Context, res *Result) {
	unresolvedHigh := res.unresolvedAbove(SeverityHigh)

	if e.bus != nil {
		prio := events.PriorityNormal
		if unresolvedHigh > 0 {
			prio = events.PriorityHigh
		}
		ev := events.NewEvent(domain.EventKindReconcileCompleted, events.CategoryReconciliation, prio, "reconciler",
			domain.ReconciliationPayload{
				RunID:                res.ID,
				RunKind:              string(res.Kind),
				PositionsChecked:     res.PositionsChecked,
				DiscrepancyCount:     len(res.Discrepancies),
				ResolutionsAttempted: res.ResolutionsAttempted,
				ResolutionsSucceeded: res.ResolutionsSucceeded,
				ResolutionsFailed:    res.ResolutionsFailed,
				UnresolvedCritical:   res.unresolvedAbove(SeverityCritical),
				StartedAt:            res.StartedAt,
				CompletedAt:          res.CompletedAt,
			})
		if _, err := e.bus.Publish(ev); err != nil {
			reconLog.Warnf("对账汇总事件发布失败: run=%s err=%v", res.ID, err)
		}

		for _, d := range res.Discrepancies {
			de := events.NewEvent(domain.EventKindDiscrepancyFound, events.CategoryReconciliation, events.PriorityLow, "reconciler",
				domain.DiscrepancyPayload{
					DiscrepancyID: d.ID,
					Symbol:        d.Symbol,
					Kind:          string(d.Kind),
					Severity:      d.Severity.String(),
					Details:       d.Details,
				})
			_, _ = e.bus.Publish(de)
		}
	}

	if unresolvedHigh > 0 && e.notifier != nil {
		n := ports.Notification{
			EventType: string(domain.EventKindManualIntervention),
			Title:     "对账发现未解决的高危差异",
			Message:   fmt.Sprintf("run %s: %d unresolved CRITICAL/HIGH discrepancies", res.ID, unresolvedHigh),
			Data: map[string]any{
				"runId":      res.ID,
				"runKind":    string(res.Kind),
				"unresolved": unresolvedHigh,
			},
			IdempotencyKey: fmt.Sprintf("reconcile-%s", res.ID),
		}
		if err := e.notifier.Notify(ctx, n); err != nil {
			reconLog.Errorf("人工介入告警发送失败: run=%s err=%v", res.ID, err)
		}
	}
}
