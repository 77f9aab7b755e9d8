package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/events"
)

// Start 启动调度循环：快速/常规/慢速三个周期共用一条对账流水线，
// 外加一个按需触发循环。重复调用返回错误。
func (e *Engine) Start(ctx context.Context) error {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.started {
		return fmt.Errorf("reconciler already started")
	}
	e.started = true

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	// 同步异常事件直接转化为该交易对的按需对账
	if e.bus != nil {
		if _, err := e.bus.Subscribe(domain.EventKindPositionSyncError, func(_ context.Context, ev *events.Event) error {
			payload, ok := ev.Payload.(domain.SyncErrorPayload)
			if !ok {
				return fmt.Errorf("unexpected payload type %T", ev.Payload)
			}
			e.RequestReconcile(payload.Symbol)
			return nil
		}, 0); err != nil {
			cancel()
			e.started = false
			return fmt.Errorf("subscribe sync errors: %w", err)
		}
	}

	e.wg.Add(2)
	go e.cadenceLoop(runCtx)
	go e.onDemandLoop(runCtx)

	reconLog.Infof("✅ 对账调度已启动: fast=%s normal=%s slow=%s",
		e.cfg.FastInterval, e.cfg.NormalInterval, e.cfg.SlowInterval)
	return nil
}

// Stop 停止调度循环，等待在途运行结束。
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.cancel()
	e.wg.Wait()
	reconLog.Info("对账调度已停止")
}

// RequestReconcile 排队一次按需对账（非阻塞）。
// symbol 为空表示全量。触发信号合并，重复请求不会堆积。
func (e *Engine) RequestReconcile(symbol string) {
	if symbol != "" {
		e.symbolMu.Lock()
		e.symbolSet[symbol] = struct{}{}
		e.symbolMu.Unlock()
	}
	e.trigger.Emit()
}

// cadenceLoop 周期调度。快速周期仅在本地存在持仓时运行；
// 慢速周期顺带做终态上下文清扫等杂务。
func (e *Engine) cadenceLoop(ctx context.Context) {
	defer e.wg.Done()

	fast := time.NewTicker(e.cfg.FastInterval)
	normal := time.NewTicker(e.cfg.NormalInterval)
	slow := time.NewTicker(e.cfg.SlowInterval)
	defer fast.Stop()
	defer normal.Stop()
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-fast.C:
			if !e.hasOpenPositions(ctx) {
				continue
			}
			if _, err := e.Reconcile(ctx, RunFast); err != nil {
				reconLog.Warnf("快速对账失败: %v", err)
			}

		case <-normal.C:
			if _, err := e.Reconcile(ctx, RunNormal); err != nil {
				reconLog.Warnf("常规对账失败: %v", err)
			}

		case <-slow.C:
			if _, err := e.Reconcile(ctx, RunSlow); err != nil {
				reconLog.Warnf("慢速对账失败: %v", err)
			}
			if e.machine != nil {
				swept := e.machine.CleanupTerminalStates(e.cfg.SweepMaxAge)
				if swept > 0 {
					reconLog.Infof("🧹 清扫终态生命周期上下文: swept=%d", swept)
				}
			}
		}
	}
}

// onDemandLoop 消费按需触发信号。信号本身不携带数据，
// 待对账的交易对从 symbolSet 里取走；集合为空则做一次全量。
func (e *Engine) onDemandLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger.C():
			for _, symbol := range e.drainSymbols() {
				if _, err := e.ForceReconcile(ctx, symbol); err != nil {
					reconLog.Warnf("按需对账失败: symbol=%s err=%v", symbol, err)
				}
			}
		}
	}
}

func (e *Engine) drainSymbols() []string {
	e.symbolMu.Lock()
	defer e.symbolMu.Unlock()
	if len(e.symbolSet) == 0 {
		// 无具体交易对，退化为一次全量
		return []string{""}
	}
	out := make([]string, 0, len(e.symbolSet))
	for s := range e.symbolSet {
		out = append(out, s)
		delete(e.symbolSet, s)
	}
	return out
}

func (e *Engine) hasOpenPositions(ctx context.Context) bool {
	records, err := e.manager.GetPositions(ctx)
	if err != nil {
		reconLog.Warnf("本地持仓检查失败: %v", err)
		return false
	}
	for _, rec := range records {
		if rec != nil && rec.IsOpen() {
			return true
		}
	}
	return false
}
