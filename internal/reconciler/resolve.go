package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/metrics"
)

// resolveFunc 单条差异的纠偏动作
type resolveFunc func(ctx context.Context, d *Discrepancy) error

// actionTable 差异类别 → 纠偏动作。
// SIDE_MISMATCH 故意不在表内：方向不一致绝不自动处置，只升级人工介入。
func (e *Engine) actionTable() map[DiscrepancyKind]resolveFunc {
	return map[DiscrepancyKind]resolveFunc{
		KindPositionNotInSystem:   e.resolveNotInSystem,
		KindPositionNotInExchange: e.resolveNotInExchange,
		KindSizeMismatch:          e.resolveLocalCorrection,
		KindEntryPriceMismatch:    e.resolveLocalCorrection,
		KindLeverageMismatch:      e.resolveLeverage,
	}
}

// resolveAll 按严重级别顺序逐条纠偏。
// 单条失败只记录在该差异上，绝不阻断队列里剩余的差异。
func (e *Engine) resolveAll(ctx context.Context, discs []Discrepancy) (attempted, succeeded, failed int) {
	actions := e.actionTable()
	for i := range discs {
		d := &discs[i]
		action, ok := actions[d.Kind]
		if !ok {
			// 无自动动作（如 SIDE_MISMATCH），保持未解决，由告警路径兜底
			continue
		}

		attempted++
		metrics.ResolutionsAttempted.Add(1)

		if err := e.breaker.Allow(); err != nil {
			failed++
			metrics.ResolutionsFailed.Add(1)
			d.ResolutionError = err.Error()
			continue
		}

		if err := e.runAction(ctx, action, d); err != nil {
			failed++
			metrics.ResolutionsFailed.Add(1)
			e.breaker.RecordFailure()
			d.ResolutionError = err.Error()
			reconLog.Errorf("❌ 纠偏失败: symbol=%s kind=%s err=%v", d.Symbol, d.Kind, err)
			continue
		}

		succeeded++
		metrics.ResolutionsSucceeded.Add(1)
		e.breaker.RecordSuccess()
		d.Resolved = true
		reconLog.Infof("✅ 纠偏完成: symbol=%s kind=%s", d.Symbol, d.Kind)
	}
	return attempted, succeeded, failed
}

// runAction 动作内的 panic 与 error 同样被隔离为该条差异的失败。
func (e *Engine) runAction(ctx context.Context, action resolveFunc, d *Discrepancy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("resolution panic: %v", r)
		}
	}()
	return action(ctx, d)
}

// resolveNotInSystem 交易所有、台账没有：补建本地记录与生命周期上下文。
// 能走到这里说明身份识别已判定为非系统持仓（或无法关联），按人工持仓入账。
func (e *Engine) resolveNotInSystem(ctx context.Context, d *Discrepancy) error {
	if d.Remote == nil {
		return fmt.Errorf("missing remote snapshot")
	}
	rec := &domain.PositionRecord{
		ID:         fmt.Sprintf("recovered_%s", uuid.NewString()),
		Symbol:     d.Remote.Symbol,
		Side:       d.Remote.Side,
		Size:       d.Remote.Size,
		EntryPrice: d.Remote.EntryPrice,
		Leverage:   d.Remote.Leverage,
		Status:     domain.RecordStatusOpen,
		Ownership:  domain.OwnershipManual,
		UpdatedAt:  time.Now(),
	}
	if err := e.manager.CreatePosition(ctx, rec); err != nil {
		return fmt.Errorf("create ledger record: %w", err)
	}
	if e.machine != nil {
		// 对账中发现的持仓直接以 ACTIVE 入场
		if _, err := e.machine.CreateContext(rec.ID, rec.Symbol, domain.StateActive, map[string]string{
			"origin":    "reconciliation",
			"ownership": string(rec.Ownership),
		}); err != nil {
			return fmt.Errorf("create lifecycle context: %w", err)
		}
	}
	return nil
}

// resolveNotInExchange 台账有、交易所没有：只纠本地，绝不反向去交易所强平。
func (e *Engine) resolveNotInExchange(ctx context.Context, d *Discrepancy) error {
	if d.Local == nil {
		return fmt.Errorf("missing local snapshot")
	}
	if e.machine != nil {
		if _, ok := e.machine.GetContext(d.Local.ID); ok {
			if err := e.walkToClosed(ctx, d.Local.ID, "closed on exchange, reconciling ledger"); err != nil {
				return err
			}
		}
	}
	if err := e.manager.ClosePosition(ctx, d.Local.ID); err != nil {
		return fmt.Errorf("close ledger record: %w", err)
	}
	return nil
}

// walkToClosed 沿转移表把上下文走到 CLOSED，按可行路径逐一尝试。
func (e *Engine) walkToClosed(ctx context.Context, id, reason string) error {
	paths := [][]domain.PositionState{
		{domain.StateClosed},
		{domain.StateReconciling, domain.StateClosed},
		{domain.StateClosing, domain.StateClosed},
		{domain.StateActive, domain.StateReconciling, domain.StateClosed},
	}
	var lastErr error
	for _, path := range paths {
		lastErr = nil
		for _, s := range path {
			if err := e.machine.Transition(ctx, id, s, reason, nil); err != nil {
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("walk to CLOSED: %w", lastErr)
}

// resolveLocalCorrection 数量/入场价不一致：以交易所为准改写台账，
// 生命周期走 RECONCILING → MODIFIED → ACTIVE。
func (e *Engine) resolveLocalCorrection(ctx context.Context, d *Discrepancy) error {
	if d.Local == nil || d.Remote == nil {
		return fmt.Errorf("missing snapshot")
	}
	id := d.Local.ID

	hasContext := false
	if e.machine != nil {
		_, hasContext = e.machine.GetContext(id)
	}
	if hasContext {
		if err := e.machine.Transition(ctx, id, domain.StateReconciling, string(d.Kind), nil); err != nil {
			return fmt.Errorf("enter RECONCILING: %w", err)
		}
	}

	if err := e.manager.UpdatePosition(ctx, id, func(rec *domain.PositionRecord) {
		rec.Size = d.Remote.Size
		rec.EntryPrice = d.Remote.EntryPrice
		rec.UpdatedAt = time.Now()
	}); err != nil {
		return fmt.Errorf("update ledger record: %w", err)
	}

	if hasContext {
		if err := e.machine.Transition(ctx, id, domain.StateModified, "ledger corrected from exchange", nil); err != nil {
			return fmt.Errorf("enter MODIFIED: %w", err)
		}
		if err := e.machine.Transition(ctx, id, domain.StateActive, "correction committed", nil); err != nil {
			return fmt.Errorf("return to ACTIVE: %w", err)
		}
	}
	return nil
}

// resolveLeverage 杠杆不一致：本地为准，推送到交易所。
func (e *Engine) resolveLeverage(ctx context.Context, d *Discrepancy) error {
	if d.Local == nil {
		return fmt.Errorf("missing local snapshot")
	}
	if err := e.exchange.SetLeverage(ctx, d.Symbol, d.Local.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	return nil
}
