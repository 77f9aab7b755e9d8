package reconciler

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/resolver"
)

// classify 对本地与远端快照的 symbol 并集逐一分类。
// 每个 symbol 恰好落入一种情况：仅远端 / 仅本地 / 两边都有。
// 两边都有时按字段逐项比较，每个不一致字段产生一条差异。
func (e *Engine) classify(ctx context.Context, locals map[string]*domain.PositionRecord, remotes map[string]*domain.ExchangePosition) []Discrepancy {
	var out []Discrepancy
	now := time.Now()

	symbols := make(map[string]struct{}, len(locals)+len(remotes))
	for s := range locals {
		symbols[s] = struct{}{}
	}
	for s := range remotes {
		symbols[s] = struct{}{}
	}

	localList := make([]*domain.PositionRecord, 0, len(locals))
	for _, rec := range locals {
		localList = append(localList, rec)
	}

	for symbol := range symbols {
		local := locals[symbol]
		remote := remotes[symbol]

		switch {
		case local == nil && remote != nil:
			// 先过身份识别：滑点成交的系统持仓不算差异，识别器已就地纠偏
			class, matched := e.resolver.Resolve(ctx, remote, localList)
			if class == resolver.ClassSystem && matched != nil {
				reconLog.Infof("识别为滑点成交的系统持仓，已纠偏: symbol=%s local=%s", symbol, matched.ID)
				continue
			}
			out = append(out, Discrepancy{
				ID:         uuid.NewString(),
				Symbol:     symbol,
				Kind:       KindPositionNotInSystem,
				Severity:   SeverityHigh,
				Remote:     remote,
				Details:    fmt.Sprintf("exchange reports %s %s size=%.6f, no ledger record", symbol, remote.Side, remote.Size),
				DetectedAt: now,
			})

		case local != nil && remote == nil:
			out = append(out, Discrepancy{
				ID:         uuid.NewString(),
				Symbol:     symbol,
				Kind:       KindPositionNotInExchange,
				Severity:   SeverityCritical,
				Local:      local.Clone(),
				Details:    fmt.Sprintf("ledger has open %s %s size=%.6f, exchange reports none", symbol, local.Side, local.Size),
				DetectedAt: now,
			})

		default:
			// 交易所 ID 尚未登记时先过身份识别：邻近匹配命中说明是
			// 滑点成交，识别器已覆写本地价格/数量并登记 ID，不算差异。
			// 精确匹配或 MANUAL 都继续逐字段比较，捕捉真实漂移。
			if _, known := e.resolver.LookupID(remote.ExchangeID); !known {
				if class, matched := e.resolver.Resolve(ctx, remote, localList); class == resolver.ClassSystem && matched != nil {
					reconLog.Infof("识别为滑点成交的系统持仓，已纠偏: symbol=%s local=%s", symbol, matched.ID)
					continue
				}
			}
			out = append(out, e.compareFields(local, remote, now)...)
		}
	}

	// 严重级别降序，先处理最危险的差异
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity > out[j].Severity
	})
	return out
}

// compareFields 两边都有持仓时的逐字段比较。
func (e *Engine) compareFields(local *domain.PositionRecord, remote *domain.ExchangePosition, now time.Time) []Discrepancy {
	var out []Discrepancy

	if local.Side != remote.Side {
		out = append(out, Discrepancy{
			ID:         uuid.NewString(),
			Symbol:     local.Symbol,
			Kind:       KindSideMismatch,
			Severity:   SeverityCritical,
			Local:      local.Clone(),
			Remote:     remote,
			Details:    fmt.Sprintf("side mismatch: ledger=%s exchange=%s", local.Side, remote.Side),
			DetectedAt: now,
		})
	}

	if remote.Size > 0 {
		relDiff := math.Abs(remote.Size-local.Size) / remote.Size
		if relDiff > sizeEpsilon {
			sev := SeverityMedium
			if relDiff > e.cfg.SizeCriticalThreshold {
				sev = SeverityHigh
			}
			out = append(out, Discrepancy{
				ID:           uuid.NewString(),
				Symbol:       local.Symbol,
				Kind:         KindSizeMismatch,
				Severity:     sev,
				Local:        local.Clone(),
				Remote:       remote,
				RelativeDiff: relDiff,
				Details:      fmt.Sprintf("size mismatch: ledger=%.6f exchange=%.6f relDiff=%.4f", local.Size, remote.Size, relDiff),
				DetectedAt:   now,
			})
		}
	}

	if remote.EntryPrice > 0 {
		relDiff := math.Abs(remote.EntryPrice-local.EntryPrice) / remote.EntryPrice
		if relDiff > e.cfg.PriceEpsilon {
			out = append(out, Discrepancy{
				ID:           uuid.NewString(),
				Symbol:       local.Symbol,
				Kind:         KindEntryPriceMismatch,
				Severity:     SeverityMedium,
				Local:        local.Clone(),
				Remote:       remote,
				RelativeDiff: relDiff,
				Details:      fmt.Sprintf("entry price mismatch: ledger=%.4f exchange=%.4f", local.EntryPrice, remote.EntryPrice),
				DetectedAt:   now,
			})
		}
	}

	if remote.Leverage > 0 && local.Leverage != remote.Leverage {
		out = append(out, Discrepancy{
			ID:         uuid.NewString(),
			Symbol:     local.Symbol,
			Kind:       KindLeverageMismatch,
			Severity:   SeverityLow,
			Local:      local.Clone(),
			Remote:     remote,
			Details:    fmt.Sprintf("leverage mismatch: ledger=%dx exchange=%dx", local.Leverage, remote.Leverage),
			DetectedAt: now,
		})
	}
	return out
}

// sizeEpsilon 数量比较的浮点容差，低于它视为一致。
const sizeEpsilon = 1e-9
