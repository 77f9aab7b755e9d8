package resolver

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/domain"
	"github.com/betbot/poskeeper/internal/ports"
)

var resolverLog = logrus.WithField("component", "identity_resolver")

// Classification 交易所持仓的归属判定结果
type Classification string

const (
	ClassSystem Classification = "SYSTEM"
	ClassManual Classification = "MANUAL"
)

// Options 识别容差。
// 容差带用来区分"我们的订单带滑点成交了"和"同一交易对上无关的持仓"。
type Options struct {
	// PriceTolerance 相对价差上限，默认 0.005（0.5%）
	PriceTolerance float64
	// SizeTolerance 相对数量差上限，默认 0.001（0.1%）
	SizeTolerance float64
	// MaxAge 候选本地持仓的最大开仓年龄；0 表示不限制。
	// 原实现只按价格/数量邻近匹配、不做时间窗约束（历史上的同会话检查已停用），
	// 这里保留默认关闭，仅作为后续加固的入口。
	MaxAge time.Duration
}

func (o Options) withDefaults() Options {
	if o.PriceTolerance <= 0 {
		o.PriceTolerance = 0.005
	}
	if o.SizeTolerance <= 0 {
		o.SizeTolerance = 0.001
	}
	return o
}

// Resolver 持仓身份识别器。
// 在无法用 ID 直接关联时（重启后首次同步、滑点成交），
// 把交易所上报的持仓判定为系统持仓或人工持仓。
type Resolver struct {
	opts    Options
	manager ports.PositionManager

	mu       sync.RWMutex
	knownIDs map[string]string // 交易所 ID -> 本地持仓 ID
}

// New 创建识别器。manager 用于匹配成功后的滑点纠偏写回。
func New(opts Options, manager ports.PositionManager) *Resolver {
	return &Resolver{
		opts:     opts.withDefaults(),
		manager:  manager,
		knownIDs: make(map[string]string),
	}
}

// RegisterID 登记交易所 ID 与本地持仓的对应关系，供后续快速精确匹配。
func (r *Resolver) RegisterID(exchangeID, localID string) {
	if exchangeID == "" || localID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.knownIDs[exchangeID] = localID
}

// LookupID 查询已登记的交易所 ID。
func (r *Resolver) LookupID(exchangeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	localID, ok := r.knownIDs[exchangeID]
	return localID, ok
}

// ExportIDs 导出登记表副本（持久化用）。
func (r *Resolver) ExportIDs() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.knownIDs))
	for k, v := range r.knownIDs {
		out[k] = v
	}
	return out
}

// ImportIDs 合并外部登记表（启动时恢复持久化状态）。
func (r *Resolver) ImportIDs(ids map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range ids {
		if k != "" && v != "" {
			r.knownIDs[k] = v
		}
	}
}

// Resolve 判定交易所上报持仓的归属，首个命中的规则生效：
//  1. 交易所 ID 已在登记表中 → SYSTEM
//  2. 存在同 symbol+side、策略持有、ACTIVE 的本地持仓，
//     且价差与数量差都落在容差带内 → SYSTEM，
//     并用交易所的成交价/数量覆写本地记录（滑点纠偏），登记新 ID
//  3. 其余 → MANUAL
//
// 返回判定结果与命中的本地记录（MANUAL 时为 nil）。
func (r *Resolver) Resolve(ctx context.Context, reported *domain.ExchangePosition, locals []*domain.PositionRecord) (Classification, *domain.PositionRecord) {
	if reported == nil {
		return ClassManual, nil
	}

	// 规则 1：精确 ID 匹配
	if reported.ExchangeID != "" {
		if localID, ok := r.LookupID(reported.ExchangeID); ok {
			for _, rec := range locals {
				if rec != nil && rec.ID == localID {
					return ClassSystem, rec
				}
			}
			return ClassSystem, nil
		}
	}

	// 规则 2：邻近匹配（滑点场景）
	match := r.closestCandidate(reported, locals)
	if match == nil {
		return ClassManual, nil
	}

	resolverLog.Infof("🔄 邻近匹配命中: symbol=%s local=%s price %.4f->%.4f size %.6f->%.6f",
		reported.Symbol, match.ID, match.EntryPrice, reported.EntryPrice, match.Size, reported.Size)

	// 交易所成交值为准：覆写本地价格/数量
	if r.manager != nil {
		err := r.manager.UpdatePosition(ctx, match.ID, func(rec *domain.PositionRecord) {
			rec.EntryPrice = reported.EntryPrice
			rec.Size = reported.Size
			rec.UpdatedAt = time.Now()
		})
		if err != nil {
			resolverLog.Errorf("滑点纠偏写回失败: local=%s err=%v", match.ID, err)
		}
	}
	r.RegisterID(reported.ExchangeID, match.ID)
	return ClassSystem, match
}

// closestCandidate 在容差带内挑选价差最小的候选。
// 评分沿用 1/(1+diff)：价差越小得分越高。
func (r *Resolver) closestCandidate(reported *domain.ExchangePosition, locals []*domain.PositionRecord) *domain.PositionRecord {
	var best *domain.PositionRecord
	bestScore := 0.0
	now := time.Now()

	for _, rec := range locals {
		if rec == nil || !rec.IsOpen() {
			continue
		}
		if rec.Symbol != reported.Symbol || rec.Side != reported.Side {
			continue
		}
		// 只匹配策略持有的系统持仓
		if rec.Ownership != domain.OwnershipSystem || rec.StrategyTag == "" {
			continue
		}
		if r.opts.MaxAge > 0 && now.Sub(rec.UpdatedAt) > r.opts.MaxAge {
			continue
		}
		if reported.EntryPrice <= 0 || reported.Size <= 0 {
			continue
		}

		priceDiff := math.Abs(reported.EntryPrice-rec.EntryPrice) / reported.EntryPrice
		sizeDiff := math.Abs(reported.Size-rec.Size) / reported.Size
		if priceDiff >= r.opts.PriceTolerance || sizeDiff >= r.opts.SizeTolerance {
			continue
		}

		score := 1.0 / (1.0 + priceDiff)
		if best == nil || score > bestScore {
			best = rec
			bestScore = score
		}
	}
	return best
}
