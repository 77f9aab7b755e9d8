package paperx

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/betbot/poskeeper/internal/domain"
)

var paperLog = logrus.WithField("component", "paper_exchange")

// Exchange 纸上交易所：内存中的持仓视图，实现 ports.ExchangeAdapter。
// 用于 dry-run 运行与测试；持仓由外部通过 Seed/Remove 驱动。
type Exchange struct {
	mu        sync.RWMutex
	positions map[string]*domain.ExchangePosition // symbol -> position
	prices    map[string]float64                  // symbol -> mark price
	leverages map[string]int                      // symbol -> leverage

	// failures 让接下来 N 次 GetPositions 失败（测试重试/中止路径用）
	failures int
	failErr  error
}

// New 创建空的纸上交易所。
func New() *Exchange {
	return &Exchange{
		positions: make(map[string]*domain.ExchangePosition),
		prices:    make(map[string]float64),
		leverages: make(map[string]int),
	}
}

// Seed 写入或覆盖一个交易所持仓。
func (e *Exchange) Seed(p *domain.ExchangePosition) {
	if p == nil || p.Symbol == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cp := *p
	e.positions[p.Symbol] = &cp
	if p.EntryPrice > 0 {
		e.prices[p.Symbol] = p.EntryPrice
	}
}

// Remove 删除某交易对的持仓（模拟交易所侧平仓）。
func (e *Exchange) Remove(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.positions, symbol)
}

// SetPrice 设置标记价格。
func (e *Exchange) SetPrice(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[symbol] = price
}

// FailNext 让接下来 n 次 GetPositions 返回 err。
func (e *Exchange) FailNext(n int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures = n
	e.failErr = err
}

// GetPositions 当前持仓快照。
func (e *Exchange) GetPositions(ctx context.Context) ([]*domain.ExchangePosition, error) {
	e.mu.Lock()
	if e.failures > 0 {
		e.failures--
		err := e.failErr
		e.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("simulated exchange failure")
		}
		return nil, err
	}
	out := make([]*domain.ExchangePosition, 0, len(e.positions))
	for _, p := range e.positions {
		cp := *p
		out = append(out, &cp)
	}
	e.mu.Unlock()
	return out, nil
}

// GetCurrentPrice 当前标记价格。
func (e *Exchange) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	price, ok := e.prices[symbol]
	if !ok {
		return 0, fmt.Errorf("no price for %s", symbol)
	}
	return price, nil
}

// SetLeverage 记录杠杆设置并同步到持仓视图。
func (e *Exchange) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if leverage <= 0 {
		return fmt.Errorf("invalid leverage %d", leverage)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.leverages[symbol] = leverage
	if p, ok := e.positions[symbol]; ok {
		p.Leverage = leverage
	}
	paperLog.Infof("杠杆已更新: symbol=%s leverage=%dx", symbol, leverage)
	return nil
}

// Leverage 查询已记录的杠杆（测试用）。
func (e *Exchange) Leverage(symbol string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	lv, ok := e.leverages[symbol]
	return lv, ok
}
