package risk

import (
	"fmt"
	"sync/atomic"
)

// ErrResolutionHalted 自动纠偏已熔断，差异仍会被检测与上报，但不再自动执行。
var ErrResolutionHalted = fmt.Errorf("auto-resolution halted by circuit breaker")

// BreakerConfig 纠偏熔断配置。阈值 <= 0 表示关闭对应限制。
type BreakerConfig struct {
	// MaxConsecutiveFailures 连续纠偏失败上限，达到后熔断
	MaxConsecutiveFailures int64
}

// ResolutionBreaker 对账自动纠偏的熔断器。
// 快路径全部走原子变量，无锁。
type ResolutionBreaker struct {
	halted              atomic.Bool
	consecutiveFailures atomic.Int64

	maxConsecutiveFailures atomic.Int64
}

func NewResolutionBreaker(cfg BreakerConfig) *ResolutionBreaker {
	b := &ResolutionBreaker{}
	b.SetConfig(cfg)
	return b
}

func (b *ResolutionBreaker) SetConfig(cfg BreakerConfig) {
	if b == nil {
		return
	}
	b.maxConsecutiveFailures.Store(cfg.MaxConsecutiveFailures)
}

// Halt 手动熔断（人工介入场景）。
func (b *ResolutionBreaker) Halt() {
	if b == nil {
		return
	}
	b.halted.Store(true)
}

// Resume 手动恢复，同时清零连续失败计数。
func (b *ResolutionBreaker) Resume() {
	if b == nil {
		return
	}
	b.halted.Store(false)
	b.consecutiveFailures.Store(0)
}

// Allow 快路径检查是否允许继续自动纠偏。
func (b *ResolutionBreaker) Allow() error {
	if b == nil {
		return nil
	}
	if b.halted.Load() {
		return ErrResolutionHalted
	}
	max := b.maxConsecutiveFailures.Load()
	if max > 0 && b.consecutiveFailures.Load() >= max {
		b.halted.Store(true)
		return ErrResolutionHalted
	}
	return nil
}

// RecordSuccess 一次纠偏成功，连续失败清零。
func (b *ResolutionBreaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.consecutiveFailures.Store(0)
}

// RecordFailure 一次纠偏失败。
func (b *ResolutionBreaker) RecordFailure() {
	if b == nil {
		return
	}
	b.consecutiveFailures.Add(1)
}

// Halted 当前是否处于熔断状态。
func (b *ResolutionBreaker) Halted() bool {
	return b != nil && b.halted.Load()
}
