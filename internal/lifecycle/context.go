package lifecycle

import (
	"sync"
	"time"

	"github.com/betbot/poskeeper/internal/domain"
)

// Transition 一次已提交的状态转移，追加进历史后不再修改。
type Transition struct {
	From      domain.PositionState
	To        domain.PositionState
	Reason    string
	Timestamp time.Time
	Metadata  map[string]string
	Forced    bool
}

// PositionContext 单个持仓的生命周期上下文。
// mu 是该持仓的互斥域：同一 ID 上的转移严格串行，不同 ID 互不阻塞。
type PositionContext struct {
	mu sync.Mutex

	ID        string
	Symbol    string
	State     domain.PositionState
	PrevState domain.PositionState

	History        []Transition
	StateEnteredAt map[domain.PositionState]time.Time

	RetryCount int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Metadata   map[string]string
}

// commit 原子提交一次转移：追加历史并更新状态与时间戳。
// 调用方必须已持有 c.mu。
func (c *PositionContext) commit(t Transition) {
	c.History = append(c.History, t)
	c.PrevState = c.State
	c.State = t.To
	c.StateEnteredAt[t.To] = t.Timestamp
	c.UpdatedAt = t.Timestamp
}

// terminalSince 若处于终态，返回进入终态的时间。
// 以最后一条历史的时间戳为准，保证清扫的幂等性。
func (c *PositionContext) terminalSince() (time.Time, bool) {
	if !c.State.IsTerminal() {
		return time.Time{}, false
	}
	if n := len(c.History); n > 0 {
		return c.History[n-1].Timestamp, true
	}
	// 直接以终态创建的上下文
	return c.CreatedAt, true
}

// ContextSnapshot 上下文的只读快照（内省接口返回值）。
type ContextSnapshot struct {
	ID         string                 `json:"id"`
	Symbol     string                 `json:"symbol"`
	State      domain.PositionState   `json:"state"`
	PrevState  domain.PositionState   `json:"prevState"`
	History    []Transition           `json:"history"`
	RetryCount int                    `json:"retryCount"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
	Metadata   map[string]string      `json:"metadata,omitempty"`
}

// Snapshot 在持仓锁内拷贝一份快照。
func (c *PositionContext) Snapshot() ContextSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	hist := make([]Transition, len(c.History))
	copy(hist, c.History)
	meta := make(map[string]string, len(c.Metadata))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	return ContextSnapshot{
		ID:         c.ID,
		Symbol:     c.Symbol,
		State:      c.State,
		PrevState:  c.PrevState,
		History:    hist,
		RetryCount: c.RetryCount,
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
		Metadata:   meta,
	}
}
