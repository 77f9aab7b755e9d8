package domain

import "time"

// Side 持仓方向
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Ownership 持仓归属：系统开仓 / 人工开仓
type Ownership string

const (
	OwnershipSystem Ownership = "system"
	OwnershipManual Ownership = "manual"
)

// RecordStatus 台账记录状态
type RecordStatus string

const (
	RecordStatusOpen   RecordStatus = "open"
	RecordStatusClosed RecordStatus = "closed"
)

// PositionRecord 本地台账中的持仓记录。
// 业务字段由 Position Manager 独占写入；对账引擎只做纠偏性修改。
type PositionRecord struct {
	ID          string       // 持仓 ID（系统签发）
	Symbol      string       // 交易对，如 BTCUSDT
	Side        Side         // 方向
	Size        float64      // 持仓数量
	EntryPrice  float64      // 入场价格
	Leverage    int          // 杠杆倍数
	Status      RecordStatus // 记录状态
	StrategyTag string       // 归属策略标记
	Ownership   Ownership    // 归属分类
	UpdatedAt   time.Time    // 最近更新时间
}

// IsOpen 检查记录是否开放
func (r *PositionRecord) IsOpen() bool {
	return r != nil && r.Status == RecordStatusOpen
}

// Clone 返回记录的浅拷贝（台账快照对调用方只读）。
func (r *PositionRecord) Clone() *PositionRecord {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// ExchangePosition 交易所上报的持仓视图。
// ExchangeID 为交易所侧标识，重启后首个同步周期内可能无法与本地 ID 关联。
type ExchangePosition struct {
	ExchangeID string
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	Leverage   int
}
