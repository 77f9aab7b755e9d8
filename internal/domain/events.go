package domain

import "time"

// EventKind 已知事件种类。
// 除 EventKindExternal 外，每种事件的 payload 都是编译期已知的结构体，
// 不使用裸 map 传递业务字段。
type EventKind string

const (
	EventKindStateChanged       EventKind = "STATE_CHANGED"
	EventKindDiscrepancyFound   EventKind = "DISCREPANCY_FOUND"
	EventKindReconcileCompleted EventKind = "RECONCILIATION_COMPLETED"
	EventKindManualIntervention EventKind = "MANUAL_INTERVENTION"
	EventKindPositionSyncError  EventKind = "POSITION_SYNC_ERROR"

	// EventKindExternal 留给真正开放式的外部集成事件，payload 为 GenericPayload。
	EventKindExternal EventKind = "EXTERNAL"
)

// StateChangedPayload 状态机每次提交转移后发布
type StateChangedPayload struct {
	PositionID string
	Symbol     string
	From       PositionState
	To         PositionState
	Reason     string
	Forced     bool // 仅在重试耗尽后的强制 FAILED 时为 true
	Timestamp  time.Time
}

// DiscrepancyPayload 对账发现单条差异时发布
type DiscrepancyPayload struct {
	DiscrepancyID string
	Symbol        string
	Kind          string
	Severity      string
	Details       string
}

// ReconciliationPayload 一次对账运行结束后的汇总
type ReconciliationPayload struct {
	RunID                string
	RunKind              string
	PositionsChecked     int
	DiscrepancyCount     int
	ResolutionsAttempted int
	ResolutionsSucceeded int
	ResolutionsFailed    int
	UnresolvedCritical   int
	StartedAt            time.Time
	CompletedAt          time.Time
}

// InterventionPayload 需要人工介入的告警
type InterventionPayload struct {
	Title   string
	Message string
	Symbol  string
}

// SyncErrorPayload 系统其他部分上报的同步异常，触发按需对账
type SyncErrorPayload struct {
	Symbol string
	Origin string
	Detail string
}

// GenericPayload 开放式外部事件的动态载荷
type GenericPayload map[string]any
