package domain

// PositionState 持仓生命周期状态
type PositionState string

const (
	StatePending     PositionState = "PENDING"
	StateOpening     PositionState = "OPENING"
	StateActive      PositionState = "ACTIVE"
	StateModifying   PositionState = "MODIFYING"
	StateClosing     PositionState = "CLOSING"
	StateClosed      PositionState = "CLOSED"
	StatePaused      PositionState = "PAUSED"
	StateModified    PositionState = "MODIFIED"
	StateReconciling PositionState = "RECONCILING"
	StateFailed      PositionState = "FAILED"
	StateCancelled   PositionState = "CANCELLED"
)

// IsTerminal 终态不再有任何出边
func (s PositionState) IsTerminal() bool {
	switch s {
	case StateClosed, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

func (s PositionState) String() string { return string(s) }
