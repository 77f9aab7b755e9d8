package lifecycle

import "github.com/betbot/poskeeper/internal/domain"

// allowedEdges 显式转移表。校验器只认表内边；
// 唯一的旁路是重试耗尽后的 forceFail，不在本表内。
var allowedEdges = map[domain.PositionState][]domain.PositionState{
	domain.StatePending:     {domain.StateOpening, domain.StateCancelled, domain.StateFailed},
	domain.StateOpening:     {domain.StateActive, domain.StateFailed, domain.StateCancelled},
	domain.StateActive:      {domain.StateModifying, domain.StateClosing, domain.StatePaused, domain.StateReconciling},
	domain.StateModifying:   {domain.StateActive, domain.StateModified, domain.StateClosing, domain.StateFailed},
	domain.StateClosing:     {domain.StateClosed, domain.StateFailed, domain.StateActive},
	domain.StatePaused:      {domain.StateActive, domain.StateModifying, domain.StateClosing},
	domain.StateModified:    {domain.StateActive, domain.StatePaused, domain.StateClosing},
	domain.StateReconciling: {domain.StateActive, domain.StateModified, domain.StateClosed, domain.StateFailed},
	// 终态无出边
	domain.StateClosed:    {},
	domain.StateFailed:    {},
	domain.StateCancelled: {},
}

// edgeAllowed 判断 from→to 是否在转移表内。
func edgeAllowed(from, to domain.PositionState) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// knownState 判断状态是否属于生命周期状态集。
func knownState(s domain.PositionState) bool {
	_, ok := allowedEdges[s]
	return ok
}
