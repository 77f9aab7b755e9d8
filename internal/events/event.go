package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/betbot/poskeeper/internal/domain"
)

// Priority 事件优先级，每个优先级对应一条独立的有界队列（lane）。
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow

	numPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// demote 返回低一级的优先级；LOW 已是最低级。
func (p Priority) demote() (Priority, bool) {
	if p >= PriorityLow {
		return p, false
	}
	return p + 1, true
}

// Category 事件分类，用于订阅侧的粗粒度过滤与统计
type Category string

const (
	CategoryLifecycle      Category = "lifecycle"
	CategoryReconciliation Category = "reconciliation"
	CategoryAlert          Category = "alert"
	CategoryExternal       Category = "external"
)

// Event 入队后即视为不可变，处理方不得修改。
type Event struct {
	ID        string
	Kind      domain.EventKind
	Category  Category
	Priority  Priority
	Source    string
	Timestamp time.Time
	Metadata  map[string]string
	Payload   any
}

// NewEvent 创建事件，自动补齐 ID 与时间戳。
func NewEvent(kind domain.EventKind, category Category, priority Priority, source string, payload any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		Category:  category,
		Priority:  priority,
		Source:    source,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
