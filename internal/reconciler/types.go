package reconciler

import (
	"time"

	"github.com/betbot/poskeeper/internal/domain"
)

// DiscrepancyKind 差异类别
type DiscrepancyKind string

const (
	KindPositionNotInSystem   DiscrepancyKind = "POSITION_NOT_IN_SYSTEM"
	KindPositionNotInExchange DiscrepancyKind = "POSITION_NOT_IN_EXCHANGE"
	KindSizeMismatch          DiscrepancyKind = "SIZE_MISMATCH"
	KindSideMismatch          DiscrepancyKind = "SIDE_MISMATCH"
	KindLeverageMismatch      DiscrepancyKind = "LEVERAGE_MISMATCH"
	KindEntryPriceMismatch    DiscrepancyKind = "ENTRY_PRICE_MISMATCH"
)

// Severity 差异严重级别，排序用：CRITICAL > HIGH > MEDIUM > LOW
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "CRITICAL"
	case SeverityHigh:
		return "HIGH"
	case SeverityMedium:
		return "MEDIUM"
	default:
		return "LOW"
	}
}

// Discrepancy 本地台账与交易所视图之间的一条已检测差异。
type Discrepancy struct {
	ID           string                   `json:"id"`
	Symbol       string                   `json:"symbol"`
	Kind         DiscrepancyKind          `json:"kind"`
	Severity     Severity                 `json:"severity"`
	Local        *domain.PositionRecord   `json:"local,omitempty"`
	Remote       *domain.ExchangePosition `json:"remote,omitempty"`
	RelativeDiff float64                  `json:"relativeDiff,omitempty"`
	Details      string                   `json:"details"`
	DetectedAt   time.Time                `json:"detectedAt"`

	Resolved        bool   `json:"resolved"`
	ResolutionError string `json:"resolutionError,omitempty"`
}

// RunKind 对账运行的触发来源
type RunKind string

const (
	RunFast     RunKind = "fast"
	RunNormal   RunKind = "normal"
	RunSlow     RunKind = "slow"
	RunOnDemand RunKind = "on_demand"
)

// Result 一次对账运行的汇总。
// 不变式：ResolutionsAttempted == ResolutionsSucceeded + ResolutionsFailed。
type Result struct {
	ID                   string        `json:"id"`
	Kind                 RunKind       `json:"kind"`
	Symbol               string        `json:"symbol,omitempty"` // 按需单交易对运行时有值
	StartedAt            time.Time     `json:"startedAt"`
	CompletedAt          time.Time     `json:"completedAt"`
	PositionsChecked     int           `json:"positionsChecked"`
	Discrepancies        []Discrepancy `json:"discrepancies"`
	ResolutionsAttempted int           `json:"resolutionsAttempted"`
	ResolutionsSucceeded int           `json:"resolutionsSucceeded"`
	ResolutionsFailed    int           `json:"resolutionsFailed"`
	Errors               []string      `json:"errors,omitempty"`
}

// unresolvedAbove 统计严重级别不低于 min 且未解决的差异数。
func (r *Result) unresolvedAbove(min Severity) int {
	n := 0
	for _, d := range r.Discrepancies {
		if !d.Resolved && d.Severity >= min {
			n++
		}
	}
	return n
}
