package ports

import (
	"context"

	"github.com/betbot/poskeeper/internal/domain"
)

// Collaborator interfaces shared across the core. Kept in a neutral package
// to avoid circular dependencies between lifecycle, reconciler and adapters.

// PositionManager owns the durable ledger. It is the sole writer of business
// fields; the reconciler only issues corrective create/update/close calls.
type PositionManager interface {
	// GetPositions returns a read-only snapshot of ledger records.
	GetPositions(ctx context.Context) ([]*domain.PositionRecord, error)
	GetPosition(ctx context.Context, id string) (*domain.PositionRecord, error)
	CreatePosition(ctx context.Context, rec *domain.PositionRecord) error
	// UpdatePosition applies fn to the stored record under the manager's lock.
	UpdatePosition(ctx context.Context, id string, fn func(*domain.PositionRecord)) error
	ClosePosition(ctx context.Context, id string) error
}

// ExchangeAdapter is the read/correction surface of the exchange client.
// The read path must be safely retriable.
type ExchangeAdapter interface {
	GetPositions(ctx context.Context) ([]*domain.ExchangePosition, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// Notification is the manual-intervention/alert message shape.
type Notification struct {
	EventType      string
	Title          string
	Message        string
	Data           map[string]any
	IdempotencyKey string
}

// Notifier delivers notifications to the external alerting collaborator.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}
