package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository defines the data access interface for webhook subscriptions.
// All methods operate on the tenant schema resolved for ctx.
type Repository interface {
	// Create inserts the subscription and its relay route in one transaction.
	Create(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, connectionID, id uuid.UUID) (*Subscription, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Subscription, int, error)
	ListSynced(ctx context.Context, connectionID uuid.UUID) ([]*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	RecordSync(ctx context.Context, id uuid.UUID, synced bool, upstreamID string, at time.Time) error
	// Delete removes the subscription and tombstones its relay route.
	Delete(ctx context.Context, id uuid.UUID) error
}
