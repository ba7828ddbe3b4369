package connection

import (
	"context"

	"github.com/google/uuid"
)

// Repository defines the data access interface for connections.
type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	List(ctx context.Context, limit, offset int) ([]*Connection, int, error)
	Update(ctx context.Context, c *Connection) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status, phone string) error
	// Delete removes the connection with its subscriptions and tombstones
	// their relay routes.
	Delete(ctx context.Context, id uuid.UUID) error
}
