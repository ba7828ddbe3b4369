package subscription

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wahub/wahub/internal/platform/db"
	"github.com/wahub/wahub/internal/platform/webhook"
)

// RelayResolver finds the subscription behind a relay code. The route index
// names the owning tenant; the subscription itself is read from that tenant's
// schema on a connection that is released before Resolve returns.
type RelayResolver struct {
	pool *pgxpool.Pool
}

func NewRelayResolver(pool *pgxpool.Pool) *RelayResolver {
	return &RelayResolver{pool: pool}
}

func (r *RelayResolver) Resolve(ctx context.Context, code string) (*webhook.Target, error) {
	var tenantID string
	var subID uuid.UUID
	err := r.pool.QueryRow(ctx,
		`SELECT tenant_id, subscription_id FROM `+routesTable+` WHERE code = $1 AND deleted_at IS NULL`,
		code).Scan(&tenantID, &subID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("lookup relay route: %w", err)
	}

	target := &webhook.Target{TenantID: tenantID, SubscriptionID: subID}
	err = db.WithTenantConn(ctx, r.pool, tenantID, func(ctx context.Context) error {
		return db.ConnFromContext(ctx).QueryRow(ctx,
			`SELECT destination_url, enabled FROM webhook_subscriptions WHERE id = $1 AND code = $2`,
			subID, code).Scan(&target.DestinationURL, &target.Enabled)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrUnknownCode
	}
	if err != nil {
		return nil, fmt.Errorf("load subscription for relay: %w", err)
	}
	return target, nil
}
