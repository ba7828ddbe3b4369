package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wahub/wahub/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type subscriptionRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG creates a PostgreSQL-backed subscription repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &subscriptionRepoPG{pool: pool}
}

func (r *subscriptionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const subCols = `id, connection_id, code, destination_url, enabled,
	event_allow_list, event_exclude_list, synced, upstream_id, synced_at,
	created_at, updated_at`

const routesTable = db.SharedSchema + ".relay_routes"

func scanSub(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.ConnectionID, &s.Code, &s.DestinationURL, &s.Enabled,
		&s.Events, &s.ExcludeEvents, &s.Synced, &s.UpstreamID, &s.SyncedAt,
		&s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}

func (r *subscriptionRepoPG) Create(ctx context.Context, s *Subscription) error {
	tenantID := db.TenantFromContext(ctx)
	if tenantID == "" {
		return fmt.Errorf("create subscription: no tenant in context")
	}
	s.ID = uuid.New()

	return db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx,
			`INSERT INTO `+routesTable+` (code, tenant_id, subscription_id) VALUES ($1, $2, $3)`,
			s.Code, tenantID, s.ID); err != nil {
			return fmt.Errorf("insert relay route: %w", err)
		}
		err := q.QueryRow(ctx, `
			INSERT INTO webhook_subscriptions (id, connection_id, code, destination_url, enabled,
				event_allow_list, event_exclude_list)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
			RETURNING created_at, updated_at`,
			s.ID, s.ConnectionID, s.Code, s.DestinationURL, s.Enabled, s.Events, s.ExcludeEvents,
		).Scan(&s.CreatedAt, &s.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		return nil
	})
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, connectionID, id uuid.UUID) (*Subscription, error) {
	return scanSub(r.conn(ctx).QueryRow(ctx,
		`SELECT `+subCols+` FROM webhook_subscriptions WHERE id = $1 AND connection_id = $2`, id, connectionID))
}

func (r *subscriptionRepoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM webhook_subscriptions WHERE connection_id = $1`, connectionID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count subscriptions: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM webhook_subscriptions
		WHERE connection_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list subscriptions: %w", err)
	}
	items, err := collect(rows)
	return items, total, err
}

func (r *subscriptionRepoPG) ListSynced(ctx context.Context, connectionID uuid.UUID) ([]*Subscription, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+subCols+` FROM webhook_subscriptions
		WHERE connection_id = $1 AND synced AND upstream_id <> ''`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list synced subscriptions: %w", err)
	}
	return collect(rows)
}

func collect(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	items := []*Subscription{}
	for rows.Next() {
		s, err := scanSub(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *subscriptionRepoPG) Update(ctx context.Context, s *Subscription) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE webhook_subscriptions SET destination_url=$2, enabled=$3,
			event_allow_list=$4, event_exclude_list=$5, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.DestinationURL, s.Enabled, s.Events, s.ExcludeEvents,
	).Scan(&s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepoPG) RecordSync(ctx context.Context, id uuid.UUID, synced bool, upstreamID string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE webhook_subscriptions SET synced=$2, upstream_id=$3, synced_at=$4
		WHERE id = $1`, id, synced, upstreamID, at)
	if err != nil {
		return fmt.Errorf("record sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx,
			`UPDATE `+routesTable+` SET deleted_at = NOW() WHERE subscription_id = $1 AND deleted_at IS NULL`, id); err != nil {
			return fmt.Errorf("tombstone relay route: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
