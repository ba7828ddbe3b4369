package connection

import (
	"context"
	"errors"
	"fmt"

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

type connectionRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &connectionRepoPG{pool: pool}
}

func (r *connectionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const connCols = `id, name, instance_id, token, base_url, phone, status, created_at, updated_at`

func scanConn(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(&c.ID, &c.Name, &c.InstanceID, &c.Token, &c.BaseURL, &c.Phone,
		&c.Status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *connectionRepoPG) Create(ctx context.Context, c *Connection) error {
	c.ID = uuid.New()
	if c.Status == "" {
		c.Status = StatusCreated
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO connections (id, name, instance_id, token, base_url, phone, status)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		c.ID, c.Name, c.InstanceID, c.Token, c.BaseURL, c.Phone, c.Status,
	).Scan(&c.CreatedAt, &c.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (r *connectionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	return scanConn(r.conn(ctx).QueryRow(ctx, `SELECT `+connCols+` FROM connections WHERE id = $1`, id))
}

func (r *connectionRepoPG) List(ctx context.Context, limit, offset int) ([]*Connection, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM connections`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count connections: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+connCols+` FROM connections ORDER BY created_at DESC, id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()
	items := []*Connection{}
	for rows.Next() {
		c, err := scanConn(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

func (r *connectionRepoPG) Update(ctx context.Context, c *Connection) error {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE connections SET name=$2, instance_id=$3, token=$4, base_url=$5, phone=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		c.ID, c.Name, c.InstanceID, c.Token, c.BaseURL, c.Phone,
	).Scan(&c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	return nil
}

func (r *connectionRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status, phone string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE connections SET status=$2, phone=COALESCE(NULLIF($3, ''), phone), updated_at=NOW()
		WHERE id = $1`, id, status, phone)
	if err != nil {
		return fmt.Errorf("update connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	return db.RunInTx(ctx, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `
			UPDATE `+db.SharedSchema+`.relay_routes SET deleted_at = NOW()
			WHERE deleted_at IS NULL
			  AND subscription_id IN (SELECT id FROM webhook_subscriptions WHERE connection_id = $1)`, id); err != nil {
			return fmt.Errorf("tombstone relay routes: %w", err)
		}
		tag, err := q.Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete connection: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}
