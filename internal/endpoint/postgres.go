package endpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of *pgxpool.Pool used here, so a pgx.Tx works too.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRegistry reads endpoints from relay.endpoints.
type PostgresRegistry struct {
	db   DBTX
	opts Options
}

func NewPostgresRegistry(db DBTX, opts Options) *PostgresRegistry {
	return &PostgresRegistry{db: db, opts: opts.withDefaults()}
}

const selectEndpoint = `
	SELECT id, url, event_types, secret, COALESCE(previous_secret, ''), secret_rotated_at, enabled
	FROM relay.endpoints`

func scanEndpoint(row pgx.Row) (Endpoint, error) {
	var (
		ep        Endpoint
		rotatedAt *time.Time
	)
	if err := row.Scan(&ep.ID, &ep.URL, &ep.EventTypes, &ep.Secret, &ep.PreviousSecret, &rotatedAt, &ep.Enabled); err != nil {
		return Endpoint{}, err
	}
	if rotatedAt != nil {
		ep.SecretRotatedAt = rotatedAt.UTC()
	}
	return ep, nil
}

func (r *PostgresRegistry) Get(ctx context.Context, id string) (Endpoint, error) {
	ep, err := scanEndpoint(r.db.QueryRow(ctx, selectEndpoint+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Endpoint{}, fmt.Errorf("select endpoint: %w", err)
	}
	return ep.Pruned(r.opts.Now(), r.opts.Grace), nil
}

func (r *PostgresRegistry) Subscribed(ctx context.Context, eventType string) ([]Endpoint, error) {
	rows, err := r.db.Query(ctx, selectEndpoint+`
		WHERE enabled AND ($1 = ANY(event_types) OR $2 = ANY(event_types))
		ORDER BY id`, eventType, Wildcard)
	if err != nil {
		return nil, fmt.Errorf("select subscribed endpoints: %w", err)
	}
	defer rows.Close()

	now := r.opts.Now()
	var out []Endpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ep.Pruned(now, r.opts.Grace))
	}
	return out, rows.Err()
}

// RotateSecret swaps secrets in a single UPDATE, so concurrent readers see
// either the old pair or the new pair.
func (r *PostgresRegistry) RotateSecret(ctx context.Context, id string) (string, error) {
	secret, err := r.opts.NewSecret()
	if err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE relay.endpoints
		SET previous_secret = secret, secret = $2, secret_rotated_at = $3, updated_at = now()
		WHERE id = $1`, id, secret, r.opts.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("rotate secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return secret, nil
}

func (r *PostgresRegistry) Upsert(ctx context.Context, ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}
	if ep.EventTypes == nil {
		ep.EventTypes = []string{}
	}
	var rotatedAt *time.Time
	if !ep.SecretRotatedAt.IsZero() {
		rotatedAt = &ep.SecretRotatedAt
	}
	var previous *string
	if ep.PreviousSecret != "" {
		previous = &ep.PreviousSecret
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO relay.endpoints(id, url, event_types, secret, previous_secret, secret_rotated_at, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			event_types = EXCLUDED.event_types,
			secret = EXCLUDED.secret,
			previous_secret = EXCLUDED.previous_secret,
			secret_rotated_at = EXCLUDED.secret_rotated_at,
			enabled = EXCLUDED.enabled,
			updated_at = now()`,
		ep.ID, ep.URL, ep.EventTypes, ep.Secret, previous, rotatedAt, ep.Enabled)
	if err != nil {
		return fmt.Errorf("upsert endpoint: %w", err)
	}
	return nil
}

func (r *PostgresRegistry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE relay.endpoints SET enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// ExpirePreviousSecrets clears previous secrets whose grace period is over
// and returns how many rows changed. Reads already ignore expired secrets;
// this keeps them from lingering at rest.
func (r *PostgresRegistry) ExpirePreviousSecrets(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE relay.endpoints
		SET previous_secret = NULL, updated_at = now()
		WHERE previous_secret IS NOT NULL AND secret_rotated_at <= $1`,
		r.opts.Now().UTC().Add(-r.opts.Grace))
	if err != nil {
		return 0, fmt.Errorf("expire previous secrets: %w", err)
	}
	return tag.RowsAffected(), nil
}
