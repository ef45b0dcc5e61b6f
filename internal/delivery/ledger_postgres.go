package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBTX is the subset of *pgxpool.Pool used by PostgresLedger.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger keeps attempts in relay.delivery_attempts, so ordering
// holds across worker processes and restarts.
type PostgresLedger struct {
	db DBTX
}

func NewPostgresLedger(db DBTX) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Claim(ctx context.Context, a Attempt) error {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO relay.delivery_attempts (envelope_id, endpoint_id, attempt_number, event_type, scheduled_at)
		SELECT $1, $2, $3::int, $4, $5
		WHERE NOT EXISTS (
			SELECT 1 FROM relay.delivery_attempts
			WHERE envelope_id = $1 AND endpoint_id = $2 AND (attempt_number >= $3::int OR terminal)
		)
		ON CONFLICT DO NOTHING`,
		a.EnvelopeID, a.EndpointID, a.AttemptNumber, a.EventType, a.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("claim attempt: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var terminal bool
	if err := l.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM relay.delivery_attempts
			WHERE envelope_id = $1 AND endpoint_id = $2 AND terminal
		)`, a.EnvelopeID, a.EndpointID).Scan(&terminal); err != nil {
		return fmt.Errorf("claim attempt: %w", err)
	}
	if terminal {
		return ErrAlreadyTerminal
	}
	return ErrStaleAttempt
}

func (l *PostgresLedger) Complete(ctx context.Context, a Attempt) error {
	_, err := l.db.Exec(ctx, `
		UPDATE relay.delivery_attempts
		SET outcome = $4, reason = NULLIF($5::text, ''), http_status = NULLIF($6::int, 0),
		    latency_ms = $7, terminal = $8, updated_at = now()
		WHERE envelope_id = $1 AND endpoint_id = $2 AND attempt_number = $3`,
		a.EnvelopeID, a.EndpointID, a.AttemptNumber,
		string(a.Outcome), a.Reason, a.HTTPStatus, int(a.Latency.Milliseconds()), a.Terminal,
	)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	return nil
}

func (l *PostgresLedger) History(ctx context.Context, envelopeID, endpointID string) ([]Attempt, error) {
	rows, err := l.db.Query(ctx, `
		SELECT attempt_number, event_type, scheduled_at, outcome, COALESCE(reason, ''),
		       COALESCE(http_status, 0), COALESCE(latency_ms, 0), terminal
		FROM relay.delivery_attempts
		WHERE envelope_id = $1 AND endpoint_id = $2
		ORDER BY attempt_number`, envelopeID, endpointID)
	if err != nil {
		return nil, fmt.Errorf("attempt history: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a := Attempt{EnvelopeID: envelopeID, EndpointID: endpointID}
		var (
			outcome   string
			latencyMS int
		)
		if err := rows.Scan(&a.AttemptNumber, &a.EventType, &a.ScheduledAt, &outcome, &a.Reason,
			&a.HTTPStatus, &latencyMS, &a.Terminal); err != nil {
			return nil, fmt.Errorf("attempt history: %w", err)
		}
		a.Outcome = Outcome(outcome)
		a.Latency = time.Duration(latencyMS) * time.Millisecond
		a.ScheduledAt = a.ScheduledAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// PruneTerminal deletes every attempt of the pairs whose terminal attempt was
// completed before the cutoff.
func (l *PostgresLedger) PruneTerminal(ctx context.Context, before time.Time) (int64, error) {
	tag, err := l.db.Exec(ctx, `
		DELETE FROM relay.delivery_attempts a
		USING (
			SELECT envelope_id, endpoint_id FROM relay.delivery_attempts
			WHERE terminal AND updated_at < $1
		) t
		WHERE a.envelope_id = t.envelope_id AND a.endpoint_id = t.endpoint_id`, before)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return tag.RowsAffected(), nil
}
