// Package projection keeps a queryable read model of agreement events.
package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"rentescrow/internal/escrow"
	"rentescrow/internal/relay"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agreement_events (
    agreement TEXT NOT NULL,
    seq BIGINT NOT NULL,
    kind TEXT NOT NULL,
    occurred_at TIMESTAMPTZ NOT NULL,
    fields JSONB NOT NULL,
    PRIMARY KEY (agreement, seq)
);

CREATE TABLE IF NOT EXISTS agreement_states (
    agreement TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    last_seq BIGINT NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);
`

const insertEventSQL = `
INSERT INTO agreement_events (agreement, seq, kind, occurred_at, fields)
VALUES ($1, $2, $3, $4, $5::jsonb)
ON CONFLICT (agreement, seq) DO NOTHING
`

const upsertStateSQL = `
INSERT INTO agreement_states (agreement, status, last_seq, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (agreement) DO UPDATE
SET status = EXCLUDED.status,
    last_seq = EXCLUDED.last_seq,
    updated_at = EXCLUDED.updated_at
WHERE agreement_states.last_seq < EXCLUDED.last_seq
`

// PostgresStore appends events and tracks the latest status per agreement.
// Replayed events are ignored, so redelivery from the relay DLQ is safe.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the projection tables.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("projection: migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Publish(ctx context.Context, events ...escrow.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("projection: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, ev := range events {
		if ev.Seq > math.MaxInt64 {
			return relay.Permanent(fmt.Errorf("projection: seq %d out of range", ev.Seq))
		}
		fields, err := json.Marshal(ev.Fields)
		if err != nil {
			return relay.Permanent(fmt.Errorf("projection: encode fields: %w", err))
		}
		agreement := ev.Agreement.Hex()
		if _, err := tx.Exec(ctx, insertEventSQL, agreement, int64(ev.Seq), string(ev.Kind), ev.At, string(fields)); err != nil {
			return classify(fmt.Errorf("projection: insert event: %w", err))
		}
		status, ok := ev.Kind.ResultingStatus()
		if !ok {
			continue
		}
		if _, err := tx.Exec(ctx, upsertStateSQL, agreement, status.String(), int64(ev.Seq), ev.At); err != nil {
			return classify(fmt.Errorf("projection: upsert state: %w", err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("projection: commit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, agreement common.Address) ([]escrow.Event, error) {
	rows, err := s.db.Query(ctx, `
SELECT seq, kind, occurred_at, fields
FROM agreement_events
WHERE agreement = $1
ORDER BY seq
`, agreement.Hex())
	if err != nil {
		return nil, fmt.Errorf("projection: list events: %w", err)
	}
	defer rows.Close()

	var out []escrow.Event
	for rows.Next() {
		var (
			ev     escrow.Event
			seq    int64
			kind   string
			fields []byte
		)
		if err := rows.Scan(&seq, &kind, &ev.At, &fields); err != nil {
			return nil, fmt.Errorf("projection: scan event: %w", err)
		}
		if err := json.Unmarshal(fields, &ev.Fields); err != nil {
			return nil, fmt.Errorf("projection: decode fields: %w", err)
		}
		ev.Agreement = agreement
		ev.Seq = uint64(seq)
		ev.Kind = escrow.EventKind(kind)
		ev.At = ev.At.UTC()
		out = append(out, ev)
	}
	return out, rows.Err()
}

// classify marks errors the database will keep rejecting no matter how often
// the batch is retried: data exceptions (class 22) and integrity constraint
// violations (class 23).
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return relay.Permanent(err)
	}
	return err
}
