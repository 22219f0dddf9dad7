package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/julian-najas/casf-core/pkg/canon"
	"github.com/julian-najas/casf-core/pkg/types"
)

// advisoryLockKey is the fixed process-global lock every audit writer
// contends on. Serializing appends cluster-wide is what keeps prev_hash
// stable under concurrency.
const advisoryLockKey = 42

// Store persists audit events in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates an audit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Append writes one audit event inside a single transaction:
// take the advisory lock, read the tip hash, compute this event's hash,
// insert, commit. action overrides the default (the request's tool) for
// REPLAY_DETECTED audits; pass "" for the default.
func (s *Store) Append(ctx context.Context, req *types.VerifyRequest, res *types.VerifyResponse, action string) (*Event, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit.Append begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Transaction-scoped advisory lock; released on commit/rollback.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("audit.Append advisory lock: %w", err)
	}

	prevHash, err := lastHashTx(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("audit.Append last hash: %w", err)
	}

	if action == "" {
		action = string(req.Tool)
	}

	payloadCanon, err := canon.JSON(map[string]any{
		"request":  req,
		"response": res,
	})
	if err != nil {
		return nil, fmt.Errorf("audit.Append canonical payload: %w", err)
	}

	ev := &Event{
		EventID:   uuid.NewString(),
		RequestID: req.RequestID,
		TS:        time.Now().UTC().Format(TimeLayout),
		Actor:     "role:" + string(req.Role),
		Action:    action,
		Decision:  string(res.Decision),
		Payload:   payloadCanon,
		PrevHash:  prevHash,
	}
	ev.Hash = ComputeHash(ev.RequestID, ev.EventID, ev.TS, ev.Actor, ev.Action,
		ev.Decision, payloadCanon, ev.PrevHash)

	row := tx.QueryRow(ctx, `
		INSERT INTO audit_events
		  (request_id, event_id, ts, actor, action, decision, payload, prev_hash, hash)
		VALUES
		  ($1::uuid, $2::uuid, $3::timestamptz, $4, $5, $6, $7::jsonb, $8, $9)
		RETURNING id`,
		ev.RequestID, ev.EventID, ev.TS, ev.Actor, ev.Action,
		ev.Decision, payloadCanon, ev.PrevHash, ev.Hash,
	)
	if err := row.Scan(&ev.ID); err != nil {
		return nil, fmt.Errorf("audit.Append insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("audit.Append commit: %w", err)
	}
	return ev, nil
}

// LoadWindow returns all events of one calendar day (YYYY-MM-DD, UTC),
// ordered by durable id ascending.
func (s *Store) LoadWindow(ctx context.Context, window string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, event_id, ts, actor, action, decision,
		       payload, prev_hash, hash
		  FROM audit_events
		 WHERE ts >= $1::date
		   AND ts <  $1::date + interval '1 day'
		 ORDER BY id ASC`, window)
	if err != nil {
		return nil, fmt.Errorf("audit.LoadWindow: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Ping probes the underlying pool.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanEvents(rows pgx.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var ts time.Time
		if err := rows.Scan(&ev.ID, &ev.RequestID, &ev.EventID, &ts, &ev.Actor,
			&ev.Action, &ev.Decision, &ev.Payload, &ev.PrevHash, &ev.Hash); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		// Postgres keeps microsecond precision, so the stored timestamp
		// round-trips into the exact string that was hashed.
		ev.TS = ts.UTC().Format(TimeLayout)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit iteration: %w", err)
	}
	return events, nil
}

func lastHashTx(ctx context.Context, tx pgx.Tx) (string, error) {
	row := tx.QueryRow(ctx, `SELECT hash FROM audit_events ORDER BY id DESC LIMIT 1`)

	var h string
	err := row.Scan(&h)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	return h, err
}
