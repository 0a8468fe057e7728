// Package journal persists the per-session tick record: every input batch
// the server consumed and every reliable state frame it emitted, keyed by
// tick. A crashed server replays the journal from the last checkpoint to
// rebuild entity history before accepting peers again.
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/tick-sync-engine/internal/types"
)

// RecordKind labels what a journal record carries.
type RecordKind string

const (
	KindInputBatch RecordKind = "input_batch"
	KindStateFrame RecordKind = "state_frame"
	KindPeerEvent  RecordKind = "peer_event"
)

// Record is one journal row.
type Record struct {
	Seq       int64
	Session   types.SessionID
	Tick      types.Tick
	Peer      types.PeerID
	Kind      RecordKind
	Entity    types.EntityID
	Payload   []byte
	CreatedAt time.Time
}

// Journal provides durable tick persistence and recovery helpers.
type Journal struct {
	pool       *pgxpool.Pool
	maxRetries int
	retryDelay time.Duration
}

// Option configures the journal.
type Option func(*Journal)

// WithMaxRetries sets the maximum retry count for transient failures.
func WithMaxRetries(n int) Option {
	return func(j *Journal) { j.maxRetries = n }
}

// WithRetryDelay sets the base delay between retries.
func WithRetryDelay(d time.Duration) Option {
	return func(j *Journal) { j.retryDelay = d }
}

// New constructs a journal using the provided Postgres pool.
func New(pool *pgxpool.Pool, opts ...Option) *Journal {
	j := &Journal{
		pool:       pool,
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// EnsureSchema creates the journal tables when they do not exist yet.
// Statements run one at a time; pgx's extended protocol rejects batched DDL.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	stmts := []string{`
CREATE TABLE IF NOT EXISTS session_ticks (
	seq        BIGSERIAL PRIMARY KEY,
	session_id TEXT        NOT NULL,
	tick       BIGINT      NOT NULL,
	peer_id    INTEGER     NOT NULL,
	kind       TEXT        NOT NULL,
	entity_id  TEXT        NOT NULL DEFAULT '',
	payload    BYTEA,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, `
CREATE INDEX IF NOT EXISTS session_ticks_session_seq ON session_ticks (session_id, seq)`, `
CREATE TABLE IF NOT EXISTS session_checkpoints (
	session_id      TEXT PRIMARY KEY,
	last_seq        BIGINT      NOT NULL,
	last_tick       BIGINT      NOT NULL,
	checkpointed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`}
	for _, stmt := range stmts {
		if err := j.retry(ctx, func(ctx context.Context) error {
			_, err := j.pool.Exec(ctx, stmt)
			return err
		}); err != nil {
			return err
		}
	}
	return nil
}

// Append durably stores one record and returns its sequence number.
// Transient failures are retried with exponential backoff.
func (j *Journal) Append(ctx context.Context, rec Record) (int64, error) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var seq int64
	err := j.retry(ctx, func(ctx context.Context) error {
		row := j.pool.QueryRow(ctx, `
INSERT INTO session_ticks (session_id, tick, peer_id, kind, entity_id, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING seq`,
			rec.Session, rec.Tick, rec.Peer, rec.Kind, rec.Entity, rec.Payload, rec.CreatedAt,
		)
		return row.Scan(&seq)
	})
	if err != nil {
		appendFailures.Inc()
		return 0, err
	}
	recordsAppended.WithLabelValues(string(rec.Kind)).Inc()
	return seq, nil
}

// ActiveSessions returns the sessions that currently have journal entries.
func (j *Journal) ActiveSessions(ctx context.Context) ([]types.SessionID, error) {
	rows, err := j.pool.Query(ctx, `SELECT DISTINCT session_id FROM session_ticks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []types.SessionID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		sessions = append(sessions, types.SessionID(id))
	}
	return sessions, rows.Err()
}

// Replay scans a session's records ordered by sequence, invoking the handler
// for each one past fromSeq.
func (j *Journal) Replay(ctx context.Context, session types.SessionID, fromSeq int64, handler func(Record) error) error {
	rows, err := j.pool.Query(ctx, `
		SELECT seq, session_id, tick, peer_id, kind, entity_id, payload, created_at
		FROM session_ticks
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq`, session, fromSeq)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec       Record
			sessionID string
			tick      int64
			peer      int32
			kind      string
			entity    string
		)
		if err := rows.Scan(&rec.Seq, &sessionID, &tick, &peer, &kind, &entity, &rec.Payload, &rec.CreatedAt); err != nil {
			return err
		}
		rec.Session = types.SessionID(sessionID)
		rec.Tick = types.Tick(tick)
		rec.Peer = types.PeerID(peer)
		rec.Kind = RecordKind(kind)
		rec.Entity = types.EntityID(entity)

		if err := handler(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

// LastCheckpoint returns the most recent checkpointed sequence and tick for
// a session; zeros when none exists.
func (j *Journal) LastCheckpoint(ctx context.Context, session types.SessionID) (seq int64, tick types.Tick, err error) {
	var t int64
	err = j.pool.QueryRow(ctx, `
		SELECT last_seq, last_tick FROM session_checkpoints WHERE session_id = $1
	`, session).Scan(&seq, &t)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, nil
	}
	return seq, types.Tick(t), err
}

// RecordCheckpoint upserts the session's recovery position. Called after a
// world snapshot lands in object storage, so replay only covers the tail.
func (j *Journal) RecordCheckpoint(ctx context.Context, session types.SessionID, seq int64, tick types.Tick) error {
	return j.retry(ctx, func(ctx context.Context) error {
		_, err := j.pool.Exec(ctx, `
			INSERT INTO session_checkpoints (session_id, last_seq, last_tick)
			VALUES ($1, $2, $3)
			ON CONFLICT (session_id)
			DO UPDATE SET last_seq = EXCLUDED.last_seq, last_tick = EXCLUDED.last_tick, checkpointed_at = now()
		`, session, seq, tick)
		return err
	})
}

// Prune drops records at or below the checkpointed sequence. The snapshot
// covering them is the recovery source from then on.
func (j *Journal) Prune(ctx context.Context, session types.SessionID, throughSeq int64) (int64, error) {
	var tag pgconn.CommandTag
	err := j.retry(ctx, func(ctx context.Context) error {
		var err error
		tag, err = j.pool.Exec(ctx, `
			DELETE FROM session_ticks WHERE session_id = $1 AND seq <= $2
		`, session, throughSeq)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (j *Journal) retry(ctx context.Context, fn func(context.Context) error) error {
	delay := j.retryDelay
	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		if err := fn(ctx); err != nil {
			if !isTransient(err) || attempt == j.maxRetries {
				return err
			}
			retriesTotal.Inc()
			select {
			case <-time.After(delay):
				delay *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01": // deadlock_detected
			return true
		}
	}

	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr)
}
