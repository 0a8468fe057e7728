// Package snapshot periodically persists the session's world state to object
// storage. Together with the tick journal it bounds recovery time: a restart
// loads the newest snapshot and replays only the journal tail past it.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/journal"
	"github.com/example/tick-sync-engine/internal/types"
)

const defaultInterval = time.Minute

// PropertyState is one property's newest value inside a snapshot.
type PropertyState struct {
	Name       string     `json:"name"`
	Components []float64  `json:"components"`
	LastTick   types.Tick `json:"last_tick"`
}

// EntityState is one entity's properties inside a snapshot.
type EntityState struct {
	ID         types.EntityID  `json:"id"`
	BelongsTo  types.PeerID    `json:"belongs_to"`
	Properties []PropertyState `json:"properties"`
}

// Payload is the world state persisted per snapshot object.
type Payload struct {
	Session    types.SessionID `json:"session_id"`
	Tick       types.Tick      `json:"tick"`
	JournalSeq int64           `json:"journal_seq"`
	Entities   []EntityState   `json:"entities"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Source produces the current world state on demand. Implemented by the
// server session; called from the worker goroutine, so implementations must
// hand out a consistent copy.
type Source interface {
	SnapshotState() Payload
}

// Worker runs the periodic snapshot loop.
type Worker struct {
	source   Source
	journal  *journal.Journal
	object   *minio.Client
	bucket   string
	interval time.Duration
	logger   zerolog.Logger

	lastTick types.Tick
}

// NewWorker constructs a worker with sane defaults.
func NewWorker(source Source, j *journal.Journal, object *minio.Client, bucket string, interval time.Duration, logger zerolog.Logger) *Worker {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Worker{
		source:   source,
		journal:  j,
		object:   object,
		bucket:   bucket,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the periodic snapshot loop.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error().Err(err).Msg("snapshot emission failed")
			}
		case <-ctx.Done():
			return
		}
	}
}

// RunOnce captures and uploads a single snapshot, then advances the journal
// checkpoint and prunes records the snapshot now covers.
func (w *Worker) RunOnce(ctx context.Context) error {
	if w.object == nil {
		return fmt.Errorf("object storage client not configured")
	}

	payload := w.source.SnapshotState()
	if payload.Tick <= w.lastTick {
		return nil
	}
	if payload.CreatedAt.IsZero() {
		payload.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode snapshot payload: %w", err)
	}

	objectPath := objectPath(payload.Session, payload.Tick)
	_, err = w.object.PutObject(ctx, w.bucket, objectPath, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("upload snapshot: %w", err)
	}

	if w.journal != nil {
		if err := w.journal.RecordCheckpoint(ctx, payload.Session, payload.JournalSeq, payload.Tick); err != nil {
			return fmt.Errorf("record checkpoint: %w", err)
		}
		if _, err := w.journal.Prune(ctx, payload.Session, payload.JournalSeq); err != nil {
			w.logger.Warn().Err(err).Msg("journal prune failed")
		}
	}

	w.lastTick = payload.Tick
	w.logger.Info().
		Str("session", string(payload.Session)).
		Int64("tick", int64(payload.Tick)).
		Str("object", objectPath).
		Msg("snapshot created")
	return nil
}

// Latest loads the newest snapshot for a session; ok is false when none
// exists yet.
func Latest(ctx context.Context, object *minio.Client, bucket string, session types.SessionID) (Payload, bool, error) {
	prefix := fmt.Sprintf("snapshots/%s/", session)
	var names []string
	for info := range object.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if info.Err != nil {
			return Payload{}, false, fmt.Errorf("list snapshots: %w", info.Err)
		}
		names = append(names, info.Key)
	}
	if len(names) == 0 {
		return Payload{}, false, nil
	}

	// Keys embed the zero-padded tick, so lexicographic order is tick order.
	sort.Strings(names)
	newest := names[len(names)-1]

	obj, err := object.GetObject(ctx, bucket, newest, minio.GetObjectOptions{})
	if err != nil {
		return Payload{}, false, fmt.Errorf("fetch snapshot %s: %w", newest, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return Payload{}, false, fmt.Errorf("read snapshot %s: %w", newest, err)
	}

	payload, err := DecodePayload(data)
	if err != nil {
		return Payload{}, false, fmt.Errorf("decode snapshot %s: %w", newest, err)
	}
	return payload, true, nil
}

// DecodePayload unmarshals a snapshot payload.
func DecodePayload(data []byte) (Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

func objectPath(session types.SessionID, tick types.Tick) string {
	return fmt.Sprintf("snapshots/%s/%012d.json", session, tick)
}
