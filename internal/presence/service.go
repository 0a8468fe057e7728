// Package presence tracks the connected peer roster in Redis: who is in the
// session, their measured round-trip time, and when they were last seen.
// Records carry a TTL so a crashed server leaves no ghosts behind.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
)

const (
	defaultTTL      = 45 * time.Second
	keyPrefix       = "presence:session:"
	eventPrefix     = "presence:events:"
	scanBatchSize   = 100
	maxBackoffDelay = 30 * time.Second
)

// PeerRecord is the roster entry persisted per connected peer.
type PeerRecord struct {
	Session   types.SessionID `json:"session_id"`
	Peer      types.PeerID    `json:"peer_id"`
	RTTMillis int64           `json:"rtt_ms"`
	LastTick  types.Tick      `json:"last_tick"`
	LastSeen  time.Time       `json:"last_seen"`
}

// Service maintains the roster in Redis.
type Service struct {
	client *redis.Client
	logger zerolog.Logger
	ttl    time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithTTL overrides the roster entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// NewService constructs a presence service backed by Redis.
func NewService(client *redis.Client, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{client: client, logger: logger, ttl: defaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Heartbeat refreshes a peer's roster entry. Called by the session loop each
// time a round-trip measurement completes.
func (s *Service) Heartbeat(ctx context.Context, rec PeerRecord) error {
	if s.client == nil {
		return errors.New("nil redis client")
	}
	if rec.Session == "" || rec.Peer == 0 {
		return errors.New("presence record missing identifiers")
	}
	if rec.LastSeen.IsZero() {
		rec.LastSeen = time.Now().UTC()
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}
	key := s.key(rec.Session, rec.Peer)
	if err := s.client.Set(ctx, key, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache presence record: %w", err)
	}
	s.publish(ctx, Event{Kind: EventHeartbeat, Record: rec})
	return nil
}

// Clear removes a peer's roster entry on disconnect.
func (s *Service) Clear(ctx context.Context, session types.SessionID, peer types.PeerID) {
	if session == "" || peer == 0 {
		return
	}
	key := s.key(session, peer)
	if err := s.client.Del(ctx, key).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.logger.Warn().Err(err).Str("key", key).Msg("failed to delete presence key")
	}
	s.publish(ctx, Event{Kind: EventClear, Record: PeerRecord{Session: session, Peer: peer}})
}

// Roster loads the current roster for a session, ordered by peer id.
func (s *Service) Roster(ctx context.Context, session types.SessionID) ([]PeerRecord, error) {
	pattern := fmt.Sprintf("%s%s:peer:*", keyPrefix, session)
	iter := s.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan presence keys: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch presence records: %w", err)
	}

	var records []PeerRecord
	for _, raw := range values {
		strVal, ok := raw.(string)
		if !ok || strVal == "" {
			continue
		}
		var rec PeerRecord
		if err := json.Unmarshal([]byte(strVal), &rec); err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode presence record")
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Peer < records[j].Peer })
	return records, nil
}

// RTT returns the last measured round-trip for a peer; zero when unknown.
func (s *Service) RTT(ctx context.Context, session types.SessionID, peer types.PeerID) time.Duration {
	raw, err := s.client.Get(ctx, s.key(session, peer)).Result()
	if err != nil {
		return 0
	}
	var rec PeerRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return 0
	}
	return time.Duration(rec.RTTMillis) * time.Millisecond
}

// EventKind labels a roster change relayed over pub/sub.
type EventKind string

const (
	EventHeartbeat EventKind = "heartbeat"
	EventClear     EventKind = "clear"
)

// Event is one roster change, published so operators and sibling instances
// observe the session without polling keys.
type Event struct {
	Kind   EventKind  `json:"kind"`
	Record PeerRecord `json:"record"`
}

func (s *Service) publish(ctx context.Context, ev Event) {
	encoded, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode presence event")
		return
	}
	channel := eventPrefix + string(ev.Record.Session)
	if err := s.client.Publish(ctx, channel, encoded).Err(); err != nil {
		s.logger.Warn().Err(err).Str("channel", channel).Msg("failed to publish presence event")
	}
}

// Watch subscribes to a session's roster events, invoking the handler for
// each until the context is cancelled. Interrupted subscriptions reconnect
// with exponential backoff.
func (s *Service) Watch(ctx context.Context, session types.SessionID, handler func(Event)) {
	go s.watch(ctx, session, handler)
}

func (s *Service) watch(ctx context.Context, session types.SessionID, handler func(Event)) {
	channel := eventPrefix + string(session)
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := s.client.Subscribe(ctx, channel)
		if err := s.consume(ctx, pubsub, handler); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn().Err(err).Dur("backoff", backoff).Msg("presence subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			if backoff *= 2; backoff > maxBackoffDelay {
				backoff = maxBackoffDelay
			}
		}
	}
}

func (s *Service) consume(ctx context.Context, pubsub *redis.PubSub, handler func(Event)) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				s.logger.Warn().Err(err).Msg("failed to decode presence event")
				continue
			}
			handler(ev)
		}
	}
}

func (s *Service) key(session types.SessionID, peer types.PeerID) string {
	return fmt.Sprintf("%s%s:peer:%d", keyPrefix, session, peer)
}
