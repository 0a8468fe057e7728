package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/clock"
	"github.com/example/tick-sync-engine/internal/entity"
	"github.com/example/tick-sync-engine/internal/input"
	"github.com/example/tick-sync-engine/internal/journal"
	"github.com/example/tick-sync-engine/internal/presence"
	"github.com/example/tick-sync-engine/internal/snapshot"
	"github.com/example/tick-sync-engine/internal/transport"
	"github.com/example/tick-sync-engine/internal/types"
)

// ServerTransport is what the server loop needs from the network layer.
// Satisfied by transport.Gateway.
type ServerTransport interface {
	transport.Sender
	Inbound() <-chan transport.Inbound
	Events() <-chan transport.PeerEvent
}

// ServerConfig tunes the authoritative loop.
type ServerConfig struct {
	Session  types.SessionID
	TickRate int
	// SendRate is how many state send cycles run per second; at most one
	// per tick.
	SendRate int
	// PingInterval spaces application-level round-trip probes.
	PingInterval time.Duration
	// PredictionMaxFrames bounds input replay when a peer's frames go
	// missing.
	PredictionMaxFrames int
	// Fault degrades inbound unreliable traffic in local test rigs.
	Fault transport.FaultConfig
}

type consumedInput struct {
	frame input.Frame
	id    types.InputID
	stale bool
	has   bool
}

// StepFunc is the game simulation hook, called once per tick after peer
// input has been consumed and before entity state is captured.
type StepFunc func(tick types.Tick)

// Server owns the authoritative fixed-step loop for one session. All
// simulation state is mutated by Step only; the snapshot worker reads it
// under the same lock.
type Server struct {
	cfg    ServerConfig
	logger zerolog.Logger

	seq       *clock.Sequencer
	transport ServerTransport
	faults    *transport.FaultQueue
	table     *input.Sendtable
	observers *clock.ObserverRegistry

	mu        sync.Mutex
	entities  []*entity.SyncedEntity
	byID      map[types.EntityID]*entity.SyncedEntity
	ledgers   map[types.PeerID]*input.Ledger
	consumed  map[types.PeerID]consumedInput
	rtt       map[types.PeerID]time.Duration
	stepHook  StepFunc
	peerHook  func(transport.PeerEvent)
	sendEvery types.Tick
	lastPing  time.Time
	now       time.Time

	journal    *journal.Journal
	journalCh  chan journal.Record
	journalSeq atomic.Int64
	presence   *presence.Service
}

// NewServer assembles the server loop. journal and roster may be nil when
// persistence is disabled (tests, offline rigs).
func NewServer(cfg ServerConfig, tr ServerTransport, table *input.Sendtable, j *journal.Journal, roster *presence.Service, logger zerolog.Logger) (*Server, error) {
	if cfg.TickRate <= 0 {
		return nil, fmt.Errorf("session: tick rate must be positive, got %d", cfg.TickRate)
	}
	if cfg.SendRate <= 0 || cfg.SendRate > cfg.TickRate {
		return nil, fmt.Errorf("session: send rate must be in (0, tick rate], got %d", cfg.SendRate)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}

	s := &Server{
		cfg:    cfg,
		logger: logger.With().Str("session", string(cfg.Session)).Logger(),
		seq: clock.NewSequencer(clock.RoleServer, clock.Config{
			TickRate: cfg.TickRate,
		}, logger),
		transport: tr,
		table:     table,
		observers: clock.NewObserverRegistry(),
		byID:      make(map[types.EntityID]*entity.SyncedEntity),
		ledgers:   make(map[types.PeerID]*input.Ledger),
		consumed:  make(map[types.PeerID]consumedInput),
		rtt:       make(map[types.PeerID]time.Duration),
		sendEvery: types.Tick(cfg.TickRate / cfg.SendRate),
		journal:   j,
		presence:  roster,
	}
	s.faults = transport.NewFaultQueue(cfg.Fault, s.apply)
	if j != nil {
		s.journalCh = make(chan journal.Record, 1024)
	}
	return s, nil
}

// RegisterEntity adds a synchronized entity to the session. Registration
// order fixes the layout of client-owned value blocks in input batches.
func (s *Server) RegisterEntity(e *entity.SyncedEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[e.ID()]; dup {
		return fmt.Errorf("session: duplicate entity %s", e.ID())
	}
	s.entities = append(s.entities, e)
	s.byID[e.ID()] = e
	return nil
}

// OnStep installs the simulation hook.
func (s *Server) OnStep(fn StepFunc) { s.stepHook = fn }

// OnPeerEvent installs a hook called inside the step loop when a peer joins
// or leaves, after the session's own bookkeeping. Game code assigns entity
// ownership here.
func (s *Server) OnPeerEvent(fn func(transport.PeerEvent)) { s.peerHook = fn }

// Tick returns the current server tick.
func (s *Server) Tick() types.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq.Tick()
}

// ConsumedInput returns the input frame consumed for a peer this tick.
// Called from the step hook.
func (s *Server) ConsumedInput(peer types.PeerID) (input.Frame, bool) {
	c, ok := s.consumed[peer]
	if !ok || !c.has {
		return nil, false
	}
	return c.frame, true
}

// InputStale reports whether the peer's replay budget ran out this tick.
// Simulation code can freeze a stale peer's entity instead of drifting it.
func (s *Server) InputStale(peer types.PeerID) bool {
	c, ok := s.consumed[peer]
	return ok && c.stale
}

// TimeDepthFor returns the lag-compensation depth in ticks for an entity at
// the given position, derived from the two nearest peer-owned observers.
func (s *Server) TimeDepthFor(pos types.Value) float64 {
	return clock.TimeDepth(pos, s.observers.List())
}

// RTT returns the last measured round-trip for a peer.
func (s *Server) RTT(peer types.PeerID) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rtt[peer]
}

// Run drives the fixed-step loop until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if s.journal != nil {
		go s.journalWriter(ctx)
	}

	interval := time.Second / time.Duration(s.cfg.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info().Int("tick_rate", s.cfg.TickRate).Msg("server loop started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Int64("tick", int64(s.Tick())).Msg("server loop stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.Step(now)
		}
	}
}

// Step executes one fixed simulation step.
func (s *Server) Step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now

	s.drainNetwork(now)
	s.faults.Flush(now)

	tick := s.seq.Advance(now)
	stepsTotal.Inc()

	for peer, ledger := range s.ledgers {
		frame, id := ledger.Consume()
		s.consumed[peer] = consumedInput{frame: frame, id: id, stale: ledger.Stale(), has: true}
		if ledger.Stale() {
			staleInputs.Inc()
		}
	}

	if s.stepHook != nil {
		s.stepHook(tick)
	}

	for _, e := range s.entities {
		e.CaptureStep(tick)
	}

	s.updateObservers()

	if s.sendEvery <= 1 || tick%s.sendEvery == 0 {
		s.broadcast(tick)
	}

	if now.Sub(s.lastPing) >= s.cfg.PingInterval {
		s.lastPing = now
		probe := transport.Message{Kind: transport.KindTimePing, Payload: encodeTimestamp(now)}
		for _, peer := range s.transport.ConnectedPeers() {
			s.transport.SendUnreliable(peer, probe)
		}
	}
}

func (s *Server) drainNetwork(now time.Time) {
	for {
		select {
		case ev := <-s.transport.Events():
			s.handleEvent(ev)
		case in := <-s.transport.Inbound():
			s.faults.Offer(in, now)
		default:
			return
		}
	}
}

func (s *Server) handleEvent(ev transport.PeerEvent) {
	if ev.Joined {
		s.ledgers[ev.Peer] = input.NewLedger(ev.Peer, s.table, 256, s.cfg.PredictionMaxFrames, s.logger)
		s.logger.Info().Int32("peer", int32(ev.Peer)).Msg("peer joined session")
		if s.peerHook != nil {
			s.peerHook(ev)
		}
		return
	}

	delete(s.ledgers, ev.Peer)
	delete(s.consumed, ev.Peer)
	delete(s.rtt, ev.Peer)
	s.observers.Unregister(ev.Peer)
	for _, e := range s.entities {
		e.ForgetPeer(ev.Peer)
		if e.BelongsTo() == ev.Peer {
			e.SetBelongsTo(types.LocalPeer)
		}
	}
	if s.presence != nil {
		go s.presence.Clear(context.Background(), s.cfg.Session, ev.Peer)
	}
	s.logger.Info().Int32("peer", int32(ev.Peer)).Msg("peer left session")
	if s.peerHook != nil {
		s.peerHook(ev)
	}
}

func (s *Server) apply(in transport.Inbound) {
	switch in.Msg.Kind {
	case transport.KindInputBatch:
		s.applyInputBatch(in.Peer, in.Msg.Payload)
	case transport.KindTimePing:
		s.transport.SendUnreliable(in.Peer, transport.Message{
			Kind:    transport.KindTimePong,
			Payload: in.Msg.Payload,
		})
	case transport.KindTimePong:
		sentAt, err := decodeTimestamp(in.Msg.Payload)
		if err != nil {
			return
		}
		rtt := s.now.Sub(sentAt)
		if rtt < 0 {
			return
		}
		s.rtt[in.Peer] = rtt
		if s.presence != nil {
			rec := presence.PeerRecord{
				Session:   s.cfg.Session,
				Peer:      in.Peer,
				RTTMillis: rtt.Milliseconds(),
				LastTick:  s.seq.Tick(),
			}
			go s.presence.Heartbeat(context.Background(), rec)
		}
	default:
		// Clients never originate other kinds.
	}
}

func (s *Server) applyInputBatch(peer types.PeerID, payload []byte) {
	ledger, ok := s.ledgers[peer]
	if !ok {
		return
	}
	batch, err := input.ParseBatch(s.table, payload)
	if err != nil {
		s.logger.Warn().Err(err).Int32("peer", int32(peer)).Msg("malformed input batch")
		return
	}
	ledger.Absorb(batch)
	batchesAbsorbed.Inc()

	if len(batch.ClientOwned) > 0 {
		s.applyClientOwned(peer, batch)
	}

	s.journalAppend(journal.Record{
		Session: s.cfg.Session,
		Tick:    s.seq.Tick(),
		Peer:    peer,
		Kind:    journal.KindInputBatch,
		Payload: payload,
	})
}

// applyClientOwned writes the batch's rider values into the client-owned
// properties of the sending peer's entities. The block layout is the
// concatenation of each owned entity's client-owned properties, in entity
// registration order.
func (s *Server) applyClientOwned(peer types.PeerID, batch input.Batch) {
	for i, block := range batch.ClientOwned {
		tick := batch.FirstTickEstimate + types.Tick(i)
		if tick < 1 {
			continue
		}
		cursor := 0
		for _, e := range s.entities {
			if e.BelongsTo() != peer {
				continue
			}
			for _, name := range e.ClientOwnedProperties() {
				if cursor >= len(block) {
					return
				}
				e.Write(name, tick, block[cursor])
				cursor++
			}
		}
	}
}

func (s *Server) updateObservers() {
	for peer := range s.ledgers {
		e := s.ownedEntity(peer)
		if e == nil || e.Object() == nil {
			continue
		}
		latencyTicks := s.rtt[peer].Seconds() * float64(s.cfg.TickRate) / 2
		s.observers.Register(peer, e.Object().WorldPosition(), latencyTicks)
	}
}

func (s *Server) ownedEntity(peer types.PeerID) *entity.SyncedEntity {
	for _, e := range s.entities {
		if e.BelongsTo() == peer {
			return e
		}
	}
	return nil
}

func (s *Server) broadcast(tick types.Tick) {
	peers := s.transport.ConnectedPeers()
	if len(peers) == 0 {
		return
	}

	report := transport.Message{Kind: transport.KindClockReport, Payload: encodeClockReport(tick)}
	for _, peer := range peers {
		s.transport.SendUnreliable(peer, report)
	}

	for _, e := range s.entities {
		for _, peer := range peers {
			c := s.consumed[peer]
			plan := e.BuildFrames(peer, tick, c.id, c.has && c.id > 0)
			if plan.Unreliable != nil {
				s.transport.SendUnreliable(peer, transport.Message{
					Kind:    transport.KindStateFrame,
					Entity:  e.ID(),
					Payload: plan.Unreliable,
				})
			}
			if plan.Reliable != nil {
				s.transport.SendReliable(peer, transport.Message{
					Kind:    transport.KindStateFrame,
					Entity:  e.ID(),
					Payload: plan.Reliable,
				})
				s.journalAppend(journal.Record{
					Session: s.cfg.Session,
					Tick:    tick,
					Peer:    peer,
					Kind:    journal.KindStateFrame,
					Entity:  e.ID(),
					Payload: plan.Reliable,
				})
			}
		}
	}
	sendCycles.Inc()
}

func (s *Server) journalAppend(rec journal.Record) {
	if s.journalCh == nil {
		return
	}
	select {
	case s.journalCh <- rec:
	default:
		// Persistence lags behind the simulation; shedding beats stalling
		// the tick.
		journalShed.Inc()
	}
}

func (s *Server) journalWriter(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-s.journalCh:
			seq, err := s.journal.Append(ctx, rec)
			if err != nil {
				s.logger.Error().Err(err).Msg("journal append failed")
				continue
			}
			s.journalSeq.Store(seq)
		}
	}
}

// SnapshotState captures a consistent copy of the world for the snapshot
// worker. Implements snapshot.Source.
func (s *Server) SnapshotState() snapshot.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()

	payload := snapshot.Payload{
		Session:    s.cfg.Session,
		Tick:       s.seq.Tick(),
		JournalSeq: s.journalSeq.Load(),
	}
	for _, e := range s.entities {
		state := snapshot.EntityState{ID: e.ID(), BelongsTo: e.BelongsTo()}
		for _, name := range e.Properties() {
			buf, err := e.Buffer(name)
			if err != nil || !buf.Written() {
				continue
			}
			value := buf.ValueAt(buf.LastTick())
			state.Properties = append(state.Properties, snapshot.PropertyState{
				Name:       name,
				Components: value.Components(),
				LastTick:   buf.LastTick(),
			})
		}
		payload.Entities = append(payload.Entities, state)
	}
	return payload
}

// RestoreSnapshot seeds entity history from a recovered snapshot. Called
// once before the loop starts.
func (s *Server) RestoreSnapshot(payload snapshot.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, state := range payload.Entities {
		e, ok := s.byID[state.ID]
		if !ok {
			s.logger.Warn().Str("entity", string(state.ID)).Msg("snapshot names unknown entity; skipping")
			continue
		}
		e.SetBelongsTo(state.BelongsTo)
		for _, prop := range state.Properties {
			value := types.FromComponents(prop.Components)
			if err := e.Write(prop.Name, prop.LastTick, value); err != nil {
				return fmt.Errorf("restore %s.%s: %w", state.ID, prop.Name, err)
			}
		}
	}

	if payload.Tick > s.seq.Tick() {
		s.seq.SeekTo(payload.Tick)
	}
	s.journalSeq.Store(payload.JournalSeq)
	s.logger.Info().Int64("tick", int64(payload.Tick)).Msg("world restored from snapshot")
	return nil
}

// AdvanceRecovery moves the clock and journal cursor past records replayed
// from the journal tail, so fresh writes land after the recovered history.
func (s *Server) AdvanceRecovery(tick types.Tick, seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tick > s.seq.Tick() {
		s.seq.SeekTo(tick)
	}
	if seq > s.journalSeq.Load() {
		s.journalSeq.Store(seq)
	}
}
