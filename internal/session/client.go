package session

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/clock"
	"github.com/example/tick-sync-engine/internal/entity"
	"github.com/example/tick-sync-engine/internal/input"
	"github.com/example/tick-sync-engine/internal/transport"
	"github.com/example/tick-sync-engine/internal/types"
)

// ClientTransport is what the client loop needs from the network layer.
// Satisfied by transport.Client.
type ClientTransport interface {
	transport.Sender
	Inbound() <-chan transport.Inbound
	PeerID() types.PeerID
	Done() <-chan struct{}
}

// ClientConfig tunes the client loop.
type ClientConfig struct {
	TickRate int
	// InputSendRate is how many input batches go out per second.
	InputSendRate int
	// InputBatchSize is how many trailing frames each batch repeats for
	// redundancy.
	InputBatchSize int
	// InterpolationLag and MaxOfflineExtrapolation bound the clock
	// correction; see clock.Config.
	InterpolationLag        types.Tick
	MaxOfflineExtrapolation types.Tick
	PredictionMaxFrames     int
	PingInterval            time.Duration
	Fault                   transport.FaultConfig
}

// Client runs the peer-side fixed-step loop: sample input, ship redundant
// batches, fold server frames into entity buffers, and keep the local tick
// converged on the server's. Owned by a single goroutine.
type Client struct {
	cfg    ClientConfig
	logger zerolog.Logger

	seq       *clock.Sequencer
	transport ClientTransport
	faults    *transport.FaultQueue
	ledger    *input.Ledger
	source    input.Source

	entities  []*entity.SyncedEntity
	byID      map[types.EntityID]*entity.SyncedEntity
	lastFrame map[types.EntityID]types.Tick

	inputEvery types.Tick
	rtt        time.Duration
	lastPing   time.Time
	now        time.Time
}

// NewClient assembles the client loop. source may be nil for headless
// observers that send no input.
func NewClient(cfg ClientConfig, tr ClientTransport, table *input.Sendtable, source input.Source, logger zerolog.Logger) (*Client, error) {
	if cfg.TickRate <= 0 {
		return nil, fmt.Errorf("session: tick rate must be positive, got %d", cfg.TickRate)
	}
	if cfg.InputSendRate <= 0 || cfg.InputSendRate > cfg.TickRate {
		return nil, fmt.Errorf("session: input send rate must be in (0, tick rate], got %d", cfg.InputSendRate)
	}
	if cfg.InputBatchSize <= 0 {
		cfg.InputBatchSize = 6
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = time.Second
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With().Int32("peer", int32(tr.PeerID())).Logger(),
		seq: clock.NewSequencer(clock.RoleClient, clock.Config{
			TickRate:                cfg.TickRate,
			InterpolationLag:        cfg.InterpolationLag,
			MaxOfflineExtrapolation: cfg.MaxOfflineExtrapolation,
		}, logger),
		transport:  tr,
		ledger:     input.NewLedger(tr.PeerID(), table, 256, cfg.PredictionMaxFrames, logger),
		source:     source,
		byID:       make(map[types.EntityID]*entity.SyncedEntity),
		lastFrame:  make(map[types.EntityID]types.Tick),
		inputEvery: types.Tick(cfg.TickRate / cfg.InputSendRate),
	}
	c.faults = transport.NewFaultQueue(cfg.Fault, c.apply)
	return c, nil
}

// RegisterEntity adds a shadow entity. Registration order must match the
// server's for client-owned value blocks to line up.
func (c *Client) RegisterEntity(e *entity.SyncedEntity) error {
	if _, dup := c.byID[e.ID()]; dup {
		return fmt.Errorf("session: duplicate entity %s", e.ID())
	}
	c.entities = append(c.entities, e)
	c.byID[e.ID()] = e
	return nil
}

// Entity resolves a registered entity by id.
func (c *Client) Entity(id types.EntityID) (*entity.SyncedEntity, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// Tick returns the current corrected local tick.
func (c *Client) Tick() types.Tick { return c.seq.Tick() }

// Sequencer exposes the clock for game code that allocates input ids or
// resolves acknowledgements.
func (c *Client) Sequencer() *clock.Sequencer { return c.seq }

// RTT returns the last measured round-trip to the server.
func (c *Client) RTT() time.Duration { return c.rtt }

// RTTTicks converts the measured round-trip into ticks, the unit prediction
// smoothing windows are sized in.
func (c *Client) RTTTicks() types.Tick {
	ticks := types.Tick(c.rtt.Seconds() * float64(c.cfg.TickRate))
	if ticks < 1 {
		ticks = 1
	}
	return ticks
}

// EndPrediction rolls the named property back to the authoritative baseline
// and ramps the correction in over the measured round-trip.
func (c *Client) EndPrediction(id types.EntityID, property string, to types.Tick) error {
	e, ok := c.byID[id]
	if !ok {
		return fmt.Errorf("session: unknown entity %s", id)
	}
	return e.EndPrediction(property, to, c.RTTTicks())
}

// Run drives the loop until the context is cancelled or the connection
// drops.
func (c *Client) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(c.cfg.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.Info().Int("tick_rate", c.cfg.TickRate).Msg("client loop started")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.transport.Done():
			c.logger.Info().Msg("connection closed; client loop stopped")
			return nil
		case now := <-ticker.C:
			c.Step(now)
		}
	}
}

// Step executes one fixed step.
func (c *Client) Step(now time.Time) {
	c.now = now

	c.drainNetwork(now)
	c.faults.Flush(now)

	tick := c.seq.Advance(now)
	clockDrift.Set(float64(tick - c.seq.LastServerTick()))

	if c.source != nil {
		id := c.seq.NextInputID()
		c.ledger.Sample(c.source, id)
	}

	if c.source != nil && (c.inputEvery <= 1 || tick%c.inputEvery == 0) {
		c.sendInputBatch(tick)
	}

	c.expireStaleEntities(tick)

	frac := c.seq.FractionalTick()
	for _, e := range c.entities {
		e.PublishStep(frac)
	}

	if now.Sub(c.lastPing) >= c.cfg.PingInterval {
		c.lastPing = now
		c.transport.SendUnreliable(1, transport.Message{
			Kind:    transport.KindTimePing,
			Payload: encodeTimestamp(now),
		})
	}
}

func (c *Client) drainNetwork(now time.Time) {
	for {
		select {
		case in := <-c.transport.Inbound():
			c.faults.Offer(in, now)
		default:
			return
		}
	}
}

func (c *Client) sendInputBatch(tick types.Tick) {
	batch := c.ledger.CollectBatch(c.cfg.InputBatchSize, 0)
	if len(batch.Frames) == 0 {
		return
	}
	// The batch covers the trailing frames up to the newest; each maps to
	// one local tick ending at the current one.
	batch.FirstTickEstimate = tick - types.Tick(len(batch.Frames)-1)
	if batch.FirstTickEstimate < 1 {
		batch.FirstTickEstimate = 1
	}
	batch.ClientOwned = c.collectClientOwned(batch.FirstTickEstimate, len(batch.Frames))

	payload, err := input.PackBatch(c.ledger.Table(), batch)
	if err != nil {
		c.logger.Error().Err(err).Msg("pack input batch failed")
		return
	}
	c.transport.SendUnreliable(1, transport.Message{
		Kind:    transport.KindInputBatch,
		Payload: payload,
	})
}

// collectClientOwned assembles the per-frame rider blocks: the values of
// every client-owned property on entities this peer owns, one block per
// frame, laid out in entity registration order.
func (c *Client) collectClientOwned(firstTick types.Tick, frames int) [][]types.Value {
	var names []struct {
		e    *entity.SyncedEntity
		prop string
	}
	for _, e := range c.entities {
		if e.BelongsTo() != c.transport.PeerID() {
			continue
		}
		for _, prop := range e.ClientOwnedProperties() {
			names = append(names, struct {
				e    *entity.SyncedEntity
				prop string
			}{e, prop})
		}
	}
	if len(names) == 0 {
		return nil
	}

	blocks := make([][]types.Value, frames)
	for i := range blocks {
		tick := firstTick + types.Tick(i)
		block := make([]types.Value, 0, len(names))
		for _, n := range names {
			v, err := n.e.ValueAt(n.prop, tick)
			if err != nil {
				v = types.Value{}
			}
			block = append(block, v)
		}
		blocks[i] = block
	}
	return blocks
}

// expireStaleEntities stops replicate-forward for entities that have not
// received a frame within the offline extrapolation budget.
func (c *Client) expireStaleEntities(tick types.Tick) {
	budget := c.cfg.MaxOfflineExtrapolation
	if budget <= 0 {
		return
	}
	for id, last := range c.lastFrame {
		if tick-last > budget {
			if e, ok := c.byID[id]; ok {
				e.MarkRemoteStale()
			}
		}
	}
}

func (c *Client) apply(in transport.Inbound) {
	switch in.Msg.Kind {
	case transport.KindClockReport:
		tick, err := decodeClockReport(in.Msg.Payload)
		if err != nil {
			return
		}
		c.seq.ReportServerTick(tick, c.now)
	case transport.KindStateFrame:
		e, ok := c.byID[in.Msg.Entity]
		if !ok {
			c.logger.Debug().Str("entity", string(in.Msg.Entity)).Msg("frame for unknown entity")
			return
		}
		if err := e.ApplyFrame(in.Msg.Payload, c.seq); err != nil {
			c.logger.Warn().Err(err).Str("entity", string(in.Msg.Entity)).Msg("apply frame failed")
			return
		}
		c.lastFrame[in.Msg.Entity] = c.seq.Tick()
	case transport.KindTimePing:
		c.transport.SendUnreliable(1, transport.Message{
			Kind:    transport.KindTimePong,
			Payload: in.Msg.Payload,
		})
	case transport.KindTimePong:
		sentAt, err := decodeTimestamp(in.Msg.Payload)
		if err != nil {
			return
		}
		if rtt := c.now.Sub(sentAt); rtt >= 0 {
			c.rtt = rtt
		}
	default:
	}
}
