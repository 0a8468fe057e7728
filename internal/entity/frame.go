package entity

import (
	"fmt"
	"sort"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

// PropertySample is one decoded property value from a state frame.
type PropertySample struct {
	Name  string
	Value types.Value
}

// StateFrame is the decoded form of one entity state transmission.
type StateFrame struct {
	Tick      types.Tick
	HasInput  bool
	LastInput types.InputID
	Samples   []PropertySample
}

// FramePlan is the outcome of one send cycle for one peer: the payloads for
// each channel. Either may be nil when there is nothing to carry.
type FramePlan struct {
	Reliable   []byte
	Unreliable []byte
}

// InputTickResolver maps an acknowledged input id back to the local tick
// that produced it. Satisfied by clock.Sequencer.
type InputTickResolver interface {
	TickForInput(types.InputID) (types.Tick, bool)
}

// encodeFrame packs samples against the entity's fixed property ordering.
// Samples forming a prefix of the ordering are sent as trailing values with
// no index; the decoder maps them back from the shared ordering, which keeps
// the hottest (unreliable-class) properties nearly free on the wire.
func (e *SyncedEntity) encodeFrame(f StateFrame) []byte {
	samples := append([]PropertySample(nil), f.Samples...)
	sort.SliceStable(samples, func(i, j int) bool {
		return e.orderN[samples[i].Name] < e.orderN[samples[j].Name]
	})

	prefix := 0
	for prefix < len(samples) && e.orderN[samples[prefix].Name] == prefix {
		prefix++
	}
	indexed := samples[prefix:]

	buf := wire.AppendInt(nil, int64(f.Tick))
	buf = wire.AppendBool(buf, f.HasInput)
	if f.HasInput {
		buf = wire.AppendInt(buf, int64(f.LastInput))
	}

	buf = wire.AppendUint(buf, uint64(len(indexed)))
	for _, s := range indexed {
		buf = wire.AppendUint(buf, uint64(e.orderN[s.Name]))
	}

	buf = wire.AppendUint(buf, uint64(len(samples)))
	for _, s := range indexed {
		buf = wire.AppendValue(buf, s.Value)
	}
	for _, s := range samples[:prefix] {
		buf = wire.AppendValue(buf, s.Value)
	}
	return buf
}

// DecodeFrame unpacks a state frame using the locally computed property
// ordering.
func (e *SyncedEntity) DecodeFrame(payload []byte) (StateFrame, error) {
	d := wire.NewDecoder(payload)

	f := StateFrame{Tick: types.Tick(d.Int())}
	f.HasInput = d.Bool()
	if f.HasInput {
		f.LastInput = types.InputID(d.Int())
	}

	indexCount := int(d.Uint())
	if d.Err() != nil {
		return StateFrame{}, d.Err()
	}
	if indexCount > len(e.order) {
		return StateFrame{}, fmt.Errorf("entity %s: frame indexes %d properties, ordering has %d", e.id, indexCount, len(e.order))
	}
	indices := make([]int, indexCount)
	for i := range indices {
		idx := int(d.Uint())
		if d.Err() != nil {
			return StateFrame{}, d.Err()
		}
		if idx >= len(e.order) {
			return StateFrame{}, fmt.Errorf("entity %s: property index %d outside ordering", e.id, idx)
		}
		indices[i] = idx
	}

	total := int(d.Uint())
	if d.Err() != nil {
		return StateFrame{}, d.Err()
	}
	if total < indexCount || total > len(e.order) {
		return StateFrame{}, fmt.Errorf("entity %s: frame carries %d values for %d indices", e.id, total, indexCount)
	}

	for _, idx := range indices {
		f.Samples = append(f.Samples, PropertySample{Name: e.order[idx].name, Value: d.Value()})
	}
	// Trailing values map to the start of the ordering.
	for i := 0; i < total-indexCount; i++ {
		f.Samples = append(f.Samples, PropertySample{Name: e.order[i].name, Value: d.Value()})
	}

	if err := d.Err(); err != nil {
		return StateFrame{}, err
	}
	return f, nil
}

// BuildFrames assembles this send cycle's payloads for one peer. ack is the
// newest input id consumed from that peer, reported so the client can anchor
// reconciliation; hasAck is false for peers without input this session.
func (e *SyncedEntity) BuildFrames(peer types.PeerID, tick types.Tick, ack types.InputID, hasAck bool) FramePlan {
	var reliable, unreliable []PropertySample

	for _, p := range e.order {
		if !p.buf.Written() {
			continue
		}
		value := p.buf.ValueAt(tick)

		switch p.cfg.Strategy {
		case StrategyNoSync:
			// Never leaves the machine.
		case StrategyReliable:
			if p.buf.Changed(p.lastReliableTick(peer), tick) {
				reliable = append(reliable, PropertySample{p.name, value})
				p.noteReliable(peer, tick)
			}
		case StrategyUnreliable:
			if p.buf.Changed(p.lastSentTick(peer), tick) {
				unreliable = append(unreliable, PropertySample{p.name, value})
				p.noteSent(peer, tick)
			}
		case StrategyAuto:
			if !p.buf.Changed(p.lastReliableTick(peer), tick) {
				break
			}
			if p.stableFor(tick) > e.cfg.StalenessDelay {
				// Stable past the threshold: one reliable send instead of
				// waiting forever for another unreliable slot.
				reliable = append(reliable, PropertySample{p.name, value})
				p.noteReliable(peer, tick)
			} else if p.buf.Changed(p.lastSentTick(peer), tick) {
				unreliable = append(unreliable, PropertySample{p.name, value})
				p.noteSent(peer, tick)
			}
		case StrategyClientOwned:
			// Relayed to everyone except the peer that produced it.
			if peer != e.belongsTo && p.buf.Changed(p.lastSentTick(peer), tick) {
				unreliable = append(unreliable, PropertySample{p.name, value})
				p.noteSent(peer, tick)
			}
		}
	}

	var plan FramePlan
	if len(unreliable) > 0 {
		plan.Unreliable = e.encodeFrame(StateFrame{Tick: tick, HasInput: hasAck, LastInput: ack, Samples: unreliable})
		e.heartbeatDue[peer] = true
		framesBuilt.WithLabelValues(string(e.id), "unreliable").Inc()
	}
	if len(reliable) > 0 {
		plan.Reliable = e.encodeFrame(StateFrame{Tick: tick, HasInput: hasAck, LastInput: ack, Samples: reliable})
		framesBuilt.WithLabelValues(string(e.id), "reliable").Inc()
	} else if len(unreliable) == 0 && e.heartbeatDue[peer] {
		// Quiescence notice: an empty frame on the reliable channel, sent
		// exactly once per peer, so every client stops extrapolating stale
		// motion regardless of broadcast order.
		plan.Reliable = e.encodeFrame(StateFrame{Tick: tick, HasInput: hasAck, LastInput: ack})
		delete(e.heartbeatDue, peer)
		framesBuilt.WithLabelValues(string(e.id), "heartbeat").Inc()
	}
	return plan
}

// ApplyFrame folds a received state frame into the local buffers. Predicted
// properties are reconciled against the acknowledged input; everything else
// is overwritten at the reported tick. Properties absent from the frame are
// replicated forward to the frame's tick, which is legal exactly because the
// frame itself confirms the server state is current.
func (e *SyncedEntity) ApplyFrame(payload []byte, resolver InputTickResolver) error {
	f, err := e.DecodeFrame(payload)
	if err != nil {
		return fmt.Errorf("entity %s: decode frame: %w", e.id, err)
	}

	e.remoteNotStale = true
	framesApplied.WithLabelValues(string(e.id)).Inc()

	sampled := make(map[string]bool, len(f.Samples))
	for _, s := range f.Samples {
		sampled[s.Name] = true
		p := e.byName[s.Name]

		if p.pred.active() && f.HasInput {
			if producedAt, ok := resolver.TickForInput(f.LastInput); ok {
				e.reconcile(p, s.Value, f.LastInput, producedAt)
				continue
			}
			// Acknowledgement older than the lookback window; fall through
			// to a plain authoritative overwrite.
		}
		p.buf.Write(f.Tick, s.Value)
	}

	for _, p := range e.order {
		if p.cfg.Strategy == StrategyNoSync || sampled[p.name] || p.pred.active() {
			continue
		}
		if !p.buf.Written() || p.buf.LastTick() >= f.Tick || !e.remoteNotStale {
			continue
		}
		p.buf.Write(f.Tick, p.buf.ValueAt(p.buf.LastTick()))
	}

	return nil
}
