package entity

import (
	"github.com/example/tick-sync-engine/internal/history"
	"github.com/example/tick-sync-engine/internal/types"
)

// Strategy selects the transport treatment for a property.
type Strategy uint8

const (
	// StrategyUnreliable sends opportunistically on the unreliable channel
	// every send cycle while the value keeps changing.
	StrategyUnreliable Strategy = iota
	// StrategyAuto behaves like unreliable while the value is in motion and
	// escalates to a single reliable send once it has been stable past the
	// staleness delay, so low-frequency changes are never lost forever.
	StrategyAuto
	// StrategyReliable always uses the reliable channel.
	StrategyReliable
	// StrategyNoSync keeps the property local; it is historized but never
	// transmitted.
	StrategyNoSync
	// StrategyClientOwned is populated from the owning peer's input batches
	// rather than server authority, then relayed to the other peers.
	StrategyClientOwned
)

// classRank fixes the transmission ordering between strategy classes.
// Declaration order is preserved within a class; earlier means higher
// priority under bandwidth limits.
func (s Strategy) classRank() int {
	switch s {
	case StrategyUnreliable:
		return 0
	case StrategyAuto:
		return 1
	case StrategyReliable:
		return 2
	case StrategyNoSync:
		return 3
	default: // StrategyClientOwned
		return 4
	}
}

// PropertyConfig declares one synchronized property at entity construction.
type PropertyConfig struct {
	Strategy         Strategy
	Interpolation    history.Interpolation
	GapFill          history.Interpolation
	MaxExtrapolation types.Tick
	// Capacity overrides the entity default when > 0.
	Capacity int
}

type property struct {
	name    string
	cfg     PropertyConfig
	buf     *history.Buffer
	declIdx int

	// Per-peer tick last sent on the reliable channel; assume-delivered,
	// reliability itself is the transport's problem.
	lastReliable map[types.PeerID]types.Tick
	// Per-peer tick last sent on any channel, used to suppress resending
	// unchanged unreliable content.
	lastSent map[types.PeerID]types.Tick

	getter func() types.Value
	setter func(types.Value)

	pred prediction
}

func (p *property) lastReliableTick(peer types.PeerID) types.Tick {
	return p.lastReliable[peer]
}

func (p *property) lastSentTick(peer types.PeerID) types.Tick {
	return p.lastSent[peer]
}

func (p *property) noteReliable(peer types.PeerID, tick types.Tick) {
	p.lastReliable[peer] = tick
	p.lastSent[peer] = tick
}

func (p *property) noteSent(peer types.PeerID, tick types.Tick) {
	p.lastSent[peer] = tick
}

func (p *property) forgetPeer(peer types.PeerID) {
	delete(p.lastReliable, peer)
	delete(p.lastSent, peer)
}

// stableFor returns how long the property's value has been unchanged as of
// tick. The change-then-change-back imprecision of the underlying tracking
// is intentional; staleness escalation depends on it staying approximate.
func (p *property) stableFor(tick types.Tick) types.Tick {
	if !p.buf.Written() {
		return 0
	}
	return tick - p.buf.LastChangedTick()
}
