package clock

import (
	"github.com/example/tick-sync-engine/internal/types"
)

// Observer is a peer-owned entity participating in time-depth blending: its
// current world position and the owning peer's measured latency in ticks.
type Observer struct {
	Peer     types.PeerID
	Position types.Value
	Latency  float64
}

// ObserverRegistry is the explicit roster of peer-owned entities considered
// for lag compensation. It replaces weak-reference tracking: the session
// registers an observer when a peer takes ownership of an entity and removes
// it on disconnect. Owned and mutated only by the step loop.
type ObserverRegistry struct {
	observers map[types.PeerID]*Observer
}

// NewObserverRegistry returns an empty registry.
func NewObserverRegistry() *ObserverRegistry {
	return &ObserverRegistry{observers: make(map[types.PeerID]*Observer)}
}

// Register adds or replaces the observer for a peer. The step loop calls it
// every tick, so a peer that takes ownership mid-session starts blending on
// its next step.
func (r *ObserverRegistry) Register(peer types.PeerID, position types.Value, latency float64) {
	r.observers[peer] = &Observer{Peer: peer, Position: position, Latency: latency}
}

// Unregister drops the peer's observer; called on disconnect so stale
// candidates never survive the peer they belong to.
func (r *ObserverRegistry) Unregister(peer types.PeerID) {
	delete(r.observers, peer)
}

// Len returns the number of registered observers.
func (r *ObserverRegistry) Len() int { return len(r.observers) }

// List returns the registered observers in unspecified order.
func (r *ObserverRegistry) List() []Observer {
	out := make([]Observer, 0, len(r.observers))
	for _, o := range r.observers {
		out = append(out, *o)
	}
	return out
}

// TimeDepth computes how many ticks in the past the world at pos should be
// presented for fair hit detection. Among all observers the two closest are
// considered: depth blends from the nearest peer's latency (at that peer's
// own position) down to zero (at the midpoint between the two), using the
// squared-distance ratio. Fewer than two observers, or degenerate distances,
// yield zero. Any third-nearest candidate is ignored.
func TimeDepth(pos types.Value, observers []Observer) float64 {
	if len(observers) < 2 {
		return 0
	}

	var nearest, second *Observer
	var dn, ds float64
	for i := range observers {
		o := &observers[i]
		d := pos.DistanceSquared(o.Position)
		switch {
		case nearest == nil || d < dn:
			second, ds = nearest, dn
			nearest, dn = o, d
		case second == nil || d < ds:
			second, ds = o, d
		}
	}

	total := dn + ds
	if total <= 0 {
		return 0
	}
	depth := nearest.Latency * (ds - dn) / total
	if depth < 0 {
		return 0
	}
	return depth
}
