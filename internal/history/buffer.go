// Package history implements the per-property historized value store: a
// fixed-capacity ring buffer mapping consecutive integer ticks to values,
// with interpolated reads, gap-filling writes, bounded extrapolation, and
// rollback support for prediction recovery and lag compensation.
package history

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/tick-sync-engine/internal/types"
)

// Interpolation selects how values between two known points are produced.
type Interpolation uint8

const (
	// InterpNone is a step function: the older point holds until the newer
	// tick is reached.
	InterpNone Interpolation = iota
	// InterpLinear is a standard affine blend parameterized by the
	// fractional position between two integer ticks.
	InterpLinear
)

var (
	// ErrResizeAfterWrite is returned when Resize is called on a buffer
	// that has already recorded a value. Capacity is a setup-time decision.
	ErrResizeAfterWrite = errors.New("history: resize after first write")
	// ErrBadCapacity is returned for capacities below 2; interpolation and
	// extrapolation both need two retained points.
	ErrBadCapacity = errors.New("history: capacity must be at least 2")
)

// Span records a rollback range so prediction smoothing can size its ramp.
type Span struct {
	From types.Tick
	To   types.Tick
}

// Config fixes the per-property behaviour of a Buffer.
type Config struct {
	// Intra is the interpolation rule applied to reads between two stored
	// integer ticks.
	Intra Interpolation
	// GapFill is the rule used to synthesize skipped ticks on writes and to
	// project extrapolated reads past the newest stored tick.
	GapFill Interpolation
	// MaxExtrapolation bounds how many ticks past the newest stored tick a
	// read may project. Zero disables extrapolation entirely.
	MaxExtrapolation types.Tick
}

// Buffer holds values for the contiguous tick range
// [lastTick-capacity+1, lastTick], clamped to tick 1. There are never gaps:
// writes that skip ticks synthesize the missing slots with the gap-fill rule.
// A Buffer is owned and mutated by a single SyncedEntity; it is not safe for
// concurrent use.
type Buffer struct {
	cfg    Config
	values []types.Value
	// synth marks slots whose value was synthesized by gap-filling or
	// rollback rather than written directly. Historic overwrites use it to
	// re-interpolate neighbouring runs against the new real point.
	synth []bool

	written         bool
	lastTick        types.Tick
	lastChangedTick types.Tick
	lastRollback    Span
}

// New constructs a buffer with the given capacity and configuration.
func New(capacity int, cfg Config) (*Buffer, error) {
	if capacity < 2 {
		return nil, ErrBadCapacity
	}
	return &Buffer{
		cfg:    cfg,
		values: make([]types.Value, capacity),
		synth:  make([]bool, capacity),
	}, nil
}

// MustNew is New for declarative property tables built at entity setup,
// where a bad capacity is a programming error.
func MustNew(capacity int, cfg Config) *Buffer {
	b, err := New(capacity, cfg)
	if err != nil {
		panic(fmt.Sprintf("history.MustNew(%d): %v", capacity, err))
	}
	return b
}

// Resize replaces the backing storage. Allowed only before the first write.
func (b *Buffer) Resize(capacity int) error {
	if b.written {
		return ErrResizeAfterWrite
	}
	if capacity < 2 {
		return ErrBadCapacity
	}
	b.values = make([]types.Value, capacity)
	b.synth = make([]bool, capacity)
	return nil
}

// Capacity returns the number of retained ticks.
func (b *Buffer) Capacity() int { return len(b.values) }

// Written reports whether the buffer holds any value yet.
func (b *Buffer) Written() bool { return b.written }

// LastTick returns the newest stored tick.
func (b *Buffer) LastTick() types.Tick { return b.lastTick }

// LastChangedTick returns the newest tick at which the stored value differed
// from its predecessor.
func (b *Buffer) LastChangedTick() types.Tick { return b.lastChangedTick }

// OldestTick returns the oldest retained tick, clamped to 1.
func (b *Buffer) OldestTick() types.Tick {
	oldest := b.lastTick - types.Tick(len(b.values)) + 1
	if oldest < 1 {
		oldest = 1
	}
	return oldest
}

// LastRollback returns the most recent rollback span, if any.
func (b *Buffer) LastRollback() Span { return b.lastRollback }

func (b *Buffer) idx(tick types.Tick) int {
	return int(tick % types.Tick(len(b.values)))
}

func (b *Buffer) at(tick types.Tick) types.Value {
	return b.values[b.idx(tick)]
}

// Write stores value at tick. The first write ever floods the whole buffer
// with the value. Writes older than the retained window are ignored. Historic
// writes overwrite in place and re-interpolate adjacent synthesized runs.
// Future writes gap-fill skipped ticks with the configured rule.
func (b *Buffer) Write(tick types.Tick, value types.Value) {
	if tick < 1 {
		return
	}
	if !b.written {
		b.writeFirst(tick, value)
		return
	}
	switch {
	case tick < b.OldestTick():
		// Too old to matter.
	case tick <= b.lastTick:
		b.overwrite(tick, value)
	default:
		b.append(tick, value)
	}
}

func (b *Buffer) writeFirst(tick types.Tick, value types.Value) {
	for i := range b.values {
		b.values[i] = value
		b.synth[i] = true
	}
	b.synth[b.idx(tick)] = false
	b.written = true
	b.lastTick = tick
	b.lastChangedTick = tick
}

func (b *Buffer) append(tick types.Tick, value types.Value) {
	prevTick := b.lastTick
	prevValue := b.at(prevTick)

	// Only retained slots need synthesizing; a write far in the future
	// rewrites the whole window.
	fillFrom := prevTick + 1
	if min := tick - types.Tick(len(b.values)) + 1; fillFrom < min {
		fillFrom = min
	}
	for t := fillFrom; t < tick; t++ {
		b.values[b.idx(t)] = b.gapFillValue(prevValue, prevTick, value, tick, float64(t))
		b.synth[b.idx(t)] = true
	}

	b.values[b.idx(tick)] = value
	b.synth[b.idx(tick)] = false
	b.lastTick = tick
	if !value.Equal(prevValue) {
		b.lastChangedTick = tick
	}
}

func (b *Buffer) overwrite(tick types.Tick, value types.Value) {
	old := b.at(tick)
	b.values[b.idx(tick)] = value
	b.synth[b.idx(tick)] = false

	// Gap-filled runs on either side were synthesized against the old
	// neighbours; re-interpolate them against the new real point so batched
	// out-of-order writes stay consistent on both sides.
	b.refillLeft(tick)
	b.refillRight(tick)

	if !old.Equal(value) || tick == b.lastChangedTick {
		b.lastChangedTick = b.recomputeLastChanged()
	}
}

// refillLeft re-interpolates the synthesized run immediately left of tick
// between the nearest directly-written point and tick's new value.
func (b *Buffer) refillLeft(tick types.Tick) {
	oldest := b.OldestTick()
	anchor := tick - 1
	for anchor >= oldest && b.synth[b.idx(anchor)] {
		anchor--
	}
	if anchor < oldest || anchor == tick-1 {
		// No real point on this side, or no synthesized run to repair.
		return
	}
	av := b.at(anchor)
	nv := b.at(tick)
	for t := anchor + 1; t < tick; t++ {
		b.values[b.idx(t)] = b.gapFillValue(av, anchor, nv, tick, float64(t))
	}
}

// refillRight mirrors refillLeft for the run immediately right of tick.
func (b *Buffer) refillRight(tick types.Tick) {
	anchor := tick + 1
	for anchor <= b.lastTick && b.synth[b.idx(anchor)] {
		anchor++
	}
	if anchor > b.lastTick || anchor == tick+1 {
		return
	}
	av := b.at(tick)
	nv := b.at(anchor)
	for t := tick + 1; t < anchor; t++ {
		b.values[b.idx(t)] = b.gapFillValue(av, tick, nv, anchor, float64(t))
	}
}

func (b *Buffer) recomputeLastChanged() types.Tick {
	oldest := b.OldestTick()
	for t := b.lastTick; t > oldest; t-- {
		if !b.at(t).Equal(b.at(t - 1)) {
			return t
		}
	}
	return oldest
}

// Read samples the buffer at a possibly fractional tick. Reads past the
// newest stored tick extrapolate with the gap-fill rule, clamped to
// lastTick+MaxExtrapolation. Reads before the oldest retained tick clamp to
// the oldest. Integer ticks inside the window return the stored value
// exactly, never a blend.
func (b *Buffer) Read(tick float64) types.Value {
	if !b.written {
		return types.Value{}
	}

	last := float64(b.lastTick)
	if tick > last {
		return b.extrapolate(tick)
	}

	oldest := float64(b.OldestTick())
	if tick < oldest {
		tick = oldest
	}

	floor := types.Tick(math.Floor(tick))
	frac := tick - float64(floor)
	if frac == 0 || b.cfg.Intra == InterpNone {
		return b.at(floor)
	}

	left := b.at(floor)
	right := b.at(floor + 1)
	return left.Lerp(right, frac)
}

func (b *Buffer) extrapolate(tick float64) types.Value {
	horizon := float64(b.lastTick + b.cfg.MaxExtrapolation)
	if tick > horizon {
		tick = horizon
	}

	last := b.at(b.lastTick)
	if b.cfg.GapFill == InterpNone {
		return last
	}

	prevTick := b.lastTick - 1
	if prevTick < b.OldestTick() {
		return last
	}
	prev := b.at(prevTick)
	// Affine projection through the last two stored points.
	step := last.Sub(prev)
	return last.Add(step.Scale(tick - float64(b.lastTick)))
}

// ValueAt returns the stored value at an integer tick, clamped to the
// retained range.
func (b *Buffer) ValueAt(tick types.Tick) types.Value {
	if !b.written {
		return types.Value{}
	}
	if tick > b.lastTick {
		tick = b.lastTick
	}
	if oldest := b.OldestTick(); tick < oldest {
		tick = oldest
	}
	return b.at(tick)
}

// Rollback discards history strictly after to, replacing it with a plateau of
// the value at to. The discarded span is recorded for smoothing decisions.
// Rolling back to the same tick twice is a no-op the second time.
func (b *Buffer) Rollback(to types.Tick) {
	if !b.written || to >= b.lastTick {
		return
	}
	if oldest := b.OldestTick(); to < oldest {
		to = oldest
	}

	plateau := b.at(to)
	changed := false
	for t := to + 1; t <= b.lastTick; t++ {
		if !b.at(t).Equal(plateau) {
			changed = true
		}
		b.values[b.idx(t)] = plateau
		b.synth[b.idx(t)] = true
	}
	if !changed {
		// Already rolled back to this point; keep the original span.
		return
	}

	b.lastRollback = Span{From: to, To: b.lastTick}
	if b.lastChangedTick > to {
		b.lastChangedTick = b.recomputeLastChanged()
	}
}

// Offset shifts every stored value from tick from through the newest tick by
// delta. Reconciliation applies the prediction error this way instead of
// re-simulating.
func (b *Buffer) Offset(from types.Tick, delta types.Value) {
	if !b.written {
		return
	}
	if oldest := b.OldestTick(); from < oldest {
		from = oldest
	}
	for t := from; t <= b.lastTick; t++ {
		b.values[b.idx(t)] = b.at(t).Add(delta)
	}
}

// Changed reports whether the value differs anywhere in (old, new]. It is
// approximated through the tracked last-changed tick: a value that changes
// and then changes back inside the window is not detected. That imprecision
// is part of the documented contract the staleness logic depends on; keep it.
func (b *Buffer) Changed(old, new types.Tick) bool {
	if !b.written {
		return false
	}
	if new > b.lastTick {
		new = b.lastTick
	}
	return b.lastChangedTick > old && b.lastChangedTick <= new
}

func (b *Buffer) gapFillValue(a types.Value, at types.Tick, z types.Value, zt types.Tick, tick float64) types.Value {
	if b.cfg.GapFill == InterpNone || zt == at {
		return a
	}
	t := (tick - float64(at)) / float64(zt-at)
	return a.Lerp(z, t)
}
