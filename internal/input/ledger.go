// Package input implements the per-peer input ledger: sampling of local
// input actions into per-tick frames, redundant batch transmission, and
// server-side consumption with bounded replay of missing frames.
package input

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
)

// Action declares one input action in the sendtable. Boolean actions carry
// 0/1 values; analog actions carry raw strengths.
type Action struct {
	Name   string
	Analog bool
}

// Sendtable is the fixed, ordered action list shared by every peer of a
// build. Frame encoding refers to actions by their index here, so the table
// must be identical on both ends.
type Sendtable struct {
	actions []Action
	index   map[string]int
}

// NewSendtable builds a sendtable, rejecting duplicate action names.
func NewSendtable(actions ...Action) (*Sendtable, error) {
	index := make(map[string]int, len(actions))
	for i, a := range actions {
		if a.Name == "" {
			return nil, errors.New("input: empty action name")
		}
		if _, dup := index[a.Name]; dup {
			return nil, fmt.Errorf("input: duplicate action %q", a.Name)
		}
		index[a.Name] = i
	}
	return &Sendtable{actions: append([]Action(nil), actions...), index: index}, nil
}

// Len returns the number of actions.
func (t *Sendtable) Len() int { return len(t.actions) }

// ActionAt returns the action at index i.
func (t *Sendtable) ActionAt(i int) Action { return t.actions[i] }

// IndexOf resolves an action name to its sendtable position.
func (t *Sendtable) IndexOf(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

// Frame holds one sampled value per sendtable action.
type Frame []float64

// NeutralFrame returns the all-zero frame for the table.
func NeutralFrame(t *Sendtable) Frame {
	return make(Frame, t.Len())
}

// IsNeutral reports whether every action is at its default.
func (f Frame) IsNeutral() bool {
	for _, v := range f {
		if v != 0 {
			return false
		}
	}
	return true
}

// Clone copies the frame.
func (f Frame) Clone() Frame {
	out := make(Frame, len(f))
	copy(out, f)
	return out
}

// Source is the input collaborator: the engine-side accessor for raw action
// state on the local machine.
type Source interface {
	IsActionPressed(name string) bool
	ActionStrength(name string) float64
}

// Ledger stores input frames for one peer, keyed by input id. Peer 0 is the
// synthetic local peer whose ledger is fed by Sample; remote ledgers are fed
// by Absorb from parsed batches. Owned by the step loop.
type Ledger struct {
	peer   types.PeerID
	table  *Sendtable
	logger zerolog.Logger

	frames []Frame
	ids    []types.InputID

	lastInputID  types.InputID
	lastConsumed types.InputID

	predictionMaxFrames int
	replays             int
	stale               bool
}

// NewLedger creates a ledger retaining capacity frames.
func NewLedger(peer types.PeerID, table *Sendtable, capacity, predictionMaxFrames int, logger zerolog.Logger) *Ledger {
	if capacity < 1 {
		capacity = 64
	}
	if predictionMaxFrames < 0 {
		predictionMaxFrames = 0
	}
	return &Ledger{
		peer:                peer,
		table:               table,
		logger:              logger,
		frames:              make([]Frame, capacity),
		ids:                 make([]types.InputID, capacity),
		predictionMaxFrames: predictionMaxFrames,
	}
}

// Peer returns the owning peer id.
func (l *Ledger) Peer() types.PeerID { return l.peer }

// Table returns the sendtable the ledger encodes against.
func (l *Ledger) Table() *Sendtable { return l.table }

// LastInputID returns the newest stored input id.
func (l *Ledger) LastInputID() types.InputID { return l.lastInputID }

// LastConsumed returns the newest input id handed to the simulation.
func (l *Ledger) LastConsumed() types.InputID { return l.lastConsumed }

// Stale reports whether the last Consume exhausted the replay budget and
// substituted a neutral frame. Staleness suppresses prediction-error
// correction for the step, so transient gaps do not punish the player.
func (l *Ledger) Stale() bool { return l.stale }

func (l *Ledger) slot(id types.InputID) int {
	return int(id) % len(l.frames)
}

// Sample reads the current raw action values from the source and stores them
// at the given input id. Local peer only.
func (l *Ledger) Sample(src Source, id types.InputID) Frame {
	frame := NeutralFrame(l.table)
	for i, action := range l.table.actions {
		if action.Analog {
			frame[i] = src.ActionStrength(action.Name)
		} else if src.IsActionPressed(action.Name) {
			frame[i] = 1
		}
	}
	l.Store(id, frame)
	return frame
}

// Store places a frame at the given input id, dropping ids older than the
// retained window.
func (l *Ledger) Store(id types.InputID, frame Frame) {
	if id <= 0 {
		return
	}
	if l.lastInputID >= types.InputID(len(l.frames)) && id <= l.lastInputID-types.InputID(len(l.frames)) {
		return
	}
	l.frames[l.slot(id)] = frame
	l.ids[l.slot(id)] = id
	if id > l.lastInputID {
		l.lastInputID = id
	}
}

// Frame returns the stored frame for an input id, if retained.
func (l *Ledger) Frame(id types.InputID) (Frame, bool) {
	if id <= 0 || l.ids[l.slot(id)] != id || l.frames[l.slot(id)] == nil {
		return nil, false
	}
	return l.frames[l.slot(id)], true
}

// Consume hands the next input frame to the simulation, one per fixed step.
// A missing frame is bridged by replaying the last known frame up to the
// prediction budget; past that a neutral frame is substituted and the ledger
// flagged stale until real input arrives again.
func (l *Ledger) Consume() (Frame, types.InputID) {
	next := l.lastConsumed + 1
	if frame, ok := l.Frame(next); ok {
		l.lastConsumed = next
		l.replays = 0
		l.stale = false
		return frame, next
	}

	if l.replays < l.predictionMaxFrames {
		if frame, ok := l.Frame(l.lastConsumed); ok {
			l.replays++
			l.stale = false
			return frame, l.lastConsumed
		}
	}

	if !l.stale {
		l.logger.Debug().
			Int32("peer", int32(l.peer)).
			Int64("input", int64(next)).
			Msg("input replay budget exhausted; substituting neutral frame")
	}
	l.stale = true
	return NeutralFrame(l.table), l.lastConsumed
}

// Absorb stores every frame of a parsed batch. Frames already consumed are
// stored anyway; historic overwrites are harmless and keep the ledger dense
// for redundant retransmissions.
func (l *Ledger) Absorb(b Batch) {
	for i, frame := range b.Frames {
		l.Store(b.FirstInputID+types.InputID(i), frame)
	}
}

// CollectBatch assembles the newest count frames ending at the ledger's last
// input id, for redundant transmission. Missing frames inside the window are
// filled with neutral frames so the receiver's ids stay aligned.
func (l *Ledger) CollectBatch(count int, firstTick types.Tick) Batch {
	if count < 1 || l.lastInputID == 0 {
		return Batch{FirstTickEstimate: firstTick}
	}
	first := l.lastInputID - types.InputID(count) + 1
	if first < 1 {
		first = 1
	}

	frames := make([]Frame, 0, int(l.lastInputID-first)+1)
	for id := first; id <= l.lastInputID; id++ {
		if frame, ok := l.Frame(id); ok {
			frames = append(frames, frame)
		} else {
			frames = append(frames, NeutralFrame(l.table))
		}
	}
	return Batch{FirstInputID: first, FirstTickEstimate: firstTick, Frames: frames}
}
