package demo

import (
	"io"
	"math"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/input"
	"github.com/example/tick-sync-engine/internal/types"
)

func newTestWorld(t *testing.T, slots int) *World {
	t.Helper()
	w, err := NewWorld(Config{Slots: slots}, zerolog.New(io.Discard))
	if err != nil {
		t.Fatalf("NewWorld: %v", err)
	}
	return w
}

func TestTableActions(t *testing.T) {
	table, err := Table()
	if err != nil {
		t.Fatalf("Table: %v", err)
	}
	if table.Len() != 3 {
		t.Fatalf("table has %d actions, want 3", table.Len())
	}

	frame := input.Frame{0.5, -1, 1}
	if got := MoveX(frame); got != 0.5 {
		t.Errorf("MoveX = %v, want 0.5", got)
	}
	if got := MoveY(frame); got != -1 {
		t.Errorf("MoveY = %v, want -1", got)
	}
	if !Fire(frame) {
		t.Error("Fire = false, want true")
	}
	if Fire(input.Frame{1, 1, 0}) {
		t.Error("Fire = true for released trigger")
	}
}

func TestAssignSlotConvention(t *testing.T) {
	w := newTestWorld(t, 4)

	id, ok := w.AssignSlot(2)
	if !ok || id != "tank-01" {
		t.Fatalf("AssignSlot(2) = %q, %v; want tank-01", id, ok)
	}
	id, ok = w.AssignSlot(3)
	if !ok || id != "tank-02" {
		t.Fatalf("AssignSlot(3) = %q, %v; want tank-02", id, ok)
	}

	// Peer 6 maps to the occupied first slot and must fall back to the
	// first free one.
	id, ok = w.AssignSlot(6)
	if !ok || id != "tank-03" {
		t.Fatalf("AssignSlot(6) = %q, %v; want tank-03", id, ok)
	}

	tank, ok := w.TankFor(3)
	if !ok || tank.ID() != "tank-02" {
		t.Fatalf("TankFor(3) = %v, %v", tank, ok)
	}
}

func TestStepMovesTankFromInput(t *testing.T) {
	w := newTestWorld(t, 2)
	if _, ok := w.AssignSlot(2); !ok {
		t.Fatal("no slot for peer 2")
	}

	w.Step(StepContext{
		Tick: 1,
		Consumed: func(peer types.PeerID) (input.Frame, bool) {
			if peer == 2 {
				return input.Frame{1, 0, 0}, true
			}
			return nil, false
		},
		Stale: func(types.PeerID) bool { return false },
	})

	pos := w.Object("tank-01").WorldPosition()
	want := types.Vec2(spawnRadius+MoveSpeed, 0)
	if math.Abs(pos.X()-want.X()) > 1e-9 || math.Abs(pos.Y()-want.Y()) > 1e-9 {
		t.Errorf("tank position = %v, want %v", pos, want)
	}
}

func TestStepNormalizesDiagonalInput(t *testing.T) {
	w := newTestWorld(t, 1)
	w.AssignSlot(2)
	start := w.Object("tank-01").WorldPosition()

	w.Step(StepContext{
		Tick: 1,
		Consumed: func(types.PeerID) (input.Frame, bool) {
			return input.Frame{1, 1, 0}, true
		},
		Stale: func(types.PeerID) bool { return false },
	})

	moved := w.Object("tank-01").WorldPosition().Sub(start)
	if d := math.Abs(moved.Length() - MoveSpeed); d > 1e-9 {
		t.Errorf("diagonal displacement = %v, want %v", moved.Length(), MoveSpeed)
	}
}

func TestPlatformOscillates(t *testing.T) {
	w := newTestWorld(t, 1)

	w.Step(StepContext{Tick: 60, Consumed: func(types.PeerID) (input.Frame, bool) { return nil, false }})

	pos := w.Object("platform").WorldPosition()
	if math.Abs(pos.X()-platformAmplitude) > 1e-9 {
		t.Errorf("platform x = %v, want %v at quarter period", pos.X(), platformAmplitude)
	}
	if vel := w.Object("platform").Get("vel"); math.Abs(vel.X()) > 1e-9 {
		t.Errorf("platform velocity x = %v, want 0 at peak", vel.X())
	}
}

func TestShotUsesRewoundTargetPosition(t *testing.T) {
	w := newTestWorld(t, 2)
	w.AssignSlot(2)
	w.AssignSlot(3)

	shooter := w.Object("tank-01")
	shooter.Set("pos", types.Vec2(0, 0))

	// The target stood in range at tick 1 and had fled far away by tick 5.
	target := w.Tanks[1]
	if err := target.Write("pos", 1, types.Vec2(2, 0)); err != nil {
		t.Fatalf("seed target history: %v", err)
	}
	if err := target.Write("pos", 5, types.Vec2(50, 0)); err != nil {
		t.Fatalf("seed target history: %v", err)
	}
	w.Object("tank-02").Set("pos", types.Vec2(50, 0))

	fireFrom2 := func(peer types.PeerID) (input.Frame, bool) {
		if peer == 2 {
			return input.Frame{0, 0, 1}, true
		}
		return input.Frame{0, 0, 0}, true
	}

	// With zero depth the wrapper sits on the current position and the shot
	// misses.
	w.Step(StepContext{
		Tick:     5,
		Consumed: fireFrom2,
		Stale:    func(types.PeerID) bool { return false },
		Depth:    func(types.Value) float64 { return 0 },
	})
	if hp := w.Object("tank-02").Get("hp").Scalar(); hp != MaxHP {
		t.Fatalf("hp after miss = %v, want %v", hp, MaxHP)
	}

	// With a five tick depth the compensator offsets the wrapper to the
	// tick 1 position and the shot lands.
	w.Step(StepContext{
		Tick:     6,
		Consumed: fireFrom2,
		Stale:    func(types.PeerID) bool { return false },
		Depth:    func(types.Value) float64 { return 5 },
	})
	want := MaxHP - FireDamage + RegenPerTick
	if hp := w.Object("tank-02").Get("hp").Scalar(); math.Abs(hp-want) > 1e-9 {
		t.Errorf("hp after rewound hit = %v, want %v", hp, want)
	}
}

func TestStaleInputNeverFires(t *testing.T) {
	w := newTestWorld(t, 2)
	w.AssignSlot(2)
	w.AssignSlot(3)

	w.Object("tank-01").Set("pos", types.Vec2(0, 0))
	w.Object("tank-02").Set("pos", types.Vec2(1, 0))
	if err := w.Tanks[1].Write("pos", 1, types.Vec2(1, 0)); err != nil {
		t.Fatal(err)
	}

	w.Step(StepContext{
		Tick: 1,
		Consumed: func(types.PeerID) (input.Frame, bool) {
			return input.Frame{0, 0, 1}, true
		},
		Stale: func(types.PeerID) bool { return true },
		Depth: func(types.Value) float64 { return 0 },
	})

	if hp := w.Object("tank-02").Get("hp").Scalar(); hp != MaxHP {
		t.Errorf("hp = %v, want %v; stale input must not fire", hp, MaxHP)
	}
}
