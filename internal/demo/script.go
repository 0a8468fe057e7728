package demo

import (
	"math"
	"time"
)

// ScriptedSource is a deterministic-ish input source for rigs and load
// tests: the tank orbits the arena and fires in short bursts. Offset
// staggers the clients so they do not move in lockstep.
type ScriptedSource struct {
	Offset float64
}

func (s ScriptedSource) seconds() float64 {
	return float64(time.Now().UnixNano())/float64(time.Second) + s.Offset
}

// IsActionPressed implements input.Source.
func (s ScriptedSource) IsActionPressed(name string) bool {
	if name != actionFire {
		return false
	}
	return math.Mod(s.seconds(), 5) < 0.5
}

// ActionStrength implements input.Source.
func (s ScriptedSource) ActionStrength(name string) float64 {
	t := s.seconds()
	switch name {
	case actionMoveX:
		return math.Sin(t / 3)
	case actionMoveY:
		return math.Cos(t / 3)
	default:
		return 0
	}
}
