// Package demo is the reference arena both binaries share: a server-driven
// moving platform plus a fixed set of peer-drivable tank slots. Server and
// client must construct the world identically, since entity registration
// order fixes the wire layout of client-owned value blocks.
package demo

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/entity"
	"github.com/example/tick-sync-engine/internal/history"
	"github.com/example/tick-sync-engine/internal/input"
	"github.com/example/tick-sync-engine/internal/types"
)

const (
	actionMoveX = "move_x"
	actionMoveY = "move_y"
	actionFire  = "fire"

	// MoveSpeed is the tank displacement per tick at full stick deflection.
	MoveSpeed = 0.25
	// FireRange is the shot hit radius, in world units.
	FireRange = 3.0
	// FireDamage is the hp removed per landed shot.
	FireDamage = 10.0
	// MaxHP caps tank health; regeneration stops here.
	MaxHP = 100.0
	// RegenPerTick is the passive hp recovery rate.
	RegenPerTick = 0.05

	platformPeriod    = 240.0
	platformAmplitude = 5.0
	spawnRadius       = 10.0
)

// Table builds the arena sendtable. Both ends must use it verbatim.
func Table() (*input.Sendtable, error) {
	return input.NewSendtable(
		input.Action{Name: actionMoveX, Analog: true},
		input.Action{Name: actionMoveY, Analog: true},
		input.Action{Name: actionFire},
	)
}

// MoveX extracts the horizontal stick deflection from a frame.
func MoveX(f input.Frame) float64 {
	if len(f) < 1 {
		return 0
	}
	return f[0]
}

// MoveY extracts the vertical stick deflection from a frame.
func MoveY(f input.Frame) float64 {
	if len(f) < 2 {
		return 0
	}
	return f[1]
}

// Fire reports whether the fire action is held in a frame.
func Fire(f input.Frame) bool { return len(f) >= 3 && f[2] != 0 }

// Object is a minimal standalone game object for rigs that run without an
// engine. It satisfies entity.GameObject.
type Object struct {
	pos    types.Value
	rot    types.Value
	offPos types.Value
	offRot types.Value
	fields map[string]types.Value
}

// NewObject places an object at pos.
func NewObject(pos types.Value) *Object {
	return &Object{pos: pos, fields: make(map[string]types.Value)}
}

// WorldPosition returns the authoritative transform position.
func (o *Object) WorldPosition() types.Value { return o.pos }

// WorldRotation returns the authoritative transform rotation.
func (o *Object) WorldRotation() types.Value { return o.rot }

// Get reads a named field; "pos" and "rot" alias the transform.
func (o *Object) Get(field string) types.Value {
	switch field {
	case "pos":
		return o.pos
	case "rot":
		return o.rot
	default:
		return o.fields[field]
	}
}

// Set writes a named field; "pos" and "rot" alias the transform.
func (o *Object) Set(field string, value types.Value) {
	switch field {
	case "pos":
		o.pos = value
	case "rot":
		o.rot = value
	default:
		o.fields[field] = value
	}
}

// ApplyTransformOffset positions the hit-test wrapper relative to the
// authoritative transform.
func (o *Object) ApplyTransformOffset(position, rotation types.Value) {
	o.offPos = position
	o.offRot = rotation
}

// HitTestPosition is where lag compensation currently places the object.
func (o *Object) HitTestPosition() types.Value { return o.pos.Add(o.offPos) }

// Config sizes the demo world.
type Config struct {
	// Slots is the number of tank entities; one peer drives each.
	Slots            int
	DefaultCapacity  int
	StalenessDelay   types.Tick
	MaxExtrapolation types.Tick
}

// World holds the arena entity set in registration order.
type World struct {
	Platform *entity.SyncedEntity
	Tanks    []*entity.SyncedEntity

	cfg     Config
	logger  zerolog.Logger
	objects map[types.EntityID]*Object
	comps   map[types.EntityID]*entity.TimeDepthCompensator
}

// NewWorld constructs the arena. Every property is bound to a standalone
// Object so the same world serves both the authoritative loop (getters feed
// CaptureStep) and a client shadow (setters receive PublishStep).
func NewWorld(cfg Config, logger zerolog.Logger) (*World, error) {
	if cfg.Slots <= 0 {
		cfg.Slots = 8
	}

	w := &World{
		cfg:     cfg,
		logger:  logger,
		objects: make(map[types.EntityID]*Object),
		comps:   make(map[types.EntityID]*entity.TimeDepthCompensator),
	}

	ecfg := entity.Config{
		DefaultCapacity: cfg.DefaultCapacity,
		StalenessDelay:  cfg.StalenessDelay,
	}

	platform, err := entity.NewBuilder("platform", ecfg).
		Property("pos", entity.PropertyConfig{
			Strategy:      entity.StrategyAuto,
			Interpolation: history.InterpLinear,
			GapFill:       history.InterpLinear,
		}).
		Property("vel", entity.PropertyConfig{
			Strategy: entity.StrategyNoSync,
		}).
		Build(logger)
	if err != nil {
		return nil, fmt.Errorf("demo: build platform: %w", err)
	}
	pobj := NewObject(types.Vec2(0, 0))
	platform.Attach(pobj)
	w.objects[platform.ID()] = pobj
	if err := platform.BindAutoSync("pos",
		func() types.Value { return pobj.Get("pos") },
		func(v types.Value) { pobj.Set("pos", v) },
	); err != nil {
		return nil, err
	}
	if err := platform.BindAutoSync("vel",
		func() types.Value { return pobj.Get("vel") },
		nil,
	); err != nil {
		return nil, err
	}
	w.Platform = platform

	for i := 0; i < cfg.Slots; i++ {
		id := types.EntityID(fmt.Sprintf("tank-%02d", i+1))
		tank, err := entity.NewBuilder(id, ecfg).
			Property("pos", entity.PropertyConfig{
				Strategy:         entity.StrategyUnreliable,
				Interpolation:    history.InterpLinear,
				GapFill:          history.InterpLinear,
				MaxExtrapolation: cfg.MaxExtrapolation,
			}).
			Property("hp", entity.PropertyConfig{
				Strategy: entity.StrategyAuto,
			}).
			Property("aim", entity.PropertyConfig{
				Strategy:      entity.StrategyClientOwned,
				Interpolation: history.InterpLinear,
			}).
			Build(logger)
		if err != nil {
			return nil, fmt.Errorf("demo: build %s: %w", id, err)
		}

		angle := 2 * math.Pi * float64(i) / float64(cfg.Slots)
		obj := NewObject(types.Vec2(spawnRadius*math.Cos(angle), spawnRadius*math.Sin(angle)))
		obj.Set("hp", types.Scalar(MaxHP))
		tank.Attach(obj)
		w.objects[id] = obj

		if err := tank.BindAutoSync("pos",
			func() types.Value { return obj.Get("pos") },
			func(v types.Value) { obj.Set("pos", v) },
		); err != nil {
			return nil, err
		}
		if err := tank.BindAutoSync("hp",
			func() types.Value { return obj.Get("hp") },
			func(v types.Value) { obj.Set("hp", v) },
		); err != nil {
			return nil, err
		}
		// Aim is fed by the owner's input batches on the server side, so it
		// has no capture getter anywhere.
		if err := tank.BindAutoSync("aim",
			nil,
			func(v types.Value) { obj.Set("aim", v) },
		); err != nil {
			return nil, err
		}

		comp, err := entity.NewTimeDepthCompensator(tank, "pos", "")
		if err != nil {
			return nil, fmt.Errorf("demo: compensator for %s: %w", id, err)
		}
		w.comps[id] = comp

		w.Tanks = append(w.Tanks, tank)
	}

	return w, nil
}

// Entities returns every entity in registration order: platform first, then
// the tank slots.
func (w *World) Entities() []*entity.SyncedEntity {
	out := make([]*entity.SyncedEntity, 0, 1+len(w.Tanks))
	out = append(out, w.Platform)
	out = append(out, w.Tanks...)
	return out
}

// Object returns the standalone object backing an entity.
func (w *World) Object(id types.EntityID) *Object { return w.objects[id] }

// SlotForPeer is the slot convention shared by both ends: transport peer
// ids start at 2, so peer n maps to tank (n-2) mod slots. A client claims
// its own tank with this, without any ownership handshake.
func (w *World) SlotForPeer(peer types.PeerID) (*entity.SyncedEntity, bool) {
	if peer < 2 || len(w.Tanks) == 0 {
		return nil, false
	}
	return w.Tanks[int(peer-2)%len(w.Tanks)], true
}

// AssignSlot hands a tank to a joining peer: the conventional slot when it
// is free, otherwise the first free one.
func (w *World) AssignSlot(peer types.PeerID) (types.EntityID, bool) {
	if tank, ok := w.SlotForPeer(peer); ok && tank.BelongsTo() == types.LocalPeer {
		tank.SetBelongsTo(peer)
		w.logger.Info().Int32("peer", int32(peer)).Str("entity", string(tank.ID())).Msg("tank slot assigned")
		return tank.ID(), true
	}
	for _, tank := range w.Tanks {
		if tank.BelongsTo() == types.LocalPeer {
			tank.SetBelongsTo(peer)
			w.logger.Info().Int32("peer", int32(peer)).Str("entity", string(tank.ID())).Msg("tank slot assigned")
			return tank.ID(), true
		}
	}
	return "", false
}

// TankFor resolves the tank a peer currently drives.
func (w *World) TankFor(peer types.PeerID) (*entity.SyncedEntity, bool) {
	for _, tank := range w.Tanks {
		if tank.BelongsTo() == peer {
			return tank, true
		}
	}
	return nil, false
}

// StepContext carries the per-tick collaborators the simulation needs from
// the session.
type StepContext struct {
	Tick types.Tick
	// Consumed returns the input frame consumed for a peer this tick.
	Consumed func(types.PeerID) (input.Frame, bool)
	// Stale reports whether the peer's input is a neutral substitute.
	Stale func(types.PeerID) bool
	// Depth returns the lag-compensation rewind in ticks for a shot fired
	// from pos.
	Depth func(pos types.Value) float64
}

// Step advances the authoritative simulation by one tick. Called from the
// server session's step hook, before entity state is captured. Order within
// the step: movement, then compensation offsets, then hit resolution against
// the offset wrappers, then regeneration.
func (w *World) Step(sc StepContext) {
	w.stepPlatform(sc.Tick)

	for _, tank := range w.Tanks {
		peer := tank.BelongsTo()
		if peer == types.LocalPeer {
			continue
		}
		frame, ok := sc.Consumed(peer)
		if !ok {
			continue
		}
		obj := w.objects[tank.ID()]
		move := types.Vec2(MoveX(frame), MoveY(frame))
		if l := move.Length(); l > 1 {
			move = move.Scale(1 / l)
		}
		obj.Set("pos", obj.WorldPosition().Add(move.Scale(MoveSpeed)))
	}

	for _, tank := range w.Tanks {
		if tank.BelongsTo() == types.LocalPeer {
			continue
		}
		var depth float64
		if sc.Depth != nil {
			depth = sc.Depth(w.objects[tank.ID()].WorldPosition())
		}
		w.comps[tank.ID()].Step(sc.Tick, depth)
	}

	for _, tank := range w.Tanks {
		peer := tank.BelongsTo()
		if peer == types.LocalPeer {
			continue
		}
		frame, ok := sc.Consumed(peer)
		if !ok || !Fire(frame) {
			continue
		}
		if sc.Stale != nil && sc.Stale(peer) {
			continue
		}
		w.resolveShot(tank, w.objects[tank.ID()].WorldPosition())
	}

	for _, tank := range w.Tanks {
		obj := w.objects[tank.ID()]
		if hp := obj.Get("hp").Scalar(); hp > 0 && hp < MaxHP {
			hp += RegenPerTick
			if hp > MaxHP {
				hp = MaxHP
			}
			obj.Set("hp", types.Scalar(hp))
		}
	}
}

func (w *World) stepPlatform(tick types.Tick) {
	phase := 2 * math.Pi * float64(tick) / platformPeriod
	obj := w.objects[w.Platform.ID()]
	obj.Set("pos", types.Vec2(platformAmplitude*math.Sin(phase), 0))
	obj.Set("vel", types.Vec2(platformAmplitude*math.Cos(phase)*2*math.Pi/platformPeriod, 0))
}

// resolveShot performs a lag-compensated hit test: each target is evaluated
// at its hit-test wrapper, which the compensator has already offset into the
// past as the shooter's observers perceive it, not where the server sees it
// now.
func (w *World) resolveShot(shooter *entity.SyncedEntity, from types.Value) {
	for _, target := range w.Tanks {
		if target == shooter || target.BelongsTo() == types.LocalPeer {
			continue
		}
		obj := w.objects[target.ID()]
		at := obj.HitTestPosition()
		if from.DistanceSquared(at) > FireRange*FireRange {
			continue
		}
		hp := obj.Get("hp").Scalar() - FireDamage
		if hp < 0 {
			hp = 0
		}
		obj.Set("hp", types.Scalar(hp))
		w.logger.Debug().
			Str("shooter", string(shooter.ID())).
			Str("target", string(target.ID())).
			Float64("depth", w.comps[target.ID()].Depth()).
			Float64("hp", hp).
			Msg("shot landed")
	}
}
