package entity

import (
	"fmt"

	"github.com/example/tick-sync-engine/internal/types"
)

// TimeDepthCompensator re-projects an entity's historized transform into the
// past as perceived by a remote observer. Instead of saving and restoring
// full world state around every hit test, the difference between the current
// and the time-depth transform is applied once per step as an offset to the
// object's hit-test wrapper and left in place; the authoritative record at
// the current tick is untouched.
type TimeDepthCompensator struct {
	entity   *SyncedEntity
	position string
	rotation string

	depth     float64
	offsetPos types.Value
	offsetRot types.Value
}

// NewTimeDepthCompensator binds the compensator to the entity's position and
// rotation properties. rotation may be empty for entities without one.
func NewTimeDepthCompensator(e *SyncedEntity, position, rotation string) (*TimeDepthCompensator, error) {
	if _, err := e.prop(position); err != nil {
		return nil, err
	}
	if rotation != "" {
		if _, err := e.prop(rotation); err != nil {
			return nil, err
		}
	}
	if e.obj == nil {
		return nil, fmt.Errorf("entity %s: compensator requires an attached game object", e.id)
	}
	return &TimeDepthCompensator{entity: e, position: position, rotation: rotation}, nil
}

// Depth returns the depth applied by the last Step.
func (c *TimeDepthCompensator) Depth() float64 { return c.depth }

// Offsets returns the transform offsets applied by the last Step.
func (c *TimeDepthCompensator) Offsets() (position, rotation types.Value) {
	return c.offsetPos, c.offsetRot
}

// Step recomputes the compensation offset for the given depth in ticks and
// applies it to the game object's wrapper. Called once per fixed step on the
// server for entities flagged for lag compensation.
func (c *TimeDepthCompensator) Step(currentTick types.Tick, depth float64) {
	c.depth = depth

	current := float64(currentTick)
	past := current - depth
	if past < 1 {
		past = 1
	}

	posNow, _ := c.entity.Read(c.position, current)
	posThen, _ := c.entity.Read(c.position, past)
	c.offsetPos = posThen.Sub(posNow)

	c.offsetRot = types.Value{}
	if c.rotation != "" {
		rotNow, _ := c.entity.Read(c.rotation, current)
		rotThen, _ := c.entity.Read(c.rotation, past)
		c.offsetRot = rotThen.Sub(rotNow)
	}

	c.entity.obj.ApplyTransformOffset(c.offsetPos, c.offsetRot)
}
