package types

import (
	"fmt"
	"math"
)

// PeerID identifies a network peer. Peer 0 is the synthetic local peer and
// always exists; positive ids are assigned by the transport on connect.
type PeerID int32

// LocalPeer is the id of the synthetic local peer.
const LocalPeer PeerID = 0

// Tick is one discrete step of the authoritative simulation clock. The
// server's tick is ground truth; clients keep a corrected local estimate.
type Tick int64

// InputID is one discrete step of a peer's local input sampling clock. Every
// peer increments its own counter independently of the shared tick.
type InputID int64

// EntityID names a synchronized game object within a session.
type EntityID string

// SessionID identifies a running simulation session across the journal,
// snapshot storage, and the presence roster.
type SessionID string

// Value is a small fixed-dimension float vector: scalars, 2D and 3D vectors
// are the only shapes the sync layer historizes. The zero Value has dimension
// zero and is the neutral element for every interpolation rule.
type Value struct {
	comps [3]float64
	dim   uint8
}

// Scalar wraps a single float into a Value.
func Scalar(v float64) Value {
	return Value{comps: [3]float64{v, 0, 0}, dim: 1}
}

// Vec2 builds a two-component Value.
func Vec2(x, y float64) Value {
	return Value{comps: [3]float64{x, y, 0}, dim: 2}
}

// Vec3 builds a three-component Value.
func Vec3(x, y, z float64) Value {
	return Value{comps: [3]float64{x, y, z}, dim: 3}
}

// FromComponents rebuilds a Value from a decoded component slice.
func FromComponents(comps []float64) Value {
	var v Value
	if len(comps) > 3 {
		comps = comps[:3]
	}
	copy(v.comps[:], comps)
	v.dim = uint8(len(comps))
	return v
}

// Dim returns the number of components.
func (v Value) Dim() int { return int(v.dim) }

// IsZero reports whether the value is the zero Value.
func (v Value) IsZero() bool { return v.dim == 0 }

// Scalar returns the first component.
func (v Value) Scalar() float64 { return v.comps[0] }

// X returns the first component.
func (v Value) X() float64 { return v.comps[0] }

// Y returns the second component.
func (v Value) Y() float64 { return v.comps[1] }

// Z returns the third component.
func (v Value) Z() float64 { return v.comps[2] }

// Components returns the populated components as a slice.
func (v Value) Components() []float64 {
	out := make([]float64, v.dim)
	copy(out, v.comps[:v.dim])
	return out
}

// Equal reports exact component-wise equality. Change tracking relies on
// exact comparison; callers that need tolerance compare distances themselves.
func (v Value) Equal(other Value) bool {
	return v.dim == other.dim && v.comps == other.comps
}

// Lerp blends toward other by t component-wise. The dimension follows the
// receiver.
func (v Value) Lerp(other Value, t float64) Value {
	out := v
	for i := 0; i < int(v.dim); i++ {
		out.comps[i] = v.comps[i] + (other.comps[i]-v.comps[i])*t
	}
	return out
}

// Add returns the component-wise sum.
func (v Value) Add(other Value) Value {
	out := v
	for i := 0; i < int(v.dim); i++ {
		out.comps[i] += other.comps[i]
	}
	return out
}

// Sub returns the component-wise difference.
func (v Value) Sub(other Value) Value {
	out := v
	for i := 0; i < int(v.dim); i++ {
		out.comps[i] -= other.comps[i]
	}
	return out
}

// Scale multiplies every component by f.
func (v Value) Scale(f float64) Value {
	out := v
	for i := 0; i < int(v.dim); i++ {
		out.comps[i] *= f
	}
	return out
}

// DistanceSquared returns the squared euclidean distance to other.
func (v Value) DistanceSquared(other Value) float64 {
	var sum float64
	for i := 0; i < 3; i++ {
		d := v.comps[i] - other.comps[i]
		sum += d * d
	}
	return sum
}

// Length returns the euclidean norm.
func (v Value) Length() float64 {
	return math.Sqrt(v.comps[0]*v.comps[0] + v.comps[1]*v.comps[1] + v.comps[2]*v.comps[2])
}

// String formats the value for logs.
func (v Value) String() string {
	switch v.dim {
	case 0:
		return "()"
	case 1:
		return fmt.Sprintf("(%g)", v.comps[0])
	case 2:
		return fmt.Sprintf("(%g, %g)", v.comps[0], v.comps[1])
	default:
		return fmt.Sprintf("(%g, %g, %g)", v.comps[0], v.comps[1], v.comps[2])
	}
}
