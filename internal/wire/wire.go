// Package wire provides the varint-based primitives shared by the state-frame
// and input-batch codecs. Frames must be bit-compatible between peers sharing
// a build, so everything routes through protobuf's wire-format helpers rather
// than ad hoc byte twiddling.
package wire

import (
	"errors"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/tick-sync-engine/internal/types"
)

// ErrTruncated is returned when a decoder runs past the end of the payload.
var ErrTruncated = errors.New("wire: truncated payload")

// ErrBadValue is returned when a Value field carries an impossible dimension.
var ErrBadValue = errors.New("wire: invalid value dimension")

// AppendUint appends an unsigned varint.
func AppendUint(buf []byte, v uint64) []byte {
	return protowire.AppendVarint(buf, v)
}

// AppendInt appends a zigzag-encoded signed varint. Ticks and input ids are
// non-negative in practice but deltas are not.
func AppendInt(buf []byte, v int64) []byte {
	return protowire.AppendVarint(buf, protowire.EncodeZigZag(v))
}

// AppendFloat appends a little-endian fixed64 float.
func AppendFloat(buf []byte, v float64) []byte {
	return protowire.AppendFixed64(buf, math.Float64bits(v))
}

// AppendBool appends a single-byte boolean varint.
func AppendBool(buf []byte, v bool) []byte {
	if v {
		return protowire.AppendVarint(buf, 1)
	}
	return protowire.AppendVarint(buf, 0)
}

// AppendValue appends a Value as a dimension tag followed by its components.
func AppendValue(buf []byte, v types.Value) []byte {
	buf = protowire.AppendVarint(buf, uint64(v.Dim()))
	for _, c := range v.Components() {
		buf = AppendFloat(buf, c)
	}
	return buf
}

// AppendBytes appends a length-prefixed byte block.
func AppendBytes(buf, block []byte) []byte {
	return protowire.AppendBytes(buf, block)
}

// Decoder consumes the primitives in order. The first failure sticks: every
// subsequent read returns the zero value and Err reports the cause.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder wraps a payload.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode failure, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining reports how many bytes are left unread.
func (d *Decoder) Remaining() int { return len(d.buf) }

// Uint consumes an unsigned varint.
func (d *Decoder) Uint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf)
	if n < 0 {
		d.err = ErrTruncated
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// Int consumes a zigzag-encoded signed varint.
func (d *Decoder) Int() int64 {
	return protowire.DecodeZigZag(d.Uint())
}

// Float consumes a fixed64 float.
func (d *Decoder) Float() float64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeFixed64(d.buf)
	if n < 0 {
		d.err = ErrTruncated
		return 0
	}
	d.buf = d.buf[n:]
	return math.Float64frombits(v)
}

// Bool consumes a boolean varint.
func (d *Decoder) Bool() bool {
	return d.Uint() != 0
}

// Value consumes a dimension tag and that many components.
func (d *Decoder) Value() types.Value {
	dim := d.Uint()
	if d.err != nil {
		return types.Value{}
	}
	if dim > 3 {
		d.err = ErrBadValue
		return types.Value{}
	}
	comps := make([]float64, 0, dim)
	for i := uint64(0); i < dim; i++ {
		comps = append(comps, d.Float())
	}
	if d.err != nil {
		return types.Value{}
	}
	return types.FromComponents(comps)
}

// Bytes consumes a length-prefixed block.
func (d *Decoder) Bytes() []byte {
	if d.err != nil {
		return nil
	}
	v, n := protowire.ConsumeBytes(d.buf)
	if n < 0 {
		d.err = ErrTruncated
		return nil
	}
	d.buf = d.buf[n:]
	return v
}
