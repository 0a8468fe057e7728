package input

import (
	"errors"
	"fmt"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

// Batch is the unit of input transmission: a run of consecutive frames
// starting at FirstInputID, plus the client's tick estimate for the first
// frame and any client-owned property blocks riding along.
type Batch struct {
	FirstInputID      types.InputID
	FirstTickEstimate types.Tick
	Frames            []Frame
	// ClientOwned carries, per frame, the values of properties populated
	// from peer input rather than server authority. Either empty or one
	// block per frame.
	ClientOwned [][]types.Value
}

// PackBatch encodes a batch against the sendtable. Only actions with a
// non-default value somewhere in the batch are transmitted, and trailing
// repeated values per action are omitted; the receiver reconstructs both
// from the shared sendtable order.
func PackBatch(table *Sendtable, b Batch) ([]byte, error) {
	if len(b.ClientOwned) != 0 && len(b.ClientOwned) != len(b.Frames) {
		return nil, errors.New("input: client-owned blocks must match frame count")
	}
	for _, frame := range b.Frames {
		if len(frame) != table.Len() {
			return nil, fmt.Errorf("input: frame width %d does not match sendtable %d", len(frame), table.Len())
		}
	}

	buf := wire.AppendInt(nil, int64(b.FirstInputID))
	buf = wire.AppendInt(buf, int64(b.FirstTickEstimate))
	buf = wire.AppendUint(buf, uint64(len(b.Frames)))

	var included []int
	for a := 0; a < table.Len(); a++ {
		for _, frame := range b.Frames {
			if frame[a] != 0 {
				included = append(included, a)
				break
			}
		}
	}

	buf = wire.AppendUint(buf, uint64(len(included)))
	for _, a := range included {
		buf = wire.AppendUint(buf, uint64(a))
	}

	for _, a := range included {
		// Trailing run of identical values collapses to its first element.
		explicit := len(b.Frames)
		for explicit > 1 && b.Frames[explicit-1][a] == b.Frames[explicit-2][a] {
			explicit--
		}
		buf = wire.AppendUint(buf, uint64(explicit))
		for i := 0; i < explicit; i++ {
			buf = wire.AppendFloat(buf, b.Frames[i][a])
		}
	}

	buf = wire.AppendUint(buf, uint64(len(b.ClientOwned)))
	for _, block := range b.ClientOwned {
		buf = wire.AppendUint(buf, uint64(len(block)))
		for _, v := range block {
			buf = wire.AppendValue(buf, v)
		}
	}

	return buf, nil
}

// ParseBatch decodes a batch produced by PackBatch with the same sendtable.
func ParseBatch(table *Sendtable, payload []byte) (Batch, error) {
	d := wire.NewDecoder(payload)

	b := Batch{
		FirstInputID:      types.InputID(d.Int()),
		FirstTickEstimate: types.Tick(d.Int()),
	}
	frameCount := int(d.Uint())
	if d.Err() != nil {
		return Batch{}, d.Err()
	}
	if frameCount > 4096 {
		return Batch{}, fmt.Errorf("input: implausible frame count %d", frameCount)
	}

	b.Frames = make([]Frame, frameCount)
	for i := range b.Frames {
		b.Frames[i] = NeutralFrame(table)
	}

	includedCount := int(d.Uint())
	included := make([]int, 0, includedCount)
	for i := 0; i < includedCount; i++ {
		a := int(d.Uint())
		if d.Err() != nil {
			return Batch{}, d.Err()
		}
		if a >= table.Len() {
			return Batch{}, fmt.Errorf("input: action index %d outside sendtable", a)
		}
		included = append(included, a)
	}

	for _, a := range included {
		explicit := int(d.Uint())
		if d.Err() != nil {
			return Batch{}, d.Err()
		}
		if explicit > frameCount {
			return Batch{}, fmt.Errorf("input: %d explicit values for %d frames", explicit, frameCount)
		}
		var last float64
		for i := 0; i < frameCount; i++ {
			if i < explicit {
				last = d.Float()
			}
			b.Frames[i][a] = last
		}
	}

	blockCount := int(d.Uint())
	if blockCount > 0 {
		if blockCount != frameCount {
			return Batch{}, errors.New("input: client-owned blocks must match frame count")
		}
		b.ClientOwned = make([][]types.Value, blockCount)
		for i := range b.ClientOwned {
			valueCount := int(d.Uint())
			if d.Err() != nil {
				return Batch{}, d.Err()
			}
			if valueCount > 256 {
				return Batch{}, fmt.Errorf("input: implausible value count %d", valueCount)
			}
			block := make([]types.Value, 0, valueCount)
			for v := 0; v < valueCount; v++ {
				block = append(block, d.Value())
			}
			b.ClientOwned[i] = block
		}
	}

	if err := d.Err(); err != nil {
		return Batch{}, err
	}
	return b, nil
}
