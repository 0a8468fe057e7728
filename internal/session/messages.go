// Package session runs the fixed-step loops on both ends of the wire: the
// authoritative server loop that consumes peer input, steps the simulation,
// and fans out state frames, and the client loop that samples input, applies
// frames, and keeps its clock converged on the server's.
package session

import (
	"time"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

func encodeClockReport(tick types.Tick) []byte {
	return wire.AppendInt(nil, int64(tick))
}

func decodeClockReport(payload []byte) (types.Tick, error) {
	d := wire.NewDecoder(payload)
	tick := types.Tick(d.Int())
	return tick, d.Err()
}

func encodeTimestamp(at time.Time) []byte {
	return wire.AppendInt(nil, at.UnixNano())
}

func decodeTimestamp(payload []byte) (time.Time, error) {
	d := wire.NewDecoder(payload)
	nanos := d.Int()
	if err := d.Err(); err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, nanos), nil
}
