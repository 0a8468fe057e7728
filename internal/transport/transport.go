// Package transport carries sync traffic between the server and its peers
// over WebSocket. Two logical channels share one socket: reliable messages
// are never dropped and close the connection on sustained backpressure,
// unreliable messages are shed when the send queue is full and are the only
// ones eligible for fault injection in test rigs.
package transport

import (
	"fmt"

	"github.com/example/tick-sync-engine/internal/types"
	"github.com/example/tick-sync-engine/internal/wire"
)

// Channel identifies the delivery guarantee a message was sent under.
type Channel uint8

const (
	ChannelReliable Channel = iota
	ChannelUnreliable
)

func (c Channel) String() string {
	if c == ChannelReliable {
		return "reliable"
	}
	return "unreliable"
}

// Kind discriminates message payloads.
type Kind uint8

const (
	// KindHello is the first message on a new connection, server to client,
	// assigning the peer id.
	KindHello Kind = iota + 1
	// KindClockReport announces the server's current tick; clients feed it
	// to their clock sequencer.
	KindClockReport
	// KindStateFrame carries one entity state frame.
	KindStateFrame
	// KindInputBatch carries a redundant batch of input frames, client to
	// server.
	KindInputBatch
	// KindTimePing and KindTimePong measure round-trip time at the
	// application layer.
	KindTimePing
	KindTimePong
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindClockReport:
		return "clock_report"
	case KindStateFrame:
		return "state_frame"
	case KindInputBatch:
		return "input_batch"
	case KindTimePing:
		return "time_ping"
	case KindTimePong:
		return "time_pong"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Message is one envelope on the wire. Entity is set for state frames only.
type Message struct {
	Kind    Kind
	Channel Channel
	Entity  types.EntityID
	Payload []byte
}

// Inbound pairs a decoded message with the peer it came from.
type Inbound struct {
	Peer types.PeerID
	Msg  Message
}

// PeerEvent reports a peer joining or leaving the gateway.
type PeerEvent struct {
	Peer   types.PeerID
	Joined bool
}

// Sender is the outbound half of a transport, as consumed by session logic.
type Sender interface {
	SendReliable(peer types.PeerID, m Message) error
	SendUnreliable(peer types.PeerID, m Message) error
	ConnectedPeers() []types.PeerID
}

// Encode packs a message envelope.
func Encode(m Message) []byte {
	buf := wire.AppendUint(nil, uint64(m.Kind))
	buf = wire.AppendUint(buf, uint64(m.Channel))
	buf = wire.AppendBytes(buf, []byte(m.Entity))
	buf = append(buf, m.Payload...)
	return buf
}

// Decode unpacks a message envelope. The payload aliases buf.
func Decode(buf []byte) (Message, error) {
	d := wire.NewDecoder(buf)
	m := Message{
		Kind:    Kind(d.Uint()),
		Channel: Channel(d.Uint()),
	}
	if entity := d.Bytes(); len(entity) > 0 {
		m.Entity = types.EntityID(entity)
	}
	if err := d.Err(); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if m.Kind < KindHello || m.Kind > KindTimePong {
		return Message{}, fmt.Errorf("decode envelope: unknown kind %d", m.Kind)
	}
	if m.Channel > ChannelUnreliable {
		return Message{}, fmt.Errorf("decode envelope: unknown channel %d", m.Channel)
	}
	if d.Remaining() > 0 {
		m.Payload = buf[len(buf)-d.Remaining():]
	}
	return m, nil
}
