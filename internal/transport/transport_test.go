package transport

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	in := Message{
		Kind:    KindStateFrame,
		Channel: ChannelUnreliable,
		Entity:  "tank-1",
		Payload: []byte{0x01, 0x02, 0x03},
	}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatal(err)
	}
	if out.Kind != in.Kind || out.Channel != in.Channel || out.Entity != in.Entity {
		t.Fatalf("header mismatch: %+v", out)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload = %v", out.Payload)
	}
}

func TestEnvelopeEmptyPayload(t *testing.T) {
	out, err := Decode(Encode(Message{Kind: KindClockReport, Channel: ChannelUnreliable}))
	if err != nil {
		t.Fatal(err)
	}
	if out.Entity != "" || len(out.Payload) != 0 {
		t.Fatalf("decoded = %+v", out)
	}
}

func TestEnvelopeRejectsUnknownKind(t *testing.T) {
	if _, err := Decode([]byte{0x7f, 0x00, 0x00}); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if _, err := Decode(nil); err == nil {
		t.Fatal("expected error on empty buffer")
	}
}

func TestFaultQueuePassthroughWhenDisabled(t *testing.T) {
	var got []Inbound
	q := NewFaultQueue(FaultConfig{}, func(in Inbound) { got = append(got, in) })

	now := time.Now()
	q.Offer(Inbound{Peer: 2, Msg: Message{Kind: KindInputBatch, Channel: ChannelUnreliable}}, now)
	if len(got) != 1 {
		t.Fatalf("delivered %d, want immediate passthrough", len(got))
	}
	if q.PendingLen() != 0 {
		t.Fatal("disabled queue deferred a message")
	}
}

func TestFaultQueueReliableBypassesInjection(t *testing.T) {
	var got []Inbound
	q := NewFaultQueue(FaultConfig{LossPercent: 100, Seed: 1}, func(in Inbound) { got = append(got, in) })

	q.Offer(Inbound{Msg: Message{Kind: KindHello, Channel: ChannelReliable}}, time.Now())
	if len(got) != 1 {
		t.Fatal("reliable message must never be dropped")
	}
}

func TestFaultQueueDropsAtFullLoss(t *testing.T) {
	delivered := 0
	q := NewFaultQueue(FaultConfig{LossPercent: 100, Seed: 7}, func(Inbound) { delivered++ })

	now := time.Now()
	for i := 0; i < 50; i++ {
		q.Offer(Inbound{Msg: Message{Kind: KindStateFrame, Channel: ChannelUnreliable}}, now)
	}
	q.Flush(now.Add(time.Hour))
	if delivered != 0 {
		t.Fatalf("delivered %d at 100%% loss", delivered)
	}
}

func TestFaultQueueDefersWithinLatencyRange(t *testing.T) {
	var got []types.PeerID
	q := NewFaultQueue(FaultConfig{
		LatencyMin: 40 * time.Millisecond,
		LatencyMax: 80 * time.Millisecond,
		Seed:       42,
	}, func(in Inbound) { got = append(got, in.Peer) })

	now := time.Now()
	for i := 0; i < 10; i++ {
		q.Offer(Inbound{Peer: types.PeerID(i), Msg: Message{Channel: ChannelUnreliable}}, now)
	}
	if len(got) != 0 {
		t.Fatal("messages delivered before their delay elapsed")
	}
	if q.PendingLen() != 10 {
		t.Fatalf("pending = %d", q.PendingLen())
	}

	q.Flush(now.Add(39 * time.Millisecond))
	if len(got) != 0 {
		t.Fatal("delivered below the minimum latency")
	}

	q.Flush(now.Add(80 * time.Millisecond))
	if len(got) != 10 {
		t.Fatalf("delivered %d after the maximum latency, want all", len(got))
	}
	if q.PendingLen() != 0 {
		t.Fatalf("pending = %d after full flush", q.PendingLen())
	}
}

func TestFaultQueueDeterministicForSeed(t *testing.T) {
	run := func() []int {
		var order []int
		q := NewFaultQueue(FaultConfig{
			LatencyMin:  10 * time.Millisecond,
			LatencyMax:  200 * time.Millisecond,
			LossPercent: 30,
			Seed:        99,
		}, func(in Inbound) { order = append(order, int(in.Peer)) })
		now := time.Unix(0, 0)
		for i := 0; i < 40; i++ {
			q.Offer(Inbound{Peer: types.PeerID(i), Msg: Message{Channel: ChannelUnreliable}}, now)
		}
		q.Flush(now.Add(time.Second))
		return order
	}

	a, b := run(), run()
	if len(a) != len(b) {
		t.Fatalf("runs differ in length: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("runs diverge at %d: %v vs %v", i, a, b)
		}
	}
	if len(a) == 0 || len(a) == 40 {
		t.Fatalf("expected partial loss at 30%%, delivered %d of 40", len(a))
	}
}

func TestGatewayClientExchange(t *testing.T) {
	logger := zerolog.New(io.Discard)
	gw := NewGateway(logger, GatewayConfig{})
	defer gw.Close()

	srv := httptest.NewServer(gw)
	defer srv.Close()
	addr := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, addr, logger, ClientConfig{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if client.PeerID() != 2 {
		t.Fatalf("assigned peer id = %d, want 2", client.PeerID())
	}

	select {
	case ev := <-gw.Events():
		if !ev.Joined || ev.Peer != 2 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no join event")
	}

	// Client to server.
	if err := client.SendReliable(1, Message{Kind: KindInputBatch, Payload: []byte{9, 9}}); err != nil {
		t.Fatal(err)
	}
	select {
	case in := <-gw.Inbound():
		if in.Peer != 2 || in.Msg.Kind != KindInputBatch || !bytes.Equal(in.Msg.Payload, []byte{9, 9}) {
			t.Fatalf("inbound = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the input batch")
	}

	// Server to client.
	if err := gw.SendUnreliable(2, Message{Kind: KindStateFrame, Entity: "tank-1", Payload: []byte{1}}); err != nil {
		t.Fatal(err)
	}
	select {
	case in := <-client.Inbound():
		if in.Msg.Kind != KindStateFrame || in.Msg.Entity != "tank-1" {
			t.Fatalf("inbound = %+v", in)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the state frame")
	}

	peers := gw.ConnectedPeers()
	if len(peers) != 1 || peers[0] != 2 {
		t.Fatalf("connected peers = %v", peers)
	}
}

func TestGatewaySendToUnknownPeer(t *testing.T) {
	gw := NewGateway(zerolog.New(io.Discard), GatewayConfig{})
	defer gw.Close()
	if err := gw.SendReliable(9, Message{Kind: KindClockReport}); err == nil {
		t.Fatal("expected error for unknown peer")
	}
}
