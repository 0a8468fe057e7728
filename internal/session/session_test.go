package session

import (
	"io"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/entity"
	"github.com/example/tick-sync-engine/internal/history"
	"github.com/example/tick-sync-engine/internal/input"
	"github.com/example/tick-sync-engine/internal/transport"
	"github.com/example/tick-sync-engine/internal/types"
)

type sentMsg struct {
	peer     types.PeerID
	msg      transport.Message
	reliable bool
}

type fakeNet struct {
	inbound chan transport.Inbound
	events  chan transport.PeerEvent
	peers   []types.PeerID
	sent    []sentMsg
}

func newFakeNet() *fakeNet {
	return &fakeNet{
		inbound: make(chan transport.Inbound, 64),
		events:  make(chan transport.PeerEvent, 16),
	}
}

func (f *fakeNet) SendReliable(p types.PeerID, m transport.Message) error {
	f.sent = append(f.sent, sentMsg{peer: p, msg: m, reliable: true})
	return nil
}

func (f *fakeNet) SendUnreliable(p types.PeerID, m transport.Message) error {
	f.sent = append(f.sent, sentMsg{peer: p, msg: m})
	return nil
}

func (f *fakeNet) ConnectedPeers() []types.PeerID     { return f.peers }
func (f *fakeNet) Inbound() <-chan transport.Inbound  { return f.inbound }
func (f *fakeNet) Events() <-chan transport.PeerEvent { return f.events }
func (f *fakeNet) ofKind(k transport.Kind) []sentMsg {
	var out []sentMsg
	for _, s := range f.sent {
		if s.msg.Kind == k {
			out = append(out, s)
		}
	}
	return out
}

type fakeClientNet struct {
	*fakeNet
	peerID types.PeerID
	done   chan struct{}
}

func newFakeClientNet(peer types.PeerID) *fakeClientNet {
	return &fakeClientNet{fakeNet: newFakeNet(), peerID: peer, done: make(chan struct{})}
}

func (f *fakeClientNet) PeerID() types.PeerID  { return f.peerID }
func (f *fakeClientNet) Done() <-chan struct{} { return f.done }

type fakeInput struct {
	pressed  map[string]bool
	strength map[string]float64
}

func (f *fakeInput) IsActionPressed(name string) bool   { return f.pressed[name] }
func (f *fakeInput) ActionStrength(name string) float64 { return f.strength[name] }

func testTable(t *testing.T) *input.Sendtable {
	t.Helper()
	table, err := input.NewSendtable(
		input.Action{Name: "move_x", Analog: true},
		input.Action{Name: "jump"},
	)
	if err != nil {
		t.Fatal(err)
	}
	return table
}

func testEntity(t *testing.T, id types.EntityID) *entity.SyncedEntity {
	t.Helper()
	e, err := entity.NewBuilder(id, entity.Config{DefaultCapacity: 64, StalenessDelay: 30}).
		Property("pos", entity.PropertyConfig{Strategy: entity.StrategyUnreliable, Interpolation: history.InterpLinear, GapFill: history.InterpLinear}).
		Property("aim", entity.PropertyConfig{Strategy: entity.StrategyClientOwned}).
		Build(zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func newTestServer(t *testing.T, net *fakeNet) *Server {
	t.Helper()
	s, err := NewServer(ServerConfig{
		Session:             "match-1",
		TickRate:            60,
		SendRate:            20,
		PredictionMaxFrames: 5,
	}, net, testTable(t), nil, nil, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func stepN(s *Server, n int, start time.Time) time.Time {
	now := start
	for i := 0; i < n; i++ {
		now = now.Add(time.Second / 60)
		s.Step(now)
	}
	return now
}

func TestServerConsumesPeerInput(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)

	net.events <- transport.PeerEvent{Peer: 2, Joined: true}

	// The peer's first three frames: moving right, then a jump.
	batch := input.Batch{
		FirstInputID:      1,
		FirstTickEstimate: 1,
		Frames: []input.Frame{
			{1, 0},
			{1, 0},
			{1, 1},
		},
	}
	payload, err := input.PackBatch(testTable(t), batch)
	if err != nil {
		t.Fatal(err)
	}
	net.inbound <- transport.Inbound{Peer: 2, Msg: transport.Message{Kind: transport.KindInputBatch, Payload: payload}}

	var frames []input.Frame
	srv.OnStep(func(types.Tick) {
		if f, ok := srv.ConsumedInput(2); ok {
			frames = append(frames, f.Clone())
		}
	})

	stepN(srv, 3, time.Unix(100, 0))

	if len(frames) != 3 {
		t.Fatalf("consumed %d frames, want 3", len(frames))
	}
	if frames[0][0] != 1 || frames[0][1] != 0 {
		t.Fatalf("frame 1 = %v", frames[0])
	}
	if frames[2][1] != 1 {
		t.Fatalf("frame 3 should carry the jump, got %v", frames[2])
	}
	if srv.InputStale(2) {
		t.Fatal("peer with fresh input flagged stale")
	}
}

func TestServerReplayThenNeutralOnMissingInput(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)
	net.events <- transport.PeerEvent{Peer: 2, Joined: true}

	batch := input.Batch{FirstInputID: 1, FirstTickEstimate: 1, Frames: []input.Frame{{0.5, 0}}}
	payload, err := input.PackBatch(testTable(t), batch)
	if err != nil {
		t.Fatal(err)
	}
	net.inbound <- transport.Inbound{Peer: 2, Msg: transport.Message{Kind: transport.KindInputBatch, Payload: payload}}

	var frames []input.Frame
	srv.OnStep(func(types.Tick) {
		if f, ok := srv.ConsumedInput(2); ok {
			frames = append(frames, f.Clone())
		}
	})

	// 1 real frame, 5 replays, then neutral.
	stepN(srv, 8, time.Unix(100, 0))

	if len(frames) != 8 {
		t.Fatalf("consumed %d frames", len(frames))
	}
	for i := 0; i < 6; i++ {
		if frames[i][0] != 0.5 {
			t.Fatalf("frame %d = %v, want replayed 0.5", i+1, frames[i])
		}
	}
	if !frames[7].IsNeutral() {
		t.Fatalf("frame 8 = %v, want neutral after replay budget", frames[7])
	}
	if !srv.InputStale(2) {
		t.Fatal("peer should be flagged stale after replay budget")
	}
}

func TestServerBroadcastCadence(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)
	net.peers = []types.PeerID{2}
	net.events <- transport.PeerEvent{Peer: 2, Joined: true}

	e := testEntity(t, "tank-1")
	if err := srv.RegisterEntity(e); err != nil {
		t.Fatal(err)
	}
	srv.OnStep(func(tick types.Tick) {
		e.Write("pos", tick, types.Vec2(float64(tick), 0))
	})

	// Send rate 20 at tick rate 60: one cycle every 3 ticks.
	stepN(srv, 6, time.Unix(100, 0))

	reports := net.ofKind(transport.KindClockReport)
	if len(reports) != 2 {
		t.Fatalf("sent %d clock reports over 6 ticks, want 2", len(reports))
	}
	tick, err := decodeClockReport(reports[1].msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if tick != 6 {
		t.Fatalf("second report tick = %d, want 6", tick)
	}

	frames := net.ofKind(transport.KindStateFrame)
	if len(frames) != 2 {
		t.Fatalf("sent %d state frames, want 2", len(frames))
	}
	if frames[0].msg.Entity != "tank-1" || frames[0].reliable {
		t.Fatalf("frame = %+v", frames[0])
	}

	f, err := e.DecodeFrame(frames[1].msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if f.Tick != 6 {
		t.Fatalf("frame tick = %d, want 6", f.Tick)
	}
}

func TestServerAppliesClientOwnedValues(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)
	net.events <- transport.PeerEvent{Peer: 2, Joined: true}

	e := testEntity(t, "tank-1")
	e.SetBelongsTo(2)
	if err := srv.RegisterEntity(e); err != nil {
		t.Fatal(err)
	}

	batch := input.Batch{
		FirstInputID:      1,
		FirstTickEstimate: 4,
		Frames:            []input.Frame{{0, 0}, {0, 0}},
		ClientOwned: [][]types.Value{
			{types.Scalar(0.25)},
			{types.Scalar(0.75)},
		},
	}
	payload, err := input.PackBatch(testTable(t), batch)
	if err != nil {
		t.Fatal(err)
	}
	net.inbound <- transport.Inbound{Peer: 2, Msg: transport.Message{Kind: transport.KindInputBatch, Payload: payload}}

	stepN(srv, 1, time.Unix(100, 0))

	got, err := e.ValueAt("aim", 4)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(types.Scalar(0.25)) {
		t.Fatalf("aim at 4 = %v", got)
	}
	got, _ = e.ValueAt("aim", 5)
	if !got.Equal(types.Scalar(0.75)) {
		t.Fatalf("aim at 5 = %v", got)
	}
}

type anchoredObject struct {
	pos types.Value
}

func (o *anchoredObject) WorldPosition() types.Value           { return o.pos }
func (o *anchoredObject) WorldRotation() types.Value           { return types.Scalar(0) }
func (o *anchoredObject) Get(string) types.Value               { return types.Value{} }
func (o *anchoredObject) Set(string, types.Value)              {}
func (o *anchoredObject) ApplyTransformOffset(p, r types.Value) {}

func TestTimeDepthFromPeerOwnedEntities(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)

	near := testEntity(t, "tank-1")
	near.SetBelongsTo(2)
	near.Attach(&anchoredObject{pos: types.Vec2(0, 0)})
	far := testEntity(t, "tank-2")
	far.SetBelongsTo(3)
	far.Attach(&anchoredObject{pos: types.Vec2(10, 0)})
	for _, e := range []*entity.SyncedEntity{near, far} {
		if err := srv.RegisterEntity(e); err != nil {
			t.Fatal(err)
		}
	}

	net.events <- transport.PeerEvent{Peer: 2, Joined: true}
	net.events <- transport.PeerEvent{Peer: 3, Joined: true}

	// Both peers report a 100ms round trip: 3 ticks one way at rate 60.
	now := time.Unix(100, 0).Add(time.Second / 60)
	stamp := encodeTimestamp(now.Add(-100 * time.Millisecond))
	net.inbound <- transport.Inbound{Peer: 2, Msg: transport.Message{Kind: transport.KindTimePong, Payload: stamp}}
	net.inbound <- transport.Inbound{Peer: 3, Msg: transport.Message{Kind: transport.KindTimePong, Payload: stamp}}

	now = stepN(srv, 1, time.Unix(100, 0))

	depth := srv.TimeDepthFor(types.Vec2(10, 0))
	if math.Abs(depth-3) > 1e-9 {
		t.Fatalf("depth at an owned entity's position = %v, want 3", depth)
	}
	if d := srv.TimeDepthFor(types.Vec2(5, 0)); d != 0 {
		t.Fatalf("depth at the midpoint = %v, want 0", d)
	}

	// Losing one observer leaves fewer than two; depth collapses to zero.
	net.events <- transport.PeerEvent{Peer: 3, Joined: false}
	stepN(srv, 1, now)
	if d := srv.TimeDepthFor(types.Vec2(10, 0)); d != 0 {
		t.Fatalf("depth after disconnect = %v, want 0", d)
	}
}

func TestServerPeerLeaveCleansUp(t *testing.T) {
	net := newFakeNet()
	srv := newTestServer(t, net)
	e := testEntity(t, "tank-1")
	e.SetBelongsTo(2)
	if err := srv.RegisterEntity(e); err != nil {
		t.Fatal(err)
	}

	net.events <- transport.PeerEvent{Peer: 2, Joined: true}
	stepN(srv, 1, time.Unix(100, 0))
	if _, ok := srv.ConsumedInput(2); !ok {
		t.Fatal("joined peer should have a ledger")
	}

	net.events <- transport.PeerEvent{Peer: 2, Joined: false}
	stepN(srv, 1, time.Unix(101, 0))

	if _, ok := srv.ConsumedInput(2); ok {
		t.Fatal("departed peer still has consumed input")
	}
	if e.BelongsTo() != types.LocalPeer {
		t.Fatalf("ownership not reclaimed, belongs to %d", e.BelongsTo())
	}
}

func newTestClient(t *testing.T, net *fakeClientNet, source input.Source) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{
		TickRate:                60,
		InputSendRate:           30,
		InputBatchSize:          6,
		InterpolationLag:        2,
		MaxOfflineExtrapolation: 30,
		PredictionMaxFrames:     5,
	}, net, testTable(t), source, zerolog.New(io.Discard))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestClientAppliesServerFrames(t *testing.T) {
	net := newFakeClientNet(2)
	cli := newTestClient(t, net, nil)
	shadow := testEntity(t, "tank-1")
	if err := cli.RegisterEntity(shadow); err != nil {
		t.Fatal(err)
	}

	// Authoritative copy produces the frame.
	authority := testEntity(t, "tank-1")
	authority.Write("pos", 5, types.Vec2(3, 4))
	plan := authority.BuildFrames(2, 5, 0, false)
	if plan.Unreliable == nil {
		t.Fatal("expected unreliable frame")
	}

	net.inbound <- transport.Inbound{Peer: 1, Msg: transport.Message{Kind: transport.KindClockReport, Payload: encodeClockReport(5)}}
	net.inbound <- transport.Inbound{Peer: 1, Msg: transport.Message{Kind: transport.KindStateFrame, Entity: "tank-1", Payload: plan.Unreliable}}

	cli.Step(time.Unix(100, 0))

	if cli.Sequencer().LastServerTick() != 5 {
		t.Fatalf("last server tick = %d, want 5", cli.Sequencer().LastServerTick())
	}
	got, err := shadow.ValueAt("pos", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(types.Vec2(3, 4)) {
		t.Fatalf("pos at 5 = %v", got)
	}
}

func TestClientSendsRedundantInputBatches(t *testing.T) {
	net := newFakeClientNet(2)
	src := &fakeInput{strength: map[string]float64{"move_x": 0.5}, pressed: map[string]bool{"jump": true}}
	cli := newTestClient(t, net, src)

	// Input send rate 30 at tick rate 60: one batch every 2 ticks.
	now := time.Unix(100, 0)
	for i := 0; i < 4; i++ {
		now = now.Add(time.Second / 60)
		cli.Step(now)
	}

	batches := net.ofKind(transport.KindInputBatch)
	if len(batches) != 2 {
		t.Fatalf("sent %d batches over 4 ticks, want 2", len(batches))
	}

	parsed, err := input.ParseBatch(testTable(t), batches[1].msg.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.FirstInputID != 1 || len(parsed.Frames) != 4 {
		t.Fatalf("batch = first %d, %d frames", parsed.FirstInputID, len(parsed.Frames))
	}
	last := parsed.Frames[len(parsed.Frames)-1]
	if last[0] != 0.5 || last[1] != 1 {
		t.Fatalf("sampled frame = %v", last)
	}
}

func TestClientMeasuresRTT(t *testing.T) {
	net := newFakeClientNet(2)
	cli := newTestClient(t, net, nil)

	now := time.Unix(100, 0)
	net.inbound <- transport.Inbound{Peer: 1, Msg: transport.Message{
		Kind:    transport.KindTimePong,
		Payload: encodeTimestamp(now.Add(-50 * time.Millisecond)),
	}}
	cli.Step(now)

	if cli.RTT() != 50*time.Millisecond {
		t.Fatalf("rtt = %v, want 50ms", cli.RTT())
	}
	if cli.RTTTicks() != 3 {
		t.Fatalf("rtt ticks = %d, want 3", cli.RTTTicks())
	}
}

func TestClientEchoesTimePing(t *testing.T) {
	net := newFakeClientNet(2)
	cli := newTestClient(t, net, nil)

	stamp := encodeTimestamp(time.Unix(99, 0))
	net.inbound <- transport.Inbound{Peer: 1, Msg: transport.Message{Kind: transport.KindTimePing, Payload: stamp}}
	cli.Step(time.Unix(100, 0))

	pongs := net.ofKind(transport.KindTimePong)
	if len(pongs) != 1 {
		t.Fatalf("sent %d pongs, want 1", len(pongs))
	}
}
