package input

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
)

func testTable(t *testing.T) *Sendtable {
	t.Helper()
	table, err := NewSendtable(
		Action{Name: "move_left"},
		Action{Name: "move_right"},
		Action{Name: "fire"},
		Action{Name: "throttle", Analog: true},
	)
	if err != nil {
		t.Fatalf("sendtable: %v", err)
	}
	return table
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

type fakeSource struct {
	pressed  map[string]bool
	strength map[string]float64
}

func (s fakeSource) IsActionPressed(name string) bool { return s.pressed[name] }
func (s fakeSource) ActionStrength(name string) float64 {
	return s.strength[name]
}

func TestSampleReadsSource(t *testing.T) {
	table := testTable(t)
	l := NewLedger(types.LocalPeer, table, 32, 3, testLogger())

	src := fakeSource{
		pressed:  map[string]bool{"move_right": true},
		strength: map[string]float64{"throttle": 0.75},
	}
	frame := l.Sample(src, 1)

	if frame[0] != 0 || frame[1] != 1 || frame[2] != 0 || frame[3] != 0.75 {
		t.Fatalf("sampled frame = %v", frame)
	}
	if l.LastInputID() != 1 {
		t.Fatalf("last input id = %d, want 1", l.LastInputID())
	}
}

func TestConsumeReplaysThenGoesStale(t *testing.T) {
	table := testTable(t)
	l := NewLedger(2, table, 32, 2, testLogger())

	moving := Frame{1, 0, 0, 0}
	l.Store(1, moving)

	frame, id := l.Consume()
	if id != 1 || frame[0] != 1 || l.Stale() {
		t.Fatalf("first consume: id=%d frame=%v stale=%v", id, frame, l.Stale())
	}

	// No frame 2 arrived: the last frame is replayed within the budget.
	for i := 0; i < 2; i++ {
		frame, _ = l.Consume()
		if frame[0] != 1 {
			t.Fatalf("replay %d returned %v", i, frame)
		}
		if l.Stale() {
			t.Fatalf("replay %d flagged stale", i)
		}
	}

	// Budget exhausted: neutral frame, stale flag set.
	frame, _ = l.Consume()
	if !frame.IsNeutral() {
		t.Fatalf("expected neutral frame, got %v", frame)
	}
	if !l.Stale() {
		t.Fatal("expected stale ledger")
	}

	// Real input resumes and clears staleness.
	l.Store(2, Frame{0, 1, 0, 0})
	frame, id = l.Consume()
	if id != 2 || frame[1] != 1 || l.Stale() {
		t.Fatalf("resume consume: id=%d frame=%v stale=%v", id, frame, l.Stale())
	}
}

func TestCollectBatchOverlaps(t *testing.T) {
	table := testTable(t)
	l := NewLedger(types.LocalPeer, table, 32, 3, testLogger())

	for id := types.InputID(1); id <= 8; id++ {
		l.Store(id, Frame{float64(id), 0, 0, 0})
	}

	b := l.CollectBatch(4, 100)
	if b.FirstInputID != 5 || len(b.Frames) != 4 {
		t.Fatalf("batch = first %d, %d frames", b.FirstInputID, len(b.Frames))
	}
	if b.Frames[0][0] != 5 || b.Frames[3][0] != 8 {
		t.Fatalf("batch frames misaligned: %v", b.Frames)
	}

	// Overlapping re-send: the next batch still contains earlier frames.
	l.Store(9, Frame{9, 0, 0, 0})
	b2 := l.CollectBatch(4, 101)
	if b2.FirstInputID != 6 {
		t.Fatalf("overlap batch starts at %d, want 6", b2.FirstInputID)
	}
}

func TestBatchRoundTripSparse(t *testing.T) {
	table := testTable(t)

	b := Batch{
		FirstInputID:      41,
		FirstTickEstimate: 900,
		Frames: []Frame{
			{0, 1, 0, 0.5},
			{0, 1, 0, 0.5},
			{0, 0, 0, 0.25},
		},
	}

	payload, err := PackBatch(table, b)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := ParseBatch(table, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if got.FirstInputID != b.FirstInputID || got.FirstTickEstimate != b.FirstTickEstimate {
		t.Fatalf("header mismatch: %+v", got)
	}
	if len(got.Frames) != len(b.Frames) {
		t.Fatalf("frame count = %d", len(got.Frames))
	}
	for i := range b.Frames {
		for a := range b.Frames[i] {
			if got.Frames[i][a] != b.Frames[i][a] {
				t.Fatalf("frame %d action %d = %v, want %v", i, a, got.Frames[i][a], b.Frames[i][a])
			}
		}
	}
}

func TestBatchRoundTripAllZero(t *testing.T) {
	table := testTable(t)

	b := Batch{
		FirstInputID: 7,
		Frames:       []Frame{NeutralFrame(table), NeutralFrame(table)},
	}

	payload, err := PackBatch(table, b)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := ParseBatch(table, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	for i, frame := range got.Frames {
		if !frame.IsNeutral() {
			t.Fatalf("frame %d not neutral: %v", i, frame)
		}
	}
}

func TestBatchRoundTripClientOwnedBlocks(t *testing.T) {
	table := testTable(t)

	b := Batch{
		FirstInputID:      12,
		FirstTickEstimate: 300,
		Frames: []Frame{
			{1, 0, 0, 0},
			{1, 0, 1, 0},
		},
		ClientOwned: [][]types.Value{
			{types.Vec2(1, 2), types.Scalar(0.5)},
			{types.Vec2(3, 4), types.Scalar(0.25)},
		},
	}

	payload, err := PackBatch(table, b)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	got, err := ParseBatch(table, payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if len(got.ClientOwned) != 2 {
		t.Fatalf("client-owned blocks = %d", len(got.ClientOwned))
	}
	for i, block := range b.ClientOwned {
		for j, v := range block {
			if !got.ClientOwned[i][j].Equal(v) {
				t.Fatalf("block %d value %d = %s, want %s", i, j, got.ClientOwned[i][j], v)
			}
		}
	}
}

func TestBatchMismatchedBlocksRejected(t *testing.T) {
	table := testTable(t)

	b := Batch{
		FirstInputID: 1,
		Frames:       []Frame{NeutralFrame(table), NeutralFrame(table)},
		ClientOwned:  [][]types.Value{{types.Scalar(1)}},
	}
	if _, err := PackBatch(table, b); err == nil {
		t.Fatal("expected mismatched block count to be rejected")
	}
}
