package history

import (
	"math"
	"testing"

	"github.com/example/tick-sync-engine/internal/types"
)

func scalarAt(t *testing.T, b *Buffer, tick float64) float64 {
	t.Helper()
	v := b.Read(tick)
	if v.Dim() != 1 {
		t.Fatalf("read(%v): expected scalar, got %s", tick, v)
	}
	return v.Scalar()
}

func expectScalar(t *testing.T, b *Buffer, tick float64, want float64) {
	t.Helper()
	got := scalarAt(t, b, tick)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("read(%v) = %v, want %v", tick, got, want)
	}
}

func TestLinearGapFillScenario(t *testing.T) {
	b := MustNew(6, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 10})

	b.Write(11, types.Scalar(111))
	b.Write(12, types.Scalar(112))
	b.Write(14, types.Scalar(114))
	b.Write(18, types.Scalar(118))

	expectScalar(t, b, 13.5, 113.5)
	expectScalar(t, b, 20.3, 120.3)
	// Tick 12 fell off the 6-slot window; the read clamps to the oldest
	// retained tick 13, which was gap-filled to 113.
	expectScalar(t, b, 12, 113)
}

func TestStepInterpolationScenario(t *testing.T) {
	b := MustNew(10, Config{Intra: InterpNone, GapFill: InterpNone, MaxExtrapolation: 10})

	b.Write(12, types.Scalar(100))
	b.Write(15, types.Scalar(200))

	expectScalar(t, b, 14.5, 100)
	expectScalar(t, b, 16, 200)
	expectScalar(t, b, 1, 100)
}

func TestIntegerReadsAreExact(t *testing.T) {
	b := MustNew(8, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 4})

	values := map[types.Tick]float64{20: 1.25, 21: -3, 22: 7.5, 23: 8}
	for tick := types.Tick(20); tick <= 23; tick++ {
		b.Write(tick, types.Scalar(values[tick]))
	}
	for tick := types.Tick(20); tick <= 23; tick++ {
		expectScalar(t, b, float64(tick), values[tick])
	}
}

func TestFirstWriteFloodsBuffer(t *testing.T) {
	b := MustNew(4, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 2})

	b.Write(50, types.Scalar(9))
	if b.LastTick() != 50 {
		t.Fatalf("last tick = %d, want 50", b.LastTick())
	}
	expectScalar(t, b, 47, 9)
	expectScalar(t, b, 1, 9)
}

func TestExtrapolationClamp(t *testing.T) {
	b := MustNew(6, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 3})

	b.Write(10, types.Scalar(10))
	b.Write(11, types.Scalar(11))

	// Slope is 1/tick; requests far past the horizon clamp at lastTick+3.
	expectScalar(t, b, 14, 14)
	expectScalar(t, b, 1000, 14)

	zero := MustNew(6, Config{Intra: InterpLinear, GapFill: InterpLinear})
	zero.Write(10, types.Scalar(10))
	zero.Write(11, types.Scalar(11))
	expectScalar(t, zero, 1000, 11)
}

func TestTooOldWriteIgnored(t *testing.T) {
	b := MustNew(4, Config{Intra: InterpNone, GapFill: InterpNone})

	b.Write(100, types.Scalar(1))
	b.Write(101, types.Scalar(2))
	b.Write(90, types.Scalar(99))

	expectScalar(t, b, 98, 1)
	if b.LastTick() != 101 {
		t.Fatalf("last tick = %d, want 101", b.LastTick())
	}
}

func TestHistoricOverwriteReinterpolatesNeighbours(t *testing.T) {
	b := MustNew(10, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 4})

	b.Write(10, types.Scalar(100))
	b.Write(14, types.Scalar(140)) // 11..13 synthesized as 110,120,130

	// A late unreliable frame for tick 12 arrives with the real value.
	b.Write(12, types.Scalar(200))

	expectScalar(t, b, 12, 200)
	// Both synthesized runs re-anchor on the new real point.
	expectScalar(t, b, 11, 150)
	expectScalar(t, b, 13, 170)
}

func TestRollbackIsIdempotent(t *testing.T) {
	b := MustNew(10, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 4})

	for tick := types.Tick(1); tick <= 8; tick++ {
		b.Write(tick, types.Scalar(float64(tick)*10))
	}

	b.Rollback(5)
	span := b.LastRollback()
	if span.From != 5 || span.To != 8 {
		t.Fatalf("rollback span = %+v, want {5 8}", span)
	}
	expectScalar(t, b, 6, 50)
	expectScalar(t, b, 8, 50)
	expectScalar(t, b, 5, 50)
	expectScalar(t, b, 4, 40)

	b.Rollback(5)
	if got := b.LastRollback(); got != span {
		t.Fatalf("second rollback altered span: %+v", got)
	}
	expectScalar(t, b, 8, 50)
}

func TestOffsetShiftsSuffix(t *testing.T) {
	b := MustNew(10, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 4})

	for tick := types.Tick(1); tick <= 6; tick++ {
		b.Write(tick, types.Scalar(float64(tick)))
	}
	b.Offset(4, types.Scalar(-0.5))

	expectScalar(t, b, 3, 3)
	expectScalar(t, b, 4, 3.5)
	expectScalar(t, b, 6, 5.5)
}

func TestChangedTracking(t *testing.T) {
	b := MustNew(16, Config{Intra: InterpNone, GapFill: InterpNone})

	b.Write(10, types.Scalar(1))
	b.Write(11, types.Scalar(1))
	b.Write(12, types.Scalar(2))
	b.Write(13, types.Scalar(2))

	if !b.Changed(11, 13) {
		t.Fatal("expected change in (11,13]")
	}
	if b.Changed(12, 13) {
		t.Fatal("no change in (12,13]")
	}
	if b.LastChangedTick() != 12 {
		t.Fatalf("last changed = %d, want 12", b.LastChangedTick())
	}
}

func TestResizeOnlyBeforeFirstWrite(t *testing.T) {
	b := MustNew(4, Config{})
	if err := b.Resize(8); err != nil {
		t.Fatalf("resize before write: %v", err)
	}
	b.Write(1, types.Scalar(1))
	if err := b.Resize(16); err != ErrResizeAfterWrite {
		t.Fatalf("resize after write: got %v", err)
	}
}

func TestVectorInterpolation(t *testing.T) {
	b := MustNew(8, Config{Intra: InterpLinear, GapFill: InterpLinear, MaxExtrapolation: 2})

	b.Write(5, types.Vec2(0, 0))
	b.Write(7, types.Vec2(4, -2))

	v := b.Read(6)
	if v.X() != 2 || v.Y() != -1 {
		t.Fatalf("gap-filled tick 6 = %s, want (2, -1)", v)
	}
	v = b.Read(6.5)
	if v.X() != 3 || v.Y() != -1.5 {
		t.Fatalf("read(6.5) = %s, want (3, -1.5)", v)
	}
}
