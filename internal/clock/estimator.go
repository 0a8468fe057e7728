package clock

import (
	"time"

	"github.com/example/tick-sync-engine/internal/types"
)

const estimatorWindow = 1000

type rateSample struct {
	tick types.Tick
	at   time.Time
}

// RateEstimator keeps a sliding window of timestamped tick reports and
// derives the server's effective tick rate from the window endpoints. The
// estimate backs fallback extrapolation when packets stop arriving.
type RateEstimator struct {
	nominal float64
	samples []rateSample
	head    int
	count   int
}

// NewRateEstimator seeds the estimator with the nominal rate.
func NewRateEstimator(nominal float64) *RateEstimator {
	return &RateEstimator{
		nominal: nominal,
		samples: make([]rateSample, estimatorWindow),
	}
}

// Observe records one tick report.
func (e *RateEstimator) Observe(tick types.Tick, at time.Time) {
	e.samples[e.head] = rateSample{tick: tick, at: at}
	e.head = (e.head + 1) % len(e.samples)
	if e.count < len(e.samples) {
		e.count++
	}
}

// Rate returns ticks per second. With fewer than two usable samples, or a
// degenerate window, the nominal rate is returned.
func (e *RateEstimator) Rate() float64 {
	if e.count < 2 {
		return e.nominal
	}

	newest := e.samples[(e.head-1+len(e.samples))%len(e.samples)]
	oldest := e.samples[(e.head-e.count+len(e.samples))%len(e.samples)]

	dt := newest.at.Sub(oldest.at).Seconds()
	dticks := float64(newest.tick - oldest.tick)
	if dt <= 0 || dticks <= 0 {
		return e.nominal
	}
	return dticks / dt
}
