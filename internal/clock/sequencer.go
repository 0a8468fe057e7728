// Package clock owns the session's notion of time: the global tick counter,
// the fractional sub-tick used for render sampling, client-side drift
// correction against reported server ticks, the input-id to tick lookback,
// and the time-depth calculation used for lag compensation.
package clock

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/example/tick-sync-engine/internal/types"
)

// Role distinguishes the authoritative sequencer from a correcting one.
type Role uint8

const (
	// RoleServer increments the tick every fixed step; it is ground truth
	// and never corrected.
	RoleServer Role = iota
	// RoleClient nudges its tick toward the last reported server tick plus
	// the interpolation lag, snapping only on large desync.
	RoleClient
)

const inputLookback = 256

// Config bounds the client-side correction behaviour.
type Config struct {
	// TickRate is the nominal fixed-step rate, used by the rate estimator
	// until enough server reports have arrived.
	TickRate int
	// InterpolationLag is how many ticks the client deliberately runs past
	// the last confirmed server tick, so interpolation always has two known
	// points even across one dropped packet.
	InterpolationLag types.Tick
	// MaxOfflineExtrapolation caps how far the tick may run beyond the last
	// reported server tick when packets stop arriving.
	MaxOfflineExtrapolation types.Tick
}

type inputSlot struct {
	id   types.InputID
	tick types.Tick
}

// Sequencer is the single per-session authority for tick numbering. It is
// owned by the step loop and not safe for concurrent use.
type Sequencer struct {
	role   Role
	cfg    Config
	logger zerolog.Logger

	tick types.Tick
	frac float64

	lastServerTick   types.Tick
	lastServerReport time.Time
	estimator        *RateEstimator

	inputID    types.InputID
	inputTicks [inputLookback]inputSlot
}

// NewSequencer constructs a sequencer for the given role.
func NewSequencer(role Role, cfg Config, logger zerolog.Logger) *Sequencer {
	if cfg.TickRate <= 0 {
		cfg.TickRate = 60
	}
	if cfg.InterpolationLag < 1 {
		cfg.InterpolationLag = 1
	}
	if cfg.MaxOfflineExtrapolation < cfg.InterpolationLag {
		cfg.MaxOfflineExtrapolation = cfg.InterpolationLag
	}
	return &Sequencer{
		role:      role,
		cfg:       cfg,
		logger:    logger,
		estimator: NewRateEstimator(float64(cfg.TickRate)),
	}
}

// Tick returns the current integer tick.
func (s *Sequencer) Tick() types.Tick { return s.tick }

// FractionalTick returns the tick plus the render interpolation fraction.
// It never falls below the integer tick.
func (s *Sequencer) FractionalTick() float64 {
	return float64(s.tick) + s.frac
}

// SetRenderFraction records the sub-step fraction in [0,1) reported by the
// render loop between two fixed steps.
func (s *Sequencer) SetRenderFraction(frac float64) {
	if frac < 0 {
		frac = 0
	}
	if frac >= 1 {
		frac = 0.999999
	}
	s.frac = frac
}

// SeekTo jumps the tick forward, used when restoring a recovered session.
// Seeking backwards is refused; ticks never decrease outside a rollback.
func (s *Sequencer) SeekTo(tick types.Tick) {
	if tick > s.tick {
		s.tick = tick
	}
}

// LastServerTick returns the newest tick reported by the server.
func (s *Sequencer) LastServerTick() types.Tick { return s.lastServerTick }

// Advance steps the sequencer once per fixed simulation step and returns the
// new tick. The server role increments unconditionally; the client role is
// nudged toward the server report, at most one tick per step, snapping only
// when the divergence exceeds the offline tolerance.
func (s *Sequencer) Advance(now time.Time) types.Tick {
	if s.role == RoleServer {
		s.tick++
		return s.tick
	}

	candidate := s.tick + 1
	if s.lastServerTick == 0 {
		// No server contact yet; free-run locally.
		s.tick = candidate
		return s.tick
	}

	est := s.estimatedServerTick(now)
	target := candidate
	if target < est {
		target = est
	}
	if max := est + s.cfg.InterpolationLag; target > max {
		target = max
	}

	gap := target - candidate
	if gap < 0 {
		gap = -gap
	}
	switch {
	case gap > s.cfg.InterpolationLag+s.cfg.MaxOfflineExtrapolation:
		s.logger.Debug().
			Int64("from", int64(s.tick)).
			Int64("to", int64(target)).
			Msg("tick desync beyond tolerance; snapping")
		s.tick = target
	case target > s.tick:
		s.tick++
	default:
		// Target at or behind the current tick: hold. Ticks never move
		// backwards outside a snap, or buffers would see duplicate writes.
	}

	if ceiling := s.lastServerTick + s.cfg.MaxOfflineExtrapolation; s.tick > ceiling {
		s.tick = ceiling
	}
	return s.tick
}

// ReportServerTick folds a timestamped server tick report into the drift
// correction state and the tick-rate estimator.
func (s *Sequencer) ReportServerTick(tick types.Tick, at time.Time) {
	if tick <= s.lastServerTick {
		// Stale or reordered report; the estimator still wants the sample.
		s.estimator.Observe(tick, at)
		return
	}
	s.lastServerTick = tick
	s.lastServerReport = at
	s.estimator.Observe(tick, at)
}

// estimatedServerTick projects the server tick forward from the last report
// using the measured rate, bounded by the offline extrapolation cap.
func (s *Sequencer) estimatedServerTick(now time.Time) types.Tick {
	est := s.lastServerTick
	if !s.lastServerReport.IsZero() && now.After(s.lastServerReport) {
		elapsed := now.Sub(s.lastServerReport).Seconds()
		est += types.Tick(elapsed * s.estimator.Rate())
	}
	if ceiling := s.lastServerTick + s.cfg.MaxOfflineExtrapolation; est > ceiling {
		est = ceiling
	}
	return est
}

// NextInputID allocates the next input id and remembers the tick it was
// sampled at, so a later server acknowledgement can be traced back to the
// exact local tick that produced it.
func (s *Sequencer) NextInputID() types.InputID {
	s.inputID++
	s.inputTicks[int(s.inputID)%inputLookback] = inputSlot{id: s.inputID, tick: s.tick}
	return s.inputID
}

// LastInputID returns the most recently allocated input id.
func (s *Sequencer) LastInputID() types.InputID { return s.inputID }

// TickForInput resolves which local tick produced the given input id. The
// lookback is bounded; acknowledgements older than the window report false.
func (s *Sequencer) TickForInput(id types.InputID) (types.Tick, bool) {
	slot := s.inputTicks[int(id)%inputLookback]
	if slot.id != id {
		return 0, false
	}
	return slot.tick, true
}
