package entity

import (
	"github.com/example/tick-sync-engine/internal/types"
)

// predState is the client-side-prediction activation state for one property.
type predState uint8

const (
	// predOff: the server has not confirmed prediction and no local write
	// has forced it.
	predOff predState = iota
	// predForced: a local write happened before server confirmation; the
	// property predicts until the corresponding input is acknowledged.
	predForced
	// predConfirmed: the server acknowledged consuming the forcing input;
	// prediction continues under reconciliation.
	predConfirmed
	// predSmoothing: prediction is ramping off across a window after a
	// rollback instead of snapping, to avoid visible pops.
	predSmoothing
)

type prediction struct {
	state      predState
	sinceInput types.InputID
	// correctedAt is the newest tick a reconciliation was applied at; a
	// second acknowledgement resolving to the same or an older tick is
	// skipped so corrections never apply twice.
	correctedAt types.Tick
	smoothFrom  types.Tick
	smoothUntil types.Tick
}

func (p *prediction) active() bool {
	return p.state == predForced || p.state == predConfirmed
}

// noteLocalWrite forces prediction on for a write that happened before the
// server confirmed it.
func (p *prediction) noteLocalWrite(input types.InputID) {
	if p.state == predOff || p.state == predSmoothing {
		p.state = predForced
		p.sinceInput = input
	}
}

// confirm promotes a forced window once the server reports having consumed
// the forcing input.
func (p *prediction) confirm(input types.InputID) {
	if p.state == predForced && input >= p.sinceInput {
		p.state = predConfirmed
	}
}

// rampOff begins the smoothing window. The window length is proportional to
// the measured round-trip so the pop hides inside the latency the player
// already perceives.
func (p *prediction) rampOff(now, window types.Tick) {
	if !p.active() {
		return
	}
	if window < 1 {
		window = 1
	}
	p.state = predSmoothing
	p.smoothFrom = now
	p.smoothUntil = now + window
}

// smoothingWeight returns the blend weight of the predicted value during the
// ramp-off window: 1 right after the rollback, 0 once the window has passed.
// Leaving the window retires the state machine to off.
func (p *prediction) smoothingWeight(now types.Tick) float64 {
	if p.state != predSmoothing {
		return 0
	}
	if now >= p.smoothUntil {
		p.state = predOff
		return 0
	}
	if now < p.smoothFrom {
		return 1
	}
	return float64(p.smoothUntil-now) / float64(p.smoothUntil-p.smoothFrom)
}

// PredictionActive reports whether the named property is currently under
// client-side prediction.
func (e *SyncedEntity) PredictionActive(name string) bool {
	p, err := e.prop(name)
	if err != nil {
		return false
	}
	return p.pred.active()
}

// EndPrediction rolls history back to the authoritative baseline and starts
// the smoothing ramp-off for the named property.
func (e *SyncedEntity) EndPrediction(name string, to types.Tick, rttTicks types.Tick) error {
	p, err := e.prop(name)
	if err != nil {
		return err
	}
	p.buf.Rollback(to)
	p.pred.rampOff(p.buf.LastTick(), rttTicks)
	return nil
}

// reconcile corrects a predicted property against an authoritative value.
// producedAt is the local tick that generated the acknowledged input. The
// correction is a uniform offset from producedAt through the newest
// prediction: trajectories are nudged, not re-simulated.
func (e *SyncedEntity) reconcile(p *property, auth types.Value, input types.InputID, producedAt types.Tick) {
	if producedAt <= p.pred.correctedAt {
		return
	}

	predicted := p.buf.ValueAt(producedAt)
	delta := auth.Sub(predicted)
	p.buf.Offset(producedAt, delta)
	p.pred.correctedAt = producedAt
	p.pred.confirm(input)

	if magnitude := delta.Length(); magnitude > 0 {
		correctionMagnitude.WithLabelValues(string(e.id), p.name).Observe(magnitude)
		e.logger.Debug().
			Str("property", p.name).
			Int64("tick", int64(producedAt)).
			Float64("magnitude", magnitude).
			Msg("reconciled prediction error")
	}
}
