package transport

import (
	"math/rand"
	"sort"
	"time"
)

// FaultConfig enables simulated network degradation for local test rigs.
// The zero value disables injection entirely.
type FaultConfig struct {
	// LatencyMin and LatencyMax bound the artificial delay added to each
	// unreliable message. Both zero means no delay.
	LatencyMin time.Duration
	LatencyMax time.Duration
	// LossPercent drops that share of unreliable messages, 0 to 100.
	LossPercent int
	// Seed makes a run reproducible. Zero seeds from the current time.
	Seed int64
}

// Enabled reports whether any degradation is configured.
func (c FaultConfig) Enabled() bool {
	return c.LatencyMax > 0 || c.LossPercent > 0
}

type deferred struct {
	due time.Time
	seq uint64
	in  Inbound
}

// FaultQueue sits between the socket read pump and the session loop and
// applies FaultConfig to unreliable traffic. Reliable messages pass through
// untouched so channel ordering guarantees survive. The queue owns no
// goroutines; the session loop calls Flush every step.
type FaultQueue struct {
	cfg     FaultConfig
	rng     *rand.Rand
	seq     uint64
	pending []deferred
	deliver func(Inbound)
}

// NewFaultQueue wires the queue in front of deliver. With a zero config the
// queue is a passthrough.
func NewFaultQueue(cfg FaultConfig, deliver func(Inbound)) *FaultQueue {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.LatencyMax < cfg.LatencyMin {
		cfg.LatencyMax = cfg.LatencyMin
	}
	if cfg.LossPercent < 0 {
		cfg.LossPercent = 0
	}
	if cfg.LossPercent > 100 {
		cfg.LossPercent = 100
	}
	return &FaultQueue{cfg: cfg, rng: rand.New(rand.NewSource(seed)), deliver: deliver}
}

// Offer routes one inbound message through the configured degradation.
func (q *FaultQueue) Offer(in Inbound, now time.Time) {
	if !q.cfg.Enabled() || in.Msg.Channel == ChannelReliable {
		q.deliver(in)
		return
	}

	if q.cfg.LossPercent > 0 && q.rng.Intn(100) < q.cfg.LossPercent {
		faultDropped.Inc()
		return
	}

	delay := q.cfg.LatencyMin
	if span := q.cfg.LatencyMax - q.cfg.LatencyMin; span > 0 {
		delay += time.Duration(q.rng.Int63n(int64(span)))
	}
	if delay <= 0 {
		q.deliver(in)
		return
	}

	q.seq++
	q.pending = append(q.pending, deferred{due: now.Add(delay), seq: q.seq, in: in})
	faultDelayed.Inc()
}

// Flush delivers every deferred message whose delay has elapsed, oldest due
// time first with arrival order breaking ties.
func (q *FaultQueue) Flush(now time.Time) {
	if len(q.pending) == 0 {
		return
	}
	sort.SliceStable(q.pending, func(i, j int) bool {
		if !q.pending[i].due.Equal(q.pending[j].due) {
			return q.pending[i].due.Before(q.pending[j].due)
		}
		return q.pending[i].seq < q.pending[j].seq
	})
	n := 0
	for n < len(q.pending) && !q.pending[n].due.After(now) {
		q.deliver(q.pending[n].in)
		n++
	}
	q.pending = q.pending[n:]
}

// PendingLen reports how many messages are still deferred.
func (q *FaultQueue) PendingLen() int { return len(q.pending) }
