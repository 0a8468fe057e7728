package session

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "steps_total",
		Help:      "Fixed simulation steps executed.",
	})

	sendCycles = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "send_cycles_total",
		Help:      "State send cycles completed.",
	})

	batchesAbsorbed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "input_batches_absorbed_total",
		Help:      "Input batches folded into peer ledgers.",
	})

	staleInputs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "stale_inputs_total",
		Help:      "Ticks where a peer's input replay budget ran out.",
	})

	journalShed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "journal_shed_total",
		Help:      "Journal records dropped because persistence lagged.",
	})

	clockDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "sync",
		Subsystem: "session",
		Name:      "clock_drift_ticks",
		Help:      "Client tick minus last reported server tick.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(stepsTotal, sendCycles, batchesAbsorbed, staleInputs, journalShed, clockDrift)
	})
}
