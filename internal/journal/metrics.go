package journal

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordsAppended = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "journal",
		Name:      "records_appended_total",
		Help:      "Journal records persisted per kind.",
	}, []string{"kind"})

	appendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "journal",
		Name:      "append_failures_total",
		Help:      "Journal appends that failed after retries.",
	})

	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "journal",
		Name:      "retries_total",
		Help:      "Transient journal errors that triggered a retry.",
	})

	once sync.Once
)

func init() {
	once.Do(func() {
		prometheus.MustRegister(recordsAppended, appendFailures, retriesTotal)
	})
}
