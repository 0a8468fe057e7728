package entity

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
)

var (
	framesBuilt = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "entity",
		Name:      "frames_built_total",
		Help:      "State frames assembled per entity and channel.",
	}, []string{"entity", "channel"})

	framesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sync",
		Subsystem: "entity",
		Name:      "frames_applied_total",
		Help:      "State frames folded into local buffers per entity.",
	}, []string{"entity"})

	correctionMagnitude = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "sync",
		Subsystem: "entity",
		Name:      "correction_magnitude",
		Help:      "Euclidean size of prediction-error corrections.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"entity", "property"})
)

func init() {
	prometheus.MustRegister(framesBuilt, framesApplied, correctionMagnitude)
}

var tracer = otel.Tracer("github.com/example/tick-sync-engine/entity")
