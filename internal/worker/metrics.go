package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsProcessed counts resolved jobs.
	// Labels: kind, outcome (done, failed)
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionline",
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Jobs resolved by workers",
	}, []string{"kind", "outcome"})

	// deferrals counts act-on-post jobs left reserved for a later attempt.
	// Labels: reason (identity, quota)
	deferrals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionline",
		Subsystem: "worker",
		Name:      "deferrals_total",
		Help:      "Jobs deferred until their reservation expires",
	}, []string{"reason"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "actionline",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Time from reservation to resolution",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	}, []string{"kind"})

	codeWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "actionline",
		Subsystem: "worker",
		Name:      "code_waits_total",
		Help:      "Verification code waits by result",
	}, []string{"result"})
)
