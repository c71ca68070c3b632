package worker

import "github.com/prometheus/client_golang/prometheus"

// Job outcomes used as the "outcome" label.
const (
	outcomeReplied      = "replied"
	outcomeDuplicate    = "duplicate"
	outcomeDropped      = "dropped"
	outcomeRetried      = "retried"
	outcomeDeadLettered = "dead_lettered"
	outcomeLeaseLost    = "lease_lost"
	outcomeReleased     = "released"
)

var (
	// jobsTotal counts settled jobs by outcome.
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_jobs_total",
			Help: "Reply generation jobs by outcome.",
		},
		[]string{"outcome"},
	)

	// modelLatency records model call duration in seconds, by result.
	modelLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "generation_model_duration_seconds",
			Help:    "Duration of text-generation model calls in seconds.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"result"},
	)

	// queueDepth gauges jobs per queue state (pending, leased, dead).
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatch_queue_jobs",
			Help: "Jobs in the dispatch queue by state.",
		},
		[]string{"state"},
	)

	// busyWorkers gauges consumers currently processing a job.
	busyWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_workers_busy",
			Help: "Generation workers currently processing a job.",
		},
	)
)

func init() {
	prometheus.MustRegister(jobsTotal, modelLatency, queueDepth, busyWorkers)
}
