package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RunsTotal tracks finished runs by final status.
var RunsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_runs_total",
		Help: "Total runs finished, by status",
	},
	[]string{"pipeline", "status"},
)

// StageRoundsTotal tracks the number of stage rounds executed.
var StageRoundsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_stage_rounds_total",
		Help: "Total stage rounds executed",
	},
	[]string{"pipeline", "stage"},
)

// StageSkipsTotal tracks stages skipped because no job required them.
var StageSkipsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_stage_skips_total",
		Help: "Total stages skipped",
	},
	[]string{"pipeline", "stage"},
)

// DispatchesTotal tracks assignments sent to workers.
var DispatchesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_dispatches_total",
		Help: "Total assignments dispatched",
	},
	[]string{"pipeline", "stage"},
)

// ResultsTotal tracks results gathered from workers.
var ResultsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_results_total",
		Help: "Total results gathered",
	},
	[]string{"pipeline", "stage"},
)

// StageFailuresTotal tracks jobs that failed a stage.
var StageFailuresTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_stage_failures_total",
		Help: "Total job failures per stage",
	},
	[]string{"pipeline", "stage"},
)

// WorkersExcludedTotal tracks workers excluded after a timeout.
var WorkersExcludedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_workers_excluded_total",
		Help: "Total workers excluded after a timeout",
	},
	[]string{"pipeline"},
)

// ExitsSentTotal tracks EXIT messages sent.
var ExitsSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "stagecoord_exits_sent_total",
		Help: "Total EXIT messages sent",
	},
	[]string{"pipeline"},
)

// LiveWorkers tracks the number of workers not excluded.
var LiveWorkers = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "stagecoord_live_workers",
		Help: "Current live workers",
	},
	[]string{"pipeline"},
)

// WorkerState tracks worker state (value 1 for current state, 0 otherwise).
var WorkerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "stagecoord_worker_state",
		Help: "Worker state (1 for current state, 0 otherwise)",
	},
	[]string{"pipeline", "worker", "state"},
)

// AggregatedAOT tracks the last AOT value merged across scenes.
var AggregatedAOT = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "stagecoord_aggregated_aot",
		Help: "Last aggregated aerosol optical thickness",
	},
	[]string{"pipeline"},
)

// RoundDuration tracks the wall time of a stage round.
var RoundDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "stagecoord_round_duration_seconds",
		Help:    "Time spent in a stage round",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{"pipeline", "stage"},
)

// JobDuration tracks the time a worker spends on one job.
var JobDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "stagecoord_job_duration_seconds",
		Help:    "Time spent processing one job in one stage",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
	},
	[]string{"pipeline", "stage"},
)
