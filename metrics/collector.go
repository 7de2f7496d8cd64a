package metrics

import (
	"strconv"

	"github.com/getpup/stagecoord"
)

// Collector wraps metrics and provides helper methods with pre-filled labels.
// A nil *Collector is valid and records nothing.
type Collector struct {
	pipeline string
}

// NewCollector creates a new Collector for the given pipeline name.
func NewCollector(pipeline string) *Collector {
	return &Collector{pipeline: pipeline}
}

// IncRuns increments the runs counter for status.
func (c *Collector) IncRuns(status stagecoord.RunStatus) {
	if c == nil {
		return
	}
	RunsTotal.WithLabelValues(c.pipeline, string(status)).Inc()
}

// IncStageRounds increments the stage rounds counter.
func (c *Collector) IncStageRounds(stage stagecoord.Stage) {
	if c == nil {
		return
	}
	StageRoundsTotal.WithLabelValues(c.pipeline, stage.String()).Inc()
}

// IncStageSkips increments the skipped stages counter.
func (c *Collector) IncStageSkips(stage stagecoord.Stage) {
	if c == nil {
		return
	}
	StageSkipsTotal.WithLabelValues(c.pipeline, stage.String()).Inc()
}

// IncDispatches increments the dispatches counter.
func (c *Collector) IncDispatches(stage stagecoord.Stage) {
	if c == nil {
		return
	}
	DispatchesTotal.WithLabelValues(c.pipeline, stage.String()).Inc()
}

// IncResults increments the results counter.
func (c *Collector) IncResults(stage stagecoord.Stage) {
	if c == nil {
		return
	}
	ResultsTotal.WithLabelValues(c.pipeline, stage.String()).Inc()
}

// IncStageFailures increments the stage failures counter.
func (c *Collector) IncStageFailures(stage stagecoord.Stage) {
	if c == nil {
		return
	}
	StageFailuresTotal.WithLabelValues(c.pipeline, stage.String()).Inc()
}

// IncWorkersExcluded increments the excluded workers counter.
func (c *Collector) IncWorkersExcluded() {
	if c == nil {
		return
	}
	WorkersExcludedTotal.WithLabelValues(c.pipeline).Inc()
}

// IncExitsSent increments the EXIT counter.
func (c *Collector) IncExitsSent() {
	if c == nil {
		return
	}
	ExitsSentTotal.WithLabelValues(c.pipeline).Inc()
}

// SetLiveWorkers sets the live workers gauge.
func (c *Collector) SetLiveWorkers(count int) {
	if c == nil {
		return
	}
	LiveWorkers.WithLabelValues(c.pipeline).Set(float64(count))
}

// SetWorkerState sets the worker state gauge. Sets value to 1 for the given state, 0 for others.
func (c *Collector) SetWorkerState(rank int, state stagecoord.WorkerState) {
	if c == nil {
		return
	}
	worker := strconv.Itoa(rank)
	for _, s := range stagecoord.AllWorkerStates {
		if s == state {
			WorkerState.WithLabelValues(c.pipeline, worker, string(s)).Set(1)
		} else {
			WorkerState.WithLabelValues(c.pipeline, worker, string(s)).Set(0)
		}
	}
}

// SetAggregatedAOT sets the aggregated AOT gauge.
func (c *Collector) SetAggregatedAOT(v float64) {
	if c == nil {
		return
	}
	AggregatedAOT.WithLabelValues(c.pipeline).Set(v)
}

// ObserveRoundDuration records a stage round duration observation.
func (c *Collector) ObserveRoundDuration(stage stagecoord.Stage, seconds float64) {
	if c == nil {
		return
	}
	RoundDuration.WithLabelValues(c.pipeline, stage.String()).Observe(seconds)
}

// ObserveJobDuration records a single job duration observation.
func (c *Collector) ObserveJobDuration(stage stagecoord.Stage, seconds float64) {
	if c == nil {
		return
	}
	JobDuration.WithLabelValues(c.pipeline, stage.String()).Observe(seconds)
}
