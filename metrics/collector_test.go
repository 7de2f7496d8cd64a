package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/getpup/stagecoord"
)

func TestNewCollector_CreatesCollectorWithPipeline(t *testing.T) {
	collector := NewCollector("test-pipeline")

	assert.NotNil(t, collector)
	assert.Equal(t, "test-pipeline", collector.pipeline)
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.IncRuns(stagecoord.RunStatusCompleted)
		collector.IncDispatches(stagecoord.Stage1)
		collector.SetWorkerState(1, stagecoord.WorkerStateBusy)
		collector.ObserveJobDuration(stagecoord.Stage1, 1)
	})
}

func TestCollector_IncRuns(t *testing.T) {
	collector := NewCollector("test-pl-coll-1")

	before := testutil.ToFloat64(RunsTotal.WithLabelValues("test-pl-coll-1", "failed"))
	collector.IncRuns(stagecoord.RunStatusFailed)
	after := testutil.ToFloat64(RunsTotal.WithLabelValues("test-pl-coll-1", "failed"))

	assert.Equal(t, before+1, after)
}

func TestCollector_StageCounters(t *testing.T) {
	collector := NewCollector("test-pl-coll-2")

	tests := []struct {
		name string
		inc  func(stagecoord.Stage)
		read func() float64
	}{
		{"rounds", collector.IncStageRounds, func() float64 {
			return testutil.ToFloat64(StageRoundsTotal.WithLabelValues("test-pl-coll-2", "stage2"))
		}},
		{"skips", collector.IncStageSkips, func() float64 {
			return testutil.ToFloat64(StageSkipsTotal.WithLabelValues("test-pl-coll-2", "stage2"))
		}},
		{"dispatches", collector.IncDispatches, func() float64 {
			return testutil.ToFloat64(DispatchesTotal.WithLabelValues("test-pl-coll-2", "stage2"))
		}},
		{"results", collector.IncResults, func() float64 {
			return testutil.ToFloat64(ResultsTotal.WithLabelValues("test-pl-coll-2", "stage2"))
		}},
		{"failures", collector.IncStageFailures, func() float64 {
			return testutil.ToFloat64(StageFailuresTotal.WithLabelValues("test-pl-coll-2", "stage2"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := tt.read()
			tt.inc(stagecoord.Stage2)
			assert.Equal(t, before+1, tt.read())
		})
	}
}

func TestCollector_IncWorkersExcluded(t *testing.T) {
	collector := NewCollector("test-pl-coll-3")

	before := testutil.ToFloat64(WorkersExcludedTotal.WithLabelValues("test-pl-coll-3"))
	collector.IncWorkersExcluded()
	after := testutil.ToFloat64(WorkersExcludedTotal.WithLabelValues("test-pl-coll-3"))

	assert.Equal(t, before+1, after)
}

func TestCollector_IncExitsSent(t *testing.T) {
	collector := NewCollector("test-pl-coll-4")

	before := testutil.ToFloat64(ExitsSentTotal.WithLabelValues("test-pl-coll-4"))
	collector.IncExitsSent()
	collector.IncExitsSent()
	after := testutil.ToFloat64(ExitsSentTotal.WithLabelValues("test-pl-coll-4"))

	assert.Equal(t, before+2, after)
}

func TestCollector_SetLiveWorkers(t *testing.T) {
	collector := NewCollector("test-pl-coll-5")

	collector.SetLiveWorkers(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(LiveWorkers.WithLabelValues("test-pl-coll-5")))
}

func TestCollector_SetWorkerState(t *testing.T) {
	collector := NewCollector("test-pl-coll-6")

	collector.SetWorkerState(2, stagecoord.WorkerStateBusy)

	assert.Equal(t, float64(1), testutil.ToFloat64(WorkerState.WithLabelValues("test-pl-coll-6", "2", "busy")))
	assert.Equal(t, float64(0), testutil.ToFloat64(WorkerState.WithLabelValues("test-pl-coll-6", "2", "idle")))

	collector.SetWorkerState(2, stagecoord.WorkerStateDead)

	assert.Equal(t, float64(0), testutil.ToFloat64(WorkerState.WithLabelValues("test-pl-coll-6", "2", "busy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(WorkerState.WithLabelValues("test-pl-coll-6", "2", "dead")))
}

func TestCollector_SetAggregatedAOT(t *testing.T) {
	collector := NewCollector("test-pl-coll-7")

	collector.SetAggregatedAOT(0.2)
	assert.InDelta(t, 0.2, testutil.ToFloat64(AggregatedAOT.WithLabelValues("test-pl-coll-7")), 1e-9)
}

func TestCollector_ObserveDurations(t *testing.T) {
	collector := NewCollector("test-pl-coll-8")

	assert.NotPanics(t, func() {
		collector.ObserveRoundDuration(stagecoord.Stage1, 2.5)
		collector.ObserveJobDuration(stagecoord.Stage1, 0.5)
	})
}
