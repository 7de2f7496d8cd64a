package stagecoord

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func floatPtr(v float64) *float64 { return &v }

func TestStage_String(t *testing.T) {
	assert.Equal(t, "stage1", Stage1.String())
	assert.Equal(t, "stage4", Stage4.String())
	assert.Equal(t, "none", StageNone.String())
	assert.Equal(t, "none", Stage(9).String())
}

func TestParseStage(t *testing.T) {
	t.Run("round trips every stage", func(t *testing.T) {
		for _, s := range Stages {
			got, err := ParseStage(s.String())
			require.NoError(t, err)
			assert.Equal(t, s, got)
		}
	})

	t.Run("empty is none", func(t *testing.T) {
		got, err := ParseStage("")
		require.NoError(t, err)
		assert.Equal(t, StageNone, got)
	})

	t.Run("unknown stage", func(t *testing.T) {
		_, err := ParseStage("stage7")
		assert.Error(t, err)
	})
}

func TestStageMask(t *testing.T) {
	var m StageMask
	assert.False(t, m.Has(Stage1))

	m = m.Mark(Stage1).Mark(Stage3)
	assert.True(t, m.Has(Stage1))
	assert.False(t, m.Has(Stage2))
	assert.True(t, m.Has(Stage3))
	assert.False(t, m.Has(Stage4))

	assert.Equal(t, m, m.Mark(StageNone))
	assert.False(t, m.Has(StageNone))
}

func TestJobRecord_Clone(t *testing.T) {
	orig := JobRecord{
		Index:    3,
		Header:   "scene.mtl",
		Products: ProductSet{ProductSREF},
		AOT:      floatPtr(0.1),
		Failure:  &JobFailure{Stage: Stage2, WorkerID: 1, Message: "boom"},
	}
	require.NoError(t, orig.SetField("toa", "scene_toa.kea"))

	cp := orig.Clone()
	*cp.AOT = 0.9
	cp.Products[0] = ProductDOS
	cp.Fields["toa"][0] = 'x'
	cp.Failure.Message = "changed"

	assert.Equal(t, 0.1, *orig.AOT)
	assert.Equal(t, ProductSREF, orig.Products[0])
	assert.Equal(t, "boom", orig.Failure.Message)

	var toa string
	ok, err := orig.Field("toa", &toa)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "scene_toa.kea", toa)
}

func TestJobRecord_Field(t *testing.T) {
	var j JobRecord

	var v int
	ok, err := j.Field("missing", &v)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, j.SetField("count", 4))
	ok, err = j.Field("count", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 4, v)

	var s string
	_, err = j.Field("count", &s)
	assert.Error(t, err)
}

func TestCloneJobs(t *testing.T) {
	jobs := []JobRecord{{Index: 0, AOT: floatPtr(0.2)}, {Index: 1}}
	cp := CloneJobs(jobs)
	require.Len(t, cp, 2)
	*cp[0].AOT = 1
	assert.Equal(t, 0.2, *jobs[0].AOT)
}

func TestParseProducts(t *testing.T) {
	t.Run("accepts known names case-insensitively", func(t *testing.T) {
		ps, err := ParseProducts([]string{"sref", "DOSAOTSGL", " METADATA ", "SREF"})
		require.NoError(t, err)
		assert.Equal(t, ProductSet{ProductSREF, ProductDOSAOTSGL, ProductMETADATA}, ps)
	})

	t.Run("rejects unknown names", func(t *testing.T) {
		_, err := ParseProducts([]string{"TOA", "NDVI"})
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	assert.Len(t, KnownProducts(), 16)
}

func TestProductSet_Needs(t *testing.T) {
	tests := []struct {
		name      string
		products  ProductSet
		aggregate bool
		image     bool
		sref      bool
		metadata  bool
	}{
		{"toa only", ProductSet{ProductTOA}, false, false, false, false},
		{"single dos aot", ProductSet{ProductDOSAOTSGL, ProductSREF}, true, false, true, false},
		{"ddv aot image", ProductSet{ProductDDVAOT}, true, true, false, false},
		{"dos aot image", ProductSet{ProductDOSAOT, ProductMETADATA}, true, true, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.aggregate, tt.products.NeedsAOTAggregation())
			assert.Equal(t, tt.aggregate, tt.products.NeedsAODMinMax())
			assert.Equal(t, tt.image, tt.products.NeedsAOTImage())
			assert.Equal(t, tt.sref, tt.products.NeedsSREF())
			assert.Equal(t, tt.sref, tt.products.NeedsAOD())
			assert.Equal(t, tt.metadata, tt.products.NeedsMetadata())
		})
	}
}

func TestProductSet_NeedsTmpPath(t *testing.T) {
	assert.False(t, ProductSet{ProductTOA}.NeedsTmpPath(false))
	assert.True(t, ProductSet{ProductCLOUDS}.NeedsTmpPath(true))
	assert.True(t, ProductSet{ProductDOS}.NeedsTmpPath(false))
	assert.False(t, ProductSet{ProductDOS}.NeedsTmpPath(true))
	assert.True(t, ProductSet{ProductTOPOSHADOW}.NeedsTmpPath(true))
}

func TestPlanFor(t *testing.T) {
	t.Run("union of every record", func(t *testing.T) {
		plan := PlanFor([]JobRecord{
			{Products: ProductSet{ProductTOA}},
			{Products: ProductSet{ProductDOSAOTSGL, ProductSREF}},
			{Products: ProductSet{ProductMETADATA}},
		})
		assert.Equal(t, Plan{Aggregate: true, Stage2: true, Stage3: true}, plan)
	})

	t.Run("stages 1 and 4 always run", func(t *testing.T) {
		plan := PlanFor([]JobRecord{{Products: ProductSet{ProductTOA}}})
		assert.True(t, plan.Runs(Stage1))
		assert.False(t, plan.Runs(Stage2))
		assert.False(t, plan.Runs(Stage3))
		assert.True(t, plan.Runs(Stage4))
		assert.False(t, plan.Runs(StageNone))
	})
}

func TestStageError(t *testing.T) {
	cause := errors.New("gdal exploded")
	err := fmt.Errorf("run failed: %w", &StageError{Stage: Stage2, JobIndex: 1, WorkerID: 3, Err: cause})

	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Stage2, se.Stage)
	assert.Equal(t, 1, se.JobIndex)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "stage2 failed for job 1 on worker 3")
}

func TestRunStatusFor(t *testing.T) {
	ok := []JobRecord{{Index: 0}, {Index: 1}}
	assert.Equal(t, RunStatusCompleted, RunStatusFor(ok, nil))

	withFailure := []JobRecord{{Index: 0}, {Index: 1, Failure: &JobFailure{Stage: Stage2, Message: "x"}}}
	assert.Equal(t, RunStatusCompletedWithFailures, RunStatusFor(withFailure, nil))

	assert.Equal(t, RunStatusFailed, RunStatusFor(nil, ErrNoLiveWorkers))
	assert.Equal(t, RunStatusInterrupted, RunStatusFor(nil, fmt.Errorf("failed to receive during stage1: %w", context.Canceled)))
	assert.Equal(t, RunStatusInterrupted, RunStatusFor(nil, context.DeadlineExceeded))
}

func TestRunStatus_Final(t *testing.T) {
	assert.True(t, RunStatusCompleted.Final())
	assert.True(t, RunStatusCompletedWithFailures.Final())
	assert.False(t, RunStatusRunning.Final())
	assert.False(t, RunStatusFailed.Final())
	assert.False(t, RunStatusInterrupted.Final())
}
