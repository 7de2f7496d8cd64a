// Package storetest holds behaviour tests shared by every RunStore implementation.
package storetest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.RunStore

// Jobs returns n records with a mix of products and stage output.
func Jobs(n int) []stagecoord.JobRecord {
	jobs := make([]stagecoord.JobRecord, n)
	for i := range jobs {
		jobs[i] = stagecoord.JobRecord{
			Index:    i,
			Header:   "scene.mtl",
			Products: stagecoord.ProductSet{stagecoord.ProductDOSAOTSGL, stagecoord.ProductSREF},
		}
	}
	return jobs
}

// Run exercises the RunStore contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)

		run, err := s.CreateRun(ctx, "landsat", 4, Jobs(3))
		require.NoError(t, err)
		assert.NotEmpty(t, run.ID)
		assert.Equal(t, stagecoord.RunStatusRunning, run.Status)
		assert.Equal(t, stagecoord.StageNone, run.LastStage)

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, run.ID, got.ID)
		assert.Equal(t, "landsat", got.Pipeline)
		assert.Equal(t, 4, got.Workers)
		assert.Equal(t, 3, got.Jobs)
		assert.False(t, got.Finished())
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("unknown run", func(t *testing.T) {
		s := newStore(t)

		_, err := s.GetRun(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, stagecoord.ErrRunNotFound)

		_, _, err = s.LoadCheckpoint(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, stagecoord.ErrRunNotFound)

		err = s.SaveStage(ctx, "00000000-0000-0000-0000-000000000000", stagecoord.Stage1, Jobs(1))
		assert.ErrorIs(t, err, stagecoord.ErrRunNotFound)

		err = s.CompleteRun(ctx, "00000000-0000-0000-0000-000000000000", stagecoord.RunStatusCompleted, "")
		assert.ErrorIs(t, err, stagecoord.ErrRunNotFound)
	})

	t.Run("initial checkpoint", func(t *testing.T) {
		s := newStore(t)
		jobs := Jobs(2)

		run, err := s.CreateRun(ctx, "landsat", 1, jobs)
		require.NoError(t, err)

		got, stage, err := s.LoadCheckpoint(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.StageNone, stage)
		assert.Equal(t, jobs, got)
	})

	t.Run("save stage replaces checkpoint", func(t *testing.T) {
		s := newStore(t)
		run, err := s.CreateRun(ctx, "landsat", 2, Jobs(2))
		require.NoError(t, err)

		after1 := Jobs(2)
		v := 0.2
		for i := range after1 {
			after1[i].AOT = &v
			after1[i].Completed = after1[i].Completed.Mark(stagecoord.Stage1)
			require.NoError(t, after1[i].SetField("stage1", map[string]any{"toa": "scene_toa.kea"}))
		}
		after1[1].Failure = &stagecoord.JobFailure{Stage: stagecoord.Stage1, WorkerID: 2, Message: "boom"}
		require.NoError(t, s.SaveStage(ctx, run.ID, stagecoord.Stage1, after1))

		got, stage, err := s.LoadCheckpoint(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.Stage1, stage)
		require.Len(t, got, 2)
		assert.Equal(t, 0.2, *got[0].AOT)
		assert.True(t, got[0].Completed.Has(stagecoord.Stage1))
		assert.JSONEq(t, `{"toa":"scene_toa.kea"}`, string(got[0].Fields["stage1"]))
		require.NotNil(t, got[1].Failure)
		assert.Equal(t, "boom", got[1].Failure.Message)

		r, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.Stage1, r.LastStage)

		require.NoError(t, s.SaveStage(ctx, run.ID, stagecoord.Stage3, after1))
		_, stage, err = s.LoadCheckpoint(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.Stage3, stage)
	})

	t.Run("complete run", func(t *testing.T) {
		s := newStore(t)
		run, err := s.CreateRun(ctx, "landsat", 2, Jobs(1))
		require.NoError(t, err)

		err = s.CompleteRun(ctx, run.ID, stagecoord.RunStatusRunning, "")
		assert.ErrorIs(t, err, store.ErrInvalidStatus)

		require.NoError(t, s.CompleteRun(ctx, run.ID, stagecoord.RunStatusFailed, "stage2 failed for job 0"))

		got, err := s.GetRun(ctx, run.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.RunStatusFailed, got.Status)
		assert.Equal(t, "stage2 failed for job 0", got.Error)
		assert.True(t, got.Finished())

		err = s.CompleteRun(ctx, run.ID, stagecoord.RunStatusCompleted, "")
		assert.ErrorIs(t, err, store.ErrRunFinished)

		err = s.SaveStage(ctx, run.ID, stagecoord.Stage4, Jobs(1))
		assert.ErrorIs(t, err, store.ErrRunFinished)
	})

	t.Run("reopen resumable runs", func(t *testing.T) {
		s := newStore(t)

		for _, status := range []stagecoord.RunStatus{stagecoord.RunStatusFailed, stagecoord.RunStatusInterrupted} {
			run, err := s.CreateRun(ctx, "landsat", 2, Jobs(2))
			require.NoError(t, err)
			require.NoError(t, s.SaveStage(ctx, run.ID, stagecoord.Stage1, Jobs(2)))
			require.NoError(t, s.CompleteRun(ctx, run.ID, status, "stage2 failed for job 0"))

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.True(t, got.Resumable(), "status %s", status)

			reopened, err := s.ReopenRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, stagecoord.RunStatusRunning, reopened.Status)
			assert.Empty(t, reopened.Error)
			assert.Equal(t, stagecoord.Stage1, reopened.LastStage)

			require.NoError(t, s.SaveStage(ctx, run.ID, stagecoord.Stage2, Jobs(2)))
			require.NoError(t, s.CompleteRun(ctx, run.ID, stagecoord.RunStatusCompleted, ""))
		}

		running, err := s.CreateRun(ctx, "landsat", 2, Jobs(1))
		require.NoError(t, err)
		reopened, err := s.ReopenRun(ctx, running.ID)
		require.NoError(t, err)
		assert.Equal(t, stagecoord.RunStatusRunning, reopened.Status)
	})

	t.Run("reopen rejects final runs", func(t *testing.T) {
		s := newStore(t)

		for _, status := range []stagecoord.RunStatus{stagecoord.RunStatusCompleted, stagecoord.RunStatusCompletedWithFailures} {
			run, err := s.CreateRun(ctx, "landsat", 1, Jobs(1))
			require.NoError(t, err)
			require.NoError(t, s.CompleteRun(ctx, run.ID, status, ""))

			_, err = s.ReopenRun(ctx, run.ID)
			assert.ErrorIs(t, err, store.ErrRunFinished, "status %s", status)

			got, err := s.GetRun(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, status, got.Status)
		}

		_, err := s.ReopenRun(ctx, "00000000-0000-0000-0000-000000000000")
		assert.ErrorIs(t, err, stagecoord.ErrRunNotFound)
	})

	t.Run("concurrent runs", func(t *testing.T) {
		s := newStore(t)

		var wg sync.WaitGroup
		ids := make([]string, 8)
		errs := make([]error, 8)
		for i := range ids {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				run, err := s.CreateRun(ctx, "landsat", 1, Jobs(1))
				if err == nil {
					err = s.SaveStage(ctx, run.ID, stagecoord.Stage1, Jobs(1))
				}
				ids[i], errs[i] = run.ID, err
			}(i)
		}
		wg.Wait()

		seen := map[string]bool{}
		for i, id := range ids {
			require.NoError(t, errs[i])
			assert.False(t, seen[id], "duplicate run id %s", id)
			seen[id] = true
		}
	})
}
