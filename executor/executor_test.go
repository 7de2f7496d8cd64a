package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
)

func TestFuncs_Run(t *testing.T) {
	funcs := Funcs{
		Stage1: func(ctx context.Context, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
			job.Index = 99
			return job, job.SetField("toa", job.Header+".toa")
		},
		Stage2: func(ctx context.Context, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
			return job, errors.New("6S not found")
		},
	}

	t.Run("runs registered stage and pins index", func(t *testing.T) {
		out, err := funcs.Run(context.Background(), stagecoord.Stage1, stagecoord.JobRecord{Index: 2, Header: "a"})
		require.NoError(t, err)
		assert.Equal(t, 2, out.Index)

		var toa string
		ok, err := out.Field("toa", &toa)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "a.toa", toa)
	})

	t.Run("propagates stage error", func(t *testing.T) {
		_, err := funcs.Run(context.Background(), stagecoord.Stage2, stagecoord.JobRecord{})
		assert.EqualError(t, err, "6S not found")
	})

	t.Run("missing stage", func(t *testing.T) {
		_, err := funcs.Run(context.Background(), stagecoord.Stage3, stagecoord.JobRecord{})
		assert.ErrorIs(t, err, stagecoord.ErrStageNotRegistered)
	})
}

func TestCommandRunner_Run(t *testing.T) {
	runner := NewCommandRunner(CommandConfig{
		Commands: map[stagecoord.Stage]string{
			stagecoord.Stage1: "cat",
			stagecoord.Stage2: "echo 'bad dem' >&2; exit 3",
			stagecoord.Stage3: "cat >/dev/null; echo \"{\\\"index\\\":7,\\\"header\\\":\\\"$STAGECOORD_STAGE\\\"}\"",
			stagecoord.Stage4: "cat >/dev/null",
		},
	})

	job := stagecoord.JobRecord{Index: 1, Header: "scene.mtl", Products: stagecoord.ProductSet{stagecoord.ProductTOA}}

	t.Run("round trips the record through stdin and stdout", func(t *testing.T) {
		out, err := runner.Run(context.Background(), stagecoord.Stage1, job)
		require.NoError(t, err)
		assert.Equal(t, job.Header, out.Header)
		assert.Equal(t, job.Products, out.Products)
	})

	t.Run("non-zero exit carries stderr", func(t *testing.T) {
		_, err := runner.Run(context.Background(), stagecoord.Stage2, job)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad dem")
	})

	t.Run("exposes stage in environment and keeps index", func(t *testing.T) {
		out, err := runner.Run(context.Background(), stagecoord.Stage3, job)
		require.NoError(t, err)
		assert.Equal(t, 1, out.Index)
		assert.Equal(t, "3", out.Header)
	})

	t.Run("empty output leaves record unchanged", func(t *testing.T) {
		out, err := runner.Run(context.Background(), stagecoord.Stage4, job)
		require.NoError(t, err)
		assert.Equal(t, job.Header, out.Header)
	})

	t.Run("missing command", func(t *testing.T) {
		r := NewCommandRunner(CommandConfig{})
		_, err := r.Run(context.Background(), stagecoord.Stage1, job)
		assert.ErrorIs(t, err, stagecoord.ErrStageNotRegistered)
	})

	t.Run("bounded by context", func(t *testing.T) {
		r := NewCommandRunner(CommandConfig{
			Commands: map[stagecoord.Stage]string{stagecoord.Stage1: "sleep 5"},
		})
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		_, err := r.Run(ctx, stagecoord.Stage1, job)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestMockRunner(t *testing.T) {
	t.Run("records calls and returns job by default", func(t *testing.T) {
		mock := NewMockRunner()

		out, err := mock.Run(context.Background(), stagecoord.Stage1, stagecoord.JobRecord{Index: 4})
		require.NoError(t, err)
		assert.Equal(t, 4, out.Index)

		_, _ = mock.Run(context.Background(), stagecoord.Stage4, stagecoord.JobRecord{Index: 5})

		require.Len(t, mock.Calls(), 2)
		require.Len(t, mock.CallsFor(stagecoord.Stage4), 1)
		assert.Equal(t, 5, mock.CallsFor(stagecoord.Stage4)[0].Job.Index)
	})

	t.Run("uses RunFunc when set", func(t *testing.T) {
		mock := NewMockRunner()
		mock.RunFunc = func(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
			return job, errors.New("boom")
		}

		_, err := mock.Run(context.Background(), stagecoord.Stage2, stagecoord.JobRecord{})
		assert.EqualError(t, err, "boom")
	})

	t.Run("reset clears history", func(t *testing.T) {
		mock := NewMockRunner()
		_, _ = mock.Run(context.Background(), stagecoord.Stage1, stagecoord.JobRecord{})
		mock.Reset()
		assert.Empty(t, mock.Calls())
	})
}
