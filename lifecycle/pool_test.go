package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/metrics"
)

func newPool(t *testing.T, workers int) *Pool {
	t.Helper()
	p, err := New(Config{Workers: workers, Collector: metrics.NewCollector("test-pool")})
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	t.Run("rejects empty pool", func(t *testing.T) {
		_, err := New(Config{Workers: 0})
		assert.ErrorIs(t, err, stagecoord.ErrInvalidConfig)
	})

	t.Run("every worker starts in starting", func(t *testing.T) {
		p := newPool(t, 3)
		assert.Equal(t, 3, p.Size())
		assert.Equal(t, 3, p.LiveCount())
		for r := 1; r <= 3; r++ {
			assert.Equal(t, stagecoord.WorkerStateStarting, p.State(r))
		}
		assert.Equal(t, []int{1, 2, 3}, p.Silent())
	})
}

func TestPool_IdleQueueIsFIFO(t *testing.T) {
	p := newPool(t, 3)

	for _, r := range []int{3, 1, 2} {
		ok, err := p.MarkReady(r)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	var order []int
	for {
		r, ok := p.NextIdle()
		if !ok {
			break
		}
		order = append(order, r)
	}
	assert.Equal(t, []int{3, 1, 2}, order)
}

func TestPool_SingleWorker(t *testing.T) {
	p := newPool(t, 1)

	ok, err := p.MarkReady(1)
	require.NoError(t, err)
	assert.True(t, ok)

	r, ok := p.NextIdle()
	assert.True(t, ok)
	assert.Equal(t, 1, r)

	_, ok = p.NextIdle()
	assert.False(t, ok)
}

func TestPool_DuplicateReadyIsIgnored(t *testing.T) {
	p := newPool(t, 2)

	ok, err := p.MarkReady(1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.MarkReady(1)
	require.NoError(t, err)
	assert.False(t, ok)

	r, ok := p.NextIdle()
	require.True(t, ok)
	assert.Equal(t, 1, r)
	_, ok = p.NextIdle()
	assert.False(t, ok)
}

func TestPool_AssignmentLifecycle(t *testing.T) {
	p := newPool(t, 2)
	p.BeginRound(stagecoord.Stage1)
	now := time.Now()

	_, err := p.MarkReady(2)
	require.NoError(t, err)
	r, ok := p.NextIdle()
	require.True(t, ok)

	a := Assignment{AssignID: "x1", Stage: stagecoord.Stage1, JobIndex: 4, Started: now, Deadline: now.Add(time.Minute)}
	require.NoError(t, p.MarkBusy(r, a))
	assert.Equal(t, stagecoord.WorkerStateBusy, p.State(2))
	assert.Equal(t, 1, p.BusyCount())

	t.Run("ready while busy is a protocol error", func(t *testing.T) {
		_, err := p.MarkReady(2)
		assert.ErrorIs(t, err, stagecoord.ErrProtocol)
	})

	t.Run("mismatched result is a protocol error", func(t *testing.T) {
		_, err := p.Complete(2, "x1", stagecoord.Stage1, 5)
		assert.ErrorIs(t, err, stagecoord.ErrProtocol)
		_, err = p.Complete(2, "other", stagecoord.Stage1, 4)
		assert.ErrorIs(t, err, stagecoord.ErrProtocol)
		_, err = p.Complete(2, "x1", stagecoord.Stage2, 4)
		assert.ErrorIs(t, err, stagecoord.ErrProtocol)
		assert.Equal(t, stagecoord.WorkerStateBusy, p.State(2))
	})

	t.Run("result without an assignment is stale", func(t *testing.T) {
		_, err := p.Complete(1, "old-id", stagecoord.Stage2, 0)
		assert.ErrorIs(t, err, ErrStaleResult)
		assert.NotErrorIs(t, err, stagecoord.ErrProtocol)
		assert.Equal(t, stagecoord.WorkerStateStarting, p.State(1))
	})

	got, err := p.Complete(2, "x1", stagecoord.Stage1, 4)
	require.NoError(t, err)
	assert.Equal(t, a, got)
	assert.Equal(t, stagecoord.WorkerStateDone, p.State(2))
	assert.Contains(t, p.Silent(), 2)

	ok, err = p.MarkReady(2)
	require.NoError(t, err)
	assert.True(t, ok)

	snap := p.Snapshot()
	assert.Equal(t, stagecoord.Stage1, snap.Stage)
	assert.Equal(t, 1, snap.Workers[1].Processed)
	assert.Equal(t, 1, snap.Counts["idle"])
	assert.Equal(t, 1, snap.Counts["starting"])
}

func TestPool_Expired(t *testing.T) {
	p := newPool(t, 3)
	now := time.Now()

	for r := 1; r <= 3; r++ {
		_, err := p.MarkReady(r)
		require.NoError(t, err)
		next, ok := p.NextIdle()
		require.True(t, ok)
		require.NoError(t, p.MarkBusy(next, Assignment{
			AssignID: "a", Stage: stagecoord.Stage2, JobIndex: r,
			Deadline: now.Add(time.Duration(r) * time.Second),
		}))
	}

	next, ok := p.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Second), next)

	assert.Empty(t, p.Expired(now))
	assert.Equal(t, []int{1, 2}, p.Expired(now.Add(2*time.Second)))
}

func TestPool_MarkDead(t *testing.T) {
	p := newPool(t, 2)
	ctx := context.Background()

	_, err := p.MarkReady(1)
	require.NoError(t, err)
	r, _ := p.NextIdle()
	require.NoError(t, p.MarkBusy(r, Assignment{AssignID: "z", Stage: stagecoord.Stage1, JobIndex: 0}))

	a, err := p.MarkDead(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "z", a.AssignID)

	assert.True(t, p.Excluded(1))
	assert.Equal(t, 1, p.LiveCount())
	assert.Equal(t, 0, p.BusyCount())

	t.Run("late ready from a dead worker is ignored", func(t *testing.T) {
		ok, err := p.MarkReady(1)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("marking dead twice is a noop", func(t *testing.T) {
		a, err := p.MarkDead(ctx, 1)
		require.NoError(t, err)
		assert.Nil(t, a)
	})

	t.Run("stale idle entries are skipped", func(t *testing.T) {
		_, err := p.MarkReady(2)
		require.NoError(t, err)
		_, err = p.MarkDead(ctx, 2)
		require.NoError(t, err)
		_, ok := p.NextIdle()
		assert.False(t, ok)
	})
}

func TestPool_MarkExited(t *testing.T) {
	p := newPool(t, 3)

	_, err := p.MarkDead(context.Background(), 2)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, p.PendingExit())

	first, err := p.MarkExited(2)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := p.MarkExited(2)
	require.NoError(t, err)
	assert.False(t, again)

	assert.Equal(t, []int{1, 3}, p.PendingExit())
	assert.Equal(t, 2, p.LiveCount())

	_, err = p.MarkExited(7)
	assert.ErrorIs(t, err, stagecoord.ErrProtocol)
}
