package barrier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
)

func TestGate_FullRound(t *testing.T) {
	g := New()

	require.NoError(t, g.Open(stagecoord.Stage1))
	require.NoError(t, g.Dispatch(stagecoord.Stage1))
	require.NoError(t, g.Dispatch(stagecoord.Stage1))
	assert.Equal(t, 2, g.Outstanding())

	require.NoError(t, g.Gather(stagecoord.Stage1))
	require.NoError(t, g.Gather(stagecoord.Stage1))
	assert.Equal(t, 0, g.Outstanding())

	dispatched, gathered := g.Counts()
	assert.Equal(t, 2, dispatched)
	assert.Equal(t, 2, gathered)

	require.NoError(t, g.Seal(stagecoord.Stage1))

	stage, open := g.Current()
	assert.Equal(t, stagecoord.Stage1, stage)
	assert.False(t, open)
}

func TestGate_Ordering(t *testing.T) {
	t.Run("cannot open while a round is open", func(t *testing.T) {
		g := New()
		require.NoError(t, g.Open(stagecoord.Stage1))
		err := g.Open(stagecoord.Stage2)
		assert.ErrorIs(t, err, ErrBarrierViolation)
	})

	t.Run("cannot reopen a sealed stage", func(t *testing.T) {
		g := New()
		require.NoError(t, g.Open(stagecoord.Stage2))
		require.NoError(t, g.Seal(stagecoord.Stage2))
		assert.ErrorIs(t, g.Open(stagecoord.Stage2), ErrBarrierViolation)
		assert.ErrorIs(t, g.Open(stagecoord.Stage1), ErrBarrierViolation)
		assert.NoError(t, g.Open(stagecoord.Stage4))
	})

	t.Run("cannot dispatch the next stage before sealing", func(t *testing.T) {
		g := New()
		require.NoError(t, g.Open(stagecoord.Stage1))
		require.NoError(t, g.Dispatch(stagecoord.Stage1))
		assert.ErrorIs(t, g.Dispatch(stagecoord.Stage2), ErrBarrierViolation)
	})

	t.Run("cannot dispatch without a round", func(t *testing.T) {
		g := New()
		assert.ErrorIs(t, g.Dispatch(stagecoord.Stage1), ErrBarrierViolation)
	})

	t.Run("invalid stage", func(t *testing.T) {
		g := New()
		assert.ErrorIs(t, g.Open(stagecoord.StageNone), ErrBarrierViolation)
	})
}

func TestGate_SealWithOutstanding(t *testing.T) {
	g := New()
	require.NoError(t, g.Open(stagecoord.Stage1))
	require.NoError(t, g.Dispatch(stagecoord.Stage1))

	err := g.Seal(stagecoord.Stage1)
	assert.ErrorIs(t, err, ErrOutstanding)

	require.NoError(t, g.Abandon(stagecoord.Stage1))
	assert.NoError(t, g.Seal(stagecoord.Stage1))
}

func TestGate_GatherWithoutDispatch(t *testing.T) {
	g := New()
	require.NoError(t, g.Open(stagecoord.Stage1))
	assert.ErrorIs(t, g.Gather(stagecoord.Stage1), ErrBarrierViolation)
	assert.ErrorIs(t, g.Abandon(stagecoord.Stage1), ErrBarrierViolation)
}

func TestGate_Wait(t *testing.T) {
	t.Run("returns immediately when idle", func(t *testing.T) {
		g := New()
		assert.NoError(t, g.Wait(context.Background()))
	})

	t.Run("unblocks on last gather", func(t *testing.T) {
		g := New()
		require.NoError(t, g.Open(stagecoord.Stage3))
		require.NoError(t, g.Dispatch(stagecoord.Stage3))

		done := make(chan error, 1)
		go func() {
			done <- g.Wait(context.Background())
		}()

		select {
		case <-done:
			t.Fatal("Wait returned while work was outstanding")
		case <-time.After(20 * time.Millisecond):
		}

		require.NoError(t, g.Gather(stagecoord.Stage3))

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("Wait did not return after gather")
		}
	})

	t.Run("honors context", func(t *testing.T) {
		g := New()
		require.NoError(t, g.Open(stagecoord.Stage1))
		require.NoError(t, g.Dispatch(stagecoord.Stage1))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, g.Wait(ctx), context.DeadlineExceeded)
	})
}
