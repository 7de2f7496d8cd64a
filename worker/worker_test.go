package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/transport"
	"github.com/getpup/stagecoord/transport/chanbus"
)

type harness struct {
	coord  transport.Conn
	worker *Worker
	runner *executor.MockRunner
	done   chan error
}

func start(t *testing.T, runner *executor.MockRunner) *harness {
	t.Helper()

	bus, err := chanbus.New(chanbus.Config{Workers: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	coord, err := bus.Endpoint(0)
	require.NoError(t, err)
	conn, err := bus.Endpoint(1)
	require.NoError(t, err)

	w, err := New(Config{Conn: conn, Runner: runner})
	require.NoError(t, err)

	h := &harness{coord: coord, worker: w, runner: runner, done: make(chan error, 1)}
	go func() {
		h.done <- w.Run(context.Background())
	}()
	return h
}

func (h *harness) recv(t *testing.T) transport.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := h.coord.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func (h *harness) send(t *testing.T, msg transport.Message) {
	t.Helper()
	require.NoError(t, h.coord.Send(context.Background(), 1, msg))
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
		return nil
	}
}

func TestNew(t *testing.T) {
	bus, err := chanbus.New(chanbus.Config{Workers: 1})
	require.NoError(t, err)
	coord, _ := bus.Endpoint(0)
	conn, _ := bus.Endpoint(1)

	_, err = New(Config{Runner: executor.NewMockRunner()})
	assert.Error(t, err)

	_, err = New(Config{Conn: conn})
	assert.Error(t, err)

	_, err = New(Config{Conn: coord, Runner: executor.NewMockRunner()})
	assert.Error(t, err, "rank 0 is the coordinator")
}

func TestWorker_ReadyThenExit(t *testing.T) {
	h := start(t, executor.NewMockRunner())

	ready := h.recv(t)
	assert.Equal(t, transport.KindReady, ready.Kind())
	assert.Equal(t, 1, ready.From())

	exit, err := transport.NewExit(1)
	require.NoError(t, err)
	h.send(t, exit)

	assert.NoError(t, h.wait(t))
	assert.Equal(t, StateTerminated, h.worker.State())
	assert.Equal(t, 0, h.worker.Processed())
	assert.Empty(t, h.runner.Calls())
}

func TestWorker_RunsAssignments(t *testing.T) {
	runner := executor.NewMockRunner()
	runner.RunFunc = func(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
		v := 0.3
		job.AOT = &v
		job.Index = 100
		return job, nil
	}
	h := start(t, runner)

	h.recv(t)

	assign, err := transport.NewAssign(1, stagecoord.Stage1, stagecoord.JobRecord{Index: 2, Header: "s.mtl"})
	require.NoError(t, err)
	h.send(t, assign)

	result := h.recv(t)
	assert.Equal(t, transport.KindResult, result.Kind())
	assert.Equal(t, assign.AssignID(), result.AssignID())
	assert.Equal(t, stagecoord.Stage1, result.Stage())
	assert.Nil(t, result.Err())
	assert.Equal(t, 2, result.Job().Index, "index is pinned to the assignment")
	assert.Equal(t, 0.3, *result.Job().AOT)

	ready := h.recv(t)
	assert.Equal(t, transport.KindReady, ready.Kind())
	assert.Equal(t, 1, h.worker.Processed())

	exit, _ := transport.NewExit(1)
	h.send(t, exit)
	assert.NoError(t, h.wait(t))

	require.Len(t, runner.CallsFor(stagecoord.Stage1), 1)
	assert.Equal(t, "s.mtl", runner.CallsFor(stagecoord.Stage1)[0].Job.Header)
}

func TestWorker_StageErrorBecomesResult(t *testing.T) {
	runner := executor.NewMockRunner()
	runner.RunFunc = func(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
		return job, errors.New("missing DEM")
	}
	h := start(t, runner)
	h.recv(t)

	assign, _ := transport.NewAssign(1, stagecoord.Stage2, stagecoord.JobRecord{Index: 1})
	h.send(t, assign)

	result := h.recv(t)
	require.NotNil(t, result.Err())
	assert.Equal(t, "missing DEM", result.Err().Message)
	assert.Equal(t, 1, result.Err().JobIndex)
	assert.False(t, result.Err().Panic)

	assert.Equal(t, transport.KindReady, h.recv(t).Kind(), "worker keeps running after a stage failure")

	exit, _ := transport.NewExit(1)
	h.send(t, exit)
	assert.NoError(t, h.wait(t))
}

func TestWorker_PanicBecomesResult(t *testing.T) {
	runner := executor.NewMockRunner()
	runner.RunFunc = func(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
		panic("index out of range")
	}
	h := start(t, runner)
	h.recv(t)

	assign, _ := transport.NewAssign(1, stagecoord.Stage3, stagecoord.JobRecord{Index: 0})
	h.send(t, assign)

	result := h.recv(t)
	require.NotNil(t, result.Err())
	assert.True(t, result.Err().Panic)
	assert.Contains(t, result.Err().Message, "index out of range")

	assert.Equal(t, transport.KindReady, h.recv(t).Kind())

	exit, _ := transport.NewExit(1)
	h.send(t, exit)
	assert.NoError(t, h.wait(t))
}

func TestWorker_IgnoresUnexpectedMessages(t *testing.T) {
	h := start(t, executor.NewMockRunner())
	h.recv(t)

	stray, err := transport.NewReady(1)
	require.NoError(t, err)
	h.send(t, stray)

	exit, _ := transport.NewExit(1)
	h.send(t, exit)
	assert.NoError(t, h.wait(t))
}

func TestWorker_ContextCancel(t *testing.T) {
	bus, err := chanbus.New(chanbus.Config{Workers: 1})
	require.NoError(t, err)
	conn, _ := bus.Endpoint(1)

	w, err := New(Config{Conn: conn, Runner: executor.NewMockRunner()})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateTerminated, w.State())
}
