package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/transport"
	"github.com/getpup/stagecoord/transport/chanbus"
	"github.com/getpup/stagecoord/worker"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) filter(kind EventKind, stage stagecoord.Stage) []Event {
	var out []Event
	for _, e := range r.all() {
		if e.Kind == kind && (stage == stagecoord.StageNone || e.Stage == stage) {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) exitsPerWorker() map[int]int {
	out := make(map[int]int)
	for _, e := range r.filter(EventExit, stagecoord.StageNone) {
		out[e.Worker]++
	}
	return out
}

type cluster struct {
	bus     *chanbus.Bus
	coord   *Coordinator
	trace   *recorder
	conns   map[int]transport.Conn
	results chan error
	started int
	cancel  context.CancelFunc
	ctx     context.Context
}

// newCluster builds a coordinator for n workers. No worker is started.
func newCluster(t *testing.T, n int, mutate func(*Config)) *cluster {
	t.Helper()

	bus, err := chanbus.New(chanbus.Config{Workers: n})
	require.NoError(t, err)

	coordConn, err := bus.Endpoint(0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	c := &cluster{
		bus:     bus,
		trace:   &recorder{},
		conns:   make(map[int]transport.Conn),
		results: make(chan error, n),
		cancel:  cancel,
		ctx:     ctx,
	}
	t.Cleanup(func() {
		cancel()
		_ = bus.Close()
	})

	for rank := 1; rank <= n; rank++ {
		conn, err := bus.Endpoint(rank)
		require.NoError(t, err)
		c.conns[rank] = conn
	}

	cfg := Config{
		Conn:         coordConn,
		Workers:      n,
		StageTimeout: 5 * time.Second,
		ReadyTimeout: 5 * time.Second,
		Trace:        c.trace.record,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c.coord, err = New(cfg)
	require.NoError(t, err)
	return c
}

// startWorker runs a real worker on rank.
func (c *cluster) startWorker(t *testing.T, rank int, runner executor.Runner) {
	t.Helper()
	w, err := worker.New(worker.Config{Conn: c.conns[rank], Runner: runner})
	require.NoError(t, err)
	c.started++
	go func() {
		c.results <- w.Run(c.ctx)
	}()
}

func (c *cluster) startWorkers(t *testing.T, runner executor.Runner) {
	t.Helper()
	for rank := 1; rank <= len(c.conns); rank++ {
		c.startWorker(t, rank, runner)
	}
}

// waitWorkers waits for every started worker to return and fails the test
// if one is left blocked.
func (c *cluster) waitWorkers(t *testing.T) []error {
	t.Helper()
	var errs []error
	for i := 0; i < c.started; i++ {
		select {
		case err := <-c.results:
			errs = append(errs, err)
		case <-time.After(2 * time.Second):
			t.Fatalf("worker left blocked: %d of %d returned", i, c.started)
		}
	}
	return errs
}

// assertMailboxEmpty fails if anything is still queued for rank.
func (c *cluster) assertMailboxEmpty(t *testing.T, rank int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	msg, err := c.conns[rank].Recv(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded, "unexpected message %s for rank %d", msg, rank)
}

func makeJobs(n int, products ...stagecoord.Product) []stagecoord.JobRecord {
	jobs := make([]stagecoord.JobRecord, n)
	for i := range jobs {
		jobs[i] = stagecoord.JobRecord{
			Index:    i,
			Header:   fmt.Sprintf("scene%d.mtl", i),
			Products: append(stagecoord.ProductSet(nil), products...),
		}
	}
	return jobs
}

func aot(v float64) *float64 { return &v }

// stageFuncs writes "<stage>-<index>" under the stage's field for every
// stage, and sets the stage 1 AOT from aots.
func stageFuncs(aots map[int]*float64) executor.Funcs {
	mark := func(s stagecoord.Stage) executor.StageFunc {
		return func(ctx context.Context, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
			if err := job.SetField(s.String(), fmt.Sprintf("%s-%d", s, job.Index)); err != nil {
				return job, err
			}
			if s == stagecoord.Stage1 {
				if v, ok := aots[job.Index]; ok && v != nil {
					job.AOT = aot(*v)
				}
			}
			return job, nil
		}
	}
	return executor.Funcs{
		Stage1: mark(stagecoord.Stage1),
		Stage2: mark(stagecoord.Stage2),
		Stage3: mark(stagecoord.Stage3),
		Stage4: mark(stagecoord.Stage4),
	}
}

// failOn wraps a runner so that stage fails for job index with err.
func failOn(next executor.Runner, stage stagecoord.Stage, index int, err error) executor.Runner {
	mock := executor.NewMockRunner()
	mock.RunFunc = func(ctx context.Context, s stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
		if s == stage && job.Index == index {
			return job, err
		}
		return next.Run(ctx, s, job)
	}
	return mock
}

// hangOn wraps a runner so that stage blocks on job index until the worker's
// context is cancelled.
func hangOn(next executor.Runner, stage stagecoord.Stage, index int) executor.Runner {
	mock := executor.NewMockRunner()
	mock.RunFunc = func(ctx context.Context, s stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
		if s == stage && job.Index == index {
			<-ctx.Done()
			return job, ctx.Err()
		}
		return next.Run(ctx, s, job)
	}
	return mock
}
