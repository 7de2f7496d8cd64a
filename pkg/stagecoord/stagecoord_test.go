package stagecoord

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rootpkg "github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/coordinator"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/store"
	"github.com/getpup/stagecoord/store/sqlstore"
	"github.com/getpup/stagecoord/transport/chanbus"
)

func passthrough() executor.Funcs {
	fn := func(ctx context.Context, job JobRecord) (JobRecord, error) { return job, nil }
	return executor.Funcs{Stage1: fn, Stage2: fn, Stage3: fn, Stage4: fn}
}

func TestNew_RequiredOptions(t *testing.T) {
	bus, err := chanbus.New(chanbus.Config{Workers: 1})
	require.NoError(t, err)
	conn, err := bus.Endpoint(0)
	require.NoError(t, err)

	tests := []struct {
		name string
		opts []Option
	}{
		{"missing workers", []Option{WithRunner(passthrough())}},
		{"missing runner and transport", []Option{WithWorkers(2)}},
		{"runner and transport", []Option{WithWorkers(1), WithRunner(passthrough()), WithTransport(conn)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.opts...)
			assert.ErrorIs(t, err, rootpkg.ErrInvalidConfig)
			assert.Nil(t, p)
		})
	}

	p, err := New(WithWorkers(1), WithTransport(conn))
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestNew_OptionsAreApplied(t *testing.T) {
	cfg := &config{}
	runs := store.NewMockRunStore()
	for _, opt := range []Option{
		WithName("landsat"),
		WithWorkers(3),
		WithStore(runs),
		WithStageTimeout(time.Minute),
		WithReadyTimeout(2 * time.Minute),
		WithShutdownTimeout(3 * time.Second),
		WithFailurePolicy(coordinator.ContinueOnError),
		WithDispatchPolicy(coordinator.DispatchReadyFirst),
		WithMetricsEnabled(false),
	} {
		opt(cfg)
	}

	pc := cfg.pipelineConfig(nil)
	assert.Equal(t, "landsat", pc.Name)
	assert.Equal(t, 3, pc.Workers)
	assert.Same(t, runs, pc.Store)
	assert.Equal(t, time.Minute, pc.StageTimeout)
	assert.Equal(t, 2*time.Minute, pc.ReadyTimeout)
	assert.Equal(t, 3*time.Second, pc.ShutdownTimeout)
	assert.Equal(t, coordinator.ContinueOnError, pc.FailurePolicy)
	assert.Equal(t, coordinator.DispatchReadyFirst, pc.DispatchPolicy)
	require.NotNil(t, pc.MetricsEnabled)
	assert.False(t, *pc.MetricsEnabled)
}

func TestLocal_RunsEveryStage(t *testing.T) {
	var events []coordinator.Event
	runs := store.NewMockRunStore()

	mark := func(s rootpkg.Stage) executor.StageFunc {
		return func(ctx context.Context, job JobRecord) (JobRecord, error) {
			return job, job.SetField(s.String(), true)
		}
	}
	p, err := New(
		WithWorkers(2),
		WithRunner(executor.Funcs{
			Stage1: mark(rootpkg.Stage1),
			Stage2: mark(rootpkg.Stage2),
			Stage3: mark(rootpkg.Stage3),
			Stage4: mark(rootpkg.Stage4),
		}),
		WithStore(runs),
		WithTrace(func(e coordinator.Event) { events = append(events, e) }),
		WithMetricsEnabled(false),
	)
	require.NoError(t, err)

	jobs := []JobRecord{
		{Index: 0, Header: "a.mtl", Products: ProductSet{rootpkg.ProductSREF, rootpkg.ProductMETADATA}},
		{Index: 1, Header: "b.mtl", Products: ProductSet{rootpkg.ProductSREF}},
		{Index: 2, Header: "c.mtl", Products: ProductSet{rootpkg.ProductTOA}},
	}

	for round := 0; round < 2; round++ {
		out, err := p.Run(context.Background(), jobs)
		require.NoError(t, err, "round %d", round)
		require.Len(t, out, 3)
		for i, j := range out {
			assert.Equal(t, i, j.Index)
			for _, s := range rootpkg.Stages {
				var done bool
				ok, err := j.Field(s.String(), &done)
				require.NoError(t, err)
				assert.True(t, ok && done, "job %d missing %s", i, s)
			}
		}
	}

	assert.Len(t, runs.CreateRunCalls, 2, "each run gets fresh workers")
	exits := 0
	for _, e := range events {
		if e.Kind == coordinator.EventExit {
			exits++
		}
	}
	assert.Equal(t, 4, exits)
}

func TestLocal_ValidationErrorStopsWorkers(t *testing.T) {
	p, err := New(WithWorkers(2), WithRunner(passthrough()), WithMetricsEnabled(false))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background(), nil)
		done <- err
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, rootpkg.ErrNoJobs)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestLocal_StageError(t *testing.T) {
	runner := passthrough()
	runner.Stage1 = func(ctx context.Context, job JobRecord) (JobRecord, error) {
		return job, errors.New("missing header")
	}
	p, err := New(WithWorkers(2), WithRunner(runner), WithMetricsEnabled(false))
	require.NoError(t, err)

	_, err = p.Run(context.Background(), []JobRecord{{Index: 0, Header: "a.mtl"}})
	var stageErr *rootpkg.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, rootpkg.Stage1, stageErr.Stage)
}

func TestRunMigrations_SQLite(t *testing.T) {
	db, err := sqlstore.Open(sqlstore.SQLite, filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	require.NoError(t, RunMigrations(ctx, db, sqlstore.SQLite))
	require.NoError(t, RunMigrations(ctx, db, sqlstore.SQLite), "migrations are idempotent")

	err = RunMigrationsWithTableNames(ctx, db, sqlstore.SQLite, sqlstore.TableConfig{RunsTable: "bad name", CheckpointsTable: "cp"})
	assert.Error(t, err)
}
