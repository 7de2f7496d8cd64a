// Package sqlstore implements store.RunStore on PostgreSQL, MySQL and SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/store"
)

// Store is a database/sql implementation of RunStore.
type Store struct {
	db               *sql.DB
	dialect          Dialect
	runsTable        string
	checkpointsTable string
}

// New creates a store with default table names.
func New(db *sql.DB, d Dialect) (*Store, error) {
	return NewWithConfig(db, d, DefaultTableConfig())
}

// NewWithConfig creates a store with custom table names.
func NewWithConfig(db *sql.DB, d Dialect, config TableConfig) (*Store, error) {
	if _, err := ParseDialect(string(d)); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Store{
		db:               db,
		dialect:          d,
		runsTable:        config.RunsTable,
		checkpointsTable: config.CheckpointsTable,
	}, nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// CreateRun records a new running run with jobs as its initial checkpoint.
func (s *Store) CreateRun(ctx context.Context, pipeline string, workers int, jobs []stagecoord.JobRecord) (store.Run, error) {
	payload, err := json.Marshal(jobs)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to encode jobs: %w", err)
	}

	ts := now()
	run := store.Run{
		ID:        uuid.New().String(),
		Pipeline:  pipeline,
		Status:    stagecoord.RunStatusRunning,
		Workers:   workers,
		Jobs:      len(jobs),
		LastStage: stagecoord.StageNone,
		CreatedAt: ts,
		UpdatedAt: ts,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insertRun := s.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, pipeline, status, workers, jobs, last_stage, error_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.runsTable))
	if _, err := tx.ExecContext(ctx, insertRun,
		run.ID, run.Pipeline, string(run.Status), run.Workers, run.Jobs, int(run.LastStage), "", ts, ts,
	); err != nil {
		return store.Run{}, fmt.Errorf("failed to create run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.dialect.upsertCheckpoint(s.checkpointsTable),
		run.ID, int(stagecoord.StageNone), string(payload), ts,
	); err != nil {
		return store.Run{}, fmt.Errorf("failed to save initial checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return store.Run{}, fmt.Errorf("failed to commit run: %w", err)
	}
	return run, nil
}

// SaveStage replaces the run's checkpoint with the job list after stage.
func (s *Store) SaveStage(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error {
	if !stage.Valid() {
		return fmt.Errorf("cannot checkpoint stage %d", int(stage))
	}
	payload, err := json.Marshal(jobs)
	if err != nil {
		return fmt.Errorf("failed to encode jobs: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts := now()
	if err := s.advance(ctx, tx, runID, fmt.Sprintf("last_stage = %d", int(stage)), ts); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.dialect.upsertCheckpoint(s.checkpointsTable),
		runID, int(stage), string(payload), ts,
	); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit checkpoint: %w", err)
	}
	return nil
}

// CompleteRun sets the terminal status of a run.
func (s *Store) CompleteRun(ctx context.Context, runID string, status stagecoord.RunStatus, errMsg string) error {
	if err := store.ValidateCompletion(status); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.advance(ctx, tx, runID, "status = ?, error_message = ?", now(), string(status), errMsg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run completion: %w", err)
	}
	return nil
}

// ReopenRun sets a resumable run back to running.
func (s *Store) ReopenRun(ctx context.Context, runID string) (store.Run, error) {
	query := s.dialect.rebind(fmt.Sprintf(`
		UPDATE %s
		SET status = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, s.runsTable))

	result, err := s.db.ExecContext(ctx, query,
		string(stagecoord.RunStatusRunning), "", now(), runID,
		string(stagecoord.RunStatusCompleted), string(stagecoord.RunStatusCompletedWithFailures),
	)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to reopen run: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to check rows affected: %w", err)
	}

	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return store.Run{}, err
	}
	if rowsAffected == 0 && !run.Resumable() {
		return store.Run{}, store.ErrRunFinished
	}
	return run, nil
}

// advance updates a running run. set is the SET clause without updated_at;
// its placeholders are bound to args.
func (s *Store) advance(ctx context.Context, tx *sql.Tx, runID, set string, ts time.Time, args ...any) error {
	query := s.dialect.rebind(fmt.Sprintf(`
		UPDATE %s
		SET %s, updated_at = ?
		WHERE id = ? AND status = ?
	`, s.runsTable, set))

	args = append(args, ts, runID, string(stagecoord.RunStatusRunning))
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var status string
	err = tx.QueryRowContext(ctx, s.dialect.rebind(fmt.Sprintf(`SELECT status FROM %s WHERE id = ?`, s.runsTable)), runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return stagecoord.ErrRunNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get run status: %w", err)
	}
	return store.ErrRunFinished
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	query := s.dialect.rebind(fmt.Sprintf(`
		SELECT id, pipeline, status, workers, jobs, last_stage, error_message, created_at, updated_at
		FROM %s
		WHERE id = ?
	`, s.runsTable))

	var run store.Run
	var status string
	var lastStage int
	err := s.db.QueryRowContext(ctx, query, runID).Scan(
		&run.ID,
		&run.Pipeline,
		&status,
		&run.Workers,
		&run.Jobs,
		&lastStage,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Run{}, stagecoord.ErrRunNotFound
	}
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}

	run.Status = stagecoord.RunStatus(status)
	run.LastStage = stagecoord.Stage(lastStage)
	return run, nil
}

// LoadCheckpoint returns the last saved job list and the stage it reflects.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) ([]stagecoord.JobRecord, stagecoord.Stage, error) {
	query := s.dialect.rebind(fmt.Sprintf(`
		SELECT c.stage, c.jobs
		FROM %s r
		JOIN %s c ON c.run_id = r.id AND c.stage = r.last_stage
		WHERE r.id = ?
	`, s.runsTable, s.checkpointsTable))

	var stage int
	var payload []byte
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&stage, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, stagecoord.StageNone, stagecoord.ErrRunNotFound
	}
	if err != nil {
		return nil, stagecoord.StageNone, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var jobs []stagecoord.JobRecord
	if err := json.Unmarshal(payload, &jobs); err != nil {
		return nil, stagecoord.StageNone, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return jobs, stagecoord.Stage(stage), nil
}
