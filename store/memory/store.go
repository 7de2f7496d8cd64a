package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/store"
)

type entry struct {
	run  store.Run
	jobs []stagecoord.JobRecord
}

// Store is an in-memory implementation of RunStore for tests and local runs.
// Job lists are cloned on the way in and out.
type Store struct {
	mu   sync.RWMutex
	runs map[string]*entry
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		runs: make(map[string]*entry),
	}
}

// CreateRun records a new running run with jobs as its initial checkpoint.
func (s *Store) CreateRun(ctx context.Context, pipeline string, workers int, jobs []stagecoord.JobRecord) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	run := store.Run{
		ID:        uuid.New().String(),
		Pipeline:  pipeline,
		Status:    stagecoord.RunStatusRunning,
		Workers:   workers,
		Jobs:      len(jobs),
		LastStage: stagecoord.StageNone,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.runs[run.ID] = &entry{run: run, jobs: stagecoord.CloneJobs(jobs)}

	return run, nil
}

// SaveStage replaces the run's checkpoint with the job list after stage.
func (s *Store) SaveStage(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return stagecoord.ErrRunNotFound
	}
	if e.run.Finished() {
		return store.ErrRunFinished
	}
	if !stage.Valid() {
		return fmt.Errorf("cannot checkpoint stage %d", int(stage))
	}

	e.jobs = stagecoord.CloneJobs(jobs)
	e.run.LastStage = stage
	e.run.UpdatedAt = time.Now()
	return nil
}

// CompleteRun sets the terminal status of a run.
func (s *Store) CompleteRun(ctx context.Context, runID string, status stagecoord.RunStatus, errMsg string) error {
	if err := store.ValidateCompletion(status); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return stagecoord.ErrRunNotFound
	}
	if e.run.Finished() {
		return store.ErrRunFinished
	}

	e.run.Status = status
	e.run.Error = errMsg
	e.run.UpdatedAt = time.Now()
	return nil
}

// ReopenRun sets a resumable run back to running.
func (s *Store) ReopenRun(ctx context.Context, runID string) (store.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.runs[runID]
	if !ok {
		return store.Run{}, stagecoord.ErrRunNotFound
	}
	if !e.run.Resumable() {
		return store.Run{}, store.ErrRunFinished
	}

	e.run.Status = stagecoord.RunStatusRunning
	e.run.Error = ""
	e.run.UpdatedAt = time.Now()
	return e.run, nil
}

// GetRun returns a run by ID.
func (s *Store) GetRun(ctx context.Context, runID string) (store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.runs[runID]
	if !ok {
		return store.Run{}, stagecoord.ErrRunNotFound
	}
	return e.run, nil
}

// LoadCheckpoint returns the last saved job list and the stage it reflects.
func (s *Store) LoadCheckpoint(ctx context.Context, runID string) ([]stagecoord.JobRecord, stagecoord.Stage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.runs[runID]
	if !ok {
		return nil, stagecoord.StageNone, stagecoord.ErrRunNotFound
	}
	return stagecoord.CloneJobs(e.jobs), e.run.LastStage, nil
}
