package store

import (
	"context"
	"time"

	"github.com/getpup/stagecoord"
)

// Run is the persisted record of one pipeline run.
type Run struct {
	ID       string
	Pipeline string
	Status   stagecoord.RunStatus
	Workers  int
	Jobs     int

	// LastStage is the last checkpointed stage, StageNone before stage 1.
	LastStage stagecoord.Stage

	// Error is the fatal error message of a failed run.
	Error string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Finished reports whether the current attempt of the run has ended.
func (r Run) Finished() bool {
	return r.Status != stagecoord.RunStatusRunning
}

// Resumable reports whether the run can continue from its last checkpoint.
func (r Run) Resumable() bool {
	return !r.Status.Final()
}

// RunStore persists runs and their stage checkpoints.
// Implementations must be safe for concurrent access.
type RunStore interface {
	// CreateRun records a new running run with jobs as its initial checkpoint.
	CreateRun(ctx context.Context, pipeline string, workers int, jobs []stagecoord.JobRecord) (Run, error)

	// SaveStage replaces the run's checkpoint with the job list after stage.
	// Returns stagecoord.ErrRunNotFound if the run does not exist and
	// ErrRunFinished if it already has a terminal status.
	SaveStage(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error

	// CompleteRun sets the terminal status of a run.
	// Returns ErrInvalidStatus for a non-terminal status.
	CompleteRun(ctx context.Context, runID string, status stagecoord.RunStatus, errMsg string) error

	// ReopenRun sets a failed, interrupted or abandoned running run back to
	// running and clears its error, keeping the last checkpoint.
	// Returns ErrRunFinished if the run already went through every stage.
	ReopenRun(ctx context.Context, runID string) (Run, error)

	// GetRun returns a run by ID.
	// Returns stagecoord.ErrRunNotFound if the run does not exist.
	GetRun(ctx context.Context, runID string) (Run, error)

	// LoadCheckpoint returns the last saved job list and the stage it reflects.
	// Returns stagecoord.ErrRunNotFound if the run does not exist.
	LoadCheckpoint(ctx context.Context, runID string) ([]stagecoord.JobRecord, stagecoord.Stage, error)
}

// ValidateCompletion checks the arguments of CompleteRun.
func ValidateCompletion(status stagecoord.RunStatus) error {
	switch status {
	case stagecoord.RunStatusCompleted, stagecoord.RunStatusCompletedWithFailures, stagecoord.RunStatusFailed, stagecoord.RunStatusInterrupted:
		return nil
	default:
		return ErrInvalidStatus
	}
}
