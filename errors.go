package stagecoord

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfig indicates the run configuration is inconsistent.
	// It is always reported before any worker is contacted.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNoJobs indicates the coordinator was invoked with an empty job list.
	ErrNoJobs = errors.New("no jobs to process")

	// ErrNoLiveWorkers indicates jobs are pending but every worker has been excluded.
	ErrNoLiveWorkers = errors.New("no live workers")

	// ErrWorkerTimeout indicates a worker did not answer within the stage timeout.
	// The worker is excluded from the pool for the rest of the run.
	ErrWorkerTimeout = errors.New("worker timeout")

	// ErrAOTImageMergeUnsupported indicates AOT images cannot be merged across scenes.
	ErrAOTImageMergeUnsupported = errors.New("merging AOT images across scenes is not supported")

	// ErrProtocol indicates a worker sent a message the coordinator did not expect.
	ErrProtocol = errors.New("protocol violation")

	// ErrStageNotRegistered indicates no stage function exists for the requested stage.
	ErrStageNotRegistered = errors.New("stage not registered")

	// ErrRunNotFound indicates the run does not exist in the run store.
	ErrRunNotFound = errors.New("run not found")
)

// StageError is the failure of a single job in a single stage.
type StageError struct {
	Stage    Stage
	JobIndex int
	WorkerID int
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for job %d on worker %d: %v", e.Stage, e.JobIndex, e.WorkerID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
