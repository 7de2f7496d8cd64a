package executor

import (
	"context"

	"github.com/getpup/stagecoord"
)

// Runner executes one stage for one job record.
// This interface allows for mock implementations in tests.
type Runner interface {
	// Run processes job for stage and returns the updated record.
	// The returned record must keep the input's Index.
	Run(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error)
}

// StageFunc is the body of a single stage.
type StageFunc func(ctx context.Context, job stagecoord.JobRecord) (stagecoord.JobRecord, error)
