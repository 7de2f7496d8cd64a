package stagecoord

import "context"

// Pipeline drives a batch of jobs through the four stages exactly once.
type Pipeline interface {
	// Run processes jobs through every stage the job list requires.
	//
	// The pipeline will:
	// 1. Dispatch stage 1 to the worker pool and gather every result
	// 2. Merge the per-scene AOT into every record when requested
	// 3. Run stage 2 and stage 3 when the requested products need them
	// 4. Run stage 4 and send EXIT to every worker
	//
	// Run returns the processed records in submission order, or the first
	// fatal error after every worker has been sent EXIT.
	Run(ctx context.Context, jobs []JobRecord) ([]JobRecord, error)
}
