package executor

import (
	"context"
	"fmt"

	"github.com/getpup/stagecoord"
)

// Funcs is an in-process stage table.
type Funcs struct {
	Stage1 StageFunc
	Stage2 StageFunc
	Stage3 StageFunc
	Stage4 StageFunc
}

// Compile-time check that Funcs implements Runner.
var _ Runner = Funcs{}

// Lookup returns the function registered for stage.
func (f Funcs) Lookup(stage stagecoord.Stage) (StageFunc, error) {
	var fn StageFunc
	switch stage {
	case stagecoord.Stage1:
		fn = f.Stage1
	case stagecoord.Stage2:
		fn = f.Stage2
	case stagecoord.Stage3:
		fn = f.Stage3
	case stagecoord.Stage4:
		fn = f.Stage4
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: %s", stagecoord.ErrStageNotRegistered, stage)
	}
	return fn, nil
}

// Run dispatches to the registered function and pins the result to the
// input's index.
func (f Funcs) Run(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
	fn, err := f.Lookup(stage)
	if err != nil {
		return job, err
	}
	out, err := fn(ctx, job)
	if err != nil {
		return job, err
	}
	out.Index = job.Index
	return out, nil
}
