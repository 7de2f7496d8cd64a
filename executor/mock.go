package executor

import (
	"context"
	"sync"

	"github.com/getpup/stagecoord"
)

// MockRunner is a mock implementation of Runner for testing.
type MockRunner struct {
	mu       sync.Mutex
	RunFunc  func(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error)
	RunCalls []RunCall
}

// RunCall records the parameters of a single Run call.
type RunCall struct {
	Stage stagecoord.Stage
	Job   stagecoord.JobRecord
}

// NewMockRunner creates a new MockRunner with an empty call history.
func NewMockRunner() *MockRunner {
	return &MockRunner{
		RunCalls: make([]RunCall, 0),
	}
}

// Run implements the Runner interface.
// It records the call parameters, then:
// - If RunFunc is set, calls and returns it
// - Otherwise, returns the job unchanged
func (m *MockRunner) Run(ctx context.Context, stage stagecoord.Stage, job stagecoord.JobRecord) (stagecoord.JobRecord, error) {
	m.mu.Lock()
	m.RunCalls = append(m.RunCalls, RunCall{
		Stage: stage,
		Job:   job.Clone(),
	})
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx, stage, job)
	}
	return job, nil
}

// Calls returns a copy of the call history.
func (m *MockRunner) Calls() []RunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunCall, len(m.RunCalls))
	copy(out, m.RunCalls)
	return out
}

// CallsFor returns the recorded calls for stage.
func (m *MockRunner) CallsFor(stage stagecoord.Stage) []RunCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunCall
	for _, c := range m.RunCalls {
		if c.Stage == stage {
			out = append(out, c)
		}
	}
	return out
}

// Reset clears the call history.
func (m *MockRunner) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RunCalls = make([]RunCall, 0)
}
