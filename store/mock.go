package store

import (
	"context"
	"sync"

	"github.com/getpup/stagecoord"
)

// MockRunStore is a configurable mock implementation of RunStore for use in
// tests. It records every call and delegates to the XxxFunc fields when set.
type MockRunStore struct {
	mu sync.RWMutex

	// CreateRunFunc is called by CreateRun if set.
	CreateRunFunc func(ctx context.Context, pipeline string, workers int, jobs []stagecoord.JobRecord) (Run, error)

	// SaveStageFunc is called by SaveStage if set.
	SaveStageFunc func(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error

	// CompleteRunFunc is called by CompleteRun if set.
	CompleteRunFunc func(ctx context.Context, runID string, status stagecoord.RunStatus, errMsg string) error

	// ReopenRunFunc is called by ReopenRun if set.
	ReopenRunFunc func(ctx context.Context, runID string) (Run, error)

	// GetRunFunc is called by GetRun if set.
	GetRunFunc func(ctx context.Context, runID string) (Run, error)

	// LoadCheckpointFunc is called by LoadCheckpoint if set.
	LoadCheckpointFunc func(ctx context.Context, runID string) ([]stagecoord.JobRecord, stagecoord.Stage, error)

	// Call tracking
	CreateRunCalls      []CreateRunCall
	SaveStageCalls      []SaveStageCall
	CompleteRunCalls    []CompleteRunCall
	ReopenRunCalls      []string
	GetRunCalls         []string
	LoadCheckpointCalls []string
}

// Call tracking structs
type CreateRunCall struct {
	Pipeline string
	Workers  int
	Jobs     []stagecoord.JobRecord
}

type SaveStageCall struct {
	RunID string
	Stage stagecoord.Stage
	Jobs  []stagecoord.JobRecord
}

type CompleteRunCall struct {
	RunID  string
	Status stagecoord.RunStatus
	ErrMsg string
}

// NewMockRunStore creates a new mock run store.
func NewMockRunStore() *MockRunStore {
	return &MockRunStore{}
}

// CreateRun implements RunStore.
func (m *MockRunStore) CreateRun(ctx context.Context, pipeline string, workers int, jobs []stagecoord.JobRecord) (Run, error) {
	m.mu.Lock()
	m.CreateRunCalls = append(m.CreateRunCalls, CreateRunCall{
		Pipeline: pipeline,
		Workers:  workers,
		Jobs:     stagecoord.CloneJobs(jobs),
	})
	m.mu.Unlock()

	if m.CreateRunFunc != nil {
		return m.CreateRunFunc(ctx, pipeline, workers, jobs)
	}

	return Run{
		ID:       "mock-run",
		Pipeline: pipeline,
		Status:   stagecoord.RunStatusRunning,
		Workers:  workers,
		Jobs:     len(jobs),
	}, nil
}

// SaveStage implements RunStore.
func (m *MockRunStore) SaveStage(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error {
	m.mu.Lock()
	m.SaveStageCalls = append(m.SaveStageCalls, SaveStageCall{
		RunID: runID,
		Stage: stage,
		Jobs:  stagecoord.CloneJobs(jobs),
	})
	m.mu.Unlock()

	if m.SaveStageFunc != nil {
		return m.SaveStageFunc(ctx, runID, stage, jobs)
	}

	return nil
}

// CompleteRun implements RunStore.
func (m *MockRunStore) CompleteRun(ctx context.Context, runID string, status stagecoord.RunStatus, errMsg string) error {
	m.mu.Lock()
	m.CompleteRunCalls = append(m.CompleteRunCalls, CompleteRunCall{
		RunID:  runID,
		Status: status,
		ErrMsg: errMsg,
	})
	m.mu.Unlock()

	if m.CompleteRunFunc != nil {
		return m.CompleteRunFunc(ctx, runID, status, errMsg)
	}

	return nil
}

// ReopenRun implements RunStore.
func (m *MockRunStore) ReopenRun(ctx context.Context, runID string) (Run, error) {
	m.mu.Lock()
	m.ReopenRunCalls = append(m.ReopenRunCalls, runID)
	m.mu.Unlock()

	if m.ReopenRunFunc != nil {
		return m.ReopenRunFunc(ctx, runID)
	}

	return Run{ID: runID, Status: stagecoord.RunStatusRunning}, nil
}

// GetRun implements RunStore.
func (m *MockRunStore) GetRun(ctx context.Context, runID string) (Run, error) {
	m.mu.Lock()
	m.GetRunCalls = append(m.GetRunCalls, runID)
	m.mu.Unlock()

	if m.GetRunFunc != nil {
		return m.GetRunFunc(ctx, runID)
	}

	return Run{}, stagecoord.ErrRunNotFound
}

// LoadCheckpoint implements RunStore.
func (m *MockRunStore) LoadCheckpoint(ctx context.Context, runID string) ([]stagecoord.JobRecord, stagecoord.Stage, error) {
	m.mu.Lock()
	m.LoadCheckpointCalls = append(m.LoadCheckpointCalls, runID)
	m.mu.Unlock()

	if m.LoadCheckpointFunc != nil {
		return m.LoadCheckpointFunc(ctx, runID)
	}

	return nil, stagecoord.StageNone, stagecoord.ErrRunNotFound
}

// SavedStages returns the stages passed to SaveStage, in call order.
func (m *MockRunStore) SavedStages() []stagecoord.Stage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]stagecoord.Stage, len(m.SaveStageCalls))
	for i, c := range m.SaveStageCalls {
		out[i] = c.Stage
	}
	return out
}

// Reset clears all call tracking data.
func (m *MockRunStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateRunCalls = nil
	m.SaveStageCalls = nil
	m.CompleteRunCalls = nil
	m.ReopenRunCalls = nil
	m.GetRunCalls = nil
	m.LoadCheckpointCalls = nil
}
