// Package manifest publishes the final job list of a run.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/getpup/stagecoord"
)

// Manifest is the document written at the end of a run.
type Manifest struct {
	RunID      string                 `json:"run_id"`
	Pipeline   string                 `json:"pipeline"`
	Status     stagecoord.RunStatus   `json:"status"`
	Error      string                 `json:"error,omitempty"`
	Workers    int                    `json:"workers"`
	Failed     int                    `json:"failed"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Jobs       []stagecoord.JobRecord `json:"jobs"`
}

// New builds the manifest of a finished run.
func New(runID, pipeline string, workers int, started time.Time, jobs []stagecoord.JobRecord, runErr error) Manifest {
	m := Manifest{
		RunID:      runID,
		Pipeline:   pipeline,
		Status:     stagecoord.RunStatusFor(jobs, runErr),
		Workers:    workers,
		StartedAt:  started.UTC(),
		FinishedAt: time.Now().UTC(),
		Jobs:       jobs,
	}
	if runErr != nil {
		m.Error = runErr.Error()
	}
	for _, j := range jobs {
		if j.Failed() {
			m.Failed++
		}
	}
	return m
}

// Key returns the object name of the manifest.
func (m Manifest) Key() string {
	return m.RunID + ".json"
}

// Writer publishes manifests.
type Writer interface {
	Write(ctx context.Context, m Manifest) error
}

// Multi writes to every writer and joins their errors.
type Multi []Writer

// Write implements Writer.
func (ws Multi) Write(ctx context.Context, m Manifest) error {
	var errs []error
	for _, w := range ws {
		if err := w.Write(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FileWriter writes manifests as <Dir>/<run id>.json.
type FileWriter struct {
	Dir string
}

// Write implements Writer. The file is replaced atomically.
func (w FileWriter) Write(ctx context.Context, m Manifest) error {
	if err := os.MkdirAll(w.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create manifest folder: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	tmp, err := os.CreateTemp(w.Dir, ".manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create manifest file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close manifest: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(w.Dir, m.Key())); err != nil {
		return fmt.Errorf("failed to move manifest into place: %w", err)
	}
	return nil
}

// Read loads a manifest written by FileWriter.
func Read(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}
