// Package journal appends a durable record of every gathered stage round.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/getpup/pupsourcing/es"
	"github.com/getpup/pupsourcing/es/adapters/postgres"
	"github.com/google/uuid"

	"github.com/getpup/stagecoord"
	"github.com/getpup/stagecoord/coordinator"
)

const (
	// BoundedContext tags every journal event.
	BoundedContext = "stagecoord"

	// AggregateType is the aggregate of one stage round of one run.
	AggregateType = "StageRound"

	// EventJobCompleted is recorded for a job that passed the stage.
	EventJobCompleted = "JobStageCompleted"

	// EventJobFailed is recorded for a job that failed the stage.
	EventJobFailed = "JobStageFailed"
)

// Journal records the outcome of a gathered stage round.
type Journal interface {
	Record(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error
}

// Nop discards every record.
type Nop struct{}

// Record implements Journal.
func (Nop) Record(context.Context, string, stagecoord.Stage, []stagecoord.JobRecord) error {
	return nil
}

// JobPayload is the body of a journal event.
type JobPayload struct {
	RunID string               `json:"run_id"`
	Stage string               `json:"stage"`
	Job   stagecoord.JobRecord `json:"job"`
}

// AggregateID identifies the stream of one stage round.
func AggregateID(runID string, stage stagecoord.Stage) string {
	return fmt.Sprintf("%s/%s", runID, stage)
}

// Events builds one event per job of a gathered round. Jobs that were
// already failed before the round are not part of it and are left out.
func Events(runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord, now time.Time) ([]es.Event, error) {
	metadata, err := json.Marshal(map[string]any{"run_id": runID, "stage": int(stage)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}

	events := make([]es.Event, 0, len(jobs))
	for _, job := range jobs {
		eventType := EventJobCompleted
		switch {
		case job.Failure != nil && job.Failure.Stage == stage:
			eventType = EventJobFailed
		case job.Failure != nil:
			continue
		}

		payload, err := json.Marshal(JobPayload{RunID: runID, Stage: stage.String(), Job: job})
		if err != nil {
			return nil, fmt.Errorf("failed to encode job %d: %w", job.Index, err)
		}

		events = append(events, es.Event{
			EventID:        uuid.New(),
			AggregateID:    AggregateID(runID, stage),
			AggregateType:  AggregateType,
			EventType:      eventType,
			EventVersion:   1,
			BoundedContext: BoundedContext,
			Payload:        payload,
			Metadata:       metadata,
			CreatedAt:      now,
		})
	}
	return events, nil
}

// EventJournal appends journal events to a pupsourcing PostgreSQL event store.
type EventJournal struct {
	db    *sql.DB
	store *postgres.Store
}

// NewEventJournal creates a journal over db using the default event store tables.
func NewEventJournal(db *sql.DB) *EventJournal {
	return NewEventJournalWithStore(db, postgres.NewStore(postgres.DefaultStoreConfig()))
}

// NewEventJournalWithStore creates a journal over an existing event store.
func NewEventJournalWithStore(db *sql.DB, store *postgres.Store) *EventJournal {
	return &EventJournal{db: db, store: store}
}

// Record appends one event per job of the round in a single transaction.
func (j *EventJournal) Record(ctx context.Context, runID string, stage stagecoord.Stage, jobs []stagecoord.JobRecord) error {
	events, err := Events(runID, stage, jobs, time.Now())
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := j.store.Append(ctx, tx, es.NoStream(), events); err != nil {
		return fmt.Errorf("failed to append %s events: %w", stage, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit %s events: %w", stage, err)
	}
	return nil
}

// Hook returns a coordinator hook that journals every gathered round of runID.
// Skipped stages and the AOT merge checkpoint are not journaled. Journal
// failures are logged and never fail the run.
func Hook(j Journal, runID string, logger es.Logger) coordinator.StageHook {
	return coordinator.StageHookFunc(func(ctx context.Context, cp coordinator.Checkpoint) error {
		if cp.Skipped || cp.Aggregated {
			return nil
		}
		if err := j.Record(ctx, runID, cp.Stage, cp.Jobs); err != nil && logger != nil {
			logger.Error(ctx, "failed to journal stage round", "run_id", runID, "stage", cp.Stage.String(), "error", err)
		}
		return nil
	})
}
