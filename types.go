package stagecoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Stage identifies one of the four ordered processing phases of a run.
type Stage int

const (
	// StageNone is the zero value; it is never dispatched.
	StageNone Stage = iota

	// Stage1 prepares each scene (validation, radiance, TOA, masks, AOT estimation).
	Stage1

	// Stage2 runs the modelled surface reflectance correction.
	Stage2

	// Stage3 exports scene metadata.
	Stage3

	// Stage4 cleans up intermediate outputs.
	Stage4
)

// Stages lists the dispatchable stages in execution order.
var Stages = []Stage{Stage1, Stage2, Stage3, Stage4}

// Valid reports whether s is one of Stage1..Stage4.
func (s Stage) Valid() bool {
	return s >= Stage1 && s <= Stage4
}

func (s Stage) String() string {
	if !s.Valid() {
		return "none"
	}
	return fmt.Sprintf("stage%d", int(s))
}

// ParseStage parses the form produced by Stage.String.
func ParseStage(v string) (Stage, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, s := range Stages {
		if s.String() == v {
			return s, nil
		}
	}
	if v == "none" || v == "" {
		return StageNone, nil
	}
	return StageNone, fmt.Errorf("unknown stage %q", v)
}

// StageMask records which stages have completed for a record.
type StageMask uint8

// Mark returns m with s flagged as completed.
func (m StageMask) Mark(s Stage) StageMask {
	if !s.Valid() {
		return m
	}
	return m | 1<<uint(s-1)
}

// Has reports whether s is flagged as completed.
func (m StageMask) Has(s Stage) bool {
	if !s.Valid() {
		return false
	}
	return m&(1<<uint(s-1)) != 0
}

// JobFailure describes why a record stopped progressing under the
// continue-on-error policy.
type JobFailure struct {
	Stage    Stage  `json:"stage"`
	WorkerID int    `json:"worker_id"`
	Message  string `json:"message"`
}

// JobRecord is the unit of work threaded through every stage.
// The coordinator only interprets Index, Products, AOT, AOTFromImage,
// Completed and Failure. Everything a stage produces lives in Fields.
type JobRecord struct {
	// Index is the record's position in the submitted job list.
	Index int `json:"index" yaml:"-"`

	// Header is the path of the scene's input header file.
	Header string `json:"header" yaml:"header"`

	// Products are the outputs requested for this scene.
	Products ProductSet `json:"products" yaml:"products"`

	// AOT is the scene's aerosol optical thickness, nil when unknown.
	AOT *float64 `json:"aot,omitempty" yaml:"aot,omitempty"`

	// AOTFromImage is set by stage 1 when the AOT was estimated as an image.
	AOTFromImage bool `json:"aot_from_image,omitempty" yaml:"-"`

	// Fields holds opaque stage outputs keyed by name.
	Fields map[string]json.RawMessage `json:"fields,omitempty" yaml:"-"`

	// Completed marks the stages that have returned this record.
	Completed StageMask `json:"completed" yaml:"-"`

	// Failure is set when a stage failed under ContinueOnError.
	Failure *JobFailure `json:"failure,omitempty" yaml:"-"`
}

// Failed reports whether the record carries a failure.
func (j JobRecord) Failed() bool {
	return j.Failure != nil
}

// Clone returns a deep copy so the record can be handed to another participant.
func (j JobRecord) Clone() JobRecord {
	out := j
	if j.AOT != nil {
		v := *j.AOT
		out.AOT = &v
	}
	if j.Products != nil {
		out.Products = append(ProductSet(nil), j.Products...)
	}
	if j.Fields != nil {
		out.Fields = make(map[string]json.RawMessage, len(j.Fields))
		for k, v := range j.Fields {
			out.Fields[k] = append(json.RawMessage(nil), v...)
		}
	}
	if j.Failure != nil {
		f := *j.Failure
		out.Failure = &f
	}
	return out
}

// SetField stores v as the JSON blob under key.
func (j *JobRecord) SetField(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode field %s: %w", key, err)
	}
	if j.Fields == nil {
		j.Fields = make(map[string]json.RawMessage)
	}
	j.Fields[key] = raw
	return nil
}

// Field decodes the blob under key into v. It reports false if key is absent.
func (j JobRecord) Field(key string, v any) (bool, error) {
	raw, ok := j.Fields[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("failed to decode field %s: %w", key, err)
	}
	return true, nil
}

// CloneJobs deep-copies a job list.
func CloneJobs(jobs []JobRecord) []JobRecord {
	out := make([]JobRecord, len(jobs))
	for i := range jobs {
		out[i] = jobs[i].Clone()
	}
	return out
}

// WorkerState represents the coordinator's view of a worker.
type WorkerState string

const (
	// WorkerStateStarting indicates the worker has not announced readiness yet.
	WorkerStateStarting WorkerState = "starting"

	// WorkerStateIdle indicates the worker announced READY and holds no assignment.
	WorkerStateIdle WorkerState = "idle"

	// WorkerStateBusy indicates the worker holds exactly one assignment.
	WorkerStateBusy WorkerState = "busy"

	// WorkerStateDone indicates the worker returned its result and has not re-announced yet.
	WorkerStateDone WorkerState = "done"

	// WorkerStateDead indicates the worker was excluded after a timeout.
	WorkerStateDead WorkerState = "dead"

	// WorkerStateExited indicates EXIT has been sent to the worker.
	WorkerStateExited WorkerState = "exited"
)

// AllWorkerStates lists every state, used by metrics to reset state gauges.
var AllWorkerStates = []WorkerState{
	WorkerStateStarting,
	WorkerStateIdle,
	WorkerStateBusy,
	WorkerStateDone,
	WorkerStateDead,
	WorkerStateExited,
}

// RunStatus is the outcome recorded for a run.
type RunStatus string

const (
	// RunStatusRunning indicates the run has started and not finished.
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates every job passed every stage.
	RunStatusCompleted RunStatus = "completed"

	// RunStatusCompletedWithFailures indicates the run finished with failed jobs.
	RunStatusCompletedWithFailures RunStatus = "completed_with_failures"

	// RunStatusFailed indicates the run terminated with a fatal error.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the run was cancelled before it finished.
	RunStatusInterrupted RunStatus = "interrupted"
)

// Final reports whether a run with this status went through every stage.
// Failed and interrupted runs are not final and can be resumed.
func (s RunStatus) Final() bool {
	return s == RunStatusCompleted || s == RunStatusCompletedWithFailures
}

// RunStatusFor derives the status recorded when a run attempt returns.
func RunStatusFor(jobs []JobRecord, err error) RunStatus {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return RunStatusInterrupted
	}
	if err != nil {
		return RunStatusFailed
	}
	for _, j := range jobs {
		if j.Failed() {
			return RunStatusCompletedWithFailures
		}
	}
	return RunStatusCompleted
}
