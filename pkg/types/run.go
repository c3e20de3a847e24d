package types

import (
	"encoding/json"
	"strconv"
	"time"
)

// RunStatus represents the terminal or in-flight state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	// RunStatusSkipped means every stage was skipped; nothing executed.
	RunStatusSkipped   RunStatus = "skipped"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusSkipped, RunStatusCancelled:
		return true
	}
	return false
}

// StageStatus represents the state of one stage within a run.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusAdmitted  StageStatus = "admitted"
	StageStatusRunning   StageStatus = "running"
	StageStatusSkipped   StageStatus = "skipped"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	// StageStatusInterrupted means the run was cancelled while a mutating
	// step was in flight; the external system may be partially changed and
	// needs reconciliation outside the engine.
	StageStatusInterrupted StageStatus = "interrupted"
)

// Terminal reports whether the stage status is final.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSkipped, StageStatusSucceeded, StageStatusFailed, StageStatusInterrupted:
		return true
	}
	return false
}

// Skip reasons recorded on StageResult.Reason.
const (
	SkipReasonGateDenied       = "gate_denied"
	SkipReasonUpstreamFailed   = "upstream_failed"
	SkipReasonUpstreamSkipped  = "upstream_skipped"
	SkipReasonInputUnavailable = "inputs_unavailable"
	SkipReasonRunCancelled     = "run_cancelled"
)

// PipelineRun identifies one end-to-end execution of a pipeline DAG.
// Immutable once Status is terminal.
type PipelineRun struct {
	ID         string                  `json:"id"`
	Pipeline   string                  `json:"pipeline"`
	Trigger    Trigger                 `json:"trigger"`
	Status     RunStatus               `json:"status"`
	Stages     map[string]*StageResult `json:"stages"`
	Order      []string                `json:"order,omitempty"` // topological order used for execution
	Error      string                  `json:"error,omitempty"`
	StartedAt  *time.Time              `json:"started_at,omitempty"`
	FinishedAt *time.Time              `json:"finished_at,omitempty"`
	CreatedAt  time.Time               `json:"created_at"`
	UpdatedAt  time.Time               `json:"updated_at"`
}

// RunMeta is a lightweight representation of a run for listing.
type RunMeta struct {
	ID         string     `json:"id"`
	Pipeline   string     `json:"pipeline"`
	Status     RunStatus  `json:"status"`
	Trigger    Trigger    `json:"trigger"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// StageResult is the runtime record for one stage within one run.
type StageResult struct {
	Name       string       `json:"name"`
	Status     StageStatus  `json:"status"`
	Reason     string       `json:"reason,omitempty"`
	Steps      []StepResult `json:"steps,omitempty"`
	Artifacts  []string     `json:"artifacts,omitempty"` // keys written by this stage
	Error      string       `json:"error,omitempty"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
}

// StepStatus represents the outcome of a single step invocation.
type StepStatus string

const (
	StepStatusSucceeded   StepStatus = "succeeded"
	StepStatusFailed      StepStatus = "failed"
	StepStatusInterrupted StepStatus = "interrupted"
	StepStatusSkipped     StepStatus = "skipped"
)

// FailureClass categorizes why an invocation failed. Transient classes are
// eligible for retry; deterministic exits are not.
type FailureClass string

const (
	FailureNone          FailureClass = ""
	FailureStart         FailureClass = "start_failure"
	FailureTimeout       FailureClass = "timeout"
	FailureCancelled     FailureClass = "cancelled"
	FailureExit          FailureClass = "exit"
	FailureMissingOutput FailureClass = "missing_output"
)

// Transient reports whether the class is retryable under the default policy.
func (f FailureClass) Transient() bool {
	return f == FailureStart || f == FailureTimeout
}

// StepResult records one step's final outcome within a stage.
type StepResult struct {
	Name     string        `json:"name"`
	Status   StepStatus    `json:"status"`
	ExitCode int           `json:"exit_code"`
	Attempts int           `json:"attempts"`
	Failure  FailureClass  `json:"failure,omitempty"`
	NonFatal bool          `json:"non_fatal,omitempty"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// ArtifactKind is the value type of an artifact.
type ArtifactKind string

const (
	ArtifactString ArtifactKind = "string"
	ArtifactInt    ArtifactKind = "int"
	ArtifactJSON   ArtifactKind = "json"
)

// Artifact is a named, typed, write-once output value scoped to one run.
// Stage is a back-reference to the producer; the store owns the value.
type Artifact struct {
	Key   string          `json:"key"`
	Kind  ArtifactKind    `json:"kind"`
	Str   string          `json:"str,omitempty"`
	Int   int             `json:"int,omitempty"`
	JSON  json.RawMessage `json:"json,omitempty"`
	Stage string          `json:"stage"`
}

// StringArtifact builds a string-valued artifact.
func StringArtifact(key, stage, value string) Artifact {
	return Artifact{Key: key, Kind: ArtifactString, Str: value, Stage: stage}
}

// IntArtifact builds an integer-valued artifact (e.g. an exit code).
func IntArtifact(key, stage string, value int) Artifact {
	return Artifact{Key: key, Kind: ArtifactInt, Int: value, Stage: stage}
}

// JSONArtifact builds a JSON-blob artifact.
func JSONArtifact(key, stage string, raw json.RawMessage) Artifact {
	return Artifact{Key: key, Kind: ArtifactJSON, JSON: raw, Stage: stage}
}

// Value renders the artifact value as a string, for parameter substitution
// into step commands and environments.
func (a Artifact) Value() string {
	switch a.Kind {
	case ArtifactInt:
		return strconv.Itoa(a.Int)
	case ArtifactJSON:
		return string(a.JSON)
	default:
		return a.Str
	}
}
