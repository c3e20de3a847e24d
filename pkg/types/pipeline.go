// Package types provides the shared data model for the stagehand engine.
package types

// TriggerEvent identifies what kind of event started a run.
type TriggerEvent string

const (
	TriggerEventPush        TriggerEvent = "push"
	TriggerEventPullRequest TriggerEvent = "pull_request"
	TriggerEventManual      TriggerEvent = "manual"
)

// Trigger carries the immutable invocation context for a run. It is built
// once at run creation and passed explicitly through the scheduler and step
// runner; nothing in the engine reads ambient process state.
type Trigger struct {
	Event       TriggerEvent      `json:"event" yaml:"event"`
	Action      string            `json:"action,omitempty" yaml:"action,omitempty"`
	Actor       string            `json:"actor,omitempty" yaml:"actor,omitempty"`
	Environment string            `json:"environment,omitempty" yaml:"environment,omitempty"`
	Params      map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Param returns a trigger parameter value, or "" when unset.
func (t Trigger) Param(key string) string {
	if t.Params == nil {
		return ""
	}
	return t.Params[key]
}

// PipelineSpec is the static definition of a pipeline: a DAG of stages.
type PipelineSpec struct {
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Stages      []StageSpec       `json:"stages" yaml:"stages"`
	Labels      map[string]string `json:"labels,omitempty" yaml:"labels,omitempty"`
}

// Stage returns the stage with the given name, or nil.
func (p *PipelineSpec) Stage(name string) *StageSpec {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i]
		}
	}
	return nil
}

// StageSpec is an ordered sequence of steps sharing one failure boundary.
type StageSpec struct {
	Name string `json:"name" yaml:"name"`

	// Needs lists upstream stage names. The stage does not start until all
	// of them reach a terminal status.
	Needs []string `json:"needs,omitempty" yaml:"needs,omitempty"`

	// Inputs lists artifact keys this stage reads. Each must be produced by
	// a stage reachable through Needs; validated before the run starts.
	Inputs []string `json:"inputs,omitempty" yaml:"inputs,omitempty"`

	// Gate is the admission predicate. A nil gate admits unconditionally
	// (subject to upstream status checks).
	Gate *Condition `json:"gate,omitempty" yaml:"gate,omitempty"`

	// RunOnFailure admits the stage even when upstream stages failed or
	// were skipped. Intended for diagnostic and cleanup stages.
	RunOnFailure bool `json:"run_on_failure,omitempty" yaml:"run_on_failure,omitempty"`

	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// Outputs returns all artifact keys the stage's steps may write.
func (s *StageSpec) Outputs() []string {
	var keys []string
	for _, step := range s.Steps {
		for _, out := range step.Outputs {
			keys = append(keys, out.Name)
		}
	}
	return keys
}

// StepSpec describes a single external tool invocation.
type StepSpec struct {
	Name    string            `json:"name" yaml:"name"`
	Command []string          `json:"command" yaml:"command"`
	Image   string            `json:"image,omitempty" yaml:"image,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Timeout cancels the invocation when exceeded (0 = no timeout).
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Retries is the number of re-attempts after a transient failure.
	Retries int `json:"retries,omitempty" yaml:"retries,omitempty"`

	// Retryable opts a deterministic nonzero exit into the retry policy.
	// Off by default: re-running a non-idempotent tool under ambiguous
	// failure could double-apply.
	Retryable bool `json:"retryable,omitempty" yaml:"retryable,omitempty"`

	// NonFatal records a failure without failing the owning stage.
	NonFatal bool `json:"non_fatal,omitempty" yaml:"non_fatal,omitempty"`

	// Mutating marks a non-idempotent external mutation (e.g. apply).
	// Cancellation mid-step surfaces as interrupted, never auto-retried.
	Mutating bool `json:"mutating,omitempty" yaml:"mutating,omitempty"`

	// AcceptExitCodes lists nonzero exit codes treated as success, e.g. a
	// provisioner's "changes present" code or a scanner reporting findings.
	AcceptExitCodes []int `json:"accept_exit_codes,omitempty" yaml:"accept_exit_codes,omitempty"`

	Outputs []OutputSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Accepts reports whether the exit code counts as success for this step.
func (s *StepSpec) Accepts(code int) bool {
	if code == 0 {
		return true
	}
	for _, c := range s.AcceptExitCodes {
		if c == code {
			return true
		}
	}
	return false
}

// OutputSource selects how an artifact value is extracted after a step.
type OutputSource string

const (
	// OutputFromExitCode stores the step's exit code as an integer artifact.
	OutputFromExitCode OutputSource = "exit_code"
	// OutputFromStdout stores the whole captured stdout as a string.
	OutputFromStdout OutputSource = "stdout"
	// OutputFromStdoutJSON parses stdout as JSON and stores the blob.
	OutputFromStdoutJSON OutputSource = "stdout_json"
	// OutputFromRegex stores the first capture group of Pattern applied to
	// stdout.
	OutputFromRegex OutputSource = "stdout_regex"
	// OutputFromFile reads the artifact value from Path.
	OutputFromFile OutputSource = "file"
)

// OutputSpec declares one artifact a step produces.
type OutputSpec struct {
	Name    string       `json:"name" yaml:"name"`
	Source  OutputSource `json:"source" yaml:"source"`
	Pattern string       `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Path    string       `json:"path,omitempty" yaml:"path,omitempty"`

	// Required makes the step fail when the artifact cannot be extracted,
	// regardless of exit code.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
}
