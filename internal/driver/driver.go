// Package driver provides abstractions for executing pipeline steps.
package driver

import (
	"context"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// MaxCapturedStdout bounds the stdout retained per invocation for artifact
// extraction. Output beyond the cap is still streamed as log events but is
// not available to extractors.
const MaxCapturedStdout = 4 << 20 // 4 MiB

// RunRequest describes one step invocation.
type RunRequest struct {
	RunID   string
	Stage   string
	Step    string
	Command []string
	Env     map[string]string
	Image   string
	WorkDir string

	// Timeout cancels the invocation when exceeded (0 = no timeout).
	Timeout time.Duration
}

// Invocation is the raw outcome of one attempt. Classification into step
// success or failure (accepted exit codes, retries) happens in the step
// runner, not here.
type Invocation struct {
	ExitCode int
	Stdout   []byte
	Duration time.Duration
	Failure  types.FailureClass
}

// OK reports whether the process ran to completion with exit code 0.
func (inv *Invocation) OK() bool {
	return inv.Failure == types.FailureNone && inv.ExitCode == 0
}

// Driver executes a single step attempt. Implementations may use local
// subprocesses, Kubernetes Jobs, or other executors. The driver is
// responsible for:
//   - spawning the execution context (subprocess, container)
//   - streaming output to the RunStore as log events
//   - capturing stdout up to MaxCapturedStdout for artifact extraction
//   - classifying start failures, timeouts, and cancellation
//
// A non-nil error means the attempt could not be described at all; normal
// failures are reported through Invocation.Failure and ExitCode.
type Driver interface {
	RunStep(ctx context.Context, req *RunRequest) (*Invocation, error)
}

// EventEmitter is called by drivers to emit events to the RunStore.
// This is passed to drivers at construction time.
type EventEmitter interface {
	EmitEvent(ctx context.Context, runID string, input *types.EventInput) error
}
