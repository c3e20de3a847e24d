package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/driver"
	"github.com/stagehand-ci/stagehand/internal/metrics"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// Runner executes a stage's steps in declared order. One step at a time per
// stage: a step may depend on filesystem or external state its predecessor
// left behind.
type Runner struct {
	driver  driver.Driver
	store   artifact.Store
	emitter driver.EventEmitter

	// RetryBaseDelay is the first retry backoff (default 1s).
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps exponential backoff (default 60s).
	RetryMaxDelay time.Duration
}

// NewRunner creates a step runner.
func NewRunner(drv driver.Driver, store artifact.Store, emitter driver.EventEmitter) *Runner {
	return &Runner{
		driver:         drv,
		store:          store,
		emitter:        emitter,
		RetryBaseDelay: time.Second,
		RetryMaxDelay:  60 * time.Second,
	}
}

// StageContext carries run-scoped context into step execution.
type StageContext struct {
	RunID   string
	Stage   string
	Trigger types.Trigger
	WorkDir string
}

// RunSteps executes the steps sequentially and returns the per-step results,
// the artifact keys written, and the resulting stage status. Execution stops
// at the first fatal failure; remaining steps are recorded as skipped.
func (r *Runner) RunSteps(ctx context.Context, sc *StageContext, steps []types.StepSpec) ([]types.StepResult, []string, types.StageStatus) {
	results := make([]types.StepResult, 0, len(steps))
	var artifacts []string

	for i := range steps {
		spec := &steps[i]
		result, keys := r.runStep(ctx, sc, spec)
		results = append(results, result)
		artifacts = append(artifacts, keys...)

		fatal := result.Status == types.StepStatusInterrupted ||
			(result.Status == types.StepStatusFailed && !spec.NonFatal)
		if !fatal {
			continue
		}

		for _, rest := range steps[i+1:] {
			results = append(results, types.StepResult{
				Name:   rest.Name,
				Status: types.StepStatusSkipped,
			})
		}
		if result.Status == types.StepStatusInterrupted {
			return results, artifacts, types.StageStatusInterrupted
		}
		return results, artifacts, types.StageStatusFailed
	}

	return results, artifacts, types.StageStatusSucceeded
}

// runStep executes one step with the retry policy and extracts its outputs.
func (r *Runner) runStep(ctx context.Context, sc *StageContext, spec *types.StepSpec) (types.StepResult, []string) {
	result := types.StepResult{Name: spec.Name, NonFatal: spec.NonFatal}
	start := time.Now()

	r.emitStepStatus(ctx, sc, spec.Name, "running", 0, "")

	command, err := NewResolver(r.store, sc.RunID, sc.Trigger).ResolveAll(ctx, spec.Command)
	if err != nil {
		return r.failed(ctx, sc, result, start, types.FailureStart, fmt.Sprintf("resolve command: %v", err)), nil
	}
	env, err := NewResolver(r.store, sc.RunID, sc.Trigger).ResolveEnv(ctx, spec.Env)
	if err != nil {
		return r.failed(ctx, sc, result, start, types.FailureStart, fmt.Sprintf("resolve env: %v", err)), nil
	}

	req := &driver.RunRequest{
		RunID:   sc.RunID,
		Stage:   sc.Stage,
		Step:    spec.Name,
		Command: command,
		Env:     env,
		Image:   spec.Image,
		WorkDir: sc.WorkDir,
		Timeout: spec.Timeout.Std(),
	}

	var inv *driver.Invocation
	for attempt := 1; ; attempt++ {
		result.Attempts = attempt

		inv, err = r.driver.RunStep(ctx, req)
		if err != nil {
			return r.failed(ctx, sc, result, start, types.FailureStart, err.Error()), nil
		}

		if inv.Failure == types.FailureCancelled {
			result.Duration = time.Since(start)
			result.ExitCode = inv.ExitCode
			result.Failure = types.FailureCancelled
			if spec.Mutating {
				// The external mutation may be half-applied; surface it
				// loudly rather than pretending the step merely failed.
				result.Status = types.StepStatusInterrupted
				result.Error = "cancelled while a mutating step was in flight"
				r.emitStepStatus(ctx, sc, spec.Name, "interrupted", attempt, result.Error)
				return result, nil
			}
			result.Status = types.StepStatusFailed
			result.Error = "cancelled"
			r.emitStepStatus(ctx, sc, spec.Name, "failed", attempt, result.Error)
			return result, nil
		}

		if inv.Failure == types.FailureNone && spec.Accepts(inv.ExitCode) {
			break
		}

		// Retry only classes where re-running cannot double-apply: the
		// process never produced a meaningful result. A deterministic
		// nonzero exit retries only when the step opts in.
		retryable := inv.Failure.Transient() || (spec.Retryable && inv.Failure == types.FailureNone)
		if !retryable || attempt > spec.Retries {
			failure := inv.Failure
			if failure == types.FailureNone {
				failure = types.FailureExit
			}
			result.ExitCode = inv.ExitCode
			return r.failed(ctx, sc, result, start, failure,
				fmt.Sprintf("exit code %d after %d attempt(s)", inv.ExitCode, attempt)), nil
		}

		delay := r.backoff(attempt)
		slog.Info("retrying step",
			slog.String("run_id", sc.RunID),
			slog.String("stage", sc.Stage),
			slog.String("step", spec.Name),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			result.Duration = time.Since(start)
			result.Status = types.StepStatusFailed
			result.Failure = types.FailureCancelled
			result.Error = "cancelled while waiting to retry"
			r.emitStepStatus(ctx, sc, spec.Name, "failed", attempt, result.Error)
			return result, nil
		}
	}

	keys, err := r.extractOutputs(ctx, sc, spec, inv)
	if err != nil {
		result.ExitCode = inv.ExitCode
		return r.failed(ctx, sc, result, start, types.FailureMissingOutput, err.Error()), keys
	}

	result.Status = types.StepStatusSucceeded
	result.ExitCode = inv.ExitCode
	result.Duration = time.Since(start)
	r.emitStepStatus(ctx, sc, spec.Name, "succeeded", result.Attempts, "")
	return result, keys
}

// extractOutputs extracts and stores each declared artifact. A Required
// output that cannot be extracted or stored fails the step; optional ones
// are logged and dropped. A duplicate key is always fatal: the pipeline is
// producing conflicting values for the same name.
func (r *Runner) extractOutputs(ctx context.Context, sc *StageContext, spec *types.StepSpec, inv *driver.Invocation) ([]string, error) {
	var keys []string
	for _, out := range spec.Outputs {
		art, err := Extract(out, sc.Stage, inv)
		if err != nil {
			if out.Required {
				return keys, err
			}
			slog.Warn("optional output not extracted",
				slog.String("run_id", sc.RunID),
				slog.String("stage", sc.Stage),
				slog.String("step", spec.Name),
				slog.String("output", out.Name),
				slog.Any("error", err))
			continue
		}

		if err := r.store.Put(ctx, sc.RunID, art); err != nil {
			if errors.Is(err, artifact.ErrDuplicateArtifact) {
				return keys, err
			}
			if out.Required {
				return keys, fmt.Errorf("store output %s: %w", out.Name, err)
			}
			slog.Warn("optional output not stored",
				slog.String("run_id", sc.RunID),
				slog.String("output", out.Name),
				slog.Any("error", err))
			continue
		}

		keys = append(keys, art.Key)
		metrics.ArtifactsWritten.WithLabelValues(string(art.Kind)).Inc()
		r.emitEvent(ctx, sc, &types.EventInput{
			Type:  types.EventTypeArtifact,
			Stage: sc.Stage,
			Step:  spec.Name,
			Data: map[string]interface{}{
				"key":  art.Key,
				"kind": string(art.Kind),
			},
		})
	}
	return keys, nil
}

func (r *Runner) failed(ctx context.Context, sc *StageContext, result types.StepResult, start time.Time, failure types.FailureClass, msg string) types.StepResult {
	result.Status = types.StepStatusFailed
	result.Failure = failure
	result.Error = msg
	result.Duration = time.Since(start)
	r.emitStepStatus(ctx, sc, result.Name, "failed", result.Attempts, msg)
	return result
}

func (r *Runner) backoff(attempt int) time.Duration {
	delay := r.RetryBaseDelay << (attempt - 1)
	if delay > r.RetryMaxDelay || delay <= 0 {
		delay = r.RetryMaxDelay
	}
	return delay
}

func (r *Runner) emitStepStatus(ctx context.Context, sc *StageContext, step, status string, attempts int, errMsg string) {
	data := map[string]interface{}{"status": status}
	if attempts > 0 {
		data["attempts"] = attempts
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	r.emitEvent(ctx, sc, &types.EventInput{
		Type:  types.EventTypeStepStatus,
		Stage: sc.Stage,
		Step:  step,
		Data:  data,
	})
}

func (r *Runner) emitEvent(ctx context.Context, sc *StageContext, input *types.EventInput) {
	if r.emitter == nil {
		return
	}
	if err := r.emitter.EmitEvent(ctx, sc.RunID, input); err != nil {
		slog.Error("failed to emit event",
			slog.String("run_id", sc.RunID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err))
	}
}
