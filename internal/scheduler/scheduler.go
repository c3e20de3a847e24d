package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/gate"
	"github.com/stagehand-ci/stagehand/internal/metrics"
	"github.com/stagehand-ci/stagehand/internal/runstore"
	"github.com/stagehand-ci/stagehand/internal/step"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// Scheduler executes pipeline runs: it admits stages whose dependencies are
// settled, evaluates their gates, runs independent stages in parallel, and
// aggregates the final run status.
type Scheduler struct {
	store     runstore.RunStore
	runner    *step.Runner
	artifacts artifact.Store
	sem       chan struct{}
	workDir   string

	// cancelPoll is how often the engine checks the store's cancel flag,
	// which may be set by another replica.
	cancelPoll time.Duration

	runsMu sync.Mutex
	runs   map[string]context.CancelFunc
}

// Config holds scheduler configuration.
type Config struct {
	// MaxParallelism limits concurrent stage executions (0 = unlimited)
	MaxParallelism int

	// WorkDir is the working directory passed to steps (empty = inherit)
	WorkDir string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{MaxParallelism: 0}
}

// New creates a scheduler.
func New(store runstore.RunStore, runner *step.Runner, artifacts artifact.Store, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	var sem chan struct{}
	if cfg.MaxParallelism > 0 {
		sem = make(chan struct{}, cfg.MaxParallelism)
	}
	return &Scheduler{
		store:      store,
		runner:     runner,
		artifacts:  artifacts,
		sem:        sem,
		workDir:    cfg.WorkDir,
		cancelPoll: time.Second,
		runs:       make(map[string]context.CancelFunc),
	}
}

// CreateRun registers a new run for a compiled plan.
func (s *Scheduler) CreateRun(ctx context.Context, plan *Plan, trig types.Trigger) (string, error) {
	names := make([]string, 0, len(plan.Order))
	names = append(names, plan.Order...)
	return s.store.CreateRun(ctx, plan.Spec.Name, trig, names, plan.Order)
}

// StartRun begins executing a created run in the background. The returned
// channel closes when the run reaches a terminal status.
func (s *Scheduler) StartRun(runID string, plan *Plan, trig types.Trigger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Execute(context.Background(), runID, plan, trig); err != nil {
			slog.Error("run execution failed", slog.String("run_id", runID), slog.Any("error", err))
		}
	}()
	return done
}

// CancelRun flags a run for cancellation and interrupts its in-flight
// stages. Pending stages will be skipped; a mutating step caught mid-flight
// surfaces as interrupted.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	if err := s.store.CancelRun(ctx, runID); err != nil {
		return err
	}
	s.runsMu.Lock()
	cancel, ok := s.runs[runID]
	s.runsMu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

type stageDone struct {
	name   string
	result *types.StageResult
}

// Execute runs a created run to completion and returns its final state.
func (s *Scheduler) Execute(ctx context.Context, runID string, plan *Plan, trig types.Trigger) (*types.PipelineRun, error) {
	ctx, span := otel.Tracer("stagehand/scheduler").Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("pipeline.name", plan.Spec.Name),
			attribute.String("trigger.event", string(trig.Event)),
		))
	defer span.End()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.runsMu.Lock()
	s.runs[runID] = cancel
	s.runsMu.Unlock()
	defer func() {
		s.runsMu.Lock()
		delete(s.runs, runID)
		s.runsMu.Unlock()
	}()

	// Store writes must survive run cancellation.
	sctx := context.WithoutCancel(ctx)

	metrics.RunsActive.Inc()
	defer metrics.RunsActive.Dec()
	metrics.SchedulerQueueDepth.Add(float64(len(plan.Order)))
	start := time.Now()

	if err := s.store.UpdateRunStatus(sctx, runID, types.RunStatusRunning, ""); err != nil {
		return nil, fmt.Errorf("update run status: %w", err)
	}
	s.emitRunStatus(sctx, runID, string(types.RunStatusRunning))

	statuses := make(map[string]types.StageStatus, len(plan.Order))
	remaining := make(map[string]int, len(plan.Order))
	for name, d := range plan.InDegree {
		statuses[name] = types.StageStatusPending
		remaining[name] = d
	}

	done := make(chan stageDone)
	inFlight := 0
	cancelled := false
	var runErr string

	finish := func(name string, result *types.StageResult) {
		statuses[name] = result.Status
		if err := s.store.UpdateStageResult(sctx, runID, result); err != nil {
			slog.Error("update stage result failed",
				slog.String("run_id", runID), slog.String("stage", name), slog.Any("error", err))
		}
		s.emitStageStatus(sctx, runID, name, result)
		metrics.StagesTotal.WithLabelValues(string(result.Status)).Inc()
		if result.Status == types.StageStatusSkipped {
			metrics.StagesSkipped.WithLabelValues(result.Reason).Inc()
		}
		if result.StartedAt != nil && result.FinishedAt != nil {
			metrics.StageDuration.WithLabelValues(string(result.Status)).
				Observe(result.FinishedAt.Sub(*result.StartedAt).Seconds())
		}
		for _, res := range result.Steps {
			metrics.StepAttempts.WithLabelValues(string(res.Status)).Observe(float64(res.Attempts))
		}
		if runErr == "" && result.Error != "" &&
			(result.Status == types.StageStatusFailed || result.Status == types.StageStatusInterrupted) {
			runErr = fmt.Sprintf("stage %s: %s", name, result.Error)
		}
		for _, dep := range plan.Dependents[name] {
			remaining[dep]--
		}
	}

	skip := func(name, reason string) {
		finish(name, &types.StageResult{
			Name:   name,
			Status: types.StageStatusSkipped,
			Reason: reason,
		})
	}

	lookup := func(stage string) (types.StageStatus, bool) {
		st, ok := statuses[stage]
		return st, ok
	}

	launch := func(name string) {
		ps := plan.Stages[name]
		statuses[name] = types.StageStatusAdmitted
		inFlight++
		go func() {
			if s.sem != nil {
				select {
				case s.sem <- struct{}{}:
					defer func() { <-s.sem }()
				case <-runCtx.Done():
					done <- stageDone{name: name, result: &types.StageResult{
						Name:   name,
						Status: types.StageStatusSkipped,
						Reason: types.SkipReasonRunCancelled,
					}}
					return
				}
			}

			startedAt := time.Now().UTC()
			running := &types.StageResult{
				Name:      name,
				Status:    types.StageStatusRunning,
				StartedAt: &startedAt,
			}
			if err := s.store.UpdateStageResult(sctx, runID, running); err != nil {
				slog.Error("update stage result failed",
					slog.String("run_id", runID), slog.String("stage", name), slog.Any("error", err))
			}
			s.emitStageStatus(sctx, runID, name, running)

			sc := &step.StageContext{
				RunID:   runID,
				Stage:   name,
				Trigger: trig,
				WorkDir: s.workDir,
			}
			steps, arts, status := s.runner.RunSteps(runCtx, sc, ps.Spec.Steps)

			finishedAt := time.Now().UTC()
			result := &types.StageResult{
				Name:       name,
				Status:     status,
				Steps:      steps,
				Artifacts:  arts,
				StartedAt:  &startedAt,
				FinishedAt: &finishedAt,
			}
			for _, res := range steps {
				if res.Error != "" && !res.NonFatal &&
					(res.Status == types.StepStatusFailed || res.Status == types.StepStatusInterrupted) {
					result.Error = fmt.Sprintf("step %s: %s", res.Name, res.Error)
					break
				}
			}
			done <- stageDone{name: name, result: result}
		}()
	}

	// admitReady settles every stage whose dependencies are terminal:
	// skips cascade within one pass, so a gate denial immediately settles
	// its whole downstream cone.
	admitReady := func() {
		for progress := true; progress; {
			progress = false
			for _, name := range plan.Order {
				if statuses[name] != types.StageStatusPending || remaining[name] > 0 {
					continue
				}
				progress = true
				metrics.SchedulerQueueDepth.Dec()

				if cancelled {
					skip(name, types.SkipReasonRunCancelled)
					continue
				}

				ps := plan.Stages[name]
				upstreamFailed := false
				upstreamSkipped := false
				for _, need := range ps.Spec.Needs {
					switch statuses[need] {
					case types.StageStatusFailed, types.StageStatusInterrupted:
						upstreamFailed = true
					case types.StageStatusSkipped:
						upstreamSkipped = true
					}
				}
				if !ps.Spec.RunOnFailure {
					if upstreamFailed {
						skip(name, types.SkipReasonUpstreamFailed)
						continue
					}
					// A skipped upstream defers to the stage's own gate,
					// which sees the skipped status. Without a gate the
					// stage follows its upstream.
					if upstreamSkipped && ps.Gate == nil {
						skip(name, types.SkipReasonUpstreamSkipped)
						continue
					}
				}

				if ps.Gate != nil {
					admit, err := gate.Evaluate(ps.Gate, lookup, trig)
					s.emitGateEvaluated(sctx, runID, name, admit, err)
					if err != nil {
						finish(name, &types.StageResult{
							Name:   name,
							Status: types.StageStatusFailed,
							Error:  fmt.Sprintf("gate evaluation: %v", err),
						})
						continue
					}
					if !admit {
						skip(name, types.SkipReasonGateDenied)
						continue
					}
				}

				if missing := s.missingInputs(sctx, runID, ps.Spec.Inputs); missing != "" {
					slog.Warn("stage inputs unavailable",
						slog.String("run_id", runID),
						slog.String("stage", name),
						slog.String("artifact", missing))
					skip(name, types.SkipReasonInputUnavailable)
					continue
				}

				launch(name)
			}
		}
	}

	cancelSignal := runCtx.Done()
	poll := time.NewTicker(s.cancelPoll)
	defer poll.Stop()

	for {
		admitReady()
		if inFlight == 0 {
			break
		}
		select {
		case d := <-done:
			inFlight--
			finish(d.name, d.result)
		case <-cancelSignal:
			cancelled = true
			cancelSignal = nil
		case <-poll.C:
			if cancelled {
				continue
			}
			if flagged, err := s.store.IsCancelled(sctx, runID); err == nil && flagged {
				cancelled = true
				cancel()
			}
		}
	}

	// A cancel that lands after the last stage settles still marks the
	// run cancelled.
	if !cancelled {
		if flagged, err := s.store.IsCancelled(sctx, runID); err == nil && flagged {
			cancelled = true
		}
	}

	final := aggregate(statuses, cancelled)
	span.SetAttributes(attribute.String("run.status", string(final)))
	if err := s.store.UpdateRunStatus(sctx, runID, final, runErr); err != nil {
		return nil, fmt.Errorf("update final run status: %w", err)
	}
	s.emitRunStatus(sctx, runID, string(final))
	s.emitEvent(sctx, runID, &types.EventInput{Type: types.EventTypeStreamEnd})

	metrics.RunsTotal.WithLabelValues(string(final)).Inc()
	metrics.RunDuration.WithLabelValues(string(final)).Observe(time.Since(start).Seconds())

	return s.store.GetRun(sctx, runID)
}

// aggregate derives the run status from settled stage statuses.
// Failure dominates; a run where nothing executed is skipped, not succeeded.
func aggregate(statuses map[string]types.StageStatus, cancelled bool) types.RunStatus {
	anyFailed := false
	allSkipped := true
	for _, st := range statuses {
		switch st {
		case types.StageStatusFailed, types.StageStatusInterrupted:
			anyFailed = true
			allSkipped = false
		case types.StageStatusSkipped:
		default:
			allSkipped = false
		}
	}
	switch {
	case cancelled:
		return types.RunStatusCancelled
	case anyFailed:
		return types.RunStatusFailed
	case allSkipped:
		return types.RunStatusSkipped
	default:
		return types.RunStatusSucceeded
	}
}

// missingInputs returns the first declared input artifact that has not been
// published, or "" when all are present.
func (s *Scheduler) missingInputs(ctx context.Context, runID string, inputs []string) string {
	for _, key := range inputs {
		if _, err := s.artifacts.Get(ctx, runID, key); err != nil {
			return key
		}
	}
	return ""
}

// Event emission helpers

func (s *Scheduler) emitEvent(ctx context.Context, runID string, input *types.EventInput) {
	if _, err := s.store.AppendEvent(ctx, runID, input); err != nil {
		slog.Error("emit event failed",
			slog.String("run_id", runID),
			slog.String("type", string(input.Type)),
			slog.Any("error", err))
		return
	}
	metrics.EventsTotal.WithLabelValues(string(input.Type)).Inc()
}

func (s *Scheduler) emitRunStatus(ctx context.Context, runID, status string) {
	s.emitEvent(ctx, runID, &types.EventInput{
		Type: types.EventTypeRunStatus,
		Data: map[string]interface{}{"status": status},
	})
}

func (s *Scheduler) emitStageStatus(ctx context.Context, runID, stage string, result *types.StageResult) {
	data := map[string]interface{}{"status": string(result.Status)}
	if result.Reason != "" {
		data["reason"] = result.Reason
	}
	if result.Error != "" {
		data["error"] = result.Error
	}
	s.emitEvent(ctx, runID, &types.EventInput{
		Type:  types.EventTypeStageStatus,
		Stage: stage,
		Data:  data,
	})
}

func (s *Scheduler) emitGateEvaluated(ctx context.Context, runID, stage string, admitted bool, err error) {
	data := map[string]interface{}{"admitted": admitted}
	if err != nil {
		data["error"] = err.Error()
	}
	s.emitEvent(ctx, runID, &types.EventInput{
		Type:  types.EventTypeGateEvaluated,
		Stage: stage,
		Data:  data,
	})
}
