package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand-ci/stagehand/internal/k8s"
	"github.com/stagehand-ci/stagehand/internal/metrics"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// K8sDriver executes steps as Kubernetes Jobs. Pod log lines are captured
// as the step's stdout for artifact extraction and mirrored to the event
// stream.
type K8sDriver struct {
	client     *k8s.Client
	jobBuilder *k8s.JobBuilder
	emitter    EventEmitter
}

// K8sDriverConfig holds configuration for the K8s driver.
type K8sDriverConfig struct {
	// K8s client configuration
	K8sConfig *k8s.Config

	// Job configuration
	JobConfig *k8s.JobConfig
}

// NewK8sDriver creates a new K8s driver.
func NewK8sDriver(emitter EventEmitter, cfg *K8sDriverConfig) (*K8sDriver, error) {
	if cfg == nil {
		cfg = &K8sDriverConfig{}
	}

	client, err := k8s.NewClient(cfg.K8sConfig)
	if err != nil {
		return nil, fmt.Errorf("create k8s client: %w", err)
	}

	jobCfg := cfg.JobConfig
	if jobCfg == nil {
		jobCfg = k8s.DefaultJobConfig()
	}
	jobCfg.Namespace = client.Namespace()

	return &K8sDriver{
		client:     client,
		jobBuilder: k8s.NewJobBuilder(jobCfg),
		emitter:    emitter,
	}, nil
}

// RunStep creates a K8s Job and waits for completion.
func (d *K8sDriver) RunStep(ctx context.Context, req *RunRequest) (*Invocation, error) {
	if req.Image == "" {
		return nil, fmt.Errorf("step %s/%s requires an image for kubernetes execution", req.Stage, req.Step)
	}

	job, err := d.jobBuilder.BuildJob(&k8s.StepJob{
		RunID:   req.RunID,
		Stage:   req.Stage,
		Step:    req.Step,
		Image:   req.Image,
		Command: req.Command,
		Env:     req.Env,
		Timeout: req.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("build job: %w", err)
	}

	start := time.Now()
	createdJob, err := d.client.CreateJob(ctx, job)
	if err != nil {
		metrics.K8sJobsTotal.WithLabelValues("create_failed").Inc()
		d.emitLog(ctx, req, "error", fmt.Sprintf("create job failed: %v", err))
		return &Invocation{
			ExitCode: -1,
			Duration: time.Since(start),
			Failure:  types.FailureStart,
		}, nil
	}

	jobName := createdJob.Name
	metrics.K8sJobsTotal.WithLabelValues("created").Inc()
	slog.Info("created step job",
		slog.String("job", jobName),
		slog.String("run_id", req.RunID),
		slog.String("stage", req.Stage),
		slog.String("step", req.Step))

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()

	var capMu sync.Mutex
	captured := make([]byte, 0, 4096)

	type outcome struct {
		exitCode int
		timedOut bool
		err      error
	}
	done := make(chan outcome, 1)

	watcher := k8s.NewJobWatcher(d.client, jobName, &k8s.WatchConfig{
		OnLog: func(line string) {
			capMu.Lock()
			if remaining := MaxCapturedStdout - len(captured); remaining > 0 {
				chunk := []byte(line)
				if len(chunk) > remaining {
					chunk = chunk[:remaining]
				}
				captured = append(captured, chunk...)
				if len(captured) < MaxCapturedStdout {
					captured = append(captured, '\n')
				}
			}
			capMu.Unlock()
			d.emitLog(ctx, req, "info", line)
		},
		OnComplete: func(code int, timedOut bool, err error) {
			done <- outcome{exitCode: code, timedOut: timedOut, err: err}
			watchCancel()
		},
	})

	go watcher.Watch(watchCtx)

	select {
	case result := <-done:
		capMu.Lock()
		out := captured
		capMu.Unlock()

		inv := &Invocation{
			ExitCode: result.exitCode,
			Stdout:   out,
			Duration: time.Since(start),
		}
		if result.timedOut {
			inv.Failure = types.FailureTimeout
		}
		if result.err != nil {
			return nil, result.err
		}
		return inv, nil

	case <-ctx.Done():
		// Delete the job with a fresh context; ours is already done.
		if err := d.client.DeleteJob(context.Background(), jobName); err != nil {
			slog.Warn("failed to delete job after cancellation",
				slog.String("job", jobName), slog.Any("error", err))
		}
		capMu.Lock()
		out := captured
		capMu.Unlock()
		return &Invocation{
			ExitCode: 130,
			Stdout:   out,
			Duration: time.Since(start),
			Failure:  types.FailureCancelled,
		}, nil
	}
}

func (d *K8sDriver) emitLog(ctx context.Context, req *RunRequest, level, message string) {
	if d.emitter == nil {
		return
	}
	err := d.emitter.EmitEvent(ctx, req.RunID, &types.EventInput{
		Type:  types.EventTypeLog,
		Stage: req.Stage,
		Step:  req.Step,
		Data: map[string]interface{}{
			"message": message,
			"level":   level,
		},
	})
	if err != nil {
		slog.Error("failed to emit log event",
			slog.String("run_id", req.RunID),
			slog.Any("error", err))
	}
}

// HealthCheck verifies K8s connectivity.
func (d *K8sDriver) HealthCheck(ctx context.Context) error {
	return d.client.HealthCheck(ctx)
}

// Ensure K8sDriver implements Driver
var _ Driver = (*K8sDriver)(nil)
