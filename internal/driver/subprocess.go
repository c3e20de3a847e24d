package driver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// SubprocessDriver executes steps as local subprocesses. Stdout is captured
// for artifact extraction and mirrored to the event stream; stderr is
// streamed as error-level log events.
type SubprocessDriver struct {
	emitter        EventEmitter
	envPassthrough map[string]string
	cwd            string
}

// SubprocessConfig holds configuration for the subprocess driver.
type SubprocessConfig struct {
	// EnvPassthrough contains environment variables to pass to all steps
	EnvPassthrough map[string]string

	// CWD is the working directory for steps (empty = inherit)
	CWD string
}

// NewSubprocessDriver creates a new subprocess driver.
func NewSubprocessDriver(emitter EventEmitter, cfg *SubprocessConfig) *SubprocessDriver {
	if cfg == nil {
		cfg = &SubprocessConfig{}
	}
	return &SubprocessDriver{
		emitter:        emitter,
		envPassthrough: cfg.EnvPassthrough,
		cwd:            cfg.CWD,
	}
}

// RunStep executes the command as a subprocess.
func (d *SubprocessDriver) RunStep(ctx context.Context, req *RunRequest) (*Invocation, error) {
	if len(req.Command) == 0 {
		return nil, fmt.Errorf("step %s/%s: empty command", req.Stage, req.Step)
	}

	mergedEnv := os.Environ()
	for k, v := range d.envPassthrough {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	for k, v := range req.Env {
		mergedEnv = append(mergedEnv, fmt.Sprintf("%s=%s", k, v))
	}
	mergedEnv = append(mergedEnv,
		fmt.Sprintf("STAGEHAND_RUN_ID=%s", req.RunID),
		fmt.Sprintf("STAGEHAND_STAGE=%s", req.Stage),
		fmt.Sprintf("STAGEHAND_STEP=%s", req.Step),
	)

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(execCtx, req.Command[0], req.Command[1:]...)
	c.Env = mergedEnv
	if req.WorkDir != "" {
		c.Dir = req.WorkDir
	} else if d.cwd != "" {
		c.Dir = d.cwd
	}

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := c.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	start := time.Now()
	if err := c.Start(); err != nil {
		d.emitLog(ctx, req, "error", fmt.Sprintf("start failed: %v", err))
		return &Invocation{
			ExitCode: -1,
			Duration: time.Since(start),
			Failure:  types.FailureStart,
		}, nil
	}

	var wg sync.WaitGroup
	wg.Add(2)

	var capMu sync.Mutex
	captured := make([]byte, 0, 4096)

	// Stdout reader: capture for extraction and mirror to the log stream.
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			capMu.Lock()
			if remaining := MaxCapturedStdout - len(captured); remaining > 0 {
				chunk := line
				if len(chunk) > remaining {
					chunk = chunk[:remaining]
				}
				captured = append(captured, chunk...)
				if len(captured) < MaxCapturedStdout {
					captured = append(captured, '\n')
				}
			}
			capMu.Unlock()
			if len(line) > 0 {
				d.emitLog(ctx, req, "info", string(line))
			}
		}
		if err := scanner.Err(); err != nil {
			d.emitLog(ctx, req, "error", fmt.Sprintf("stdout capture truncated: %v", err))
		}
		// Drain anything past the scanner buffer limit.
		io.Copy(io.Discard, stdout)
	}()

	// Stderr reader: stream as error-level logs.
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			if line := scanner.Text(); line != "" {
				d.emitLog(ctx, req, "error", line)
			}
		}
		if err := scanner.Err(); err != nil {
			d.emitLog(ctx, req, "error", fmt.Sprintf("stderr capture truncated: %v", err))
		}
		io.Copy(io.Discard, stderr)
	}()

	wg.Wait()
	waitErr := c.Wait()
	duration := time.Since(start)

	capMu.Lock()
	out := captured
	capMu.Unlock()

	inv := &Invocation{Stdout: out, Duration: duration}

	switch {
	case waitErr == nil:
		inv.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		inv.ExitCode = 124
		inv.Failure = types.FailureTimeout
		d.emitLog(ctx, req, "error", fmt.Sprintf("step timed out after %s", req.Timeout))
	case errors.Is(execCtx.Err(), context.Canceled):
		inv.ExitCode = 130
		inv.Failure = types.FailureCancelled
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			inv.ExitCode = exitErr.ExitCode()
		} else {
			inv.ExitCode = -1
			inv.Failure = types.FailureStart
		}
	}

	return inv, nil
}

func (d *SubprocessDriver) emitLog(ctx context.Context, req *RunRequest, level, message string) {
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
			slog.String("stage", req.Stage),
			slog.Any("error", err))
	}
}

// Ensure SubprocessDriver implements Driver
var _ Driver = (*SubprocessDriver)(nil)
