// Package runstore provides run state persistence and event streaming.
package runstore

import (
	"context"
	"errors"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunFinished = errors.New("run already finished")
)

// RunStore defines the interface for run state persistence and event
// streaming. Implementations must be safe for concurrent use: independent
// stages report results in parallel.
type RunStore interface {
	// Run lifecycle
	CreateRun(ctx context.Context, pipeline string, trig types.Trigger, stages []string, order []string) (string, error)
	GetRun(ctx context.Context, runID string) (*types.PipelineRun, error)
	GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error)
	ListRuns(ctx context.Context) ([]string, error)

	// UpdateRunStatus moves the run through its lifecycle. Timestamps are
	// derived: StartedAt is set on the transition to running, FinishedAt
	// on the first terminal status. runErr is recorded verbatim.
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, runErr string) error

	// Stage state tracking
	UpdateStageResult(ctx context.Context, runID string, result *types.StageResult) error
	GetStageResult(ctx context.Context, runID, stage string) (*types.StageResult, error)

	// CancelRun flags the run for cancellation. In-flight stages observe
	// the flag through IsCancelled; the scheduler decides final statuses.
	CancelRun(ctx context.Context, runID string) error
	IsCancelled(ctx context.Context, runID string) (bool, error)

	// Event streaming
	// AppendEvent adds an event to the run's stream and returns it.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// An empty lastEventID returns the full stream.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel receiving new events for the run. The
	// cleanup function must be called to release the subscription.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	// Cleanup
	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL for runs in seconds (0 = no expiry)
	TTLSeconds int64
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTLSeconds:  7 * 24 * 60 * 60, // 7 days
	}
}
