// Package artifact provides the run-scoped, write-once artifact store.
//
// Artifacts are the only channel for data flow between stages. A key can be
// written exactly once per run; the first write wins and any later write for
// the same key is an error, so downstream readers never observe a value
// change mid-run.
package artifact

import (
	"context"
	"errors"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

var (
	// ErrDuplicateArtifact is returned when a key is written twice within
	// one run. The stored value is left unchanged.
	ErrDuplicateArtifact = errors.New("artifact key already written")

	// ErrNotFound is returned when a requested artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
)

// Store holds artifacts per run. Implementations must be safe for
// concurrent use; independent stages publish in parallel.
type Store interface {
	// Put records an artifact. Returns ErrDuplicateArtifact if the key has
	// already been written for the run.
	Put(ctx context.Context, runID string, art types.Artifact) error

	// Get returns one artifact by key. Returns ErrNotFound if absent.
	Get(ctx context.Context, runID, key string) (types.Artifact, error)

	// List returns all artifacts for a run, sorted by key.
	List(ctx context.Context, runID string) ([]types.Artifact, error)

	// DropRun discards all artifacts for a run. Used on run expiry.
	DropRun(ctx context.Context, runID string) error

	// Close releases backend resources.
	Close() error
}
