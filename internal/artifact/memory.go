package artifact

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// MemoryStore is an in-memory artifact store for single-process deployments
// and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]types.Artifact
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]map[string]types.Artifact)}
}

// Put records an artifact, enforcing write-once per key.
func (s *MemoryStore) Put(_ context.Context, runID string, art types.Artifact) error {
	if art.Key == "" {
		return fmt.Errorf("artifact key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	arts, ok := s.runs[runID]
	if !ok {
		arts = make(map[string]types.Artifact)
		s.runs[runID] = arts
	}
	if _, exists := arts[art.Key]; exists {
		return fmt.Errorf("%w: %s (run %s)", ErrDuplicateArtifact, art.Key, runID)
	}
	arts[art.Key] = art
	return nil
}

// Get returns one artifact by key.
func (s *MemoryStore) Get(_ context.Context, runID, key string) (types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	art, ok := s.runs[runID][key]
	if !ok {
		return types.Artifact{}, fmt.Errorf("%w: %s (run %s)", ErrNotFound, key, runID)
	}
	return art, nil
}

// List returns all artifacts for a run, sorted by key.
func (s *MemoryStore) List(_ context.Context, runID string) ([]types.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	arts := s.runs[runID]
	out := make([]types.Artifact, 0, len(arts))
	for _, art := range arts {
		out = append(out, art)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// DropRun discards all artifacts for a run.
func (s *MemoryStore) DropRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, runID)
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
