package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// MemoryRegistry implements PipelineRegistry using in-memory storage.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewMemoryRegistry creates a new in-memory pipeline registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		pipelines: make(map[string]*Pipeline),
	}
}

// Create registers a new pipeline.
func (r *MemoryRegistry) Create(ctx context.Context, spec *types.PipelineSpec) (*Pipeline, error) {
	if spec == nil || spec.Name == "" {
		return nil, errors.New("pipeline name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pipelines[spec.Name]; exists {
		return nil, ErrPipelineExists
	}

	now := time.Now().UTC()
	p := &Pipeline{
		Name:      spec.Name,
		Spec:      spec,
		Version:   1,
		Labels:    spec.Labels,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.pipelines[spec.Name] = p

	clone := *p
	return &clone, nil
}

// Get retrieves a pipeline by name.
func (r *MemoryRegistry) Get(ctx context.Context, name string) (*Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pipelines[name]
	if !ok {
		return nil, ErrPipelineNotFound
	}

	clone := *p
	return &clone, nil
}

// Update replaces an existing definition and bumps its version.
func (r *MemoryRegistry) Update(ctx context.Context, name string, spec *types.PipelineSpec) (*Pipeline, error) {
	if spec == nil {
		return nil, errors.New("pipeline spec is required")
	}
	if spec.Name != "" && spec.Name != name {
		return nil, errors.New("pipeline name cannot change on update")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pipelines[name]
	if !ok {
		return nil, ErrPipelineNotFound
	}

	p.Spec = spec
	p.Labels = spec.Labels
	p.Version++
	p.UpdatedAt = time.Now().UTC()

	clone := *p
	return &clone, nil
}

// Delete removes a pipeline.
func (r *MemoryRegistry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.pipelines[name]; !ok {
		return ErrPipelineNotFound
	}
	delete(r.pipelines, name)
	return nil
}

// List returns all pipelines matching the options, sorted by name.
func (r *MemoryRegistry) List(ctx context.Context, opts *ListOptions) ([]*Pipeline, error) {
	if opts == nil {
		opts = &ListOptions{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pipelines := make([]*Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		if len(opts.Labels) > 0 && !hasAllLabels(p.Labels, opts.Labels) {
			continue
		}
		clone := *p
		pipelines = append(pipelines, &clone)
	}

	sort.Slice(pipelines, func(i, j int) bool { return pipelines[i].Name < pipelines[j].Name })
	return paginate(pipelines, opts), nil
}

// Exists checks whether a pipeline with the given name is registered.
func (r *MemoryRegistry) Exists(ctx context.Context, name string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.pipelines[name]
	return ok, nil
}

// Close is a no-op for the memory registry.
func (r *MemoryRegistry) Close() error {
	return nil
}
