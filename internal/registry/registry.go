// Package registry provides pipeline definition storage and lookup.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// Common errors returned by PipelineRegistry implementations.
var (
	ErrPipelineNotFound = errors.New("pipeline not found")
	ErrPipelineExists   = errors.New("pipeline already exists")
)

// Pipeline is a registered pipeline definition with registry bookkeeping.
type Pipeline struct {
	// Name is the unique pipeline identifier (matches Spec.Name)
	Name string `json:"name"`

	// Spec is the validated pipeline definition
	Spec *types.PipelineSpec `json:"spec"`

	// Version increments on every update
	Version int `json:"version"`

	// Labels are copied from the pipeline document for filtering
	Labels map[string]string `json:"labels,omitempty"`

	// CreatedAt is when the pipeline was first registered
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the definition was last replaced
	UpdatedAt time.Time `json:"updated_at"`
}

// ListOptions configures list queries.
type ListOptions struct {
	// Labels filters pipelines carrying ALL specified label values
	Labels map[string]string

	// Limit is the maximum number of pipelines to return (0 = no limit)
	Limit int

	// Offset is the number of pipelines to skip (for pagination)
	Offset int
}

// PipelineRegistry stores pipeline definitions. Implementations must be safe
// for concurrent use. Definitions are stored as given; structural and
// semantic validation happens before registration.
type PipelineRegistry interface {
	// Create registers a new pipeline. Returns ErrPipelineExists if the
	// name is taken.
	Create(ctx context.Context, spec *types.PipelineSpec) (*Pipeline, error)

	// Get retrieves a pipeline by name. Returns ErrPipelineNotFound if
	// absent.
	Get(ctx context.Context, name string) (*Pipeline, error)

	// Update replaces an existing definition and bumps its version.
	// Returns ErrPipelineNotFound if absent.
	Update(ctx context.Context, name string, spec *types.PipelineSpec) (*Pipeline, error)

	// Delete removes a pipeline. Returns ErrPipelineNotFound if absent.
	Delete(ctx context.Context, name string) error

	// List returns all pipelines matching the options, sorted by name.
	List(ctx context.Context, opts *ListOptions) ([]*Pipeline, error)

	// Exists checks whether a pipeline with the given name is registered.
	Exists(ctx context.Context, name string) (bool, error)

	// Close releases any resources.
	Close() error
}

// hasAllLabels checks whether the pipeline carries every required label.
func hasAllLabels(labels, required map[string]string) bool {
	for k, v := range required {
		if labels[k] != v {
			return false
		}
	}
	return true
}

// paginate applies offset and limit to a sorted result set.
func paginate(pipelines []*Pipeline, opts *ListOptions) []*Pipeline {
	if opts.Offset > 0 {
		if opts.Offset >= len(pipelines) {
			return []*Pipeline{}
		}
		pipelines = pipelines[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(pipelines) {
		pipelines = pipelines[:opts.Limit]
	}
	return pipelines
}
