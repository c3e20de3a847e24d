package driver

import (
	"context"

	"github.com/stagehand-ci/stagehand/internal/runstore"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// RunStoreEmitter adapts a RunStore to the EventEmitter interface.
type RunStoreEmitter struct {
	store runstore.RunStore
}

// NewRunStoreEmitter creates a new emitter backed by a RunStore.
func NewRunStoreEmitter(store runstore.RunStore) *RunStoreEmitter {
	return &RunStoreEmitter{store: store}
}

// EmitEvent appends an event to the run's stream.
func (e *RunStoreEmitter) EmitEvent(ctx context.Context, runID string, input *types.EventInput) error {
	_, err := e.store.AppendEvent(ctx, runID, input)
	return err
}

// Ensure RunStoreEmitter implements EventEmitter
var _ EventEmitter = (*RunStoreEmitter)(nil)
