package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// memoryRun holds all state for a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	id          string
	pipeline    string
	trigger     types.Trigger
	status      types.RunStatus
	stages      map[string]*types.StageResult
	order       []string
	error       string
	startedAt   *time.Time
	finishedAt  *time.Time
	events      []*types.Event
	nextSeq     int64
	maxEvents   int64
	cancelled   bool
	subscribers map[chan *types.Event]struct{}
	createdAt   time.Time
	updatedAt   time.Time
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for single-process deployments and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, pipeline string, trig types.Trigger, stages []string, order []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runID := uuid.NewString()
	now := time.Now().UTC()

	results := make(map[string]*types.StageResult, len(stages))
	for _, name := range stages {
		results[name] = &types.StageResult{
			Name:   name,
			Status: types.StageStatusPending,
		}
	}

	s.runs[runID] = &memoryRun{
		id:          runID,
		pipeline:    pipeline,
		trigger:     trig,
		status:      types.RunStatusPending,
		stages:      results,
		order:       order,
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		maxEvents:   s.config.EventMaxLen,
		subscribers: make(map[chan *types.Event]struct{}),
		createdAt:   now,
		updatedAt:   now,
	}

	return runID, nil
}

func (s *MemoryStore) get(runID string) (*memoryRun, bool) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	return run, ok
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*types.RunMeta, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	return &types.RunMeta{
		ID:         run.id,
		Pipeline:   run.pipeline,
		Status:     run.status,
		Trigger:    run.trigger,
		Error:      run.error,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*types.PipelineRun, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	stages := make(map[string]*types.StageResult, len(run.stages))
	for name, result := range run.stages {
		clone := *result
		stages[name] = &clone
	}

	return &types.PipelineRun{
		ID:         run.id,
		Pipeline:   run.pipeline,
		Trigger:    run.trigger,
		Status:     run.status,
		Stages:     stages,
		Order:      append([]string(nil), run.order...),
		Error:      run.error,
		StartedAt:  run.startedAt,
		FinishedAt: run.finishedAt,
		CreatedAt:  run.createdAt,
		UpdatedAt:  run.updatedAt,
	}, nil
}

func (s *MemoryStore) ListRuns(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, runErr string) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	now := time.Now().UTC()
	run.status = status
	run.updatedAt = now
	if runErr != "" {
		run.error = runErr
	}
	if status == types.RunStatusRunning && run.startedAt == nil {
		run.startedAt = &now
	}
	if status.Terminal() && run.finishedAt == nil {
		run.finishedAt = &now
	}
	return nil
}

func (s *MemoryStore) CancelRun(ctx context.Context, runID string) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	if run.status.Terminal() {
		return fmt.Errorf("%w: %s is %s", ErrRunFinished, runID, run.status)
	}
	run.cancelled = true
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateStageResult(ctx context.Context, runID string, result *types.StageResult) error {
	run, ok := s.get(runID)
	if !ok {
		return ErrRunNotFound
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	clone := *result
	run.stages[result.Name] = &clone
	run.updatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetStageResult(ctx context.Context, runID, stage string) (*types.StageResult, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	result, ok := run.stages[stage]
	if !ok {
		return nil, fmt.Errorf("stage %s not found in run %s", stage, runID)
	}
	clone := *result
	return &clone, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.Lock()

	eventID := fmt.Sprintf("%d", run.nextSeq)
	run.nextSeq++

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		run.mu.Unlock()
		return nil, fmt.Errorf("marshal event data: %w", err)
	}

	event := &types.Event{
		ID:        eventID,
		RunID:     runID,
		Type:      input.Type,
		Stage:     input.Stage,
		Step:      input.Step,
		Timestamp: time.Now().UTC(),
		Data:      dataJSON,
	}

	// Ring buffer: drop the oldest when full.
	if int64(len(run.events)) >= run.maxEvents {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.updatedAt = time.Now().UTC()

	// Copy subscribers to notify outside the lock.
	subs := make([]chan *types.Event, 0, len(run.subscribers))
	for ch := range run.subscribers {
		subs = append(subs, ch)
	}
	run.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
	}

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	if lastEventID == "" {
		result := make([]*types.Event, len(run.events))
		copy(result, run.events)
		return result, nil
	}

	var result []*types.Event
	found := false
	for _, evt := range run.events {
		if found {
			result = append(result, evt)
		}
		if evt.ID == lastEventID {
			found = true
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, ok := s.get(runID)
	if !ok {
		return nil, nil, ErrRunNotFound
	}

	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) IsCancelled(ctx context.Context, runID string) (bool, error) {
	run, ok := s.get(runID)
	if !ok {
		return false, ErrRunNotFound
	}

	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.cancelled, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = nil
		run.mu.Unlock()
	}
	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
