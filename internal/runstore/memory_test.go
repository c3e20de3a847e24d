package runstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

func newTestRun(t *testing.T, store *MemoryStore) string {
	t.Helper()
	runID, err := store.CreateRun(context.Background(), "deploy",
		types.Trigger{Event: types.TriggerEventPush},
		[]string{"build", "test", "deploy"},
		[]string{"build", "test", "deploy"})
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return runID
}

func TestMemoryStoreRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	runID := newTestRun(t, store)

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusPending {
		t.Errorf("new run status = %s, want pending", run.Status)
	}
	if len(run.Stages) != 3 {
		t.Fatalf("run has %d stages, want 3", len(run.Stages))
	}
	for name, result := range run.Stages {
		if result.Status != types.StageStatusPending {
			t.Errorf("stage %s status = %s, want pending", name, result.Status)
		}
	}

	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusRunning, ""); err != nil {
		t.Fatalf("UpdateRunStatus running: %v", err)
	}
	meta, err := store.GetRunMeta(ctx, runID)
	if err != nil {
		t.Fatalf("GetRunMeta: %v", err)
	}
	if meta.StartedAt == nil {
		t.Error("StartedAt not set on transition to running")
	}
	if meta.FinishedAt != nil {
		t.Error("FinishedAt set while run still in flight")
	}

	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusSucceeded, ""); err != nil {
		t.Fatalf("UpdateRunStatus succeeded: %v", err)
	}
	meta, err = store.GetRunMeta(ctx, runID)
	if err != nil {
		t.Fatalf("GetRunMeta: %v", err)
	}
	if meta.FinishedAt == nil {
		t.Error("FinishedAt not set on terminal status")
	}
}

func TestMemoryStoreRunNotFound(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)

	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("GetRun err = %v, want ErrRunNotFound", err)
	}
	if err := store.CancelRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("CancelRun err = %v, want ErrRunNotFound", err)
	}
}

func TestMemoryStoreStageResults(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	runID := newTestRun(t, store)

	result := &types.StageResult{
		Name:   "build",
		Status: types.StageStatusSucceeded,
		Steps: []types.StepResult{
			{Name: "compile", Status: types.StepStatusSucceeded, Attempts: 1},
		},
		Artifacts: []string{"image-tag"},
	}
	if err := store.UpdateStageResult(ctx, runID, result); err != nil {
		t.Fatalf("UpdateStageResult: %v", err)
	}

	got, err := store.GetStageResult(ctx, runID, "build")
	if err != nil {
		t.Fatalf("GetStageResult: %v", err)
	}
	if got.Status != types.StageStatusSucceeded {
		t.Errorf("stage status = %s, want succeeded", got.Status)
	}
	if len(got.Steps) != 1 || got.Steps[0].Name != "compile" {
		t.Errorf("stage steps = %+v, want single compile step", got.Steps)
	}

	// Mutating the returned copy must not affect stored state.
	got.Status = types.StageStatusFailed
	again, err := store.GetStageResult(ctx, runID, "build")
	if err != nil {
		t.Fatalf("GetStageResult: %v", err)
	}
	if again.Status != types.StageStatusSucceeded {
		t.Error("stored stage result mutated through returned copy")
	}
}

func TestMemoryStoreCancelFlag(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	runID := newTestRun(t, store)

	cancelled, err := store.IsCancelled(ctx, runID)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if cancelled {
		t.Error("new run reported cancelled")
	}

	if err := store.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	cancelled, err = store.IsCancelled(ctx, runID)
	if err != nil {
		t.Fatalf("IsCancelled: %v", err)
	}
	if !cancelled {
		t.Error("cancel flag not observed")
	}

	// A finished run cannot be cancelled.
	if err := store.UpdateRunStatus(ctx, runID, types.RunStatusCancelled, ""); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}
	if err := store.CancelRun(ctx, runID); !errors.Is(err, ErrRunFinished) {
		t.Errorf("CancelRun on finished run err = %v, want ErrRunFinished", err)
	}
}

func TestMemoryStoreEventStream(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	runID := newTestRun(t, store)

	for _, stage := range []string{"build", "test"} {
		_, err := store.AppendEvent(ctx, runID, &types.EventInput{
			Type:  types.EventTypeStageStatus,
			Stage: stage,
			Data:  map[string]string{"status": "running"},
		})
		if err != nil {
			t.Fatalf("AppendEvent %s: %v", stage, err)
		}
	}

	events, err := store.GetEventsSince(ctx, runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].ID != "1" || events[1].ID != "2" {
		t.Errorf("event IDs = %s, %s; want 1, 2", events[0].ID, events[1].ID)
	}

	// Resume after the first event.
	events, err = store.GetEventsSince(ctx, runID, "1")
	if err != nil {
		t.Fatalf("GetEventsSince(1): %v", err)
	}
	if len(events) != 1 || events[0].Stage != "test" {
		t.Errorf("resumed events = %+v, want single test event", events)
	}
}

func TestMemoryStoreEventRingBuffer(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(&Config{EventMaxLen: 3})
	runID := newTestRun(t, store)

	for i := 0; i < 5; i++ {
		if _, err := store.AppendEvent(ctx, runID, &types.EventInput{Type: types.EventTypeLog}); err != nil {
			t.Fatalf("AppendEvent %d: %v", i, err)
		}
	}

	events, err := store.GetEventsSince(ctx, runID, "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("ring buffer holds %d events, want 3", len(events))
	}
	if events[0].ID != "3" {
		t.Errorf("oldest retained event = %s, want 3", events[0].ID)
	}
}

func TestMemoryStoreSubscribe(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(nil)
	runID := newTestRun(t, store)

	ch, cleanup, err := store.Subscribe(ctx, runID)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer cleanup()

	want := map[string]string{"status": "succeeded"}
	if _, err := store.AppendEvent(ctx, runID, &types.EventInput{
		Type:  types.EventTypeStageStatus,
		Stage: "build",
		Data:  want,
	}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}

	select {
	case evt := <-ch:
		if evt.Type != types.EventTypeStageStatus || evt.Stage != "build" {
			t.Errorf("received event = %+v", evt)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive event")
	}
}
