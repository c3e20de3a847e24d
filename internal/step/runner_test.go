package step

import (
	"context"
	"testing"
	"time"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/driver"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// fakeDriver replays a scripted sequence of invocations per step name.
type fakeDriver struct {
	script   map[string][]*driver.Invocation
	requests []*driver.RunRequest
}

func (d *fakeDriver) RunStep(ctx context.Context, req *driver.RunRequest) (*driver.Invocation, error) {
	d.requests = append(d.requests, req)
	queue := d.script[req.Step]
	if len(queue) == 0 {
		return &driver.Invocation{ExitCode: 0}, nil
	}
	inv := queue[0]
	d.script[req.Step] = queue[1:]
	return inv, nil
}

func newTestRunner(d driver.Driver, store artifact.Store) *Runner {
	r := NewRunner(d, store, nil)
	r.RetryBaseDelay = time.Millisecond
	r.RetryMaxDelay = 5 * time.Millisecond
	return r
}

func stageCtx() *StageContext {
	return &StageContext{
		RunID:   "run-1",
		Stage:   "deploy",
		Trigger: types.Trigger{Event: types.TriggerEventManual, Action: "apply"},
	}
}

func TestRunStepsAllSucceed(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "render", Command: []string{"render"}},
		{Name: "apply", Command: []string{"apply"}},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded", status)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, res := range results {
		if res.Status != types.StepStatusSucceeded || res.Attempts != 1 {
			t.Errorf("step %s = %+v, want succeeded in 1 attempt", res.Name, res)
		}
	}
}

func TestRunStepRetriesTransientFailures(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"flaky": {
			{ExitCode: 124, Failure: types.FailureTimeout},
			{ExitCode: -1, Failure: types.FailureStart},
			{ExitCode: 0},
		},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "flaky", Command: []string{"flaky"}, Retries: 3},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded", status)
	}
	if results[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", results[0].Attempts)
	}
}

func TestRunStepDeterministicExitNotRetried(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"lint": {
			{ExitCode: 1},
			{ExitCode: 0}, // must never be reached
		},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "lint", Command: []string{"lint"}, Retries: 3},
	})

	if status != types.StageStatusFailed {
		t.Fatalf("stage status = %s, want failed", status)
	}
	res := results[0]
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (deterministic exit must not retry)", res.Attempts)
	}
	if res.Failure != types.FailureExit || res.ExitCode != 1 {
		t.Errorf("result = %+v, want exit failure with code 1", res)
	}
}

func TestRunStepRetryableOptInRetriesExit(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"push": {
			{ExitCode: 1},
			{ExitCode: 0},
		},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "push", Command: []string{"push"}, Retries: 1, Retryable: true},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded", status)
	}
	if results[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", results[0].Attempts)
	}
}

func TestRunStepAcceptedExitCode(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"scan": {{ExitCode: 2, Stdout: []byte("3 findings\n")}},
	}}
	store := artifact.NewMemoryStore()
	runner := newTestRunner(d, store)

	results, keys, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{
			Name:            "scan",
			Command:         []string{"scan"},
			AcceptExitCodes: []int{2},
			Outputs: []types.OutputSpec{
				{Name: "scan-exit", Source: types.OutputFromExitCode},
			},
		},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded (exit 2 is accepted)", status)
	}
	if results[0].ExitCode != 2 {
		t.Errorf("exit code = %d, want 2", results[0].ExitCode)
	}
	if len(keys) != 1 || keys[0] != "scan-exit" {
		t.Fatalf("artifact keys = %v, want [scan-exit]", keys)
	}

	art, err := store.Get(context.Background(), "run-1", "scan-exit")
	if err != nil {
		t.Fatalf("Get artifact: %v", err)
	}
	if art.Int != 2 {
		t.Errorf("scan-exit artifact = %d, want 2", art.Int)
	}
}

func TestRunStepsNonFatalFailureContinues(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"notify": {{ExitCode: 7}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "notify", Command: []string{"notify"}, NonFatal: true},
		{Name: "deploy", Command: []string{"deploy"}},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded despite non-fatal failure", status)
	}
	if results[0].Status != types.StepStatusFailed || !results[0].NonFatal {
		t.Errorf("notify result = %+v, want failed non-fatal", results[0])
	}
	if results[1].Status != types.StepStatusSucceeded {
		t.Errorf("deploy result = %+v, want succeeded", results[1])
	}
}

func TestRunStepsFatalFailureSkipsRemaining(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"build": {{ExitCode: 1}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "build", Command: []string{"build"}},
		{Name: "push", Command: []string{"push"}},
		{Name: "tag", Command: []string{"tag"}},
	})

	if status != types.StageStatusFailed {
		t.Fatalf("stage status = %s, want failed", status)
	}
	if results[1].Status != types.StepStatusSkipped || results[2].Status != types.StepStatusSkipped {
		t.Errorf("remaining steps = %+v, %+v; want both skipped", results[1], results[2])
	}
	if len(d.requests) != 1 {
		t.Errorf("driver invoked %d times, want 1", len(d.requests))
	}
}

func TestRunStepCancelledMutatingInterrupts(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"apply": {{ExitCode: 130, Failure: types.FailureCancelled}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "apply", Command: []string{"apply"}, Mutating: true, Retries: 3},
	})

	if status != types.StageStatusInterrupted {
		t.Fatalf("stage status = %s, want interrupted", status)
	}
	res := results[0]
	if res.Status != types.StepStatusInterrupted {
		t.Errorf("step status = %s, want interrupted", res.Status)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, cancellation must never retry", res.Attempts)
	}
}

func TestRunStepCancelledNonMutatingFails(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"plan": {{ExitCode: 130, Failure: types.FailureCancelled}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{Name: "plan", Command: []string{"plan"}, Retries: 3},
	})

	if status != types.StageStatusFailed {
		t.Fatalf("stage status = %s, want failed", status)
	}
	if results[0].Failure != types.FailureCancelled || results[0].Attempts != 1 {
		t.Errorf("result = %+v, want cancelled without retry", results[0])
	}
}

func TestRunStepRequiredOutputMissingFailsStep(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"plan": {{ExitCode: 0, Stdout: []byte("no identifiers here\n")}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{
			Name:    "plan",
			Command: []string{"plan"},
			Outputs: []types.OutputSpec{
				{Name: "plan-id", Source: types.OutputFromRegex, Pattern: `plan id: (\S+)`, Required: true},
			},
		},
	})

	if status != types.StageStatusFailed {
		t.Fatalf("stage status = %s, want failed", status)
	}
	if results[0].Failure != types.FailureMissingOutput {
		t.Errorf("failure = %s, want missing_output", results[0].Failure)
	}
}

func TestRunStepOptionalOutputMissingIsIgnored(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"plan": {{ExitCode: 0, Stdout: []byte("done\n")}},
	}}
	runner := newTestRunner(d, artifact.NewMemoryStore())

	results, keys, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{
			Name:    "plan",
			Command: []string{"plan"},
			Outputs: []types.OutputSpec{
				{Name: "plan-id", Source: types.OutputFromRegex, Pattern: `plan id: (\S+)`},
			},
		},
	})

	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s, want succeeded", status)
	}
	if results[0].Status != types.StepStatusSucceeded {
		t.Errorf("step = %+v, want succeeded", results[0])
	}
	if len(keys) != 0 {
		t.Errorf("artifact keys = %v, want none", keys)
	}
}

func TestRunStepDuplicateArtifactIsFatal(t *testing.T) {
	d := &fakeDriver{script: map[string][]*driver.Invocation{
		"emit": {{ExitCode: 0, Stdout: []byte("v2\n")}},
	}}
	store := artifact.NewMemoryStore()
	// An upstream stage already wrote this key.
	if err := store.Put(context.Background(), "run-1", types.StringArtifact("digest", "build", "v1")); err != nil {
		t.Fatal(err)
	}
	runner := newTestRunner(d, store)

	results, _, status := runner.RunSteps(context.Background(), stageCtx(), []types.StepSpec{
		{
			Name:    "emit",
			Command: []string{"emit"},
			Outputs: []types.OutputSpec{
				{Name: "digest", Source: types.OutputFromStdout},
			},
		},
	})

	if status != types.StageStatusFailed {
		t.Fatalf("stage status = %s, want failed on duplicate artifact", status)
	}
	if results[0].Status != types.StepStatusFailed {
		t.Errorf("step = %+v, want failed", results[0])
	}

	// First value must survive.
	art, err := store.Get(context.Background(), "run-1", "digest")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if art.Str != "v1" {
		t.Errorf("digest = %q, want original v1", art.Str)
	}
}

func TestResolverSubstitution(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	if err := store.Put(ctx, "run-1", types.StringArtifact("image-tag", "build", "v1.2.3")); err != nil {
		t.Fatal(err)
	}

	trig := types.Trigger{
		Event:       types.TriggerEventManual,
		Environment: "staging",
		Params:      map[string]string{"region": "eu-west-1"},
	}
	r := NewResolver(store, "run-1", trig)

	got, err := r.ResolveAll(ctx, []string{
		"deploy",
		"--image=registry/app:${artifacts.image-tag}",
		"--env=${trigger.environment}",
		"--region=${params.region}",
	})
	if err != nil {
		t.Fatalf("ResolveAll: %v", err)
	}
	want := []string{"deploy", "--image=registry/app:v1.2.3", "--env=staging", "--region=eu-west-1"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolverUnknownArtifact(t *testing.T) {
	r := NewResolver(artifact.NewMemoryStore(), "run-1", types.Trigger{})
	if _, err := r.Resolve(context.Background(), "use ${artifacts.missing}"); err == nil {
		t.Error("Resolve succeeded, want error for missing artifact")
	}
}

func TestResolverCommandReceivesResolvedValues(t *testing.T) {
	ctx := context.Background()
	store := artifact.NewMemoryStore()
	if err := store.Put(ctx, "run-1", types.StringArtifact("image-tag", "build", "v9")); err != nil {
		t.Fatal(err)
	}

	d := &fakeDriver{script: map[string][]*driver.Invocation{}}
	runner := newTestRunner(d, store)

	_, _, status := runner.RunSteps(ctx, stageCtx(), []types.StepSpec{
		{Name: "deploy", Command: []string{"deploy", "${artifacts.image-tag}"}},
	})
	if status != types.StageStatusSucceeded {
		t.Fatalf("stage status = %s", status)
	}
	if len(d.requests) != 1 {
		t.Fatalf("driver invoked %d times, want 1", len(d.requests))
	}
	if d.requests[0].Command[1] != "v9" {
		t.Errorf("driver saw arg %q, want resolved v9", d.requests[0].Command[1])
	}
}
