package scheduler

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stagehand-ci/stagehand/internal/artifact"
	"github.com/stagehand-ci/stagehand/internal/driver"
	"github.com/stagehand-ci/stagehand/internal/runstore"
	"github.com/stagehand-ci/stagehand/internal/step"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// fakeDriver returns scripted invocations keyed by "stage/step". Repeated
// calls walk the script; the last entry repeats. Steps listed in block wait
// for the channel to close or the context to be cancelled.
type fakeDriver struct {
	mu       sync.Mutex
	script   map[string][]*driver.Invocation
	calls    map[string]int
	commands map[string][][]string
	block    map[string]chan struct{}
	started  chan string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		script:   make(map[string][]*driver.Invocation),
		calls:    make(map[string]int),
		commands: make(map[string][][]string),
		block:    make(map[string]chan struct{}),
		started:  make(chan string, 16),
	}
}

func (d *fakeDriver) RunStep(ctx context.Context, req *driver.RunRequest) (*driver.Invocation, error) {
	key := req.Stage + "/" + req.Step

	d.mu.Lock()
	d.calls[key]++
	n := d.calls[key]
	d.commands[key] = append(d.commands[key], req.Command)
	blocker := d.block[key]
	d.mu.Unlock()

	select {
	case d.started <- key:
	default:
	}

	if blocker != nil {
		select {
		case <-ctx.Done():
			return &driver.Invocation{ExitCode: 130, Failure: types.FailureCancelled}, nil
		case <-blocker:
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	seq := d.script[key]
	if len(seq) == 0 {
		return &driver.Invocation{ExitCode: 0}, nil
	}
	idx := n - 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	inv := *seq[idx]
	return &inv, nil
}

func (d *fakeDriver) callCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[key]
}

func (d *fakeDriver) lastCommand(key string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	cmds := d.commands[key]
	if len(cmds) == 0 {
		return nil
	}
	return cmds[len(cmds)-1]
}

func newTestEngine(t *testing.T, drv driver.Driver) (*Scheduler, runstore.RunStore, artifact.Store) {
	t.Helper()
	store := runstore.NewMemoryStore(runstore.DefaultConfig())
	arts := artifact.NewMemoryStore()
	runner := step.NewRunner(drv, arts, driver.NewRunStoreEmitter(store))
	runner.RetryBaseDelay = time.Millisecond
	runner.RetryMaxDelay = 5 * time.Millisecond
	return New(store, runner, arts, &Config{MaxParallelism: 4}), store, arts
}

func execute(t *testing.T, sched *Scheduler, spec *types.PipelineSpec, trig types.Trigger) *types.PipelineRun {
	t.Helper()
	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctx := context.Background()
	runID, err := sched.CreateRun(ctx, plan, trig)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	run, err := sched.Execute(ctx, runID, plan, trig)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return run
}

func manualTrigger(env string) types.Trigger {
	return types.Trigger{Event: types.TriggerEventManual, Action: "apply", Actor: "dev", Environment: env}
}

func TestExecuteLinearSuccessWithArtifactFlow(t *testing.T) {
	drv := newFakeDriver()
	drv.script["build/image"] = []*driver.Invocation{{ExitCode: 0, Stdout: []byte("sha256:abc\n")}}
	sched, _, arts := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{
				Name: "build",
				Steps: []types.StepSpec{{
					Name:    "image",
					Command: []string{"build-image"},
					Outputs: []types.OutputSpec{{Name: "digest", Source: types.OutputFromStdout, Required: true}},
				}},
			},
			{
				Name:   "deploy",
				Needs:  []string{"build"},
				Inputs: []string{"digest"},
				Steps: []types.StepSpec{{
					Name:    "rollout",
					Command: []string{"rollout", "${artifacts.digest}"},
				}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
	for _, name := range []string{"build", "deploy"} {
		if st := run.Stages[name].Status; st != types.StageStatusSucceeded {
			t.Errorf("stage %s = %s, want succeeded", name, st)
		}
	}

	got, err := arts.Get(context.Background(), run.ID, "digest")
	if err != nil {
		t.Fatalf("artifact digest: %v", err)
	}
	if got.Str != "sha256:abc" {
		t.Errorf("digest = %q, want sha256:abc", got.Str)
	}

	cmd := drv.lastCommand("deploy/rollout")
	if len(cmd) != 2 || cmd[1] != "sha256:abc" {
		t.Errorf("rollout command = %v, want resolved digest", cmd)
	}
}

func TestExecuteGateDeniedSkipsStageAndDownstream(t *testing.T) {
	drv := newFakeDriver()
	sched, store, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{Name: "build", Steps: []types.StepSpec{{Name: "image", Command: []string{"build"}}}},
			{
				Name:  "deploy",
				Needs: []string{"build"},
				Gate:  &types.Condition{When: `trigger.environment == "production"`},
				Steps: []types.StepSpec{{Name: "rollout", Command: []string{"rollout"}}},
			},
			{
				Name:  "verify",
				Needs: []string{"deploy"},
				Steps: []types.StepSpec{{Name: "smoke", Command: []string{"smoke"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if st := run.Stages["deploy"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonGateDenied {
		t.Errorf("deploy = %s/%s, want skipped/gate_denied", st.Status, st.Reason)
	}
	if st := run.Stages["verify"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonUpstreamSkipped {
		t.Errorf("verify = %s/%s, want skipped/upstream_skipped", st.Status, st.Reason)
	}
	if drv.callCount("deploy/rollout") != 0 || drv.callCount("verify/smoke") != 0 {
		t.Error("skipped stages invoked the driver")
	}

	events, err := store.GetEventsSince(context.Background(), run.ID, "")
	if err != nil {
		t.Fatalf("GetEventsSince: %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Type != types.EventTypeGateEvaluated || ev.Stage != "deploy" {
			continue
		}
		found = true
		var data struct {
			Admitted bool `json:"admitted"`
		}
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			t.Fatalf("decode gate event: %v", err)
		}
		if data.Admitted {
			t.Error("gate event reports admitted = true")
		}
	}
	if !found {
		t.Error("no gate_evaluated event for deploy")
	}
}

func TestExecuteGateOverSkippedUpstreamAdmits(t *testing.T) {
	drv := newFakeDriver()
	sched, _, _ := newTestEngine(t, drv)

	// scan is gate-denied; report declares it can proceed either way.
	spec := &types.PipelineSpec{
		Name: "checks",
		Stages: []types.StageSpec{
			{Name: "build", Steps: []types.StepSpec{{Name: "image", Command: []string{"build"}}}},
			{
				Name:  "scan",
				Needs: []string{"build"},
				Gate:  &types.Condition{When: `trigger.event == "push"`},
				Steps: []types.StepSpec{{Name: "trivy", Command: []string{"trivy"}}},
			},
			{
				Name:  "report",
				Needs: []string{"scan"},
				Gate:  &types.Condition{When: `stages.scan.status in ["succeeded", "skipped"]`},
				Steps: []types.StepSpec{{Name: "publish", Command: []string{"publish"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
	if st := run.Stages["scan"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonGateDenied {
		t.Errorf("scan = %s/%s, want skipped/gate_denied", st.Status, st.Reason)
	}
	if st := run.Stages["report"].Status; st != types.StageStatusSucceeded {
		t.Errorf("report = %s, want succeeded", st)
	}
	if drv.callCount("report/publish") != 1 {
		t.Errorf("report driver calls = %d, want 1", drv.callCount("report/publish"))
	}
}

func TestExecuteGateOverSkippedUpstreamCanDeny(t *testing.T) {
	drv := newFakeDriver()
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "checks",
		Stages: []types.StageSpec{
			{
				Name:  "scan",
				Gate:  &types.Condition{When: `trigger.event == "push"`},
				Steps: []types.StepSpec{{Name: "trivy", Command: []string{"trivy"}}},
			},
			{
				Name:  "report",
				Needs: []string{"scan"},
				Gate:  &types.Condition{When: `stages.scan.status == "succeeded"`},
				Steps: []types.StepSpec{{Name: "publish", Command: []string{"publish"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSkipped {
		t.Fatalf("run status = %s, want skipped", run.Status)
	}
	if st := run.Stages["report"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonGateDenied {
		t.Errorf("report = %s/%s, want skipped/gate_denied", st.Status, st.Reason)
	}
	if drv.callCount("report/publish") != 0 {
		t.Error("denied stage invoked the driver")
	}
}

func TestExecutePlanApplyFlow(t *testing.T) {
	planStage := func() types.StageSpec {
		return types.StageSpec{
			Name: "plan",
			Steps: []types.StepSpec{{
				Name:            "terraform-plan",
				Command:         []string{"terraform", "plan", "-detailed-exitcode"},
				AcceptExitCodes: []int{2},
				Outputs: []types.OutputSpec{
					{Name: "plan_exit", Source: types.OutputFromExitCode},
				},
			}},
		}
	}
	applyStage := func() types.StageSpec {
		return types.StageSpec{
			Name:  "apply",
			Needs: []string{"plan"},
			Gate: &types.Condition{
				When: `trigger.event == "manual" && trigger.action == "apply" && stages.plan.status == "succeeded"`,
			},
			Steps: []types.StepSpec{{
				Name:     "terraform-apply",
				Command:  []string{"terraform", "apply"},
				Mutating: true,
				Outputs: []types.OutputSpec{
					{Name: "terraform_outputs", Source: types.OutputFromStdoutJSON, Required: true},
				},
			}},
		}
	}

	t.Run("apply action runs apply", func(t *testing.T) {
		drv := newFakeDriver()
		drv.script["plan/terraform-plan"] = []*driver.Invocation{{ExitCode: 2}}
		drv.script["apply/terraform-apply"] = []*driver.Invocation{{ExitCode: 0, Stdout: []byte(`{"lb_dns":"app.example.com"}`)}}
		sched, _, arts := newTestEngine(t, drv)

		spec := &types.PipelineSpec{Name: "infra", Stages: []types.StageSpec{planStage(), applyStage()}}
		trig := types.Trigger{Event: types.TriggerEventManual, Action: "apply", Actor: "dev"}

		run := execute(t, sched, spec, trig)
		if run.Status != types.RunStatusSucceeded {
			t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
		}

		exit, err := arts.Get(context.Background(), run.ID, "plan_exit")
		if err != nil {
			t.Fatalf("artifact plan_exit: %v", err)
		}
		if exit.Int != 2 {
			t.Errorf("plan_exit = %d, want the accepted exit code 2", exit.Int)
		}

		outputs, err := arts.Get(context.Background(), run.ID, "terraform_outputs")
		if err != nil {
			t.Fatalf("artifact terraform_outputs: %v", err)
		}
		if !strings.Contains(string(outputs.JSON), "app.example.com") {
			t.Errorf("terraform_outputs = %s, want JSON blob with lb_dns", outputs.JSON)
		}
	})

	t.Run("plan action skips apply", func(t *testing.T) {
		drv := newFakeDriver()
		drv.script["plan/terraform-plan"] = []*driver.Invocation{{ExitCode: 2}}
		sched, _, _ := newTestEngine(t, drv)

		spec := &types.PipelineSpec{Name: "infra", Stages: []types.StageSpec{planStage(), applyStage()}}
		trig := types.Trigger{Event: types.TriggerEventManual, Action: "plan", Actor: "dev"}

		run := execute(t, sched, spec, trig)
		if run.Status != types.RunStatusSucceeded {
			t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
		}
		if st := run.Stages["apply"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonGateDenied {
			t.Errorf("apply = %s/%s, want skipped/gate_denied", st.Status, st.Reason)
		}
		if drv.callCount("apply/terraform-apply") != 0 {
			t.Error("apply ran despite a plan-only trigger")
		}
	})
}

func TestExecuteTransientFailureRetriesThenSucceeds(t *testing.T) {
	drv := newFakeDriver()
	drv.script["deploy/rollout"] = []*driver.Invocation{
		{ExitCode: 124, Failure: types.FailureTimeout},
		{ExitCode: 0},
	}
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{Name: "deploy", Steps: []types.StepSpec{{
				Name:    "rollout",
				Command: []string{"rollout"},
				Retries: 2,
			}}},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
	steps := run.Stages["deploy"].Steps
	if len(steps) != 1 || steps[0].Attempts != 2 {
		t.Errorf("rollout attempts = %+v, want 2", steps)
	}
	if drv.callCount("deploy/rollout") != 2 {
		t.Errorf("driver calls = %d, want 2", drv.callCount("deploy/rollout"))
	}
}

func TestExecuteFailureSkipsDownstreamButRunsDiagnostic(t *testing.T) {
	drv := newFakeDriver()
	drv.script["build/image"] = []*driver.Invocation{{ExitCode: 1}}
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{Name: "build", Steps: []types.StepSpec{{Name: "image", Command: []string{"build"}}}},
			{
				Name:  "deploy",
				Needs: []string{"build"},
				Steps: []types.StepSpec{{Name: "rollout", Command: []string{"rollout"}}},
			},
			{
				Name:         "notify",
				Needs:        []string{"build"},
				RunOnFailure: true,
				Steps:        []types.StepSpec{{Name: "page", Command: []string{"page-oncall"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if st := run.Stages["build"].Status; st != types.StageStatusFailed {
		t.Errorf("build = %s, want failed", st)
	}
	if st := run.Stages["deploy"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonUpstreamFailed {
		t.Errorf("deploy = %s/%s, want skipped/upstream_failed", st.Status, st.Reason)
	}
	if st := run.Stages["notify"].Status; st != types.StageStatusSucceeded {
		t.Errorf("notify = %s, want succeeded", st)
	}
	if drv.callCount("notify/page") != 1 {
		t.Errorf("notify driver calls = %d, want 1", drv.callCount("notify/page"))
	}
	if !strings.Contains(run.Error, "build") {
		t.Errorf("run error = %q, want mention of build", run.Error)
	}
}

func TestExecuteStatusGateAdmitsOnUpstreamFailure(t *testing.T) {
	drv := newFakeDriver()
	drv.script["build/image"] = []*driver.Invocation{{ExitCode: 1}}
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{Name: "build", Steps: []types.StepSpec{{Name: "image", Command: []string{"build"}}}},
			{
				Name:         "triage",
				Needs:        []string{"build"},
				RunOnFailure: true,
				Gate:         &types.Condition{When: `stages.build.status == "failed"`},
				Steps:        []types.StepSpec{{Name: "collect", Command: []string{"collect-logs"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	if st := run.Stages["triage"].Status; st != types.StageStatusSucceeded {
		t.Errorf("triage = %s, want succeeded", st)
	}
}

func TestExecuteCancellationInterruptsMutatingStep(t *testing.T) {
	drv := newFakeDriver()
	drv.block["apply/terraform"] = make(chan struct{})
	sched, store, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{
				Name: "apply",
				Steps: []types.StepSpec{{
					Name:     "terraform",
					Command:  []string{"terraform", "apply"},
					Mutating: true,
				}},
			},
			{
				Name:  "verify",
				Needs: []string{"apply"},
				Steps: []types.StepSpec{{Name: "smoke", Command: []string{"smoke"}}},
			},
		},
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctx := context.Background()
	trig := manualTrigger("production")
	runID, err := sched.CreateRun(ctx, plan, trig)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	done := sched.StartRun(runID, plan, trig)

	select {
	case <-drv.started:
	case <-time.After(2 * time.Second):
		t.Fatal("apply step never started")
	}
	if err := sched.CancelRun(ctx, runID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not settle after cancel")
	}

	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	apply := run.Stages["apply"]
	if apply.Status != types.StageStatusInterrupted {
		t.Errorf("apply = %s, want interrupted", apply.Status)
	}
	if len(apply.Steps) == 0 || apply.Steps[0].Status != types.StepStatusInterrupted {
		t.Errorf("terraform step = %+v, want interrupted", apply.Steps)
	}
	if st := run.Stages["verify"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonRunCancelled {
		t.Errorf("verify = %s/%s, want skipped/run_cancelled", st.Status, st.Reason)
	}
	if drv.callCount("apply/terraform") != 1 {
		t.Errorf("apply attempts = %d, cancellation must never retry", drv.callCount("apply/terraform"))
	}
}

func TestExecuteIndependentStagesRunInParallel(t *testing.T) {
	drv := newFakeDriver()
	// Each stage blocks until the other has started; only concurrent
	// execution lets the run finish.
	gate := make(chan struct{})
	drv.block["lint/run"] = gate
	drv.block["test/run"] = gate
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "checks",
		Stages: []types.StageSpec{
			{Name: "lint", Steps: []types.StepSpec{{Name: "run", Command: []string{"lint"}}}},
			{Name: "test", Steps: []types.StepSpec{{Name: "run", Command: []string{"test"}}}},
			{Name: "report", Needs: []string{"lint", "test"}, Steps: []types.StepSpec{{Name: "run", Command: []string{"report"}}}},
		},
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	ctx := context.Background()
	trig := manualTrigger("staging")
	runID, err := sched.CreateRun(ctx, plan, trig)
	if err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	done := sched.StartRun(runID, plan, trig)

	seen := map[string]bool{}
	for len(seen) < 2 {
		select {
		case key := <-drv.started:
			seen[key] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("stages did not start concurrently, saw %v", seen)
		}
	}
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not finish")
	}

	run, err := sched.store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded (error: %s)", run.Status, run.Error)
	}
}

func TestExecuteAllStagesSkippedMeansRunSkipped(t *testing.T) {
	drv := newFakeDriver()
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{
				Name:  "deploy",
				Gate:  &types.Condition{When: `trigger.event == "push"`},
				Steps: []types.StepSpec{{Name: "rollout", Command: []string{"rollout"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSkipped {
		t.Fatalf("run status = %s, want skipped", run.Status)
	}
}

func TestExecuteMissingInputSkipsStage(t *testing.T) {
	drv := newFakeDriver()
	// The optional output never extracts, so the dependent's declared
	// input is absent at admission time.
	drv.script["build/image"] = []*driver.Invocation{{ExitCode: 0, Stdout: []byte("no digest here")}}
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{
				Name: "build",
				Steps: []types.StepSpec{{
					Name:    "image",
					Command: []string{"build"},
					Outputs: []types.OutputSpec{{Name: "digest", Source: types.OutputFromRegex, Pattern: `digest: (\S+)`}},
				}},
			},
			{
				Name:   "deploy",
				Needs:  []string{"build"},
				Inputs: []string{"digest"},
				Steps:  []types.StepSpec{{Name: "rollout", Command: []string{"rollout", "${artifacts.digest}"}}},
			},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if st := run.Stages["build"].Status; st != types.StageStatusSucceeded {
		t.Fatalf("build = %s, want succeeded", st)
	}
	if st := run.Stages["deploy"]; st.Status != types.StageStatusSkipped || st.Reason != types.SkipReasonInputUnavailable {
		t.Errorf("deploy = %s/%s, want skipped/inputs_unavailable", st.Status, st.Reason)
	}
}

func TestCancelRunOnFinishedRunFails(t *testing.T) {
	drv := newFakeDriver()
	sched, _, _ := newTestEngine(t, drv)

	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			{Name: "build", Steps: []types.StepSpec{{Name: "image", Command: []string{"build"}}}},
		},
	}

	run := execute(t, sched, spec, manualTrigger("staging"))
	if run.Status != types.RunStatusSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if err := sched.CancelRun(context.Background(), run.ID); err == nil {
		t.Error("CancelRun on a finished run succeeded, want error")
	}
}
