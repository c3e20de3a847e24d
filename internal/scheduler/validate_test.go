package scheduler

import (
	"errors"
	"reflect"
	"testing"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

func stage(name string, needs ...string) types.StageSpec {
	return types.StageSpec{
		Name:  name,
		Needs: needs,
		Steps: []types.StepSpec{{Name: "main", Command: []string{"true"}}},
	}
}

func TestCompileTopoOrder(t *testing.T) {
	// Ties break on declared order: fan-out stages keep their file order.
	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			stage("build"),
			stage("test", "build"),
			stage("scan", "build"),
			stage("deploy", "test", "scan"),
		},
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	want := []string{"build", "test", "scan", "deploy"}
	if !reflect.DeepEqual(plan.Order, want) {
		t.Errorf("Order = %v, want %v", plan.Order, want)
	}
	if got := plan.InDegree["deploy"]; got != 2 {
		t.Errorf("InDegree[deploy] = %d, want 2", got)
	}
	if !reflect.DeepEqual(plan.Dependents["build"], []string{"test", "scan"}) {
		// Dependents order follows map iteration over stages; both orders
		// are acceptable for execution, but it must contain exactly these.
		deps := plan.Dependents["build"]
		if len(deps) != 2 {
			t.Errorf("Dependents[build] = %v", deps)
		}
	}
}

func TestCompileAncestorsClosure(t *testing.T) {
	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			stage("build"),
			stage("test", "build"),
			stage("deploy", "test"),
		},
	}

	plan, err := Compile(spec)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	anc := plan.Stages["deploy"].Ancestors
	if !anc["test"] || !anc["build"] {
		t.Errorf("deploy ancestors = %v, want test and build", anc)
	}
	if anc["deploy"] {
		t.Error("deploy lists itself as an ancestor")
	}
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		spec *types.PipelineSpec
	}{
		{
			name: "missing pipeline name",
			spec: &types.PipelineSpec{Stages: []types.StageSpec{stage("a")}},
		},
		{
			name: "no stages",
			spec: &types.PipelineSpec{Name: "p"},
		},
		{
			name: "duplicate stage name",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{stage("a"), stage("a")}},
		},
		{
			name: "unknown dependency",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{stage("a", "ghost")}},
		},
		{
			name: "self dependency",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{stage("a", "a")}},
		},
		{
			name: "duplicate needs entry",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{stage("a"), stage("b", "a", "a")}},
		},
		{
			name: "cycle",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				stage("a", "c"), stage("b", "a"), stage("c", "b"),
			}},
		},
		{
			name: "stage without steps",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{{Name: "a"}}},
		},
		{
			name: "step without command",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				{Name: "a", Steps: []types.StepSpec{{Name: "s"}}},
			}},
		},
		{
			name: "duplicate step name",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				{Name: "a", Steps: []types.StepSpec{
					{Name: "s", Command: []string{"true"}},
					{Name: "s", Command: []string{"true"}},
				}},
			}},
		},
		{
			name: "negative retries",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				{Name: "a", Steps: []types.StepSpec{{Name: "s", Command: []string{"true"}, Retries: -1}}},
			}},
		},
		{
			name: "duplicate output within stage",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				{Name: "a", Steps: []types.StepSpec{
					{Name: "s1", Command: []string{"true"}, Outputs: []types.OutputSpec{{Name: "digest", Source: types.OutputFromStdout}}},
					{Name: "s2", Command: []string{"true"}, Outputs: []types.OutputSpec{{Name: "digest", Source: types.OutputFromStdout}}},
				}},
			}},
		},
		{
			name: "invalid output spec",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				{Name: "a", Steps: []types.StepSpec{
					{Name: "s", Command: []string{"true"}, Outputs: []types.OutputSpec{{Name: "r", Source: types.OutputFromRegex, Pattern: "("}}},
				}},
			}},
		},
		{
			name: "gate references non-ancestor",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				stage("a"),
				stage("b"),
				func() types.StageSpec {
					s := stage("c", "a")
					s.Gate = &types.Condition{StatusIs: &types.StatusCheck{Stage: "b", In: []types.StageStatus{types.StageStatusSucceeded}}}
					return s
				}(),
			}},
		},
		{
			name: "gate expression fails to compile",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				func() types.StageSpec {
					s := stage("a")
					s.Gate = &types.Condition{When: "1 + 2"}
					return s
				}(),
			}},
		},
		{
			name: "input not produced upstream",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				stage("a"),
				func() types.StageSpec {
					s := stage("b", "a")
					s.Inputs = []string{"digest"}
					return s
				}(),
			}},
		},
		{
			name: "input produced by non-ancestor",
			spec: &types.PipelineSpec{Name: "p", Stages: []types.StageSpec{
				func() types.StageSpec {
					s := stage("a")
					s.Steps[0].Outputs = []types.OutputSpec{{Name: "digest", Source: types.OutputFromStdout}}
					return s
				}(),
				func() types.StageSpec {
					s := stage("b")
					s.Inputs = []string{"digest"}
					return s
				}(),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.spec)
			if err == nil {
				t.Fatal("Compile succeeded, want error")
			}
			if !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}

func TestCompileAcceptsInputFromAncestorsOutput(t *testing.T) {
	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			func() types.StageSpec {
				s := stage("build")
				s.Steps[0].Outputs = []types.OutputSpec{{Name: "digest", Source: types.OutputFromStdout, Required: true}}
				return s
			}(),
			func() types.StageSpec {
				s := stage("deploy", "build")
				s.Inputs = []string{"digest"}
				return s
			}(),
		},
	}
	if _, err := Compile(spec); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}

func TestCompileAllowsSameOutputAcrossAlternativeStages(t *testing.T) {
	// Two gated alternatives may declare the same output key; at most one
	// runs, and the run-scoped store rejects the second write if both do.
	spec := &types.PipelineSpec{
		Name: "deploy",
		Stages: []types.StageSpec{
			func() types.StageSpec {
				s := stage("deploy-staging")
				s.Steps[0].Outputs = []types.OutputSpec{{Name: "url", Source: types.OutputFromStdout}}
				return s
			}(),
			func() types.StageSpec {
				s := stage("deploy-production")
				s.Steps[0].Outputs = []types.OutputSpec{{Name: "url", Source: types.OutputFromStdout}}
				return s
			}(),
		},
	}
	if _, err := Compile(spec); err != nil {
		t.Fatalf("Compile: %v", err)
	}
}
