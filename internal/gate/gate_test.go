package gate

import (
	"errors"
	"testing"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

func lookupFrom(statuses map[string]types.StageStatus) StatusLookup {
	return func(stage string) (types.StageStatus, bool) {
		s, ok := statuses[stage]
		return s, ok
	}
}

func TestEvaluate(t *testing.T) {
	trig := types.Trigger{
		Event:       types.TriggerEventManual,
		Action:      "apply",
		Actor:       "casey",
		Environment: "staging",
		Params:      map[string]string{"confirm": "yes"},
	}
	statuses := map[string]types.StageStatus{
		"plan": types.StageStatusSucceeded,
		"scan": types.StageStatusSkipped,
	}

	tests := []struct {
		name string
		cond *types.Condition
		want bool
	}{
		{
			name: "nil condition admits",
			cond: nil,
			want: true,
		},
		{
			name: "equals match",
			cond: &types.Condition{Equals: &types.FieldCompare{Field: "trigger.action", Value: "apply"}},
			want: true,
		},
		{
			name: "equals mismatch",
			cond: &types.Condition{Equals: &types.FieldCompare{Field: "trigger.event", Value: "push"}},
			want: false,
		},
		{
			name: "not equals",
			cond: &types.Condition{NotEquals: &types.FieldCompare{Field: "trigger.environment", Value: "production"}},
			want: true,
		},
		{
			name: "param compare",
			cond: &types.Condition{Equals: &types.FieldCompare{Field: "params.confirm", Value: "yes"}},
			want: true,
		},
		{
			name: "unset param compares as empty",
			cond: &types.Condition{Equals: &types.FieldCompare{Field: "params.missing", Value: ""}},
			want: true,
		},
		{
			name: "status is match",
			cond: &types.Condition{StatusIs: &types.StatusCheck{
				Stage: "plan",
				In:    []types.StageStatus{types.StageStatusSucceeded},
			}},
			want: true,
		},
		{
			name: "status is set membership",
			cond: &types.Condition{StatusIs: &types.StatusCheck{
				Stage: "scan",
				In:    []types.StageStatus{types.StageStatusSucceeded, types.StageStatusSkipped},
			}},
			want: true,
		},
		{
			name: "all requires every child",
			cond: &types.Condition{All: []types.Condition{
				{Equals: &types.FieldCompare{Field: "trigger.action", Value: "apply"}},
				{Equals: &types.FieldCompare{Field: "trigger.event", Value: "push"}},
			}},
			want: false,
		},
		{
			name: "any requires one child",
			cond: &types.Condition{Any: []types.Condition{
				{Equals: &types.FieldCompare{Field: "trigger.event", Value: "push"}},
				{Equals: &types.FieldCompare{Field: "trigger.event", Value: "manual"}},
			}},
			want: true,
		},
		{
			name: "not inverts",
			cond: &types.Condition{Not: &types.Condition{
				Equals: &types.FieldCompare{Field: "trigger.actor", Value: "casey"},
			}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.cond, lookupFrom(statuses), trig)
			if err != nil {
				t.Fatalf("Evaluate: %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	cond := &types.Condition{All: []types.Condition{
		{Equals: &types.FieldCompare{Field: "trigger.event", Value: "manual"}},
		{StatusIs: &types.StatusCheck{Stage: "plan", In: []types.StageStatus{types.StageStatusSucceeded}}},
	}}
	trig := types.Trigger{Event: types.TriggerEventManual}
	statuses := lookupFrom(map[string]types.StageStatus{"plan": types.StageStatusSucceeded})

	first, err := Evaluate(cond, statuses, trig)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	for i := 0; i < 10; i++ {
		got, err := Evaluate(cond, statuses, trig)
		if err != nil {
			t.Fatalf("Evaluate attempt %d: %v", i, err)
		}
		if got != first {
			t.Fatalf("Evaluate attempt %d = %v, first = %v", i, got, first)
		}
	}
}

func TestEvaluateUnknownStage(t *testing.T) {
	cond := &types.Condition{StatusIs: &types.StatusCheck{
		Stage: "ghost",
		In:    []types.StageStatus{types.StageStatusSucceeded},
	}}
	_, err := Evaluate(cond, lookupFrom(nil), types.Trigger{})
	if !errors.Is(err, ErrUnknownStage) {
		t.Fatalf("err = %v, want ErrUnknownStage", err)
	}
}

func TestCompileRejectsBadConditions(t *testing.T) {
	tests := []struct {
		name string
		cond *types.Condition
	}{
		{
			name: "two variants set",
			cond: &types.Condition{
				Equals: &types.FieldCompare{Field: "trigger.event", Value: "push"},
				When:   `trigger.event == "push"`,
			},
		},
		{
			name: "unknown field",
			cond: &types.Condition{Equals: &types.FieldCompare{Field: "trigger.branch", Value: "main"}},
		},
		{
			name: "status_is without statuses",
			cond: &types.Condition{StatusIs: &types.StatusCheck{Stage: "plan"}},
		},
		{
			name: "status_is without stage",
			cond: &types.Condition{StatusIs: &types.StatusCheck{In: []types.StageStatus{types.StageStatusSucceeded}}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Compile(tt.cond); err == nil {
				t.Error("Compile succeeded, want error")
			}
		})
	}
}

func TestCompileEmpty(t *testing.T) {
	got, err := Compile(&types.Condition{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got != nil {
		t.Errorf("Compile(empty) = %+v, want nil", got)
	}
}
