// Package gate compiles and evaluates stage admission predicates.
package gate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// ErrUnknownStage is returned when a condition references a stage name that
// does not exist in the pipeline. Surfaced at validation time, never as a
// silent false during a run.
var ErrUnknownStage = errors.New("gate references unknown stage")

// StatusLookup resolves an upstream stage's current status.
type StatusLookup func(stage string) (types.StageStatus, bool)

// Compile normalizes a condition: the compact When form is parsed into the
// structured variants and every variant is checked for well-formedness.
// The returned condition contains no When fields.
func Compile(c *types.Condition) (*types.Condition, error) {
	if c.Empty() {
		return nil, nil
	}
	set := 0
	for _, on := range []bool{
		c.Equals != nil, c.NotEquals != nil, c.StatusIs != nil,
		len(c.All) > 0, len(c.Any) > 0, c.Not != nil, c.When != "",
	} {
		if on {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("condition sets %d variants, want exactly one", set)
	}

	switch {
	case c.When != "":
		return parseWhen(c.When)
	case c.Equals != nil:
		if err := checkField(c.Equals.Field); err != nil {
			return nil, err
		}
		return &types.Condition{Equals: c.Equals}, nil
	case c.NotEquals != nil:
		if err := checkField(c.NotEquals.Field); err != nil {
			return nil, err
		}
		return &types.Condition{NotEquals: c.NotEquals}, nil
	case c.StatusIs != nil:
		if c.StatusIs.Stage == "" {
			return nil, fmt.Errorf("status_is requires a stage name")
		}
		if len(c.StatusIs.In) == 0 {
			return nil, fmt.Errorf("status_is for stage %s requires at least one status", c.StatusIs.Stage)
		}
		return &types.Condition{StatusIs: c.StatusIs}, nil
	case len(c.All) > 0:
		children, err := compileList(c.All)
		if err != nil {
			return nil, err
		}
		return &types.Condition{All: children}, nil
	case len(c.Any) > 0:
		children, err := compileList(c.Any)
		if err != nil {
			return nil, err
		}
		return &types.Condition{Any: children}, nil
	default: // Not
		child, err := Compile(c.Not)
		if err != nil {
			return nil, err
		}
		return &types.Condition{Not: child}, nil
	}
}

func compileList(list []types.Condition) ([]types.Condition, error) {
	out := make([]types.Condition, 0, len(list))
	for i := range list {
		child, err := Compile(&list[i])
		if err != nil {
			return nil, err
		}
		if child != nil {
			out = append(out, *child)
		}
	}
	return out, nil
}

// checkField validates a dotted field path used in comparisons.
func checkField(field string) error {
	switch field {
	case "trigger.event", "trigger.action", "trigger.actor", "trigger.environment":
		return nil
	}
	if strings.HasPrefix(field, "params.") && len(field) > len("params.") {
		return nil
	}
	return fmt.Errorf("unknown gate field %q", field)
}

// Evaluate applies a compiled condition to a run snapshot. It is pure and
// deterministic: the same condition against the same statuses and trigger
// always yields the same result. A nil condition admits.
func Evaluate(c *types.Condition, statuses StatusLookup, trig types.Trigger) (bool, error) {
	if c.Empty() {
		return true, nil
	}
	switch {
	case c.Equals != nil:
		v, err := fieldValue(c.Equals.Field, trig)
		if err != nil {
			return false, err
		}
		return v == c.Equals.Value, nil
	case c.NotEquals != nil:
		v, err := fieldValue(c.NotEquals.Field, trig)
		if err != nil {
			return false, err
		}
		return v != c.NotEquals.Value, nil
	case c.StatusIs != nil:
		status, ok := statuses(c.StatusIs.Stage)
		if !ok {
			return false, fmt.Errorf("%w: %s", ErrUnknownStage, c.StatusIs.Stage)
		}
		for _, want := range c.StatusIs.In {
			if status == want {
				return true, nil
			}
		}
		return false, nil
	case len(c.All) > 0:
		for i := range c.All {
			ok, err := Evaluate(&c.All[i], statuses, trig)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case len(c.Any) > 0:
		for i := range c.Any {
			ok, err := Evaluate(&c.Any[i], statuses, trig)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case c.Not != nil:
		ok, err := Evaluate(c.Not, statuses, trig)
		return !ok, err
	case c.When != "":
		return false, fmt.Errorf("when expression %q was not compiled", c.When)
	}
	return true, nil
}

func fieldValue(field string, trig types.Trigger) (string, error) {
	switch field {
	case "trigger.event":
		return string(trig.Event), nil
	case "trigger.action":
		return trig.Action, nil
	case "trigger.actor":
		return trig.Actor, nil
	case "trigger.environment":
		return trig.Environment, nil
	}
	if key, ok := strings.CutPrefix(field, "params."); ok {
		return trig.Param(key), nil
	}
	return "", fmt.Errorf("unknown gate field %q", field)
}
