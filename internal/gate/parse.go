package gate

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"

	"github.com/stagehand-ci/stagehand/pkg/types"
)

// maxWhenLength bounds the compact expression form.
const maxWhenLength = 4096

// parseWhen compiles a compact gate expression into the structured condition
// form. The grammar is a strict subset of expr:
//
//	trigger.event == "push"
//	params.confirm != "no"
//	stages.plan.status == "succeeded"
//	stages.scan.status in ["succeeded", "skipped"]
//	<expr> && <expr>, <expr> || <expr>, !<expr>, ( <expr> )
//
// Anything outside the subset is rejected at compile time so evaluation stays
// pure: no function calls, no arithmetic, no environment lookups.
func parseWhen(src string) (*types.Condition, error) {
	if len(src) > maxWhenLength {
		return nil, fmt.Errorf("gate expression exceeds %d characters", maxWhenLength)
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse gate expression %q: %w", src, err)
	}
	cond, err := fromNode(tree.Node)
	if err != nil {
		return nil, fmt.Errorf("gate expression %q: %w", src, err)
	}
	return cond, nil
}

func fromNode(node ast.Node) (*types.Condition, error) {
	switch n := node.(type) {
	case *ast.BinaryNode:
		return fromBinary(n)
	case *ast.UnaryNode:
		if n.Operator != "!" && n.Operator != "not" {
			return nil, fmt.Errorf("unsupported operator %q", n.Operator)
		}
		child, err := fromNode(n.Node)
		if err != nil {
			return nil, err
		}
		return &types.Condition{Not: child}, nil
	default:
		return nil, fmt.Errorf("unsupported expression node %T", node)
	}
}

func fromBinary(n *ast.BinaryNode) (*types.Condition, error) {
	switch n.Operator {
	case "&&", "and":
		left, err := fromNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := fromNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &types.Condition{All: flatten(left.All, *left, *right)}, nil
	case "||", "or":
		left, err := fromNode(n.Left)
		if err != nil {
			return nil, err
		}
		right, err := fromNode(n.Right)
		if err != nil {
			return nil, err
		}
		return &types.Condition{Any: flatten(left.Any, *left, *right)}, nil
	case "==", "!=":
		return fromComparison(n)
	case "in":
		return fromStatusSet(n)
	default:
		return nil, fmt.Errorf("unsupported operator %q", n.Operator)
	}
}

// flatten merges nested conjunctions so `a && b && c` becomes one All of
// three children instead of a left-leaning tree.
func flatten(leftChildren []types.Condition, left, right types.Condition) []types.Condition {
	if len(leftChildren) > 0 {
		return append(leftChildren, right)
	}
	return []types.Condition{left, right}
}

func fromComparison(n *ast.BinaryNode) (*types.Condition, error) {
	path, err := fieldPath(n.Left)
	if err != nil {
		return nil, err
	}
	lit, ok := n.Right.(*ast.StringNode)
	if !ok {
		return nil, fmt.Errorf("%s must be compared against a string literal, got %T", path, n.Right)
	}

	if stage, ok := statusPath(path); ok {
		status, err := stageStatusLiteral(lit.Value)
		if err != nil {
			return nil, err
		}
		check := &types.Condition{StatusIs: &types.StatusCheck{Stage: stage, In: []types.StageStatus{status}}}
		if n.Operator == "!=" {
			return &types.Condition{Not: check}, nil
		}
		return check, nil
	}

	if err := checkField(path); err != nil {
		return nil, err
	}
	cmp := &types.FieldCompare{Field: path, Value: lit.Value}
	if n.Operator == "!=" {
		return &types.Condition{NotEquals: cmp}, nil
	}
	return &types.Condition{Equals: cmp}, nil
}

func fromStatusSet(n *ast.BinaryNode) (*types.Condition, error) {
	path, err := fieldPath(n.Left)
	if err != nil {
		return nil, err
	}
	stage, ok := statusPath(path)
	if !ok {
		return nil, fmt.Errorf("`in` is only valid on stages.<name>.status, got %s", path)
	}
	arr, ok := n.Right.(*ast.ArrayNode)
	if !ok {
		return nil, fmt.Errorf("`in` requires a list of status literals, got %T", n.Right)
	}
	statuses := make([]types.StageStatus, 0, len(arr.Nodes))
	for _, el := range arr.Nodes {
		lit, ok := el.(*ast.StringNode)
		if !ok {
			return nil, fmt.Errorf("`in` list elements must be string literals, got %T", el)
		}
		status, err := stageStatusLiteral(lit.Value)
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}
	if len(statuses) == 0 {
		return nil, fmt.Errorf("`in` list for stage %s is empty", stage)
	}
	return &types.Condition{StatusIs: &types.StatusCheck{Stage: stage, In: statuses}}, nil
}

// fieldPath renders a member chain like stages.plan.status as a dotted path.
func fieldPath(node ast.Node) (string, error) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		return n.Value, nil
	case *ast.MemberNode:
		base, err := fieldPath(n.Node)
		if err != nil {
			return "", err
		}
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return "", fmt.Errorf("dynamic member access is not allowed in gate expressions")
		}
		return base + "." + prop.Value, nil
	default:
		return "", fmt.Errorf("unsupported field reference %T", node)
	}
}

// statusPath reports whether the path has the form stages.<name>.status and
// returns the stage name.
func statusPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "stages.")
	if !ok {
		return "", false
	}
	stage, ok := strings.CutSuffix(rest, ".status")
	if !ok || stage == "" || strings.Contains(stage, ".") {
		return "", false
	}
	return stage, true
}

func stageStatusLiteral(s string) (types.StageStatus, error) {
	status := types.StageStatus(s)
	switch status {
	case types.StageStatusPending, types.StageStatusAdmitted, types.StageStatusRunning,
		types.StageStatusSkipped, types.StageStatusSucceeded, types.StageStatusFailed,
		types.StageStatusInterrupted:
		return status, nil
	}
	return "", fmt.Errorf("unknown stage status literal %q", s)
}
