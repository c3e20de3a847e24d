// Package scheduler provides dependency-aware execution of pipeline runs.
package scheduler

import (
	"errors"
	"fmt"
	"sort"

	"github.com/stagehand-ci/stagehand/internal/gate"
	"github.com/stagehand-ci/stagehand/internal/step"
	"github.com/stagehand-ci/stagehand/pkg/types"
)

// ErrConfiguration marks a pipeline definition rejected before any stage
// executed. Distinct from run failures: nothing ran, nothing to roll back.
var ErrConfiguration = errors.New("invalid pipeline configuration")

// PlanStage is a validated stage with its gate compiled.
type PlanStage struct {
	Spec *types.StageSpec

	// Gate is the compiled admission predicate, nil when absent.
	Gate *types.Condition

	// Ancestors is the transitive closure of Needs.
	Ancestors map[string]bool
}

// Plan is a validated, compiled pipeline ready for execution.
type Plan struct {
	Spec   *types.PipelineSpec
	Stages map[string]*PlanStage

	// Order is a deterministic topological order of all stages.
	Order []string

	// Dependents maps a stage to the stages that list it in Needs.
	Dependents map[string][]string

	// InDegree is the number of Needs edges into each stage.
	InDegree map[string]int
}

// Compile validates a pipeline definition and builds its execution plan.
// All errors wrap ErrConfiguration: a rejected pipeline never starts a run.
func Compile(spec *types.PipelineSpec) (*Plan, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: pipeline name is required", ErrConfiguration)
	}
	if len(spec.Stages) == 0 {
		return nil, fmt.Errorf("%w: pipeline %s has no stages", ErrConfiguration, spec.Name)
	}

	plan := &Plan{
		Spec:       spec,
		Stages:     make(map[string]*PlanStage, len(spec.Stages)),
		Dependents: make(map[string][]string),
		InDegree:   make(map[string]int),
	}

	for i := range spec.Stages {
		st := &spec.Stages[i]
		if st.Name == "" {
			return nil, fmt.Errorf("%w: stage %d has no name", ErrConfiguration, i)
		}
		if _, dup := plan.Stages[st.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate stage name %q", ErrConfiguration, st.Name)
		}
		if err := validateSteps(st); err != nil {
			return nil, fmt.Errorf("%w: stage %s: %v", ErrConfiguration, st.Name, err)
		}
		plan.Stages[st.Name] = &PlanStage{Spec: st}
		plan.InDegree[st.Name] = 0
	}

	// Edges
	for name, ps := range plan.Stages {
		seen := make(map[string]bool, len(ps.Spec.Needs))
		for _, need := range ps.Spec.Needs {
			if _, ok := plan.Stages[need]; !ok {
				return nil, fmt.Errorf("%w: stage %s needs unknown stage %q", ErrConfiguration, name, need)
			}
			if need == name {
				return nil, fmt.Errorf("%w: stage %s depends on itself", ErrConfiguration, name)
			}
			if seen[need] {
				return nil, fmt.Errorf("%w: stage %s lists %q in needs twice", ErrConfiguration, name, need)
			}
			seen[need] = true
			plan.Dependents[need] = append(plan.Dependents[need], name)
			plan.InDegree[name]++
		}
	}

	order, err := topoSort(plan)
	if err != nil {
		return nil, err
	}
	plan.Order = order

	// Ancestors follow topological order, so every need's closure is
	// already complete when we reach its dependents.
	for _, name := range plan.Order {
		ps := plan.Stages[name]
		ps.Ancestors = make(map[string]bool)
		for _, need := range ps.Spec.Needs {
			ps.Ancestors[need] = true
			for anc := range plan.Stages[need].Ancestors {
				ps.Ancestors[anc] = true
			}
		}
	}

	for _, name := range plan.Order {
		ps := plan.Stages[name]

		if !ps.Spec.Gate.Empty() {
			compiled, err := gate.Compile(ps.Spec.Gate)
			if err != nil {
				return nil, fmt.Errorf("%w: stage %s gate: %v", ErrConfiguration, name, err)
			}
			for _, ref := range compiled.StageRefs() {
				if !ps.Ancestors[ref] {
					return nil, fmt.Errorf("%w: stage %s gate references %q, which is not an upstream stage",
						ErrConfiguration, name, ref)
				}
			}
			ps.Gate = compiled
		}

		for _, input := range ps.Spec.Inputs {
			if !producedUpstream(plan, ps, input) {
				return nil, fmt.Errorf("%w: stage %s reads artifact %q, which no upstream stage produces",
					ErrConfiguration, name, input)
			}
		}
	}

	return plan, nil
}

func validateSteps(st *types.StageSpec) error {
	if len(st.Steps) == 0 {
		return fmt.Errorf("at least one step is required")
	}
	names := make(map[string]bool, len(st.Steps))
	outputs := make(map[string]string)
	for i := range st.Steps {
		sp := &st.Steps[i]
		if sp.Name == "" {
			return fmt.Errorf("step %d has no name", i)
		}
		if names[sp.Name] {
			return fmt.Errorf("duplicate step name %q", sp.Name)
		}
		names[sp.Name] = true
		if len(sp.Command) == 0 {
			return fmt.Errorf("step %s has no command", sp.Name)
		}
		if sp.Retries < 0 {
			return fmt.Errorf("step %s has negative retries", sp.Name)
		}
		for _, out := range sp.Outputs {
			if err := step.ValidateOutputSpec(out); err != nil {
				return fmt.Errorf("step %s: %v", sp.Name, err)
			}
			if prev, dup := outputs[out.Name]; dup {
				return fmt.Errorf("output %q declared by both %s and %s", out.Name, prev, sp.Name)
			}
			outputs[out.Name] = sp.Name
		}
	}
	return nil
}

// producedUpstream reports whether any stage in the needs closure declares
// the artifact key as an output.
func producedUpstream(plan *Plan, ps *PlanStage, key string) bool {
	for anc := range ps.Ancestors {
		for _, out := range plan.Stages[anc].Spec.Outputs() {
			if out == key {
				return true
			}
		}
	}
	return false
}

// topoSort orders the stages with Kahn's algorithm. Ties break on declared
// pipeline order so runs are reproducible.
func topoSort(plan *Plan) ([]string, error) {
	position := make(map[string]int, len(plan.Spec.Stages))
	for i := range plan.Spec.Stages {
		position[plan.Spec.Stages[i].Name] = i
	}

	indeg := make(map[string]int, len(plan.InDegree))
	for name, d := range plan.InDegree {
		indeg[name] = d
	}

	var ready []string
	for name, d := range indeg {
		if d == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(plan.Stages))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return position[ready[i]] < position[ready[j]] })
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dep := range plan.Dependents[next] {
			indeg[dep]--
			if indeg[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(plan.Stages) {
		var stuck []string
		for name, d := range indeg {
			if d > 0 {
				stuck = append(stuck, name)
			}
		}
		sort.Strings(stuck)
		return nil, fmt.Errorf("%w: dependency cycle involving %v", ErrConfiguration, stuck)
	}

	return order, nil
}
