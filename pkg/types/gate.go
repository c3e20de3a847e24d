package types

// Condition is the gate predicate attached to a stage. Exactly one field
// should be set; composition nests further Conditions. The compact When form
// is compiled into the structured variants during pipeline validation.
type Condition struct {
	// Equals compares a trigger field or parameter against a literal.
	Equals *FieldCompare `json:"equals,omitempty" yaml:"equals,omitempty"`

	// NotEquals is the negated comparison.
	NotEquals *FieldCompare `json:"not_equals,omitempty" yaml:"not_equals,omitempty"`

	// StatusIs checks whether a named upstream stage's status is in a set.
	StatusIs *StatusCheck `json:"status_is,omitempty" yaml:"status_is,omitempty"`

	// All is boolean AND over its children.
	All []Condition `json:"all,omitempty" yaml:"all,omitempty"`

	// Any is boolean OR over its children.
	Any []Condition `json:"any,omitempty" yaml:"any,omitempty"`

	// Not negates its child.
	Not *Condition `json:"not,omitempty" yaml:"not,omitempty"`

	// When is the compact expression form, e.g.
	//   trigger.action == "apply" && trigger.event == "manual" && stages.plan.status == "succeeded"
	// Parsed into the structured form before the run starts.
	When string `json:"when,omitempty" yaml:"when,omitempty"`
}

// FieldCompare compares a dotted field path against a literal value.
// Recognized paths: trigger.event, trigger.action, trigger.actor,
// trigger.environment, params.<key>.
type FieldCompare struct {
	Field string `json:"field" yaml:"field"`
	Value string `json:"value" yaml:"value"`
}

// StatusCheck tests an upstream stage's terminal status.
type StatusCheck struct {
	Stage string        `json:"stage" yaml:"stage"`
	In    []StageStatus `json:"in" yaml:"in"`
}

// Empty reports whether no variant is set; an empty condition admits.
func (c *Condition) Empty() bool {
	if c == nil {
		return true
	}
	return c.Equals == nil && c.NotEquals == nil && c.StatusIs == nil &&
		len(c.All) == 0 && len(c.Any) == 0 && c.Not == nil && c.When == ""
}

// StageRefs returns the names of all upstream stages the condition reads,
// recursively. When-form conditions must be compiled first.
func (c *Condition) StageRefs() []string {
	if c == nil {
		return nil
	}
	var refs []string
	if c.StatusIs != nil {
		refs = append(refs, c.StatusIs.Stage)
	}
	for i := range c.All {
		refs = append(refs, c.All[i].StageRefs()...)
	}
	for i := range c.Any {
		refs = append(refs, c.Any[i].StageRefs()...)
	}
	if c.Not != nil {
		refs = append(refs, c.Not.StageRefs()...)
	}
	return refs
}
