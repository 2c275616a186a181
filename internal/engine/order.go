package engine

import (
	"sort"

	"github.com/rendis/opflow/internal/execution"
	"github.com/rendis/opflow/pkg/schema"
)

// Order computes the execution plan for a context: enabled behaviors whose
// trigger predicate matches, sorted by priority descending. Equal priorities
// keep their input order. The input slice is not modified.
//
// A predicate's Condition is not part of planning; it is evaluated against
// the live context right before the behavior runs.
func Order(behaviors []schema.BehaviorInstance, ec *execution.Context) []schema.BehaviorInstance {
	plan := make([]schema.BehaviorInstance, 0, len(behaviors))
	for _, b := range behaviors {
		if !b.Enabled {
			continue
		}
		if !Matches(b.Trigger, ec) {
			continue
		}
		plan = append(plan, b)
	}
	sort.SliceStable(plan, func(i, j int) bool {
		return plan[i].Priority > plan[j].Priority
	})
	return plan
}

// Matches reports whether a trigger predicate accepts the context. Every
// non-empty field must intersect the context; a nil predicate always matches.
func Matches(p *schema.TriggerPredicate, ec *execution.Context) bool {
	if p == nil {
		return true
	}
	if len(p.InputKinds) > 0 && !ec.HasInputKind(p.InputKinds...) {
		return false
	}
	if len(p.ObjectKinds) > 0 && !ec.HasObjectKind(p.ObjectKinds...) {
		return false
	}
	if len(p.WorkflowNames) > 0 && !contains(p.WorkflowNames, ec.WorkflowName) {
		return false
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
