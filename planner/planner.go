// Package planner computes the ready set over a core.ExecutionPlan: which
// steps may start given the current OperationState, grouped into
// parallel-group batches, with deterministic tie-breaking so a resumed
// operation replays the same schedule a fresh run would have produced.
package planner

import (
	"sort"
	"strings"

	"github.com/kaironflow/opscore/core"
)

// ConditionEvaluator evaluates a StepCondition against the current
// variable map. The engine ships SimpleEvaluator (below); callers with a
// richer expression language can supply their own.
type ConditionEvaluator func(cond *core.StepCondition, variables map[string]interface{}) bool

// Batch is a set of steps that may be dispatched together: a Group-backed
// batch carries the ParallelGroup's policies, a singleton batch is a lone
// ready step.
type Batch struct {
	Steps []core.ExecutionStep
	Group *core.ParallelGroup // nil for a singleton batch
}

// Analyzer computes ready batches over a plan.
type Analyzer struct {
	evaluate ConditionEvaluator
}

// New creates an Analyzer. A nil evaluator defaults to SimpleEvaluator.
func New(evaluate ConditionEvaluator) *Analyzer {
	if evaluate == nil {
		evaluate = SimpleEvaluator
	}
	return &Analyzer{evaluate: evaluate}
}

// SimpleEvaluator implements the "${name} == literal" / "${name}"
// truthiness expressions used by the engine's test fixtures. Unknown or
// malformed expressions fall back to cond.Default.
func SimpleEvaluator(cond *core.StepCondition, variables map[string]interface{}) bool {
	if cond == nil {
		return true
	}
	expr := strings.TrimSpace(cond.Expression)
	if expr == "" {
		return cond.Default
	}

	if idx := strings.Index(expr, "=="); idx >= 0 {
		lhs := strings.TrimSpace(expr[:idx])
		rhs := strings.TrimSpace(expr[idx+2:])
		lhsVal, ok := resolveOperand(lhs, variables)
		if !ok {
			return cond.Default
		}
		rhsVal, ok := resolveOperand(rhs, variables)
		if !ok {
			rhsVal = strings.Trim(rhs, `"'`)
		}
		return equalAsString(lhsVal, rhsVal)
	}

	val, ok := resolveOperand(expr, variables)
	if !ok {
		return cond.Default
	}
	b, ok := val.(bool)
	if ok {
		return b
	}
	return val != nil && val != "" && val != 0
}

func resolveOperand(token string, variables map[string]interface{}) (interface{}, bool) {
	name := strings.TrimSpace(token)
	name = strings.TrimPrefix(name, "${")
	name = strings.TrimSuffix(name, "}")
	if v, ok := variables[name]; ok {
		return v, true
	}
	switch name {
	case "true":
		return true, true
	case "false":
		return false, true
	}
	return nil, false
}

func equalAsString(a, b interface{}) bool {
	as := toComparableString(a)
	bs := toComparableString(b)
	return as == bs
}

func toComparableString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return ""
	}
}

// ReadySet returns the steps eligible to start right now, batched by
// parallel group, plus the set of step ids that became newly skipped as a
// side effect of condition evaluation (the caller must fold these into
// OperationState.SkippedSteps/CompletedSteps before calling ReadySet
// again).
func (a *Analyzer) ReadySet(plan core.ExecutionPlan, state core.OperationState, running map[string]struct{}) (batches []Batch, newlySkipped []string) {
	stepByID := make(map[string]core.ExecutionStep, len(plan.Steps))
	for _, s := range plan.Steps {
		stepByID[s.ID] = s
	}

	dependsOn := make(map[string][]string, len(plan.Steps))
	for _, d := range plan.Dependencies {
		dependsOn[d.StepID] = append(dependsOn[d.StepID], d.DependsOn...)
	}

	groupOf := make(map[string]*core.ParallelGroup, len(plan.Steps))
	for i := range plan.ParallelGroups {
		g := &plan.ParallelGroups[i]
		for _, sid := range g.StepIDs {
			groupOf[sid] = g
		}
	}

	done := func(id string) bool {
		_, completed := state.CompletedSteps[id]
		_, failed := state.FailedSteps[id]
		_, skipped := state.SkippedSteps[id]
		return completed || failed || skipped
	}

	var readySingletons []core.ExecutionStep
	readyGroups := map[string][]core.ExecutionStep{}

	for _, s := range plan.Steps {
		if done(s.ID) {
			continue
		}
		if _, running := running[s.ID]; running {
			continue
		}
		allDepsSatisfied := true
		for _, dep := range dependsOn[s.ID] {
			_, completed := state.CompletedSteps[dep]
			_, skipped := state.SkippedSteps[dep]
			if !completed && !skipped {
				allDepsSatisfied = false
				break
			}
		}
		if !allDepsSatisfied {
			continue
		}

		if s.Condition != nil && !a.evaluate(s.Condition, state.Variables) {
			newlySkipped = append(newlySkipped, s.ID)
			continue
		}

		if g, inGroup := groupOf[s.ID]; inGroup {
			readyGroups[g.ID] = append(readyGroups[g.ID], s)
		} else {
			readySingletons = append(readySingletons, s)
		}
	}

	sort.Slice(readySingletons, func(i, j int) bool {
		return lessOrderID(readySingletons[i], readySingletons[j])
	})
	for _, s := range readySingletons {
		batches = append(batches, Batch{Steps: []core.ExecutionStep{s}})
	}

	var groupIDs []string
	for gid := range readyGroups {
		groupIDs = append(groupIDs, gid)
	}
	sort.Strings(groupIDs)
	for _, gid := range groupIDs {
		steps := readyGroups[gid]
		sort.Slice(steps, func(i, j int) bool { return lessOrderID(steps[i], steps[j]) })
		batches = append(batches, Batch{Steps: steps, Group: groupOf[steps[0].ID]})
	}

	return batches, newlySkipped
}

func lessOrderID(a, b core.ExecutionStep) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}

// IsComplete reports whether every step in plan is in a terminal
// (completed/failed/skipped) state.
func IsComplete(plan core.ExecutionPlan, state core.OperationState) bool {
	for _, s := range plan.Steps {
		_, completed := state.CompletedSteps[s.ID]
		_, failed := state.FailedSteps[s.ID]
		_, skipped := state.SkippedSteps[s.ID]
		if !completed && !failed && !skipped {
			return false
		}
	}
	return true
}
