// Package validator performs structural and semantic validation of a
// submitted core.Operation before it is ever handed to the Resource Gate
// or Orchestrator. Validation is pure and total: Validate either accepts
// the whole Operation or rejects it with a single reason, never partially.
package validator

import (
	"fmt"
	"sort"
	"time"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/telemetry"
)

// Config bounds the validator's semantic checks that depend on engine-wide
// configuration (spec §6's operationTimeoutMax).
type Config struct {
	OperationTimeoutMax time.Duration
}

// Validator validates Operations against the engine's structural and
// semantic rules. It carries no mutable state: calling Validate twice on
// the same Operation yields the same result.
type Validator struct {
	cfg    Config
	logger core.Logger
}

// New creates a Validator bounded by cfg. A zero-value OperationTimeoutMax
// disables the timeout-ceiling check (useful for tests).
func New(cfg Config, logger core.Logger) *Validator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Validator{cfg: cfg, logger: logger}
}

// Validate runs the full structural pass followed by the topological pass
// described in the engine's design, returning the first violation found.
// On success it returns the deterministic execution order ((order, id)
// ascending, topologically consistent) alongside a nil error.
func (v *Validator) Validate(op *core.Operation) ([]string, error) {
	telemetry.Counter("validator.validate.total", "module", telemetry.ModuleValidator)

	if err := v.validateStructure(op); err != nil {
		telemetry.Counter("validator.validate.rejected", "module", telemetry.ModuleValidator)
		return nil, err
	}

	order, err := v.topologicalOrder(op)
	if err != nil {
		telemetry.Counter("validator.validate.rejected", "module", telemetry.ModuleValidator)
		return nil, err
	}

	v.logger.Debug("operation validated", map[string]interface{}{
		"operation_id": op.ID,
		"step_count":   len(op.Plan.Steps),
	})
	return order, nil
}

func (v *Validator) validateStructure(op *core.Operation) error {
	plan := op.Plan

	if len(plan.Steps) == 0 {
		return reject(op.ID, "plan has no steps", core.ErrEmptyPlan)
	}

	stepIDs := make(map[string]core.ExecutionStep, len(plan.Steps))
	for _, s := range plan.Steps {
		if _, exists := stepIDs[s.ID]; exists {
			return reject(op.ID, fmt.Sprintf("duplicate step id %q", s.ID), core.ErrDuplicateStepID)
		}
		stepIDs[s.ID] = s
	}

	if err := v.validateResourceLimits(op); err != nil {
		return err
	}

	if err := v.validateRetryPolicy(op.Execution.RetryPolicy, op.ID); err != nil {
		return err
	}

	for _, s := range plan.Steps {
		if err := v.validateRetryPolicy(s.RetryPolicy, s.ID); err != nil {
			return err
		}
		if err := v.validateParameters(s); err != nil {
			return err
		}
	}

	groupOf := map[string]string{}
	for _, g := range plan.ParallelGroups {
		if len(g.StepIDs) < 2 {
			return reject(op.ID, fmt.Sprintf("parallel group %q needs at least 2 steps", g.ID), core.ErrUnknownStep)
		}
		if g.MaxConcurrency < 1 {
			return reject(op.ID, fmt.Sprintf("parallel group %q maxConcurrency must be >= 1", g.ID), core.ErrInvalidResourceLimit)
		}
		for _, sid := range g.StepIDs {
			if _, ok := stepIDs[sid]; !ok {
				return reject(op.ID, fmt.Sprintf("parallel group %q references unknown step %q", g.ID, sid), core.ErrUnknownStep)
			}
			if other, ok := groupOf[sid]; ok {
				return reject(op.ID, fmt.Sprintf("step %q belongs to more than one parallel group (%q and %q)", sid, other, g.ID), core.ErrUnknownStep)
			}
			groupOf[sid] = g.ID
		}
	}

	for _, d := range plan.Dependencies {
		if _, ok := stepIDs[d.StepID]; !ok {
			return reject(op.ID, fmt.Sprintf("dependency references unknown step %q", d.StepID), core.ErrUnknownStep)
		}
		for _, dep := range d.DependsOn {
			if _, ok := stepIDs[dep]; !ok {
				return reject(op.ID, fmt.Sprintf("step %q depends on unknown step %q", d.StepID, dep), core.ErrUnknownStep)
			}
		}
	}

	for _, cp := range plan.Checkpoints {
		if cp.StepID == "" {
			continue
		}
		if _, ok := stepIDs[cp.StepID]; !ok {
			return reject(op.ID, fmt.Sprintf("checkpoint %d references unknown step %q", cp.ID, cp.StepID), core.ErrCheckpointMissingStep)
		}
	}

	if v.cfg.OperationTimeoutMax > 0 && op.Execution.Timeout > v.cfg.OperationTimeoutMax {
		return reject(op.ID, "operation timeout exceeds configured maximum", core.ErrTimeoutExceedsMaximum)
	}

	return nil
}

func (v *Validator) validateResourceLimits(op *core.Operation) error {
	l := op.Execution.ResourceLimits
	if l.MaxMemoryMB <= 0 || l.MaxCPUMillis <= 0 || l.MaxDuration <= 0 || l.MaxConcurrency <= 0 {
		return reject(op.ID, "resource limits must all be positive", core.ErrInvalidResourceLimit)
	}
	return nil
}

func (v *Validator) validateRetryPolicy(rp core.RetryPolicy, id string) error {
	if rp.MaxAttempts < 0 || rp.MaxAttempts > 10 {
		return reject(id, "retry policy maxAttempts must be within [0,10]", core.ErrInvalidResourceLimit)
	}
	if rp.BaseDelay < 0 {
		return reject(id, "retry policy baseDelay must be >= 0", core.ErrInvalidResourceLimit)
	}
	if rp.MaxDelay < rp.BaseDelay {
		return reject(id, "retry policy maxDelay must be >= baseDelay", core.ErrInvalidResourceLimit)
	}
	return nil
}

// validateParameters performs the structural type check the spec mandates:
// for every declared parameter that also has a literal value embedded in
// the step's Configuration, the runtime type of that literal must match
// the parameter's declared type. A Required parameter may also be
// satisfied entirely by wiring — a step.InputMapping entry whose target
// paramName matches — since that value is only known at execution time.
func (v *Validator) validateParameters(s core.ExecutionStep) error {
	mapped := make(map[string]bool, len(s.InputMapping))
	for _, paramName := range s.InputMapping {
		mapped[paramName] = true
	}

	for _, p := range s.Parameters {
		val, present := s.Configuration[p.Name]
		if !present {
			if p.Required && !mapped[p.Name] {
				return reject(s.ID, fmt.Sprintf("step %q missing required parameter %q", s.ID, p.Name), core.ErrMissingRequiredInput)
			}
			continue
		}
		if !typeMatches(val, p.Type) {
			return reject(s.ID, fmt.Sprintf("step %q parameter %q expected type %q", s.ID, p.Name, p.Type), core.ErrParameterTypeMismatch)
		}
	}
	return nil
}

func typeMatches(val interface{}, declared string) bool {
	switch declared {
	case "", "any":
		return true
	case "string":
		_, ok := val.(string)
		return ok
	case "number":
		switch val.(type) {
		case int, int32, int64, float32, float64:
			return true
		default:
			return false
		}
	case "bool":
		_, ok := val.(bool)
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	case "array":
		_, ok := val.([]interface{})
		return ok
	default:
		return true
	}
}

// topologicalOrder runs Kahn's algorithm over the dependency graph,
// returning a deterministic (order, id) ascending order among ties, and
// rejecting the Operation if a cycle is present.
func (v *Validator) topologicalOrder(op *core.Operation) ([]string, error) {
	plan := op.Plan

	indegree := make(map[string]int, len(plan.Steps))
	adj := make(map[string][]string, len(plan.Steps))
	byID := make(map[string]core.ExecutionStep, len(plan.Steps))
	for _, s := range plan.Steps {
		indegree[s.ID] = 0
		byID[s.ID] = s
	}
	for _, d := range plan.Dependencies {
		for _, dep := range d.DependsOn {
			adj[dep] = append(adj[dep], d.StepID)
			indegree[d.StepID]++
		}
	}

	ready := make([]string, 0, len(plan.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByOrderID(ready, byID)

	var order []string
	for len(ready) > 0 {
		sortByOrderID(ready, byID)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range adj[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(plan.Steps) {
		return nil, reject(op.ID, "execution plan contains a cyclic dependency", core.ErrCyclicDependency)
	}
	return order, nil
}

func sortByOrderID(ids []string, byID map[string]core.ExecutionStep) {
	sort.Slice(ids, func(i, j int) bool {
		a, b := byID[ids[i]], byID[ids[j]]
		if a.Order != b.Order {
			return a.Order < b.Order
		}
		return a.ID < b.ID
	})
}

func reject(id, msg string, sentinel error) error {
	return core.NewEngineError("validator.Validate", core.KindValidation, id, msg, sentinel)
}
