// Package compensation runs the reverse-order saga rollback the
// Orchestrator triggers when an Operation transitions to failed with
// completed steps that declared a CompensationStep. It is grounded on the
// gomind framework's cleanup-handler-stack pattern (register on success,
// unwind in reverse on failure), adapted so that a compensation failure is
// recorded rather than allowed to block the Operation's own transition to
// the failed state.
package compensation

import (
	"context"
	"fmt"
	"time"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/telemetry"
)

// CompensationRunner performs one compensation call. Real deployments
// route this to the same external executor the Step Runner uses; it is a
// distinct interface because a compensation action addresses a
// tool/resource, not a step, and never retries.
type CompensationRunner interface {
	Compensate(ctx context.Context, step core.ExecutionStep, result core.StepResult) error
}

// Outcome is the result of compensating a single step.
type Outcome struct {
	StepID   string
	Attempted bool
	Error    error
	Duration time.Duration
}

// Coordinator sequences compensation for a set of completed steps in
// strict reverse completion order, continuing past individual failures so
// every compensable step gets a chance to unwind.
type Coordinator struct {
	runner CompensationRunner
	logger core.Logger
}

// New creates a Coordinator delegating to runner.
func New(runner CompensationRunner, logger core.Logger) *Coordinator {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Coordinator{runner: runner, logger: logger}
}

// Compensate walks completedOrder (the order steps actually finished,
// oldest first) back-to-front, invoking the CompensationStep of every step
// in plan that has one, regardless of whether an earlier compensation in
// this same pass failed. It returns one Outcome per step that declared
// compensation, in the order they were attempted.
func (c *Coordinator) Compensate(ctx context.Context, plan core.ExecutionPlan, completedOrder []string, results map[string]core.StepResult) []Outcome {
	byID := make(map[string]core.ExecutionStep, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}

	var outcomes []Outcome
	for i := len(completedOrder) - 1; i >= 0; i-- {
		stepID := completedOrder[i]
		step, ok := byID[stepID]
		if !ok || step.Compensation == nil {
			continue
		}

		ctx, span := telemetry.StartSpan(ctx, "compensation.Compensate")
		start := time.Now()
		err := c.runner.Compensate(ctx, step, results[stepID])
		dur := time.Since(start)
		span.End()

		outcome := Outcome{StepID: stepID, Attempted: true, Duration: dur}
		if err != nil {
			wrapped := core.NewEngineError("compensation.Compensate", core.KindCompensationError, stepID, fmt.Sprintf("compensation action %q failed", step.Compensation.Action), err)
			outcome.Error = wrapped
			telemetry.Counter("compensation.step.failed", "module", telemetry.ModuleCompensation)
			telemetry.RecordSpanError(ctx, wrapped)
			c.logger.Error("compensation failed", map[string]interface{}{"step_id": stepID, "action": step.Compensation.Action, "error": wrapped.Error()})
		} else {
			telemetry.Counter("compensation.step.succeeded", "module", telemetry.ModuleCompensation)
			c.logger.Info("compensation succeeded", map[string]interface{}{"step_id": stepID, "action": step.Compensation.Action})
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// AnyFailed reports whether any Outcome recorded a compensation error.
func AnyFailed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if o.Error != nil {
			return true
		}
	}
	return false
}
