// Package steprunner executes a single core.ExecutionStep against an
// external Executor: resolving inputs from the shared variable map,
// dispatching the call under a per-step timeout, retrying per the step's
// RetryPolicy, classifying failures as retryable/fatal/timeout, and
// mapping outputs back into the variable map. It is grounded on the
// gomind framework's tool-invocation wrapper (resolve -> call -> retry ->
// classify -> record) generalized from a single HTTP tool call to any
// Executor implementation.
package steprunner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/resilience"
	"github.com/kaironflow/opscore/telemetry"
)

func attrStepID(id string) attribute.KeyValue     { return attribute.String("step.id", id) }
func attrStepType(t string) attribute.KeyValue    { return attribute.String("step.type", t) }

// Executor performs the side-effecting work a step declares. Real
// deployments implement this over their tool-calling / artifact-generation
// / API-request backends; the demo daemon ships an in-memory fake.
type Executor interface {
	// Execute runs step with resolved inputs and returns its output map.
	// A returned error's Kind (via core.IsKind) drives retry
	// classification; an untyped error is treated as retryable.
	Execute(ctx context.Context, step core.ExecutionStep, inputs map[string]interface{}) (map[string]interface{}, error)
}

// Runner runs one step to completion (including its own retries) and
// reports a core.StepResult. Calls into the Executor are guarded by a
// per-step-type CircuitBreaker, the way gomind's resilience package wraps
// an external dependency call with a breaker alongside its retry loop: a
// flapping step type stops being hammered with attempts while it trips
// open, independently of every other step type the Runner serves.
type Runner struct {
	executor Executor
	logger   core.Logger
	breakers sync.Map // core.StepType -> *resilience.CircuitBreaker
}

// New creates a Runner delegating actual work to executor.
func New(executor Executor, logger core.Logger) *Runner {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Runner{executor: executor, logger: logger}
}

func (r *Runner) breakerFor(stepType core.StepType) *resilience.CircuitBreaker {
	name := string(stepType)
	if name == "" {
		name = "default"
	}
	if b, ok := r.breakers.Load(name); ok {
		return b.(*resilience.CircuitBreaker)
	}
	b := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig(name))
	actual, _ := r.breakers.LoadOrStore(name, b)
	return actual.(*resilience.CircuitBreaker)
}

// kindClassifier decides retry eligibility from the core.Kind recorded on
// the error by the Execute closure below: fatal/cancelled errors never
// retry regardless of policy.RetryableErrors, timeout/retryable errors
// always do. The closure tags every Executor error with a Kind, and
// classifyErr tags an untyped one KindStepRetryable, so the
// RetryableErrors fallback is not reached for Executor errors.
func kindClassifier(err error, retryableErrors []string) bool {
	if err == nil {
		return false
	}
	if core.IsKind(err, core.KindStepFatal) || core.IsKind(err, core.KindStepCancelled) || core.IsKind(err, core.KindMissingInput) {
		return false
	}
	if core.IsKind(err, core.KindStepTimeout) || core.IsKind(err, core.KindStepRetryable) {
		return true
	}
	return resilience.DefaultClassifier(err, retryableErrors)
}

// resolveInputs builds the step's input map from its InputMapping
// (variableName -> paramName) over the current variable set, falling back
// to any literal present in Configuration under the same param name.
// Variables absent from the current snapshot are simply omitted from the
// result; callers must run missingRequiredInput first to reject the step
// rather than silently dispatch it with a hole in its inputs.
func resolveInputs(step core.ExecutionStep, variables map[string]interface{}) map[string]interface{} {
	inputs := make(map[string]interface{}, len(step.Parameters))
	for paramName, literal := range step.Configuration {
		inputs[paramName] = literal
	}
	for varName, paramName := range step.InputMapping {
		if v, ok := variables[varName]; ok {
			inputs[paramName] = v
		}
	}
	return inputs
}

// missingRequiredInput reports an InputMapping variable that is absent
// from variables and whose target parameter is Required (any absent one
// when the step declares no Parameters), so the caller can fail the step before dispatch
// rather than silently execute it with an incomplete input map.
func missingRequiredInput(step core.ExecutionStep, variables map[string]interface{}) (varName string, missing bool) {
	for varName, paramName := range step.InputMapping {
		if _, ok := variables[varName]; ok {
			continue
		}
		required := false
		for _, p := range step.Parameters {
			if p.Name == paramName && p.Required {
				required = true
				break
			}
		}
		if required || len(step.Parameters) == 0 {
			return varName, true
		}
	}
	return "", false
}

// applyOutputs folds a step's raw output map into variables per its
// OutputMapping (resultKey -> variableName).
func applyOutputs(step core.ExecutionStep, output map[string]interface{}, variables map[string]interface{}) {
	if len(step.OutputMapping) == 0 {
		for k, v := range output {
			variables[k] = v
		}
		return
	}
	for resultKey, varName := range step.OutputMapping {
		if v, ok := output[resultKey]; ok {
			variables[varName] = v
		}
	}
}

// classifyErr maps an Executor error (and a ctx.DeadlineExceeded timeout)
// to a core.Kind the Orchestrator's failure-policy logic understands.
func classifyErr(err error, timedOut bool) core.Kind {
	if timedOut {
		return core.KindStepTimeout
	}
	if err == nil {
		return ""
	}
	for _, k := range []core.Kind{core.KindStepFatal, core.KindStepRetryable, core.KindStepCancelled} {
		if core.IsKind(err, k) {
			return k
		}
	}
	return core.KindStepRetryable
}

// Run executes step against the current variable snapshot, retrying per
// step.RetryPolicy (falling back to the operation-level policy when the
// step declares none), and returns the StepResult. On success its Data
// holds a copy of variables with the step's outputs applied; the caller
// decides whether to commit it.
func (r *Runner) Run(ctx context.Context, step core.ExecutionStep, variables map[string]interface{}, fallbackPolicy core.RetryPolicy) core.StepResult {
	ctx, span := telemetry.StartSpan(ctx, "steprunner.Run")
	defer span.End()
	telemetry.SetSpanAttributes(ctx, attrStepID(step.ID), attrStepType(string(step.Type)))

	policy := step.RetryPolicy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = fallbackPolicy
	}

	result := core.StepResult{StepID: step.ID, StartTime: time.Now()}
	vars := cloneVars(variables)

	if varName, missing := missingRequiredInput(step, vars); missing {
		result.EndTime = time.Now()
		result.Status = core.StepStatusFailed
		result.ErrorKind = core.KindMissingInput
		err := core.NewEngineError("steprunner.Run", core.KindMissingInput, step.ID,
			fmt.Sprintf("required input variable %q not present", varName), core.ErrMissingRequiredInput)
		result.Errors = []string{err.Error()}
		telemetry.Counter("steprunner.step.failed", "module", telemetry.ModuleStepRunner)
		telemetry.RecordSpanError(ctx, err)
		r.logger.Warn("step failed", map[string]interface{}{"step_id": step.ID, "error": err.Error()})
		return result
	}

	breaker := r.breakerFor(step.Type)

	var lastOutput map[string]interface{}
	attempts, err := resilience.Run(ctx, policy, kindClassifier, func(attempt int) error {
		if !breaker.CanExecute() {
			result.ErrorKind = core.KindStepRetryable
			return core.NewEngineError("steprunner.Run", core.KindStepRetryable, step.ID, fmt.Sprintf("attempt %d rejected: circuit open for step type %q", attempt, step.Type), core.ErrCircuitOpen)
		}

		stepCtx := ctx
		var cancel context.CancelFunc
		timedOut := false
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
			defer cancel()
		}

		out, callErr := r.executor.Execute(stepCtx, step, resolveInputs(step, vars))
		if callErr != nil && stepCtx.Err() == context.DeadlineExceeded {
			timedOut = true
		}
		if callErr == nil {
			breaker.RecordSuccess()
			lastOutput = out
			return nil
		}

		breaker.RecordFailure()
		kind := classifyErr(callErr, timedOut)
		result.ErrorKind = kind
		return core.NewEngineError("steprunner.Run", kind, step.ID, fmt.Sprintf("attempt %d failed", attempt), callErr)
	})

	result.Attempts = attempts
	result.EndTime = time.Now()

	if err != nil {
		result.Status = core.StepStatusFailed
		result.Errors = []string{err.Error()}
		telemetry.Counter("steprunner.step.failed", "module", telemetry.ModuleStepRunner)
		telemetry.RecordSpanError(ctx, err)
		r.logger.Warn("step failed", map[string]interface{}{"step_id": step.ID, "attempts": attempts, "error": err.Error()})
		return result
	}

	applyOutputs(step, lastOutput, vars)
	result.Status = core.StepStatusCompleted
	result.Data = vars
	telemetry.Counter("steprunner.step.completed", "module", telemetry.ModuleStepRunner)
	telemetry.Histogram("steprunner.step.duration_ms", float64(result.EndTime.Sub(result.StartTime).Milliseconds()), "module", telemetry.ModuleStepRunner)
	return result
}

func cloneVars(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
