// Command engined wires a fully in-memory orchestration engine —
// memstore, an in-memory event bus, an in-memory resource gate, and a
// fake Step Executor that simulates tool_call/delay/approval_request
// steps — and submits one linear three-step operation end to end, logging
// every lifecycle event it observes. It exists to exercise the wiring
// without an HTTP front end, the way the gomind framework's minimal
// example program exercises a single tool's lifecycle.
package main

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/kaironflow/opscore/compensation"
	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/eventbus"
	"github.com/kaironflow/opscore/orchestrator"
	"github.com/kaironflow/opscore/planner"
	"github.com/kaironflow/opscore/resourcegate"
	"github.com/kaironflow/opscore/statestore/memstore"
	"github.com/kaironflow/opscore/steprunner"
	"github.com/kaironflow/opscore/supervisor"
	"github.com/kaironflow/opscore/validator"
)

// fakeExecutor simulates the external Step Executor collaborator: it
// understands enough of the built-in StepType tags to drive the demo
// scenario without calling out to any real tool or service.
type fakeExecutor struct{}

func (fakeExecutor) Execute(ctx context.Context, step core.ExecutionStep, inputs map[string]interface{}) (map[string]interface{}, error) {
	switch step.Type {
	case core.StepDelay:
		select {
		case <-time.After(5 * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return map[string]interface{}{}, nil
	case core.StepApprovalRequest:
		return map[string]interface{}{"approved": true}, nil
	default:
		value, _ := inputs["value"].(int)
		return map[string]interface{}{"value": value + 1}, nil
	}
}

// fakeCompensator logs reverse actions instead of calling out anywhere.
type fakeCompensator struct{}

func (fakeCompensator) Compensate(ctx context.Context, step core.ExecutionStep, result core.StepResult) error {
	log.Printf("compensating step %s (action=%s)", step.ID, step.Compensation.Action)
	return nil
}

func demoPlan() core.ExecutionPlan {
	// mk builds a step that folds its predecessor's output (v_<prevID>)
	// into its own "value" input; the first step in the chain has no
	// predecessor, so it declares no InputMapping at all.
	mk := func(id string, order int, prevID string) core.ExecutionStep {
		step := core.ExecutionStep{
			ID:            id,
			Name:          id,
			Order:         order,
			Type:          core.StepToolCall,
			Configuration: map[string]interface{}{},
			OutputMapping: map[string]string{"value": "v_" + id},
			Required:      true,
		}
		if prevID != "" {
			step.Parameters = []core.ParamSchema{{Name: "value", Type: "number", Required: true}}
			step.InputMapping = map[string]string{"v_" + prevID: "value"}
		}
		return step
	}
	s1, s2, s3 := mk("S1", 1, ""), mk("S2", 2, "S1"), mk("S3", 3, "S2")
	return core.ExecutionPlan{
		Steps: []core.ExecutionStep{s1, s2, s3},
		Dependencies: []core.StepDependency{
			{StepID: "S2", DependsOn: []string{"S1"}, DependencyType: core.DependencySequential},
			{StepID: "S3", DependsOn: []string{"S2"}, DependencyType: core.DependencySequential},
		},
	}
}

func main() {
	logger := core.NoOpLogger{}

	store := memstore.New(logger)
	bus := eventbus.New()
	gate := resourcegate.New(resourcegate.Config{
		TotalMemoryMB:       4096,
		TotalCPUMillis:      4000,
		TotalDurationBudget: 30 * time.Minute,
		TotalConcurrency:    16,
	})

	bus.Subscribe(eventbus.SubscriberFunc(func(ctx context.Context, evt core.OperationEvent) {
		log.Printf("[event] op=%s type=%s seq=%d data=%v", evt.OperationID, evt.EventType, evt.SequenceNumber, evt.Data)
	}))

	runner := steprunner.New(fakeExecutor{}, logger)
	analyzer := planner.New(nil)
	comp := compensation.New(fakeCompensator{}, logger)

	orch := orchestrator.New(orchestrator.Dependencies{
		Store:        store,
		Analyzer:     analyzer,
		Runner:       runner,
		Compensation: comp,
		Bus:          bus,
		Logger:       logger,
		Config: orchestrator.Config{
			CheckpointEveryNSteps: 2,
			DefaultRetryPolicy:    core.RetryPolicy{MaxAttempts: 2, BackoffStrategy: core.BackoffExponential, BaseDelay: 10 * time.Millisecond, MaxDelay: 200 * time.Millisecond},
		},
	})

	sup := supervisor.New(supervisor.Config{EngineID: "engined-demo"}, store, orch, logger)
	ctx := context.Background()
	if err := sup.Start(ctx); err != nil {
		log.Fatalf("supervisor start: %v", err)
	}

	v := validator.New(validator.Config{OperationTimeoutMax: time.Hour}, logger)

	op := &core.Operation{
		ID:          uuid.NewString(),
		Name:        "linear-three-step-demo",
		Type:        core.OperationToolExecution,
		Status:      core.StatusQueued,
		Environment: core.EnvDevelopment,
		Execution: core.ExecutionContext{
			ResourceLimits: core.ResourceLimits{MaxMemoryMB: 128, MaxCPUMillis: 500, MaxDuration: time.Minute, MaxConcurrency: 4},
			Timeout:        time.Minute,
			Priority:       core.PriorityNormal,
			ExecutionMode:  core.ModeAsynchronous,
		},
		Plan:      demoPlan(),
		CreatedAt: time.Now(),
	}

	if _, err := v.Validate(op); err != nil {
		log.Fatalf("validation failed: %v", err)
	}

	lease, admitted := gate.TryAcquire(op.ID, op.Execution.ResourceLimits)
	if !admitted {
		log.Fatalf("resource gate refused admission for %s", op.ID)
	}
	defer gate.Release(lease)

	instanceID, err := sup.Submit(ctx, op)
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}
	log.Printf("submitted operation %s as instance %s", op.ID, instanceID)

	time.Sleep(500 * time.Millisecond)

	status, err := sup.GetStatus(ctx, op.ID)
	if err != nil {
		log.Fatalf("get status failed: %v", err)
	}
	log.Printf("final status: %s completed=%v percentage=%.0f%%", status.Operation.Status, status.CompletedSteps, status.Percentage)

	if err := sup.Shutdown(ctx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
}
