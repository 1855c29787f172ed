package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaironflow/opscore/compensation"
	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/eventbus"
	"github.com/kaironflow/opscore/orchestrator"
	"github.com/kaironflow/opscore/planner"
	"github.com/kaironflow/opscore/statestore/memstore"
	"github.com/kaironflow/opscore/steprunner"
)

// delayExecutor runs every step after sleeping the configured delay,
// respecting context cancellation so timeout/cancel tests settle promptly.
type delayExecutor struct {
	delay time.Duration
}

func (e delayExecutor) Execute(ctx context.Context, step core.ExecutionStep, inputs map[string]interface{}) (map[string]interface{}, error) {
	select {
	case <-time.After(e.delay):
		return map[string]interface{}{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type noopCompensationRunner struct{}

func (noopCompensationRunner) Compensate(ctx context.Context, step core.ExecutionStep, result core.StepResult) error {
	return nil
}

type testHarness struct {
	store *memstore.Store
	sup   *Supervisor
}

func newTestHarness(t *testing.T, cfg Config, stepDelay time.Duration) *testHarness {
	t.Helper()
	store := memstore.New(nil)
	bus := eventbus.New()
	runner := steprunner.New(delayExecutor{delay: stepDelay}, nil)
	comp := compensation.New(noopCompensationRunner{}, nil)
	orch := orchestrator.New(orchestrator.Dependencies{
		Store:        store,
		Analyzer:     planner.New(nil),
		Runner:       runner,
		Compensation: comp,
		Bus:          bus,
	})
	sup := New(cfg, store, orch, nil)
	return &testHarness{store: store, sup: sup}
}

func singleStepOperation(id string, timeout time.Duration) *core.Operation {
	return &core.Operation{
		ID:     id,
		Name:   id,
		Status: core.StatusQueued,
		Execution: core.ExecutionContext{
			ResourceLimits: core.ResourceLimits{MaxMemoryMB: 64, MaxCPUMillis: 100, MaxConcurrency: 4},
			Timeout:        timeout,
		},
		Plan: core.ExecutionPlan{
			Steps: []core.ExecutionStep{{ID: "S1", Name: "S1", Order: 1, Type: core.StepToolCall, Required: true}},
		},
		CreatedAt: time.Now(),
	}
}

func waitForTerminalStatus(t *testing.T, store *memstore.Store, opID string, timeout time.Duration) core.OperationStatus {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		op, err := store.GetOperation(context.Background(), opID)
		require.NoError(t, err)
		if op.Status.IsTerminal() {
			return op.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("operation %s did not reach a terminal status within %s", opID, timeout)
	return ""
}

func TestSubmitTracksOperation(t *testing.T) {
	h := newTestHarness(t, Config{}, 0)
	op := singleStepOperation("op-1", 0)
	_, err := h.sup.Submit(context.Background(), op)
	require.NoError(t, err)
	assert.Contains(t, h.sup.Snapshot(), "op-1")
	waitForTerminalStatus(t, h.store, "op-1", time.Second)
}

func TestCancelUntracksOperation(t *testing.T) {
	h := newTestHarness(t, Config{}, 200*time.Millisecond)
	op := singleStepOperation("op-2", 0)
	_, err := h.sup.Submit(context.Background(), op)
	require.NoError(t, err)
	require.NoError(t, h.sup.Cancel(context.Background(), "op-2", "manual-cancel", false, true))
	assert.NotContains(t, h.sup.Snapshot(), "op-2")
}

func TestGetStatusReturnsProgressProjection(t *testing.T) {
	h := newTestHarness(t, Config{}, 0)
	op := singleStepOperation("op-3", 0)
	_, err := h.sup.Submit(context.Background(), op)
	require.NoError(t, err)
	waitForTerminalStatus(t, h.store, "op-3", time.Second)

	view, err := h.sup.GetStatus(context.Background(), "op-3")
	require.NoError(t, err)
	assert.Equal(t, 1, view.TotalSteps)
	assert.Equal(t, []string{"S1"}, view.CompletedSteps)
	assert.Equal(t, float64(100), view.Percentage)
}

func TestCheckTimeoutsCancelsExpiredOperation(t *testing.T) {
	h := newTestHarness(t, Config{}, 500*time.Millisecond)
	op := singleStepOperation("op-4", time.Millisecond)
	_, err := h.sup.Submit(context.Background(), op)
	require.NoError(t, err)

	h.sup.checkTimeouts(time.Now().Add(time.Hour))

	status := waitForTerminalStatus(t, h.store, "op-4", time.Second)
	assert.Equal(t, core.StatusCancelled, status)
	assert.NotContains(t, h.sup.Snapshot(), "op-4")
}

func TestSweepStaleCancelsUnTouchedOperations(t *testing.T) {
	h := newTestHarness(t, Config{StaleThreshold: time.Microsecond}, 500*time.Millisecond)
	op := singleStepOperation("op-5", 0)
	_, err := h.sup.Submit(context.Background(), op)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	h.sup.sweepStale()

	status := waitForTerminalStatus(t, h.store, "op-5", time.Second)
	assert.Equal(t, core.StatusCancelled, status)
	assert.NotContains(t, h.sup.Snapshot(), "op-5")
}

func TestRecoverOnStartupReattachesLeasedInstances(t *testing.T) {
	h := newTestHarness(t, Config{EngineID: "engine-a"}, 0)
	ctx := context.Background()

	op := singleStepOperation("op-6", 0)
	require.NoError(t, h.store.CreateOperation(ctx, op))
	inst := &core.WorkflowInstance{
		ID:          "op-6-instance",
		OperationID: "op-6",
		Status:      core.StatusRunning,
		EngineID:    "engine-a",
		State:       core.NewOperationState("op-6"),
	}
	require.NoError(t, h.store.CreateWorkflowInstance(ctx, inst))

	require.NoError(t, h.sup.Start(ctx))
	defer h.sup.Shutdown(ctx)

	assert.Contains(t, h.sup.Snapshot(), "op-6")
}
