package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaironflow/opscore/core"
)

// newTestStore wires a Store directly to a miniredis instance, following
// the framework's established pattern for exercising Redis-dependent
// methods without a live Redis deployment.
func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return &Store{
		client: client,
		cfg: config{
			keyPrefix: "test",
			ttl:       time.Hour,
			logger:    core.NoOpLogger{},
		},
	}, mr
}

func newOp(id string) *core.Operation {
	return &core.Operation{ID: id, Name: "test", Status: core.StatusQueued}
}

func TestCreateAndGetOperation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))

	got, err := s.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, "op-1", got.ID)
}

func TestGetOperationNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetOperation(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrOperationNotFound)
}

func TestCreateWorkflowInstanceSetsInitialVersionAndIndexesActiveSet(t *testing.T) {
	s, mr := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))

	inst := &core.WorkflowInstance{ID: "op-1-instance", OperationID: "op-1", State: core.NewOperationState("op-1")}
	require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
	assert.Equal(t, int64(1), inst.Version)

	got, err := s.GetWorkflowInstance(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)

	member, err := mr.SIsMember(s.activeSetKey(), "op-1")
	require.NoError(t, err)
	assert.True(t, member)
}

func TestUpdateStateDetectsVersionConflict(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))
	inst := &core.WorkflowInstance{ID: "op-1-instance", OperationID: "op-1", State: core.NewOperationState("op-1")}
	require.NoError(t, s.CreateWorkflowInstance(ctx, inst))

	_, err := s.UpdateState(ctx, "op-1", 99, func(st *core.OperationState) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrStateConflict)
}

func TestUpdateStateAppliesMutationAndBumpsVersion(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))
	inst := &core.WorkflowInstance{ID: "op-1-instance", OperationID: "op-1", State: core.NewOperationState("op-1")}
	require.NoError(t, s.CreateWorkflowInstance(ctx, inst))

	newVersion, err := s.UpdateState(ctx, "op-1", 1, func(st *core.OperationState) {
		st.CompletedSteps["S1"] = struct{}{}
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), newVersion)

	got, err := s.GetWorkflowInstance(ctx, "op-1")
	require.NoError(t, err)
	_, ok := got.State.CompletedSteps["S1"]
	assert.True(t, ok)
}

func TestSaveAndGetStepResults(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SaveStepResult(ctx, "inst-1", core.StepResult{StepID: "S1", Status: core.StepStatusCompleted}))
	require.NoError(t, s.SaveStepResult(ctx, "inst-1", core.StepResult{StepID: "S2", Status: core.StepStatusFailed}))

	results, err := s.GetStepResults(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestCheckpointNumberingIsMonotonicPerOperation(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id1, err := s.SaveCheckpoint(ctx, core.Checkpoint{OperationID: "op-1", Type: core.CheckpointProgressMarker})
	require.NoError(t, err)
	id2, err := s.SaveCheckpoint(ctx, core.Checkpoint{OperationID: "op-1", Type: core.CheckpointProgressMarker})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
}

func TestGetLatestCheckpointBeforeReturnsHighestNotExceeding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	id1, _ := s.SaveCheckpoint(ctx, core.Checkpoint{OperationID: "op-1"})
	_, _ = s.SaveCheckpoint(ctx, core.Checkpoint{OperationID: "op-1"})
	id3, _ := s.SaveCheckpoint(ctx, core.Checkpoint{OperationID: "op-1"})

	cp, err := s.GetLatestCheckpointBefore(ctx, "op-1", id3)
	require.NoError(t, err)
	assert.Equal(t, id3, cp.ID)

	cp, err = s.GetLatestCheckpointBefore(ctx, "op-1", id1)
	require.NoError(t, err)
	assert.Equal(t, id1, cp.ID)
}

func TestGetCheckpointNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetCheckpoint(context.Background(), "op-1", 42)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCheckpointNotFound)
}

func TestFindStaleReturnsOnlyNonTerminalPastCutoff(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))
	inst := &core.WorkflowInstance{ID: "inst-1", OperationID: "op-1", Status: core.StatusRunning, State: core.NewOperationState("op-1")}
	require.NoError(t, s.CreateWorkflowInstance(ctx, inst))
	_, err := s.UpdateState(ctx, "op-1", 1, func(st *core.OperationState) {})
	require.NoError(t, err)

	stale, err := s.FindStale(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	none, err := s.FindStale(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestListActiveLeasedByIncludesUnleasedAndOwnEngine(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateOperation(ctx, newOp("op-1")))
	require.NoError(t, s.CreateOperation(ctx, newOp("op-2")))
	require.NoError(t, s.CreateWorkflowInstance(ctx, &core.WorkflowInstance{ID: "i1", OperationID: "op-1", Status: core.StatusRunning, EngineID: "", State: core.NewOperationState("op-1")}))
	require.NoError(t, s.CreateWorkflowInstance(ctx, &core.WorkflowInstance{ID: "i2", OperationID: "op-2", Status: core.StatusRunning, EngineID: "other-engine", State: core.NewOperationState("op-2")}))

	owned, err := s.ListActiveLeasedBy(ctx, "my-engine")
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, "op-1", owned[0].OperationID)
}
