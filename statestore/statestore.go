// Package statestore defines the State Store Adapter contract: typed,
// idempotent, at-least-once-safe access to operations, workflow instances,
// step results, and checkpoints. Two implementations are provided as
// subpackages: memstore (in-memory, for tests and the demo daemon) and
// redisstore (durable), following the gomind framework's convention of
// shipping an in-memory reference alongside a Redis-backed production
// implementation behind the same interface.
package statestore

import (
	"context"
	"time"

	"github.com/kaironflow/opscore/core"
)

// Adapter is the full contract described in the engine design: the
// Adapter never returns partial state — an operation either has a
// readable WorkflowInstance + OperationState pair, or neither.
type Adapter interface {
	CreateOperation(ctx context.Context, op *core.Operation) error
	UpdateOperation(ctx context.Context, opID string, status core.OperationStatus, startedAt, completedAt *time.Time) error
	GetOperation(ctx context.Context, opID string) (*core.Operation, error)

	CreateWorkflowInstance(ctx context.Context, inst *core.WorkflowInstance) error
	GetWorkflowInstance(ctx context.Context, opID string) (*core.WorkflowInstance, error)

	SaveStepResult(ctx context.Context, instanceID string, result core.StepResult) error
	GetStepResults(ctx context.Context, instanceID string) ([]core.StepResult, error)

	SaveCheckpoint(ctx context.Context, cp core.Checkpoint) (int64, error)
	GetCheckpoint(ctx context.Context, opID string, checkpointID int64) (*core.Checkpoint, error)
	GetLatestCheckpointBefore(ctx context.Context, opID string, atOrBefore int64) (*core.Checkpoint, error)

	// UpdateState applies mutate to the current OperationState under an
	// optimistic compare-and-swap against expectedVersion (the
	// WorkflowInstance.Version last observed by the caller). It returns
	// the new version on success, or core.ErrStateConflict if expectedVersion
	// is stale.
	UpdateState(ctx context.Context, opID string, expectedVersion int64, mutate func(*core.OperationState)) (int64, error)

	FindStale(ctx context.Context, cutoff time.Time) ([]core.WorkflowInstance, error)
	ListActiveLeasedBy(ctx context.Context, engineID string) ([]core.WorkflowInstance, error)
}
