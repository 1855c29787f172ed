// Package api defines the engine's transport-agnostic submission surface.
// The HTTP/REST mapping described for concreteness alongside it is out of
// scope here (an external Audit/API surface collaborator maps these calls
// onto whatever wire protocol a deployment chooses); this package only
// fixes the Go interface shape and the status taxonomy a caller maps onto
// HTTP status codes.
package api

import (
	"context"
	"time"

	"github.com/kaironflow/opscore/core"
)

// StatusCode mirrors the RESTful status codes named in the design for
// callers that need to translate an EngineAPI result without depending on
// net/http.
type StatusCode int

const (
	StatusAccepted       StatusCode = 201
	StatusOK             StatusCode = 200
	StatusBadRequest     StatusCode = 400
	StatusNotFound       StatusCode = 404
	StatusConflict       StatusCode = 409
)

// OperationStatusView is the read-only projection getStatus returns.
type OperationStatusView struct {
	Operation      core.Operation
	CurrentStep    string
	CompletedSteps []string
	TotalSteps     int
	Percentage     float64
	Errors         []string
}

// ValidationIssue is one structured validation failure.
type ValidationIssue struct {
	Path    string
	Message string
}

// EngineAPI is the engine's submission surface: submit, inspect status,
// and issue pause/resume/cancel/checkpoint commands against an in-flight
// Operation. The Supervisor implements this directly.
type EngineAPI interface {
	Submit(ctx context.Context, op *core.Operation) (instanceID string, err error)
	GetStatus(ctx context.Context, operationID string) (OperationStatusView, error)
	Pause(ctx context.Context, operationID, reason string) error
	Resume(ctx context.Context, operationID string, checkpointID int64, hasCheckpoint bool) error
	Cancel(ctx context.Context, operationID, reason string, compensate, force bool) error
	CreateCheckpoint(ctx context.Context, operationID string, cpType core.CheckpointType, stepID string) (int64, error)
}

// ComputePercentage returns the share of plan steps that have reached a
// terminal per-step status as a percentage in [0, 100], used by GetStatus
// implementations.
func ComputePercentage(completed, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(completed) / float64(total) * 100
}

// Elapsed is a small helper for getStatus views that report a running
// operation's elapsed wall-clock time.
func Elapsed(startedAt *time.Time) time.Duration {
	if startedAt == nil {
		return 0
	}
	return time.Since(*startedAt)
}
