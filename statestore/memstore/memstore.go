// Package memstore is the in-memory reference implementation of
// statestore.Adapter, grounded on the gomind framework's MemoryStore
// (mutex-guarded map, optional logger, no external dependency). It backs
// unit tests and the demo daemon; redisstore backs durable deployments.
package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/statestore"
)

type operationRecord struct {
	op       core.Operation
	instance core.WorkflowInstance
	results  map[string]core.StepResult // stepID -> latest result
	checkpts []core.Checkpoint
	nextCP   int64
}

// Store is a process-local, mutex-guarded statestore.Adapter.
type Store struct {
	mu      chan struct{} // binary semaphore; see lock()/unlock()
	records map[string]*operationRecord
	logger  core.Logger
}

// New creates an empty Store.
func New(logger core.Logger) *Store {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	s := &Store{
		mu:      make(chan struct{}, 1),
		records: map[string]*operationRecord{},
		logger:  logger,
	}
	s.mu <- struct{}{}
	return s
}

func (s *Store) lock()   { <-s.mu }
func (s *Store) unlock() { s.mu <- struct{}{} }

var _ statestore.Adapter = (*Store)(nil)

func (s *Store) CreateOperation(_ context.Context, op *core.Operation) error {
	s.lock()
	defer s.unlock()
	if _, exists := s.records[op.ID]; exists {
		// idempotent create: leave the existing record untouched
		return nil
	}
	s.records[op.ID] = &operationRecord{
		op:      *op,
		results: map[string]core.StepResult{},
	}
	return nil
}

func (s *Store) UpdateOperation(_ context.Context, opID string, status core.OperationStatus, startedAt, completedAt *time.Time) error {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok {
		return core.NewEngineError("memstore.UpdateOperation", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	rec.op.Status = status
	if startedAt != nil {
		rec.op.StartedAt = startedAt
	}
	if completedAt != nil {
		rec.op.CompletedAt = completedAt
		if rec.op.StartedAt != nil {
			rec.op.ActualDuration = completedAt.Sub(*rec.op.StartedAt)
		}
	}
	return nil
}

func (s *Store) GetOperation(_ context.Context, opID string) (*core.Operation, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok {
		return nil, core.NewEngineError("memstore.GetOperation", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	cp := rec.op
	return &cp, nil
}

func (s *Store) CreateWorkflowInstance(_ context.Context, inst *core.WorkflowInstance) error {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[inst.OperationID]
	if !ok {
		return core.NewEngineError("memstore.CreateWorkflowInstance", core.KindStateConflict, inst.OperationID, "operation not found", core.ErrOperationNotFound)
	}
	inst.Version = 1
	rec.instance = *inst
	return nil
}

func (s *Store) GetWorkflowInstance(_ context.Context, opID string) (*core.WorkflowInstance, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok || rec.instance.ID == "" {
		return nil, core.NewEngineError("memstore.GetWorkflowInstance", core.KindStateConflict, opID, "workflow instance not found", core.ErrOperationNotFound)
	}
	cp := rec.instance
	cp.State = rec.instance.State.Clone()
	return &cp, nil
}

func (s *Store) SaveStepResult(_ context.Context, instanceID string, result core.StepResult) error {
	s.lock()
	defer s.unlock()
	rec := s.findByInstance(instanceID)
	if rec == nil {
		return core.NewEngineError("memstore.SaveStepResult", core.KindStateConflict, instanceID, "workflow instance not found", core.ErrOperationNotFound)
	}
	rec.results[result.StepID] = result
	return nil
}

func (s *Store) GetStepResults(_ context.Context, instanceID string) ([]core.StepResult, error) {
	s.lock()
	defer s.unlock()
	rec := s.findByInstance(instanceID)
	if rec == nil {
		return nil, core.NewEngineError("memstore.GetStepResults", core.KindStateConflict, instanceID, "workflow instance not found", core.ErrOperationNotFound)
	}
	out := make([]core.StepResult, 0, len(rec.results))
	for _, r := range rec.results {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) SaveCheckpoint(_ context.Context, cp core.Checkpoint) (int64, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[cp.OperationID]
	if !ok {
		return 0, core.NewEngineError("memstore.SaveCheckpoint", core.KindStateConflict, cp.OperationID, "operation not found", core.ErrOperationNotFound)
	}
	rec.nextCP++
	cp.ID = rec.nextCP
	rec.checkpts = append(rec.checkpts, cp) // append-only
	return cp.ID, nil
}

func (s *Store) GetCheckpoint(_ context.Context, opID string, checkpointID int64) (*core.Checkpoint, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok {
		return nil, core.NewEngineError("memstore.GetCheckpoint", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	for i := len(rec.checkpts) - 1; i >= 0; i-- {
		if rec.checkpts[i].ID == checkpointID {
			cp := rec.checkpts[i]
			return &cp, nil
		}
	}
	return nil, core.NewEngineError("memstore.GetCheckpoint", core.KindStateConflict, opID, "checkpoint not found", core.ErrCheckpointNotFound)
}

func (s *Store) GetLatestCheckpointBefore(_ context.Context, opID string, atOrBefore int64) (*core.Checkpoint, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok {
		return nil, core.NewEngineError("memstore.GetLatestCheckpointBefore", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	var best *core.Checkpoint
	for i := range rec.checkpts {
		cp := rec.checkpts[i]
		if cp.ID <= atOrBefore && (best == nil || cp.ID > best.ID) {
			c := cp
			best = &c
		}
	}
	if best == nil {
		return nil, core.NewEngineError("memstore.GetLatestCheckpointBefore", core.KindStateConflict, opID, "no checkpoint found", core.ErrCheckpointNotFound)
	}
	return best, nil
}

func (s *Store) UpdateState(_ context.Context, opID string, expectedVersion int64, mutate func(*core.OperationState)) (int64, error) {
	s.lock()
	defer s.unlock()
	rec, ok := s.records[opID]
	if !ok {
		return 0, core.NewEngineError("memstore.UpdateState", core.KindStateConflict, opID, "operation not found", core.ErrOperationNotFound)
	}
	if rec.instance.Version != expectedVersion {
		return 0, core.NewEngineError("memstore.UpdateState", core.KindStateConflict, opID, "version mismatch", core.ErrStateConflict)
	}
	state := rec.instance.State.Clone()
	mutate(&state)
	state.LastUpdated = time.Now()
	rec.instance.State = state
	rec.instance.Version++
	rec.instance.UpdatedAt = state.LastUpdated
	return rec.instance.Version, nil
}

func (s *Store) FindStale(_ context.Context, cutoff time.Time) ([]core.WorkflowInstance, error) {
	s.lock()
	defer s.unlock()
	var out []core.WorkflowInstance
	for _, rec := range s.records {
		if rec.instance.ID == "" || rec.instance.Status.IsTerminal() {
			continue
		}
		if rec.instance.UpdatedAt.Before(cutoff) {
			out = append(out, rec.instance)
		}
	}
	return out, nil
}

func (s *Store) ListActiveLeasedBy(_ context.Context, engineID string) ([]core.WorkflowInstance, error) {
	s.lock()
	defer s.unlock()
	var out []core.WorkflowInstance
	for _, rec := range s.records {
		if rec.instance.ID == "" || rec.instance.Status.IsTerminal() {
			continue
		}
		if rec.instance.EngineID == engineID || rec.instance.EngineID == "" {
			out = append(out, rec.instance)
		}
	}
	return out, nil
}

func (s *Store) findByInstance(instanceID string) *operationRecord {
	for _, rec := range s.records {
		if rec.instance.ID == instanceID {
			return rec
		}
	}
	return nil
}
