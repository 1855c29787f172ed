// Package supervisor owns the process-local lifecycle of every active
// Operation: admission into the Orchestrator, per-operation wall-clock
// timeout enforcement, periodic stale-operation sweeps, graceful shutdown,
// and startup recovery of non-terminal work from the state store. It is
// grounded on the gomind framework's task worker-pool lifecycle
// (`task_worker.go`) and the checkpoint store's expiry-processor goroutine
// (`hitl_checkpoint_store.go`): a background goroutine per concern,
// started under a shared context and stopped via a WaitGroup on Shutdown.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/kaironflow/opscore/api"
	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/orchestrator"
	"github.com/kaironflow/opscore/statestore"
	"github.com/kaironflow/opscore/telemetry"
)

var _ api.EngineAPI = (*Supervisor)(nil)

// Config is the subset of the engine's configuration surface the
// Supervisor owns.
type Config struct {
	EngineID            string
	SweepInterval       time.Duration // default 5m
	StaleThreshold      time.Duration // default 24h
	ShutdownGracePeriod time.Duration // default 30s
	MaxConcurrentOps    int           // not consulted: Submit admits every operation
}

func (c *Config) setDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 24 * time.Hour
	}
	if c.ShutdownGracePeriod <= 0 {
		c.ShutdownGracePeriod = 30 * time.Second
	}
}

type activeOp struct {
	deadline time.Time // zero means no operation-level timeout
}

// Supervisor is the engine's top-level lifecycle manager, and the type the
// engine's api.EngineAPI is implemented against.
type Supervisor struct {
	cfg    Config
	store  statestore.Adapter
	orch   *orchestrator.Orchestrator
	logger core.Logger

	mu     sync.Mutex
	active map[string]activeOp

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Supervisor. It does not start background goroutines or
// perform recovery until Start is called.
func New(cfg Config, store statestore.Adapter, orch *orchestrator.Orchestrator, logger core.Logger) *Supervisor {
	cfg.setDefaults()
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Supervisor{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		logger: logger,
		active: map[string]activeOp{},
		stopCh: make(chan struct{}),
	}
}

// Start runs startup recovery (resuming every non-terminal operation this
// engine owns or can acquire the lease for) then launches the timeout and
// stale-sweep background loops.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.recoverOnStartup(ctx); err != nil {
		return err
	}
	s.wg.Add(2)
	go s.timeoutLoop()
	go s.sweepLoop()
	return nil
}

func (s *Supervisor) recoverOnStartup(ctx context.Context) error {
	instances, err := s.store.ListActiveLeasedBy(ctx, s.cfg.EngineID)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		op, err := s.store.GetOperation(ctx, inst.OperationID)
		if err != nil {
			s.logger.Error("recovery: cannot load operation", map[string]interface{}{"operation_id": inst.OperationID, "error": err.Error()})
			continue
		}
		if _, err := s.orch.Reattach(ctx, op); err != nil {
			s.logger.Error("recovery: reattach failed", map[string]interface{}{"operation_id": inst.OperationID, "error": err.Error()})
			continue
		}
		s.track(op)
		telemetry.Counter("supervisor.recovery.resumed", "module", telemetry.ModuleSupervisor)
	}
	return nil
}

func (s *Supervisor) track(op *core.Operation) {
	var deadline time.Time
	if op.Execution.Timeout > 0 {
		deadline = time.Now().Add(op.Execution.Timeout)
	}
	s.mu.Lock()
	s.active[op.ID] = activeOp{deadline: deadline}
	s.mu.Unlock()
}

func (s *Supervisor) untrack(operationID string) {
	s.mu.Lock()
	delete(s.active, operationID)
	s.mu.Unlock()
}

// Submit admits op into the Orchestrator and begins tracking its
// wall-clock timeout, if one is declared.
func (s *Supervisor) Submit(ctx context.Context, op *core.Operation) (string, error) {
	instanceID, err := s.orch.Submit(ctx, op)
	if err != nil {
		return "", err
	}
	s.track(op)
	return instanceID, nil
}

// Pause, Resume, Cancel, and CreateCheckpoint delegate straight to the
// Orchestrator; the Supervisor's only added value on these paths is
// releasing its own tracking entry once Cancel settles a terminal state.
func (s *Supervisor) Pause(ctx context.Context, operationID, reason string) error {
	return s.orch.Pause(ctx, operationID, reason)
}

func (s *Supervisor) Resume(ctx context.Context, operationID string, checkpointID int64, hasCheckpoint bool) error {
	return s.orch.Resume(ctx, operationID, checkpointID, hasCheckpoint)
}

func (s *Supervisor) Cancel(ctx context.Context, operationID, reason string, compensate, force bool) error {
	err := s.orch.Cancel(ctx, operationID, reason, compensate, force)
	s.untrack(operationID)
	return err
}

func (s *Supervisor) CreateCheckpoint(ctx context.Context, operationID string, cpType core.CheckpointType, stepID string) (int64, error) {
	return s.orch.CreateCheckpoint(ctx, operationID, cpType, stepID)
}

// GetStatus returns a read-only projection of an Operation's current
// progress, including the ordered error list recorded across its step
// results (completed steps remain visible even after a failure).
func (s *Supervisor) GetStatus(ctx context.Context, operationID string) (api.OperationStatusView, error) {
	op, err := s.store.GetOperation(ctx, operationID)
	if err != nil {
		return api.OperationStatusView{}, err
	}
	inst, err := s.store.GetWorkflowInstance(ctx, operationID)
	if err != nil {
		return api.OperationStatusView{}, err
	}
	results, err := s.store.GetStepResults(ctx, inst.ID)
	if err != nil {
		return api.OperationStatusView{}, err
	}

	var errs []string
	for _, r := range results {
		errs = append(errs, r.Errors...)
	}

	completed := len(inst.State.CompletedSteps)
	return api.OperationStatusView{
		Operation:      *op,
		CurrentStep:    inst.State.CurrentStep,
		CompletedSteps: keysOf(inst.State.CompletedSteps),
		TotalSteps:     len(op.Plan.Steps),
		Percentage:     api.ComputePercentage(completed, len(op.Plan.Steps)),
		Errors:         errs,
	}, nil
}

func keysOf(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	return out
}

// timeoutLoop polls every second for operations whose wall-clock deadline
// has passed and cancels them with compensate=true, force=false, per the
// engine's operation-timeout contract. A ticker-based poll (rather than
// one timer per operation) keeps the implementation simple and bounds
// worst-case timeout detection latency to one poll interval.
func (s *Supervisor) timeoutLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			s.checkTimeouts(now)
		}
	}
}

func (s *Supervisor) checkTimeouts(now time.Time) {
	var expired []string
	s.mu.Lock()
	for opID, a := range s.active {
		if !a.deadline.IsZero() && now.After(a.deadline) {
			expired = append(expired, opID)
		}
	}
	s.mu.Unlock()

	for _, opID := range expired {
		ctx := context.Background()
		if err := s.orch.Cancel(ctx, opID, "operation-timeout", true, false); err != nil {
			s.logger.Error("timeout cancel failed", map[string]interface{}{"operation_id": opID, "error": err.Error()})
		}
		s.untrack(opID)
		telemetry.Counter("supervisor.timeout.enforced", "module", telemetry.ModuleSupervisor)
	}
}

// sweepLoop periodically cancels non-terminal workflow instances that have
// not been updated within StaleThreshold, reason "stale-cleanup".
func (s *Supervisor) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStale()
		}
	}
}

func (s *Supervisor) sweepStale() {
	ctx := context.Background()
	cutoff := time.Now().Add(-s.cfg.StaleThreshold)
	stale, err := s.store.FindStale(ctx, cutoff)
	if err != nil {
		s.logger.Error("stale sweep failed", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, inst := range stale {
		if err := s.orch.Cancel(ctx, inst.OperationID, "stale-cleanup", true, false); err != nil {
			s.logger.Error("stale sweep cancel failed", map[string]interface{}{"operation_id": inst.OperationID, "error": err.Error()})
			continue
		}
		s.untrack(inst.OperationID)
		telemetry.Counter("supervisor.sweep.reaped", "module", telemetry.ModuleSupervisor)
	}
}

// Shutdown pauses every active operation with reason "system-shutdown",
// which flushes a state_snapshot checkpoint for each, and waits up to
// ShutdownGracePeriod for those pauses to settle before stopping the
// background loops. Operations whose pause has not settled when the grace
// period elapses are abandoned — they will be recovered from their
// checkpoint on the next startup.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	opIDs := make([]string, 0, len(s.active))
	for opID := range s.active {
		opIDs = append(opIDs, opID)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, opID := range opIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.orch.Pause(ctx, id, "system-shutdown"); err != nil {
				s.logger.Error("shutdown pause failed", map[string]interface{}{"operation_id": id, "error": err.Error()})
			}
		}(opID)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGracePeriod):
		s.logger.Warn("shutdown: grace period elapsed, abandoning remaining operations", nil)
	}

	close(s.stopCh)
	s.wg.Wait()
	return nil
}

// Snapshot reports the set of currently tracked operation ids, for status
// endpoints and tests.
func (s *Supervisor) Snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.active))
	for opID := range s.active {
		out = append(out, opID)
	}
	return out
}
