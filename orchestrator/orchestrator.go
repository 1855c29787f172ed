// Package orchestrator owns the Operation state machine: the main loop
// that pulls ready batches from the Plan Analyzer, dispatches them to the
// Step Runner (singly or under a ParallelGroup's policy), persists
// progress, and drives an Operation to one of its terminal states —
// compensating through a failure by reverse-order rollback when one is
// declared. It is grounded on the gomind framework's `workflow_engine.go`
// DAG executor: one driver goroutine per in-flight workflow, a command
// channel for external pause/resume/cancel requests, and a worker-pool
// fan-out for parallel-group members with panic recovery around each
// member so one bad step can never take the driver down with it.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kaironflow/opscore/compensation"
	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/eventbus"
	"github.com/kaironflow/opscore/planner"
	"github.com/kaironflow/opscore/statestore"
	"github.com/kaironflow/opscore/steprunner"
	"github.com/kaironflow/opscore/telemetry"
)

// Config bounds engine-wide orchestrator behavior (the subset of the
// engine's configuration surface this package owns).
type Config struct {
	CheckpointEveryNSteps int // 0 disables periodic recovery_point checkpoints
	DefaultRetryPolicy    core.RetryPolicy
	CASRetryBound         int // state-store CAS retries in persistState; once exhausted the write is dropped and logged, and the operation is not failed
}

// Dependencies wires the orchestrator to its collaborators.
type Dependencies struct {
	Store        statestore.Adapter
	Analyzer     *planner.Analyzer
	Runner       *steprunner.Runner
	Compensation *compensation.Coordinator
	Bus          *eventbus.Bus
	Logger       core.Logger
	Config       Config
}

// Orchestrator drives every active WorkflowInstance's main loop.
type Orchestrator struct {
	deps Dependencies

	mu        sync.Mutex
	instances map[string]*drivenInstance // operationID -> driver handle
}

// New creates an Orchestrator. Logger defaults to core.NoOpLogger.
func New(deps Dependencies) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = core.NoOpLogger{}
	}
	if deps.Config.CASRetryBound == 0 {
		deps.Config.CASRetryBound = 5
	}
	return &Orchestrator{deps: deps, instances: map[string]*drivenInstance{}}
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdCancel
)

type command struct {
	kind         commandKind
	reason       string
	checkpointID int64
	hasCheckpt   bool
	compensate   bool
	force        bool
	done         chan error
}

// drivenInstance is the live handle the orchestrator keeps for one
// in-flight operation: its command inbox and the set of in-flight step
// cancel funcs (used for force-cancel).
type drivenInstance struct {
	operationID string
	instanceID  string

	cmds       chan command
	driverDone chan struct{}

	mu           sync.Mutex
	runningSteps map[string]context.CancelFunc
}

// Submit persists the Operation and a fresh WorkflowInstance, then starts
// the driver goroutine and returns immediately. The caller is expected to
// have run the Validator first; Submit assumes op.Plan is already
// topologically valid.
func (o *Orchestrator) Submit(ctx context.Context, op *core.Operation) (string, error) {
	if err := o.deps.Store.CreateOperation(ctx, op); err != nil {
		return "", err
	}

	instanceID := op.ID + "-instance"
	inst := &core.WorkflowInstance{
		ID:          instanceID,
		OperationID: op.ID,
		Status:      core.StatusQueued,
		Execution:   op.Execution,
		State:       core.NewOperationState(op.ID),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	if err := o.deps.Store.CreateWorkflowInstance(ctx, inst); err != nil {
		return "", err
	}

	driven := &drivenInstance{
		operationID:  op.ID,
		instanceID:   instanceID,
		cmds:         make(chan command, 4),
		driverDone:   make(chan struct{}),
		runningSteps: map[string]context.CancelFunc{},
	}
	o.mu.Lock()
	o.instances[op.ID] = driven
	o.mu.Unlock()

	go o.drive(context.Background(), op, driven, inst)

	return instanceID, nil
}

// Reattach restarts the driver for an Operation whose WorkflowInstance
// already exists in the store (a process restart recovering non-terminal
// work), restoring from its latest checkpoint if one was ever taken.
// Unlike Submit, it performs no CreateOperation/CreateWorkflowInstance.
func (o *Orchestrator) Reattach(ctx context.Context, op *core.Operation) (string, error) {
	inst, err := o.deps.Store.GetWorkflowInstance(ctx, op.ID)
	if err != nil {
		return "", err
	}
	if inst.Status.IsTerminal() {
		return "", core.NewEngineError("orchestrator.Reattach", core.KindInvalidTransition, op.ID, "operation already terminal", core.ErrAlreadyTerminal)
	}

	if cp, cpErr := o.deps.Store.GetLatestCheckpointBefore(ctx, op.ID, maxCheckpointID); cpErr == nil {
		inst.State.Variables = copyVariables(cp.Data.Variables)
		inst.State.CompletedSteps = toSet(cp.Data.CompletedSteps)
		inst.State.FailedSteps = toSet(cp.Data.FailedSteps)
		inst.State.CurrentStep = cp.Data.CurrentStep
	}

	driven := &drivenInstance{
		operationID:  op.ID,
		instanceID:   inst.ID,
		cmds:         make(chan command, 4),
		driverDone:   make(chan struct{}),
		runningSteps: map[string]context.CancelFunc{},
	}
	o.mu.Lock()
	o.instances[op.ID] = driven
	o.mu.Unlock()

	go o.drive(context.Background(), op, driven, inst)
	return inst.ID, nil
}

const maxCheckpointID int64 = 1<<63 - 1

func (o *Orchestrator) lookup(operationID string) (*drivenInstance, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	d, ok := o.instances[operationID]
	if !ok {
		return nil, core.NewEngineError("orchestrator.lookup", core.KindInvalidTransition, operationID, "no active driver for operation", core.ErrOperationNotFound)
	}
	return d, nil
}

func (o *Orchestrator) sendCommand(ctx context.Context, operationID string, cmd command) error {
	d, err := o.lookup(operationID)
	if err != nil {
		return err
	}
	cmd.done = make(chan error, 1)
	select {
	case d.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.driverDone:
		return core.NewEngineError("orchestrator.sendCommand", core.KindInvalidTransition, operationID, "operation already terminal", core.ErrAlreadyTerminal)
	}
	select {
	case err := <-cmd.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.driverDone:
		return nil
	}
}

// Pause requests a pause: a state_snapshot checkpoint is written before
// the driver stops dispatching new batches; in-flight steps are allowed
// to finish.
func (o *Orchestrator) Pause(ctx context.Context, operationID, reason string) error {
	return o.sendCommand(ctx, operationID, command{kind: cmdPause, reason: reason})
}

// Resume requests a resume, optionally restoring OperationState from
// checkpointID first.
func (o *Orchestrator) Resume(ctx context.Context, operationID string, checkpointID int64, hasCheckpoint bool) error {
	return o.sendCommand(ctx, operationID, command{kind: cmdResume, checkpointID: checkpointID, hasCheckpt: hasCheckpoint})
}

// Cancel requests cancellation, optionally compensating completed steps
// and optionally forcing (not waiting for in-flight steps to settle).
func (o *Orchestrator) Cancel(ctx context.Context, operationID, reason string, compensate, force bool) error {
	return o.sendCommand(ctx, operationID, command{kind: cmdCancel, reason: reason, compensate: compensate, force: force})
}

// CreateCheckpoint takes an explicit, on-demand checkpoint of the current
// OperationState without affecting the driver's own schedule.
func (o *Orchestrator) CreateCheckpoint(ctx context.Context, operationID string, cpType core.CheckpointType, stepID string) (int64, error) {
	inst, err := o.deps.Store.GetWorkflowInstance(ctx, operationID)
	if err != nil {
		return 0, err
	}
	return o.snapshot(ctx, inst.State, cpType, stepID)
}

func (o *Orchestrator) snapshot(ctx context.Context, state core.OperationState, cpType core.CheckpointType, stepID string) (int64, error) {
	cp := core.Checkpoint{
		OperationID: state.OperationID,
		StepID:      stepID,
		Type:        cpType,
		Timestamp:   time.Now(),
		Data: core.CheckpointData{
			Variables:      copyVariables(state.Variables),
			CompletedSteps: keysOf(state.CompletedSteps),
			FailedSteps:    keysOf(state.FailedSteps),
			CurrentStep:    state.CurrentStep,
		},
	}
	id, err := o.deps.Store.SaveCheckpoint(ctx, cp)
	if err != nil {
		return 0, err
	}
	telemetry.Counter("orchestrator.checkpoint.created", "module", telemetry.ModuleOrchestrator)
	o.emit(ctx, state.OperationID, core.EventCheckpointCreated, map[string]interface{}{"checkpoint_id": id, "type": string(cpType)})
	return id, nil
}

func copyVariables(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func keysOf(in map[string]struct{}) []string {
	out := make([]string, 0, len(in))
	for k := range in {
		out = append(out, k)
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

// drive is the per-operation main loop: it runs op to a terminal status,
// persisting state via CAS after every mutation and emitting lifecycle
// events to the bus. completionOrder tracks the actual order steps
// finished in, oldest first, so a failure can compensate in exact reverse
// order.
func (o *Orchestrator) drive(ctx context.Context, op *core.Operation, d *drivenInstance, inst *core.WorkflowInstance) {
	defer func() {
		o.mu.Lock()
		delete(o.instances, d.operationID)
		o.mu.Unlock()
		close(d.driverDone)
	}()

	now := time.Now()
	_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusRunning, &now, nil)
	o.emit(ctx, op.ID, core.EventOperationStarted, nil)

	version := inst.Version
	state := inst.State
	stepsSinceCheckpoint := 0
	var completionOrder []string
	paused := false

	for {
		select {
		case cmd := <-d.cmds:
			cont := o.handleCommand(ctx, op, d, &state, &version, &paused, completionOrder, cmd)
			if !cont {
				return
			}
			continue
		default:
		}

		if paused {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		running := map[string]struct{}{}
		d.mu.Lock()
		for id := range d.runningSteps {
			running[id] = struct{}{}
		}
		d.mu.Unlock()

		batches, newlySkipped := o.deps.Analyzer.ReadySet(op.Plan, state, running)
		if len(newlySkipped) > 0 {
			for _, id := range newlySkipped {
				state.SkippedSteps[id] = struct{}{}
			}
			version = o.persistState(ctx, op.ID, version, state)
			continue
		}

		if len(batches) == 0 {
			if planner.IsComplete(op.Plan, state) {
				o.completeOperation(ctx, op, state, version)
				return
			}
			o.failOperation(ctx, op, d, state, version, completionOrder, core.KindDeadlock, "no ready steps but plan is incomplete")
			return
		}

		batch := batches[0]
		var results map[string]core.StepResult
		if batch.Group == nil {
			r := o.dispatchSingle(ctx, d, op, batch.Steps[0], state)
			results = map[string]core.StepResult{batch.Steps[0].ID: r}
		} else {
			results = o.dispatchGroup(ctx, d, op, *batch.Group, batch.Steps, state)
		}

		var fatalStepID string
		var fatalKind core.Kind
		for _, step := range batch.Steps {
			r, ok := results[step.ID]
			if !ok {
				continue
			}
			state.Variables = mergeVariables(state.Variables, r.Data)
			_ = o.deps.Store.SaveStepResult(ctx, d.instanceID, r)

			switch r.Status {
			case core.StepStatusCompleted:
				state.CompletedSteps[step.ID] = struct{}{}
				completionOrder = append(completionOrder, step.ID)
				o.emit(ctx, op.ID, core.EventStepCompleted, map[string]interface{}{"step_id": step.ID, "attempts": r.Attempts})
			case core.StepStatusFailed:
				state.FailedSteps[step.ID] = struct{}{}
				o.emit(ctx, op.ID, core.EventStepFailed, map[string]interface{}{"step_id": step.ID, "kind": string(r.ErrorKind)})
				if fatalStepID == "" && o.shouldFailOperation(op.Plan, state, step.ID, batch.Group) {
					fatalStepID, fatalKind = step.ID, r.ErrorKind
				}
			}
		}

		stepIsDelay := batch.Group == nil && batch.Steps[0].Type == core.StepDelay
		version = o.persistState(ctx, op.ID, version, state)
		if !stepIsDelay {
			stepsSinceCheckpoint++
			_, _ = o.snapshot(ctx, state, core.CheckpointProgressMarker, firstStepID(batch.Steps))
			if o.deps.Config.CheckpointEveryNSteps > 0 && stepsSinceCheckpoint >= o.deps.Config.CheckpointEveryNSteps {
				stepsSinceCheckpoint = 0
				_, _ = o.snapshot(ctx, state, core.CheckpointRecoveryPoint, firstStepID(batch.Steps))
			}
		}

		if fatalStepID != "" {
			if fatalKind == "" {
				fatalKind = core.KindStepFatal
			}
			o.failOperation(ctx, op, d, state, version, completionOrder, fatalKind, fmt.Sprintf("step %q failed fatally", fatalStepID))
			return
		}
	}
}

// handleCommand processes one pause/resume/cancel request. It returns
// false when the driver loop must exit (cancel was processed).
func (o *Orchestrator) handleCommand(ctx context.Context, op *core.Operation, d *drivenInstance, state *core.OperationState, version *int64, paused *bool, completionOrder []string, cmd command) bool {
	switch cmd.kind {
	case cmdPause:
		if *paused {
			cmd.done <- core.NewEngineError("orchestrator.Pause", core.KindInvalidTransition, op.ID, "already paused", core.ErrInvalidTransition)
			return true
		}
		_, _ = o.snapshot(ctx, *state, core.CheckpointStateSnapshot, "")
		*paused = true
		_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusPaused, nil, nil)
		o.emit(ctx, op.ID, core.EventOperationPaused, map[string]interface{}{"reason": cmd.reason})
		cmd.done <- nil
		return true

	case cmdResume:
		if !*paused {
			cmd.done <- core.NewEngineError("orchestrator.Resume", core.KindInvalidTransition, op.ID, "not paused", core.ErrNotPaused)
			return true
		}
		if cmd.hasCheckpt {
			cp, err := o.deps.Store.GetCheckpoint(ctx, op.ID, cmd.checkpointID)
			if err != nil {
				cmd.done <- err
				return true
			}
			state.Variables = copyVariables(cp.Data.Variables)
			state.CompletedSteps = toSet(cp.Data.CompletedSteps)
			state.FailedSteps = toSet(cp.Data.FailedSteps)
			*version = o.persistState(ctx, op.ID, *version, *state)
		}
		*paused = false
		_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusRunning, nil, nil)
		o.emit(ctx, op.ID, core.EventOperationResumed, nil)
		cmd.done <- nil
		return true

	case cmdCancel:
		if !cmd.force {
			d.mu.Lock()
			n := len(d.runningSteps)
			d.mu.Unlock()
			_ = n // in-flight steps are allowed to settle naturally; the driver does not block here
		} else {
			d.mu.Lock()
			for _, cancel := range d.runningSteps {
				cancel()
			}
			d.mu.Unlock()
		}
		if cmd.compensate {
			o.runCompensation(ctx, op, *state, completionOrder)
		}
		now := time.Now()
		_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusCancelled, nil, &now)
		o.emit(ctx, op.ID, core.EventOperationCancelled, map[string]interface{}{"reason": cmd.reason, "compensated": cmd.compensate})
		cmd.done <- nil
		return false
	}
	cmd.done <- nil
	return true
}

func (o *Orchestrator) runCompensation(ctx context.Context, op *core.Operation, state core.OperationState, completionOrder []string) []compensation.Outcome {
	if o.deps.Compensation == nil {
		return nil
	}
	results, _ := o.deps.Store.GetStepResults(ctx, op.ID+"-instance")
	byID := make(map[string]core.StepResult, len(results))
	for _, r := range results {
		byID[r.StepID] = r
	}
	outcomes := o.deps.Compensation.Compensate(ctx, op.Plan, completionOrder, byID)
	if compensation.AnyFailed(outcomes) {
		telemetry.Counter("orchestrator.compensation.partial_failure", "module", telemetry.ModuleOrchestrator)
	}
	return outcomes
}

func (o *Orchestrator) completeOperation(ctx context.Context, op *core.Operation, state core.OperationState, version int64) {
	now := time.Now()
	_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusCompleted, nil, &now)
	o.emit(ctx, op.ID, core.EventOperationCompleted, map[string]interface{}{
		"completed_steps": keysOf(state.CompletedSteps),
	})
	telemetry.Counter("orchestrator.operation.completed", "module", telemetry.ModuleOrchestrator)
}

func (o *Orchestrator) failOperation(ctx context.Context, op *core.Operation, d *drivenInstance, state core.OperationState, version int64, completionOrder []string, kind core.Kind, msg string) {
	hasCompensable := false
	for _, s := range op.Plan.Steps {
		if _, done := state.CompletedSteps[s.ID]; done && s.Compensation != nil {
			hasCompensable = true
			break
		}
	}

	if hasCompensable {
		_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusCompensating, nil, nil)
		_, _ = o.snapshot(ctx, state, core.CheckpointStateSnapshot, "")
		o.runCompensation(ctx, op, state, completionOrder)
	}

	now := time.Now()
	_ = o.deps.Store.UpdateOperation(ctx, op.ID, core.StatusFailed, nil, &now)
	o.emit(ctx, op.ID, core.EventOperationFailed, map[string]interface{}{"kind": string(kind), "message": msg})
	telemetry.Counter("orchestrator.operation.failed", "module", telemetry.ModuleOrchestrator)
}

// dispatchSingle runs one step to completion (including its own internal
// retries), tracking its cancel func so a force-cancel or an any_success
// group sibling finishing first can cooperatively abort it.
func (o *Orchestrator) dispatchSingle(ctx context.Context, d *drivenInstance, op *core.Operation, step core.ExecutionStep, state core.OperationState) core.StepResult {
	stepCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.runningSteps[step.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.runningSteps, step.ID)
		d.mu.Unlock()
		cancel()
	}()

	o.emit(ctx, op.ID, core.EventStepStarted, map[string]interface{}{"step_id": step.ID})

	fallback := step.RetryPolicy
	if fallback.MaxAttempts == 0 && fallback.BaseDelay == 0 {
		fallback = o.deps.Config.DefaultRetryPolicy
	}

	result := o.deps.Runner.Run(stepCtx, step, state.Variables, fallback)

	if stepCtx.Err() == context.Canceled && result.Status != core.StepStatusCompleted {
		result.Status = core.StepStatusFailed
		result.ErrorKind = core.KindStepCancelled
		if len(result.Errors) == 0 {
			result.Errors = []string{"step cancelled"}
		}
	}
	return result
}

// dispatchGroup runs steps under group's execution and failure policies,
// bounded to group.MaxConcurrency concurrent members.
func (o *Orchestrator) dispatchGroup(ctx context.Context, d *drivenInstance, op *core.Operation, group core.ParallelGroup, steps []core.ExecutionStep, state core.OperationState) map[string]core.StepResult {
	results := make(map[string]core.StepResult, len(steps))
	var mu sync.Mutex

	groupCtx, groupCancel := context.WithCancel(ctx)
	defer groupCancel()

	maxConc := group.MaxConcurrency
	if maxConc < 1 {
		maxConc = len(steps)
	}
	sem := make(chan struct{}, maxConc)

	var wg sync.WaitGroup
	successSeen := false
	fatalSeen := false

	runOne := func(step core.ExecutionStep) {
		defer wg.Done()
		sem <- struct{}{}
		defer func() { <-sem }()

		mu.Lock()
		skip := (group.ExecutionPolicy == core.PolicyAnySuccess && successSeen) ||
			(fatalSeen && group.FailurePolicy == core.FailFast)
		mu.Unlock()
		if skip {
			return
		}

		r := o.dispatchSingle(groupCtx, d, op, step, state)

		mu.Lock()
		results[step.ID] = r
		switch {
		case r.Status == core.StepStatusCompleted && group.ExecutionPolicy == core.PolicyAnySuccess:
			successSeen = true
			mu.Unlock()
			groupCancel()
			mu.Lock()
		case r.Status == core.StepStatusFailed && group.FailurePolicy == core.FailFast:
			fatalSeen = true
			mu.Unlock()
			groupCancel()
			mu.Lock()
		}
		mu.Unlock()
	}

	for _, step := range steps {
		wg.Add(1)
		go runOne(step)
	}
	wg.Wait()

	if group.FailurePolicy == core.RetryFailed {
		var retryWg sync.WaitGroup
		for _, step := range steps {
			r, ok := results[step.ID]
			if !ok || r.Status != core.StepStatusFailed {
				continue
			}
			retryWg.Add(1)
			go func(s core.ExecutionStep) {
				defer retryWg.Done()
				sem <- struct{}{}
				defer func() { <-sem }()
				retried := o.dispatchSingle(ctx, d, op, s, state)
				mu.Lock()
				results[s.ID] = retried
				mu.Unlock()
			}(step)
		}
		retryWg.Wait()
	}

	for _, step := range steps {
		if _, ok := results[step.ID]; !ok {
			results[step.ID] = core.StepResult{
				StepID:    step.ID,
				Status:    core.StepStatusFailed,
				ErrorKind: core.KindStepCancelled,
				Errors:    []string{"cancelled: a sibling outcome already resolved the group"},
				StartTime: time.Now(),
				EndTime:   time.Now(),
			}
		}
	}

	return results
}

// shouldFailOperation implements the engine's failure-propagation policy: a
// fatally failed step fails the whole operation if the step was mandatory
// for success (Required — a CompensationStep only governs whether its side
// effects can be unwound, not whether the operation tolerates the
// failure), if every remaining pending step depends on it transitively (no
// alternative path to completion exists without it), or if its group's
// failure policy demands immediate propagation.
func (o *Orchestrator) shouldFailOperation(plan core.ExecutionPlan, state core.OperationState, stepID string, group *core.ParallelGroup) bool {
	step, ok := stepByID(plan, stepID)
	if !ok {
		return true
	}
	if step.Required {
		return true
	}
	if group != nil && group.FailurePolicy == core.FailFast {
		return true
	}
	return isOnNoAlternativeCriticalPath(plan, state, stepID)
}

func stepByID(plan core.ExecutionPlan, id string) (core.ExecutionStep, bool) {
	for _, s := range plan.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return core.ExecutionStep{}, false
}

func isTerminalStep(state core.OperationState, id string) bool {
	_, c := state.CompletedSteps[id]
	_, f := state.FailedSteps[id]
	_, s := state.SkippedSteps[id]
	return c || f || s
}

// ancestorsOf returns every step id stepID transitively depends on.
func ancestorsOf(plan core.ExecutionPlan, stepID string) map[string]struct{} {
	dependsOn := map[string][]string{}
	for _, d := range plan.Dependencies {
		dependsOn[d.StepID] = append(dependsOn[d.StepID], d.DependsOn...)
	}
	visited := map[string]struct{}{}
	stack := append([]string{}, dependsOn[stepID]...)
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[cur]; seen {
			continue
		}
		visited[cur] = struct{}{}
		stack = append(stack, dependsOn[cur]...)
	}
	return visited
}

func isOnNoAlternativeCriticalPath(plan core.ExecutionPlan, state core.OperationState, stepID string) bool {
	anyPending := false
	for _, s := range plan.Steps {
		if s.ID == stepID || isTerminalStep(state, s.ID) {
			continue
		}
		anyPending = true
		ancestors := ancestorsOf(plan, s.ID)
		if _, depends := ancestors[stepID]; !depends {
			return false
		}
	}
	return anyPending
}

func firstStepID(steps []core.ExecutionStep) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[0].ID
}

func mergeVariables(base, overlay map[string]interface{}) map[string]interface{} {
	if overlay == nil {
		return base
	}
	out := base
	if out == nil {
		out = map[string]interface{}{}
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// persistState commits state via CAS, retrying up to CASRetryBound times
// against concurrent external mutation (e.g. a resume racing the driver's
// own write) before giving up and returning the last version observed.
func (o *Orchestrator) persistState(ctx context.Context, operationID string, version int64, state core.OperationState) int64 {
	for attempt := 0; attempt < o.deps.Config.CASRetryBound; attempt++ {
		newVersion, err := o.deps.Store.UpdateState(ctx, operationID, version, func(s *core.OperationState) {
			*s = state
		})
		if err == nil {
			return newVersion
		}
		if !core.IsKind(err, core.KindStateConflict) {
			o.deps.Logger.Error("persistState failed", map[string]interface{}{"operation_id": operationID, "error": err.Error()})
			return version
		}
		inst, getErr := o.deps.Store.GetWorkflowInstance(ctx, operationID)
		if getErr != nil {
			return version
		}
		version = inst.Version
	}
	o.deps.Logger.Error("persistState: CAS retry bound exceeded", map[string]interface{}{"operation_id": operationID})
	return version
}

func (o *Orchestrator) emit(ctx context.Context, operationID string, evtType core.EventType, data map[string]interface{}) {
	o.deps.Bus.Publish(ctx, core.OperationEvent{
		OperationID: operationID,
		EventType:   evtType,
		Data:        data,
		Timestamp:   time.Now(),
		Source:      "orchestrator",
	})
}
