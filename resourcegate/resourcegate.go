// Package resourcegate implements atomic four-dimension admission control
// (memory, CPU, wall-clock duration budget, concurrency slots) over the
// engine's pool of capacity, grounded on the gomind framework's
// resource-pool accounting pattern: a single mutex guards a small ledger
// of reserved-vs-total counters, and every admission decision is made and
// recorded in one critical section so two concurrent submissions can
// never both observe spare capacity and both be admitted.
package resourcegate

import (
	"context"
	"sync"
	"time"

	"github.com/kaironflow/opscore/core"
	"github.com/kaironflow/opscore/telemetry"
)

// Lease is the receipt for one admitted Operation's reservation. Release
// is idempotent: releasing an already-released Lease is a no-op.
type Lease struct {
	OperationID string
	Limits      core.ResourceLimits
	grantedAt   time.Time

	mu       sync.Mutex
	released bool
}

// Pending describes a request still waiting on capacity, used by
// AdmissionPolicy implementations to decide ordering.
type Pending struct {
	OperationID string
	Priority    core.Priority
	Limits      core.ResourceLimits
	QueuedAt    time.Time
}

// AdmissionPolicy decides, given the currently waiting requests and
// available headroom, which pending request (if any) should be admitted
// next. The gate calls it only when capacity was just freed or a new
// request arrives with immediate headroom.
type AdmissionPolicy interface {
	// SelectNext returns the index into waiting to admit next, or -1 if
	// none of the waiting requests fit within headroom.
	SelectNext(waiting []Pending, headroom core.ResourceLimits) int
}

// StrictPriorityPolicy admits the oldest request at the highest priority
// tier that fits within headroom — the engine's default, per the design's
// resolution of the open question on tie-breaking semantics.
type StrictPriorityPolicy struct{}

var priorityRank = map[core.Priority]int{
	core.PriorityCritical: 0,
	core.PriorityHigh:     1,
	core.PriorityNormal:   2,
	core.PriorityLow:      3,
}

func (StrictPriorityPolicy) SelectNext(waiting []Pending, headroom core.ResourceLimits) int {
	best := -1
	for i, p := range waiting {
		if !fits(p.Limits, headroom) {
			continue
		}
		if best == -1 {
			best = i
			continue
		}
		bi, pi := waiting[best], p
		if priorityRank[pi.Priority] < priorityRank[bi.Priority] {
			best = i
		} else if priorityRank[pi.Priority] == priorityRank[bi.Priority] && pi.QueuedAt.Before(bi.QueuedAt) {
			best = i
		}
	}
	return best
}

func fits(req, headroom core.ResourceLimits) bool {
	return req.MaxMemoryMB <= headroom.MaxMemoryMB &&
		req.MaxCPUMillis <= headroom.MaxCPUMillis &&
		req.MaxDuration <= headroom.MaxDuration &&
		req.MaxConcurrency <= headroom.MaxConcurrency
}

// Config bounds the gate's total pool. TotalDurationBudget is the total
// wall-clock duration-seconds the gate will allow in flight at once —
// every admitted lease reserves its MaxDuration against this budget for
// as long as it is held, the same way memory and CPU are reserved.
type Config struct {
	TotalMemoryMB        int64
	TotalCPUMillis       int64
	TotalDurationBudget  time.Duration
	TotalConcurrency     int
	Policy               AdmissionPolicy
	Logger               core.Logger
}

// Gate is the Resource Gate: atomic admission against a fixed capacity
// pool, with non-blocking TryAcquire and a blocking Acquire that waits on
// a condition variable signaled by Release.
type Gate struct {
	mu sync.Mutex

	cfg Config

	usedMemoryMB       int64
	usedCPUMillis      int64
	usedDurationBudget time.Duration
	usedConcurrency    int

	waiting  []Pending
	notifyCh chan struct{}
}

// New creates a Gate. A nil Policy defaults to StrictPriorityPolicy.
func New(cfg Config) *Gate {
	if cfg.Policy == nil {
		cfg.Policy = StrictPriorityPolicy{}
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	return &Gate{cfg: cfg, notifyCh: make(chan struct{}, 1)}
}

// unboundedDuration stands in for "no duration budget configured" so
// headroomLocked can report infinite duration headroom without a special
// case in fits.
const unboundedDuration = time.Duration(1<<63 - 1)

func (g *Gate) headroomLocked() core.ResourceLimits {
	durationHeadroom := unboundedDuration
	if g.cfg.TotalDurationBudget > 0 {
		durationHeadroom = g.cfg.TotalDurationBudget - g.usedDurationBudget
	}
	return core.ResourceLimits{
		MaxMemoryMB:    g.cfg.TotalMemoryMB - g.usedMemoryMB,
		MaxCPUMillis:   g.cfg.TotalCPUMillis - g.usedCPUMillis,
		MaxDuration:    durationHeadroom,
		MaxConcurrency: g.cfg.TotalConcurrency - g.usedConcurrency,
	}
}

// TryAcquire attempts to admit limits immediately, returning (lease, true)
// on success or (nil, false) if any of the four gated dimensions (memory,
// CPU, duration budget, concurrency) would be exceeded. A
// TotalDurationBudget of zero disables duration gating (the duration
// headroom is then unbounded, so any MaxDuration fits); the other three
// dimensions have no such zero-disables rule.
func (g *Gate) TryAcquire(operationID string, limits core.ResourceLimits) (*Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !fits(limits, g.headroomLocked()) {
		telemetry.Counter("resourcegate.denied.total", "module", telemetry.ModuleResourceGate)
		return nil, false
	}
	g.usedMemoryMB += limits.MaxMemoryMB
	g.usedCPUMillis += limits.MaxCPUMillis
	g.usedDurationBudget += limits.MaxDuration
	g.usedConcurrency += limits.MaxConcurrency
	telemetry.Counter("resourcegate.admitted.total", "module", telemetry.ModuleResourceGate)
	telemetry.Gauge("resourcegate.used_concurrency", float64(g.usedConcurrency), "module", telemetry.ModuleResourceGate)
	return &Lease{OperationID: operationID, Limits: limits, grantedAt: time.Now()}, true
}

// Acquire blocks until limits can be admitted or ctx is done. Waiting
// requests are tracked so AdmissionPolicy can reorder admission by
// priority rather than strict arrival order.
func (g *Gate) Acquire(ctx context.Context, operationID string, priority core.Priority, limits core.ResourceLimits) (*Lease, error) {
	if lease, ok := g.TryAcquire(operationID, limits); ok {
		return lease, nil
	}

	g.mu.Lock()
	g.waiting = append(g.waiting, Pending{OperationID: operationID, Priority: priority, Limits: limits, QueuedAt: time.Now()})
	g.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			g.removeWaiting(operationID)
			return nil, core.NewEngineError("resourcegate.Acquire", core.KindResourceUnavailable, operationID, "context cancelled while waiting for capacity", ctx.Err())
		case <-g.notifyCh:
		}

		g.mu.Lock()
		idx := g.indexOfWaiting(operationID)
		if idx == -1 {
			g.mu.Unlock()
			continue
		}
		selected := g.cfg.Policy.SelectNext(g.waiting, g.headroomLocked())
		if selected != idx || selected == -1 {
			g.mu.Unlock()
			continue
		}
		p := g.waiting[idx]
		g.waiting = append(g.waiting[:idx], g.waiting[idx+1:]...)
		g.usedMemoryMB += p.Limits.MaxMemoryMB
		g.usedCPUMillis += p.Limits.MaxCPUMillis
		g.usedDurationBudget += p.Limits.MaxDuration
		g.usedConcurrency += p.Limits.MaxConcurrency
		g.mu.Unlock()
		telemetry.Counter("resourcegate.admitted.total", "module", telemetry.ModuleResourceGate)
		return &Lease{OperationID: operationID, Limits: p.Limits, grantedAt: time.Now()}, nil
	}
}

func (g *Gate) indexOfWaiting(operationID string) int {
	for i, p := range g.waiting {
		if p.OperationID == operationID {
			return i
		}
	}
	return -1
}

func (g *Gate) removeWaiting(operationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if idx := g.indexOfWaiting(operationID); idx != -1 {
		g.waiting = append(g.waiting[:idx], g.waiting[idx+1:]...)
	}
}

// Release returns a Lease's reservation to the pool, idempotently, and
// wakes any waiters so they can re-evaluate admission.
func (g *Gate) Release(lease *Lease) {
	if lease == nil {
		return
	}
	lease.mu.Lock()
	if lease.released {
		lease.mu.Unlock()
		return
	}
	lease.released = true
	lease.mu.Unlock()

	g.mu.Lock()
	g.usedMemoryMB -= lease.Limits.MaxMemoryMB
	g.usedCPUMillis -= lease.Limits.MaxCPUMillis
	g.usedDurationBudget -= lease.Limits.MaxDuration
	g.usedConcurrency -= lease.Limits.MaxConcurrency
	hasWaiters := len(g.waiting) > 0
	g.mu.Unlock()

	telemetry.Gauge("resourcegate.used_concurrency", float64(g.usedConcurrency), "module", telemetry.ModuleResourceGate)
	if hasWaiters {
		select {
		case g.notifyCh <- struct{}{}:
		default:
		}
	}
}

// Snapshot reports current usage, total capacity and the number of waiting
// Acquire calls.
func (g *Gate) Snapshot() (used core.ResourceLimits, total core.ResourceLimits, waitingCount int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	used = core.ResourceLimits{MaxMemoryMB: g.usedMemoryMB, MaxCPUMillis: g.usedCPUMillis, MaxDuration: g.usedDurationBudget, MaxConcurrency: g.usedConcurrency}
	total = core.ResourceLimits{MaxMemoryMB: g.cfg.TotalMemoryMB, MaxCPUMillis: g.cfg.TotalCPUMillis, MaxDuration: g.cfg.TotalDurationBudget, MaxConcurrency: g.cfg.TotalConcurrency}
	return used, total, len(g.waiting)
}
