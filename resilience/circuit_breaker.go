package resilience

import (
	"sync"
	"time"

	"github.com/kaironflow/opscore/core"
)

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker guarding calls into the
// external Step Executor.
type CircuitBreakerConfig struct {
	Name             string
	FailureThreshold int           // consecutive failures before opening
	SleepWindow      time.Duration // time in open before trying half-open
	HalfOpenProbes   int           // successes needed in half-open to close
	Logger           core.Logger
}

// DefaultCircuitBreakerConfig returns sane defaults.
func DefaultCircuitBreakerConfig(name string) *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SleepWindow:      30 * time.Second,
		HalfOpenProbes:   2,
		Logger:           core.NoOpLogger{},
	}
}

// CircuitBreaker is a minimal consecutive-failure breaker: it exists so a
// flapping external Step Executor stops being hammered with retries while
// it recovers, rather than to replace the Resource Gate's admission
// control.
type CircuitBreaker struct {
	mu sync.Mutex

	cfg *CircuitBreakerConfig

	state           CircuitState
	consecutiveFail int
	halfOpenSucc    int
	openedAt        time.Time
}

// NewCircuitBreaker creates a closed CircuitBreaker.
func NewCircuitBreaker(cfg *CircuitBreakerConfig) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultCircuitBreakerConfig("default")
	}
	if cfg.Logger == nil {
		cfg.Logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// CanExecute reports whether a call should be attempted right now,
// transitioning Open -> HalfOpen once the sleep window has elapsed.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.SleepWindow {
			cb.transition(StateHalfOpen)
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess reports a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.halfOpenSucc++
		if cb.halfOpenSucc >= cb.cfg.HalfOpenProbes {
			cb.transition(StateClosed)
		}
	case StateClosed:
		cb.consecutiveFail = 0
	}
}

// RecordFailure reports a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.transition(StateOpen)
	case StateClosed:
		cb.consecutiveFail++
		if cb.consecutiveFail >= cb.cfg.FailureThreshold {
			cb.transition(StateOpen)
		}
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	cb.consecutiveFail = 0
	cb.halfOpenSucc = 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if from != to {
		cb.cfg.Logger.Info("circuit breaker state change", map[string]interface{}{
			"name": cb.cfg.Name,
			"from": from.String(),
			"to":   to.String(),
		})
	}
}
