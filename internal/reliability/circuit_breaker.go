package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency (a queue endpoint or the
// blob store) until a cool-down has passed.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastFailureTime time.Time
	now             func() time.Time

	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenRequests int
	name             string
	logger           *slog.Logger
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets how many consecutive failures open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.failureThreshold = threshold
	}
}

// WithSuccessThreshold sets how many half-open successes close the circuit
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.successThreshold = threshold
	}
}

// WithTimeout sets how long the circuit stays open
func WithTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.timeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.halfOpenRequests = requests
	}
}

// WithName sets the name used in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithBreakerLogger sets the logger for state transitions
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		timeout:          30 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open.
// Context errors returned by fn do not count as failures.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := cb.acquire(); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		cb.release()
		return err
	}

	err := fn()
	if err != nil && ctx.Err() != nil {
		cb.release()
		return err
	}
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the breaker name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Reset closes the circuit and clears counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.timeout)
		if !cb.now().Before(nextRetry) {
			cb.transition(StateHalfOpen, "timeout expired")
			cb.halfOpenCalls++
			return nil
		}
		return &CircuitBreakerError{
			Name:             cb.name,
			State:            cb.state,
			Failures:         cb.failures,
			FailureThreshold: cb.failureThreshold,
			NextRetry:        nextRetry,
		}

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenRequests {
			return &CircuitBreakerError{
				Name:             cb.name,
				State:            cb.state,
				Failures:         cb.failures,
				FailureThreshold: cb.failureThreshold,
				NextRetry:        cb.now().Add(cb.timeout),
			}
		}
		cb.halfOpenCalls++
		return nil

	default:
		return ErrUnknownState
	}
}

// release gives back a half-open probe slot without recording an outcome.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen, "failure threshold reached")
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "probe failed")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		cb.halfOpenCalls--
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed, "success threshold reached")
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.halfOpenCalls = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if from != to {
		cb.logger.Info("circuit breaker state changed",
			"name", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason,
		)
	}
}
