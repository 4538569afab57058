package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every CircuitBreakerError
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
	// ErrUnknownState is returned for a corrupted breaker state
	ErrUnknownState = errors.New("circuit breaker: unknown state")
)

// CircuitBreakerError is returned when a breaker refuses a call
type CircuitBreakerError struct {
	Name             string
	State            State
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Second)
		return fmt.Sprintf("circuit breaker %s open (failures=%d/%d, retry in %v)",
			e.Name, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: probe limit reached", e.Name)
	default:
		return fmt.Sprintf("circuit breaker %s refused call in state %v", e.Name, e.State)
	}
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
