// Package reliability provides the retry and circuit breaker primitives used
// around queue sends and blob store fetches.
//
// Retry runs a function under a RetryPolicy (ExponentialBackoff or
// FixedDelay). Errors wrapped with Permanent, context errors, and errors from
// an open circuit are not retried.
//
// Example usage:
//
//	cb := NewCircuitBreaker(
//	    WithName("orders-queue"),
//	    WithFailureThreshold(5),
//	    WithTimeout(30 * time.Second),
//	)
//
//	err := Retry(ctx, NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2, 3), func() error {
//	    return cb.Execute(ctx, send)
//	})
package reliability
