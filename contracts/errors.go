package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedEnvelope marks a payload that cannot be read as an envelope.
	// Such messages are poison and must not be retried.
	ErrMalformedEnvelope = errors.New("contracts: malformed envelope")

	// ErrBodyRetrieval marks a failed fetch of an offloaded body.
	ErrBodyRetrieval = errors.New("contracts: body retrieval failed")

	// ErrRetrievalCancelled is returned when a body fetch was aborted by its context.
	ErrRetrievalCancelled = errors.New("contracts: body retrieval cancelled")
)

// MalformedEnvelopeError describes why a payload was rejected.
type MalformedEnvelopeError struct {
	Reason string
	Err    error
}

func (e *MalformedEnvelopeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed envelope: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed envelope: %s", e.Reason)
}

func (e *MalformedEnvelopeError) Unwrap() error {
	return e.Err
}

func (e *MalformedEnvelopeError) Is(target error) bool {
	return target == ErrMalformedEnvelope
}

// BodyRetrievalError reports a failed fetch of an offloaded body.
type BodyRetrievalError struct {
	Key       string
	MessageID string
	Err       error
}

func (e *BodyRetrievalError) Error() string {
	return fmt.Sprintf("body retrieval failed for message %s (key %s): %v", e.MessageID, e.Key, e.Err)
}

func (e *BodyRetrievalError) Unwrap() error {
	return e.Err
}

func (e *BodyRetrievalError) Is(target error) bool {
	return target == ErrBodyRetrieval
}

// IsPoison reports whether err means the message can never be processed.
func IsPoison(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope)
}
