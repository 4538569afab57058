package sqs

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMessageTooLarge is returned when a message exceeds the payload limit and no body store is configured
	ErrMessageTooLarge = errors.New("sqs: message exceeds maximum payload size")
	// ErrDelayTooLong is returned for a delivery delay above the queue maximum
	ErrDelayTooLong = errors.New("sqs: delivery delay exceeds maximum")
	// ErrMissingDestination is returned for an operation without a queue URL
	ErrMissingDestination = errors.New("sqs: operation has no destination")
	// ErrMessageExpired is returned by Receive for a message past its time to be received
	ErrMessageExpired = errors.New("sqs: message expired before it was received")
)

// FailedEntry is one message the queue refused
type FailedEntry struct {
	EntryID     string
	MessageID   string
	Code        string
	Message     string
	SenderFault bool
}

// BatchSendError reports the messages of one batch that could not be sent
type BatchSendError struct {
	Destination string
	Failed      []FailedEntry
}

func (e *BatchSendError) Error() string {
	ids := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		ids = append(ids, fmt.Sprintf("%s (%s)", f.MessageID, f.Code))
	}
	return fmt.Sprintf("sqs: %d message(s) not sent to %s: %s", len(e.Failed), e.Destination, strings.Join(ids, ", "))
}

// SendError wraps a failed request to a queue
type SendError struct {
	Op          string
	Destination string
	MessageIDs  []string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sqs: %s to %s failed for %d message(s): %v", e.Op, e.Destination, len(e.MessageIDs), e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// PoisonMessageError is returned by Receive for a message that can never be processed
type PoisonMessageError struct {
	NativeMessageID string
	ErrorQueue      string
	Routed          bool
	Err             error
}

func (e *PoisonMessageError) Error() string {
	if e.Routed {
		return fmt.Sprintf("sqs: poison message %s moved to %s: %v", e.NativeMessageID, e.ErrorQueue, e.Err)
	}
	return fmt.Sprintf("sqs: poison message %s: %v", e.NativeMessageID, e.Err)
}

func (e *PoisonMessageError) Unwrap() error {
	return e.Err
}
