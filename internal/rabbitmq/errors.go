package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// Connection errors
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrChannelPoolClosed   = errors.New("rabbitmq: channel pool is closed")
	ErrPublisherClosed     = errors.New("rabbitmq: publisher is closed")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrInvalidQueueURL      = errors.New("rabbitmq: invalid queue url")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// PublishError is returned by SendMessage when the broker did not accept the message
type PublishError struct {
	Queue string
	Code  string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: %s to queue %s: %v", e.Code, e.Queue, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// SanitizeURL removes the password from an AMQP URL for logging
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
