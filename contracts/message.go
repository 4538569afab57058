package contracts

import (
	"time"
)

// OutgoingMessage is an application message handed to the transport for sending.
type OutgoingMessage struct {
	MessageID string
	Headers   map[string]string
	Body      []byte
}

// NewOutgoingMessage copies headers so later changes by the caller do not leak
// into the envelope.
func NewOutgoingMessage(messageID string, headers map[string]string, body []byte) OutgoingMessage {
	copied := make(map[string]string, len(headers))
	for k, v := range headers {
		copied[k] = v
	}
	return OutgoingMessage{
		MessageID: messageID,
		Headers:   copied,
		Body:      body,
	}
}

// DispatchProperties carries per-send delivery constraints.
// Zero values mean "not requested".
type DispatchProperties struct {
	// DiscardIfNotReceivedBefore overrides the message time to be received.
	DiscardIfNotReceivedBefore time.Duration
	// DelayDeliveryWith postpones visibility of the message on the queue.
	DelayDeliveryWith time.Duration
}

// HasTimeToBeReceived reports whether a TTL override was supplied.
func (p DispatchProperties) HasTimeToBeReceived() bool {
	return p.DiscardIfNotReceivedBefore > 0
}
