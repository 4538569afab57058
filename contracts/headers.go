package contracts

// Well-known header keys shared with the rest of the transport.
const (
	HeaderMessageID        = "x-message-id"
	HeaderContentType      = "x-content-type"
	HeaderReplyToAddress   = "x-reply-to-address"
	HeaderTimeToBeReceived = "x-time-to-be-received"
)

// Queue message attribute names used by the native envelope.
const (
	AttributeTimeToBeReceived = HeaderTimeToBeReceived
	AttributeReplyToAddress   = HeaderReplyToAddress
	AttributeMessageID        = HeaderMessageID
)

// EmptyBodyMarker is written in place of an empty body.
const EmptyBodyMarker = "empty message"
