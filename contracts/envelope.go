package contracts

import (
	"time"
)

// WireFormat identifies which payload shape a TransportMessage was read from
// or should be written as.
type WireFormat int

const (
	// FormatNative carries only Headers, Body and S3BodyKey.
	FormatNative WireFormat = iota
	// FormatCompatibility additionally embeds TimeToBeReceived and ReplyToAddress.
	FormatCompatibility
)

func (f WireFormat) String() string {
	switch f {
	case FormatNative:
		return "native"
	case FormatCompatibility:
		return "compatibility"
	default:
		return "unknown"
	}
}

// Address is a reply destination.
type Address struct {
	Queue   string `json:"Queue"`
	Machine string `json:"Machine"`
}

// TransportMessage is the envelope for one message on the wire.
//
// TimeToBeReceived and ReplyToAddress are views over Headers: setting them
// writes or removes the corresponding header, reading them falls back to the
// defaults when the header is absent.
type TransportMessage struct {
	ID        string
	Headers   map[string]string
	Body      string
	S3BodyKey string

	// replyMachine is only carried by the compatibility shape; the header
	// holds the queue alone.
	replyMachine string
	format       WireFormat
}

// NewTransportMessage returns an empty envelope with initialized headers.
func NewTransportMessage() *TransportMessage {
	return &TransportMessage{Headers: make(map[string]string)}
}

// Format reports the wire shape the message was decoded from.
func (m *TransportMessage) Format() WireFormat {
	return m.format
}

// SetFormat records the wire shape of the message.
func (m *TransportMessage) SetFormat(f WireFormat) {
	m.format = f
}

// TimeToBeReceived returns the TTL header, or the never-expires value when unset.
func (m *TransportMessage) TimeToBeReceived() string {
	if v, ok := m.Headers[HeaderTimeToBeReceived]; ok {
		return v
	}
	return NeverExpiresString
}

// SetTimeToBeReceived writes the TTL header. An empty value removes it.
func (m *TransportMessage) SetTimeToBeReceived(v string) {
	m.ensureHeaders()
	if v == "" {
		delete(m.Headers, HeaderTimeToBeReceived)
		return
	}
	m.Headers[HeaderTimeToBeReceived] = v
}

// TimeToBeReceivedDuration parses TimeToBeReceived. Unparseable values are
// treated as never expiring.
func (m *TransportMessage) TimeToBeReceivedDuration() time.Duration {
	d, err := ParseTimeSpan(m.TimeToBeReceived())
	if err != nil {
		return NeverExpires
	}
	return d
}

// ReplyToAddress returns the reply address, or nil when the header is absent.
func (m *TransportMessage) ReplyToAddress() *Address {
	queue, ok := m.Headers[HeaderReplyToAddress]
	if !ok {
		return nil
	}
	return &Address{Queue: queue, Machine: m.replyMachine}
}

// SetReplyToAddress writes the reply header. A nil address removes it.
func (m *TransportMessage) SetReplyToAddress(addr *Address) {
	m.ensureHeaders()
	if addr == nil {
		delete(m.Headers, HeaderReplyToAddress)
		m.replyMachine = ""
		return
	}
	m.Headers[HeaderReplyToAddress] = addr.Queue
	m.replyMachine = addr.Machine
}

// HasOffloadedBody reports whether the body lives in blob storage.
func (m *TransportMessage) HasOffloadedBody() bool {
	return m.S3BodyKey != ""
}

func (m *TransportMessage) ensureHeaders() {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
}
