package messaging

import (
	"encoding/base64"
	"os"

	"github.com/glimte/mmate-sqs/contracts"
)

// EnvelopeOption configures an EnvelopeFactory.
type EnvelopeOption func(*EnvelopeFactory)

// WithMachineName sets the host recorded in reply addresses.
func WithMachineName(name string) EnvelopeOption {
	return func(f *EnvelopeFactory) {
		f.machineName = name
	}
}

// WithDefaultHeaders adds headers to every envelope. Message headers win on conflict.
func WithDefaultHeaders(headers map[string]string) EnvelopeOption {
	return func(f *EnvelopeFactory) {
		for k, v := range headers {
			f.defaultHeaders[k] = v
		}
	}
}

// EnvelopeFactory builds TransportMessages from outgoing application messages.
type EnvelopeFactory struct {
	defaultHeaders map[string]string
	machineName    string
}

// NewEnvelopeFactory creates a factory. The machine name defaults to the local hostname.
func NewEnvelopeFactory(opts ...EnvelopeOption) *EnvelopeFactory {
	f := &EnvelopeFactory{
		defaultHeaders: make(map[string]string),
	}
	if host, err := os.Hostname(); err == nil {
		f.machineName = host
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// CreateTransportMessage builds the envelope for msg.
//
// TTL resolution: the dispatch override, else an existing TTL header, else the
// never-expires default (which is implied and not written). The reply address
// is taken from the reply header when present. A non-empty MessageID replaces
// any message id header so the id read back always matches.
func (f *EnvelopeFactory) CreateTransportMessage(msg contracts.OutgoingMessage, props contracts.DispatchProperties) *contracts.TransportMessage {
	tm := contracts.NewTransportMessage()
	for k, v := range f.defaultHeaders {
		tm.Headers[k] = v
	}
	for k, v := range msg.Headers {
		tm.Headers[k] = v
	}

	if msg.MessageID != "" {
		tm.Headers[contracts.HeaderMessageID] = msg.MessageID
	}
	tm.ID = tm.Headers[contracts.HeaderMessageID]

	tm.Body = EncodeBody(msg.Body)

	if props.HasTimeToBeReceived() {
		tm.SetTimeToBeReceived(contracts.FormatTimeSpan(props.DiscardIfNotReceivedBefore))
	}

	if queue, ok := msg.Headers[contracts.HeaderReplyToAddress]; ok {
		tm.SetReplyToAddress(&contracts.Address{Queue: queue, Machine: f.machineName})
	}

	return tm
}

// EncodeBody renders body bytes as the inline wire string.
func EncodeBody(body []byte) string {
	if len(body) == 0 {
		return contracts.EmptyBodyMarker
	}
	return base64.StdEncoding.EncodeToString(body)
}
