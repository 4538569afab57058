package messaging

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/glimte/mmate-sqs/contracts"
)

// wireEnvelope is the JSON payload written to the queue. TimeToBeReceived and
// ReplyToAddress are only populated in compatibility mode.
type wireEnvelope struct {
	Headers          map[string]string  `json:"Headers"`
	Body             *string            `json:"Body"`
	S3BodyKey        *string            `json:"S3BodyKey"`
	TimeToBeReceived *string            `json:"TimeToBeReceived,omitempty"`
	ReplyToAddress   *contracts.Address `json:"ReplyToAddress,omitempty"`
}

// wireProbe keeps every field raw so presence and null can be told apart
// before any typed decoding happens.
type wireProbe struct {
	Headers          json.RawMessage `json:"Headers"`
	Body             json.RawMessage `json:"Body"`
	S3BodyKey        json.RawMessage `json:"S3BodyKey"`
	TimeToBeReceived json.RawMessage `json:"TimeToBeReceived"`
	ReplyToAddress   json.RawMessage `json:"ReplyToAddress"`
}

// SerializerOption configures an EnvelopeSerializer.
type SerializerOption func(*EnvelopeSerializer)

// WithCompatibilityMode embeds TimeToBeReceived and ReplyToAddress as
// top-level fields for older readers.
func WithCompatibilityMode(enabled bool) SerializerOption {
	return func(s *EnvelopeSerializer) {
		s.compatibility = enabled
	}
}

// WithEnvelopeFactory sets the factory used by SerializeMessage.
func WithEnvelopeFactory(f *EnvelopeFactory) SerializerOption {
	return func(s *EnvelopeSerializer) {
		s.factory = f
	}
}

// EnvelopeSerializer converts TransportMessages to and from JSON payloads.
type EnvelopeSerializer struct {
	compatibility bool
	factory       *EnvelopeFactory
}

// NewEnvelopeSerializer creates a serializer writing the native shape by default.
func NewEnvelopeSerializer(opts ...SerializerOption) *EnvelopeSerializer {
	s := &EnvelopeSerializer{}
	for _, opt := range opts {
		opt(s)
	}
	if s.factory == nil {
		s.factory = NewEnvelopeFactory()
	}
	return s
}

// Format returns the shape this serializer writes.
func (s *EnvelopeSerializer) Format() contracts.WireFormat {
	if s.compatibility {
		return contracts.FormatCompatibility
	}
	return contracts.FormatNative
}

// SerializeMessage builds the envelope for msg and serializes it.
func (s *EnvelopeSerializer) SerializeMessage(msg contracts.OutgoingMessage, props contracts.DispatchProperties) ([]byte, *contracts.TransportMessage, error) {
	tm := s.factory.CreateTransportMessage(msg, props)
	data, err := s.Serialize(tm)
	if err != nil {
		return nil, nil, err
	}
	return data, tm, nil
}

// Serialize encodes tm in the configured wire shape.
func (s *EnvelopeSerializer) Serialize(tm *contracts.TransportMessage) ([]byte, error) {
	if tm == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}

	headers := tm.Headers
	if headers == nil {
		headers = map[string]string{}
	}

	w := wireEnvelope{Headers: headers}
	if tm.Body != "" {
		body := tm.Body
		w.Body = &body
	}
	if tm.S3BodyKey != "" {
		key := tm.S3BodyKey
		w.S3BodyKey = &key
	}
	if s.compatibility {
		ttbr := tm.TimeToBeReceived()
		w.TimeToBeReceived = &ttbr
		w.ReplyToAddress = tm.ReplyToAddress()
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	tm.SetFormat(s.Format())
	return data, nil
}

// Deserialize reads either wire shape. Missing TimeToBeReceived and
// ReplyToAddress fields take the same defaults as a freshly built envelope.
// TimeToBeReceived is kept verbatim like the header it maps to.
// Payloads that are not a JSON object fail with a MalformedEnvelopeError.
func (s *EnvelopeSerializer) Deserialize(data []byte) (*contracts.TransportMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, &contracts.MalformedEnvelopeError{Reason: "empty payload"}
	}
	if trimmed[0] != '{' {
		return nil, &contracts.MalformedEnvelopeError{Reason: "payload is not a JSON object"}
	}

	var probe wireProbe
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return nil, &contracts.MalformedEnvelopeError{Reason: "invalid JSON", Err: err}
	}

	tm := contracts.NewTransportMessage()
	tm.SetFormat(contracts.FormatNative)

	if present(probe.Headers) {
		if err := json.Unmarshal(probe.Headers, &tm.Headers); err != nil {
			return nil, &contracts.MalformedEnvelopeError{Reason: "Headers is not a string map", Err: err}
		}
		if tm.Headers == nil {
			tm.Headers = make(map[string]string)
		}
	}
	tm.ID = tm.Headers[contracts.HeaderMessageID]

	if err := decodeOptionalString(probe.Body, &tm.Body); err != nil {
		return nil, &contracts.MalformedEnvelopeError{Reason: "Body is not a string", Err: err}
	}
	if err := decodeOptionalString(probe.S3BodyKey, &tm.S3BodyKey); err != nil {
		return nil, &contracts.MalformedEnvelopeError{Reason: "S3BodyKey is not a string", Err: err}
	}

	if probe.TimeToBeReceived != nil {
		tm.SetFormat(contracts.FormatCompatibility)
		var ttbr string
		if err := decodeOptionalString(probe.TimeToBeReceived, &ttbr); err != nil {
			return nil, &contracts.MalformedEnvelopeError{Reason: "TimeToBeReceived is not a string", Err: err}
		}
		if ttbr != "" {
			tm.SetTimeToBeReceived(ttbr)
		}
	}

	if probe.ReplyToAddress != nil {
		tm.SetFormat(contracts.FormatCompatibility)
		if present(probe.ReplyToAddress) {
			var addr contracts.Address
			if err := json.Unmarshal(probe.ReplyToAddress, &addr); err != nil {
				return nil, &contracts.MalformedEnvelopeError{Reason: "ReplyToAddress is not an address", Err: err}
			}
			tm.SetReplyToAddress(&addr)
		}
	}

	return tm, nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

func decodeOptionalString(raw json.RawMessage, dst *string) error {
	if !present(raw) {
		*dst = ""
		return nil
	}
	return json.Unmarshal(raw, dst)
}
