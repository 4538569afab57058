package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

// sentTimestampAttribute is the system attribute holding the send time in epoch milliseconds
const sentTimestampAttribute = string(types.MessageSystemAttributeNameSentTimestamp)

// IncomingMessage is a received message converted for the host
type IncomingMessage struct {
	NativeMessageID string
	MessageID       string
	ReceiptHandle   string
	Headers         map[string]string
	Envelope        *contracts.TransportMessage

	body *messaging.Body
}

// Body returns the message body. It is invalid after Release.
func (m *IncomingMessage) Body() []byte {
	return m.body.Bytes()
}

// Release returns the body buffer to its pool
func (m *IncomingMessage) Release() {
	m.body.Release()
}

// ReceiverOption configures a Receiver
type ReceiverOption func(*Receiver)

// WithReceiverSerializer sets the envelope serializer
func WithReceiverSerializer(s *messaging.EnvelopeSerializer) ReceiverOption {
	return func(r *Receiver) {
		r.serializer = s
	}
}

// WithBodyResolver sets how bodies are produced
func WithBodyResolver(resolver *messaging.BodyResolver) ReceiverOption {
	return func(r *Receiver) {
		r.resolver = resolver
	}
}

// WithErrorQueue forwards poison messages to queueURL through sender
func WithErrorQueue(sender MessageSender, queueURL string) ReceiverOption {
	return func(r *Receiver) {
		r.errorSender = sender
		r.errorQueue = queueURL
	}
}

// WithReceiverLogger sets the logger
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		r.logger = logger
	}
}

// WithReceiverMetrics sets the metrics collector
func WithReceiverMetrics(m messaging.MetricsCollector) ReceiverOption {
	return func(r *Receiver) {
		r.metrics = m
	}
}

// WithClock overrides the time source used for expiry checks
func WithClock(now func() time.Time) ReceiverOption {
	return func(r *Receiver) {
		r.now = now
	}
}

// Receiver converts queue messages into IncomingMessages
type Receiver struct {
	serializer  *messaging.EnvelopeSerializer
	resolver    *messaging.BodyResolver
	errorSender MessageSender
	errorQueue  string
	logger      *slog.Logger
	metrics     messaging.MetricsCollector
	now         func() time.Time
}

// NewReceiver creates a receiver. Without WithBodyResolver only inline bodies can be read.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		logger:  slog.Default(),
		metrics: &messaging.NoOpMetricsCollector{},
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.serializer == nil {
		r.serializer = messaging.NewEnvelopeSerializer()
	}
	if r.resolver == nil {
		r.resolver = messaging.NewBodyResolver(nil, nil, messaging.WithResolverLogger(r.logger))
	}

	return r
}

// Receive converts msg. Poison messages are forwarded to the error queue when
// one is configured and reported as *PoisonMessageError. Expired messages
// return ErrMessageExpired. The caller must Release the result.
func (r *Receiver) Receive(ctx context.Context, msg types.Message) (*IncomingMessage, error) {
	nativeID := aws.ToString(msg.MessageId)

	tm, err := r.serializer.Deserialize([]byte(aws.ToString(msg.Body)))
	if err != nil {
		return nil, r.poison(ctx, msg, err)
	}
	mergeAttributes(tm, msg.MessageAttributes)

	messageID := tm.ID
	if messageID == "" {
		messageID = tm.Headers[contracts.HeaderMessageID]
	}
	if messageID == "" {
		messageID = nativeID
	}

	if r.expired(tm, msg.Attributes) {
		r.metrics.RecordReceive(false, "expired")
		r.logger.Info("discarding expired message",
			"messageId", messageID,
			"timeToBeReceived", tm.TimeToBeReceived(),
		)
		return nil, fmt.Errorf("%w: message %s", ErrMessageExpired, messageID)
	}

	body, err := r.resolver.RetrieveBody(ctx, tm, messageID)
	switch {
	case err == nil:
	case contracts.IsPoison(err):
		return nil, r.poison(ctx, msg, err)
	case errors.Is(err, contracts.ErrRetrievalCancelled):
		return nil, err
	default:
		r.metrics.RecordReceive(false, "body_retrieval")
		r.logger.Error("failed to retrieve message body",
			"messageId", messageID,
			"key", tm.S3BodyKey,
			"error", err,
		)
		return nil, err
	}

	r.metrics.RecordReceive(true, "")

	return &IncomingMessage{
		NativeMessageID: nativeID,
		MessageID:       messageID,
		ReceiptHandle:   aws.ToString(msg.ReceiptHandle),
		Headers:         tm.Headers,
		Envelope:        tm,
		body:            body,
	}, nil
}

func (r *Receiver) expired(tm *contracts.TransportMessage, attrs map[string]string) bool {
	ttbr := tm.TimeToBeReceivedDuration()
	if ttbr >= contracts.NeverExpires {
		return false
	}
	sent, err := strconv.ParseInt(attrs[sentTimestampAttribute], 10, 64)
	if err != nil {
		return false
	}
	return r.now().After(time.UnixMilli(sent).Add(ttbr))
}

func (r *Receiver) poison(ctx context.Context, msg types.Message, cause error) error {
	r.metrics.RecordReceive(false, "malformed")
	perr := &PoisonMessageError{
		NativeMessageID: aws.ToString(msg.MessageId),
		ErrorQueue:      r.errorQueue,
		Err:             cause,
	}

	if r.errorSender == nil || r.errorQueue == "" {
		r.logger.Warn("received poison message",
			"nativeMessageId", perr.NativeMessageID,
			"error", cause,
		)
		return perr
	}

	_, err := r.errorSender.SendMessage(ctx, &awssqs.SendMessageInput{
		QueueUrl:          aws.String(r.errorQueue),
		MessageBody:       msg.Body,
		MessageAttributes: msg.MessageAttributes,
	})
	if err != nil {
		r.logger.Error("failed to move poison message to error queue",
			"nativeMessageId", perr.NativeMessageID,
			"errorQueue", r.errorQueue,
			"error", err,
		)
		return errors.Join(perr, &SendError{Op: "SendMessage", Destination: r.errorQueue, MessageIDs: []string{perr.NativeMessageID}, Err: err})
	}

	perr.Routed = true
	r.logger.Warn("moved poison message to error queue",
		"nativeMessageId", perr.NativeMessageID,
		"errorQueue", r.errorQueue,
		"error", cause,
	)
	return perr
}
