package sqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/messaging"
)

// TransportOperation is one message addressed to one queue
type TransportOperation struct {
	Message     contracts.OutgoingMessage
	Destination string
	Properties  contracts.DispatchProperties
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithSerializer sets the envelope serializer
func WithSerializer(s *messaging.EnvelopeSerializer) DispatcherOption {
	return func(d *Dispatcher) {
		d.serializer = s
	}
}

// WithBodyStore enables offloading of bodies above the payload limit
func WithBodyStore(store BodyStore) DispatcherOption {
	return func(d *Dispatcher) {
		d.store = store
	}
}

// WithBatcherOptions configures the batcher limits
func WithBatcherOptions(opts ...messaging.BatcherOption) DispatcherOption {
	return func(d *Dispatcher) {
		d.batcherOpts = append(d.batcherOpts, opts...)
	}
}

// WithSendRetryPolicy sets the retry policy for batch sends
func WithSendRetryPolicy(policy reliability.RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.retryPolicy = policy
	}
}

// WithCircuitBreakerOptions enables one circuit breaker per destination
func WithCircuitBreakerOptions(opts ...reliability.CircuitBreakerOption) DispatcherOption {
	return func(d *Dispatcher) {
		d.breakerOpts = opts
		d.breakersEnabled = true
	}
}

// WithConcurrency limits how many batches are in flight
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// WithDispatcherLogger sets the logger
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(m messaging.MetricsCollector) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher serializes, batches and sends messages
type Dispatcher struct {
	client      BatchSender
	serializer  *messaging.EnvelopeSerializer
	store       BodyStore
	batcher     *messaging.Batcher[*PreparedMessage, *awssqs.SendMessageBatchInput]
	batcherOpts []messaging.BatcherOption
	retryPolicy reliability.RetryPolicy
	concurrency int
	logger      *slog.Logger
	metrics     messaging.MetricsCollector

	breakerOpts     []reliability.CircuitBreakerOption
	breakersEnabled bool
	breakersMu      sync.Mutex
	breakers        map[string]*reliability.CircuitBreaker
}

// NewDispatcher creates a dispatcher sending through client
func NewDispatcher(client BatchSender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		client:      client,
		retryPolicy: reliability.NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3),
		concurrency: 10,
		logger:      slog.Default(),
		metrics:     &messaging.NoOpMetricsCollector{},
		breakers:    make(map[string]*reliability.CircuitBreaker),
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.serializer == nil {
		d.serializer = messaging.NewEnvelopeSerializer()
	}
	if d.concurrency < 1 {
		d.concurrency = 1
	}
	d.batcher = messaging.NewBatcher(ToBatchRequest, d.batcherOpts...)

	return d
}

// Prepare serializes op for its queue, offloading the body when the message
// would exceed the payload limit.
func (d *Dispatcher) Prepare(ctx context.Context, op TransportOperation) (*PreparedMessage, error) {
	if op.Destination == "" {
		return nil, ErrMissingDestination
	}

	msg := op.Message
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}

	delay, err := delaySeconds(op.Properties.DelayDeliveryWith)
	if err != nil {
		return nil, fmt.Errorf("message %s: %w", msg.MessageID, err)
	}

	payload, tm, err := d.serializer.SerializeMessage(msg, op.Properties)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", msg.MessageID, err)
	}

	pm := NewPreparedMessage(msg.MessageID, op.Destination, string(payload), nativeAttributes(tm), delay)
	if pm.Size() <= messaging.MaxPayloadSize {
		return pm, nil
	}

	if d.store == nil {
		return nil, fmt.Errorf("%w: message %s is %d bytes", ErrMessageTooLarge, msg.MessageID, pm.Size())
	}

	key, err := d.store.PutBody(ctx, msg.MessageID, msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to offload body of message %s: %w", msg.MessageID, err)
	}
	tm.Body = ""
	tm.S3BodyKey = key

	payload, err = d.serializer.Serialize(tm)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message %s: %w", msg.MessageID, err)
	}
	pm = NewPreparedMessage(msg.MessageID, op.Destination, string(payload), nativeAttributes(tm), delay)
	if pm.Size() > messaging.MaxPayloadSize {
		return nil, fmt.Errorf("%w: headers of message %s are %d bytes", ErrMessageTooLarge, msg.MessageID, pm.Size())
	}

	d.metrics.RecordOffload(op.Destination, int64(len(msg.Body)))
	d.logger.Debug("offloaded message body",
		"messageId", msg.MessageID,
		"destination", op.Destination,
		"key", key,
		"size", len(msg.Body),
	)

	return pm, nil
}

// Dispatch sends ops. Every batch is attempted; the returned error joins the
// failures of all batches that did not fully succeed.
func (d *Dispatcher) Dispatch(ctx context.Context, ops []TransportOperation) error {
	if len(ops) == 0 {
		return nil
	}

	entries, err := d.Plan(ctx, ops)
	if err != nil {
		return err
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, entry := range entries {
		g.Go(func() error {
			if err := d.sendBatch(ctx, entry); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

// Plan prepares ops and groups them into the batches Dispatch would send,
// without sending anything.
func (d *Dispatcher) Plan(ctx context.Context, ops []TransportOperation) ([]BatchEntry, error) {
	prepared, err := d.prepareAll(ctx, ops)
	if err != nil {
		return nil, err
	}
	return d.batcher.Batch(prepared), nil
}

func (d *Dispatcher) prepareAll(ctx context.Context, ops []TransportOperation) ([]*PreparedMessage, error) {
	prepared := make([]*PreparedMessage, len(ops))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, op := range ops {
		g.Go(func() error {
			pm, err := d.Prepare(gctx, op)
			if err != nil {
				return err
			}
			prepared[i] = pm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return prepared, nil
}

// BatchEntry is one SendMessageBatch request with the messages it carries
type BatchEntry = messaging.BatchEntry[*PreparedMessage, *awssqs.SendMessageBatchInput]

func (d *Dispatcher) sendBatch(ctx context.Context, entry BatchEntry) error {
	start := time.Now()
	byID := make(map[string]*PreparedMessage, len(entry.Items))
	for _, item := range entry.Items {
		byID[item.ID] = item.Message
	}

	pending := entry.Request
	var rejected []FailedEntry

	err := reliability.Retry(ctx, d.retryPolicy, func() error {
		out, err := d.send(ctx, entry.Destination, pending)
		if err != nil {
			return err
		}
		if len(out.Failed) == 0 {
			return nil
		}

		var retry []types.SendMessageBatchRequestEntry
		var failed []FailedEntry
		for _, f := range out.Failed {
			fe := failedEntry(f, byID)
			if f.SenderFault {
				rejected = append(rejected, fe)
				continue
			}
			failed = append(failed, fe)
			if e, ok := findEntry(pending.Entries, fe.EntryID); ok {
				retry = append(retry, e)
			}
		}

		if len(retry) == 0 {
			return nil
		}
		pending = &awssqs.SendMessageBatchInput{QueueUrl: pending.QueueUrl, Entries: retry}
		return &BatchSendError{Destination: entry.Destination, Failed: failed}
	})

	var batchErr *BatchSendError
	switch {
	case err == nil && len(rejected) == 0:
		d.metrics.RecordBatch(entry.Destination, len(entry.Items), entry.Size(), time.Since(start), true)
		d.logger.Debug("batch sent",
			"destination", entry.Destination,
			"messageCount", len(entry.Items),
			"payloadSize", entry.Size(),
		)
		return nil
	case err == nil:
		err = &BatchSendError{Destination: entry.Destination, Failed: rejected}
	case errors.As(err, &batchErr):
		batchErr.Failed = append(rejected, batchErr.Failed...)
	default:
		err = &SendError{Op: "SendMessageBatch", Destination: entry.Destination, MessageIDs: messageIDs(pending, byID), Err: err}
	}

	d.metrics.RecordBatch(entry.Destination, len(entry.Items), entry.Size(), time.Since(start), false)
	d.logger.Error("failed to send batch",
		"destination", entry.Destination,
		"messageCount", len(entry.Items),
		"error", err,
	)
	return err
}

func (d *Dispatcher) send(ctx context.Context, destination string, in *awssqs.SendMessageBatchInput) (*awssqs.SendMessageBatchOutput, error) {
	var out *awssqs.SendMessageBatchOutput
	call := func() error {
		var err error
		out, err = d.client.SendMessageBatch(ctx, in)
		return err
	}

	if cb := d.breakerFor(destination); cb != nil {
		if err := cb.Execute(ctx, call); err != nil {
			return nil, err
		}
		return out, nil
	}

	if err := call(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) breakerFor(destination string) *reliability.CircuitBreaker {
	if !d.breakersEnabled {
		return nil
	}

	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	cb, ok := d.breakers[destination]
	if !ok {
		opts := append([]reliability.CircuitBreakerOption{
			reliability.WithName(destination),
			reliability.WithBreakerLogger(d.logger),
		}, d.breakerOpts...)
		cb = reliability.NewCircuitBreaker(opts...)
		d.breakers[destination] = cb
	}
	return cb
}

func failedEntry(f types.BatchResultErrorEntry, byID map[string]*PreparedMessage) FailedEntry {
	fe := FailedEntry{
		EntryID:     aws.ToString(f.Id),
		Code:        aws.ToString(f.Code),
		Message:     aws.ToString(f.Message),
		SenderFault: f.SenderFault,
	}
	if pm, ok := byID[fe.EntryID]; ok {
		fe.MessageID = pm.MessageID
	}
	return fe
}

func findEntry(entries []types.SendMessageBatchRequestEntry, id string) (types.SendMessageBatchRequestEntry, bool) {
	for _, e := range entries {
		if aws.ToString(e.Id) == id {
			return e, true
		}
	}
	return types.SendMessageBatchRequestEntry{}, false
}

func messageIDs(in *awssqs.SendMessageBatchInput, byID map[string]*PreparedMessage) []string {
	ids := make([]string, 0, len(in.Entries))
	for _, e := range in.Entries {
		if pm, ok := byID[aws.ToString(e.Id)]; ok {
			ids = append(ids, pm.MessageID)
		}
	}
	return ids
}

func delaySeconds(d time.Duration) (int32, error) {
	if d <= 0 {
		return 0, nil
	}
	seconds := math.Ceil(d.Seconds())
	if seconds > MaxDelaySeconds {
		return 0, fmt.Errorf("%w: %v is above %ds", ErrDelayTooLong, d, MaxDelaySeconds)
	}
	return int32(seconds), nil
}
