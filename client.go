// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mmatesqs sends and receives mmate envelopes over Amazon SQS, batching
// outgoing messages and offloading large bodies to S3 compatible storage.
package mmatesqs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mmate-sqs/health"
	"github.com/glimte/mmate-sqs/internal/blobstore"
	"github.com/glimte/mmate-sqs/internal/rabbitmq"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/glimte/mmate-sqs/internal/sqs"
	"github.com/glimte/mmate-sqs/messaging"
)

var (
	ErrInvalidConfig = errors.New("mmatesqs: invalid configuration")
	ErrClientClosed  = errors.New("mmatesqs: client is closed")
)

// TransportOperation is one message addressed to one queue
type TransportOperation = sqs.TransportOperation

// BatchEntry is one planned SendMessageBatch request
type BatchEntry = sqs.BatchEntry

// IncomingMessage is a received message with its resolved body
type IncomingMessage = sqs.IncomingMessage

// BodyStore reads and writes offloaded message bodies
type BodyStore = sqs.BodyStore

// RetryPolicy decides whether a failed send or fetch is tried again
type RetryPolicy = reliability.RetryPolicy

// Client provides the main entry point for mmate-sqs
type Client struct {
	queue      sqs.API
	store      BodyStore
	publisher  *rabbitmq.BatchPublisher
	serializer *messaging.EnvelopeSerializer
	dispatcher *sqs.Dispatcher
	receiver   *sqs.Receiver
	health     *health.Registry
	metrics    *messaging.CountingMetricsCollector
	logger     *slog.Logger

	sendTimeout time.Duration

	mu     sync.Mutex
	closed bool
}

// NewClient creates a client. Without WithQueueClient the SQS client is built
// from the default AWS configuration chain.
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	queue := cfg.queueClient
	if queue == nil {
		awsClient, err := newSQSClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		queue = awsClient
	}

	c := &Client{
		queue:       queue,
		metrics:     messaging.NewCountingMetricsCollector(),
		logger:      cfg.logger,
		sendTimeout: cfg.sendTimeout,
		health:      health.NewRegistry(),
	}

	switch {
	case cfg.bodyStore != nil:
		c.store = cfg.bodyStore
	case cfg.blobEndpoint != "":
		storeOpts := append([]blobstore.Option{blobstore.WithLogger(cfg.logger)}, cfg.blobOpts...)
		store, err := blobstore.New(cfg.blobEndpoint, cfg.blobBucket, storeOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob store: %w", err)
		}
		c.store = store
	}
	if checker, ok := c.store.(health.BucketChecker); ok {
		c.health.Register(health.NewBlobStoreChecker(checker, cfg.logger))
	}

	var sender sqs.BatchSender = queue
	var errorSender sqs.MessageSender = queue
	if cfg.amqpURL != "" {
		pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(cfg.logger)}, cfg.amqpOpts...)
		publisher, err := rabbitmq.NewBatchPublisher(cfg.amqpURL, pubOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create AMQP publisher: %w", err)
		}
		c.publisher = publisher
		sender = publisher
		errorSender = publisher
	}

	c.serializer = messaging.NewEnvelopeSerializer(
		messaging.WithCompatibilityMode(cfg.compatibilityMode),
		messaging.WithEnvelopeFactory(messaging.NewEnvelopeFactory(cfg.envelopeOpts...)),
	)

	dispatcherOpts := []sqs.DispatcherOption{
		sqs.WithSerializer(c.serializer),
		sqs.WithDispatcherLogger(cfg.logger),
		sqs.WithMetrics(c.metrics),
		sqs.WithCircuitBreakerOptions(reliability.WithBreakerLogger(cfg.logger)),
	}
	if c.store != nil {
		dispatcherOpts = append(dispatcherOpts, sqs.WithBodyStore(c.store))
	}
	if cfg.sendRetry != nil {
		dispatcherOpts = append(dispatcherOpts, sqs.WithSendRetryPolicy(cfg.sendRetry))
	}
	c.dispatcher = sqs.NewDispatcher(sender, dispatcherOpts...)

	var bodyStore messaging.BodyStore
	if c.store != nil {
		bodyStore = c.store
	}
	resolverOpts := []messaging.BodyResolverOption{messaging.WithResolverLogger(cfg.logger)}
	if cfg.fetchRetry != nil {
		resolverOpts = append(resolverOpts, messaging.WithFetchRetryPolicy(cfg.fetchRetry))
	}
	resolver := messaging.NewBodyResolver(bodyStore, messaging.NewBufferPool(), resolverOpts...)
	receiverOpts := []sqs.ReceiverOption{
		sqs.WithReceiverSerializer(c.serializer),
		sqs.WithBodyResolver(resolver),
		sqs.WithReceiverLogger(cfg.logger),
		sqs.WithReceiverMetrics(c.metrics),
	}
	if cfg.errorQueue != "" {
		receiverOpts = append(receiverOpts, sqs.WithErrorQueue(errorSender, cfg.errorQueue))
	}
	c.receiver = sqs.NewReceiver(receiverOpts...)

	for _, url := range cfg.healthQueues {
		c.health.Register(health.NewQueueChecker(url, queue, cfg.logger))
	}

	c.logger.Info("mmate-sqs client created",
		"format", c.serializer.Format().String(),
		"offload", c.store != nil,
		"amqp", c.publisher != nil,
		"errorQueue", cfg.errorQueue,
	)

	return c, nil
}

func newSQSClient(ctx context.Context, cfg *clientConfig) (*awssqs.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.region))
	}
	if cfg.accessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.accessKeyID, cfg.secretAccessKey, cfg.sessionToken),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return awssqs.NewFromConfig(awsCfg, func(o *awssqs.Options) {
		if cfg.endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.endpoint)
		}
	}), nil
}

// Dispatch sends ops in batches. Messages for one queue keep their order.
func (c *Client) Dispatch(ctx context.Context, ops ...TransportOperation) error {
	if c.isClosed() {
		return ErrClientClosed
	}
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	return c.dispatcher.Dispatch(ctx, ops)
}

// Plan returns the batches Dispatch would send for ops. Bodies above the
// payload limit are offloaded when a blob store is configured.
func (c *Client) Plan(ctx context.Context, ops ...TransportOperation) ([]BatchEntry, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	return c.dispatcher.Plan(ctx, ops)
}

// Receive converts a queue message. The result must be released.
func (c *Client) Receive(ctx context.Context, msg types.Message) (*IncomingMessage, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}
	return c.receiver.Receive(ctx, msg)
}

// Poll receives up to maxMessages from queueURL, waiting at most wait for the
// first one. Expired messages and poison messages moved to the error queue are
// deleted. Messages that could not be converted are left on the queue and
// their errors joined.
func (c *Client) Poll(ctx context.Context, queueURL string, maxMessages int32, wait time.Duration) ([]*IncomingMessage, error) {
	if c.isClosed() {
		return nil, ErrClientClosed
	}

	out, err := c.queue.ReceiveMessage(ctx, &awssqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         min(max(maxMessages, 1), 10),
		WaitTimeSeconds:             int32(min(max(wait, 0), 20*time.Second) / time.Second),
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameSentTimestamp},
	})
	if err != nil {
		return nil, &sqs.SendError{Op: "receive", Destination: queueURL, Err: err}
	}

	var (
		messages []*IncomingMessage
		errs     []error
	)
	for _, msg := range out.Messages {
		in, err := c.receiver.Receive(ctx, msg)
		if err == nil {
			messages = append(messages, in)
			continue
		}

		var poison *sqs.PoisonMessageError
		switch {
		case errors.Is(err, sqs.ErrMessageExpired), errors.As(err, &poison) && poison.Routed:
			if derr := c.delete(ctx, queueURL, aws.ToString(msg.ReceiptHandle)); derr != nil {
				errs = append(errs, derr)
			}
		default:
			errs = append(errs, err)
		}
	}

	return messages, errors.Join(errs...)
}

// Ack deletes a handled message from queueURL and releases its body
func (c *Client) Ack(ctx context.Context, queueURL string, msg *IncomingMessage) error {
	defer msg.Release()
	return c.delete(ctx, queueURL, msg.ReceiptHandle)
}

func (c *Client) delete(ctx context.Context, queueURL, receiptHandle string) error {
	_, err := c.queue.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return &sqs.SendError{Op: "delete", Destination: queueURL, Err: err}
	}
	return nil
}

// Health runs the registered queue and blob store checks
func (c *Client) Health(ctx context.Context) health.OverallHealth {
	return c.health.Check(ctx)
}

// HealthRegistry returns the registry so callers can add their own checks
func (c *Client) HealthRegistry() *health.Registry {
	return c.health
}

// Stats returns send and receive counters
func (c *Client) Stats() messaging.MetricsStats {
	return c.metrics.GetStats()
}

// Close closes all resources
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if c.publisher != nil {
		return c.publisher.Close()
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// clientConfig holds client configuration
type clientConfig struct {
	logger *slog.Logger

	queueClient     sqs.API
	region          string
	endpoint        string
	accessKeyID     string
	secretAccessKey string
	sessionToken    string

	compatibilityMode bool
	envelopeOpts      []messaging.EnvelopeOption
	errorQueue        string
	sendTimeout       time.Duration
	sendRetry         RetryPolicy
	fetchRetry        RetryPolicy
	healthQueues      []string

	bodyStore    BodyStore
	blobEndpoint string
	blobBucket   string
	blobOpts     []blobstore.Option

	amqpURL  string
	amqpOpts []rabbitmq.PublisherOption
}

func (cfg *clientConfig) validate() error {
	if cfg.blobEndpoint != "" && cfg.blobBucket == "" {
		return fmt.Errorf("%w: blob store bucket is required", ErrInvalidConfig)
	}
	if cfg.bodyStore != nil && cfg.blobEndpoint != "" {
		return fmt.Errorf("%w: body store and blob store endpoint are mutually exclusive", ErrInvalidConfig)
	}
	if cfg.sendTimeout < 0 {
		return fmt.Errorf("%w: send timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithQueueClient uses client instead of building an SQS client
func WithQueueClient(client sqs.API) ClientOption {
	return func(cfg *clientConfig) {
		cfg.queueClient = client
	}
}

// WithRegion sets the AWS region
func WithRegion(region string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.region = region
	}
}

// WithEndpoint overrides the SQS endpoint, e.g. for LocalStack
func WithEndpoint(endpoint string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.endpoint = endpoint
	}
}

// WithCredentials uses static AWS credentials
func WithCredentials(accessKeyID, secretAccessKey, sessionToken string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.accessKeyID = accessKeyID
		cfg.secretAccessKey = secretAccessKey
		cfg.sessionToken = sessionToken
	}
}

// WithCompatibilityMode writes envelopes readable by legacy consumers
func WithCompatibilityMode(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.compatibilityMode = enabled
	}
}

// WithEnvelopeOptions configures how outgoing envelopes are built
func WithEnvelopeOptions(opts ...messaging.EnvelopeOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.envelopeOpts = append(cfg.envelopeOpts, opts...)
	}
}

// WithErrorQueue forwards poison messages to queueURL
func WithErrorQueue(queueURL string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.errorQueue = queueURL
	}
}

// WithSendTimeout bounds each Dispatch call
func WithSendTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sendTimeout = timeout
	}
}

// WithSendRetryPolicy sets how failed batch entries are retried
func WithSendRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.sendRetry = policy
	}
}

// WithFetchRetryPolicy retries failed reads of offloaded bodies. Without it a
// failed read is returned to the caller after one attempt.
func WithFetchRetryPolicy(policy RetryPolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.fetchRetry = policy
	}
}

// WithHealthQueues adds a health check per queue
func WithHealthQueues(queueURLs ...string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.healthQueues = append(cfg.healthQueues, queueURLs...)
	}
}

// WithBlobStore offloads large bodies to bucket on an S3 compatible endpoint
// (host[:port], no scheme)
func WithBlobStore(endpoint, bucket string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blobEndpoint = endpoint
		cfg.blobBucket = bucket
	}
}

// WithBlobCredentials sets static credentials for the blob store. Without them
// the AWS and MinIO environment variables and IAM are tried in turn.
func WithBlobCredentials(accessKeyID, secretAccessKey, sessionToken string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blobOpts = append(cfg.blobOpts, blobstore.WithStaticCredentials(accessKeyID, secretAccessKey, sessionToken))
	}
}

// WithBlobRegion sets the blob store bucket region
func WithBlobRegion(region string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blobOpts = append(cfg.blobOpts, blobstore.WithRegion(region))
	}
}

// WithBlobSSL enables TLS to the blob store endpoint
func WithBlobSSL(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blobOpts = append(cfg.blobOpts, blobstore.WithSSL(enabled))
	}
}

// WithBlobKeyPrefix sets the folder offloaded bodies are written under
func WithBlobKeyPrefix(prefix string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.blobOpts = append(cfg.blobOpts, blobstore.WithKeyPrefix(prefix))
	}
}

// WithBodyStore offloads large bodies to store instead of a blob store built
// from WithBlobStore. A store that also reports its bucket gets a health check.
func WithBodyStore(store BodyStore) ClientOption {
	return func(cfg *clientConfig) {
		cfg.bodyStore = store
	}
}

// WithAMQP publishes batches to a RabbitMQ broker instead of SQS
func WithAMQP(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpURL = url
	}
}

// WithAMQPExchange publishes to exchange instead of the default exchange
func WithAMQPExchange(exchange string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpOpts = append(cfg.amqpOpts, rabbitmq.WithExchange(exchange))
	}
}

// WithAMQPConfirmTimeout bounds the wait for broker confirms of one batch
func WithAMQPConfirmTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.amqpOpts = append(cfg.amqpOpts, rabbitmq.WithConfirmTimeout(timeout))
	}
}
