package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// HeaderDelay is read by the delayed message exchange plugin
	HeaderDelay = "x-delay"

	codePublishFailed  = "PublishFailed"
	codeNacked         = "Nacked"
	codeConfirmTimeout = "ConfirmTimeout"
)

// BatchPublisher sends queue batches to a RabbitMQ broker through the default
// exchange, so the last segment of the queue URL is used as routing key.
// It lets the SQS pipeline run against a local broker.
type BatchPublisher struct {
	conn           *ConnectionManager
	pool           *ChannelPool
	opener         ChannelOpener
	exchange       string
	confirmTimeout time.Duration
	logger         *slog.Logger

	mu     sync.Mutex
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*BatchPublisher)

// WithConfirmTimeout sets how long to wait for broker confirmations
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *BatchPublisher) {
		p.confirmTimeout = timeout
	}
}

// WithExchange publishes to exchange instead of the default exchange
func WithExchange(exchange string) PublisherOption {
	return func(p *BatchPublisher) {
		p.exchange = exchange
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *BatchPublisher) {
		p.logger = logger
	}
}

// WithChannelOpener replaces dialing url with opener
func WithChannelOpener(opener ChannelOpener) PublisherOption {
	return func(p *BatchPublisher) {
		p.opener = opener
	}
}

// NewBatchPublisher creates a publisher for the broker at url. The connection is opened on first use.
func NewBatchPublisher(url string, options ...PublisherOption) (*BatchPublisher, error) {
	p := &BatchPublisher{
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	if p.opener == nil {
		if url == "" {
			return nil, fmt.Errorf("%w: broker url is required", ErrInvalidConfiguration)
		}
		p.conn = NewConnectionManager(url, WithConnectionLogger(p.logger))
		p.opener = p.conn.OpenChannel
	}

	pool, err := NewChannelPool(p.opener)
	if err != nil {
		return nil, err
	}
	p.pool = pool

	return p, nil
}

// SendMessageBatch publishes every entry and waits for the broker to confirm
// them. Unconfirmed entries are reported in Failed, like the queue service does.
func (p *BatchPublisher) SendMessageBatch(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
	if p.isClosed() {
		return nil, ErrPublisherClosed
	}

	queue, err := QueueName(aws.ToString(in.QueueUrl))
	if err != nil {
		return nil, err
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	out, healthy := p.publish(ctx, ch, queue, in.Entries)
	if healthy {
		p.pool.Put(ch)
	} else {
		p.pool.Discard(ch)
	}

	if len(out.Failed) > 0 {
		p.logger.Warn("broker did not confirm all messages",
			"queue", queue,
			"messageCount", len(in.Entries),
			"failed", len(out.Failed),
		)
	}
	return out, nil
}

// SendMessage publishes a single message
func (p *BatchPublisher) SendMessage(ctx context.Context, in *awssqs.SendMessageInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error) {
	out, err := p.SendMessageBatch(ctx, &awssqs.SendMessageBatchInput{
		QueueUrl: in.QueueUrl,
		Entries: []types.SendMessageBatchRequestEntry{{
			Id:                aws.String("0"),
			MessageBody:       in.MessageBody,
			MessageAttributes: in.MessageAttributes,
			DelaySeconds:      in.DelaySeconds,
		}},
	})
	if err != nil {
		return nil, err
	}
	if len(out.Failed) > 0 {
		f := out.Failed[0]
		return nil, &PublishError{
			Queue: aws.ToString(in.QueueUrl),
			Code:  aws.ToString(f.Code),
			Err:   fmt.Errorf("%w: %s", ErrPublishNotConfirmed, aws.ToString(f.Message)),
		}
	}
	return &awssqs.SendMessageOutput{MessageId: out.Successful[0].MessageId}, nil
}

// Close closes pooled channels and the connection
func (p *BatchPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	err := p.pool.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func (p *BatchPublisher) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// publish reports whether the channel can be reused.
func (p *BatchPublisher) publish(ctx context.Context, ch *PooledChannel, queue string, entries []types.SendMessageBatchRequestEntry) (*awssqs.SendMessageBatchOutput, bool) {
	out := &awssqs.SendMessageBatchOutput{}
	pending := make(map[uint64]types.SendMessageBatchRequestEntry, len(entries))
	messageIDs := make(map[string]string, len(entries))

	for i, entry := range entries {
		tag := ch.GetNextPublishSeqNo()
		messageID := uuid.NewString()
		err := ch.PublishWithContext(ctx, p.exchange, queue, false, false, toPublishing(entry, messageID))
		if err != nil {
			for _, rest := range entries[i:] {
				out.Failed = append(out.Failed, failed(rest, codePublishFailed, err.Error()))
			}
			// the channel is unusable; drop confirmations for what was published
			for _, e := range pending {
				out.Failed = append(out.Failed, failed(e, codePublishFailed, "channel failed before confirmation"))
			}
			return out, false
		}
		pending[tag] = entry
		messageIDs[aws.ToString(entry.Id)] = messageID
	}

	timeout := time.NewTimer(p.confirmTimeout)
	defer timeout.Stop()

	for len(pending) > 0 {
		select {
		case c, ok := <-ch.confirms:
			if !ok {
				for _, e := range pending {
					out.Failed = append(out.Failed, failed(e, codePublishFailed, "channel closed"))
				}
				return out, false
			}
			entry, known := pending[c.DeliveryTag]
			if !known {
				continue
			}
			delete(pending, c.DeliveryTag)
			if !c.Ack {
				out.Failed = append(out.Failed, failed(entry, codeNacked, "message was nacked"))
				continue
			}
			out.Successful = append(out.Successful, types.SendMessageBatchResultEntry{
				Id:        entry.Id,
				MessageId: aws.String(messageIDs[aws.ToString(entry.Id)]),
			})

		case <-timeout.C:
			for _, e := range pending {
				out.Failed = append(out.Failed, failed(e, codeConfirmTimeout, "timeout waiting for confirmation"))
			}
			return out, false

		case <-ctx.Done():
			for _, e := range pending {
				out.Failed = append(out.Failed, failed(e, codeConfirmTimeout, ctx.Err().Error()))
			}
			return out, false
		}
	}

	return out, true
}

func toPublishing(entry types.SendMessageBatchRequestEntry, messageID string) amqp.Publishing {
	headers := amqp.Table{}
	for name, v := range entry.MessageAttributes {
		switch {
		case v.StringValue != nil:
			headers[name] = aws.ToString(v.StringValue)
		case v.BinaryValue != nil:
			headers[name] = v.BinaryValue
		}
	}
	if entry.DelaySeconds > 0 {
		headers[HeaderDelay] = int64(entry.DelaySeconds) * 1000
	}
	if entry.MessageGroupId != nil {
		headers["x-message-group-id"] = aws.ToString(entry.MessageGroupId)
	}

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     messageID,
		CorrelationId: aws.ToString(entry.MessageDeduplicationId),
		Timestamp:     time.Now(),
		Body:          []byte(aws.ToString(entry.MessageBody)),
	}
}

func failed(entry types.SendMessageBatchRequestEntry, code, message string) types.BatchResultErrorEntry {
	return types.BatchResultErrorEntry{
		Id:          entry.Id,
		Code:        aws.String(code),
		Message:     aws.String(message),
		SenderFault: false,
	}
}

// QueueName returns the queue part of a queue URL. A bare name is returned unchanged.
func QueueName(queueURL string) (string, error) {
	name := strings.TrimRight(queueURL, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidQueueURL, queueURL)
	}
	return name, nil
}
