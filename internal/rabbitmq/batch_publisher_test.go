package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel confirms publishes synchronously. nack and silent select
// delivery tags that are nacked or never confirmed.
type fakeChannel struct {
	mu         sync.Mutex
	seq        uint64
	confirms   chan amqp.Confirmation
	published  []published
	closed     bool
	publishErr error
	nack       map[uint64]bool
	silent     map[uint64]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{seq: 1, nack: map[uint64]bool{}, silent: map[uint64]bool{}}
}

func (f *fakeChannel) Confirm(bool) error { return nil }

func (f *fakeChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirms = c
	return c
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	tag := f.seq
	f.seq++
	f.published = append(f.published, published{exchange, key, msg})
	if !f.silent[tag] {
		f.confirms <- amqp.Confirmation{DeliveryTag: tag, Ack: !f.nack[tag]}
	}
	return nil
}

func (f *fakeChannel) GetNextPublishSeqNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq
}

func (f *fakeChannel) IsClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeChannel) messages() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func newTestPublisher(t *testing.T, channels ...*fakeChannel) (*BatchPublisher, *int) {
	t.Helper()
	opened := 0
	opener := func(context.Context) (Channel, error) {
		if opened >= len(channels) {
			return nil, errors.New("no more channels")
		}
		ch := channels[opened]
		opened++
		return ch, nil
	}
	p, err := NewBatchPublisher("", WithChannelOpener(opener), WithConfirmTimeout(50*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p, &opened
}

func batchInput(ids ...string) *awssqs.SendMessageBatchInput {
	in := &awssqs.SendMessageBatchInput{QueueUrl: aws.String(testQueueURL)}
	for _, id := range ids {
		in.Entries = append(in.Entries, types.SendMessageBatchRequestEntry{
			Id:          aws.String(id),
			MessageBody: aws.String(`{"MessageId":"` + id + `"}`),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"NServiceBus.MessageId": {DataType: aws.String("String"), StringValue: aws.String(id)},
			},
		})
	}
	return in
}

func entryIDs[T any](entries []T, id func(T) *string) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, aws.ToString(id(e)))
	}
	return ids
}

func TestBatchPublisher(t *testing.T) {
	t.Run("Publishes every entry to the queue and reports them successful", func(t *testing.T) {
		ch := newFakeChannel()
		p, _ := newTestPublisher(t, ch)

		out, err := p.SendMessageBatch(context.Background(), batchInput("a", "b", "c"))

		require.NoError(t, err)
		assert.Empty(t, out.Failed)
		assert.ElementsMatch(t, []string{"a", "b", "c"},
			entryIDs(out.Successful, func(e types.SendMessageBatchResultEntry) *string { return e.Id }))

		msgs := ch.messages()
		require.Len(t, msgs, 3)
		for _, m := range msgs {
			assert.Equal(t, "", m.exchange)
			assert.Equal(t, "orders", m.key)
			assert.Equal(t, amqp.Persistent, m.msg.DeliveryMode)
			assert.Equal(t, "application/json", m.msg.ContentType)
			assert.NotEmpty(t, m.msg.MessageId)
		}
		assert.Equal(t, "a", msgs[0].msg.Headers["NServiceBus.MessageId"])
		assert.Equal(t, `{"MessageId":"a"}`, string(msgs[0].msg.Body))
	})

	t.Run("Reuses the confirmed channel", func(t *testing.T) {
		ch := newFakeChannel()
		p, opened := newTestPublisher(t, ch)

		_, err := p.SendMessageBatch(context.Background(), batchInput("a"))
		require.NoError(t, err)
		_, err = p.SendMessageBatch(context.Background(), batchInput("b"))
		require.NoError(t, err)

		assert.Equal(t, 1, *opened)
		assert.Len(t, ch.messages(), 2)
	})

	t.Run("Nacked entries are reported failed", func(t *testing.T) {
		ch := newFakeChannel()
		ch.nack[2] = true
		p, _ := newTestPublisher(t, ch)

		out, err := p.SendMessageBatch(context.Background(), batchInput("a", "b", "c"))

		require.NoError(t, err)
		require.Len(t, out.Failed, 1)
		assert.Equal(t, "b", aws.ToString(out.Failed[0].Id))
		assert.Equal(t, codeNacked, aws.ToString(out.Failed[0].Code))
		assert.False(t, out.Failed[0].SenderFault)
		assert.Len(t, out.Successful, 2)
	})

	t.Run("Unconfirmed entries time out and the channel is discarded", func(t *testing.T) {
		first := newFakeChannel()
		first.silent[1] = true
		second := newFakeChannel()
		p, opened := newTestPublisher(t, first, second)

		out, err := p.SendMessageBatch(context.Background(), batchInput("a", "b"))

		require.NoError(t, err)
		require.Len(t, out.Failed, 1)
		assert.Equal(t, "a", aws.ToString(out.Failed[0].Id))
		assert.Equal(t, codeConfirmTimeout, aws.ToString(out.Failed[0].Code))
		assert.True(t, first.IsClosed())

		_, err = p.SendMessageBatch(context.Background(), batchInput("c"))
		require.NoError(t, err)
		assert.Equal(t, 2, *opened)
	})

	t.Run("Publish error fails the remaining entries", func(t *testing.T) {
		ch := newFakeChannel()
		ch.publishErr = amqp.ErrClosed
		p, _ := newTestPublisher(t, ch)

		out, err := p.SendMessageBatch(context.Background(), batchInput("a", "b"))

		require.NoError(t, err)
		assert.Empty(t, out.Successful)
		assert.ElementsMatch(t, []string{"a", "b"},
			entryIDs(out.Failed, func(e types.BatchResultErrorEntry) *string { return e.Id }))
		assert.True(t, ch.IsClosed())
	})

	t.Run("Delay is published as x-delay in milliseconds", func(t *testing.T) {
		ch := newFakeChannel()
		p, _ := newTestPublisher(t, ch)
		in := batchInput("a")
		in.Entries[0].DelaySeconds = 30

		_, err := p.SendMessageBatch(context.Background(), in)

		require.NoError(t, err)
		assert.Equal(t, int64(30000), ch.messages()[0].msg.Headers[HeaderDelay])
	})

	t.Run("Invalid queue url is rejected", func(t *testing.T) {
		p, opened := newTestPublisher(t, newFakeChannel())

		_, err := p.SendMessageBatch(context.Background(), &awssqs.SendMessageBatchInput{QueueUrl: aws.String("/")})

		assert.ErrorIs(t, err, ErrInvalidQueueURL)
		assert.Equal(t, 0, *opened)
	})

	t.Run("Closed publisher rejects sends", func(t *testing.T) {
		p, _ := newTestPublisher(t, newFakeChannel())
		require.NoError(t, p.Close())

		_, err := p.SendMessageBatch(context.Background(), batchInput("a"))

		assert.ErrorIs(t, err, ErrPublisherClosed)
	})
}

func TestBatchPublisherSendMessage(t *testing.T) {
	t.Run("Returns the broker message id", func(t *testing.T) {
		ch := newFakeChannel()
		p, _ := newTestPublisher(t, ch)

		out, err := p.SendMessage(context.Background(), &awssqs.SendMessageInput{
			QueueUrl:    aws.String(testQueueURL),
			MessageBody: aws.String("{}"),
		})

		require.NoError(t, err)
		assert.Equal(t, ch.messages()[0].msg.MessageId, aws.ToString(out.MessageId))
	})

	t.Run("Nack becomes a publish error", func(t *testing.T) {
		ch := newFakeChannel()
		ch.nack[1] = true
		p, _ := newTestPublisher(t, ch)

		_, err := p.SendMessage(context.Background(), &awssqs.SendMessageInput{
			QueueUrl:    aws.String(testQueueURL),
			MessageBody: aws.String("{}"),
		})

		var perr *PublishError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, codeNacked, perr.Code)
		assert.ErrorIs(t, err, ErrPublishNotConfirmed)
	})
}

func TestNewBatchPublisher(t *testing.T) {
	t.Run("Requires a url without a channel opener", func(t *testing.T) {
		_, err := NewBatchPublisher("")
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})
}

func TestQueueName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{testQueueURL, "orders"},
		{"http://localhost:4566/000000000000/orders.fifo", "orders.fifo"},
		{"orders", "orders"},
		{"http://localhost/q/", "q"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := QueueName(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := QueueName("")
	assert.ErrorIs(t, err, ErrInvalidQueueURL)
}
