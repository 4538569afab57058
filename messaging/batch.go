package messaging

import (
	"github.com/google/uuid"
)

// Limits imposed by the queueing service on a single batch send.
const (
	MaxPayloadSize  int64 = 256 * 1024
	MaxItemsInBatch       = 10
)

// PreparedMessage is a serialized message ready for batching. Size is the
// number of bytes the message counts against the request payload limit and is
// computed once by the producer.
type PreparedMessage interface {
	Destination() string
	Size() int64
}

// BatchItem pairs a message with the correlation token it is sent under.
type BatchItem[M PreparedMessage] struct {
	ID      string
	Message M
}

// BatchEntry is one request-sized group of messages for a single destination.
type BatchEntry[M PreparedMessage, R any] struct {
	Destination string
	Request     R
	Items       []BatchItem[M]
}

// Size returns the summed size of the entry's messages.
func (e BatchEntry[M, R]) Size() int64 {
	var total int64
	for _, item := range e.Items {
		total += item.Message.Size()
	}
	return total
}

// RequestBuilder turns the items of one batch into the request for the queue client.
type RequestBuilder[M PreparedMessage, R any] func(destination string, items []BatchItem[M]) R

// BatcherOption configures a Batcher.
type BatcherOption func(*batcherConfig)

type batcherConfig struct {
	maxPayloadSize int64
	maxItems       int
	newID          func() string
}

// WithMaxPayloadSize overrides the per-request payload limit.
func WithMaxPayloadSize(size int64) BatcherOption {
	return func(c *batcherConfig) {
		c.maxPayloadSize = size
	}
}

// WithMaxItemsInBatch overrides the per-request item limit.
func WithMaxItemsInBatch(n int) BatcherOption {
	return func(c *batcherConfig) {
		c.maxItems = n
	}
}

// WithCorrelationIDGenerator sets the token generator. Tokens must only use
// letters, digits, hyphens and underscores and be unique within a batch.
// The generator may be called concurrently.
func WithCorrelationIDGenerator(fn func() string) BatcherOption {
	return func(c *batcherConfig) {
		c.newID = fn
	}
}

// Batcher groups prepared messages by destination and splits each group into
// requests that respect the payload and item limits.
type Batcher[M PreparedMessage, R any] struct {
	cfg   batcherConfig
	build RequestBuilder[M, R]
}

// NewBatcher creates a batcher that builds requests with build.
func NewBatcher[M PreparedMessage, R any](build RequestBuilder[M, R], opts ...BatcherOption) *Batcher[M, R] {
	cfg := batcherConfig{
		maxPayloadSize: MaxPayloadSize,
		maxItems:       MaxItemsInBatch,
		newID:          uuid.NewString,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxItems < 1 {
		cfg.maxItems = 1
	}

	return &Batcher[M, R]{cfg: cfg, build: build}
}

// Batch splits messages into batch entries.
//
// Destinations keep the order of their first appearance and messages keep
// their input order within a destination. A message that alone exceeds the
// payload limit still gets its own entry; admissibility is checked upstream.
func (b *Batcher[M, R]) Batch(messages []M) []BatchEntry[M, R] {
	var entries []BatchEntry[M, R]

	for _, group := range groupByDestination(messages) {
		var (
			current     []BatchItem[M]
			payloadSize int64
		)
		flush := func() {
			entries = append(entries, BatchEntry[M, R]{
				Destination: group.destination,
				Request:     b.build(group.destination, current),
				Items:       current,
			})
			current = nil
		}

		for _, msg := range group.messages {
			size := msg.Size()
			if payloadSize+size > b.cfg.maxPayloadSize && len(current) > 0 {
				flush()
				payloadSize = 0
			}
			payloadSize += size

			current = append(current, BatchItem[M]{ID: b.cfg.newID(), Message: msg})

			if len(current)%b.cfg.maxItems == 0 {
				flush()
				payloadSize = 0
			}
		}

		if len(current) > 0 {
			flush()
		}
	}

	return entries
}

type destinationGroup[M PreparedMessage] struct {
	destination string
	messages    []M
}

// groupByDestination is an order-preserving multimap keyed by exact destination.
func groupByDestination[M PreparedMessage](messages []M) []destinationGroup[M] {
	index := make(map[string]int)
	var groups []destinationGroup[M]

	for _, msg := range messages {
		dest := msg.Destination()
		i, ok := index[dest]
		if !ok {
			i = len(groups)
			index[dest] = i
			groups = append(groups, destinationGroup[M]{destination: dest})
		}
		groups[i].messages = append(groups[i].messages, msg)
	}

	return groups
}
