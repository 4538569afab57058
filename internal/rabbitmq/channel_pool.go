package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelOpener opens a new broker channel
type ChannelOpener func(ctx context.Context) (Channel, error)

// PooledChannel is a channel in confirm mode with its confirmation stream
type PooledChannel struct {
	Channel
	confirms chan amqp.Confirmation
}

// ChannelPool keeps confirm-mode channels for reuse
type ChannelPool struct {
	open     ChannelOpener
	channels chan *PooledChannel
	maxSize  int
	mu       sync.Mutex
	closed   bool
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets how many idle channels are kept
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a pool that opens channels with open
func NewChannelPool(open ChannelOpener, options ...ChannelPoolOption) (*ChannelPool, error) {
	if open == nil {
		return nil, ErrInvalidConfiguration
	}

	pool := &ChannelPool{
		open:    open,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(pool)
	}

	if pool.maxSize < 1 {
		return nil, fmt.Errorf("%w: max size must be at least 1", ErrInvalidConfiguration)
	}
	pool.channels = make(chan *PooledChannel, pool.maxSize)

	return pool, nil
}

// Get returns an idle channel or opens a new one
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed {
		return nil, ErrChannelPoolClosed
	}

	for {
		select {
		case ch := <-cp.channels:
			if ch.IsClosed() {
				continue
			}
			return ch, nil
		default:
			return cp.create(ctx)
		}
	}
}

// Put returns a channel to the pool. Closed channels and channels that do
// not fit are discarded.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil || ch.IsClosed() {
		return
	}

	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		ch.Close()
		return
	}

	select {
	case cp.channels <- ch:
	default:
		ch.Close()
	}
}

// Discard closes a channel that is in an unknown state
func (cp *ChannelPool) Discard(ch *PooledChannel) {
	if ch != nil && !ch.IsClosed() {
		ch.Close()
	}
}

// Idle reports how many channels are waiting to be reused
func (cp *ChannelPool) Idle() int {
	return len(cp.channels)
}

// Close closes all idle channels
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	if cp.closed {
		return nil
	}
	cp.closed = true
	close(cp.channels)

	for ch := range cp.channels {
		if !ch.IsClosed() {
			ch.Close()
		}
	}
	return nil
}

func (cp *ChannelPool) create(ctx context.Context) (*PooledChannel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "create channel", Err: err}
	}

	ch, err := cp.open(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "enable confirms", Err: err}
	}

	// one registration per channel; the buffer must hold a full batch of confirmations
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 64))

	return &PooledChannel{Channel: ch, confirms: confirms}, nil
}
