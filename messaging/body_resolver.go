package messaging

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/reliability"
)

// ErrNoBodyStore is returned when a message references an offloaded body but
// no store was configured.
var ErrNoBodyStore = errors.New("messaging: no body store configured")

// BodyStore fetches offloaded bodies. size is -1 when unknown.
type BodyStore interface {
	Open(ctx context.Context, key string) (rc io.ReadCloser, size int64, err error)
}

// Body is a resolved message body backed by a pooled buffer.
// Release must be called once the bytes are no longer used.
type Body struct {
	data []byte
	buf  []byte
	pool BufferPool
	once sync.Once
}

// Bytes returns the body. The slice is invalid after Release.
func (b *Body) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Len returns the body length.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Release returns the backing buffer to the pool. Safe to call more than once.
func (b *Body) Release() {
	if b == nil {
		return
	}
	b.once.Do(func() {
		if b.buf != nil && b.pool != nil {
			b.pool.Return(b.buf)
		}
		b.data, b.buf = nil, nil
	})
}

// BodyResolverOption configures a BodyResolver.
type BodyResolverOption func(*BodyResolver)

// WithResolverLogger sets the logger.
func WithResolverLogger(logger *slog.Logger) BodyResolverOption {
	return func(r *BodyResolver) {
		r.logger = logger
	}
}

// WithFetchRetryPolicy retries failed opens of offloaded bodies.
func WithFetchRetryPolicy(policy reliability.RetryPolicy) BodyResolverOption {
	return func(r *BodyResolver) {
		r.retryPolicy = policy
	}
}

// WithFetchCircuitBreaker guards the blob store with a circuit breaker.
func WithFetchCircuitBreaker(cb *reliability.CircuitBreaker) BodyResolverOption {
	return func(r *BodyResolver) {
		r.circuitBreaker = cb
	}
}

// BodyResolver turns an envelope into body bytes, decoding inline bodies or
// fetching offloaded ones.
type BodyResolver struct {
	store          BodyStore
	pool           BufferPool
	logger         *slog.Logger
	retryPolicy    reliability.RetryPolicy
	circuitBreaker *reliability.CircuitBreaker
}

// NewBodyResolver creates a resolver. store may be nil when offloading is not used;
// a nil pool gets a default ChannelBufferPool.
func NewBodyResolver(store BodyStore, pool BufferPool, opts ...BodyResolverOption) *BodyResolver {
	if pool == nil {
		pool = NewBufferPool()
	}
	r := &BodyResolver{
		store:       store,
		pool:        pool,
		logger:      slog.Default(),
		retryPolicy: reliability.NewFixedDelay(0, 0),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetrieveBody returns the body of tm. Absent, empty and marker bodies yield an
// empty Body without touching the pool.
func (r *BodyResolver) RetrieveBody(ctx context.Context, tm *contracts.TransportMessage, messageID string) (*Body, error) {
	if tm == nil {
		return nil, fmt.Errorf("envelope cannot be nil")
	}
	if tm.HasOffloadedBody() {
		return r.fetch(ctx, tm.S3BodyKey, messageID)
	}
	return r.decodeInline(tm.Body)
}

func (r *BodyResolver) decodeInline(body string) (*Body, error) {
	if body == "" || body == contracts.EmptyBodyMarker {
		return &Body{}, nil
	}

	buf := r.pool.Rent(base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(buf, []byte(body))
	if err != nil {
		r.pool.Return(buf)
		return nil, &contracts.MalformedEnvelopeError{Reason: "Body is not base64", Err: err}
	}

	return &Body{data: buf[:n], buf: buf, pool: r.pool}, nil
}

func (r *BodyResolver) fetch(ctx context.Context, key, messageID string) (*Body, error) {
	if r.store == nil {
		return nil, &contracts.BodyRetrievalError{Key: key, MessageID: messageID, Err: ErrNoBodyStore}
	}
	if err := ctx.Err(); err != nil {
		return nil, r.cancelled(key, messageID, err)
	}

	var (
		rc   io.ReadCloser
		size int64
	)
	open := func() error {
		var err error
		rc, size, err = r.store.Open(ctx, key)
		return err
	}
	if r.circuitBreaker != nil {
		guarded := open
		open = func() error {
			return r.circuitBreaker.Execute(ctx, guarded)
		}
	}

	if err := reliability.Retry(ctx, r.retryPolicy, open); err != nil {
		if ctx.Err() != nil {
			return nil, r.cancelled(key, messageID, ctx.Err())
		}
		return nil, &contracts.BodyRetrievalError{Key: key, MessageID: messageID, Err: err}
	}
	defer rc.Close()

	reader := &contextReader{ctx: ctx, r: rc}

	var buf []byte
	var n int
	if size >= 0 {
		buf = r.pool.Rent(int(size))
		read, err := io.ReadFull(reader, buf)
		if err != nil {
			r.pool.Return(buf)
			return nil, r.readFailure(ctx, key, messageID, err)
		}
		n = read
	} else {
		var staged bytes.Buffer
		if _, err := staged.ReadFrom(reader); err != nil {
			return nil, r.readFailure(ctx, key, messageID, err)
		}
		buf = r.pool.Rent(staged.Len())
		n = copy(buf, staged.Bytes())
	}

	r.logger.Debug("retrieved offloaded body",
		"messageId", messageID,
		"key", key,
		"size", n,
	)

	return &Body{data: buf[:n], buf: buf, pool: r.pool}, nil
}

func (r *BodyResolver) readFailure(ctx context.Context, key, messageID string, err error) error {
	if ctx.Err() != nil {
		return r.cancelled(key, messageID, ctx.Err())
	}
	return &contracts.BodyRetrievalError{Key: key, MessageID: messageID, Err: err}
}

func (r *BodyResolver) cancelled(key, messageID string, cause error) error {
	r.logger.Debug("body retrieval cancelled",
		"messageId", messageID,
		"key", key,
		"reason", cause,
	)
	return fmt.Errorf("%w: message %s: %w", contracts.ErrRetrievalCancelled, messageID, cause)
}

// contextReader stops reading once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
