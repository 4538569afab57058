package messaging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBodyStore serves bodies from memory.
type fakeBodyStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	err        error
	failFirst  int
	opens      atomic.Int32
	unsized    bool
	openHook   func(ctx context.Context)
	readerHook func(ctx context.Context, data []byte) io.Reader
}

func newFakeBodyStore() *fakeBodyStore {
	return &fakeBodyStore{objects: map[string][]byte{}}
}

func (s *fakeBodyStore) put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
}

func (s *fakeBodyStore) Open(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	n := s.opens.Add(1)
	if s.openHook != nil {
		s.openHook(ctx)
	}
	if s.err != nil {
		return nil, 0, s.err
	}
	if int(n) <= s.failFirst {
		return nil, 0, errors.New("transient store failure")
	}

	s.mu.Lock()
	data, ok := s.objects[key]
	s.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("key %s not found", key)
	}

	var r io.Reader = bytes.NewReader(data)
	if s.readerHook != nil {
		r = s.readerHook(ctx, data)
	}
	size := int64(len(data))
	if s.unsized {
		size = -1
	}
	return io.NopCloser(r), size, nil
}

// countingPool tracks rented and returned buffers.
type countingPool struct {
	rented   atomic.Int32
	returned atomic.Int32
}

func (p *countingPool) Rent(size int) []byte {
	p.rented.Add(1)
	return make([]byte, size)
}

func (p *countingPool) Return([]byte) {
	p.returned.Add(1)
}

func inlineMessage(body string) *contracts.TransportMessage {
	tm := contracts.NewTransportMessage()
	tm.Body = body
	return tm
}

func offloadedMessage(key string) *contracts.TransportMessage {
	tm := contracts.NewTransportMessage()
	tm.S3BodyKey = key
	return tm
}

func TestBodyResolver_EmptyBodies(t *testing.T) {
	for _, body := range []string{"", contracts.EmptyBodyMarker} {
		t.Run(fmt.Sprintf("body %q", body), func(t *testing.T) {
			pool := &countingPool{}
			r := NewBodyResolver(nil, pool)

			b, err := r.RetrieveBody(context.Background(), inlineMessage(body), "m1")
			require.NoError(t, err)

			assert.Equal(t, 0, b.Len())
			assert.Empty(t, b.Bytes())
			assert.Zero(t, pool.rented.Load())
			b.Release()
			assert.Zero(t, pool.returned.Load())
		})
	}
}

func TestBodyResolver_Inline(t *testing.T) {
	pool := &countingPool{}
	r := NewBodyResolver(nil, pool)

	b, err := r.RetrieveBody(context.Background(), inlineMessage(EncodeBody([]byte("This is a test"))), "m1")
	require.NoError(t, err)

	assert.Equal(t, []byte("This is a test"), b.Bytes())
	assert.Equal(t, int32(1), pool.rented.Load())

	b.Release()
	b.Release()
	assert.Equal(t, int32(1), pool.returned.Load())
	assert.Nil(t, b.Bytes())
}

func TestBodyResolver_InvalidInlineBody(t *testing.T) {
	pool := &countingPool{}
	r := NewBodyResolver(nil, pool)

	b, err := r.RetrieveBody(context.Background(), inlineMessage("not base64!!"), "m1")

	assert.Nil(t, b)
	assert.ErrorIs(t, err, contracts.ErrMalformedEnvelope)
	assert.True(t, contracts.IsPoison(err))
	assert.Equal(t, pool.rented.Load(), pool.returned.Load())
}

func TestBodyResolver_Offloaded(t *testing.T) {
	payload := bytes.Repeat([]byte("abcdef"), 100_000)

	t.Run("known size", func(t *testing.T) {
		store := newFakeBodyStore()
		store.put("bodies/m1", payload)
		r := NewBodyResolver(store, NewBufferPool())

		b, err := r.RetrieveBody(context.Background(), offloadedMessage("bodies/m1"), "m1")
		require.NoError(t, err)
		defer b.Release()

		assert.Equal(t, payload, b.Bytes())
	})

	t.Run("unknown size", func(t *testing.T) {
		store := newFakeBodyStore()
		store.unsized = true
		store.put("bodies/m1", payload)
		r := NewBodyResolver(store, nil)

		b, err := r.RetrieveBody(context.Background(), offloadedMessage("bodies/m1"), "m1")
		require.NoError(t, err)
		defer b.Release()

		assert.Equal(t, payload, b.Bytes())
	})

	t.Run("offloaded key wins over inline body", func(t *testing.T) {
		store := newFakeBodyStore()
		store.put("k", []byte("from store"))
		tm := offloadedMessage("k")
		tm.Body = EncodeBody([]byte("inline"))

		b, err := NewBodyResolver(store, nil).RetrieveBody(context.Background(), tm, "m1")
		require.NoError(t, err)

		assert.Equal(t, []byte("from store"), b.Bytes())
	})
}

func TestBodyResolver_StoreFailures(t *testing.T) {
	t.Run("store error surfaces as retrieval error", func(t *testing.T) {
		store := newFakeBodyStore()
		store.err = errors.New("access denied")
		r := NewBodyResolver(store, nil)

		b, err := r.RetrieveBody(context.Background(), offloadedMessage("k"), "m1")

		assert.Nil(t, b)
		assert.ErrorIs(t, err, contracts.ErrBodyRetrieval)
		var retrievalErr *contracts.BodyRetrievalError
		require.ErrorAs(t, err, &retrievalErr)
		assert.Equal(t, "k", retrievalErr.Key)
		assert.Equal(t, "m1", retrievalErr.MessageID)
		assert.False(t, contracts.IsPoison(err))
	})

	t.Run("missing store", func(t *testing.T) {
		r := NewBodyResolver(nil, nil)

		_, err := r.RetrieveBody(context.Background(), offloadedMessage("k"), "m1")

		assert.ErrorIs(t, err, ErrNoBodyStore)
		assert.ErrorIs(t, err, contracts.ErrBodyRetrieval)
	})

	t.Run("transient failures are retried", func(t *testing.T) {
		store := newFakeBodyStore()
		store.failFirst = 2
		store.put("k", []byte("body"))
		r := NewBodyResolver(store, nil, WithFetchRetryPolicy(reliability.NewFixedDelay(0, 3)))

		b, err := r.RetrieveBody(context.Background(), offloadedMessage("k"), "m1")
		require.NoError(t, err)

		assert.Equal(t, []byte("body"), b.Bytes())
		assert.Equal(t, int32(3), store.opens.Load())
	})

	t.Run("circuit breaker stops calling the store", func(t *testing.T) {
		store := newFakeBodyStore()
		store.err = errors.New("unavailable")
		cb := reliability.NewCircuitBreaker(reliability.WithFailureThreshold(2))
		r := NewBodyResolver(store, nil, WithFetchCircuitBreaker(cb))

		for i := 0; i < 4; i++ {
			_, err := r.RetrieveBody(context.Background(), offloadedMessage("k"), "m1")
			assert.ErrorIs(t, err, contracts.ErrBodyRetrieval)
		}

		assert.Equal(t, int32(2), store.opens.Load())
		assert.Equal(t, reliability.StateOpen, cb.State())
	})
}

// cancellingReader cancels after handing out the first chunk.
type cancellingReader struct {
	data   []byte
	cancel context.CancelFunc
	done   bool
}

func (c *cancellingReader) Read(p []byte) (int, error) {
	if c.done {
		return 0, io.ErrUnexpectedEOF
	}
	c.done = true
	n := copy(p, c.data[:len(c.data)/2])
	c.cancel()
	return n, nil
}

func TestBodyResolver_Cancellation(t *testing.T) {
	t.Run("already cancelled context", func(t *testing.T) {
		store := newFakeBodyStore()
		store.put("k", []byte("body"))
		r := NewBodyResolver(store, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		b, err := r.RetrieveBody(ctx, offloadedMessage("k"), "m1")

		assert.Nil(t, b)
		assert.ErrorIs(t, err, contracts.ErrRetrievalCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, contracts.ErrBodyRetrieval)
		assert.Zero(t, store.opens.Load())
	})

	t.Run("cancelled while opening", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		store := newFakeBodyStore()
		store.openHook = func(context.Context) { cancel() }
		store.err = context.Canceled
		r := NewBodyResolver(store, nil)

		_, err := r.RetrieveBody(ctx, offloadedMessage("k"), "m1")

		assert.ErrorIs(t, err, contracts.ErrRetrievalCancelled)
	})

	t.Run("cancelled mid read returns buffer to pool", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		store := newFakeBodyStore()
		store.put("k", bytes.Repeat([]byte("x"), 4096))
		store.readerHook = func(_ context.Context, data []byte) io.Reader {
			return &cancellingReader{data: data, cancel: cancel}
		}
		pool := &countingPool{}
		r := NewBodyResolver(store, pool)

		b, err := r.RetrieveBody(ctx, offloadedMessage("k"), "m1")

		assert.Nil(t, b)
		assert.ErrorIs(t, err, contracts.ErrRetrievalCancelled)
		assert.Equal(t, pool.rented.Load(), pool.returned.Load())
	})

	t.Run("pool stays usable after cancellations", func(t *testing.T) {
		pool := NewBufferPool()
		store := newFakeBodyStore()
		store.put("k", []byte("intact body"))
		r := NewBodyResolver(store, pool)

		for i := 0; i < 5; i++ {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := r.RetrieveBody(ctx, offloadedMessage("k"), "m1")
			require.ErrorIs(t, err, contracts.ErrRetrievalCancelled)
		}

		b, err := r.RetrieveBody(context.Background(), offloadedMessage("k"), "m1")
		require.NoError(t, err)
		assert.Equal(t, []byte("intact body"), b.Bytes())
	})
}

func TestBodyResolver_Concurrent(t *testing.T) {
	store := newFakeBodyStore()
	for i := 0; i < 8; i++ {
		store.put(fmt.Sprintf("k%d", i), bytes.Repeat([]byte{byte('a' + i)}, 1000*(i+1)))
	}
	r := NewBodyResolver(store, NewBufferPool(WithPoolCapacity(4)))

	var wg sync.WaitGroup
	for g := 0; g < 32; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			i := g % 8
			var tm *contracts.TransportMessage
			want := bytes.Repeat([]byte{byte('a' + i)}, 1000*(i+1))
			if g%2 == 0 {
				tm = offloadedMessage(fmt.Sprintf("k%d", i))
			} else {
				tm = inlineMessage(EncodeBody(want))
			}

			b, err := r.RetrieveBody(context.Background(), tm, fmt.Sprintf("m%d", g))
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, want, b.Bytes())
			b.Release()
		}(g)
	}
	wg.Wait()
}
