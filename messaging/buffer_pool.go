package messaging

// BufferPool lends byte slices for message bodies. Implementations must be
// safe for concurrent use.
type BufferPool interface {
	// Rent returns a slice of length size.
	Rent(size int) []byte
	// Return gives a rented slice back. Slices that were never rented are accepted.
	Return(buf []byte)
}

// ChannelBufferPool keeps a bounded free list of buffers in a channel.
// Return never blocks: when the free list is full the buffer is dropped.
type ChannelBufferPool struct {
	buffers       chan []byte
	maxBufferSize int
}

// BufferPoolOption configures a ChannelBufferPool.
type BufferPoolOption func(*bufferPoolConfig)

type bufferPoolConfig struct {
	capacity      int
	maxBufferSize int
}

// WithPoolCapacity sets how many idle buffers are kept.
func WithPoolCapacity(n int) BufferPoolOption {
	return func(c *bufferPoolConfig) {
		c.capacity = n
	}
}

// WithMaxPooledBufferSize sets the largest buffer capacity kept for reuse.
func WithMaxPooledBufferSize(n int) BufferPoolOption {
	return func(c *bufferPoolConfig) {
		c.maxBufferSize = n
	}
}

// NewBufferPool creates a pool holding up to 64 idle buffers of at most 1 MiB.
func NewBufferPool(opts ...BufferPoolOption) *ChannelBufferPool {
	cfg := bufferPoolConfig{
		capacity:      64,
		maxBufferSize: 1 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.capacity < 0 {
		cfg.capacity = 0
	}

	return &ChannelBufferPool{
		buffers:       make(chan []byte, cfg.capacity),
		maxBufferSize: cfg.maxBufferSize,
	}
}

// Rent returns a buffer of length size, reusing an idle one when it is large enough.
func (p *ChannelBufferPool) Rent(size int) []byte {
	if size < 0 {
		size = 0
	}

	select {
	case buf := <-p.buffers:
		if cap(buf) >= size {
			return buf[:size]
		}
		// too small for this request; keep it for a later one
		p.Return(buf)
	default:
	}

	return make([]byte, size)
}

// Return puts buf back on the free list.
func (p *ChannelBufferPool) Return(buf []byte) {
	if buf == nil || cap(buf) == 0 || cap(buf) > p.maxBufferSize {
		return
	}

	select {
	case p.buffers <- buf[:0]:
	default:
	}
}

// Idle reports how many buffers are waiting to be reused.
func (p *ChannelBufferPool) Idle() int {
	return len(p.buffers)
}
