package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the publisher uses
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	GetNextPublishSeqNo() uint64
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)

// ConnectionManager owns the broker connection and reopens it when it was lost
type ConnectionManager struct {
	url            string
	conn           *amqp.Connection
	mu             sync.Mutex
	connectTimeout time.Duration
	logger         *slog.Logger
	closed         bool
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithConnectTimeout bounds how long a dial may take
func WithConnectTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectTimeout = timeout
	}
}

// NewConnectionManager creates a new connection manager. No connection is made until Connect or OpenChannel.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		connectTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect dials the broker if there is no open connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	_, err := cm.connectLocked(ctx)
	return err
}

// OpenChannel opens a channel on the current connection, reconnecting first when needed
func (cm *ConnectionManager) OpenChannel(ctx context.Context) (Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	conn, err := cm.connectLocked(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", Err: err}
	}
	return ch, nil
}

// Close closes the connection
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.closed = true
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil
	}
	err := cm.conn.Close()
	cm.conn = nil
	return err
}

func (cm *ConnectionManager) connectLocked(ctx context.Context) (*amqp.Connection, error) {
	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return cm.conn, nil
	}

	connCtx, cancel := context.WithTimeout(ctx, cm.connectTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	dialed := make(chan result, 1)
	go func() {
		conn, err := amqp.Dial(cm.url)
		dialed <- result{conn, err}
	}()

	select {
	case r := <-dialed:
		if r.err != nil {
			return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: r.err, Timestamp: time.Now()}
		}
		cm.conn = r.conn
		cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
		return cm.conn, nil

	case <-connCtx.Done():
		// close a connection that arrives after we gave up
		go func() {
			if r := <-dialed; r.conn != nil {
				r.conn.Close()
			}
		}()
		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()}
	}
}
