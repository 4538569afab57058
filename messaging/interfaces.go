package messaging

import (
	"sync/atomic"
	"time"
)

// MetricsCollector records dispatch and receive activity.
type MetricsCollector interface {
	// RecordBatch records one batch send attempt.
	RecordBatch(destination string, messageCount int, payloadSize int64, duration time.Duration, success bool)

	// RecordOffload records a body moved to blob storage.
	RecordOffload(destination string, size int64)

	// RecordReceive records an inbound message conversion.
	RecordReceive(success bool, errorType string)

	// GetStats returns current stats
	GetStats() MetricsStats
}

// MetricsStats contains messaging statistics
type MetricsStats struct {
	BatchesSent      int64
	BatchesFailed    int64
	MessagesSent     int64
	BodiesOffloaded  int64
	MessagesReceived int64
	ReceiveFailures  int64
}

// NoOpMetricsCollector is a no-op implementation of MetricsCollector
type NoOpMetricsCollector struct{}

// RecordBatch does nothing
func (n *NoOpMetricsCollector) RecordBatch(string, int, int64, time.Duration, bool) {}

// RecordOffload does nothing
func (n *NoOpMetricsCollector) RecordOffload(string, int64) {}

// RecordReceive does nothing
func (n *NoOpMetricsCollector) RecordReceive(bool, string) {}

// GetStats returns empty stats
func (n *NoOpMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{}
}

// CountingMetricsCollector keeps running totals in memory.
type CountingMetricsCollector struct {
	batchesSent      atomic.Int64
	batchesFailed    atomic.Int64
	messagesSent     atomic.Int64
	bodiesOffloaded  atomic.Int64
	messagesReceived atomic.Int64
	receiveFailures  atomic.Int64
}

// NewCountingMetricsCollector creates an in-memory collector.
func NewCountingMetricsCollector() *CountingMetricsCollector {
	return &CountingMetricsCollector{}
}

func (c *CountingMetricsCollector) RecordBatch(_ string, messageCount int, _ int64, _ time.Duration, success bool) {
	if !success {
		c.batchesFailed.Add(1)
		return
	}
	c.batchesSent.Add(1)
	c.messagesSent.Add(int64(messageCount))
}

func (c *CountingMetricsCollector) RecordOffload(string, int64) {
	c.bodiesOffloaded.Add(1)
}

func (c *CountingMetricsCollector) RecordReceive(success bool, _ string) {
	if success {
		c.messagesReceived.Add(1)
		return
	}
	c.receiveFailures.Add(1)
}

func (c *CountingMetricsCollector) GetStats() MetricsStats {
	return MetricsStats{
		BatchesSent:      c.batchesSent.Load(),
		BatchesFailed:    c.batchesFailed.Load(),
		MessagesSent:     c.messagesSent.Load(),
		BodiesOffloaded:  c.bodiesOffloaded.Load(),
		MessagesReceived: c.messagesReceived.Load(),
		ReceiveFailures:  c.receiveFailures.Load(),
	}
}
