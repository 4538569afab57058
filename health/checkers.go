package health

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// QueueAttributesGetter reads queue attributes
type QueueAttributesGetter interface {
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// BucketChecker reports whether the body bucket exists
type BucketChecker interface {
	Bucket() string
	BucketExists(ctx context.Context) (bool, error)
}

// QueueChecker checks that a queue exists and is accessible
type QueueChecker struct {
	queueURL string
	client   QueueAttributesGetter
	logger   *slog.Logger
}

// NewQueueChecker creates a new queue health checker
func NewQueueChecker(queueURL string, client QueueAttributesGetter, logger *slog.Logger) *QueueChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueueChecker{
		queueURL: queueURL,
		client:   client,
		logger:   logger,
	}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", queueName(c.queueURL))
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	out, err := c.client.GetQueueAttributes(ctx, &awssqs.GetQueueAttributesInput{
		QueueUrl: aws.String(c.queueURL),
		AttributeNames: []types.QueueAttributeName{
			types.QueueAttributeNameApproximateNumberOfMessages,
			types.QueueAttributeNameApproximateNumberOfMessagesNotVisible,
		},
	})
	if err != nil {
		c.logger.Warn("queue health check failed", "queue", c.queueURL, "error", err)
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Queue %s not accessible", c.queueURL)
		result.Error = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Queue %s is accessible", c.queueURL)
	result.Duration = time.Since(start)
	result.Details["queue_url"] = c.queueURL
	if n, ok := intAttribute(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessages); ok {
		result.Details["message_count"] = n
	}
	if n, ok := intAttribute(out.Attributes, types.QueueAttributeNameApproximateNumberOfMessagesNotVisible); ok {
		result.Details["in_flight_count"] = n
	}
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

// BlobStoreChecker checks that the bucket holding offloaded bodies exists
type BlobStoreChecker struct {
	store  BucketChecker
	logger *slog.Logger
}

// NewBlobStoreChecker creates a new blob store health checker
func NewBlobStoreChecker(store BucketChecker, logger *slog.Logger) *BlobStoreChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobStoreChecker{
		store:  store,
		logger: logger,
	}
}

func (c *BlobStoreChecker) Name() string {
	return "blobstore"
}

func (c *BlobStoreChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]interface{}{"bucket": c.store.Bucket()},
	}

	exists, err := c.store.BucketExists(ctx)
	result.Duration = time.Since(start)
	switch {
	case err != nil:
		c.logger.Warn("blob store health check failed", "bucket", c.store.Bucket(), "error", err)
		result.Status = StatusUnhealthy
		result.Message = "Blob store not accessible"
		result.Error = err.Error()
	case !exists:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Bucket %s does not exist", c.store.Bucket())
		result.Error = "bucket not found"
	default:
		result.Status = StatusHealthy
		result.Message = "Blob store is healthy"
	}
	result.Details["response_time_ms"] = result.Duration.Milliseconds()

	return result
}

func intAttribute(attrs map[string]string, name types.QueueAttributeName) (int, bool) {
	v, ok := attrs[string(name)]
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func queueName(queueURL string) string {
	return queueURL[strings.LastIndex(queueURL, "/")+1:]
}
