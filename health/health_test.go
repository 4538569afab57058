package health

import (
	"context"
	"errors"
	"testing"
	"time"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func staticChecker(name string, status Status) Checker {
	return NewCheckerFunc(name, func(context.Context) CheckResult {
		return CheckResult{Name: name, Status: status}
	})
}

func TestRegistry(t *testing.T) {
	t.Run("Empty registry is healthy", func(t *testing.T) {
		result := NewRegistry().Check(context.Background())

		assert.Equal(t, StatusHealthy, result.Status)
		assert.Empty(t, result.Checks)
	})

	t.Run("Worst status wins", func(t *testing.T) {
		tests := []struct {
			name     string
			statuses []Status
			want     Status
		}{
			{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
			{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
			{"one unhealthy", []Status{StatusDegraded, StatusUnhealthy, StatusHealthy}, StatusUnhealthy},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				r := NewRegistry()
				for i, s := range tt.statuses {
					r.Register(staticChecker(string(rune('a'+i)), s))
				}

				result := r.Check(context.Background())

				assert.Equal(t, tt.want, result.Status)
				assert.Len(t, result.Checks, len(tt.statuses))
			})
		}
	})

	t.Run("Register replaces and Unregister removes", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("queue", StatusUnhealthy))
		r.Register(staticChecker("queue", StatusHealthy))
		r.Register(staticChecker("blobstore", StatusHealthy))
		assert.Equal(t, []string{"blobstore", "queue"}, r.Names())

		r.Unregister("blobstore")

		result := r.Check(context.Background())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, []string{"queue"}, r.Names())
	})

	t.Run("Slow checks are reported unhealthy when the context ends", func(t *testing.T) {
		r := NewRegistry()
		r.Register(staticChecker("fast", StatusHealthy))
		r.Register(NewCheckerFunc("slow", func(ctx context.Context) CheckResult {
			<-ctx.Done()
			return CheckResult{Name: "slow", Status: StatusHealthy}
		}))
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		result := r.Check(ctx)

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Equal(t, StatusHealthy, result.Checks["fast"].Status)
		assert.Equal(t, "Check timed out", result.Checks["slow"].Message)
	})
}

type mockQueueClient struct {
	mock.Mock
}

func (m *mockQueueClient) GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, _ ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*awssqs.GetQueueAttributesOutput)
	return out, args.Error(1)
}

type fakeBucket struct {
	exists bool
	err    error
}

func (f fakeBucket) Bucket() string { return "bodies" }

func (f fakeBucket) BucketExists(context.Context) (bool, error) { return f.exists, f.err }

const testQueueURL = "https://sqs.eu-west-1.amazonaws.com/123456789012/orders"

func TestQueueChecker(t *testing.T) {
	t.Run("Healthy queue reports message counts", func(t *testing.T) {
		client := &mockQueueClient{}
		client.On("GetQueueAttributes", mock.Anything, mock.MatchedBy(func(in *awssqs.GetQueueAttributesInput) bool {
			return *in.QueueUrl == testQueueURL
		})).Return(&awssqs.GetQueueAttributesOutput{Attributes: map[string]string{
			"ApproximateNumberOfMessages":           "12",
			"ApproximateNumberOfMessagesNotVisible": "3",
		}}, nil)
		checker := NewQueueChecker(testQueueURL, client, nil)

		result := checker.Check(context.Background())

		assert.Equal(t, "queue_orders", checker.Name())
		assert.Equal(t, StatusHealthy, result.Status)
		assert.Equal(t, 12, result.Details["message_count"])
		assert.Equal(t, 3, result.Details["in_flight_count"])
		client.AssertExpectations(t)
	})

	t.Run("Unreachable queue is unhealthy", func(t *testing.T) {
		client := &mockQueueClient{}
		client.On("GetQueueAttributes", mock.Anything, mock.Anything).Return(nil, errors.New("AWS.SimpleQueueService.NonExistentQueue"))

		result := NewQueueChecker(testQueueURL, client, nil).Check(context.Background())

		assert.Equal(t, StatusUnhealthy, result.Status)
		assert.Contains(t, result.Error, "NonExistentQueue")
	})
}

func TestBlobStoreChecker(t *testing.T) {
	tests := []struct {
		name   string
		bucket fakeBucket
		want   Status
	}{
		{"bucket exists", fakeBucket{exists: true}, StatusHealthy},
		{"bucket missing", fakeBucket{exists: false}, StatusUnhealthy},
		{"store error", fakeBucket{err: errors.New("connection refused")}, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := NewBlobStoreChecker(tt.bucket, nil).Check(context.Background())

			require.Equal(t, tt.want, result.Status)
			assert.Equal(t, "bodies", result.Details["bucket"])
		})
	}
}
