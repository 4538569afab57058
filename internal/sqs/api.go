package sqs

import (
	"context"

	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/glimte/mmate-sqs/messaging"
)

// BatchSender sends a batch of messages to one queue.
// *awssqs.Client and rabbitmq.BatchPublisher implement it.
type BatchSender interface {
	SendMessageBatch(ctx context.Context, params *awssqs.SendMessageBatchInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error)
}

// MessageSender sends a single message
type MessageSender interface {
	SendMessage(ctx context.Context, params *awssqs.SendMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.SendMessageOutput, error)
}

// QueueAttributesGetter reads queue attributes
type QueueAttributesGetter interface {
	GetQueueAttributes(ctx context.Context, params *awssqs.GetQueueAttributesInput, optFns ...func(*awssqs.Options)) (*awssqs.GetQueueAttributesOutput, error)
}

// MessageReceiver polls and acknowledges messages
type MessageReceiver interface {
	ReceiveMessage(ctx context.Context, params *awssqs.ReceiveMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *awssqs.DeleteMessageInput, optFns ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error)
}

// API is the subset of the SQS client used by this module
type API interface {
	BatchSender
	MessageSender
	QueueAttributesGetter
	MessageReceiver
}

var _ API = (*awssqs.Client)(nil)

// BodyStore keeps bodies too large for the queue.
// *blobstore.Store implements it.
type BodyStore interface {
	messaging.BodyStore
	PutBody(ctx context.Context, messageID string, body []byte) (key string, err error)
}
