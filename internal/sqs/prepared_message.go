package sqs

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/glimte/mmate-sqs/contracts"
	"github.com/glimte/mmate-sqs/messaging"
)

const (
	// MaxDelaySeconds is the longest per-message delay a queue accepts
	MaxDelaySeconds = 900

	fifoSuffix = ".fifo"
)

// PreparedMessage is a serialized message ready to be batched for one queue
type PreparedMessage struct {
	MessageID       string
	QueueURL        string
	Body            string
	Attributes      map[string]types.MessageAttributeValue
	DelaySeconds    int32
	GroupID         string
	DeduplicationID string

	size int64
}

// NewPreparedMessage builds a message for queueURL. FIFO queues get a group
// id of the queue URL and a deduplication id of the message id.
func NewPreparedMessage(messageID, queueURL, body string, attributes map[string]types.MessageAttributeValue, delaySeconds int32) *PreparedMessage {
	pm := &PreparedMessage{
		MessageID:    messageID,
		QueueURL:     queueURL,
		Body:         body,
		Attributes:   attributes,
		DelaySeconds: delaySeconds,
	}
	if IsFIFO(queueURL) {
		pm.GroupID = queueURL
		pm.DeduplicationID = messageID
		// FIFO queues only support a queue level delay
		pm.DelaySeconds = 0
	}
	pm.size = payloadSize(body, attributes)
	return pm
}

// Destination implements messaging.PreparedMessage
func (m *PreparedMessage) Destination() string {
	return m.QueueURL
}

// Size implements messaging.PreparedMessage. It counts the body and every
// attribute name, type and value, as the queue does.
func (m *PreparedMessage) Size() int64 {
	return m.size
}

func (m *PreparedMessage) entry(id string) types.SendMessageBatchRequestEntry {
	e := types.SendMessageBatchRequestEntry{
		Id:                aws.String(id),
		MessageBody:       aws.String(m.Body),
		MessageAttributes: m.Attributes,
		DelaySeconds:      m.DelaySeconds,
	}
	if m.GroupID != "" {
		e.MessageGroupId = aws.String(m.GroupID)
		e.MessageDeduplicationId = aws.String(m.DeduplicationID)
	}
	return e
}

// ToBatchRequest is the messaging.RequestBuilder for SendMessageBatch
func ToBatchRequest(destination string, items []messaging.BatchItem[*PreparedMessage]) *awssqs.SendMessageBatchInput {
	entries := make([]types.SendMessageBatchRequestEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, item.Message.entry(item.ID))
	}
	return &awssqs.SendMessageBatchInput{
		QueueUrl: aws.String(destination),
		Entries:  entries,
	}
}

// IsFIFO reports whether queueURL names a FIFO queue
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, fifoSuffix)
}

func payloadSize(body string, attributes map[string]types.MessageAttributeValue) int64 {
	size := int64(len(body))
	for name, v := range attributes {
		size += int64(len(name))
		size += int64(len(aws.ToString(v.DataType)))
		size += int64(len(aws.ToString(v.StringValue)))
		size += int64(len(v.BinaryValue))
	}
	return size
}

func stringAttribute(value string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(value),
	}
}

// nativeAttributes carries the headers that native readers expect as message
// attributes rather than in the payload.
func nativeAttributes(tm *contracts.TransportMessage) map[string]types.MessageAttributeValue {
	attrs := make(map[string]types.MessageAttributeValue, 3)
	if tm.ID != "" {
		attrs[contracts.AttributeMessageID] = stringAttribute(tm.ID)
	}
	if tm.Format() != contracts.FormatNative {
		return attrs
	}
	if v, ok := tm.Headers[contracts.HeaderTimeToBeReceived]; ok {
		attrs[contracts.AttributeTimeToBeReceived] = stringAttribute(v)
	}
	if v, ok := tm.Headers[contracts.HeaderReplyToAddress]; ok {
		attrs[contracts.AttributeReplyToAddress] = stringAttribute(v)
	}
	return attrs
}

// mergeAttributes copies attribute values into headers that are missing them.
func mergeAttributes(tm *contracts.TransportMessage, attrs map[string]types.MessageAttributeValue) {
	for _, name := range []string{contracts.AttributeTimeToBeReceived, contracts.AttributeReplyToAddress, contracts.AttributeMessageID} {
		v, ok := attrs[name]
		if !ok || v.StringValue == nil {
			continue
		}
		if _, exists := tm.Headers[name]; !exists {
			tm.Headers[name] = aws.ToString(v.StringValue)
		}
	}
}
