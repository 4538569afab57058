// Package sqs binds the messaging pipeline to Amazon SQS.
//
// The Dispatcher turns TransportOperations into PreparedMessages, offloads
// bodies that do not fit into a queue message, groups them with a
// messaging.Batcher and sends the batches concurrently. Entries the queue
// rejects are mapped back to their message ids; sender faults are reported
// without retry.
//
// The Receiver accepts both envelope shapes, restores headers carried as
// message attributes, resolves the body and moves poison messages to the
// error queue.
package sqs
