// Package rabbitmq lets the queue pipeline publish to a RabbitMQ broker.
//
// This package includes:
//   - ConnectionManager: owns the broker connection and reopens it on demand
//   - ChannelPool: reuses confirm-mode channels
//   - BatchPublisher: implements SendMessageBatch and SendMessage on top of
//     publisher confirms, mapping unconfirmed messages to failed entries
//
// Message attributes become AMQP headers and the queue name taken from the
// queue URL becomes the routing key on the default exchange.
package rabbitmq
