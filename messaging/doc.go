// Package messaging implements the transport-neutral half of the outbound and
// inbound message path.
//
// Outbound, an EnvelopeFactory turns an application message into a
// contracts.TransportMessage and an EnvelopeSerializer writes it in either the
// compatibility or the native JSON shape. Producers then wrap the payload in a
// PreparedMessage, and a Batcher groups those by destination into requests
// that stay within the service limits:
//   - at most MaxItemsInBatch messages per request
//   - at most MaxPayloadSize bytes per request
//
// Inbound, EnvelopeSerializer.Deserialize accepts both shapes and a
// BodyResolver produces the body bytes, decoding inline bodies or fetching
// offloaded ones, backed by a BufferPool.
//
// Example usage:
//
//	serializer := messaging.NewEnvelopeSerializer(messaging.WithCompatibilityMode(true))
//	payload, envelope, err := serializer.SerializeMessage(msg, contracts.DispatchProperties{})
//
//	batcher := messaging.NewBatcher(buildRequest)
//	for _, entry := range batcher.Batch(prepared) {
//		send(ctx, entry.Request)
//	}
//
// Batchers and serializers hold no mutable state and can be shared between
// goroutines.
package messaging
