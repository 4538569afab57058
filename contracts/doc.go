// Package contracts defines the wire envelope exchanged with the queueing service.
//
// A TransportMessage carries headers, an inline or offloaded body, and two logical
// properties, TimeToBeReceived and ReplyToAddress, that live entirely in headers.
// Two payload shapes exist on the wire:
//   - Compatibility: TimeToBeReceived and ReplyToAddress are repeated as top-level fields
//     so that older readers can route replies and discard expired messages.
//   - Native: only Headers (plus Body and S3BodyKey); TTL and reply routing travel as
//     queue message attributes.
//
// Readers accept both shapes and apply the same defaults when a field is missing:
// a never-expiring TimeToBeReceived and no reply address.
package contracts
