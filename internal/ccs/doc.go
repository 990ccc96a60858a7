// Package ccs is the session engine for a CCS-style push-messaging channel.
//
// A Session owns one transport connection. Outbound data messages get a
// locally unique message id, are tracked until the broker returns an ack or
// nack receipt, and are encoded with a Codec before the transport writes
// them. Inbound payloads are decoded and classified:
//
//   - message_type "ack" / "nack": broker receipts for earlier sends
//   - no message_type: an upstream data message, routed by its "action"
//     payload key and answered with exactly one ack or nack
//
// Handlers run on the transport's delivery goroutine and may send from
// there; Send is safe for concurrent use.
package ccs
