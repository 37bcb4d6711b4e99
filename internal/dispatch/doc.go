// Package dispatch routes decoded callback messages to handlers by sender.
//
// Handlers are registered once at startup, keyed by the platform user id of
// the sender. Messages from senders without a registration go to the default
// handler, which logs and drops them.
//
// Error handling:
//   - Handler returns error → logged, message.failed event, not propagated
//   - Handler panics → recovered, logged as a failure
//   - No handler for sender → message.dropped event
//   - Success → message.dispatched event
//
// Dispatch is synchronous: the webhook endpoint replies "ok" after the
// handler returns. No retries.
package dispatch
