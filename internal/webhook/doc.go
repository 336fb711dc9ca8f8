// Package webhook forwards inbound messages to the URL a session was started
// with.
//
// Each message becomes one POST:
//
//	POST <webhookUrl>
//	Content-Type: application/json
//	X-Relay-Delivery: <uuid>
//
//	{"sessionId": "...", "message": {...}}
//
// Delivery is best effort. Notify never blocks the session that produced the
// messages; deliveries run on their own goroutines, at most MaxInFlight at a
// time. A 2xx response is success. Anything else is retried only if
// MaxAttempts is above 1 (the default is a single attempt). The final
// failure is logged and handed to the observer, never back to the session.
//
// Providers may replay recent messages after a reconnect. Message ids are
// remembered per session for DedupeTTL and repeats are dropped. History
// sync batches are not forwarded unless IncludeHistory is set.
package webhook
