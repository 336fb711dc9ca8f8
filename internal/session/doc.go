// Package session owns the lifecycle of messaging sessions.
//
// A session is identified by a caller-chosen id and is driven by one
// Controller. The controller opens a provider binding with the credentials
// last persisted for the id, consumes that binding's events in order and
// moves through the states
//
//	INIT -> QR_PENDING -> CONNECTED -> CLOSED_RECONNECTING -> INIT ...
//
// ending in LOGGED_OUT (credentials deleted) or FAILED (reconnect budget
// exhausted, credentials kept).
//
// Credential updates are written to the credstore before the provider is
// acknowledged, so a binding is only ever opened with the most recent blob.
// A recoverable close tears down the old binding completely before the next
// one is opened; at most one binding per id exists at any moment.
//
// The Manager is the public surface. It maps ids to controllers through a
// Registry whose per-id lock makes Start idempotent, and fans status changes
// out through a Watcher for streaming clients.
package session
