// Package fake is an in-process provider whose handles are driven by the
// caller. Tests push pairing codes, connection changes, credential updates
// and inbound messages with the Emit methods and inspect what the session
// sent. The relay-gateway binary uses it with PairThenConnect when no engine
// is configured.
package fake
