// Package remote binds sessions to an external protocol engine.
//
// Each Open dials <url>/sessions/<id> and sends a hello frame carrying the
// last persisted credentials. The engine then streams connection updates,
// credential updates and inbound messages, which are fed in order into the
// handle's event pump. Credential updates are acknowledged with a reply frame
// only after the session has persisted them.
//
// The engine reads and writes its key material through keys.get, keys.set
// and keys.delete frames that are served from the session's KeyStore, so the
// engine itself holds no durable state.
//
// Outbound operations are request frames correlated to responses by request
// id, each bounded by RequestTimeout.
package remote
