// Package provider defines the boundary between the gateway and the engine
// that speaks the messaging wire protocol.
//
// # Contract
//
// A Provider opens one Handle per session incarnation. The handle owns the
// live connection and exposes:
//
//   - Events(): an ordered channel of credential updates, connection updates
//     (pairing, open, close) and inbound message batches. The channel is
//     closed when the binding ends, which is the consumer's terminal signal.
//   - outbound operations (text, document, location, contact, address
//     lookup, group listing) plus Logout and Close.
//
// Credential updates carry an Ack. The consumer acks only after the new
// blob is durably stored, so an engine never treats credentials as saved
// before they are.
//
// # Disconnect reasons
//
// Close events carry a DisconnectReason using status-code style values.
// Only ReasonLoggedOut is terminal; every other reason is recoverable.
//
// # Pump
//
// Engines read from the network on their own goroutine and must not stall
// when the session consumer is busy persisting credentials. Pump is an
// unbounded FIFO between the two. Implementations:
//
//   - provider/remote talks to an out-of-process engine over a websocket.
//   - provider/fake is a scriptable in-process handle for tests and local
//     development.
package provider
