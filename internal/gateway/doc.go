// Package gateway wires the relay-gateway server together and exposes the
// session manager over HTTP.
//
// # Overview
//
// New opens the durable store (SQLite or Redis), builds the connection
// provider (remote engine or in-process fake), the credential store, the
// webhook dispatcher and the session manager, and mounts the HTTP API
// behind the auth middleware. Run listens on TCP or, when tailscale is
// enabled, on the tailnet via tsnet, restores sessions that have stored
// credentials and blocks until its context is canceled.
//
// # HTTP API
//
// All /api routes require an x-api-key header or a tenant bearer token and
// accept bodies up to 10 MiB.
//
//	POST   /api/session/start/{id}     {"webhookUrl"} -> {"status":"QR_CODE","qr":...}
//	GET    /api/session/qrcode/{id}    -> {"qr"}
//	GET    /api/session/status/{id}    -> status snapshot
//	GET    /api/session/events/{id}    -> SSE "status" events
//	DELETE /api/session/logout/{id}    -> {"success":true,"message"}
//	GET    /api/sessions               -> ["id", ...]
//	POST   /api/check-number           {"sessionId","number"} -> {"exists","address"}
//	POST   /api/send/text              {"sessionId","to","message"}
//	POST   /api/send/media             {"sessionId","to","base64","filename"}
//	POST   /api/send/location          {"sessionId","to","lat","lng","name"}
//	POST   /api/send/contact           {"sessionId","to","name","phone"}
//	POST   /api/send/group             {"sessionId","groupId","message"}
//	GET    /api/groups/{sessionId}     -> {"success":true,"groups":[...]}
//
// Send routes answer {"success":true,"messageId"}. Errors answer
// {"error","kind"}: 404 for unknown sessions, 409 when the session is not
// connected, 400 for bad input, 403 when a tenant token names another
// session, 502 when the engine fails and 500 when the store does.
//
// # Health
//
// /health always answers OK. /health/ready pings the store.
//
// # Shutdown
//
// Shutdown stops the HTTP server, ends event streams, stops every session
// while keeping its credentials, waits for in-flight webhooks and closes the
// store.
package gateway
