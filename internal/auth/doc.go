// Package auth authenticates callers of the relay-gateway HTTP API.
//
// Two credentials are accepted:
//
//   - Operator API key: sent in the x-api-key header and compared in
//     constant time against auth.api_key. Operators may act on every
//     session.
//
//   - Tenant token: an HS256 JWT issued by relay-gateway, sent in the
//     Authorization header, whose sub claim is a session id and which must
//     carry an expiry. Tenants may only act on that session. Tokens are
//     minted with `relay-gateway token --session ID`.
//
// When neither is configured the middleware logs a warning at startup and
// treats every caller as an operator, which is only suitable for local
// development.
//
// Handlers read the result with FromContext or CanAccess.
package auth
