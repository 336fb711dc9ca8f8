// ABOUTME: Authentication context for tracking the caller through request handlers
// ABOUTME: Operators reach every session, tenants only the session their token names

package auth

import (
	"context"
)

// AuthContext is the authenticated identity of a request.
type AuthContext struct {
	// Operator callers authenticated with the API key.
	Operator bool
	// SessionID is the only session a tenant may touch. Empty for operators.
	SessionID string
}

// CanAccess reports whether the caller may operate on sessionID.
func (a *AuthContext) CanAccess(sessionID string) bool {
	if a == nil {
		return false
	}
	return a.Operator || a.SessionID == sessionID
}

type authContextKey struct{}

// WithAuth returns a new context with the AuthContext attached.
func WithAuth(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, auth)
}

// FromContext retrieves the AuthContext from the context, returning nil if not present.
func FromContext(ctx context.Context) *AuthContext {
	auth, _ := ctx.Value(authContextKey{}).(*AuthContext)
	return auth
}

// CanAccess reports whether the request in ctx may operate on sessionID.
func CanAccess(ctx context.Context, sessionID string) bool {
	return FromContext(ctx).CanAccess(sessionID)
}
