// ABOUTME: Tests for the HTTP authentication middleware
// ABOUTME: Covers api key checks, tenant tokens, session scoping and disabled auth

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, cfg Config, setup func(r *http.Request)) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	var got *AuthContext
	handler := Middleware(cfg, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	if setup != nil {
		setup(req)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec, got
}

func TestMiddleware_APIKey(t *testing.T) {
	cfg := Config{APIKey: "operator-key"}

	rec, got := serve(t, cfg, func(r *http.Request) { r.Header.Set(APIKeyHeader, "operator-key") })
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.Operator)
	assert.True(t, got.CanAccess("anything"))

	rec, got = serve(t, cfg, func(r *http.Request) { r.Header.Set(APIKeyHeader, "wrong") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Nil(t, got)
	assert.JSONEq(t, `{"error":"invalid api key","kind":"unauthorized"}`, rec.Body.String())

	rec, _ = serve(t, cfg, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing api key")
}

func TestMiddleware_TenantToken(t *testing.T) {
	verifier := newTestVerifier(t)
	cfg := Config{APIKey: "operator-key", Verifier: verifier}

	token, err := verifier.Issue("tenant-1", time.Hour)
	require.NoError(t, err)

	rec, got := serve(t, cfg, func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) })
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.False(t, got.Operator)
	assert.True(t, got.CanAccess("tenant-1"))
	assert.False(t, got.CanAccess("tenant-2"))

	rec, _ = serve(t, cfg, func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = serve(t, cfg, func(r *http.Request) { r.Header.Set("Authorization", "Basic abc") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid authorization header format")
}

func TestMiddleware_APIKeyWithoutConfiguredKey(t *testing.T) {
	cfg := Config{Verifier: newTestVerifier(t)}

	rec, _ := serve(t, cfg, func(r *http.Request) { r.Header.Set(APIKeyHeader, "") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = serve(t, cfg, func(r *http.Request) { r.Header.Set(APIKeyHeader, "guess") })
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_Disabled(t *testing.T) {
	rec, got := serve(t, Config{}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, got)
	assert.True(t, got.Operator)
}

func TestCanAccess_NoAuthContext(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.False(t, CanAccess(req.Context(), "s1"))
}
