// ABOUTME: Tests for gateway assembly, health endpoints, auth wiring and shutdown
// ABOUTME: Builds a gateway around temp-dir SQLite and the fake provider

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/kv"
	"github.com/2389/relay-gateway/internal/provider/fake"
	"github.com/2389/relay-gateway/internal/session"
)

const (
	testAPIKey    = "test-api-key"
	testJWTSecret = "0123456789abcdef0123456789abcdef"
	waitFor       = 3 * time.Second
	tick          = 5 * time.Millisecond
)

type testGateway struct {
	gw       *Gateway
	provider *fake.Provider
	store    kv.Store
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func attempts(n int) *int {
	return &n
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Auth:   config.AuthConfig{APIKey: testAPIKey, JWTSecret: testJWTSecret},
		Sessions: config.SessionsConfig{
			StartWait: time.Second,
			Reconnect: config.ReconnectConfig{
				InitialDelay: time.Millisecond,
				MaxDelay:     5 * time.Millisecond,
				MaxAttempts:  attempts(3),
			},
		},
	}
}

// newTestGateway builds a gateway whose fake provider runs onOpen for every
// new handle. onOpen may be nil.
func newTestGateway(t *testing.T, cfg *config.Config, onOpen func(h *fake.Handle)) *testGateway {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}

	s, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)

	p := fake.New()
	p.OnOpen = onOpen

	gw, err := build(cfg, s, p, testLogger())
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return &testGateway{gw: gw, provider: p, store: s}
}

// do sends a request through the full handler chain as an operator.
func (tg *testGateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return tg.doWith(t, method, path, body, http.Header{"X-Api-Key": []string{testAPIKey}})
}

func (tg *testGateway) doWith(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

// handle waits for the first handle opened for id.
func (tg *testGateway) handle(t *testing.T, id string) *fake.Handle {
	t.Helper()
	var found *fake.Handle
	require.Eventually(t, func() bool {
		for _, h := range tg.provider.Handles() {
			if h.SessionID == id {
				found = h
				return true
			}
		}
		return false
	}, waitFor, tick, "no handle opened for %s", id)
	return found
}

func (tg *testGateway) waitState(t *testing.T, id string, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := tg.gw.Sessions().Status(id)
		return err == nil && st.State == want
	}, waitFor, tick, "session %s never reached %s", id, want)
}

// connect starts id and drives it to CONNECTED.
func (tg *testGateway) connect(t *testing.T, id string) *fake.Handle {
	t.Helper()
	rec := tg.do(t, http.MethodPost, "/api/session/start/"+id, nil)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code, rec.Body.String())
	h := tg.handle(t, id)
	h.EmitOpen()
	tg.waitState(t, id, session.StateConnected)
	return h
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp), rec.Body.String())
	return resp
}

func TestHandleHealth(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.doWith(t, http.MethodGet, "/health", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Errorf("expected body 'OK', got %q", rec.Body.String())
	}
}

func TestHandleReady(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.doWith(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready (0 sessions)", rec.Body.String())
}

func TestHandleReady_StoreClosed(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	require.NoError(t, tg.store.Close())

	rec := tg.doWith(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAuth_APIKeyRequired(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.doWith(t, http.MethodGet, "/api/sessions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Kind)

	rec = tg.doWith(t, http.MethodGet, "/api/sessions", nil, http.Header{"X-Api-Key": []string{"wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = tg.do(t, http.MethodGet, "/api/sessions", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAuth_DisabledAllowsEveryone(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{}
	tg := newTestGateway(t, cfg, nil)

	rec := tg.doWith(t, http.MethodGet, "/api/sessions", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuild_RejectsShortJWTSecret(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.JWTSecret = "short"

	s, err := kv.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = build(cfg, s, fake.New(), testLogger())
	assert.Error(t, err)
}

func TestReconnectPolicy(t *testing.T) {
	p := reconnectPolicy(config.ReconnectConfig{})
	def := session.DefaultReconnectPolicy()
	assert.Equal(t, def.InitialDelay, p.InitialDelay)
	assert.Equal(t, def.MaxDelay, p.MaxDelay)
	assert.Equal(t, def.Multiplier, p.Multiplier)
	assert.Equal(t, def.MaxAttempts, p.MaxAttempts, "unset max_attempts keeps the default budget")
	assert.True(t, p.Exhausted(def.MaxAttempts+1))

	p = reconnectPolicy(config.ReconnectConfig{MaxAttempts: attempts(0)})
	assert.Zero(t, p.MaxAttempts, "explicit zero retries forever")
	assert.False(t, p.Exhausted(1000))

	p = reconnectPolicy(config.ReconnectConfig{InitialDelay: 2 * time.Second, Multiplier: 3, MaxAttempts: attempts(4)})
	assert.Equal(t, 2*time.Second, p.InitialDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 4, p.MaxAttempts)
}

func TestReconnectPolicy_ConfigWithoutReconnectSection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_addr: \":3000\"\nprovider:\n  kind: fake\n"), 0600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	p := reconnectPolicy(cfg.Sessions.Reconnect)
	assert.Equal(t, 10, p.MaxAttempts)
	assert.True(t, p.Exhausted(11), "a repeating failure must escalate to FAILED")
}

func TestShutdown_KeepsCredentials(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	s, err := kv.NewSQLiteStore(filepath.Join(dir, "relay.db"), nil)
	require.NoError(t, err)

	p := fake.New()
	gw, err := build(cfg, s, p, testLogger())
	require.NoError(t, err)
	tg := &testGateway{gw: gw, provider: p, store: s}

	h := tg.connect(t, "keep")
	require.NoError(t, <-h.EmitCredentials([]byte(`{"me":"keep"}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, gw.Shutdown(ctx))
	assert.True(t, h.Closed())
	assert.False(t, h.LoggedOut())

	// A fresh gateway over the same database restores the session.
	s2, err := kv.NewSQLiteStore(filepath.Join(dir, "relay.db"), nil)
	require.NoError(t, err)
	p2 := fake.New()
	gw2, err := build(cfg, s2, p2, testLogger())
	require.NoError(t, err)
	defer func() { _ = gw2.Shutdown(context.Background()) }()

	n, err := gw2.Sessions().Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	restored := p2.WaitOpen(waitFor)
	require.NotNil(t, restored)
	assert.True(t, restored.Auth.Restored)
	assert.JSONEq(t, `{"me":"keep"}`, string(restored.Auth.Credentials))
}

func TestRun_ServesUntilCanceled(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tg.gw.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
