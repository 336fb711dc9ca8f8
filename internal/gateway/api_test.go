// ABOUTME: Tests for the HTTP API handlers driven through the fake provider
// ABOUTME: Start/qrcode/status/logout, send routes, lookups, tenant scoping, SSE and error mapping

package gateway

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/provider/fake"
	"github.com/2389/relay-gateway/internal/session"
)

func pairImmediately(code string) func(h *fake.Handle) {
	return func(h *fake.Handle) { h.EmitPairing(code) }
}

func openImmediately(h *fake.Handle) { h.EmitOpen() }

func TestHandleStart_ReturnsQRCode(t *testing.T) {
	tg := newTestGateway(t, nil, pairImmediately("ABC123"))

	rec := tg.do(t, http.MethodPost, "/api/session/start/s1", StartRequest{WebhookURL: "http://example.invalid/hook"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "s1", resp.SessionID)
	assert.Equal(t, StartStatusQRCode, resp.Status)
	assert.Equal(t, session.StateQRPending, resp.State)
	assert.Equal(t, "ABC123", resp.PairingCode)
	assert.True(t, strings.HasPrefix(resp.QR, "data:image/png;base64,"), resp.QR)
	assert.True(t, resp.Created)

	rec = tg.do(t, http.MethodGet, "/api/session/qrcode/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var qr map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&qr))
	assert.Equal(t, resp.QR, qr["qr"])

	st, err := tg.gw.Sessions().Status("s1")
	require.NoError(t, err)
	assert.Equal(t, "http://example.invalid/hook", st.WebhookURL)
}

func TestHandleStart_Connected(t *testing.T) {
	tg := newTestGateway(t, nil, openImmediately)

	rec := tg.do(t, http.MethodPost, "/api/session/start/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StartStatusConnected, resp.Status)
	assert.Empty(t, resp.QR)

	rec = tg.do(t, http.MethodGet, "/api/session/qrcode/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNoPairingCode, decodeError(t, rec).Kind)

	// A second start on a live session does not open another binding.
	rec = tg.do(t, http.MethodPost, "/api/session/start/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Created)
	assert.Equal(t, 1, tg.provider.OpenCount("s1"))
}

func TestHandleStart_StillInitIsAccepted(t *testing.T) {
	cfg := testConfig()
	cfg.Sessions.StartWait = 20 * time.Millisecond
	tg := newTestGateway(t, cfg, nil)

	rec := tg.do(t, http.MethodPost, "/api/session/start/quiet", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp StartResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, string(session.StateInit), resp.Status)
}

func TestHandleStart_Errors(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.do(t, http.MethodPost, "/api/session/start/bad:id", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, KindInvalid, decodeError(t, rec).Kind)

	rec = tg.do(t, http.MethodPost, "/api/session/start/s1", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	tg.provider.FailNextOpens(1, errors.New("engine down"))
	rec = tg.do(t, http.MethodPost, "/api/session/start/s2", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, KindProviderInit, decodeError(t, rec).Kind)

	rec = tg.do(t, http.MethodGet, "/api/session/status/s2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "failed init leaves no session behind")
}

func TestHandleStatus(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.do(t, http.MethodGet, "/api/session/status/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, KindNotFound, decodeError(t, rec).Kind)

	tg.connect(t, "s1")
	rec = tg.do(t, http.MethodGet, "/api/session/status/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var st session.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, session.StateConnected, st.State)
	assert.True(t, st.Connected)
}

func TestHandleLogout(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	rec := tg.do(t, http.MethodDelete, "/api/session/logout/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, true, resp["success"])
	assert.Contains(t, resp["message"], "s1")
	assert.True(t, h.LoggedOut())

	rec = tg.do(t, http.MethodGet, "/api/session/status/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = tg.do(t, http.MethodDelete, "/api/session/logout/s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListSessions(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	tg.connect(t, "zeta")
	tg.connect(t, "alpha")

	rec := tg.do(t, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var ids []string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&ids))
	assert.Equal(t, []string{"alpha", "zeta"}, ids)
}

func TestHandleSendText(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	rec := tg.do(t, http.MethodPost, "/api/send/text", SendTextRequest{SessionID: "s1", To: "5511999990000", Message: "hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp SendResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.MessageID)

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "text", sent[0].Op)
	assert.Equal(t, "5511999990000", sent[0].To)
	assert.Equal(t, "hi", sent[0].Text)
}

func TestHandleSend_ErrorMapping(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	// Started but never opened.
	rec := tg.do(t, http.MethodPost, "/api/session/start/pending", nil)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)

	tests := []struct {
		name   string
		body   any
		status int
		kind   string
	}{
		{"missing message", SendTextRequest{SessionID: "s1", To: "x"}, http.StatusBadRequest, KindInvalid},
		{"missing session", SendTextRequest{To: "x", Message: "m"}, http.StatusBadRequest, KindInvalid},
		{"invalid json", "{", http.StatusBadRequest, KindInvalid},
		{"unknown session", SendTextRequest{SessionID: "nope", To: "x", Message: "m"}, http.StatusNotFound, KindNotFound},
		{"not connected", SendTextRequest{SessionID: "pending", To: "x", Message: "m"}, http.StatusConflict, KindNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := tg.do(t, http.MethodPost, "/api/send/text", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.kind, decodeError(t, rec).Kind)
		})
	}

	t.Run("engine failure", func(t *testing.T) {
		h.SetSendError(errors.New("rate limited"))
		defer h.SetSendError(nil)

		rec := tg.do(t, http.MethodPost, "/api/send/text", SendTextRequest{SessionID: "s1", To: "x", Message: "m"})
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		resp := decodeError(t, rec)
		assert.Equal(t, KindDelivery, resp.Kind)
		assert.Contains(t, resp.Error, "rate limited")
	})
}

func TestHandleSendMedia(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	rec := tg.do(t, http.MethodPost, "/api/send/media", SendMediaRequest{
		SessionID: "s1",
		To:        "5511999990000",
		Base64:    base64.StdEncoding.EncodeToString([]byte("%PDF-1.4")),
		FileName:  "invoice.pdf",
		Caption:   "march",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "document", sent[0].Op)
	assert.Equal(t, []byte("%PDF-1.4"), sent[0].Document.Data)
	assert.Equal(t, "invoice.pdf", sent[0].Document.FileName)
	assert.Equal(t, "application/pdf", sent[0].Document.MimeType)
	assert.Equal(t, "march", sent[0].Document.Caption)

	rec = tg.do(t, http.MethodPost, "/api/send/media", SendMediaRequest{SessionID: "s1", To: "x", Base64: "@@@", FileName: "a.txt"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tg.do(t, http.MethodPost, "/api/send/media", SendMediaRequest{SessionID: "s1", To: "x", Base64: "aGk="})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "filename is required")
}

func TestHandleSendLocation(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	// Zero is a valid coordinate.
	rec := tg.do(t, http.MethodPost, "/api/send/location", `{"sessionId":"s1","to":"x","lat":0,"lng":-46.63,"name":"Null Island-ish"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, provider.Location{Latitude: 0, Longitude: -46.63, Name: "Null Island-ish"}, sent[0].Location)

	rec = tg.do(t, http.MethodPost, "/api/send/location", `{"sessionId":"s1","to":"x","lat":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = tg.do(t, http.MethodPost, "/api/send/location", `{"sessionId":"s1","to":"x","lat":91,"lng":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSendContact(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	rec := tg.do(t, http.MethodPost, "/api/send/contact", SendContactRequest{SessionID: "s1", To: "x", Name: "Ana", Phone: "+5511999990000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "Ana", sent[0].Contact.DisplayName)
	assert.Contains(t, sent[0].Contact.VCard, "FN:Ana")
	assert.Contains(t, sent[0].Contact.VCard, "5511999990000")

	rec = tg.do(t, http.MethodPost, "/api/send/contact", SendContactRequest{SessionID: "s1", To: "x", Name: "Ana"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSendGroup(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	rec := tg.do(t, http.MethodPost, "/api/send/group", SendGroupRequest{SessionID: "s1", GroupID: "123@g.us", Message: "hello all"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	sent := h.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "123@g.us", sent[0].To)
	assert.Equal(t, "hello all", sent[0].Text)

	rec = tg.do(t, http.MethodPost, "/api/send/group", SendGroupRequest{SessionID: "s1", Message: "hello all"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCheckNumber(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	tg.connect(t, "s1")

	rec := tg.do(t, http.MethodPost, "/api/check-number", CheckNumberRequest{SessionID: "s1", Number: "+55 11 99999-0000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var info provider.AddressInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.True(t, info.Exists)
	assert.Equal(t, "5511999990000@s.fake.net", info.Address)

	rec = tg.do(t, http.MethodPost, "/api/check-number", CheckNumberRequest{SessionID: "s1", Number: "123"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"exists":false}`, rec.Body.String())

	rec = tg.do(t, http.MethodPost, "/api/check-number", CheckNumberRequest{SessionID: "s1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleListGroups(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	h := tg.connect(t, "s1")

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.SetGroups([]provider.Group{
		{ID: "1@g.us", Name: "Family", Owner: "5511@s.fake.net", CreatedAt: created},
		{ID: "2@g.us", Name: "Work"},
	})

	rec := tg.do(t, http.MethodGet, "/api/groups/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp GroupsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, []GroupInfo{
		{ID: "1@g.us", Subject: "Family", Owner: "5511@s.fake.net", Creation: created.Unix()},
		{ID: "2@g.us", Subject: "Work"},
	}, resp.Groups)

	rec = tg.do(t, http.MethodGet, "/api/groups/other", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTenantToken_ScopedToOneSession(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	tg.connect(t, "mine")
	tg.connect(t, "theirs")

	verifier, err := auth.NewJWTVerifier([]byte(testJWTSecret))
	require.NoError(t, err)
	token, err := verifier.Issue("mine", time.Hour)
	require.NoError(t, err)
	bearer := http.Header{"Authorization": []string{"Bearer " + token}}

	rec := tg.doWith(t, http.MethodGet, "/api/session/status/mine", nil, bearer)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = tg.doWith(t, http.MethodGet, "/api/session/status/theirs", nil, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, KindForbidden, decodeError(t, rec).Kind)

	rec = tg.doWith(t, http.MethodPost, "/api/send/text", SendTextRequest{SessionID: "theirs", To: "x", Message: "m"}, bearer)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = tg.doWith(t, http.MethodGet, "/api/sessions", nil, bearer)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `["mine"]`, rec.Body.String())

	rec = tg.doWith(t, http.MethodGet, "/api/sessions", nil, http.Header{"Authorization": []string{"Bearer garbage"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBodyTooLarge(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	big := `{"sessionId":"s1","to":"x","message":"` + strings.Repeat("a", MaxBodyBytes) + `"}`
	rec := tg.do(t, http.MethodPost, "/api/send/text", big)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, KindTooLarge, decodeError(t, rec).Kind)
}

func TestHandleEvents_StreamsUntilLogout(t *testing.T) {
	tg := newTestGateway(t, nil, nil)
	srv := httptest.NewServer(tg.gw.Handler())
	defer srv.Close()

	rec := tg.do(t, http.MethodPost, "/api/session/start/s1", nil)
	require.Contains(t, []int{http.StatusOK, http.StatusAccepted}, rec.Code)
	h := tg.handle(t, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/session/events/s1", nil)
	require.NoError(t, err)
	req.Header.Set(auth.APIKeyHeader, testAPIKey)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan session.Status, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var st session.Status
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &st); err == nil {
				events <- st
			}
		}
	}()

	next := func() session.Status {
		t.Helper()
		select {
		case st, ok := <-events:
			require.True(t, ok, "stream ended early")
			return st
		case <-ctx.Done():
			t.Fatal("timed out waiting for event")
			return session.Status{}
		}
	}

	assert.Equal(t, session.StateInit, next().State)

	h.EmitPairing("CODE")
	assert.Equal(t, session.StateQRPending, next().State)

	h.EmitOpen()
	assert.Equal(t, session.StateConnected, next().State)

	rec = tg.do(t, http.MethodDelete, "/api/session/logout/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	for {
		st := next()
		if st.State == session.StateLoggedOut {
			break
		}
	}

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should end after logout")
	case <-ctx.Done():
		t.Fatal("stream did not end after logout")
	}
}

func TestHandleEvents_UnknownSession(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.do(t, http.MethodGet, "/api/session/events/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	tg := newTestGateway(t, nil, nil)

	rec := tg.do(t, http.MethodGet, "/api/send/text", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
