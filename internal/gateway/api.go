// ABOUTME: HTTP API handlers for session lifecycle, outbound messages and lookups
// ABOUTME: JSON bodies in and out, status changes streamed over SSE, errors mapped to status codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/session"
)

// Start response status values beyond the raw session state.
const (
	StartStatusQRCode    = "QR_CODE"
	StartStatusConnected = "CONNECTED"
)

// StartRequest is the body of POST /api/session/start/{id}.
type StartRequest struct {
	WebhookURL string `json:"webhookUrl"`
}

// StartResponse is returned by POST /api/session/start/{id}.
type StartResponse struct {
	SessionID   string        `json:"sessionId"`
	Status      string        `json:"status"`
	State       session.State `json:"state"`
	QR          string        `json:"qr,omitempty"`
	PairingCode string        `json:"pairingCode,omitempty"`
	Created     bool          `json:"created"`
}

// SendTextRequest is the body of POST /api/send/text.
type SendTextRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Message   string `json:"message"`
}

// SendGroupRequest is the body of POST /api/send/group.
type SendGroupRequest struct {
	SessionID string `json:"sessionId"`
	GroupID   string `json:"groupId"`
	Message   string `json:"message"`
}

// SendMediaRequest is the body of POST /api/send/media.
type SendMediaRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Base64    string `json:"base64"`
	FileName  string `json:"filename"`
	MimeType  string `json:"mimetype,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

// SendLocationRequest is the body of POST /api/send/location.
type SendLocationRequest struct {
	SessionID string   `json:"sessionId"`
	To        string   `json:"to"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`
	Name      string   `json:"name,omitempty"`
	Address   string   `json:"address,omitempty"`
}

// SendContactRequest is the body of POST /api/send/contact.
type SendContactRequest struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	Name      string `json:"name"`
	Phone     string `json:"phone"`
}

// CheckNumberRequest is the body of POST /api/check-number.
type CheckNumberRequest struct {
	SessionID string `json:"sessionId"`
	Number    string `json:"number"`
}

// SendResponse acknowledges an accepted outbound message.
type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId,omitempty"`
}

// GroupInfo is one entry of GET /api/groups/{sessionId}.
type GroupInfo struct {
	ID       string `json:"id"`
	Subject  string `json:"subject"`
	Creation int64  `json:"creation,omitempty"`
	Owner    string `json:"owner,omitempty"`
}

// GroupsResponse is returned by GET /api/groups/{sessionId}.
type GroupsResponse struct {
	Success bool        `json:"success"`
	Groups  []GroupInfo `json:"groups"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Error kinds reported to callers.
const (
	KindNotFound      = "session_not_found"
	KindNoPairingCode = "no_pairing_code"
	KindNotConnected  = "session_not_connected"
	KindInvalid       = "invalid_argument"
	KindForbidden     = "forbidden"
	KindTooLarge      = "body_too_large"
	KindProviderInit  = "provider_init"
	KindDelivery      = "delivery_failed"
	KindPersistence   = "store_persistence"
	KindUnavailable   = "unavailable"
	KindInternal      = "internal"
)

// handleStart creates or resumes a session and reports its pairing state.
func (g *Gateway) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !g.authorize(w, r, sessionID) {
		return
	}

	// The body is optional.
	var req StartRequest
	if !g.decodeOptional(w, r, &req) {
		return
	}

	res, err := g.sessions.Start(r.Context(), sessionID, req.WebhookURL)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	resp := StartResponse{
		SessionID:   res.SessionID,
		Status:      string(res.State),
		State:       res.State,
		QR:          res.QRCode,
		PairingCode: res.PairingCode,
		Created:     res.Created,
	}
	status := http.StatusOK
	switch res.State {
	case session.StateQRPending:
		resp.Status = StartStatusQRCode
	case session.StateConnected:
		resp.Status = StartStatusConnected
	case session.StateInit:
		// Still waiting on the engine; poll status or qrcode.
		status = http.StatusAccepted
	}
	g.sendJSON(w, status, resp)
}

func (g *Gateway) handleQRCode(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !g.authorize(w, r, sessionID) {
		return
	}

	qr, err := g.sessions.QRCode(sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !g.authorize(w, r, sessionID) {
		return
	}

	st, err := g.sessions.Status(sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, st)
}

// handleEvents streams the session's status as SSE "status" events until
// the session is logged out, the server shuts down or the client leaves.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !g.authorize(w, r, sessionID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.logger.Error("streaming not supported")
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported", KindInternal)
		return
	}

	current, updates, cancel, err := g.sessions.Watch(sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	g.writeSSEEvent(w, "status", current)
	flusher.Flush()
	if current.State == session.StateLoggedOut {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-g.stopping:
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "status", st)
			flusher.Flush()
			if st.State == session.StateLoggedOut {
				return
			}
		}
	}
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("id")
	if !g.authorize(w, r, sessionID) {
		return
	}

	if err := g.sessions.Logout(r.Context(), sessionID); err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": fmt.Sprintf("session %s logged out and removed", sessionID),
	})
}

// handleListSessions returns the ids of live sessions. Tenants only see
// their own session.
func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	ac := auth.FromContext(r.Context())
	ids := []string{}
	for _, id := range g.sessions.List() {
		if ac.CanAccess(id) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	g.sendJSON(w, http.StatusOK, ids)
}

func (g *Gateway) handleCheckNumber(w http.ResponseWriter, r *http.Request) {
	var req CheckNumberRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.Number == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId and number are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	info, err := g.sessions.CheckNumber(r.Context(), req.SessionID, req.Number)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, info)
}

func (g *Gateway) handleSendText(w http.ResponseWriter, r *http.Request) {
	var req SendTextRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.To == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId, to and message are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	res, err := g.sessions.SendText(r.Context(), req.SessionID, req.To, req.Message)
	g.sendResult(w, res, err)
}

func (g *Gateway) handleSendGroup(w http.ResponseWriter, r *http.Request) {
	var req SendGroupRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.GroupID == "" || req.Message == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId, groupId and message are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	res, err := g.sessions.SendGroupMessage(r.Context(), req.SessionID, req.GroupID, req.Message)
	g.sendResult(w, res, err)
}

func (g *Gateway) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req SendMediaRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.To == "" || req.Base64 == "" || req.FileName == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId, to, base64 and filename are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	res, err := g.sessions.SendMedia(r.Context(), req.SessionID, req.To, session.Media{
		Base64:   req.Base64,
		FileName: req.FileName,
		MimeType: req.MimeType,
		Caption:  req.Caption,
	})
	g.sendResult(w, res, err)
}

func (g *Gateway) handleSendLocation(w http.ResponseWriter, r *http.Request) {
	var req SendLocationRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.To == "" || req.Lat == nil || req.Lng == nil {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId, to, lat and lng are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	res, err := g.sessions.SendLocation(r.Context(), req.SessionID, req.To, provider.Location{
		Latitude:  *req.Lat,
		Longitude: *req.Lng,
		Name:      req.Name,
		Address:   req.Address,
	})
	g.sendResult(w, res, err)
}

func (g *Gateway) handleSendContact(w http.ResponseWriter, r *http.Request) {
	var req SendContactRequest
	if !g.decode(w, r, &req) {
		return
	}
	if req.SessionID == "" || req.To == "" || req.Name == "" || req.Phone == "" {
		g.sendJSONError(w, http.StatusBadRequest, "sessionId, to, name and phone are required", KindInvalid)
		return
	}
	if !g.authorize(w, r, req.SessionID) {
		return
	}

	res, err := g.sessions.SendContact(r.Context(), req.SessionID, req.To, session.ContactCard{
		Name:  req.Name,
		Phone: req.Phone,
	})
	g.sendResult(w, res, err)
}

func (g *Gateway) handleListGroups(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")
	if !g.authorize(w, r, sessionID) {
		return
	}

	groups, err := g.sessions.ListGroups(r.Context(), sessionID)
	if err != nil {
		g.sendSessionError(w, err)
		return
	}

	resp := GroupsResponse{Success: true, Groups: make([]GroupInfo, 0, len(groups))}
	for _, grp := range groups {
		info := GroupInfo{ID: grp.ID, Subject: grp.Name, Owner: grp.Owner}
		if !grp.CreatedAt.IsZero() {
			info.Creation = grp.CreatedAt.Unix()
		}
		resp.Groups = append(resp.Groups, info)
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// authorize rejects callers whose credentials do not cover sessionID.
func (g *Gateway) authorize(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if auth.CanAccess(r.Context(), sessionID) {
		return true
	}
	g.sendJSONError(w, http.StatusForbidden, "not allowed to access this session", KindForbidden)
	return false
}

// decode reads a JSON body into dst, answering 400 or 413 on failure.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return g.decodeBody(w, r, dst, false)
}

// decodeOptional is decode but accepts an empty body.
func (g *Gateway) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return g.decodeBody(w, r, dst, true)
}

func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		g.sendJSONError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit), KindTooLarge)
		return false
	}
	g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body", KindInvalid)
	return false
}

func (g *Gateway) sendResult(w http.ResponseWriter, res session.SendResult, err error) {
	if err != nil {
		g.sendSessionError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, SendResponse{Success: true, MessageID: res.MessageID})
}

// sendSessionError maps a session error to its HTTP status and kind.
func (g *Gateway) sendSessionError(w http.ResponseWriter, err error) {
	var (
		initErr     *session.ProviderInitError
		deliveryErr *session.DeliveryError
		persistErr  *credstore.StorePersistenceError
	)

	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		g.sendJSONError(w, http.StatusNotFound, err.Error(), KindNotFound)
	case errors.Is(err, session.ErrNoPairingCode):
		g.sendJSONError(w, http.StatusNotFound, err.Error(), KindNoPairingCode)
	case errors.Is(err, session.ErrSessionNotConnected):
		g.sendJSONError(w, http.StatusConflict, err.Error(), KindNotConnected)
	case errors.Is(err, session.ErrInvalidArgument), errors.Is(err, session.ErrInvalidSessionID):
		g.sendJSONError(w, http.StatusBadRequest, err.Error(), KindInvalid)
	case errors.Is(err, session.ErrManagerClosed):
		g.sendJSONError(w, http.StatusServiceUnavailable, err.Error(), KindUnavailable)
	case errors.As(err, &initErr):
		g.logger.Warn("provider init failed", "session_id", initErr.SessionID, "error", initErr.Err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error(), KindProviderInit)
	case errors.As(err, &deliveryErr):
		g.logger.Warn("outbound operation failed", "session_id", deliveryErr.SessionID, "op", deliveryErr.Op, "error", deliveryErr.Err)
		g.sendJSONError(w, http.StatusBadGateway, err.Error(), KindDelivery)
	case errors.As(err, &persistErr):
		g.logger.Error("store persistence failed", "session_id", persistErr.SessionID, "error", persistErr.Err)
		g.sendJSONError(w, http.StatusInternalServerError, err.Error(), KindPersistence)
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error", KindInternal)
	}
}

// writeSSEEvent writes a single SSE event with JSON-encoded data.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message, kind string) {
	g.sendJSON(w, status, ErrorResponse{Error: message, Kind: kind})
}
