// ABOUTME: One websocket binding to the engine for a single session incarnation
// ABOUTME: Routes engine frames into the event pump and request responses by request id

package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/provider"
)

const writeWait = 10 * time.Second

// Handle is a live engine binding. It implements provider.Handle.
type Handle struct {
	sessionID string
	conn      *websocket.Conn
	keys      provider.KeyStore
	pump      *provider.Pump
	cfg       Config
	logger    *slog.Logger

	writeMu sync.Mutex

	mu      sync.RWMutex
	pending map[string]chan Frame
	closed  bool

	// ctx scopes key store calls made on the engine's behalf.
	ctx    context.Context
	cancel context.CancelFunc
	served sync.WaitGroup

	readerDone chan struct{}
	stopPing   chan struct{}
	closeOnce  sync.Once
}

func newHandle(conn *websocket.Conn, sessionID string, keys provider.KeyStore, cfg Config, logger *slog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	return &Handle{
		sessionID:  sessionID,
		conn:       conn,
		keys:       keys,
		pump:       provider.NewPump(),
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[string]chan Frame),
		ctx:        ctx,
		cancel:     cancel,
		readerDone: make(chan struct{}),
		stopPing:   make(chan struct{}),
	}
}

func (h *Handle) start() {
	pongWait := 2 * h.cfg.PingInterval
	_ = h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		return h.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go h.readLoop()
	go h.pingLoop()
}

// Events implements provider.Handle.
func (h *Handle) Events() <-chan provider.Event {
	return h.pump.Events()
}

func (h *Handle) write(f Frame) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	_ = h.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return h.conn.WriteJSON(f)
}

func (h *Handle) pingLoop() {
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.writeMu.Lock()
			err := h.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			h.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-h.stopPing:
			return
		}
	}
}

// readLoop ends the event stream gracefully when the engine goes away.
func (h *Handle) readLoop() {
	defer close(h.readerDone)
	defer h.pump.Close()
	defer h.failPending()

	for {
		var f Frame
		if err := h.conn.ReadJSON(&f); err != nil {
			if !h.isClosed() {
				h.logger.Warn("engine connection lost", "error", err)
			}
			return
		}
		h.dispatch(f)
	}
}

func (h *Handle) dispatch(f Frame) {
	switch f.Type {
	case FrameConnection:
		var u provider.ConnectionUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			h.logger.Warn("malformed connection frame", "error", err)
			return
		}
		h.pump.Push(provider.ConnectionEvent(u))

	case FrameCredentials:
		var u CredentialsUpdate
		if err := json.Unmarshal(f.Payload, &u); err != nil {
			h.logger.Warn("malformed credentials frame", "error", err)
			h.reply(f.RequestID, nil, err)
			return
		}
		requestID := f.RequestID
		h.pump.Push(provider.CredentialsEvent(u.Credentials, func(err error) {
			h.reply(requestID, nil, err)
		}))

	case FrameMessages:
		var b MessagesBatch
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			h.logger.Warn("malformed messages frame", "error", err)
			return
		}
		if b.Class == "" {
			b.Class = provider.DeliveryNotify
		}
		h.pump.Push(provider.MessagesEvent(b.Class, b.Messages))

	case FrameKeysGet, FrameKeysSet, FrameKeysDelete:
		h.mu.RLock()
		if h.closed {
			h.mu.RUnlock()
			return
		}
		h.served.Add(1)
		h.mu.RUnlock()
		go func() {
			defer h.served.Done()
			h.serveKeys(f)
		}()

	case FrameResponse:
		h.handleResponse(f)

	default:
		h.logger.Warn("ignoring unknown frame", "type", f.Type)
	}
}

// serveKeys answers a key store request from the engine.
func (h *Handle) serveKeys(f Frame) {
	if h.keys == nil {
		h.reply(f.RequestID, nil, errors.New("no key store"))
		return
	}

	switch f.Type {
	case FrameKeysGet:
		var req KeysRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			h.reply(f.RequestID, nil, err)
			return
		}
		values, err := h.keys.Get(h.ctx, req.Type, req.IDs)
		if err != nil {
			h.reply(f.RequestID, nil, err)
			return
		}
		h.reply(f.RequestID, KeysValues{Type: req.Type, Values: values}, nil)

	case FrameKeysSet:
		var req KeysValues
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			h.reply(f.RequestID, nil, err)
			return
		}
		h.reply(f.RequestID, nil, h.keys.Set(h.ctx, req.Type, req.Values))

	case FrameKeysDelete:
		var req KeysRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			h.reply(f.RequestID, nil, err)
			return
		}
		h.reply(f.RequestID, nil, h.keys.Delete(h.ctx, req.Type, req.IDs))
	}
}

func (h *Handle) reply(requestID string, payload any, err error) {
	if requestID == "" {
		return
	}
	f := Frame{Type: FrameReply, RequestID: requestID}
	if err != nil {
		f.Error = err.Error()
	}
	if payload != nil {
		body, merr := json.Marshal(payload)
		if merr != nil {
			f.Error = merr.Error()
		} else {
			f.Payload = body
		}
	}
	if werr := h.write(f); werr != nil {
		h.logger.Debug("sending reply failed", "request_id", requestID, "error", werr)
	}
}

func (h *Handle) handleResponse(f Frame) {
	h.mu.RLock()
	ch, ok := h.pending[f.RequestID]
	h.mu.RUnlock()

	if !ok {
		h.logger.Warn("received response for unknown request", "request_id", f.RequestID)
		return
	}

	select {
	case ch <- f:
	default:
		h.logger.Warn("duplicate response dropped", "request_id", f.RequestID)
	}
}

// request sends op and decodes the engine's answer into out (which may be nil).
func (h *Handle) request(ctx context.Context, op string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", op, err)
	}

	id := uuid.NewString()
	ch := make(chan Frame, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return provider.ErrClosed
	}
	h.pending[id] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.pending, id)
		h.mu.Unlock()
	}()

	if err := h.write(Frame{Type: FrameRequest, RequestID: id, Op: op, Payload: body}); err != nil {
		return fmt.Errorf("sending %s: %w", op, err)
	}

	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-ch:
		if !ok {
			return provider.ErrClosed
		}
		if resp.Error != "" {
			return &EngineError{Op: op, Message: resp.Error}
		}
		if out != nil && len(resp.Payload) > 0 {
			if err := json.Unmarshal(resp.Payload, out); err != nil {
				return fmt.Errorf("decoding %s response: %w", op, err)
			}
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// failPending marks the handle unusable and wakes every waiting request.
func (h *Handle) failPending() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
}

func (h *Handle) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func (h *Handle) SendText(ctx context.Context, to, text string) (string, error) {
	var resp SendResponse
	err := h.request(ctx, OpSendText, SendTextRequest{To: to, Text: text}, &resp)
	return resp.ID, err
}

func (h *Handle) SendDocument(ctx context.Context, to string, doc provider.Document) (string, error) {
	var resp SendResponse
	err := h.request(ctx, OpSendDocument, SendDocumentRequest{To: to, Document: doc}, &resp)
	return resp.ID, err
}

func (h *Handle) SendLocation(ctx context.Context, to string, loc provider.Location) (string, error) {
	var resp SendResponse
	err := h.request(ctx, OpSendLocation, SendLocationRequest{To: to, Location: loc}, &resp)
	return resp.ID, err
}

func (h *Handle) SendContact(ctx context.Context, to string, c provider.Contact) (string, error) {
	var resp SendResponse
	err := h.request(ctx, OpSendContact, SendContactRequest{To: to, Contact: c}, &resp)
	return resp.ID, err
}

func (h *Handle) CheckAddress(ctx context.Context, address string) (provider.AddressInfo, error) {
	var info provider.AddressInfo
	err := h.request(ctx, OpCheckAddress, CheckAddressRequest{Address: address}, &info)
	return info, err
}

func (h *Handle) FetchGroups(ctx context.Context) ([]provider.Group, error) {
	var resp GroupsResponse
	if err := h.request(ctx, OpFetchGroups, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Groups, nil
}

// Logout asks the engine to unlink the device.
func (h *Handle) Logout(ctx context.Context) error {
	return h.request(ctx, OpLogout, struct{}{}, nil)
}

// Close tears the binding down: pending requests fail, in-flight key store
// calls finish, the socket closes and the event stream is aborted. It
// returns once nothing more can reach the key store or the event stream.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.failPending()
		h.cancel()
		close(h.stopPing)

		h.writeMu.Lock()
		_ = h.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		h.writeMu.Unlock()
		_ = h.conn.Close()

		<-h.readerDone
		h.served.Wait()
		h.pump.Abort()
	})
	return nil
}

var _ provider.Handle = (*Handle)(nil)
