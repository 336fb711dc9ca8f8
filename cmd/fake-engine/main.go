// ABOUTME: Minimal protocol engine for local testing: serves the remote provider's websocket protocol
// ABOUTME: Usage: fake-engine [-addr localhost:7070] [-token T] [-pair-delay 5s] [-chatter 30s]
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/2389/relay-gateway/internal/provider"
	"github.com/2389/relay-gateway/internal/provider/remote"
)

func main() {
	addr := flag.String("addr", "localhost:7070", "listen address")
	token := flag.String("token", "", "bearer token the gateway must present")
	pairDelay := flag.Duration("pair-delay", 5*time.Second, "how long a pairing code stays up before the device links")
	chatter := flag.Duration("chatter", 30*time.Second, "interval between sample inbound messages (0 disables)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	e := &engine{token: *token, pairDelay: *pairDelay, chatter: *chatter}
	if err := e.serve(ctx, *addr); err != nil {
		log.Fatal(err)
	}
}

type engine struct {
	token     string
	pairDelay time.Duration
	chatter   time.Duration
	upgrader  websocket.Upgrader
}

func (e *engine) serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sessions/{id}", e.handleSession)

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake engine listening on ws://%s/sessions/{id}\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}

func (e *engine) handleSession(w http.ResponseWriter, r *http.Request) {
	if e.token != "" {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(e.token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s := &socket{conn: conn, id: r.PathValue("id"), replies: make(map[string]chan remote.Frame)}
	if err := s.run(r.Context(), e); err != nil {
		log.Printf("session %s: %v", s.id, err)
	}
}

// socket is one gateway connection for one session.
type socket struct {
	conn *websocket.Conn
	id   string

	writeMu sync.Mutex

	mu      sync.Mutex
	replies map[string]chan remote.Frame
}

func (s *socket) run(ctx context.Context, e *engine) error {
	var first remote.Frame
	if err := s.conn.ReadJSON(&first); err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if first.Type != remote.FrameHello {
		return fmt.Errorf("expected hello, got %q", first.Type)
	}
	var hello remote.Hello
	if err := json.Unmarshal(first.Payload, &hello); err != nil {
		return fmt.Errorf("decoding hello: %w", err)
	}
	log.Printf("session %s connected (restored=%t)", s.id, hello.Restored)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.script(ctx, e, hello.Restored)

	for {
		var f remote.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		switch f.Type {
		case remote.FrameRequest:
			go s.answer(f)
		case remote.FrameReply:
			s.mu.Lock()
			ch, ok := s.replies[f.RequestID]
			delete(s.replies, f.RequestID)
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		}
	}
}

// script plays the connection lifecycle: pair unless restored, then open,
// then emit a sample inbound message every chatter interval.
func (s *socket) script(ctx context.Context, e *engine, restored bool) {
	if !restored {
		code := "fake-pair-" + uuid.NewString()
		if err := s.connection(provider.ConnectionUpdate{Phase: provider.PhasePairing, PairingCode: code}); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(e.pairDelay):
		}

		creds, _ := json.Marshal(map[string]string{"session": s.id, "device": uuid.NewString()})
		reply, err := s.call(ctx, remote.FrameCredentials, remote.CredentialsUpdate{Credentials: creds})
		if err != nil {
			return
		}
		if reply.Error != "" {
			log.Printf("session %s: gateway rejected credentials: %s", s.id, reply.Error)
			_ = s.connection(provider.ConnectionUpdate{Phase: provider.PhaseClose, Reason: provider.ReasonBadSession, Detail: reply.Error})
			return
		}
	}

	if err := s.connection(provider.ConnectionUpdate{Phase: provider.PhaseOpen}); err != nil {
		return
	}

	if e.chatter <= 0 {
		return
	}
	ticker := time.NewTicker(e.chatter)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			payload, _ := json.Marshal(map[string]string{"text": "ping from the fake engine"})
			batch := remote.MessagesBatch{
				Class: provider.DeliveryNotify,
				Messages: []provider.Message{{
					ID:        uuid.NewString(),
					From:      "15550000000@s.fake.net",
					Chat:      "15550000000@s.fake.net",
					Timestamp: now,
					Payload:   payload,
				}},
			}
			if err := s.send(remote.FrameMessages, "", batch); err != nil {
				return
			}
		}
	}
}

func (s *socket) answer(f remote.Frame) {
	var (
		out    any
		errMsg string
	)
	switch f.Op {
	case remote.OpSendText, remote.OpSendDocument, remote.OpSendLocation, remote.OpSendContact:
		var to struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(f.Payload, &to); err != nil || to.To == "" {
			errMsg = "missing recipient"
			break
		}
		log.Printf("session %s: %s to %s", s.id, f.Op, to.To)
		out = remote.SendResponse{ID: uuid.NewString()}

	case remote.OpCheckAddress:
		var req remote.CheckAddressRequest
		if err := json.Unmarshal(f.Payload, &req); err != nil {
			errMsg = err.Error()
			break
		}
		digits := onlyDigits(req.Address)
		if len(digits) < 7 {
			out = provider.AddressInfo{}
			break
		}
		out = provider.AddressInfo{Exists: true, Address: digits + "@s.fake.net"}

	case remote.OpFetchGroups:
		out = remote.GroupsResponse{Groups: []provider.Group{{
			ID:        "120363000000000000@g.fake.net",
			Name:      "Fake Group",
			Owner:     "15550000000@s.fake.net",
			CreatedAt: time.Unix(1700000000, 0).UTC(),
		}}}

	case remote.OpLogout:
		out = struct{}{}
		defer func() {
			_ = s.connection(provider.ConnectionUpdate{Phase: provider.PhaseClose, Reason: provider.ReasonLoggedOut})
		}()

	default:
		errMsg = fmt.Sprintf("unknown op %q", f.Op)
	}

	resp := remote.Frame{Type: remote.FrameResponse, RequestID: f.RequestID, Error: errMsg}
	if out != nil {
		resp.Payload, _ = json.Marshal(out)
	}
	_ = s.write(resp)
}

func (s *socket) connection(u provider.ConnectionUpdate) error {
	return s.send(remote.FrameConnection, "", u)
}

// call sends a frame that expects a reply and waits for it.
func (s *socket) call(ctx context.Context, frameType string, payload any) (remote.Frame, error) {
	id := uuid.NewString()
	ch := make(chan remote.Frame, 1)
	s.mu.Lock()
	s.replies[id] = ch
	s.mu.Unlock()

	if err := s.send(frameType, id, payload); err != nil {
		return remote.Frame{}, err
	}
	select {
	case <-ctx.Done():
		return remote.Frame{}, ctx.Err()
	case f := <-ch:
		return f, nil
	}
}

func (s *socket) send(frameType, requestID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.write(remote.Frame{Type: frameType, RequestID: requestID, Payload: body})
}

func (s *socket) write(f remote.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(f)
}

func onlyDigits(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
