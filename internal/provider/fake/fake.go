// ABOUTME: Scriptable in-process provider for tests and local development
// ABOUTME: Tests drive handles by emitting events; outbound calls are recorded

package fake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/provider"
)

// Provider opens fake handles.
type Provider struct {
	// OnOpen, when set, runs on its own goroutine for every new handle.
	OnOpen func(h *Handle)

	mu       sync.Mutex
	failures []error
	handles  []*Handle
	opened   chan *Handle
}

// New creates a fake provider.
func New() *Provider {
	return &Provider{opened: make(chan *Handle, 64)}
}

// FailNextOpens makes the next n Open calls return err.
func (p *Provider) FailNextOpens(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.failures = append(p.failures, err)
	}
}

// Open implements provider.Provider.
func (p *Provider) Open(ctx context.Context, sessionID string, auth provider.AuthState) (provider.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if len(p.failures) > 0 {
		err := p.failures[0]
		p.failures = p.failures[1:]
		p.mu.Unlock()
		return nil, err
	}
	h := &Handle{
		SessionID: sessionID,
		Auth:      auth,
		pump:      provider.NewPump(),
	}
	p.handles = append(p.handles, h)
	onOpen := p.OnOpen
	p.mu.Unlock()

	select {
	case p.opened <- h:
	default:
	}
	if onOpen != nil {
		go onOpen(h)
	}
	return h, nil
}

// Opened yields each handle as it is opened.
func (p *Provider) Opened() <-chan *Handle {
	return p.opened
}

// WaitOpen returns the next opened handle or nil after timeout.
func (p *Provider) WaitOpen(timeout time.Duration) *Handle {
	select {
	case h := <-p.opened:
		return h
	case <-time.After(timeout):
		return nil
	}
}

// Handles returns every handle opened so far, oldest first.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}

// OpenCount returns how many handles were opened for sessionID.
func (p *Provider) OpenCount(sessionID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, h := range p.handles {
		if h.SessionID == sessionID {
			n++
		}
	}
	return n
}

// Sent is one recorded outbound call.
type Sent struct {
	Op       string
	To       string
	Text     string
	Document provider.Document
	Location provider.Location
	Contact  provider.Contact
}

// Handle is a fake binding.
type Handle struct {
	SessionID string
	Auth      provider.AuthState

	pump *provider.Pump

	mu         sync.Mutex
	sendErr    error
	logoutErr  error
	hangLogout bool
	sent       []Sent
	groups     []provider.Group
	loggedOut  bool
	closed     bool
}

// Events implements provider.Handle.
func (h *Handle) Events() <-chan provider.Event {
	return h.pump.Events()
}

// EmitPairing pushes a pairing code.
func (h *Handle) EmitPairing(code string) bool {
	return h.pump.Push(provider.ConnectionEvent(provider.ConnectionUpdate{
		Phase:       provider.PhasePairing,
		PairingCode: code,
	}))
}

// EmitOpen pushes an open connection update.
func (h *Handle) EmitOpen() bool {
	return h.pump.Push(provider.ConnectionEvent(provider.ConnectionUpdate{Phase: provider.PhaseOpen}))
}

// EmitClose pushes a close update with reason.
func (h *Handle) EmitClose(reason provider.DisconnectReason) bool {
	return h.pump.Push(provider.ConnectionEvent(provider.ConnectionUpdate{
		Phase:  provider.PhaseClose,
		Reason: reason,
		Detail: reason.String(),
	}))
}

// EmitCredentials pushes a credentials update. The returned channel receives
// the consumer's ack.
func (h *Handle) EmitCredentials(blob []byte) <-chan error {
	acked := make(chan error, 1)
	h.pump.Push(provider.CredentialsEvent(blob, func(err error) { acked <- err }))
	return acked
}

// EmitMessages pushes an inbound batch.
func (h *Handle) EmitMessages(class provider.DeliveryClass, msgs ...provider.Message) bool {
	return h.pump.Push(provider.MessagesEvent(class, msgs))
}

// End closes the event stream without a close event, as if the engine
// vanished.
func (h *Handle) End() {
	h.pump.Close()
}

// SetSendError makes every outbound call fail with err (nil clears it).
func (h *Handle) SetSendError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendErr = err
}

// SetLogoutError makes Logout fail with err.
func (h *Handle) SetLogoutError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logoutErr = err
}

// HangLogout makes Logout block until its context ends, like an engine
// that never answers.
func (h *Handle) HangLogout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hangLogout = true
}

// SetGroups sets what FetchGroups returns.
func (h *Handle) SetGroups(groups []provider.Group) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = groups
}

// Sent returns the recorded outbound calls.
func (h *Handle) Sent() []Sent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Sent(nil), h.sent...)
}

// LoggedOut reports whether Logout was called.
func (h *Handle) LoggedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.loggedOut
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Handle) record(s Sent) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return "", provider.ErrClosed
	}
	if h.sendErr != nil {
		return "", h.sendErr
	}
	h.sent = append(h.sent, s)
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:20], nil
}

func (h *Handle) SendText(_ context.Context, to, text string) (string, error) {
	return h.record(Sent{Op: "text", To: to, Text: text})
}

func (h *Handle) SendDocument(_ context.Context, to string, doc provider.Document) (string, error) {
	return h.record(Sent{Op: "document", To: to, Document: doc})
}

func (h *Handle) SendLocation(_ context.Context, to string, loc provider.Location) (string, error) {
	return h.record(Sent{Op: "location", To: to, Location: loc})
}

func (h *Handle) SendContact(_ context.Context, to string, c provider.Contact) (string, error) {
	return h.record(Sent{Op: "contact", To: to, Contact: c})
}

// CheckAddress treats any address with at least seven digits as registered.
func (h *Handle) CheckAddress(_ context.Context, address string) (provider.AddressInfo, error) {
	h.mu.Lock()
	err := h.sendErr
	h.mu.Unlock()
	if err != nil {
		return provider.AddressInfo{}, err
	}

	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, address)
	if len(digits) < 7 {
		return provider.AddressInfo{Exists: false}, nil
	}
	return provider.AddressInfo{Exists: true, Address: digits + "@s.fake.net"}, nil
}

func (h *Handle) FetchGroups(context.Context) ([]provider.Group, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sendErr != nil {
		return nil, h.sendErr
	}
	return append([]provider.Group(nil), h.groups...), nil
}

func (h *Handle) Logout(ctx context.Context) error {
	h.mu.Lock()
	h.loggedOut = true
	hang, err := h.hangLogout, h.logoutErr
	h.mu.Unlock()

	if hang {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// Close aborts the event stream. Idempotent.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.pump.Abort()
	return nil
}

// PairThenConnect is an OnOpen script for local development: fresh sessions
// show a pairing code and connect after delay, restored sessions connect
// immediately.
func PairThenConnect(delay time.Duration) func(h *Handle) {
	return func(h *Handle) {
		if !h.Auth.Restored {
			if !h.EmitPairing(fmt.Sprintf("2@%s,%s", uuid.NewString(), h.SessionID)) {
				return
			}
			select {
			case <-time.After(delay):
			case <-h.pump.Done():
				return
			}
			<-h.EmitCredentials([]byte(fmt.Sprintf(`{"me":%q,"paired_at":%q}`, h.SessionID, time.Now().UTC().Format(time.RFC3339))))
		}
		h.EmitOpen()
	}
}

var (
	_ provider.Provider = (*Provider)(nil)
	_ provider.Handle   = (*Handle)(nil)
)
