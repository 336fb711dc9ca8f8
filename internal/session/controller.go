// ABOUTME: Per-session lifecycle controller driving one provider handle at a time
// ABOUTME: Consumes events in order, persists credentials before ack, reconnects with backoff

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/provider"
)

// Notifier receives inbound message batches. Notify must not block.
type Notifier interface {
	Notify(sessionID, webhookURL string, class provider.DeliveryClass, msgs []provider.Message)
}

// controllerDeps is shared by every controller of a Manager.
type controllerDeps struct {
	provider  provider.Provider
	creds     *credstore.Store
	notifier  Notifier
	watcher   *Watcher
	registry  *Registry
	policy    ReconnectPolicy
	opTimeout time.Duration
	renderQR  func(code string) (string, error)
	logger    *slog.Logger
}

// Controller owns one session: its state, its current handle and the
// goroutine consuming that handle's events.
type Controller struct {
	id     string
	deps   *controllerDeps
	logger *slog.Logger

	ctx             context.Context
	cancel          context.CancelFunc
	done            chan struct{}
	logoutRequested atomic.Bool

	mu             sync.RWMutex
	state          State
	webhookURL     string
	qrCode         string
	pairingCode    string
	lastDisconnect *Disconnect
	lastPersistErr error
	incarnation    int
	failures       int
	connectedAt    time.Time
	updatedAt      time.Time
	handle         provider.Handle

	finishOnce sync.Once
	finishErr  error
	finished   chan struct{}
}

// closeResult is how one incarnation ended.
type closeResult struct {
	cancelled bool
	reason    provider.DisconnectReason
	detail    string
	stable    bool
}

// newController opens the first binding and starts the event loop. ctx
// bounds only the open; the controller outlives it.
func newController(ctx context.Context, id, webhookURL string, deps *controllerDeps) (*Controller, error) {
	c := &Controller{
		id:         id,
		deps:       deps,
		logger:     deps.logger.With("session_id", id),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
		state:      StateInit,
		webhookURL: webhookURL,
		updatedAt:  time.Now(),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	h, err := c.open(ctx)
	if err != nil {
		c.cancel()
		return nil, &ProviderInitError{SessionID: id, Err: err}
	}
	c.incarnation = 1
	c.handle = h

	c.logger.Info("session started", "incarnation", 1)
	go c.run(h)
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// WebhookURL returns the session's webhook target, possibly empty.
func (c *Controller) WebhookURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.webhookURL
}

// SetWebhookURL replaces the webhook target.
func (c *Controller) SetWebhookURL(url string) {
	c.mu.Lock()
	c.webhookURL = url
	c.mu.Unlock()
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	st := Status{
		SessionID:           c.id,
		State:               c.state,
		Connected:           c.state == StateConnected,
		QRCode:              c.qrCode,
		PairingCode:         c.pairingCode,
		WebhookURL:          c.webhookURL,
		Incarnation:         c.incarnation,
		ConsecutiveFailures: c.failures,
		UpdatedAt:           c.updatedAt,
	}
	if c.lastDisconnect != nil {
		d := *c.lastDisconnect
		st.LastDisconnect = &d
	}
	if c.lastPersistErr != nil {
		st.LastPersistError = c.lastPersistErr.Error()
	}
	return st
}

// Done is closed when the event loop has exited.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// update applies fn under the lock and publishes the resulting snapshot.
func (c *Controller) update(fn func()) {
	c.mu.Lock()
	fn()
	c.updatedAt = time.Now()
	st := c.statusLocked()
	c.mu.Unlock()

	c.deps.watcher.Publish(st)
}

// transition moves to next if the current state is one of from, applying
// fn in the same critical section. It reports whether it moved.
func (c *Controller) transition(next State, from []State, fn func()) bool {
	c.mu.Lock()
	allowed := false
	for _, s := range from {
		if c.state == s {
			allowed = true
			break
		}
	}
	if !allowed {
		cur := c.state
		c.mu.Unlock()
		c.logger.Warn("ignoring out-of-order transition", "state", cur, "to", next)
		return false
	}
	c.state = next
	if fn != nil {
		fn()
	}
	c.updatedAt = time.Now()
	st := c.statusLocked()
	c.mu.Unlock()

	c.deps.watcher.Publish(st)
	return true
}

// open reads the last persisted credentials and opens a binding with them.
func (c *Controller) open(ctx context.Context) (provider.Handle, error) {
	auth := provider.AuthState{Keys: c.deps.creds.Keys(c.id)}

	creds, err := c.deps.creds.GetCredentials(ctx, c.id)
	switch {
	case errors.Is(err, credstore.ErrNoCredentials):
	case err != nil:
		return nil, fmt.Errorf("loading credentials: %w", err)
	default:
		auth.Credentials = creds
		auth.Restored = true
	}

	return c.deps.provider.Open(ctx, c.id, auth)
}

func (c *Controller) run(h provider.Handle) {
	defer close(c.done)

	for {
		res := c.consume(h)
		if res.cancelled {
			c.shutdownHandle(h)
			return
		}
		c.closeHandle(h)

		if res.reason.Terminal() {
			c.logger.Info("session logged out by provider", "detail", res.detail)
			ctx, cancel := context.WithTimeout(context.Background(), c.deps.opTimeout)
			_ = c.finish(ctx)
			cancel()
			return
		}

		c.recordClose(res)
		if h = c.reconnect(); h == nil {
			return
		}
	}
}

// consume handles events until the incarnation ends or the controller is
// cancelled.
func (c *Controller) consume(h provider.Handle) closeResult {
	events := h.Events()
	for {
		select {
		case <-c.ctx.Done():
			return closeResult{cancelled: true}
		case ev, ok := <-events:
			if !ok {
				return c.closed(provider.ReasonConnectionLost, "event stream ended")
			}
			switch ev.Kind {
			case provider.EventCredentials:
				c.persistCredentials(ev)
			case provider.EventMessages:
				c.forward(ev)
			case provider.EventConnection:
				if ev.Connection.Phase == provider.PhaseClose {
					return c.closed(ev.Connection.Reason, ev.Connection.Detail)
				}
				c.applyConnection(ev.Connection)
			default:
				c.logger.Warn("ignoring unknown event", "kind", ev.Kind)
				ev.Ack(nil)
			}
		}
	}
}

func (c *Controller) applyConnection(u provider.ConnectionUpdate) {
	switch u.Phase {
	case provider.PhasePairing:
		if u.PairingCode == "" {
			c.logger.Warn("pairing update without a code")
			return
		}
		qr, err := c.deps.renderQR(u.PairingCode)
		if err != nil {
			c.logger.Warn("rendering pairing code failed", "error", err)
		}
		if c.transition(StateQRPending, []State{StateInit, StateQRPending}, func() {
			c.pairingCode = u.PairingCode
			c.qrCode = qr
		}) {
			c.logger.Info("pairing code issued")
		}

	case provider.PhaseOpen:
		if c.transition(StateConnected, []State{StateInit, StateQRPending}, func() {
			c.qrCode = ""
			c.pairingCode = ""
			c.connectedAt = time.Now()
		}) {
			c.logger.Info("session connected")
		}

	default:
		c.logger.Warn("ignoring unknown connection phase", "phase", u.Phase)
	}
}

func (c *Controller) closed(reason provider.DisconnectReason, detail string) closeResult {
	if detail == "" {
		detail = reason.String()
	}
	c.mu.RLock()
	stable := !c.connectedAt.IsZero() && time.Since(c.connectedAt) >= c.deps.policy.StableAfter
	c.mu.RUnlock()
	return closeResult{reason: reason, detail: detail, stable: stable}
}

// persistCredentials writes the blob and only then acks the event.
func (c *Controller) persistCredentials(ev provider.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), c.deps.opTimeout)
	defer cancel()

	err := c.deps.creds.SetCredentials(ctx, c.id, ev.Credentials)
	if err != nil {
		c.logger.Error("persisting credentials failed", "error", err)
	}

	c.mu.Lock()
	c.lastPersistErr = err
	c.mu.Unlock()

	ev.Ack(err)
}

func (c *Controller) forward(ev provider.Event) {
	if c.deps.notifier == nil || len(ev.Messages) == 0 {
		return
	}
	c.deps.notifier.Notify(c.id, c.WebhookURL(), ev.Delivery, ev.Messages)
}

func (c *Controller) recordClose(res closeResult) {
	c.update(func() {
		c.lastDisconnect = &Disconnect{Code: res.reason, Reason: res.detail, At: time.Now()}
		if res.stable {
			c.failures = 0
		}
		c.state = StateReconnecting
		c.qrCode = ""
		c.pairingCode = ""
		c.connectedAt = time.Time{}
	})
	c.logger.Warn("connection closed", "reason", res.reason, "detail", res.detail)
}

// reconnect waits out the backoff and opens a fresh incarnation. It returns
// nil when the controller is cancelled or the retry budget is exhausted.
func (c *Controller) reconnect() provider.Handle {
	for {
		c.mu.Lock()
		c.failures++
		n := c.failures
		c.mu.Unlock()

		if c.deps.policy.Exhausted(n) {
			c.update(func() { c.state = StateFailed })
			c.logger.Error("reconnect attempts exhausted", "failures", n-1)
			return nil
		}

		delay := c.deps.policy.Delay(n)
		c.logger.Info("reconnecting", "attempt", n, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		h, err := c.open(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("reopening connection failed", "attempt", n, "error", err)
			continue
		}

		c.update(func() {
			c.incarnation++
			c.state = StateInit
			c.handle = h
		})
		return h
	}
}

// shutdownHandle is the cancelled path: log out first when asked to.
func (c *Controller) shutdownHandle(h provider.Handle) {
	if c.logoutRequested.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), c.deps.opTimeout)
		if err := h.Logout(ctx); err != nil {
			c.logger.Warn("provider logout failed", "error", err)
		}
		cancel()
	}
	c.closeHandle(h)
}

func (c *Controller) closeHandle(h provider.Handle) {
	if err := h.Close(); err != nil {
		c.logger.Debug("closing handle", "error", err)
	}
	c.mu.Lock()
	if c.handle == h {
		c.handle = nil
	}
	c.mu.Unlock()
}

// finish is the single terminal cleanup: delete stored records, mark
// LOGGED_OUT and leave the registry. It runs under the registry's lock for
// the id so a concurrent start cannot observe half of it.
func (c *Controller) finish(ctx context.Context) error {
	c.finishOnce.Do(func() {
		defer close(c.finished)
		unlock := c.deps.registry.locks.Lock(c.id)
		defer unlock()

		if err := c.deps.creds.DeleteAll(ctx, c.id); err != nil {
			c.logger.Error("deleting session records failed", "error", err)
			c.finishErr = err
		}
		c.update(func() {
			c.state = StateLoggedOut
			c.qrCode = ""
			c.pairingCode = ""
			c.connectedAt = time.Time{}
		})
		c.deps.registry.Remove(c.id, c)
		c.logger.Info("session logged out")
	})
	return c.finishErr
}

// Logout cancels the event loop, which logs out and closes the handle, waits
// for it to exit, then removes all stored records. Once the loop is
// cancelled the teardown always completes, even if ctx ends first.
func (c *Controller) Logout(ctx context.Context) error {
	c.logoutRequested.Store(true)
	c.cancel()

	result := make(chan error, 1)
	go func() {
		<-c.done
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.deps.opTimeout)
		defer cancel()
		result <- c.finish(fctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoggingOut reports whether a logout has begun.
func (c *Controller) LoggingOut() bool {
	return c.logoutRequested.Load()
}

// Finished is closed when terminal cleanup has completed.
func (c *Controller) Finished() <-chan struct{} {
	return c.finished
}

// Shutdown stops the event loop and closes the handle, keeping credentials.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connectedHandle returns the live handle when the session is CONNECTED.
func (c *Controller) connectedHandle() (provider.Handle, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateConnected || c.handle == nil {
		return nil, ErrSessionNotConnected
	}
	return c.handle, nil
}
