// ABOUTME: Public session operations: start, status, logout, sends, lookups, restore
// ABOUTME: Maps ids to controllers through the registry and translates errors

package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/credstore"
	"github.com/2389/relay-gateway/internal/provider"
)

// Config tunes a Manager.
type Config struct {
	// StartWait bounds how long Start waits for the first state change so
	// that a promptly issued pairing code is in the response.
	StartWait time.Duration
	Reconnect ReconnectPolicy
	// OpTimeout bounds store writes and provider logout during teardown.
	OpTimeout time.Duration
}

// StartResult is returned by Start.
type StartResult struct {
	SessionID   string `json:"sessionId"`
	State       State  `json:"state"`
	QRCode      string `json:"qrCode,omitempty"`
	PairingCode string `json:"pairingCode,omitempty"`
	Created     bool   `json:"created"`
}

// SendResult identifies a message accepted by the provider.
type SendResult struct {
	MessageID string `json:"messageId,omitempty"`
}

// Media is a document to send, base64 encoded.
type Media struct {
	Base64   string
	FileName string
	MimeType string
	Caption  string
}

// ContactCard is the contact shared by SendContact.
type ContactCard struct {
	Name  string
	Phone string
}

// Manager is the entry point for every session operation.
type Manager struct {
	registry *Registry
	watcher  *Watcher
	deps     *controllerDeps
	cfg      Config
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// NewManager creates a manager. notifier may be nil.
func NewManager(p provider.Provider, creds *credstore.Store, notifier Notifier, cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sessions")

	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 10 * time.Second
	}
	if cfg.Reconnect == (ReconnectPolicy{}) {
		cfg.Reconnect = DefaultReconnectPolicy()
	}

	registry := NewRegistry()
	watcher := NewWatcher(logger)
	return &Manager{
		registry: registry,
		watcher:  watcher,
		cfg:      cfg,
		logger:   logger,
		deps: &controllerDeps{
			provider:  p,
			creds:     creds,
			notifier:  notifier,
			watcher:   watcher,
			registry:  registry,
			policy:    cfg.Reconnect,
			opTimeout: cfg.OpTimeout,
			renderQR:  RenderQR,
			logger:    logger,
		},
	}
}

// Start creates the session if needed and returns its state. When the
// session is still INIT it waits up to StartWait for the first change.
func (m *Manager) Start(ctx context.Context, sessionID, webhookURL string) (StartResult, error) {
	if err := credstore.ValidateSessionID(sessionID); err != nil {
		return StartResult{}, err
	}

	updates, unsubscribe := m.watcher.Subscribe(sessionID)
	defer unsubscribe()

	c, created, err := m.ensure(ctx, sessionID, webhookURL)
	if err != nil {
		return StartResult{}, err
	}

	if c.State() == StateInit && m.cfg.StartWait > 0 {
		m.awaitFirstChange(ctx, updates)
	}

	st := c.Status()
	return StartResult{
		SessionID:   sessionID,
		State:       st.State,
		QRCode:      st.QRCode,
		PairingCode: st.PairingCode,
		Created:     created,
	}, nil
}

func (m *Manager) awaitFirstChange(ctx context.Context, updates <-chan Status) {
	timer := time.NewTimer(m.cfg.StartWait)
	defer timer.Stop()

	for {
		select {
		case st, ok := <-updates:
			if !ok || st.State != StateInit {
				return
			}
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

// ensure returns the live controller for sessionID, creating it if needed.
// A session that is mid-logout is waited out and then replaced.
func (m *Manager) ensure(ctx context.Context, sessionID, webhookURL string) (*Controller, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrManagerClosed
	}

	for {
		c, created, err := m.registry.Create(sessionID, func() (*Controller, error) {
			url := webhookURL
			if url == "" {
				meta, err := m.deps.creds.GetMeta(ctx, sessionID)
				if err != nil {
					m.logger.Warn("reading session meta failed", "session_id", sessionID, "error", err)
				}
				url = meta.WebhookURL
			} else if err := m.deps.creds.SetMeta(ctx, sessionID, credstore.Meta{WebhookURL: url}); err != nil {
				m.logger.Warn("persisting webhook url failed", "session_id", sessionID, "error", err)
			}
			return newController(ctx, sessionID, url, m.deps)
		})
		if err != nil {
			return nil, false, err
		}

		if !created && c.LoggingOut() {
			select {
			case <-c.Finished():
				continue
			case <-ctx.Done():
				return nil, false, ctx.Err()
			}
		}

		if !created && webhookURL != "" && c.WebhookURL() != webhookURL {
			c.SetWebhookURL(webhookURL)
			if err := m.deps.creds.SetMeta(ctx, sessionID, credstore.Meta{WebhookURL: webhookURL}); err != nil {
				m.logger.Warn("persisting webhook url failed", "session_id", sessionID, "error", err)
			}
		}
		return c, created, nil
	}
}

// lookup returns the live controller for sessionID.
func (m *Manager) lookup(sessionID string) (*Controller, error) {
	c, ok := m.registry.Get(sessionID)
	if !ok || c.State() == StateLoggedOut || c.LoggingOut() {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// Status returns the session's status.
func (m *Manager) Status(sessionID string) (Status, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return Status{}, err
	}
	return c.Status(), nil
}

// QRCode returns the rendered pairing code while the session is QR_PENDING.
func (m *Manager) QRCode(sessionID string) (string, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return "", err
	}
	st := c.Status()
	if st.State != StateQRPending || st.QRCode == "" {
		return "", ErrNoPairingCode
	}
	return st.QRCode, nil
}

// Logout logs the session out, deletes its stored records and forgets it.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	c, err := m.lookup(sessionID)
	if err != nil {
		return err
	}
	return c.Logout(ctx)
}

// List returns the ids of live sessions.
func (m *Manager) List() []string {
	var ids []string
	for _, c := range m.registry.Controllers() {
		if c.State() != StateLoggedOut && !c.LoggingOut() {
			ids = append(ids, c.ID())
		}
	}
	return ids
}

// Sessions returns a status snapshot for every live session.
func (m *Manager) Sessions() []Status {
	var out []Status
	for _, c := range m.registry.Controllers() {
		if st := c.Status(); st.State != StateLoggedOut && !c.LoggingOut() {
			out = append(out, st)
		}
	}
	return out
}

// Watch returns the session's current status and a stream of later changes.
// cancel must be called to release the subscription.
func (m *Manager) Watch(sessionID string) (Status, <-chan Status, func(), error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return Status{}, nil, nil, err
	}
	updates, cancel := m.watcher.Subscribe(sessionID)
	return c.Status(), updates, cancel, nil
}

func (m *Manager) connected(sessionID string) (provider.Handle, error) {
	c, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	return c.connectedHandle()
}

// SendText sends a text message.
func (m *Manager) SendText(ctx context.Context, sessionID, to, text string) (SendResult, error) {
	if to == "" {
		return SendResult{}, invalidArgument("recipient is required")
	}
	if text == "" {
		return SendResult{}, invalidArgument("message is required")
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return SendResult{}, err
	}

	id, err := h.SendText(ctx, to, text)
	if err != nil {
		return SendResult{}, &DeliveryError{SessionID: sessionID, Op: "send_text", Recipient: to, Err: err}
	}
	return SendResult{MessageID: id}, nil
}

// SendGroupMessage sends a text message to a group.
func (m *Manager) SendGroupMessage(ctx context.Context, sessionID, groupID, text string) (SendResult, error) {
	if groupID == "" {
		return SendResult{}, invalidArgument("group id is required")
	}
	if text == "" {
		return SendResult{}, invalidArgument("message is required")
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return SendResult{}, err
	}

	id, err := h.SendText(ctx, groupID, text)
	if err != nil {
		return SendResult{}, &DeliveryError{SessionID: sessionID, Op: "send_group_message", Recipient: groupID, Err: err}
	}
	return SendResult{MessageID: id}, nil
}

// SendMedia sends a base64 payload as a document. The content type comes
// from MimeType or, failing that, the file extension.
func (m *Manager) SendMedia(ctx context.Context, sessionID, to string, media Media) (SendResult, error) {
	if to == "" {
		return SendResult{}, invalidArgument("recipient is required")
	}
	if media.FileName == "" {
		return SendResult{}, invalidArgument("filename is required")
	}
	data, err := decodeBase64(media.Base64)
	if err != nil {
		return SendResult{}, err
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return SendResult{}, err
	}

	doc := provider.Document{
		Data:     data,
		FileName: media.FileName,
		MimeType: media.MimeType,
		Caption:  media.Caption,
	}
	if doc.MimeType == "" {
		doc.MimeType = MimeTypeFor(media.FileName)
	}

	id, err := h.SendDocument(ctx, to, doc)
	if err != nil {
		return SendResult{}, &DeliveryError{SessionID: sessionID, Op: "send_media", Recipient: to, Err: err}
	}
	return SendResult{MessageID: id}, nil
}

// SendLocation sends a location pin.
func (m *Manager) SendLocation(ctx context.Context, sessionID, to string, loc provider.Location) (SendResult, error) {
	if to == "" {
		return SendResult{}, invalidArgument("recipient is required")
	}
	if math.IsNaN(loc.Latitude) || loc.Latitude < -90 || loc.Latitude > 90 {
		return SendResult{}, invalidArgument("latitude %v out of range", loc.Latitude)
	}
	if math.IsNaN(loc.Longitude) || loc.Longitude < -180 || loc.Longitude > 180 {
		return SendResult{}, invalidArgument("longitude %v out of range", loc.Longitude)
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return SendResult{}, err
	}

	id, err := h.SendLocation(ctx, to, loc)
	if err != nil {
		return SendResult{}, &DeliveryError{SessionID: sessionID, Op: "send_location", Recipient: to, Err: err}
	}
	return SendResult{MessageID: id}, nil
}

// SendContact shares a contact card.
func (m *Manager) SendContact(ctx context.Context, sessionID, to string, card ContactCard) (SendResult, error) {
	if to == "" {
		return SendResult{}, invalidArgument("recipient is required")
	}
	if card.Name == "" || card.Phone == "" {
		return SendResult{}, invalidArgument("contact name and phone are required")
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return SendResult{}, err
	}

	contact := provider.Contact{DisplayName: card.Name, VCard: BuildVCard(card.Name, card.Phone)}
	id, err := h.SendContact(ctx, to, contact)
	if err != nil {
		return SendResult{}, &DeliveryError{SessionID: sessionID, Op: "send_contact", Recipient: to, Err: err}
	}
	return SendResult{MessageID: id}, nil
}

// CheckNumber asks the provider whether number is registered.
func (m *Manager) CheckNumber(ctx context.Context, sessionID, number string) (provider.AddressInfo, error) {
	if number == "" {
		return provider.AddressInfo{}, invalidArgument("number is required")
	}
	h, err := m.connected(sessionID)
	if err != nil {
		return provider.AddressInfo{}, err
	}

	info, err := h.CheckAddress(ctx, number)
	if err != nil {
		return provider.AddressInfo{}, &DeliveryError{SessionID: sessionID, Op: "check_number", Recipient: number, Err: err}
	}
	return info, nil
}

// ListGroups returns the groups the session participates in.
func (m *Manager) ListGroups(ctx context.Context, sessionID string) ([]provider.Group, error) {
	h, err := m.connected(sessionID)
	if err != nil {
		return nil, err
	}

	groups, err := h.FetchGroups(ctx)
	if err != nil {
		return nil, &DeliveryError{SessionID: sessionID, Op: "list_groups", Err: err}
	}
	if groups == nil {
		groups = []provider.Group{}
	}
	return groups, nil
}

// Restore starts every session that has stored credentials. It returns how
// many were started; failures are logged and joined into the error.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	ids, err := m.deps.creds.ListSessions(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored sessions: %w", err)
	}

	var errs []error
	restored := 0
	for _, id := range ids {
		if _, _, err := m.ensure(ctx, id, ""); err != nil {
			m.logger.Warn("restoring session failed", "session_id", id, "error", err)
			errs = append(errs, err)
			continue
		}
		restored++
	}

	m.logger.Info("sessions restored", "restored", restored, "stored", len(ids))
	return restored, errors.Join(errs...)
}

// Close stops every session without deleting credentials and waits for
// their event loops to exit. Start fails afterwards.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	controllers := m.registry.Controllers()
	errCh := make(chan error, len(controllers))
	var wg sync.WaitGroup
	for _, c := range controllers {
		wg.Add(1)
		go func(c *Controller) {
			defer wg.Done()
			if err := c.Shutdown(ctx); err != nil {
				errCh <- fmt.Errorf("stopping session %s: %w", c.ID(), err)
			}
		}(c)
	}
	wg.Wait()
	close(errCh)

	m.watcher.Close()

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	m.logger.Info("sessions stopped", "count", len(controllers))
	return errors.Join(errs...)
}

// MimeTypeFor infers a content type from name's extension, falling back to
// application/octet-stream.
func MimeTypeFor(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// decodeBase64 accepts standard or unpadded base64, optionally wrapped in a
// data URL.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ";base64,"); ok {
			s = payload
		}
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, invalidArgument("media payload is empty")
	}

	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(s)
	}
	if err != nil {
		return nil, invalidArgument("media payload is not valid base64")
	}
	return data, nil
}

// BuildVCard returns a vCard 3.0 card for name and phone.
func BuildVCard(name, phone string) string {
	return "BEGIN:VCARD\n" +
		"VERSION:3.0\n" +
		"FN:" + escapeVCard(name) + "\n" +
		"TEL;TYPE=CELL:" + escapeVCard(phone) + "\n" +
		"END:VCARD"
}

var vcardEscaper = strings.NewReplacer(`\`, `\\`, ",", `\,`, ";", `\;`, "\r\n", `\n`, "\n", `\n`)

func escapeVCard(s string) string {
	return vcardEscaper.Replace(s)
}
