// ABOUTME: Best-effort webhook delivery of inbound messages as JSON POSTs
// ABOUTME: Async with bounded in-flight requests, explicit retry policy and replay dedupe

package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/dedupe"
	"github.com/2389/relay-gateway/internal/provider"
)

// DeliveryHeader carries a per-delivery id, stable across retries.
const DeliveryHeader = "X-Relay-Delivery"

// ErrQueueFull is reported for messages dropped because every worker is busy
// and the queue is at capacity.
var ErrQueueFull = errors.New("webhook queue full")

// Config configures a Dispatcher.
type Config struct {
	Timeout time.Duration
	// MaxAttempts is the total number of POSTs per message. 1 means no retry.
	MaxAttempts int
	RetryDelay  time.Duration
	MaxInFlight int
	// QueueSize bounds messages waiting for a free worker. Notify drops and
	// reports messages that do not fit.
	QueueSize int
	// IncludeHistory forwards history-sync (append) batches too.
	IncludeHistory bool
	DedupeTTL      time.Duration
	DedupeSize     int

	// Observer, if set, is called for every failed delivery.
	Observer func(*WebhookDeliveryError)
	// Client overrides the HTTP client; Timeout still applies per attempt.
	Client *http.Client
}

// Envelope is the POST body.
type Envelope struct {
	SessionID string           `json:"sessionId"`
	Message   provider.Message `json:"message"`
}

// WebhookDeliveryError describes a delivery that never got a 2xx.
type WebhookDeliveryError struct {
	SessionID  string
	URL        string
	MessageID  string
	StatusCode int
	Attempts   int
	Err        error
}

func (e *WebhookDeliveryError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("webhook %s for session %s message %s: status %d after %d attempt(s)",
			e.URL, e.SessionID, e.MessageID, e.StatusCode, e.Attempts)
	}
	return fmt.Sprintf("webhook %s for session %s message %s: %v after %d attempt(s)",
		e.URL, e.SessionID, e.MessageID, e.Err, e.Attempts)
}

func (e *WebhookDeliveryError) Unwrap() error {
	return e.Err
}

// job is one queued delivery.
type job struct {
	sessionID string
	url       string
	msg       provider.Message
}

// Dispatcher posts inbound messages to session webhooks from a fixed pool of
// MaxInFlight workers fed by a bounded queue.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	jobs   chan job
	seen   *dedupe.Window
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a dispatcher, filling zero config fields with defaults.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 32
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = 10 * time.Minute
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 100_000
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	d := &Dispatcher{
		cfg:    cfg,
		client: client,
		jobs:   make(chan job, cfg.QueueSize),
		seen:   dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		logger: logger.With("component", "webhook"),
	}
	for i := 0; i < cfg.MaxInFlight; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		_ = d.Deliver(context.Background(), j.sessionID, j.url, j.msg)
	}
}

// Notify queues msgs for delivery to url and returns immediately. Messages
// that do not fit in the queue are dropped and reported with ErrQueueFull.
func (d *Dispatcher) Notify(sessionID, url string, class provider.DeliveryClass, msgs []provider.Message) {
	if url == "" {
		return
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Warn("dispatcher closed, dropping messages", "session_id", sessionID, "count", len(msgs))
		return
	}
	if class == provider.DeliveryAppend && !d.cfg.IncludeHistory {
		d.logger.Debug("skipping history batch", "session_id", sessionID, "count", len(msgs))
		return
	}

	for _, msg := range msgs {
		if msg.ID != "" && d.seen.CheckAndMark(dedupe.Key(sessionID, msg.ID)) {
			d.logger.Debug("skipping duplicate message", "session_id", sessionID, "message_id", msg.ID)
			continue
		}

		select {
		case d.jobs <- job{sessionID: sessionID, url: url, msg: msg}:
		default:
			if msg.ID != "" {
				d.seen.Forget(dedupe.Key(sessionID, msg.ID))
			}
			_ = d.fail(&WebhookDeliveryError{SessionID: sessionID, URL: url, MessageID: msg.ID, Err: ErrQueueFull})
		}
	}
}

// Deliver posts one message synchronously, retrying per the policy. Failures
// are logged, reported to the observer and returned.
func (d *Dispatcher) Deliver(ctx context.Context, sessionID, url string, msg provider.Message) error {
	body, err := json.Marshal(Envelope{SessionID: sessionID, Message: msg})
	if err != nil {
		return d.fail(&WebhookDeliveryError{SessionID: sessionID, URL: url, MessageID: msg.ID, Err: fmt.Errorf("encoding envelope: %w", err)})
	}

	deliveryID := uuid.NewString()
	var lastStatus int
	var lastErr error
	attempts := 0

retry:
	for attempts < d.cfg.MaxAttempts {
		attempts++
		lastStatus, lastErr = d.post(ctx, url, deliveryID, body)
		if lastErr == nil {
			d.logger.Debug("webhook delivered",
				"session_id", sessionID,
				"message_id", msg.ID,
				"attempt", attempts)
			return nil
		}

		if attempts < d.cfg.MaxAttempts {
			select {
			case <-time.After(d.cfg.RetryDelay):
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			}
		}
	}

	if msg.ID != "" {
		d.seen.Forget(dedupe.Key(sessionID, msg.ID))
	}
	return d.fail(&WebhookDeliveryError{
		SessionID:  sessionID,
		URL:        url,
		MessageID:  msg.ID,
		StatusCode: lastStatus,
		Attempts:   attempts,
		Err:        lastErr,
	})
}

// post performs one attempt. A non-2xx status is returned with an error.
func (d *Dispatcher) post(ctx context.Context, url, deliveryID string, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "relay-gateway")
	req.Header.Set(DeliveryHeader, deliveryID)

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (d *Dispatcher) fail(err *WebhookDeliveryError) error {
	d.logger.Warn("webhook delivery failed",
		"session_id", err.SessionID,
		"message_id", err.MessageID,
		"status", err.StatusCode,
		"error", err.Err)
	if d.cfg.Observer != nil {
		d.cfg.Observer(err)
	}
	return err
}

// Close stops accepting messages and waits for queued deliveries to finish
// or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.jobs)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	defer d.seen.Close()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
