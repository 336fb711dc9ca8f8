// ABOUTME: Session states, status snapshots and the reconnect backoff policy
// ABOUTME: Shared by the controller, manager and watcher

package session

import (
	"math"
	"time"

	"github.com/2389/relay-gateway/internal/provider"
)

// State is a session's lifecycle state.
type State string

const (
	StateInit         State = "INIT"
	StateQRPending    State = "QR_PENDING"
	StateConnected    State = "CONNECTED"
	StateReconnecting State = "CLOSED_RECONNECTING"
	StateLoggedOut    State = "LOGGED_OUT"
	StateFailed       State = "FAILED"
)

// Terminal reports whether no further transitions can happen on their own.
func (s State) Terminal() bool {
	return s == StateLoggedOut || s == StateFailed
}

// Disconnect describes the most recent close of a session's connection.
type Disconnect struct {
	Code   provider.DisconnectReason `json:"code"`
	Reason string                    `json:"reason"`
	At     time.Time                 `json:"at"`
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	SessionID           string      `json:"sessionId"`
	State               State       `json:"state"`
	Connected           bool        `json:"connected"`
	QRCode              string      `json:"qrCode,omitempty"`
	PairingCode         string      `json:"pairingCode,omitempty"`
	WebhookURL          string      `json:"webhookUrl,omitempty"`
	LastDisconnect      *Disconnect `json:"lastDisconnect,omitempty"`
	LastPersistError    string      `json:"lastPersistError,omitempty"`
	Incarnation         int         `json:"incarnation"`
	ConsecutiveFailures int         `json:"consecutiveFailures"`
	UpdatedAt           time.Time   `json:"updatedAt"`
}

// ReconnectPolicy bounds how a session retries after a recoverable close.
type ReconnectPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// MaxAttempts is the number of consecutive failures tolerated before the
	// session is marked FAILED. Zero retries forever.
	MaxAttempts int
	// StableAfter is how long a connection must stay open before the
	// failure counter resets.
	StableAfter time.Duration
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2,
		MaxAttempts:  10,
		StableAfter:  30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt n (1-based):
// InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (p ReconnectPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.InitialDelay) * math.Pow(mult, float64(n-1))
	if p.MaxDelay > 0 && (d > float64(p.MaxDelay) || math.IsInf(d, 0)) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Exhausted reports whether failures consecutive failures exceed the budget.
func (p ReconnectPolicy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures > p.MaxAttempts
}
