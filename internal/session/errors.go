// ABOUTME: Error kinds returned by session operations
// ABOUTME: Sentinels for lookups and input, typed errors for provider failures

package session

import (
	"errors"
	"fmt"

	"github.com/2389/relay-gateway/internal/credstore"
)

var (
	// ErrSessionNotFound indicates no live session with the given id. Logged-out
	// sessions answer with this too.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionNotConnected indicates the session exists but is not CONNECTED.
	ErrSessionNotConnected = errors.New("session not connected")

	// ErrInvalidArgument indicates a malformed request (bad base64, missing
	// recipient, ...).
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidSessionID indicates an id outside the allowed character set.
	ErrInvalidSessionID = credstore.ErrInvalidSessionID

	// ErrNoPairingCode indicates the session is not waiting for a pairing scan.
	ErrNoPairingCode = errors.New("no pairing code available")

	// ErrManagerClosed is returned by Start after Close.
	ErrManagerClosed = errors.New("session manager closed")
)

// ProviderInitError means the first binding for a session could not be opened.
type ProviderInitError struct {
	SessionID string
	Err       error
}

func (e *ProviderInitError) Error() string {
	return fmt.Sprintf("opening connection for session %s: %v", e.SessionID, e.Err)
}

func (e *ProviderInitError) Unwrap() error {
	return e.Err
}

// DeliveryError means the provider rejected an outbound operation.
type DeliveryError struct {
	SessionID string
	Op        string
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Recipient == "" {
		return fmt.Sprintf("%s failed for session %s: %v", e.Op, e.SessionID, e.Err)
	}
	return fmt.Sprintf("%s to %s failed for session %s: %v", e.Op, e.Recipient, e.SessionID, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
