// ABOUTME: Contract between the session controller and a messaging-protocol engine
// ABOUTME: Provider opens Handles; a Handle streams ordered Events and performs outbound ops

package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a handle that has been closed.
var ErrClosed = errors.New("provider: handle closed")

// Provider opens protocol connections for sessions.
type Provider interface {
	// Open constructs a binding for sessionID seeded with auth. It returns
	// once the binding exists; pairing and connection progress arrive as
	// events on the handle.
	Open(ctx context.Context, sessionID string, auth AuthState) (Handle, error)
}

// AuthState is everything a binding needs to resume or begin a login.
type AuthState struct {
	// Credentials is the last persisted credential blob. Only meaningful when
	// Restored is true; an empty blob with Restored set is a valid state.
	Credentials []byte
	Restored    bool

	// Keys is the session's key record store.
	Keys KeyStore
}

// KeyStore is the key-record capability a binding receives for one session.
type KeyStore interface {
	// Get returns the records for ids. Missing ids are omitted.
	Get(ctx context.Context, keyType string, ids []string) (map[string][]byte, error)
	// Set upserts records. A nil value deletes that id.
	Set(ctx context.Context, keyType string, values map[string][]byte) error
	// Delete removes records.
	Delete(ctx context.Context, keyType string, ids []string) error
}

// Handle is one live binding. Events are delivered in the order the engine
// produced them; the channel is closed when the binding ends.
type Handle interface {
	Events() <-chan Event

	SendText(ctx context.Context, to, text string) (string, error)
	SendDocument(ctx context.Context, to string, doc Document) (string, error)
	SendLocation(ctx context.Context, to string, loc Location) (string, error)
	SendContact(ctx context.Context, to string, contact Contact) (string, error)
	CheckAddress(ctx context.Context, address string) (AddressInfo, error)
	FetchGroups(ctx context.Context) ([]Group, error)

	// Logout unlinks the device on the engine side.
	Logout(ctx context.Context) error
	// Close tears down the binding without logging out. Idempotent.
	Close() error
}

// DisconnectReason is the status-code style cause of a closed connection.
type DisconnectReason int

const (
	ReasonUnknown            DisconnectReason = 0
	ReasonLoggedOut          DisconnectReason = 401
	ReasonConnectionLost     DisconnectReason = 408
	ReasonConnectionClosed   DisconnectReason = 428
	ReasonConnectionReplaced DisconnectReason = 440
	ReasonBadSession         DisconnectReason = 500
	ReasonUnavailable        DisconnectReason = 503
	ReasonRestartRequired    DisconnectReason = 515
)

// Terminal reports whether the session cannot reconnect after this reason.
func (r DisconnectReason) Terminal() bool {
	return r == ReasonLoggedOut
}

func (r DisconnectReason) String() string {
	switch r {
	case ReasonLoggedOut:
		return "logged out"
	case ReasonConnectionLost:
		return "connection lost"
	case ReasonConnectionClosed:
		return "connection closed"
	case ReasonConnectionReplaced:
		return "connection replaced"
	case ReasonBadSession:
		return "bad session"
	case ReasonUnavailable:
		return "unavailable"
	case ReasonRestartRequired:
		return "restart required"
	default:
		return fmt.Sprintf("unknown (%d)", int(r))
	}
}

// EventKind discriminates Event payloads.
type EventKind string

const (
	EventCredentials EventKind = "credentials"
	EventConnection  EventKind = "connection"
	EventMessages    EventKind = "messages"
)

// Phase is the connection phase carried by a connection event.
type Phase string

const (
	PhasePairing Phase = "pairing"
	PhaseOpen    Phase = "open"
	PhaseClose   Phase = "close"
)

// DeliveryClass distinguishes live messages from history sync.
type DeliveryClass string

const (
	DeliveryNotify DeliveryClass = "notify"
	DeliveryAppend DeliveryClass = "append"
)

// ConnectionUpdate is the payload of an EventConnection.
type ConnectionUpdate struct {
	Phase       Phase            `json:"phase"`
	PairingCode string           `json:"pairing_code,omitempty"`
	Reason      DisconnectReason `json:"reason,omitempty"`
	Detail      string           `json:"detail,omitempty"`
}

// Message is one inbound message. Payload is the engine's message object,
// passed through to webhooks untouched.
type Message struct {
	ID        string          `json:"id"`
	From      string          `json:"from,omitempty"`
	Chat      string          `json:"chat,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Event is one item on a handle's event stream.
type Event struct {
	Kind EventKind

	// EventCredentials
	Credentials []byte

	// EventConnection
	Connection ConnectionUpdate

	// EventMessages
	Messages []Message
	Delivery DeliveryClass

	ack func(error)
}

// Ack reports the outcome of handling a credentials event back to the
// engine. Only the first call has an effect; it is a no-op on other kinds.
func (e Event) Ack(err error) {
	if e.ack != nil {
		e.ack(err)
	}
}

// CredentialsEvent builds a credentials update. ack may be nil.
func CredentialsEvent(creds []byte, ack func(error)) Event {
	ev := Event{Kind: EventCredentials, Credentials: creds}
	if ack != nil {
		var once sync.Once
		ev.ack = func(err error) {
			once.Do(func() { ack(err) })
		}
	}
	return ev
}

// ConnectionEvent builds a connection update.
func ConnectionEvent(update ConnectionUpdate) Event {
	return Event{Kind: EventConnection, Connection: update}
}

// MessagesEvent builds an inbound message batch.
func MessagesEvent(class DeliveryClass, msgs []Message) Event {
	return Event{Kind: EventMessages, Delivery: class, Messages: msgs}
}

// Document is an outbound file attachment.
type Document struct {
	Data     []byte `json:"data"`
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type"`
	Caption  string `json:"caption,omitempty"`
}

// Location is an outbound location pin.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Contact is an outbound contact card.
type Contact struct {
	DisplayName string `json:"display_name"`
	VCard       string `json:"vcard"`
}

// AddressInfo is the result of an address lookup.
type AddressInfo struct {
	Exists  bool   `json:"exists"`
	Address string `json:"address,omitempty"`
}

// Group is a group chat the session belongs to.
type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}
