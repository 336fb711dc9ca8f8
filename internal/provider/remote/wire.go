// ABOUTME: JSON frame types exchanged with a protocol engine over websocket
// ABOUTME: One envelope type with a discriminator plus a payload struct per frame and op

package remote

import (
	"encoding/json"

	"github.com/2389/relay-gateway/internal/provider"
)

// Frame types.
const (
	// gateway -> engine
	FrameHello   = "hello"
	FrameRequest = "request"
	FrameReply   = "reply"

	// engine -> gateway
	FrameConnection  = "connection"
	FrameCredentials = "credentials"
	FrameMessages    = "messages"
	FrameKeysGet     = "keys.get"
	FrameKeysSet     = "keys.set"
	FrameKeysDelete  = "keys.delete"
	FrameResponse    = "response"
)

// Request ops.
const (
	OpSendText     = "send_text"
	OpSendDocument = "send_document"
	OpSendLocation = "send_location"
	OpSendContact  = "send_contact"
	OpCheckAddress = "check_address"
	OpFetchGroups  = "fetch_groups"
	OpLogout       = "logout"
)

// Frame is the envelope for every message on the socket.
type Frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Op        string          `json:"op,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Hello is the first frame the gateway sends after dialing.
type Hello struct {
	SessionID   string `json:"session_id"`
	Credentials []byte `json:"credentials,omitempty"`
	Restored    bool   `json:"restored"`
}

// CredentialsUpdate carries a new credential blob from the engine.
type CredentialsUpdate struct {
	Credentials []byte `json:"credentials"`
}

// MessagesBatch carries inbound messages from the engine.
type MessagesBatch struct {
	Class    provider.DeliveryClass `json:"class"`
	Messages []provider.Message     `json:"messages"`
}

// KeysRequest is the payload of keys.get and keys.delete.
type KeysRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

// KeysValues is the payload of keys.set and of the reply to keys.get. A
// null value in keys.set deletes that id.
type KeysValues struct {
	Type   string            `json:"type,omitempty"`
	Values map[string][]byte `json:"values"`
}

// SendTextRequest is the payload of send_text.
type SendTextRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// SendDocumentRequest is the payload of send_document.
type SendDocumentRequest struct {
	To string `json:"to"`
	provider.Document
}

// SendLocationRequest is the payload of send_location.
type SendLocationRequest struct {
	To string `json:"to"`
	provider.Location
}

// SendContactRequest is the payload of send_contact.
type SendContactRequest struct {
	To string `json:"to"`
	provider.Contact
}

// SendResponse answers every send op.
type SendResponse struct {
	ID string `json:"id"`
}

// CheckAddressRequest is the payload of check_address. The response is a
// provider.AddressInfo.
type CheckAddressRequest struct {
	Address string `json:"address"`
}

// GroupsResponse answers fetch_groups.
type GroupsResponse struct {
	Groups []provider.Group `json:"groups"`
}
