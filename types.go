package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic REST response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Domain Types
// ============================================================================

// Principal is a stable identity owned by the identity collaborator.
type Principal struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Name returns the display name, falling back to the id.
func (p Principal) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.ID
}

// MessageStatus is the delivery state of a message as seen by one client.
type MessageStatus string

const (
	StatusOptimistic MessageStatus = "optimistic"
	StatusConfirmed  MessageStatus = "confirmed"
	StatusFailed     MessageStatus = "failed"
)

// Message is a single pairwise chat message.
//
// ID is the canonical id assigned by the router and is zero until confirmed.
// LocalID only exists on the client that created the message, and only until
// it is confirmed. ClientID is the sender's correlation id as stored by the
// router; it equals the LocalID of the optimistic entry it resolves.
type Message struct {
	ID         int64         `json:"id,omitempty"`
	LocalID    string        `json:"localId,omitempty"`
	ClientID   string        `json:"clientId,omitempty"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Content    string        `json:"content"`
	CreatedAt  time.Time     `json:"createdAt"`
	Status     MessageStatus `json:"status,omitempty"`
}

// Counterpart returns the participant that is not self, or "" when the
// message does not involve self.
func (m Message) Counterpart(self string) string {
	switch self {
	case m.SenderID:
		return m.ReceiverID
	case m.ReceiverID:
		return m.SenderID
	}
	return ""
}

// Key returns the conversation key of the message's participant pair.
func (m Message) Key() string {
	return ConversationKey(m.SenderID, m.ReceiverID)
}

// Conversation is one entry of the recent-conversations list.
type Conversation struct {
	Key                 string    `json:"key"`
	Counterpart         Principal `json:"counterpart"`
	LastMessagePreview  string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt       time.Time `json:"lastMessageAt,omitempty"`
	LastMessageSenderID string    `json:"lastMessageSenderId,omitempty"`
	IsPlaceholder       bool      `json:"isPlaceholder,omitempty"`
}

// PresenceRecord is the advisory online state of a principal.
type PresenceRecord struct {
	PrincipalID string `json:"principalId"`
	Online      bool   `json:"online"`
}

// ============================================================================
// Wire Protocol
// ============================================================================

// Event types carried in an Envelope.
const (
	EventHandshake       = "handshake"
	EventAuthenticated   = "authenticated"
	EventAuthError       = "authError"
	EventRequestSend     = "requestSend"
	EventSentAck         = "sentAck"
	EventRejected        = "rejected"
	EventPush            = "push"
	EventPing            = "liveness-ping"
	EventPong            = "liveness-pong"
	EventPresenceChanged = "presenceChanged"
)

// Envelope is the wire format for all channel events.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(eventType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: eventType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return env, err
	}
	env.Payload = data
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// HandshakePayload authenticates a session.
type HandshakePayload struct {
	AuthToken string `json:"authToken"`
}

// AuthenticatedPayload is sent when a handshake succeeds.
type AuthenticatedPayload struct {
	PrincipalID  string `json:"principalId"`
	RoomName     string `json:"roomName"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// AuthErrorPayload is sent when a handshake is rejected.
type AuthErrorPayload struct {
	Reason string `json:"reason"`
}

// SendRequestPayload submits a message to the router. ClientID is echoed
// back verbatim in the ack and in echoes to the sender's other sessions.
type SendRequestPayload struct {
	ReceiverID string `json:"receiverId"`
	Content    string `json:"content"`
	ClientID   string `json:"clientId,omitempty"`
}

// SentAckPayload confirms the sender's own send.
type SentAckPayload struct {
	Message  Message `json:"message"`
	ClientID string  `json:"clientId,omitempty"`
}

// RejectedPayload reports a send the router refused.
type RejectedPayload struct {
	ClientID string `json:"clientId,omitempty"`
	Reason   string `json:"reason"`
}

// PushPayload delivers a canonical message to a recipient or sender echo.
type PushPayload struct {
	Message  Message `json:"message"`
	ClientID string  `json:"clientId,omitempty"`
}

// LivenessPayload is carried by liveness-ping and liveness-pong.
type LivenessPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// PresenceChangedPayload reports a presence transition.
type PresenceChangedPayload struct {
	PrincipalID string `json:"principalId"`
	Online      bool   `json:"online"`
}

// ============================================================================
// REST Types
// ============================================================================

// RegisterOptions creates a principal on the server.
type RegisterOptions struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// RegisterData is returned by the register endpoint.
type RegisterData struct {
	Principal Principal `json:"principal"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// PaginationOptions limits list endpoints.
type PaginationOptions struct {
	Limit int
}
