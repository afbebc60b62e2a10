// Package wire defines the JSON events exchanged with clients over the
// push channel. The names are the protocol; transports carry these
// envelopes verbatim.
package wire

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/sioree/messaging/internal/store"
)

// Inbound event types (client to server).
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypeMarkRead    = "mark_read"
)

// Outbound event types (server to client).
const (
	TypeMessageSent = "message_sent"
	TypeNewMessage  = "new_message"
	TypeUserTyping  = "user_typing"
	TypeError       = "error"
)

// Event is the envelope for every wire message.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps a payload into an envelope.
func NewEvent(typ string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: typ, Data: data}, nil
}

// SendMessage is the inbound send intent.
type SendMessage struct {
	ConversationID string `json:"conversationId"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Text           string `json:"text"`
	MessageType    string `json:"messageType,omitempty"`
}

// Typing is the inbound typing indicator.
type Typing struct {
	ReceiverID string `json:"receiverId"`
	IsTyping   bool   `json:"isTyping"`
}

// MarkRead is the inbound read receipt for a whole conversation.
type MarkRead struct {
	ConversationID string `json:"conversationId"`
}

// MessagePayload carries a persisted message to either participant, on
// both the message_sent ack and the new_message push.
type MessagePayload struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	ReceiverID     string `json:"receiverId,omitempty"`
	Text           string `json:"text"`
	MessageType    string `json:"messageType"`
	Seq            int64  `json:"seq"`
	CreatedAt      string `json:"createdAt"`
	IsRead         bool   `json:"isRead"`
}

// MessageFrom converts a stored message into its wire form.
func MessageFrom(m *store.Message) MessagePayload {
	return MessagePayload{
		ID:             strconv.FormatInt(m.ID, 10),
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Text:           m.Body,
		MessageType:    m.MessageType,
		Seq:            m.Seq,
		CreatedAt:      time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339Nano),
		IsRead:         m.IsRead,
	}
}

// UserTyping is the outbound typing indicator.
type UserTyping struct {
	SenderID string `json:"senderId"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload surfaces a rejected inbound event to the offending
// client only.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for ErrorPayload.
const (
	CodeValidation       = "validation_error"
	CodeNotAParticipant  = "not_a_participant"
	CodeNotFound         = "not_found"
	CodeStorage          = "storage_unavailable"
	CodeMalformedEvent   = "malformed_event"
	CodeUnsupportedEvent = "unsupported_event"
)
