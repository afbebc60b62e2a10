package store

import "errors"

// Kind distinguishes two-party threads from group threads.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// Roles within a group conversation.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// ValidationError reports caller input rejected before any write. It is
// surfaced verbatim and never logged as an incident.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// ErrNotAParticipant is returned when an identity acts on a conversation
// it is not a member of. This signals a client/state bug and is never
// silently dropped.
var ErrNotAParticipant = errors.New("identity is not a conversation participant")

// ErrConversationNotFound is returned for operations on unknown conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// Conversation is a persisted thread. Peer and UnreadCount are
// per-viewer fields populated by ListForParticipant; they are zero
// values elsewhere.
type Conversation struct {
	ID            string
	Kind          Kind
	Title         string
	Preview       string
	LastMessageAt int64 // unix millis, 0 = no messages yet
	CreatedAt     int64
	Peer          string
	UnreadCount   int
}

// Member is one participant of a conversation.
type Member struct {
	ConversationID string
	Identity       string
	Role           string
	UnreadCount    int
	LastReadSeq    int64
	JoinedAt       int64
}

// Message is one entry of the append-only log. Seq is monotonic within
// the conversation and is the pagination cursor.
type Message struct {
	ID             int64
	ConversationID string
	Seq            int64
	SenderID       string
	ReceiverID     string // empty for group messages
	Body           string
	MessageType    string
	IsRead         bool
	CreatedAt      int64 // unix millis, server-assigned
}
