package chat

import "time"

// ---------------------------------------------
// Database & API models
// ---------------------------------------------

const (
	ConversationDirect = "direct"
	ConversationGroup  = "group"
)

type Conversation struct {
	ID        int       `json:"id"`
	Type      string    `json:"type"` // 'direct' or 'group'
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Participant ties a user to a conversation together with that user's
// wrapped conversation key. EncryptedKey is opaque to the server: it is
// the JSON-serialized envelope produced client-side, stored verbatim.
type Participant struct {
	ConversationID int        `json:"conversationId"`
	UserID         int        `json:"userId"`
	EncryptedKey   string     `json:"encryptedKey,omitempty"`
	JoinedAt       time.Time  `json:"joinedAt"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}

// Message is an opaque ciphertext envelope. Content is the AES-GCM
// output over the sender's JSON payload; the server never decrypts it.
// ClientNonce is the sender-generated idempotency key: retried frames
// with the same nonce are persisted and delivered once.
type Message struct {
	ID             int       `json:"id"`
	ConversationID int       `json:"conversationId"`
	SenderID       int       `json:"senderId"`
	Content        string    `json:"content"`
	IV             string    `json:"iv"`
	ClientNonce    string    `json:"clientNonce,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ConversationSummary is what the conversation list API returns: the
// conversation plus the caller's own wrapped key and read state, unread
// count and the (still encrypted) last message for previews.
type ConversationSummary struct {
	Conversation
	EncryptedKey string            `json:"encryptedKey,omitempty"`
	LastReadAt   *time.Time        `json:"lastReadAt,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
	LastMessage  *Message          `json:"lastMessage,omitempty"`
	Participants []ParticipantInfo `json:"participants"`
}

type ParticipantInfo struct {
	UserID     int        `json:"userId"`
	Username   string     `json:"username"`
	LastReadAt *time.Time `json:"lastReadAt,omitempty"`
}

// ---------------------------------------------
// Wire protocol (realtime channel)
// ---------------------------------------------

const (
	FrameSubscribe = "subscribe"
	FrameMessage   = "message"
	FrameRead      = "read"
	FrameStatus    = "status"

	StatusOnline  = "online"
	StatusOffline = "offline"

	// Heartbeat is bare text, not JSON.
	pingPayload = "ping"
	pongPayload = "pong"
)

// Frame is the tagged union carried over the realtime channel. Which
// fields are meaningful depends on Type; validation happens per kind in
// the hub before anything touches the store.
type Frame struct {
	Type           string     `json:"type"`
	ConversationID int        `json:"conversationId,omitempty"`
	UserID         int        `json:"userId,omitempty"`
	SenderID       int        `json:"senderId,omitempty"`
	Content        string     `json:"content,omitempty"`
	IV             string     `json:"iv,omitempty"`
	ClientNonce    string     `json:"clientNonce,omitempty"`
	Status         string     `json:"status,omitempty"`
	CreatedAt      *time.Time `json:"createdAt,omitempty"`
	LastReadAt     *time.Time `json:"lastReadAt,omitempty"`
}
