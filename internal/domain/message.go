package domain

import (
	"slices"
	"time"
)

// MessageType classifies the payload a message carries.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageImage    MessageType = "image"
	MessageDocument MessageType = "document"
	MessageVoice    MessageType = "voice"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageDocument, MessageVoice:
		return true
	}
	return false
}

// ReactionKind is one of the fixed reactions a user may attach to a message.
type ReactionKind string

const (
	ReactionLike  ReactionKind = "like"
	ReactionLove  ReactionKind = "love"
	ReactionLaugh ReactionKind = "laugh"
	ReactionWow   ReactionKind = "wow"
	ReactionSad   ReactionKind = "sad"
	ReactionAngry ReactionKind = "angry"
)

var reactionKinds = []ReactionKind{
	ReactionLike, ReactionLove, ReactionLaugh, ReactionWow, ReactionSad, ReactionAngry,
}

// Valid reports whether k is a known reaction.
func (k ReactionKind) Valid() bool {
	return slices.Contains(reactionKinds, k)
}

// Reaction is a single user's reaction to a message. There is at most one per
// (MessageID, UserID).
type Reaction struct {
	MessageID string       `json:"message_id"`
	UserID    string       `json:"user_id"`
	Kind      ReactionKind `json:"reaction"`
	CreatedAt time.Time    `json:"created_at"`
}

// Message is a stored direct message. It is immutable after creation except
// for its reaction set.
type Message struct {
	ID               string      `json:"id"`
	ConversationID   string      `json:"conversation_id"`
	SenderID         string      `json:"sender_id"`
	ReceiverID       string      `json:"receiver_id"`
	Type             MessageType `json:"type"`
	Content          string      `json:"content,omitempty"`
	AttachmentRef    string      `json:"attachment_ref,omitempty"`
	ReplyToMessageID string      `json:"reply_to_message_id,omitempty"`
	CreatedAt        time.Time   `json:"created_at"`
	Reactions        []Reaction  `json:"reactions"`
}

// Participants returns the sender and receiver.
func (m Message) Participants() (string, string) {
	return m.SenderID, m.ReceiverID
}

// HasParticipant reports whether userID is the sender or receiver.
func (m Message) HasParticipant(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}
