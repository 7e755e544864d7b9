package models

import "time"

type MessageType string

const (
	MessageText MessageType = "text"
)

// Message ids are ULIDs, so lexicographic order matches send order.
// Deleted messages keep their record with redacted content so ordering
// continuity is preserved.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	ReceiverID     string      `json:"receiver_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"created_at"`
	Read           bool        `json:"read"`
	Edited         bool        `json:"edited"`
	Deleted        bool        `json:"deleted"`
}
