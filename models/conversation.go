package models

import "time"

// Conversation is a two-participant chat. Last-message fields are
// denormalized for list display; UnreadCounts maps participant id to that
// participant's unread counter.
type Conversation struct {
	ID            string         `json:"id"`
	Participants  []string       `json:"participants"`
	LastMessage   string         `json:"last_message"`
	LastMessageAt time.Time      `json:"last_message_at"`
	LastSenderID  string         `json:"last_sender_id"`
	UnreadCounts  map[string]int `json:"unread_counts"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the peer of userID, or "" when userID is not a
// participant.
func (c *Conversation) OtherParticipant(userID string) string {
	if !c.HasParticipant(userID) {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (c *Conversation) UnreadFor(userID string) int {
	if c.UnreadCounts == nil {
		return 0
	}
	return c.UnreadCounts[userID]
}
