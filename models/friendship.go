package models

import "time"

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestDeclined RequestStatus = "declined"
)

// FriendRequest transitions status exactly once (pending -> accepted|declined)
// and is retained afterwards for history.
type FriendRequest struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID string        `json:"receiver_id"`
	Status     RequestStatus `json:"status"`
	Message    string        `json:"message,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Friendship is a symmetric relation over an unordered user pair.
// At most one record exists per pair; blocking sets the flag, it never
// deletes the record.
type Friendship struct {
	ID        string    `json:"id"`
	User1ID   string    `json:"user1_id"`
	User2ID   string    `json:"user2_id"`
	Blocked   bool      `json:"blocked"`
	CreatedAt time.Time `json:"created_at"`
}

func (f *Friendship) Involves(userID string) bool {
	return f.User1ID == userID || f.User2ID == userID
}

// Other returns the participant that is not userID, or "" when userID is
// not part of the pair.
func (f *Friendship) Other(userID string) string {
	switch userID {
	case f.User1ID:
		return f.User2ID
	case f.User2ID:
		return f.User1ID
	}
	return ""
}

// PairKey is a canonical key for the unordered pair, used to enforce the
// one-record-per-pair invariant.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
