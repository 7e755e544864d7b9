package models

import "time"

type NotificationType string

const (
	NotificationFriendRequest   NotificationType = "friend_request"
	NotificationRequestAccepted NotificationType = "request_accepted"
	NotificationRequestDeclined NotificationType = "request_declined"
	NotificationNewMessage      NotificationType = "new_message"
	NotificationFriendRemoved   NotificationType = "friend_removed"
)

type Notification struct {
	ID          string            `json:"id"`
	RecipientID string            `json:"recipient_id"`
	Type        NotificationType  `json:"type"`
	Read        bool              `json:"read"`
	Data        map[string]string `json:"data,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}
