package models

// RelationshipState is derived per (currentUser, otherUser) pair and never
// persisted; it is recomputed from the friendship and request streams.
type RelationshipState string

const (
	RelationNone            RelationshipState = "none"
	RelationRequestSent     RelationshipState = "request_sent"
	RelationRequestReceived RelationshipState = "request_received"
	RelationFriends         RelationshipState = "friends"
	RelationBlocked         RelationshipState = "blocked"
)

// Collection names in the document store.
const (
	CollectionUsers         = "users"
	CollectionFriendRequest = "friend_requests"
	CollectionFriendships   = "friendships"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionNotifications = "notifications"
)
