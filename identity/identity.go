// Package identity supplies the authenticated user id and a stream of
// identity changes. An empty user id means signed out; the sync layer
// treats that as "no subscriptions active, all derived state empty".
package identity

import "sync"

type Provider interface {
	// CurrentUserID returns "" when no identity is established.
	CurrentUserID() string
	// Changes returns a fresh channel per call; every caller observes
	// every sign-in and sign-out transition.
	Changes() <-chan string
}

// notifier is the shared subscriber bookkeeping for providers. Identity
// transitions are rare, so a small buffer per subscriber is enough; a
// full subscriber drops the event rather than blocking sign-in.
type notifier struct {
	mu   sync.Mutex
	subs []chan string
}

func (n *notifier) subscribe() <-chan string {
	ch := make(chan string, 8)
	n.mu.Lock()
	n.subs = append(n.subs, ch)
	n.mu.Unlock()
	return ch
}

func (n *notifier) publish(userID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- userID:
		default:
		}
	}
}

// Static is a fixed identity source for tests and embedded use.
type Static struct {
	notifier
	mu     sync.RWMutex
	userID string
}

func NewStatic(userID string) *Static {
	return &Static{userID: userID}
}

func (s *Static) CurrentUserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Static) Changes() <-chan string { return s.subscribe() }

func (s *Static) SetUserID(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.publish(userID)
}
