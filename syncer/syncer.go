// Package syncer keeps local chat state consistent with the remote
// document store: relationship resolution across three live streams,
// conversation aggregation with unread counts, read-state reconciliation,
// and optimistic relationship mutations with rollback.
package syncer

import "errors"

var (
	// ErrNoIdentity is returned when an action requires an authenticated
	// user and none is present. Callers treat the action as a no-op.
	ErrNoIdentity = errors.New("syncer: no authenticated identity")

	// ErrInvalidTransition is returned when an action does not apply to
	// the current relationship state, including a second optimistic
	// action racing an unconfirmed first one.
	ErrInvalidTransition = errors.New("syncer: action not valid for current relationship state")
)

// signal delivers a coalescing change notification.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
