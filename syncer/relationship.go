package syncer

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// Resolver derives one RelationshipState per known user from three live
// record sets: friendships, pending sent requests, and pending received
// requests. Every stream change triggers a full recompute; the set is
// small and wholesale recomputation cannot drift the way incremental
// diffing can.
//
// The resolver owns the state cache. The only writes from outside a full
// recompute are the optimistic overrides applied through Actions.
type Resolver struct {
	store store.Store
	ident identity.Provider
	log   zerolog.Logger

	mu          sync.RWMutex
	userID      string
	friendships []models.Friendship
	sent        []models.FriendRequest
	received    []models.FriendRequest
	base        map[string]models.RelationshipState
	overrides   map[string]models.RelationshipState

	updates chan struct{}
}

func NewResolver(st store.Store, ident identity.Provider, log zerolog.Logger) *Resolver {
	return &Resolver{
		store:     st,
		ident:     ident,
		log:       log,
		base:      make(map[string]models.RelationshipState),
		overrides: make(map[string]models.RelationshipState),
		updates:   make(chan struct{}, 1),
	}
}

// Start runs the resolver until ctx is cancelled, rebinding its streams
// whenever the identity changes.
func (r *Resolver) Start(ctx context.Context) {
	go r.run(ctx)
}

// Updates signals after every state change; deliveries coalesce.
func (r *Resolver) Updates() <-chan struct{} { return r.updates }

// StateFor returns the relationship toward target, RelationNone when
// nothing is known.
func (r *Resolver) StateFor(target string) models.RelationshipState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st, ok := r.overrides[target]; ok {
		return st
	}
	if st, ok := r.base[target]; ok {
		return st
	}
	return models.RelationNone
}

// States returns the merged state map for all known users.
func (r *Resolver) States() map[string]models.RelationshipState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.RelationshipState, len(r.base)+len(r.overrides))
	for id, st := range r.base {
		out[id] = st
	}
	for id, st := range r.overrides {
		out[id] = st
	}
	return out
}

func (r *Resolver) run(ctx context.Context) {
	changes := r.ident.Changes()
	stop := r.bind(ctx, r.ident.CurrentUserID())
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case id := <-changes:
			stop()
			stop = r.bind(ctx, id)
		}
	}
}

// bind resets all state for a new identity and, when signed in, opens the
// three stream subscriptions. The returned stop cancels them and waits
// for the stream goroutine so no stale write lands after rebinding.
func (r *Resolver) bind(parent context.Context, userID string) (stop func()) {
	r.mu.Lock()
	r.userID = userID
	r.friendships, r.sent, r.received = nil, nil, nil
	r.base = make(map[string]models.RelationshipState)
	r.overrides = make(map[string]models.RelationshipState)
	r.mu.Unlock()
	signal(r.updates)

	if userID == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.stream(ctx, userID)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Resolver) stream(ctx context.Context, userID string) {
	pending := string(models.RequestPending)

	friendSub, err := r.store.Watch(ctx, models.CollectionFriendships, store.Filter{})
	if err != nil {
		r.log.Error().Err(err).Msg("watch friendships")
		return
	}
	defer friendSub.Cancel()

	sentSub, err := r.store.Watch(ctx, models.CollectionFriendRequest, store.Filter{
		Equals: map[string]any{"sender_id": userID, "status": pending},
	})
	if err != nil {
		r.log.Error().Err(err).Msg("watch sent requests")
		return
	}
	defer sentSub.Cancel()

	recvSub, err := r.store.Watch(ctx, models.CollectionFriendRequest, store.Filter{
		Equals: map[string]any{"receiver_id": userID, "status": pending},
	})
	if err != nil {
		r.log.Error().Err(err).Msg("watch received requests")
		return
	}
	defer recvSub.Cancel()

	// Streams arrive on independent subscriptions in no particular
	// relative order; recomputing from the latest snapshot of all three
	// keeps any inconsistency transient.
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-friendSub.Snapshots():
			r.applyFriendships(snap)
		case snap := <-sentSub.Snapshots():
			r.applyRequests(snap, &r.sent)
		case snap := <-recvSub.Snapshots():
			r.applyRequests(snap, &r.received)
		}
	}
}

func (r *Resolver) applyFriendships(snap []store.Record) {
	friendships := make([]models.Friendship, 0, len(snap))
	for _, rec := range snap {
		var f models.Friendship
		if err := rec.Decode(&f); err != nil {
			r.log.Warn().Err(err).Str("id", rec.ID).Msg("skip malformed friendship record")
			continue
		}
		friendships = append(friendships, f)
	}
	r.mu.Lock()
	r.friendships = friendships
	r.recomputeLocked()
	r.mu.Unlock()
	signal(r.updates)
}

func (r *Resolver) applyRequests(snap []store.Record, dst *[]models.FriendRequest) {
	requests := make([]models.FriendRequest, 0, len(snap))
	for _, rec := range snap {
		var req models.FriendRequest
		if err := rec.Decode(&req); err != nil {
			r.log.Warn().Err(err).Str("id", rec.ID).Msg("skip malformed request record")
			continue
		}
		requests = append(requests, req)
	}
	r.mu.Lock()
	*dst = requests
	r.recomputeLocked()
	r.mu.Unlock()
	signal(r.updates)
}

// recomputeLocked rebuilds the base map and retires any optimistic
// override the streams have confirmed.
func (r *Resolver) recomputeLocked() {
	r.base = ResolveStates(r.userID, r.friendships, r.sent, r.received)
	for target, st := range r.overrides {
		base, ok := r.base[target]
		if !ok {
			base = models.RelationNone
		}
		if base == st {
			delete(r.overrides, target)
		}
	}
}

// setOverride applies an optimistic state ahead of the remote write.
func (r *Resolver) setOverride(target string, st models.RelationshipState) {
	r.mu.Lock()
	r.overrides[target] = st
	r.mu.Unlock()
	signal(r.updates)
}

// rollback restores the state held before an optimistic apply.
func (r *Resolver) rollback(target string, prior models.RelationshipState) {
	r.mu.Lock()
	base, ok := r.base[target]
	if !ok {
		base = models.RelationNone
	}
	if base == prior {
		delete(r.overrides, target)
	} else {
		r.overrides[target] = prior
	}
	r.mu.Unlock()
	signal(r.updates)
}

func (r *Resolver) currentUserID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.userID
}

func (r *Resolver) pendingSentTo(target string) (models.FriendRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.sent {
		if req.ReceiverID == target && req.Status == models.RequestPending {
			return req, true
		}
	}
	return models.FriendRequest{}, false
}

func (r *Resolver) pendingReceivedFrom(target string) (models.FriendRequest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, req := range r.received {
		if req.SenderID == target && req.Status == models.RequestPending {
			return req, true
		}
	}
	return models.FriendRequest{}, false
}

func (r *Resolver) friendshipWith(target string) (models.Friendship, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, f := range r.friendships {
		if f.Involves(r.userID) && f.Other(r.userID) == target {
			return f, true
		}
	}
	return models.Friendship{}, false
}

// ResolveStates computes the relationship map in one pass. Precedence per
// target, highest first: blocked, friends, requestSent, requestReceived,
// none. A blocked friendship must dominate the friendship itself, and an
// existing friendship must dominate any stale pending request.
func ResolveStates(currentUserID string, friendships []models.Friendship, sent, received []models.FriendRequest) map[string]models.RelationshipState {
	states := make(map[string]models.RelationshipState)
	if currentUserID == "" {
		return states
	}

	// Ascending precedence: later writes win, except friends never
	// overwrites blocked.
	for _, req := range received {
		if req.Status == models.RequestPending && req.ReceiverID == currentUserID {
			states[req.SenderID] = models.RelationRequestReceived
		}
	}
	for _, req := range sent {
		if req.Status == models.RequestPending && req.SenderID == currentUserID {
			states[req.ReceiverID] = models.RelationRequestSent
		}
	}
	for _, f := range friendships {
		if !f.Involves(currentUserID) {
			continue
		}
		other := f.Other(currentUserID)
		if other == "" || other == currentUserID {
			continue
		}
		if f.Blocked {
			states[other] = models.RelationBlocked
		} else if states[other] != models.RelationBlocked {
			states[other] = models.RelationFriends
		}
	}
	return states
}
