package syncer

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatter/models"
)

func TestResolveStatesPrecedence(t *testing.T) {
	me := "alice"
	friendship := func(other string, blocked bool) models.Friendship {
		a, b := me, other
		if a > b {
			a, b = b, a
		}
		return models.Friendship{ID: "f-" + other, User1ID: a, User2ID: b, Blocked: blocked}
	}

	tests := []struct {
		name        string
		friendships []models.Friendship
		sent        []models.FriendRequest
		received    []models.FriendRequest
		want        map[string]models.RelationshipState
	}{
		{
			name: "empty inputs yield no states",
			want: map[string]models.RelationshipState{},
		},
		{
			name: "pending sent request",
			sent: []models.FriendRequest{{SenderID: me, ReceiverID: "bob", Status: models.RequestPending}},
			want: map[string]models.RelationshipState{"bob": models.RelationRequestSent},
		},
		{
			name:     "pending received request",
			received: []models.FriendRequest{{SenderID: "bob", ReceiverID: me, Status: models.RequestPending}},
			want:     map[string]models.RelationshipState{"bob": models.RelationRequestReceived},
		},
		{
			name:        "friendship dominates stale pending request",
			friendships: []models.Friendship{friendship("bob", false)},
			sent:        []models.FriendRequest{{SenderID: me, ReceiverID: "bob", Status: models.RequestPending}},
			want:        map[string]models.RelationshipState{"bob": models.RelationFriends},
		},
		{
			name:        "blocked dominates everything",
			friendships: []models.Friendship{friendship("bob", true)},
			sent:        []models.FriendRequest{{SenderID: me, ReceiverID: "bob", Status: models.RequestPending}},
			received:    []models.FriendRequest{{SenderID: "bob", ReceiverID: me, Status: models.RequestPending}},
			want:        map[string]models.RelationshipState{"bob": models.RelationBlocked},
		},
		{
			name:        "foreign records are ignored",
			friendships: []models.Friendship{{ID: "f", User1ID: "carol", User2ID: "dave"}},
			sent:        []models.FriendRequest{{SenderID: "carol", ReceiverID: "dave", Status: models.RequestPending}},
			received:    []models.FriendRequest{{SenderID: "carol", ReceiverID: "dave", Status: models.RequestPending}},
			want:        map[string]models.RelationshipState{},
		},
		{
			name:     "settled requests carry no state",
			sent:     []models.FriendRequest{{SenderID: me, ReceiverID: "bob", Status: models.RequestDeclined}},
			received: []models.FriendRequest{{SenderID: "carol", ReceiverID: me, Status: models.RequestAccepted}},
			want:     map[string]models.RelationshipState{},
		},
		{
			name: "mixed targets resolve independently",
			friendships: []models.Friendship{
				friendship("bob", false),
				friendship("carol", true),
			},
			sent:     []models.FriendRequest{{SenderID: me, ReceiverID: "dave", Status: models.RequestPending}},
			received: []models.FriendRequest{{SenderID: "erin", ReceiverID: me, Status: models.RequestPending}},
			want: map[string]models.RelationshipState{
				"bob":   models.RelationFriends,
				"carol": models.RelationBlocked,
				"dave":  models.RelationRequestSent,
				"erin":  models.RelationRequestReceived,
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := ResolveStates(me, tc.friendships, tc.sent, tc.received)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveStatesSignedOut(t *testing.T) {
	got := ResolveStates("", []models.Friendship{{User1ID: "a", User2ID: "b"}}, nil, nil)
	assert.Empty(t, got)
}

func TestResolverFollowsStreams(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)

	assert.Equal(t, models.RelationNone, res.StateFor("bob"))

	f := e.seedFriendship(t, "alice", "bob", false)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationFriends
	}, waitFor, tick)

	require.NoError(t, e.store.Update(e.ctx, models.CollectionFriendships, f.ID, map[string]any{"blocked": true}))
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationBlocked
	}, waitFor, tick)

	require.NoError(t, e.store.Delete(e.ctx, models.CollectionFriendships, f.ID))
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationNone
	}, waitFor, tick)
}

func TestResolverRebindsOnIdentityChange(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)

	e.seedFriendship(t, "alice", "bob", false)
	e.seedRequest(t, "carol", "dave", models.RequestPending)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationFriends
	}, waitFor, tick)

	e.ident.SetUserID("dave")
	require.Eventually(t, func() bool {
		return res.StateFor("carol") == models.RelationRequestReceived &&
			res.StateFor("bob") == models.RelationNone
	}, waitFor, tick)

	e.ident.SetUserID("")
	require.Eventually(t, func() bool {
		return len(res.States()) == 0
	}, waitFor, tick)
}

func TestActionsSendFriendRequest(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	require.NoError(t, acts.SendFriendRequest(e.ctx, "bob", "hi"))
	assert.Equal(t, models.RelationRequestSent, res.StateFor("bob"))

	// Duplicate while the first is in flight is rejected locally.
	assert.ErrorIs(t, acts.SendFriendRequest(e.ctx, "bob", "again"), ErrInvalidTransition)

	// The stream confirms the optimistic state and retires the override.
	require.Eventually(t, func() bool {
		res.mu.RLock()
		defer res.mu.RUnlock()
		return len(res.overrides) == 0 && res.base["bob"] == models.RelationRequestSent
	}, waitFor, tick)
}

func TestActionsSendFriendRequestRollsBack(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	boom := errors.New("backend down")
	e.store.setCreateErr(models.CollectionFriendRequest, boom)

	err := acts.SendFriendRequest(e.ctx, "bob", "hi")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.RelationNone, res.StateFor("bob"))

	// A retry after recovery succeeds from the restored state.
	e.store.setCreateErr(models.CollectionFriendRequest, nil)
	require.NoError(t, acts.SendFriendRequest(e.ctx, "bob", "hi"))
	assert.Equal(t, models.RelationRequestSent, res.StateFor("bob"))
}

func TestActionsAcceptFriendRequest(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	req := e.seedRequest(t, "bob", "alice", models.RequestPending)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationRequestReceived
	}, waitFor, tick)

	require.NoError(t, acts.AcceptFriendRequest(e.ctx, "bob"))
	assert.Equal(t, models.RelationFriends, res.StateFor("bob"))

	rec, err := e.store.GetOnce(e.ctx, models.CollectionFriendRequest, req.ID)
	require.NoError(t, err)
	var stored models.FriendRequest
	require.NoError(t, rec.Decode(&stored))
	assert.Equal(t, models.RequestAccepted, stored.Status)

	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationFriends
	}, waitFor, tick)
}

func TestActionsAcceptRollsBackWhenFriendshipCreateFails(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	req := e.seedRequest(t, "bob", "alice", models.RequestPending)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationRequestReceived
	}, waitFor, tick)

	boom := errors.New("backend down")
	e.store.setCreateErr(models.CollectionFriendships, boom)

	err := acts.AcceptFriendRequest(e.ctx, "bob")
	require.ErrorIs(t, err, boom)
	assert.Equal(t, models.RelationRequestReceived, res.StateFor("bob"))

	// The request was restored to pending so the accept can be retried.
	rec, err := e.store.GetOnce(e.ctx, models.CollectionFriendRequest, req.ID)
	require.NoError(t, err)
	var stored models.FriendRequest
	require.NoError(t, rec.Decode(&stored))
	assert.Equal(t, models.RequestPending, stored.Status)
}

func TestActionsDeclineFriendRequest(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	req := e.seedRequest(t, "bob", "alice", models.RequestPending)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationRequestReceived
	}, waitFor, tick)

	require.NoError(t, acts.DeclineFriendRequest(e.ctx, "bob"))
	assert.Equal(t, models.RelationNone, res.StateFor("bob"))

	rec, err := e.store.GetOnce(e.ctx, models.CollectionFriendRequest, req.ID)
	require.NoError(t, err)
	var stored models.FriendRequest
	require.NoError(t, rec.Decode(&stored))
	assert.Equal(t, models.RequestDeclined, stored.Status)
}

func TestActionsCancelFriendRequest(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	req := e.seedRequest(t, "alice", "bob", models.RequestPending)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationRequestSent
	}, waitFor, tick)

	require.NoError(t, acts.CancelFriendRequest(e.ctx, "bob"))
	assert.Equal(t, models.RelationNone, res.StateFor("bob"))

	_, err := e.store.GetOnce(e.ctx, models.CollectionFriendRequest, req.ID)
	assert.Error(t, err)
}

func TestActionsUnfriendAndBlock(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	f := e.seedFriendship(t, "alice", "bob", false)
	require.Eventually(t, func() bool {
		return res.StateFor("bob") == models.RelationFriends
	}, waitFor, tick)

	require.NoError(t, acts.Unfriend(e.ctx, "bob"))
	assert.Equal(t, models.RelationNone, res.StateFor("bob"))
	_, err := e.store.GetOnce(e.ctx, models.CollectionFriendships, f.ID)
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		res.mu.RLock()
		defer res.mu.RUnlock()
		return len(res.friendships) == 0
	}, waitFor, tick)

	// Block from none creates a blocked pair record.
	require.NoError(t, acts.Block(e.ctx, "bob"))
	assert.Equal(t, models.RelationBlocked, res.StateFor("bob"))
	require.Eventually(t, func() bool {
		res.mu.RLock()
		defer res.mu.RUnlock()
		return res.base["bob"] == models.RelationBlocked
	}, waitFor, tick)

	require.NoError(t, acts.Unblock(e.ctx, "bob"))
	assert.Equal(t, models.RelationFriends, res.StateFor("bob"))
}

func TestActionsRequireIdentityAndValidState(t *testing.T) {
	e := newEnv(t, "")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	assert.ErrorIs(t, acts.SendFriendRequest(e.ctx, "bob", ""), ErrNoIdentity)
	assert.ErrorIs(t, acts.Unfriend(e.ctx, "bob"), ErrNoIdentity)

	e.ident.SetUserID("alice")
	assert.ErrorIs(t, acts.SendFriendRequest(e.ctx, "alice", ""), ErrInvalidTransition)
	assert.ErrorIs(t, acts.AcceptFriendRequest(e.ctx, "bob"), ErrInvalidTransition)
	assert.ErrorIs(t, acts.Unblock(e.ctx, "bob"), ErrInvalidTransition)
}

func TestActionsPublishRelationshipChanges(t *testing.T) {
	e := newEnv(t, "alice")
	res := e.startResolver(t)
	acts := NewActions(res, e.store, e.ident, e.bus, e.log)

	events, err := e.bus.SubscribeRelationshipChanged(e.ctx)
	require.NoError(t, err)

	require.NoError(t, acts.SendFriendRequest(e.ctx, "bob", ""))

	select {
	case ev := <-events:
		assert.Equal(t, "alice", ev.UserID)
		assert.Equal(t, "bob", ev.TargetID)
		assert.Equal(t, string(models.RelationRequestSent), ev.State)
	case <-time.After(waitFor):
		t.Fatal("no relationship change published")
	}
}
