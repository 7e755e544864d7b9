package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatter/bus"
	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// Actions is the optimistic mutation wrapper for relationship changes.
// Every action applies the implied state to the resolver cache before the
// remote write, and rolls back to the prior snapshot when the write
// fails. A racing duplicate action observes the already-applied optimistic
// state and is rejected locally instead of issuing a second remote write.
type Actions struct {
	res   *Resolver
	store store.Store
	ident identity.Provider
	bus   *bus.Bus
	log   zerolog.Logger
}

func NewActions(res *Resolver, st store.Store, ident identity.Provider, b *bus.Bus, log zerolog.Logger) *Actions {
	return &Actions{res: res, store: st, ident: ident, bus: b, log: log}
}

// SendFriendRequest creates a pending request toward target. Valid only
// from RelationNone.
func (a *Actions) SendFriendRequest(ctx context.Context, target, message string) error {
	me, prior, err := a.begin(target, models.RelationNone)
	if err != nil {
		return err
	}
	a.apply(me, target, models.RelationRequestSent)

	req := models.FriendRequest{
		ID:         uuid.New().String(),
		SenderID:   me,
		ReceiverID: target,
		Status:     models.RequestPending,
		Message:    message,
		CreatedAt:  time.Now(),
	}
	rec, err := store.Encode(req.ID, req)
	if err == nil {
		err = a.store.Create(ctx, models.CollectionFriendRequest, rec)
	}
	if err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("send friend request: %w", err)
	}

	a.notify(ctx, target, models.NotificationFriendRequest, map[string]string{
		"user_id":    me,
		"request_id": req.ID,
	})
	return nil
}

// CancelFriendRequest withdraws a pending sent request. Valid only from
// RelationRequestSent.
func (a *Actions) CancelFriendRequest(ctx context.Context, target string) error {
	me, prior, err := a.begin(target, models.RelationRequestSent)
	if err != nil {
		return err
	}
	req, ok := a.res.pendingSentTo(target)
	if !ok {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationNone)

	if err := a.store.Delete(ctx, models.CollectionFriendRequest, req.ID); err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("cancel friend request: %w", err)
	}
	return nil
}

// AcceptFriendRequest accepts a pending received request: the request
// record transitions to accepted (and is retained for history) and a
// friendship record is created for the pair.
func (a *Actions) AcceptFriendRequest(ctx context.Context, target string) error {
	me, prior, err := a.begin(target, models.RelationRequestReceived)
	if err != nil {
		return err
	}
	req, ok := a.res.pendingReceivedFrom(target)
	if !ok {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationFriends)

	if err := a.store.Update(ctx, models.CollectionFriendRequest, req.ID, map[string]any{
		"status": string(models.RequestAccepted),
	}); err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("accept friend request: %w", err)
	}

	u1, u2 := me, target
	if u1 > u2 {
		u1, u2 = u2, u1
	}
	friendship := models.Friendship{
		ID:        uuid.New().String(),
		User1ID:   u1,
		User2ID:   u2,
		Blocked:   false,
		CreatedAt: time.Now(),
	}
	rec, err := store.Encode(friendship.ID, friendship)
	if err == nil {
		err = a.store.Create(ctx, models.CollectionFriendships, rec)
	}
	if err != nil {
		// Put the request back so the accept can be retried.
		if rerr := a.store.Update(ctx, models.CollectionFriendRequest, req.ID, map[string]any{
			"status": string(models.RequestPending),
		}); rerr != nil {
			a.log.Warn().Err(rerr).Str("request_id", req.ID).Msg("restore pending request failed")
		}
		a.revert(me, target, prior)
		return fmt.Errorf("create friendship: %w", err)
	}

	a.notify(ctx, target, models.NotificationRequestAccepted, map[string]string{"user_id": me})
	return nil
}

// DeclineFriendRequest declines a pending received request; the record is
// retained with status declined.
func (a *Actions) DeclineFriendRequest(ctx context.Context, target string) error {
	me, prior, err := a.begin(target, models.RelationRequestReceived)
	if err != nil {
		return err
	}
	req, ok := a.res.pendingReceivedFrom(target)
	if !ok {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationNone)

	if err := a.store.Update(ctx, models.CollectionFriendRequest, req.ID, map[string]any{
		"status": string(models.RequestDeclined),
	}); err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("decline friend request: %w", err)
	}

	a.notify(ctx, target, models.NotificationRequestDeclined, map[string]string{"user_id": me})
	return nil
}

// Unfriend deletes the friendship record. Valid only from RelationFriends.
func (a *Actions) Unfriend(ctx context.Context, target string) error {
	me, prior, err := a.begin(target, models.RelationFriends)
	if err != nil {
		return err
	}
	friendship, ok := a.res.friendshipWith(target)
	if !ok {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationNone)

	if err := a.store.Delete(ctx, models.CollectionFriendships, friendship.ID); err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("unfriend: %w", err)
	}

	a.notify(ctx, target, models.NotificationFriendRemoved, map[string]string{"user_id": me})
	return nil
}

// Block sets the blocked flag on the pair's friendship record, creating
// the record when none exists. The friendship is never deleted by a
// block, so history and re-friending rules survive.
func (a *Actions) Block(ctx context.Context, target string) error {
	me := a.ident.CurrentUserID()
	if me == "" {
		return ErrNoIdentity
	}
	if target == me {
		return fmt.Errorf("block: %w", ErrInvalidTransition)
	}
	prior := a.res.StateFor(target)
	if prior == models.RelationBlocked {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationBlocked)

	if friendship, ok := a.res.friendshipWith(target); ok {
		if err := a.store.Update(ctx, models.CollectionFriendships, friendship.ID, map[string]any{
			"blocked": true,
		}); err != nil {
			a.revert(me, target, prior)
			return fmt.Errorf("block: %w", err)
		}
		return nil
	}

	u1, u2 := me, target
	if u1 > u2 {
		u1, u2 = u2, u1
	}
	friendship := models.Friendship{
		ID:        uuid.New().String(),
		User1ID:   u1,
		User2ID:   u2,
		Blocked:   true,
		CreatedAt: time.Now(),
	}
	rec, err := store.Encode(friendship.ID, friendship)
	if err == nil {
		err = a.store.Create(ctx, models.CollectionFriendships, rec)
	}
	if err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

// Unblock clears the blocked flag; the pair returns to friends.
func (a *Actions) Unblock(ctx context.Context, target string) error {
	me, prior, err := a.begin(target, models.RelationBlocked)
	if err != nil {
		return err
	}
	friendship, ok := a.res.friendshipWith(target)
	if !ok {
		return ErrInvalidTransition
	}
	a.apply(me, target, models.RelationFriends)

	if err := a.store.Update(ctx, models.CollectionFriendships, friendship.ID, map[string]any{
		"blocked": false,
	}); err != nil {
		a.revert(me, target, prior)
		return fmt.Errorf("unblock: %w", err)
	}
	return nil
}

// begin validates identity and the required current state, returning the
// snapshot used for compensation on failure.
func (a *Actions) begin(target string, required models.RelationshipState) (me string, prior models.RelationshipState, err error) {
	me = a.ident.CurrentUserID()
	if me == "" {
		return "", "", ErrNoIdentity
	}
	if target == me {
		return "", "", fmt.Errorf("self target: %w", ErrInvalidTransition)
	}
	prior = a.res.StateFor(target)
	if prior != required {
		return "", "", ErrInvalidTransition
	}
	return me, prior, nil
}

func (a *Actions) apply(me, target string, st models.RelationshipState) {
	a.res.setOverride(target, st)
	a.publishChange(me, target, st)
}

func (a *Actions) revert(me, target string, prior models.RelationshipState) {
	a.res.rollback(target, prior)
	a.publishChange(me, target, prior)
}

func (a *Actions) publishChange(me, target string, st models.RelationshipState) {
	if a.bus == nil {
		return
	}
	err := a.bus.PublishRelationshipChanged(bus.RelationshipChanged{
		UserID:   me,
		TargetID: target,
		State:    string(st),
	})
	if err != nil {
		a.log.Warn().Err(err).Msg("publish relationship change")
	}
}

// notify writes a notification for the counterpart. Failures are logged
// and swallowed; notifications are best-effort.
func (a *Actions) notify(ctx context.Context, recipient string, typ models.NotificationType, data map[string]string) {
	n := models.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipient,
		Type:        typ,
		Data:        data,
		CreatedAt:   time.Now(),
	}
	rec, err := store.Encode(n.ID, n)
	if err == nil {
		err = a.store.Create(ctx, models.CollectionNotifications, rec)
	}
	if err != nil {
		a.log.Warn().Err(err).Str("recipient", recipient).Str("type", string(typ)).Msg("create notification failed")
	}
}
