package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"chatter/bus"
	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// ReadReconciler transitions unread state to zero while the user is
// viewing a conversation. Counters are reset to absolute zero for the
// viewing user, never decremented, so concurrently arriving messages
// cannot race the read action into a negative or stale count.
type ReadReconciler struct {
	store store.Store
	ident identity.Provider
	bus   *bus.Bus
	log   zerolog.Logger
}

func NewReadReconciler(st store.Store, ident identity.Provider, b *bus.Bus, log zerolog.Logger) *ReadReconciler {
	return &ReadReconciler{store: st, ident: ident, bus: b, log: log}
}

// Open starts an active view session for the conversation: the unread
// counter is reconciled immediately, messages stream in live, and unread
// incoming messages are flagged read as they appear. Close ends the
// session with one more reconciliation pass.
func (r *ReadReconciler) Open(ctx context.Context, conversationID string) (*ViewSession, error) {
	me := r.ident.CurrentUserID()
	if me == "" {
		return nil, ErrNoIdentity
	}

	rec, err := r.store.GetOnce(ctx, models.CollectionConversations, conversationID)
	if err != nil {
		return nil, fmt.Errorf("open conversation %s: %w", conversationID, err)
	}
	var conv models.Conversation
	if err := rec.Decode(&conv); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", conversationID, err)
	}
	if !conv.HasParticipant(me) {
		return nil, fmt.Errorf("open conversation %s: %w", conversationID, store.ErrPermission)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	sub, err := r.store.Watch(streamCtx, models.CollectionMessages, store.Filter{
		Equals: map[string]any{"conversation_id": conversationID},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("watch messages: %w", err)
	}

	s := &ViewSession{
		rec:    r,
		userID: me,
		conv:   conv,
		sub:    sub,
		cancel: cancel,
		out:    make(chan []models.Message, 1),
	}
	go s.pump(streamCtx)

	// Enter active: reconcile once up front so the badge clears without
	// waiting for the first snapshot.
	s.reset(ctx)
	return s, nil
}

// ViewSession is one inactive→active→inactive visibility span of a
// conversation screen.
type ViewSession struct {
	rec    *ReadReconciler
	userID string
	conv   models.Conversation
	sub    *store.Subscription
	cancel context.CancelFunc

	mu   sync.Mutex
	msgs []models.Message

	out       chan []models.Message
	closeOnce sync.Once
}

// Messages delivers decoded message snapshots, latest wins.
func (s *ViewSession) Messages() <-chan []models.Message { return s.out }

// Current returns the most recent snapshot.
func (s *ViewSession) Current() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.msgs...)
}

// Close leaves the active state: one more reset covers messages that
// arrived during the session, then the message stream is torn down.
func (s *ViewSession) Close() {
	s.closeOnce.Do(func() {
		s.reset(context.Background())
		s.cancel()
		s.sub.Cancel()
	})
}

func (s *ViewSession) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-s.sub.Snapshots():
			if !ok {
				return
			}
			msgs := make([]models.Message, 0, len(snap))
			for _, rec := range snap {
				var m models.Message
				if err := rec.Decode(&m); err != nil {
					s.rec.log.Warn().Err(err).Str("id", rec.ID).Msg("skip malformed message record")
					continue
				}
				msgs = append(msgs, m)
			}
			s.mu.Lock()
			s.msgs = msgs
			s.mu.Unlock()

			// The session is active, so anything unread addressed to the
			// viewer is flagged read right away.
			s.markRead(ctx)
			s.forward(msgs)
		}
	}
}

// forward replaces any undelivered snapshot with the newer one.
func (s *ViewSession) forward(msgs []models.Message) {
	select {
	case s.out <- msgs:
	default:
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- msgs:
		default:
		}
	}
}

// reset is the reconciliation pass: propagate locally first, then zero
// the persisted counter and flag unread messages. Store failures are
// logged and left to the next pass; read state is not safety-critical.
func (s *ViewSession) reset(ctx context.Context) {
	err := s.rec.bus.PublishReadReset(bus.ReadReset{
		ConversationID: s.conv.ID,
		UserID:         s.userID,
	})
	if err != nil {
		s.rec.log.Warn().Err(err).Msg("publish read reset")
	}

	if err := s.rec.store.Update(ctx, models.CollectionConversations, s.conv.ID, map[string]any{
		"unread_counts." + s.userID: 0,
	}); err != nil {
		s.rec.log.Warn().Err(err).Str("conversation", s.conv.ID).Msg("persist unread reset failed")
	}

	s.markRead(ctx)
}

func (s *ViewSession) markRead(ctx context.Context) {
	s.mu.Lock()
	var pending []string
	for _, m := range s.msgs {
		if m.ReceiverID == s.userID && !m.Read {
			pending = append(pending, m.ID)
		}
	}
	s.mu.Unlock()

	for _, id := range pending {
		if err := s.rec.store.Update(ctx, models.CollectionMessages, id, map[string]any{
			"read": true,
		}); err != nil {
			s.rec.log.Warn().Err(err).Str("message", id).Msg("mark message read failed")
		}
	}
}

// Send creates a text message and bumps the conversation's denormalized
// last-message fields. Only the receiver's unread counter is incremented.
func (s *ViewSession) Send(ctx context.Context, content string) (models.Message, error) {
	peer := s.conv.OtherParticipant(s.userID)
	if peer == "" {
		return models.Message{}, fmt.Errorf("send: conversation %s has no peer", s.conv.ID)
	}

	now := time.Now()
	msg := models.Message{
		ID:             ulid.Make().String(),
		ConversationID: s.conv.ID,
		SenderID:       s.userID,
		ReceiverID:     peer,
		Content:        content,
		Type:           models.MessageText,
		CreatedAt:      now,
	}
	rec, err := store.Encode(msg.ID, msg)
	if err == nil {
		err = s.rec.store.Create(ctx, models.CollectionMessages, rec)
	}
	if err != nil {
		return models.Message{}, fmt.Errorf("send message: %w", err)
	}

	s.notifyNewMessage(ctx, peer, msg)

	if err := s.rec.store.Increment(ctx, models.CollectionConversations, s.conv.ID, "unread_counts."+peer, 1); err != nil {
		s.rec.log.Warn().Err(err).Str("conversation", s.conv.ID).Msg("bump peer unread failed")
	}
	if err := s.rec.store.Update(ctx, models.CollectionConversations, s.conv.ID, map[string]any{
		"last_message":    content,
		"last_message_at": now.Format(time.RFC3339Nano),
		"last_sender_id":  s.userID,
	}); err != nil {
		s.rec.log.Warn().Err(err).Str("conversation", s.conv.ID).Msg("update conversation summary failed")
	}
	return msg, nil
}

// notifyNewMessage writes a new-message notification for the receiver.
// Best-effort, like the relationship notifications.
func (s *ViewSession) notifyNewMessage(ctx context.Context, recipient string, msg models.Message) {
	n := models.Notification{
		ID:          uuid.New().String(),
		RecipientID: recipient,
		Type:        models.NotificationNewMessage,
		Data: map[string]string{
			"conversation_id": msg.ConversationID,
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
		},
		CreatedAt: time.Now(),
	}
	rec, err := store.Encode(n.ID, n)
	if err == nil {
		err = s.rec.store.Create(ctx, models.CollectionNotifications, rec)
	}
	if err != nil {
		s.rec.log.Warn().Err(err).Str("recipient", recipient).Msg("create notification failed")
	}
}

// Edit replaces the content of the caller's own message.
func (s *ViewSession) Edit(ctx context.Context, messageID, content string) error {
	if err := s.checkOwn(messageID); err != nil {
		return err
	}
	if err := s.rec.store.Update(ctx, models.CollectionMessages, messageID, map[string]any{
		"content": content,
		"edited":  true,
	}); err != nil {
		return fmt.Errorf("edit message: %w", err)
	}
	return nil
}

// Delete soft-deletes the caller's own message: content is redacted but
// the record stays for ordering continuity.
func (s *ViewSession) Delete(ctx context.Context, messageID string) error {
	if err := s.checkOwn(messageID); err != nil {
		return err
	}
	if err := s.rec.store.Update(ctx, models.CollectionMessages, messageID, map[string]any{
		"deleted": true,
		"content": "",
	}); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

func (s *ViewSession) checkOwn(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ID == messageID {
			if m.SenderID != s.userID {
				return store.ErrPermission
			}
			return nil
		}
	}
	return store.ErrNotFound
}
