package syncer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// NotificationCenter maintains the current user's live notification feed.
type NotificationCenter struct {
	store store.Store
	ident identity.Provider
	log   zerolog.Logger

	mu     sync.RWMutex
	userID string
	items  []models.Notification

	updates chan struct{}
}

func NewNotificationCenter(st store.Store, ident identity.Provider, log zerolog.Logger) *NotificationCenter {
	return &NotificationCenter{
		store:   st,
		ident:   ident,
		log:     log,
		updates: make(chan struct{}, 1),
	}
}

func (n *NotificationCenter) Start(ctx context.Context) {
	go n.run(ctx)
}

func (n *NotificationCenter) Updates() <-chan struct{} { return n.updates }

// All returns notifications, newest first.
func (n *NotificationCenter) All() []models.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]models.Notification(nil), n.items...)
}

func (n *NotificationCenter) UnreadCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	count := 0
	for _, item := range n.items {
		if !item.Read {
			count++
		}
	}
	return count
}

func (n *NotificationCenter) MarkRead(ctx context.Context, id string) error {
	if n.ident.CurrentUserID() == "" {
		return ErrNoIdentity
	}
	if err := n.store.Update(ctx, models.CollectionNotifications, id, map[string]any{
		"read": true,
	}); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllRead flags every unread notification; individual failures are
// logged and the rest proceed.
func (n *NotificationCenter) MarkAllRead(ctx context.Context) {
	for _, item := range n.All() {
		if item.Read {
			continue
		}
		if err := n.store.Update(ctx, models.CollectionNotifications, item.ID, map[string]any{
			"read": true,
		}); err != nil {
			n.log.Warn().Err(err).Str("notification", item.ID).Msg("mark notification read failed")
		}
	}
}

func (n *NotificationCenter) run(ctx context.Context) {
	changes := n.ident.Changes()
	stop := n.bind(ctx, n.ident.CurrentUserID())
	for {
		select {
		case <-ctx.Done():
			stop()
			return
		case id := <-changes:
			stop()
			stop = n.bind(ctx, id)
		}
	}
}

func (n *NotificationCenter) bind(parent context.Context, userID string) (stop func()) {
	n.mu.Lock()
	n.userID = userID
	n.items = nil
	n.mu.Unlock()
	signal(n.updates)

	if userID == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.stream(ctx, userID)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (n *NotificationCenter) stream(ctx context.Context, userID string) {
	sub, err := n.store.Watch(ctx, models.CollectionNotifications, store.Filter{
		Equals: map[string]any{"recipient_id": userID},
	})
	if err != nil {
		n.log.Error().Err(err).Msg("watch notifications")
		return
	}
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.Snapshots():
			items := make([]models.Notification, 0, len(snap))
			for _, rec := range snap {
				var item models.Notification
				if err := rec.Decode(&item); err != nil {
					n.log.Warn().Err(err).Str("id", rec.ID).Msg("skip malformed notification record")
					continue
				}
				items = append(items, item)
			}
			sort.SliceStable(items, func(i, j int) bool {
				return items[i].CreatedAt.After(items[j].CreatedAt)
			})
			n.mu.Lock()
			n.items = items
			n.mu.Unlock()
			signal(n.updates)
		}
	}
}
