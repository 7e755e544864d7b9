package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatter/bus"
	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

type FilterKind string

const (
	FilterAll    FilterKind = "all"
	FilterUnread FilterKind = "unread"
	FilterRecent FilterKind = "recent"
	FilterActive FilterKind = "active"
)

const (
	recentWindow = 3 * 24 * time.Hour
	activeWindow = 7 * 24 * time.Hour

	// DefaultSearchDebounce is how long a keystroke waits before the
	// query is evaluated; a newer keystroke inside the window supersedes
	// the older one.
	DefaultSearchDebounce = 300 * time.Millisecond
)

// ConversationView pairs a conversation with the resolved profile of the
// other participant, ready for list display.
type ConversationView struct {
	Conversation models.Conversation
	Peer         models.User
}

// Aggregator maintains the live conversation list for the current user
// and derives filtered and searched views over it. Filter and search
// compose: the filter narrows the search result set when a search is
// active, the full set otherwise.
type Aggregator struct {
	store    store.Store
	ident    identity.Provider
	bus      *bus.Bus
	profiles *ProfileCache
	log      zerolog.Logger

	mu       sync.RWMutex
	userID   string
	views    []ConversationView
	filter   FilterKind
	query    string
	timer    *time.Timer
	debounce time.Duration

	updates chan struct{}
}

func NewAggregator(st store.Store, ident identity.Provider, b *bus.Bus, profiles *ProfileCache, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		store:    st,
		ident:    ident,
		bus:      b,
		profiles: profiles,
		log:      log,
		filter:   FilterAll,
		debounce: DefaultSearchDebounce,
		updates:  make(chan struct{}, 1),
	}
}

// SetDebounceInterval overrides the search debounce window. Intended for
// tests; call before Start.
func (a *Aggregator) SetDebounceInterval(d time.Duration) {
	a.mu.Lock()
	a.debounce = d
	a.mu.Unlock()
}

func (a *Aggregator) Start(ctx context.Context) {
	go a.run(ctx)
}

func (a *Aggregator) Updates() <-chan struct{} { return a.updates }

// ApplyFilter narrows the visible list. It composes with an active
// search instead of resetting it.
func (a *Aggregator) ApplyFilter(kind FilterKind) {
	a.mu.Lock()
	a.filter = kind
	a.mu.Unlock()
	signal(a.updates)
}

// Search stages a query for evaluation after the debounce window; a new
// call inside the window cancels the staged one. An empty query leaves
// search mode immediately.
func (a *Aggregator) Search(query string) {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if query == "" {
		a.query = ""
		a.mu.Unlock()
		signal(a.updates)
		return
	}
	var t *time.Timer
	t = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		// A teardown or a newer keystroke retired this timer; its query
		// must not land.
		if a.timer != t {
			a.mu.Unlock()
			return
		}
		a.timer = nil
		a.query = query
		a.mu.Unlock()
		signal(a.updates)
	})
	a.timer = t
	a.mu.Unlock()
}

// clearSearch stops any staged debounce timer and leaves search mode.
// Called on teardown and rebinding so a staged query never lands on a
// disposed list.
func (a *Aggregator) clearSearch() {
	a.mu.Lock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	a.query = ""
	a.mu.Unlock()
}

// Results applies search, then filter, over the current conversation set.
func (a *Aggregator) Results() []ConversationView {
	a.mu.RLock()
	defer a.mu.RUnlock()

	list := a.views
	if a.query != "" {
		list = rankSearch(list, a.query)
	}
	return a.filtered(list)
}

// Conversations returns the unfiltered, unsearched set.
func (a *Aggregator) Conversations() []ConversationView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]ConversationView(nil), a.views...)
}

// TotalUnread sums the current user's unread counter across all
// conversations, independent of filter and search.
func (a *Aggregator) TotalUnread() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, v := range a.views {
		total += v.Conversation.UnreadFor(a.userID)
	}
	return total
}

// EnsureConversation returns the conversation with peer, creating it when
// none exists yet.
func (a *Aggregator) EnsureConversation(ctx context.Context, peerID string) (models.Conversation, error) {
	me := a.ident.CurrentUserID()
	if me == "" {
		return models.Conversation{}, ErrNoIdentity
	}
	if peerID == me {
		return models.Conversation{}, errors.New("syncer: conversation with self")
	}

	a.mu.RLock()
	for _, v := range a.views {
		if v.Conversation.OtherParticipant(me) == peerID {
			conv := v.Conversation
			a.mu.RUnlock()
			return conv, nil
		}
	}
	a.mu.RUnlock()

	conv := models.Conversation{
		ID:           uuid.New().String(),
		Participants: []string{me, peerID},
		UnreadCounts: map[string]int{me: 0, peerID: 0},
		CreatedAt:    time.Now(),
	}
	rec, err := store.Encode(conv.ID, conv)
	if err == nil {
		err = a.store.Create(ctx, models.CollectionConversations, rec)
	}
	if err != nil {
		return models.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (a *Aggregator) run(ctx context.Context) {
	changes := a.ident.Changes()
	stop := a.bind(ctx, a.ident.CurrentUserID())
	for {
		select {
		case <-ctx.Done():
			stop()
			a.clearSearch()
			return
		case id := <-changes:
			stop()
			stop = a.bind(ctx, id)
		}
	}
}

func (a *Aggregator) bind(parent context.Context, userID string) (stop func()) {
	a.clearSearch()
	a.mu.Lock()
	a.userID = userID
	a.views = nil
	a.mu.Unlock()
	signal(a.updates)

	if userID == "" {
		return func() {}
	}

	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.stream(ctx, userID)
	}()
	return func() {
		cancel()
		<-done
	}
}

func (a *Aggregator) stream(ctx context.Context, userID string) {
	sub, err := a.store.Watch(ctx, models.CollectionConversations, store.Filter{
		Contains: map[string]string{"participants": userID},
	})
	if err != nil {
		a.log.Error().Err(err).Msg("watch conversations")
		return
	}
	defer sub.Cancel()

	resets, err := a.bus.SubscribeReadReset(ctx)
	if err != nil {
		a.log.Error().Err(err).Msg("subscribe read resets")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-sub.Snapshots():
			a.applySnapshot(ctx, userID, snap)
		case ev, ok := <-resets:
			if !ok {
				return
			}
			if ev.UserID == userID {
				a.applyReadReset(ev.ConversationID, userID)
			}
		}
	}
}

func (a *Aggregator) applySnapshot(ctx context.Context, userID string, snap []store.Record) {
	views := make([]ConversationView, 0, len(snap))
	for _, rec := range snap {
		var conv models.Conversation
		if err := rec.Decode(&conv); err != nil {
			a.log.Warn().Err(err).Str("id", rec.ID).Msg("skip malformed conversation record")
			continue
		}
		peerID := conv.OtherParticipant(userID)
		if peerID == "" {
			a.log.Warn().Str("id", rec.ID).Msg("skip conversation without peer")
			continue
		}
		peer, err := a.profiles.Get(ctx, peerID)
		if err != nil {
			// Tolerated data gap: render the rest of the list.
			a.log.Warn().Err(err).Str("peer", peerID).Msg("skip conversation with missing profile")
			continue
		}
		views = append(views, ConversationView{Conversation: conv, Peer: peer})
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Conversation.LastMessageAt.After(views[j].Conversation.LastMessageAt)
	})

	a.mu.Lock()
	a.views = views
	a.mu.Unlock()
	signal(a.updates)
}

// applyReadReset zeroes the cached counter so the badge updates without
// waiting for the store round trip.
func (a *Aggregator) applyReadReset(conversationID, userID string) {
	a.mu.Lock()
	for i := range a.views {
		conv := &a.views[i].Conversation
		if conv.ID == conversationID {
			if conv.UnreadCounts == nil {
				conv.UnreadCounts = map[string]int{}
			}
			conv.UnreadCounts[userID] = 0
		}
	}
	a.mu.Unlock()
	signal(a.updates)
}

func (a *Aggregator) filtered(list []ConversationView) []ConversationView {
	out := make([]ConversationView, 0, len(list))
	now := time.Now()
	for _, v := range list {
		switch a.filter {
		case FilterUnread:
			if v.Conversation.UnreadFor(a.userID) == 0 {
				continue
			}
		case FilterRecent:
			if now.Sub(v.Conversation.LastMessageAt) > recentWindow {
				continue
			}
		case FilterActive:
			if now.Sub(v.Conversation.LastMessageAt) > activeWindow {
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

// rankSearch keeps case-insensitive substring matches on the peer's
// display name, email, or last-message text, then moves display-name
// prefix matches ahead. The sort is stable, so within each group the
// last-message ordering of the base list is preserved.
func rankSearch(list []ConversationView, query string) []ConversationView {
	q := strings.ToLower(query)
	matched := make([]ConversationView, 0, len(list))
	for _, v := range list {
		if strings.Contains(strings.ToLower(v.Peer.DisplayName), q) ||
			strings.Contains(strings.ToLower(v.Peer.Email), q) ||
			strings.Contains(strings.ToLower(v.Conversation.LastMessage), q) {
			matched = append(matched, v)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		pi := strings.HasPrefix(strings.ToLower(matched[i].Peer.DisplayName), q)
		pj := strings.HasPrefix(strings.ToLower(matched[j].Peer.DisplayName), q)
		return pi && !pj
	})
	return matched
}
