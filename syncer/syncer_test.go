package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"chatter/bus"
	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// failingStore injects per-collection errors into a backing store so
// tests can exercise rollback paths.
type failingStore struct {
	store.Store

	mu         sync.Mutex
	failCreate map[string]error
	failUpdate map[string]error
	failDelete map[string]error
}

func newFailingStore(backing store.Store) *failingStore {
	return &failingStore{
		Store:      backing,
		failCreate: make(map[string]error),
		failUpdate: make(map[string]error),
		failDelete: make(map[string]error),
	}
}

func (f *failingStore) setCreateErr(collection string, err error) {
	f.mu.Lock()
	f.failCreate[collection] = err
	f.mu.Unlock()
}

func (f *failingStore) setUpdateErr(collection string, err error) {
	f.mu.Lock()
	f.failUpdate[collection] = err
	f.mu.Unlock()
}

func (f *failingStore) setDeleteErr(collection string, err error) {
	f.mu.Lock()
	f.failDelete[collection] = err
	f.mu.Unlock()
}

func (f *failingStore) Create(ctx context.Context, collection string, rec store.Record) error {
	f.mu.Lock()
	err := f.failCreate[collection]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Create(ctx, collection, rec)
}

func (f *failingStore) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	f.mu.Lock()
	err := f.failUpdate[collection]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Update(ctx, collection, id, patch)
}

func (f *failingStore) Delete(ctx context.Context, collection, id string) error {
	f.mu.Lock()
	err := f.failDelete[collection]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Store.Delete(ctx, collection, id)
}

// env wires a memory store, a static identity, and the event bus the way
// the composed client does.
type env struct {
	ctx   context.Context
	store *failingStore
	ident *identity.Static
	bus   *bus.Bus
	log   zerolog.Logger
}

func newEnv(t *testing.T, userID string) *env {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	b := bus.New(zerolog.Nop())
	t.Cleanup(func() {
		cancel()
		b.Close()
	})
	return &env{
		ctx:   ctx,
		store: newFailingStore(store.NewMemory()),
		ident: identity.NewStatic(userID),
		bus:   b,
		log:   zerolog.Nop(),
	}
}

func (e *env) startResolver(t *testing.T) *Resolver {
	t.Helper()
	res := NewResolver(e.store, e.ident, e.log)
	res.Start(e.ctx)
	return res
}

func (e *env) seedUser(t *testing.T, id, name, email string) {
	t.Helper()
	rec, err := store.Encode(id, models.User{ID: id, DisplayName: name, Email: email, CreatedAt: time.Now()})
	require.NoError(t, err)
	require.NoError(t, e.store.Create(e.ctx, models.CollectionUsers, rec))
}

func (e *env) seedFriendship(t *testing.T, a, b string, blocked bool) models.Friendship {
	t.Helper()
	if a > b {
		a, b = b, a
	}
	f := models.Friendship{ID: uuid.New().String(), User1ID: a, User2ID: b, Blocked: blocked, CreatedAt: time.Now()}
	rec, err := store.Encode(f.ID, f)
	require.NoError(t, err)
	require.NoError(t, e.store.Create(e.ctx, models.CollectionFriendships, rec))
	return f
}

func (e *env) seedRequest(t *testing.T, sender, receiver string, status models.RequestStatus) models.FriendRequest {
	t.Helper()
	req := models.FriendRequest{ID: uuid.New().String(), SenderID: sender, ReceiverID: receiver, Status: status, CreatedAt: time.Now()}
	rec, err := store.Encode(req.ID, req)
	require.NoError(t, err)
	require.NoError(t, e.store.Create(e.ctx, models.CollectionFriendRequest, rec))
	return req
}

func (e *env) seedConversation(t *testing.T, a, b string, unread map[string]int, lastMessage string, lastAt time.Time) models.Conversation {
	t.Helper()
	conv := models.Conversation{
		ID:            uuid.New().String(),
		Participants:  []string{a, b},
		LastMessage:   lastMessage,
		LastMessageAt: lastAt,
		UnreadCounts:  unread,
		CreatedAt:     time.Now(),
	}
	rec, err := store.Encode(conv.ID, conv)
	require.NoError(t, err)
	require.NoError(t, e.store.Create(e.ctx, models.CollectionConversations, rec))
	return conv
}

func (e *env) getConversation(t *testing.T, id string) models.Conversation {
	t.Helper()
	rec, err := e.store.GetOnce(e.ctx, models.CollectionConversations, id)
	require.NoError(t, err)
	var conv models.Conversation
	require.NoError(t, rec.Decode(&conv))
	return conv
}
