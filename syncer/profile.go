package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatter/blob"
	"chatter/identity"
	"chatter/models"
	"chatter/store"
)

// ProfileCache loads and caches user profiles by id. It is the only
// writer of its map; consumers get copies.
type ProfileCache struct {
	store store.Store
	log   zerolog.Logger

	mu    sync.RWMutex
	users map[string]models.User
}

func NewProfileCache(st store.Store, log zerolog.Logger) *ProfileCache {
	return &ProfileCache{store: st, log: log, users: make(map[string]models.User)}
}

func (c *ProfileCache) Get(ctx context.Context, userID string) (models.User, error) {
	c.mu.RLock()
	u, ok := c.users[userID]
	c.mu.RUnlock()
	if ok {
		return u, nil
	}

	rec, err := c.store.GetOnce(ctx, models.CollectionUsers, userID)
	if err != nil {
		return models.User{}, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if err := rec.Decode(&u); err != nil {
		return models.User{}, fmt.Errorf("decode profile %s: %w", userID, err)
	}

	c.mu.Lock()
	c.users[userID] = u
	c.mu.Unlock()
	return u, nil
}

// Put seeds or refreshes a cached profile.
func (c *ProfileCache) Put(u models.User) {
	c.mu.Lock()
	c.users[u.ID] = u
	c.mu.Unlock()
}

func (c *ProfileCache) Invalidate(userID string) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}

// ProfileManager mutates the current user's own profile record: display
// name, avatar (through blob storage), and presence.
type ProfileManager struct {
	store store.Store
	ident identity.Provider
	blobs blob.Storage
	cache *ProfileCache
	log   zerolog.Logger
}

func NewProfileManager(st store.Store, ident identity.Provider, blobs blob.Storage, cache *ProfileCache, log zerolog.Logger) *ProfileManager {
	return &ProfileManager{store: st, ident: ident, blobs: blobs, cache: cache, log: log}
}

func (m *ProfileManager) UpdateDisplayName(ctx context.Context, name string) error {
	me := m.ident.CurrentUserID()
	if me == "" {
		return ErrNoIdentity
	}
	if err := m.store.Update(ctx, models.CollectionUsers, me, map[string]any{
		"display_name": name,
	}); err != nil {
		return fmt.Errorf("update display name: %w", err)
	}
	m.cache.Invalidate(me)
	return nil
}

// SetAvatar uploads the image bytes and points the profile at the
// resulting URL. The URL stays opaque to everything downstream.
func (m *ProfileManager) SetAvatar(ctx context.Context, filename string, data []byte) (string, error) {
	me := m.ident.CurrentUserID()
	if me == "" {
		return "", ErrNoIdentity
	}
	url, err := m.blobs.Upload(ctx, filename, data)
	if err != nil {
		return "", fmt.Errorf("upload avatar: %w", err)
	}
	if err := m.store.Update(ctx, models.CollectionUsers, me, map[string]any{
		"avatar": url,
	}); err != nil {
		return "", fmt.Errorf("update avatar: %w", err)
	}
	m.cache.Invalidate(me)
	return url, nil
}

// SetOnline flips the presence flag and stamps last-seen.
func (m *ProfileManager) SetOnline(ctx context.Context, online bool) error {
	me := m.ident.CurrentUserID()
	if me == "" {
		return ErrNoIdentity
	}
	if err := m.store.Update(ctx, models.CollectionUsers, me, map[string]any{
		"online":    online,
		"last_seen": time.Now().Format(time.RFC3339Nano),
	}); err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	m.cache.Invalidate(me)
	return nil
}
