package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Memory is an in-process Store. It backs unit tests and is the live
// index underneath the badger-persisted store.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]map[string]json.RawMessage
	hub         *hub
}

func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]map[string]json.RawMessage),
		hub:         newHub(),
	}
}

func (m *Memory) Watch(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	w := m.hub.register(collection, filter)
	w.deliver(m.snapshotFor(w))

	sub := &Subscription{out: w.out, cancel: func() { m.hub.unregister(w) }}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.hub.unregister(w)
			case <-w.done:
			}
		}()
	}
	return sub, nil
}

func (m *Memory) Create(ctx context.Context, collection string, rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("store: create in %s: empty record id", collection)
	}
	m.mu.Lock()
	coll := m.collections[collection]
	if coll == nil {
		coll = make(map[string]json.RawMessage)
		m.collections[collection] = coll
	}
	if _, ok := coll[rec.ID]; ok {
		m.mu.Unlock()
		return ErrExists
	}
	coll[rec.ID] = rec.Data
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	m.mu.Lock()
	coll := m.collections[collection]
	raw, ok := coll[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	applyPatch(doc, patch)

	data, err := json.Marshal(doc)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	coll[id] = data
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *Memory) Increment(ctx context.Context, collection, id, field string, delta int) error {
	m.mu.Lock()
	coll := m.collections[collection]
	raw, ok := coll[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: decode %s/%s: %w", collection, id, err)
	}
	current, _ := asFloat(lookup(doc, field))
	applyPatch(doc, map[string]any{field: int(current) + delta})

	data, err := json.Marshal(doc)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("store: encode %s/%s: %w", collection, id, err)
	}
	coll[id] = data
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	m.mu.Lock()
	coll := m.collections[collection]
	if _, ok := coll[id]; !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(coll, id)
	m.mu.Unlock()

	m.notify(collection)
	return nil
}

func (m *Memory) GetOnce(ctx context.Context, collection, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	raw, ok := m.collections[collection][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{ID: id, Data: raw}, nil
}

// notify recomputes and delivers a fresh snapshot to every watcher of the
// collection.
func (m *Memory) notify(collection string) {
	for _, w := range m.hub.collectionWatchers(collection) {
		w.deliver(m.snapshotFor(w))
	}
}

func (m *Memory) snapshotFor(w *watcher) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := []Record{}
	for id, raw := range m.collections[w.collection] {
		var doc map[string]any
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		if w.filter.Matches(doc) {
			snap = append(snap, Record{ID: id, Data: raw})
		}
	}
	sort.Slice(snap, func(i, j int) bool { return snap[i].ID < snap[j].ID })
	return snap
}

// applyPatch merges patch fields into doc, following one level of dotted
// nesting and creating the nested map when absent.
func applyPatch(doc map[string]any, patch map[string]any) {
	for key, val := range patch {
		if outer, inner, ok := strings.Cut(key, "."); ok {
			nested, _ := doc[outer].(map[string]any)
			if nested == nil {
				nested = make(map[string]any)
				doc[outer] = nested
			}
			nested[inner] = val
			continue
		}
		doc[key] = val
	}
}
