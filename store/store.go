// Package store defines the document-store contract the sync layer is
// written against: typed collections of JSON records with create, patch,
// delete, point reads, and live queries delivering full snapshots.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/goccy/go-json"
)

var (
	ErrNotFound   = errors.New("store: record not found")
	ErrExists     = errors.New("store: record already exists")
	ErrPermission = errors.New("store: permission denied")
)

// Record is a stored document: a stable id and its JSON body.
type Record struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Data, v)
}

// Encode builds a Record from any JSON-serializable value.
func Encode(id string, v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Data: data}, nil
}

// Filter selects records by field value. Equals matches scalar fields,
// Contains matches string-array fields containing the given element. An
// empty filter matches every record in the collection.
type Filter struct {
	Equals   map[string]any    `json:"equals,omitempty"`
	Contains map[string]string `json:"contains,omitempty"`
}

func (f Filter) Matches(doc map[string]any) bool {
	for field, want := range f.Equals {
		if !scalarEqual(lookup(doc, field), want) {
			return false
		}
	}
	for field, elem := range f.Contains {
		arr, ok := lookup(doc, field).([]any)
		if !ok {
			return false
		}
		found := false
		for _, v := range arr {
			if s, ok := v.(string); ok && s == elem {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// lookup resolves a field name, following one level of "outer.inner"
// nesting, which is how per-participant counters are addressed.
func lookup(doc map[string]any, field string) any {
	if outer, inner, ok := strings.Cut(field, "."); ok {
		nested, _ := doc[outer].(map[string]any)
		if nested == nil {
			return nil
		}
		return nested[inner]
	}
	return doc[field]
}

// scalarEqual compares a JSON-decoded value with a caller-supplied one.
// JSON numbers decode as float64, so numeric comparisons normalize first.
func scalarEqual(got, want any) bool {
	if gn, ok := asFloat(got); ok {
		wn, ok := asFloat(want)
		return ok && gn == wn
	}
	return got == want
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Store is the backend contract. All calls may fail with a transient
// network error, ErrNotFound, or ErrPermission; implementations never
// surface anything else.
type Store interface {
	// Watch opens a live query. The subscription delivers the full set of
	// matching records, sorted by id, once immediately and again after
	// every change that affects the result. Delivery is coalescing: a slow
	// consumer observes the latest snapshot, never a backlog.
	Watch(ctx context.Context, collection string, filter Filter) (*Subscription, error)

	Create(ctx context.Context, collection string, rec Record) error
	// Update applies a field patch to an existing record. Patch keys may
	// use one level of dotted nesting ("unread_counts.<user>").
	Update(ctx context.Context, collection, id string, patch map[string]any) error
	// Increment atomically adds delta to a numeric field, with the same
	// dotted-key nesting as Update. A missing field counts from zero.
	// Concurrent increments never lose updates the way a read-modify-write
	// patch can.
	Increment(ctx context.Context, collection, id, field string, delta int) error
	Delete(ctx context.Context, collection, id string) error
	GetOnce(ctx context.Context, collection, id string) (Record, error)
}

// Subscription is a handle on a live query. Cancel must be called when the
// owning context is torn down; a leaked subscription keeps writing to
// disposed state.
type Subscription struct {
	out    chan []Record
	cancel func()
}

func (s *Subscription) Snapshots() <-chan []Record { return s.out }

func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}
