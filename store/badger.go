package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
)

// Badger is a Store persisted in BadgerDB. The full data set is loaded
// into an in-memory index at open time (client-side data sets are small),
// so reads and live queries are served from memory and every mutation is
// written through to badger first.
type Badger struct {
	index *Memory
	db    *badger.DB
	log   zerolog.Logger
}

func OpenBadger(path string, log zerolog.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: open badger at %s: %w", path, err)
	}

	b := &Badger{index: NewMemory(), db: db, log: log}
	if err := b.load(); err != nil {
		db.Close()
		return nil, err
	}
	return b, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// load replays every persisted record into the memory index. Keys are
// "collection/id".
func (b *Badger) load() error {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			collection, id, ok := strings.Cut(string(item.Key()), "/")
			if !ok {
				continue
			}
			err := item.Value(func(val []byte) error {
				data := make([]byte, len(val))
				copy(data, val)
				return b.index.Create(context.Background(), collection, Record{ID: id, Data: data})
			})
			if err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store: load badger index: %w", err)
	}
	b.log.Info().Int("records", count).Msg("document store loaded")
	return nil
}

func (b *Badger) Watch(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	return b.index.Watch(ctx, collection, filter)
}

func (b *Badger) Create(ctx context.Context, collection string, rec Record) error {
	if _, err := b.index.GetOnce(ctx, collection, rec.ID); err == nil {
		return ErrExists
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(collection, rec.ID), rec.Data)
	})
	if err != nil {
		return fmt.Errorf("store: persist %s/%s: %w", collection, rec.ID, err)
	}
	return b.index.Create(ctx, collection, rec)
}

func (b *Badger) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	if err := b.index.Update(ctx, collection, id, patch); err != nil {
		return err
	}
	rec, err := b.index.GetOnce(ctx, collection, id)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(collection, id), rec.Data)
	})
	if err != nil {
		return fmt.Errorf("store: persist %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Badger) Increment(ctx context.Context, collection, id, field string, delta int) error {
	if err := b.index.Increment(ctx, collection, id, field, delta); err != nil {
		return err
	}
	rec, err := b.index.GetOnce(ctx, collection, id)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(collection, id), rec.Data)
	})
	if err != nil {
		return fmt.Errorf("store: persist %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Badger) Delete(ctx context.Context, collection, id string) error {
	if err := b.index.Delete(ctx, collection, id); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key(collection, id))
	})
	if err != nil {
		return fmt.Errorf("store: delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (b *Badger) GetOnce(ctx context.Context, collection, id string) (Record, error) {
	return b.index.GetOnce(ctx, collection, id)
}

func key(collection, id string) []byte {
	return []byte(collection + "/" + id)
}
