package store

import "sync"

// hub fans live-query snapshots out to watchers, one set of watchers per
// collection. Delivery is latest-wins: each watcher holds at most one
// pending snapshot and a pump goroutine hands it to the consumer, so the
// store never blocks on a slow reader.
type hub struct {
	mu       sync.Mutex
	watchers map[string]map[*watcher]bool
}

func newHub() *hub {
	return &hub{watchers: make(map[string]map[*watcher]bool)}
}

type watcher struct {
	collection string
	filter     Filter

	mu      sync.Mutex
	pending []Record

	wake chan struct{}
	out  chan []Record
	done chan struct{}
	once sync.Once
}

func (h *hub) register(collection string, filter Filter) *watcher {
	w := &watcher{
		collection: collection,
		filter:     filter,
		wake:       make(chan struct{}, 1),
		out:        make(chan []Record),
		done:       make(chan struct{}),
	}
	h.mu.Lock()
	if h.watchers[collection] == nil {
		h.watchers[collection] = make(map[*watcher]bool)
	}
	h.watchers[collection][w] = true
	h.mu.Unlock()

	go w.pump()
	return w
}

func (h *hub) unregister(w *watcher) {
	h.mu.Lock()
	if set := h.watchers[w.collection]; set != nil {
		delete(set, w)
		if len(set) == 0 {
			delete(h.watchers, w.collection)
		}
	}
	h.mu.Unlock()
	w.stop()
}

// snapshot returns the watchers of a collection; the caller computes each
// watcher's snapshot outside the hub lock.
func (h *hub) collectionWatchers(collection string) []*watcher {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.watchers[collection]
	out := make([]*watcher, 0, len(set))
	for w := range set {
		out = append(out, w)
	}
	return out
}

func (w *watcher) deliver(snap []Record) {
	w.mu.Lock()
	w.pending = snap
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) pump() {
	for {
		select {
		case <-w.wake:
		case <-w.done:
			return
		}
		w.mu.Lock()
		snap := w.pending
		w.mu.Unlock()
		select {
		case w.out <- snap:
		case <-w.done:
			return
		}
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}
