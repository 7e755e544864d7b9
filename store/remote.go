package store

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Remote is a Store backed by the dev backend: REST for mutations and
// point reads, one multiplexed websocket for live queries.
type Remote struct {
	baseURL string
	token   string
	httpc   *http.Client
	log     zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	watches map[string]*watcher
}

func NewRemote(baseURL, token string, log zerolog.Logger) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpc:   &http.Client{},
		log:     log,
		watches: make(map[string]*watcher),
	}
}

// Close tears down the watch connection; all subscriptions stop.
func (r *Remote) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeConnLocked()
}

func (r *Remote) Watch(ctx context.Context, collection string, filter Filter) (*Subscription, error) {
	r.mu.Lock()
	if err := r.ensureConnLocked(); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	watchID := uuid.New().String()
	w := &watcher{
		collection: collection,
		filter:     filter,
		wake:       make(chan struct{}, 1),
		out:        make(chan []Record),
		done:       make(chan struct{}),
	}
	r.watches[watchID] = w
	r.mu.Unlock()
	go w.pump()

	if err := r.send(WatchRequest{Action: "watch", WatchID: watchID, Collection: collection, Filter: filter}); err != nil {
		r.dropWatch(watchID)
		return nil, fmt.Errorf("store: start watch: %w", err)
	}

	cancel := func() {
		if err := r.send(WatchRequest{Action: "unwatch", WatchID: watchID}); err != nil {
			r.log.Debug().Err(err).Msg("unwatch send failed")
		}
		r.dropWatch(watchID)
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				cancel()
			case <-w.done:
			}
		}()
	}
	return &Subscription{out: w.out, cancel: cancel}, nil
}

func (r *Remote) Create(ctx context.Context, collection string, rec Record) error {
	body := map[string]any{"id": rec.ID, "data": rec.Data}
	return r.do(ctx, http.MethodPost, "/api/store/"+collection, body, nil)
}

func (r *Remote) Update(ctx context.Context, collection, id string, patch map[string]any) error {
	return r.do(ctx, http.MethodPatch, "/api/store/"+collection+"/"+id, patch, nil)
}

func (r *Remote) Increment(ctx context.Context, collection, id, field string, delta int) error {
	body := map[string]any{"field": field, "delta": delta}
	return r.do(ctx, http.MethodPost, "/api/store/"+collection+"/"+id+"/increment", body, nil)
}

func (r *Remote) Delete(ctx context.Context, collection, id string) error {
	return r.do(ctx, http.MethodDelete, "/api/store/"+collection+"/"+id, nil, nil)
}

func (r *Remote) GetOnce(ctx context.Context, collection, id string) (Record, error) {
	var resp struct {
		Data Record `json:"data"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/store/"+collection+"/"+id, nil, &resp); err != nil {
		return Record{}, err
	}
	return resp.Data, nil
}

func (r *Remote) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+r.token)

	resp, err := r.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("store: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrExists
	case http.StatusForbidden, http.StatusUnauthorized:
		return ErrPermission
	default:
		return fmt.Errorf("store: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("store: decode response: %w", err)
		}
	}
	return nil
}

// ensureConnLocked dials the watch socket on first use and starts the
// read loop. Caller holds r.mu.
func (r *Remote) ensureConnLocked() error {
	if r.conn != nil {
		return nil
	}

	wsURL, err := url.Parse(r.baseURL)
	if err != nil {
		return fmt.Errorf("store: parse base url: %w", err)
	}
	switch wsURL.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws"
	wsURL.RawQuery = "token=" + url.QueryEscape(r.token)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL.String(), nil)
	if err != nil {
		return fmt.Errorf("store: dial watch socket: %w", err)
	}
	r.conn = conn
	go r.readLoop(conn)
	return nil
}

func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		var ev WatchEvent
		if err := conn.ReadJSON(&ev); err != nil {
			r.log.Warn().Err(err).Msg("watch socket closed")
			r.mu.Lock()
			if r.conn == conn {
				r.closeConnLocked()
			}
			r.mu.Unlock()
			return
		}
		switch ev.Event {
		case "snapshot":
			r.mu.Lock()
			w := r.watches[ev.WatchID]
			r.mu.Unlock()
			if w != nil {
				records := ev.Records
				if records == nil {
					records = []Record{}
				}
				w.deliver(records)
			}
		case "error":
			r.log.Warn().Str("watch_id", ev.WatchID).Str("error", ev.Error).Msg("watch rejected")
			r.dropWatch(ev.WatchID)
		}
	}
}

func (r *Remote) send(req WatchRequest) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("store: watch socket not connected")
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (r *Remote) dropWatch(watchID string) {
	r.mu.Lock()
	if w, ok := r.watches[watchID]; ok {
		delete(r.watches, watchID)
		w.stop()
	}
	r.mu.Unlock()
}

// closeConnLocked closes the socket and stops every watcher; their
// consumers stop receiving snapshots. Caller holds r.mu.
func (r *Remote) closeConnLocked() error {
	var err error
	if r.conn != nil {
		err = r.conn.Close()
		r.conn = nil
	}
	for id, w := range r.watches {
		delete(r.watches, id)
		w.stop()
	}
	return err
}
