package store

// Wire envelopes shared by the websocket watch stream: the client sends
// WatchRequest frames, the server answers with WatchEvent frames.

type WatchRequest struct {
	Action     string `json:"action"` // watch, unwatch, ping
	WatchID    string `json:"watch_id,omitempty"`
	Collection string `json:"collection,omitempty"`
	Filter     Filter `json:"filter,omitempty"`
}

type WatchEvent struct {
	Event   string   `json:"event"` // snapshot, error, pong
	WatchID string   `json:"watch_id,omitempty"`
	Records []Record `json:"records,omitempty"`
	Error   string   `json:"error,omitempty"`
}
