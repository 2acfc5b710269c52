package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/kcpnet/internal/kcpnet"
	"github.com/1ureka/kcpnet/internal/util"
)

const (
	watcherBuffer = 64               // queued events per watcher
	writeWait     = 5 * time.Second  // per-frame write deadline
	pingPeriod    = 30 * time.Second // websocket keepalive
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watcher is one websocket subscriber.
type watcher struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans session lifecycle events out to websocket watchers. Slow
// watchers lose events rather than stall the dispatch loop.
type Hub struct {
	mu       sync.Mutex
	watchers map[*watcher]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[*watcher]struct{})}
}

// Publish encodes ev and queues it for every watcher without blocking.
func (h *Hub) Publish(ev kcpnet.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		util.LogWarning("failed to encode %s event: %v", ev.Kind, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		select {
		case w.send <- data:
		default:
			util.LogDebug("event watcher too slow, dropping %s event", ev.Kind)
		}
	}
}

// Len returns the number of connected watchers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.watchers)
}

// Close disconnects every watcher.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers {
		close(w.send)
		delete(h.watchers, w)
	}
}

// ServeHTTP upgrades the request and streams events until the peer leaves.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		util.LogWarning("event stream upgrade failed: %v", err)
		return
	}

	wt := &watcher{conn: conn, send: make(chan []byte, watcherBuffer)}
	h.mu.Lock()
	h.watchers[wt] = struct{}{}
	h.mu.Unlock()
	util.LogDebug("event watcher connected from %s", r.RemoteAddr)

	go h.writeLoop(wt)
	h.readLoop(wt)
}

// readLoop discards inbound frames; it exists to notice the peer closing.
func (h *Hub) readLoop(wt *watcher) {
	defer h.remove(wt)
	for {
		if _, _, err := wt.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writeLoop is the single writer for one watcher connection.
func (h *Hub) writeLoop(wt *watcher) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		wt.conn.Close()
	}()

	for {
		select {
		case data, ok := <-wt.send:
			wt.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				wt.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := wt.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			wt.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wt.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(wt *watcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.watchers[wt]; ok {
		delete(h.watchers, wt)
		close(wt.send)
	}
}
