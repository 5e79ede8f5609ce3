// Package gateway streams order changes to downstream WebSocket clients.
// Every order or cancel envelope carries a hub-wide seq; clients that
// reconnect with ?since=<seq> get what they missed from a replay buffer.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Hub manages WebSocket clients and fans order events out to them.
type Hub struct {
	log    *slog.Logger
	now    func() time.Time
	replay *ReplayBuffer

	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     int64

	// Optional hooks, set before Run/ServeWS.
	OnClients func(n int)
	OnDrop    func()
}

// NewHub creates a hub that keeps the last replaySize envelopes.
func NewHub(replaySize int, log *slog.Logger) *Hub {
	return &Hub{
		log:     logger.Or(log).With("component", "ws"),
		now:     time.Now,
		replay:  NewReplayBuffer(replaySize),
		clients: make(map[*Client]struct{}),
	}
}

// PublishOrder streams an order change to clients following its owner.
func (h *Hub) PublishOrder(o model.Order) {
	h.broadcast(TypeOrder, o.ClientID, o)
}

// PublishCancel streams a cancellation outcome.
func (h *Hub) PublishCancel(out model.CancelOutcome) {
	h.broadcast(TypeCancel, out.ClientID, out)
}

// PublishStatus sends a status snapshot to every client. Status envelopes
// are not sequenced or replayed.
func (h *Hub) PublishStatus(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode status", "err", err)
		return
	}
	h.fanout(envelope(TypeStatus, 0, h.now(), data))
}

// StartStatusBroadcast publishes snapshot() every interval until ctx is done.
func (h *Hub) StartStatusBroadcast(ctx context.Context, interval time.Duration, snapshot func() any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if h.ClientCount() > 0 {
				h.PublishStatus(snapshot())
			}
		}
	}
}

// Seq returns the seq of the newest envelope.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// Missed returns buffered envelopes in [fromSeq, toSeq]. A clientID of -1
// returns all of them.
func (h *Hub) Missed(fromSeq, toSeq int64, clientID int) [][]byte {
	var out [][]byte
	for _, e := range h.replay.Range(fromSeq, toSeq) {
		if clientID == broadcastAll || e.ClientID == broadcastAll || e.ClientID == clientID {
			out = append(out, e.Data)
		}
	}
	return out
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and registers the client. Query parameters:
// since=<seq> replays everything after seq, client_id=<id,...> limits the
// stream to orders owned by those API clients.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter, err := parseClientIDs(q.Get("client_id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	since := int64(-1)
	if s := q.Get("since"); s != "" {
		if since, err = strconv.ParseInt(s, 10, 64); err != nil || since < 0 {
			http.Error(w, "invalid since", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "err", err)
		return
	}
	conn.EnableWriteCompression(true)
	h.register(newClient(conn, h, filter), since)
}

// register adds c and queues its catch-up under the hub lock so no
// envelope is both replayed and broadcast, or neither.
func (h *Hub) register(c *Client, since int64) {
	h.mu.Lock()
	var backlog [][]byte
	if since >= 0 {
		entries, ok := h.replay.Since(since)
		if !ok {
			// Too far behind: the client must refetch orders over REST.
			data, _ := json.Marshal(map[string]int64{"seq": h.seq})
			backlog = append(backlog, envelope(TypeReset, 0, h.now(), data))
		}
		for _, e := range entries {
			if c.accepts(e.ClientID) {
				backlog = append(backlog, e.Data)
			}
		}
	}
	c.send = make(chan []byte, sendBuffer+len(backlog))
	for _, b := range backlog {
		c.send <- b
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", n, "since", since, "replayed", len(backlog))
	if h.OnClients != nil {
		h.OnClients(n)
	}
	go c.writePump()
	go c.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	close(c.send)
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client disconnected", "clients", n)
	if h.OnClients != nil {
		h.OnClients(n)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func parseClientIDs(s string) (map[int]bool, error) {
	if s == "" {
		return nil, nil
	}
	ids := make(map[int]bool)
	for _, part := range strings.Split(s, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, fmt.Errorf("invalid client_id %q", part)
		}
		ids[id] = true
	}
	return ids, nil
}
