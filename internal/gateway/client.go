package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = 30 * time.Second
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	mu      sync.RWMutex
	clients map[int]bool // owners to stream; nil means all
}

func newClient(conn *websocket.Conn, hub *Hub, filter map[int]bool) *Client {
	return &Client{conn: conn, hub: hub, clients: filter}
}

// accepts reports whether an envelope for owner should reach this client.
func (c *Client) accepts(owner int) bool {
	if owner == broadcastAll {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clients == nil || c.clients[owner]
}

func (c *Client) setFilter(ids []int) {
	var filter map[int]bool
	if len(ids) > 0 {
		filter = make(map[int]bool, len(ids))
		for _, id := range ids {
			filter[id] = true
		}
	}
	c.mu.Lock()
	c.clients = filter
	c.mu.Unlock()
}

// trySend queues msg unless the client is gone or saturated.
func (c *Client) trySend(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))

			// Coalesce whatever is queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Type      string `json:"type"`
			Ping      int64  `json:"ping"`
			ClientIDs []int  `json:"client_ids"`
		}
		if json.Unmarshal(msg, &req) != nil {
			c.trySend(errorEnvelope(c.hub.now(), "malformed message"))
			continue
		}

		switch {
		case req.Type == "FILTER":
			c.setFilter(req.ClientIDs)
		case req.Ping > 0:
			data, _ := json.Marshal(map[string]int64{"ping": req.Ping, "server_ts": time.Now().UnixMilli()})
			c.trySend(envelope(TypePong, 0, c.hub.now(), data))
		default:
			c.trySend(errorEnvelope(c.hub.now(), "unknown message type "+req.Type))
		}
	}
}

func errorEnvelope(ts time.Time, msg string) []byte {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return envelope(TypeError, 0, ts, data)
}
