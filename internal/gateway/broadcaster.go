package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Envelope types.
const (
	TypeOrder  = "order"
	TypeCancel = "cancel"
	TypeStatus = "status"
	TypeReset  = "reset"
	TypePong   = "pong"
	TypeError  = "error"
)

// broadcastAll marks envelopes that ignore client filters.
const broadcastAll = -1

// envelope builds {"type":..,"seq":..,"ts":..,"data":..} by hand; seq is
// omitted when zero. data must already be valid JSON.
func envelope(typ string, seq int64, ts time.Time, data []byte) []byte {
	buf := make([]byte, 0, len(data)+96)
	buf = append(buf, `{"type":"`...)
	buf = append(buf, typ...)
	buf = append(buf, '"')
	if seq > 0 {
		buf = append(buf, `,"seq":`...)
		buf = strconv.AppendInt(buf, seq, 10)
	}
	buf = append(buf, `,"ts":"`...)
	buf = ts.UTC().AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, '"')
	if len(data) > 0 {
		buf = append(buf, `,"data":`...)
		buf = append(buf, data...)
	}
	buf = append(buf, '}')
	return buf
}

// broadcast sequences data, keeps it for replay and fans it out to every
// client whose filter accepts clientID. Slow clients miss the message and
// recover it through the replay endpoint.
func (h *Hub) broadcast(typ string, clientID int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Error("encode envelope", "type", typ, "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	buf := envelope(typ, h.seq, h.now(), data)
	h.replay.Push(h.seq, clientID, buf)
	for c := range h.clients {
		if !c.accepts(clientID) {
			continue
		}
		select {
		case c.send <- buf:
		default:
			h.dropped()
		}
	}
}

// fanout sends an unsequenced envelope to every client.
func (h *Hub) fanout(buf []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- buf:
		default:
		}
	}
}

func (h *Hub) dropped() {
	if h.OnDrop != nil {
		h.OnDrop()
	}
}
