package gateway

import (
	"net/http"
	"strconv"
)

// Mux is satisfied by *http.ServeMux and the API router.
type Mux interface {
	Handle(pattern string, handler http.Handler)
}

// Register mounts the stream endpoints on mux.
func (h *Hub) Register(mux Mux) {
	mux.Handle("GET /ws/orders", http.HandlerFunc(h.ServeWS))
	mux.Handle("GET /api/stream/missed", http.HandlerFunc(h.ServeMissed))
}

// ServeMissed returns buffered envelopes for gap backfill as a JSON array:
// GET /api/stream/missed?from=<seq>&to=<seq>[&client_id=<id>]
func (h *Hub) ServeMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := strconv.ParseInt(q.Get("from"), 10, 64)
	if err != nil {
		http.Error(w, "from is required", http.StatusBadRequest)
		return
	}
	to := h.Seq()
	if s := q.Get("to"); s != "" {
		if to, err = strconv.ParseInt(s, 10, 64); err != nil {
			http.Error(w, "invalid to", http.StatusBadRequest)
			return
		}
	}
	clientID := broadcastAll
	if s := q.Get("client_id"); s != "" {
		if clientID, err = strconv.Atoi(s); err != nil {
			http.Error(w, "invalid client_id", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	buf := []byte{'['}
	for i, env := range h.Missed(from, to, clientID) {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, env...)
	}
	buf = append(buf, ']')
	w.Write(buf)
}
