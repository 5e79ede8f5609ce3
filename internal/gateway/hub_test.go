package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

type received struct {
	Type string          `json:"type"`
	Seq  int64           `json:"seq"`
	Data json.RawMessage `json:"data"`
}

func startHub(t *testing.T, replay int) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(replay, logger.Discard())
	mux := http.NewServeMux()
	hub.Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	want := hub.ClientCount() + 1
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() < want {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

// read collects n envelopes, splitting coalesced frames.
func read(t *testing.T, conn *websocket.Conn, n int) []received {
	t.Helper()
	var out []received
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for len(out) < n {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read after %d envelopes: %v", len(out), err)
		}
		for _, line := range bytes.Split(msg, []byte{'\n'}) {
			var r received
			if err := json.Unmarshal(line, &r); err != nil {
				t.Fatalf("decode %q: %v", line, err)
			}
			out = append(out, r)
		}
	}
	return out
}

func orderID(t *testing.T, r received) int64 {
	t.Helper()
	var o model.Order
	if err := json.Unmarshal(r.Data, &o); err != nil {
		t.Fatal(err)
	}
	return o.OrderID
}

func order(id int64, clientID int) model.Order {
	return model.Order{OrderID: id, ClientID: clientID, Symbol: "AAPL", Status: model.StatusSubmitted}
}

func TestHub_StreamsOrders(t *testing.T) {
	hub, srv := startHub(t, 100)
	conn := dial(t, hub, srv, "")

	hub.PublishOrder(order(1001, 3))
	hub.PublishCancel(model.CancelOutcome{OrderID: 1001, ClientID: 3, Result: model.OutcomeSucceeded})

	got := read(t, conn, 2)
	if got[0].Type != TypeOrder || got[0].Seq != 1 || orderID(t, got[0]) != 1001 {
		t.Errorf("first = %+v", got[0])
	}
	if got[1].Type != TypeCancel || got[1].Seq != 2 {
		t.Errorf("second = %+v", got[1])
	}
}

func TestHub_ReplaySince(t *testing.T) {
	hub, srv := startHub(t, 100)
	for id := int64(1); id <= 3; id++ {
		hub.PublishOrder(order(id, 0))
	}

	conn := dial(t, hub, srv, "?since=1")
	hub.PublishOrder(order(4, 0))

	got := read(t, conn, 3)
	for i, want := range []int64{2, 3, 4} {
		if got[i].Seq != want {
			t.Errorf("envelope %d seq = %d, want %d", i, got[i].Seq, want)
		}
	}
}

func TestHub_ResetWhenTooFarBehind(t *testing.T) {
	hub, srv := startHub(t, 2)
	for id := int64(1); id <= 5; id++ {
		hub.PublishOrder(order(id, 0))
	}

	conn := dial(t, hub, srv, "?since=1")
	got := read(t, conn, 1)
	if got[0].Type != TypeReset {
		t.Fatalf("first envelope = %+v, want reset", got[0])
	}
	var body struct{ Seq int64 }
	json.Unmarshal(got[0].Data, &body)
	if body.Seq != 5 {
		t.Errorf("reset seq = %d, want 5", body.Seq)
	}
}

func TestHub_ClientFilter(t *testing.T) {
	hub, srv := startHub(t, 100)
	conn := dial(t, hub, srv, "?client_id=5")

	hub.PublishOrder(order(1001, 3))
	hub.PublishOrder(order(1002, 5))

	got := read(t, conn, 1)
	if got[0].Seq != 2 || orderID(t, got[0]) != 1002 {
		t.Errorf("got %+v, want only the client 5 order", got[0])
	}
}

func TestHub_FilterMessage(t *testing.T) {
	hub, srv := startHub(t, 100)
	conn := dial(t, hub, srv, "")

	if err := conn.WriteJSON(map[string]any{"type": "FILTER", "client_ids": []int{7}}); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteJSON(map[string]any{"ping": 42}); err != nil {
		t.Fatal(err)
	}
	// The pong proves the filter message was processed first.
	if got := read(t, conn, 1); got[0].Type != TypePong {
		t.Fatalf("got %+v, want pong", got[0])
	}

	hub.PublishOrder(order(1001, 3))
	hub.PublishOrder(order(1002, 7))
	got := read(t, conn, 1)
	if orderID(t, got[0]) != 1002 {
		t.Errorf("got order %d, want 1002", orderID(t, got[0]))
	}
}

func TestHub_Missed(t *testing.T) {
	hub, _ := startHub(t, 100)
	hub.PublishOrder(order(1, 3))
	hub.PublishOrder(order(2, 5))
	hub.PublishOrder(order(3, 3))

	rec := httptest.NewRecorder()
	hub.ServeMissed(rec, httptest.NewRequest(http.MethodGet, "/api/stream/missed?from=2", nil))
	var all []received
	if err := json.NewDecoder(rec.Body).Decode(&all); err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Seq != 2 || all[1].Seq != 3 {
		t.Errorf("missed = %+v", all)
	}

	if got := hub.Missed(1, 3, 3); len(got) != 2 {
		t.Errorf("client 3 missed = %d envelopes, want 2", len(got))
	}
}

func TestHub_BadQuery(t *testing.T) {
	hub, _ := startHub(t, 10)
	for _, q := range []string{"?since=-4", "?since=abc", "?client_id=x"} {
		rec := httptest.NewRecorder()
		hub.ServeWS(rec, httptest.NewRequest(http.MethodGet, "/ws/orders"+q, nil))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: code = %d", q, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	hub.ServeMissed(rec, httptest.NewRequest(http.MethodGet, "/api/stream/missed", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missed without from: code = %d", rec.Code)
	}
}

func TestEnvelope(t *testing.T) {
	ts := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	got := string(envelope(TypeOrder, 7, ts, []byte(`{"a":1}`)))
	want := `{"type":"order","seq":7,"ts":"2026-03-02T15:00:00Z","data":{"a":1}}`
	if got != want {
		t.Errorf("envelope = %s", got)
	}
	if got := string(envelope(TypeStatus, 0, ts, nil)); strings.Contains(got, "seq") {
		t.Errorf("unsequenced envelope = %s", got)
	}
}
