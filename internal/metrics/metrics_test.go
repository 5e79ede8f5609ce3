package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
)

func TestMetrics_ObserveCall(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ObserveCall("cancel_order", 20*time.Millisecond, nil)
	m.ObserveCall("cancel_order", time.Second, errs.ErrRequestTimeout)
	m.ObserveCall("cancel_order", time.Second, errs.ErrRequestTimeout.WithDetail("late"))

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("cancel_order", "ok")); got != 1 {
		t.Errorf("ok = %v", got)
	}
	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("cancel_order", "request_timeout")); got != 2 {
		t.Errorf("request_timeout = %v", got)
	}
}

func TestMetrics_BreakerAndRebuild(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.SetBreaker(true, true)
	m.SetBreaker(true, false)
	if got := testutil.ToFloat64(m.BreakerTrips); got != 1 {
		t.Errorf("trips = %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState); got != 1 {
		t.Errorf("state = %v", got)
	}
	m.SetBreaker(false, false)
	if got := testutil.ToFloat64(m.BreakerState); got != 0 {
		t.Errorf("state after reset = %v", got)
	}

	m.ObserveRebuild(time.Second, 7, false)
	if got := testutil.ToFloat64(m.IndexOrders); got != 7 {
		t.Errorf("index orders = %v", got)
	}
	if got := testutil.ToFloat64(m.IndexRebuilds.WithLabelValues("false")); got != 1 {
		t.Errorf("partial rebuilds = %v", got)
	}
}

func TestServer_Endpoints(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.Reconnects.Inc()
	health := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	s := NewServer(":0", reg, health, logger.Discard())

	rec := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "twsbridge_session_reconnects_total 1") {
		t.Errorf("metrics output missing reconnects:\n%s", body)
	}

	rec = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/healthz = %d", rec.Code)
	}
}
