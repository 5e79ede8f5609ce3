package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Upstream calls
	RequestsTotal *prometheus.CounterVec   // labels: call, code
	RequestDur    *prometheus.HistogramVec // labels: call

	// Primary session
	SessionState    prometheus.Gauge // 0=disconnected, 1=connecting, 2=connected, 3=degraded
	Reconnects      prometheus.Counter
	FatalRejections prometheus.Counter

	// Secondary pool
	SecondarySessions  prometheus.Gauge
	SecondaryOpens     prometheus.Counter
	SecondaryEvictions *prometheus.CounterVec // labels: reason

	// Rate limiting and breaker
	RateLimited  *prometheus.CounterVec // labels: kind, code
	BreakerState prometheus.Gauge       // 0=closed, 1=open
	BreakerTrips prometheus.Counter

	// Order index
	IndexOrders   prometheus.Gauge
	IndexRebuilds *prometheus.CounterVec // labels: complete
	RebuildDur    prometheus.Histogram
	OrderEvents   prometheus.Counter

	// Mutations
	Mutations *prometheus.CounterVec // labels: op, result

	// Downstream stream
	WSClients prometheus.Gauge
	WSDropped prometheus.Counter

	MarketState prometheus.Gauge // 0=closed, 1=open
}

// NewMetrics creates the metrics and registers them on reg. A nil reg means
// the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twsbridge_upstream_requests_total",
			Help: "Upstream calls by call name and result code",
		}, []string{"call", "code"}),
		RequestDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twsbridge_upstream_request_duration_seconds",
			Help:    "Upstream call latency including queueing behind earlier calls",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"call"}),

		SessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_session_state",
			Help: "Primary session state (0=disconnected, 1=connecting, 2=connected, 3=degraded)",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_session_reconnects_total",
			Help: "Primary session reconnection attempts",
		}),
		FatalRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_session_fatal_rejections_total",
			Help: "Sessions ended because the gateway rejected the client id",
		}),

		SecondarySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_secondary_sessions",
			Help: "Open secondary sessions held by the pool",
		}),
		SecondaryOpens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_secondary_opens_total",
			Help: "Secondary sessions opened",
		}),
		SecondaryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twsbridge_secondary_evictions_total",
			Help: "Secondary sessions closed by the reaper",
		}, []string{"reason"}),

		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twsbridge_rate_limited_total",
			Help: "Permit requests refused, by bucket and reason",
		}, []string{"kind", "code"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_breaker_state",
			Help: "Emergency breaker state (0=closed, 1=open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_breaker_trips_total",
			Help: "Times the emergency breaker opened",
		}),

		IndexOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_index_orders",
			Help: "Orders held by the order index",
		}),
		IndexRebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twsbridge_index_rebuilds_total",
			Help: "Order index rebuilds by completeness",
		}, []string{"complete"}),
		RebuildDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "twsbridge_index_rebuild_duration_seconds",
			Help:    "Order index rebuild latency",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		OrderEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_order_events_total",
			Help: "Order changes merged into the index from pushed events",
		}),

		Mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "twsbridge_mutations_total",
			Help: "Place, modify and cancel attempts by result",
		}, []string{"op", "result"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_ws_clients",
			Help: "Connected order stream clients",
		}),
		WSDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "twsbridge_ws_dropped_total",
			Help: "Order stream messages dropped for slow clients",
		}),

		MarketState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "twsbridge_market_state",
			Help: "US regular session state (0=closed, 1=open)",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDur,
		m.SessionState,
		m.Reconnects,
		m.FatalRejections,
		m.SecondarySessions,
		m.SecondaryOpens,
		m.SecondaryEvictions,
		m.RateLimited,
		m.BreakerState,
		m.BreakerTrips,
		m.IndexOrders,
		m.IndexRebuilds,
		m.RebuildDur,
		m.OrderEvents,
		m.Mutations,
		m.WSClients,
		m.WSDropped,
		m.MarketState,
	)
	return m
}

// ObserveCall records one upstream call.
func (m *Metrics) ObserveCall(name string, d time.Duration, err error) {
	code := "ok"
	if err != nil {
		code = errs.CodeOf(err).String()
	}
	m.RequestsTotal.WithLabelValues(name, code).Inc()
	m.RequestDur.WithLabelValues(name).Observe(d.Seconds())
}

// ObserveRebuild records one index rebuild.
func (m *Metrics) ObserveRebuild(d time.Duration, size int, complete bool) {
	label := "true"
	if !complete {
		label = "false"
	}
	m.IndexRebuilds.WithLabelValues(label).Inc()
	m.RebuildDur.Observe(d.Seconds())
	m.IndexOrders.Set(float64(size))
}

// SetBreaker mirrors the breaker state; a transition to open counts a trip.
func (m *Metrics) SetBreaker(open, tripped bool) {
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
	if tripped {
		m.BreakerTrips.Inc()
	}
}

// SetMarketOpen mirrors the regular session state.
func (m *Metrics) SetMarketOpen(open bool) {
	if open {
		m.MarketState.Set(1)
		return
	}
	m.MarketState.Set(0)
}

// Server runs an HTTP server exposing /metrics and /healthz.
type Server struct {
	addr string
	srv  *http.Server
	log  *slog.Logger
}

// NewServer creates a metrics and health server. gatherer nil means the
// default registry; health may be nil.
func NewServer(addr string, gatherer prometheus.Gatherer, health http.Handler, log *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if health != nil {
		mux.Handle("/healthz", health)
	}
	return &Server{
		addr: addr,
		log:  logger.Or(log).With("component", "metrics"),
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start launches the HTTP server in a goroutine.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server error", "err", err)
		}
	}()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
