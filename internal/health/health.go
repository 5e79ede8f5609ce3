// Package health reports bridge status from locally cached state. Building
// a status never touches the gateway.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"tws-bridge/internal/markethours"
	"tws-bridge/internal/model"
	"tws-bridge/internal/orders"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
)

// SessionSource is the primary session.
type SessionSource interface {
	State() session.State
	LastRoundTrip() time.Time
	ClientID() int
}

// BreakerSource exposes the breaker record.
type BreakerSource interface {
	Snapshot() model.BreakerState
}

// PoolSource counts open secondary sessions.
type PoolSource interface {
	Active() int
}

// IndexSource describes the order index.
type IndexSource interface {
	Info() orders.IndexInfo
}

// TokenSource reports remaining rate limit budget.
type TokenSource interface {
	Tokens(kind ratelimit.Kind) float64
}

// Sources are the components a Reporter reads. Any may be nil.
type Sources struct {
	Session SessionSource
	Breaker BreakerSource
	Pool    PoolSource
	Index   IndexSource
	Tokens  TokenSource
}

// Probe is the cached result of one dependency check.
type Probe struct {
	OK        bool      `json:"ok"`
	LatencyMs float64   `json:"latency_ms"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Status is the bridge status report.
type Status struct {
	Status                       string           `json:"status"` // healthy | degraded | unhealthy
	Connected                    bool             `json:"connected"`
	SessionState                 string           `json:"session_state"`
	ClientID                     int              `json:"client_id"`
	BreakerTripped               bool             `json:"breaker_tripped"`
	BreakerReason                string           `json:"breaker_reason,omitempty"`
	BreakerTrippedAt             *time.Time       `json:"breaker_tripped_at,omitempty"`
	LastSuccessfulRoundTripAgeMs int64            `json:"last_successful_round_trip_age_ms"`
	ActiveSecondarySessions      int              `json:"active_secondary_sessions"`
	Index                        *IndexStatus     `json:"index,omitempty"`
	ReadTokens                   float64          `json:"read_tokens"`
	MutationTokens               float64          `json:"mutation_tokens"`
	MarketOpen                   bool             `json:"market_open"`
	Market                       string           `json:"market"`
	Dependencies                 map[string]Probe `json:"dependencies,omitempty"`
	Uptime                       string           `json:"uptime"`
}

// IndexStatus describes the order index in a status report.
type IndexStatus struct {
	AgeMs    int64 `json:"age_ms"` // -1 before the first rebuild
	Complete bool  `json:"complete"`
	Orders   int   `json:"orders"`
	Clients  int   `json:"clients"`
}

// Reporter assembles Status from its sources and the cached probe results.
type Reporter struct {
	src       Sources
	now       func() time.Time
	startedAt time.Time

	mu     sync.RWMutex
	probes map[string]Probe
}

// New creates a Reporter.
func New(src Sources) *Reporter {
	return &Reporter{
		src:       src,
		now:       time.Now,
		startedAt: time.Now(),
		probes:    make(map[string]Probe),
	}
}

// Status returns the current report.
func (r *Reporter) Status() Status {
	now := r.now()
	st := Status{
		Status:                       "healthy",
		SessionState:                 session.Disconnected.String(),
		LastSuccessfulRoundTripAgeMs: -1,
		MarketOpen:                   markethours.IsMarketOpen(now),
		Market:                       markethours.StatusString(now),
		Uptime:                       now.Sub(r.startedAt).Round(time.Second).String(),
	}

	if s := r.src.Session; s != nil {
		state := s.State()
		st.SessionState = state.String()
		st.Connected = state == session.Connected
		st.ClientID = s.ClientID()
		if last := s.LastRoundTrip(); !last.IsZero() {
			st.LastSuccessfulRoundTripAgeMs = now.Sub(last).Milliseconds()
		}
	}
	if b := r.src.Breaker; b != nil {
		snap := b.Snapshot()
		st.BreakerTripped = snap.Open
		if snap.Open {
			st.BreakerReason = snap.Reason
			at := snap.TrippedAt
			st.BreakerTrippedAt = &at
		}
	}
	if p := r.src.Pool; p != nil {
		st.ActiveSecondarySessions = p.Active()
	}
	if ix := r.src.Index; ix != nil {
		info := ix.Info()
		is := &IndexStatus{AgeMs: -1, Complete: info.Complete, Orders: info.Size, Clients: info.Clients}
		if !info.BuiltAt.IsZero() {
			is.AgeMs = now.Sub(info.BuiltAt).Milliseconds()
		}
		st.Index = is
	}
	if t := r.src.Tokens; t != nil {
		st.ReadTokens = t.Tokens(ratelimit.Read)
		st.MutationTokens = t.Tokens(ratelimit.Mutation)
	}

	r.mu.RLock()
	if len(r.probes) > 0 {
		st.Dependencies = make(map[string]Probe, len(r.probes))
		for name, p := range r.probes {
			st.Dependencies[name] = p
		}
	}
	r.mu.RUnlock()

	depsOK := true
	for _, p := range st.Dependencies {
		if !p.OK {
			depsOK = false
		}
	}
	switch {
	case !st.Connected:
		st.Status = "unhealthy"
	case st.BreakerTripped || !depsOK:
		st.Status = "degraded"
	}
	return st
}

// Check runs one probe and caches its result under name.
func (r *Reporter) Check(ctx context.Context, name string, probe func(context.Context) error) {
	start := time.Now()
	err := probe(ctx)
	p := Probe{
		OK:        err == nil,
		LatencyMs: float64(time.Since(start).Microseconds()) / 1000.0,
		CheckedAt: r.now(),
	}
	if err != nil {
		p.Error = err.Error()
	}
	r.mu.Lock()
	r.probes[name] = p
	r.mu.Unlock()
}

// StartLivenessChecker runs every probe once, then again each interval until
// ctx is done.
func (r *Reporter) StartLivenessChecker(ctx context.Context, interval time.Duration, probes map[string]func(context.Context) error) {
	if len(probes) == 0 {
		return
	}
	names := make([]string, 0, len(probes))
	for name := range probes {
		names = append(names, name)
	}
	sort.Strings(names)
	run := func() {
		probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		for _, name := range names {
			r.Check(probeCtx, name, probes[name])
		}
	}
	go func() {
		run()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// ServeHTTP handles the /healthz endpoint: 503 when the primary session is
// down or the breaker is open.
func (r *Reporter) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	st := r.Status()
	w.Header().Set("Content-Type", "application/json")
	if !st.Connected || st.BreakerTripped {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(st)
}
