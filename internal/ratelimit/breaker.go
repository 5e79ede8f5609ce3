package ratelimit

import (
	"log/slog"
	"sync"
	"time"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

// State represents the emergency breaker state.
type State int

const (
	StateClosed State = 0 // mutations pass
	StateOpen   State = 1 // mutations rejected until Reset
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker with manual-only recovery. After threshold
// consecutive failures, or an explicit Trip, it opens and stays open until
// Reset is called. There is no half-open probe.
type Breaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	threshold int
	reason    string
	trips     int
	trippedAt time.Time
	updatedAt time.Time

	store     model.BreakerStore
	persistMu sync.Mutex
	log       *slog.Logger

	// OnStateChange is called after a transition, outside the lock.
	OnStateChange func(from, to State, reason string)
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures. When store holds a persisted state, the breaker starts from it.
func NewBreaker(threshold int, store model.BreakerStore, log *slog.Logger) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	b := &Breaker{
		threshold: threshold,
		state:     StateClosed,
		store:     store,
		log:       logger.Or(log).With("component", "breaker"),
	}
	if store != nil {
		st, ok, err := store.LoadBreaker()
		switch {
		case err != nil:
			b.log.Warn("breaker state load failed, starting closed", "err", err)
		case ok && st.Open:
			b.state = StateOpen
			b.reason = st.Reason
			b.trips = st.Trips
			b.failures = st.Failures
			b.trippedAt = st.TrippedAt
			b.log.Error("breaker restored in open state", "reason", st.Reason, "tripped_at", st.TrippedAt)
		case ok:
			b.trips = st.Trips
		}
	}
	return b
}

// Allow returns ErrBreakerOpen while the breaker is open.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return errs.ErrBreakerOpen.WithDetail(b.reason)
	}
	return nil
}

// Record feeds one outcome. A success clears the consecutive-failure count.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	if success {
		b.failures = 0
		b.mu.Unlock()
		return
	}
	b.failures++
	if b.state == StateOpen || b.failures < b.threshold {
		b.mu.Unlock()
		return
	}
	reason := "consecutive upstream failures"
	from := b.open(reason)
	b.mu.Unlock()
	b.after(from, StateOpen, reason)
}

// Trip opens the breaker on an external signal.
func (b *Breaker) Trip(reason string) {
	if reason == "" {
		reason = "manual trip"
	}
	b.mu.Lock()
	if b.state == StateOpen {
		b.mu.Unlock()
		return
	}
	from := b.open(reason)
	b.mu.Unlock()
	b.after(from, StateOpen, reason)
}

// Reset closes the breaker. It is the only way out of the open state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = StateClosed
	b.failures = 0
	b.reason = ""
	b.updatedAt = time.Now()
	b.mu.Unlock()
	b.after(from, StateClosed, "reset")
}

func (b *Breaker) open(reason string) State {
	from := b.state
	b.state = StateOpen
	b.reason = reason
	b.trips++
	b.trippedAt = time.Now()
	b.updatedAt = b.trippedAt
	return from
}

func (b *Breaker) after(from, to State, reason string) {
	if to == StateOpen {
		b.log.Error("breaker tripped", "reason", reason, "threshold", b.threshold)
	} else if from != to {
		b.log.Warn("breaker reset")
	}
	b.persist()
	if from != to && b.OnStateChange != nil {
		b.OnStateChange(from, to, reason)
	}
}

func (b *Breaker) persist() {
	if b.store == nil {
		return
	}
	b.persistMu.Lock()
	defer b.persistMu.Unlock()
	if err := b.store.SaveBreaker(b.Snapshot()); err != nil {
		b.log.Warn("breaker state save failed", "err", err)
	}
}

// CurrentState returns the breaker state.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the breaker state in its persisted form.
func (b *Breaker) Snapshot() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return model.BreakerState{
		Open:      b.state == StateOpen,
		Reason:    b.reason,
		Failures:  b.failures,
		Trips:     b.trips,
		TrippedAt: b.trippedAt,
		UpdatedAt: b.updatedAt,
	}
}
