// Package ratelimit gates outbound gateway traffic: token buckets for
// budget, an emergency breaker that halts mutations until an operator
// resets it, and per-contract order slots.
//
// Weighting: reads and mutations draw from separate buckets so read
// traffic cannot starve order mutation. Every upstream message costs one
// permit from its bucket; a cancel-all of n orders costs n mutation permits.
// The breaker gates mutations only.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/model"
)

// Kind selects the bucket a request draws from.
type Kind int

const (
	Read Kind = iota
	Mutation
)

func (k Kind) String() string {
	if k == Mutation {
		return "mutation"
	}
	return "read"
}

// Config holds bucket sizes and the breaker threshold.
type Config struct {
	ReadPerSecond     float64
	ReadBurst         int
	MutationPerSecond float64
	MutationBurst     int
	BreakerThreshold  int
}

// DefaultConfig is 30 permits per second per bucket and a threshold of 5.
func DefaultConfig() Config {
	return Config{
		ReadPerSecond:     30,
		ReadBurst:         30,
		MutationPerSecond: 30,
		MutationBurst:     30,
		BreakerThreshold:  5,
	}
}

// Limiter combines the buckets and the breaker.
type Limiter struct {
	read     *rate.Limiter
	mutation *rate.Limiter
	breaker  *Breaker
	now      func() time.Time

	// OnRejected is called when a request is refused, with the error code.
	OnRejected func(kind Kind, code errs.Code)
}

// New builds a Limiter. store may be nil.
func New(cfg Config, store model.BreakerStore, log *slog.Logger) *Limiter {
	def := DefaultConfig()
	if cfg.ReadPerSecond <= 0 {
		cfg.ReadPerSecond = def.ReadPerSecond
	}
	if cfg.ReadBurst <= 0 {
		cfg.ReadBurst = int(cfg.ReadPerSecond)
	}
	if cfg.MutationPerSecond <= 0 {
		cfg.MutationPerSecond = def.MutationPerSecond
	}
	if cfg.MutationBurst <= 0 {
		cfg.MutationBurst = int(cfg.MutationPerSecond)
	}
	return &Limiter{
		read:     rate.NewLimiter(rate.Limit(cfg.ReadPerSecond), cfg.ReadBurst),
		mutation: rate.NewLimiter(rate.Limit(cfg.MutationPerSecond), cfg.MutationBurst),
		breaker:  NewBreaker(cfg.BreakerThreshold, store, log),
		now:      time.Now,
	}
}

func (l *Limiter) bucket(k Kind) *rate.Limiter {
	if k == Mutation {
		return l.mutation
	}
	return l.read
}

func (l *Limiter) reject(k Kind, err error) error {
	if l.OnRejected != nil {
		l.OnRejected(k, errs.CodeOf(err))
	}
	return err
}

// TryAcquire takes weight permits without waiting. It fails with
// ErrBreakerOpen for mutations while the breaker is open, and with
// ErrRateLimited when the bucket is short.
func (l *Limiter) TryAcquire(kind Kind, weight int) error {
	if kind == Mutation {
		if err := l.breaker.Allow(); err != nil {
			return l.reject(kind, err)
		}
	}
	if !l.bucket(kind).AllowN(l.now(), weight) {
		return l.reject(kind, errs.ErrRateLimited.Detailf("%s budget exhausted", kind))
	}
	return nil
}

// Acquire is TryAcquire that waits for budget instead of failing. The
// breaker is checked before and after the wait.
func (l *Limiter) Acquire(ctx context.Context, kind Kind, weight int) error {
	if kind == Mutation {
		if err := l.breaker.Allow(); err != nil {
			return l.reject(kind, err)
		}
	}
	if err := l.bucket(kind).WaitN(ctx, weight); err != nil {
		return l.reject(kind, errs.ErrRateLimited.Wrap(err).Detailf("waiting for %s budget", kind))
	}
	if kind == Mutation {
		if err := l.breaker.Allow(); err != nil {
			return l.reject(kind, err)
		}
	}
	return nil
}

// RecordOutcome feeds the breaker's consecutive-failure count.
func (l *Limiter) RecordOutcome(success bool) { l.breaker.Record(success) }

// Observe records err as an outcome. Only infrastructure failures count
// against the breaker; an upstream rejection is a healthy round trip.
func (l *Limiter) Observe(err error) { l.breaker.Record(!errs.Infrastructure(err)) }

// ResetBreaker closes the breaker.
func (l *Limiter) ResetBreaker() { l.breaker.Reset() }

// TripBreaker opens the breaker on an external signal.
func (l *Limiter) TripBreaker(reason string) { l.breaker.Trip(reason) }

// Breaker exposes the breaker for status and hooks.
func (l *Limiter) Breaker() *Breaker { return l.breaker }

// Tokens reports the permits currently available in kind's bucket.
func (l *Limiter) Tokens(kind Kind) float64 { return l.bucket(kind).TokensAt(l.now()) }
