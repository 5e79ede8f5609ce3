package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

func newTestLimiter(cfg Config) (*Limiter, *time.Time) {
	l := New(cfg, nil, logger.Discard())
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLimiter_BudgetExhaustion(t *testing.T) {
	l, now := newTestLimiter(Config{MutationPerSecond: 2, MutationBurst: 2})

	for i := 0; i < 2; i++ {
		if err := l.TryAcquire(Mutation, 1); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.TryAcquire(Mutation, 1); !errors.Is(err, errs.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
	if l.Breaker().CurrentState() != StateClosed {
		t.Error("budget exhaustion must not trip the breaker")
	}

	*now = now.Add(time.Second)
	if err := l.TryAcquire(Mutation, 1); err != nil {
		t.Errorf("bucket did not refill: %v", err)
	}
}

func TestLimiter_SeparateBuckets(t *testing.T) {
	l, _ := newTestLimiter(Config{ReadPerSecond: 1, ReadBurst: 1, MutationPerSecond: 1, MutationBurst: 1})
	if err := l.TryAcquire(Read, 1); err != nil {
		t.Fatal(err)
	}
	if err := l.TryAcquire(Read, 1); !errors.Is(err, errs.ErrRateLimited) {
		t.Errorf("read bucket should be empty, got %v", err)
	}
	if err := l.TryAcquire(Mutation, 1); err != nil {
		t.Errorf("reads must not starve mutations: %v", err)
	}
}

func TestLimiter_BreakerOpenWithTokensLeft(t *testing.T) {
	l, _ := newTestLimiter(Config{BreakerThreshold: 5})
	for i := 0; i < 5; i++ {
		l.RecordOutcome(false)
	}
	if l.Tokens(Mutation) < 1 {
		t.Fatal("test needs budget remaining")
	}
	if err := l.TryAcquire(Mutation, 1); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
	if err := l.TryAcquire(Read, 1); err != nil {
		t.Errorf("reads pass while the breaker is open: %v", err)
	}
}

func TestLimiter_ResetThenAcquire(t *testing.T) {
	l, _ := newTestLimiter(Config{BreakerThreshold: 2})
	l.RecordOutcome(false)
	l.RecordOutcome(false)
	if err := l.TryAcquire(Mutation, 1); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Fatalf("expected open, got %v", err)
	}
	l.ResetBreaker()
	if err := l.TryAcquire(Mutation, 1); err != nil {
		t.Errorf("acquire after reset: %v", err)
	}
}

func TestLimiter_ObserveCountsInfrastructureOnly(t *testing.T) {
	l, _ := newTestLimiter(Config{BreakerThreshold: 2})
	l.Observe(errs.ErrRejected.WithDetail("margin"))
	l.Observe(errs.ErrOrderNotFound)
	l.Observe(errs.ErrRequestTimeout)
	l.Observe(errs.ErrRejected)
	l.Observe(errs.ErrConnection)
	if l.Breaker().CurrentState() != StateClosed {
		t.Fatal("rejections must reset the failure streak")
	}
	l.Observe(errs.ErrProtocol)
	if l.Breaker().CurrentState() != StateOpen {
		t.Error("two consecutive infrastructure failures should trip")
	}
}

func TestLimiter_AcquireWaitsAndHonorsBreaker(t *testing.T) {
	l := New(Config{MutationPerSecond: 50, MutationBurst: 1}, nil, logger.Discard())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, Mutation, 1); err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
	}
	l.TripBreaker("test")
	if err := l.Acquire(ctx, Mutation, 1); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestLimiter_OnRejected(t *testing.T) {
	l, _ := newTestLimiter(Config{ReadPerSecond: 1, ReadBurst: 1})
	var codes []errs.Code
	l.OnRejected = func(_ Kind, c errs.Code) { codes = append(codes, c) }
	l.TryAcquire(Read, 1)
	l.TryAcquire(Read, 1)
	l.TripBreaker("")
	l.TryAcquire(Mutation, 1)
	if len(codes) != 2 || codes[0] != errs.CodeRateLimited || codes[1] != errs.CodeBreakerOpen {
		t.Errorf("codes = %v", codes)
	}
}

func order(id int64, symbol string, action model.Action, status model.Status) model.Order {
	return model.Order{
		OrderID: id, Account: "DU1", Symbol: symbol, Action: action,
		Quantity: decimal.NewFromInt(1), Status: status,
	}
}

func TestContractSlots_CapAndRelease(t *testing.T) {
	s := NewContractSlots(2)
	if err := s.Reserve(order(1, "AAPL", model.Buy, "")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(order(2, "AAPL", model.Buy, "")); err != nil {
		t.Fatal(err)
	}
	if err := s.Reserve(order(1, "AAPL", model.Buy, "")); err != nil {
		t.Errorf("re-reserving a held slot: %v", err)
	}
	if err := s.Reserve(order(3, "AAPL", model.Buy, "")); !errors.Is(err, errs.ErrRateLimited) {
		t.Errorf("expected cap, got %v", err)
	}
	if err := s.Reserve(order(4, "AAPL", model.Sell, "")); err != nil {
		t.Errorf("other side has its own cap: %v", err)
	}

	s.Observe(order(1, "AAPL", model.Buy, model.StatusFilled))
	if n := s.Active("DU1", "AAPL", model.Buy); n != 1 {
		t.Errorf("active = %d after fill", n)
	}
	if err := s.Reserve(order(3, "AAPL", model.Buy, "")); err != nil {
		t.Errorf("slot not freed: %v", err)
	}
}

func TestContractSlots_Load(t *testing.T) {
	s := NewContractSlots(0)
	s.Load([]model.Order{
		order(1, "MSFT", model.Buy, model.StatusSubmitted),
		order(2, "MSFT", model.Buy, model.StatusCancelled),
		order(3, "MSFT", model.Buy, model.StatusPreSubmitted),
	})
	if n := s.Active("DU1", "MSFT", model.Buy); n != 2 {
		t.Errorf("active = %d, want 2", n)
	}
	s.Release(3)
	if n := s.Active("DU1", "MSFT", model.Buy); n != 1 {
		t.Errorf("active = %d after release", n)
	}
}
