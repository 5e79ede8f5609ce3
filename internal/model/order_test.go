package model

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
)

func TestOrderSpec_NormalizeDefaults(t *testing.T) {
	s := OrderSpec{Symbol: " aapl ", Action: "buy", OrderType: "lmt", Quantity: decimal.NewFromInt(10), LimitPrice: decimal.RequireFromString("185.25")}
	s.Normalize()
	if s.Symbol != "AAPL" || s.Action != Buy || s.OrderType != Limit {
		t.Errorf("normalize: %+v", s)
	}
	if s.SecType != "STK" || s.Exchange != "SMART" || s.Currency != "USD" || s.TIF != Day {
		t.Errorf("defaults: %+v", s)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("expected valid spec, got %v", err)
	}
}

func TestOrderSpec_ValidateRejects(t *testing.T) {
	base := OrderSpec{Symbol: "MSFT", Action: Buy, Quantity: decimal.NewFromInt(1), OrderType: Market, TIF: Day}

	cases := map[string]func(s *OrderSpec){
		"no symbol":       func(s *OrderSpec) { s.Symbol = "" },
		"bad action":      func(s *OrderSpec) { s.Action = "HOLD" },
		"zero qty":        func(s *OrderSpec) { s.Quantity = decimal.Zero },
		"lmt no price":    func(s *OrderSpec) { s.OrderType = Limit },
		"stp no aux":      func(s *OrderSpec) { s.OrderType = Stop },
		"stp lmt no limit": func(s *OrderSpec) {
			s.OrderType = StopLimit
			s.AuxPrice = decimal.NewFromInt(90)
		},
		"bad tif":  func(s *OrderSpec) { s.TIF = "OPG" },
		"bad type": func(s *OrderSpec) { s.OrderType = "TRAIL" },
	}
	for name, mutate := range cases {
		s := base
		mutate(&s)
		err := s.Validate()
		if !errors.Is(err, errs.ErrInvalidOrder) {
			t.Errorf("%s: expected ErrInvalidOrder, got %v", name, err)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusCancelled, StatusAPICancelled, StatusFilled, StatusInactive} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusSubmitted, StatusPreSubmitted, StatusPendingCancel} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestOrder_ApplyStatus(t *testing.T) {
	o := Order{OrderID: 1001, ClientID: 0, Status: StatusSubmitted, AvgFillPrice: decimal.NewFromInt(10)}
	at := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	o.Apply(StatusUpdate{OrderID: 1001, Status: StatusFilled, Filled: decimal.NewFromInt(5), PermID: 77}, at)

	if o.Status != StatusFilled || !o.Filled.Equal(decimal.NewFromInt(5)) {
		t.Errorf("apply: %+v", o)
	}
	if !o.AvgFillPrice.Equal(decimal.NewFromInt(10)) {
		t.Error("zero avg fill price must not overwrite a known one")
	}
	if o.PermID != 77 || !o.UpdatedAt.Equal(at) {
		t.Errorf("perm/updated: %+v", o)
	}
}

func TestQuote_Resolve(t *testing.T) {
	q := Quote{Bid: decimal.RequireFromString("99.5"), Ask: decimal.RequireFromString("100.5")}
	if !q.Resolve() || q.Source != "mid" || !q.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("mid: %+v", q)
	}
	q.Close = decimal.NewFromInt(98)
	q.Resolve()
	if q.Source != "close" {
		t.Errorf("close should win over mid: %+v", q)
	}
	q.Last = decimal.NewFromInt(101)
	q.Resolve()
	if q.Source != "last" || !q.Price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("last should win: %+v", q)
	}
	if (&Quote{}).Resolve() {
		t.Error("empty quote should not resolve")
	}
}

func TestAccountSummary_AddGet(t *testing.T) {
	s := NewAccountSummary()
	s.Add(AccountValue{Account: "DU1", Tag: "NetLiquidation", Value: "100", Currency: "USD"})
	s.Add(AccountValue{Account: "DU1", Tag: "NetLiquidation", Value: "101", Currency: "USD"})
	v, ok := s.Get("DU1", "NetLiquidation")
	if !ok || v.Value != "101" {
		t.Errorf("get: %+v %v", v, ok)
	}
	if _, ok := s.Get("DU2", "NetLiquidation"); ok {
		t.Error("unexpected value for unknown account")
	}
}
