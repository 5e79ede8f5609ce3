package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
)

// Action is the order side.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// OrderType is the upstream order type code.
type OrderType string

const (
	Market    OrderType = "MKT"
	Limit     OrderType = "LMT"
	Stop      OrderType = "STP"
	StopLimit OrderType = "STP LMT"
)

// TimeInForce is the order time in force.
type TimeInForce string

const (
	Day TimeInForce = "DAY"
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

// Status is the upstream order status. It is only ever set from upstream
// messages, never derived locally.
type Status string

const (
	StatusPendingSubmit Status = "PendingSubmit"
	StatusPendingCancel Status = "PendingCancel"
	StatusPreSubmitted  Status = "PreSubmitted"
	StatusSubmitted     Status = "Submitted"
	StatusAPIPending    Status = "ApiPending"
	StatusAPICancelled  Status = "ApiCancelled"
	StatusCancelled     Status = "Cancelled"
	StatusFilled        Status = "Filled"
	StatusInactive      Status = "Inactive"
)

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	switch s {
	case StatusCancelled, StatusAPICancelled, StatusFilled, StatusInactive:
		return true
	}
	return false
}

// Cancelled reports whether s is one of the cancelled states.
func (s Status) Cancelled() bool {
	return s == StatusCancelled || s == StatusAPICancelled
}

// Order is an upstream order as seen by the bridge. OrderID and ClientID form
// its identity; ClientID is always the owner reported upstream.
type Order struct {
	OrderID      int64           `json:"order_id"`
	PermID       int64           `json:"perm_id,omitempty"`
	ClientID     int             `json:"client_id"`
	ParentID     int64           `json:"parent_id,omitempty"`
	Account      string          `json:"account,omitempty"`
	Symbol       string          `json:"symbol"`
	SecType      string          `json:"sec_type"`
	Exchange     string          `json:"exchange"`
	Currency     string          `json:"currency"`
	Action       Action          `json:"action"`
	Quantity     decimal.Decimal `json:"quantity"`
	OrderType    OrderType       `json:"order_type"`
	LimitPrice   decimal.Decimal `json:"limit_price"`
	AuxPrice     decimal.Decimal `json:"aux_price"`
	TIF          TimeInForce     `json:"tif"`
	Status       Status          `json:"status"`
	Filled       decimal.Decimal `json:"filled"`
	Remaining    decimal.Decimal `json:"remaining"`
	AvgFillPrice decimal.Decimal `json:"avg_fill_price"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// StatusUpdate is an upstream order-status report.
type StatusUpdate struct {
	OrderID       int64           `json:"order_id"`
	ClientID      int             `json:"client_id"`
	PermID        int64           `json:"perm_id,omitempty"`
	ParentID      int64           `json:"parent_id,omitempty"`
	Status        Status          `json:"status"`
	Filled        decimal.Decimal `json:"filled"`
	Remaining     decimal.Decimal `json:"remaining"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	LastFillPrice decimal.Decimal `json:"last_fill_price"`
	WhyHeld       string          `json:"why_held,omitempty"`
}

// Apply copies the mutable fields of u onto o.
func (o *Order) Apply(u StatusUpdate, at time.Time) {
	if u.Status != "" {
		o.Status = u.Status
	}
	o.Filled = u.Filled
	o.Remaining = u.Remaining
	if !u.AvgFillPrice.IsZero() {
		o.AvgFillPrice = u.AvgFillPrice
	}
	if u.PermID != 0 {
		o.PermID = u.PermID
	}
	o.UpdatedAt = at
}

// Execution is an upstream execution report.
type Execution struct {
	ExecID   string          `json:"exec_id"`
	OrderID  int64           `json:"order_id"`
	ClientID int             `json:"client_id"`
	Account  string          `json:"account,omitempty"`
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"`
	Shares   decimal.Decimal `json:"shares"`
	Price    decimal.Decimal `json:"price"`
	Time     string          `json:"time"`
}

// OrderSpec is the caller-supplied description of an order to place or modify.
type OrderSpec struct {
	Symbol     string          `json:"symbol"`
	SecType    string          `json:"sec_type,omitempty"`
	Exchange   string          `json:"exchange,omitempty"`
	Currency   string          `json:"currency,omitempty"`
	Account    string          `json:"account,omitempty"`
	Action     Action          `json:"action"`
	Quantity   decimal.Decimal `json:"quantity"`
	OrderType  OrderType       `json:"order_type"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	AuxPrice   decimal.Decimal `json:"aux_price"`
	TIF        TimeInForce     `json:"tif,omitempty"`
	OutsideRTH bool            `json:"outside_rth,omitempty"`
}

// Normalize upper-cases codes and fills stock defaults.
func (s *OrderSpec) Normalize() {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Action = Action(strings.ToUpper(string(s.Action)))
	s.OrderType = OrderType(strings.ToUpper(string(s.OrderType)))
	s.TIF = TimeInForce(strings.ToUpper(string(s.TIF)))
	if s.SecType == "" {
		s.SecType = "STK"
	}
	if s.Exchange == "" {
		s.Exchange = "SMART"
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	if s.TIF == "" {
		s.TIF = Day
	}
}

// Validate checks the spec. Call Normalize first.
func (s OrderSpec) Validate() error {
	if s.Symbol == "" {
		return errs.ErrInvalidOrder.WithDetail("symbol is required")
	}
	if s.Action != Buy && s.Action != Sell {
		return errs.ErrInvalidOrder.Detailf("action %q must be BUY or SELL", s.Action)
	}
	if !s.Quantity.IsPositive() {
		return errs.ErrInvalidOrder.WithDetail("quantity must be positive")
	}
	switch s.OrderType {
	case Market:
	case Limit:
		if !s.LimitPrice.IsPositive() {
			return errs.ErrInvalidOrder.WithDetail("limit price is required for LMT orders")
		}
	case Stop:
		if !s.AuxPrice.IsPositive() {
			return errs.ErrInvalidOrder.WithDetail("stop price is required for STP orders")
		}
	case StopLimit:
		if !s.LimitPrice.IsPositive() || !s.AuxPrice.IsPositive() {
			return errs.ErrInvalidOrder.WithDetail("limit and stop prices are required for STP LMT orders")
		}
	default:
		return errs.ErrInvalidOrder.Detailf("unsupported order type %q", s.OrderType)
	}
	switch s.TIF {
	case Day, GTC, IOC, FOK:
	default:
		return errs.ErrInvalidOrder.Detailf("unsupported time in force %q", s.TIF)
	}
	return nil
}

// Order returns the order this spec describes under the given identity.
func (s OrderSpec) Order(orderID int64, clientID int) Order {
	return Order{
		OrderID:    orderID,
		ClientID:   clientID,
		Account:    s.Account,
		Symbol:     s.Symbol,
		SecType:    s.SecType,
		Exchange:   s.Exchange,
		Currency:   s.Currency,
		Action:     s.Action,
		Quantity:   s.Quantity,
		OrderType:  s.OrderType,
		LimitPrice: s.LimitPrice,
		AuxPrice:   s.AuxPrice,
		TIF:        s.TIF,
	}
}
