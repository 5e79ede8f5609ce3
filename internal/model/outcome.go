package model

import "time"

// OutcomeResult classifies a single cancellation attempt.
type OutcomeResult string

const (
	OutcomeSucceeded OutcomeResult = "succeeded"
	OutcomeFailed    OutcomeResult = "failed"
	OutcomeNotFound  OutcomeResult = "not_found"
)

// CancelOutcome reports what happened to one order in a cancel request.
type CancelOutcome struct {
	OrderID  int64         `json:"order_id"`
	ClientID int           `json:"client_id"`
	Result   OutcomeResult `json:"result"`
	Reason   string        `json:"reason,omitempty"`
	Code     string        `json:"code,omitempty"` // error class of a failure, e.g. connection_error
	Status   Status        `json:"status,omitempty"`
}

// MutationRecord is one journaled place/modify/cancel attempt.
type MutationRecord struct {
	ID       int64     `json:"id"`
	TraceID  string    `json:"trace_id"`
	Op       string    `json:"op"` // place | modify | cancel
	OrderID  int64     `json:"order_id"`
	ClientID int       `json:"client_id"`
	Symbol   string    `json:"symbol"`
	Action   string    `json:"action"`
	Quantity string    `json:"quantity"`
	Result   string    `json:"result"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// BreakerState is the persisted form of the emergency breaker.
type BreakerState struct {
	Open      bool      `json:"open"`
	Reason    string    `json:"reason,omitempty"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
