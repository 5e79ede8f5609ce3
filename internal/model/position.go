package model

import "github.com/shopspring/decimal"

// Position is a read-only holding snapshot reported upstream.
type Position struct {
	Account  string          `json:"account"`
	ConID    int64           `json:"con_id"`
	Symbol   string          `json:"symbol"`
	SecType  string          `json:"sec_type"`
	Currency string          `json:"currency"`
	Quantity decimal.Decimal `json:"quantity"` // positive = long, negative = short
	AvgCost  decimal.Decimal `json:"avg_cost"`
}

// Key returns a unique key for this position: "account:symbol:secType".
func (p *Position) Key() string {
	return p.Account + ":" + p.Symbol + ":" + p.SecType
}

// CostBasis is quantity times average cost.
func (p *Position) CostBasis() decimal.Decimal {
	return p.Quantity.Mul(p.AvgCost)
}
