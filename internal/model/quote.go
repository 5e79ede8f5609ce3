package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Market data types accepted by REQ_MARKET_DATA_TYPE.
const (
	MarketDataLive    = 1
	MarketDataFrozen  = 2
	MarketDataDelayed = 3
)

// Quote is a snapshot price for one symbol.
type Quote struct {
	Symbol         string          `json:"symbol"`
	Bid            decimal.Decimal `json:"bid"`
	Ask            decimal.Decimal `json:"ask"`
	Last           decimal.Decimal `json:"last"`
	Close          decimal.Decimal `json:"close"`
	Price          decimal.Decimal `json:"price"`
	Source         string          `json:"source"` // last | close | mid
	MarketDataType int             `json:"market_data_type"`
	At             time.Time       `json:"at"`
}

// Resolve picks Price: last trade, else previous close, else bid/ask midpoint.
// It reports false when no usable price arrived.
func (q *Quote) Resolve() bool {
	switch {
	case q.Last.IsPositive():
		q.Price, q.Source = q.Last, "last"
	case q.Close.IsPositive():
		q.Price, q.Source = q.Close, "close"
	case q.Bid.IsPositive() && q.Ask.IsPositive():
		q.Price, q.Source = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), "mid"
	default:
		return false
	}
	return true
}
