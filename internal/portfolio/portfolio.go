// Package portfolio answers the read-only account queries: positions,
// account summary values and snapshot quotes.
//
// Every query is one call on the primary session and draws one permit from
// the read bucket. Nothing here mutates upstream state.
package portfolio

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/markethours"
	"tws-bridge/internal/model"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// Requester is the session call the queries need.
type Requester interface {
	Request(ctx context.Context, c session.Call) error
}

// Portfolio runs position, summary and quote queries against the primary
// session and keeps the last position snapshot.
type Portfolio struct {
	primary Requester
	limiter *ratelimit.Limiter
	log     *slog.Logger
	now     func() time.Time
	reqID   atomic.Int64

	mu        sync.RWMutex
	positions map[string]model.Position // key = account:symbol:secType
	refreshed time.Time
}

// New creates a Portfolio. limiter may be nil.
func New(primary Requester, limiter *ratelimit.Limiter, log *slog.Logger) *Portfolio {
	p := &Portfolio{
		primary:   primary,
		limiter:   limiter,
		log:       logger.Or(log).With("component", "portfolio"),
		now:       time.Now,
		positions: make(map[string]model.Position),
	}
	p.reqID.Store(9000)
	return p
}

func (p *Portfolio) acquire() error {
	if p.limiter == nil {
		return nil
	}
	return p.limiter.TryAcquire(ratelimit.Read, 1)
}

func (p *Portfolio) observe(err error) {
	if p.limiter != nil {
		p.limiter.Observe(err)
	}
}

// GetPositions returns every position reported upstream, sorted by account
// then symbol. Zero positions are dropped.
func (p *Portfolio) GetPositions(ctx context.Context) ([]model.Position, error) {
	if err := p.acquire(); err != nil {
		return nil, err
	}
	var out []model.Position
	err := p.primary.Request(ctx, session.Call{
		Name:  "positions",
		Msgs:  []wire.Message{tws.ReqPositions()},
		After: []wire.Message{tws.CancelPositions()},
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InPositionData:
				pos, err := tws.ParsePosition(m)
				if err != nil {
					return true, err
				}
				if !pos.Quantity.IsZero() {
					out = append(out, pos)
				}
			case tws.InPositionEnd:
				return true, nil
			}
			return false, nil
		},
	})
	p.observe(err)
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Account != out[j].Account {
			return out[i].Account < out[j].Account
		}
		return out[i].Symbol < out[j].Symbol
	})
	snap := make(map[string]model.Position, len(out))
	for i := range out {
		snap[out[i].Key()] = out[i]
	}
	p.mu.Lock()
	p.positions = snap
	p.refreshed = p.now()
	p.mu.Unlock()
	return out, nil
}

// Cached returns the last position snapshot and when it was taken.
func (p *Portfolio) Cached() ([]model.Position, time.Time) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]model.Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, p.refreshed
}

// GetAccountSummary returns tag values for every managed account. With no
// tags the default summary tag list is requested.
func (p *Portfolio) GetAccountSummary(ctx context.Context, tags ...string) (model.AccountSummary, error) {
	if len(tags) == 0 {
		tags = model.DefaultSummaryTags
	}
	if err := p.acquire(); err != nil {
		return model.AccountSummary{}, err
	}
	id := p.reqID.Add(1)
	summary := model.NewAccountSummary()
	err := p.primary.Request(ctx, session.Call{
		Name:  "account_summary",
		Msgs:  []wire.Message{tws.ReqAccountSummary(id, "All", tags)},
		After: []wire.Message{tws.CancelAccountSummary(id)},
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InAccountSummary:
				rid, v, err := tws.ParseAccountSummary(m)
				if err != nil {
					return true, err
				}
				if rid == id {
					summary.Add(v)
				}
			case tws.InAccountSummaryEnd:
				if rid, err := tws.ParseRequestEnd(m); err == nil && rid == id {
					return true, nil
				}
			case tws.InErrMsg:
				if e, err := tws.ParseError(m); err == nil && e.ID == id {
					return true, e.Err()
				}
			}
			return false, nil
		},
	})
	p.observe(err)
	if err != nil {
		return model.AccountSummary{}, err
	}
	return summary, nil
}

// MaxQuoteSymbols caps one GetQuotes batch.
const MaxQuoteSymbols = 20

// GetQuote returns a snapshot price for a US stock. Live data is requested
// during the regular session, frozen data otherwise.
func (p *Portfolio) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return model.Quote{}, errs.ErrInvalidOrder.WithDetail("symbol is required")
	}
	return p.quote(ctx, symbol, "SMART")
}

// GetQuotes returns a snapshot per symbol, routed to exchange (SMART when
// empty). Symbols are upper-cased and deduplicated. A symbol without a
// price maps to nil; a session failure aborts the batch.
func (p *Portfolio) GetQuotes(ctx context.Context, symbols []string, exchange string) (map[string]*model.Quote, error) {
	exchange = strings.ToUpper(strings.TrimSpace(exchange))
	if exchange == "" {
		exchange = "SMART"
	}
	var list []string
	seen := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		list = append(list, s)
	}
	switch {
	case len(list) == 0:
		return nil, errs.ErrInvalidOrder.WithDetail("at least one symbol is required")
	case len(list) > MaxQuoteSymbols:
		return nil, errs.ErrInvalidOrder.Detailf("at most %d symbols per request, got %d", MaxQuoteSymbols, len(list))
	}

	out := make(map[string]*model.Quote, len(list))
	for _, sym := range list {
		q, err := p.quote(ctx, sym, exchange)
		switch {
		case err == nil:
			out[sym] = &q
		case errs.Is(err, errs.ErrRejected):
			out[sym] = nil
		default:
			return nil, err
		}
	}
	return out, nil
}

func (p *Portfolio) quote(ctx context.Context, symbol, exchange string) (model.Quote, error) {
	if err := p.acquire(); err != nil {
		return model.Quote{}, err
	}

	now := p.now()
	dataType := model.MarketDataFrozen
	if markethours.IsMarketOpen(now) {
		dataType = model.MarketDataLive
	}
	id := p.reqID.Add(1)
	q := model.Quote{Symbol: symbol, MarketDataType: dataType}
	err := p.primary.Request(ctx, session.Call{
		Name: "quote",
		Msgs: []wire.Message{
			tws.ReqMarketDataType(dataType),
			tws.ReqMktDataSnapshot(id, symbol, exchange, "USD"),
		},
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InTickPrice:
				t, err := tws.ParseTickPrice(m)
				if err != nil || t.ReqID != id {
					return false, nil
				}
				price, err := decimal.NewFromString(t.Price)
				if err != nil {
					return false, nil
				}
				switch t.TickType {
				case tws.TickBid:
					q.Bid = price
				case tws.TickAsk:
					q.Ask = price
				case tws.TickLast:
					q.Last = price
				case tws.TickClose:
					q.Close = price
				}
			case tws.InTickSnapshotEnd:
				if rid, err := tws.ParseRequestEnd(m); err == nil && rid == id {
					return true, nil
				}
			case tws.InErrMsg:
				if e, err := tws.ParseError(m); err == nil && e.ID == id && !e.Informational() {
					return true, e.Err()
				}
			}
			return false, nil
		},
	})
	p.observe(err)
	if err != nil {
		return model.Quote{}, err
	}
	q.At = p.now()
	if !q.Resolve() {
		return q, errs.ErrRejected.Detailf("no price available for %s", symbol)
	}
	p.log.Debug("quote", "symbol", symbol, "price", q.Price.String(), "source", q.Source, "data_type", dataType)
	return q, nil
}
