package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// Session is the part of a gateway session the order layer needs.
type Session interface {
	Request(ctx context.Context, c session.Call) error
	ClientID() int
	NextOrderID() int64
}

// Config tunes the aggregator.
type Config struct {
	MasterClientID int
	Freshness      time.Duration // 2s
	RebuildTimeout time.Duration // 10s
}

// Aggregator answers order queries from the index, rebuilding it from the
// gateway when it is stale.
type Aggregator struct {
	cfg     Config
	primary Session
	limiter *ratelimit.Limiter
	index   *Index
	group   singleflight.Group
	log     *slog.Logger
	now     func() time.Time

	// OnOrderChange observes every order the index stores from an event.
	OnOrderChange func(model.Order)
	// OnRebuild observes rebuild duration, size and completeness.
	OnRebuild func(d time.Duration, size int, complete bool)
}

// NewAggregator creates an aggregator over primary. limiter may be nil.
func NewAggregator(cfg Config, primary Session, limiter *ratelimit.Limiter, log *slog.Logger) *Aggregator {
	if cfg.Freshness <= 0 {
		cfg.Freshness = 2 * time.Second
	}
	if cfg.RebuildTimeout <= 0 {
		cfg.RebuildTimeout = 10 * time.Second
	}
	return &Aggregator{
		cfg:     cfg,
		primary: primary,
		limiter: limiter,
		index:   NewIndex(),
		log:     logger.Or(log).With("component", "aggregator"),
		now:     time.Now,
	}
}

// Index exposes the index for status reporting.
func (a *Aggregator) Index() *Index { return a.index }

// Fresh reports whether the index can answer without a rebuild.
func (a *Aggregator) Fresh() bool { return a.index.Fresh(a.now(), a.cfg.Freshness) }

// Master reports whether the primary session may see every client's orders.
func (a *Aggregator) Master() bool { return a.primary.ClientID() == a.cfg.MasterClientID }

// GetOrders returns the orders owned by clientID, rebuilding first when the
// index is stale. A partial rebuild returns what it has with ErrPartialIndex.
func (a *Aggregator) GetOrders(ctx context.Context, clientID int) ([]model.Order, error) {
	var partial error
	if !a.Fresh() {
		if _, err := a.Rebuild(ctx); err != nil {
			if !errs.Is(err, errs.ErrPartialIndex) {
				return nil, err
			}
			partial = err
		}
	}
	return a.index.ForClient(clientID), partial
}

// GetOrder returns one order by id. A stale index is rebuilt first; a miss
// on a fresh index forces one more rebuild before ErrOrderNotFound.
func (a *Aggregator) GetOrder(ctx context.Context, orderID int64) (model.Order, error) {
	rebuilt := false
	if !a.Fresh() {
		if _, err := a.Rebuild(ctx); err != nil && !errs.Is(err, errs.ErrPartialIndex) {
			return model.Order{}, err
		}
		rebuilt = true
	}
	if o, ok := a.index.Lookup(orderID); ok {
		return o, nil
	}
	if !rebuilt {
		if _, err := a.Rebuild(ctx); err != nil && !errs.Is(err, errs.ErrPartialIndex) {
			return model.Order{}, err
		}
		if o, ok := a.index.Lookup(orderID); ok {
			return o, nil
		}
	}
	return model.Order{}, errs.ErrOrderNotFound.Detailf("order %d", orderID)
}

// GetAllOrders rebuilds from the all-clients query and returns every order
// with its owning client id. Only the master client may call it.
func (a *Aggregator) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	if !a.Master() {
		return nil, errs.ErrInsufficientPrivilege.Detailf(
			"client %d cannot view all orders, only client %d can", a.primary.ClientID(), a.cfg.MasterClientID)
	}
	return a.Rebuild(ctx)
}

// Rebuild queries the gateway and swaps the result into the index.
// Concurrent callers share one upstream query. The caller's deadline bounds
// only its own wait.
func (a *Aggregator) Rebuild(ctx context.Context) ([]model.Order, error) {
	ch := a.group.DoChan("rebuild", func() (any, error) {
		return a.rebuild()
	})
	select {
	case r := <-ch:
		orders, _ := r.Val.([]model.Order)
		return append([]model.Order(nil), orders...), r.Err
	case <-ctx.Done():
		return nil, errs.ErrRequestTimeout.Wrap(ctx.Err()).WithDetail("waiting for order index rebuild")
	}
}

func (a *Aggregator) rebuild() ([]model.Order, error) {
	if a.limiter != nil {
		if err := a.limiter.TryAcquire(ratelimit.Read, 1); err != nil {
			return nil, err
		}
	}

	name, msg := "open_orders", tws.ReqOpenOrders()
	if a.Master() {
		name, msg = "all_open_orders", tws.ReqAllOpenOrders()
	}

	var (
		mu        sync.Mutex
		collected []model.Order
		statuses  = make(map[int64]model.StatusUpdate)
	)
	start := a.now()
	err := a.primary.Request(context.Background(), session.Call{
		Name:    name,
		Msgs:    []wire.Message{msg},
		Timeout: a.cfg.RebuildTimeout,
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InOpenOrder:
				o, err := tws.ParseOpenOrder(m)
				if err != nil {
					return true, err
				}
				o.UpdatedAt = a.now()
				mu.Lock()
				collected = append(collected, o)
				mu.Unlock()
			case tws.InOrderStatus:
				if u, err := tws.ParseOrderStatus(m); err == nil {
					mu.Lock()
					statuses[u.OrderID] = u
					mu.Unlock()
				}
			case tws.InOpenOrderEnd:
				return true, nil
			}
			return false, nil
		},
	})
	if a.limiter != nil {
		a.limiter.Observe(err)
	}

	mu.Lock()
	orders := make([]model.Order, 0, len(collected))
	for _, o := range collected {
		if u, ok := statuses[o.OrderID]; ok {
			o.Apply(u, o.UpdatedAt)
		}
		orders = append(orders, o)
	}
	mu.Unlock()
	sortOrders(orders)
	took := a.now().Sub(start)

	switch {
	case err == nil:
		a.index.Swap(orders, true, start, a.now())
		a.log.Debug("order index rebuilt", "query", name, "orders", len(orders), "took", took)
		a.observeRebuild(took, len(orders), true)
		return orders, nil
	case errs.CodeOf(err) == errs.CodeRequestTimeout && len(orders) > 0:
		a.index.Swap(orders, false, start, a.now())
		a.log.Warn("order index rebuild incomplete", "query", name, "orders", len(orders), "took", took)
		a.observeRebuild(took, len(orders), false)
		return orders, errs.ErrPartialIndex.Wrap(err).Detailf("collected %d orders before the rebuild timed out", len(orders))
	default:
		a.log.Warn("order index rebuild failed", "query", name, "err", err)
		return nil, err
	}
}

func (a *Aggregator) observeRebuild(d time.Duration, n int, complete bool) {
	if a.OnRebuild != nil {
		a.OnRebuild(d, n, complete)
	}
}

// HandleEvent merges a pushed event into the index. Subscribe it to every
// session whose traffic concerns indexed orders.
func (a *Aggregator) HandleEvent(ev session.Event) {
	var (
		o  model.Order
		ok bool
	)
	switch ev.Kind {
	case session.EventOpenOrder:
		o, ok = a.index.Upsert(ev.Order), true
	case session.EventOrderStatus:
		o, ok = a.index.ApplyStatus(ev.Status, ev.At)
	case session.EventError:
		o, ok = a.cancelConfirmed(ev)
	}
	if ok && a.OnOrderChange != nil {
		a.OnOrderChange(o)
	}
}

// cancelConfirmed applies a cancel confirmation (error 202) that arrived
// outside its cancel call, e.g. after the caller gave up. Only the owning
// client's session can confirm, and terminal orders are left alone.
func (a *Aggregator) cancelConfirmed(ev session.Event) (model.Order, bool) {
	if ev.Error.Code != tws.CodeOrderCancelled {
		return model.Order{}, false
	}
	cur, found := a.index.Lookup(ev.Error.ID)
	if !found || cur.ClientID != ev.Session || cur.Status.Terminal() {
		return model.Order{}, false
	}
	at := ev.At
	if at.IsZero() {
		at = a.now()
	}
	return a.index.SetStatus(cur.OrderID, model.StatusCancelled, at)
}

// applyStatus records a mutation's upstream result.
func (a *Aggregator) applyStatus(u model.StatusUpdate) (model.Order, bool) {
	o, ok := a.index.ApplyStatus(u, a.now())
	if ok && a.OnOrderChange != nil {
		a.OnOrderChange(o)
	}
	return o, ok
}

func (a *Aggregator) setStatus(orderID int64, st model.Status) {
	if o, ok := a.index.SetStatus(orderID, st, a.now()); ok && a.OnOrderChange != nil {
		a.OnOrderChange(o)
	}
}

func (a *Aggregator) upsert(o model.Order) model.Order {
	o = a.index.Upsert(o)
	if a.OnOrderChange != nil {
		a.OnOrderChange(o)
	}
	return o
}
