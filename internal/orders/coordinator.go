package orders

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// Pool hands out sessions bound to other client ids.
type Pool interface {
	Acquire(ctx context.Context, clientID int) (*session.Handle, error)
	Release(clientID int, h *session.Handle)
}

// CoordinatorConfig tunes mutations.
type CoordinatorConfig struct {
	CancelParallelism int           // client ids cancelled concurrently by CancelAll (4)
	MutationTimeout   time.Duration // protocol wait for a mutation reply (10s)
}

// Coordinator places, modifies and cancels orders. Orders owned by another
// client id are mutated through a pooled session under that id.
type Coordinator struct {
	cfg     CoordinatorConfig
	agg     *Aggregator
	primary Session
	pool    Pool
	limiter *ratelimit.Limiter
	slots   *ratelimit.ContractSlots
	journal model.MutationJournal
	log     *slog.Logger

	// OnCancel observes every cancel outcome.
	OnCancel func(model.CancelOutcome)
	// OnMutation observes place and modify results.
	OnMutation func(op string, err error)
}

// NewCoordinator wires a coordinator. slots and journal may be nil.
func NewCoordinator(cfg CoordinatorConfig, agg *Aggregator, pool Pool, limiter *ratelimit.Limiter,
	slots *ratelimit.ContractSlots, journal model.MutationJournal, log *slog.Logger) *Coordinator {
	if cfg.CancelParallelism <= 0 {
		cfg.CancelParallelism = 4
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:     cfg,
		agg:     agg,
		primary: agg.primary,
		pool:    pool,
		limiter: limiter,
		slots:   slots,
		journal: journal,
		log:     logger.Or(log).With("component", "coordinator"),
	}
}

// CancelOrder cancels orderID under its owner's client id. The outcome is
// always filled in; err is nil only when the cancel succeeded.
func (c *Coordinator) CancelOrder(ctx context.Context, orderID int64) (model.CancelOutcome, error) {
	ctx = logger.EnsureTraceID(ctx)
	o, err := c.locate(ctx, orderID)
	if err != nil {
		out := failed(model.CancelOutcome{OrderID: orderID}, err)
		c.finishCancel(ctx, out)
		return out, err
	}
	if o.Status.Terminal() {
		err := errs.ErrRejected.Detailf("order %d is already %s", o.OrderID, o.Status)
		out := failed(model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}, err)
		c.finishCancel(ctx, out)
		return out, err
	}
	if err := c.acquire(ratelimit.Mutation); err != nil {
		out := failed(model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}, err)
		c.finishCancel(ctx, out)
		return out, err
	}

	s, release, err := c.sessionFor(ctx, o.ClientID)
	if err != nil {
		out := failed(model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}, err)
		c.finishCancel(ctx, out)
		return out, err
	}
	defer release()

	out, err := c.cancelVia(ctx, s, o)
	c.finishCancel(ctx, out)
	return out, err
}

// CancelAll cancels every working order in the index, grouped by owning
// client id. Each foreign client id gets one pooled session for all of its
// orders. Individual failures are reported in the outcomes, never as err;
// err is set only when the batch could not start.
func (c *Coordinator) CancelAll(ctx context.Context) ([]model.CancelOutcome, error) {
	ctx = logger.EnsureTraceID(ctx)
	if c.limiter != nil {
		if err := c.limiter.Breaker().Allow(); err != nil {
			return nil, err
		}
	}
	if !c.agg.Fresh() {
		if _, err := c.agg.Rebuild(ctx); err != nil && !errs.Is(err, errs.ErrPartialIndex) {
			return nil, err
		}
	}

	var working []model.Order
	for _, o := range c.agg.index.Snapshot() {
		if !o.Status.Terminal() {
			working = append(working, o)
		}
	}
	outcomes := make([]model.CancelOutcome, len(working))
	groups := make(map[int][]int)
	var clients []int
	for i, o := range working {
		if _, ok := groups[o.ClientID]; !ok {
			clients = append(clients, o.ClientID)
		}
		groups[o.ClientID] = append(groups[o.ClientID], i)
	}

	c.log.Info("cancel all", append(logger.LogWithTrace(ctx), "orders", len(working), "clients", len(clients))...)

	var g errgroup.Group
	g.SetLimit(c.cfg.CancelParallelism)
	for _, cid := range clients {
		idx := groups[cid]
		g.Go(func() error {
			s, release, err := c.sessionFor(ctx, cid)
			if err != nil {
				for _, i := range idx {
					o := working[i]
					outcomes[i] = failed(model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}, err)
				}
				return nil
			}
			defer release()
			for _, i := range idx {
				o := working[i]
				if err := c.acquireWait(ctx); err != nil {
					outcomes[i] = failed(model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}, err)
					continue
				}
				outcomes[i], _ = c.cancelVia(ctx, s, o)
			}
			return nil
		})
	}
	g.Wait()

	for _, out := range outcomes {
		c.finishCancel(ctx, out)
	}
	return outcomes, nil
}

// locate finds orderID, rebuilding a stale index first and forcing one more
// rebuild before giving up.
func (c *Coordinator) locate(ctx context.Context, orderID int64) (model.Order, error) {
	return c.agg.GetOrder(ctx, orderID)
}

// sessionFor returns the primary for its own client id, a pooled session
// otherwise. release must be called when done.
func (c *Coordinator) sessionFor(ctx context.Context, clientID int) (Session, func(), error) {
	if clientID == c.primary.ClientID() {
		return c.primary, func() {}, nil
	}
	if c.pool == nil {
		return nil, nil, errs.ErrConnection.Detailf("no session pool for client %d", clientID)
	}
	h, err := c.pool.Acquire(ctx, clientID)
	if err != nil {
		return nil, nil, err
	}
	return h, func() { c.pool.Release(clientID, h) }, nil
}

func (c *Coordinator) acquire(kind ratelimit.Kind) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.TryAcquire(kind, 1)
}

// acquireWait blocks until a mutation permit is available.
func (c *Coordinator) acquireWait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, ratelimit.Mutation, 1)
}

func (c *Coordinator) observe(err error) {
	if c.limiter != nil {
		c.limiter.Observe(err)
	}
}

// cancelVia issues CANCEL_ORDER on s and classifies the reply.
func (c *Coordinator) cancelVia(ctx context.Context, s Session, o model.Order) (model.CancelOutcome, error) {
	var (
		mu     sync.Mutex
		status *model.StatusUpdate
		acked  bool
	)
	err := s.Request(ctx, session.Call{
		Name:    "cancel_order",
		Msgs:    []wire.Message{tws.CancelOrder(o.OrderID)},
		Timeout: c.cfg.MutationTimeout,
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InOrderStatus:
				u, err := tws.ParseOrderStatus(m)
				if err != nil || u.OrderID != o.OrderID {
					return false, nil
				}
				switch {
				case u.Status.Cancelled():
					mu.Lock()
					status = &u
					mu.Unlock()
					return true, nil
				case u.Status == model.StatusFilled:
					mu.Lock()
					status = &u
					mu.Unlock()
					return true, errs.ErrRejected.Detailf("order %d filled before the cancel landed", o.OrderID)
				}
			case tws.InErrMsg:
				e, err := tws.ParseError(m)
				if err != nil || e.ID != o.OrderID {
					return false, nil
				}
				switch {
				case e.Code == tws.CodeOrderCancelled:
					mu.Lock()
					acked = true
					mu.Unlock()
					return true, nil
				case e.Informational():
					return false, nil
				}
				return true, e.Err()
			}
			return false, nil
		},
	})
	c.observe(err)

	out := model.CancelOutcome{OrderID: o.OrderID, ClientID: o.ClientID, Status: o.Status}
	mu.Lock()
	if status != nil {
		if updated, ok := c.agg.applyStatus(*status); ok {
			out.Status = updated.Status
		} else {
			out.Status = status.Status
		}
	} else if acked {
		c.agg.setStatus(o.OrderID, model.StatusCancelled)
		out.Status = model.StatusCancelled
	}
	mu.Unlock()

	if err != nil {
		return failed(out, err), err
	}
	if c.slots != nil {
		c.slots.Release(o.OrderID)
	}
	out.Result = model.OutcomeSucceeded
	return out, nil
}

func failed(out model.CancelOutcome, err error) model.CancelOutcome {
	out.Result = model.OutcomeFailed
	if errs.Is(err, errs.ErrOrderNotFound) {
		out.Result = model.OutcomeNotFound
	}
	out.Reason = err.Error()
	out.Code = errs.CodeOf(err).String()
	return out
}

func (c *Coordinator) finishCancel(ctx context.Context, out model.CancelOutcome) {
	attrs := append(logger.LogWithTrace(ctx), "order_id", out.OrderID, "client_id", out.ClientID, "result", out.Result)
	if out.Result == model.OutcomeSucceeded {
		c.log.Info("order cancelled", attrs...)
	} else {
		c.log.Warn("cancel failed", append(attrs, "reason", out.Reason)...)
	}
	c.record(ctx, model.MutationRecord{
		Op:       "cancel",
		OrderID:  out.OrderID,
		ClientID: out.ClientID,
		Result:   string(out.Result),
		Reason:   out.Reason,
	})
	if c.OnCancel != nil {
		c.OnCancel(out)
	}
}

func (c *Coordinator) record(ctx context.Context, rec model.MutationRecord) {
	if c.journal == nil {
		return
	}
	rec.TraceID = logger.TraceID(ctx)
	rec.At = time.Now().UTC()
	if err := c.journal.Record(ctx, rec); err != nil {
		c.log.Warn("journal write failed", "op", rec.Op, "order_id", rec.OrderID, "err", err)
	}
}

// PlaceOrder places a new order under the primary session's client id.
func (c *Coordinator) PlaceOrder(ctx context.Context, spec model.OrderSpec) (model.Order, error) {
	ctx = logger.EnsureTraceID(ctx)
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		return model.Order{}, err
	}
	if err := c.acquire(ratelimit.Mutation); err != nil {
		c.mutated(ctx, "place", spec, 0, c.primary.ClientID(), err)
		return model.Order{}, err
	}

	id := c.primary.NextOrderID()
	draft := spec.Order(id, c.primary.ClientID())
	if c.slots != nil {
		if err := c.slots.Reserve(draft); err != nil {
			c.mutated(ctx, "place", spec, id, draft.ClientID, err)
			return model.Order{}, err
		}
	}

	o, err := c.placeVia(ctx, c.primary, draft, spec)
	if err != nil && c.slots != nil {
		c.slots.Release(id)
	}
	c.mutated(ctx, "place", spec, id, draft.ClientID, err)
	return o, err
}

// ModifyOrder replaces the terms of a working order. The contract cannot
// change; empty contract fields in spec are taken from the order.
func (c *Coordinator) ModifyOrder(ctx context.Context, orderID int64, spec model.OrderSpec) (model.Order, error) {
	ctx = logger.EnsureTraceID(ctx)
	cur, err := c.locate(ctx, orderID)
	if err != nil {
		return model.Order{}, err
	}
	if cur.Status.Terminal() {
		return model.Order{}, errs.ErrRejected.Detailf("order %d is already %s", orderID, cur.Status)
	}
	inheritContract(&spec, cur)
	spec.Normalize()
	if spec.Symbol != cur.Symbol || spec.Action != cur.Action {
		return model.Order{}, errs.ErrInvalidOrder.Detailf("order %d is %s %s; symbol and action cannot change", orderID, cur.Action, cur.Symbol)
	}
	if err := spec.Validate(); err != nil {
		return model.Order{}, err
	}
	if err := c.acquire(ratelimit.Mutation); err != nil {
		c.mutated(ctx, "modify", spec, orderID, cur.ClientID, err)
		return model.Order{}, err
	}

	s, release, err := c.sessionFor(ctx, cur.ClientID)
	if err != nil {
		c.mutated(ctx, "modify", spec, orderID, cur.ClientID, err)
		return model.Order{}, err
	}
	defer release()

	draft := spec.Order(orderID, cur.ClientID)
	draft.PermID = cur.PermID
	o, err := c.placeVia(ctx, s, draft, spec)
	c.mutated(ctx, "modify", spec, orderID, cur.ClientID, err)
	return o, err
}

func inheritContract(spec *model.OrderSpec, cur model.Order) {
	if spec.Symbol == "" {
		spec.Symbol = cur.Symbol
	}
	if spec.SecType == "" {
		spec.SecType = cur.SecType
	}
	if spec.Exchange == "" {
		spec.Exchange = cur.Exchange
	}
	if spec.Currency == "" {
		spec.Currency = cur.Currency
	}
	if spec.Account == "" {
		spec.Account = cur.Account
	}
	if spec.Action == "" {
		spec.Action = cur.Action
	}
	if spec.OrderType == "" {
		spec.OrderType = cur.OrderType
	}
	if spec.TIF == "" {
		spec.TIF = cur.TIF
	}
}

// placeVia sends PLACE_ORDER for draft on s and waits for its status.
func (c *Coordinator) placeVia(ctx context.Context, s Session, draft model.Order, spec model.OrderSpec) (model.Order, error) {
	var (
		mu     sync.Mutex
		placed *model.Order
		status *model.StatusUpdate
	)
	err := s.Request(ctx, session.Call{
		Name:    "place_order",
		Msgs:    []wire.Message{tws.PlaceOrder(draft.OrderID, spec)},
		Timeout: c.cfg.MutationTimeout,
		Collect: func(m wire.Message) (bool, error) {
			switch m.ID() {
			case tws.InOpenOrder:
				o, err := tws.ParseOpenOrder(m)
				if err != nil || o.OrderID != draft.OrderID {
					return false, nil
				}
				mu.Lock()
				placed = &o
				mu.Unlock()
			case tws.InOrderStatus:
				u, err := tws.ParseOrderStatus(m)
				if err != nil || u.OrderID != draft.OrderID {
					return false, nil
				}
				mu.Lock()
				status = &u
				mu.Unlock()
				return true, nil
			case tws.InErrMsg:
				e, err := tws.ParseError(m)
				if err != nil || e.ID != draft.OrderID || e.Informational() {
					return false, nil
				}
				return true, e.Err()
			}
			return false, nil
		},
	})
	c.observe(err)
	if err != nil {
		return model.Order{}, err
	}

	mu.Lock()
	o := draft
	if placed != nil {
		o = *placed
	}
	if status != nil {
		o.Apply(*status, time.Now())
	}
	mu.Unlock()
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = time.Now()
	}
	return c.agg.upsert(o), nil
}

func (c *Coordinator) mutated(ctx context.Context, op string, spec model.OrderSpec, orderID int64, clientID int, err error) {
	rec := model.MutationRecord{
		Op:       op,
		OrderID:  orderID,
		ClientID: clientID,
		Symbol:   spec.Symbol,
		Action:   string(spec.Action),
		Quantity: spec.Quantity.String(),
		Result:   string(model.OutcomeSucceeded),
	}
	attrs := append(logger.LogWithTrace(ctx), "op", op, "order_id", orderID, "client_id", clientID, "symbol", spec.Symbol)
	if err != nil {
		rec.Result = string(model.OutcomeFailed)
		rec.Reason = err.Error()
		c.log.Warn("order mutation failed", append(attrs, "err", err)...)
	} else {
		c.log.Info("order mutation accepted", attrs...)
	}
	c.record(ctx, rec)
	if c.OnMutation != nil {
		c.OnMutation(op, err)
	}
}
