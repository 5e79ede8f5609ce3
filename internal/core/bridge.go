// Package core assembles the session, rate limiting, order and portfolio
// layers into the bridge and exposes the downstream operations.
package core

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"tws-bridge/config"
	"tws-bridge/internal/errs"
	"tws-bridge/internal/gateway"
	"tws-bridge/internal/health"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/markethours"
	"tws-bridge/internal/metrics"
	"tws-bridge/internal/model"
	"tws-bridge/internal/notification"
	"tws-bridge/internal/orders"
	"tws-bridge/internal/portfolio"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
)

// OrderMirror receives every order change, e.g. the Redis outbox.
type OrderMirror interface {
	Publish(ctx context.Context, o model.Order) error
}

// Options are the optional collaborators of a Bridge. Nil disables the concern.
type Options struct {
	Dialer   session.Dialer
	Journal  model.MutationJournal
	Breakers model.BreakerStore
	Metrics  *metrics.Metrics
	Notifier notification.Notifier
	Mirror   OrderMirror
	Hub      *gateway.Hub
	// Probes are dependency checks run by the liveness checker.
	Probes map[string]func(context.Context) error
}

// Bridge owns the primary session and everything built on it.
type Bridge struct {
	cfg  config.Config
	opts Options
	log  *slog.Logger

	primary   *session.Handle
	pool      *session.Pool
	limiter   *ratelimit.Limiter
	slots     *ratelimit.ContractSlots
	agg       *orders.Aggregator
	coord     *orders.Coordinator
	portfolio *portfolio.Portfolio
	reporter  *health.Reporter

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
}

// New wires a Bridge from cfg. Nothing connects until Start.
func New(cfg config.Config, opts Options, log *slog.Logger) *Bridge {
	log = logger.Or(log)
	b := &Bridge{cfg: cfg, opts: opts, log: log.With("component", "bridge")}

	sessCfg := session.Config{
		RequestTimeout:    cfg.Gateway.RequestTimeout,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		BackoffBase:       cfg.Gateway.BackoffBase,
		BackoffFactor:     cfg.Gateway.BackoffFactor,
		BackoffMax:        cfg.Gateway.BackoffMax,
	}
	primaryCfg := sessCfg
	primaryCfg.Reconnect = true
	b.primary = session.New(primaryCfg, opts.Dialer, log)
	b.pool = session.NewPool(session.PoolConfig{
		Endpoint:       b.endpoint(),
		ConnectTimeout: cfg.Gateway.ConnectTimeout,
		IdleGrace:      cfg.Orders.IdleGrace,
		SweepInterval:  cfg.Orders.SweepInterval,
		Session:        sessCfg,
	}, opts.Dialer, log)

	b.limiter = ratelimit.New(ratelimit.Config{
		ReadPerSecond:     cfg.RateLimit.ReadPerSecond,
		ReadBurst:         cfg.RateLimit.ReadBurst,
		MutationPerSecond: cfg.RateLimit.MutationPerSecond,
		MutationBurst:     cfg.RateLimit.MutationBurst,
		BreakerThreshold:  cfg.RateLimit.BreakerThreshold,
	}, opts.Breakers, log)
	b.slots = ratelimit.NewContractSlots(cfg.RateLimit.MaxOrdersPerContract)

	b.agg = orders.NewAggregator(orders.Config{
		MasterClientID: cfg.Gateway.MasterClientID,
		Freshness:      cfg.Orders.FreshnessWindow,
		RebuildTimeout: cfg.Orders.RebuildTimeout,
	}, b.primary, b.limiter, log)
	b.coord = orders.NewCoordinator(orders.CoordinatorConfig{
		CancelParallelism: cfg.Orders.CancelParallelism,
		MutationTimeout:   cfg.Gateway.RequestTimeout,
	}, b.agg, b.pool, b.limiter, b.slots, opts.Journal, log)
	b.portfolio = portfolio.New(b.primary, b.limiter, log)

	b.reporter = health.New(health.Sources{
		Session: b.primary,
		Breaker: b.limiter.Breaker(),
		Pool:    b.pool,
		Index:   b.agg.Index(),
		Tokens:  b.limiter,
	})

	b.wireHooks()
	return b
}

func (b *Bridge) endpoint() session.Endpoint {
	return session.Endpoint{Host: b.cfg.Gateway.Host, Port: b.cfg.Gateway.Port, ClientID: b.cfg.Gateway.ClientID}
}

// Start connects the primary session, retrying on the reconnect schedule,
// and starts the background loops. A rejected client id fails immediately.
// A Bridge cannot be started again once closed, including after a failed
// Start.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errs.ErrConnection.WithDetail("bridge is closed")
	}
	if b.started {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.unsub = b.primary.SubscribeEvents(b.agg.HandleEvent)
	b.mu.Unlock()
	b.pool.OnEvent = b.agg.HandleEvent

	if err := b.primary.ConnectRetry(ctx, b.endpoint(), b.cfg.Gateway.ConnectTimeout); err != nil {
		b.Close()
		return err
	}

	b.goRun(func() { b.pool.Run(runCtx) })
	b.goRun(func() { b.watchMarket(runCtx) })
	if len(b.opts.Probes) > 0 {
		b.reporter.StartLivenessChecker(runCtx, 15*time.Second, b.opts.Probes)
	}
	if hub := b.opts.Hub; hub != nil {
		b.goRun(func() { hub.StartStatusBroadcast(runCtx, 2*time.Second, func() any { return b.Status() }) })
	}

	// Prime the index and contract slots; failure here is not fatal.
	if _, err := b.agg.Rebuild(ctx); err != nil && !errs.Is(err, errs.ErrPartialIndex) {
		b.log.Warn("initial order index build failed", "err", err)
	}
	b.slots.Load(b.agg.Index().Snapshot())
	b.log.Info("bridge started", "client_id", b.primary.ClientID(), "master", b.agg.Master(),
		"orders", b.agg.Index().Info().Size)
	return nil
}

func (b *Bridge) goRun(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

// watchMarket mirrors the regular session state into metrics.
func (b *Bridge) watchMarket(ctx context.Context) {
	if b.opts.Metrics == nil {
		return
	}
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		b.opts.Metrics.SetMarketOpen(markethours.IsMarketOpen(time.Now()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops background loops and releases every session. It is terminal.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	cancel, unsub := b.cancel, b.unsub
	b.cancel, b.unsub = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if unsub != nil {
		unsub()
	}
	b.pool.Close()
	b.primary.Disconnect()
	b.wg.Wait()
	b.log.Info("bridge stopped")
}

// GetOrders returns the orders owned by clientID.
func (b *Bridge) GetOrders(ctx context.Context, clientID int) ([]model.Order, error) {
	return b.agg.GetOrders(ctx, clientID)
}

// GetAllOrders returns every client's orders. Only the master session may call it.
func (b *Bridge) GetAllOrders(ctx context.Context) ([]model.Order, error) {
	return b.agg.GetAllOrders(ctx)
}

// GetOrder returns one order by id from the index.
func (b *Bridge) GetOrder(ctx context.Context, orderID int64) (model.Order, error) {
	return b.agg.GetOrder(ctx, orderID)
}

// PlaceOrder submits a new order through the primary session.
func (b *Bridge) PlaceOrder(ctx context.Context, spec model.OrderSpec) (model.Order, error) {
	return b.coord.PlaceOrder(logger.EnsureTraceID(ctx), spec)
}

// ModifyOrder replaces an open order under its owner's client id.
func (b *Bridge) ModifyOrder(ctx context.Context, orderID int64, spec model.OrderSpec) (model.Order, error) {
	return b.coord.ModifyOrder(logger.EnsureTraceID(ctx), orderID, spec)
}

// CancelOrder cancels one order under its owner's client id.
func (b *Bridge) CancelOrder(ctx context.Context, orderID int64) (model.CancelOutcome, error) {
	return b.coord.CancelOrder(logger.EnsureTraceID(ctx), orderID)
}

// CancelAll cancels every open order and reports each outcome.
func (b *Bridge) CancelAll(ctx context.Context) ([]model.CancelOutcome, error) {
	return b.coord.CancelAll(logger.EnsureTraceID(ctx))
}

// GetPositions returns the positions of every managed account.
func (b *Bridge) GetPositions(ctx context.Context) ([]model.Position, error) {
	return b.portfolio.GetPositions(ctx)
}

// GetAccountSummary returns summary tags per account.
func (b *Bridge) GetAccountSummary(ctx context.Context, tags ...string) (model.AccountSummary, error) {
	return b.portfolio.GetAccountSummary(ctx, tags...)
}

// GetQuote returns a price snapshot for symbol.
func (b *Bridge) GetQuote(ctx context.Context, symbol string) (model.Quote, error) {
	return b.portfolio.GetQuote(ctx, symbol)
}

// GetQuotes returns a snapshot per symbol, nil where no price is available.
func (b *Bridge) GetQuotes(ctx context.Context, symbols []string, exchange string) (map[string]*model.Quote, error) {
	return b.portfolio.GetQuotes(ctx, symbols, exchange)
}

// Status reports cached state only; it never waits on the gateway.
func (b *Bridge) Status() health.Status {
	return b.reporter.Status()
}

// Health is the /healthz handler.
func (b *Bridge) Health() *health.Reporter { return b.reporter }

// ResetBreaker closes the emergency breaker.
func (b *Bridge) ResetBreaker(ctx context.Context) {
	b.log.Warn("breaker reset requested", logger.LogWithTrace(ctx)...)
	b.limiter.ResetBreaker()
}

// TripBreaker opens the emergency breaker by hand.
func (b *Bridge) TripBreaker(ctx context.Context, reason string) {
	if reason == "" {
		reason = "manual trip"
	}
	b.log.Warn("breaker trip requested", append(logger.LogWithTrace(ctx), "reason", reason)...)
	b.limiter.TripBreaker(reason)
}

// ErrNoJournal is returned by RecentMutations when no journal is configured.
var ErrNoJournal = errors.New("mutation journal not configured")

// RecentMutations returns the newest journaled mutations.
func (b *Bridge) RecentMutations(ctx context.Context, limit int) ([]model.MutationRecord, error) {
	if b.opts.Journal == nil {
		return nil, ErrNoJournal
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return b.opts.Journal.Recent(ctx, limit)
}

// wireHooks connects component hooks to metrics, alerts and downstream
// mirrors. Hooks run on hot paths, so everything here must not block.
func (b *Bridge) wireHooks() {
	m, notify, mirror, hub := b.opts.Metrics, b.opts.Notifier, b.opts.Mirror, b.opts.Hub

	alert := func(level notification.AlertLevel, title, msg string, fields map[string]string) {
		if notify == nil {
			return
		}
		notify.Send(context.Background(), notification.Alert{
			Level: level, Title: title, Message: msg, Fields: fields, At: time.Now(),
		})
	}

	b.primary.OnStateChange = func(from, to session.State) {
		if m != nil {
			m.SessionState.Set(float64(to))
		}
		if to == session.Degraded {
			alert(notification.AlertWarning, "Gateway lost broker connectivity",
				"primary session is up but the gateway reports no broker connection", nil)
		}
	}
	b.primary.OnReconnect = func(clientID, attempt int) {
		if m != nil {
			m.Reconnects.Inc()
		}
	}
	b.primary.OnFatal = func(clientID int, err error) {
		if m != nil {
			m.FatalRejections.Inc()
		}
		alert(notification.AlertCritical, "Client id rejected", err.Error(),
			map[string]string{"client_id": strconv.Itoa(clientID)})
	}

	b.limiter.Breaker().OnStateChange = func(from, to ratelimit.State, reason string) {
		if m != nil {
			m.SetBreaker(to == ratelimit.StateOpen, to == ratelimit.StateOpen && from != ratelimit.StateOpen)
		}
		if to == ratelimit.StateOpen {
			alert(notification.AlertCritical, "Emergency breaker tripped", reason, nil)
		} else {
			alert(notification.AlertInfo, "Emergency breaker reset", "mutations are accepted again", nil)
		}
	}

	b.agg.OnOrderChange = func(o model.Order) {
		b.slots.Observe(o)
		if m != nil {
			m.OrderEvents.Inc()
		}
		if hub != nil {
			hub.PublishOrder(o)
		}
		if mirror != nil {
			if err := mirror.Publish(context.Background(), o); err != nil {
				b.log.Debug("order mirror publish failed", "order_id", o.OrderID, "err", err)
			}
		}
	}
	b.coord.OnCancel = func(out model.CancelOutcome) {
		if m != nil {
			m.Mutations.WithLabelValues("cancel", string(out.Result)).Inc()
		}
		if hub != nil {
			hub.PublishCancel(out)
		}
	}

	if m == nil {
		return
	}
	b.primary.OnCall = m.ObserveCall
	b.pool.OnCall = m.ObserveCall
	b.pool.OnOpen = func(int) {
		m.SecondaryOpens.Inc()
		m.SecondarySessions.Set(float64(b.pool.Active()))
	}
	b.pool.OnEvict = func(_ int, reason string) {
		m.SecondaryEvictions.WithLabelValues(reason).Inc()
		m.SecondarySessions.Set(float64(b.pool.Active()))
	}
	b.limiter.OnRejected = func(kind ratelimit.Kind, code errs.Code) {
		m.RateLimited.WithLabelValues(kind.String(), code.String()).Inc()
	}
	b.agg.OnRebuild = m.ObserveRebuild
	b.coord.OnMutation = func(op string, err error) {
		result := "ok"
		if err != nil {
			result = errs.CodeOf(err).String()
		}
		m.Mutations.WithLabelValues(op, result).Inc()
	}
	m.SetBreaker(b.limiter.Breaker().CurrentState() == ratelimit.StateOpen, false)
	m.SessionState.Set(float64(b.primary.State()))
}
