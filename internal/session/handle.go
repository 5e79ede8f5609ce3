// Package session owns connections to the gateway. A Handle is one
// connection under one client id: it serializes request/response traffic
// through a FIFO worker, fans out pushed events in arrival order and
// reconnects on transport failures. A Pool keeps secondary Handles keyed by
// client id for operations that must run under another client's identity.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// State is the connection state of a Handle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Degraded
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degraded:
		return "degraded"
	}
	return "disconnected"
}

// Config tunes a Handle. Zero values take the defaults below.
type Config struct {
	RequestTimeout    time.Duration // protocol wait per call (10s)
	HeartbeatInterval time.Duration // idle probe interval (30s); negative disables
	Reconnect         bool
	BackoffBase       time.Duration // 1s
	BackoffFactor     float64       // 2
	BackoffMax        time.Duration // 30s
	QueueSize         int           // 256
	EventBuffer       int           // 1024
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = 2
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 1024
	}
	return c
}

// Call is one request/response exchange. Msgs are written in order, then
// every inbound message is offered to Collect until it reports done, returns
// an error or the call times out. After is written once the call ends,
// whatever the outcome (subscription cancels).
type Call struct {
	Name    string
	Msgs    []wire.Message
	Collect func(wire.Message) (done bool, err error)
	After   []wire.Message
	Timeout time.Duration
}

// EventKind discriminates Event.
type EventKind int

const (
	EventOpenOrder EventKind = iota + 1
	EventOrderStatus
	EventExecution
	EventError
)

// Event is an order-related message pushed by the gateway. Replies to a
// call are also delivered as events, so subscribers see every order update
// the session receives.
type Event struct {
	Kind      EventKind
	Session   int // client id of the receiving session, not the order owner
	Order     model.Order
	Status    model.StatusUpdate
	Execution model.Execution
	Error     tws.APIError
	At        time.Time
}

// EventHandler receives events on the session's dispatcher goroutine.
// Handlers must not block on Request of the same Handle.
type EventHandler func(Event)

type link struct {
	tr   Transport
	lost chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.lost)
		l.tr.Close()
	})
}

type lifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *pending
	events chan Event
}

type pending struct {
	call Call
	ctx  context.Context
	done chan error
}

type activeCall struct {
	collect  func(wire.Message) (bool, error)
	done     chan error
	finished bool
}

// Handle is one gateway connection under one client id.
type Handle struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	// Hooks. Set before Connect; called synchronously.
	OnStateChange func(from, to State)
	OnReconnect   func(clientID, attempt int)
	OnFatal       func(clientID int, err error)
	OnCall        func(name string, d time.Duration, err error)

	connectMu sync.Mutex

	mu             sync.Mutex
	ep             Endpoint
	connectTimeout time.Duration
	life           *lifecycle
	link           *link
	ready          chan struct{}
	fatal          error
	nextID         int64
	accounts       []string

	callMu sync.Mutex
	active *activeCall

	subMu  sync.RWMutex
	subs   map[uint64]EventHandler
	subSeq uint64

	state         atomic.Int32
	lastRoundTrip atomic.Int64
}

// New returns a disconnected Handle.
func New(cfg Config, dialer Dialer, log *slog.Logger) *Handle {
	if dialer == nil {
		dialer = TCPDialer{}
	}
	return &Handle{
		cfg:    cfg.withDefaults(),
		dialer: dialer,
		log:    logger.Or(log).With("component", "session"),
		ready:  make(chan struct{}),
		subs:   make(map[uint64]EventHandler),
	}
}

// State returns the current connection state.
func (h *Handle) State() State { return State(h.state.Load()) }

// ClientID returns the client id of the last Connect.
func (h *Handle) ClientID() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ep.ClientID
}

// Endpoint returns the endpoint of the last Connect.
func (h *Handle) Endpoint() Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ep
}

// Accounts returns the managed accounts announced by the gateway.
func (h *Handle) Accounts() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.accounts...)
}

// NextOrderID reserves and returns the next order id for this session.
func (h *Handle) NextOrderID() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	return id
}

// LastRoundTrip returns when the last reply arrived, zero if none has.
func (h *Handle) LastRoundTrip() time.Time {
	ns := h.lastRoundTrip.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func (h *Handle) touch() { h.lastRoundTrip.Store(time.Now().UnixNano()) }

func (h *Handle) setState(to State) {
	from := State(h.state.Swap(int32(to)))
	if from != to && h.OnStateChange != nil {
		h.OnStateChange(from, to)
	}
}

// Connect establishes the session. Connecting again with the same endpoint
// is a no-op; connecting a live Handle under another endpoint fails.
func (h *Handle) Connect(ctx context.Context, ep Endpoint, timeout time.Duration) error {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	if h.life != nil {
		cur := h.ep
		h.mu.Unlock()
		if cur == ep {
			return nil
		}
		return errs.ErrConnection.Detailf("session already bound to client %d at %s", cur.ClientID, cur.Addr())
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	h.ep = ep
	h.connectTimeout = timeout
	h.fatal = nil
	h.mu.Unlock()
	h.setState(Connecting)

	dctx, cancel := context.WithTimeout(ctx, timeout)
	tr, greet, err := h.dialer.Dial(dctx, ep)
	cancel()
	if err != nil {
		h.setState(Disconnected)
		err = connErr(err, "connect %s as client %d", ep.Addr(), ep.ClientID)
		h.log.Warn("connect failed", "addr", ep.Addr(), "client_id", ep.ClientID, "err", err)
		return err
	}

	lctx, lcancel := context.WithCancel(context.Background())
	life := &lifecycle{
		ctx:    lctx,
		cancel: lcancel,
		queue:  make(chan *pending, h.cfg.QueueSize),
		events: make(chan Event, h.cfg.EventBuffer),
	}
	h.mu.Lock()
	h.life = life
	h.mu.Unlock()

	l := h.attach(tr, greet)
	go h.dispatch(life)
	go h.work(life)
	go h.serve(life, l)
	if h.cfg.HeartbeatInterval > 0 {
		go h.heartbeat(life)
	}
	h.log.Info("session connected", "addr", ep.Addr(), "client_id", ep.ClientID, "next_order_id", greet.NextOrderID)
	return nil
}

// ConnectRetry calls Connect on the reconnect schedule until it succeeds,
// the client id is rejected or ctx ends.
func (h *Handle) ConnectRetry(ctx context.Context, ep Endpoint, timeout time.Duration) error {
	b := reconnectSchedule(h.cfg)
	for attempt := 1; ; attempt++ {
		err := h.Connect(ctx, ep, timeout)
		if err == nil || IsClientIDRejected(err) {
			return err
		}
		wait := b.NextBackOff()
		h.log.Warn("initial connect failed", "client_id", ep.ClientID, "attempt", attempt, "retry_in", wait, "err", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return connErr(ctx.Err(), "connect as client %d abandoned after %d attempts", ep.ClientID, attempt)
		case <-timer.C:
		}
	}
}

// Disconnect releases the session. It always succeeds.
func (h *Handle) Disconnect() {
	h.connectMu.Lock()
	defer h.connectMu.Unlock()

	h.mu.Lock()
	life, l := h.life, h.link
	h.life, h.link, h.fatal = nil, nil, nil
	if l != nil {
		h.ready = make(chan struct{})
	}
	clientID := h.ep.ClientID
	h.mu.Unlock()

	if life == nil {
		return
	}
	life.cancel()
	if l != nil {
		l.close()
	}
	h.setState(Disconnected)
	h.log.Info("session disconnected", "client_id", clientID)
}

func (h *Handle) attach(tr Transport, greet tws.Greeting) *link {
	l := &link{tr: tr, lost: make(chan struct{})}
	h.mu.Lock()
	h.link = l
	if greet.NextOrderID > h.nextID {
		h.nextID = greet.NextOrderID
	}
	if len(greet.Accounts) > 0 {
		h.accounts = greet.Accounts
	}
	close(h.ready)
	h.mu.Unlock()
	h.setState(Connected)
	return l
}

func (h *Handle) detach(l *link) {
	h.mu.Lock()
	if h.link == l {
		h.link = nil
		h.ready = make(chan struct{})
	}
	h.mu.Unlock()
	l.close()
}

// end tears down life after an unrecoverable loss; err is what later
// requests see until the next Connect.
func (h *Handle) end(life *lifecycle, err error) {
	h.mu.Lock()
	if h.life == life {
		h.life = nil
		h.fatal = err
	}
	h.mu.Unlock()
	life.cancel()
	h.setState(Disconnected)
}

// serve reads the link until it fails, then reconnects or gives up.
func (h *Handle) serve(life *lifecycle, l *link) {
	for {
		err := h.readLoop(life, l)
		h.detach(l)
		if life.ctx.Err() != nil {
			return
		}
		clientID := h.ClientID()
		if !h.cfg.Reconnect {
			h.log.Warn("session lost", "client_id", clientID, "err", err)
			h.end(life, connErr(err, "connection to gateway lost"))
			return
		}
		h.setState(Degraded)
		h.log.Warn("session lost, reconnecting", "client_id", clientID, "err", err)
		next, ok := h.reconnect(life)
		if !ok {
			return
		}
		l = next
	}
}

func (h *Handle) readLoop(life *lifecycle, l *link) error {
	for {
		m, err := l.tr.Recv()
		if err != nil {
			return err
		}
		h.route(life, m)
	}
}

func (h *Handle) reconnect(life *lifecycle) (*link, bool) {
	h.mu.Lock()
	ep, timeout := h.ep, h.connectTimeout
	h.mu.Unlock()

	b := reconnectSchedule(h.cfg)
	for attempt := 1; ; attempt++ {
		wait := b.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-life.ctx.Done():
			timer.Stop()
			h.settle()
			return nil, false
		case <-timer.C:
		}
		if h.OnReconnect != nil {
			h.OnReconnect(ep.ClientID, attempt)
		}

		ctx, cancel := context.WithTimeout(life.ctx, timeout)
		tr, greet, err := h.dialer.Dial(ctx, ep)
		cancel()
		if life.ctx.Err() != nil {
			if err == nil {
				tr.Close()
			}
			h.settle()
			return nil, false
		}
		if err == nil {
			h.log.Info("session reconnected", "client_id", ep.ClientID, "attempt", attempt)
			return h.attach(tr, greet), true
		}
		if IsClientIDRejected(err) {
			err = connErr(err, "reconnect as client %d rejected", ep.ClientID)
			h.log.Error("client id rejected, not retrying", "client_id", ep.ClientID, "err", err)
			h.end(life, err)
			if h.OnFatal != nil {
				h.OnFatal(ep.ClientID, err)
			}
			return nil, false
		}
		h.log.Warn("reconnect failed", "client_id", ep.ClientID, "attempt", attempt, "err", err)
	}
}

// reconnectSchedule is deterministic capped exponential backoff with no
// elapsed-time limit.
func reconnectSchedule(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = cfg.BackoffFactor
	b.MaxInterval = cfg.BackoffMax
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// settle fixes up the state after a reconnect was interrupted by Disconnect.
func (h *Handle) settle() {
	h.mu.Lock()
	idle := h.life == nil
	h.mu.Unlock()
	if idle {
		h.setState(Disconnected)
	}
}

// route offers m to the in-flight call, then turns order traffic into events.
func (h *Handle) route(life *lifecycle, m wire.Message) {
	h.callMu.Lock()
	if a := h.active; a != nil && !a.finished {
		done, err := a.collect(m)
		if done || err != nil {
			a.finished = true
			a.done <- err
		}
	}
	h.callMu.Unlock()

	ev := Event{Session: h.ClientID(), At: time.Now()}
	switch m.ID() {
	case tws.InNextValidID:
		if id, err := tws.ParseNextValidID(m); err == nil {
			h.mu.Lock()
			if id > h.nextID {
				h.nextID = id
			}
			h.mu.Unlock()
		}
		return
	case tws.InManagedAccts:
		if accts, err := tws.ParseManagedAccounts(m); err == nil {
			h.mu.Lock()
			h.accounts = accts
			h.mu.Unlock()
		}
		return
	case tws.InOpenOrder:
		o, err := tws.ParseOpenOrder(m)
		if err != nil {
			h.log.Warn("bad open order message", "err", err)
			return
		}
		o.UpdatedAt = ev.At
		ev.Kind, ev.Order = EventOpenOrder, o
	case tws.InOrderStatus:
		u, err := tws.ParseOrderStatus(m)
		if err != nil {
			h.log.Warn("bad order status message", "err", err)
			return
		}
		ev.Kind, ev.Status = EventOrderStatus, u
	case tws.InExecutionData:
		x, err := tws.ParseExecution(m)
		if err != nil {
			h.log.Warn("bad execution message", "err", err)
			return
		}
		ev.Kind, ev.Execution = EventExecution, x
	case tws.InErrMsg:
		e, err := tws.ParseError(m)
		if err != nil {
			h.log.Warn("bad error message", "err", err)
			return
		}
		h.observeError(e)
		ev.Kind, ev.Error = EventError, e
	default:
		return
	}

	select {
	case life.events <- ev:
	case <-life.ctx.Done():
	}
}

func (h *Handle) observeError(e tws.APIError) {
	switch {
	case e.Code == tws.CodeConnectivityLost:
		h.log.Warn("gateway lost connectivity to broker", "client_id", h.ClientID())
		h.setState(Degraded)
	case e.Code == tws.CodeConnectivityRestore || e.Code == tws.CodeConnectivityResumed:
		h.log.Info("gateway connectivity restored", "client_id", h.ClientID(), "code", e.Code)
		if h.State() == Degraded {
			h.setState(Connected)
		}
	case e.Informational():
		h.log.Debug("gateway notice", "code", e.Code, "msg", e.Message)
	default:
		h.log.Warn("gateway error", "client_id", h.ClientID(), "id", e.ID, "code", e.Code, "msg", e.Message)
	}
}

func (h *Handle) dispatch(life *lifecycle) {
	for {
		select {
		case <-life.ctx.Done():
			return
		case ev := <-life.events:
			h.subMu.RLock()
			handlers := make([]EventHandler, 0, len(h.subs))
			for _, fn := range h.subs {
				handlers = append(handlers, fn)
			}
			h.subMu.RUnlock()
			for _, fn := range handlers {
				fn(ev)
			}
		}
	}
}

// SubscribeEvents registers fn for pushed events and returns its
// unsubscribe function. Events are delivered in the order received.
func (h *Handle) SubscribeEvents(fn EventHandler) func() {
	h.subMu.Lock()
	h.subSeq++
	id := h.subSeq
	h.subs[id] = fn
	h.subMu.Unlock()
	return func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}
}

// Request queues c behind earlier calls and waits for its result. The
// caller's deadline bounds only the wait: a call already sent keeps
// collecting until its own protocol timeout. A ctx without a deadline is
// bounded by the connect timeout plus the call's protocol timeout, so a
// caller never waits forever on a reconnecting session.
func (h *Handle) Request(ctx context.Context, c Call) error {
	h.mu.Lock()
	life, fatal, wait := h.life, h.fatal, h.connectTimeout
	h.mu.Unlock()
	if life == nil {
		if fatal != nil {
			return fatal
		}
		return errs.ErrConnection.Detailf("%s: session is not connected", c.Name)
	}
	if _, ok := ctx.Deadline(); !ok {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = h.cfg.RequestTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait+timeout)
		defer cancel()
	}

	p := &pending{call: c, ctx: ctx, done: make(chan error, 1)}
	select {
	case life.queue <- p:
	case <-ctx.Done():
		return errs.ErrRequestTimeout.Wrap(ctx.Err()).Detailf("%s: request queue full", c.Name)
	case <-life.ctx.Done():
		return errs.ErrConnection.Detailf("%s: session closed", c.Name)
	}

	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return errs.ErrRequestTimeout.Wrap(ctx.Err()).Detailf("%s: caller deadline exceeded", c.Name)
	case <-life.ctx.Done():
		return errs.ErrConnection.Detailf("%s: session closed", c.Name)
	}
}

func (h *Handle) work(life *lifecycle) {
	for {
		select {
		case <-life.ctx.Done():
			return
		case p := <-life.queue:
			start := time.Now()
			err := h.run(life, p)
			if h.OnCall != nil {
				h.OnCall(p.call.Name, time.Since(start), err)
			}
			p.done <- err
		}
	}
}

func (h *Handle) run(life *lifecycle, p *pending) error {
	c := p.call
	if err := p.ctx.Err(); err != nil {
		return errs.ErrRequestTimeout.Wrap(err).Detailf("%s: abandoned before send", c.Name)
	}
	l, err := h.awaitLink(p.ctx, life, c.Name)
	if err != nil {
		return err
	}

	var done chan error
	if c.Collect != nil {
		done = make(chan error, 1)
		h.callMu.Lock()
		h.active = &activeCall{collect: c.Collect, done: done}
		h.callMu.Unlock()
		defer h.clearActive()
	}

	for _, m := range c.Msgs {
		if err := l.tr.Send(m); err != nil {
			l.close()
			return connErr(err, "%s: send", c.Name)
		}
	}
	defer func() {
		for _, m := range c.After {
			l.tr.Send(m)
		}
	}()
	if done == nil {
		return nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = h.cfg.RequestTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		h.touch()
		return err
	case <-timer.C:
		return errs.ErrRequestTimeout.Detailf("%s: no reply within %s", c.Name, timeout)
	case <-l.lost:
		return errs.ErrConnection.Detailf("%s: connection lost awaiting reply", c.Name)
	case <-life.ctx.Done():
		return errs.ErrConnection.Detailf("%s: session closed", c.Name)
	}
}

func (h *Handle) clearActive() {
	h.callMu.Lock()
	h.active = nil
	h.callMu.Unlock()
}

// awaitLink returns the live link, waiting through a reconnect if needed.
func (h *Handle) awaitLink(ctx context.Context, life *lifecycle, name string) (*link, error) {
	for {
		h.mu.Lock()
		l, ready := h.link, h.ready
		h.mu.Unlock()
		if l != nil {
			return l, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, errs.ErrConnection.Wrap(ctx.Err()).Detailf("%s: gateway unreachable", name)
		case <-life.ctx.Done():
			return nil, errs.ErrConnection.Detailf("%s: session closed", name)
		}
	}
}

func (h *Handle) heartbeat(life *lifecycle) {
	interval := h.cfg.HeartbeatInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-life.ctx.Done():
			return
		case <-t.C:
		}
		if h.State() != Connected || time.Since(h.LastRoundTrip()) < interval {
			continue
		}
		ctx, cancel := context.WithTimeout(life.ctx, h.cfg.RequestTimeout)
		err := h.Ping(ctx)
		cancel()
		if errs.CodeOf(err) == errs.CodeRequestTimeout && life.ctx.Err() == nil {
			h.log.Warn("heartbeat timed out, dropping link", "client_id", h.ClientID())
			h.mu.Lock()
			l := h.link
			h.mu.Unlock()
			if l != nil {
				l.close()
			}
		}
	}
}

// Ping performs the cheapest round trip the gateway offers.
func (h *Handle) Ping(ctx context.Context) error {
	return h.Request(ctx, Call{
		Name: "current_time",
		Msgs: []wire.Message{tws.ReqCurrentTime()},
		Collect: func(m wire.Message) (bool, error) {
			return m.ID() == tws.InCurrentTime, nil
		},
	})
}

// connErr classifies err as a connection error unless it already carries a code.
func connErr(err error, format string, args ...any) error {
	switch errs.CodeOf(err) {
	case errs.CodeConnection, errs.CodeRequestTimeout, errs.CodeProtocol:
		return err
	}
	return errs.ErrConnection.Wrap(err).Detailf(format, args...)
}
