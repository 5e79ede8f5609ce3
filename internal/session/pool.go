package session

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
)

// PoolConfig tunes a Pool.
type PoolConfig struct {
	Endpoint       Endpoint // host and port; the client id is replaced per session
	ConnectTimeout time.Duration
	IdleGrace      time.Duration // 30s
	SweepInterval  time.Duration // 5s
	Session        Config
}

type entry struct {
	h        *Handle
	refs     int
	lastUsed time.Time
}

// Pool keeps secondary sessions keyed by client id. Secondaries never
// reconnect on their own: a lost secondary is evicted by the next sweep and
// reopened on the next Acquire.
type Pool struct {
	cfg    PoolConfig
	dialer Dialer
	log    *slog.Logger
	group  singleflight.Group

	// OnEvent is subscribed to every session the pool opens.
	OnEvent EventHandler
	// OnCall is installed on every session the pool opens.
	OnCall func(name string, d time.Duration, err error)
	// OnOpen and OnEvict observe pool churn.
	OnOpen  func(clientID int)
	OnEvict func(clientID int, reason string)

	mu      sync.Mutex
	closed  bool
	entries map[int]*entry
}

// NewPool returns an empty pool.
func NewPool(cfg PoolConfig, dialer Dialer, log *slog.Logger) *Pool {
	if cfg.IdleGrace <= 0 {
		cfg.IdleGrace = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	cfg.Session.Reconnect = false
	if dialer == nil {
		dialer = TCPDialer{}
	}
	return &Pool{
		cfg:     cfg,
		dialer:  dialer,
		log:     logger.Or(log).With("component", "session_pool"),
		entries: make(map[int]*entry),
	}
}

// Acquire returns a connected session for clientID, opening one if needed.
// Concurrent callers for the same client id share a single connect attempt.
// Every successful Acquire must be paired with Release.
func (p *Pool) Acquire(ctx context.Context, clientID int) (*Handle, error) {
	if h, ok, err := p.take(clientID, nil); ok || err != nil {
		return h, err
	}

	ch := p.group.DoChan(strconv.Itoa(clientID), func() (any, error) {
		return p.open(clientID)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		h, ok, err := p.take(clientID, r.Val.(*Handle))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.ErrConnection.Detailf("session for client %d dropped right after connect", clientID)
		}
		return h, nil
	case <-ctx.Done():
		return nil, errs.ErrConnection.Wrap(ctx.Err()).Detailf("waiting for session as client %d", clientID)
	}
}

// take increments the refcount of a connected session for clientID. When
// want is set, only that exact session qualifies.
func (p *Pool) take(clientID int, want *Handle) (*Handle, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false, errs.ErrConnection.WithDetail("session pool closed")
	}
	e := p.entries[clientID]
	if e == nil || e.h.State() != Connected || (want != nil && e.h != want) {
		return nil, false, nil
	}
	e.refs++
	e.lastUsed = time.Now()
	return e.h, true, nil
}

func (p *Pool) open(clientID int) (*Handle, error) {
	p.mu.Lock()
	var stale *Handle
	if e := p.entries[clientID]; e != nil {
		if e.h.State() == Connected {
			p.mu.Unlock()
			return e.h, nil
		}
		if e.refs == 0 {
			stale = e.h
			delete(p.entries, clientID)
		}
	}
	p.mu.Unlock()
	if stale != nil {
		stale.Disconnect()
	}

	h := New(p.cfg.Session, p.dialer, p.log)
	h.OnCall = p.OnCall
	if p.OnEvent != nil {
		h.SubscribeEvents(p.OnEvent)
	}
	ep := p.cfg.Endpoint.WithClient(clientID)
	if err := h.Connect(context.Background(), ep, p.cfg.ConnectTimeout); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		h.Disconnect()
		return nil, errs.ErrConnection.WithDetail("session pool closed")
	}
	old := p.entries[clientID]
	p.entries[clientID] = &entry{h: h, lastUsed: time.Now()}
	p.mu.Unlock()
	if old != nil {
		old.h.Disconnect()
	}

	p.log.Info("secondary session opened", "client_id", clientID)
	if p.OnOpen != nil {
		p.OnOpen(clientID)
	}
	return h, nil
}

// Release returns a session taken by Acquire. Its idle grace starts now.
func (p *Pool) Release(clientID int, h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e := p.entries[clientID]; e != nil && e.h == h {
		if e.refs > 0 {
			e.refs--
		}
		e.lastUsed = time.Now()
	}
}

// Sweep evicts sessions that are unused and either idle past the grace
// period or no longer connected. It returns how many were evicted.
func (p *Pool) Sweep(now time.Time) int {
	type victim struct {
		id     int
		h      *Handle
		reason string
	}
	var out []victim

	p.mu.Lock()
	for id, e := range p.entries {
		if e.refs > 0 {
			continue
		}
		switch {
		case e.h.State() != Connected:
			out = append(out, victim{id, e.h, "disconnected"})
		case now.Sub(e.lastUsed) >= p.cfg.IdleGrace:
			out = append(out, victim{id, e.h, "idle"})
		default:
			continue
		}
		delete(p.entries, id)
	}
	p.mu.Unlock()

	for _, v := range out {
		v.h.Disconnect()
		p.log.Info("secondary session evicted", "client_id", v.id, "reason", v.reason)
		if p.OnEvict != nil {
			p.OnEvict(v.id, v.reason)
		}
	}
	return len(out)
}

// Run sweeps in the background until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			p.Sweep(now)
		}
	}
}

// Active counts connected sessions in the pool.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.entries {
		if e.h.State() == Connected {
			n++
		}
	}
	return n
}

// Clients lists the client ids the pool holds sessions for.
func (p *Pool) Clients() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, 0, len(p.entries))
	for id := range p.entries {
		out = append(out, id)
	}
	return out
}

// Close disconnects every session and refuses further Acquire calls.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	hs := make([]*Handle, 0, len(p.entries))
	for id, e := range p.entries {
		hs = append(hs, e.h)
		delete(p.entries, id)
	}
	p.mu.Unlock()
	for _, h := range hs {
		h.Disconnect()
	}
}
