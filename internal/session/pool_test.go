package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/tws/fakegw"
)

func newPool(t *testing.T, srv *fakegw.Server) *Pool {
	t.Helper()
	p := NewPool(PoolConfig{
		Endpoint:       endpoint(srv, 0),
		ConnectTimeout: time.Second,
		IdleGrace:      30 * time.Second,
	}, nil, logger.Discard())
	t.Cleanup(p.Close)
	return p
}

func TestPool_AcquireReusesSession(t *testing.T) {
	srv := startGateway(t)
	p := newPool(t, srv)
	ctx := context.Background()

	h1, err := p.Acquire(ctx, 5)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(5, h1)
	h2, err := p.Acquire(ctx, 5)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	defer p.Release(5, h2)

	if h1 != h2 {
		t.Error("expected the pooled session to be reused")
	}
	if n := srv.Connects(5); n != 1 {
		t.Errorf("gateway saw %d connects for client 5, want 1", n)
	}
	if h1.ClientID() != 5 {
		t.Errorf("session client id = %d", h1.ClientID())
	}
	if p.Active() != 1 {
		t.Errorf("Active = %d", p.Active())
	}
}

func TestPool_ConcurrentAcquireConnectsOnce(t *testing.T) {
	srv := startGateway(t)
	p := newPool(t, srv)

	var opened int
	var mu sync.Mutex
	p.OnOpen = func(int) {
		mu.Lock()
		opened++
		mu.Unlock()
	}

	var wg sync.WaitGroup
	handles := make([]*Handle, 10)
	for i := range handles {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := p.Acquire(context.Background(), 7)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if n := srv.Connects(7); n != 1 {
		t.Errorf("gateway saw %d connects, want 1", n)
	}
	if opened != 1 {
		t.Errorf("OnOpen called %d times", opened)
	}
	for _, h := range handles {
		if h != nil {
			p.Release(7, h)
		}
	}
}

func TestPool_SweepEvictsIdleOnly(t *testing.T) {
	srv := startGateway(t)
	p := newPool(t, srv)
	ctx := context.Background()

	h, err := p.Acquire(ctx, 5)
	if err != nil {
		t.Fatal(err)
	}
	held, err := p.Acquire(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(5, h)

	if n := p.Sweep(time.Now()); n != 0 {
		t.Errorf("swept %d sessions inside the grace period", n)
	}
	if n := p.Sweep(time.Now().Add(31 * time.Second)); n != 1 {
		t.Errorf("swept %d sessions, want 1 (client 7 is in use)", n)
	}
	if p.Active() != 1 {
		t.Errorf("Active = %d, want 1", p.Active())
	}
	waitFor(t, "client 5 released upstream", func() bool { return !srv.Connected(5) })

	p.Release(7, held)
	if n := p.Sweep(time.Now().Add(time.Minute)); n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
}

func TestPool_SweepEvictsLostSession(t *testing.T) {
	srv := startGateway(t)
	p := newPool(t, srv)

	var evicted []string
	p.OnEvict = func(_ int, reason string) { evicted = append(evicted, reason) }

	h, err := p.Acquire(context.Background(), 5)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(5, h)
	srv.Drop(5)
	waitFor(t, "secondary to notice the drop", func() bool { return h.State() == Disconnected })

	if n := p.Sweep(time.Now()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if len(evicted) != 1 || evicted[0] != "disconnected" {
		t.Errorf("evictions = %v", evicted)
	}

	h2, err := p.Acquire(context.Background(), 5)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	defer p.Release(5, h2)
	if h2 == h {
		t.Error("expected a fresh session after eviction")
	}
}

func TestPool_AcquireRejectedClient(t *testing.T) {
	srv := startGateway(t)
	srv.RejectClient(9)
	p := newPool(t, srv)

	_, err := p.Acquire(context.Background(), 9)
	if !errors.Is(err, errs.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
	if p.Active() != 0 {
		t.Errorf("Active = %d", p.Active())
	}
}

func TestPool_ClosedRefusesAcquire(t *testing.T) {
	srv := startGateway(t)
	p := newPool(t, srv)
	p.Close()
	if _, err := p.Acquire(context.Background(), 5); !errors.Is(err, errs.ErrConnection) {
		t.Errorf("expected connection error, got %v", err)
	}
}
