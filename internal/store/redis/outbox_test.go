package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

type fakeSink struct {
	mu   sync.Mutex
	fail bool
	got  []model.Order
}

func (f *fakeSink) PublishOrder(_ context.Context, o model.Order) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection refused")
	}
	f.got = append(f.got, o)
	return nil
}

func (f *fakeSink) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeSink) delivered() []model.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.Order(nil), f.got...)
}

func newTestOutbox(sink OrderSink) (*Outbox, *time.Time) {
	ob := NewOutbox(sink, 2, 10*time.Second, 0, logger.Discard())
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	ob.now = func() time.Time { return now }
	return ob, &now
}

func TestOutbox_PassThrough(t *testing.T) {
	sink := &fakeSink{}
	ob, _ := newTestOutbox(sink)
	ob.deliver(context.Background(), model.Order{OrderID: 1, Status: model.StatusSubmitted})
	if got := sink.delivered(); len(got) != 1 || ob.CurrentState() != StateClosed {
		t.Errorf("delivered %d, state %v", len(got), ob.CurrentState())
	}
}

func TestOutbox_OpensAndBuffers(t *testing.T) {
	sink := &fakeSink{fail: true}
	ob, _ := newTestOutbox(sink)
	ctx := context.Background()

	ob.deliver(ctx, model.Order{OrderID: 1, Status: model.StatusSubmitted})
	ob.deliver(ctx, model.Order{OrderID: 2, Status: model.StatusSubmitted})
	if ob.CurrentState() != StateOpen {
		t.Fatalf("state = %v after 2 failures", ob.CurrentState())
	}
	sink.setFail(false)
	ob.deliver(ctx, model.Order{OrderID: 1, Status: model.StatusCancelled})
	if len(sink.delivered()) != 0 {
		t.Error("open circuit must not reach the sink")
	}
	if n := ob.PendingCount(); n != 2 {
		t.Errorf("pending = %d, want 2 (newest change per order)", n)
	}
}

func TestOutbox_HalfOpenRecoveryFlushes(t *testing.T) {
	sink := &fakeSink{fail: true}
	ob, now := newTestOutbox(sink)
	ctx := context.Background()
	var transitions []State
	ob.OnStateChange = func(_, to State) { transitions = append(transitions, to) }

	ob.deliver(ctx, model.Order{OrderID: 1, Status: model.StatusSubmitted})
	ob.deliver(ctx, model.Order{OrderID: 2, Status: model.StatusSubmitted})
	ob.deliver(ctx, model.Order{OrderID: 1, Status: model.StatusCancelled})

	sink.setFail(false)
	*now = now.Add(11 * time.Second)
	ob.deliver(ctx, model.Order{OrderID: 3, Status: model.StatusSubmitted})

	if ob.CurrentState() != StateClosed {
		t.Fatalf("state = %v", ob.CurrentState())
	}
	got := sink.delivered()
	if len(got) != 3 || got[0].OrderID != 3 {
		t.Fatalf("delivered = %+v", got)
	}
	if got[1].OrderID != 1 || got[1].Status != model.StatusCancelled {
		t.Errorf("buffered change lost its newest status: %+v", got[1])
	}
	if ob.PendingCount() != 0 {
		t.Errorf("pending = %d", ob.PendingCount())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestOutbox_FailedHalfOpenReopens(t *testing.T) {
	sink := &fakeSink{fail: true}
	ob, now := newTestOutbox(sink)
	ctx := context.Background()
	ob.deliver(ctx, model.Order{OrderID: 1})
	ob.deliver(ctx, model.Order{OrderID: 2})

	*now = now.Add(11 * time.Second)
	ob.deliver(ctx, model.Order{OrderID: 3})
	if ob.CurrentState() != StateOpen {
		t.Errorf("state = %v after a failed half-open attempt", ob.CurrentState())
	}
	if ob.PendingCount() != 3 {
		t.Errorf("pending = %d", ob.PendingCount())
	}
}

func TestOutbox_BufferCap(t *testing.T) {
	sink := &fakeSink{fail: true}
	ob := NewOutbox(sink, 1, time.Hour, 2, logger.Discard())
	ctx := context.Background()
	for id := int64(1); id <= 4; id++ {
		ob.deliver(ctx, model.Order{OrderID: id})
	}
	if n := ob.PendingCount(); n != 2 {
		t.Errorf("pending = %d, want cap 2", n)
	}
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	got     []model.Order
}

func (b *blockingSink) PublishOrder(ctx context.Context, o model.Order) error {
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	b.mu.Lock()
	b.got = append(b.got, o)
	b.mu.Unlock()
	return nil
}

func (b *blockingSink) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.got)
}

func TestOutbox_PublishNeverBlocks(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	ob := NewOutbox(sink, 3, time.Second, 0, logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ob.Run(ctx)

	start := time.Now()
	for id := int64(1); id <= queueSize+10; id++ {
		ob.Publish(context.Background(), model.Order{OrderID: id})
	}
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("Publish blocked on a hung sink for %v", d)
	}
	if ob.PendingCount() == 0 {
		t.Error("overflow beyond the queue was not buffered")
	}

	close(sink.release)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && sink.count() < queueSize {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() < queueSize {
		t.Errorf("delivered %d after the sink recovered", sink.count())
	}
}

func TestOutbox_SinkCallsAreBounded(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{})}
	ob := NewOutbox(sink, 1, time.Hour, 0, logger.Discard())
	ob.timeout = 20 * time.Millisecond

	start := time.Now()
	ob.deliver(context.Background(), model.Order{OrderID: 1})
	if d := time.Since(start); d > time.Second {
		t.Fatalf("deliver waited %v on a hung sink", d)
	}
	if ob.CurrentState() != StateOpen || ob.PendingCount() != 1 {
		t.Errorf("state = %v, pending = %d", ob.CurrentState(), ob.PendingCount())
	}
}

func TestOutbox_RunDrainsOnShutdown(t *testing.T) {
	sink := &fakeSink{}
	ob := NewOutbox(sink, 3, time.Second, 0, logger.Discard())
	for id := int64(1); id <= 3; id++ {
		ob.Publish(context.Background(), model.Order{OrderID: id})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ob.Run(ctx)
	if got := sink.delivered(); len(got) != 3 {
		t.Errorf("delivered %d of 3 queued changes", len(got))
	}
}
