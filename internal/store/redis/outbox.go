package redis

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
)

// State is the outbox circuit state.
type State int

const (
	StateClosed   State = 0 // writes go straight through
	StateOpen     State = 1 // writes are buffered
	StateHalfOpen State = 2 // next write tests Redis
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// OrderSink is where the outbox delivers order changes.
type OrderSink interface {
	PublishOrder(ctx context.Context, o model.Order) error
}

// Outbox delivers order changes to a sink from its own goroutine. Publish
// only enqueues, so a slow or hung Redis never stalls the caller. After
// maxFailures consecutive failures it stops calling the sink for retryAfter
// and buffers changes, keeping only the newest change per order; the first
// successful delivery after the pause flushes the buffer. Redis is a mirror,
// so recovery is automatic.
type Outbox struct {
	sink       OrderSink
	log        *slog.Logger
	maxFailure int
	retryAfter time.Duration
	maxBuffer  int
	timeout    time.Duration // per sink call
	queue      chan model.Order
	now        func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	pending     map[int64]model.Order
	order       []int64

	// OnStateChange observes circuit transitions. Called without the lock.
	OnStateChange func(from, to State)
	// OnFlush observes how many buffered changes were delivered.
	OnFlush func(n int)
}

// NewOutbox wraps sink. maxBuffer caps distinct buffered orders (default 10000).
func NewOutbox(sink OrderSink, maxFailures int, retryAfter time.Duration, maxBuffer int, log *slog.Logger) *Outbox {
	if maxFailures <= 0 {
		maxFailures = 3
	}
	if retryAfter <= 0 {
		retryAfter = 10 * time.Second
	}
	if maxBuffer <= 0 {
		maxBuffer = 10000
	}
	return &Outbox{
		sink:       sink,
		log:        logger.Or(log).With("component", "redis-outbox"),
		maxFailure: maxFailures,
		retryAfter: retryAfter,
		maxBuffer:  maxBuffer,
		timeout:    2 * time.Second,
		queue:      make(chan model.Order, queueSize),
		now:        time.Now,
		pending:    make(map[int64]model.Order),
	}
}

const queueSize = 1024

// Publish queues o for delivery and never blocks. When the queue is full the
// change goes straight to the buffer, where it supersedes older changes of
// the same order.
func (ob *Outbox) Publish(_ context.Context, o model.Order) error {
	select {
	case ob.queue <- o:
	default:
		ob.mu.Lock()
		ob.bufferLocked(o)
		ob.mu.Unlock()
		ob.log.Debug("outbox queue full, buffering", "order_id", o.OrderID)
	}
	return nil
}

// Run delivers queued changes until ctx is done, then drains the queue.
func (ob *Outbox) Run(ctx context.Context) {
	for {
		select {
		case o := <-ob.queue:
			ob.deliver(ctx, o)
		case <-ctx.Done():
			drain := context.WithoutCancel(ctx)
			for {
				select {
				case o := <-ob.queue:
					ob.deliver(drain, o)
				default:
					return
				}
			}
		}
	}
}

// deliver sends o to the sink, or buffers it while the circuit is open.
func (ob *Outbox) deliver(ctx context.Context, o model.Order) {
	ob.mu.Lock()
	if ob.state == StateOpen {
		if ob.now().Sub(ob.lastFailure) <= ob.retryAfter {
			ob.bufferLocked(o)
			ob.mu.Unlock()
			return
		}
		ob.mu.Unlock()
		ob.transition(StateOpen, StateHalfOpen)
	} else {
		ob.mu.Unlock()
	}

	err := ob.send(ctx, o)

	ob.mu.Lock()
	from := ob.state
	if err != nil {
		ob.failures++
		ob.lastFailure = ob.now()
		ob.bufferLocked(o)
		to := from
		if from == StateHalfOpen || ob.failures >= ob.maxFailure {
			to = StateOpen
		}
		ob.mu.Unlock()
		if to != from {
			ob.transition(from, to)
		}
		ob.log.Warn("order publish failed", "order_id", o.OrderID, "failures", ob.failures, "err", err)
		return
	}
	ob.failures = 0
	ob.dropLocked(o.OrderID)
	backlog := len(ob.order) > 0
	ob.mu.Unlock()
	if from == StateHalfOpen {
		ob.transition(StateHalfOpen, StateClosed)
	}
	if backlog {
		ob.flush(ctx)
	}
}

func (ob *Outbox) send(ctx context.Context, o model.Order) error {
	ctx, cancel := context.WithTimeout(ctx, ob.timeout)
	defer cancel()
	return ob.sink.PublishOrder(ctx, o)
}

// dropLocked forgets a buffered change superseded by a delivered one.
func (ob *Outbox) dropLocked(orderID int64) {
	if _, ok := ob.pending[orderID]; !ok {
		return
	}
	delete(ob.pending, orderID)
	for i, id := range ob.order {
		if id == orderID {
			ob.order = append(ob.order[:i], ob.order[i+1:]...)
			break
		}
	}
}

func (ob *Outbox) bufferLocked(o model.Order) {
	if _, ok := ob.pending[o.OrderID]; !ok {
		if len(ob.order) >= ob.maxBuffer {
			oldest := ob.order[0]
			ob.order = ob.order[1:]
			delete(ob.pending, oldest)
		}
		ob.order = append(ob.order, o.OrderID)
	}
	ob.pending[o.OrderID] = o
}

func (ob *Outbox) transition(from, to State) {
	ob.mu.Lock()
	if ob.state != from {
		ob.mu.Unlock()
		return
	}
	ob.state = to
	if to == StateClosed {
		ob.failures = 0
	}
	ob.mu.Unlock()
	ob.log.Info("redis circuit state change", "from", from.String(), "to", to.String())
	if ob.OnStateChange != nil {
		ob.OnStateChange(from, to)
	}
}

// flush replays buffered changes oldest first. A failure puts the rest
// back in the buffer.
func (ob *Outbox) flush(ctx context.Context) {
	ob.mu.Lock()
	ids := ob.order
	pending := ob.pending
	ob.order = nil
	ob.pending = make(map[int64]model.Order)
	ob.mu.Unlock()

	flushed := 0
	for i, id := range ids {
		if err := ob.send(ctx, pending[id]); err != nil {
			ob.mu.Lock()
			for _, rest := range ids[i:] {
				if _, newer := ob.pending[rest]; !newer {
					ob.bufferLocked(pending[rest])
				}
			}
			ob.mu.Unlock()
			ob.log.Warn("buffered flush interrupted", "flushed", flushed, "err", err)
			break
		}
		flushed++
	}
	if flushed > 0 {
		ob.log.Info("flushed buffered order changes", "count", flushed)
	}
	if ob.OnFlush != nil {
		ob.OnFlush(flushed)
	}
}

// CurrentState returns the circuit state.
func (ob *Outbox) CurrentState() State {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.state
}

// PendingCount returns the number of buffered order changes.
func (ob *Outbox) PendingCount() int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return len(ob.order)
}
