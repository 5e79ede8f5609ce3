package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/ratelimit"
	"tws-bridge/internal/session"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/tws/fakegw"
)

type harness struct {
	srv     *fakegw.Server
	primary *session.Handle
	pool    *session.Pool
	limiter *ratelimit.Limiter
	agg     *Aggregator
	coord   *Coordinator
	journal *memJournal
}

type memJournal struct {
	mu   sync.Mutex
	recs []model.MutationRecord
}

func (j *memJournal) Record(_ context.Context, r model.MutationRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
	return nil
}

func (j *memJournal) Recent(_ context.Context, limit int) ([]model.MutationRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if limit > len(j.recs) {
		limit = len(j.recs)
	}
	return append([]model.MutationRecord(nil), j.recs[len(j.recs)-limit:]...), nil
}

func seeded(id int64, clientID int, symbol string) model.Order {
	return model.Order{
		OrderID: id, ClientID: clientID, Account: "DU100001",
		Symbol: symbol, SecType: "STK", Exchange: "SMART", Currency: "USD",
		Action: model.Buy, Quantity: decimal.NewFromInt(10), OrderType: model.Limit,
		LimitPrice: decimal.NewFromInt(100), TIF: model.Day,
	}
}

func newHarness(t *testing.T, primaryID int, cfg Config, seeds ...model.Order) *harness {
	t.Helper()
	log := logger.Discard()
	srv := fakegw.New(log)
	if err := srv.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Close() })
	for _, o := range seeds {
		srv.SeedOrder(o)
	}

	ep := session.Endpoint{Host: "127.0.0.1", Port: srv.Port(), ClientID: primaryID}
	primary := session.New(session.Config{}, nil, log)
	if err := primary.Connect(context.Background(), ep, 2*time.Second); err != nil {
		t.Fatalf("connect primary: %v", err)
	}
	t.Cleanup(primary.Disconnect)

	pool := session.NewPool(session.PoolConfig{Endpoint: ep, ConnectTimeout: time.Second}, nil, log)
	t.Cleanup(pool.Close)

	if cfg.RebuildTimeout == 0 {
		cfg.RebuildTimeout = time.Second
	}
	limiter := ratelimit.New(ratelimit.Config{ReadPerSecond: 1000, MutationPerSecond: 1000}, nil, log)
	agg := NewAggregator(cfg, primary, limiter, log)
	primary.SubscribeEvents(agg.HandleEvent)
	pool.OnEvent = agg.HandleEvent

	journal := &memJournal{}
	coord := NewCoordinator(CoordinatorConfig{MutationTimeout: time.Second}, agg, pool, limiter,
		ratelimit.NewContractSlots(0), journal, log)
	return &harness{srv: srv, primary: primary, pool: pool, limiter: limiter, agg: agg, coord: coord, journal: journal}
}

func ids(orders []model.Order) []int64 {
	out := make([]int64, len(orders))
	for i, o := range orders {
		out[i] = o.OrderID
	}
	return out
}

func sameIDs(t *testing.T, got []model.Order, want ...int64) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("orders = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("orders = %v, want %v", g, want)
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAggregator_GetAllOrdersCarriesOwner(t *testing.T) {
	h := newHarness(t, 0, Config{},
		seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"), seeded(1003, 5, "NVDA"), seeded(1004, 7, "AMD"))

	all, err := h.agg.GetAllOrders(context.Background())
	if err != nil {
		t.Fatalf("GetAllOrders: %v", err)
	}
	sameIDs(t, all, 1001, 1002, 1003, 1004)
	owners := map[int64]int{1001: 0, 1002: 5, 1003: 5, 1004: 7}
	for _, o := range all {
		if o.ClientID != owners[o.OrderID] {
			t.Errorf("order %d owner = %d, want %d", o.OrderID, o.ClientID, owners[o.OrderID])
		}
		if o.Status != model.StatusSubmitted {
			t.Errorf("order %d status = %s", o.OrderID, o.Status)
		}
	}
	if clients := h.agg.Index().Clients(); len(clients) != 3 {
		t.Errorf("clients = %v", clients)
	}
}

func TestAggregator_RebuildIsIdempotent(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"))
	ctx := context.Background()

	first, err := h.agg.GetAllOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := h.agg.GetAllOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("sizes differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		a, b := first[i], second[i]
		if a.OrderID != b.OrderID || a.ClientID != b.ClientID || a.Status != b.Status ||
			!a.Quantity.Equal(b.Quantity) || !a.LimitPrice.Equal(b.LimitPrice) {
			t.Errorf("rebuilds differ at %d: %+v vs %+v", i, a, b)
		}
	}
}

func TestAggregator_GetOrdersSubsetOfAll(t *testing.T) {
	h := newHarness(t, 0, Config{},
		seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"), seeded(1003, 7, "NVDA"), seeded(1004, 7, "AMD"))
	ctx := context.Background()

	all, err := h.agg.GetAllOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, cid := range []int{0, 5, 7, 9} {
		mine, err := h.agg.GetOrders(ctx, cid)
		if err != nil {
			t.Fatalf("GetOrders(%d): %v", cid, err)
		}
		want := map[int64]bool{}
		for _, o := range all {
			if o.ClientID == cid {
				want[o.OrderID] = true
			}
		}
		for _, o := range mine {
			if !want[o.OrderID] || o.ClientID != cid {
				t.Errorf("GetOrders(%d) returned %d not in the all-orders view", cid, o.OrderID)
			}
		}
	}
}

func TestAggregator_FreshIndexSkipsQuery(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1001, 0, "AAPL"))
	ctx := context.Background()

	if _, err := h.agg.GetOrders(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := h.agg.GetOrders(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 1 {
		t.Errorf("upstream queried %d times, want 1", n)
	}
}

func TestAggregator_StaleIndexRebuilds(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: 30 * time.Millisecond}, seeded(1001, 0, "AAPL"))
	ctx := context.Background()

	if _, err := h.agg.GetOrders(ctx, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := h.agg.GetOrders(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 2 {
		t.Errorf("upstream queried %d times, want 2", n)
	}
}

func TestAggregator_NonMasterPrivilege(t *testing.T) {
	h := newHarness(t, 3, Config{MasterClientID: 0}, seeded(1001, 0, "AAPL"), seeded(1002, 3, "MSFT"))
	ctx := context.Background()

	if _, err := h.agg.GetAllOrders(ctx); !errors.Is(err, errs.ErrInsufficientPrivilege) {
		t.Fatalf("expected ErrInsufficientPrivilege, got %v", err)
	}
	if n := len(h.srv.Received(3, tws.OutReqAllOpenOrders)); n != 0 {
		t.Errorf("all-orders query issued %d times by a non-master client", n)
	}

	mine, err := h.agg.GetOrders(ctx, 3)
	if err != nil {
		t.Fatalf("GetOrders: %v", err)
	}
	sameIDs(t, mine, 1002)
	if n := len(h.srv.Received(3, tws.OutReqOpenOrders)); n != 1 {
		t.Errorf("scoped query sent %d times", n)
	}
}

func TestAggregator_PartialRebuild(t *testing.T) {
	h := newHarness(t, 0, Config{RebuildTimeout: 200 * time.Millisecond},
		seeded(1001, 0, "AAPL"), seeded(1002, 2, "MSFT"), seeded(1003, 5, "NVDA"))
	ctx := context.Background()

	if _, err := h.agg.GetAllOrders(ctx); err != nil {
		t.Fatal(err)
	}
	h.srv.Fill(1003, decimal.NewFromInt(99))
	h.srv.SuppressOpenOrderEnd(true)

	got, err := h.agg.GetAllOrders(ctx)
	if !errors.Is(err, errs.ErrPartialIndex) {
		t.Fatalf("expected ErrPartialIndex, got %v", err)
	}
	sameIDs(t, got, 1001, 1002)
	if _, ok := h.agg.Index().Lookup(1003); ok {
		t.Error("partial rebuild kept an order from the previous index")
	}
	info := h.agg.Index().Info()
	if info.Complete || info.Size != 2 {
		t.Errorf("info = %+v", info)
	}
	if h.agg.Fresh() {
		t.Error("an incomplete index must not count as fresh")
	}

	mine, err := h.agg.GetOrders(ctx, 2)
	if !errors.Is(err, errs.ErrPartialIndex) {
		t.Errorf("GetOrders over a partial rebuild: %v", err)
	}
	sameIDs(t, mine, 1002)
}

func TestAggregator_SilentGatewayIsTimeout(t *testing.T) {
	h := newHarness(t, 0, Config{RebuildTimeout: 100 * time.Millisecond}, seeded(1001, 0, "AAPL"))
	h.srv.Mute(0, true)

	_, err := h.agg.GetAllOrders(context.Background())
	if !errors.Is(err, errs.ErrRequestTimeout) || errors.Is(err, errs.ErrPartialIndex) {
		t.Errorf("expected plain timeout, got %v", err)
	}
	if !h.agg.Index().Info().BuiltAt.IsZero() {
		t.Error("index must not be swapped when nothing was collected")
	}
}

func TestAggregator_EventsPatchIndex(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"))
	var changed []int64
	var mu sync.Mutex
	h.agg.OnOrderChange = func(o model.Order) {
		mu.Lock()
		changed = append(changed, o.OrderID)
		mu.Unlock()
	}
	if _, err := h.agg.GetAllOrders(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.srv.Fill(1002, decimal.NewFromInt(101))
	waitFor(t, "fill applied", func() bool {
		o, _ := h.agg.Index().Lookup(1002)
		return o.Status == model.StatusFilled
	})
	o, _ := h.agg.Index().Lookup(1002)
	if !o.Filled.Equal(decimal.NewFromInt(10)) || o.ClientID != 5 {
		t.Errorf("filled order = %+v", o)
	}
	if other, _ := h.agg.Index().Lookup(1001); other.Status != model.StatusSubmitted {
		t.Errorf("unrelated order changed: %s", other.Status)
	}
}

func TestAggregator_GetOrder(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"))
	ctx := context.Background()

	o, err := h.agg.GetOrder(ctx, 1002)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if o.ClientID != 5 || o.Symbol != "MSFT" {
		t.Errorf("order = %+v", o)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 1 {
		t.Errorf("rebuilds = %d, want 1", n)
	}

	if _, err := h.agg.GetOrder(ctx, 1001); err != nil {
		t.Fatal(err)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 1 {
		t.Errorf("fresh hit rebuilt: %d rebuilds", n)
	}
}

func TestAggregator_GetOrderNotFound(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1001, 0, "AAPL"))
	if _, err := h.agg.GetOrder(context.Background(), 9999); !errors.Is(err, errs.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestCoordinator_CancelForeignOrder(t *testing.T) {
	h := newHarness(t, 0, Config{},
		seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"), seeded(1003, 5, "NVDA"))

	out, err := h.coord.CancelOrder(context.Background(), 1002)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if out.Result != model.OutcomeSucceeded || out.ClientID != 5 || out.Status != model.StatusCancelled {
		t.Errorf("outcome = %+v", out)
	}
	if n := len(h.srv.Received(5, tws.OutCancelOrder)); n != 1 {
		t.Errorf("cancels sent as client 5: %d, want 1", n)
	}
	if n := len(h.srv.Received(0, tws.OutCancelOrder)); n != 0 {
		t.Errorf("cancels sent as client 0: %d, want 0", n)
	}
	if o, _ := h.srv.Order(1002); o.Status != model.StatusCancelled {
		t.Errorf("gateway status = %s", o.Status)
	}

	o, _ := h.agg.Index().Lookup(1002)
	if o.Status != model.StatusCancelled {
		t.Errorf("index status = %s, want Cancelled", o.Status)
	}
	for _, id := range []int64{1001, 1003} {
		if other, _ := h.agg.Index().Lookup(id); other.Status != model.StatusSubmitted {
			t.Errorf("order %d status changed to %s", id, other.Status)
		}
	}
	if h.pool.Active() != 1 {
		t.Errorf("pooled sessions = %d, want 1 kept for the idle grace", h.pool.Active())
	}
}

func TestCoordinator_CancelOwnOrderUsesPrimary(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1001, 0, "AAPL"))

	if _, err := h.coord.CancelOrder(context.Background(), 1001); err != nil {
		t.Fatal(err)
	}
	if n := len(h.srv.Received(0, tws.OutCancelOrder)); n != 1 {
		t.Errorf("cancels on primary: %d", n)
	}
	if h.pool.Active() != 0 {
		t.Error("own-order cancel opened a secondary session")
	}
}

func TestCoordinator_CancelUnknownOrder(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1001, 0, "AAPL"))
	ctx := context.Background()

	out, err := h.coord.CancelOrder(ctx, 9999)
	if !errors.Is(err, errs.ErrOrderNotFound) || out.Result != model.OutcomeNotFound {
		t.Fatalf("got %+v, %v", out, err)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 1 {
		t.Errorf("rebuilds = %d, want 1 (stale index)", n)
	}

	if _, err := h.coord.CancelOrder(ctx, 9999); !errors.Is(err, errs.ErrOrderNotFound) {
		t.Fatalf("second cancel: %v", err)
	}
	if n := len(h.srv.Received(0, tws.OutReqAllOpenOrders)); n != 2 {
		t.Errorf("rebuilds = %d, want 2 (forced rebuild on a fresh miss)", n)
	}
}

func TestCoordinator_LateCancelConfirmation(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"))
	if _, err := h.agg.GetAllOrders(context.Background()); err != nil {
		t.Fatal(err)
	}
	h.srv.Mute(0, true)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := h.coord.CancelOrder(ctx, 1001); !errors.Is(err, errs.ErrRequestTimeout) {
		t.Fatalf("expected caller timeout, got %v", err)
	}
	if o, _ := h.agg.Index().Lookup(1001); o.Status != model.StatusSubmitted {
		t.Fatalf("index status before confirmation = %s", o.Status)
	}

	h.srv.Push(0, tws.ErrorMessage(1001, tws.CodeOrderCancelled, "Order Canceled - reason:"))
	waitFor(t, "late confirmation applied", func() bool {
		o, _ := h.agg.Index().Lookup(1001)
		return o.Status == model.StatusCancelled
	})
}

func TestAggregator_CancelConfirmationNeedsOwner(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1002, 5, "MSFT"))
	if _, err := h.agg.GetAllOrders(context.Background()); err != nil {
		t.Fatal(err)
	}

	h.agg.HandleEvent(session.Event{
		Kind:    session.EventError,
		Session: 0,
		Error:   tws.APIError{ID: 1002, Code: tws.CodeOrderCancelled},
		At:      time.Now(),
	})
	if o, _ := h.agg.Index().Lookup(1002); o.Status != model.StatusSubmitted {
		t.Errorf("confirmation on a foreign session changed status to %s", o.Status)
	}

	h.agg.HandleEvent(session.Event{
		Kind:    session.EventError,
		Session: 5,
		Error:   tws.APIError{ID: 1002, Code: tws.CodeOrderCancelled},
		At:      time.Now(),
	})
	if o, _ := h.agg.Index().Lookup(1002); o.Status != model.StatusCancelled {
		t.Errorf("status = %s, want Cancelled", o.Status)
	}
}

func TestCoordinator_CancelTerminalOrder(t *testing.T) {
	h := newHarness(t, 0, Config{Freshness: time.Minute}, seeded(1002, 5, "MSFT"))
	ctx := context.Background()

	if _, err := h.coord.CancelOrder(ctx, 1002); err != nil {
		t.Fatal(err)
	}
	out, err := h.coord.CancelOrder(ctx, 1002)
	if !errors.Is(err, errs.ErrRejected) || out.Result != model.OutcomeFailed {
		t.Errorf("got %+v, %v", out, err)
	}
	if n := len(h.srv.Received(5, tws.OutCancelOrder)); n != 1 {
		t.Errorf("terminal order was cancelled upstream again: %d sends", n)
	}
}

func TestCoordinator_CancelAllPoolsPerClient(t *testing.T) {
	h := newHarness(t, 0, Config{},
		seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"), seeded(1003, 5, "NVDA"),
		seeded(1004, 7, "AMD"), seeded(1005, 7, "INTC"), seeded(1006, 7, "TSLA"))

	outs, err := h.coord.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll: %v", err)
	}
	if len(outs) != 6 {
		t.Fatalf("outcomes = %d, want 6", len(outs))
	}
	for _, o := range outs {
		if o.Result != model.OutcomeSucceeded {
			t.Errorf("order %d: %+v", o.OrderID, o)
		}
	}
	if n := h.srv.Connects(5); n != 1 {
		t.Errorf("sessions opened for client 5: %d", n)
	}
	if n := h.srv.Connects(7); n != 1 {
		t.Errorf("sessions opened for client 7: %d", n)
	}
	if n := len(h.srv.Received(7, tws.OutCancelOrder)); n != 3 {
		t.Errorf("client 7 cancels = %d", n)
	}
}

func TestCoordinator_CancelAllSecondaryUnavailable(t *testing.T) {
	h := newHarness(t, 0, Config{},
		seeded(1001, 0, "AAPL"), seeded(1002, 5, "MSFT"), seeded(1003, 5, "NVDA"))
	h.srv.RejectClient(5)

	outs, err := h.coord.CancelAll(context.Background())
	if err != nil {
		t.Fatalf("CancelAll must report failures as data: %v", err)
	}
	byID := make(map[int64]model.CancelOutcome)
	for _, o := range outs {
		byID[o.OrderID] = o
	}
	if len(byID) != 3 {
		t.Fatalf("outcomes = %+v, want exactly 1001..1003", outs)
	}
	if byID[1001].Result != model.OutcomeSucceeded {
		t.Errorf("1001: %+v", byID[1001])
	}
	for _, id := range []int64{1002, 1003} {
		o := byID[id]
		if o.Result != model.OutcomeFailed || o.Code != errs.CodeConnection.String() || o.Reason == "" {
			t.Errorf("%d: %+v", id, o)
		}
	}
	if n := h.srv.Connects(5); n != 1 {
		t.Errorf("client 5 connect attempts = %d, want 1 for the whole group", n)
	}
}

func TestCoordinator_BreakerBlocksMutations(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1001, 0, "AAPL"))
	ctx := context.Background()
	h.limiter.TripBreaker("test")

	if _, err := h.coord.CancelOrder(ctx, 1001); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Errorf("CancelOrder: %v", err)
	}
	if _, err := h.coord.CancelAll(ctx); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Errorf("CancelAll: %v", err)
	}
	spec := model.OrderSpec{Symbol: "AAPL", Action: model.Buy, Quantity: decimal.NewFromInt(1), OrderType: model.Market}
	if _, err := h.coord.PlaceOrder(ctx, spec); !errors.Is(err, errs.ErrBreakerOpen) {
		t.Errorf("PlaceOrder: %v", err)
	}
	if n := len(h.srv.Received(0, tws.OutCancelOrder)) + len(h.srv.Received(0, tws.OutPlaceOrder)); n != 0 {
		t.Errorf("%d mutations reached the gateway with the breaker open", n)
	}

	h.limiter.ResetBreaker()
	if _, err := h.coord.CancelOrder(ctx, 1001); err != nil {
		t.Errorf("CancelOrder after reset: %v", err)
	}
}

func TestCoordinator_PlaceOrder(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1001, 0, "AAPL"))

	o, err := h.coord.PlaceOrder(context.Background(), model.OrderSpec{
		Symbol: "msft", Action: model.Buy, Quantity: decimal.NewFromInt(5),
		OrderType: model.Limit, LimitPrice: decimal.RequireFromString("410.25"),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if o.OrderID < 1002 || o.ClientID != 0 || o.Symbol != "MSFT" || o.Status != model.StatusSubmitted {
		t.Errorf("placed = %+v", o)
	}
	if _, ok := h.agg.Index().Lookup(o.OrderID); !ok {
		t.Error("placed order not indexed")
	}
	if g, ok := h.srv.Order(o.OrderID); !ok || !g.LimitPrice.Equal(decimal.RequireFromString("410.25")) {
		t.Errorf("gateway order = %+v", g)
	}

	h.journal.mu.Lock()
	defer h.journal.mu.Unlock()
	if len(h.journal.recs) != 1 || h.journal.recs[0].Op != "place" || h.journal.recs[0].TraceID == "" {
		t.Errorf("journal = %+v", h.journal.recs)
	}
}

func TestCoordinator_PlaceOrderInvalid(t *testing.T) {
	h := newHarness(t, 0, Config{})
	_, err := h.coord.PlaceOrder(context.Background(), model.OrderSpec{
		Symbol: "AAPL", Action: model.Buy, Quantity: decimal.NewFromInt(1), OrderType: model.Limit,
	})
	if !errors.Is(err, errs.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
	if n := len(h.srv.Received(0, tws.OutPlaceOrder)); n != 0 {
		t.Errorf("invalid order reached the gateway")
	}
}

func TestCoordinator_ModifyForeignOrder(t *testing.T) {
	h := newHarness(t, 0, Config{}, seeded(1002, 5, "MSFT"))

	o, err := h.coord.ModifyOrder(context.Background(), 1002, model.OrderSpec{
		Quantity: decimal.NewFromInt(20), OrderType: model.Limit, LimitPrice: decimal.NewFromInt(101),
	})
	if err != nil {
		t.Fatalf("ModifyOrder: %v", err)
	}
	if o.ClientID != 5 || !o.Quantity.Equal(decimal.NewFromInt(20)) {
		t.Errorf("modified = %+v", o)
	}
	if n := len(h.srv.Received(5, tws.OutPlaceOrder)); n != 1 {
		t.Errorf("modify sent as client 5: %d", n)
	}
	if g, _ := h.srv.Order(1002); !g.LimitPrice.Equal(decimal.NewFromInt(101)) {
		t.Errorf("gateway limit = %s", g.LimitPrice)
	}

	_, err = h.coord.ModifyOrder(context.Background(), 1002, model.OrderSpec{
		Symbol: "AAPL", Quantity: decimal.NewFromInt(1), OrderType: model.Market,
	})
	if !errors.Is(err, errs.ErrInvalidOrder) {
		t.Errorf("changing the contract: %v", err)
	}
}

func TestIndex_NewerOwnerWins(t *testing.T) {
	ix := NewIndex()
	now := time.Now()
	a := seeded(1, 2, "AAPL")
	b := seeded(1, 4, "AAPL")
	ix.Swap([]model.Order{a, b}, true, now, now)

	if got := ix.ForClient(2); len(got) != 0 {
		t.Errorf("client 2 still owns %v", ids(got))
	}
	if o, _ := ix.Lookup(1); o.ClientID != 4 {
		t.Errorf("owner = %d, want 4", o.ClientID)
	}

	ix.Upsert(seeded(1, 6, "AAPL"))
	if got := ix.Clients(); len(got) != 1 || got[0] != 6 {
		t.Errorf("clients = %v", got)
	}
}
