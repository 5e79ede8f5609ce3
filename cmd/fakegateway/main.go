// cmd/fakegateway runs the in-process fake gateway on a TCP port so the
// bridge can be exercised without TWS or IB Gateway.
//
// It seeds working orders owned by a few client ids, a positions snapshot,
// an account summary, and quotes that random-walk on an interval.
//
// Config (env vars):
//
//	FAKE_GW_ADDR        listen address (default: "127.0.0.1:7497")
//	FAKE_GW_SYMBOLS     comma-separated SYMBOL:PRICE pairs (default: "AAPL:190.25,MSFT:410.10,SPY:520.40")
//	FAKE_GW_CLIENTS     client ids that own seeded orders (default: "0,5,7")
//	FAKE_GW_TICK_MS     quote update interval in milliseconds (default: "500")
//	FAKE_GW_FILL_EVERY  fill one seeded order this often, 0 disables (default: "0")
//	LOG_LEVEL           debug, info, warn or error
package main

import (
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/tws/fakegw"
)

const account = "DU100001"

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  decimal.Decimal
}

func main() {
	log := logger.Init("fakegateway", logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	addr := envOrDefault("FAKE_GW_ADDR", "127.0.0.1:7497")
	instruments := parseInstruments(envOrDefault("FAKE_GW_SYMBOLS", "AAPL:190.25,MSFT:410.10,SPY:520.40"))
	if len(instruments) == 0 {
		log.Error("no instruments configured via FAKE_GW_SYMBOLS")
		os.Exit(1)
	}
	clients := parseInts(envOrDefault("FAKE_GW_CLIENTS", "0,5,7"))
	tickEvery := time.Duration(envIntOrDefault("FAKE_GW_TICK_MS", 500)) * time.Millisecond
	fillEvery, err := time.ParseDuration(envOrDefault("FAKE_GW_FILL_EVERY", "0"))
	if err != nil {
		log.Error("invalid FAKE_GW_FILL_EVERY", "err", err)
		os.Exit(1)
	}

	srv := fakegw.New(log)
	ids := seed(srv, instruments, clients)
	log.Info("seeded", "orders", len(ids), "clients", clients, "symbols", len(instruments))

	if err := srv.Start(addr); err != nil {
		log.Error("listen", "addr", addr, "err", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go runQuotes(srv, instruments, tickEvery, done)
	if fillEvery > 0 {
		go runFills(srv, ids, fillEvery, done)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(done)
	srv.Close()
	log.Info("shutdown complete")
}

// seed gives every client one resting buy per instrument, below the market.
func seed(srv *fakegw.Server, instruments []instrument, clients []int) []int64 {
	var (
		ids       []int64
		positions []model.Position
		next      int64 = 1000
	)
	for _, clientID := range clients {
		for _, in := range instruments {
			srv.SeedOrder(model.Order{
				OrderID:    next,
				ClientID:   clientID,
				Account:    account,
				Symbol:     in.Symbol,
				SecType:    "STK",
				Exchange:   "SMART",
				Currency:   "USD",
				Action:     model.Buy,
				Quantity:   decimal.NewFromInt(10),
				OrderType:  model.Limit,
				LimitPrice: in.Price.Mul(decimal.RequireFromString("0.95")).Round(2),
				TIF:        model.Day,
			})
			ids = append(ids, next)
			next++
		}
	}
	for _, in := range instruments {
		positions = append(positions, model.Position{
			Account:  account,
			Symbol:   in.Symbol,
			SecType:  "STK",
			Currency: "USD",
			Quantity: decimal.NewFromInt(100),
			AvgCost:  in.Price.Mul(decimal.RequireFromString("0.9")).Round(4),
		})
	}
	srv.SetPositions(positions)
	srv.SetAccountSummary([]model.AccountValue{
		{Account: account, Tag: "AccountType", Value: "INDIVIDUAL"},
		{Account: account, Tag: "NetLiquidation", Value: "1000000.00", Currency: "USD"},
		{Account: account, Tag: "TotalCashValue", Value: "750000.00", Currency: "USD"},
		{Account: account, Tag: "BuyingPower", Value: "3000000.00", Currency: "USD"},
		{Account: account, Tag: "AvailableFunds", Value: "740000.00", Currency: "USD"},
	})
	return ids
}

// walkPrice applies a random walk of up to 0.1% to simulate price movement.
func walkPrice(rng *rand.Rand, price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromFloat((rng.Float64()*0.2 - 0.1) / 100.0)
	next := price.Add(price.Mul(pct)).Round(2)
	if next.LessThan(decimal.RequireFromString("0.01")) {
		return decimal.RequireFromString("0.01")
	}
	return next
}

func runQuotes(srv *fakegw.Server, instruments []instrument, every time.Duration, done <-chan struct{}) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	spread := decimal.RequireFromString("0.01")
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		for i := range instruments {
			in := &instruments[i]
			in.Price = walkPrice(rng, in.Price)
			srv.SetQuote(in.Symbol, tws.TickLast, in.Price.StringFixed(2))
			srv.SetQuote(in.Symbol, tws.TickBid, in.Price.Sub(spread).StringFixed(2))
			srv.SetQuote(in.Symbol, tws.TickAsk, in.Price.Add(spread).StringFixed(2))
			srv.SetQuote(in.Symbol, tws.TickDelayedLast, in.Price.StringFixed(2))
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// runFills fills one still-working seeded order per tick at its limit price.
func runFills(srv *fakegw.Server, ids []int64, every time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for _, id := range ids {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		o, ok := srv.Order(id)
		if !ok || o.Status.Terminal() {
			continue
		}
		srv.Fill(id, o.LimitPrice)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		seg := strings.SplitN(strings.TrimSpace(part), ":", 2)
		if len(seg) != 2 {
			continue
		}
		price, err := decimal.NewFromString(strings.TrimSpace(seg[1]))
		if err != nil || !price.IsPositive() {
			continue
		}
		result = append(result, instrument{
			Symbol: strings.ToUpper(strings.TrimSpace(seg[0])),
			Price:  price,
		})
	}
	return result
}

func parseInts(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil && n >= 0 {
			out = append(out, n)
		}
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
