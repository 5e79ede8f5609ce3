// Package tws knows the gateway message vocabulary: ids, field layouts,
// builders for outgoing requests and parsers for inbound messages.
//
// Layouts are the compact forms used by this bridge:
//
//	OPEN_ORDER     5|orderId|clientId|permId|account|symbol|secType|exchange|currency|action|qty|orderType|lmt|aux|tif|status|parentId
//	ORDER_STATUS   3|orderId|status|filled|remaining|avgFill|permId|parentId|lastFill|clientId|whyHeld
//	ERR_MSG        4|2|id|code|message
//	EXECUTION_DATA 11|reqId|orderId|clientId|execId|account|symbol|side|shares|price|time
//	POSITION_DATA  61|3|account|conId|symbol|secType|currency|position|avgCost
//	ACCOUNT_SUMMARY 63|1|reqId|account|tag|value|currency
//	TICK_PRICE     1|6|reqId|tickType|price|size|attrMask
package tws

import (
	"strings"

	"tws-bridge/internal/model"
	"tws-bridge/internal/wire"
)

// Outgoing message ids.
const (
	OutReqMktData           = 1
	OutCancelMktData        = 2
	OutPlaceOrder           = 3
	OutCancelOrder          = 4
	OutReqOpenOrders        = 5
	OutReqIDs               = 8
	OutReqAllOpenOrders     = 16
	OutReqCurrentTime       = 49
	OutReqMarketDataType    = 59
	OutReqPositions         = 61
	OutReqAccountSummary    = 62
	OutCancelAccountSummary = 63
	OutCancelPositions      = 64
	OutStartAPI             = 71
)

// Incoming message ids.
const (
	InTickPrice         = 1
	InOrderStatus       = 3
	InErrMsg            = 4
	InOpenOrder         = 5
	InNextValidID       = 9
	InExecutionData     = 11
	InManagedAccts      = 15
	InCurrentTime       = 49
	InOpenOrderEnd      = 53
	InTickSnapshotEnd   = 57
	InPositionData      = 61
	InPositionEnd       = 62
	InAccountSummary    = 63
	InAccountSummaryEnd = 64
)

// Tick types carried by TICK_PRICE. Delayed variants are offset by 65.
const (
	TickBid          = 1
	TickAsk          = 2
	TickLast         = 4
	TickClose        = 9
	TickDelayedBid   = 66
	TickDelayedAsk   = 67
	TickDelayedLast  = 68
	TickDelayedClose = 75
)

// StartAPI announces the client id after the version handshake.
func StartAPI(clientID int) wire.Message {
	return wire.NewMessage(OutStartAPI, 2, clientID, "")
}

// ReqOpenOrders asks for the session's own open orders.
func ReqOpenOrders() wire.Message { return wire.NewMessage(OutReqOpenOrders, 1) }

// ReqAllOpenOrders asks for every client's open orders (master client only).
func ReqAllOpenOrders() wire.Message { return wire.NewMessage(OutReqAllOpenOrders, 1) }

// ReqIDs asks for the next valid order id.
func ReqIDs() wire.Message { return wire.NewMessage(OutReqIDs, 1, 1) }

// ReqCurrentTime is the cheapest round trip; used as heartbeat.
func ReqCurrentTime() wire.Message { return wire.NewMessage(OutReqCurrentTime, 1) }

// PlaceOrder places a new order, or modifies orderID when it already exists.
func PlaceOrder(orderID int64, s model.OrderSpec) wire.Message {
	return wire.NewMessage(OutPlaceOrder,
		orderID,
		s.Symbol, s.SecType, s.Exchange, s.Currency,
		string(s.Action), s.Quantity, string(s.OrderType),
		s.LimitPrice, s.AuxPrice, string(s.TIF),
		s.Account, s.OutsideRTH, true,
	)
}

// CancelOrder cancels orderID. Only the owning client may cancel.
func CancelOrder(orderID int64) wire.Message {
	return wire.NewMessage(OutCancelOrder, 1, orderID, "")
}

// ReqPositions subscribes to positions; the snapshot ends with POSITION_END.
func ReqPositions() wire.Message { return wire.NewMessage(OutReqPositions, 1) }

// CancelPositions ends a positions subscription.
func CancelPositions() wire.Message { return wire.NewMessage(OutCancelPositions, 1) }

// ReqAccountSummary subscribes to tags for group ("All" for every account).
func ReqAccountSummary(reqID int64, group string, tags []string) wire.Message {
	return wire.NewMessage(OutReqAccountSummary, 1, reqID, group, strings.Join(tags, ","))
}

// CancelAccountSummary ends an account summary subscription.
func CancelAccountSummary(reqID int64) wire.Message {
	return wire.NewMessage(OutCancelAccountSummary, 1, reqID)
}

// ReqMarketDataType switches between live (1), frozen (2) and delayed (3) data.
func ReqMarketDataType(t int) wire.Message {
	return wire.NewMessage(OutReqMarketDataType, 1, t)
}

// ReqMktDataSnapshot requests a one-shot quote for a stock symbol.
func ReqMktDataSnapshot(reqID int64, symbol, exchange, currency string) wire.Message {
	return wire.NewMessage(OutReqMktData, 11, reqID, 0, symbol, "STK", exchange, currency, "", true, false, "")
}

// CancelMktData ends a market data request.
func CancelMktData(reqID int64) wire.Message {
	return wire.NewMessage(OutCancelMktData, 2, reqID)
}

// Greeting is what the gateway tells a client right after START_API.
type Greeting struct {
	NextOrderID int64
	Accounts    []string
}

// ParseNextValidID reads NEXT_VALID_ID.
func ParseNextValidID(m wire.Message) (int64, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int64()
	return id, r.Err()
}

// ParseManagedAccounts reads MANAGED_ACCTS.
func ParseManagedAccounts(m wire.Message) ([]string, error) {
	r := m.Reader()
	r.Skip(1)
	raw := r.String()
	if r.Err() != nil {
		return nil, r.Err()
	}
	var out []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out, nil
}

// ParseOpenOrder reads OPEN_ORDER. The owner is the clientId field, never the
// session that received it.
func ParseOpenOrder(m wire.Message) (model.Order, error) {
	r := m.Reader()
	o := model.Order{
		OrderID:    r.Int64(),
		ClientID:   r.Int(),
		PermID:     r.Int64(),
		Account:    r.String(),
		Symbol:     r.String(),
		SecType:    r.String(),
		Exchange:   r.String(),
		Currency:   r.String(),
		Action:     model.Action(r.String()),
		Quantity:   r.Decimal(),
		OrderType:  model.OrderType(r.String()),
		LimitPrice: r.Decimal(),
		AuxPrice:   r.Decimal(),
		TIF:        model.TimeInForce(r.String()),
		Status:     model.Status(r.String()),
		ParentID:   r.Int64(),
	}
	o.Remaining = o.Quantity
	return o, r.Err()
}

// ParseOrderStatus reads ORDER_STATUS.
func ParseOrderStatus(m wire.Message) (model.StatusUpdate, error) {
	r := m.Reader()
	u := model.StatusUpdate{
		OrderID:       r.Int64(),
		Status:        model.Status(r.String()),
		Filled:        r.Decimal(),
		Remaining:     r.Decimal(),
		AvgFillPrice:  r.Decimal(),
		PermID:        r.Int64(),
		ParentID:      r.Int64(),
		LastFillPrice: r.Decimal(),
		ClientID:      r.Int(),
	}
	if r.Remaining() > 0 {
		u.WhyHeld = r.String()
	}
	return u, r.Err()
}

// ParseExecution reads EXECUTION_DATA.
func ParseExecution(m wire.Message) (model.Execution, error) {
	r := m.Reader()
	r.Skip(1) // reqId
	e := model.Execution{
		OrderID:  r.Int64(),
		ClientID: r.Int(),
		ExecID:   r.String(),
		Account:  r.String(),
		Symbol:   r.String(),
		Side:     r.String(),
		Shares:   r.Decimal(),
		Price:    r.Decimal(),
		Time:     r.String(),
	}
	return e, r.Err()
}

// ParsePosition reads POSITION_DATA.
func ParsePosition(m wire.Message) (model.Position, error) {
	r := m.Reader()
	r.Skip(1) // version
	p := model.Position{
		Account:  r.String(),
		ConID:    r.Int64(),
		Symbol:   r.String(),
		SecType:  r.String(),
		Currency: r.String(),
		Quantity: r.Decimal(),
		AvgCost:  r.Decimal(),
	}
	return p, r.Err()
}

// ParseAccountSummary reads ACCOUNT_SUMMARY and returns its request id.
func ParseAccountSummary(m wire.Message) (int64, model.AccountValue, error) {
	r := m.Reader()
	r.Skip(1)
	reqID := r.Int64()
	v := model.AccountValue{
		Account:  r.String(),
		Tag:      r.String(),
		Value:    r.String(),
		Currency: r.String(),
	}
	return reqID, v, r.Err()
}

// ParseRequestEnd reads the request id of a *_END message carrying
// version|reqId (ACCOUNT_SUMMARY_END, TICK_SNAPSHOT_END).
func ParseRequestEnd(m wire.Message) (int64, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int64()
	return id, r.Err()
}

// TickPrice is one TICK_PRICE message.
type TickPrice struct {
	ReqID    int64
	TickType int
	Price    string
}

// ParseTickPrice reads TICK_PRICE.
func ParseTickPrice(m wire.Message) (TickPrice, error) {
	r := m.Reader()
	r.Skip(1)
	t := TickPrice{
		ReqID:    r.Int64(),
		TickType: r.Int(),
		Price:    r.String(),
	}
	return t, r.Err()
}

// ParseCurrentTime reads CURRENT_TIME as unix seconds.
func ParseCurrentTime(m wire.Message) (int64, error) {
	r := m.Reader()
	r.Skip(1)
	ts := r.Int64()
	return ts, r.Err()
}
