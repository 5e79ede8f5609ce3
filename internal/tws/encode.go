package tws

import (
	"strings"

	"tws-bridge/internal/model"
	"tws-bridge/internal/wire"
)

// Server-side encoders. The fake gateway and tests use these; they mirror the
// parsers field for field.

func OpenOrderMessage(o model.Order) wire.Message {
	return wire.NewMessage(InOpenOrder,
		o.OrderID, o.ClientID, o.PermID, o.Account,
		o.Symbol, o.SecType, o.Exchange, o.Currency,
		string(o.Action), o.Quantity, string(o.OrderType),
		o.LimitPrice, o.AuxPrice, string(o.TIF),
		string(o.Status), o.ParentID,
	)
}

func OrderStatusMessage(u model.StatusUpdate) wire.Message {
	return wire.NewMessage(InOrderStatus,
		u.OrderID, string(u.Status), u.Filled.String(), u.Remaining.String(),
		u.AvgFillPrice, u.PermID, u.ParentID, u.LastFillPrice, u.ClientID, u.WhyHeld,
	)
}

func OpenOrderEndMessage() wire.Message { return wire.NewMessage(InOpenOrderEnd, 1) }

func NextValidIDMessage(id int64) wire.Message { return wire.NewMessage(InNextValidID, 1, id) }

func ManagedAccountsMessage(accounts []string) wire.Message {
	return wire.NewMessage(InManagedAccts, 1, strings.Join(accounts, ","))
}

func CurrentTimeMessage(unix int64) wire.Message { return wire.NewMessage(InCurrentTime, 1, unix) }

func ExecutionMessage(reqID int64, e model.Execution) wire.Message {
	return wire.NewMessage(InExecutionData, reqID, e.OrderID, e.ClientID, e.ExecID,
		e.Account, e.Symbol, e.Side, e.Shares, e.Price, e.Time)
}

func PositionMessage(p model.Position) wire.Message {
	return wire.NewMessage(InPositionData, 3, p.Account, p.ConID, p.Symbol, p.SecType,
		p.Currency, p.Quantity.String(), p.AvgCost.String())
}

func PositionEndMessage() wire.Message { return wire.NewMessage(InPositionEnd, 1) }

func AccountSummaryMessage(reqID int64, v model.AccountValue) wire.Message {
	return wire.NewMessage(InAccountSummary, 1, reqID, v.Account, v.Tag, v.Value, v.Currency)
}

func AccountSummaryEndMessage(reqID int64) wire.Message {
	return wire.NewMessage(InAccountSummaryEnd, 1, reqID)
}

func TickPriceMessage(reqID int64, tickType int, price string) wire.Message {
	return wire.NewMessage(InTickPrice, 6, reqID, tickType, price, "", 0)
}

func TickSnapshotEndMessage(reqID int64) wire.Message {
	return wire.NewMessage(InTickSnapshotEnd, 1, reqID)
}

// ParsePlaceOrder reads PLACE_ORDER on the gateway side.
func ParsePlaceOrder(m wire.Message) (int64, model.OrderSpec, error) {
	r := m.Reader()
	id := r.Int64()
	s := model.OrderSpec{
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
		Account:    r.String(),
		OutsideRTH: r.Bool(),
	}
	return id, s, r.Err()
}

// ParseCancelOrder reads CANCEL_ORDER on the gateway side.
func ParseCancelOrder(m wire.Message) (int64, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int64()
	return id, r.Err()
}

// ParseStartAPI reads START_API on the gateway side.
func ParseStartAPI(m wire.Message) (int, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int()
	return id, r.Err()
}

// ParseAccountSummaryRequest reads REQ_ACCOUNT_SUMMARY on the gateway side.
func ParseAccountSummaryRequest(m wire.Message) (int64, []string, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int64()
	r.Skip(1) // group
	tags := strings.Split(r.String(), ",")
	return id, tags, r.Err()
}

// ParseMktDataRequest reads REQ_MKT_DATA on the gateway side.
func ParseMktDataRequest(m wire.Message) (int64, string, error) {
	r := m.Reader()
	r.Skip(1)
	id := r.Int64()
	r.Skip(1) // conId
	sym := r.String()
	return id, sym, r.Err()
}
