// Package fakegw is an in-process gateway that speaks the bridge's wire
// vocabulary. It keeps an order book owned by client ids and enforces the
// ownership rules of the real gateway: a client cancels only its own orders
// and only client 0 sees every client's orders.
package fakegw

import (
	"errors"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tws-bridge/internal/logger"
	"tws-bridge/internal/model"
	"tws-bridge/internal/tws"
	"tws-bridge/internal/wire"
)

// ServerVersion is what the fake reports during the handshake.
const ServerVersion = 176

// MasterClientID sees every client's orders.
const MasterClientID = 0

type client struct {
	id   int
	conn *wire.Conn
}

// Server is a fake gateway listening on a TCP port.
type Server struct {
	log *slog.Logger
	ln  net.Listener
	wg  sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	clients   map[int]*client
	rejected  map[int]bool
	connects  map[int]int
	received  map[int][]wire.Message
	orders    map[int64]*model.Order
	nextID    int64
	nextPerm  int64
	accounts  []string
	positions []model.Position
	summary   []model.AccountValue
	quotes    map[string]map[int]string
	dataType  map[int]int

	suppressEnd bool
	muted       map[int]bool
}

// New returns a stopped server with a single paper account.
func New(log *slog.Logger) *Server {
	return &Server{
		log:      logger.Or(log).With("component", "fakegw"),
		clients:  make(map[int]*client),
		rejected: make(map[int]bool),
		connects: make(map[int]int),
		received: make(map[int][]wire.Message),
		orders:   make(map[int64]*model.Order),
		nextID:   1000,
		nextPerm: 900000,
		accounts: []string{"DU100001"},
		quotes:   make(map[string]map[int]string),
		dataType: make(map[int]int),
		muted:    make(map[int]bool),
	}
}

// Start listens on addr ("127.0.0.1:0" for an ephemeral port) and serves in
// the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.wg.Add(1)
	go s.accept()
	s.log.Info("fake gateway listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Port returns the listen port.
func (s *Server) Port() int { return s.ln.Addr().(*net.TCPAddr).Port }

// Close stops the listener and drops every client.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	s.DropAll()
	s.wg.Wait()
	return err
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("accept failed", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serve(nc)
		}()
	}
}

func (s *Server) serve(nc net.Conn) {
	c := wire.NewConn(nc)
	defer c.Close()

	connTime := time.Now().UTC().Format("20060102 15:04:05") + " UTC"
	if _, err := wire.AcceptHandshake(c, ServerVersion, connTime); err != nil {
		return
	}
	m, err := c.Recv()
	if err != nil || m.ID() != tws.OutStartAPI {
		return
	}
	id, err := tws.ParseStartAPI(m)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.connects[id]++
	if s.closed || s.rejected[id] || s.clients[id] != nil {
		s.mu.Unlock()
		c.Send(tws.ErrorMessage(tws.NoID, tws.CodeClientIDInUse, "Unable to connect as the client id is already in use."))
		return
	}
	cl := &client{id: id, conn: c}
	s.clients[id] = cl
	accounts := append([]string(nil), s.accounts...)
	next := s.nextID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.clients[id] == cl {
			delete(s.clients, id)
		}
		s.mu.Unlock()
	}()

	s.log.Debug("client connected", "client_id", id)
	c.Send(tws.ManagedAccountsMessage(accounts))
	c.Send(tws.NextValidIDMessage(next))

	for {
		m, err := c.Recv()
		if err != nil {
			return
		}
		s.handle(cl, m)
	}
}

func (s *Server) handle(cl *client, m wire.Message) {
	s.mu.Lock()
	s.received[cl.id] = append(s.received[cl.id], m)
	muted := s.muted[cl.id]
	s.mu.Unlock()
	if muted {
		return
	}

	switch m.ID() {
	case tws.OutReqCurrentTime:
		cl.conn.Send(tws.CurrentTimeMessage(time.Now().Unix()))
	case tws.OutReqIDs:
		s.mu.Lock()
		next := s.nextID
		s.mu.Unlock()
		cl.conn.Send(tws.NextValidIDMessage(next))
	case tws.OutReqOpenOrders:
		s.sendOpenOrders(cl, false)
	case tws.OutReqAllOpenOrders:
		s.sendOpenOrders(cl, cl.id == MasterClientID)
	case tws.OutPlaceOrder:
		s.placeOrder(cl, m)
	case tws.OutCancelOrder:
		s.cancelOrder(cl, m)
	case tws.OutReqPositions:
		s.mu.Lock()
		positions := append([]model.Position(nil), s.positions...)
		s.mu.Unlock()
		for _, p := range positions {
			cl.conn.Send(tws.PositionMessage(p))
		}
		cl.conn.Send(tws.PositionEndMessage())
	case tws.OutReqAccountSummary:
		s.accountSummary(cl, m)
	case tws.OutReqMarketDataType:
		r := m.Reader()
		r.Skip(1)
		t := r.Int()
		s.mu.Lock()
		s.dataType[cl.id] = t
		s.mu.Unlock()
	case tws.OutReqMktData:
		s.snapshot(cl, m)
	case tws.OutCancelMktData, tws.OutCancelPositions, tws.OutCancelAccountSummary:
	default:
		s.log.Debug("unhandled message", "client_id", cl.id, "msg_id", m.ID())
	}
}

func (s *Server) sendOpenOrders(cl *client, all bool) {
	s.mu.Lock()
	var out []model.Order
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		if all || o.ClientID == cl.id {
			out = append(out, *o)
		}
	}
	suppress := s.suppressEnd
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	for _, o := range out {
		cl.conn.Send(tws.OpenOrderMessage(o))
		cl.conn.Send(tws.OrderStatusMessage(statusOf(o)))
	}
	if !suppress {
		cl.conn.Send(tws.OpenOrderEndMessage())
	}
}

func (s *Server) placeOrder(cl *client, m wire.Message) {
	id, spec, err := tws.ParsePlaceOrder(m)
	if err != nil {
		cl.conn.Send(tws.ErrorMessage(tws.NoID, 320, "Error reading request: "+err.Error()))
		return
	}
	spec.Normalize()
	if err := spec.Validate(); err != nil {
		cl.conn.Send(tws.ErrorMessage(id, tws.CodeOrderRejected, "Order rejected - reason: "+err.Error()))
		return
	}

	s.mu.Lock()
	o, exists := s.orders[id]
	switch {
	case exists && o.ClientID != cl.id:
		s.mu.Unlock()
		cl.conn.Send(tws.ErrorMessage(id, tws.CodeDuplicateOrderID, "Duplicate order id"))
		return
	case exists && o.Status.Terminal():
		status := o.Status
		s.mu.Unlock()
		cl.conn.Send(tws.ErrorMessage(id, tws.CodeOrderRejected, "Order rejected - reason: order is "+string(status)))
		return
	case exists:
		perm, filled := o.PermID, o.Filled
		*o = spec.Order(id, cl.id)
		o.PermID, o.Filled = perm, filled
		o.Remaining = o.Quantity.Sub(filled)
	default:
		s.nextPerm++
		created := spec.Order(id, cl.id)
		created.PermID = s.nextPerm
		created.Remaining = created.Quantity
		o = &created
		s.orders[id] = o
		if id >= s.nextID {
			s.nextID = id + 1
		}
	}
	o.Status = model.StatusSubmitted
	o.UpdatedAt = time.Now()
	snap := *o
	s.mu.Unlock()

	cl.conn.Send(tws.OpenOrderMessage(snap))
	st := tws.OrderStatusMessage(statusOf(snap))
	cl.conn.Send(st)
	s.notifyMaster(cl.id, st)
}

func (s *Server) cancelOrder(cl *client, m wire.Message) {
	id, err := tws.ParseCancelOrder(m)
	if err != nil {
		return
	}
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok || o.ClientID != cl.id {
		s.mu.Unlock()
		cl.conn.Send(tws.ErrorMessage(id, tws.CodeCancelNotFound, "Order "+strconv.FormatInt(id, 10)+" not found for this client"))
		return
	}
	if o.Status.Terminal() {
		status := o.Status
		s.mu.Unlock()
		cl.conn.Send(tws.ErrorMessage(id, tws.CodeCannotCancel, "Cannot cancel the order: "+string(status)))
		return
	}
	o.Status = model.StatusCancelled
	o.UpdatedAt = time.Now()
	snap := *o
	s.mu.Unlock()

	st := tws.OrderStatusMessage(statusOf(snap))
	cl.conn.Send(st)
	cl.conn.Send(tws.ErrorMessage(id, tws.CodeOrderCancelled, "Order Canceled - reason:"))
	s.notifyMaster(cl.id, st)
}

// notifyMaster mirrors status changes made by other clients to client 0.
func (s *Server) notifyMaster(from int, m wire.Message) {
	if from == MasterClientID {
		return
	}
	s.mu.Lock()
	master := s.clients[MasterClientID]
	s.mu.Unlock()
	if master != nil {
		master.conn.Send(m)
	}
}

func (s *Server) accountSummary(cl *client, m wire.Message) {
	reqID, tags, err := tws.ParseAccountSummaryRequest(m)
	if err != nil {
		return
	}
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	s.mu.Lock()
	values := append([]model.AccountValue(nil), s.summary...)
	s.mu.Unlock()
	for _, v := range values {
		if want[v.Tag] {
			cl.conn.Send(tws.AccountSummaryMessage(reqID, v))
		}
	}
	cl.conn.Send(tws.AccountSummaryEndMessage(reqID))
}

func (s *Server) snapshot(cl *client, m wire.Message) {
	reqID, symbol, err := tws.ParseMktDataRequest(m)
	if err != nil {
		return
	}
	s.mu.Lock()
	ticks, ok := s.quotes[symbol]
	types := make([]int, 0, len(ticks))
	prices := make(map[int]string, len(ticks))
	for t, p := range ticks {
		types = append(types, t)
		prices[t] = p
	}
	s.mu.Unlock()
	if !ok {
		cl.conn.Send(tws.ErrorMessage(reqID, 200, "No security definition has been found for the request"))
		return
	}
	sort.Ints(types)
	for _, t := range types {
		cl.conn.Send(tws.TickPriceMessage(reqID, t, prices[t]))
	}
	cl.conn.Send(tws.TickSnapshotEndMessage(reqID))
}

func statusOf(o model.Order) model.StatusUpdate {
	return model.StatusUpdate{
		OrderID:      o.OrderID,
		ClientID:     o.ClientID,
		PermID:       o.PermID,
		ParentID:     o.ParentID,
		Status:       o.Status,
		Filled:       o.Filled,
		Remaining:    o.Remaining,
		AvgFillPrice: o.AvgFillPrice,
	}
}

// SeedOrder adds a working order owned by o.ClientID.
func (s *Server) SeedOrder(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Status == "" {
		o.Status = model.StatusSubmitted
	}
	if o.Remaining.IsZero() {
		o.Remaining = o.Quantity.Sub(o.Filled)
	}
	if o.PermID == 0 {
		s.nextPerm++
		o.PermID = s.nextPerm
	}
	if o.OrderID >= s.nextID {
		s.nextID = o.OrderID + 1
	}
	s.orders[o.OrderID] = &o
}

// Order returns the gateway's view of an order.
func (s *Server) Order(id int64) (model.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, false
	}
	return *o, true
}

// Fill marks an order filled and pushes the status to its owner and client 0.
func (s *Server) Fill(id int64, price decimal.Decimal) {
	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	o.Status = model.StatusFilled
	o.Filled = o.Quantity
	o.Remaining = decimal.Zero
	o.AvgFillPrice = price
	snap := *o
	owner := s.clients[o.ClientID]
	s.mu.Unlock()

	st := tws.OrderStatusMessage(statusOf(snap))
	if owner != nil {
		owner.conn.Send(st)
	}
	s.notifyMaster(snap.ClientID, st)
}

// RejectClient makes every START_API for id fail with error 326.
func (s *Server) RejectClient(id int) {
	s.mu.Lock()
	s.rejected[id] = true
	s.mu.Unlock()
}

// AllowClient undoes RejectClient.
func (s *Server) AllowClient(id int) {
	s.mu.Lock()
	delete(s.rejected, id)
	s.mu.Unlock()
}

// Mute makes the gateway swallow every request from id without answering.
func (s *Server) Mute(id int, muted bool) {
	s.mu.Lock()
	s.muted[id] = muted
	s.mu.Unlock()
}

// SuppressOpenOrderEnd stops the gateway from terminating open-order streams.
func (s *Server) SuppressOpenOrderEnd(v bool) {
	s.mu.Lock()
	s.suppressEnd = v
	s.mu.Unlock()
}

// SetPositions replaces the positions snapshot.
func (s *Server) SetPositions(p []model.Position) {
	s.mu.Lock()
	s.positions = append([]model.Position(nil), p...)
	s.mu.Unlock()
}

// SetAccountSummary replaces the account summary values.
func (s *Server) SetAccountSummary(v []model.AccountValue) {
	s.mu.Lock()
	s.summary = append([]model.AccountValue(nil), v...)
	s.mu.Unlock()
}

// SetQuote sets one tick of a symbol's snapshot.
func (s *Server) SetQuote(symbol string, tickType int, price string) {
	s.mu.Lock()
	if s.quotes[symbol] == nil {
		s.quotes[symbol] = make(map[int]string)
	}
	s.quotes[symbol][tickType] = price
	s.mu.Unlock()
}

// MarketDataType returns the last data type requested by client id.
func (s *Server) MarketDataType(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataType[id]
}

// Connects counts START_API attempts for client id, accepted or not.
func (s *Server) Connects(id int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects[id]
}

// Connected reports whether client id currently holds a connection.
func (s *Server) Connected(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id] != nil
}

// Received returns the messages with msgID sent by client id.
func (s *Server) Received(id, msgID int) []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []wire.Message
	for _, m := range s.received[id] {
		if m.ID() == msgID {
			out = append(out, m)
		}
	}
	return out
}

// Push sends an unsolicited message to client id.
func (s *Server) Push(id int, m wire.Message) bool {
	s.mu.Lock()
	cl := s.clients[id]
	s.mu.Unlock()
	if cl == nil {
		return false
	}
	return cl.conn.Send(m) == nil
}

// Drop closes client id's connection, simulating a network loss.
func (s *Server) Drop(id int) {
	s.mu.Lock()
	cl := s.clients[id]
	delete(s.clients, id)
	s.mu.Unlock()
	if cl != nil {
		cl.conn.Close()
	}
}

// DropAll closes every client connection.
func (s *Server) DropAll() {
	s.mu.Lock()
	cls := make([]*client, 0, len(s.clients))
	for id, cl := range s.clients {
		cls = append(cls, cl)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	for _, cl := range cls {
		cl.conn.Close()
	}
}
