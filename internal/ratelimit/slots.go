package ratelimit

import (
	"sync"

	"tws-bridge/internal/errs"
	"tws-bridge/internal/model"
)

// DefaultMaxPerContract mirrors the gateway's own cap on working orders per
// contract and side.
const DefaultMaxPerContract = 18

type slotKey struct {
	account string
	symbol  string
	action  model.Action
}

func keyOf(o model.Order) slotKey {
	return slotKey{account: o.Account, symbol: o.Symbol, action: o.Action}
}

// ContractSlots caps the number of active orders per account, symbol and
// side. A slot is held from placement until the order reaches a terminal
// status.
type ContractSlots struct {
	mu      sync.Mutex
	max     int
	active  map[slotKey]map[int64]struct{}
	byOrder map[int64]slotKey
}

// NewContractSlots creates slots with max orders per key.
func NewContractSlots(max int) *ContractSlots {
	if max <= 0 {
		max = DefaultMaxPerContract
	}
	return &ContractSlots{
		max:     max,
		active:  make(map[slotKey]map[int64]struct{}),
		byOrder: make(map[int64]slotKey),
	}
}

// Reserve claims a slot for o. Reserving an order that already holds a slot
// is a no-op.
func (s *ContractSlots) Reserve(o model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOrder[o.OrderID]; ok {
		return nil
	}
	k := keyOf(o)
	if n := len(s.active[k]); n >= s.max {
		return errs.ErrRateLimited.Detailf("%d active %s orders for %s already working", n, o.Action, o.Symbol)
	}
	s.add(k, o.OrderID)
	return nil
}

func (s *ContractSlots) add(k slotKey, id int64) {
	set := s.active[k]
	if set == nil {
		set = make(map[int64]struct{})
		s.active[k] = set
	}
	set[id] = struct{}{}
	s.byOrder[id] = k
}

// Release frees the slot held by orderID, if any.
func (s *ContractSlots) Release(orderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.release(orderID)
}

func (s *ContractSlots) release(id int64) {
	k, ok := s.byOrder[id]
	if !ok {
		return
	}
	delete(s.byOrder, id)
	delete(s.active[k], id)
	if len(s.active[k]) == 0 {
		delete(s.active, k)
	}
}

// Observe tracks an order seen upstream: terminal orders release their slot,
// working ones hold one even past the cap, since the gateway accepted them.
func (s *ContractSlots) Observe(o model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.Status.Terminal() {
		s.release(o.OrderID)
		return
	}
	if _, ok := s.byOrder[o.OrderID]; !ok && o.Symbol != "" {
		s.add(keyOf(o), o.OrderID)
	}
}

// Load replaces all slots with the working orders in orders.
func (s *ContractSlots) Load(orders []model.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[slotKey]map[int64]struct{})
	s.byOrder = make(map[int64]slotKey)
	for _, o := range orders {
		if !o.Status.Terminal() {
			s.add(keyOf(o), o.OrderID)
		}
	}
}

// Active counts held slots for account, symbol and side.
func (s *ContractSlots) Active(account, symbol string, action model.Action) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active[slotKey{account, symbol, action}])
}
