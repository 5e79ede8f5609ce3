// Package orders aggregates per-client order state into one index and
// performs order mutations, impersonating the owning client id when the
// gateway requires it.
package orders

import (
	"sort"
	"sync"
	"time"

	"tws-bridge/internal/model"
)

// Index maps client id to order id to order. An order id appears under at
// most one client id. Writers hold the lock only to swap or patch maps;
// readers copy.
type Index struct {
	mu       sync.RWMutex
	byClient map[int]map[int64]model.Order
	owner    map[int64]int
	builtAt  time.Time
	complete bool
}

// IndexInfo describes the last rebuild.
type IndexInfo struct {
	BuiltAt  time.Time `json:"built_at"`
	Complete bool      `json:"complete"`
	Size     int       `json:"size"`
	Clients  int       `json:"clients"`
}

// NewIndex returns an empty, never-built index.
func NewIndex() *Index {
	return &Index{
		byClient: make(map[int]map[int64]model.Order),
		owner:    make(map[int64]int),
	}
}

// Swap replaces the index with a rebuild result. When an order id repeats,
// the later entry wins. Orders patched by events after startedAt keep their
// newer status.
func (ix *Index) Swap(orders []model.Order, complete bool, startedAt, builtAt time.Time) {
	byClient := make(map[int]map[int64]model.Order)
	owner := make(map[int64]int, len(orders))
	for _, o := range orders {
		if prev, ok := owner[o.OrderID]; ok && prev != o.ClientID {
			delete(byClient[prev], o.OrderID)
		}
		m := byClient[o.ClientID]
		if m == nil {
			m = make(map[int64]model.Order)
			byClient[o.ClientID] = m
		}
		m[o.OrderID] = o
		owner[o.OrderID] = o.ClientID
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for id, cid := range owner {
		old, ok := ix.lookupLocked(id)
		if !ok || !old.UpdatedAt.After(startedAt) {
			continue
		}
		o := byClient[cid][id]
		if old.UpdatedAt.After(o.UpdatedAt) {
			o.Status, o.Filled, o.Remaining, o.AvgFillPrice = old.Status, old.Filled, old.Remaining, old.AvgFillPrice
			o.UpdatedAt = old.UpdatedAt
			byClient[cid][id] = o
		}
	}
	for cid, m := range byClient {
		if len(m) == 0 {
			delete(byClient, cid)
		}
	}
	ix.byClient = byClient
	ix.owner = owner
	ix.builtAt = builtAt
	ix.complete = complete
}

func (ix *Index) lookupLocked(id int64) (model.Order, bool) {
	cid, ok := ix.owner[id]
	if !ok {
		return model.Order{}, false
	}
	o, ok := ix.byClient[cid][id]
	return o, ok
}

// Upsert merges an order pushed by the gateway. Ownership always comes from
// o.ClientID. Fill progress already known is kept.
func (ix *Index) Upsert(o model.Order) model.Order {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, ok := ix.lookupLocked(o.OrderID); ok {
		if o.Status == "" {
			o.Status = old.Status
		}
		if !old.Filled.IsZero() && o.Filled.IsZero() {
			o.Filled, o.Remaining, o.AvgFillPrice = old.Filled, old.Remaining, old.AvgFillPrice
		}
		if old.ClientID != o.ClientID {
			delete(ix.byClient[old.ClientID], o.OrderID)
			if len(ix.byClient[old.ClientID]) == 0 {
				delete(ix.byClient, old.ClientID)
			}
		}
	}
	ix.putLocked(o)
	return o
}

func (ix *Index) putLocked(o model.Order) {
	m := ix.byClient[o.ClientID]
	if m == nil {
		m = make(map[int64]model.Order)
		ix.byClient[o.ClientID] = m
	}
	m[o.OrderID] = o
	ix.owner[o.OrderID] = o.ClientID
}

// ApplyStatus patches an indexed order with a status report. Reports for
// orders the index has never seen are ignored: a status alone carries no
// contract.
func (ix *Index) ApplyStatus(u model.StatusUpdate, at time.Time) (model.Order, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	o, ok := ix.lookupLocked(u.OrderID)
	if !ok {
		return model.Order{}, false
	}
	o.Apply(u, at)
	ix.putLocked(o)
	return o, true
}

// SetStatus records an upstream status confirmation that came without a
// full status report (cancel acknowledgement).
func (ix *Index) SetStatus(orderID int64, st model.Status, at time.Time) (model.Order, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	o, ok := ix.lookupLocked(orderID)
	if !ok {
		return model.Order{}, false
	}
	o.Status = st
	o.UpdatedAt = at
	ix.putLocked(o)
	return o, true
}

// Lookup returns the order with id.
func (ix *Index) Lookup(id int64) (model.Order, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.lookupLocked(id)
}

// Snapshot returns every order sorted by client id then order id.
func (ix *Index) Snapshot() []model.Order {
	ix.mu.RLock()
	out := make([]model.Order, 0, len(ix.owner))
	for _, m := range ix.byClient {
		for _, o := range m {
			out = append(out, o)
		}
	}
	ix.mu.RUnlock()
	sortOrders(out)
	return out
}

// ForClient returns the orders owned by clientID sorted by order id.
func (ix *Index) ForClient(clientID int) []model.Order {
	ix.mu.RLock()
	m := ix.byClient[clientID]
	out := make([]model.Order, 0, len(m))
	for _, o := range m {
		out = append(out, o)
	}
	ix.mu.RUnlock()
	sortOrders(out)
	return out
}

// Clients returns the distinct owning client ids, ascending.
func (ix *Index) Clients() []int {
	ix.mu.RLock()
	out := make([]int, 0, len(ix.byClient))
	for cid := range ix.byClient {
		out = append(out, cid)
	}
	ix.mu.RUnlock()
	sort.Ints(out)
	return out
}

// Fresh reports whether a complete rebuild happened within window of now.
func (ix *Index) Fresh(now time.Time, window time.Duration) bool {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.complete && !ix.builtAt.IsZero() && now.Sub(ix.builtAt) < window
}

// Info returns rebuild metadata.
func (ix *Index) Info() IndexInfo {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return IndexInfo{
		BuiltAt:  ix.builtAt,
		Complete: ix.complete,
		Size:     len(ix.owner),
		Clients:  len(ix.byClient),
	}
}

func sortOrders(out []model.Order) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].OrderID < out[j].OrderID
	})
}
