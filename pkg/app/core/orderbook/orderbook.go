package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

var (
	ErrUnknownTick  = errors.New("tick not in book")
	ErrOverReserved = errors.New("reservation exceeds available quantity")
)

// entry is the btree key for one resting tick. The tick itself lives in the
// index so that traded/reserved updates do not disturb the ordering.
type entry struct {
	price     decimal.Decimal
	timestamp time.Time
	id        order.OrderID
}

func idLess(a, b order.OrderID) bool {
	if a.Trader != b.Trader {
		return a.Trader < b.Trader
	}
	return a.Number < b.Number
}

// bidLess orders bids by price descending, then timestamp ascending, then order id.
// Min() is the best bid.
func bidLess(a, b entry) bool {
	if c := a.price.Cmp(b.price); c != 0 {
		return c > 0
	}
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.Before(b.timestamp)
	}
	return idLess(a.id, b.id)
}

// askLess orders asks by price ascending, then timestamp ascending, then order id.
func askLess(a, b entry) bool {
	if c := a.price.Cmp(b.price); c != 0 {
		return c < 0
	}
	if !a.timestamp.Equal(b.timestamp) {
		return a.timestamp.Before(b.timestamp)
	}
	return idLess(a.id, b.id)
}

type pools struct {
	bids *btree.BTreeG[entry]
	asks *btree.BTreeG[entry]
}

func (p *pools) side(s order.Side) *btree.BTreeG[entry] {
	if s == order.Ask {
		return p.asks
	}
	return p.bids
}

type slot struct {
	tick order.Tick
	key  entry
}

// OrderBook holds the ask and bid pools of every asset pair a matchmaker has
// seen. An order id is in at most one pool, at most once.
type OrderBook struct {
	mu    sync.RWMutex
	pairs map[order.AssetPair]*pools
	index map[order.OrderID]*slot
}

const degree = 32

func NewOrderBook() *OrderBook {
	return &OrderBook{
		pairs: make(map[order.AssetPair]*pools),
		index: make(map[order.OrderID]*slot),
	}
}

func (ob *OrderBook) poolsFor(pair order.AssetPair, create bool) *pools {
	p, ok := ob.pairs[pair]
	if !ok && create {
		p = &pools{
			bids: btree.NewG[entry](degree, bidLess),
			asks: btree.NewG[entry](degree, askLess),
		}
		ob.pairs[pair] = p
	}
	return p
}

// Insert adds t if its order id is not already present. Fully traded ticks
// are refused.
func (ob *OrderBook) Insert(t order.Tick) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.insertLocked(t)
}

func (ob *OrderBook) insertLocked(t order.Tick) bool {
	if _, ok := ob.index[t.OrderID]; ok {
		return false
	}
	if t.Completed() || t.Quantity.Amount <= 0 {
		return false
	}
	t.ReservedForMatching = clamp(t.ReservedForMatching, 0, t.Quantity.Amount-t.Traded)
	key := entry{price: t.Price.Amount, timestamp: t.Timestamp, id: t.OrderID}
	ob.poolsFor(t.Pair(), true).side(t.Side).ReplaceOrInsert(key)
	ob.index[t.OrderID] = &slot{tick: t, key: key}
	return true
}

func (ob *OrderBook) Remove(id order.OrderID) (order.Tick, bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	return ob.removeLocked(id)
}

func (ob *OrderBook) removeLocked(id order.OrderID) (order.Tick, bool) {
	s, ok := ob.index[id]
	if !ok {
		return order.Tick{}, false
	}
	delete(ob.index, id)
	pair := s.tick.Pair()
	if p := ob.poolsFor(pair, false); p != nil {
		p.side(s.tick.Side).Delete(s.key)
		if p.bids.Len() == 0 && p.asks.Len() == 0 {
			delete(ob.pairs, pair)
		}
	}
	return s.tick, true
}

// Get returns a copy of the tick held for id.
func (ob *OrderBook) Get(id order.OrderID) (order.Tick, bool) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	s, ok := ob.index[id]
	if !ok {
		return order.Tick{}, false
	}
	return s.tick, true
}

func (ob *OrderBook) Has(id order.OrderID) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.index[id]
	return ok
}

// Match returns the ticks on the opposite side of incoming's pair that cross
// its price, best first. Ticks of the same trader and ticks without available
// quantity are skipped. Nothing is reserved.
func (ob *OrderBook) Match(incoming order.Tick) []order.Tick {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	p := ob.poolsFor(incoming.Pair(), false)
	if p == nil {
		return nil
	}
	var out []order.Tick
	p.side(incoming.Side.Opposite()).Ascend(func(e entry) bool {
		s := ob.index[e.id]
		if s == nil {
			return true
		}
		if !incoming.Crosses(s.tick) {
			return false
		}
		if s.tick.OrderID.Trader != incoming.OrderID.Trader && s.tick.Available() > 0 {
			out = append(out, s.tick)
		}
		return true
	})
	return out
}

// Reserve holds qty of the tick for an in-flight match.
func (ob *OrderBook) Reserve(id order.OrderID, qty int64) error {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	s, ok := ob.index[id]
	if !ok {
		return fmt.Errorf("reserve %s: %w", id, ErrUnknownTick)
	}
	if qty <= 0 || qty > s.tick.Available() {
		return fmt.Errorf("reserve %d of %s (available %d): %w", qty, id, s.tick.Available(), ErrOverReserved)
	}
	s.tick.ReservedForMatching += qty
	return nil
}

// Release gives back up to qty of the tick's reservation. Unknown ids are ignored.
func (ob *OrderBook) Release(id order.OrderID, qty int64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	if s, ok := ob.index[id]; ok {
		s.tick.ReservedForMatching = clamp(s.tick.ReservedForMatching-qty, 0, s.tick.ReservedForMatching)
	}
}

// UpdateTraded raises the tick's traded quantity. Lower values are stale and
// ignored. A tick that becomes fully traded is removed; removed reports that.
func (ob *OrderBook) UpdateTraded(id order.OrderID, traded int64) (removed bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	s, ok := ob.index[id]
	if !ok {
		return false
	}
	if traded > s.tick.Traded {
		s.tick.Traded = traded
	}
	if s.tick.Completed() {
		ob.removeLocked(id)
		return true
	}
	s.tick.ReservedForMatching = clamp(s.tick.ReservedForMatching, 0, s.tick.Quantity.Amount-s.tick.Traded)
	return false
}

// Replace overwrites the tick's traded quantity with the owner's value, which
// may be lower than what the book holds after a failed settlement. The local
// reservation is kept. Fully traded ticks are removed; removed reports that.
func (ob *OrderBook) Replace(t order.Tick) (removed bool) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	s, ok := ob.index[t.OrderID]
	if !ok {
		return false
	}
	s.tick.Traded = clamp(t.Traded, 0, s.tick.Quantity.Amount)
	if s.tick.Completed() {
		ob.removeLocked(t.OrderID)
		return true
	}
	s.tick.ReservedForMatching = clamp(s.tick.ReservedForMatching, 0, s.tick.Quantity.Amount-s.tick.Traded)
	return false
}

// Snapshot returns every tick, asks before bids, each side in priority order.
// Reservations are local state and are zeroed.
func (ob *OrderBook) Snapshot() []order.Tick {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	out := make([]order.Tick, 0, len(ob.index))
	for _, side := range []order.Side{order.Ask, order.Bid} {
		for _, t := range ob.walkLocked(side) {
			t.ReservedForMatching = 0
			out = append(out, t)
		}
	}
	return out
}

// Merge inserts ticks whose order id is absent. Known ticks only have their
// traded quantity raised. Returns the number of inserted ticks.
func (ob *OrderBook) Merge(ticks []order.Tick) int {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	n := 0
	for _, t := range ticks {
		if s, ok := ob.index[t.OrderID]; ok {
			if t.Traded > s.tick.Traded {
				s.tick.Traded = t.Traded
				if s.tick.Completed() {
					ob.removeLocked(t.OrderID)
				}
			}
			continue
		}
		t.ReservedForMatching = 0
		if ob.insertLocked(t) {
			n++
		}
	}
	return n
}

// PruneExpired removes ticks whose timeout has elapsed at now.
func (ob *OrderBook) PruneExpired(now time.Time) []order.OrderID {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	var expired []order.OrderID
	for id, s := range ob.index {
		if s.tick.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		ob.removeLocked(id)
	}
	return expired
}

func (ob *OrderBook) walkLocked(side order.Side) []order.Tick {
	var out []order.Tick
	for _, pair := range ob.sortedPairsLocked() {
		ob.pairs[pair].side(side).Ascend(func(e entry) bool {
			if s := ob.index[e.id]; s != nil {
				out = append(out, s.tick)
			}
			return true
		})
	}
	return out
}

func (ob *OrderBook) sortedPairsLocked() []order.AssetPair {
	pairs := make([]order.AssetPair, 0, len(ob.pairs))
	for p := range ob.pairs {
		pairs = append(pairs, p)
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].String() < pairs[j].String() })
	return pairs
}

// AskTicks returns asks in priority order, grouped by pair.
func (ob *OrderBook) AskTicks() []order.Tick {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.walkLocked(order.Ask)
}

func (ob *OrderBook) BidTicks() []order.Tick {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.walkLocked(order.Bid)
}

// Asks returns the number of ask ticks across all pairs.
func (ob *OrderBook) Asks() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	n := 0
	for _, p := range ob.pairs {
		n += p.asks.Len()
	}
	return n
}

func (ob *OrderBook) Bids() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	n := 0
	for _, p := range ob.pairs {
		n += p.bids.Len()
	}
	return n
}

func (ob *OrderBook) Len() int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return len(ob.index)
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
