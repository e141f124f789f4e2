package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
)

// MemoryOrders keeps orders in a map. Values are copied in and out so callers
// never share a pointer with the store.
type MemoryOrders struct {
	mu     sync.Mutex
	orders map[order.OrderID]*order.Order
	seq    map[order.TraderID]uint64
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		orders: make(map[order.OrderID]*order.Order),
		seq:    make(map[order.TraderID]uint64),
	}
}

func (s *MemoryOrders) Insert(o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrExists)
	}
	s.orders[o.ID] = o.Clone()
	if o.ID.Number > s.seq[o.ID.Trader] {
		s.seq[o.ID.Trader] = o.ID.Number
	}
	return nil
}

func (s *MemoryOrders) FindByID(id order.OrderID) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s: %w", ErrNotFound, id, order.ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryOrders) FindAll() ([]*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID.Trader != out[j].ID.Trader {
			return out[i].ID.Trader < out[j].ID.Trader
		}
		return out[i].ID.Number < out[j].ID.Number
	})
	return out, nil
}

func (s *MemoryOrders) Update(o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; !ok {
		return fmt.Errorf("%w: order %s: %w", ErrNotFound, o.ID, order.ErrNotFound)
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *MemoryOrders) NextNumber(trader order.TraderID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq[trader]++
	return s.seq[trader], nil
}

type MemoryTransactions struct {
	mu  sync.Mutex
	txs map[uuid.UUID]*transaction.Transaction
}

func NewMemoryTransactions() *MemoryTransactions {
	return &MemoryTransactions{txs: make(map[uuid.UUID]*transaction.Transaction)}
}

func (s *MemoryTransactions) Insert(tx *transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrExists)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryTransactions) FindByID(id uuid.UUID) (*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s: %w", ErrNotFound, id, transaction.ErrNotFound)
	}
	return tx.Clone(), nil
}

func (s *MemoryTransactions) FindAll() ([]*transaction.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*transaction.Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		out = append(out, tx.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (s *MemoryTransactions) Update(tx *transaction.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; !ok {
		return fmt.Errorf("%w: transaction %s: %w", ErrNotFound, tx.ID, transaction.ErrNotFound)
	}
	s.txs[tx.ID] = tx.Clone()
	return nil
}

var (
	_ order.Repository       = (*MemoryOrders)(nil)
	_ transaction.Repository = (*MemoryTransactions)(nil)
)
