package storage

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
)

type PebbleStore struct {
	db    *pebble.DB
	seqMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Orders() *PebbleOrders { return &PebbleOrders{s: s} }

func (s *PebbleStore) Transactions() *PebbleTransactions { return &PebbleTransactions{s: s} }

func (s *PebbleStore) get(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to get %s: %w", key, err)
	}
	defer closer.Close()
	if err := decodeValue(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) set(key []byte, v any) error {
	data, err := encodeValue(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

// scan passes every value under prefix to fn and stops at the first entry fn
// rejects.
func (s *PebbleStore) scan(prefix []byte, fn func(data []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return fmt.Errorf("failed to decode %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}

// ============================================================================
// Orders
// ============================================================================

type PebbleOrders struct{ s *PebbleStore }

func (r *PebbleOrders) Insert(o *order.Order) error {
	key := orderKey(o.ID)
	exists, err := r.s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("order %s: %w", o.ID, ErrExists)
	}
	return r.s.set(key, o)
}

func (r *PebbleOrders) FindByID(id order.OrderID) (*order.Order, error) {
	var o order.Order
	if err := r.s.get(orderKey(id), &o); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: order %s: %w", ErrNotFound, id, order.ErrNotFound)
		}
		return nil, err
	}
	return &o, nil
}

func (r *PebbleOrders) FindAll() ([]*order.Order, error) {
	var out []*order.Order
	err := r.s.scan([]byte(prefixOrder), func(data []byte) error {
		var o order.Order
		if err := decodeValue(data, &o); err != nil {
			return err
		}
		out = append(out, &o)
		return nil
	})
	return out, err
}

func (r *PebbleOrders) Update(o *order.Order) error {
	key := orderKey(o.ID)
	exists, err := r.s.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: order %s: %w", ErrNotFound, o.ID, order.ErrNotFound)
	}
	return r.s.set(key, o)
}

// NextNumber persists the counter so numbers stay unique across restarts.
func (r *PebbleOrders) NextNumber(trader order.TraderID) (uint64, error) {
	r.s.seqMu.Lock()
	defer r.s.seqMu.Unlock()

	key := orderSeqKey(trader)
	var last uint64
	data, closer, err := r.s.db.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("failed to read order sequence: %w", err)
	default:
		last = decodeUint64(data)
		closer.Close()
	}
	next := last + 1
	if err := r.s.db.Set(key, encodeUint64(next), pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to save order sequence: %w", err)
	}
	return next, nil
}

// ============================================================================
// Transactions
// ============================================================================

type PebbleTransactions struct{ s *PebbleStore }

func (r *PebbleTransactions) Insert(tx *transaction.Transaction) error {
	key := transactionKey(tx.ID)
	exists, err := r.s.has(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrExists)
	}
	return r.s.set(key, tx)
}

func (r *PebbleTransactions) FindByID(id uuid.UUID) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	if err := r.s.get(transactionKey(id), &tx); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, fmt.Errorf("%w: transaction %s: %w", ErrNotFound, id, transaction.ErrNotFound)
		}
		return nil, err
	}
	return &tx, nil
}

func (r *PebbleTransactions) FindAll() ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	err := r.s.scan([]byte(prefixTransaction), func(data []byte) error {
		var tx transaction.Transaction
		if err := decodeValue(data, &tx); err != nil {
			return err
		}
		out = append(out, &tx)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

func (r *PebbleTransactions) Update(tx *transaction.Transaction) error {
	key := transactionKey(tx.ID)
	exists, err := r.s.has(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: transaction %s: %w", ErrNotFound, tx.ID, transaction.ErrNotFound)
	}
	return r.s.set(key, tx)
}

// ============================================================================
// Known matchmakers
// ============================================================================

type peerRecord struct {
	ID string `json:"id"`
}

func (s *PebbleStore) SavePeer(id string) error { return s.set(peerKey(id), peerRecord{ID: id}) }

func (s *PebbleStore) DeletePeer(id string) error {
	if err := s.db.Delete(peerKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("failed to delete peer: %w", err)
	}
	return nil
}

func (s *PebbleStore) LoadPeers() ([]string, error) {
	var out []string
	err := s.scan([]byte(prefixPeer), func(data []byte) error {
		var rec peerRecord
		if err := decodeValue(data, &rec); err != nil {
			return err
		}
		out = append(out, rec.ID)
		return nil
	})
	return out, err
}

var (
	_ order.Repository       = (*PebbleOrders)(nil)
	_ transaction.Repository = (*PebbleTransactions)(nil)
)
