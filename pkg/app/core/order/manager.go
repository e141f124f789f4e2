package order

import (
	"fmt"
	"time"
)

// Repository persists orders. Implementations live in pkg/storage.
type Repository interface {
	Insert(o *Order) error
	FindByID(id OrderID) (*Order, error)
	FindAll() ([]*Order, error)
	Update(o *Order) error
	// NextNumber returns the next unused order number for trader.
	NextNumber(trader TraderID) (uint64, error)
}

// Manager creates and tracks the local trader's orders.
type Manager struct {
	trader TraderID
	repo   Repository
}

func NewManager(trader TraderID, repo Repository) *Manager {
	return &Manager{trader: trader, repo: repo}
}

func (m *Manager) Trader() TraderID { return m.trader }

func (m *Manager) Create(side Side, price Price, qty Quantity, timeout time.Duration, now time.Time) (*Order, error) {
	n, err := m.repo.NextNumber(m.trader)
	if err != nil {
		return nil, fmt.Errorf("allocate order number: %w", err)
	}
	o, err := New(OrderID{Trader: m.trader, Number: n}, side, price, qty, timeout, now)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Insert(o); err != nil {
		return nil, fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return o, nil
}

func (m *Manager) Get(id OrderID) (*Order, error) {
	return m.repo.FindByID(id)
}

func (m *Manager) Save(o *Order) error {
	if err := m.repo.Update(o); err != nil {
		return fmt.Errorf("update order %s: %w", o.ID, err)
	}
	return nil
}

func (m *Manager) All() ([]*Order, error) {
	return m.repo.FindAll()
}

// Open returns the orders that can still trade.
func (m *Manager) Open() ([]*Order, error) {
	all, err := m.repo.FindAll()
	if err != nil {
		return nil, err
	}
	var out []*Order
	for _, o := range all {
		if o.IsOpen() {
			out = append(out, o)
		}
	}
	return out, nil
}
