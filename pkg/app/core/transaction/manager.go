package transaction

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

type Repository interface {
	Insert(tx *Transaction) error
	FindByID(id uuid.UUID) (*Transaction, error)
	FindAll() ([]*Transaction, error)
	Update(tx *Transaction) error
}

type Manager struct {
	repo Repository
}

func NewManager(repo Repository) *Manager { return &Manager{repo: repo} }

// Create stores a new pending transaction for the agreed terms.
func (m *Manager) Create(terms Terms, now time.Time) (*Transaction, error) {
	if _, err := m.repo.FindByID(terms.ID); err == nil {
		return nil, fmt.Errorf("create %s: %w", terms.ID, ErrExists)
	}
	tx, err := New(terms, now)
	if err != nil {
		return nil, err
	}
	if err := m.repo.Insert(tx); err != nil {
		return nil, fmt.Errorf("insert transaction %s: %w", tx.ID, err)
	}
	return tx, nil
}

func (m *Manager) FindByID(id uuid.UUID) (*Transaction, error) { return m.repo.FindByID(id) }

func (m *Manager) FindAll() ([]*Transaction, error) { return m.repo.FindAll() }

func (m *Manager) Save(tx *Transaction) error {
	if err := m.repo.Update(tx); err != nil {
		return fmt.Errorf("update transaction %s: %w", tx.ID, err)
	}
	return nil
}

// ForOrder returns the transactions that involve id on either side.
func (m *Manager) ForOrder(id order.OrderID) ([]*Transaction, error) {
	all, err := m.repo.FindAll()
	if err != nil {
		return nil, err
	}
	var out []*Transaction
	for _, tx := range all {
		if tx.AskOrderID == id || tx.BidOrderID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}
