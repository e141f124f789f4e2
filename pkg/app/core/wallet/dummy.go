package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger moves dummy funds between addresses. Wallets of one asset that
// should be able to pay each other share a ledger.
type Ledger struct {
	mu        sync.Mutex
	transfers map[string]transfer
	wallets   map[string]*Dummy
	credited  map[string]bool
}

type transfer struct {
	to     string
	amount decimal.Decimal
}

func NewLedger() *Ledger {
	return &Ledger{
		transfers: make(map[string]transfer),
		wallets:   make(map[string]*Dummy),
		credited:  make(map[string]bool),
	}
}

// Dummy is an in-memory wallet seeded with 1000 units.
type Dummy struct {
	asset   string
	address string
	ledger  *Ledger

	// MonitorDelay simulates confirmation latency.
	MonitorDelay time.Duration

	mu            sync.Mutex
	balance       decimal.Decimal
	failTransfers bool
}

const InitialBalance = 1000

func NewDummy(ledger *Ledger, asset string) *Dummy {
	if ledger == nil {
		ledger = NewLedger()
	}
	d := &Dummy{
		asset:   asset,
		address: asset + "-" + uuid.NewString(),
		ledger:  ledger,
		balance: decimal.NewFromInt(InitialBalance),
	}
	ledger.mu.Lock()
	ledger.wallets[d.address] = d
	ledger.mu.Unlock()
	return d
}

func (d *Dummy) Asset() string   { return d.asset }
func (d *Dummy) Address() string { return d.address }

// SetFailTransfers makes every following Transfer fail.
func (d *Dummy) SetFailTransfers(fail bool) {
	d.mu.Lock()
	d.failTransfers = fail
	d.mu.Unlock()
}

func (d *Dummy) Transfer(ctx context.Context, amount decimal.Decimal, to string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	d.mu.Lock()
	if d.failTransfers {
		d.mu.Unlock()
		return "", fmt.Errorf("%s wallet: %w", d.asset, ErrTransferFailed)
	}
	if d.balance.LessThan(amount) {
		d.mu.Unlock()
		return "", fmt.Errorf("%s wallet has %s, needs %s: %w", d.asset, d.balance, amount, ErrInsufficientFunds)
	}
	d.balance = d.balance.Sub(amount)
	d.mu.Unlock()

	txID := uuid.NewString()
	d.ledger.mu.Lock()
	d.ledger.transfers[txID] = transfer{to: to, amount: amount}
	d.ledger.mu.Unlock()
	return txID, nil
}

// Monitor credits the transfer to the receiving wallet once. Crediting a
// txID twice is a no-op.
func (d *Dummy) Monitor(ctx context.Context, txID string, amount decimal.Decimal) error {
	if d.MonitorDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.MonitorDelay):
		}
	}
	d.ledger.mu.Lock()
	defer d.ledger.mu.Unlock()
	tr, ok := d.ledger.transfers[txID]
	if !ok {
		return fmt.Errorf("%s: %w", txID, ErrUnknownTransfer)
	}
	if tr.to != d.address {
		return fmt.Errorf("transfer %s is not addressed to %s: %w", txID, d.address, ErrTransferFailed)
	}
	if tr.amount.LessThan(amount) {
		return fmt.Errorf("transfer %s carried %s, expected %s: %w", txID, tr.amount, amount, ErrTransferFailed)
	}
	if d.ledger.credited[txID] {
		return nil
	}
	d.ledger.credited[txID] = true
	d.mu.Lock()
	d.balance = d.balance.Add(tr.amount)
	d.mu.Unlock()
	return nil
}

// Balance reports transfers addressed to this wallet that are not yet
// monitored as pending.
func (d *Dummy) Balance(ctx context.Context) (Balance, error) {
	if err := ctx.Err(); err != nil {
		return Balance{}, err
	}
	pending := decimal.Zero
	d.ledger.mu.Lock()
	for id, tr := range d.ledger.transfers {
		if tr.to == d.address && !d.ledger.credited[id] {
			pending = pending.Add(tr.amount)
		}
	}
	d.ledger.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	return Balance{Available: d.balance, Pending: pending}, nil
}
