package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

var (
	ErrNotFound = errors.New("transaction not found")
	ErrTerminal = errors.New("transaction already finished")
	ErrExists   = errors.New("transaction already exists")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Leg is one direction of payment as seen by the local peer.
type Leg struct {
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	WalletTxID string          `json:"wallet_tx_id,omitempty"`
	Done       bool            `json:"done"`
}

// Transaction is the local copy of one executed or attempted trade. Both
// trading peers keep their own copy under the same ID.
type Transaction struct {
	ID             uuid.UUID      `json:"id"`
	AskOrderID     order.OrderID  `json:"ask_order_id"`
	BidOrderID     order.OrderID  `json:"bid_order_id"`
	OwnOrderID     order.OrderID  `json:"own_order_id"`
	Partner        order.TraderID `json:"partner"`
	PartnerAddress string         `json:"partner_address"`
	Quantity       order.Quantity `json:"quantity"`
	Price          order.Price    `json:"price"`
	Outgoing       Leg            `json:"outgoing"`
	Incoming       Leg            `json:"incoming"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    time.Time      `json:"completed_at,omitempty"`
	ErrorReason    string         `json:"error_reason,omitempty"`
}

// Terms is what a negotiation agreed on.
type Terms struct {
	ID             uuid.UUID
	Own            order.OrderID
	OwnSide        order.Side
	Counterparty   order.OrderID
	PartnerAddress string
	Price          order.Price
	Quantity       order.Quantity
}

// Total is price times quantity in the price asset.
func (t Terms) Total() decimal.Decimal {
	return t.Price.Amount.Mul(decimal.NewFromInt(t.Quantity.Amount))
}

// New builds a pending transaction. The asker pays the quantity asset and is
// paid in the price asset; the bidder the other way round.
func New(terms Terms, now time.Time) (*Transaction, error) {
	if terms.Quantity.Amount <= 0 {
		return nil, fmt.Errorf("transaction %s: non-positive quantity %d", terms.ID, terms.Quantity.Amount)
	}
	tx := &Transaction{
		ID:             terms.ID,
		OwnOrderID:     terms.Own,
		Partner:        terms.Counterparty.Trader,
		PartnerAddress: terms.PartnerAddress,
		Quantity:       terms.Quantity,
		Price:          terms.Price,
		Status:         StatusPending,
		CreatedAt:      now,
	}
	qtyLeg := Leg{Asset: terms.Quantity.Asset, Amount: decimal.NewFromInt(terms.Quantity.Amount)}
	priceLeg := Leg{Asset: terms.Price.Asset, Amount: terms.Total()}
	if terms.OwnSide == order.Ask {
		tx.AskOrderID, tx.BidOrderID = terms.Own, terms.Counterparty
		tx.Outgoing, tx.Incoming = qtyLeg, priceLeg
	} else {
		tx.AskOrderID, tx.BidOrderID = terms.Counterparty, terms.Own
		tx.Outgoing, tx.Incoming = priceLeg, qtyLeg
	}
	return tx, nil
}

func (t *Transaction) IsPending() bool { return t.Status == StatusPending }

func (t *Transaction) PayOutgoing(walletTxID string) error {
	if !t.IsPending() {
		return ErrTerminal
	}
	t.Outgoing.WalletTxID = walletTxID
	t.Outgoing.Done = true
	return nil
}

func (t *Transaction) ConfirmIncoming(walletTxID string) error {
	if !t.IsPending() {
		return ErrTerminal
	}
	t.Incoming.WalletTxID = walletTxID
	t.Incoming.Done = true
	return nil
}

// Complete moves the transaction to completed once both legs are done.
func (t *Transaction) Complete(now time.Time) bool {
	if !t.IsPending() || !t.Outgoing.Done || !t.Incoming.Done {
		return false
	}
	t.Status = StatusCompleted
	t.CompletedAt = now
	return true
}

// Fail is terminal. A leg that already succeeded is not reversed.
func (t *Transaction) Fail(reason string, now time.Time) bool {
	if !t.IsPending() {
		return false
	}
	t.Status = StatusError
	t.ErrorReason = reason
	t.CompletedAt = now
	return true
}

func (t *Transaction) Clone() *Transaction {
	cp := *t
	return &cp
}
