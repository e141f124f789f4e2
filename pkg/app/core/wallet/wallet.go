// Package wallet abstracts how one asset type is paid and received.
package wallet

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrTransferFailed    = errors.New("transfer failed")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownTransfer   = errors.New("unknown transfer")
)

type Balance struct {
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
}

// Wallet handles a single asset. Transfer and Monitor may block and are never
// called on a peer's event loop.
type Wallet interface {
	Asset() string
	// Address is where counterparties send this asset.
	Address() string
	Transfer(ctx context.Context, amount decimal.Decimal, to string) (txID string, err error)
	// Monitor returns once txID has credited at least amount to this wallet.
	Monitor(ctx context.Context, txID string, amount decimal.Decimal) error
	Balance(ctx context.Context) (Balance, error)
}
