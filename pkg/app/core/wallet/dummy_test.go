package wallet

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDummyTransferAndMonitor(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	a := NewDummy(ledger, "DUM1")
	b := NewDummy(ledger, "DUM1")

	txID, err := a.Transfer(ctx, decimal.NewFromInt(5), b.Address())
	if err != nil {
		t.Fatal(err)
	}
	bal, _ := b.Balance(ctx)
	if !bal.Pending.Equal(decimal.NewFromInt(5)) || !bal.Available.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("receiver balance before monitor = %+v", bal)
	}

	for i := 0; i < 2; i++ {
		if err := b.Monitor(ctx, txID, decimal.NewFromInt(5)); err != nil {
			t.Fatalf("monitor %d: %v", i, err)
		}
	}
	bal, _ = b.Balance(ctx)
	if !bal.Available.Equal(decimal.NewFromInt(1005)) || !bal.Pending.IsZero() {
		t.Fatalf("receiver balance = %+v, want 1005/0", bal)
	}
	bal, _ = a.Balance(ctx)
	if !bal.Available.Equal(decimal.NewFromInt(995)) {
		t.Fatalf("sender balance = %s", bal.Available)
	}
}

func TestDummyFailures(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger()
	a := NewDummy(ledger, "DUM1")
	b := NewDummy(ledger, "DUM1")
	c := NewDummy(ledger, "DUM1")

	if _, err := a.Transfer(ctx, decimal.NewFromInt(1001), b.Address()); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft err = %v", err)
	}

	a.SetFailTransfers(true)
	if _, err := a.Transfer(ctx, decimal.NewFromInt(1), b.Address()); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("forced failure err = %v", err)
	}
	a.SetFailTransfers(false)

	txID, err := a.Transfer(ctx, decimal.NewFromInt(1), b.Address())
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Monitor(ctx, txID, decimal.NewFromInt(1)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("wrong receiver err = %v", err)
	}
	if err := b.Monitor(ctx, txID, decimal.NewFromInt(2)); !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("short amount err = %v", err)
	}
	if err := b.Monitor(ctx, "nope", decimal.NewFromInt(1)); !errors.Is(err, ErrUnknownTransfer) {
		t.Fatalf("unknown tx err = %v", err)
	}
}
