package order

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var t0 = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func newAsk(t *testing.T, qty int64) *Order {
	t.Helper()
	o, err := New(OrderID{Trader: "alice", Number: 1}, Ask,
		Price{Amount: decimal.NewFromInt(10), Asset: "DUM1"},
		Quantity{Amount: qty, Asset: "DUM2"}, time.Hour, t0)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func TestNewRejectsInvalid(t *testing.T) {
	price := Price{Amount: decimal.NewFromInt(1), Asset: "DUM1"}
	tests := []struct {
		name    string
		price   Price
		qty     Quantity
		timeout time.Duration
	}{
		{"zero quantity", price, Quantity{Amount: 0, Asset: "DUM2"}, time.Hour},
		{"same asset", price, Quantity{Amount: 1, Asset: "DUM1"}, time.Hour},
		{"negative price", Price{Amount: decimal.NewFromInt(-1), Asset: "DUM1"}, Quantity{Amount: 1, Asset: "DUM2"}, time.Hour},
		{"no timeout", price, Quantity{Amount: 1, Asset: "DUM2"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(OrderID{Trader: "a", Number: 1}, Bid, tt.price, tt.qty, tt.timeout, t0)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Fatalf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

func TestReserveReleaseTrade(t *testing.T) {
	o := newAsk(t, 10)

	if err := o.Reserve(4); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if got := o.Available(); got != 6 {
		t.Fatalf("available = %d, want 6", got)
	}
	if err := o.Reserve(7); !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("over-reserve err = %v", err)
	}
	if err := o.AddTrade(4); err != nil {
		t.Fatalf("trade: %v", err)
	}
	if o.Traded != 4 || o.Reserved != 0 {
		t.Fatalf("traded=%d reserved=%d", o.Traded, o.Reserved)
	}

	o.Release(100)
	if o.Reserved != 0 {
		t.Fatalf("release clamps, reserved=%d", o.Reserved)
	}

	if err := o.Reserve(6); err != nil {
		t.Fatal(err)
	}
	if err := o.AddTrade(6); err != nil {
		t.Fatal(err)
	}
	if o.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", o.Status)
	}
	if err := o.AddTrade(1); !errors.Is(err, ErrInsufficientQuantity) {
		t.Fatalf("overfill err = %v", err)
	}
	if err := o.Reserve(1); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("reserve on completed err = %v", err)
	}
}

func TestCancelAndExpire(t *testing.T) {
	o := newAsk(t, 1)
	if o.Expired(t0.Add(59 * time.Minute)) {
		t.Fatal("expired too early")
	}
	if !o.Expired(t0.Add(time.Hour)) {
		t.Fatal("not expired at deadline")
	}
	if err := o.Cancel(); err != nil {
		t.Fatal(err)
	}
	if o.Expire() {
		t.Fatal("cancelled order must not expire")
	}
	if o.Available() != 0 {
		t.Fatal("cancelled order has available quantity")
	}
}

func TestParseOrderID(t *testing.T) {
	id := OrderID{Trader: "12D3.Koo", Number: 42}
	got, err := ParseOrderID(id.String())
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("got %v, want %v", got, id)
	}
	for _, bad := range []string{"", "abc", ".1", "abc.", "abc.x"} {
		if _, err := ParseOrderID(bad); err == nil {
			t.Errorf("ParseOrderID(%q) succeeded", bad)
		}
	}
}

func TestTickDigestIgnoresMutableState(t *testing.T) {
	o := newAsk(t, 5)
	base := o.Tick()
	d0 := base.Digest()

	moved := base
	moved.Traded = 3
	moved.ReservedForMatching = 1
	if string(moved.Digest()) != string(d0) {
		t.Fatal("digest changed with traded/reserved")
	}

	repriced := base
	repriced.Price.Amount = decimal.NewFromInt(11)
	if string(repriced.Digest()) == string(d0) {
		t.Fatal("digest did not change with price")
	}
}

func TestTickCrosses(t *testing.T) {
	ask := newAsk(t, 1).Tick()
	bid := ask
	bid.Side = Bid
	bid.OrderID = OrderID{Trader: "bob", Number: 1}

	tests := []struct {
		bidPrice int64
		want     bool
	}{{9, false}, {10, true}, {11, true}}
	for _, tt := range tests {
		bid.Price.Amount = decimal.NewFromInt(tt.bidPrice)
		if got := ask.Crosses(bid); got != tt.want {
			t.Errorf("bid %d crosses ask 10 = %v, want %v", tt.bidPrice, got, tt.want)
		}
		if got := bid.Crosses(ask); got != tt.want {
			t.Errorf("symmetric cross mismatch for bid %d", tt.bidPrice)
		}
	}
	if ask.Crosses(ask) {
		t.Error("same side crossed")
	}
}
