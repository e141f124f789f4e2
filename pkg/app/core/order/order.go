package order

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientQuantity = errors.New("insufficient available quantity")
	ErrNotFound             = errors.New("order not found")
	ErrNotOpen              = errors.New("order is not open")
	ErrInvalidOrder         = errors.New("invalid order")
)

// TraderID is the transport identity of the peer that owns an order.
type TraderID string

type OrderID struct {
	Trader TraderID `json:"trader"`
	Number uint64   `json:"number"`
}

func (id OrderID) String() string {
	return fmt.Sprintf("%s.%d", id.Trader, id.Number)
}

func (id OrderID) IsZero() bool { return id.Trader == "" && id.Number == 0 }

// ParseOrderID is the inverse of OrderID.String. Trader ids may contain dots,
// so the number is taken after the last one.
func ParseOrderID(s string) (OrderID, error) {
	i := strings.LastIndexByte(s, '.')
	if i <= 0 || i == len(s)-1 {
		return OrderID{}, fmt.Errorf("malformed order id %q", s)
	}
	n, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return OrderID{}, fmt.Errorf("malformed order id %q: %w", s, err)
	}
	return OrderID{Trader: TraderID(s[:i]), Number: n}, nil
}

type Side int8

const (
	Bid Side = 1
	Ask Side = -1
)

func (s Side) String() string {
	if s == Ask {
		return "ask"
	}
	return "bid"
}

func (s Side) Opposite() Side { return -s }

// Price is the amount of Asset paid per unit of the quantity asset.
type Price struct {
	Amount decimal.Decimal `json:"amount"`
	Asset  string          `json:"asset"`
}

func (p Price) String() string { return p.Amount.String() + " " + p.Asset }

// Quantity is counted in whole lots of Asset.
type Quantity struct {
	Amount int64  `json:"amount"`
	Asset  string `json:"asset"`
}

func (q Quantity) String() string { return strconv.FormatInt(q.Amount, 10) + " " + q.Asset }

// AssetPair identifies a market: quantity asset priced in price asset.
type AssetPair struct {
	Quantity string `json:"quantity"`
	Price    string `json:"price"`
}

func (p AssetPair) String() string { return p.Quantity + "/" + p.Price }

type Status string

const (
	StatusOpen      Status = "open"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Order is the trader's private record. Only the derived Tick leaves the peer.
type Order struct {
	ID        OrderID        `json:"id"`
	Side      Side           `json:"side"`
	Price     Price          `json:"price"`
	Quantity  Quantity       `json:"quantity"`
	Traded    int64          `json:"traded"`
	Reserved  int64          `json:"reserved"`
	Status    Status         `json:"status"`
	Verified  bool           `json:"verified"`
	Timestamp time.Time      `json:"timestamp"`
	Timeout   time.Duration  `json:"timeout"`
	Signer    common.Address `json:"signer"`
	Signature []byte         `json:"signature,omitempty"`
}

// New builds an open order. Quantity must be positive, price non-negative and
// the two assets must differ.
func New(id OrderID, side Side, price Price, qty Quantity, timeout time.Duration, now time.Time) (*Order, error) {
	switch {
	case qty.Amount <= 0:
		return nil, fmt.Errorf("%w: quantity must be positive", ErrInvalidOrder)
	case price.Amount.IsNegative():
		return nil, fmt.Errorf("%w: negative price", ErrInvalidOrder)
	case price.Asset == "" || qty.Asset == "" || price.Asset == qty.Asset:
		return nil, fmt.Errorf("%w: need two distinct assets", ErrInvalidOrder)
	case timeout <= 0:
		return nil, fmt.Errorf("%w: timeout must be positive", ErrInvalidOrder)
	}
	return &Order{
		ID:        id,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Status:    StatusOpen,
		Timestamp: now,
		Timeout:   timeout,
	}, nil
}

func (o *Order) IsAsk() bool { return o.Side == Ask }

func (o *Order) Pair() AssetPair {
	return AssetPair{Quantity: o.Quantity.Asset, Price: o.Price.Asset}
}

func (o *Order) IsOpen() bool { return o.Status == StatusOpen }

// Available is the quantity neither traded nor held for a negotiation.
func (o *Order) Available() int64 {
	if !o.IsOpen() {
		return 0
	}
	return o.Quantity.Amount - o.Traded - o.Reserved
}

func (o *Order) ExpiresAt() time.Time { return o.Timestamp.Add(o.Timeout) }

func (o *Order) Expired(now time.Time) bool { return !now.Before(o.ExpiresAt()) }

func (o *Order) Reserve(qty int64) error {
	if !o.IsOpen() {
		return ErrNotOpen
	}
	if qty <= 0 || qty > o.Available() {
		return fmt.Errorf("reserve %d of %s (available %d): %w", qty, o.ID, o.Available(), ErrInsufficientQuantity)
	}
	o.Reserved += qty
	return nil
}

// Release returns reserved quantity. Releasing more than is held clamps to zero.
func (o *Order) Release(qty int64) {
	if qty > o.Reserved {
		qty = o.Reserved
	}
	if qty > 0 {
		o.Reserved -= qty
	}
}

// AddTrade converts qty of reserved quantity into traded quantity and marks
// the order completed once it is fully traded.
func (o *Order) AddTrade(qty int64) error {
	if qty <= 0 || o.Traded+qty > o.Quantity.Amount {
		return fmt.Errorf("trade %d on %s (traded %d of %d): %w", qty, o.ID, o.Traded, o.Quantity.Amount, ErrInsufficientQuantity)
	}
	o.Release(qty)
	o.Traded += qty
	if o.Traded == o.Quantity.Amount {
		o.Status = StatusCompleted
		o.Reserved = 0
	}
	return nil
}

func (o *Order) Cancel() error {
	if !o.IsOpen() {
		return ErrNotOpen
	}
	o.Status = StatusCancelled
	return nil
}

func (o *Order) Expire() bool {
	if !o.IsOpen() {
		return false
	}
	o.Status = StatusExpired
	return true
}

// Tick projects the order into its public form.
func (o *Order) Tick() Tick {
	return Tick{
		OrderID:   o.ID,
		Side:      o.Side,
		Price:     o.Price,
		Quantity:  o.Quantity,
		Traded:    o.Traded,
		Timestamp: o.Timestamp,
		Timeout:   o.Timeout,
		Signer:    o.Signer,
		Signature: append([]byte(nil), o.Signature...),
	}
}

func (o *Order) Clone() *Order {
	cp := *o
	cp.Signature = append([]byte(nil), o.Signature...)
	return &cp
}
