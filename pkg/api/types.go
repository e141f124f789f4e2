package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
)

// API request and response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// CreateOrderRequest submits an ask or a bid for the local trader
type CreateOrderRequest struct {
	Side           string          `json:"side"` // "ask" or "bid"
	Price          decimal.Decimal `json:"price"`
	PriceAsset     string          `json:"priceAsset"`
	Quantity       int64           `json:"quantity"`
	QuantityAsset  string          `json:"quantityAsset"`
	TimeoutSeconds int64           `json:"timeoutSeconds"`
}

// ==============================
// REST Response Types
// ==============================

type StatusInfo struct {
	Peer         string `json:"peer"`
	IsMatchmaker bool   `json:"isMatchmaker"`
	Matchmakers  int    `json:"matchmakers"`
}

type OrderInfo struct {
	ID            string          `json:"id"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	PriceAsset    string          `json:"priceAsset"`
	Quantity      int64           `json:"quantity"`
	QuantityAsset string          `json:"quantityAsset"`
	Traded        int64           `json:"traded"`
	Reserved      int64           `json:"reserved"`
	Status        string          `json:"status"`
	Verified      bool            `json:"verified"`
	Timestamp     int64           `json:"timestamp"` // Unix milliseconds
	ExpiresAt     int64           `json:"expiresAt"` // Unix milliseconds
}

// OrderDetail is an order with the transactions it took part in.
type OrderDetail struct {
	OrderInfo
	Transactions []TransactionInfo `json:"transactions"`
}

// TickInfo is one resting entry of the matchmaker's book
type TickInfo struct {
	OrderID   string          `json:"orderId"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Traded    int64           `json:"traded"`
	Reserved  int64           `json:"reserved"`
	Available int64           `json:"available"`
	Pair      string          `json:"pair"`
}

// OrderbookSnapshot lists asks low to high and bids high to low, per pair
type OrderbookSnapshot struct {
	Asks      []TickInfo `json:"asks"`
	Bids      []TickInfo `json:"bids"`
	Timestamp int64      `json:"timestamp"` // Unix milliseconds
}

type LegInfo struct {
	Asset      string          `json:"asset"`
	Amount     decimal.Decimal `json:"amount"`
	WalletTxID string          `json:"walletTxId,omitempty"`
	Done       bool            `json:"done"`
}

type TransactionInfo struct {
	ID          string          `json:"id"`
	AskOrderID  string          `json:"askOrderId"`
	BidOrderID  string          `json:"bidOrderId"`
	Partner     string          `json:"partner"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	Outgoing    LegInfo         `json:"outgoing"`
	Incoming    LegInfo         `json:"incoming"`
	Status      string          `json:"status"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   int64           `json:"createdAt"`             // Unix milliseconds
	CompletedAt int64           `json:"completedAt,omitempty"` // Unix milliseconds
}

type WalletInfo struct {
	Asset     string          `json:"asset"`
	Address   string          `json:"address"`
	Available decimal.Decimal `json:"available"`
	Pending   decimal.Decimal `json:"pending"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a subscription request
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // "orders", "transactions"
}

// WSEvent is pushed to subscribers of Type's channel
type WSEvent struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // Unix milliseconds
}

// ==============================
// Conversions
// ==============================

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func orderInfo(o *order.Order) OrderInfo {
	return OrderInfo{
		ID:            o.ID.String(),
		Side:          o.Side.String(),
		Price:         o.Price.Amount,
		PriceAsset:    o.Price.Asset,
		Quantity:      o.Quantity.Amount,
		QuantityAsset: o.Quantity.Asset,
		Traded:        o.Traded,
		Reserved:      o.Reserved,
		Status:        string(o.Status),
		Verified:      o.Verified,
		Timestamp:     millis(o.Timestamp),
		ExpiresAt:     millis(o.ExpiresAt()),
	}
}

func tickInfo(t order.Tick) TickInfo {
	return TickInfo{
		OrderID:   t.OrderID.String(),
		Price:     t.Price.Amount,
		Quantity:  t.Quantity.Amount,
		Traded:    t.Traded,
		Reserved:  t.ReservedForMatching,
		Available: t.Available(),
		Pair:      t.Pair().String(),
	}
}

func legInfo(l transaction.Leg) LegInfo {
	return LegInfo{Asset: l.Asset, Amount: l.Amount, WalletTxID: l.WalletTxID, Done: l.Done}
}

func transactionInfo(tx *transaction.Transaction) TransactionInfo {
	return TransactionInfo{
		ID:          tx.ID.String(),
		AskOrderID:  tx.AskOrderID.String(),
		BidOrderID:  tx.BidOrderID.String(),
		Partner:     string(tx.Partner),
		Price:       tx.Price.Amount,
		Quantity:    tx.Quantity.Amount,
		Outgoing:    legInfo(tx.Outgoing),
		Incoming:    legInfo(tx.Incoming),
		Status:      string(tx.Status),
		Error:       tx.ErrorReason,
		CreatedAt:   millis(tx.CreatedAt),
		CompletedAt: millis(tx.CompletedAt),
	}
}
