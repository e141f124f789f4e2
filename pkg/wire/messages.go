// Package wire defines the messages peers exchange and their gob encoding.
package wire

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

// PeerID is a peer's transport identity. A trader is identified by its peer.
type PeerID = order.TraderID

type Kind string

const (
	KindInfo         Kind = "info"
	KindTick         Kind = "tick"
	KindTickRemove   Kind = "tick-remove"
	KindSyncRequest  Kind = "orderbook-sync-request"
	KindSyncResponse Kind = "orderbook-sync-response"
	KindMatch        Kind = "match"
	KindMatchDecline Kind = "match-decline"
	KindMatchDone    Kind = "match-done"
	KindProposed     Kind = "proposed-trade"
	KindAccepted     Kind = "accepted-trade"
	KindDeclined     Kind = "declined-trade"
	KindCounter      Kind = "counter-trade"
	KindPayment      Kind = "payment"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
)

// Message is the closed set of payloads. Only types in this package implement it.
type Message interface {
	Kind() Kind
	message()
}

type DeclineReason string

const (
	ReasonOrderCompleted  DeclineReason = "order-completed"
	ReasonOrderInvalid    DeclineReason = "order-invalid"
	ReasonNoAvailable     DeclineReason = "no-available-quantity"
	ReasonTimeout         DeclineReason = "timeout"
	ReasonOwnOrderGone    DeclineReason = "own-order-unavailable"
	ReasonCounterRejected DeclineReason = "counter-rejected"
)

// ProposalID names one negotiation round. Number is allocated by the initiator.
type ProposalID struct {
	Trader order.TraderID
	Number uint64
}

func (p ProposalID) String() string { return fmt.Sprintf("%s#%d", p.Trader, p.Number) }

// MatchID names one match a matchmaker handed to a trader.
type MatchID struct {
	Matchmaker PeerID
	Number     uint64
}

func (m MatchID) String() string { return fmt.Sprintf("%s@%d", m.Matchmaker, m.Number) }

type Info struct {
	IsMatchmaker bool
	// Reply marks an answer to another Info so the exchange stops after one round.
	Reply bool
}

type Tick struct {
	Tick order.Tick
}

type TickRemove struct {
	OrderID order.OrderID
}

// OrderBookSyncRequest asks for the ticks of Pairs, or of every pair when empty.
type OrderBookSyncRequest struct {
	Pairs []order.AssetPair
}

type OrderBookSyncResponse struct {
	Ticks []order.Tick
}

// Match asks the owner of Own to negotiate with the owner of Candidate.
type Match struct {
	ID        MatchID
	Own       order.OrderID
	Candidate order.Tick
	Quantity  int64
}

type MatchDecline struct {
	ID     MatchID
	Reason DeclineReason
}

type MatchDone struct {
	ID       MatchID
	Quantity int64
}

// ProposedTrade: Sender is the initiator's order, Recipient the counterparty's.
// ReceiveAddress is where the sender wants to be paid.
type ProposedTrade struct {
	ID             ProposalID
	Sender         order.OrderID
	Recipient      order.OrderID
	Price          order.Price
	Quantity       order.Quantity
	ReceiveAddress string
	Timestamp      time.Time
}

type AcceptedTrade struct {
	ID             ProposalID
	TransactionID  uuid.UUID
	Sender         order.OrderID
	Recipient      order.OrderID
	Price          order.Price
	Quantity       order.Quantity
	ReceiveAddress string
}

type DeclinedTrade struct {
	ID        ProposalID
	Sender    order.OrderID
	Recipient order.OrderID
	Reason    DeclineReason
}

// CounterTrade keeps the proposal id of the round it answers.
type CounterTrade struct {
	ID             ProposalID
	Sender         order.OrderID
	Recipient      order.OrderID
	Price          order.Price
	Quantity       order.Quantity
	ReceiveAddress string
}

// Payment reports the outcome of the sender's outgoing leg.
type Payment struct {
	TransactionID uuid.UUID
	Asset         string
	Amount        decimal.Decimal
	WalletTxID    string
	Success       bool
	Reason        string
}

type Ping struct{ ID uint64 }

type Pong struct{ ID uint64 }

func (Info) Kind() Kind                  { return KindInfo }
func (Tick) Kind() Kind                  { return KindTick }
func (TickRemove) Kind() Kind            { return KindTickRemove }
func (OrderBookSyncRequest) Kind() Kind  { return KindSyncRequest }
func (OrderBookSyncResponse) Kind() Kind { return KindSyncResponse }
func (Match) Kind() Kind                 { return KindMatch }
func (MatchDecline) Kind() Kind          { return KindMatchDecline }
func (MatchDone) Kind() Kind             { return KindMatchDone }
func (ProposedTrade) Kind() Kind         { return KindProposed }
func (AcceptedTrade) Kind() Kind         { return KindAccepted }
func (DeclinedTrade) Kind() Kind         { return KindDeclined }
func (CounterTrade) Kind() Kind          { return KindCounter }
func (Payment) Kind() Kind               { return KindPayment }
func (Ping) Kind() Kind                  { return KindPing }
func (Pong) Kind() Kind                  { return KindPong }

func (Info) message()                  {}
func (Tick) message()                  {}
func (TickRemove) message()            {}
func (OrderBookSyncRequest) message()  {}
func (OrderBookSyncResponse) message() {}
func (Match) message()                 {}
func (MatchDecline) message()          {}
func (MatchDone) message()             {}
func (ProposedTrade) message()         {}
func (AcceptedTrade) message()         {}
func (DeclinedTrade) message()         {}
func (CounterTrade) message()          {}
func (Payment) message()               {}
func (Ping) message()                  {}
func (Pong) message()                  {}

// All returns a zero value of every message kind.
func All() []Message {
	return []Message{
		Info{}, Tick{}, TickRemove{}, OrderBookSyncRequest{}, OrderBookSyncResponse{},
		Match{}, MatchDecline{}, MatchDone{},
		ProposedTrade{}, AcceptedTrade{}, DeclinedTrade{}, CounterTrade{},
		Payment{}, Ping{}, Pong{},
	}
}
