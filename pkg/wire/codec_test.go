package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

func TestEveryKindRoundTrips(t *testing.T) {
	seen := make(map[Kind]bool)
	for _, m := range All() {
		if seen[m.Kind()] {
			t.Fatalf("duplicate kind %s", m.Kind())
		}
		seen[m.Kind()] = true

		data, err := Marshal(Envelope{From: "peer-a", Msg: m})
		if err != nil {
			t.Fatalf("marshal %s: %v", m.Kind(), err)
		}
		env, err := Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", m.Kind(), err)
		}
		if env.From != "peer-a" || env.Msg.Kind() != m.Kind() {
			t.Fatalf("got %s from %s, want %s", env.Msg.Kind(), env.From, m.Kind())
		}
	}
}

func TestProposalFieldsSurvive(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := order.Tick{
		OrderID:   order.OrderID{Trader: "mm", Number: 2},
		Side:      order.Bid,
		Price:     order.Price{Amount: decimal.RequireFromString("1.25"), Asset: "DUM1"},
		Quantity:  order.Quantity{Amount: 3, Asset: "DUM2"},
		Timestamp: now,
		Timeout:   time.Hour,
		Signature: []byte{1, 2, 3},
	}
	msgs := []Message{
		Match{ID: MatchID{Matchmaker: "mm", Number: 9}, Own: order.OrderID{Trader: "a", Number: 1}, Candidate: tick, Quantity: 3},
		AcceptedTrade{ID: ProposalID{Trader: "a", Number: 4}, TransactionID: uuid.New(), Price: tick.Price, Quantity: tick.Quantity, ReceiveAddress: "addr"},
		Payment{TransactionID: uuid.New(), Asset: "DUM1", Amount: decimal.RequireFromString("3.75"), WalletTxID: "w1", Success: true},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, m := range msgs {
		if err := enc.Encode(Envelope{From: "a", Msg: m}); err != nil {
			t.Fatal(err)
		}
	}
	dec := NewDecoder(&buf)
	for i, want := range msgs {
		env, err := dec.Decode()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		switch got := env.Msg.(type) {
		case Match:
			w := want.(Match)
			if got.ID != w.ID || got.Own != w.Own || !got.Candidate.Price.Amount.Equal(w.Candidate.Price.Amount) ||
				!got.Candidate.Timestamp.Equal(now) || string(got.Candidate.Signature) != string(w.Candidate.Signature) {
				t.Fatalf("match mismatch: %+v", got)
			}
		case AcceptedTrade:
			w := want.(AcceptedTrade)
			if got.TransactionID != w.TransactionID || got.ReceiveAddress != "addr" {
				t.Fatalf("accept mismatch: %+v", got)
			}
		case Payment:
			w := want.(Payment)
			if !got.Amount.Equal(w.Amount) || got.WalletTxID != "w1" || !got.Success {
				t.Fatalf("payment mismatch: %+v", got)
			}
		default:
			t.Fatalf("unexpected %T", got)
		}
	}
}

func TestMarshalRejectsEmpty(t *testing.T) {
	if _, err := Marshal(Envelope{From: "a"}); err != ErrNoMessage {
		t.Fatalf("err = %v", err)
	}
}
