package crypto

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
)

func testTick() order.Tick {
	return order.Tick{
		OrderID:   order.OrderID{Trader: "alice", Number: 1},
		Side:      order.Ask,
		Price:     order.Price{Amount: decimal.NewFromInt(10), Asset: "DUM1"},
		Quantity:  order.Quantity{Amount: 5, Asset: "DUM2"},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Timeout:   time.Hour,
	}
}

func TestPrivateKeyHexRoundTrip(t *testing.T) {
	s, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("zero address")
	}
	for _, key := range []string{s.PrivateKeyHex(), "0x" + s.PrivateKeyHex()} {
		loaded, err := FromPrivateKeyHex(key)
		if err != nil {
			t.Fatalf("load %q: %v", key, err)
		}
		if loaded.Address() != s.Address() {
			t.Fatalf("address = %s, want %s", loaded.Address().Hex(), s.Address().Hex())
		}
	}
	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Fatal("garbage key accepted")
	}
}

func TestSignAndVerifyTick(t *testing.T) {
	s, _ := GenerateKey()
	tick := testTick()
	if err := s.SignTick(&tick); err != nil {
		t.Fatal(err)
	}
	if tick.Signer != s.Address() {
		t.Fatalf("signer = %s", tick.Signer.Hex())
	}
	if err := VerifyTick(tick); err != nil {
		t.Fatalf("verify: %v", err)
	}
	addr, err := TickSigner(tick)
	if err != nil || addr != s.Address() {
		t.Fatalf("recovered %s, %v", addr.Hex(), err)
	}

	// traded quantity is not signed
	tick.Traded = 4
	if err := VerifyTick(tick); err != nil {
		t.Fatalf("verify after trade: %v", err)
	}
}

func TestVerifyTickRejects(t *testing.T) {
	s, _ := GenerateKey()
	other, _ := GenerateKey()
	signed := testTick()
	if err := s.SignTick(&signed); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*order.Tick)
	}{
		{"unsigned", func(tk *order.Tick) { tk.Signature = nil }},
		{"truncated", func(tk *order.Tick) { tk.Signature = tk.Signature[:10] }},
		{"quantity", func(tk *order.Tick) { tk.Quantity.Amount = 500 }},
		{"price", func(tk *order.Tick) { tk.Price.Amount = decimal.NewFromInt(11) }},
		{"claimed signer", func(tk *order.Tick) { tk.Signer = other.Address() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := signed
			tk.Signature = append([]byte(nil), signed.Signature...)
			tt.mutate(&tk)
			if err := VerifyTick(tk); err != ErrBadTickSignature {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

func TestTickSignedByOtherKey(t *testing.T) {
	s, _ := GenerateKey()
	other, _ := GenerateKey()
	tick := testTick()
	// claims s's address but signs with other's key
	impostor := &Signer{key: other.key, addr: s.Address()}
	if err := impostor.SignTick(&tick); err != nil {
		t.Fatal(err)
	}
	addr, err := TickSigner(tick)
	if err != nil {
		t.Fatal(err)
	}
	if addr != other.Address() {
		t.Fatalf("recovered %s, want %s", addr.Hex(), other.Address().Hex())
	}
	if err := VerifyTick(tick); err != ErrBadTickSignature {
		t.Fatalf("err = %v", err)
	}
}
