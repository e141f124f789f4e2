package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/api"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
)

// Signs a sample tick the way a node publishes it and checks the signature
// the way a matchmaker does.
func main() {
	// Step 1: Generate or load key
	var (
		signer *crypto.Signer
		err    error
	)
	if key := os.Getenv("TRADER_KEY"); key != "" {
		fmt.Println("Loading key from TRADER_KEY...")
		signer, err = crypto.FromPrivateKeyHex(key)
	} else {
		fmt.Println("Generating new keypair...")
		signer, err = crypto.GenerateKey()
	}
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	// Step 2: Create tick
	trader := order.TraderID(os.Getenv("TRADER_ID"))
	if trader == "" {
		trader = "example-peer"
	}
	tick := order.Tick{
		OrderID:   order.OrderID{Trader: trader, Number: 1},
		Side:      order.Ask,
		Price:     order.Price{Amount: decimal.RequireFromString("1.25"), Asset: "DUM1"},
		Quantity:  order.Quantity{Amount: 10, Asset: "DUM2"},
		Timestamp: time.Now().UTC(),
		Timeout:   time.Hour,
	}

	fmt.Println("Tick Details:")
	fmt.Printf("  Order: %s\n", tick.OrderID)
	fmt.Printf("  Side: %s\n", tick.Side)
	fmt.Printf("  Price: %s\n", tick.Price)
	fmt.Printf("  Qty: %s\n", tick.Quantity)
	fmt.Printf("  Pair: %s\n", tick.Pair())
	fmt.Printf("  Expires: %s\n\n", tick.Timestamp.Add(tick.Timeout).Format(time.RFC3339))

	// Step 3: Sign
	if err := signer.SignTick(&tick); err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Digest: 0x%x\n", tick.Digest())
	fmt.Printf("Signature: 0x%x\n\n", tick.Signature)

	tickJSON, err := json.MarshalIndent(tick, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Signed Tick (JSON):")
	fmt.Println(string(tickJSON))
	fmt.Println()

	// Step 4: Verify, as a matchmaker would
	fmt.Println("Verifying signature...")
	if err := crypto.VerifyTick(tick); err != nil {
		fmt.Printf("✗ Signature INVALID: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("✓ Signature VALID")

	tampered := tick
	tampered.Price.Amount = tampered.Price.Amount.Add(decimal.NewFromInt(1))
	fmt.Printf("  Tampered price rejected: %v\n\n", crypto.VerifyTick(tampered) != nil)

	// Step 5: Show how to place the same order through a node
	req, _ := json.MarshalIndent(api.CreateOrderRequest{
		Side:           tick.Side.String(),
		Price:          tick.Price.Amount,
		PriceAsset:     tick.Price.Asset,
		Quantity:       tick.Quantity.Amount,
		QuantityAsset:  tick.Quantity.Asset,
		TimeoutSeconds: int64(tick.Timeout / time.Second),
	}, "", "  ")
	fmt.Println("To place this order on a node (it signs with its own TRADER_KEY):")
	fmt.Println("  POST http://localhost:8080/api/v1/orders")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(req))
}
