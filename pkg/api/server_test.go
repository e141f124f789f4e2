package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
	"github.com/uhyunpark/hypermarket/pkg/app/core/wallet"
	"github.com/uhyunpark/hypermarket/pkg/app/market"
	"github.com/uhyunpark/hypermarket/pkg/metrics"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

var _ Market = (*market.Community)(nil)

// fakeMarket keeps orders in a map and reports changes to onOrder.
type fakeMarket struct {
	mu           sync.Mutex
	self         wire.PeerID
	next         uint64
	orders       map[order.OrderID]*order.Order
	txs          map[uuid.UUID]*transaction.Transaction
	asks, bids   []order.Tick
	wallets      map[string]wallet.Wallet
	noMatchmaker bool
	matchmakers  []wire.PeerID
	onOrder      func(*order.Order)
}

func newFakeMarket() *fakeMarket {
	ledger := wallet.NewLedger()
	return &fakeMarket{
		self:        "me",
		orders:      make(map[order.OrderID]*order.Order),
		txs:         make(map[uuid.UUID]*transaction.Transaction),
		wallets:     map[string]wallet.Wallet{"DUM1": wallet.NewDummy(ledger, "DUM1"), "DUM2": wallet.NewDummy(ledger, "DUM2")},
		matchmakers: []wire.PeerID{"mm2", "mm1"},
	}
}

func (f *fakeMarket) Self() wire.PeerID                 { return f.self }
func (f *fakeMarket) IsMatchmaker() bool                { return true }
func (f *fakeMarket) Matchmakers() []wire.PeerID        { return f.matchmakers }
func (f *fakeMarket) Wallets() map[string]wallet.Wallet { return f.wallets }
func (f *fakeMarket) Book() (asks, bids []order.Tick)   { return f.asks, f.bids }

func (f *fakeMarket) create(side order.Side, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	for _, a := range []string{priceAsset, qtyAsset} {
		if _, ok := f.wallets[a]; !ok {
			return nil, fmt.Errorf("%w: %s", market.ErrUnknownAsset, a)
		}
	}
	f.mu.Lock()
	f.next++
	o, err := order.New(order.OrderID{Trader: f.self, Number: f.next}, side,
		order.Price{Amount: price, Asset: priceAsset}, order.Quantity{Amount: qty, Asset: qtyAsset}, timeout, time.Now())
	if err == nil {
		f.orders[o.ID] = o
	}
	onOrder := f.onOrder
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if onOrder != nil {
		onOrder(o.Clone())
	}
	if f.noMatchmaker {
		return o.Clone(), fmt.Errorf("%w: %w", market.ErrNoMatchmaker, context.DeadlineExceeded)
	}
	return o.Clone(), nil
}

func (f *fakeMarket) CreateAsk(_ context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	return f.create(order.Ask, price, priceAsset, qty, qtyAsset, timeout)
}

func (f *fakeMarket) CreateBid(_ context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error) {
	return f.create(order.Bid, price, priceAsset, qty, qtyAsset, timeout)
}

func (f *fakeMarket) CancelOrder(_ context.Context, id order.OrderID) error {
	if id.Trader != f.self {
		return market.ErrNotOwnOrder
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	return o.Cancel()
}

func (f *fakeMarket) Orders(context.Context) ([]*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*order.Order
	for i := uint64(1); i <= f.next; i++ {
		if o, ok := f.orders[order.OrderID{Trader: f.self, Number: i}]; ok {
			out = append(out, o.Clone())
		}
	}
	return out, nil
}

func (f *fakeMarket) Order(_ context.Context, id order.OrderID) (*order.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (f *fakeMarket) OrderTransactions(_ context.Context, id order.OrderID) ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	for _, tx := range f.txs {
		if tx.AskOrderID == id || tx.BidOrderID == id {
			out = append(out, tx.Clone())
		}
	}
	return out, nil
}

func (f *fakeMarket) Transactions(context.Context) ([]*transaction.Transaction, error) {
	var out []*transaction.Transaction
	for _, tx := range f.txs {
		out = append(out, tx.Clone())
	}
	return out, nil
}

func (f *fakeMarket) Transaction(_ context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	tx, ok := f.txs[id]
	if !ok {
		return nil, transaction.ErrNotFound
	}
	return tx.Clone(), nil
}

func newTestServer(t *testing.T, m *fakeMarket) (*httptest.Server, *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(nil)
	go hub.Run(ctx)
	s := NewServer(m, hub, Options{
		AllowedOrigins: []string{"http://localhost:3000"},
		Metrics:        metrics.New().Handler(),
	})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts, hub
}

func do(t *testing.T, method, url, body string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndStatus(t *testing.T) {
	ts, _ := newTestServer(t, newFakeMarket())

	var health map[string]string
	if code := do(t, "GET", ts.URL+"/health", "", &health); code != 200 || health["status"] != "ok" {
		t.Fatalf("health: %d %v", code, health)
	}
	var st StatusInfo
	if code := do(t, "GET", ts.URL+"/api/v1/status", "", &st); code != 200 {
		t.Fatalf("status: %d", code)
	}
	if st.Peer != "me" || !st.IsMatchmaker || st.Matchmakers != 2 {
		t.Fatalf("status: %+v", st)
	}
	var mms []string
	do(t, "GET", ts.URL+"/api/v1/matchmakers", "", &mms)
	if len(mms) != 2 || mms[0] != "mm1" {
		t.Fatalf("matchmakers not sorted: %v", mms)
	}
}

func TestCreateOrder(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"ask", `{"side":"ask","price":"1.5","priceAsset":"DUM1","quantity":10,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusCreated},
		{"bid", `{"side":"bid","price":"2","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusCreated},
		{"sell alias", `{"side":"SELL","price":"2","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusCreated},
		{"bad side", `{"side":"hold","price":"2","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusBadRequest},
		{"no timeout", `{"side":"bid","price":"2","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2"}`, http.StatusBadRequest},
		{"unknown asset", `{"side":"bid","price":"2","priceAsset":"BTC","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusBadRequest},
		{"zero quantity", `{"side":"bid","price":"2","priceAsset":"DUM1","quantity":0,"quantityAsset":"DUM2","timeoutSeconds":60}`, http.StatusBadRequest},
		{"same asset", `{"side":"bid","price":"2","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM1","timeoutSeconds":60}`, http.StatusBadRequest},
		{"malformed", `{"side":`, http.StatusBadRequest},
	}
	ts, _ := newTestServer(t, newFakeMarket())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if code := do(t, "POST", ts.URL+"/api/v1/orders", tt.body, nil); code != tt.want {
				t.Fatalf("code=%d want %d", code, tt.want)
			}
		})
	}

	var orders []OrderInfo
	do(t, "GET", ts.URL+"/api/v1/orders", "", &orders)
	if len(orders) != 3 {
		t.Fatalf("orders=%d want 3", len(orders))
	}
	if orders[0].Side != "ask" || orders[0].Quantity != 10 || !orders[0].Price.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("first order: %+v", orders[0])
	}
	if orders[0].ExpiresAt-orders[0].Timestamp != 60_000 {
		t.Fatalf("expiry: %+v", orders[0])
	}
}

func TestCreateOrderWithoutMatchmaker(t *testing.T) {
	m := newFakeMarket()
	m.noMatchmaker = true
	ts, _ := newTestServer(t, m)

	var o OrderInfo
	code := do(t, "POST", ts.URL+"/api/v1/orders",
		`{"side":"ask","price":"1","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":5}`, &o)
	if code != http.StatusAccepted || o.ID != "me.1" || o.Status != "open" {
		t.Fatalf("code=%d order=%+v", code, o)
	}
}

func TestGetAndCancelOrder(t *testing.T) {
	ts, _ := newTestServer(t, newFakeMarket())
	var o OrderInfo
	do(t, "POST", ts.URL+"/api/v1/orders",
		`{"side":"ask","price":"1","priceAsset":"DUM1","quantity":1,"quantityAsset":"DUM2","timeoutSeconds":5}`, &o)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"get", "GET", "/api/v1/orders/" + o.ID, http.StatusOK},
		{"get unknown", "GET", "/api/v1/orders/me.99", http.StatusNotFound},
		{"get malformed", "GET", "/api/v1/orders/nodot", http.StatusBadRequest},
		{"cancel foreign", "POST", "/api/v1/orders/other.1/cancel", http.StatusForbidden},
		{"cancel unknown", "POST", "/api/v1/orders/me.99/cancel", http.StatusNotFound},
		{"cancel", "POST", "/api/v1/orders/" + o.ID + "/cancel", http.StatusOK},
		{"cancel twice", "POST", "/api/v1/orders/" + o.ID + "/cancel", http.StatusConflict},
	}
	for _, tt := range tests {
		if code := do(t, tt.method, ts.URL+tt.path, "", nil); code != tt.want {
			t.Fatalf("%s: code=%d want %d", tt.name, code, tt.want)
		}
	}

	var got OrderInfo
	do(t, "GET", ts.URL+"/api/v1/orders/"+o.ID, "", &got)
	if got.Status != string(order.StatusCancelled) {
		t.Fatalf("status=%s", got.Status)
	}
	var open []OrderInfo
	do(t, "GET", ts.URL+"/api/v1/orders?status=open", "", &open)
	if len(open) != 0 {
		t.Fatalf("open orders: %+v", open)
	}
}

func TestOrderbookSnapshot(t *testing.T) {
	m := newFakeMarket()
	tick := func(trader string, side order.Side, price string, qtyAsset string) order.Tick {
		return order.Tick{
			OrderID:  order.OrderID{Trader: order.TraderID(trader), Number: 1},
			Side:     side,
			Price:    order.Price{Amount: decimal.RequireFromString(price), Asset: "DUM1"},
			Quantity: order.Quantity{Amount: 5, Asset: qtyAsset},
			Traded:   1,
		}
	}
	m.asks = []order.Tick{tick("a", order.Ask, "1", "DUM2"), tick("b", order.Ask, "2", "DUM3")}
	m.bids = []order.Tick{tick("c", order.Bid, "0.5", "DUM2")}
	ts, _ := newTestServer(t, m)

	var snap OrderbookSnapshot
	do(t, "GET", ts.URL+"/api/v1/orderbook", "", &snap)
	if len(snap.Asks) != 2 || len(snap.Bids) != 1 {
		t.Fatalf("snapshot: %+v", snap)
	}
	if snap.Asks[0].OrderID != "a.1" || snap.Asks[0].Available != 4 || snap.Asks[0].Pair != "DUM2/DUM1" {
		t.Fatalf("ask: %+v", snap.Asks[0])
	}

	do(t, "GET", ts.URL+"/api/v1/orderbook?pair=DUM3/DUM1", "", &snap)
	if len(snap.Asks) != 1 || snap.Asks[0].OrderID != "b.1" || len(snap.Bids) != 0 {
		t.Fatalf("filtered snapshot: %+v", snap)
	}
}

func TestTransactionsEndpoints(t *testing.T) {
	m := newFakeMarket()
	tx, err := transaction.New(transaction.Terms{
		ID:             uuid.New(),
		Own:            order.OrderID{Trader: "me", Number: 1},
		OwnSide:        order.Ask,
		Counterparty:   order.OrderID{Trader: "other", Number: 7},
		PartnerAddress: "DUM1-x",
		Price:          order.Price{Amount: decimal.NewFromInt(2), Asset: "DUM1"},
		Quantity:       order.Quantity{Amount: 3, Asset: "DUM2"},
	}, time.Now())
	if err != nil {
		t.Fatalf("new tx: %v", err)
	}
	m.txs[tx.ID] = tx
	ts, _ := newTestServer(t, m)

	var list []TransactionInfo
	do(t, "GET", ts.URL+"/api/v1/transactions", "", &list)
	if len(list) != 1 || list[0].Partner != "other" || list[0].Status != "pending" {
		t.Fatalf("list: %+v", list)
	}
	var got TransactionInfo
	if code := do(t, "GET", ts.URL+"/api/v1/transactions/"+tx.ID.String(), "", &got); code != 200 {
		t.Fatalf("get: %d", code)
	}
	if got.AskOrderID != "me.1" || got.BidOrderID != "other.7" || got.Quantity != 3 {
		t.Fatalf("tx: %+v", got)
	}
	if code := do(t, "GET", ts.URL+"/api/v1/transactions/"+uuid.NewString(), "", nil); code != http.StatusNotFound {
		t.Fatalf("unknown tx: %d", code)
	}
	if code := do(t, "GET", ts.URL+"/api/v1/transactions/not-a-uuid", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad uuid: %d", code)
	}
}

func TestGetOrderListsTransactions(t *testing.T) {
	m := newFakeMarket()
	ts, _ := newTestServer(t, m)
	var o OrderInfo
	do(t, "POST", ts.URL+"/api/v1/orders",
		`{"side":"ask","price":"2","priceAsset":"DUM1","quantity":5,"quantityAsset":"DUM2","timeoutSeconds":5}`, &o)
	id, err := order.ParseOrderID(o.ID)
	if err != nil {
		t.Fatal(err)
	}

	var empty OrderDetail
	do(t, "GET", ts.URL+"/api/v1/orders/"+o.ID, "", &empty)
	if empty.ID != o.ID || empty.Transactions == nil || len(empty.Transactions) != 0 {
		t.Fatalf("order without trades: %+v", empty)
	}

	for _, counterparty := range []uint64{7, 8} {
		tx, err := transaction.New(transaction.Terms{
			ID:           uuid.New(),
			Own:          id,
			OwnSide:      order.Ask,
			Counterparty: order.OrderID{Trader: "other", Number: counterparty},
			Price:        order.Price{Amount: decimal.NewFromInt(2), Asset: "DUM1"},
			Quantity:     order.Quantity{Amount: 2, Asset: "DUM2"},
		}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		m.txs[tx.ID] = tx
	}
	unrelated, _ := transaction.New(transaction.Terms{
		ID:           uuid.New(),
		Own:          order.OrderID{Trader: "me", Number: 42},
		OwnSide:      order.Bid,
		Counterparty: order.OrderID{Trader: "other", Number: 9},
		Price:        order.Price{Amount: decimal.NewFromInt(2), Asset: "DUM1"},
		Quantity:     order.Quantity{Amount: 1, Asset: "DUM2"},
	}, time.Now())
	m.txs[unrelated.ID] = unrelated

	var got OrderDetail
	if code := do(t, "GET", ts.URL+"/api/v1/orders/"+o.ID, "", &got); code != http.StatusOK {
		t.Fatalf("get: %d", code)
	}
	if got.Status != string(order.StatusOpen) || len(got.Transactions) != 2 {
		t.Fatalf("detail: %+v", got)
	}
	for _, tx := range got.Transactions {
		if tx.AskOrderID != o.ID {
			t.Fatalf("transaction of another order: %+v", tx)
		}
	}
}

func TestWalletsAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t, newFakeMarket())

	var wallets []WalletInfo
	do(t, "GET", ts.URL+"/api/v1/wallets", "", &wallets)
	if len(wallets) != 2 || wallets[0].Asset != "DUM1" || !wallets[0].Available.Equal(decimal.NewFromInt(wallet.InitialBalance)) {
		t.Fatalf("wallets: %+v", wallets)
	}

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != 200 || !strings.Contains(string(body), "hypermarket_matchmaker_ticks_received_total") {
		t.Fatalf("metrics: %d %s", resp.StatusCode, body)
	}
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, newFakeMarket())

	req, _ := http.NewRequest("OPTIONS", ts.URL+"/api/v1/orders", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin=%q", got)
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("foreign origin allowed: %q", got)
	}
}

func TestWebSocketOrderEvents(t *testing.T) {
	m := newFakeMarket()
	ts, hub := newTestServer(t, m)
	m.onOrder = hub.PublishOrder

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelOrders}}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for hub.Subscribers(ChannelOrders) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscription never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	do(t, "POST", ts.URL+"/api/v1/orders",
		`{"side":"bid","price":"3","priceAsset":"DUM1","quantity":2,"quantityAsset":"DUM2","timeoutSeconds":5}`, nil)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev struct {
		Type string    `json:"type"`
		Data OrderInfo `json:"data"`
	}
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != ChannelOrders || ev.Data.ID != "me.1" || ev.Data.Side != "bid" {
		t.Fatalf("event: %+v", ev)
	}
	if hub.Subscribers(ChannelTransactions) != 0 {
		t.Fatal("unexpected transactions subscriber")
	}
}
