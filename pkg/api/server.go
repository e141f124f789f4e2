package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
	"github.com/uhyunpark/hypermarket/pkg/app/core/wallet"
	"github.com/uhyunpark/hypermarket/pkg/app/market"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

// Market is the part of a running peer the API exposes. *market.Community
// implements it.
type Market interface {
	Self() wire.PeerID
	IsMatchmaker() bool
	Matchmakers() []wire.PeerID
	Wallets() map[string]wallet.Wallet
	Book() (asks, bids []order.Tick)

	CreateAsk(ctx context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error)
	CreateBid(ctx context.Context, price decimal.Decimal, priceAsset string, qty int64, qtyAsset string, timeout time.Duration) (*order.Order, error)
	CancelOrder(ctx context.Context, id order.OrderID) error
	Orders(ctx context.Context) ([]*order.Order, error)
	Order(ctx context.Context, id order.OrderID) (*order.Order, error)
	OrderTransactions(ctx context.Context, id order.OrderID) ([]*transaction.Transaction, error)
	Transactions(ctx context.Context) ([]*transaction.Transaction, error)
	Transaction(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error)
}

type Options struct {
	AllowedOrigins []string
	// Metrics is served on /metrics when set.
	Metrics http.Handler
	// CreateWait bounds how long order creation waits for a matchmaker.
	CreateWait time.Duration
	Logger     *zap.SugaredLogger
}

// Server handles REST API and WebSocket connections
type Server struct {
	market  Market
	router  *mux.Router
	hub     *Hub
	opts    Options
	log     *zap.SugaredLogger
	httpSrv *http.Server
}

// NewServer serves m. The hub is shared with whoever feeds it market events
// and must be running for WebSocket clients to connect.
func NewServer(m Market, hub *Hub, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.CreateWait <= 0 {
		opts.CreateWait = 10 * time.Second
	}
	s := &Server{
		market: m,
		router: mux.NewRouter(),
		hub:    hub,
		opts:   opts,
		log:    opts.Logger.With("component", "api"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/matchmakers", s.handleGetMatchmakers).Methods("GET")
	api.HandleFunc("/wallets", s.handleGetWallets).Methods("GET")
	api.HandleFunc("/orderbook", s.handleGetOrderbook).Methods("GET")

	api.HandleFunc("/orders", s.handleGetOrders).Methods("GET")
	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")

	api.HandleFunc("/transactions", s.handleGetTransactions).Methods("GET")
	api.HandleFunc("/transactions/{id}", s.handleGetTransaction).Methods("GET")

	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics).Methods("GET")
	}
	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler is the router wrapped in the CORS policy.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infow("api_listening", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, StatusInfo{
		Peer:         string(s.market.Self()),
		IsMatchmaker: s.market.IsMatchmaker(),
		Matchmakers:  len(s.market.Matchmakers()),
	})
}

func (s *Server) handleGetMatchmakers(w http.ResponseWriter, r *http.Request) {
	peers := s.market.Matchmakers()
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = string(p)
	}
	sort.Strings(out)
	respondJSON(w, out)
}

func (s *Server) handleGetWallets(w http.ResponseWriter, r *http.Request) {
	wallets := s.market.Wallets()
	assets := make([]string, 0, len(wallets))
	for asset := range wallets {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	out := make([]WalletInfo, 0, len(assets))
	for _, asset := range assets {
		wl := wallets[asset]
		bal, err := wl.Balance(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, "wallet unavailable", asset+": "+err.Error())
			return
		}
		out = append(out, WalletInfo{Asset: asset, Address: wl.Address(), Available: bal.Available, Pending: bal.Pending})
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrderbook(w http.ResponseWriter, r *http.Request) {
	asks, bids := s.market.Book()
	pair := r.URL.Query().Get("pair") // e.g. "DUM2/DUM1"

	snap := OrderbookSnapshot{
		Asks:      make([]TickInfo, 0, len(asks)),
		Bids:      make([]TickInfo, 0, len(bids)),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, t := range asks {
		if pair == "" || t.Pair().String() == pair {
			snap.Asks = append(snap.Asks, tickInfo(t))
		}
	}
	for _, t := range bids {
		if pair == "" || t.Pair().String() == pair {
			snap.Bids = append(snap.Bids, tickInfo(t))
		}
	}
	respondJSON(w, snap)
}

func (s *Server) handleGetOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := s.market.Orders(r.Context())
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	status := r.URL.Query().Get("status")
	out := make([]OrderInfo, 0, len(orders))
	for _, o := range orders {
		if status == "" || string(o.Status) == status {
			out = append(out, orderInfo(o))
		}
	}
	respondJSON(w, out)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := order.ParseOrderID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	o, err := s.market.Order(r.Context(), id)
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	txs, err := s.market.OrderTransactions(r.Context(), id)
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	detail := OrderDetail{OrderInfo: orderInfo(o), Transactions: make([]TransactionInfo, 0, len(txs))}
	for _, tx := range txs {
		detail.Transactions = append(detail.Transactions, transactionInfo(tx))
	}
	respondJSON(w, detail)
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}

	create := s.market.CreateBid
	switch strings.ToLower(req.Side) {
	case "bid", "buy":
	case "ask", "sell":
		create = s.market.CreateAsk
	default:
		respondError(w, http.StatusBadRequest, "invalid side", `expected "ask" or "bid"`)
		return
	}
	if req.TimeoutSeconds <= 0 {
		respondError(w, http.StatusBadRequest, "invalid timeout", "timeoutSeconds must be positive")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CreateWait)
	defer cancel()
	o, err := create(ctx, req.Price, req.PriceAsset, req.Quantity, req.QuantityAsset, time.Duration(req.TimeoutSeconds)*time.Second)
	switch {
	case err == nil:
		s.log.Infow("order_submitted", "order", o.ID, "side", o.Side, "price", o.Price, "qty", o.Quantity)
		respondJSONStatus(w, http.StatusCreated, orderInfo(o))
	case o != nil && errors.Is(err, market.ErrNoMatchmaker):
		// stored and signed, published once a matchmaker shows up
		respondJSONStatus(w, http.StatusAccepted, orderInfo(o))
	default:
		s.respondMarketError(w, err)
	}
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := order.ParseOrderID(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid order id", err.Error())
		return
	}
	if err := s.market.CancelOrder(r.Context(), id); err != nil {
		s.respondMarketError(w, err)
		return
	}
	s.log.Infow("order_cancel_requested", "order", id)
	respondJSON(w, map[string]string{
		"status":  "cancelled",
		"orderId": id.String(),
	})
}

func (s *Server) handleGetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := s.market.Transactions(r.Context())
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	sort.Slice(txs, func(i, j int) bool { return txs[i].CreatedAt.Before(txs[j].CreatedAt) })
	out := make([]TransactionInfo, len(txs))
	for i, tx := range txs {
		out[i] = transactionInfo(tx)
	}
	respondJSON(w, out)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction id", err.Error())
		return
	}
	tx, err := s.market.Transaction(r.Context(), id)
	if err != nil {
		s.respondMarketError(w, err)
		return
	}
	respondJSON(w, transactionInfo(tx))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Helper Functions
// ==============================

func (s *Server) respondMarketError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, order.ErrNotFound), errors.Is(err, transaction.ErrNotFound):
		respondError(w, http.StatusNotFound, "not found", err.Error())
	case errors.Is(err, order.ErrInvalidOrder), errors.Is(err, market.ErrUnknownAsset):
		respondError(w, http.StatusBadRequest, "invalid order", err.Error())
	case errors.Is(err, market.ErrNotOwnOrder):
		respondError(w, http.StatusForbidden, "not own order", err.Error())
	case errors.Is(err, order.ErrNotOpen):
		respondError(w, http.StatusConflict, "order not open", err.Error())
	case errors.Is(err, market.ErrStopped):
		respondError(w, http.StatusServiceUnavailable, "market stopped", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		s.log.Warnw("request_failed", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", err.Error())
	}
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	respondJSONStatus(w, http.StatusOK, data)
}

func respondJSONStatus(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
