// Package market runs one peer of the market: its own orders and their
// negotiation and settlement, and, on matchmaker peers, the order book and
// the matching rounds over it.
//
// All state belongs to a single goroutine started by Run. Transport
// callbacks, timers and wallet goroutines hand work to it as closures.
package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/hypermarket/params"
	"github.com/uhyunpark/hypermarket/pkg/app/core/order"
	"github.com/uhyunpark/hypermarket/pkg/app/core/orderbook"
	"github.com/uhyunpark/hypermarket/pkg/app/core/transaction"
	"github.com/uhyunpark/hypermarket/pkg/app/core/wallet"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/matchmaker"
	"github.com/uhyunpark/hypermarket/pkg/metrics"
	"github.com/uhyunpark/hypermarket/pkg/negotiation"
	"github.com/uhyunpark/hypermarket/pkg/p2p"
	"github.com/uhyunpark/hypermarket/pkg/requestcache"
	"github.com/uhyunpark/hypermarket/pkg/storage"
	"github.com/uhyunpark/hypermarket/pkg/util"
	"github.com/uhyunpark/hypermarket/pkg/wire"
)

var (
	ErrNoMatchmaker = errors.New("no matchmaker known")
	ErrStopped      = errors.New("market stopped")
	ErrUnknownAsset = errors.New("no wallet for asset")
	ErrNotOwnOrder  = errors.New("order belongs to another trader")
)

const inboxSize = 1024

// PeerStore remembers matchmakers across restarts.
type PeerStore interface {
	SavePeer(id string) error
	DeletePeer(id string) error
	LoadPeers() ([]string, error)
}

type Config struct {
	Market       params.Market
	Transport    p2p.Transport
	Wallets      map[string]wallet.Wallet
	Orders       order.Repository
	Transactions transaction.Repository
	Signer       *crypto.Signer

	// Optional.
	Clock   util.Clock
	Logger  *zap.SugaredLogger
	Metrics *metrics.Metrics
	Journal storage.Journal
	Peers   PeerStore

	// Called on the market goroutine after an order or transaction changed.
	OnOrder       func(o *order.Order)
	OnTransaction func(tx *transaction.Transaction)
}

// Community is one peer of the market.
type Community struct {
	cfg   Config
	self  wire.PeerID
	log   *zap.SugaredLogger
	clock util.Clock
	m     *metrics.Metrics

	inbox    chan func()
	stop     chan struct{}
	stopOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc

	orders *order.Manager
	txs    *transaction.Manager
	book   *orderbook.OrderBook
	cache  *requestcache.Cache
	dir    *matchmaker.Directory
	live   *matchmaker.Liveness
	neg    *negotiation.Negotiator

	// trader side
	expiry       map[order.OrderID]util.Timer
	waiters      []chan struct{}
	settlements  map[uuid.UUID]*settlement
	early        map[earlyKey]*earlyPayment
	earlyPerPeer map[wire.PeerID]int

	// matchmaker side
	rounds    map[order.OrderID]*round
	rematched map[order.OrderID]int64 // traded value of the last republish round

	periodic map[string]util.Timer
}

func New(cfg Config) (*Community, error) {
	if cfg.Transport == nil || cfg.Orders == nil || cfg.Transactions == nil || cfg.Signer == nil {
		return nil, errors.New("market: transport, repositories and signer are required")
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.Wallets == nil {
		cfg.Wallets = map[string]wallet.Wallet{}
	}

	self := cfg.Transport.Self()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Community{
		cfg:          cfg,
		self:         self,
		log:          cfg.Logger.With("peer", self),
		clock:        cfg.Clock,
		m:            cfg.Metrics,
		inbox:        make(chan func(), inboxSize),
		stop:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		orders:       order.NewManager(self, cfg.Orders),
		txs:          transaction.NewManager(cfg.Transactions),
		book:         orderbook.NewOrderBook(),
		dir:          matchmaker.NewDirectory(self),
		expiry:       make(map[order.OrderID]util.Timer),
		settlements:  make(map[uuid.UUID]*settlement),
		early:        make(map[earlyKey]*earlyPayment),
		earlyPerPeer: make(map[wire.PeerID]int),
		rounds:       make(map[order.OrderID]*round),
		rematched:    make(map[order.OrderID]int64),
		periodic:     make(map[string]util.Timer),
	}
	c.cache = requestcache.New(c.clock, c.post)
	c.live = matchmaker.NewLiveness(c.dir, c.cache, loopback{c}, cfg.Market.PingTimeout, c.log)
	c.neg = negotiation.New(negotiation.Config{
		Self:           self,
		Orders:         c.orders,
		Sender:         loopback{c},
		Cache:          c.cache,
		Timeout:        cfg.Market.NegotiationTimeout,
		Clock:          c.clock,
		Logger:         c.log,
		ReceiveAddress: c.receiveAddress,
		OnAgreed:       c.onAgreed,
		OnFailed:       c.onNegotiationFailed,
		Observe: func(outcome string) {
			c.m.Negotiations.WithLabelValues(outcome).Inc()
		},
	})
	c.dir.OnAdded(c.onMatchmakerAdded)
	c.dir.OnRemoved(c.onMatchmakerRemoved)

	cfg.Transport.SetHandlers(p2p.Handlers{
		OnMessage: func(from wire.PeerID, msg wire.Message) {
			c.post(func() { c.dispatch(from, msg) })
		},
		OnPeer: func(peer wire.PeerID) {
			c.post(func() { c.sendInfo(peer, false) })
		},
	})
	return c, nil
}

type loopback struct{ c *Community }

func (l loopback) Send(to wire.PeerID, msg wire.Message) error { return l.c.send(to, msg) }

// post schedules f on the market goroutine. It never blocks the caller.
func (c *Community) post(f func()) {
	select {
	case c.inbox <- f:
	default:
		go func() {
			select {
			case c.inbox <- f:
			case <-c.stop:
			}
		}()
	}
}

// do runs fn on the market goroutine and waits for it.
func (c *Community) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stop:
		return ErrStopped
	}
}

// send delivers msg; messages to the local peer skip the transport.
func (c *Community) send(to wire.PeerID, msg wire.Message) error {
	if to == c.self {
		c.post(func() { c.dispatch(c.self, msg) })
		return nil
	}
	if err := c.cfg.Transport.Send(to, msg); err != nil {
		c.log.Debugw("send_failed", "to", to, "kind", msg.Kind(), "err", err)
		return err
	}
	return nil
}

// Run drives the peer until ctx is cancelled.
func (c *Community) Run(ctx context.Context) error {
	c.restore()
	c.introduce()
	c.every("liveness", c.cfg.Market.LivenessInterval, func() { c.live.PingAll() })
	c.every("expiry-sweep", c.cfg.Market.ExpirySweepInterval, c.sweepExpired)
	if c.cfg.Market.IsMatchmaker {
		c.every("announce", c.cfg.Market.AnnounceInterval, c.announce)
		c.every("book-sync", c.cfg.Market.BookSyncInterval, func() { c.syncBook() })
		c.announce()
	}
	c.log.Infow("market_started", "matchmaker", c.cfg.Market.IsMatchmaker, "seeds", len(c.cfg.Market.MatchmakerSeeds))

	defer c.shutdown()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-c.inbox:
			f()
		}
	}
}

func (c *Community) shutdown() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.cancel()
		c.cache.Shutdown()
		for _, t := range c.periodic {
			t.Stop()
		}
		for _, t := range c.expiry {
			t.Stop()
		}
		c.log.Infow("market_stopped")
	})
}

// every runs fn on the market goroutine each d. d <= 0 disables it.
func (c *Community) every(name string, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	var arm func()
	arm = func() {
		c.periodic[name] = c.clock.AfterFunc(d, func() {
			c.post(func() {
				select {
				case <-c.stop:
					return
				default:
				}
				fn()
				arm()
			})
		})
	}
	arm()
}

// restore puts persisted state back into a consistent shape. Negotiations
// and settlements do not survive a restart.
func (c *Community) restore() {
	now := c.clock.Now()
	txs, err := c.txs.FindAll()
	if err != nil {
		c.log.Warnw("load_transactions_failed", "err", err)
	}
	for _, tx := range txs {
		if tx.Fail("interrupted by restart", now) {
			c.saveTx(tx)
		}
	}
	open, err := c.orders.Open()
	if err != nil {
		c.log.Warnw("load_orders_failed", "err", err)
		return
	}
	for _, o := range open {
		o.Release(o.Reserved)
		if o.Expired(now) {
			o.Expire()
		} else {
			c.armExpiry(o)
		}
		c.saveOrder(o)
		if c.cfg.Market.IsMatchmaker && o.IsOpen() {
			c.acceptTick(o.Tick())
		}
	}
}

func (c *Community) introduce() {
	seeds := append([]string(nil), c.cfg.Market.MatchmakerSeeds...)
	if c.cfg.Peers != nil {
		known, err := c.cfg.Peers.LoadPeers()
		if err != nil {
			c.log.Warnw("load_peers_failed", "err", err)
		}
		seeds = append(seeds, known...)
	}
	seen := make(map[string]bool)
	for _, s := range seeds {
		if s == "" || seen[s] || wire.PeerID(s) == c.self {
			continue
		}
		seen[s] = true
		c.sendInfo(wire.PeerID(s), false)
	}
}

func (c *Community) announce() {
	if a, ok := c.cfg.Transport.(p2p.Announcer); ok {
		// Reply keeps receivers from answering every announcement
		if err := a.Announce(wire.Info{IsMatchmaker: c.cfg.Market.IsMatchmaker, Reply: true}); err != nil {
			c.log.Debugw("announce_failed", "err", err)
		}
	}
}

func (c *Community) sendInfo(to wire.PeerID, reply bool) {
	c.send(to, wire.Info{IsMatchmaker: c.cfg.Market.IsMatchmaker, Reply: reply})
}

// dispatch routes one message. It reports false for kinds it does not know.
func (c *Community) dispatch(from wire.PeerID, msg wire.Message) bool {
	if msg == nil {
		return false
	}
	c.m.MessagesIn.WithLabelValues(string(msg.Kind())).Inc()
	switch m := msg.(type) {
	case wire.Info:
		c.onInfo(from, m)
	case wire.Ping:
		c.send(from, wire.Pong{ID: m.ID})
	case wire.Pong:
		c.live.HandlePong(from, m)
	case wire.Tick:
		c.onTick(from, m)
	case wire.TickRemove:
		c.onTickRemove(from, m)
	case wire.OrderBookSyncRequest:
		c.onSyncRequest(from, m)
	case wire.OrderBookSyncResponse:
		c.onSyncResponse(from, m)
	case wire.Match:
		c.onMatch(from, m)
	case wire.MatchDecline:
		c.onMatchDecline(from, m)
	case wire.MatchDone:
		c.onMatchDone(from, m)
	case wire.ProposedTrade:
		c.neg.HandleProposal(from, m)
	case wire.AcceptedTrade:
		c.neg.HandleAccept(from, m)
	case wire.DeclinedTrade:
		c.neg.HandleDecline(from, m)
	case wire.CounterTrade:
		c.neg.HandleCounter(from, m)
	case wire.Payment:
		c.onPayment(from, m)
	default:
		c.log.Debugw("unknown_message", "from", from, "kind", msg.Kind())
		return false
	}
	return true
}

func (c *Community) onInfo(from wire.PeerID, m wire.Info) {
	if from == c.self {
		return
	}
	if m.IsMatchmaker {
		c.dir.Add(from)
	} else {
		c.dir.Remove(from)
	}
	if !m.Reply {
		c.sendInfo(from, true)
	}
}

func (c *Community) onMatchmakerAdded(peer wire.PeerID, first bool) {
	c.m.Matchmakers.Set(float64(c.dir.Len()))
	c.log.Infow("matchmaker_added", "matchmaker", peer, "first", first)
	if c.cfg.Peers != nil {
		if err := c.cfg.Peers.SavePeer(string(peer)); err != nil {
			c.log.Warnw("save_peer_failed", "matchmaker", peer, "err", err)
		}
	}
	if first {
		for _, w := range c.waiters {
			close(w)
		}
		c.waiters = nil
	}
	open, err := c.orders.Open()
	if err != nil {
		c.log.Warnw("load_orders_failed", "err", err)
	}
	for _, o := range open {
		c.send(peer, wire.Tick{Tick: o.Tick()})
	}
	if c.cfg.Market.IsMatchmaker {
		c.send(peer, wire.OrderBookSyncRequest{})
	}
}

// syncBook pulls the order book from one matchmaker picked at random. The
// pick is pinged, so a dead one is evicted once the ping times out.
func (c *Community) syncBook() (wire.PeerID, bool) {
	peer, ok := c.live.PickOnline()
	if !ok {
		return "", false
	}
	c.log.Debugw("book_sync_requested", "matchmaker", peer)
	c.send(peer, wire.OrderBookSyncRequest{})
	return peer, true
}

func (c *Community) onMatchmakerRemoved(peer wire.PeerID) {
	c.m.Matchmakers.Set(float64(c.dir.Len()))
	c.log.Infow("matchmaker_removed", "matchmaker", peer)
	if c.cfg.Peers != nil {
		if err := c.cfg.Peers.DeletePeer(string(peer)); err != nil {
			c.log.Warnw("delete_peer_failed", "matchmaker", peer, "err", err)
		}
	}
}

func (c *Community) receiveAddress(asset string) string {
	if w, ok := c.cfg.Wallets[asset]; ok {
		return w.Address()
	}
	return ""
}

func (c *Community) saveOrder(o *order.Order) {
	if err := c.orders.Save(o); err != nil {
		c.log.Warnw("order_save_failed", "order", o.ID, "err", err)
		return
	}
	if c.cfg.OnOrder != nil {
		c.cfg.OnOrder(o.Clone())
	}
}

func (c *Community) saveTx(tx *transaction.Transaction) {
	if err := c.txs.Save(tx); err != nil {
		c.log.Warnw("transaction_save_failed", "transaction", tx.ID, "err", err)
		return
	}
	if !tx.IsPending() {
		if err := c.cfg.Journal.Append(tx); err != nil {
			c.log.Warnw("journal_append_failed", "transaction", tx.ID, "err", err)
		}
	}
	if c.cfg.OnTransaction != nil {
		c.cfg.OnTransaction(tx.Clone())
	}
}

// Self is the local peer id, which is also the trader id of local orders.
func (c *Community) Self() wire.PeerID { return c.self }

func (c *Community) IsMatchmaker() bool { return c.cfg.Market.IsMatchmaker }

func (c *Community) Metrics() *metrics.Metrics { return c.m }

// Matchmakers lists the known live matchmakers.
func (c *Community) Matchmakers() []wire.PeerID { return c.dir.List() }

// Wallets returns the configured wallets by asset.
func (c *Community) Wallets() map[string]wallet.Wallet { return c.cfg.Wallets }

// Book returns the local order book's asks and bids in priority order. It is
// empty on peers that are not matchmakers.
func (c *Community) Book() (asks, bids []order.Tick) {
	return c.book.AskTicks(), c.book.BidTicks()
}

func (c *Community) Orders(ctx context.Context) ([]*order.Order, error) {
	var (
		out []*order.Order
		err error
	)
	if derr := c.do(ctx, func() { out, err = c.orders.All() }); derr != nil {
		return nil, derr
	}
	return out, err
}

func (c *Community) Order(ctx context.Context, id order.OrderID) (*order.Order, error) {
	var (
		out *order.Order
		err error
	)
	if derr := c.do(ctx, func() { out, err = c.orders.Get(id) }); derr != nil {
		return nil, derr
	}
	return out, err
}

// OrderTransactions lists the transactions one order took part in.
func (c *Community) OrderTransactions(ctx context.Context, id order.OrderID) ([]*transaction.Transaction, error) {
	var (
		out []*transaction.Transaction
		err error
	)
	if derr := c.do(ctx, func() { out, err = c.txs.ForOrder(id) }); derr != nil {
		return nil, derr
	}
	return out, err
}

func (c *Community) Transactions(ctx context.Context) ([]*transaction.Transaction, error) {
	var (
		out []*transaction.Transaction
		err error
	)
	if derr := c.do(ctx, func() { out, err = c.txs.FindAll() }); derr != nil {
		return nil, derr
	}
	return out, err
}

func (c *Community) Transaction(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	var (
		out *transaction.Transaction
		err error
	)
	if derr := c.do(ctx, func() { out, err = c.txs.FindByID(id) }); derr != nil {
		return nil, derr
	}
	return out, err
}

// Outstanding lists the proposals in flight from own to counterparty.
func (c *Community) Outstanding(ctx context.Context, own, counterparty order.OrderID) ([]wire.ProposedTrade, error) {
	var out []wire.ProposedTrade
	err := c.do(ctx, func() { out = c.neg.Outstanding(own, counterparty) })
	return out, err
}

// PingMatchmakers pings every known matchmaker now instead of waiting for the
// liveness sweep.
func (c *Community) PingMatchmakers(ctx context.Context) error {
	return c.do(ctx, func() { c.live.PingAll() })
}

// SyncOrderBook requests the order book from a random live matchmaker and
// returns the one asked.
func (c *Community) SyncOrderBook(ctx context.Context) (wire.PeerID, error) {
	var (
		peer wire.PeerID
		ok   bool
	)
	if err := c.do(ctx, func() { peer, ok = c.syncBook() }); err != nil {
		return "", err
	}
	if !ok {
		return "", ErrNoMatchmaker
	}
	return peer, nil
}

// Introduce sends an Info to peer, as if a connection to it had just opened.
func (c *Community) Introduce(ctx context.Context, peer wire.PeerID) error {
	return c.do(ctx, func() { c.sendInfo(peer, false) })
}
