package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/hypermarket/params"
	"github.com/uhyunpark/hypermarket/pkg/api"
	"github.com/uhyunpark/hypermarket/pkg/app/core/wallet"
	"github.com/uhyunpark/hypermarket/pkg/app/market"
	"github.com/uhyunpark/hypermarket/pkg/crypto"
	"github.com/uhyunpark/hypermarket/pkg/metrics"
	"github.com/uhyunpark/hypermarket/pkg/p2p"
	"github.com/uhyunpark/hypermarket/pkg/storage"
	"github.com/uhyunpark/hypermarket/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLogger(cfg.Node.LogFile, cfg.Node.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Storage ----
	if err := os.MkdirAll(cfg.Node.DataDir, 0o755); err != nil {
		sugar.Fatalw("data_dir_failed", "dir", cfg.Node.DataDir, "err", err)
	}
	store, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "db"))
	if err != nil {
		sugar.Fatalw("store_open_failed", "err", err)
	}
	defer store.Close()

	journal, err := storage.NewFileJournal(filepath.Join(cfg.Node.DataDir, "transactions.log"))
	if err != nil {
		sugar.Fatalw("journal_open_failed", "err", err)
	}
	defer journal.Close()

	// ---- Identity ----
	identity, err := p2p.LoadOrCreateIdentity(filepath.Join(cfg.Node.DataDir, "node.key"))
	if err != nil {
		sugar.Fatalw("identity_failed", "err", err)
	}
	var signer *crypto.Signer
	if cfg.Node.TraderKey != "" {
		signer, err = crypto.FromPrivateKeyHex(cfg.Node.TraderKey)
	} else {
		signer, err = crypto.GenerateKey()
		sugar.Warn("TRADER_KEY not set, signing with a fresh key")
	}
	if err != nil {
		sugar.Fatalw("signer_failed", "err", err)
	}

	// ---- Network ----
	net, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
		ListenAddr: cfg.Node.ListenAddr,
		Bootstrap:  cfg.Node.Bootstrap,
		Identity:   identity,
		Logger:     sugar,
	})
	if err != nil {
		sugar.Fatalw("libp2p_init_failed", "err", err)
	}
	defer net.Close()

	// ---- Wallets ----
	// Dummy wallets only settle between peers sharing a process; a real
	// deployment plugs chain wallets in here.
	ledger := wallet.NewLedger()
	wallets := make(map[string]wallet.Wallet, len(cfg.Node.Assets))
	for _, asset := range cfg.Node.Assets {
		wallets[asset] = wallet.NewDummy(ledger, asset)
	}

	// ---- Market ----
	m := metrics.New().WithProcessCollectors()
	hub := api.NewHub(sugar)
	community, err := market.New(market.Config{
		Market:        cfg.Market,
		Transport:     net,
		Wallets:       wallets,
		Orders:        store.Orders(),
		Transactions:  store.Transactions(),
		Signer:        signer,
		Logger:        sugar,
		Metrics:       m,
		Journal:       journal,
		Peers:         store,
		OnOrder:       hub.PublishOrder,
		OnTransaction: hub.PublishTransaction,
	})
	if err != nil {
		sugar.Fatalw("market_init_failed", "err", err)
	}

	sugar.Infow("node_starting",
		"peer", community.Self(),
		"addrs", net.Addrs(),
		"matchmaker", cfg.Market.IsMatchmaker,
		"require_matchmaker", cfg.Market.RequireMatchmaker,
		"assets", cfg.Node.Assets,
		"signer", signer.Address().Hex())

	// ---- API Server ----
	apiServer := api.NewServer(community, hub, api.Options{
		AllowedOrigins: cfg.Node.CORSOrigins,
		Metrics:        m.Handler(),
		Logger:         sugar,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return community.Run(gctx) })
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return apiServer.Start(cfg.Node.APIAddr) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	// Progress logging loop
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				asks, bids := community.Book()
				sugar.Infow("market_progress",
					"matchmakers", len(community.Matchmakers()),
					"book_asks", len(asks),
					"book_bids", len(bids))
			}
		}
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		sugar.Errorw("node_stopped", "err", err)
		return
	}
	sugar.Info("node_stopped")
}
