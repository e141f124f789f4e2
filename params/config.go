package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Market holds the knobs the trading core reads.
type Market struct {
	IsMatchmaker bool
	// RequireMatchmaker makes order creation wait until at least one remote
	// matchmaker has received the tick. Disable it for local-only topologies.
	RequireMatchmaker bool
	// MatchmakerSeeds are peers that are assumed to be matchmakers at startup.
	MatchmakerSeeds []string

	NegotiationTimeout time.Duration // proposed/counter trade round
	MatchTimeout       time.Duration // matchmaker waits this long for MatchDone/MatchDecline
	PingTimeout        time.Duration // liveness ping
	SettlementTimeout  time.Duration // pending transaction -> error

	LivenessInterval    time.Duration // 0 disables the periodic ping sweep
	ExpirySweepInterval time.Duration // 0 disables pruning of expired ticks
	AnnounceInterval    time.Duration // 0 disables gossip announcements
	BookSyncInterval    time.Duration // 0 disables order book pulls from a random matchmaker
}

type Node struct {
	ListenAddr string
	APIAddr    string
	DataDir    string
	LogFile    string
	Bootstrap  []string
	Assets     []string
	// TraderKey is a hex secp256k1 private key; a fresh key is generated when empty.
	TraderKey   string
	CORSOrigins []string
	Verbose     bool
}

type Config struct {
	Market Market
	Node   Node
}

func Default() Config {
	return Config{
		Market: Market{
			IsMatchmaker:        true,
			RequireMatchmaker:   true,
			NegotiationTimeout:  2 * time.Second,
			MatchTimeout:        5 * time.Second,
			PingTimeout:         5 * time.Second,
			SettlementTimeout:   60 * time.Second,
			LivenessInterval:    30 * time.Second,
			ExpirySweepInterval: 10 * time.Second,
			AnnounceInterval:    30 * time.Second,
			BookSyncInterval:    time.Minute,
		},
		Node: Node{
			ListenAddr:  "/ip4/0.0.0.0/tcp/4001",
			APIAddr:     ":8080",
			DataDir:     "data",
			LogFile:     "data/node.log",
			Assets:      []string{"DUM1", "DUM2"},
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:3001"},
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	cfg.Market.IsMatchmaker = getBool("MARKET_IS_MATCHMAKER", cfg.Market.IsMatchmaker)
	cfg.Market.RequireMatchmaker = getBool("MARKET_REQUIRE_MATCHMAKER", cfg.Market.RequireMatchmaker)
	cfg.Market.MatchmakerSeeds = getList("MARKET_SEEDS", cfg.Market.MatchmakerSeeds)
	cfg.Market.NegotiationTimeout = getMillis("MARKET_NEGOTIATION_TIMEOUT_MS", cfg.Market.NegotiationTimeout)
	cfg.Market.MatchTimeout = getMillis("MARKET_MATCH_TIMEOUT_MS", cfg.Market.MatchTimeout)
	cfg.Market.PingTimeout = getMillis("MARKET_PING_TIMEOUT_MS", cfg.Market.PingTimeout)
	cfg.Market.SettlementTimeout = getMillis("MARKET_SETTLEMENT_TIMEOUT_MS", cfg.Market.SettlementTimeout)
	cfg.Market.LivenessInterval = getMillis("MARKET_LIVENESS_INTERVAL_MS", cfg.Market.LivenessInterval)
	cfg.Market.ExpirySweepInterval = getMillis("MARKET_EXPIRY_SWEEP_MS", cfg.Market.ExpirySweepInterval)
	cfg.Market.AnnounceInterval = getMillis("MARKET_ANNOUNCE_INTERVAL_MS", cfg.Market.AnnounceInterval)
	cfg.Market.BookSyncInterval = getMillis("MARKET_BOOK_SYNC_INTERVAL_MS", cfg.Market.BookSyncInterval)

	cfg.Node.ListenAddr = getEnv("LISTEN", cfg.Node.ListenAddr)
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.DataDir = getEnv("DATA_DIR", cfg.Node.DataDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Bootstrap = getList("BOOTSTRAP", cfg.Node.Bootstrap)
	cfg.Node.Assets = getList("ASSETS", cfg.Node.Assets)
	cfg.Node.TraderKey = getEnv("TRADER_KEY", cfg.Node.TraderKey)
	cfg.Node.CORSOrigins = getList("CORS_ORIGINS", cfg.Node.CORSOrigins)
	cfg.Node.Verbose = getBool("VERBOSE", cfg.Node.Verbose)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true"
	}
	return defaultValue
}

func getMillis(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if ms, err := strconv.Atoi(value); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

// getList splits a comma-separated variable, e.g. "DUM1,DUM2".
func getList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, s := range strings.Split(value, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
