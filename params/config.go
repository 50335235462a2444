package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Network struct {
	ListenAddr string
	Bootstrap  []string // full multiaddrs including /p2p/<id>
	MDNS       bool
	// RequestTimeout bounds every peer request, lookups excluded.
	RequestTimeout   time.Duration
	AnnounceInterval time.Duration
	AnnounceTTL      time.Duration
}

type Join struct {
	GateLease time.Duration
	GatePoll  time.Duration
	// Registration visibility wait: exponential backoff from
	// DiscoveryInitial up to DiscoveryMax, at most DiscoveryAttempts lookups.
	DiscoveryInitial  time.Duration
	DiscoveryMax      time.Duration
	DiscoveryAttempts int
}

type Trading struct {
	Enabled  bool
	MinDelay time.Duration
	Jitter   time.Duration
	Seed     int64 // 0 seeds from the clock
}

type Node struct {
	APIAddr       string // empty disables the HTTP API
	JournalDir    string // empty keeps the journal in memory
	LogFile       string
	Verbose       bool
	ShutdownGrace time.Duration
}

type Kafka struct {
	Brokers  []string // empty disables publishing
	Topic    string
	Interval time.Duration
}

type Config struct {
	Network Network
	Join    Join
	Trading Trading
	Node    Node
	Kafka   Kafka
}

func Default() Config {
	return Config{
		Network: Network{
			ListenAddr:       "/ip4/0.0.0.0/tcp/0",
			MDNS:             true,
			RequestTimeout:   10 * time.Second,
			AnnounceInterval: 2 * time.Second,
			AnnounceTTL:      6 * time.Second,
		},
		Join: Join{
			GateLease:         time.Minute,
			GatePoll:          100 * time.Millisecond,
			DiscoveryInitial:  500 * time.Millisecond,
			DiscoveryMax:      10 * time.Second,
			DiscoveryAttempts: 100,
		},
		Trading: Trading{
			Enabled:  true,
			MinDelay: time.Second,
			Jitter:   9 * time.Second,
		},
		Node: Node{
			APIAddr:       ":8080",
			LogFile:       "data/node.log",
			ShutdownGrace: 2 * time.Second,
		},
		Kafka: Kafka{
			Topic:    "bookpeer.fills",
			Interval: time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	cfg.Network.ListenAddr = getEnv("LISTEN", cfg.Network.ListenAddr)
	cfg.Network.Bootstrap = getList("BOOTSTRAP", cfg.Network.Bootstrap)
	cfg.Network.MDNS = getBool("MDNS", cfg.Network.MDNS)
	cfg.Network.RequestTimeout = getMillis("RPC_TIMEOUT_MS", cfg.Network.RequestTimeout)
	cfg.Network.AnnounceInterval = getMillis("ANNOUNCE_INTERVAL_MS", cfg.Network.AnnounceInterval)
	cfg.Network.AnnounceTTL = getMillis("ANNOUNCE_TTL_MS", cfg.Network.AnnounceTTL)

	cfg.Join.GateLease = getMillis("GATE_LEASE_MS", cfg.Join.GateLease)
	cfg.Join.GatePoll = getMillis("GATE_POLL_MS", cfg.Join.GatePoll)
	cfg.Join.DiscoveryInitial = getMillis("DISCOVERY_INITIAL_MS", cfg.Join.DiscoveryInitial)
	cfg.Join.DiscoveryMax = getMillis("DISCOVERY_MAX_MS", cfg.Join.DiscoveryMax)
	cfg.Join.DiscoveryAttempts = getInt("DISCOVERY_MAX_ATTEMPTS", cfg.Join.DiscoveryAttempts)

	cfg.Trading.Enabled = getBool("TRADING_ENABLED", cfg.Trading.Enabled)
	cfg.Trading.MinDelay = getMillis("TRADE_MIN_DELAY_MS", cfg.Trading.MinDelay)
	cfg.Trading.Jitter = getMillis("TRADE_JITTER_MS", cfg.Trading.Jitter)
	cfg.Trading.Seed = int64(getInt("TRADE_SEED", int(cfg.Trading.Seed)))

	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	cfg.Node.JournalDir = getEnv("JOURNAL_DIR", cfg.Node.JournalDir)
	cfg.Node.LogFile = getEnv("LOG_FILE", cfg.Node.LogFile)
	cfg.Node.Verbose = getBool("VERBOSE", cfg.Node.Verbose)
	cfg.Node.ShutdownGrace = getMillis("SHUTDOWN_GRACE_MS", cfg.Node.ShutdownGrace)

	cfg.Kafka.Brokers = getList("KAFKA_BROKERS", cfg.Kafka.Brokers)
	cfg.Kafka.Topic = getEnv("KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.Interval = getMillis("KAFKA_FLUSH_MS", cfg.Kafka.Interval)

	return cfg
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getBool(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func getMillis(key string, def time.Duration) time.Duration {
	if ms, err := strconv.Atoi(os.Getenv(key)); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// getList splits a comma-separated value, dropping empty entries.
func getList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
