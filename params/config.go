package params

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Network struct {
	// Mode is "libp2p" for a real node or "mem" to run MemNodes nodes in one
	// process over an in-memory network.
	Mode       string
	Listen     string   // libp2p multiaddr
	Bootstrap  []string // full multiaddrs with /p2p/<peer id>
	EnableMDNS bool
	Topic      string
	MemNodes   int
}

type Node struct {
	RPCTimeout    time.Duration
	MatchInterval time.Duration
	// LockTTL bounds how long an owner keeps an order locked for an initiator
	// that never comes back. It must outlast a full lock/execute round trip,
	// so it is required to exceed 2*RPCTimeout. 0 disables expiry.
	LockTTL time.Duration
}

type Storage struct {
	JournalPath string // empty keeps the journal in memory
}

type Settlement struct {
	KafkaBrokers []string // empty disables the Kafka sink
	KafkaTopic   string
}

type API struct {
	Addr string // empty disables the HTTP server
}

type OrderGen struct {
	Enabled  bool
	Interval time.Duration
}

type Log struct {
	File    string
	Verbose bool
}

type Config struct {
	Network    Network
	Node       Node
	Storage    Storage
	Settlement Settlement
	API        API
	OrderGen   OrderGen
	Log        Log
}

func Default() Config {
	return Config{
		Network: Network{
			Mode:       "libp2p",
			Listen:     "/ip4/0.0.0.0/tcp/0",
			EnableMDNS: true,
			Topic:      "p2pbook-orders",
			MemNodes:   3,
		},
		Node: Node{
			RPCTimeout:    2 * time.Second,
			MatchInterval: time.Second,
			LockTTL:       10 * time.Second,
		},
		Settlement: Settlement{
			KafkaTopic: "p2pbook-settlements",
		},
		API: API{
			Addr: ":8080",
		},
		OrderGen: OrderGen{
			Interval: time.Second,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	var errs []string
	fail := func(key string, err error) { errs = append(errs, fmt.Sprintf("%s: %v", key, err)) }

	cfg.Network.Mode = getEnv("NETWORK", cfg.Network.Mode)
	cfg.Network.Listen = getEnv("LISTEN", cfg.Network.Listen)
	cfg.Network.Topic = getEnv("TOPIC", cfg.Network.Topic)
	if v := os.Getenv("BOOTSTRAP"); v != "" {
		cfg.Network.Bootstrap = splitList(v)
	}
	if v := os.Getenv("ENABLE_MDNS"); v != "" {
		cfg.Network.EnableMDNS = v == "true"
	}
	if v := os.Getenv("MEM_NODES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			fail("MEM_NODES", err)
		} else {
			cfg.Network.MemNodes = n
		}
	}

	for key, dst := range map[string]*time.Duration{
		"RPC_TIMEOUT_MS":       &cfg.Node.RPCTimeout,
		"MATCH_INTERVAL_MS":    &cfg.Node.MatchInterval,
		"LOCK_TTL_MS":          &cfg.Node.LockTTL,
		"ORDERGEN_INTERVAL_MS": &cfg.OrderGen.Interval,
	} {
		if err := envMillis(key, dst); err != nil {
			fail(key, err)
		}
	}

	cfg.Storage.JournalPath = getEnv("JOURNAL_PATH", cfg.Storage.JournalPath)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Settlement.KafkaBrokers = splitList(v)
	}
	cfg.Settlement.KafkaTopic = getEnv("KAFKA_TOPIC", cfg.Settlement.KafkaTopic)
	if v, ok := os.LookupEnv("API_ADDR"); ok {
		cfg.API.Addr = v
	}
	cfg.OrderGen.Enabled = os.Getenv("ENABLE_ORDERGEN") == "true"
	cfg.Log.File = getEnv("LOG_FILE", cfg.Log.File)
	cfg.Log.Verbose = os.Getenv("VERBOSE") == "true"

	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Network.Mode {
	case "libp2p":
	case "mem":
		if c.Network.MemNodes < 1 {
			return fmt.Errorf("config: MEM_NODES must be at least 1, got %d", c.Network.MemNodes)
		}
	default:
		return fmt.Errorf("config: NETWORK must be libp2p or mem, got %q", c.Network.Mode)
	}
	if c.Node.RPCTimeout <= 0 {
		return fmt.Errorf("config: RPC_TIMEOUT_MS must be positive")
	}
	if c.Node.MatchInterval < 0 {
		return fmt.Errorf("config: MATCH_INTERVAL_MS must not be negative")
	}
	if c.Node.LockTTL != 0 && c.Node.LockTTL <= 2*c.Node.RPCTimeout {
		return fmt.Errorf("config: LOCK_TTL_MS (%v) must exceed twice RPC_TIMEOUT_MS (%v)", c.Node.LockTTL, c.Node.RPCTimeout)
	}
	if c.OrderGen.Enabled && c.OrderGen.Interval <= 0 {
		return fmt.Errorf("config: ORDERGEN_INTERVAL_MS must be positive")
	}
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = time.Duration(ms) * time.Millisecond
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
