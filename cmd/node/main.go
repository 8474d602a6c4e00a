package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/params"
	"github.com/uhyunpark/p2pbook/pkg/api"
	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/node"
	"github.com/uhyunpark/p2pbook/pkg/ordergen"
	"github.com/uhyunpark/p2pbook/pkg/p2p"
	"github.com/uhyunpark/p2pbook/pkg/settlement"
	"github.com/uhyunpark/p2pbook/pkg/storage"
	"github.com/uhyunpark/p2pbook/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("%v", err)
	}

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Log.File, "verbose", cfg.Log.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Settlement ----
	var settler settlement.Settler = settlement.Nop{}
	if len(cfg.Settlement.KafkaBrokers) > 0 {
		settler = settlement.NewKafkaSettler(cfg.Settlement.KafkaBrokers, cfg.Settlement.KafkaTopic, sugar)
		sugar.Infow("settlement_kafka", "brokers", cfg.Settlement.KafkaBrokers, "topic", cfg.Settlement.KafkaTopic)
	}
	defer settler.Close()

	// ---- Transports ----
	var transports []p2p.Transport
	switch cfg.Network.Mode {
	case "mem":
		mem := p2p.NewMemNet()
		for i := 1; i <= cfg.Network.MemNodes; i++ {
			transports = append(transports, mem.Join(book.NodeID(fmt.Sprintf("node-%d", i))))
		}
		sugar.Infow("mem_network", "nodes", cfg.Network.MemNodes)
	default:
		lpn, err := p2p.NewLibp2pNet(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Network.Listen,
			Bootstrap:  cfg.Network.Bootstrap,
			Topic:      cfg.Network.Topic,
			EnableMDNS: cfg.Network.EnableMDNS,
			Logger:     sugar,
		})
		if err != nil {
			sugar.Fatalw("libp2p_init_failed", "err", err)
		}
		transports = append(transports, lpn)
	}

	// ---- Nodes ----
	var nodes []*node.Node
	for _, tr := range transports {
		n, closeJournal, err := buildNode(cfg, tr, settler, sugar, len(transports) > 1)
		if err != nil {
			sugar.Fatalw("node_init_failed", "node", tr.Self(), "err", err)
		}
		defer closeJournal()
		defer tr.Close()
		nodes = append(nodes, n)
	}

	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Run(ctx)
		}()
	}

	// ---- API Server ----
	// In mem mode only the first node is exposed; the others are reached
	// through it by matching.
	var apiServer *api.Server
	if cfg.API.Addr != "" {
		apiServer = api.NewServer(nodes[0], sugar.With("component", "api"))
		go func() {
			if err := apiServer.Start(cfg.API.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Fatalw("api_server_failed", "err", err)
			}
		}()
	}

	// ---- Order Generator (optional) ----
	// Enable with: ENABLE_ORDERGEN=true ORDERGEN_INTERVAL_MS=500
	if cfg.OrderGen.Enabled {
		for _, n := range nodes {
			gcfg := ordergen.DefaultConfig()
			gcfg.Interval = cfg.OrderGen.Interval
			feeder := ordergen.NewFeeder(n, gcfg, sugar.With("node", n.Self()))
			cancel := feeder.Start(ctx)
			defer cancel()
		}
	}

	sugar.Infow("node_starting", "network", cfg.Network.Mode, "nodes", len(nodes),
		"rpc_timeout_ms", cfg.Node.RPCTimeout.Milliseconds(),
		"match_interval_ms", cfg.Node.MatchInterval.Milliseconds(),
		"lock_ttl_ms", cfg.Node.LockTTL.Milliseconds())

	// Progress logging loop
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			sugar.Infow("node_stopping")
			if apiServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_ = apiServer.Shutdown(shutdownCtx)
				cancel()
			}
			wg.Wait()
			for _, n := range nodes {
				n.Close()
			}
			return
		case <-ticker.C:
			for _, n := range nodes {
				st := n.Store().Stats()
				sugar.Infow("book_progress", "node", n.Self(), "peers", len(n.Peers()),
					"open", st.Open, "locked", st.Locked, "closed", st.Closed)
			}
		}
	}
}

func buildNode(cfg params.Config, tr p2p.Transport, settler settlement.Settler, sugar *zap.SugaredLogger, multi bool) (*node.Node, func(), error) {
	self := tr.Self()

	var journal storage.Journal = storage.NewMemJournal(1000)
	if cfg.Storage.JournalPath != "" {
		path := cfg.Storage.JournalPath
		if multi {
			path = filepath.Join(path, string(self))
		}
		pj, err := storage.NewPebbleJournal(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open journal %s: %w", path, err)
		}
		journal = pj
		sugar.Infow("journal_opened", "node", self, "path", path)
	}

	n := node.New(node.Config{
		Transport:     tr,
		Settler:       settler,
		Journal:       journal,
		Logger:        sugar.With("node", self),
		Metrics:       metrics.New(string(self)),
		RPCTimeout:    cfg.Node.RPCTimeout,
		MatchInterval: cfg.Node.MatchInterval,
		LockTTL:       cfg.Node.LockTTL,
	})
	return n, func() { _ = journal.Close() }, nil
}
