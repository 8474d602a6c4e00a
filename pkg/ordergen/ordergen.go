// Package ordergen feeds random client orders into a node for demos and soak
// runs.
package ordergen

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

var DefaultCoins = []string{"btc", "eth", "sol"}

type Config struct {
	Interval  time.Duration // one order per tick
	Coins     []string      // at least two
	MaxAmount int64         // amounts are drawn from 1..MaxAmount
	Seed      int64         // 0 seeds from the clock
}

func DefaultConfig() Config {
	return Config{
		Interval:  time.Second,
		Coins:     DefaultCoins,
		MaxAmount: 10,
	}
}

// Generator draws orders between two distinct coins with small integer amounts,
// which makes exact and multi-order matches frequent.
type Generator struct {
	coins []string
	max   int64
	rng   *rand.Rand
}

func NewGenerator(cfg Config) *Generator {
	if len(cfg.Coins) < 2 {
		cfg.Coins = DefaultCoins
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 10
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{coins: cfg.Coins, max: cfg.MaxAmount, rng: rand.New(rand.NewSource(seed))}
}

func (g *Generator) Next() protocol.ClientOrder {
	from := g.rng.Intn(len(g.coins))
	to := g.rng.Intn(len(g.coins) - 1)
	if to >= from {
		to++
	}
	return protocol.ClientOrder{
		ID:         g.rng.Int63n(1 << 32),
		FromCoin:   g.coins[from],
		FromAmount: decimal.NewFromInt(1 + g.rng.Int63n(g.max)),
		ToCoin:     g.coins[to],
		ToAmount:   decimal.NewFromInt(1 + g.rng.Int63n(g.max)),
	}
}

// Submitter admits a client order; *node.Node satisfies it.
type Submitter interface {
	SubmitClientOrder(ctx context.Context, sender string, co protocol.ClientOrder) (protocol.Reply, error)
}

// Feeder submits generated orders on a ticker until its context ends.
type Feeder struct {
	sub Submitter
	gen *Generator
	cfg Config
	log *zap.SugaredLogger

	submitted atomic.Int64
	rejected  atomic.Int64
}

func NewFeeder(sub Submitter, cfg Config, log *zap.SugaredLogger) *Feeder {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Feeder{sub: sub, gen: NewGenerator(cfg), cfg: cfg, log: log}
}

// Start runs the feeder in the background and returns its cancel function.
func (f *Feeder) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go f.Run(ctx)
	return cancel
}

func (f *Feeder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	start := time.Now()
	f.log.Infow("ordergen_started", "interval_ms", f.cfg.Interval.Milliseconds(), "coins", f.gen.coins)
	for {
		select {
		case <-ctx.Done():
			f.log.Infow("ordergen_stopped", "submitted", f.submitted.Load(), "rejected", f.rejected.Load(),
				"elapsed", time.Since(start).Round(time.Second).String())
			return
		case <-ticker.C:
			f.submitOne(ctx)
		}
	}
}

func (f *Feeder) submitOne(ctx context.Context) {
	co := f.gen.Next()
	reply, err := f.sub.SubmitClientOrder(ctx, "ordergen", co)
	if err != nil {
		f.rejected.Add(1)
		f.log.Debugw("ordergen_rejected", "client_id", co.ID, "err", err)
		return
	}
	f.submitted.Add(1)
	f.log.Debugw("ordergen_submitted", "order", reply.OrderID.String(),
		"from", co.FromCoin, "from_amount", co.FromAmount.String(),
		"to", co.ToCoin, "to_amount", co.ToAmount.String())
}

// Stats reports how many orders were admitted and refused so far.
func (f *Feeder) Stats() (submitted, rejected int64) {
	return f.submitted.Load(), f.rejected.Load()
}
