package matching

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
)

type Outcome int

const (
	Aborted Outcome = iota
	Done
	PartiallyExecuted
)

func (o Outcome) String() string {
	switch o {
	case Done:
		return "done"
	case PartiallyExecuted:
		return "partial"
	default:
		return "aborted"
	}
}

type Result struct {
	Outcome  Outcome
	Executed []book.OrderID
	Err      error
}

// Coordinator finalizes a match set against the counter-orders' owners.
type Coordinator interface {
	Settle(ctx context.Context, m MatchSet) Result
}

type Engine struct {
	store *book.Store
	self  book.NodeID
	coord Coordinator

	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// OnMatch, when set, observes every finished attempt.
	OnMatch func(m MatchSet, r Result)

	mu       sync.Mutex                // one scan at a time
	consumed map[book.OrderID]struct{} // counters we executed, until their closure reaches the mirror
	trigger  chan struct{}
}

func NewEngine(store *book.Store, self book.NodeID, coord Coordinator, log *zap.SugaredLogger, m *metrics.Metrics) *Engine {
	return &Engine{
		store:    store,
		self:     self,
		coord:    coord,
		log:      log,
		metrics:  m,
		consumed: make(map[book.OrderID]struct{}),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger asks Run for a scan without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
		// a scan is already pending
	}
}

// Run scans on every Trigger and, if interval > 0, periodically.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
		case <-tick:
		}
		e.Scan(ctx)
	}
}

// Scan tries to match every own open order once and returns the number of
// attempts that completed. Orders left unmatched stay open for the next scan.
func (e *Engine) Scan(ctx context.Context) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneConsumed()

	done := 0
	for _, o := range e.store.Local(e.self) {
		if ctx.Err() != nil {
			break
		}
		cur, err := e.store.Get(o.ID)
		if err != nil || cur.Status != book.Open {
			continue
		}
		m, ok := FindMatch(cur, e.store.ByPair(cur.ToCoin, cur.FromCoin), e.unavailable)
		if !ok {
			continue
		}
		e.metrics.MatchesFound.Inc()
		e.log.Infow("match_found", "order", cur.ID.String(), "counters", len(m.Counters), "filled", m.Filled().String())

		res := e.coord.Settle(ctx, m)
		for _, id := range res.Executed {
			e.consumed[id] = struct{}{}
		}
		switch res.Outcome {
		case Done:
			done++
			e.metrics.MatchesDone.Inc()
		case PartiallyExecuted:
			e.metrics.MatchesPartial.Inc()
		default:
			e.metrics.MatchesAborted.Inc()
			e.log.Infow("match_aborted", "match", m.String(), "err", res.Err)
		}
		if e.OnMatch != nil {
			e.OnMatch(m, res)
		}
	}
	return done
}

func (e *Engine) unavailable(c *book.Order) bool {
	if c.Status != book.Open {
		return true
	}
	_, used := e.consumed[c.ID]
	return used
}

func (e *Engine) pruneConsumed() {
	for id := range e.consumed {
		if o, err := e.store.Get(id); err == nil && o.Status == book.Closed {
			delete(e.consumed, id)
		}
	}
}
