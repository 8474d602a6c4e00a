package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/matching"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/p2p"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
	"github.com/uhyunpark/p2pbook/pkg/storage"
)

// State of one match attempt:
//
//	Locking -> AllLocked -> Executing -> Done
//	   |                        |-> PartiallyExecuted
//	   '----> RollingBack <-----'
//	              '-> Aborted
type State int

const (
	Locking State = iota
	AllLocked
	Executing
	Done
	RollingBack
	Aborted
	PartiallyExecuted
)

func (s State) String() string {
	switch s {
	case Locking:
		return "locking"
	case AllLocked:
		return "all_locked"
	case Executing:
		return "executing"
	case Done:
		return "done"
	case RollingBack:
		return "rolling_back"
	case Aborted:
		return "aborted"
	case PartiallyExecuted:
		return "partially_executed"
	default:
		return "unknown"
	}
}

// Attempt is the state of one in-flight lock/execute handshake.
type Attempt struct {
	ID    string
	Match matching.MatchSet
	State State

	ownLock  string
	locks    map[book.OrderID]string // counter -> lock id, once granted
	unsure   map[book.OrderID]bool   // counters whose LOCK outcome is unknown
	executed []book.OrderID
	err      error
}

type CoordinatorConfig struct {
	Self      book.NodeID
	Transport p2p.Transport
	Owner     *Owner
	Journal   storage.Journal
	Timeout   time.Duration
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics
}

// Coordinator drives the handshake as initiator. Settle either executes every
// counter-order of a match set or leaves all of them, and the target, open.
type Coordinator struct {
	self    book.NodeID
	tr      p2p.Transport
	owner   *Owner
	journal storage.Journal
	timeout time.Duration
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	// OnTransition, when set, observes every state change of every attempt.
	OnTransition func(a *Attempt, from State)
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Coordinator{
		self:    cfg.Self,
		tr:      cfg.Transport,
		owner:   cfg.Owner,
		journal: cfg.Journal,
		timeout: cfg.Timeout,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
}

func (c *Coordinator) Settle(ctx context.Context, m matching.MatchSet) matching.Result {
	a := &Attempt{
		ID:     uuid.NewString(),
		Match:  m,
		State:  Locking,
		locks:  make(map[book.OrderID]string),
		unsure: make(map[book.OrderID]bool),
	}
	c.log.Debugw("attempt_started", "attempt", a.ID, "match", m.String())

	// Reserve our own order first so no peer consumes it meanwhile.
	own, err := c.owner.Lock(ctx, m.Order.ID, c.self)
	if err != nil {
		a.err = fmt.Errorf("lock own order: %w", err)
		c.transition(a, Aborted)
		return c.result(a)
	}
	a.ownLock = own

	if err := c.lockAll(ctx, a); err != nil {
		a.err = err
		c.rollback(ctx, a)
		return c.result(a)
	}
	c.transition(a, AllLocked)

	c.transition(a, Executing)
	failed := c.executeAll(ctx, a)

	switch {
	case len(failed) == 0:
		if err := c.closeOwn(ctx, a); err != nil {
			a.err = err
		}
		c.transition(a, Done)
	case len(a.executed) == 0:
		a.err = failed[0]
		c.rollback(ctx, a)
	default:
		// Executed counters are closed for good; release the rest and close ours.
		a.err = failed[0]
		c.releaseCounters(ctx, a)
		if err := c.closeOwn(ctx, a); err != nil {
			a.err = errors.Join(a.err, err)
		}
		c.transition(a, PartiallyExecuted)
		c.log.Errorw("match_partially_executed", "attempt", a.ID, "match", m.String(),
			"executed", len(a.executed), "counters", len(m.Counters), "err", a.err)
	}
	c.record(a)
	return c.result(a)
}

type lockReply struct {
	id  string
	err error
}

// lockAll sends LOCK to every counter owner concurrently. The first failure
// cancels the requests still in flight.
func (c *Coordinator) lockAll(ctx context.Context, a *Attempt) error {
	replies := make([]lockReply, len(a.Match.Counters))
	g, gctx := errgroup.WithContext(ctx)
	for i, cand := range a.Match.Counters {
		g.Go(func() error {
			id, err := c.lockOne(gctx, cand.ID)
			replies[i] = lockReply{id: id, err: err}
			return err
		})
	}
	firstErr := g.Wait()

	for i, cand := range a.Match.Counters {
		r := replies[i]
		switch {
		case r.err == nil:
			a.locks[cand.ID] = r.id
		case errors.Is(r.err, book.ErrNetwork) || errors.Is(r.err, context.Canceled) || errors.Is(r.err, context.DeadlineExceeded):
			// The owner may have granted it before we stopped listening.
			a.unsure[cand.ID] = true
		}
	}
	if firstErr != nil {
		return fmt.Errorf("lock counters: %w", firstErr)
	}
	return nil
}

func (c *Coordinator) lockOne(ctx context.Context, id book.OrderID) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if id.Owner == c.self {
		return c.owner.Lock(ctx, id, c.self)
	}
	r, err := p2p.Call(ctx, c.tr, id.Owner, protocol.Message{
		Type:    protocol.OrderLock,
		Sender:  c.self,
		OrderID: id,
	})
	if err != nil {
		return "", err
	}
	if r.LockID == "" {
		return "", fmt.Errorf("%w: empty lock id from %s", book.ErrLockMismatch, id.Owner)
	}
	return r.LockID, nil
}

// executeAll sends EXECUTE for every held lock concurrently and returns the
// failures. Successful counters are appended to a.executed in match order.
func (c *Coordinator) executeAll(ctx context.Context, a *Attempt) []error {
	errs := make([]error, len(a.Match.Counters))
	var g errgroup.Group
	for i, cand := range a.Match.Counters {
		lockID := a.locks[cand.ID]
		g.Go(func() error {
			errs[i] = c.executeOne(ctx, cand.ID, lockID)
			return nil
		})
	}
	_ = g.Wait()

	var failed []error
	for i, cand := range a.Match.Counters {
		if errs[i] != nil {
			failed = append(failed, fmt.Errorf("execute %s: %w", cand.ID, errs[i]))
			continue
		}
		a.executed = append(a.executed, cand.ID)
		delete(a.locks, cand.ID)
	}
	return failed
}

func (c *Coordinator) executeOne(ctx context.Context, id book.OrderID, lockID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if id.Owner == c.self {
		return c.owner.Execute(ctx, id, c.self, lockID)
	}
	_, err := p2p.Call(ctx, c.tr, id.Owner, protocol.Message{
		Type:    protocol.OrderExecute,
		Sender:  c.self,
		OrderID: id,
		LockID:  lockID,
	})
	return err
}

// rollback releases every lock this attempt may hold, ours included, and
// leaves the attempt Aborted.
func (c *Coordinator) rollback(ctx context.Context, a *Attempt) {
	c.transition(a, RollingBack)
	c.releaseCounters(ctx, a)
	if a.ownLock != "" {
		if err := c.owner.Unlock(context.WithoutCancel(ctx), a.Match.Order.ID, c.self); err != nil {
			c.log.Warnw("unlock_own_failed", "attempt", a.ID, "order", a.Match.Order.ID.String(), "err", err)
		}
	}
	c.transition(a, Aborted)
}

// releaseCounters sends UNLOCK for every counter still locked or possibly
// locked by this attempt. UNLOCK is a no-op at an owner we do not hold a lock
// with, so the unsure ones are safe to include.
func (c *Coordinator) releaseCounters(ctx context.Context, a *Attempt) {
	var targets []book.OrderID
	for _, cand := range a.Match.Counters {
		if _, held := a.locks[cand.ID]; held || a.unsure[cand.ID] {
			targets = append(targets, cand.ID)
		}
	}
	if len(targets) == 0 {
		return
	}

	// Rollback must run even when the caller's context is already done.
	base := context.WithoutCancel(ctx)
	var g errgroup.Group
	for _, id := range targets {
		g.Go(func() error {
			c.metrics.Rollbacks.Inc()
			if err := c.unlockOne(base, id); err != nil {
				c.log.Warnw("unlock_failed", "attempt", a.ID, "order", id.String(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	for _, id := range targets {
		delete(a.locks, id)
	}
}

func (c *Coordinator) unlockOne(ctx context.Context, id book.OrderID) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if id.Owner == c.self {
		return c.owner.Unlock(ctx, id, c.self)
	}
	_, err := p2p.Call(ctx, c.tr, id.Owner, protocol.Message{
		Type:    protocol.OrderUnlock,
		Sender:  c.self,
		OrderID: id,
	})
	return err
}

// closeOwn executes our own order against the lock we took at the start.
func (c *Coordinator) closeOwn(ctx context.Context, a *Attempt) error {
	if err := c.owner.Execute(context.WithoutCancel(ctx), a.Match.Order.ID, c.self, a.ownLock); err != nil {
		c.log.Errorw("close_own_failed", "attempt", a.ID, "order", a.Match.Order.ID.String(), "err", err)
		return fmt.Errorf("close own order: %w", err)
	}
	return nil
}

func (c *Coordinator) transition(a *Attempt, to State) {
	from := a.State
	a.State = to
	c.log.Debugw("attempt_state", "attempt", a.ID, "from", from.String(), "to", to.String())
	if c.OnTransition != nil {
		c.OnTransition(a, from)
	}
}

// record journals finished trades. Aborted attempts leave no trace.
func (c *Coordinator) record(a *Attempt) {
	var outcome storage.MatchOutcome
	switch a.State {
	case Done:
		outcome = storage.MatchDone
	case PartiallyExecuted:
		outcome = storage.MatchPartial
	default:
		return
	}
	rec := storage.MatchRecord{
		ID:        a.ID,
		Initiator: c.self,
		Order:     a.Match.Order.ID,
		Counters:  a.Match.CounterIDs(),
		Executed:  a.executed,
		Outcome:   outcome,
		At:        time.Now(),
	}
	if err := c.journal.RecordMatch(rec); err != nil {
		c.log.Warnw("journal_write_failed", "attempt", a.ID, "err", err)
	}
	if a.State == Done {
		c.log.Infow("match_done", "attempt", a.ID, "match", a.Match.String())
	}
}

func (c *Coordinator) result(a *Attempt) matching.Result {
	r := matching.Result{Executed: a.executed, Err: a.err}
	switch a.State {
	case Done:
		r.Outcome = matching.Done
	case PartiallyExecuted:
		r.Outcome = matching.PartiallyExecuted
	default:
		r.Outcome = matching.Aborted
	}
	return r
}

var _ matching.Coordinator = (*Coordinator)(nil)
