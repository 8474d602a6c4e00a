// Package lock implements the lock-then-execute handshake that finalizes a
// match: the owner side arbitrates LOCK, UNLOCK and EXECUTE for the orders this
// node owns, and the Coordinator drives the handshake as initiator.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/settlement"
	"github.com/uhyunpark/p2pbook/pkg/storage"
	"github.com/uhyunpark/p2pbook/pkg/util"
	"github.com/uhyunpark/p2pbook/pkg/worker"
)

// Announcer publishes closure notices to the peers.
type Announcer interface {
	BroadcastClosed(id book.OrderID)
}

type OwnerConfig struct {
	Self      book.NodeID
	Store     *book.Store
	Settler   settlement.Settler
	Announcer Announcer
	Journal   storage.Journal
	Clock     util.Clock
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics
	Workers   int
}

// Owner serves lock requests for the orders this node owns. Every request for
// one order runs on the same worker, one at a time, so status transitions are
// atomic with respect to competing requesters.
type Owner struct {
	self      book.NodeID
	store     *book.Store
	serial    *worker.Dispatcher
	settler   settlement.Settler
	announcer Announcer
	journal   storage.Journal
	clock     util.Clock
	log       *zap.SugaredLogger
	metrics   *metrics.Metrics

	// OnChange, when set, observes every status change made here.
	OnChange func(o *book.Order)
}

func NewOwner(cfg OwnerConfig) *Owner {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Settler == nil {
		cfg.Settler = settlement.Nop{}
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	return &Owner{
		self:      cfg.Self,
		store:     cfg.Store,
		serial:    worker.NewDispatcher(cfg.Workers, 256),
		settler:   cfg.Settler,
		announcer: cfg.Announcer,
		journal:   cfg.Journal,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

func (w *Owner) Stop() { w.serial.Stop() }

type lockResult struct {
	id  string
	err error
}

// Lock reserves id for requester and returns the lock id. Repeating the
// request from the current holder returns the same lock id.
func (w *Owner) Lock(ctx context.Context, id book.OrderID, requester book.NodeID) (string, error) {
	if id.Owner != w.self {
		return "", fmt.Errorf("%w: %s", book.ErrOwnership, id)
	}
	r := worker.Do(w.serial, id.String(), func() lockResult {
		var lockID string
		fresh := false
		o, err := w.store.Update(id, func(o *book.Order) error {
			switch o.Status {
			case book.Closed:
				return fmt.Errorf("%w: %s is closed", book.ErrConflict, id)
			case book.Locked:
				if o.Lock.Holder != requester {
					return fmt.Errorf("%w: %s held by %s", book.ErrLockConflict, id, o.Lock.Holder)
				}
				lockID = o.Lock.ID
			default:
				lockID = uuid.NewString()
				fresh = true
				o.Status = book.Locked
				o.Lock = &book.Lock{ID: lockID, Holder: requester, AcquiredAt: w.clock.Now()}
			}
			return nil
		})
		if err != nil {
			return lockResult{err: err}
		}
		if fresh {
			w.metrics.LocksGranted.Inc()
			w.log.Debugw("order_locked", "order", id.String(), "holder", requester, "lock", lockID)
			w.changed(o)
		}
		return lockResult{id: lockID}
	})
	if r.err != nil {
		if isLockConflict(r.err) {
			w.metrics.LockConflicts.Inc()
		}
		w.log.Debugw("lock_refused", "order", id.String(), "requester", requester, "err", r.err)
	}
	return r.id, r.err
}

// Unlock reverts id to Open if requester holds its lock; otherwise it does
// nothing.
func (w *Owner) Unlock(ctx context.Context, id book.OrderID, requester book.NodeID) error {
	if id.Owner != w.self {
		return fmt.Errorf("%w: %s", book.ErrOwnership, id)
	}
	return worker.Do(w.serial, id.String(), func() error {
		cur, err := w.store.Get(id)
		if err != nil {
			return err
		}
		if cur.Status != book.Locked || cur.Lock.Holder != requester {
			return nil
		}
		o, err := w.store.Update(id, func(o *book.Order) error {
			o.Status = book.Open
			o.Lock = nil
			return nil
		})
		if err != nil {
			return err
		}
		w.log.Debugw("order_unlocked", "order", id.String(), "holder", requester)
		w.changed(o)
		return nil
	})
}

// Execute settles id against requester's lock, closes it and announces the
// closure.
func (w *Owner) Execute(ctx context.Context, id book.OrderID, requester book.NodeID, lockID string) error {
	if id.Owner != w.self {
		return fmt.Errorf("%w: %s", book.ErrOwnership, id)
	}
	return worker.Do(w.serial, id.String(), func() error {
		cur, err := w.store.Get(id)
		if err != nil {
			return err
		}
		if cur.Status != book.Locked || cur.Lock.Holder != requester || cur.Lock.ID != lockID {
			return fmt.Errorf("%w: %s by %s with lock %q", book.ErrLockMismatch, id, requester, lockID)
		}

		now := w.clock.Now()
		if err := w.settler.Commit(ctx, settlement.NewTransfer(cur, *cur.Lock, now)); err != nil {
			w.log.Errorw("settlement_failed", "order", id.String(), "err", err)
			return err
		}

		o, err := w.store.Update(id, func(o *book.Order) error {
			o.Status = book.Closed
			o.Lock = nil
			return nil
		})
		if err != nil {
			return err
		}
		if err := w.journal.RecordClosed(id, now); err != nil {
			w.log.Warnw("journal_write_failed", "order", id.String(), "err", err)
		}
		w.log.Infow("order_executed", "order", id.String(), "holder", requester)
		w.changed(o)
		if w.announcer != nil {
			w.announcer.BroadcastClosed(id)
		}
		return nil
	})
}

// ReapExpired reverts locks older than ttl on owned orders and returns how many
// it released. A holder that crashed mid-handshake never sends EXECUTE or
// UNLOCK, so without this its orders would stay locked for good.
func (w *Owner) ReapExpired(ttl time.Duration) int {
	n := 0
	for _, o := range w.store.All() {
		if o.ID.Owner != w.self || o.Status != book.Locked {
			continue
		}
		stale := *o.Lock
		if w.clock.Now().Sub(stale.AcquiredAt) < ttl {
			continue
		}
		released := worker.Do(w.serial, o.ID.String(), func() bool {
			cur, err := w.store.Get(o.ID)
			if err != nil || cur.Status != book.Locked || *cur.Lock != stale {
				return false
			}
			upd, err := w.store.Update(o.ID, func(o *book.Order) error {
				o.Status = book.Open
				o.Lock = nil
				return nil
			})
			if err != nil {
				return false
			}
			w.changed(upd)
			return true
		})
		if released {
			n++
			w.metrics.LocksExpired.Inc()
			w.log.Warnw("lock_expired", "order", o.ID.String(), "holder", stale.Holder, "lock", stale.ID)
		}
	}
	return n
}

// RunReaper calls ReapExpired every ttl/2 until ctx is done.
func (w *Owner) RunReaper(ctx context.Context, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clock.After(ttl / 2):
			w.ReapExpired(ttl)
		}
	}
}

func (w *Owner) changed(o *book.Order) {
	if w.OnChange != nil {
		w.OnChange(o)
	}
}

func isLockConflict(err error) bool {
	return errors.Is(err, book.ErrLockConflict)
}
