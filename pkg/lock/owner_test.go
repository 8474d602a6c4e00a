package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/settlement"
	"github.com/uhyunpark/p2pbook/pkg/util"
)

type recordingAnnouncer struct {
	mu     sync.Mutex
	closed []book.OrderID
}

func (a *recordingAnnouncer) BroadcastClosed(id book.OrderID) {
	a.mu.Lock()
	a.closed = append(a.closed, id)
	a.mu.Unlock()
}

func (a *recordingAnnouncer) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.closed)
}

type recordingSettler struct {
	mu        sync.Mutex
	transfers []settlement.Transfer
	err       error
}

func (s *recordingSettler) Commit(ctx context.Context, t settlement.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.transfers = append(s.transfers, t)
	return nil
}

func (s *recordingSettler) Close() error { return nil }

type ownerFixture struct {
	owner    *Owner
	store    *book.Store
	clock    *util.ManualClock
	announce *recordingAnnouncer
	settler  *recordingSettler
}

func newOwnerFixture(t *testing.T, self book.NodeID) *ownerFixture {
	t.Helper()
	f := &ownerFixture{
		store:    book.NewStore(),
		clock:    util.NewManualClock(time.Unix(1_700_000_000, 0)),
		announce: &recordingAnnouncer{},
		settler:  &recordingSettler{},
	}
	f.owner = NewOwner(OwnerConfig{
		Self:      self,
		Store:     f.store,
		Settler:   f.settler,
		Announcer: f.announce,
		Clock:     f.clock,
		Logger:    zap.NewNop().Sugar(),
		Metrics:   metrics.New(string(self)),
	})
	t.Cleanup(f.owner.Stop)
	return f
}

func (f *ownerFixture) add(t *testing.T, owner book.NodeID, seq uint64) book.OrderID {
	t.Helper()
	o := &book.Order{
		ID:         book.OrderID{Owner: owner, Seq: seq},
		FromCoin:   "btc",
		FromAmount: decimal.NewFromInt(5),
		ToCoin:     "eth",
		ToAmount:   decimal.NewFromInt(10),
		Status:     book.Open,
	}
	var err error
	if owner == f.owner.self {
		err = f.store.Add(o)
	} else {
		_, err = f.store.AddMirror(o)
	}
	if err != nil {
		t.Fatal(err)
	}
	return o.ID
}

func (f *ownerFixture) status(t *testing.T, id book.OrderID) book.Status {
	t.Helper()
	o, err := f.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return o.Status
}

func TestOwner_LockConflict(t *testing.T) {
	f := newOwnerFixture(t, "x")
	id := f.add(t, "x", 1)
	ctx := context.Background()

	l1, err := f.owner.Lock(ctx, id, "r1")
	if err != nil || l1 == "" {
		t.Fatalf("Lock(r1) = %q, %v", l1, err)
	}
	if _, err := f.owner.Lock(ctx, id, "r2"); !errors.Is(err, book.ErrLockConflict) {
		t.Fatalf("Lock(r2) = %v, want ErrLockConflict", err)
	}
	o, _ := f.store.Get(id)
	if o.Status != book.Locked || o.Lock.Holder != "r1" {
		t.Fatalf("order = %s held by %v, want locked by r1", o.Status, o.Lock)
	}

	again, err := f.owner.Lock(ctx, id, "r1")
	if err != nil || again != l1 {
		t.Fatalf("repeated Lock(r1) = %q, %v; want %q", again, err, l1)
	}
}

func TestOwner_LockRefusals(t *testing.T) {
	f := newOwnerFixture(t, "x")
	foreign := f.add(t, "y", 1)
	ctx := context.Background()

	if _, err := f.owner.Lock(ctx, foreign, "r1"); !errors.Is(err, book.ErrOwnership) {
		t.Fatalf("Lock(foreign) = %v, want ErrOwnership", err)
	}
	if f.status(t, foreign) != book.Open {
		t.Fatal("foreign order changed")
	}
	if _, err := f.owner.Lock(ctx, book.OrderID{Owner: "x", Seq: 99}, "r1"); !errors.Is(err, book.ErrNotFound) {
		t.Fatalf("Lock(unknown) = %v, want ErrNotFound", err)
	}

	id := f.add(t, "x", 1)
	l, _ := f.owner.Lock(ctx, id, "r1")
	if err := f.owner.Execute(ctx, id, "r1", l); err != nil {
		t.Fatal(err)
	}
	if _, err := f.owner.Lock(ctx, id, "r2"); !errors.Is(err, book.ErrConflict) {
		t.Fatalf("Lock(closed) = %v, want ErrConflict", err)
	}
}

func TestOwner_Unlock(t *testing.T) {
	f := newOwnerFixture(t, "x")
	id := f.add(t, "x", 1)
	ctx := context.Background()

	if _, err := f.owner.Lock(ctx, id, "r1"); err != nil {
		t.Fatal(err)
	}
	// Not the holder: no effect.
	if err := f.owner.Unlock(ctx, id, "r2"); err != nil {
		t.Fatalf("Unlock(r2) = %v", err)
	}
	if f.status(t, id) != book.Locked {
		t.Fatal("non-holder released the lock")
	}
	if err := f.owner.Unlock(ctx, id, "r1"); err != nil {
		t.Fatalf("Unlock(r1) = %v", err)
	}
	if f.status(t, id) != book.Open {
		t.Fatal("holder unlock did not reopen the order")
	}
	// Unlocking an open order is a no-op.
	if err := f.owner.Unlock(ctx, id, "r1"); err != nil {
		t.Fatalf("Unlock(open) = %v", err)
	}
}

func TestOwner_Execute(t *testing.T) {
	f := newOwnerFixture(t, "x")
	id := f.add(t, "x", 1)
	ctx := context.Background()

	if err := f.owner.Execute(ctx, id, "r1", "nope"); !errors.Is(err, book.ErrLockMismatch) {
		t.Fatalf("Execute(unlocked) = %v, want ErrLockMismatch", err)
	}
	l, _ := f.owner.Lock(ctx, id, "r1")
	if err := f.owner.Execute(ctx, id, "r2", l); !errors.Is(err, book.ErrLockMismatch) {
		t.Fatalf("Execute(other holder) = %v, want ErrLockMismatch", err)
	}
	if err := f.owner.Execute(ctx, id, "r1", "wrong"); !errors.Is(err, book.ErrLockMismatch) {
		t.Fatalf("Execute(wrong lock) = %v, want ErrLockMismatch", err)
	}
	if f.status(t, id) != book.Locked {
		t.Fatal("mismatched execute changed the order")
	}

	var changes []book.Status
	f.owner.OnChange = func(o *book.Order) { changes = append(changes, o.Status) }
	if err := f.owner.Execute(ctx, id, "r1", l); err != nil {
		t.Fatalf("Execute = %v", err)
	}
	if f.status(t, id) != book.Closed {
		t.Fatal("executed order not closed")
	}
	if f.announce.count() != 1 {
		t.Fatalf("closure broadcasts = %d, want 1", f.announce.count())
	}
	if len(f.settler.transfers) != 1 || f.settler.transfers[0].LockID != l {
		t.Fatalf("transfers = %+v", f.settler.transfers)
	}
	if len(changes) != 1 || changes[0] != book.Closed {
		t.Fatalf("OnChange saw %v", changes)
	}
}

func TestOwner_ExecuteSettlementFailureKeepsLock(t *testing.T) {
	f := newOwnerFixture(t, "x")
	f.settler.err = errors.New("ledger down")
	id := f.add(t, "x", 1)
	ctx := context.Background()

	l, _ := f.owner.Lock(ctx, id, "r1")
	if err := f.owner.Execute(ctx, id, "r1", l); err == nil {
		t.Fatal("Execute succeeded despite settlement failure")
	}
	if f.status(t, id) != book.Locked {
		t.Fatal("order left its lock after failed settlement")
	}
	if f.announce.count() != 0 {
		t.Fatal("closure announced for unsettled order")
	}
}

func TestOwner_ReapExpired(t *testing.T) {
	f := newOwnerFixture(t, "x")
	stale := f.add(t, "x", 1)
	fresh := f.add(t, "x", 2)
	ctx := context.Background()
	ttl := 10 * time.Second

	if _, err := f.owner.Lock(ctx, stale, "r1"); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(6 * time.Second)
	if _, err := f.owner.Lock(ctx, fresh, "r2"); err != nil {
		t.Fatal(err)
	}
	if n := f.owner.ReapExpired(ttl); n != 0 {
		t.Fatalf("ReapExpired before ttl = %d", n)
	}

	f.clock.Advance(5 * time.Second)
	if n := f.owner.ReapExpired(ttl); n != 1 {
		t.Fatalf("ReapExpired = %d, want 1", n)
	}
	if f.status(t, stale) != book.Open {
		t.Fatal("stale lock not released")
	}
	if f.status(t, fresh) != book.Locked {
		t.Fatal("fresh lock released early")
	}
}

func TestOwner_RunReaper(t *testing.T) {
	f := newOwnerFixture(t, "x")
	id := f.add(t, "x", 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	released := make(chan struct{}, 1)
	f.owner.OnChange = func(o *book.Order) {
		if o.Status == book.Open {
			released <- struct{}{}
		}
	}
	if _, err := f.owner.Lock(ctx, id, "r1"); err != nil {
		t.Fatal(err)
	}
	go f.owner.RunReaper(ctx, 10*time.Second)

	deadline := time.After(2 * time.Second)
	for {
		f.clock.Advance(5 * time.Second)
		select {
		case <-released:
			return
		case <-deadline:
			t.Fatal("reaper never released the lock")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
