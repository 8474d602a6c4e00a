package lock

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/matching"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/p2p"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
	"github.com/uhyunpark/p2pbook/pkg/storage"
)

type peer struct {
	id    book.NodeID
	store *book.Store
	owner *Owner
	tr    *p2p.MemTransport
}

// cluster wires owners to a MemNet with just enough routing for the handshake.
type cluster struct {
	net   *p2p.MemNet
	peers map[book.NodeID]*peer
}

func newCluster(t *testing.T, ids ...book.NodeID) *cluster {
	t.Helper()
	c := &cluster{net: p2p.NewMemNet(), peers: make(map[book.NodeID]*peer)}
	for _, id := range ids {
		p := &peer{id: id, store: book.NewStore(), tr: c.net.Join(id)}
		p.owner = NewOwner(OwnerConfig{
			Self:    id,
			Store:   p.store,
			Logger:  zap.NewNop().Sugar(),
			Metrics: metrics.New(string(id)),
		})
		t.Cleanup(p.owner.Stop)
		p.tr.SetHandler(func(ctx context.Context, msg protocol.Message) protocol.Reply {
			var (
				lockID string
				err    error
			)
			switch msg.Type {
			case protocol.OrderLock:
				lockID, err = p.owner.Lock(ctx, msg.OrderID, msg.Sender)
			case protocol.OrderUnlock:
				err = p.owner.Unlock(ctx, msg.OrderID, msg.Sender)
			case protocol.OrderExecute:
				err = p.owner.Execute(ctx, msg.OrderID, msg.Sender, msg.LockID)
			default:
				return protocol.Reply{}
			}
			if err != nil {
				return protocol.ErrorReply(err)
			}
			return protocol.Reply{Handled: true, OrderID: msg.OrderID, LockID: lockID}
		})
		c.peers[id] = p
	}
	return c
}

// place stores o at its owner and mirrors it everywhere else.
func (c *cluster) place(t *testing.T, o *book.Order) *book.Order {
	t.Helper()
	for id, p := range c.peers {
		var err error
		if id == o.ID.Owner {
			err = p.store.Add(o)
		} else {
			_, err = p.store.AddMirror(o)
		}
		if err != nil {
			t.Fatal(err)
		}
	}
	return o
}

func (c *cluster) status(t *testing.T, id book.OrderID) book.Status {
	t.Helper()
	o, err := c.peers[id.Owner].store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	return o.Status
}

func (c *cluster) coordinator(id book.NodeID, j storage.Journal) *Coordinator {
	p := c.peers[id]
	return NewCoordinator(CoordinatorConfig{
		Self:      id,
		Transport: p.tr,
		Owner:     p.owner,
		Journal:   j,
		Timeout:   200 * time.Millisecond,
		Logger:    zap.NewNop().Sugar(),
		Metrics:   metrics.New(string(id)),
	})
}

func ord(owner book.NodeID, seq uint64, from string, fromAmt int64, to string, toAmt int64) *book.Order {
	return &book.Order{
		ID:         book.OrderID{Owner: owner, Seq: seq},
		FromCoin:   from,
		FromAmount: decimal.NewFromInt(fromAmt),
		ToCoin:     to,
		ToAmount:   decimal.NewFromInt(toAmt),
		Status:     book.Open,
	}
}

func twoCounterMatch(t *testing.T, c *cluster) matching.MatchSet {
	t.Helper()
	a := c.place(t, ord("a", 1, "btc", 5, "eth", 10))
	c1 := c.place(t, ord("b", 1, "eth", 6, "btc", 3))
	c2 := c.place(t, ord("c", 1, "eth", 4, "btc", 2))
	return matching.MatchSet{Order: a, Counters: []*book.Order{c1, c2}}
}

func TestCoordinator_SettleAll(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	m := twoCounterMatch(t, c)
	j := storage.NewMemJournal(10)

	var states []State
	coord := c.coordinator("a", j)
	coord.OnTransition = func(a *Attempt, from State) { states = append(states, a.State) }

	res := coord.Settle(context.Background(), m)
	if res.Outcome != matching.Done || res.Err != nil {
		t.Fatalf("Settle = %v, %v", res.Outcome, res.Err)
	}
	for _, id := range append(m.CounterIDs(), m.Order.ID) {
		if st := c.status(t, id); st != book.Closed {
			t.Errorf("%s = %s, want closed", id, st)
		}
	}
	want := []State{AllLocked, Executing, Done}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", states, want)
		}
	}
	recs, _ := j.RecentMatches(10)
	if len(recs) != 1 || recs[0].Outcome != storage.MatchDone || len(recs[0].Executed) != 2 {
		t.Fatalf("journal = %+v", recs)
	}
}

func TestCoordinator_RollbackOnLockConflict(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	m := twoCounterMatch(t, c)
	ctx := context.Background()

	// c/1 is already reserved by another initiator.
	if _, err := c.peers["c"].owner.Lock(ctx, m.Counters[1].ID, "z"); err != nil {
		t.Fatal(err)
	}
	j := storage.NewMemJournal(10)
	res := c.coordinator("a", j).Settle(ctx, m)
	if res.Outcome != matching.Aborted {
		t.Fatalf("Settle = %v, want aborted", res.Outcome)
	}
	if st := c.status(t, m.Counters[0].ID); st != book.Open {
		t.Fatalf("b/1 = %s, want open after rollback", st)
	}
	if st := c.status(t, m.Order.ID); st != book.Open {
		t.Fatalf("a/1 = %s, want open after rollback", st)
	}
	o, _ := c.peers["c"].store.Get(m.Counters[1].ID)
	if o.Status != book.Locked || o.Lock.Holder != "z" {
		t.Fatalf("c/1 = %s %v, want still locked by z", o.Status, o.Lock)
	}
	if recs, _ := j.RecentMatches(10); len(recs) != 0 {
		t.Fatalf("aborted attempt journaled: %+v", recs)
	}
}

func TestCoordinator_RollbackOnUnreachableOwner(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	m := twoCounterMatch(t, c)
	c.net.SetDrop(func(from, to book.NodeID, msg protocol.Message) bool {
		return to == "c" && msg.Type == protocol.OrderLock
	})

	res := c.coordinator("a", nil).Settle(context.Background(), m)
	if res.Outcome != matching.Aborted {
		t.Fatalf("Settle = %v, want aborted", res.Outcome)
	}
	for _, id := range append(m.CounterIDs(), m.Order.ID) {
		if st := c.status(t, id); st != book.Open {
			t.Errorf("%s = %s, want open", id, st)
		}
	}
}

func TestCoordinator_OwnOrderAlreadyLocked(t *testing.T) {
	c := newCluster(t, "a", "b")
	a := c.place(t, ord("a", 1, "btc", 5, "eth", 10))
	b := c.place(t, ord("b", 1, "eth", 10, "btc", 5))
	ctx := context.Background()

	// A remote initiator got to our order first.
	if _, err := c.peers["a"].owner.Lock(ctx, a.ID, "b"); err != nil {
		t.Fatal(err)
	}
	res := c.coordinator("a", nil).Settle(ctx, matching.MatchSet{Order: a, Counters: []*book.Order{b}})
	if res.Outcome != matching.Aborted {
		t.Fatalf("Settle = %v, want aborted", res.Outcome)
	}
	if st := c.status(t, b.ID); st != book.Open {
		t.Fatalf("counter = %s, want untouched", st)
	}
}

func TestCoordinator_SelfOwnedCounter(t *testing.T) {
	c := newCluster(t, "a")
	a := c.place(t, ord("a", 1, "btc", 5, "eth", 10))
	b := c.place(t, ord("a", 2, "eth", 10, "btc", 5))

	res := c.coordinator("a", nil).Settle(context.Background(), matching.MatchSet{Order: a, Counters: []*book.Order{b}})
	if res.Outcome != matching.Done {
		t.Fatalf("Settle = %v (%v), want done", res.Outcome, res.Err)
	}
	if c.status(t, a.ID) != book.Closed || c.status(t, b.ID) != book.Closed {
		t.Fatal("self-owned match not closed")
	}
}

func TestCoordinator_PartialExecution(t *testing.T) {
	c := newCluster(t, "a", "b", "c")
	m := twoCounterMatch(t, c)
	c.net.SetDrop(func(from, to book.NodeID, msg protocol.Message) bool {
		return to == "c" && msg.Type == protocol.OrderExecute
	})
	j := storage.NewMemJournal(10)

	res := c.coordinator("a", j).Settle(context.Background(), m)
	if res.Outcome != matching.PartiallyExecuted {
		t.Fatalf("Settle = %v, want partially executed", res.Outcome)
	}
	if len(res.Executed) != 1 || res.Executed[0] != m.Counters[0].ID {
		t.Fatalf("executed = %v", res.Executed)
	}
	if st := c.status(t, m.Counters[0].ID); st != book.Closed {
		t.Fatalf("b/1 = %s, want closed", st)
	}
	if st := c.status(t, m.Counters[1].ID); st != book.Open {
		t.Fatalf("c/1 = %s, want released", st)
	}
	if st := c.status(t, m.Order.ID); st != book.Closed {
		t.Fatalf("a/1 = %s, want closed", st)
	}
	recs, _ := j.RecentMatches(10)
	if len(recs) != 1 || recs[0].Outcome != storage.MatchPartial {
		t.Fatalf("journal = %+v", recs)
	}
}
