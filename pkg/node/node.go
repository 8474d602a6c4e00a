// Package node assembles one order-book node: the order store, replication,
// the matching engine and both sides of the lock handshake, behind a router
// that dispatches inbound protocol messages by type.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/lock"
	"github.com/uhyunpark/p2pbook/pkg/matching"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/p2p"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
	"github.com/uhyunpark/p2pbook/pkg/replication"
	"github.com/uhyunpark/p2pbook/pkg/settlement"
	"github.com/uhyunpark/p2pbook/pkg/storage"
	"github.com/uhyunpark/p2pbook/pkg/util"
)

type Config struct {
	Transport p2p.Transport
	Settler   settlement.Settler
	Journal   storage.Journal
	Clock     util.Clock
	Logger    *zap.SugaredLogger
	Metrics   *metrics.Metrics

	RPCTimeout    time.Duration // every remote call
	MatchInterval time.Duration // periodic scan; 0 scans only on admission
	LockTTL       time.Duration // 0 disables lock expiry
}

type handlerFunc func(ctx context.Context, msg protocol.Message) protocol.Reply

type Node struct {
	self    book.NodeID
	tr      p2p.Transport
	store   *book.Store
	bcast   *replication.Broadcaster
	owner   *lock.Owner
	coord   *lock.Coordinator
	engine  *matching.Engine
	journal storage.Journal
	clock   util.Clock
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	matchInterval time.Duration
	lockTTL       time.Duration

	routes map[protocol.MsgType]handlerFunc

	muL       sync.RWMutex
	listeners []func(Event)
}

func New(cfg Config) *Node {
	self := cfg.Transport.Self()
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(string(self))
	}
	if cfg.Journal == nil {
		cfg.Journal = storage.NewNopJournal()
	}
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 2 * time.Second
	}

	n := &Node{
		self:          self,
		tr:            cfg.Transport,
		store:         book.NewStore(),
		journal:       cfg.Journal,
		clock:         cfg.Clock,
		log:           cfg.Logger,
		metrics:       cfg.Metrics,
		matchInterval: cfg.MatchInterval,
		lockTTL:       cfg.LockTTL,
	}
	n.bcast = replication.NewBroadcaster(n.tr, n.log, n.metrics, cfg.RPCTimeout)
	n.owner = lock.NewOwner(lock.OwnerConfig{
		Self:      self,
		Store:     n.store,
		Settler:   cfg.Settler,
		Announcer: n.bcast,
		Journal:   n.journal,
		Clock:     n.clock,
		Logger:    n.log,
		Metrics:   n.metrics,
	})
	n.owner.OnChange = func(o *book.Order) { n.emit(statusEvent(o), o, nil) }
	n.coord = lock.NewCoordinator(lock.CoordinatorConfig{
		Self:      self,
		Transport: n.tr,
		Owner:     n.owner,
		Journal:   n.journal,
		Timeout:   cfg.RPCTimeout,
		Logger:    n.log,
		Metrics:   n.metrics,
	})
	n.engine = matching.NewEngine(n.store, self, n.coord, n.log, n.metrics)
	n.engine.OnMatch = func(m matching.MatchSet, r matching.Result) {
		typ, rep := matchEvent(m, r)
		n.emit(typ, nil, rep)
	}

	n.routes = map[protocol.MsgType]handlerFunc{
		protocol.ClientOrderAdd: n.handleClientOrderAdd,
		protocol.OrderAdd:       n.handleOrderAdd,
		protocol.OrderLock:      n.handleOrderLock,
		protocol.OrderUnlock:    n.handleOrderUnlock,
		protocol.OrderExecute:   n.handleOrderExecute,
		protocol.OrderClosed:    n.handleOrderClosed,
	}
	n.tr.SetHandler(n.Handle)
	return n
}

func (n *Node) Self() book.NodeID              { return n.self }
func (n *Node) Store() *book.Store             { return n.store }
func (n *Node) Peers() []book.NodeID           { return n.tr.Peers() }
func (n *Node) Journal() storage.Journal       { return n.journal }
func (n *Node) Metrics() *metrics.Metrics      { return n.metrics }
func (n *Node) Engine() *matching.Engine       { return n.engine }
func (n *Node) Coordinator() *lock.Coordinator { return n.coord }

// Subscribe registers fn for every event the node emits. fn must not block.
func (n *Node) Subscribe(fn func(Event)) {
	n.muL.Lock()
	n.listeners = append(n.listeners, fn)
	n.muL.Unlock()
}

func (n *Node) emit(typ EventType, o *book.Order, m *MatchReport) {
	ev := Event{Type: typ, Node: n.self, Order: o, Match: m, At: n.clock.Now()}
	n.muL.RLock()
	defer n.muL.RUnlock()
	for _, fn := range n.listeners {
		fn(ev)
	}
}

// Run drives the matcher and the lock reaper until ctx is done.
func (n *Node) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); n.engine.Run(ctx, n.matchInterval) }()
	go func() { defer wg.Done(); n.owner.RunReaper(ctx, n.lockTTL) }()
	n.log.Infow("node_running", "match_interval_ms", n.matchInterval.Milliseconds(), "lock_ttl_ms", n.lockTTL.Milliseconds())
	wg.Wait()
}

// Close detaches the node from its transport, waits for pending broadcasts and
// stops the owner workers.
func (n *Node) Close() {
	n.tr.SetHandler(func(context.Context, protocol.Message) protocol.Reply {
		return protocol.Reply{Code: protocol.CodeNetwork, Error: "node closed"}
	})
	n.bcast.Wait()
	n.owner.Stop()
}

// Handle is the router: it drops messages this node sent itself (broadcasts
// loop back over the shared topic) and dispatches the rest by type.
func (n *Node) Handle(ctx context.Context, msg protocol.Message) protocol.Reply {
	if msg.Sender == n.self {
		n.metrics.SelfDropped.Inc()
		return protocol.Reply{}
	}
	h, ok := n.routes[msg.Type]
	if !ok {
		n.log.Debugw("unknown_message", "type", msg.Type, "sender", msg.Sender)
		return protocol.Reply{Code: protocol.CodeUnknown, Error: fmt.Sprintf("unknown message type %q", msg.Type)}
	}
	return h(ctx, msg)
}

// SubmitClientOrder admits an order from a local client (API, order generator)
// through the same path as a CLIENT_ORDER_ADD request.
func (n *Node) SubmitClientOrder(ctx context.Context, sender string, co protocol.ClientOrder) (protocol.Reply, error) {
	r := n.Handle(ctx, protocol.Message{Type: protocol.ClientOrderAdd, Sender: book.NodeID(sender), Client: &co})
	return r, r.Err()
}

func (n *Node) handleClientOrderAdd(ctx context.Context, msg protocol.Message) protocol.Reply {
	if msg.Client == nil {
		return protocol.ErrorReply(fmt.Errorf("%w: CLIENT_ORDER_ADD without order", book.ErrValidation))
	}
	co := msg.Client
	o := &book.Order{
		ID:         book.OrderID{Owner: n.self, Seq: n.store.NextSeq()},
		ClientID:   co.ID,
		FromCoin:   co.FromCoin,
		FromAmount: co.FromAmount,
		ToCoin:     co.ToCoin,
		ToAmount:   co.ToAmount,
		Status:     book.Open,
		CreatedAt:  n.clock.Now(),
	}
	if err := n.store.Add(o); err != nil {
		n.metrics.OrdersRejected.Inc()
		n.log.Infow("order_rejected", "client", msg.Sender, "client_id", co.ID, "err", err)
		return protocol.ErrorReply(err)
	}
	n.metrics.OrdersAdmitted.Inc()
	n.log.Infow("order_admitted", "order", o.ID.String(), "client_id", co.ID,
		"from", o.FromCoin, "from_amount", o.FromAmount.String(),
		"to", o.ToCoin, "to_amount", o.ToAmount.String())

	if err := n.journal.RecordOrder(o); err != nil {
		n.log.Warnw("journal_write_failed", "order", o.ID.String(), "err", err)
	}
	n.bcast.BroadcastAdd(o)
	n.emit(EventOrderAdded, o.Clone(), nil)
	n.engine.Trigger()
	return protocol.Reply{Handled: true, OrderID: o.ID}
}

func (n *Node) handleOrderAdd(ctx context.Context, msg protocol.Message) protocol.Reply {
	added, err := replication.ApplyAdd(n.store, msg)
	if err != nil {
		n.log.Debugw("mirror_rejected", "sender", msg.Sender, "order", msg.OrderID.String(), "err", err)
		return protocol.ErrorReply(err)
	}
	if added {
		n.metrics.MirrorsApplied.Inc()
		if err := n.journal.RecordOrder(msg.Order); err != nil {
			n.log.Warnw("journal_write_failed", "order", msg.Order.ID.String(), "err", err)
		}
		if o, err := n.store.Get(msg.Order.ID); err == nil {
			n.emit(EventOrderMirrored, o, nil)
		}
		n.engine.Trigger()
	}
	return protocol.Reply{Handled: true, OrderID: msg.Order.ID}
}

func (n *Node) handleOrderLock(ctx context.Context, msg protocol.Message) protocol.Reply {
	lockID, err := n.owner.Lock(ctx, msg.OrderID, msg.Sender)
	if err != nil {
		n.logOwnerError("lock", msg, err)
		return protocol.ErrorReply(err)
	}
	return protocol.Reply{Handled: true, OrderID: msg.OrderID, LockID: lockID}
}

func (n *Node) handleOrderUnlock(ctx context.Context, msg protocol.Message) protocol.Reply {
	if err := n.owner.Unlock(ctx, msg.OrderID, msg.Sender); err != nil {
		n.logOwnerError("unlock", msg, err)
		return protocol.ErrorReply(err)
	}
	return protocol.Reply{Handled: true, OrderID: msg.OrderID}
}

func (n *Node) handleOrderExecute(ctx context.Context, msg protocol.Message) protocol.Reply {
	if err := n.owner.Execute(ctx, msg.OrderID, msg.Sender, msg.LockID); err != nil {
		n.logOwnerError("execute", msg, err)
		return protocol.ErrorReply(err)
	}
	return protocol.Reply{Handled: true, OrderID: msg.OrderID}
}

func (n *Node) handleOrderClosed(ctx context.Context, msg protocol.Message) protocol.Reply {
	closed, err := replication.ApplyClosed(n.store, msg)
	if err != nil {
		n.log.Debugw("closure_not_applied", "sender", msg.Sender, "order", msg.OrderID.String(), "err", err)
		return protocol.ErrorReply(err)
	}
	if closed {
		n.metrics.ClosuresApplied.Inc()
		if o, err := n.store.Get(msg.OrderID); err == nil {
			n.emit(EventOrderClosed, o, nil)
		}
	}
	return protocol.Reply{Handled: true, OrderID: msg.OrderID}
}

func (n *Node) logOwnerError(op string, msg protocol.Message, err error) {
	if errors.Is(err, book.ErrOwnership) {
		n.log.Warnw("request_for_foreign_order", "op", op, "sender", msg.Sender, "order", msg.OrderID.String())
		return
	}
	n.log.Debugw("request_refused", "op", op, "sender", msg.Sender, "order", msg.OrderID.String(), "err", err)
}
