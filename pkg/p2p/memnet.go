package p2p

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

// DropFunc decides whether a message from one node to another is lost.
// A dropped request looks like a peer that never answers.
type DropFunc func(from, to book.NodeID, msg protocol.Message) bool

// MemNet is an in-process network joining several nodes, used by tests and by
// the single-process demo. Broadcasts reach every member including the sender.
type MemNet struct {
	mu      sync.RWMutex
	members map[book.NodeID]*MemTransport
	drop    DropFunc
	latency time.Duration
}

func NewMemNet() *MemNet {
	return &MemNet{members: make(map[book.NodeID]*MemTransport)}
}

func (m *MemNet) Join(id book.NodeID) *MemTransport {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &MemTransport{net: m, id: id}
	m.members[id] = t
	return t
}

func (m *MemNet) SetDrop(fn DropFunc) { m.mu.Lock(); m.drop = fn; m.mu.Unlock() }

func (m *MemNet) SetLatency(d time.Duration) { m.mu.Lock(); m.latency = d; m.mu.Unlock() }

func (m *MemNet) leave(id book.NodeID) {
	m.mu.Lock()
	delete(m.members, id)
	m.mu.Unlock()
}

func (m *MemNet) route(from, to book.NodeID, msg protocol.Message) (*MemTransport, time.Duration, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.members[to]
	if !ok {
		return nil, 0, false
	}
	if m.drop != nil && m.drop(from, to, msg) {
		return t, m.latency, false
	}
	return t, m.latency, true
}

func (m *MemNet) ids() []book.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]book.NodeID, 0, len(m.members))
	for id := range m.members {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type MemTransport struct {
	net *MemNet
	id  book.NodeID

	mu      sync.RWMutex
	handler Handler
}

func (t *MemTransport) Self() book.NodeID { return t.id }

func (t *MemTransport) Peers() []book.NodeID {
	var out []book.NodeID
	for _, id := range t.net.ids() {
		if id != t.id {
			out = append(out, id)
		}
	}
	return out
}

func (t *MemTransport) SetHandler(h Handler) { t.mu.Lock(); t.handler = h; t.mu.Unlock() }

func (t *MemTransport) getHandler() Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.handler
}

func (t *MemTransport) Broadcast(ctx context.Context, msg protocol.Message) error {
	for _, id := range t.net.ids() {
		dst, latency, ok := t.net.route(t.id, id, msg)
		if !ok {
			continue
		}
		m := cloneMessage(msg)
		go func() {
			if latency > 0 {
				time.Sleep(latency)
			}
			if h := dst.getHandler(); h != nil {
				h(context.Background(), m)
			}
		}()
	}
	return nil
}

func (t *MemTransport) Request(ctx context.Context, to book.NodeID, msg protocol.Message) (protocol.Reply, error) {
	dst, latency, ok := t.net.route(t.id, to, msg)
	if dst == nil {
		return protocol.Reply{}, fmt.Errorf("%w: unknown peer %s", book.ErrNetwork, to)
	}
	if !ok {
		<-ctx.Done()
		return protocol.Reply{}, fmt.Errorf("%w: %s: %v", book.ErrNetwork, to, ctx.Err())
	}

	done := make(chan protocol.Reply, 1)
	m := cloneMessage(msg)
	go func() {
		if latency > 0 {
			time.Sleep(latency)
		}
		h := dst.getHandler()
		if h == nil {
			done <- protocol.Reply{Code: protocol.CodeNetwork, Error: "no handler"}
			return
		}
		done <- h(context.Background(), m)
	}()

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return protocol.Reply{}, fmt.Errorf("%w: %s: %v", book.ErrNetwork, to, ctx.Err())
	}
}

func (t *MemTransport) Close() error {
	t.net.leave(t.id)
	return nil
}

// cloneMessage keeps members from sharing order pointers, as a real wire would.
func cloneMessage(m protocol.Message) protocol.Message {
	if m.Order != nil {
		m.Order = m.Order.Clone()
	}
	if m.Client != nil {
		c := *m.Client
		m.Client = &c
	}
	return m
}

var _ Transport = (*MemTransport)(nil)
