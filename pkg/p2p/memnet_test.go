package p2p

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

type inbox struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (b *inbox) handler(ctx context.Context, m protocol.Message) protocol.Reply {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
	return protocol.Reply{Handled: true, OrderID: m.OrderID}
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

func waitLen(t *testing.T, b *inbox, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("got %d messages, want %d", b.len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemNet_BroadcastReachesEveryoneIncludingSender(t *testing.T) {
	net := NewMemNet()
	boxes := map[book.NodeID]*inbox{}
	var trs []*MemTransport
	for _, id := range []book.NodeID{"a", "b", "c"} {
		tr := net.Join(id)
		boxes[id] = &inbox{}
		tr.SetHandler(boxes[id].handler)
		trs = append(trs, tr)
	}

	if err := trs[0].Broadcast(context.Background(), protocol.Message{Type: protocol.OrderClosed, Sender: "a"}); err != nil {
		t.Fatal(err)
	}
	for id, b := range boxes {
		waitLen(t, b, 1)
		if b.msgs[0].Sender != "a" {
			t.Fatalf("%s got sender %s", id, b.msgs[0].Sender)
		}
	}
	if peers := trs[0].Peers(); len(peers) != 2 || peers[0] != "b" || peers[1] != "c" {
		t.Fatalf("Peers() = %v", peers)
	}
}

func TestMemNet_Request(t *testing.T) {
	net := NewMemNet()
	a := net.Join("a")
	b := net.Join("b")
	box := &inbox{}
	b.SetHandler(box.handler)

	id := book.OrderID{Owner: "b", Seq: 1}
	r, err := a.Request(context.Background(), "b", protocol.Message{Type: protocol.OrderLock, Sender: "a", OrderID: id})
	if err != nil || !r.Handled || r.OrderID != id {
		t.Fatalf("Request = %+v, %v", r, err)
	}

	if _, err := a.Request(context.Background(), "zz", protocol.Message{}); !errors.Is(err, book.ErrNetwork) {
		t.Fatalf("Request(unknown) = %v, want ErrNetwork", err)
	}
}

func TestMemNet_DroppedRequestTimesOut(t *testing.T) {
	net := NewMemNet()
	a := net.Join("a")
	b := net.Join("b")
	box := &inbox{}
	b.SetHandler(box.handler)
	net.SetDrop(func(from, to book.NodeID, m protocol.Message) bool { return to == "b" })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := a.Request(ctx, "b", protocol.Message{Type: protocol.OrderLock}); !errors.Is(err, book.ErrNetwork) {
		t.Fatalf("Request = %v, want ErrNetwork", err)
	}
	if box.len() != 0 {
		t.Fatal("dropped request was delivered")
	}
}

func TestMemNet_MessagesAreCopied(t *testing.T) {
	net := NewMemNet()
	a := net.Join("a")
	b := net.Join("b")
	var got *book.Order
	b.SetHandler(func(ctx context.Context, m protocol.Message) protocol.Reply {
		got = m.Order
		return protocol.Reply{Handled: true}
	})

	o := &book.Order{ID: book.OrderID{Owner: "a", Seq: 1}, Status: book.Open}
	if _, err := a.Request(context.Background(), "b", protocol.Message{Order: o}); err != nil {
		t.Fatal(err)
	}
	o.Status = book.Closed
	if got == nil || got.Status != book.Open {
		t.Fatal("receiver shares the sender's order")
	}
}

func TestCall_FoldsRemoteError(t *testing.T) {
	net := NewMemNet()
	a := net.Join("a")
	b := net.Join("b")
	b.SetHandler(func(ctx context.Context, m protocol.Message) protocol.Reply {
		return protocol.ErrorReply(book.ErrOwnership)
	})
	if _, err := Call(context.Background(), a, "b", protocol.Message{}); !errors.Is(err, book.ErrOwnership) {
		t.Fatalf("Call = %v, want ErrOwnership", err)
	}
}
