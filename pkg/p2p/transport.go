package p2p

import (
	"context"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

// Handler serves one inbound message. For broadcasts the reply is discarded.
type Handler func(ctx context.Context, msg protocol.Message) protocol.Reply

// Transport is the peer substrate: broadcast to every peer on the shared
// topic (the sender included) and request/reply with a single peer. Neither
// guarantees delivery, ordering or exactly-once.
type Transport interface {
	Self() book.NodeID
	Peers() []book.NodeID
	SetHandler(h Handler)
	Broadcast(ctx context.Context, msg protocol.Message) error
	// Request returns the peer's reply, or an error wrapping book.ErrNetwork when
	// the peer is unreachable or ctx expires first. Application failures are
	// carried in the reply.
	Request(ctx context.Context, to book.NodeID, msg protocol.Message) (protocol.Reply, error)
	Close() error
}

// Call is Request with application failures folded into the returned error.
func Call(ctx context.Context, t Transport, to book.NodeID, msg protocol.Message) (protocol.Reply, error) {
	r, err := t.Request(ctx, to, msg)
	if err != nil {
		return r, err
	}
	return r, r.Err()
}
