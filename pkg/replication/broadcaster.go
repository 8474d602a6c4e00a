// Package replication pushes order admissions and closures to every peer and
// applies the ones received. Pushes are fire-and-forget: no ack, no retry.
package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/metrics"
	"github.com/uhyunpark/p2pbook/pkg/p2p"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

type Broadcaster struct {
	tr      p2p.Transport
	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	timeout time.Duration

	wg sync.WaitGroup
}

func NewBroadcaster(tr p2p.Transport, log *zap.SugaredLogger, m *metrics.Metrics, timeout time.Duration) *Broadcaster {
	return &Broadcaster{tr: tr, log: log, metrics: m, timeout: timeout}
}

func (b *Broadcaster) BroadcastAdd(o *book.Order) {
	b.publish(protocol.Message{
		Type:    protocol.OrderAdd,
		Sender:  b.tr.Self(),
		Order:   o.Clone(),
		OrderID: o.ID,
	})
}

func (b *Broadcaster) BroadcastClosed(id book.OrderID) {
	b.publish(protocol.Message{
		Type:    protocol.OrderClosed,
		Sender:  b.tr.Self(),
		OrderID: id,
	})
}

func (b *Broadcaster) publish(msg protocol.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		defer cancel()
		if err := b.tr.Broadcast(ctx, msg); err != nil {
			b.metrics.BroadcastFailures.WithLabelValues(string(msg.Type)).Inc()
			b.log.Warnw("broadcast_failed", "type", msg.Type, "order", msg.OrderID.String(), "err", err)
			return
		}
		b.log.Debugw("broadcast_sent", "type", msg.Type, "order", msg.OrderID.String())
	}()
}

// Wait blocks until every pending broadcast has been handed to the transport.
func (b *Broadcaster) Wait() { b.wg.Wait() }
