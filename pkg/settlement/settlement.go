// Package settlement is the asset-transfer capability the owner of an order
// invokes when it executes. Transfers are keyed by (order, lock) so a repeated
// commit for the same execution is harmless.
package settlement

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

type Transfer struct {
	OrderID      book.OrderID    `json:"orderId"`
	LockID       string          `json:"lockId"`
	Owner        book.NodeID     `json:"owner"`
	Counterparty book.NodeID     `json:"counterparty"`
	FromCoin     string          `json:"fromCoin"`
	FromAmount   decimal.Decimal `json:"fromAmount"`
	ToCoin       string          `json:"toCoin"`
	ToAmount     decimal.Decimal `json:"toAmount"`
	At           time.Time       `json:"at"`
}

// NewTransfer describes the settlement of o against the lock holder.
func NewTransfer(o *book.Order, lock book.Lock, at time.Time) Transfer {
	return Transfer{
		OrderID:      o.ID,
		LockID:       lock.ID,
		Owner:        o.Owner(),
		Counterparty: lock.Holder,
		FromCoin:     o.FromCoin,
		FromAmount:   o.FromAmount,
		ToCoin:       o.ToCoin,
		ToAmount:     o.ToAmount,
		At:           at,
	}
}

type Settler interface {
	Commit(ctx context.Context, t Transfer) error
	Close() error
}

// Nop settles nothing; funds movement is outside this node.
type Nop struct{}

func (Nop) Commit(context.Context, Transfer) error { return nil }
func (Nop) Close() error                           { return nil }
