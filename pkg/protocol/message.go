// Package protocol defines the messages exchanged between nodes and between
// clients and nodes.
package protocol

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

type MsgType string

const (
	ClientOrderAdd MsgType = "CLIENT_ORDER_ADD"
	OrderAdd       MsgType = "ORDER_ADD"
	OrderLock      MsgType = "ORDER_LOCK"
	OrderUnlock    MsgType = "ORDER_UNLOCK"
	OrderExecute   MsgType = "ORDER_EXECUTE"
	OrderClosed    MsgType = "ORDER_CLOSED"
)

// ClientOrder is an order as submitted by an external client, before the
// receiving node assigns it an id.
type ClientOrder struct {
	ID         int64           `json:"id"`
	FromCoin   string          `json:"fromCoin"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToCoin     string          `json:"toCoin"`
	ToAmount   decimal.Decimal `json:"toAmount"`
}

// Message is the single envelope for every request and broadcast. Which fields
// are set depends on Type:
//
//	CLIENT_ORDER_ADD  Sender, Client
//	ORDER_ADD         Sender, Order
//	ORDER_LOCK        Sender, OrderID
//	ORDER_UNLOCK      Sender, OrderID
//	ORDER_EXECUTE     Sender, OrderID, LockID
//	ORDER_CLOSED      Sender, OrderID
type Message struct {
	Type    MsgType      `json:"type"`
	Sender  book.NodeID  `json:"sender"`
	Client  *ClientOrder `json:"client,omitempty"`
	Order   *book.Order  `json:"order,omitempty"`
	OrderID book.OrderID `json:"orderId"`
	LockID  string       `json:"lockId,omitempty"`
}

type Reply struct {
	Handled bool         `json:"handled"`
	OrderID book.OrderID `json:"orderId"`
	LockID  string       `json:"lockId,omitempty"`
	Code    Code         `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
}
