package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/storage"
)

// SubmitOrderRequest is the body of POST /api/v1/orders.
type SubmitOrderRequest struct {
	ID         int64           `json:"id"` // client-side reference, echoed back
	FromCoin   string          `json:"fromCoin"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToCoin     string          `json:"toCoin"`
	ToAmount   decimal.Decimal `json:"toAmount"`
}

type SubmitOrderResponse struct {
	Handled bool         `json:"handled"`
	OrderID book.OrderID `json:"orderId"`
}

// BookSnapshot lists the non-closed orders of one pair in arrival order.
type BookSnapshot struct {
	FromCoin  string        `json:"fromCoin"`
	ToCoin    string        `json:"toCoin"`
	Orders    []*book.Order `json:"orders"`
	Timestamp int64         `json:"timestamp"` // Unix milliseconds
}

type MatchesResponse struct {
	Matches []storage.MatchRecord `json:"matches"`
}

type NodeStatus struct {
	Node   book.NodeID   `json:"node"`
	Peers  []book.NodeID `json:"peers"`
	Open   int           `json:"open"`
	Locked int           `json:"locked"`
	Closed int           `json:"closed"`
	Local  int           `json:"local"` // own orders still open
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WSSubscribeRequest is what a websocket client sends to pick channels.
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

const (
	ChannelOrders  = "orders"
	ChannelMatches = "matches"
)
