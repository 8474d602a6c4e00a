package book

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// NodeID identifies a node. On libp2p it is the peer ID string.
type NodeID string

// OrderID is the composite key (owner, local sequence). The owner assigns Seq on
// admission, so ids never collide across nodes without coordination.
type OrderID struct {
	Owner NodeID `json:"owner"`
	Seq   uint64 `json:"seq"`
}

func (id OrderID) String() string { return fmt.Sprintf("%s/%d", id.Owner, id.Seq) }

func (id OrderID) IsZero() bool { return id.Owner == "" && id.Seq == 0 }

// ParseOrderID parses the "owner/seq" form produced by OrderID.String.
func ParseOrderID(s string) (OrderID, error) {
	i := strings.LastIndex(s, "/")
	if i <= 0 || i == len(s)-1 {
		return OrderID{}, fmt.Errorf("%w: malformed order id %q", ErrValidation, s)
	}
	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return OrderID{}, fmt.Errorf("%w: malformed order sequence %q", ErrValidation, s)
	}
	return OrderID{Owner: NodeID(s[:i]), Seq: seq}, nil
}

type Status uint8

const (
	Open Status = iota
	Locked
	Closed
)

func (s Status) String() string {
	switch s {
	case Open:
		return "open"
	case Locked:
		return "locked"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = Open
	case "locked":
		*s = Locked
	case "closed":
		*s = Closed
	default:
		return fmt.Errorf("unknown order status %q", b)
	}
	return nil
}

// Lock is present on an order iff its status is Locked.
type Lock struct {
	ID         string    `json:"id"`
	Holder     NodeID    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
}

// Order offers FromAmount of FromCoin in exchange for ToAmount of ToCoin.
type Order struct {
	ID         OrderID         `json:"id"`
	ClientID   int64           `json:"clientId"`
	FromCoin   string          `json:"fromCoin"`
	FromAmount decimal.Decimal `json:"fromAmount"`
	ToCoin     string          `json:"toCoin"`
	ToAmount   decimal.Decimal `json:"toAmount"`
	Status     Status          `json:"status"`
	Lock       *Lock           `json:"lock,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// Owner is the node that admitted the order, the only one allowed to change its status.
func (o *Order) Owner() NodeID { return o.ID.Owner }

func (o *Order) Validate() error {
	if o.FromCoin == "" || o.ToCoin == "" {
		return fmt.Errorf("%w: coin symbol missing", ErrValidation)
	}
	if o.FromCoin == o.ToCoin {
		return fmt.Errorf("%w: fromCoin and toCoin are both %q", ErrValidation, o.FromCoin)
	}
	if !o.FromAmount.IsPositive() {
		return fmt.Errorf("%w: fromAmount must be positive, got %s", ErrValidation, o.FromAmount)
	}
	if !o.ToAmount.IsPositive() {
		return fmt.Errorf("%w: toAmount must be positive, got %s", ErrValidation, o.ToAmount)
	}
	return nil
}

// Rate is what the order pays per unit it receives: FromAmount / ToAmount.
func (o *Order) Rate() decimal.Decimal { return o.FromAmount.Div(o.ToAmount) }

// OfferRate is the rate a candidate asks when seen from the opposite direction:
// ToAmount / FromAmount.
func (o *Order) OfferRate() decimal.Decimal { return o.ToAmount.Div(o.FromAmount) }

// AcceptsOffer reports whether c's asking rate is at least as good as o's rate
// (c.To/c.From <= o.From/o.To). Compared by cross-multiplication so equal rates
// are never lost to rounding.
func (o *Order) AcceptsOffer(c *Order) bool {
	return c.ToAmount.Mul(o.ToAmount).LessThanOrEqual(o.FromAmount.Mul(c.FromAmount))
}

// Clone returns a deep copy safe to hand out of the store.
func (o *Order) Clone() *Order {
	cp := *o
	if o.Lock != nil {
		l := *o.Lock
		cp.Lock = &l
	}
	return &cp
}

func (o *Order) String() string {
	return fmt.Sprintf("%s[%s %s -> %s %s %s]", o.ID, o.FromAmount, o.FromCoin, o.ToAmount, o.ToCoin, o.Status)
}
