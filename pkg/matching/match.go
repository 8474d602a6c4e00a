// Package matching finds exact-sum match sets between a node's own open orders
// and the complementary orders in its mirror.
//
// Candidates are taken first-fit in store order, without re-sorting by price:
// a candidate is accepted when its asking rate is at least as good as the
// target's rate and its offered amount fits into what the target still needs.
// A match exists only when the accepted amounts sum exactly to the target's
// ToAmount; there are no partial fills.
package matching

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

// MatchSet is a target order and the counter-orders that exactly fill it.
type MatchSet struct {
	Order    *book.Order
	Counters []*book.Order
}

// Filled is the amount of the target's ToCoin the counters deliver.
func (m MatchSet) Filled() decimal.Decimal {
	sum := decimal.Zero
	for _, c := range m.Counters {
		sum = sum.Add(c.FromAmount)
	}
	return sum
}

func (m MatchSet) CounterIDs() []book.OrderID {
	ids := make([]book.OrderID, len(m.Counters))
	for i, c := range m.Counters {
		ids[i] = c.ID
	}
	return ids
}

func (m MatchSet) String() string {
	parts := make([]string, len(m.Counters))
	for i, c := range m.Counters {
		parts[i] = c.ID.String()
	}
	return m.Order.ID.String() + " <= [" + strings.Join(parts, " ") + "]"
}

// FindMatch scans candidates in order and greedily accumulates eligible ones
// until o.ToAmount is filled exactly. skip may exclude candidates the caller
// knows to be unavailable.
func FindMatch(o *book.Order, candidates []*book.Order, skip func(*book.Order) bool) (MatchSet, bool) {
	remaining := o.ToAmount
	var taken []*book.Order
	for _, c := range candidates {
		if c.ID == o.ID || c.FromCoin != o.ToCoin || c.ToCoin != o.FromCoin {
			continue
		}
		if skip != nil && skip(c) {
			continue
		}
		if !o.AcceptsOffer(c) || c.FromAmount.GreaterThan(remaining) {
			continue
		}
		taken = append(taken, c)
		remaining = remaining.Sub(c.FromAmount)
		if remaining.IsZero() {
			return MatchSet{Order: o, Counters: taken}, true
		}
	}
	return MatchSet{}, false
}
