package storage

import (
	"fmt"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

// Key schema:
//   ord:<owner>:<seq>          → Order as admitted or mirrored
//   cls:<owner>:<seq>          → closure time
//   match:<unix-nanos>:<id>    → MatchRecord
//
// Sequences and timestamps are zero-padded (20 digits) for lexicographic sorting.

const (
	prefixOrder  = "ord:"
	prefixClosed = "cls:"
	prefixMatch  = "match:"
)

func orderKey(id book.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixOrder, id.Owner, id.Seq))
}

func closedKey(id book.OrderID) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixClosed, id.Owner, id.Seq))
}

func matchKey(ts int64, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixMatch, ts, id))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
