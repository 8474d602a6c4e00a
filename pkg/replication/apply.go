package replication

import (
	"fmt"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/protocol"
)

// ApplyAdd stores the mirror carried by an ORDER_ADD. Repeats are ignored.
func ApplyAdd(s *book.Store, msg protocol.Message) (bool, error) {
	if msg.Order == nil {
		return false, fmt.Errorf("%w: ORDER_ADD without order", book.ErrValidation)
	}
	if msg.Order.ID.Owner != msg.Sender {
		// only the owner announces its orders
		return false, fmt.Errorf("%w: %s announced by %s", book.ErrOwnership, msg.Order.ID, msg.Sender)
	}
	return s.AddMirror(msg.Order)
}

// ApplyClosed closes the mirror named by an ORDER_CLOSED. Already closed
// orders are left as they are.
func ApplyClosed(s *book.Store, msg protocol.Message) (bool, error) {
	if msg.OrderID.Owner != msg.Sender {
		return false, fmt.Errorf("%w: closure of %s sent by %s", book.ErrOwnership, msg.OrderID, msg.Sender)
	}
	return s.MarkClosed(msg.OrderID)
}
