package node

import (
	"time"

	"github.com/uhyunpark/p2pbook/pkg/book"
	"github.com/uhyunpark/p2pbook/pkg/matching"
)

type EventType string

const (
	EventOrderAdded    EventType = "order_added"
	EventOrderMirrored EventType = "order_mirrored"
	EventOrderLocked   EventType = "order_locked"
	EventOrderUnlocked EventType = "order_unlocked"
	EventOrderClosed   EventType = "order_closed"
	EventMatchDone     EventType = "match_done"
	EventMatchPartial  EventType = "match_partial"
	EventMatchAborted  EventType = "match_aborted"
)

// Event is what a node reports to its listeners.
type Event struct {
	Type  EventType    `json:"type"`
	Node  book.NodeID  `json:"node"`
	Order *book.Order  `json:"order,omitempty"`
	Match *MatchReport `json:"match,omitempty"`
	At    time.Time    `json:"at"`
}

type MatchReport struct {
	Order    book.OrderID   `json:"order"`
	Counters []book.OrderID `json:"counters"`
	Executed []book.OrderID `json:"executed,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func matchEvent(m matching.MatchSet, r matching.Result) (EventType, *MatchReport) {
	rep := &MatchReport{Order: m.Order.ID, Counters: m.CounterIDs(), Executed: r.Executed}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	switch r.Outcome {
	case matching.Done:
		return EventMatchDone, rep
	case matching.PartiallyExecuted:
		return EventMatchPartial, rep
	default:
		return EventMatchAborted, rep
	}
}

func statusEvent(o *book.Order) EventType {
	switch o.Status {
	case book.Locked:
		return EventOrderLocked
	case book.Closed:
		return EventOrderClosed
	default:
		return EventOrderUnlocked
	}
}
