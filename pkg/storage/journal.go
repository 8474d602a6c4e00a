package storage

import (
	"sync"
	"time"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

type MatchOutcome string

const (
	MatchDone    MatchOutcome = "done"
	MatchPartial MatchOutcome = "partial"
)

// MatchRecord is the audit entry for a finished match attempt.
type MatchRecord struct {
	ID        string         `json:"id"`
	Initiator book.NodeID    `json:"initiator"`
	Order     book.OrderID   `json:"order"`
	Counters  []book.OrderID `json:"counters"`
	Executed  []book.OrderID `json:"executed"`
	Outcome   MatchOutcome   `json:"outcome"`
	At        time.Time      `json:"at"`
}

// Journal is an append-only audit trail. It is never replayed on startup.
type Journal interface {
	RecordOrder(o *book.Order) error
	RecordClosed(id book.OrderID, at time.Time) error
	RecordMatch(m MatchRecord) error
	// RecentMatches returns up to limit records, newest first.
	RecentMatches(limit int) ([]MatchRecord, error)
	Close() error
}

type NopJournal struct{}

func NewNopJournal() *NopJournal                               { return &NopJournal{} }
func (*NopJournal) RecordOrder(*book.Order) error              { return nil }
func (*NopJournal) RecordClosed(book.OrderID, time.Time) error { return nil }
func (*NopJournal) RecordMatch(MatchRecord) error              { return nil }
func (*NopJournal) RecentMatches(int) ([]MatchRecord, error)   { return nil, nil }
func (*NopJournal) Close() error                               { return nil }

// MemJournal keeps the most recent matches in memory.
type MemJournal struct {
	mu      sync.Mutex
	max     int
	matches []MatchRecord
}

func NewMemJournal(max int) *MemJournal { return &MemJournal{max: max} }

func (*MemJournal) RecordOrder(*book.Order) error              { return nil }
func (*MemJournal) RecordClosed(book.OrderID, time.Time) error { return nil }
func (*MemJournal) Close() error                               { return nil }

func (j *MemJournal) RecordMatch(m MatchRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.matches = append(j.matches, m)
	if j.max > 0 && len(j.matches) > j.max {
		j.matches = j.matches[len(j.matches)-j.max:]
	}
	return nil
}

func (j *MemJournal) RecentMatches(limit int) ([]MatchRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []MatchRecord
	for i := len(j.matches) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, j.matches[i])
	}
	return out, nil
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*MemJournal)(nil)
