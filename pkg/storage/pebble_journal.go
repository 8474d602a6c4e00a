package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/uhyunpark/p2pbook/pkg/book"
)

type PebbleJournal struct {
	db *pebble.DB
}

func NewPebbleJournal(path string) (*PebbleJournal, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleJournal{db: db}, nil
}

func (j *PebbleJournal) Close() error { return j.db.Close() }

// RecordOrder persists an order the first time it is seen.
func (j *PebbleJournal) RecordOrder(o *book.Order) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	if err := j.db.Set(orderKey(o.ID), data, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save order: %w", err)
	}
	return nil
}

func (j *PebbleJournal) RecordClosed(id book.OrderID, at time.Time) error {
	val, err := at.UTC().MarshalBinary()
	if err != nil {
		return err
	}
	if err := j.db.Set(closedKey(id), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save closure: %w", err)
	}
	return nil
}

func (j *PebbleJournal) RecordMatch(m MatchRecord) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}
	if err := j.db.Set(matchKey(m.At.UnixNano(), m.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save match: %w", err)
	}
	return nil
}

// LoadOrder returns the journaled order, or nil if it was never recorded.
func (j *PebbleJournal) LoadOrder(id book.OrderID) (*book.Order, error) {
	data, closer, err := j.db.Get(orderKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	defer closer.Close()

	var o book.Order
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

// ClosedAt reports when id was journaled as closed.
func (j *PebbleJournal) ClosedAt(id book.OrderID) (time.Time, bool, error) {
	data, closer, err := j.db.Get(closedKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	defer closer.Close()

	var at time.Time
	if err := at.UnmarshalBinary(data); err != nil {
		return time.Time{}, false, err
	}
	return at, true, nil
}

func (j *PebbleJournal) RecentMatches(limit int) ([]MatchRecord, error) {
	prefix := []byte(prefixMatch)
	iter, err := j.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []MatchRecord
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var m MatchRecord
		if err := json.Unmarshal(iter.Value(), &m); err != nil {
			continue // Skip invalid entries
		}
		out = append(out, m)
	}
	return out, nil
}

var _ Journal = (*PebbleJournal)(nil)
