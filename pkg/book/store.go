package book

import (
	"fmt"
	"sync"
	"sync/atomic"
)

type pair struct{ from, to string }

// Store is a node's in-memory table of every order it knows about: its own
// orders and read-only mirrors of peer orders. Orders are never deleted;
// closed orders stay for auditing but are invisible to ByPair.
type Store struct {
	mu     sync.RWMutex
	orders map[OrderID]*Order
	byPair map[pair][]*Order // insertion order
	all    []*Order          // insertion order

	// closure notices that arrived before the order itself
	tombstones map[OrderID]struct{}

	seq atomic.Uint64
}

func NewStore() *Store {
	return &Store{
		orders:     make(map[OrderID]*Order),
		byPair:     make(map[pair][]*Order),
		tombstones: make(map[OrderID]struct{}),
	}
}

// NextSeq returns the next local sequence number for orders admitted by this node.
func (s *Store) NextSeq() uint64 { return s.seq.Add(1) }

// Add stores a newly admitted order. Malformed orders are never stored.
func (s *Store) Add(o *Order) error {
	if err := o.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("%w: duplicate order %s", ErrConflict, o.ID)
	}
	s.insert(o.Clone())
	return nil
}

// AddMirror applies a replicated order. It is idempotent: an id already present
// is ignored and reported as not added.
func (s *Store) AddMirror(o *Order) (bool, error) {
	if err := o.Validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return false, nil
	}
	m := o.Clone()
	m.Lock = nil
	if m.Status == Locked {
		m.Status = Open
	}
	if _, ok := s.tombstones[o.ID]; ok {
		delete(s.tombstones, o.ID)
		m.Status = Closed
	}
	s.insert(m)
	return true, nil
}

func (s *Store) insert(o *Order) {
	s.orders[o.ID] = o
	k := pair{o.FromCoin, o.ToCoin}
	s.byPair[k] = append(s.byPair[k], o)
	s.all = append(s.all, o)
}

func (s *Store) Get(id OrderID) (*Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return o.Clone(), nil
}

// ByPair returns the Open and Locked orders offering from and asking for to,
// in insertion order.
func (s *Store) ByPair(from, to string) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.byPair[pair{from, to}] {
		if o.Status != Closed {
			out = append(out, o.Clone())
		}
	}
	return out
}

// Local returns the Open orders owned by owner, in insertion order.
func (s *Store) Local(owner NodeID) []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Order
	for _, o := range s.all {
		if o.ID.Owner == owner && o.Status == Open {
			out = append(out, o.Clone())
		}
	}
	return out
}

// MarkClosed applies a closure notice. Already closed orders are left alone.
// A notice for an unknown order is remembered so a late ORDER_ADD for it is
// stored closed.
func (s *Store) MarkClosed(id OrderID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		s.tombstones[id] = struct{}{}
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if o.Status == Closed {
		return false, nil
	}
	o.Status = Closed
	o.Lock = nil
	return true, nil
}

// Update runs fn on the stored order under the store lock and applies the
// resulting status and lock if the transition is legal. fn receives a copy; a
// returned error discards the change. Only the owner side of the lock protocol
// calls Update.
func (s *Store) Update(id OrderID, fn func(o *Order) error) (*Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := checkTransition(cur, next); err != nil {
		return nil, err
	}
	cur.Status = next.Status
	cur.Lock = next.Lock
	return cur.Clone(), nil
}

func checkTransition(cur, next *Order) error {
	if (next.Status == Locked) != (next.Lock != nil) {
		return fmt.Errorf("%w: %s lock presence disagrees with status %s", ErrConflict, cur.ID, next.Status)
	}
	if cur.Status == next.Status {
		if cur.Status == Locked && *cur.Lock != *next.Lock {
			return fmt.Errorf("%w: %s lock replaced in place", ErrConflict, cur.ID)
		}
		return nil
	}
	switch {
	case cur.Status == Open && next.Status == Locked,
		cur.Status == Locked && next.Status == Closed,
		cur.Status == Locked && next.Status == Open:
		return nil
	}
	return fmt.Errorf("%w: %s cannot move %s -> %s", ErrConflict, cur.ID, cur.Status, next.Status)
}

// All returns every stored order in insertion order.
func (s *Store) All() []*Order {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Order, 0, len(s.all))
	for _, o := range s.all {
		out = append(out, o.Clone())
	}
	return out
}

// Stats counts stored orders by status.
type Stats struct {
	Open   int `json:"open"`
	Locked int `json:"locked"`
	Closed int `json:"closed"`
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	for _, o := range s.all {
		switch o.Status {
		case Open:
			st.Open++
		case Locked:
			st.Locked++
		case Closed:
			st.Closed++
		}
	}
	return st
}
