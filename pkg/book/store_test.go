package book

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func order(owner NodeID, seq uint64, from string, fromAmt int64, to string, toAmt int64) *Order {
	return &Order{
		ID:         OrderID{Owner: owner, Seq: seq},
		FromCoin:   from,
		FromAmount: decimal.NewFromInt(fromAmt),
		ToCoin:     to,
		ToAmount:   decimal.NewFromInt(toAmt),
		Status:     Open,
	}
}

func TestOrder_Validate(t *testing.T) {
	tests := []struct {
		name    string
		o       *Order
		wantErr bool
	}{
		{"valid", order("a", 1, "btc", 5, "eth", 10), false},
		{"same coin", order("a", 1, "btc", 5, "btc", 10), true},
		{"missing coin", order("a", 1, "", 5, "eth", 10), true},
		{"zero from amount", order("a", 1, "btc", 0, "eth", 10), true},
		{"negative to amount", order("a", 1, "btc", 5, "eth", -1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.o.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Fatalf("Validate() = %v, want ErrValidation", err)
			}
		})
	}
}

func TestOrder_AcceptsOffer(t *testing.T) {
	a := order("a", 1, "btc", 5, "eth", 10) // pays 0.5 btc per eth
	tests := []struct {
		name string
		c    *Order
		want bool
	}{
		{"equal rate", order("b", 1, "eth", 10, "btc", 5), true},
		{"better rate", order("b", 2, "eth", 10, "btc", 4), true},
		{"worse rate", order("b", 3, "eth", 10, "btc", 6), false},
		{"better rate odd amounts", order("b", 4, "eth", 3, "btc", 1), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := a.AcceptsOffer(tt.c); got != tt.want {
				t.Errorf("AcceptsOffer(%s) = %v, want %v", tt.c, got, tt.want)
			}
		})
	}
}

func TestOrderID_ParseRoundTrip(t *testing.T) {
	id := OrderID{Owner: "12D3KooWabc", Seq: 42}
	got, err := ParseOrderID(id.String())
	if err != nil {
		t.Fatalf("ParseOrderID: %v", err)
	}
	if got != id {
		t.Fatalf("ParseOrderID(%q) = %v, want %v", id.String(), got, id)
	}
	if _, err := ParseOrderID("no-seq"); err == nil {
		t.Fatal("expected error for id without sequence")
	}
}

func TestStore_AddRejectsInvalidAndDuplicate(t *testing.T) {
	s := NewStore()
	if err := s.Add(order("a", 1, "btc", 0, "eth", 10)); !errors.Is(err, ErrValidation) {
		t.Fatalf("Add invalid = %v, want ErrValidation", err)
	}
	if len(s.All()) != 0 {
		t.Fatal("invalid order was stored")
	}
	o := order("a", 1, "btc", 5, "eth", 10)
	if err := s.Add(o); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add(o); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate Add = %v, want ErrConflict", err)
	}
}

func TestStore_AddMirrorIdempotent(t *testing.T) {
	s := NewStore()
	o := order("b", 1, "eth", 10, "btc", 5)
	added, err := s.AddMirror(o)
	if err != nil || !added {
		t.Fatalf("first AddMirror = %v, %v", added, err)
	}
	added, err = s.AddMirror(o)
	if err != nil || added {
		t.Fatalf("second AddMirror = %v, %v; want not added", added, err)
	}
	if n := len(s.ByPair("eth", "btc")); n != 1 {
		t.Fatalf("ByPair has %d orders, want 1", n)
	}
}

func TestStore_AddMirrorDropsForeignLock(t *testing.T) {
	s := NewStore()
	o := order("b", 1, "eth", 10, "btc", 5)
	o.Status = Locked
	o.Lock = &Lock{ID: "x", Holder: "c"}
	if _, err := s.AddMirror(o); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(o.ID)
	if got.Status != Open || got.Lock != nil {
		t.Fatalf("mirror = %s lock=%v, want open without lock", got.Status, got.Lock)
	}
}

func TestStore_ClosedBeforeAdd(t *testing.T) {
	s := NewStore()
	id := OrderID{Owner: "b", Seq: 7}
	if _, err := s.MarkClosed(id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("MarkClosed unknown = %v, want ErrNotFound", err)
	}
	if _, err := s.AddMirror(order("b", 7, "eth", 10, "btc", 5)); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(id)
	if got.Status != Closed {
		t.Fatalf("late mirror status = %s, want closed", got.Status)
	}
	if len(s.ByPair("eth", "btc")) != 0 {
		t.Fatal("closed order listed in ByPair")
	}
}

func TestStore_UpdateTransitions(t *testing.T) {
	s := NewStore()
	o := order("a", 1, "btc", 5, "eth", 10)
	if err := s.Add(o); err != nil {
		t.Fatal(err)
	}
	lock := &Lock{ID: "l1", Holder: "b", AcquiredAt: time.Unix(0, 0)}

	// Open -> Closed skips the lock and is refused.
	_, err := s.Update(o.ID, func(x *Order) error { x.Status = Closed; return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("open->closed = %v, want ErrConflict", err)
	}

	// Locked without a lock record is refused.
	_, err = s.Update(o.ID, func(x *Order) error { x.Status = Locked; return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("locked without lock = %v, want ErrConflict", err)
	}

	got, err := s.Update(o.ID, func(x *Order) error { x.Status = Locked; x.Lock = lock; return nil })
	if err != nil || got.Status != Locked {
		t.Fatalf("open->locked = %v, %v", got, err)
	}

	// A held lock cannot be swapped for another one.
	_, err = s.Update(o.ID, func(x *Order) error { x.Lock = &Lock{ID: "l2", Holder: "c"}; return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("lock replace = %v, want ErrConflict", err)
	}

	got, err = s.Update(o.ID, func(x *Order) error { x.Status = Closed; x.Lock = nil; return nil })
	if err != nil || got.Status != Closed {
		t.Fatalf("locked->closed = %v, %v", got, err)
	}

	// Closed is terminal.
	_, err = s.Update(o.ID, func(x *Order) error { x.Status = Open; return nil })
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("closed->open = %v, want ErrConflict", err)
	}
}

func TestStore_GetReturnsCopy(t *testing.T) {
	s := NewStore()
	o := order("a", 1, "btc", 5, "eth", 10)
	if err := s.Add(o); err != nil {
		t.Fatal(err)
	}
	got, _ := s.Get(o.ID)
	got.Status = Closed
	again, _ := s.Get(o.ID)
	if again.Status != Open {
		t.Fatal("caller mutated stored order")
	}
}

func TestStore_LocalAndStats(t *testing.T) {
	s := NewStore()
	_ = s.Add(order("a", 1, "btc", 5, "eth", 10))
	_ = s.Add(order("a", 2, "eth", 1, "sol", 1))
	_, _ = s.AddMirror(order("b", 1, "eth", 10, "btc", 5))

	if n := len(s.Local("a")); n != 2 {
		t.Fatalf("Local(a) = %d orders, want 2", n)
	}
	if n := len(s.Local("b")); n != 1 {
		t.Fatalf("Local(b) = %d orders, want 1", n)
	}
	if st := s.Stats(); st.Open != 3 || st.Locked != 0 || st.Closed != 0 {
		t.Fatalf("Stats = %+v", st)
	}
	if s.NextSeq() != 1 || s.NextSeq() != 2 {
		t.Fatal("NextSeq not sequential")
	}
}
