package swiftsync

import (
	"testing"

	"github.com/btcsuite/btcd/wire"
)

func TestAggregatorCommutative(t *testing.T) {
	salt := NewSalt()
	op1 := wire.OutPoint{Index: 0}
	op2 := wire.OutPoint{Index: 1}
	t1 := salt.Tag(op1, []byte{0xab}, 5000, 100)
	t2 := salt.Tag(op2, []byte{0xcd}, 7000, 100)

	var a, b Aggregator
	a.Apply(Aggregator(t1))
	a.Apply(Aggregator(t2))

	b.Apply(Aggregator(t2))
	b.Apply(Aggregator(t1))

	if a != b {
		t.Fatalf("aggregator is not commutative: %v != %v", a, b)
	}
}

func TestAggregatorCreateThenSpendCancels(t *testing.T) {
	salt := NewSalt()
	op := wire.OutPoint{Index: 3}
	tag := salt.Tag(op, []byte{0x01, 0x02}, 123456, 42)

	var agg Aggregator
	agg.Apply(Aggregator(tag)) // output created
	agg.Apply(Aggregator(tag)) // output spent, same tag cancels via XOR

	if !agg.IsIdentity() {
		t.Fatalf("expected identity after create+spend, got %v", agg)
	}
}

func TestAggregatorDistinctOutputsDontCancel(t *testing.T) {
	salt := NewSalt()
	op1 := wire.OutPoint{Index: 0}
	op2 := wire.OutPoint{Index: 1}
	t1 := salt.Tag(op1, []byte{0x01}, 100, 1)
	t2 := salt.Tag(op2, []byte{0x02}, 200, 1)

	if t1 == t2 {
		t.Fatal("distinct outpoints produced the same tag")
	}

	var agg Aggregator
	agg.Apply(Aggregator(t1))
	if agg.IsIdentity() {
		t.Fatal("single unmatched tag should not be identity")
	}
}

func TestSaltDiffersPerDraw(t *testing.T) {
	s1 := NewSalt()
	s2 := NewSalt()
	if s1 == s2 {
		t.Fatal("two salt draws collided; RNG is broken")
	}
}
