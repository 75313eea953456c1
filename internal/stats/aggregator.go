package stats

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the variant of a [Aggregator] a field holds.  It is fixed
// for the lifetime of a field once the field is first used.
type Kind uint8

// Kind values.
const (
	// KindInt is a 32-bit running counter.
	KindInt Kind = iota

	// KindHLL is a HyperLogLog cardinality sketch.
	KindHLL

	// KindCountMin is a Count-Min frequency sketch.
	KindCountMin
)

// String implements the fmt.Stringer interface for Kind.
func (k Kind) String() (s string) {
	switch k {
	case KindInt:
		return "int"
	case KindHLL:
		return "hll"
	case KindCountMin:
		return "countmin"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Aggregator is the per-slot stored value.  Not every method is meaningful
// for every variant; a call that doesn't apply to the receiver's kind is a
// no-op that returns the zero value, exactly as spec.md §4.1 describes for
// misuse: it never panics, the caller logs at warn level instead.
type Aggregator interface {
	// AddInt adds an integer to the stored value.  Only meaningful for
	// [KindInt].
	AddInt(n int64)

	// AddString records an occurrence of s.  Meaningful for [KindHLL] (added
	// to the sketch) and [KindCountMin] (count +1).
	AddString(s string)

	// AddStringInt records n occurrences of s.  Only meaningful for
	// [KindCountMin].
	AddStringInt(s string, n int64)

	// SubInt subtracts an integer from the stored value.  Only meaningful
	// for [KindInt].
	SubInt(n int64)

	// Get returns the current stat as an integer.  Meaningful for [KindInt]
	// (the counter) and [KindHLL] (the cardinality estimate).
	Get() int64

	// GetString returns the current stat for probe s.  Only meaningful for
	// [KindCountMin] (the estimated frequency of s).
	GetString(s string) int64

	// Erase zeros the slot in place without reallocating.
	Erase()

	// Sum combines this aggregator with others from the same field's ring
	// into a single integer.  Meaningful for [KindInt] (arithmetic sum) and
	// [KindHLL] (merge then estimate).
	Sum(others []Aggregator) int64

	// SumString combines the estimates for probe s across others.  Only
	// meaningful for [KindCountMin].
	SumString(s string, others []Aggregator) int64

	// Dump serialises the slot's state for cross-version persistence.
	Dump() ([]byte, error)

	// Restore reconstructs the slot's state from a Dump of the same version
	// and kind.
	Restore(b []byte) error

	// Kind returns the aggregator's variant.
	Kind() Kind
}

// NewAggregator returns a fresh, empty [Aggregator] of the given kind.  For
// [KindHLL], precision configures the register count (4-30 bits, default 6
// when precision is 0).  For [KindCountMin], eps and gamma parameterise width
// and depth; when either is 0, defaults of eps=0.001 and gamma=0.01 are used.
func NewAggregator(kind Kind, precision uint8, eps, gamma float64) (a Aggregator, err error) {
	switch kind {
	case KindInt:
		return &intAggregator{}, nil
	case KindHLL:
		return newHLLAggregator(precision)
	case KindCountMin:
		return newCountMinAggregator(eps, gamma), nil
	default:
		return nil, fmt.Errorf("stats: unknown aggregator kind %d", kind)
	}
}

// intAggregator is the [KindInt] variant: a plain 32-bit running counter kept
// in an int64 to avoid repeated overflow checks; dump/restore truncate to
// uint32 network-byte-order, as recorded in SPEC_FULL.md §7.1.
type intAggregator struct {
	n int64
}

var _ Aggregator = (*intAggregator)(nil)

func (a *intAggregator) AddInt(n int64)             { a.n += n }
func (a *intAggregator) AddString(string)           {}
func (a *intAggregator) AddStringInt(string, int64) {}
func (a *intAggregator) SubInt(n int64)             { a.n -= n }
func (a *intAggregator) Get() int64                 { return a.n }
func (a *intAggregator) GetString(string) int64     { return 0 }
func (a *intAggregator) Erase()                     { a.n = 0 }
func (a *intAggregator) Kind() Kind                 { return KindInt }

func (a *intAggregator) Sum(others []Aggregator) (sum int64) {
	sum = a.n

	for _, o := range others {
		if ia, ok := o.(*intAggregator); ok {
			sum += ia.n
		}
	}

	return sum
}

func (a *intAggregator) SumString(string, []Aggregator) int64 { return 0 }

func (a *intAggregator) Dump() (b []byte, err error) {
	b = make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(a.n))

	return b, nil
}

func (a *intAggregator) Restore(b []byte) (err error) {
	if len(b) != 4 {
		return fmt.Errorf("stats: int aggregator: want 4 bytes, got %d", len(b))
	}

	a.n = int64(int32(binary.BigEndian.Uint32(b)))

	return nil
}
