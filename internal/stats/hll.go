package stats

import (
	"hash/fnv"

	hyperloglog "github.com/DataDog/hyperloglog"
)

// defaultHLLPrecision is the register-count exponent used when a field's
// configuration doesn't request one explicitly.  4..30 is the valid range
// accepted by the underlying sketch.
const defaultHLLPrecision uint8 = 6

// stringHash adapts a string to the hyperloglog.Hash32 interface expected by
// the sketch's Add method.  FNV-1a is what the upstream package itself uses
// internally for its own tests, so reusing it here keeps cardinality
// estimates stable across restarts given the same input set.
type stringHash string

// Sum32 implements the hyperloglog.Hash32 interface for stringHash.
func (s stringHash) Sum32() (h uint32) {
	f := fnv.New32a()
	_, _ = f.Write([]byte(s))

	return f.Sum32()
}

// hllAggregator is the [KindHLL] variant: a HyperLogLog cardinality sketch
// counting distinct strings added via AddString.
type hllAggregator struct {
	precision uint8
	sketch    *hyperloglog.HyperLogLog
}

var _ Aggregator = (*hllAggregator)(nil)

func newHLLAggregator(precision uint8) (a *hllAggregator, err error) {
	if precision == 0 {
		precision = defaultHLLPrecision
	}

	sk, err := hyperloglog.New(precision)
	if err != nil {
		return nil, err
	}

	return &hllAggregator{precision: precision, sketch: sk}, nil
}

func (a *hllAggregator) AddInt(int64)               {}
func (a *hllAggregator) AddString(s string)         { a.sketch.Add(stringHash(s)) }
func (a *hllAggregator) AddStringInt(string, int64) {}
func (a *hllAggregator) SubInt(int64)               {}
func (a *hllAggregator) Get() int64                 { return int64(a.sketch.Count()) }
func (a *hllAggregator) GetString(string) int64     { return 0 }
func (a *hllAggregator) Kind() Kind                 { return KindHLL }

func (a *hllAggregator) Erase() {
	sk, err := hyperloglog.New(a.precision)
	if err != nil {
		// New only fails on an out-of-range precision, which can't happen
		// here since a.precision was already validated once.
		return
	}

	a.sketch = sk
}

// Sum merges a copy of this sketch with the sketches of others and returns
// the combined cardinality estimate.  The receiver and others are left
// unmodified.
func (a *hllAggregator) Sum(others []Aggregator) (sum int64) {
	merged, err := hyperloglog.New(a.precision)
	if err != nil {
		return 0
	}

	if err = merged.Merge(a.sketch); err != nil {
		return int64(a.sketch.Count())
	}

	for _, o := range others {
		ha, ok := o.(*hllAggregator)
		if !ok {
			continue
		}

		_ = merged.Merge(ha.sketch)
	}

	return int64(merged.Count())
}

func (a *hllAggregator) SumString(string, []Aggregator) int64 { return 0 }

func (a *hllAggregator) Dump() (b []byte, err error) {
	return a.sketch.GobEncode()
}

func (a *hllAggregator) Restore(b []byte) (err error) {
	sk, err := hyperloglog.New(a.precision)
	if err != nil {
		return err
	}

	if err = sk.GobDecode(b); err != nil {
		return err
	}

	a.sketch = sk

	return nil
}
