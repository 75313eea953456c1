package stats

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// defaultCountMinEps and defaultCountMinGamma are the error-bound and
// failure-probability parameters used when a field's configuration doesn't
// request its own.  At these defaults the sketch is 2719 counters wide
// (ceil(e/eps)) and 5 rows deep (ceil(ln(1/gamma))), matching the ext/count_min_sketch.hpp defaults this variant is grounded
// on.
const (
	defaultCountMinEps   = 0.001
	defaultCountMinGamma = 0.01
)

// countMinAggregator is the [KindCountMin] variant: an approximate frequency
// table over strings, implemented as a classic Count-Min sketch (Cormode &
// Muthukrishnan).  There is no ready-made Count-Min implementation anywhere
// in the dependency set this service draws from, so this is hand-written
// directly against the width/depth/update/estimate algorithm rather than
// adapted from a library.
type countMinAggregator struct {
	width uint32
	depth uint32
	table [][]int64
}

var _ Aggregator = (*countMinAggregator)(nil)

func newCountMinAggregator(eps, gamma float64) (a *countMinAggregator) {
	if eps <= 0 {
		eps = defaultCountMinEps
	}

	if gamma <= 0 {
		gamma = defaultCountMinGamma
	}

	width := uint32(math.Ceil(math.E / eps))
	depth := uint32(math.Ceil(math.Log(1 / gamma)))

	if width == 0 {
		width = 1
	}

	if depth == 0 {
		depth = 1
	}

	return buildCountMin(width, depth)
}

func buildCountMin(width, depth uint32) (a *countMinAggregator) {
	table := make([][]int64, depth)
	for i := range table {
		table[i] = make([]int64, width)
	}

	return &countMinAggregator{width: width, depth: depth, table: table}
}

// row hashes s into row d's range.  Each row uses a distinct, fixed salt
// (its own index) rather than a random seed, so the mapping from string to
// counter is reproducible across process restarts and after Restore.
func (a *countMinAggregator) row(d int, s string) (idx uint32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte{byte(d), byte(d >> 8)})
	_, _ = h.Write([]byte(s))

	return uint32(h.Sum64() % uint64(a.width))
}

func (a *countMinAggregator) AddInt(int64) {}

func (a *countMinAggregator) AddString(s string) { a.AddStringInt(s, 1) }

func (a *countMinAggregator) AddStringInt(s string, n int64) {
	for d := range int(a.depth) {
		idx := a.row(d, s)
		a.table[d][idx] += n
	}
}

func (a *countMinAggregator) SubInt(int64) {}

func (a *countMinAggregator) Get() int64 { return 0 }

// GetString returns the minimum of the counters the probe hashes to across
// all rows, the Count-Min sketch's point estimate.
func (a *countMinAggregator) GetString(s string) (n int64) {
	n = math.MaxInt64
	for d := range int(a.depth) {
		idx := a.row(d, s)
		if v := a.table[d][idx]; v < n {
			n = v
		}
	}

	if n == math.MaxInt64 {
		return 0
	}

	return n
}

func (a *countMinAggregator) Erase() {
	for d := range a.table {
		for i := range a.table[d] {
			a.table[d][i] = 0
		}
	}
}

func (a *countMinAggregator) Kind() Kind { return KindCountMin }

func (a *countMinAggregator) Sum([]Aggregator) int64 { return 0 }

// SumString estimates the frequency of s across this sketch and others by
// summing the per-sketch point estimates.  Row-wise table merging would be
// more accurate but requires identical seeds across all ring slots; summing
// independent estimates is what the reference implementation this is
// grounded on does when combining across windows.
func (a *countMinAggregator) SumString(s string, others []Aggregator) (sum int64) {
	sum = a.GetString(s)
	for _, o := range others {
		if ca, ok := o.(*countMinAggregator); ok {
			sum += ca.GetString(s)
		}
	}

	return sum
}

// cmDumpVersion is bumped whenever the wire layout of Dump/Restore changes.
const cmDumpVersion = 1

func (a *countMinAggregator) Dump() (b []byte, err error) {
	hdr := 1 + 4 + 4
	size := hdr + int(a.depth)*int(a.width)*8
	b = make([]byte, size)

	b[0] = cmDumpVersion
	binary.BigEndian.PutUint32(b[1:5], a.width)
	binary.BigEndian.PutUint32(b[5:9], a.depth)

	off := hdr
	for d := range a.table {
		for _, v := range a.table[d] {
			binary.BigEndian.PutUint64(b[off:off+8], uint64(v))
			off += 8
		}
	}

	return b, nil
}

func (a *countMinAggregator) Restore(b []byte) (err error) {
	if len(b) < 9 {
		return fmt.Errorf("stats: countmin aggregator: dump too short")
	}

	if b[0] != cmDumpVersion {
		return fmt.Errorf("stats: countmin aggregator: unsupported version %d", b[0])
	}

	width := binary.BigEndian.Uint32(b[1:5])
	depth := binary.BigEndian.Uint32(b[5:9])

	want := 9 + int(depth)*int(width)*8
	if len(b) != want {
		return fmt.Errorf("stats: countmin aggregator: want %d bytes, got %d", want, len(b))
	}

	restored := buildCountMin(width, depth)
	off := 9
	for d := range restored.table {
		for i := range restored.table[d] {
			restored.table[d][i] = int64(binary.BigEndian.Uint64(b[off : off+8]))
			off += 8
		}
	}

	*a = *restored

	return nil
}
