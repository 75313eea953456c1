package stats

import "time"

// slot is one bucket of a ring: an aggregator plus the time its first write
// landed, used to decide when the bucket has aged out and must be recycled.
type slot struct {
	agg        Aggregator
	firstWrite time.Time
}

// ring is the fixed-size circular buffer of slots backing a single field of
// a single key.  The active slot is selected purely from the wall-clock
// time, so no background bookkeeping is needed to "advance" the ring: Add
// and friends recycle stale slots lazily, on next touch.
type ring struct {
	slots      []slot
	windowSize time.Duration
	kind       Kind
	precision  uint8
	eps, gamma float64
}

func newRing(numWindows int, windowSize time.Duration, kind Kind, precision uint8, eps, gamma float64) (r *ring) {
	return &ring{
		slots:      make([]slot, numWindows),
		windowSize: windowSize,
		kind:       kind,
		precision:  precision,
		eps:        eps,
		gamma:      gamma,
	}
}

// indexFor returns the slot index that owns instant t.
func (r *ring) indexFor(t time.Time) (i int) {
	bucket := t.UnixNano() / int64(r.windowSize)

	return int(bucket % int64(len(r.slots)))
}

// current returns the slot for "now", recycling it first if it holds data
// from a previous occupancy of this index rather than the current one, that
// is, if its first write fell in a different window than now.
func (r *ring) current(now time.Time) (s *slot, err error) {
	i := r.indexFor(now)
	s = &r.slots[i]

	win := int64(r.windowSize)
	stale := !s.firstWrite.IsZero() && s.firstWrite.UnixNano()/win != now.UnixNano()/win

	if s.agg == nil || stale {
		agg, aerr := NewAggregator(r.kind, r.precision, r.eps, r.gamma)
		if aerr != nil {
			return nil, aerr
		}

		s.agg = agg
		s.firstWrite = now
	}

	return s, nil
}

// live returns every slot not yet aged out of the window relative to now,
// in slot-index order.  Used for Sum-across-windows queries.
func (r *ring) live(now time.Time) (aggs []Aggregator) {
	fullCycle := r.windowSize * time.Duration(len(r.slots))

	aggs = make([]Aggregator, 0, len(r.slots))
	for i := range r.slots {
		s := &r.slots[i]
		if s.agg == nil {
			continue
		}

		if age := now.Sub(s.firstWrite); age >= fullCycle {
			continue
		}

		aggs = append(aggs, s.agg)
	}

	return aggs
}

// reset clears every slot in place.
func (r *ring) reset() {
	for i := range r.slots {
		r.slots[i] = slot{}
	}
}
