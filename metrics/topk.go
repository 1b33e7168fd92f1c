package metrics

import "container/heap"

// Defaults for the sample accumulator's filter: keep one best and one worst
// row per flush window, ranked by reward.
const (
	DefaultTopK      = 1
	DefaultBottomK   = 1
	DefaultSampleKey = "reward"
)

// TopBottomK retains the topK highest-valued and bottomK lowest-valued
// samples seen since the last reset, ranked by the sample field named key.
// Appends cost O(log k) and nothing is stored outside the two bounded heaps.
//
// Every inserted sample gets a strictly increasing sequence number as a tie
// break, so equal-valued samples have a total order and eviction is
// deterministic regardless of arrival interleaving. A bound of zero or less
// disables that side entirely.
type TopBottomK struct {
	topK    int
	bottomK int
	key     string

	top    kheap // min-heap, evicts the smallest of the kept top set
	bottom kheap // values negated, evicts the largest of the kept bottom set
	seq    uint64
}

// NewTopBottomK builds a filter with the given bounds, ranking samples by
// the named field. An empty key falls back to DefaultSampleKey.
func NewTopBottomK(topK, bottomK int, key string) *TopBottomK {
	if key == "" {
		key = DefaultSampleKey
	}
	return &TopBottomK{topK: topK, bottomK: bottomK, key: key}
}

// Append offers one sample to both heaps. Samples missing the ranking field
// rank as 0.
func (f *TopBottomK) Append(s Sample) {
	val := 0.0
	if raw, ok := s[f.key]; ok {
		if v, err := AsFloat(raw); err == nil {
			val = v
		}
	}
	id := f.seq
	f.seq++

	if f.topK > 0 {
		pushBounded(&f.top, kentry{value: val, seq: id, sample: s}, f.topK)
	}
	if f.bottomK > 0 {
		pushBounded(&f.bottom, kentry{value: -val, seq: id, sample: s}, f.bottomK)
	}
}

// Flush returns the retained bottom samples followed by the retained top
// samples, each in heap-internal order (not globally sorted).
func (f *TopBottomK) Flush() []Sample {
	out := make([]Sample, 0, len(f.bottom)+len(f.top))
	for _, e := range f.bottom {
		out = append(out, e.sample)
	}
	for _, e := range f.top {
		out = append(out, e.sample)
	}
	return out
}

// Reset clears both heaps and restarts the tie-break counter.
func (f *TopBottomK) Reset() {
	f.top = nil
	f.bottom = nil
	f.seq = 0
}

type kentry struct {
	value  float64
	seq    uint64
	sample Sample
}

func (e kentry) less(o kentry) bool {
	if e.value != o.value {
		return e.value < o.value
	}
	return e.seq < o.seq
}

// pushBounded implements heap-push-then-pop-smallest: below the bound it
// pushes, at the bound the new entry replaces the root only when it outranks
// it, otherwise it is discarded.
func pushBounded(h *kheap, e kentry, bound int) {
	if h.Len() < bound {
		heap.Push(h, e)
		return
	}
	if (*h)[0].less(e) {
		(*h)[0] = e
		heap.Fix(h, 0)
	}
}

type kheap []kentry

func (h kheap) Len() int           { return len(h) }
func (h kheap) Less(i, j int) bool { return h[i].less(h[j]) }
func (h kheap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *kheap) Push(x any) { *h = append(*h, x.(kentry)) }

func (h *kheap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
