package tracedump

import (
	"math"
)

// Forever is the until value of an interval that extends past the last
// recorded step.
const Forever = math.MaxUint64

// span is an inclusive interval of step indices.
type span struct {
	from, until uint64
}

// valueSpan is the value a byte holds during a span.
type valueSpan struct {
	span
	v byte
}

var zeroTimeline = []valueSpan{{span{0, Forever}, 0}}

// timeline converts the entries of one address, sorted by ascending index,
// into the values the byte holds over time. Consecutive spans never hold
// the same value.
func timeline(es []Entry, dst []valueSpan) []valueSpan {
	dst = dst[:0]
	push := func(from, until uint64, v byte) {
		if n := len(dst); n > 0 && dst[n-1].v == v {
			dst[n-1].until = until
			return
		}
		dst = append(dst, valueSpan{span{from, until}, v})
	}
	var from uint64
	for _, e := range es {
		push(from, e.Index, e.Old)
		from = e.Index + 1
	}
	push(from, Forever, es[len(es)-1].New)
	return dst
}

// matching returns the spans of tl where the byte matches pattern under
// mask, adjacent spans merged.
func matching(tl []valueSpan, pattern, mask byte, dst []span) []span {
	dst = dst[:0]
	for _, vs := range tl {
		if vs.v&mask != pattern&mask {
			continue
		}
		if n := len(dst); n > 0 && dst[n-1].until != Forever && dst[n-1].until+1 == vs.from {
			dst[n-1].until = vs.until
			continue
		}
		dst = append(dst, vs.span)
	}
	return dst
}

// intersect returns the intersection of two sorted lists of disjoint spans.
func intersect(a, b []span) []span {
	var out []span
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		from := max(a[i].from, b[j].from)
		until := min(a[i].until, b[j].until)
		if from <= until {
			out = append(out, span{from, until})
		}
		if a[i].until < b[j].until {
			i++
		} else {
			j++
		}
	}
	return out
}

// candidate is a partial match. Bytes next+1 up to the end of the pattern
// were matched at the addresses above the one being scanned.
type candidate struct {
	next  int
	spans []span
}

// memFinder matches a pattern against the history one address at a time,
// from high to low addresses.
type memFinder struct {
	pattern, mask []byte
	cb            func(addr, from, until uint64) bool

	queue   []candidate
	scratch []span
	stopped bool
}

// step feeds the values of address a to the partial matches and starts a
// new match at a if create is set.
func (f *memFinder) step(a uint64, tl []valueSpan, create bool) {
	n := len(f.pattern)
	live := f.queue[:0]
	for _, c := range f.queue {
		if f.stopped {
			break
		}
		f.scratch = matching(tl, f.pattern[c.next], f.mask[c.next], f.scratch)
		c.spans = intersect(c.spans, f.scratch)
		if len(c.spans) == 0 {
			continue
		}
		if c.next == 0 {
			f.report(a, c.spans)
			continue
		}
		c.next--
		live = append(live, c)
	}
	f.queue = live
	if !create || f.stopped {
		return
	}
	f.scratch = matching(tl, f.pattern[n-1], f.mask[n-1], f.scratch)
	if len(f.scratch) == 0 {
		return
	}
	spans := append([]span(nil), f.scratch...)
	if n == 1 {
		f.report(a, spans)
		return
	}
	f.queue = append(f.queue, candidate{next: n - 2, spans: spans})
}

func (f *memFinder) report(addr uint64, spans []span) {
	for _, s := range spans {
		if !f.cb(addr, s.from, s.until) {
			f.stopped = true
			f.queue = f.queue[:0]
			return
		}
	}
}

// gap feeds the untouched addresses from a down to lo, exclusive, to the
// partial matches. Matches are only started where they can reach lo. If lo
// is nil the gap extends down to address zero.
func (f *memFinder) gap(a uint64, lo *uint64) {
	n := uint64(len(f.pattern))
	for !f.stopped {
		if lo != nil && a <= *lo {
			return
		}
		create := lo != nil && a-*lo < n
		if !create && len(f.queue) == 0 {
			if lo == nil {
				return
			}
			// nothing above lo+n-1 can reach lo
			a = *lo + n - 1
			continue
		}
		f.step(a, zeroTimeline, create)
		if a == 0 {
			return
		}
		a--
	}
}

// FindAllMem reports every address where memory matched pattern under mask
// at some point of the trace. cb receives the address of the first byte of
// the match and the inclusive interval of steps before which memory
// matched; until is Forever if memory still matched at the end of the
// trace. Returning false from cb stops the search.
//
// Untouched bytes read as zero. Matches made only of untouched bytes are
// not reported.
func (d *Dump) FindAllMem(pattern, mask []byte, cb func(addr, from, until uint64) bool) error {
	if !d.enabled {
		return ErrDumpDisabled
	}
	if len(pattern) != len(mask) {
		return ErrBadPattern
	}
	n := len(mask)
	for n > 0 && mask[n-1] == 0 {
		n--
	}
	if n == 0 {
		return ErrBadPattern
	}
	f := &memFinder{pattern: pattern[:n], mask: mask[:n], cb: cb}

	var (
		cur     []Entry
		tl      []valueSpan
		prev    uint64
		started bool
	)
	flush := func() {
		addr := cur[0].Addr
		// entries come in descending index order
		for i, j := 0, len(cur)-1; i < j; i, j = i+1, j-1 {
			cur[i], cur[j] = cur[j], cur[i]
		}
		if !started {
			top := addr + uint64(n) - 1
			if top < addr {
				top = math.MaxUint64
			}
			f.gap(top, &addr)
			started = true
		} else {
			f.gap(prev-1, &addr)
		}
		tl = timeline(cur, tl)
		f.step(addr, tl, true)
		prev = addr
		cur = cur[:0]
	}
	d.tree.Ascend(func(e Entry) bool {
		if len(cur) > 0 && cur[0].Addr != e.Addr {
			flush()
			if f.stopped {
				return false
			}
		}
		cur = append(cur, e)
		return true
	})
	if len(cur) > 0 && !f.stopped {
		flush()
	}
	if started && !f.stopped && prev > 0 {
		f.gap(prev-1, nil)
	}
	return nil
}
