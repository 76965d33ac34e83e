// Package tracedump keeps the history of every memory byte touched by a
// trace so that memory can be reconstructed as it was at any step.
package tracedump

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/google/btree"

	"github.com/go-delve/dlvtrace/pkg/logflags"
)

var (
	// ErrDumpDisabled is returned by operations that need an enabled dump.
	ErrDumpDisabled = errors.New("memory history is disabled")
	// ErrBadPattern is returned by FindAllMem for patterns without any
	// significant byte.
	ErrBadPattern = errors.New("bad search pattern")
)

// DefaultReleaseThreshold is the number of entries above which Release
// frees the history in a background goroutine.
const DefaultReleaseThreshold = 1 << 20

const (
	btreeDegree = 32

	peekBudget      = 5
	peekMaxFailures = 5
)

// Key identifies one access to one byte. Keys sort by descending address
// and, for equal addresses, by descending index, so that the first key at
// or after Key{A, T} in tree order is the latest access to A at or before T.
type Key struct {
	Addr  uint64
	Index uint64
}

// Less reports whether k sorts before o.
func (k Key) Less(o Key) bool {
	if k.Addr != o.Addr {
		return k.Addr > o.Addr
	}
	return k.Index > o.Index
}

// Entry is the value of a byte before and after the step Index.
type Entry struct {
	Key
	Old, New byte
}

func lessEntry(a, b Entry) bool { return a.Key.Less(b.Key) }

// Operand is a memory operand of a step. Old and New are little endian
// words, the low Size bytes are recorded.
type Operand struct {
	Addr     uint64
	Old, New uint64
	Size     int
}

// Dump is the memory history. It has a single writer which must add
// steps in index order, queries are safe to run concurrently as long as
// no step is being added.
type Dump struct {
	enabled bool
	tree    *btree.BTreeG[Entry]
	index   uint64

	// ReleaseThreshold is the number of entries above which Release hands
	// the history to a background goroutine.
	ReleaseThreshold int

	// noPeek disables the sequential lookup shortcut of GetBytes.
	noPeek bool

	log logflags.Logger
}

// New returns a disabled, empty dump.
func New() *Dump {
	return &Dump{
		tree:             btree.NewG[Entry](btreeDegree, lessEntry),
		ReleaseThreshold: DefaultReleaseThreshold,
		log:              logflags.TraceDumpLogger(),
	}
}

// Enable turns on recording and queries.
func (d *Dump) Enable() { d.enabled = true }

// IsEnabled returns true if the dump was enabled.
func (d *Dump) IsEnabled() bool { return d.enabled }

// Index returns the index the next step will be tagged with, which is also
// the number of steps added so far.
func (d *Dump) Index() uint64 { return d.index }

// IncreaseIndex ends the current step.
func (d *Dump) IncreaseIndex() { d.index++ }

// Len returns the number of entries in the history.
func (d *Dump) Len() int { return d.tree.Len() }

// AddBytes records an access of the current step to len(before) bytes
// starting at addr. before and after must have the same length.
func (d *Dump) AddBytes(addr uint64, before, after []byte) {
	if !d.enabled {
		return
	}
	for i := range before {
		d.add(Entry{Key: Key{addr + uint64(i), d.index}, Old: before[i], New: after[i]})
	}
}

func (d *Dump) add(e Entry) {
	if prev, ok := d.tree.Get(e); ok {
		// several accesses of the same step: the value before the step is
		// the first one seen.
		e.Old = prev.Old
	}
	d.tree.ReplaceOrInsert(e)
}

// AddMemAccess records the step that executed opcode at cip. The opcode
// bytes are recorded as an access so that code can be reconstructed too.
func (d *Dump) AddMemAccess(cip uint64, opcode []byte, ops []Operand) error {
	if !d.enabled {
		return ErrDumpDisabled
	}
	d.AddBytes(cip, opcode, opcode)
	for _, op := range ops {
		if op.Size <= 0 || op.Size > 8 {
			return fmt.Errorf("bad operand size %d at %#x", op.Size, op.Addr)
		}
		for b := 0; b < op.Size; b++ {
			shift := uint(8 * b)
			d.add(Entry{
				Key: Key{op.Addr + uint64(b), d.index},
				Old: byte(op.Old >> shift),
				New: byte(op.New >> shift),
			})
		}
	}
	entries.Set(float64(d.tree.Len()))
	return nil
}

// lookup returns the value of addr before step index executed.
func (d *Dump) lookup(addr, index uint64) byte {
	pivot := Entry{Key: Key{addr, index}}
	var v byte
	found := false
	// closest entry before pivot in tree order: smallest index >= index
	d.tree.DescendLessOrEqual(pivot, func(e Entry) bool {
		if e.Addr == addr {
			v, found = e.Old, true
		}
		return false
	})
	if found {
		return v
	}
	d.tree.AscendGreaterOrEqual(pivot, func(e Entry) bool {
		if e.Addr == addr {
			v = e.New
		}
		return false
	})
	return v
}

// peek resolves addr by walking its entries from the most recent one.
// It gives up after peekBudget entries.
func (d *Dump) peek(addr, index uint64) (byte, bool) {
	var (
		v       byte
		steps   int
		haveOld bool
		done    bool
	)
	d.tree.AscendGreaterOrEqual(Entry{Key: Key{addr, math.MaxUint64}}, func(e Entry) bool {
		if e.Addr != addr {
			if !haveOld {
				v = 0
			}
			done = true
			return false
		}
		if e.Index < index {
			if !haveOld {
				v = e.New
			}
			done = true
			return false
		}
		v, haveOld = e.Old, true
		steps++
		return steps < peekBudget
	})
	if !done && haveOld && steps < peekBudget {
		// ran off the end of the tree
		done = true
	}
	if !done && !haveOld {
		// empty tree below addr
		return 0, true
	}
	return v, done
}

// GetBytes fills buf with memory starting at addr as it was before step
// index executed. Bytes that were never accessed read as zero.
func (d *Dump) GetBytes(addr uint64, buf []byte, index uint64) {
	for i := range buf {
		buf[i] = 0
	}
	if !d.enabled || d.tree.Len() == 0 {
		return
	}
	usePeek := !d.noPeek
	failures := 0
	for i := len(buf) - 1; i >= 0; i-- {
		a := addr + uint64(i)
		if usePeek {
			if v, ok := d.peek(a, index); ok {
				buf[i] = v
				failures = 0
				continue
			}
			failures++
			if failures >= peekMaxFailures {
				usePeek = false
			}
		}
		buf[i] = d.lookup(a, index)
	}
}

// GetReferences returns the sorted indices of the steps that accessed any
// byte in [start, end].
func (d *Dump) GetReferences(start, end uint64) []uint64 {
	if !d.enabled || start > end {
		return nil
	}
	var out []uint64
	d.tree.AscendGreaterOrEqual(Entry{Key: Key{end, math.MaxUint64}}, func(e Entry) bool {
		if e.Addr < start {
			return false
		}
		out = append(out, e.Index)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 0
	for i, idx := range out {
		if i == 0 || idx != out[n-1] {
			out[n] = idx
			n++
		}
	}
	return out[:n]
}

// IsValidReadPtr returns true if the history has an entry for addr.
func (d *Dump) IsValidReadPtr(addr uint64) bool {
	if !d.enabled {
		return false
	}
	found := false
	d.tree.AscendGreaterOrEqual(Entry{Key: Key{addr, math.MaxUint64}}, func(e Entry) bool {
		found = e.Addr == addr
		return false
	})
	return found
}

// Release drops the history and disables the dump. Large histories are
// freed by a background goroutine.
func (d *Dump) Release() {
	old := d.tree
	n := old.Len()
	d.tree = btree.NewG[Entry](btreeDegree, lessEntry)
	d.index = 0
	d.enabled = false
	entries.Set(0)
	if n > d.ReleaseThreshold {
		d.log.Debugf("releasing %d entries in background", n)
		releases.Inc()
		go old.Clear(false)
		return
	}
	old.Clear(false)
}
