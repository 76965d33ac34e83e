// Package tracefile reads and writes execution trace files.
//
// A trace file is a sequence of records, one per executed instruction.
// Reader indexes the file in the background and decodes it lazily, one
// page at a time, so that traces much larger than memory can be browsed.
package tracefile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/errgroup"

	"github.com/go-delve/dlvtrace/pkg/disasm"
	"github.com/go-delve/dlvtrace/pkg/logflags"
	"github.com/go-delve/dlvtrace/pkg/tracedump"
)

// Default limits of a Reader.
const (
	DefaultPageCacheSize  = 2048
	DefaultMaxPageRecords = 4096
)

// Options configures a Reader.
type Options struct {
	Arch Arch
	// PageCacheSize is the maximum number of pages kept in memory.
	PageCacheSize int
	// MaxPageRecords is the maximum number of records in a page.
	MaxPageRecords int
	// DumpReleaseThreshold is the number of memory history entries above
	// which Close frees the history in the background.
	DumpReleaseThreshold int
}

func (o *Options) normalize() {
	if o.PageCacheSize <= 0 {
		o.PageCacheSize = DefaultPageCacheSize
	}
	if o.MaxPageRecords <= 0 {
		o.MaxPageRecords = DefaultMaxPageRecords
	}
	if o.DumpReleaseThreshold <= 0 {
		o.DumpReleaseThreshold = tracedump.DefaultReleaseThreshold
	}
}

// Reader gives random access to the records of a trace file. Queries never
// fail: indices past Length() and readers in the error state return zero
// values, IsError reports why.
type Reader struct {
	opts Options
	arch Arch
	log  logflags.Logger

	state    lifecycle
	length   atomic.Uint64
	progress atomic.Int32

	mu     sync.Mutex
	src    *source
	spans  []span
	cache  *simplelru.LRU[Range, *Page]
	hot    *Page
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}

	dumpMu  sync.Mutex
	dump    *tracedump.Dump
	decoder disasm.Decoder
}

// NewReader returns a Reader with no file open.
func NewReader(opts Options) *Reader {
	opts.normalize()
	r := &Reader{
		opts:    opts,
		arch:    opts.Arch,
		log:     logflags.TraceFileLogger(),
		dump:    tracedump.New(),
		decoder: disasm.NewX86(opts.Arch.Bits()),
		done:    make(chan struct{}),
	}
	close(r.done)
	r.dump.ReleaseThreshold = opts.DumpReleaseThreshold
	r.cache = r.newCache()
	return r
}

func (r *Reader) newCache() *simplelru.LRU[Range, *Page] {
	cache, err := simplelru.NewLRU[Range, *Page](r.opts.PageCacheSize, func(rng Range, p *Page) {
		pageEvictions.Inc()
		residentPages.Dec()
		r.log.Debugf("evicted page [%d, %d)", rng.Start, rng.End)
	})
	if err != nil {
		// only fails for non-positive sizes
		panic(err)
	}
	return cache
}

// Arch returns the architecture of the trace.
func (r *Reader) Arch() Arch { return r.arch }

// Open starts indexing the trace file at path. It returns as soon as the
// file is open; Done is closed when the index pass finishes.
func (r *Reader) Open(path string) error {
	r.Close()
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	if !r.state.begin() {
		f.Close()
		return fmt.Errorf("reader busy")
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})

	r.mu.Lock()
	r.cancel = cancel
	r.group = g
	r.done = done
	r.mu.Unlock()
	r.progress.Store(0)

	r.log.Debugf("opening %s", path)
	g.Go(func() error {
		defer close(done)
		err := r.index(ctx, f)
		r.mu.Lock()
		if r.src == nil {
			f.Close()
		}
		r.mu.Unlock()
		switch {
		case err == nil:
			r.state.finish()
		case errors.Is(err, context.Canceled):
			r.state.cancel()
		default:
			r.log.WithError(err).Errorf("index pass of %s failed", path)
			r.state.fail(err.Error())
		}
		return err
	})
	return nil
}

// Done returns a channel that is closed when the index pass of the last
// Open finishes, successfully or not.
func (r *Reader) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

// Wait blocks until the index pass finishes and returns its error.
func (r *Reader) Wait() error {
	<-r.Done()
	if failed, reason := r.IsError(); failed {
		return errors.New(reason)
	}
	return nil
}

// Close stops the index pass, if it is running, and releases the file and
// every decoded page. The reader can be opened again.
func (r *Reader) Close() {
	r.mu.Lock()
	cancel, g := r.cancel, r.group
	r.cancel, r.group = nil, nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		// the worker takes r.mu, wait without holding it
		g.Wait()
	}

	r.mu.Lock()
	if r.src != nil {
		if err := r.src.close(); err != nil {
			r.log.WithError(err).Warn("closing trace file")
		}
		r.src = nil
	}
	r.spans = nil
	r.hot = nil
	r.length.Store(0)
	old := r.cache
	r.cache = r.newCache()
	r.mu.Unlock()

	if old.Len() > 0 {
		// pages are large, do not make the caller wait for them
		go old.Purge()
	}

	r.dumpMu.Lock()
	r.dump.Release()
	r.dumpMu.Unlock()

	r.state.reset()
}

func (r *Reader) setSource(src *source) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, _ := r.state.get(); st != Parsing {
		return false
	}
	r.src = src
	return true
}

func (r *Reader) publish(sp *span) {
	r.mu.Lock()
	r.spans = append(r.spans, *sp)
	r.mu.Unlock()
	r.length.Store(sp.end())
}

func (r *Reader) pageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.spans)
}

// State returns the lifecycle state of the reader.
func (r *Reader) State() State {
	st, _ := r.state.get()
	return st
}

// IsError returns true and the reason if the reader failed.
func (r *Reader) IsError() (bool, string) {
	st, reason := r.state.get()
	return st == Errored, reason
}

// Length returns the number of records indexed so far.
func (r *Reader) Length() uint64 { return r.length.Load() }

// Progress returns the percentage of the file scanned by the index pass.
func (r *Reader) Progress() int { return int(r.progress.Load()) }

// getPage returns the page containing index and the offset of index in it.
func (r *Reader) getPage(index uint64) (*Page, int, bool) {
	if failed, _ := r.IsError(); failed || index >= r.Length() {
		return nil, 0, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if p := r.hot; p != nil && p.rng.contains(index) {
		p.touch()
		return p, int(index - p.rng.Start), true
	}
	i := sort.Search(len(r.spans), func(i int) bool { return r.spans[i].end() > index })
	if i >= len(r.spans) || r.src == nil {
		return nil, 0, false
	}
	sp := &r.spans[i]
	key := Range{sp.start, sp.end()}
	if p, ok := r.cache.Get(key); ok {
		pageHits.Inc()
		p.touch()
		r.hot = p
		return p, int(index - sp.start), true
	}
	pageMisses.Inc()
	p, err := newPage(r.src.f, r.arch, sp)
	if err != nil {
		r.log.WithError(err).Errorf("decoding page [%d, %d)", key.Start, key.End)
		r.state.fail(err.Error())
		return nil, 0, false
	}
	r.log.Debugf("decoded page [%d, %d), %d bytes", key.Start, key.End, p.footprint())
	r.cache.Add(key, p)
	residentPages.Inc()
	r.hot = p
	return p, int(index - sp.start), true
}

// Page returns the page containing index.
func (r *Reader) Page(index uint64) (*Page, bool) {
	p, _, ok := r.getPage(index)
	return p, ok
}

// Registers returns the register context of the thread when it executed
// record index.
func (r *Reader) Registers(index uint64) Registers {
	p, local, ok := r.getPage(index)
	if !ok {
		return Registers{Arch: r.arch}
	}
	regs, _ := p.Registers(local)
	return regs
}

// OpCode returns the opcode bytes of record index.
func (r *Reader) OpCode(index uint64) []byte {
	p, local, ok := r.getPage(index)
	if !ok {
		return nil
	}
	buf, _ := p.OpCode(local, make([]byte, 0, MaxOpcodeLength))
	return buf
}

// ThreadID returns the thread that executed record index.
func (r *Reader) ThreadID(index uint64) uint32 {
	p, local, ok := r.getPage(index)
	if !ok {
		return 0
	}
	tid, _ := p.ThreadID(local)
	return tid
}

// MemoryAccessCount returns the number of memory operands of record index.
func (r *Reader) MemoryAccessCount(index uint64) int {
	p, local, ok := r.getPage(index)
	if !ok {
		return 0
	}
	n, _ := p.MemoryAccessCount(local)
	return n
}

// MemoryAccessInfo appends the memory operands of record index to dst.
func (r *Reader) MemoryAccessInfo(index uint64, dst []MemoryAccess) []MemoryAccess {
	p, local, ok := r.getPage(index)
	if !ok {
		return dst
	}
	dst, _ = p.MemoryAccessInfo(local, dst)
	return dst
}

// Record returns every field of record index.
func (r *Reader) Record(index uint64) (Record, bool) {
	p, local, ok := r.getPage(index)
	if !ok {
		return Record{Registers: Registers{Arch: r.arch}}, false
	}
	var rec Record
	rec.Registers, _ = p.Registers(local)
	rec.Opcode, _ = p.OpCode(local, nil)
	rec.ThreadID, _ = p.ThreadID(local)
	rec.Memory, _ = p.MemoryAccessInfo(local, nil)
	return rec, true
}

// IndexText formats index in hexadecimal, padded to the width of the
// largest index of the trace.
func (r *Reader) IndexText(index uint64) string {
	width := 1
	if n := r.Length(); n > 1 {
		width = len(fmt.Sprintf("%X", n-1))
	}
	s := fmt.Sprintf("%X", index)
	if len(s) < width {
		s = strings.Repeat("0", width-len(s)) + s
	}
	return s
}

// EnableDump turns on the memory history. It must be built with
// BuildDumpTo before it can be queried.
func (r *Reader) EnableDump() {
	r.dumpMu.Lock()
	r.dump.Enable()
	r.dumpMu.Unlock()
}

// GetDump returns the memory history. Queries on it must not run
// concurrently with BuildDumpTo.
func (r *Reader) GetDump() *tracedump.Dump { return r.dump }

// BuildDumpTo adds the records up to and including index to the memory
// history.
func (r *Reader) BuildDumpTo(index uint64) error {
	r.dumpMu.Lock()
	defer r.dumpMu.Unlock()
	if !r.dump.IsEnabled() {
		return tracedump.ErrDumpDisabled
	}
	if n := r.Length(); index >= n {
		if n == 0 {
			return nil
		}
		index = n - 1
	}
	var (
		mem []MemoryAccess
		ops []tracedump.Operand
		opc []byte
	)
	start := r.dump.Index()
	for i := start; i <= index; i++ {
		p, local, ok := r.getPage(i)
		if !ok {
			if failed, reason := r.IsError(); failed {
				return errors.New(reason)
			}
			return fmt.Errorf("%w: %d", ErrOutOfRange, i)
		}
		regs, _ := p.Registers(local)
		opc, _ = p.OpCode(local, opc[:0])
		mem, _ = p.MemoryAccessInfo(local, mem[:0])
		size := r.arch.WordSize()
		if len(mem) > 0 {
			if inst, err := r.decoder.Disassemble(regs.PC(), opc); err == nil && inst.MemBytes > 0 && inst.MemBytes < size {
				size = inst.MemBytes
			}
		}
		ops = ops[:0]
		for _, m := range mem {
			ops = append(ops, tracedump.Operand{Addr: m.Addr, Old: m.Old, New: m.New, Size: size})
		}
		if err := r.dump.AddMemAccess(regs.PC(), opc, ops); err != nil {
			return err
		}
		r.dump.IncreaseIndex()
	}
	if index >= start {
		r.log.Debugf("memory history built to %d, %d entries", index, r.dump.Len())
	}
	return nil
}
