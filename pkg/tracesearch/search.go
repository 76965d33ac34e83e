// Package tracesearch implements the searches that can be run over a
// trace: constants and ranges in registers and memory operands, memory
// references, run to return and byte patterns over memory history.
package tracesearch

import (
	"context"
	"fmt"

	"github.com/go-delve/dlvtrace/pkg/disasm"
	"github.com/go-delve/dlvtrace/pkg/logflags"
	"github.com/go-delve/dlvtrace/pkg/tracedump"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
)

// DefaultMaxResults is the default cap on the number of pattern matches.
const DefaultMaxResults = 5000

// progressInterval is the number of steps between two progress reports
// and cancellation checks.
const progressInterval = 1 << 14

// Trace is the part of *tracefile.Reader searches need.
type Trace interface {
	Arch() tracefile.Arch
	Length() uint64
	Registers(index uint64) tracefile.Registers
	OpCode(index uint64) []byte
	ThreadID(index uint64) uint32
	MemoryAccessInfo(index uint64, dst []tracefile.MemoryAccess) []tracefile.MemoryAccess
	IndexText(index uint64) string
	GetDump() *tracedump.Dump
	BuildDumpTo(index uint64) error
}

// Searcher runs searches over a trace and reports rows to a ResultSink.
type Searcher struct {
	trace   Trace
	decoder disasm.Decoder
	flavour disasm.AssemblyFlavour
	log     logflags.Logger

	// MaxResults caps the number of rows of a pattern search.
	MaxResults int
}

// New returns a Searcher over trace.
func New(trace Trace, flavour disasm.AssemblyFlavour) *Searcher {
	return &Searcher{
		trace:      trace,
		decoder:    disasm.NewX86(trace.Arch().Bits()),
		flavour:    flavour,
		log:        logflags.TraceSearchLogger(),
		MaxResults: DefaultMaxResults,
	}
}

func (s *Searcher) ptrText(v uint64) string {
	return fmt.Sprintf("%0*X", s.trace.Arch().WordSize()*2, v)
}

// disassemble returns the text of the instruction executed at index.
func (s *Searcher) disassemble(index uint64) string {
	regs := s.trace.Registers(index)
	inst, err := s.decoder.Disassemble(regs.PC(), s.trace.OpCode(index))
	if err != nil {
		return "??"
	}
	return inst.Text(s.flavour, nil)
}

func (s *Searcher) addStepRow(sink ResultSink, index uint64) {
	regs := s.trace.Registers(index)
	sink.AddRow(s.ptrText(regs.PC()), s.trace.IndexText(index), s.disassemble(index))
}

func (s *Searcher) stepColumns(sink ResultSink, title string) {
	w := s.trace.Arch().WordSize() * 2
	sink.Initialize(title)
	sink.AddColumn(w, "Address")
	sink.AddColumn(w, "Index")
	sink.AddColumn(100, "Disassembly")
}

func inRange(v, start, end uint64) bool { return v >= start && v <= end }

// scan calls fn for every step, reporting progress and stopping when ctx is
// done.
func (s *Searcher) scan(ctx context.Context, sink ResultSink, fn func(index uint64)) error {
	n := s.trace.Length()
	for index := uint64(0); index < n; index++ {
		if index%progressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			sink.Progress(int(index * 100 / n))
		}
		fn(index)
	}
	sink.Progress(100)
	return nil
}

// ConstantRange lists the steps where a general purpose register, the
// program counter, or the address or value of a memory operand is in
// [start, end].
func (s *Searcher) ConstantRange(ctx context.Context, start, end uint64, sink ResultSink) (int, error) {
	title := fmt.Sprintf("Range: %s-%s", s.ptrText(start), s.ptrText(end))
	if start == end {
		title = fmt.Sprintf("Constant: %s", s.ptrText(start))
	}
	s.stepColumns(sink, title)
	count := 0
	var mem []tracefile.MemoryAccess
	err := s.scan(ctx, sink, func(index uint64) {
		regs := s.trace.Registers(index)
		found := false
		for _, r := range regs.GeneralPurpose() {
			if inRange(r.Value, start, end) {
				found = true
				break
			}
		}
		mem = s.trace.MemoryAccessInfo(index, mem[:0])
		for _, m := range mem {
			if inRange(m.Addr, start, end) || inRange(m.Old, start, end) || inRange(m.New, start, end) {
				found = true
			}
		}
		if found {
			s.addStepRow(sink, index)
			count++
		}
	})
	s.log.Debugf("%s: %d results", title, count)
	return count, err
}

// MemReference lists the steps that accessed the word at addr. The memory
// history must be enabled; it is built to the end of the trace.
func (s *Searcher) MemReference(ctx context.Context, addr uint64, sink ResultSink) (int, error) {
	dump := s.trace.GetDump()
	if !dump.IsEnabled() {
		return 0, tracedump.ErrDumpDisabled
	}
	if n := s.trace.Length(); n > 0 {
		if err := s.trace.BuildDumpTo(n - 1); err != nil {
			return 0, err
		}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.stepColumns(sink, "Reference")
	refs := dump.GetReferences(addr, addr+uint64(s.trace.Arch().WordSize())-1)
	for i, index := range refs {
		if i%progressInterval == 0 {
			if err := ctx.Err(); err != nil {
				return i, err
			}
			sink.Progress(i * 100 / len(refs))
		}
		s.addStepRow(sink, index)
	}
	sink.Progress(100)
	s.log.Debugf("references to %#x: %d results", addr, len(refs))
	return len(refs), nil
}

// isPrefix returns true for the bytes that can start a prefixed return.
func isPrefix(arch tracefile.Arch, b byte) bool {
	switch {
	case b == 0x26, b == 0x36, b == 0x2e, b == 0x3e, b >= 0x64 && b <= 0x67, b == 0xf2, b == 0xf3:
		return true
	case arch == tracefile.AMD64 && b >= 0x40 && b <= 0x4f:
		return true
	}
	return false
}

// FuncReturn returns the first step, starting at start, where the thread
// that executed start returns with its stack pointer at or above the one
// it had at start. It returns start if there is none.
func (s *Searcher) FuncReturn(start uint64) uint64 {
	startRegs := s.trace.Registers(start)
	csp := startRegs.SP()
	tid := s.trace.ThreadID(start)
	arch := s.trace.Arch()
	n := s.trace.Length()
	for index := start; index < n; index++ {
		regs := s.trace.Registers(index)
		if regs.SP() < csp || s.trace.ThreadID(index) != tid {
			continue
		}
		op := s.trace.OpCode(index)
		if len(op) == 0 {
			continue
		}
		switch {
		case op[0] == 0xc3 || op[0] == 0xc2:
			return index
		case isPrefix(arch, op[0]):
			inst, err := s.decoder.Disassemble(regs.PC(), op)
			if err == nil && inst.IsRet() {
				return index
			}
		}
	}
	return start
}

// Pattern lists the addresses where memory matched the hex pattern at some
// point of the trace, see ParsePattern. The memory history must be
// enabled; it is built to the end of the trace.
func (s *Searcher) Pattern(ctx context.Context, pattern string, sink ResultSink) (int, error) {
	data, mask, err := ParsePattern(pattern)
	if err != nil {
		return 0, err
	}
	dump := s.trace.GetDump()
	if !dump.IsEnabled() {
		return 0, tracedump.ErrDumpDisabled
	}
	if n := s.trace.Length(); n > 0 {
		if err := s.trace.BuildDumpTo(n - 1); err != nil {
			return 0, err
		}
	}
	w := s.trace.Arch().WordSize() * 2
	sink.Initialize(fmt.Sprintf("Pattern: %s", pattern))
	sink.AddColumn(w, "Address")
	sink.AddColumn(w, "From")
	sink.AddColumn(w, "Until")

	limit := s.MaxResults
	if limit <= 0 {
		limit = DefaultMaxResults
	}
	count := 0
	var cbErr error
	err = dump.FindAllMem(data, mask, func(addr, from, until uint64) bool {
		if count%progressInterval == 0 {
			if cbErr = ctx.Err(); cbErr != nil {
				return false
			}
		}
		untilText := "end"
		if until != tracedump.Forever {
			untilText = s.trace.IndexText(until)
		}
		sink.AddRow(s.ptrText(addr), s.trace.IndexText(from), untilText)
		count++
		return count < limit
	})
	if err == nil {
		err = cbErr
	}
	sink.Progress(100)
	s.log.Debugf("pattern %q: %d results", pattern, count)
	return count, err
}
