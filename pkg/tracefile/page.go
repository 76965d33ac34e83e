package tracefile

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// span is a run of records that can be materialized without reading the
// records before it.
type span struct {
	start  uint64
	count  int
	offset int64

	// register context and thread id in effect before the first record
	regs     [MaxRegisterWords]uint64
	threadID uint32
}

func (sp *span) end() uint64 { return sp.start + uint64(sp.count) }

// Range is a half-open interval of trace indices.
type Range struct {
	Start, End uint64
}

func (r Range) contains(i uint64) bool { return i >= r.Start && i < r.End }

// Page holds the decoded contents of a span in columnar form. Pages are
// never modified after newPage returns.
type Page struct {
	rng  Range
	arch Arch

	// regs holds arch.RegisterWords() words per record.
	regs      []uint64
	opcodes   []byte
	opOff     []uint32
	threadIDs []uint32

	// memOff[i]:memOff[i+1] are the memory accesses of record i.
	memOff   []uint32
	memAddr  []uint64
	memOld   []uint64
	memNew   []uint64
	memFlags []byte

	lastAccessed atomic.Int64
}

// newPage decodes sp from r. On a malformed record it returns the records
// decoded so far together with the error.
func newPage(r io.ReaderAt, arch Arch, sp *span) (*Page, error) {
	nregs := arch.RegisterWords()
	p := &Page{
		rng:       Range{sp.start, sp.start},
		arch:      arch,
		regs:      make([]uint64, 0, sp.count*nregs),
		opcodes:   make([]byte, 0, sp.count*4),
		opOff:     make([]uint32, 1, sp.count+1),
		threadIDs: make([]uint32, 0, sp.count),
		memOff:    make([]uint32, 1, sp.count+1),
	}
	p.touch()

	d := newRecordDecoder(io.NewSectionReader(r, sp.offset, 1<<62), arch, sp.offset)
	d.reset(&sp.regs, sp.threadID)
	var raw rawRecord
	for i := 0; i < sp.count; i++ {
		if err := d.next(&raw); err != nil {
			if err == io.EOF {
				err = ErrTruncated
			}
			return p, fmt.Errorf("record %d at offset %#x: %w", p.rng.End, d.off, err)
		}
		p.regs = append(p.regs, d.regs[:nregs]...)
		p.opcodes = append(p.opcodes, raw.opcode...)
		p.opOff = append(p.opOff, uint32(len(p.opcodes)))
		p.threadIDs = append(p.threadIDs, raw.threadID)
		p.memAddr = append(p.memAddr, raw.memAddr...)
		p.memOld = append(p.memOld, raw.memOld...)
		p.memNew = append(p.memNew, raw.memNew...)
		p.memFlags = append(p.memFlags, raw.memFlags...)
		p.memOff = append(p.memOff, uint32(len(p.memAddr)))
		p.rng.End++
	}
	return p, nil
}

func (p *Page) touch() { p.lastAccessed.Store(time.Now().UnixNano()) }

// Range returns the trace indices covered by the page.
func (p *Page) Range() Range { return p.rng }

// Len returns the number of records in the page.
func (p *Page) Len() int { return int(p.rng.End - p.rng.Start) }

// LastAccessed returns the last time the page was returned by a lookup.
func (p *Page) LastAccessed() time.Time { return time.Unix(0, p.lastAccessed.Load()) }

func (p *Page) check(local int) error {
	if local < 0 || local >= p.Len() {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrOutOfRange, local, p.Len())
	}
	return nil
}

// Registers returns the register context at record local.
func (p *Page) Registers(local int) (Registers, error) {
	if err := p.check(local); err != nil {
		return Registers{Arch: p.arch}, err
	}
	regs := Registers{Arch: p.arch}
	n := p.arch.RegisterWords()
	copy(regs.Words[:n], p.regs[local*n:(local+1)*n])
	return regs, nil
}

// OpCode appends the opcode bytes of record local to buf.
func (p *Page) OpCode(local int, buf []byte) ([]byte, error) {
	if err := p.check(local); err != nil {
		return buf, err
	}
	return append(buf, p.opcodes[p.opOff[local]:p.opOff[local+1]]...), nil
}

// ThreadID returns the thread that executed record local.
func (p *Page) ThreadID(local int) (uint32, error) {
	if err := p.check(local); err != nil {
		return 0, err
	}
	return p.threadIDs[local], nil
}

// MemoryAccessCount returns the number of memory accesses of record local.
func (p *Page) MemoryAccessCount(local int) (int, error) {
	if err := p.check(local); err != nil {
		return 0, err
	}
	return int(p.memOff[local+1] - p.memOff[local]), nil
}

// MemoryAccessInfo appends the memory accesses of record local to dst.
func (p *Page) MemoryAccessInfo(local int, dst []MemoryAccess) ([]MemoryAccess, error) {
	if err := p.check(local); err != nil {
		return dst, err
	}
	for j := p.memOff[local]; j < p.memOff[local+1]; j++ {
		dst = append(dst, MemoryAccess{
			Addr:     p.memAddr[j],
			Old:      p.memOld[j],
			New:      p.memNew[j],
			ReadOnly: p.memFlags[j]&memFlagReadOnly != 0,
		})
	}
	return dst, nil
}

// footprint approximates the memory held by the page, in bytes.
func (p *Page) footprint() int {
	return len(p.regs)*8 + len(p.opcodes) + len(p.opOff)*4 + len(p.threadIDs)*4 +
		len(p.memOff)*4 + len(p.memAddr)*24 + len(p.memFlags)
}
