package tracefile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Block types.
const (
	// BlockTraceStep is the only block type currently defined.
	BlockTraceStep byte = 0
)

const (
	flagThreadID  = 0x80
	opcodeLenMask = 0x0f

	memFlagReadOnly = 0x01

	// MaxOpcodeLength is the longest opcode that fits in a record.
	MaxOpcodeLength = opcodeLenMask
	// MaxMemoryOperands is the largest number of memory accesses a single
	// record may carry.
	MaxMemoryOperands = 32
)

var (
	// ErrBadBlockType is returned when a record does not start with a
	// known block type.
	ErrBadBlockType = errors.New("unknown block type")
	// ErrTruncated is returned when the file ends in the middle of a record.
	ErrTruncated = errors.New("truncated record")
	// ErrBadOpcode is returned for records without opcode bytes.
	ErrBadOpcode = errors.New("record without opcode")
	// ErrBadRegister is returned when a register delta points past the end
	// of the register context.
	ErrBadRegister = errors.New("register position out of range")
	// ErrReadOnlyChanged is returned by Writer for read-only memory
	// accesses whose new value differs from the old one.
	ErrReadOnlyChanged = errors.New("read-only memory access with a new value")
	// ErrTooManyOperands is returned for records with more than
	// MaxMemoryOperands memory accesses.
	ErrTooManyOperands = errors.New("too many memory operands")
	// ErrOutOfRange is returned by Page when an index outside of the page
	// is requested.
	ErrOutOfRange = errors.New("index out of range")
)

// MemoryAccess is a single memory operand of a trace step. Addr, Old and
// New are full words.
type MemoryAccess struct {
	Addr uint64
	Old  uint64
	New  uint64
	// ReadOnly is set when the new value was omitted from the file, New is
	// equal to Old in that case.
	ReadOnly bool
}

// Record is a fully materialized trace step.
type Record struct {
	ThreadID  uint32
	Opcode    []byte
	Registers Registers
	Memory    []MemoryAccess
}

// rawRecord is a trace step as it is decoded from the file. Its slices are
// reused between calls to recordDecoder.next.
type rawRecord struct {
	threadID     uint32
	hasThreadID  bool
	changedCount int
	opcode       []byte
	memFlags     []byte
	memAddr      []uint64
	memOld       []uint64
	memNew       []uint64
}

func (rec *rawRecord) memCount() int { return len(rec.memFlags) }

// recordDecoder reads records sequentially, keeping track of the register
// context and thread id they are relative to.
type recordDecoder struct {
	r    *bufio.Reader
	arch Arch
	off  int64

	regs     [MaxRegisterWords]uint64
	threadID uint32

	hdr     [4]byte
	word    []byte
	changed []byte
}

func newRecordDecoder(r io.Reader, arch Arch, off int64) *recordDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 64*1024)
	}
	return &recordDecoder{
		r:       br,
		arch:    arch,
		off:     off,
		word:    make([]byte, 8),
		changed: make([]byte, MaxRegisterWords),
	}
}

// reset sets the context following records are relative to.
func (d *recordDecoder) reset(regs *[MaxRegisterWords]uint64, threadID uint32) {
	d.regs = *regs
	d.threadID = threadID
}

func (d *recordDecoder) readFull(buf []byte) error {
	n, err := io.ReadFull(d.r, buf)
	d.off += int64(n)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return ErrTruncated
		}
		return err
	}
	return nil
}

func (d *recordDecoder) readWord() (uint64, error) {
	ws := d.arch.WordSize()
	if err := d.readFull(d.word[:ws]); err != nil {
		return 0, err
	}
	if ws == 4 {
		return uint64(binary.LittleEndian.Uint32(d.word)), nil
	}
	return binary.LittleEndian.Uint64(d.word), nil
}

func (d *recordDecoder) readWords(dst []uint64, n int) ([]uint64, error) {
	for i := 0; i < n; i++ {
		w, err := d.readWord()
		if err != nil {
			return dst, err
		}
		dst = append(dst, w)
	}
	return dst, nil
}

// next decodes the next record into rec and applies its register deltas.
// It returns io.EOF if the input ends exactly at a record boundary.
func (d *recordDecoder) next(rec *rawRecord) error {
	n, err := io.ReadFull(d.r, d.hdr[:1])
	d.off += int64(n)
	switch {
	case err == io.EOF:
		return io.EOF
	case err != nil:
		return err
	}
	if d.hdr[0] != BlockTraceStep {
		return fmt.Errorf("%w %#x", ErrBadBlockType, d.hdr[0])
	}
	if err := d.readFull(d.hdr[1:]); err != nil {
		return err
	}
	regCount := int(d.hdr[1])
	memCount := int(d.hdr[2])
	flags := d.hdr[3]

	if regCount > d.arch.RegisterWords() {
		return fmt.Errorf("%w: %d changed registers", ErrBadRegister, regCount)
	}
	if memCount > MaxMemoryOperands {
		return fmt.Errorf("%w: %d", ErrTooManyOperands, memCount)
	}

	rec.changedCount = regCount
	rec.hasThreadID = flags&flagThreadID != 0
	if rec.hasThreadID {
		var tid [4]byte
		if err := d.readFull(tid[:]); err != nil {
			return err
		}
		d.threadID = binary.LittleEndian.Uint32(tid[:])
	}
	rec.threadID = d.threadID

	opLen := int(flags & opcodeLenMask)
	if opLen == 0 {
		return ErrBadOpcode
	}
	if cap(rec.opcode) < opLen {
		rec.opcode = make([]byte, opLen, MaxOpcodeLength)
	}
	rec.opcode = rec.opcode[:opLen]
	if err := d.readFull(rec.opcode); err != nil {
		return err
	}

	if regCount > 0 {
		changed := d.changed[:regCount]
		if err := d.readFull(changed); err != nil {
			return err
		}
		pos := -1
		for i, delta := range changed {
			pos += int(delta) + 1
			if pos >= d.arch.RegisterWords() {
				return fmt.Errorf("%w: %d", ErrBadRegister, pos)
			}
			changed[i] = byte(pos)
		}
		for _, pos := range changed {
			w, err := d.readWord()
			if err != nil {
				return err
			}
			d.regs[pos] = w
		}
	}

	rec.memFlags = rec.memFlags[:0]
	rec.memAddr = rec.memAddr[:0]
	rec.memOld = rec.memOld[:0]
	rec.memNew = rec.memNew[:0]
	if memCount > 0 {
		if cap(rec.memFlags) < memCount {
			rec.memFlags = make([]byte, 0, MaxMemoryOperands)
		}
		rec.memFlags = rec.memFlags[:memCount]
		if err := d.readFull(rec.memFlags); err != nil {
			return err
		}
		if rec.memAddr, err = d.readWords(rec.memAddr, memCount); err != nil {
			return err
		}
		if rec.memOld, err = d.readWords(rec.memOld, memCount); err != nil {
			return err
		}
		for i, fl := range rec.memFlags {
			if fl&memFlagReadOnly != 0 {
				rec.memNew = append(rec.memNew, rec.memOld[i])
				continue
			}
			w, err := d.readWord()
			if err != nil {
				return err
			}
			rec.memNew = append(rec.memNew, w)
		}
	}
	return nil
}

// fullSnapshot returns true if rec replaced every word of the register
// context, which makes it a page boundary.
func (d *recordDecoder) fullSnapshot(rec *rawRecord) bool {
	return rec.changedCount == d.arch.RegisterWords()
}

// ReadRecords decodes every record in r. It is meant for small traces and
// tests, Reader should be used for anything else.
func ReadRecords(r io.Reader, arch Arch) ([]Record, error) {
	d := newRecordDecoder(r, arch, 0)
	var raw rawRecord
	var out []Record
	for {
		err := d.next(&raw)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("record %d at offset %#x: %w", len(out), d.off, err)
		}
		rec := Record{
			ThreadID:  raw.threadID,
			Opcode:    append([]byte(nil), raw.opcode...),
			Registers: Registers{Arch: arch, Words: d.regs},
		}
		for i := 0; i < raw.memCount(); i++ {
			rec.Memory = append(rec.Memory, MemoryAccess{
				Addr:     raw.memAddr[i],
				Old:      raw.memOld[i],
				New:      raw.memNew[i],
				ReadOnly: raw.memFlags[i]&memFlagReadOnly != 0,
			})
		}
		out = append(out, rec)
	}
}
