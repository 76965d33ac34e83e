package tracefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultSnapshotInterval is the number of records between two full
// register snapshots written by a Writer.
const DefaultSnapshotInterval = 1024

// Writer encodes trace steps in the on-disk format.
type Writer struct {
	w    *bufio.Writer
	arch Arch

	// SnapshotInterval is the number of records after which a full
	// register snapshot is written again. Zero means only the first
	// record is a snapshot.
	SnapshotInterval int

	count     uint64
	sinceSnap int
	regs      [MaxRegisterWords]uint64
	threadID  uint32

	buf []byte
}

// NewWriter returns a Writer appending records for arch to w.
func NewWriter(w io.Writer, arch Arch) *Writer {
	return &Writer{
		w:                bufio.NewWriter(w),
		arch:             arch,
		SnapshotInterval: DefaultSnapshotInterval,
		buf:              make([]byte, 0, 512),
	}
}

// Count returns the number of records written so far.
func (tw *Writer) Count() uint64 { return tw.count }

func (tw *Writer) putWord(v uint64) {
	if tw.arch.WordSize() == 4 {
		tw.buf = binary.LittleEndian.AppendUint32(tw.buf, uint32(v))
		return
	}
	tw.buf = binary.LittleEndian.AppendUint64(tw.buf, v)
}

// Write appends rec to the trace. Register words not present in the
// architecture's context must be zero.
func (tw *Writer) Write(rec *Record) error {
	if len(rec.Opcode) == 0 || len(rec.Opcode) > MaxOpcodeLength {
		return fmt.Errorf("%w: opcode length %d", ErrBadOpcode, len(rec.Opcode))
	}
	if len(rec.Memory) > MaxMemoryOperands {
		return fmt.Errorf("%w: %d", ErrTooManyOperands, len(rec.Memory))
	}
	for _, m := range rec.Memory {
		if m.ReadOnly && m.Old != m.New {
			return fmt.Errorf("%w: %#x", ErrReadOnlyChanged, m.Addr)
		}
	}
	nregs := tw.arch.RegisterWords()
	mask := tw.arch.wordMask()

	snapshot := tw.count == 0 || (tw.SnapshotInterval > 0 && tw.sinceSnap >= tw.SnapshotInterval)

	var changed [MaxRegisterWords]byte
	var values [MaxRegisterWords]uint64
	nchanged := 0
	last := -1
	for i := 0; i < nregs; i++ {
		v := rec.Registers.Words[i] & mask
		if !snapshot && v == tw.regs[i] {
			continue
		}
		changed[nchanged] = byte(i - last - 1)
		values[nchanged] = v
		nchanged++
		last = i
		tw.regs[i] = v
	}
	if nchanged == nregs {
		tw.sinceSnap = 0
	}
	tw.sinceSnap++

	flags := byte(len(rec.Opcode))
	writeTID := tw.count == 0 || rec.ThreadID != tw.threadID
	if writeTID {
		flags |= flagThreadID
		tw.threadID = rec.ThreadID
	}

	tw.buf = append(tw.buf[:0], BlockTraceStep, byte(nchanged), byte(len(rec.Memory)), flags)
	if writeTID {
		tw.buf = binary.LittleEndian.AppendUint32(tw.buf, rec.ThreadID)
	}
	tw.buf = append(tw.buf, rec.Opcode...)
	tw.buf = append(tw.buf, changed[:nchanged]...)
	for _, v := range values[:nchanged] {
		tw.putWord(v)
	}
	for _, m := range rec.Memory {
		var fl byte
		if m.ReadOnly || m.Old == m.New {
			fl |= memFlagReadOnly
		}
		tw.buf = append(tw.buf, fl)
	}
	for _, m := range rec.Memory {
		tw.putWord(m.Addr)
	}
	for _, m := range rec.Memory {
		tw.putWord(m.Old)
	}
	for _, m := range rec.Memory {
		if m.ReadOnly || m.Old == m.New {
			continue
		}
		tw.putWord(m.New)
	}
	if _, err := tw.w.Write(tw.buf); err != nil {
		return err
	}
	tw.count++
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (tw *Writer) Flush() error {
	return tw.w.Flush()
}
