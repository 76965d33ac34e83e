package tracefile

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-delve/dlvtrace/pkg/disasm"
)

// Target is the process being recorded.
type Target interface {
	// ReadMemory is just like io.ReaderAt.ReadAt.
	ReadMemory(buf []byte, addr uint64) (n int, err error)
	// Registers returns the register context of thread tid.
	Registers(tid uint32) (Registers, error)
}

// Recorder writes one record per instruction executed by a Target. Call
// Before when a thread is about to execute an instruction and After once
// it executed it.
type Recorder struct {
	w       *Writer
	target  Target
	decoder disasm.Decoder
	arch    Arch

	pending bool
	rec     Record
	code    [MaxOpcodeLength + 1]byte
	word    [8]byte
}

// NewRecorder returns a recorder of target appending to w.
func NewRecorder(w *Writer, target Target, arch Arch) *Recorder {
	return &Recorder{
		w:       w,
		target:  target,
		decoder: disasm.NewX86(arch.Bits()),
		arch:    arch,
	}
}

func (rc *Recorder) readWord(addr uint64) (uint64, error) {
	ws := rc.arch.WordSize()
	n, err := rc.target.ReadMemory(rc.word[:ws], addr)
	if err != nil {
		return 0, err
	}
	if n != ws {
		return 0, fmt.Errorf("short read at %#x", addr)
	}
	var v uint64
	for i := ws - 1; i >= 0; i-- {
		v = v<<8 | uint64(rc.word[i])
	}
	return v, nil
}

// regValue resolves a register name as printed by the decoder.
func (rc *Recorder) regValue(regs *Registers, name string) (uint64, bool) {
	if v, ok := regs.Get(name); ok {
		return v, true
	}
	if rc.arch == AMD64 {
		// 32 bit addressing in 64 bit mode
		var full string
		switch {
		case strings.HasPrefix(name, "e"):
			full = "r" + name[1:]
		case strings.HasSuffix(name, "d"):
			full = strings.TrimSuffix(name, "d")
		}
		if v, ok := regs.Get(full); ok {
			return v & 0xffffffff, true
		}
	}
	return 0, false
}

func (rc *Recorder) effectiveAddress(regs *Registers, inst *disasm.Instruction, mo disasm.MemOperand) (uint64, error) {
	// segment bases are not part of the register context
	addr := uint64(mo.Disp)
	switch mo.Base {
	case "":
	case "rip", "eip":
		addr += inst.PC + uint64(inst.Size)
	default:
		v, ok := rc.regValue(regs, mo.Base)
		if !ok {
			return 0, fmt.Errorf("unknown register %q", mo.Base)
		}
		addr += v
	}
	if mo.Index != "" {
		v, ok := rc.regValue(regs, mo.Index)
		if !ok {
			return 0, fmt.Errorf("unknown register %q", mo.Index)
		}
		addr += v * uint64(mo.Scale)
	}
	return addr & rc.arch.wordMask(), nil
}

// Before captures the state of thread tid before it executes the
// instruction at its program counter.
func (rc *Recorder) Before(tid uint32) error {
	if rc.pending {
		return errors.New("previous step was not completed")
	}
	regs, err := rc.target.Registers(tid)
	if err != nil {
		return err
	}
	regs.Arch = rc.arch
	pc := regs.PC()
	n, err := rc.target.ReadMemory(rc.code[:MaxOpcodeLength], pc)
	if n == 0 {
		if err == nil {
			err = fmt.Errorf("could not read code at %#x", pc)
		}
		return err
	}
	inst, err := rc.decoder.Disassemble(pc, rc.code[:n])
	if err != nil {
		// record the byte the decoder could not make sense of
		inst.Size = 1
	}

	rc.rec = Record{
		ThreadID:  tid,
		Opcode:    append(rc.rec.Opcode[:0], rc.code[:inst.Size]...),
		Registers: regs,
		Memory:    rc.rec.Memory[:0],
	}
	for _, mo := range inst.MemOperands() {
		if len(rc.rec.Memory) == MaxMemoryOperands {
			break
		}
		addr, err := rc.effectiveAddress(&regs, inst, mo)
		if err != nil {
			continue
		}
		old, err := rc.readWord(addr)
		if err != nil {
			// lea and friends compute addresses that need not be mapped
			continue
		}
		rc.rec.Memory = append(rc.rec.Memory, MemoryAccess{Addr: addr, Old: old, New: old})
	}
	rc.pending = true
	return nil
}

// After reads the memory written by the step captured by Before and writes
// its record.
func (rc *Recorder) After() error {
	if !rc.pending {
		return errors.New("no step in progress")
	}
	rc.pending = false
	for i := range rc.rec.Memory {
		m := &rc.rec.Memory[i]
		v, err := rc.readWord(m.Addr)
		if err != nil {
			// unmapped by the step itself
			continue
		}
		m.New = v
		m.ReadOnly = m.New == m.Old
	}
	return rc.w.Write(&rc.rec)
}

// Count returns the number of steps recorded.
func (rc *Recorder) Count() uint64 { return rc.w.Count() }
