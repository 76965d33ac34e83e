// Package disasm decodes the opcode bytes stored in a trace into x86 and
// x86-64 instructions.
package disasm

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// MaxInstructionLength is the longest encoding of an x86 instruction.
const MaxInstructionLength = 15

// InstructionKind classifies an instruction by its effect on control flow.
type InstructionKind uint8

const (
	OtherInstruction InstructionKind = iota
	CallInstruction
	RetInstruction
	JmpInstruction
	CondJmpInstruction
	HardBreakInstruction
	SyscallInstruction
)

func (k InstructionKind) String() string {
	switch k {
	case CallInstruction:
		return "call"
	case RetInstruction:
		return "ret"
	case JmpInstruction:
		return "jmp"
	case CondJmpInstruction:
		return "jcc"
	case HardBreakInstruction:
		return "int"
	case SyscallInstruction:
		return "syscall"
	}
	return "other"
}

// AssemblyFlavour is the assembly syntax to display.
type AssemblyFlavour int

const (
	// IntelFlavour will display Intel assembly syntax.
	IntelFlavour = AssemblyFlavour(iota)
	// GNUFlavour will display GNU assembly syntax.
	GNUFlavour
	// GoFlavour will display Go assembly syntax.
	GoFlavour
)

// ParseFlavour converts the name of a syntax flavour, as it appears in
// the configuration file, to an AssemblyFlavour.
func ParseFlavour(s string) (AssemblyFlavour, error) {
	switch strings.ToLower(s) {
	case "", "intel":
		return IntelFlavour, nil
	case "gnu", "att":
		return GNUFlavour, nil
	case "go":
		return GoFlavour, nil
	}
	return IntelFlavour, fmt.Errorf("unknown disassembly flavor %q", s)
}

// ErrEmpty is returned when there are no bytes to decode.
var ErrEmpty = errors.New("no instruction bytes")

// Instruction is a single decoded instruction.
type Instruction struct {
	PC    uint64
	Bytes []byte
	Size  int
	Kind  InstructionKind
	// MemBytes is the size of the memory operand, zero if the instruction
	// has none or the decoder could not tell.
	MemBytes int

	inst *x86asm.Inst
}

// IsCall returns true if the instruction is a near or far call.
func (instr *Instruction) IsCall() bool { return instr.Kind == CallInstruction }

// IsRet returns true if the instruction is a near or far return.
func (instr *Instruction) IsRet() bool { return instr.Kind == RetInstruction }

// IsBranch returns true for calls, returns and jumps.
func (instr *Instruction) IsBranch() bool {
	switch instr.Kind {
	case CallInstruction, RetInstruction, JmpInstruction, CondJmpInstruction:
		return true
	}
	return false
}

// Mnemonic returns the lower case mnemonic of the instruction, "??" if the
// bytes could not be decoded.
func (instr *Instruction) Mnemonic() string {
	if instr == nil || instr.inst == nil {
		return "??"
	}
	return strings.ToLower(instr.inst.Op.String())
}

// Operands returns the operand list in Intel syntax.
func (instr *Instruction) Operands() string {
	text := instr.Text(IntelFlavour, nil)
	if i := strings.IndexByte(text, ' '); i >= 0 {
		return strings.TrimSpace(text[i+1:])
	}
	return ""
}

// Text returns the instruction formatted in the requested syntax. symLookup
// may be nil.
func (instr *Instruction) Text(flavour AssemblyFlavour, symLookup func(uint64) (string, uint64)) string {
	if instr == nil || instr.inst == nil {
		return "?"
	}
	if symLookup == nil {
		symLookup = noSymbols
	}
	switch flavour {
	case GNUFlavour:
		return x86asm.GNUSyntax(*instr.inst, instr.PC, symLookup)
	case GoFlavour:
		return x86asm.GoSyntax(*instr.inst, instr.PC, symLookup)
	default:
		return x86asm.IntelSyntax(*instr.inst, instr.PC, symLookup)
	}
}

// MemOperand is a memory operand, address = Base + Index*Scale + Disp.
// Register names are lower case, empty when the register is not used.
type MemOperand struct {
	Segment string
	Base    string
	Index   string
	Scale   uint8
	Disp    int64
}

// MemOperands returns the memory operands of the instruction.
func (instr *Instruction) MemOperands() []MemOperand {
	if instr == nil || instr.inst == nil {
		return nil
	}
	var out []MemOperand
	for _, arg := range instr.inst.Args {
		if arg == nil {
			break
		}
		mem, ok := arg.(x86asm.Mem)
		if !ok {
			continue
		}
		out = append(out, MemOperand{
			Segment: regName(mem.Segment),
			Base:    regName(mem.Base),
			Index:   regName(mem.Index),
			Scale:   mem.Scale,
			Disp:    mem.Disp,
		})
	}
	return out
}

func regName(r x86asm.Reg) string {
	if r == 0 {
		return ""
	}
	return strings.ToLower(r.String())
}

func noSymbols(uint64) (string, uint64) { return "", 0 }

// Decoder decodes a single instruction at a virtual address.
type Decoder interface {
	Disassemble(pc uint64, mem []byte) (*Instruction, error)
}

// X86 decodes 32 bit or 64 bit x86 code.
type X86 struct {
	bits int
}

// NewX86 returns a decoder for the given mode, 32 or 64.
func NewX86(bits int) *X86 {
	if bits != 32 {
		bits = 64
	}
	return &X86{bits: bits}
}

// Bits returns the decoding mode.
func (d *X86) Bits() int { return d.bits }

// Disassemble decodes the instruction at the start of mem. On failure the
// returned instruction is one byte long and prints as "?".
func (d *X86) Disassemble(pc uint64, mem []byte) (*Instruction, error) {
	if len(mem) == 0 {
		return &Instruction{PC: pc}, ErrEmpty
	}
	inst, err := x86asm.Decode(mem, d.bits)
	if err != nil {
		return &Instruction{PC: pc, Bytes: mem[:1], Size: 1}, err
	}
	asmInst := &Instruction{
		PC:       pc,
		Bytes:    mem[:inst.Len],
		Size:     inst.Len,
		Kind:     kindOf(inst.Op),
		MemBytes: memBytes(&inst),
	}
	patchPCRelX86(pc, &inst)
	asmInst.inst = &inst
	return asmInst, nil
}

func kindOf(op x86asm.Op) InstructionKind {
	switch op {
	case x86asm.JMP, x86asm.LJMP:
		return JmpInstruction
	case x86asm.CALL, x86asm.LCALL:
		return CallInstruction
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ:
		return RetInstruction
	case x86asm.INT:
		return HardBreakInstruction
	case x86asm.SYSCALL, x86asm.SYSENTER:
		return SyscallInstruction
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ, x86asm.JE, x86asm.JECXZ,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP,
		x86asm.JNS, x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		return CondJmpInstruction
	}
	return OtherInstruction
}

func memBytes(inst *x86asm.Inst) int {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if _, ok := arg.(x86asm.Mem); ok {
			return inst.MemBytes
		}
	}
	return 0
}

// converts PC relative arguments to absolute addresses
func patchPCRelX86(pc uint64, inst *x86asm.Inst) {
	for i := range inst.Args {
		rel, isrel := inst.Args[i].(x86asm.Rel)
		if isrel {
			inst.Args[i] = x86asm.Imm(int64(pc) + int64(rel) + int64(inst.Len))
		}
	}
}
