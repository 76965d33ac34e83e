package tracefile

import (
	"fmt"
	"strings"
)

// Arch describes the register context layout and word size of the
// recorded process.
type Arch uint8

const (
	// AMD64 traces use 8 byte words and a 30 word register context.
	AMD64 Arch = iota
	// I386 traces use 4 byte words and a 22 word register context.
	I386
)

// MaxRegisterWords is the size of the largest register context.
const MaxRegisterWords = 30

var regNamesAMD64 = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"rip", "eflags",
	"gs", "fs", "es", "ds", "cs", "ss",
	"dr0", "dr1", "dr2", "dr3", "dr6", "dr7",
}

var regNames386 = []string{
	"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	"eip", "eflags",
	"gs", "fs", "es", "ds", "cs", "ss",
	"dr0", "dr1", "dr2", "dr3", "dr6", "dr7",
}

// Position of registers in the context, for both layouts.
const (
	regCSP = 4
	regCBP = 5

	regCIPAMD64 = 16
	regCIP386   = 8
)

// ParseArch converts an architecture name to an Arch.
func ParseArch(s string) (Arch, error) {
	switch strings.ToLower(s) {
	case "", "amd64", "x64", "x86_64":
		return AMD64, nil
	case "386", "i386", "x86", "x32":
		return I386, nil
	}
	return AMD64, fmt.Errorf("unknown architecture %q", s)
}

func (a Arch) String() string {
	if a == I386 {
		return "386"
	}
	return "amd64"
}

// WordSize is the size in bytes of a register or memory word.
func (a Arch) WordSize() int {
	if a == I386 {
		return 4
	}
	return 8
}

// Bits is the decoding mode of the architecture.
func (a Arch) Bits() int {
	return a.WordSize() * 8
}

// RegisterWords is the number of words in the register context. A record
// that changes this many words is a full snapshot.
func (a Arch) RegisterWords() int {
	if a == I386 {
		return len(regNames386)
	}
	return len(regNamesAMD64)
}

// RegisterNames returns the names of the register context words, in order.
func (a Arch) RegisterNames() []string {
	if a == I386 {
		return regNames386
	}
	return regNamesAMD64
}

func (a Arch) pcIndex() int {
	if a == I386 {
		return regCIP386
	}
	return regCIPAMD64
}

func (a Arch) wordMask() uint64 {
	if a == I386 {
		return 0xffffffff
	}
	return ^uint64(0)
}

// Registers is the register context of a thread at a trace index.
type Registers struct {
	Arch  Arch
	Words [MaxRegisterWords]uint64
}

// Register is a named register value.
type Register struct {
	Name  string
	Value uint64
}

// PC returns the instruction pointer.
func (r *Registers) PC() uint64 { return r.Words[r.Arch.pcIndex()] }

// SP returns the stack pointer.
func (r *Registers) SP() uint64 { return r.Words[regCSP] }

// BP returns the frame pointer.
func (r *Registers) BP() uint64 { return r.Words[regCBP] }

// Flags returns the flags register.
func (r *Registers) Flags() uint64 { return r.Words[r.Arch.pcIndex()+1] }

// SetPC sets the instruction pointer.
func (r *Registers) SetPC(v uint64) { r.Words[r.Arch.pcIndex()] = v }

// SetSP sets the stack pointer.
func (r *Registers) SetSP(v uint64) { r.Words[regCSP] = v }

// Get returns the value of the register with the given name.
func (r *Registers) Get(name string) (uint64, bool) {
	name = strings.ToLower(name)
	for i, n := range r.Arch.RegisterNames() {
		if n == name {
			return r.Words[i], true
		}
	}
	return 0, false
}

// Set changes the value of the register with the given name.
func (r *Registers) Set(name string, v uint64) bool {
	name = strings.ToLower(name)
	for i, n := range r.Arch.RegisterNames() {
		if n == name {
			r.Words[i] = v & r.Arch.wordMask()
			return true
		}
	}
	return false
}

// GeneralPurpose returns the general purpose registers and the
// instruction pointer, the registers a constant search looks at.
func (r *Registers) GeneralPurpose() []Register {
	names := r.Arch.RegisterNames()
	out := make([]Register, 0, r.Arch.pcIndex()+1)
	for i := 0; i <= r.Arch.pcIndex(); i++ {
		out = append(out, Register{names[i], r.Words[i]})
	}
	return out
}

// Slice returns all the registers as a list of (name, value) pairs.
func (r *Registers) Slice() []Register {
	names := r.Arch.RegisterNames()
	out := make([]Register, len(names))
	for i := range names {
		out[i] = Register{names[i], r.Words[i]}
	}
	return out
}

// IsZero returns true if every word of the context is zero.
func (r *Registers) IsZero() bool {
	for _, w := range r.Words {
		if w != 0 {
			return false
		}
	}
	return true
}
