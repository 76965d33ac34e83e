package tracesearch

import (
	"fmt"
	"strings"

	"github.com/go-delve/dlvtrace/pkg/disasm"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
)

// Describe returns a human readable summary of the step at index: its
// thread, instruction and memory operands.
func Describe(trace Trace, index uint64, flavour disasm.AssemblyFlavour) string {
	if index >= trace.Length() {
		return fmt.Sprintf("index %d out of range", index)
	}
	arch := trace.Arch()
	ptr := func(v uint64) string { return fmt.Sprintf("%0*X", arch.WordSize()*2, v) }

	regs := trace.Registers(index)
	text := "??"
	op := trace.OpCode(index)
	inst, err := disasm.NewX86(arch.Bits()).Disassemble(regs.PC(), op)
	if err == nil {
		text = inst.Text(flavour, nil)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s  thread %d\n", trace.IndexText(index), trace.ThreadID(index))
	fmt.Fprintf(&b, "%s  % x  %s\n", ptr(regs.PC()), op, text)

	mem := trace.MemoryAccessInfo(index, nil)
	for _, m := range mem {
		if m.Old == m.New {
			fmt.Fprintf(&b, "  [%s] = %s\n", ptr(m.Addr), ptr(m.Old))
		} else {
			fmt.Fprintf(&b, "  [%s] %s -> %s\n", ptr(m.Addr), ptr(m.Old), ptr(m.New))
		}
	}
	if index+1 < trace.Length() {
		next := trace.Registers(index + 1)
		if changed := changedRegisters(&regs, &next); len(changed) > 0 {
			fmt.Fprintf(&b, "  %s\n", strings.Join(changed, " "))
		}
	}
	return b.String()
}

// changedRegisters lists the registers that differ between before and
// after, the instruction pointer excluded.
func changedRegisters(before, after *tracefile.Registers) []string {
	var out []string
	pc := len(before.GeneralPurpose()) - 1
	a := after.Slice()
	for i, r := range before.Slice() {
		if i == pc || r.Value == a[i].Value {
			continue
		}
		out = append(out, fmt.Sprintf("%s=%X", r.Name, a[i].Value))
	}
	return out
}
