package cmds

import (
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/go-delve/dlvtrace/pkg/tracefile"
)

// Layout of the synthetic program written by 'gen'.
const (
	genCodeBase = 0x401000
	genFunc     = 0x401100
	genData     = 0x500000
	genStack    = 0x7ff000
)

// writeSyntheticFile writes a synthetic trace of iterations loop iterations
// to path, compressed with zstd if compress is set.
func writeSyntheticFile(path string, arch tracefile.Arch, iterations, snapshotInterval int, compress bool) (uint64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	var out io.Writer = f
	var enc *zstd.Encoder
	if compress {
		enc, err = zstd.NewWriter(f)
		if err != nil {
			f.Close()
			return 0, err
		}
		out = enc
	}
	n, err := generateTrace(out, arch, iterations, snapshotInterval)
	if enc != nil {
		if cerr := enc.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// generateTrace records a loop that calls a function storing a counter
// into an array, starting at 1:
//
//	loop:	call store
//		add cbx, word
//		jmp loop
//	store:	mov [cbx], cax
//		inc cax
//		ret
//
// Every iteration is six records on thread 1.
func generateTrace(w io.Writer, arch tracefile.Arch, iterations, snapshotInterval int) (uint64, error) {
	tw := tracefile.NewWriter(w, arch)
	tw.SnapshotInterval = snapshotInterval

	ws := uint64(arch.WordSize())
	prefix := "r"
	movOp := []byte{0x48, 0x89, 0x03}
	incOp := []byte{0x48, 0xff, 0xc0}
	addOp := []byte{0x48, 0x83, 0xc3, byte(ws)}
	if arch == tracefile.I386 {
		prefix = "e"
		movOp = []byte{0x89, 0x03}
		incOp = []byte{0x40}
		addOp = []byte{0x83, 0xc3, byte(ws)}
	}
	callOp := []byte{0xe8, 0xfb, 0x00, 0x00, 0x00}
	retAddr := uint64(genCodeBase + len(callOp))
	jmpAddr := retAddr + uint64(len(addOp))
	jmpOp := []byte{0xeb, byte(genCodeBase - (jmpAddr + 2))}

	regs := tracefile.Registers{Arch: arch}
	regs.SetSP(genStack)
	regs.Set(prefix+"ax", 1)
	regs.Set(prefix+"bx", genData)
	get := func(name string) uint64 {
		v, _ := regs.Get(prefix + name)
		return v
	}

	emit := func(pc uint64, op []byte, mem ...tracefile.MemoryAccess) error {
		regs.SetPC(pc)
		rec := tracefile.Record{ThreadID: 1, Opcode: op, Registers: regs, Memory: mem}
		return tw.Write(&rec)
	}

	for i := 0; i < iterations; i++ {
		sp := regs.SP()
		if err := emit(genCodeBase, callOp, tracefile.MemoryAccess{Addr: sp - ws, New: retAddr}); err != nil {
			return tw.Count(), err
		}
		regs.SetSP(sp - ws)

		cax, cbx := get("ax"), get("bx")
		if err := emit(genFunc, movOp, tracefile.MemoryAccess{Addr: cbx, New: cax}); err != nil {
			return tw.Count(), err
		}
		if err := emit(genFunc+uint64(len(movOp)), incOp); err != nil {
			return tw.Count(), err
		}
		regs.Set(prefix+"ax", cax+1)

		ret := tracefile.MemoryAccess{Addr: sp - ws, Old: retAddr, New: retAddr, ReadOnly: true}
		if err := emit(genFunc+uint64(len(movOp)+len(incOp)), []byte{0xc3}, ret); err != nil {
			return tw.Count(), err
		}
		regs.SetSP(sp)

		if err := emit(retAddr, addOp); err != nil {
			return tw.Count(), err
		}
		regs.Set(prefix+"bx", cbx+ws)

		if err := emit(jmpAddr, jmpOp); err != nil {
			return tw.Count(), err
		}
	}
	return tw.Count(), tw.Flush()
}
