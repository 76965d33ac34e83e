package terminal

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-delve/dlvtrace/pkg/config"
	"github.com/go-delve/dlvtrace/pkg/tracedump"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
)

type FakeTerminal struct {
	*Term
	out *bytes.Buffer
	t   testing.TB
}

func (ft *FakeTerminal) Exec(cmdstr string) (string, error) {
	ft.out.Reset()
	err := ft.cmds.Call(cmdstr, ft.Term)
	return ft.out.String(), err
}

func (ft *FakeTerminal) MustExec(cmdstr string) string {
	outstr, err := ft.Exec(cmdstr)
	if err != nil {
		ft.t.Errorf("output of %q: %q", cmdstr, outstr)
		ft.t.Fatalf("Error executing <%s>: %v", cmdstr, err)
	}
	return outstr
}

func (ft *FakeTerminal) AssertExecError(cmdstr, tgterr string) {
	_, err := ft.Exec(cmdstr)
	if err == nil {
		ft.t.Fatalf("Expected error executing %q", cmdstr)
	}
	if !strings.Contains(err.Error(), tgterr) {
		ft.t.Fatalf("Expected error %q executing %q, got error %q", tgterr, cmdstr, err.Error())
	}
}

func record(tid uint32, pc, sp, rax uint64, op []byte, mem ...tracefile.MemoryAccess) tracefile.Record {
	regs := tracefile.Registers{Arch: tracefile.AMD64}
	regs.SetPC(pc)
	regs.SetSP(sp)
	regs.Set("rax", rax)
	return tracefile.Record{ThreadID: tid, Opcode: op, Registers: regs, Memory: mem}
}

func withTestTerminal(t *testing.T, conf *config.Config, fn func(*FakeTerminal)) {
	t.Helper()
	recs := []tracefile.Record{
		record(1, 0x401000, 0x7000, 0x1234, []byte{0xe8, 0x05, 0x00, 0x00, 0x00}, tracefile.MemoryAccess{Addr: 0x6ff8, New: 0x401005}),
		record(1, 0x40100a, 0x6ff8, 0x5000, []byte{0x89, 0x08}, tracefile.MemoryAccess{Addr: 0x5000, Old: 0x11, New: 0xdeadbeef}),
		record(1, 0x40100c, 0x6ff8, 0x5000, []byte{0xc3}),
		record(1, 0x401005, 0x7000, 0x5000, []byte{0x90}),
	}
	var buf bytes.Buffer
	w := tracefile.NewWriter(&buf, tracefile.AMD64)
	for i := range recs {
		if err := w.Write(&recs[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "trace.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatal(err)
	}

	r := tracefile.NewReader(tracefile.Options{Arch: tracefile.AMD64})
	if err := r.Open(path); err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	if err := r.Wait(); err != nil {
		t.Fatal(err)
	}

	if conf != nil {
		conf.Normalize()
	}
	term := New(r, conf)
	out := new(bytes.Buffer)
	term.stdout = out
	term.dumb = true
	fn(&FakeTerminal{Term: term, out: out, t: t})
}

func TestCommandDefault(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		_, err := term.Exec("notacommand")
		if err != errNoCmd {
			t.Fatalf("wrong error: %v", err)
		}
		if _, err := term.Exec(""); err != nil {
			t.Fatalf("empty command: %v", err)
		}
	})
}

func TestExit(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		for _, cmd := range []string{"exit", "quit", "q"} {
			_, err := term.Exec(cmd)
			if _, ok := err.(ExitRequestError); !ok {
				t.Fatalf("%s: got %v", cmd, err)
			}
		}
	})
}

func TestHelp(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("help")
		for _, want := range []string{"Searching the trace:", "find", "step (alias: s)"} {
			if !strings.Contains(out, want) {
				t.Errorf("help output does not contain %q:\n%s", want, out)
			}
		}
		out = term.MustExec("help ret")
		if !strings.Contains(out, "stack pointer") {
			t.Errorf("help ret: %q", out)
		}
		term.AssertExecError("help nothing", "command not available")
	})
}

func TestConfigAliases(t *testing.T) {
	conf := &config.Config{Aliases: map[string][]string{"regs": {"rr"}}}
	withTestTerminal(t, conf, func(term *FakeTerminal) {
		out := term.MustExec("rr")
		if !strings.Contains(out, "rip") {
			t.Fatalf("rr output: %q", out)
		}
		term.MustExec("r")
	})
}

func TestComplete(t *testing.T) {
	c := TraceCommands()
	tests := []struct {
		line string
		want []string
	}{
		{"st", []string{"stack", "step"}},
		{"ex", []string{"examinemem", "exit"}},
		{"RE", []string{"refs", "regs", "ret"}},
		{"zz", nil},
		{"step 1", nil},
	}
	for _, tc := range tests {
		got := c.complete(tc.line)
		if strings.Join(got, ",") != strings.Join(tc.want, ",") {
			t.Errorf("complete(%q) = %v, want %v", tc.line, got, tc.want)
		}
	}
}

func TestNavigation(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("goto 1")
		if !strings.Contains(out, "thread 1") || !strings.Contains(out, "000000000040100A") {
			t.Fatalf("goto 1: %q", out)
		}
		if term.cur != 1 {
			t.Fatalf("selected %d", term.cur)
		}

		term.MustExec("step")
		if term.cur != 2 {
			t.Fatalf("selected %d after step", term.cur)
		}
		term.AssertExecError("step 2", "out of range")
		term.MustExec("rstep 2")
		if term.cur != 0 {
			t.Fatalf("selected %d after rstep", term.cur)
		}
		term.AssertExecError("rstep", "start of the trace")
		term.AssertExecError("goto 0x10", "out of range")
		term.AssertExecError("goto x", "could not parse")

		term.MustExec("goto 1")
		term.MustExec("ret")
		if term.cur != 2 {
			t.Fatalf("selected %d after ret", term.cur)
		}
	})
}

func TestRegs(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.MustExec("goto 1")
		out := term.MustExec("regs")
		if !strings.Contains(out, "0000000000005000") || !strings.Contains(out, "rip") {
			t.Fatalf("regs: %q", out)
		}
		if strings.Contains(out, "eflags") {
			t.Fatalf("regs without -a printed eflags: %q", out)
		}
		out = term.MustExec("regs -a")
		if !strings.Contains(out, "eflags") || !strings.Contains(out, "dr7") {
			t.Fatalf("regs -a: %q", out)
		}
	})
}

func TestMemoryCommands(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		_, err := term.Exec("refs 0x5000")
		if !errors.Is(err, tracedump.ErrDumpDisabled) {
			t.Fatalf("refs with history disabled: %v", err)
		}
		term.AssertExecError("x 0x5000", "memory history")

		out := term.MustExec("dump")
		if !strings.Contains(out, "4 steps") {
			t.Fatalf("dump: %q", out)
		}

		out = term.MustExec("refs 0x5000")
		if !strings.Contains(out, "1 references") || !strings.Contains(out, "000000000040100A") {
			t.Fatalf("refs: %q", out)
		}

		term.MustExec("goto 1")
		out = term.MustExec("x -len 4 0x5000")
		if !strings.Contains(out, "0000000000005000  11 00 00 00") {
			t.Fatalf("x at 1: %q", out)
		}
		term.MustExec("goto 2")
		out = term.MustExec("x -len 4 0x5000")
		if !strings.Contains(out, "0000000000005000  ef be ad de") {
			t.Fatalf("x at 2: %q", out)
		}
		term.AssertExecError("x -len", "expected argument")
		term.AssertExecError("x -len 4", "no address")
		term.AssertExecError("x -bogus 1 0x5000", "unknown option")

		out = term.MustExec("stack 1")
		if !strings.Contains(out, "0000000000006FF8  0000000000401005") {
			t.Fatalf("stack: %q", out)
		}
	})
}

func TestSearchCommands(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		out := term.MustExec("const 0x5000")
		if !strings.Contains(out, "3 results") {
			t.Fatalf("const: %q", out)
		}
		out = term.MustExec("const 0x7000 0x7fff")
		if !strings.Contains(out, "2 results") {
			t.Fatalf("const range: %q", out)
		}
		term.AssertExecError("const 2 1", "empty range")
		term.AssertExecError("const", "wrong number of arguments")

		term.AssertExecError("find ef be ad de", "memory history")
		term.MustExec("dump")
		out = term.MustExec("find ef be ad de")
		if !strings.Contains(out, "0000000000005000") || !strings.Contains(out, "1 matches") {
			t.Fatalf("find: %q", out)
		}
		term.AssertExecError("find e", "bad search pattern")
	})
}

func TestConfigCommand(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		term.MustExec("config max-search-results 7")
		if term.conf.MaxSearchResults != 7 || term.searcher.MaxResults != 7 {
			t.Fatalf("max-search-results not applied: %d %d", term.conf.MaxSearchResults, term.searcher.MaxResults)
		}
		term.AssertExecError("config max-search-results -1", "greater than zero")
		term.AssertExecError("config nosuchkey 1", "not a configuration parameter")
		term.AssertExecError("config disassemble-flavor klingon", "unknown disassembly flavor")
		if term.conf.DisassembleFlavor != "intel" {
			t.Fatalf("rejected flavor kept in configuration: %q", term.conf.DisassembleFlavor)
		}
		term.MustExec("config max-search-results 3")
		term.MustExec("config max-search-results 7")
		term.MustExec("config disassemble-flavor gnu")
		if term.conf.DisassembleFlavor != "gnu" {
			t.Fatalf("flavor not applied: %q", term.conf.DisassembleFlavor)
		}

		term.MustExec("config alias regs rr")
		term.MustExec("rr")
		term.MustExec("config alias rr")
		if _, err := term.Exec("rr"); err != errNoCmd {
			t.Fatalf("alias not removed: %v", err)
		}

		out := term.MustExec("config -list")
		found := false
		for _, line := range strings.Split(out, "\n") {
			if f := strings.Fields(line); len(f) == 2 && f[0] == "max-search-results" {
				found = f[1] == "7"
			}
		}
		if !found {
			t.Fatalf("config -list: %q", out)
		}
	})
}

func TestSourceCommand(t *testing.T) {
	withTestTerminal(t, nil, func(term *FakeTerminal) {
		path := filepath.Join(t.TempDir(), "init")
		script := "# comment\ngoto 1\nbogus\nstep\n"
		if err := os.WriteFile(path, []byte(script), 0o600); err != nil {
			t.Fatal(err)
		}
		out := term.MustExec("source " + path)
		if !strings.Contains(out, path+":3: command not available") {
			t.Fatalf("source: %q", out)
		}
		if term.cur != 2 {
			t.Fatalf("selected %d after source", term.cur)
		}
		term.AssertExecError("source", "wrong number of arguments")
	})
}

func TestHexDump(t *testing.T) {
	mem := []byte("0123456789abcdef\x00\xff")
	got := HexDump(0x1000, mem, 8)
	want := "00001000  30 31 32 33 34 35 36 37 38 39 61 62 63 64 65 66  0123456789abcdef\n" +
		"00001010  00 ff" + strings.Repeat("   ", 14) + "  ..\n"
	if got != want {
		t.Fatalf("hexDump mismatch:\n%q\n%q", got, want)
	}
}
