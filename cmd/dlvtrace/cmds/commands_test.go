package cmds

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/dlvtrace/pkg/config"
	"github.com/go-delve/dlvtrace/pkg/tracefile"
)

func testConfig(arch string) *config.Config {
	c := &config.Config{Arch: arch}
	c.Normalize()
	return c
}

// withSyntheticTrace writes a synthetic trace of iterations loop
// iterations and opens it.
func withSyntheticTrace(t *testing.T, arch string, iterations int, compress bool, fn func(r *tracefile.Reader, c *config.Config)) {
	t.Helper()
	c := testConfig(arch)
	a, err := tracefile.ParseArch(arch)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "synthetic.trace")
	n, err := writeSyntheticFile(path, a, iterations, 4, compress)
	require.NoError(t, err)
	require.Equal(t, uint64(6*iterations), n)

	r, err := openTrace(c, path)
	require.NoError(t, err)
	defer r.Close()
	fn(r, c)
}

func TestGenerateTrace(t *testing.T) {
	withSyntheticTrace(t, "amd64", 3, false, func(r *tracefile.Reader, c *config.Config) {
		require.Equal(t, uint64(18), r.Length())

		regs := r.Registers(1)
		require.Equal(t, uint64(genFunc), regs.PC())
		require.Equal(t, uint64(genStack-8), regs.SP())

		mem := r.MemoryAccessInfo(1, nil)
		require.Len(t, mem, 1)
		require.Equal(t, uint64(genData), mem[0].Addr)
		require.Equal(t, uint64(1), mem[0].New)

		mem = r.MemoryAccessInfo(6+1, nil)
		require.Len(t, mem, 1)
		require.Equal(t, uint64(genData+8), mem[0].Addr)
		require.Equal(t, uint64(2), mem[0].New)

		require.Equal(t, []byte{0xc3}, r.OpCode(3))
		require.Equal(t, uint32(1), r.ThreadID(17))
	})
}

func TestGenerateTrace386(t *testing.T) {
	withSyntheticTrace(t, "386", 2, false, func(r *tracefile.Reader, c *config.Config) {
		require.Equal(t, uint64(12), r.Length())
		regs := r.Registers(1)
		require.Equal(t, uint64(genFunc), regs.PC())
		require.Equal(t, uint64(genStack-4), regs.SP())
		ebx, _ := regs.Get("ebx")
		require.Equal(t, uint64(genData), ebx)

		regs = r.Registers(6)
		ebx, _ = regs.Get("ebx")
		require.Equal(t, uint64(genData+4), ebx)
	})
}

func TestGenerateCompressed(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, true, func(r *tracefile.Reader, c *config.Config) {
		require.Equal(t, uint64(12), r.Length())
		regs := r.Registers(11)
		require.Equal(t, uint64(genCodeBase+9), regs.PC())
	})
}

func TestPrintInfo(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, printInfo(&out, r, "synthetic.trace"))
		fields := map[string]string{}
		for _, line := range strings.Split(out.String(), "\n") {
			if k, v, ok := strings.Cut(line, ":"); ok {
				fields[k] = strings.TrimSpace(v)
			}
		}
		require.Equal(t, "12", fields["Records"])
		require.Equal(t, "1", fields["Threads"])
		require.Equal(t, "amd64", fields["Arch"])
	})
}

func TestDescribeSteps(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, describeSteps(&out, r, c, "0", 2))
		require.Contains(t, out.String(), "e8 fb 00 00 00")
		require.Contains(t, out.String(), "48 89 03")
		require.NotContains(t, out.String(), "48 ff c0")

		err := describeSteps(&out, r, c, "12", 1)
		require.ErrorContains(t, err, "out of range")
		err = describeSteps(&out, r, c, "one", 1)
		require.ErrorContains(t, err, "could not parse")
	})
}

func TestPrintRegisters(t *testing.T) {
	withSyntheticTrace(t, "amd64", 1, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, printRegisters(&out, r, "1", false))
		require.Contains(t, out.String(), "00000000007FEFF8")
		require.NotContains(t, out.String(), "dr7")

		out.Reset()
		require.NoError(t, printRegisters(&out, r, "1", true))
		require.Contains(t, out.String(), "dr7")
	})
}

func TestPrintMemory(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, printMemory(&out, r, "1", "0x500000", 8))
		require.Contains(t, out.String(), "0000000000500000  00 00 00 00 00 00 00 00")

		out.Reset()
		require.NoError(t, printMemory(&out, r, "2", "0x500000", 8))
		require.Contains(t, out.String(), "0000000000500000  01 00 00 00 00 00 00 00")

		require.Error(t, printMemory(&out, r, "2", "0x500000", 0))
	})
}

func TestPrintReferences(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, printReferences(&out, r, "0x500008"))
		require.Equal(t, "7\t0x401100\n", out.String())
	})
}

func TestPrintReturn(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, printReturn(&out, r, c, "1"))
		require.True(t, strings.HasPrefix(out.String(), "3  thread 1"), "%q", out.String())

		require.ErrorContains(t, printReturn(&out, r, c, "0"), "no return found")
	})
}

func TestSearchConstant(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, searchConstant(&out, r, c, []string{"0x500000"}))
		require.Contains(t, out.String(), "5 results")

		out.Reset()
		require.ErrorContains(t, searchConstant(&out, r, c, []string{"2", "1"}), "empty range")
	})
}

func TestSearchMemory(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		err := searchMemory(&out, r, c, "0x500000")
		require.ErrorContains(t, err, "memory history is disabled")

		r.EnableDump()
		out.Reset()
		require.NoError(t, searchMemory(&out, r, c, "0x500000"))
		require.Contains(t, out.String(), "1 results")
	})
}

func TestSearchPattern(t *testing.T) {
	withSyntheticTrace(t, "amd64", 2, false, func(r *tracefile.Reader, c *config.Config) {
		var out bytes.Buffer
		require.NoError(t, searchPattern(&out, r, c, []string{"01", "00", "00", "00", "00", "00", "00", "00"}))
		require.Contains(t, out.String(), "0000000000500000")

		require.ErrorContains(t, searchPattern(&out, r, c, []string{"0"}), "bad search pattern")
	})
}

func TestEffectiveConfig(t *testing.T) {
	conf = testConfig("amd64")
	arch, pageCacheSize, maxPageRecords, flavor = "386", 16, 0, "gnu"
	c := effectiveConfig()
	require.Equal(t, "386", c.Arch)
	require.Equal(t, 16, c.PageCacheSize)
	require.Equal(t, config.DefaultMaxPageRecords, c.MaxPageRecords)
	require.Equal(t, "gnu", c.DisassembleFlavor)
	require.Equal(t, "amd64", conf.Arch)
}

func TestArchFlag(t *testing.T) {
	s := "amd64"
	f := archFlag{&s}
	require.NoError(t, f.Set("386"))
	require.Equal(t, "386", f.String())
	require.Error(t, f.Set("arm64"))
	require.Equal(t, "386", s)
	require.Equal(t, "arch", f.Type())
}
