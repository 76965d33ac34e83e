package tracedump

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

type match struct {
	addr, from, until uint64
}

func findAll(t *testing.T, d *Dump, pattern, mask []byte) []match {
	t.Helper()
	var out []match
	err := d.FindAllMem(pattern, mask, func(addr, from, until uint64) bool {
		out = append(out, match{addr, from, until})
		return true
	})
	require.NoError(t, err)
	return out
}

// bruteFind checks every window that contains at least one accessed byte
// at every step and returns the maximal intervals where it matched.
func bruteFind(m *model, pattern, mask []byte) []match {
	n := uint64(len(pattern))
	lo, hi := m.bounds()
	var out []match
	for s := hi; s+n-1 >= lo; s-- {
		touched := false
		for i := uint64(0); i < n; i++ {
			if len(m.hist[s+i]) > 0 {
				touched = true
			}
		}
		if touched {
			inMatch := false
			var from uint64
			for index := uint64(0); index <= m.steps; index++ {
				ok := true
				for i := uint64(0); i < n; i++ {
					if m.valueAt(s+i, index)&mask[i] != pattern[i]&mask[i] {
						ok = false
						break
					}
				}
				switch {
				case ok && !inMatch:
					inMatch, from = true, index
				case !ok && inMatch:
					inMatch = false
					out = append(out, match{s, from, index - 1})
				}
			}
			if inMatch {
				out = append(out, match{s, from, Forever})
			}
		}
		if s == 0 {
			break
		}
	}
	return out
}

func TestFindAllMemPlantedLiteral(t *testing.T) {
	d := New()
	d.Enable()
	d.AddBytes(0x3000, []byte{0, 0, 0, 0}, []byte{0xde, 0xad, 0xbe, 0xef})
	d.IncreaseIndex()
	d.AddBytes(0x3001, []byte{0xad}, []byte{0x00})
	d.IncreaseIndex()

	got := findAll(t, d, []byte{0xde, 0xad, 0xbe, 0xef}, []byte{0xff, 0xff, 0xff, 0xff})
	// written by step 0, broken by step 1
	require.Equal(t, []match{{0x3000, 1, 1}}, got)

	got = findAll(t, d, []byte{0xde, 0x00, 0xbe}, []byte{0xff, 0xff, 0xff})
	require.Equal(t, []match{{0x3000, 2, Forever}}, got)
}

func TestFindAllMemNibbleWildcards(t *testing.T) {
	d := New()
	d.Enable()
	d.AddBytes(0x10, []byte{0, 0}, []byte{0x4a, 0x5b})
	d.IncreaseIndex()

	// 4? ?b
	got := findAll(t, d, []byte{0x40, 0x0b}, []byte{0xf0, 0x0f})
	require.Equal(t, []match{{0x10, 1, Forever}}, got)

	// 4? ?c does not match
	got = findAll(t, d, []byte{0x40, 0x0c}, []byte{0xf0, 0x0f})
	require.Empty(t, got)
}

func TestFindAllMemTrailingWildcards(t *testing.T) {
	d := New()
	d.Enable()
	d.AddBytes(0x10, []byte{0}, []byte{0x77})
	d.IncreaseIndex()

	got := findAll(t, d, []byte{0x77, 0, 0}, []byte{0xff, 0, 0})
	require.Equal(t, []match{{0x10, 1, Forever}}, got)

	err := d.FindAllMem([]byte{0, 0}, []byte{0, 0}, func(uint64, uint64, uint64) bool { return true })
	require.ErrorIs(t, err, ErrBadPattern)
	err = d.FindAllMem([]byte{0, 0}, []byte{0}, func(uint64, uint64, uint64) bool { return true })
	require.ErrorIs(t, err, ErrBadPattern)
}

func TestFindAllMemAcrossGaps(t *testing.T) {
	d := New()
	d.Enable()
	d.AddBytes(0x100, []byte{0}, []byte{0x11})
	d.AddBytes(0x103, []byte{0}, []byte{0x22})
	d.IncreaseIndex()

	// 11 00 00 22 spans untouched bytes that read as zero
	got := findAll(t, d, []byte{0x11, 0, 0, 0x22}, []byte{0xff, 0xff, 0xff, 0xff})
	require.Equal(t, []match{{0x100, 1, Forever}}, got)

	// zeros before the first write are found next to touched bytes
	got = findAll(t, d, []byte{0, 0x22}, []byte{0xff, 0xff})
	require.Equal(t, []match{{0x102, 1, Forever}}, got)
}

func TestFindAllMemStop(t *testing.T) {
	d := New()
	d.Enable()
	for i := 0; i < 10; i++ {
		d.AddBytes(0x1000+uint64(i)*0x10, []byte{0}, []byte{0x90})
		d.IncreaseIndex()
	}
	calls := 0
	err := d.FindAllMem([]byte{0x90}, []byte{0xff}, func(addr, from, until uint64) bool {
		calls++
		return calls < 3
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestFindAllMemMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, seed := range []int64{1, 2, 3, 4} {
		d, m := randomHistory(t, seed, 120)
		for iter := 0; iter < 20; iter++ {
			n := 1 + rng.Intn(3)
			pattern := make([]byte, n)
			mask := make([]byte, n)
			for i := range pattern {
				pattern[i] = byte(rng.Intn(3))
				mask[i] = 0xff
				if i < n-1 && rng.Intn(4) == 0 {
					mask[i] = 0
				}
			}
			want := bruteFind(m, pattern, mask)
			got := findAll(t, d, pattern, mask)
			require.Equal(t, want, got, "seed %d pattern %x mask %x", seed, pattern, mask)
		}
	}
}
