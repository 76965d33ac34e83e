package tracedump

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// access is one byte access of the reference model.
type access struct {
	index    uint64
	old, new byte
}

// model is a brute force memory history used to check Dump.
type model struct {
	hist  map[uint64][]access
	steps uint64
}

func newModel() *model { return &model{hist: map[uint64][]access{}} }

func (m *model) add(addr uint64, old, new byte) {
	h := m.hist[addr]
	if n := len(h); n > 0 && h[n-1].index == m.steps {
		h[n-1].new = new
		return
	}
	m.hist[addr] = append(h, access{m.steps, old, new})
}

func (m *model) valueAt(addr, index uint64) byte {
	h := m.hist[addr]
	for _, a := range h {
		if a.index >= index {
			return a.old
		}
	}
	if len(h) > 0 {
		return h[len(h)-1].new
	}
	return 0
}

func (m *model) refs(start, end uint64) []uint64 {
	seen := map[uint64]bool{}
	var out []uint64
	for addr := start; addr <= end; addr++ {
		for _, a := range m.hist[addr] {
			if !seen[a.index] {
				seen[a.index] = true
				out = append(out, a.index)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (m *model) bounds() (lo, hi uint64) {
	first := true
	for a := range m.hist {
		if first || a < lo {
			lo = a
		}
		if first || a > hi {
			hi = a
		}
		first = false
	}
	return lo, hi
}

// randomHistory adds steps writing small values to a small region so that
// addresses are accessed many times and patterns recur.
func randomHistory(t *testing.T, seed int64, steps int) (*Dump, *model) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	d := New()
	d.Enable()
	m := newModel()
	const base = 0x2000
	cur := map[uint64]byte{}
	for i := 0; i < steps; i++ {
		nops := rng.Intn(3)
		var ops []Operand
		for j := 0; j < nops; j++ {
			addr := base + uint64(rng.Intn(48))
			size := []int{1, 2, 4}[rng.Intn(3)]
			var old, new uint64
			for b := 0; b < size; b++ {
				v := cur[addr+uint64(b)]
				old |= uint64(v) << (8 * b)
				nv := v
				if rng.Intn(2) == 0 {
					nv = byte(rng.Intn(3))
				}
				new |= uint64(nv) << (8 * b)
			}
			ops = append(ops, Operand{Addr: addr, Old: old, New: new, Size: size})
			for b := 0; b < size; b++ {
				a := addr + uint64(b)
				m.add(a, byte(old>>(8*b)), byte(new>>(8*b)))
				cur[a] = byte(new >> (8 * b))
			}
		}
		require.NoError(t, d.AddMemAccess(0, nil, ops))
		d.IncreaseIndex()
		m.steps++
	}
	return d, m
}

func TestKeyOrder(t *testing.T) {
	keys := []Key{{0x10, 1}, {0x20, 0}, {0x10, 5}, {0x20, 3}, {0x0, 9}}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	require.Equal(t, []Key{{0x20, 3}, {0x20, 0}, {0x10, 5}, {0x10, 1}, {0x0, 9}}, keys)
	require.False(t, Key{1, 1}.Less(Key{1, 1}))
}

func TestThreeStepScenario(t *testing.T) {
	d := New()
	d.Enable()
	require.NoError(t, d.AddMemAccess(0x401000, []byte{0x90}, []Operand{{Addr: 0x1000, Old: 0x00, New: 0xaa, Size: 1}}))
	d.IncreaseIndex()
	require.NoError(t, d.AddMemAccess(0x401001, []byte{0x90}, []Operand{{Addr: 0x1000, Old: 0xaa, New: 0xbb, Size: 1}}))
	d.IncreaseIndex()
	require.NoError(t, d.AddMemAccess(0x401002, []byte{0x90}, []Operand{{Addr: 0x1004, Old: 0x00, New: 0xcc, Size: 1}}))
	d.IncreaseIndex()
	require.Equal(t, uint64(3), d.Index())

	get := func(addr, index uint64) byte {
		var b [1]byte
		d.GetBytes(addr, b[:], index)
		return b[0]
	}
	// memory as seen before step T executes
	require.Equal(t, byte(0x00), get(0x1000, 0))
	require.Equal(t, byte(0xaa), get(0x1000, 1))
	require.Equal(t, byte(0xbb), get(0x1000, 2))
	require.Equal(t, byte(0xbb), get(0x1000, 3))
	require.Equal(t, byte(0x00), get(0x1004, 1))
	require.Equal(t, byte(0xcc), get(0x1004, 3))

	require.Equal(t, []uint64{0, 1}, d.GetReferences(0x1000, 0x1000))
	require.Equal(t, []uint64{0, 1, 2}, d.GetReferences(0x1000, 0x1004))
	require.Equal(t, []uint64{2}, d.GetReferences(0x1001, 0x2000))

	buf := make([]byte, 6)
	d.GetBytes(0x1000, buf, 3)
	require.Equal(t, []byte{0xbb, 0, 0, 0, 0xcc, 0}, buf)

	require.True(t, d.IsValidReadPtr(0x1000))
	require.True(t, d.IsValidReadPtr(0x401001))
	require.False(t, d.IsValidReadPtr(0x1001))
}

func TestSameStepAccessesMerge(t *testing.T) {
	d := New()
	d.Enable()
	require.NoError(t, d.AddMemAccess(0, nil, []Operand{
		{Addr: 0x10, Old: 1, New: 2, Size: 1},
		{Addr: 0x10, Old: 2, New: 3, Size: 1},
	}))
	d.IncreaseIndex()
	var b [1]byte
	d.GetBytes(0x10, b[:], 0)
	require.Equal(t, byte(1), b[0])
	d.GetBytes(0x10, b[:], 1)
	require.Equal(t, byte(3), b[0])
	require.Equal(t, 1, d.Len())
}

func TestOperandsAreLittleEndian(t *testing.T) {
	d := New()
	d.Enable()
	require.NoError(t, d.AddMemAccess(0, nil, []Operand{{Addr: 0x100, Old: 0, New: 0x11223344, Size: 4}}))
	d.IncreaseIndex()
	buf := make([]byte, 4)
	d.GetBytes(0x100, buf, 1)
	require.Equal(t, []byte{0x44, 0x33, 0x22, 0x11}, buf)
	require.Error(t, d.AddMemAccess(0, nil, []Operand{{Addr: 0x100, Size: 9}}))
}

func TestGetBytesMatchesModel(t *testing.T) {
	for _, seed := range []int64{1, 2, 3} {
		d, m := randomHistory(t, seed, 200)
		lo, hi := m.bounds()
		buf := make([]byte, hi-lo+9)
		for index := uint64(0); index <= m.steps+1; index++ {
			for _, noPeek := range []bool{false, true} {
				d.noPeek = noPeek
				d.GetBytes(lo-4, buf, index)
				for i, got := range buf {
					addr := lo - 4 + uint64(i)
					require.Equalf(t, m.valueAt(addr, index), got, "seed %d addr %#x index %d peek %v", seed, addr, index, !noPeek)
				}
			}
		}
		d.noPeek = false
	}
}

func TestGapFill(t *testing.T) {
	d, m := randomHistory(t, 7, 50)
	lo, hi := m.bounds()
	buf := make([]byte, 16)
	for _, index := range []uint64{0, 10, 50, 1000} {
		d.GetBytes(hi+1, buf, index)
		require.Equal(t, make([]byte, 16), buf)
		d.GetBytes(lo-16, buf, index)
		require.Equal(t, make([]byte, 16), buf)
	}
}

func TestGetReferencesMatchesModel(t *testing.T) {
	d, m := randomHistory(t, 11, 300)
	lo, hi := m.bounds()
	for addr := lo; addr <= hi; addr++ {
		require.Equal(t, m.refs(addr, addr), nilIfEmpty(d.GetReferences(addr, addr)), "addr %#x", addr)
		require.Equal(t, len(m.hist[addr]) > 0, d.IsValidReadPtr(addr))
	}
	require.Equal(t, m.refs(lo, hi), d.GetReferences(lo, hi))
	require.Nil(t, d.GetReferences(hi, lo))
}

func nilIfEmpty(s []uint64) []uint64 {
	if len(s) == 0 {
		return nil
	}
	return s
}

func TestDisabledDump(t *testing.T) {
	d := New()
	require.False(t, d.IsEnabled())
	require.ErrorIs(t, d.AddMemAccess(0, []byte{0x90}, nil), ErrDumpDisabled)
	d.AddBytes(0x10, []byte{1}, []byte{2})
	require.Equal(t, 0, d.Len())
	buf := []byte{1, 2}
	d.GetBytes(0x10, buf, 0)
	require.Equal(t, []byte{0, 0}, buf)
	require.Nil(t, d.GetReferences(0, 100))
	require.False(t, d.IsValidReadPtr(0x10))
	require.ErrorIs(t, d.FindAllMem([]byte{1}, []byte{0xff}, func(uint64, uint64, uint64) bool { return true }), ErrDumpDisabled)
}

func TestRelease(t *testing.T) {
	for _, threshold := range []int{0, 1 << 20} {
		d, _ := randomHistory(t, 5, 100)
		d.ReleaseThreshold = threshold
		require.NotZero(t, d.Len())
		d.Release()
		require.Equal(t, 0, d.Len())
		require.Equal(t, uint64(0), d.Index())
		require.False(t, d.IsEnabled())
	}
}

func TestMemoryPage(t *testing.T) {
	d := New()
	mp := NewMemoryPage(d)
	require.False(t, mp.IsAvailable())
	d.Enable()
	d.AddBytes(0x1000, []byte{0, 0}, []byte{0xde, 0xad})
	d.IncreaseIndex()

	mp.SetAttributes(0x1000, 0x10)
	mp.SetSelectedIndex(1)
	require.True(t, mp.IsAvailable())

	buf := make([]byte, 3)
	require.True(t, mp.Read(buf, 0))
	require.Equal(t, []byte{0xde, 0xad, 0}, buf)
	require.False(t, mp.Read(buf, 0xe))

	n, err := mp.ReadMemory(buf[:2], 0x1000)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	_, err = mp.ReadMemory(buf, 0xfff)
	require.Error(t, err)

	mp.SetSelectedIndex(0)
	require.True(t, mp.Read(buf, 0))
	require.Equal(t, []byte{0, 0, 0}, buf)
}

func TestReleaseInBackgroundDoesNotBlock(t *testing.T) {
	d, _ := randomHistory(t, 9, 2000)
	d.ReleaseThreshold = 1
	start := time.Now()
	d.Release()
	require.True(t, time.Since(start) < 5*time.Second)
	d.Enable()
	d.AddBytes(0x10, []byte{0}, []byte{1})
	require.Equal(t, 1, d.Len())
}
