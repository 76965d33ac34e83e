package tracedump

import "fmt"

// MemoryPage is a window of the history at a selected step, used to
// render memory and stack views.
type MemoryPage struct {
	dump  *Dump
	base  uint64
	size  uint64
	index uint64
}

// NewMemoryPage returns a page over d with an empty window.
func NewMemoryPage(d *Dump) *MemoryPage {
	return &MemoryPage{dump: d}
}

// SetAttributes sets the window to [base, base+size).
func (mp *MemoryPage) SetAttributes(base, size uint64) {
	mp.base = base
	mp.size = size
}

// SetSelectedIndex selects the step memory is read at.
func (mp *MemoryPage) SetSelectedIndex(index uint64) {
	mp.index = index
}

// SelectedIndex returns the step memory is read at.
func (mp *MemoryPage) SelectedIndex() uint64 { return mp.index }

// Base returns the first address of the window.
func (mp *MemoryPage) Base() uint64 { return mp.base }

// Size returns the size of the window.
func (mp *MemoryPage) Size() uint64 { return mp.size }

// IsAvailable returns true if the page can be read.
func (mp *MemoryPage) IsAvailable() bool {
	return mp.dump != nil && mp.dump.IsEnabled()
}

// Read fills buf with the window contents starting at offset rva.
func (mp *MemoryPage) Read(buf []byte, rva uint64) bool {
	if !mp.IsAvailable() || rva+uint64(len(buf)) > mp.size {
		return false
	}
	mp.dump.GetBytes(mp.base+rva, buf, mp.index)
	return true
}

// ReadMemory reads len(buf) bytes at the absolute address addr. It
// implements the same contract as a live process memory reader.
func (mp *MemoryPage) ReadMemory(buf []byte, addr uint64) (int, error) {
	if !mp.IsAvailable() {
		return 0, ErrDumpDisabled
	}
	if addr < mp.base || addr-mp.base+uint64(len(buf)) > mp.size {
		return 0, fmt.Errorf("read of %d bytes at %#x outside of [%#x, %#x)", len(buf), addr, mp.base, mp.base+mp.size)
	}
	mp.dump.GetBytes(addr, buf, mp.index)
	return len(buf), nil
}
