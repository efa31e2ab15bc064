// Package dmap provides direct access to simulated physical memory.
//
// Each available memory area reported by the firmware is backed by an
// anonymous host mapping. Code that needs to read or write a physical frame
// (page table walkers, the temporary page, the syscall layer) looks up the
// frame through the Window instead of relying on a recursive page table
// mapping.
package dmap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"unsafe"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

var errOutsideWindow = &kernel.Error{Module: "dmap", Message: "physical access outside of any memory area", Kind: kernel.ContractViolation}

type region struct {
	base mem.PhysicalAddress
	mmap mmap.MMap
}

func (r *region) end() mem.PhysicalAddress {
	return r.base.Add(uint64(len(r.mmap)))
}

// Window provides access to the contents of physical memory.
type Window struct {
	// regions are sorted by base address and never overlap.
	regions []region

	mu     sync.RWMutex
	tables *bitset.BitSet
}

// NewWindow maps a zero-filled host region for every frame-sized portion of
// the supplied areas.
func NewWindow(areas []pmm.MemoryArea) (*Window, error) {
	w := &Window{
		// The bitset resizes automatically based on the maximum set bit.
		tables: bitset.New(0),
	}

	for _, area := range areas {
		if area.Empty() {
			continue
		}

		size := area.FrameCount() << mem.PageShift
		mm, err := mmap.MapRegion(nil, int(size), mmap.RDWR, mmap.ANON, 0)
		if err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("error mapping memory area at %s: %w", area.Base, err)
		}

		w.regions = append(w.regions, region{base: area.StartFrame().Address(), mmap: mm})
	}

	sort.Slice(w.regions, func(i, j int) bool { return w.regions[i].base < w.regions[j].base })

	for i := 1; i < len(w.regions); i++ {
		if w.regions[i].base < w.regions[i-1].end() {
			_ = w.Close()
			return nil, fmt.Errorf("memory area at %s overlaps area at %s", w.regions[i].base, w.regions[i-1].base)
		}
	}

	return w, nil
}

// Close releases the host mappings. The window must not be used afterwards.
func (w *Window) Close() error {
	var errs []error
	for i := range w.regions {
		errs = append(errs, w.regions[i].mmap.Unmap())
	}
	w.regions = nil

	return errors.Join(errs...)
}

// Contains returns true if the range [addr, addr+size) is backed by a single
// memory area.
func (w *Window) Contains(addr mem.PhysicalAddress, size mem.Size) bool {
	_, _, ok := w.lookup(addr, size)
	return ok
}

func (w *Window) lookup(addr mem.PhysicalAddress, size mem.Size) (*region, uint64, bool) {
	index := sort.Search(len(w.regions), func(i int) bool { return w.regions[i].end() > addr })
	if index == len(w.regions) {
		return nil, 0, false
	}

	r := &w.regions[index]
	if addr < r.base || uint64(r.end()-addr) < uint64(size) {
		return nil, 0, false
	}

	return r, uint64(addr - r.base), true
}

// Bytes returns a slice aliasing the physical range [addr, addr+size).
// Accessing memory that is not backed by an area is a contract violation.
func (w *Window) Bytes(addr mem.PhysicalAddress, size mem.Size) []byte {
	r, offset, ok := w.lookup(addr, size)
	if !ok {
		kernel.Panic(errOutsideWindow)
		return nil
	}

	return r.mmap[offset : offset+uint64(size) : offset+uint64(size)]
}

// Memset sets size bytes starting at addr to value.
func (w *Window) Memset(addr mem.PhysicalAddress, value byte, size mem.Size) {
	mem.Memset(w.Bytes(addr, size), value)
}

// Memcopy copies size bytes from src to dst.
func (w *Window) Memcopy(src, dst mem.PhysicalAddress, size mem.Size) {
	copy(w.Bytes(dst, size), w.Bytes(src, size))
}

// Entries returns the contents of frame viewed as an array of 64-bit page
// table entries.
func (w *Window) Entries(frame pmm.Frame) []uint64 {
	buf := w.Bytes(frame.Address(), mem.PageSize)
	return unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), mem.EntryCount)
}

// MarkTable records that frame currently backs a page table.
func (w *Window) MarkTable(frame pmm.Frame) {
	w.mu.Lock()
	w.tables.Set(uint(frame))
	w.mu.Unlock()
}

// UnmarkTable records that frame no longer backs a page table.
func (w *Window) UnmarkTable(frame pmm.Frame) {
	w.mu.Lock()
	w.tables.Clear(uint(frame))
	w.mu.Unlock()
}

// IsTable returns true if frame backs a page table.
func (w *Window) IsTable(frame pmm.Frame) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.tables.Test(uint(frame))
}

// TableCount returns the number of frames that back page tables.
func (w *Window) TableCount() uint {
	w.mu.RLock()
	defer w.mu.RUnlock()

	return w.tables.Count()
}
