package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/dmap"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// Mapper manipulates the page table hierarchy rooted at a level 4 table.
type Mapper struct {
	window *dmap.Window
	alloc  pmm.Allocator
	p4     pmm.Frame
}

// NewMapper returns a mapper for the hierarchy whose top-level table is
// stored in p4. Missing tables are allocated from alloc.
func NewMapper(window *dmap.Window, alloc pmm.Allocator, p4 pmm.Frame) *Mapper {
	return &Mapper{window: window, alloc: alloc, p4: p4}
}

// P4 returns the top-level table.
func (m *Mapper) P4() *Table {
	return tableAt(m.window, m.p4, Level4)
}

// Window returns the physical memory window used to access the tables.
func (m *Mapper) Window() *dmap.Window {
	return m.window
}

// Allocator returns the frame allocator used for table pages.
func (m *Mapper) Allocator() pmm.Allocator {
	return m.alloc
}

// p1 returns the level 1 table that holds the entry for page or nil if any
// of the intermediate tables is missing.
func (m *Mapper) p1(page Page) *Table {
	p3 := m.P4().NextTable(page.P4Index())
	if p3 == nil {
		return nil
	}

	p2 := p3.NextTable(page.P3Index())
	if p2 == nil {
		return nil
	}

	return p2.NextTable(page.P2Index())
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Missing page tables are allocated from the mapper's allocator. The
// returned MapperFlush must be used to invalidate the TLB entry for page.
//
// Mapping a page whose entry is already in use is a contract violation.
func (m *Mapper) MapTo(page Page, frame pmm.Frame, flags PageTableEntryFlag) (MapperFlush, *kernel.Error) {
	p3, err := m.P4().NextTableCreate(page.P4Index(), m.alloc)
	if err != nil {
		return MapperFlush{}, err
	}

	p2, err := p3.NextTableCreate(page.P3Index(), m.alloc)
	if err != nil {
		m.releaseParents(page, nil, p3)
		return MapperFlush{}, err
	}

	p1, err := p2.NextTableCreate(page.P2Index(), m.alloc)
	if err != nil {
		m.releaseParents(page, p2, p3)
		return MapperFlush{}, err
	}

	entry := p1.Entry(page.P1Index())
	kernel.Assert(entry.IsUnused(), errPageAlreadyMapped)

	p1.IncrementEntryCount()
	entry.Set(frame, flags|FlagPresent)
	return newMapperFlush(page), nil
}

// Map reserves a frame from the mapper's allocator and maps page to it.
func (m *Mapper) Map(page Page, flags PageTableEntryFlag) (MapperFlush, *kernel.Error) {
	frame, err := m.alloc.AllocateFrames(1)
	if err != nil {
		return MapperFlush{}, err
	}

	return m.MapTo(page, frame, flags)
}

// Remap replaces the flags of an existing mapping.
func (m *Mapper) Remap(page Page, flags PageTableEntryFlag) MapperFlush {
	p1 := m.p1(page)
	kernel.Assert(p1 != nil, errPageNotMapped)

	entry := p1.Entry(page.P1Index())
	frame, ok := entry.PointedFrame()
	kernel.Assert(ok, errPageNotMapped)

	entry.Set(frame, flags|FlagPresent)
	return newMapperFlush(page)
}

// Unmap removes the mapping for page and releases the mapped frame and any
// page tables that became empty.
func (m *Mapper) Unmap(page Page) MapperFlush {
	flush, frame := m.UnmapReturn(page, false)
	m.alloc.DeallocateFrames(frame, 1)
	return flush
}

// UnmapReturn removes the mapping for page and returns the frame it pointed
// to without releasing it. Unless keepParents is set, the level 1, 2 and 3
// tables that no longer contain any entries are unlinked and their frames
// are released. Tables in the kernel half of the address space are shared
// and never released.
//
// Unmapping a page that is not mapped is a contract violation.
func (m *Mapper) UnmapReturn(page Page, keepParents bool) (MapperFlush, pmm.Frame) {
	var (
		p4 = m.P4()
		p3 = p4.NextTableMut(page.P4Index())
		p2 *Table
		p1 *Table
	)
	if p3 != nil {
		if p2 = p3.NextTableMut(page.P3Index()); p2 != nil {
			p1 = p2.NextTableMut(page.P2Index())
		}
	}
	kernel.Assert(p1 != nil, errPageNotMapped)

	entry := p1.Entry(page.P1Index())
	frame, ok := entry.PointedFrame()
	kernel.Assert(ok, errPageNotMapped)

	p1.DecrementEntryCount()
	entry.SetUnused()

	if !keepParents && page.P4Index() < KernelHalfIndex {
		if m.releaseTable(p2, page.P2Index(), p1) && m.releaseTable(p3, page.P3Index(), p2) {
			m.releaseTable(p4, page.P4Index(), p3)
		}
	}

	return newMapperFlush(page), frame
}

// releaseTable unlinks child from parent if child has no used entries. It
// returns true if the child was released.
func (m *Mapper) releaseTable(parent *Table, index int, child *Table) bool {
	if !child.IsUnused() {
		return false
	}

	parent.DecrementEntryCount()
	parent.Entry(index).SetUnused()
	m.window.UnmarkTable(child.Frame())
	m.alloc.DeallocateFrames(child.Frame(), 1)
	return true
}

// releaseParents unlinks the empty level 2 and level 3 tables on the path
// to page after a failed MapTo. The kernel half is left alone, as in
// UnmapReturn.
func (m *Mapper) releaseParents(page Page, p2, p3 *Table) {
	if page.P4Index() >= KernelHalfIndex {
		return
	}

	if p2 != nil && !m.releaseTable(p3, page.P3Index(), p2) {
		return
	}
	m.releaseTable(m.P4(), page.P4Index(), p3)
}

// TranslatePage returns the frame mapped to page.
func (m *Mapper) TranslatePage(page Page) (pmm.Frame, *kernel.Error) {
	p1 := m.p1(page)
	if p1 == nil {
		return pmm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Entry(page.P1Index()).PointedFrame()
	if !ok {
		return pmm.InvalidFrame, ErrInvalidMapping
	}
	return frame, nil
}

// TranslatePageFlags returns the flags of the entry that maps page.
func (m *Mapper) TranslatePageFlags(page Page) (PageTableEntryFlag, *kernel.Error) {
	p1 := m.p1(page)
	if p1 == nil {
		return 0, ErrInvalidMapping
	}

	entry := p1.Entry(page.P1Index())
	if !entry.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	return entry.Flags(), nil
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	frame, err := m.TranslatePage(PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return frame.Address().Add(virtAddr.PageOffset()), nil
}

// WriteVirtual copies data to the virtual address range starting at
// virtAddr. Every page in the range must be mapped.
func (m *Mapper) WriteVirtual(virtAddr mem.VirtualAddress, data []byte) *kernel.Error {
	return m.accessVirtual(virtAddr, len(data), func(buf []byte, offset int) {
		copy(buf, data[offset:])
	})
}

// ReadVirtual fills buf with the contents of the virtual address range
// starting at virtAddr. Every page in the range must be mapped.
func (m *Mapper) ReadVirtual(virtAddr mem.VirtualAddress, buf []byte) *kernel.Error {
	return m.accessVirtual(virtAddr, len(buf), func(phys []byte, offset int) {
		copy(buf[offset:], phys)
	})
}

func (m *Mapper) accessVirtual(virtAddr mem.VirtualAddress, size int, fn func(buf []byte, offset int)) *kernel.Error {
	for offset := 0; offset < size; {
		physAddr, err := m.Translate(virtAddr.Add(uint64(offset)))
		if err != nil {
			return err
		}

		chunk := int(uint64(mem.PageSize) - physAddr.Get()&uint64(mem.PageSize-1))
		if chunk > size-offset {
			chunk = size - offset
		}

		fn(m.window.Bytes(physAddr, mem.Size(chunk)), offset)
		offset += chunk
	}

	return nil
}
