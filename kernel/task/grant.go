package task

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
)

var errGrantNotMapped = &kernel.Error{Module: "grant", Message: "grant is not mapped", Kind: kernel.ContractViolation}

// Grant is a mapping of a physical range into an address space that is
// owned by the address space's task.
type Grant struct {
	region   Region
	physAddr mem.PhysicalAddress
	flags    vmm.PageTableEntryFlag
	mapped   bool
}

// Physmap maps size bytes of physical memory starting at from to the
// virtual address to in the active table. Both addresses must be page
// aligned. If a page table cannot be allocated, the pages mapped so far and
// the tables created for them are removed again and the error is returned.
func Physmap(from mem.PhysicalAddress, to mem.VirtualAddress, size mem.Size, flags vmm.PageTableEntryFlag, active *vmm.ActivePageTable) (*Grant, *kernel.Error) {
	var (
		flushAll vmm.MapperFlushAll
		frame    = pmm.FrameFromAddress(from)
		pages    = pageRange(to, size)
		mapped   uint64
	)
	defer flushAll.Flush(active)

	for page, ok := pages.Next(); ok; page, ok = pages.Next() {
		flush, err := active.MapTo(page, frame, flags)
		if err != nil {
			unmapPages(active, to, mapped, &flushAll)
			return nil, err
		}
		flushAll.Consume(flush)
		frame++
		mapped++
	}

	return &Grant{
		region:   NewRegion(to, size),
		physAddr: from,
		flags:    flags,
		mapped:   true,
	}, nil
}

// Region returns the virtual range covered by the grant.
func (g *Grant) Region() Region {
	return g.region
}

// Start returns the virtual start address of the grant.
func (g *Grant) Start() mem.VirtualAddress {
	return g.region.start
}

// Size returns the size of the grant in bytes.
func (g *Grant) Size() mem.Size {
	return g.region.size
}

// PhysAddr returns the physical start address of the grant.
func (g *Grant) PhysAddr() mem.PhysicalAddress {
	return g.physAddr
}

// Flags returns the page table entry flags used by the mapping.
func (g *Grant) Flags() vmm.PageTableEntryFlag {
	return g.flags
}

// Mapped returns false once the grant has been unmapped.
func (g *Grant) Mapped() bool {
	return g.mapped
}

// Unmap removes the grant's translations from the active table and
// releases the page tables that become empty. The physical frames are not
// released; they do not belong to the address space.
func (g *Grant) Unmap(active *vmm.ActivePageTable) {
	kernel.Assert(g.mapped, errGrantNotMapped)

	var flushAll vmm.MapperFlushAll
	unmapPages(active, g.region.start, g.region.size.Pages(), &flushAll)
	flushAll.Flush(active)

	g.mapped = false
}

func pageRange(start mem.VirtualAddress, size mem.Size) *vmm.PageRange {
	return vmm.NewPageRange(
		vmm.PageFromAddress(start),
		vmm.PageFromAddress(start.Add(uint64(size)-1)),
	)
}

func unmapPages(active *vmm.ActivePageTable, start mem.VirtualAddress, count uint64, flushAll *vmm.MapperFlushAll) {
	page := vmm.PageFromAddress(start)
	for ; count > 0; count-- {
		flush, _ := active.UnmapReturn(page, false)
		flushAll.Consume(flush)
		page++
	}
}
