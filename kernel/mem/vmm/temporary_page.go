package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// TemporaryPage is a reserved virtual page used to access a single physical
// frame, typically a page table that is not linked into the active
// hierarchy.
type TemporaryPage struct {
	page Page
}

// NewTemporaryPage returns a temporary page at the supplied address.
func NewTemporaryPage(virtAddr mem.VirtualAddress) *TemporaryPage {
	return &TemporaryPage{page: PageFromAddress(virtAddr)}
}

// StartAddress returns the virtual address of the temporary page.
func (t *TemporaryPage) StartAddress() mem.VirtualAddress {
	return t.page.StartAddress()
}

// Prepare creates the page tables that hold the temporary page mapping in
// the active table so that later calls to Map do not need to allocate.
func (t *TemporaryPage) Prepare(active *ActivePageTable) *kernel.Error {
	p3, err := active.P4().NextTableCreate(t.page.P4Index(), active.alloc)
	if err != nil {
		return err
	}

	p2, err := p3.NextTableCreate(t.page.P3Index(), active.alloc)
	if err != nil {
		return err
	}

	_, err = p2.NextTableCreate(t.page.P2Index(), active.alloc)
	return err
}

// Map maps the temporary page to frame in the active table and returns its
// start address. Mapping the page while it is already in use is a contract
// violation.
func (t *TemporaryPage) Map(frame pmm.Frame, flags PageTableEntryFlag, active *ActivePageTable) (mem.VirtualAddress, *kernel.Error) {
	_, err := active.TranslatePage(t.page)
	kernel.Assert(err != nil, errTempPageMapped)

	flush, err := active.MapTo(t.page, frame, flags)
	if err != nil {
		return 0, err
	}
	flush.Flush(active)

	return t.page.StartAddress(), nil
}

// MapTableFrame maps the temporary page to a frame that holds a top-level
// page table and returns a view of the table.
//
// Failing to reserve the tables that hold the mapping halts the caller; use
// Prepare to create them ahead of time.
func (t *TemporaryPage) MapTableFrame(frame pmm.Frame, flags PageTableEntryFlag, active *ActivePageTable) *Table {
	virtAddr, err := t.Map(frame, flags, active)
	if err != nil {
		kernel.Panic(err)
		return nil
	}

	physAddr, err := active.Mapper.Translate(virtAddr)
	if err != nil {
		kernel.Panic(err)
		return nil
	}

	return tableAt(active.window, pmm.FrameFromAddress(physAddr), Level4)
}

// Unmap removes the temporary mapping from the active table and flushes its
// TLB entry. The page tables that hold the mapping are kept.
func (t *TemporaryPage) Unmap(active *ActivePageTable) {
	flush, _ := active.UnmapReturn(t.page, true)
	flush.Flush(active)
}
