package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/dmap"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// ActivePageTable is the page table installed in a processor's page table
// base register. Exactly one ActivePageTable exists per processor.
type ActivePageTable struct {
	Mapper

	cpu *cpu.CPU
}

// NewActivePageTable wraps the page table currently installed on c.
func NewActivePageTable(c *cpu.CPU, window *dmap.Window, alloc pmm.Allocator) *ActivePageTable {
	return &ActivePageTable{
		Mapper: Mapper{
			window: window,
			alloc:  alloc,
			p4:     pmm.FrameFromAddress(c.ActivePDT()),
		},
		cpu: c,
	}
}

// CPU returns the processor that runs this table.
func (a *ActivePageTable) CPU() *cpu.CPU {
	return a.cpu
}

// Switch installs table on the processor and returns the previously active
// table, now inactive.
func (a *ActivePageTable) Switch(table *InactivePageTable) *InactivePageTable {
	old := InactivePageTableFromAddress(a.cpu.ActivePDT())

	a.cpu.SwitchPDT(table.Address())
	a.p4 = table.frame
	return old
}

// Reload points the mapper at the table installed on the processor. It is
// used after the page table base was written by a context switch.
func (a *ActivePageTable) Reload() {
	a.p4 = pmm.FrameFromAddress(a.cpu.ActivePDT())
}

// Flush invalidates the TLB entry for page.
func (a *ActivePageTable) Flush(page Page) {
	a.cpu.FlushTLBEntry(page.StartAddress())
}

// FlushAll invalidates all non-global TLB entries.
func (a *ActivePageTable) FlushAll() {
	a.cpu.FlushTLB()
}

// With maps the root of table through temp and runs fn with a Mapper that
// operates on it. The active table remains installed on the processor; it
// is restored as the mapper's root before With returns.
func (a *ActivePageTable) With(table *InactivePageTable, temp *TemporaryPage, fn func(*Mapper)) {
	backup := pmm.FrameFromAddress(a.cpu.ActivePDT())

	root := temp.MapTableFrame(table.frame, FlagPresent|FlagRW|FlagNoExecute, a)
	a.p4 = root.Frame()
	a.FlushAll()

	fn(&a.Mapper)

	a.p4 = backup
	a.FlushAll()
	temp.Unmap(a)
}

// Address returns the physical address of the installed top-level table.
func (a *ActivePageTable) Address() mem.PhysicalAddress {
	return a.cpu.ActivePDT()
}

// Translate returns the physical address that corresponds to virtAddr. The
// processor TLB is consulted first; on a miss the tables are walked and the
// result is cached.
func (a *ActivePageTable) Translate(virtAddr mem.VirtualAddress) (mem.PhysicalAddress, *kernel.Error) {
	if entry, ok := a.cpu.LookupTLB(virtAddr); ok {
		return entry.Frame.Add(virtAddr.PageOffset()), nil
	}

	page := PageFromAddress(virtAddr)
	frame, err := a.TranslatePage(page)
	if err != nil {
		return 0, err
	}

	// Only translations of the installed table may be cached.
	if a.p4.Address() == a.cpu.ActivePDT() {
		flags, _ := a.TranslatePageFlags(page)
		a.cpu.FillTLB(virtAddr, cpu.TLBEntry{
			Frame:  frame.Address(),
			Flags:  uint64(flags),
			Global: flags&FlagGlobal != 0,
		})
	}

	return frame.Address().Add(virtAddr.PageOffset()), nil
}

// InactivePageTable is a page table that is not installed on any processor.
type InactivePageTable struct {
	frame pmm.Frame
}

// NewInactivePageTable initializes the top-level table stored in frame by
// zeroing it through the temporary page.
func NewInactivePageTable(frame pmm.Frame, active *ActivePageTable, temp *TemporaryPage) *InactivePageTable {
	table := temp.MapTableFrame(frame, FlagPresent|FlagRW|FlagNoExecute, active)
	table.Zero()
	temp.Unmap(active)

	active.window.MarkTable(frame)
	return &InactivePageTable{frame: frame}
}

// InactivePageTableFromAddress returns the table whose top-level table is
// stored at physAddr.
func InactivePageTableFromAddress(physAddr mem.PhysicalAddress) *InactivePageTable {
	return &InactivePageTable{frame: pmm.FrameFromAddress(physAddr)}
}

// Address returns the physical address of the top-level table.
func (t *InactivePageTable) Address() mem.PhysicalAddress {
	return t.frame.Address()
}

// Frame returns the frame that holds the top-level table.
func (t *InactivePageTable) Frame() pmm.Frame {
	return t.frame
}
