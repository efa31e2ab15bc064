package vmm

import (
	"encoding/binary"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// SectionKind identifies a segment of the kernel image.
type SectionKind uint8

const (
	// SectionText contains executable code.
	SectionText SectionKind = iota
	// SectionROData contains read-only data.
	SectionROData
	// SectionData contains initialized writable data.
	SectionData
	// SectionBSS contains zero-initialized writable data.
	SectionBSS
	// SectionTData is the initialization image of the thread-local
	// segment.
	SectionTData
	// SectionTBSS is the zero-initialized part of the thread-local
	// segment.
	SectionTBSS
)

var sectionNames = [...]string{
	SectionText:   "text",
	SectionROData: "rodata",
	SectionData:   "data",
	SectionBSS:    "bss",
	SectionTData:  "tdata",
	SectionTBSS:   "tbss",
}

// String implements fmt.Stringer.
func (k SectionKind) String() string {
	if int(k) < len(sectionNames) {
		return sectionNames[k]
	}
	return "unknown"
}

// Section describes a segment of the kernel image as reported by the
// architecture layer.
type Section struct {
	Kind SectionKind

	// VirtAddr is the address the section is linked at.
	VirtAddr mem.VirtualAddress

	// PhysAddr is the address the section was loaded at.
	PhysAddr mem.PhysicalAddress

	Size mem.Size
}

// Flags returns the page flags used for the section.
func (s Section) Flags() PageTableEntryFlag {
	switch s.Kind {
	case SectionText:
		return FlagPresent | FlagGlobal
	case SectionROData:
		return FlagPresent | FlagGlobal | FlagNoExecute
	default:
		return FlagPresent | FlagGlobal | FlagNoExecute | FlagRW
	}
}

// MapKernelSections maps the text, rodata, data and bss sections of the
// kernel image into the active table. The thread-local sections are mapped
// per processor by MapPerCPU.
func MapKernelSections(active *ActivePageTable, sections []Section) *kernel.Error {
	var flushAll MapperFlushAll
	defer flushAll.Flush(active)

	for _, section := range sections {
		if section.Size == 0 || section.Kind == SectionTData || section.Kind == SectionTBSS {
			continue
		}

		// Map the start and end VMA addresses for the section contents
		// into a start and end (inclusive) page number.
		var (
			pages = NewPageRange(
				PageFromAddress(section.VirtAddr),
				PageFromAddress(section.VirtAddr.Add(uint64(section.Size)-1)),
			)
			frame = pmm.FrameFromAddress(section.PhysAddr)
			flags = section.Flags()
		)

		for page, ok := pages.Next(); ok; page, ok = pages.Next() {
			flush, err := active.MapTo(page, frame, flags)
			if err != nil {
				return err
			}
			flushAll.Consume(flush)
			frame++
		}
	}

	return nil
}

// MapPerCPU maps the thread-local segment for processor cpuID. The segment
// is initialized with the contents of tdata followed by tbssSize zero bytes
// and is terminated by the thread control block self pointer. The address
// of the thread control block is returned.
func MapPerCPU(active *ActivePageTable, cpuID int, tdata Section, tbssSize mem.Size) (mem.VirtualAddress, *kernel.Error) {
	var (
		size  = tdata.Size + tbssSize
		start = PerCPUOffset.Add(uint64(cpuID) * uint64(PerCPUSize))
		end   = start.Add(uint64(size))
		pages = NewPageRange(
			PageFromAddress(start),
			PageFromAddress(end.Add(8-1)),
		)
		flushAll MapperFlushAll
	)

	for page, ok := pages.Next(); ok; page, ok = pages.Next() {
		flush, err := active.Map(page, FlagPresent|FlagGlobal|FlagNoExecute|FlagRW)
		if err != nil {
			return 0, err
		}
		flushAll.Consume(flush)

		frame, _ := active.TranslatePage(page)
		active.window.Memset(frame.Address(), 0, mem.PageSize)
	}
	flushAll.Flush(active)

	if tdata.Size != 0 {
		image := active.window.Bytes(tdata.PhysAddr, tdata.Size)
		if err := active.WriteVirtual(start, image); err != nil {
			return 0, err
		}
	}

	var tcb [8]byte
	binary.LittleEndian.PutUint64(tcb[:], end.Get())
	if err := active.WriteVirtual(end, tcb[:]); err != nil {
		return 0, err
	}

	return end, nil
}

// ShareKernelHalf copies the kernel half of the active top-level table into
// table so that the kernel mappings are visible in the new address space.
func ShareKernelHalf(active *ActivePageTable, table *InactivePageTable, temp *TemporaryPage) {
	shared := kernelHalf(active.P4())

	active.With(table, temp, func(m *Mapper) {
		installShared(m.P4(), shared)
	})
}

// NewAddressSpace initializes the top-level table stored in frame and
// shares the kernel half of kernelTable with it. The new table is reached
// through the physical memory window, so no processor's active table or
// temporary page is involved.
func NewAddressSpace(kernelTable *Mapper, frame pmm.Frame) *InactivePageTable {
	shared := kernelHalf(kernelTable.P4())

	dst := tableAt(kernelTable.window, frame, Level4)
	dst.Zero()
	kernelTable.window.MarkTable(frame)
	installShared(dst, shared)

	return &InactivePageTable{frame: frame}
}

type sharedEntry struct {
	index int
	frame pmm.Frame
	flags PageTableEntryFlag
}

func kernelHalf(src *Table) []sharedEntry {
	var shared []sharedEntry
	for index := KernelHalfIndex; index < mem.EntryCount; index++ {
		if frame, ok := src.Entry(index).PointedFrame(); ok {
			shared = append(shared, sharedEntry{index: index, frame: frame, flags: src.Entry(index).Flags()})
		}
	}
	return shared
}

func installShared(dst *Table, shared []sharedEntry) {
	for _, entry := range shared {
		if dst.Entry(entry.index).IsUnused() {
			dst.IncrementEntryCount()
		}
		dst.Entry(entry.index).Set(entry.frame, entry.flags)
	}
}
