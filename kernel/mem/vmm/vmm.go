// Package vmm implements the 4-level amd64 page table hierarchy.
//
// Page tables live in physical frames and are accessed through a
// dmap.Window: the address of the table pointed to by an entry is obtained
// from the entry's frame instead of a recursively mapped virtual address.
package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
)

const (
	// pageLevels indicates the number of page levels supported by the amd64 architecture.
	pageLevels = 4

	// pageLevelBits defines the number of virtual address bits that
	// correspond to each page level.
	pageLevelBits = 9

	// TemporaryPageAddr is a reserved virtual page address used for
	// temporary physical page mappings (e.g. when initializing inactive
	// page tables). For amd64 this address uses the following table
	// indices: 510, 511, 511, 511.
	TemporaryPageAddr = mem.VirtualAddress(0xffffff7ffffff000)

	// KernelHalfIndex is the first P4 index of the kernel half of an
	// address space. P4 entries at or above this index are shared by all
	// address spaces.
	KernelHalfIndex = mem.EntryCount / 2

	// PerCPUOffset is the start of the region that holds the thread-local
	// segment of each processor (P4 index 509).
	PerCPUOffset = mem.VirtualAddress(0xfffffe8000000000)

	// PerCPUSize is the amount of virtual address space reserved for the
	// thread-local segment of each processor.
	PerCPUSize = 64 * mem.Kb
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page", Kind: kernel.BadAddress}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "next_table_create does not support huge pages", Kind: kernel.ContractViolation}
	errLeafTable         = &kernel.Error{Module: "vmm", Message: "level 1 tables do not point to other tables", Kind: kernel.ContractViolation}
	errCorruptedTable    = &kernel.Error{Module: "vmm", Message: "page table entry points to a frame that does not hold a page table", Kind: kernel.ContractViolation}
	errEntryCount        = &kernel.Error{Module: "vmm", Message: "page table entry count out of range", Kind: kernel.ContractViolation}
	errFrameOutOfRange   = &kernel.Error{Module: "vmm", Message: "frame address does not fit in a page table entry", Kind: kernel.ContractViolation}
	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped", Kind: kernel.ContractViolation}
	errPageNotMapped     = &kernel.Error{Module: "vmm", Message: "page is not mapped", Kind: kernel.ContractViolation}
	errTempPageMapped    = &kernel.Error{Module: "temporary_page", Message: "temporary page is already mapped", Kind: kernel.ContractViolation}
)
