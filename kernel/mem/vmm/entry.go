package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uint64

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode processes can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and write-back
	// caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set if when using 2Mb pages instead of 4K pages. On
	// level 1 entries the same bit selects the PAT entry used for
	// write-combining.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from flushing the cached memory address
	// for this page when the swapping page tables by updating the CR3 register.
	FlagGlobal

	// FlagNoExecute if set, indicates that a page contains non-executable code.
	FlagNoExecute PageTableEntryFlag = 1 << 63

	allFlags = FlagPresent | FlagRW | FlagUserAccessible | FlagWriteThroughCaching |
		FlagDoNotCache | FlagAccessed | FlagDirty | FlagHugePage | FlagGlobal | FlagNoExecute
)

const (
	// AddressMask selects the physical frame address bits (12-51) of an
	// entry.
	AddressMask = uint64(0x000f_ffff_ffff_f000)

	// CounterMask selects the bits (52-61) that hold the live entry
	// counter of a table. Only the first entry of a table uses them.
	CounterMask = uint64(0x3ff0_0000_0000_0000)

	counterShift = 52
)

// Entry describes a page table entry. These entries encode a physical frame
// address, a set of flags and, for the first entry of each table, the number
// of used entries in the table.
type Entry uint64

// SetZero clears the entry including its counter bits.
func (e *Entry) SetZero() {
	*e = 0
}

// IsUnused returns true if the entry holds nothing but counter bits.
func (e Entry) IsUnused() bool {
	return uint64(e) == uint64(e)&CounterMask
}

// SetUnused clears the entry while keeping its counter bits.
func (e *Entry) SetUnused() {
	*e = Entry(uint64(*e) & CounterMask)
}

// Address returns the physical address stored in the entry.
func (e Entry) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(uint64(e) & AddressMask)
}

// Frame returns the physical page frame that this page table entry points to.
func (e Entry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(e.Address())
}

// Flags returns the flags of the entry.
func (e Entry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(e) & allFlags
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags PageTableEntryFlag) bool {
	return (uint64(e) & uint64(flags)) == uint64(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uint64(e) & uint64(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (e *Entry) SetFlags(flags PageTableEntryFlag) {
	*e = Entry(uint64(*e) | uint64(flags&allFlags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (e *Entry) ClearFlags(flags PageTableEntryFlag) {
	*e = Entry(uint64(*e) &^ uint64(flags&allFlags))
}

// PointedFrame returns the frame the entry points to if it is present.
func (e Entry) PointedFrame() (pmm.Frame, bool) {
	if !e.HasFlags(FlagPresent) {
		return pmm.InvalidFrame, false
	}
	return e.Frame(), true
}

// Set points the entry to frame using the supplied flags. The counter bits
// are preserved.
func (e *Entry) Set(frame pmm.Frame, flags PageTableEntryFlag) {
	addr := frame.Address().Get()
	kernel.Assert(addr&^AddressMask == 0, errFrameOutOfRange)

	*e = Entry(addr | uint64(flags&allFlags) | (uint64(*e) & CounterMask))
}

// CounterBits returns the value stored in the counter bits.
func (e Entry) CounterBits() uint64 {
	return (uint64(e) & CounterMask) >> counterShift
}

// SetCounterBits stores count in the counter bits leaving the rest of the
// entry untouched.
func (e *Entry) SetCounterBits(count uint64) {
	*e = Entry((uint64(*e) &^ CounterMask) | ((count << counterShift) & CounterMask))
}
