package vmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/dmap"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

// Level identifies the position of a table in the paging hierarchy.
type Level uint8

const (
	// Level1 tables contain the entries that map pages to frames.
	Level1 Level = iota + 1
	Level2
	Level3
	// Level4 is the top-most table of an address space.
	Level4
)

// Table is a view of the page table stored in a physical frame.
//
// The number of used entries in the table is tracked in the counter bits of
// the first entry so that empty tables can be identified and reclaimed.
// Callers must hold exclusive access to the address space that owns the
// table before mutating it.
type Table struct {
	window  *dmap.Window
	frame   pmm.Frame
	level   Level
	entries []uint64
}

func tableAt(window *dmap.Window, frame pmm.Frame, level Level) *Table {
	return &Table{
		window:  window,
		frame:   frame,
		level:   level,
		entries: window.Entries(frame),
	}
}

// Frame returns the frame that holds the table.
func (t *Table) Frame() pmm.Frame {
	return t.frame
}

// Level returns the level of the table.
func (t *Table) Level() Level {
	return t.level
}

// Entry returns the entry at index.
func (t *Table) Entry(index int) *Entry {
	return (*Entry)(&t.entries[index])
}

// IsUnused returns true if no entry of the table is in use.
func (t *Table) IsUnused() bool {
	return t.EntryCount() == 0
}

// Zero clears all entries of the table, including the entry counter.
func (t *Table) Zero() {
	for index := range t.entries {
		t.entries[index] = 0
	}
}

// EntryCount returns the number of used entries in the table.
func (t *Table) EntryCount() uint64 {
	return t.Entry(0).CounterBits()
}

func (t *Table) setEntryCount(count uint64) {
	kernel.Assert(count <= mem.EntryCount, errEntryCount)
	t.Entry(0).SetCounterBits(count)
}

// IncrementEntryCount records that an entry of the table became used.
func (t *Table) IncrementEntryCount() {
	t.setEntryCount(t.EntryCount() + 1)
}

// DecrementEntryCount records that an entry of the table became unused.
func (t *Table) DecrementEntryCount() {
	count := t.EntryCount()
	kernel.Assert(count > 0, errEntryCount)
	t.setEntryCount(count - 1)
}

// PresentCount returns the number of entries with the present flag set.
func (t *Table) PresentCount() uint64 {
	var count uint64
	for index := range t.entries {
		if t.Entry(index).HasFlags(FlagPresent) {
			count++
		}
	}
	return count
}

func (t *Table) nextTableFrame(index int) (pmm.Frame, bool) {
	kernel.Assert(t.level > Level1, errLeafTable)

	entry := t.Entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return pmm.InvalidFrame, false
	}

	frame := entry.Frame()
	kernel.Assert(t.window.IsTable(frame), errCorruptedTable)
	return frame, true
}

// NextTable returns the table pointed to by the entry at index or nil if
// the entry is not present or maps a huge page.
func (t *Table) NextTable(index int) *Table {
	frame, ok := t.nextTableFrame(index)
	if !ok {
		return nil
	}
	return tableAt(t.window, frame, t.level-1)
}

// NextTableMut returns the table pointed to by the entry at index for
// modification or nil if the entry is not present or maps a huge page.
func (t *Table) NextTableMut(index int) *Table {
	return t.NextTable(index)
}

// NextTableCreate returns the table pointed to by the entry at index. If
// the table does not exist, a frame is reserved from alloc, the entry count
// of this table is incremented and the new zeroed table is linked with
// FlagPresent|FlagRW|FlagUserAccessible. Access permissions are enforced by
// the level 1 entries.
//
// Calling NextTableCreate on an entry that maps a huge page is a contract
// violation.
func (t *Table) NextTableCreate(index int, alloc pmm.Allocator) (*Table, *kernel.Error) {
	if next := t.NextTable(index); next != nil {
		return next, nil
	}

	kernel.Assert(!t.Entry(index).HasFlags(FlagHugePage), errNoHugePageSupport)

	frame, err := alloc.AllocateFrames(1)
	if err != nil {
		return nil, err
	}

	t.window.MarkTable(frame)
	t.IncrementEntryCount()
	t.Entry(index).Set(frame, FlagPresent|FlagRW|FlagUserAccessible)

	next := t.NextTableMut(index)
	next.Zero()
	return next, nil
}
