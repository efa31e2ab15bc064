package vmm

import "github.com/hnu-osdesign/kcore/kernel/mem"

// Page describes a virtual memory page index.
type Page uint64

// StartAddress returns the virtual memory address pointed to by this Page.
func (p Page) StartAddress() mem.VirtualAddress {
	return mem.VirtualAddress(p << mem.PageShift)
}

// P4Index returns the index of the page in the top level table.
func (p Page) P4Index() int {
	return int(p>>(3*pageLevelBits)) & (mem.EntryCount - 1)
}

// P3Index returns the index of the page in the level 3 table.
func (p Page) P3Index() int {
	return int(p>>(2*pageLevelBits)) & (mem.EntryCount - 1)
}

// P2Index returns the index of the page in the level 2 table.
func (p Page) P2Index() int {
	return int(p>>pageLevelBits) & (mem.EntryCount - 1)
}

// P1Index returns the index of the page in the level 1 table.
func (p Page) P1Index() int {
	return int(p) & (mem.EntryCount - 1)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr mem.VirtualAddress) Page {
	return Page((uint64(virtAddr) &^ uint64(mem.PageSize-1)) >> mem.PageShift)
}

// PageRange iterates an inclusive range of pages. A PageRange can be
// restarted with Reset.
type PageRange struct {
	start, end, next Page
	done             bool
}

// NewPageRange returns an iterator over the pages [start, end]. If end is
// lower than start the range is empty.
func NewPageRange(start, end Page) *PageRange {
	r := &PageRange{start: start, end: end}
	r.Reset()
	return r
}

// Next returns the next page in the range and true, or false when the range
// has been exhausted.
func (r *PageRange) Next() (Page, bool) {
	if r.done {
		return 0, false
	}

	page := r.next
	if page == r.end {
		r.done = true
	} else {
		r.next++
	}
	return page, true
}

// Reset rewinds the iterator to the first page of the range.
func (r *PageRange) Reset() {
	r.next = r.start
	r.done = r.end < r.start
}
