// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"math"

	"github.com/hnu-osdesign/kcore/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() mem.PhysicalAddress {
	return mem.PhysicalAddress(f << mem.PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. This function can handle both page-aligned and not aligned
// addresses. In the latter case, the input address will be rounded down to
// the frame that contains it.
func FrameFromAddress(physAddr mem.PhysicalAddress) Frame {
	return Frame((uint64(physAddr) &^ uint64(mem.PageSize-1)) >> mem.PageShift)
}

// FrameRange iterates an inclusive range of frames. A FrameRange can be
// restarted with Reset.
type FrameRange struct {
	start, end, next Frame
	done             bool
}

// NewFrameRange returns an iterator over the frames [start, end]. If end is
// lower than start the range is empty.
func NewFrameRange(start, end Frame) *FrameRange {
	r := &FrameRange{start: start, end: end}
	r.Reset()
	return r
}

// Next returns the next frame in the range and true, or false when the range
// has been exhausted.
func (r *FrameRange) Next() (Frame, bool) {
	if r.done {
		return InvalidFrame, false
	}

	frame := r.next
	if frame == r.end {
		r.done = true
	} else {
		r.next++
	}
	return frame, true
}

// Reset rewinds the iterator to the first frame of the range.
func (r *FrameRange) Reset() {
	r.next = r.start
	r.done = r.end < r.start
}
