package pmm

import (
	"github.com/hnu-osdesign/kcore/kernel/mem"
)

// MemoryArea describes a physical memory region reported by the firmware as
// available. Areas may be reported in any order and need not be contiguous.
type MemoryArea struct {
	Base   mem.PhysicalAddress
	Length mem.Size
}

// Empty returns true if the area does not fully contain at least one frame.
func (a MemoryArea) Empty() bool {
	return a.Length == 0 || a.LastFrame() < a.StartFrame() || !a.LastFrame().Valid()
}

// End returns the first physical address past the end of the area.
func (a MemoryArea) End() mem.PhysicalAddress {
	return a.Base.Add(uint64(a.Length))
}

// StartFrame returns the first frame that lies entirely inside the area.
// Reported addresses may not be page-aligned so the base is rounded up.
func (a MemoryArea) StartFrame() Frame {
	pageSizeMinus1 := uint64(mem.PageSize - 1)
	return Frame(((a.Base.Get() + pageSizeMinus1) &^ pageSizeMinus1) >> mem.PageShift)
}

// LastFrame returns the last frame that lies entirely inside the area. If
// the area does not contain a full frame the returned value is lower than
// StartFrame (or InvalidFrame for an area ending below the first frame).
func (a MemoryArea) LastFrame() Frame {
	return Frame(a.End().Get()>>mem.PageShift) - 1
}

// FrameCount returns the number of frames that lie entirely inside the area.
func (a MemoryArea) FrameCount() uint64 {
	if a.Empty() {
		return 0
	}
	return uint64(a.LastFrame()-a.StartFrame()) + 1
}
