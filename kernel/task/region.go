package task

import (
	"github.com/hnu-osdesign/kcore/kernel/mem"
)

// Region is a range of virtual addresses. It is used as the lookup key for
// grants.
type Region struct {
	start mem.VirtualAddress
	size  mem.Size
}

// NewRegion returns the region of size bytes starting at start.
func NewRegion(start mem.VirtualAddress, size mem.Size) Region {
	return Region{start: start, size: size}
}

// Start returns the first address of the region.
func (r Region) Start() mem.VirtualAddress {
	return r.start
}

// Size returns the length of the region in bytes.
func (r Region) Size() mem.Size {
	return r.size
}

// End returns the first address after the region.
func (r Region) End() mem.VirtualAddress {
	return r.start.Add(uint64(r.size))
}

// Contains returns true if addr lies inside the region.
func (r Region) Contains(addr mem.VirtualAddress) bool {
	return addr >= r.start && addr < r.End()
}

// Overlaps returns true if the two regions share at least one address.
func (r Region) Overlaps(other Region) bool {
	return r.start < other.End() && other.start < r.End()
}
