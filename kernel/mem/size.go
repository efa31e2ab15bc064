package mem

import "github.com/dustin/go-humanize"

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// Pages returns the number of pages that are required for storing this size.
func (s Size) Pages() uint64 {
	pageSizeMinus1 := PageSize - 1
	return uint64((s+pageSizeMinus1)&^pageSizeMinus1) >> PageShift
}

// AlignUp rounds the size up to the nearest page boundary.
func (s Size) AlignUp() Size {
	return Size(s.Pages() << PageShift)
}

// String returns a human readable representation of the size.
func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}
