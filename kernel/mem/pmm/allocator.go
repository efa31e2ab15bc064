package pmm

import (
	"github.com/hnu-osdesign/kcore/kernel"
)

// AllocFlags alter the behavior of AllocateFramesComplex.
type AllocFlags uint64

const (
	// Space32 restricts the allocation to frames that end below 4GiB.
	Space32 AllocFlags = 1 << iota

	// Space64 allows the allocation to use any physical address.
	Space64

	// PartialAlloc allows the allocator to return fewer frames than
	// requested (but never fewer than the requested minimum).
	PartialAlloc
)

// Contains returns true if all flags in other are set.
func (f AllocFlags) Contains(other AllocFlags) bool {
	return f&other == other
}

// PartialAllocStrategy selects how many frames a partial allocation returns
// when the full request cannot be satisfied.
type PartialAllocStrategy uint64

const (
	// Greedy returns as many contiguous frames as are available.
	Greedy PartialAllocStrategy = 0x0001_0000

	// Optimal returns exactly the requested minimum.
	Optimal PartialAllocStrategy = 0x0002_0000

	// PartialAllocStrategyMask selects the strategy bits from a raw flag
	// word.
	PartialAllocStrategyMask = 0x0003_0000
)

// PartialAllocStrategyFromRaw decodes the strategy bits of a raw flag word.
// A zero value selects the default (Greedy) strategy.
func PartialAllocStrategyFromRaw(raw uint64) (PartialAllocStrategy, bool) {
	switch PartialAllocStrategy(raw & PartialAllocStrategyMask) {
	case 0, Greedy:
		return Greedy, true
	case Optimal:
		return Optimal, true
	default:
		return 0, false
	}
}

// Allocator is implemented by physical frame allocators. It is consumed by
// the page-table code (for table pages) and by the syscall layer.
type Allocator interface {
	// AllocateFrames reserves count contiguous frames.
	AllocateFrames(count uint64) (Frame, *kernel.Error)

	// AllocateFramesComplex reserves up to count contiguous frames
	// honoring flags. It returns the first frame and the number of frames
	// actually reserved.
	AllocateFramesComplex(count uint64, flags AllocFlags, strategy PartialAllocStrategy, min uint64) (Frame, uint64, *kernel.Error)

	// DeallocateFrames releases count frames starting at frame.
	DeallocateFrames(frame Frame, count uint64)

	// FreeFrames returns the number of frames that can still be reserved.
	FreeFrames() uint64

	// UsedFrames returns the number of reserved frames, including the
	// frames occupied by the kernel image.
	UsedFrames() uint64
}
