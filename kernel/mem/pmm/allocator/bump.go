// Package allocator provides physical frame allocators.
package allocator

import (
	"go.uber.org/zap"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/sync"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.OutOfMemory}
	errSpace32OutOfMemory   = &kernel.Error{Module: "boot_mem_alloc", Message: "no frames left below 4GiB", Kind: kernel.OutOfMemory}
)

// BumpAllocator implements a rudimentary physical memory allocator which is
// used to bootstrap the kernel.
//
// The allocator uses the memory areas reported by the firmware and hands out
// frames by advancing a cursor (nextFreeFrame) through the areas in
// ascending base address order, skipping the frames occupied by the kernel
// image. Allocated frames are never reclaimed; DeallocateFrames is a no-op.
// Once the kernel is properly initialized, the allocated blocks are expected
// to be handed over to an allocator that does support freeing.
//
// BumpAllocator is safe for concurrent use.
type BumpAllocator struct {
	lock sync.Spinlock

	// nextFreeFrame is the first frame that has not been handed out yet.
	nextFreeFrame pmm.Frame

	// current indexes the area that nextFreeFrame points into or is -1
	// if all areas have been exhausted.
	current int
	areas   []pmm.MemoryArea

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   mem.PhysicalAddress
	kernelStartFrame, kernelEndFrame pmm.Frame
	hasKernel                        bool
}

// NewBumpAllocator returns an allocator that serves frames from areas while
// excluding the physical range [kernelStart, kernelEnd) used by the kernel
// image. Areas that do not contain a full frame are ignored.
func NewBumpAllocator(kernelStart, kernelEnd mem.PhysicalAddress, areas []pmm.MemoryArea) *BumpAllocator {
	alloc := &BumpAllocator{current: -1}

	for _, area := range areas {
		if !area.Empty() {
			alloc.areas = append(alloc.areas, area)
		}
	}

	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := uint64(mem.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = pmm.FrameFromAddress(kernelStart)
	alloc.kernelEndFrame = pmm.Frame(((kernelEnd.Get()+pageSizeMinus1)&^pageSizeMinus1)>>mem.PageShift) - 1
	alloc.hasKernel = kernelEnd > kernelStart

	alloc.chooseNextArea()
	return alloc
}

// chooseNextArea selects the area with the lowest base address that still
// has frames at or after nextFreeFrame and moves the cursor to its start if
// needed.
func (alloc *BumpAllocator) chooseNextArea() {
	alloc.current = -1
	for index, area := range alloc.areas {
		if area.LastFrame() < alloc.nextFreeFrame {
			continue
		}

		if alloc.current == -1 || area.Base < alloc.areas[alloc.current].Base {
			alloc.current = index
		}
	}

	if alloc.current == -1 {
		return
	}

	if startFrame := alloc.areas[alloc.current].StartFrame(); alloc.nextFreeFrame < startFrame {
		alloc.nextFreeFrame = startFrame
	}
}

// overlapsKernel returns true if any frame in [start, end] is used by the
// kernel image.
func (alloc *BumpAllocator) overlapsKernel(start, end pmm.Frame) bool {
	return alloc.hasKernel && start <= alloc.kernelEndFrame && end >= alloc.kernelStartFrame
}

// AllocateFrames reserves count contiguous frames anywhere in physical
// memory.
func (alloc *BumpAllocator) AllocateFrames(count uint64) (pmm.Frame, *kernel.Error) {
	frame, _, err := alloc.AllocateFramesComplex(count, pmm.Space64, pmm.Greedy, count)
	return frame, err
}

// AllocateFramesComplex reserves up to count contiguous frames.
//
// If the Space32 flag is set, the allocation fails when the selected run
// would extend to or past the 4GiB boundary. The cursor and the current
// area are restored so that a capped request never causes free frames in
// lower areas to be skipped.
//
// If the PartialAlloc flag is set and the current area cannot hold count
// frames, the allocator returns a shorter run (at least min frames) from the
// current area: the Greedy strategy returns every frame left in the area
// while the Optimal strategy returns exactly min frames.
//
// When no remaining area can hold the run, the cursor is restored to its
// position before the call.
func (alloc *BumpAllocator) AllocateFramesComplex(count uint64, flags pmm.AllocFlags, strategy pmm.PartialAllocStrategy, min uint64) (pmm.Frame, uint64, *kernel.Error) {
	if count == 0 {
		return pmm.InvalidFrame, 0, errBootAllocOutOfMemory
	}

	partial := flags.Contains(pmm.PartialAlloc)
	if partial {
		if min == 0 {
			min = 1
		} else if min > count {
			min = count
		}
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	origFrame, origArea := alloc.nextFreeFrame, alloc.current

	// Each iteration either returns, moves the cursor past the kernel
	// image or moves to the next area, so the loop runs at most
	// len(areas)+1 times.
	for alloc.current != -1 {
		var (
			areaLast   = alloc.areas[alloc.current].LastFrame()
			startFrame = alloc.nextFreeFrame
			actual     = count
		)

		if startFrame > areaLast || uint64(areaLast-startFrame)+1 < count {
			var available uint64
			if startFrame <= areaLast {
				available = uint64(areaLast-startFrame) + 1
			}

			if !partial || available < min {
				// The run crosses the end of the area; retry with
				// the next one.
				alloc.nextFreeFrame = areaLast + 1
				alloc.chooseNextArea()
				continue
			}

			actual = available
			if strategy == pmm.Optimal {
				actual = min
			}
		}

		endFrame := startFrame + pmm.Frame(actual-1)

		if flags.Contains(pmm.Space32) && endFrame.Address().Get()+uint64(mem.PageSize) >= mem.Space32Limit {
			alloc.nextFreeFrame, alloc.current = origFrame, origArea
			return pmm.InvalidFrame, 0, errSpace32OutOfMemory
		}

		if alloc.overlapsKernel(startFrame, endFrame) {
			alloc.nextFreeFrame = alloc.kernelEndFrame + 1
			if alloc.nextFreeFrame > areaLast {
				alloc.chooseNextArea()
			}
			continue
		}

		alloc.nextFreeFrame = endFrame + 1
		alloc.allocCount += actual
		return startFrame, actual, nil
	}

	// No area can hold the run; a failed request leaves no trace.
	alloc.nextFreeFrame, alloc.current = origFrame, origArea
	return pmm.InvalidFrame, 0, errBootAllocOutOfMemory
}

// DeallocateFrames is a no-op: the bump allocator never reclaims frames and
// performs no double-free or ownership verification.
func (alloc *BumpAllocator) DeallocateFrames(_ pmm.Frame, _ uint64) {}

// FreeFrames returns the number of frames that can still be handed out.
func (alloc *BumpAllocator) FreeFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	free, _ := alloc.countFrames()
	return free
}

// UsedFrames returns the number of frames that were handed out, skipped or
// are occupied by the kernel image.
func (alloc *BumpAllocator) UsedFrames() uint64 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	_, used := alloc.countFrames()
	return used
}

// NextFreeFrame returns the allocator cursor.
func (alloc *BumpAllocator) NextFreeFrame() pmm.Frame {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return alloc.nextFreeFrame
}

func (alloc *BumpAllocator) countFrames() (free, used uint64) {
	for _, area := range alloc.areas {
		startFrame, lastFrame := area.StartFrame(), area.LastFrame()

		freeStart := startFrame
		if alloc.nextFreeFrame > freeStart {
			freeStart = alloc.nextFreeFrame
		}

		var areaFree uint64
		if freeStart <= lastFrame {
			areaFree = uint64(lastFrame-freeStart) + 1 - alloc.kernelFramesIn(freeStart, lastFrame)
		}

		free += areaFree
		used += area.FrameCount() - areaFree
	}

	return free, used
}

// kernelFramesIn returns the number of kernel frames in [start, end].
func (alloc *BumpAllocator) kernelFramesIn(start, end pmm.Frame) uint64 {
	if !alloc.overlapsKernel(start, end) {
		return 0
	}

	if alloc.kernelStartFrame > start {
		start = alloc.kernelStartFrame
	}
	if alloc.kernelEndFrame < end {
		end = alloc.kernelEndFrame
	}
	return uint64(end-start) + 1
}

// PrintMemoryMap logs the memory areas known to the allocator.
func (alloc *BumpAllocator) PrintMemoryMap(logger *zap.Logger) {
	var total mem.Size
	for _, area := range alloc.areas {
		logger.Info("memory area",
			zap.String("start", area.Base.String()),
			zap.String("end", area.End().String()),
			zap.Stringer("size", area.Length),
		)
		total += mem.Size(area.FrameCount()) * mem.PageSize
	}

	kernelFrames := uint64(0)
	if alloc.hasKernel {
		kernelFrames = uint64(alloc.kernelEndFrame-alloc.kernelStartFrame) + 1
	}

	logger.Info("available memory", zap.Stringer("size", total))
	logger.Info("kernel image",
		zap.String("start", alloc.kernelStartAddr.String()),
		zap.String("end", alloc.kernelEndAddr.String()),
		zap.Stringer("size", mem.Size(alloc.kernelEndAddr-alloc.kernelStartAddr)),
		zap.Uint64("reserved_frames", kernelFrames),
	)
}
