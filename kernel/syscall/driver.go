// Package syscall implements the privileged system calls that give drivers
// running in user space access to physical memory and I/O ports.
package syscall

import (
	"go.uber.org/zap"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/irq"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
	"github.com/hnu-osdesign/kcore/kernel/task"
)

// PhysmapFlags select the attributes of a physmap mapping.
type PhysmapFlags uint64

const (
	// PhysmapWrite makes the mapping writable.
	PhysmapWrite PhysmapFlags = 1 << iota

	// PhysmapWriteCombine requests write-combining caching. It is
	// encoded in the huge page bit of the level 1 entry, which selects
	// the PAT entry on amd64.
	PhysmapWriteCombine

	// PhysmapNoCache disables caching for the mapping.
	PhysmapNoCache
)

// DefaultUserGrantOffset is the lowest virtual address used for physmap
// grants.
const DefaultUserGrantOffset = mem.VirtualAddress(0x0000_7f80_0000_0000)

var (
	errNoCurrentTask   = &kernel.Error{Module: "syscall", Message: "no current task", Kind: kernel.NoSuchProcess}
	errNotRoot         = &kernel.Error{Module: "syscall", Message: "caller is not root", Kind: kernel.PermissionDenied}
	errConflictingArea = &kernel.Error{Module: "syscall", Message: "both 32-bit and 64-bit address spaces requested", Kind: kernel.InvalidArgument}
	errInvalidFlags    = &kernel.Error{Module: "syscall", Message: "unknown allocation flags", Kind: kernel.InvalidArgument}
	errInvalidStrategy = &kernel.Error{Module: "syscall", Message: "unknown partial allocation strategy", Kind: kernel.InvalidArgument}
	errInvalidIOPL     = &kernel.Error{Module: "syscall", Message: "I/O privilege level out of range", Kind: kernel.InvalidArgument}
	errNoGrant         = &kernel.Error{Module: "syscall", Message: "address is not covered by a grant", Kind: kernel.BadAddress}
)

const knownAllocFlags = pmm.Space32 | pmm.Space64 | pmm.PartialAlloc

// TaskSource returns the task running on the calling processor or nil if
// the processor is idle.
type TaskSource interface {
	Current() *task.Task
}

// Driver executes the physical memory system calls on behalf of the tasks
// running on one processor.
type Driver struct {
	alloc  pmm.Allocator
	active *vmm.ActivePageTable
	tasks  TaskSource
	logger *zap.Logger

	userGrantOffset mem.VirtualAddress
}

// NewDriver returns a driver that allocates frames from alloc and maps
// grants into active, the page table of the calling processor.
func NewDriver(alloc pmm.Allocator, active *vmm.ActivePageTable, tasks TaskSource, userGrantOffset mem.VirtualAddress, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Driver{
		alloc:           alloc,
		active:          active,
		tasks:           tasks,
		logger:          logger,
		userGrantOffset: userGrantOffset,
	}
}

// enforceRoot returns the calling task if it runs as root.
func (d *Driver) enforceRoot() (*task.Task, *kernel.Error) {
	current := d.tasks.Current()
	if current == nil {
		return nil, errNoCurrentTask
	}

	if !current.IsRoot() {
		return nil, errNotRoot
	}

	return current, nil
}

// Iopl sets the I/O privilege level the caller returns to user space with.
func (d *Driver) Iopl(level uint64) (uint64, *kernel.Error) {
	current, err := d.enforceRoot()
	if err != nil {
		return 0, err
	}

	if level > irq.MaxIOPL {
		return 0, errInvalidIOPL
	}

	current.Frame.SetIOPL(uint8(level))
	return 0, nil
}

func (d *Driver) physalloc(size uint64, flags pmm.AllocFlags, strategy pmm.PartialAllocStrategy, min uint64) (uint64, uint64, *kernel.Error) {
	if flags.Contains(pmm.Space32 | pmm.Space64) {
		return 0, 0, errConflictingArea
	}

	frame, count, err := d.alloc.AllocateFramesComplex(mem.Size(size).Pages(), flags, strategy, mem.Size(min).Pages())
	if err != nil {
		return 0, 0, err
	}

	return frame.Address().Get(), count << mem.PageShift, nil
}

// Physalloc reserves a contiguous physical range of at least size bytes
// and returns its base address.
func (d *Driver) Physalloc(size uint64) (uint64, *kernel.Error) {
	if _, err := d.enforceRoot(); err != nil {
		return 0, err
	}

	base, _, err := d.physalloc(size, pmm.Space64, pmm.Greedy, size)
	return base, err
}

// Physalloc3 reserves a contiguous physical range using the allocation
// flags and partial allocation strategy encoded in rawFlags. On entry min
// holds the smallest acceptable size in bytes; on success it is set to the
// size that was actually reserved.
func (d *Driver) Physalloc3(size, rawFlags uint64, min *uint64) (uint64, *kernel.Error) {
	if _, err := d.enforceRoot(); err != nil {
		return 0, err
	}

	flags := pmm.AllocFlags(rawFlags &^ pmm.PartialAllocStrategyMask)
	if flags&^knownAllocFlags != 0 {
		return 0, errInvalidFlags
	}

	strategy := pmm.Greedy
	if flags.Contains(pmm.PartialAlloc) {
		var ok bool
		if strategy, ok = pmm.PartialAllocStrategyFromRaw(rawFlags); !ok {
			return 0, errInvalidStrategy
		}
	}

	base, actual, err := d.physalloc(size, flags, strategy, *min)
	if err != nil {
		return 0, err
	}

	*min = actual
	return base, nil
}

// Physfree releases size bytes of physical memory starting at physAddr.
// Ownership of the range is not verified.
func (d *Driver) Physfree(physAddr, size uint64) (uint64, *kernel.Error) {
	if _, err := d.enforceRoot(); err != nil {
		return 0, err
	}

	d.alloc.DeallocateFrames(pmm.FrameFromAddress(mem.PhysicalAddress(physAddr)), mem.Size(size).Pages())
	return 0, nil
}

// Physmap maps size bytes of physical memory starting at physAddr into the
// caller's address space and returns the virtual address of physAddr. The
// mapping is placed at the lowest free address at or above the user grant
// offset. Mapping zero bytes returns 0.
func (d *Driver) Physmap(physAddr, size uint64, flags PhysmapFlags) (uint64, *kernel.Error) {
	current, err := d.enforceRoot()
	if err != nil {
		return 0, err
	}

	if size == 0 {
		return 0, nil
	}

	var (
		from       = pmm.FrameFromAddress(mem.PhysicalAddress(physAddr)).Address()
		offset     = physAddr - from.Get()
		fullSize   = mem.Size(offset + size).AlignUp()
		entryFlags = vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagUserAccessible
	)

	if flags&PhysmapWrite != 0 {
		entryFlags |= vmm.FlagRW
	}
	if flags&PhysmapWriteCombine != 0 {
		entryFlags |= vmm.FlagHugePage
	}
	if flags&PhysmapNoCache != 0 {
		entryFlags |= vmm.FlagDoNotCache
	}

	current.Grants.Lock()
	defer current.Grants.Unlock()

	to := current.Grants.FirstFit(d.userGrantOffset, fullSize)
	grant, err := task.Physmap(from, to, fullSize, entryFlags, d.active)
	if err != nil {
		return 0, err
	}
	current.Grants.Insert(grant)

	d.logger.Debug("physmap",
		zap.Uint64("task", uint64(current.ID)),
		zap.Stringer("phys", from),
		zap.Stringer("virt", to),
		zap.Stringer("size", fullSize),
	)

	return to.Get() + offset, nil
}

// Physunmap removes the grant that covers virtAddr from the caller's
// address space. Unmapping address 0 is a no-op.
func (d *Driver) Physunmap(virtAddr uint64) (uint64, *kernel.Error) {
	current, err := d.enforceRoot()
	if err != nil {
		return 0, err
	}

	if virtAddr == 0 {
		return 0, nil
	}

	current.Grants.Lock()
	defer current.Grants.Unlock()

	grant := current.Grants.Contains(mem.VirtualAddress(virtAddr))
	if grant == nil {
		return 0, errNoGrant
	}

	current.Grants.Take(grant.Region()).Unmap(d.active)

	d.logger.Debug("physunmap",
		zap.Uint64("task", uint64(current.ID)),
		zap.Stringer("virt", grant.Start()),
	)

	return 0, nil
}

// Virttophys returns the physical address virtAddr translates to in the
// active page table.
func (d *Driver) Virttophys(virtAddr uint64) (uint64, *kernel.Error) {
	if _, err := d.enforceRoot(); err != nil {
		return 0, err
	}

	physAddr, err := d.active.Translate(mem.VirtualAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return physAddr.Get(), nil
}
