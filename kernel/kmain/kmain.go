// Package kmain assembles the memory and context switching components into
// a kernel running on a set of simulated processors.
package kmain

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/config"
	"github.com/hnu-osdesign/kcore/kernel/context"
	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/dmap"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm/allocator"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
	"github.com/hnu-osdesign/kcore/kernel/task"
)

const meterName = "github.com/hnu-osdesign/kcore/kernel"

var (
	errNoCurrentTask = &kernel.Error{Module: "kmain", Message: "no task is running on the processor", Kind: kernel.NoSuchProcess}
	errImageNotInRAM = &kernel.Error{Module: "kmain", Message: "thread-local image is outside physical memory", Kind: kernel.InvalidArgument}
)

// Kernel owns the state shared by all processors. It is created once by
// Boot and torn down by Shutdown.
type Kernel struct {
	cfg    config.Config
	logger *zap.Logger

	window  *dmap.Window
	alloc   *allocator.BumpAllocator
	metrics metric.Registration

	kernelTable *vmm.InactivePageTable

	// mu serializes the creation of address spaces, which copy the kernel
	// half of the kernel page table.
	mu sync.Mutex

	switchLock context.SwitchLock
	tasks      *task.List
	processors []*Processor
}

// Boot brings up the physical memory window, the frame allocator, the
// kernel page table and one Processor per configured CPU, in that order.
func Boot(cfg config.Config, logger *zap.Logger) (*Kernel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kernel.SetPanicLogger(logger)

	window, err := dmap.NewWindow(cfg.MemoryMap)
	if err != nil {
		return nil, errors.Wrap(err, "failed to map physical memory")
	}

	k := &Kernel{
		cfg:    cfg,
		logger: logger,
		window: window,
		alloc:  allocator.NewBumpAllocator(cfg.KernelStart, cfg.KernelEnd, cfg.MemoryMap),
		tasks:  task.NewList(),
	}
	k.alloc.PrintMemoryMap(logger)

	if k.metrics, err = k.alloc.RegisterMetrics(otel.GetMeterProvider().Meter(meterName)); err != nil {
		_ = k.Shutdown()
		return nil, errors.Wrap(err, "failed to register allocator metrics")
	}

	if kerr := k.setupPageTables(); kerr != nil {
		_ = k.Shutdown()
		return nil, errors.Wrap(kerr, "failed to set up kernel page tables")
	}

	logger.Info("kernel booted",
		zap.Int("cpus", len(k.processors)),
		zap.Stringer("kernel_table", k.kernelTable.Address()),
		zap.Stringer("free_memory", mem.Size(k.alloc.FreeFrames())*mem.PageSize),
	)

	return k, nil
}

// setupPageTables builds the kernel page table, maps the kernel image and
// the per-CPU segments and installs the table on every processor.
func (k *Kernel) setupPageTables() *kernel.Error {
	root, err := k.alloc.AllocateFrames(1)
	if err != nil {
		return err
	}
	k.window.Memset(root.Address(), 0, mem.PageSize)
	k.window.MarkTable(root)
	k.kernelTable = vmm.InactivePageTableFromAddress(root.Address())

	sections, tdata := imageSections(k.cfg)
	if tdata.Size != 0 && !k.window.Contains(tdata.PhysAddr, tdata.Size) {
		return errImageNotInRAM
	}

	for id := 0; id < k.cfg.CPUs; id++ {
		p, err := k.newProcessor(id)
		if err != nil {
			return err
		}

		if id == 0 {
			if err = vmm.MapKernelSections(p.active, sections); err != nil {
				return err
			}
		}

		if p.tcb, err = vmm.MapPerCPU(p.active, id, tdata, k.cfg.TBSSSize); err != nil {
			return err
		}

		k.processors = append(k.processors, p)
		k.logger.Debug("processor online", zap.Int("cpu", id), zap.Stringer("tcb", p.tcb))
	}

	return nil
}

// imageSections splits the kernel image into text, rodata and data
// sections. The thread-local image is placed at the start of the data
// section.
func imageSections(cfg config.Config) ([]vmm.Section, vmm.Section) {
	var (
		pages       = mem.Size(cfg.KernelEnd - cfg.KernelStart).Pages()
		textSize    = mem.Size(pages/2) * mem.PageSize
		rodataSize  = mem.Size(pages/4) * mem.PageSize
		dataSize    = mem.Size(pages)*mem.PageSize - textSize - rodataSize
		rodataStart = cfg.KernelStart.Add(uint64(textSize))
		dataStart   = rodataStart.Add(uint64(rodataSize))
	)

	virt := func(physAddr mem.PhysicalAddress) mem.VirtualAddress {
		return cfg.KernelOffset.Add(physAddr.Get())
	}

	sections := []vmm.Section{
		{Kind: vmm.SectionText, VirtAddr: virt(cfg.KernelStart), PhysAddr: cfg.KernelStart, Size: textSize},
		{Kind: vmm.SectionROData, VirtAddr: virt(rodataStart), PhysAddr: rodataStart, Size: rodataSize},
		{Kind: vmm.SectionData, VirtAddr: virt(dataStart), PhysAddr: dataStart, Size: dataSize},
	}

	tdata := vmm.Section{Kind: vmm.SectionTData, VirtAddr: virt(dataStart), PhysAddr: dataStart, Size: cfg.TLSSize}
	if tdata.Size > dataSize {
		tdata.Size = dataSize
	}

	return sections, tdata
}

// Processor returns the processor with the supplied index.
func (k *Kernel) Processor(id int) *Processor {
	return k.processors[id]
}

// Processors returns the number of processors.
func (k *Kernel) Processors() int {
	return len(k.processors)
}

// Tasks returns the task registry.
func (k *Kernel) Tasks() *task.List {
	return k.tasks
}

// Allocator returns the physical frame allocator.
func (k *Kernel) Allocator() pmm.Allocator {
	return k.alloc
}

// KernelTable returns the page table that only contains the kernel half.
func (k *Kernel) KernelTable() *vmm.InactivePageTable {
	return k.kernelTable
}

// NewAddressSpace returns a new page table whose kernel half is shared with
// the kernel page table and whose user half is empty. The table is built
// through the physical memory window and never touches the page tables
// installed on the processors, so it is safe to call while they switch.
func (k *Kernel) NewAddressSpace() (*vmm.InactivePageTable, *kernel.Error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	frame, err := k.alloc.AllocateFrames(1)
	if err != nil {
		return nil, err
	}

	return vmm.NewAddressSpace(vmm.NewMapper(k.window, k.alloc, k.kernelTable.Frame()), frame), nil
}

// Spawn registers a task running as euid in a new address space.
func (k *Kernel) Spawn(euid uint32) (*task.Task, *kernel.Error) {
	table, err := k.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	t := k.tasks.New(euid)
	t.Context.SetFX(cpu.NewFXArea())
	t.Context.SetPageTable(table.Address())

	k.logger.Debug("task spawned",
		zap.Uint64("task", uint64(t.ID)),
		zap.Uint32("euid", euid),
		zap.Stringer("page_table", table.Address()),
	)
	return t, nil
}

// Switch makes next the task running on p. A nil next switches p to its
// idle context. Pending signals of next are delivered before Switch
// returns.
func (k *Kernel) Switch(p *Processor, next *task.Task) {
	prevCtx, nextCtx := p.idle, p.idle
	if current := p.Current(); current != nil {
		prevCtx = current.Context
	}
	if next != nil {
		nextCtx = next.Context
	}

	for !k.switchLock.TryAcquire() {
		runtime.Gosched()
	}
	prevCtx.SwitchTo(p.cpu, nextCtx, &k.switchLock)

	p.active.Reload()
	p.current.Store(next)

	nextCtx.DeliverSignals()
}

// Exit tears down the task running on p: its grants are unmapped, p
// switches to its idle context and the task is removed from the registry.
func (k *Kernel) Exit(p *Processor) *kernel.Error {
	current := p.Current()
	if current == nil {
		return errNoCurrentTask
	}

	current.Grants.Lock()
	current.Grants.UnmapAll(p.active)
	current.Grants.Unlock()

	k.Switch(p, nil)
	k.tasks.Remove(current.ID)

	k.logger.Debug("task exited", zap.Uint64("task", uint64(current.ID)))
	return nil
}

// Shutdown halts every processor and releases the physical memory window.
func (k *Kernel) Shutdown() error {
	for _, p := range k.processors {
		p.cpu.Halt()
	}

	var err error
	if k.metrics != nil {
		err = multierr.Append(err, k.metrics.Unregister())
	}
	err = multierr.Append(err, k.window.Close())

	if err != nil {
		k.logger.Error("shutdown failed", zap.Error(err))
		return errors.Wrap(err, "shutdown")
	}

	k.logger.Info("kernel halted")
	return nil
}
