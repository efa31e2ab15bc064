package kmain

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/context"
	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
	"github.com/hnu-osdesign/kcore/kernel/syscall"
	"github.com/hnu-osdesign/kcore/kernel/task"
)

// Processor is the kernel state owned by one CPU.
type Processor struct {
	cpu    *cpu.CPU
	active *vmm.ActivePageTable
	temp   *vmm.TemporaryPage
	driver *syscall.Driver
	tcb    mem.VirtualAddress

	// idle runs while no task is scheduled on the processor.
	idle    *context.Context
	current atomic.Pointer[task.Task]
}

// newProcessor starts processor id on the kernel page table. Each processor
// uses its own temporary page, placed below the temporary pages of the
// processors with a lower id.
func (k *Kernel) newProcessor(id int) (*Processor, *kernel.Error) {
	c := cpu.New(id)
	c.SwitchPDT(k.kernelTable.Address())

	p := &Processor{
		cpu:    c,
		active: vmm.NewActivePageTable(c, k.window, k.alloc),
		temp:   vmm.NewTemporaryPage(vmm.TemporaryPageAddr - mem.VirtualAddress(uint64(id)<<mem.PageShift)),
		idle:   context.New(),
	}

	p.idle.SetFX(cpu.NewFXArea())
	p.idle.SetPageTable(k.kernelTable.Address())

	if err := p.temp.Prepare(p.active); err != nil {
		return nil, err
	}

	p.driver = syscall.NewDriver(k.alloc, p.active, p, k.cfg.UserGrantOffset, k.logger.With(zap.Int("cpu", id)))
	return p, nil
}

// ID returns the processor index.
func (p *Processor) ID() int {
	return p.cpu.ID()
}

// CPU returns the processor model.
func (p *Processor) CPU() *cpu.CPU {
	return p.cpu
}

// ActivePageTable returns the page table installed on the processor.
func (p *Processor) ActivePageTable() *vmm.ActivePageTable {
	return p.active
}

// Driver returns the system call driver bound to the processor.
func (p *Processor) Driver() *syscall.Driver {
	return p.driver
}

// TCB returns the address of the processor's thread control block.
func (p *Processor) TCB() mem.VirtualAddress {
	return p.tcb
}

// Current returns the task running on the processor or nil if the
// processor is idle.
func (p *Processor) Current() *task.Task {
	return p.current.Load()
}
