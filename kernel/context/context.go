// Package context implements the saved machine state of a thread and the
// routine that switches a processor from one thread to another.
package context

import (
	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
)

var (
	errSwitchLockNotHeld = &kernel.Error{Module: "context", Message: "context switch without holding the switch lock", Kind: kernel.ContractViolation}
	errNoFXArea          = &kernel.Error{Module: "context", Message: "context has no FPU save area", Kind: kernel.ContractViolation}
)

// SignalHandler is invoked with the signal number when a pending signal is
// delivered.
type SignalHandler func(sig uint8)

// Continuation is a signal handler invocation that runs before the context
// resumes its saved instruction stream.
type Continuation struct {
	Handler SignalHandler
	Signal  uint8
}

// Context is the saved machine state of one thread.
type Context struct {
	// loadable is set once fx holds state saved from a processor.
	loadable bool

	fx   []byte
	cr3  mem.PhysicalAddress
	regs cpu.Registers

	// signals holds the pending continuations; the last one pushed runs
	// first.
	signals []Continuation
}

// New returns an empty context. An FPU area must be attached with SetFX
// before the context takes part in a switch.
func New() *Context {
	return &Context{}
}

// PageTable returns the physical address of the context's top-level page
// table.
func (ctx *Context) PageTable() mem.PhysicalAddress {
	return ctx.cr3
}

// SetPageTable sets the physical address of the context's top-level page
// table.
func (ctx *Context) SetPageTable(physAddr mem.PhysicalAddress) {
	ctx.cr3 = physAddr
}

// SetFX attaches the FXSAVE area used to hold the context's FPU state.
func (ctx *Context) SetFX(area []byte) {
	kernel.Assert(len(area) >= cpu.FXAreaSize, errNoFXArea)
	ctx.fx = area
}

// SetStack sets the stack pointer the context resumes with.
func (ctx *Context) SetStack(virtAddr mem.VirtualAddress) {
	ctx.regs.RSP = virtAddr.Get()
}

// Stack returns the saved stack pointer.
func (ctx *Context) Stack() mem.VirtualAddress {
	return mem.VirtualAddress(ctx.regs.RSP)
}

// Registers returns a pointer to the saved register file.
func (ctx *Context) Registers() *cpu.Registers {
	return &ctx.regs
}

// Loadable returns true if the context holds saved FPU state.
func (ctx *Context) Loadable() bool {
	return ctx.loadable
}

// SwitchTo saves the state of the context running on c into ctx and loads
// next. The caller must hold lock; it is released after the outgoing
// registers have been saved and the incoming ones loaded.
//
// The FPU state is restored only when next holds saved state; otherwise
// the x87 unit is reset. The page table base is written only when the two
// contexts use different address spaces.
func (ctx *Context) SwitchTo(c *cpu.CPU, next *Context, lock *SwitchLock) {
	kernel.Assert(lock.Held(), errSwitchLockNotHeld)
	kernel.Assert(ctx.fx != nil && next.fx != nil, errNoFXArea)

	c.FXSave(ctx.fx)
	ctx.loadable = true
	if next.loadable {
		c.FXRestore(next.fx)
	} else {
		c.FNInit()
	}

	ctx.cr3 = c.ActivePDT()
	if next.cr3 != ctx.cr3 {
		c.SwitchPDT(next.cr3)
	}

	c.SaveAndRestore(&ctx.regs, &next.regs)

	lock.Release()
}

// FXRegs returns the saved FPU registers with the reserved bits cleared.
// The second result is false if the context has never been switched out.
func (ctx *Context) FXRegs() (cpu.FloatRegisters, bool) {
	var regs cpu.FloatRegisters
	if !ctx.loadable {
		return regs, false
	}

	regs.Decode(ctx.fx)
	regs.Reserved = 0
	for index := range regs.ST {
		regs.ST[index] = regs.ST[index].AndNot(cpu.STReservedMask)
	}
	return regs, true
}

// SetFXRegs overwrites the saved FPU registers. The reserved bits of the
// saved state are preserved regardless of their value in regs. It returns
// false if the context has never been switched out.
func (ctx *Context) SetFXRegs(regs cpu.FloatRegisters) bool {
	if !ctx.loadable {
		return false
	}

	var old cpu.FloatRegisters
	old.Decode(ctx.fx)

	regs.Reserved = old.Reserved
	for index := range regs.ST {
		regs.ST[index] = regs.ST[index].AndNot(cpu.STReservedMask).Or(old.ST[index].And(cpu.STReservedMask))
	}
	regs.Encode(ctx.fx)
	return true
}

// SignalStack schedules handler to be called with sig the next time the
// context is resumed.
func (ctx *Context) SignalStack(handler SignalHandler, sig uint8) {
	ctx.signals = append(ctx.signals, Continuation{Handler: handler, Signal: sig})
}

// PendingSignals returns the number of continuations waiting to run.
func (ctx *Context) PendingSignals() int {
	return len(ctx.signals)
}

// DeliverSignals runs the pending continuations, most recent first, and
// returns how many were run. It is called right before the context
// resumes.
func (ctx *Context) DeliverSignals() int {
	count := len(ctx.signals)
	for len(ctx.signals) > 0 {
		last := len(ctx.signals) - 1
		cont := ctx.signals[last]
		ctx.signals = ctx.signals[:last]

		cont.Handler(cont.Signal)
	}
	return count
}
