// Package cpu models the per-processor state that the memory and context
// switching code manipulates: the page table base register, the TLB, the
// FPU/SSE state and the callee-saved register file.
package cpu

import (
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/sync"
)

// Registers holds the register state that is preserved across a context
// switch.
type Registers struct {
	RFlags uint64
	RBX    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RBP    uint64
	RSP    uint64
}

// TLBEntry is a cached virtual to physical translation.
type TLBEntry struct {
	// Frame is the physical address of the mapped frame.
	Frame mem.PhysicalAddress

	// Flags contains the raw flags of the page table entry.
	Flags uint64

	// Global entries survive page table base reloads.
	Global bool
}

// CPU is the state of a single processor.
type CPU struct {
	id int

	lock       sync.Spinlock
	pdt        mem.PhysicalAddress
	pdtReloads uint64
	tlb        map[mem.VirtualAddress]TLBEntry
	fx         [FXAreaSize]byte
	regs       Registers
	halted     bool
}

// New returns a processor with an empty TLB and an initialized FPU.
func New(id int) *CPU {
	c := &CPU{
		id:  id,
		tlb: make(map[mem.VirtualAddress]TLBEntry),
	}

	var fr FloatRegisters
	fr.FCW = defaultFCW
	fr.MXCSR = defaultMXCSR
	fr.Encode(c.fx[:])

	return c
}

// ID returns the processor index.
func (c *CPU) ID() int {
	return c.id
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() mem.PhysicalAddress {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.pdt
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the non-global TLB entries.
func (c *CPU) SwitchPDT(pdtPhysAddr mem.PhysicalAddress) {
	c.lock.Acquire()
	defer c.lock.Release()

	c.pdt = pdtPhysAddr
	c.pdtReloads++
	c.flushTLB()
}

// PDTReloads returns the number of times the page table base register was
// written.
func (c *CPU) PDTReloads() uint64 {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.pdtReloads
}

// LookupTLB returns the cached translation for the page containing virtAddr.
func (c *CPU) LookupTLB(virtAddr mem.VirtualAddress) (TLBEntry, bool) {
	c.lock.Acquire()
	defer c.lock.Release()

	entry, ok := c.tlb[pageOf(virtAddr)]
	return entry, ok
}

// FillTLB caches a translation for the page containing virtAddr.
func (c *CPU) FillTLB(virtAddr mem.VirtualAddress, entry TLBEntry) {
	c.lock.Acquire()
	defer c.lock.Release()

	c.tlb[pageOf(virtAddr)] = entry
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func (c *CPU) FlushTLBEntry(virtAddr mem.VirtualAddress) {
	c.lock.Acquire()
	defer c.lock.Release()

	delete(c.tlb, pageOf(virtAddr))
}

// FlushTLB flushes all non-global TLB entries.
func (c *CPU) FlushTLB() {
	c.lock.Acquire()
	defer c.lock.Release()

	c.flushTLB()
}

// TLBSize returns the number of cached translations.
func (c *CPU) TLBSize() int {
	c.lock.Acquire()
	defer c.lock.Release()

	return len(c.tlb)
}

func (c *CPU) flushTLB() {
	for page, entry := range c.tlb {
		if !entry.Global {
			delete(c.tlb, page)
		}
	}
}

// FXSave stores the FPU/SSE state into area.
func (c *CPU) FXSave(area []byte) {
	c.lock.Acquire()
	defer c.lock.Release()

	copy(area[:FXAreaSize], c.fx[:])
}

// FXRestore loads the FPU/SSE state from area.
func (c *CPU) FXRestore(area []byte) {
	c.lock.Acquire()
	defer c.lock.Release()

	copy(c.fx[:], area[:FXAreaSize])
}

// FNInit resets the x87 state to its power-on defaults. The SSE state is
// left untouched.
func (c *CPU) FNInit() {
	c.lock.Acquire()
	defer c.lock.Release()

	var fr FloatRegisters
	fr.Decode(c.fx[:])
	fr.FCW = defaultFCW
	fr.FSW = 0
	fr.FTW = 0
	fr.FOP = 0
	fr.FIP = 0
	fr.FDP = 0
	fr.Encode(c.fx[:])
}

// Registers returns a copy of the live register file.
func (c *CPU) Registers() Registers {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.regs
}

// SetRegisters overwrites the live register file.
func (c *CPU) SetRegisters(regs Registers) {
	c.lock.Acquire()
	defer c.lock.Release()

	c.regs = regs
}

// SaveAndRestore stores the live register file into prev and loads next in
// a single step. It is the only way the context switch code transfers
// register state.
func (c *CPU) SaveAndRestore(prev, next *Registers) {
	c.lock.Acquire()
	defer c.lock.Release()

	*prev = c.regs
	c.regs = *next
}

// Halt stops instruction execution.
func (c *CPU) Halt() {
	c.lock.Acquire()
	c.halted = true
	c.lock.Release()
}

// Halted returns true if Halt was called.
func (c *CPU) Halted() bool {
	c.lock.Acquire()
	defer c.lock.Release()

	return c.halted
}

func pageOf(virtAddr mem.VirtualAddress) mem.VirtualAddress {
	return virtAddr &^ mem.VirtualAddress(mem.PageSize-1)
}
