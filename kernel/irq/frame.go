// Package irq describes the register state saved when a thread enters the
// kernel through an interrupt or a system call.
package irq

import (
	"fmt"

	"go.uber.org/zap"
)

const (
	rflagsIOPLShift = 12
	rflagsIOPLMask  = uint64(3) << rflagsIOPLShift

	// MaxIOPL is the least privileged I/O privilege level.
	MaxIOPL = 3
)

// Regs contains a snapshot of the register values when an interrupt occurred.
type Regs struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// Print logs a dump of the register values.
func (r *Regs) Print(logger *zap.Logger) {
	logger.Info("registers",
		hex("rax", r.RAX), hex("rbx", r.RBX),
		hex("rcx", r.RCX), hex("rdx", r.RDX),
		hex("rsi", r.RSI), hex("rdi", r.RDI),
		hex("rbp", r.RBP),
		hex("r8", r.R8), hex("r9", r.R9),
		hex("r10", r.R10), hex("r11", r.R11),
		hex("r12", r.R12), hex("r13", r.R13),
		hex("r14", r.R14), hex("r15", r.R15),
	)
}

// Frame describes an exception frame that is automatically pushed by the CPU
// to the stack when an exception occurs.
type Frame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// IOPL returns the I/O privilege level stored in the saved flags register.
func (f *Frame) IOPL() uint8 {
	return uint8((f.RFlags & rflagsIOPLMask) >> rflagsIOPLShift)
}

// SetIOPL replaces the I/O privilege level bits of the saved flags register.
// All other flags are preserved.
func (f *Frame) SetIOPL(level uint8) {
	f.RFlags = (f.RFlags &^ rflagsIOPLMask) | (uint64(level&MaxIOPL) << rflagsIOPLShift)
}

// Print logs a dump of the exception frame.
func (f *Frame) Print(logger *zap.Logger) {
	logger.Info("exception frame",
		hex("rip", f.RIP), hex("cs", f.CS),
		hex("rsp", f.RSP), hex("ss", f.SS),
		hex("rflags", f.RFlags),
	)
}

func hex(key string, value uint64) zap.Field {
	return zap.String(key, fmt.Sprintf("%016x", value))
}
