package irq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRegsPrint(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	regs := Regs{
		RAX: 1,
		RBX: 2,
		RCX: 3,
		RDX: 4,
		RSI: 5,
		RDI: 6,
		RBP: 7,
		R8:  8,
		R9:  9,
		R10: 10,
		R11: 11,
		R12: 12,
		R13: 13,
		R14: 14,
		R15: 15,
	}
	regs.Print(zap.New(core))

	entries := logs.TakeAll()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Len(t, fields, 15)
	assert.Equal(t, "0000000000000001", fields["rax"])
	assert.Equal(t, "000000000000000a", fields["r10"])
	assert.Equal(t, "000000000000000f", fields["r15"])
}

func TestFramePrint(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)

	frame := Frame{
		RIP:    1,
		CS:     2,
		RFlags: 3,
		RSP:    4,
		SS:     5,
	}
	frame.Print(zap.New(core))

	entries := logs.TakeAll()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "0000000000000001", fields["rip"])
	assert.Equal(t, "0000000000000002", fields["cs"])
	assert.Equal(t, "0000000000000003", fields["rflags"])
	assert.Equal(t, "0000000000000004", fields["rsp"])
	assert.Equal(t, "0000000000000005", fields["ss"])
}

func TestFrameIOPL(t *testing.T) {
	specs := []struct {
		rflags    uint64
		level     uint8
		expRFlags uint64
	}{
		{0x202, 3, 0x3202},
		{0x3202, 0, 0x202},
		{0x1246, 2, 0x2246},
		{0xffff_ffff_ffff_ffff, 1, 0xffff_ffff_ffff_dfff},
	}

	for specIndex, spec := range specs {
		frame := Frame{RFlags: spec.rflags}
		frame.SetIOPL(spec.level)

		assert.Equal(t, spec.expRFlags, frame.RFlags, "[spec %d]", specIndex)
		assert.Equal(t, spec.level, frame.IOPL(), "[spec %d]", specIndex)
	}
}
