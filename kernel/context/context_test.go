package context

import (
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
)

func newContext(pdt mem.PhysicalAddress, regs cpu.Registers) *Context {
	ctx := New()
	ctx.SetFX(cpu.NewFXArea())
	ctx.SetPageTable(pdt)
	*ctx.Registers() = regs
	return ctx
}

func acquire(lock *SwitchLock) {
	for !lock.TryAcquire() {
		runtime.Gosched()
	}
}

func TestSwitchTo(t *testing.T) {
	var (
		c    = cpu.New(0)
		lock SwitchLock

		prevRegs = cpu.Registers{RFlags: 0x202, RBX: 1, R12: 2, RSP: 0x8000}
		nextRegs = cpu.Registers{RFlags: 0x246, RBX: 10, R15: 11, RBP: 0x9ff0, RSP: 0x9000}
	)
	c.SwitchPDT(0x1000)
	c.SetRegisters(prevRegs)

	prev := newContext(0, cpu.Registers{})
	next := newContext(0x2000, nextRegs)

	acquire(&lock)
	prev.SwitchTo(c, next, &lock)

	assert.False(t, lock.Held(), "the switch must release the lock")
	assert.True(t, prev.Loadable())
	assert.False(t, next.Loadable())
	assert.Equal(t, prevRegs, *prev.Registers())
	assert.Equal(t, nextRegs, c.Registers())
	assert.Equal(t, mem.PhysicalAddress(0x1000), prev.PageTable())
	assert.Equal(t, mem.PhysicalAddress(0x2000), c.ActivePDT())
	assert.Equal(t, uint64(2), c.PDTReloads())

	// switching back restores the saved state
	acquire(&lock)
	next.SwitchTo(c, prev, &lock)

	assert.True(t, next.Loadable())
	assert.Equal(t, prevRegs, c.Registers())
	assert.Equal(t, mem.PhysicalAddress(0x1000), c.ActivePDT())
	assert.Equal(t, uint64(3), c.PDTReloads())
}

func TestSwitchToSameAddressSpace(t *testing.T) {
	var (
		c    = cpu.New(0)
		lock SwitchLock
	)
	c.SwitchPDT(0x1000)
	c.FillTLB(0x4000, cpu.TLBEntry{Frame: 0x5000})

	prev := newContext(0x1000, cpu.Registers{})
	next := newContext(0x1000, cpu.Registers{RSP: 0x1234})

	acquire(&lock)
	prev.SwitchTo(c, next, &lock)

	assert.Equal(t, uint64(1), c.PDTReloads(), "the page table base must not be reloaded")
	assert.Equal(t, 1, c.TLBSize())
	assert.Equal(t, mem.VirtualAddress(0x1234), mem.VirtualAddress(c.Registers().RSP))
}

func TestSwitchToFPU(t *testing.T) {
	var (
		c    = cpu.New(0)
		lock SwitchLock
		live cpu.FloatRegisters
	)

	live.FCW = 0x027f
	live.FSW = 0x3800
	live.MXCSR = 0x1fc0
	live.ST[1] = cpu.Uint128{Lo: 0xdead}
	area := cpu.NewFXArea()
	live.Encode(area)
	c.FXRestore(area)

	t.Run("next not loadable", func(t *testing.T) {
		prev := newContext(0, cpu.Registers{})
		next := newContext(0, cpu.Registers{})

		acquire(&lock)
		prev.SwitchTo(c, next, &lock)

		saved, ok := prev.FXRegs()
		require.True(t, ok)
		assert.Equal(t, live, saved)

		var got cpu.FloatRegisters
		c.FXSave(area)
		got.Decode(area)
		assert.Equal(t, uint16(0x037f), got.FCW, "x87 control word must be reset")
		assert.Zero(t, got.FSW)
		assert.Equal(t, uint32(0x1fc0), got.MXCSR, "SSE state must be kept")

		t.Run("next loadable", func(t *testing.T) {
			acquire(&lock)
			next.SwitchTo(c, prev, &lock)

			var restored cpu.FloatRegisters
			c.FXSave(area)
			restored.Decode(area)
			assert.Equal(t, live, restored)
		})
	})
}

func TestSwitchToWithoutLock(t *testing.T) {
	var (
		c    = cpu.New(0)
		lock SwitchLock
	)
	prev := newContext(0, cpu.Registers{})
	next := newContext(0, cpu.Registers{})

	require.PanicsWithValue(t, errSwitchLockNotHeld, func() {
		prev.SwitchTo(c, next, &lock)
	})
	assert.False(t, prev.Loadable())

	acquire(&lock)
	require.PanicsWithValue(t, errNoFXArea, func() {
		prev.SwitchTo(c, New(), &lock)
	})
	require.PanicsWithValue(t, errNoFXArea, func() {
		New().SetFX(make([]byte, 16))
	})
}

func TestFXRegs(t *testing.T) {
	var (
		c    = cpu.New(0)
		lock SwitchLock
	)
	ctx := newContext(0, cpu.Registers{})

	_, ok := ctx.FXRegs()
	assert.False(t, ok, "a context that never ran has no FPU state")
	assert.False(t, ctx.SetFXRegs(cpu.FloatRegisters{}))

	// plant reserved bits in the live state before it is saved
	var live cpu.FloatRegisters
	live.Reserved = 0x5a
	for index := range live.ST {
		live.ST[index] = cpu.Uint128{Lo: uint64(index), Hi: 0xabcd_0000_0000_0000 | uint64(index)}
	}
	area := cpu.NewFXArea()
	live.Encode(area)
	c.FXRestore(area)

	acquire(&lock)
	ctx.SwitchTo(c, newContext(0, cpu.Registers{}), &lock)

	regs, ok := ctx.FXRegs()
	require.True(t, ok)
	assert.Zero(t, regs.Reserved)
	for index, st := range regs.ST {
		assert.Equal(t, cpu.Uint128{Lo: uint64(index), Hi: uint64(index)}, st, "ST%d", index)
	}

	// write back a register file with garbage in the reserved bits
	regs.FCW = 0x0363
	regs.Reserved = 0xff
	for index := range regs.ST {
		regs.ST[index] = cpu.Uint128{Lo: ^uint64(0), Hi: ^uint64(0)}
	}
	require.True(t, ctx.SetFXRegs(regs))

	got, ok := ctx.FXRegs()
	require.True(t, ok)
	assert.Equal(t, uint16(0x0363), got.FCW)
	for index, st := range got.ST {
		assert.Equal(t, cpu.Uint128{Lo: ^uint64(0), Hi: 0xffff}, st, "ST%d", index)
	}

	// the saved reserved bits are unchanged
	var raw cpu.FloatRegisters
	raw.Decode(ctx.fx)
	assert.Equal(t, uint8(0x5a), raw.Reserved)
	for index, st := range raw.ST {
		assert.Equal(t, uint64(0xabcd_0000_0000_ffff), st.Hi, "ST%d", index)
	}
}

func TestSignals(t *testing.T) {
	ctx := New()
	ctx.SetStack(0x7000)
	assert.Equal(t, mem.VirtualAddress(0x7000), ctx.Stack())

	var delivered []uint8
	handler := func(sig uint8) { delivered = append(delivered, sig) }

	assert.Zero(t, ctx.DeliverSignals())

	ctx.SignalStack(handler, 2)
	ctx.SignalStack(handler, 15)
	assert.Equal(t, 2, ctx.PendingSignals())

	assert.Equal(t, 2, ctx.DeliverSignals())
	assert.Equal(t, []uint8{15, 2}, delivered)
	assert.Zero(t, ctx.PendingSignals())
	assert.Equal(t, mem.VirtualAddress(0x7000), ctx.Stack(), "delivery must not move the saved stack")
}

func TestSwitchLockAtomicity(t *testing.T) {
	const (
		cpus     = 4
		switches = 200
	)

	var (
		lock   SwitchLock
		inside atomic.Int32
		g      errgroup.Group
	)

	for id := 0; id < cpus; id++ {
		c := cpu.New(id)
		c.SwitchPDT(mem.PhysicalAddress(0x1000 * (id + 1)))

		g.Go(func() error {
			ctxs := [2]*Context{
				newContext(0, cpu.Registers{RBX: uint64(id)}),
				newContext(mem.PhysicalAddress(0x100000*(id+1)), cpu.Registers{RBX: uint64(id) + 100}),
			}

			for i := 0; i < switches; i++ {
				acquire(&lock)
				if n := inside.Add(1); n != 1 {
					t.Errorf("%d processors inside the switch", n)
				}
				inside.Add(-1)

				ctxs[i%2].SwitchTo(c, ctxs[(i+1)%2], &lock)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.False(t, lock.Held())
}
