package vmm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hnu-osdesign/kcore/kernel/cpu"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/dmap"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm/allocator"
)

type testEnv struct {
	window *dmap.Window
	alloc  *allocator.BumpAllocator
	cpu    *cpu.CPU
	active *ActivePageTable
	temp   *TemporaryPage
}

// newTestEnv sets up a processor running an empty page table backed by 4M
// of simulated memory starting at 1M.
func newTestEnv(t *testing.T) *testEnv {
	areas := []pmm.MemoryArea{{Base: 0x100000, Length: 4 * mem.Mb}}

	window, err := dmap.NewWindow(areas)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, window.Close()) })

	alloc := allocator.NewBumpAllocator(0, 0, areas)
	root, kerr := alloc.AllocateFrames(1)
	require.Nil(t, kerr)
	window.MarkTable(root)

	c := cpu.New(0)
	c.SwitchPDT(root.Address())

	return &testEnv{
		window: window,
		alloc:  alloc,
		cpu:    c,
		active: NewActivePageTable(c, window, alloc),
		temp:   NewTemporaryPage(TemporaryPageAddr),
	}
}

// allocFrame returns a frame that is not used by any table.
func (env *testEnv) allocFrame(t *testing.T) pmm.Frame {
	frame, err := env.alloc.AllocateFrames(1)
	require.Nil(t, err)
	return frame
}

// requireCountersMatch checks that the entry count of table and all tables
// below it equals the number of present entries.
func requireCountersMatch(t *testing.T, table *Table) {
	require.Equal(t, table.PresentCount(), table.EntryCount(), "level %d table at frame %d", table.Level(), table.Frame())
	if table.Level() == Level1 {
		return
	}

	for index := 0; index < mem.EntryCount; index++ {
		if next := table.NextTable(index); next != nil {
			requireCountersMatch(t, next)
		}
	}
}
