package kmain

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/sync/errgroup"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/config"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
	"github.com/hnu-osdesign/kcore/kernel/syscall"
	"github.com/hnu-osdesign/kcore/kernel/task"
)

const kernelOffset = mem.VirtualAddress(0xffffffff80000000)

func testConfig() config.Config {
	return config.Config{
		MemoryMap:       []pmm.MemoryArea{{Base: 0x100000, Length: 8 * mem.Mb}},
		KernelStart:     0x100000,
		KernelEnd:       0x110000,
		KernelOffset:    kernelOffset,
		TLSSize:         256,
		TBSSSize:        4096,
		CPUs:            2,
		UserGrantOffset: syscall.DefaultUserGrantOffset,
	}
}

func bootKernel(t *testing.T) *Kernel {
	k, err := Boot(testConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, k.Shutdown()) })
	return k
}

func TestBoot(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	k, err := Boot(testConfig(), zap.New(core))
	require.NoError(t, err)

	require.Equal(t, 2, k.Processors())
	assert.Equal(t, 1, logs.FilterMessage("kernel booted").Len())
	assert.Equal(t, 2, logs.FilterMessage("processor online").Len())

	sectionSpecs := []struct {
		virtAddr mem.VirtualAddress
		expPhys  mem.PhysicalAddress
		expFlags vmm.PageTableEntryFlag
	}{
		{kernelOffset + 0x100010, 0x100010, vmm.FlagPresent | vmm.FlagGlobal},
		{kernelOffset + 0x107fff, 0x107fff, vmm.FlagPresent | vmm.FlagGlobal},
		{kernelOffset + 0x108000, 0x108000, vmm.FlagPresent | vmm.FlagGlobal | vmm.FlagNoExecute},
		{kernelOffset + 0x10c000, 0x10c000, vmm.FlagPresent | vmm.FlagGlobal | vmm.FlagNoExecute | vmm.FlagRW},
		{kernelOffset + 0x10ffff, 0x10ffff, vmm.FlagPresent | vmm.FlagGlobal | vmm.FlagNoExecute | vmm.FlagRW},
	}

	for id := 0; id < k.Processors(); id++ {
		p := k.Processor(id)
		assert.Equal(t, id, p.ID())
		assert.Equal(t, k.KernelTable().Address(), p.CPU().ActivePDT())
		assert.Nil(t, p.Current())

		for specIndex, spec := range sectionSpecs {
			physAddr, err := p.ActivePageTable().Translate(spec.virtAddr)
			require.Nil(t, err, "[cpu %d spec %d]", id, specIndex)
			assert.Equal(t, spec.expPhys, physAddr, "[cpu %d spec %d]", id, specIndex)

			flags, err := p.ActivePageTable().TranslatePageFlags(vmm.PageFromAddress(spec.virtAddr))
			require.Nil(t, err, "[cpu %d spec %d]", id, specIndex)
			assert.Equal(t, spec.expFlags, flags, "[cpu %d spec %d]", id, specIndex)
		}

		_, err := p.ActivePageTable().Translate(kernelOffset + 0x110000)
		assert.Equal(t, vmm.ErrInvalidMapping, err)

		expTCB := vmm.PerCPUOffset.Add(uint64(id)*uint64(vmm.PerCPUSize) + 256 + 4096)
		assert.Equal(t, expTCB, p.TCB())

		var tcb [8]byte
		require.Nil(t, p.ActivePageTable().ReadVirtual(p.TCB(), tcb[:]))
		assert.Equal(t, expTCB.Get(), binary.LittleEndian.Uint64(tcb[:]))
	}

	// the kernel image is never handed out
	frame, kerr := k.Allocator().AllocateFrames(1)
	require.Nil(t, kerr)
	assert.True(t, frame.Address() >= 0x110000)

	require.NoError(t, k.Shutdown())
	for id := 0; id < k.Processors(); id++ {
		assert.True(t, k.Processor(id).CPU().Halted())
	}
	assert.Equal(t, 1, logs.FilterMessage("kernel halted").Len())
}

func TestBootErrors(t *testing.T) {
	t.Run("overlapping memory areas", func(t *testing.T) {
		cfg := testConfig()
		cfg.MemoryMap = []pmm.MemoryArea{
			{Base: 0x100000, Length: mem.Mb},
			{Base: 0x180000, Length: mem.Mb},
		}

		_, err := Boot(cfg, nil)
		assert.Error(t, err)
	})

	t.Run("kernel image outside memory", func(t *testing.T) {
		cfg := testConfig()
		cfg.KernelStart = 0x10000000
		cfg.KernelEnd = 0x10010000

		_, err := Boot(cfg, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, kernel.ErrInvalidArgument))
	})

	t.Run("not enough memory for the page tables", func(t *testing.T) {
		cfg := testConfig()
		cfg.MemoryMap = []pmm.MemoryArea{{Base: 0x100000, Length: 0x14000}}

		_, err := Boot(cfg, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, kernel.ErrOutOfMemory))
	})
}

func TestSpawnSwitchExit(t *testing.T) {
	var (
		k      = bootKernel(t)
		p      = k.Processor(0)
		driver = p.Driver()
	)

	_, kerr := driver.Physmap(0x1000, 0x1000, syscall.PhysmapWrite)
	assert.True(t, errors.Is(kerr, kernel.ErrNoSuchProcess), "an idle processor has no caller")
	assert.Equal(t, errNoCurrentTask, k.Exit(p))

	root, kerr := k.Spawn(task.RootUID)
	require.Nil(t, kerr)
	assert.NotEqual(t, k.KernelTable().Address(), root.Context.PageTable())

	k.Switch(p, root)
	assert.Same(t, root, p.Current())
	assert.Equal(t, root.Context.PageTable(), p.CPU().ActivePDT())
	assert.Equal(t, root.Context.PageTable(), p.ActivePageTable().Address())
	assert.Equal(t, pmm.FrameFromAddress(root.Context.PageTable()), p.ActivePageTable().P4().Frame())

	// the kernel half is shared
	physAddr, kerr := p.ActivePageTable().Translate(kernelOffset + 0x100000)
	require.Nil(t, kerr)
	assert.Equal(t, mem.PhysicalAddress(0x100000), physAddr)

	virt, kerr := driver.Physmap(0xfee00000, 0x1000, syscall.PhysmapWrite|syscall.PhysmapNoCache)
	require.Nil(t, kerr)
	assert.Equal(t, uint64(syscall.DefaultUserGrantOffset), virt)

	phys, kerr := driver.Virttophys(virt + 0x20)
	require.Nil(t, kerr)
	assert.Equal(t, uint64(0xfee00020), phys)

	_, kerr = driver.Iopl(3)
	require.Nil(t, kerr)
	assert.Equal(t, uint8(3), root.Frame.IOPL())

	require.Nil(t, k.Exit(p))
	assert.Nil(t, p.Current())
	assert.Zero(t, root.Grants.Len())
	assert.Zero(t, k.Tasks().Len())
	assert.Equal(t, k.KernelTable().Address(), p.CPU().ActivePDT())

	_, kerr = p.ActivePageTable().Translate(mem.VirtualAddress(virt))
	assert.Equal(t, vmm.ErrInvalidMapping, kerr)
}

func TestAddressSpaceIsolation(t *testing.T) {
	var (
		k      = bootKernel(t)
		p      = k.Processor(0)
		driver = p.Driver()
	)

	first, kerr := k.Spawn(task.RootUID)
	require.Nil(t, kerr)
	second, kerr := k.Spawn(task.RootUID)
	require.Nil(t, kerr)

	k.Switch(p, first)
	virt, kerr := driver.Physmap(0x3000, 0x1000, 0)
	require.Nil(t, kerr)

	k.Switch(p, second)
	_, kerr = driver.Virttophys(virt)
	assert.True(t, errors.Is(kerr, kernel.ErrBadAddress))
	_, kerr = driver.Physunmap(virt)
	assert.True(t, errors.Is(kerr, kernel.ErrBadAddress))

	// the same virtual address is handed out again in the second space
	other, kerr := driver.Physmap(0x5000, 0x1000, 0)
	require.Nil(t, kerr)
	assert.Equal(t, virt, other)

	k.Switch(p, first)
	phys, kerr := driver.Virttophys(virt)
	require.Nil(t, kerr)
	assert.Equal(t, uint64(0x3000), phys)
}

func TestSwitchDeliversSignals(t *testing.T) {
	var (
		k         = bootKernel(t)
		p         = k.Processor(1)
		delivered []uint8
	)

	user, kerr := k.Spawn(1000)
	require.Nil(t, kerr)
	user.Context.SignalStack(func(sig uint8) { delivered = append(delivered, sig) }, 10)

	k.Switch(p, user)
	assert.Equal(t, []uint8{10}, delivered)
	assert.Zero(t, user.Context.PendingSignals())

	_, kerr = p.Driver().Physalloc(0x1000)
	assert.True(t, errors.Is(kerr, kernel.ErrPermissionDenied))

	k.Switch(p, nil)
	assert.Nil(t, p.Current())
}

func TestConcurrentSwitches(t *testing.T) {
	const switches = 50

	k := bootKernel(t)

	tasks := make([][2]*task.Task, k.Processors())
	for id := range tasks {
		for index := range tasks[id] {
			tk, kerr := k.Spawn(task.RootUID)
			require.Nil(t, kerr)
			tasks[id][index] = tk
		}
	}

	var g errgroup.Group
	for id := 0; id < k.Processors(); id++ {
		p := k.Processor(id)

		g.Go(func() error {
			for i := 0; i < switches; i++ {
				next := tasks[id][i%2]
				k.Switch(p, next)

				if p.CPU().ActivePDT() != next.Context.PageTable() {
					return errors.New("page table base does not match the running task")
				}
			}

			k.Switch(p, nil)
			return nil
		})
	}

	require.NoError(t, g.Wait())
	for id := 0; id < k.Processors(); id++ {
		assert.Equal(t, k.KernelTable().Address(), k.Processor(id).CPU().ActivePDT())
	}
}

func TestSpawnWhileSwitching(t *testing.T) {
	const rounds = 50

	var (
		k      = bootKernel(t)
		p      = k.Processor(0)
		driver = p.Driver()
	)

	running, kerr := k.Spawn(task.RootUID)
	require.Nil(t, kerr)

	k.Switch(p, running)
	virt, kerr := driver.Physmap(0x7000, 0x1000, syscall.PhysmapWrite)
	require.Nil(t, kerr)
	k.Switch(p, nil)

	var (
		g       errgroup.Group
		spawned = make([]*task.Task, rounds)
	)

	g.Go(func() error {
		for i := 0; i < rounds; i++ {
			k.Switch(p, running)

			phys, kerr := driver.Virttophys(virt)
			if kerr != nil {
				return kerr
			}
			if phys != 0x7000 {
				return errors.New("grant translated through the wrong page table")
			}

			k.Switch(p, nil)
		}
		return nil
	})

	g.Go(func() error {
		for i := range spawned {
			tk, kerr := k.Spawn(task.RootUID)
			if kerr != nil {
				return kerr
			}
			spawned[i] = tk
		}
		return nil
	})

	require.NoError(t, g.Wait())
	assert.Equal(t, k.KernelTable().Address(), p.CPU().ActivePDT())
	assert.Equal(t, k.KernelTable().Address(), p.ActivePageTable().Address())

	for index, tk := range spawned {
		mapper := vmm.NewMapper(p.ActivePageTable().Window(), k.Allocator(), pmm.FrameFromAddress(tk.Context.PageTable()))

		physAddr, kerr := mapper.Translate(kernelOffset + 0x100000)
		require.Nil(t, kerr, "[task %d]", index)
		assert.Equal(t, mem.PhysicalAddress(0x100000), physAddr, "[task %d]", index)

		_, kerr = mapper.Translate(mem.VirtualAddress(virt))
		assert.Equal(t, vmm.ErrInvalidMapping, kerr, "[task %d]", index)
	}
}
