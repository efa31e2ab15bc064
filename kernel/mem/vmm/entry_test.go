package vmm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hnu-osdesign/kcore/kernel/mem/pmm"
)

func TestEntryFlagBits(t *testing.T) {
	specs := []struct {
		flag PageTableEntryFlag
		bit  uint
	}{
		{FlagPresent, 0},
		{FlagRW, 1},
		{FlagUserAccessible, 2},
		{FlagWriteThroughCaching, 3},
		{FlagDoNotCache, 4},
		{FlagAccessed, 5},
		{FlagDirty, 6},
		{FlagHugePage, 7},
		{FlagGlobal, 8},
		{FlagNoExecute, 63},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, PageTableEntryFlag(1)<<spec.bit, spec.flag, "[spec %d]", specIndex)
	}
}

func TestEntryFlags(t *testing.T) {
	var (
		entry Entry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	entry.SetFlags(FlagRW | FlagGlobal)
	if !entry.HasAnyFlag(FlagRW | FlagPresent) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !entry.HasFlags(FlagRW | FlagGlobal) {
		t.Fatalf("expected HasFlags to return true")
	}

	entry.ClearFlags(FlagRW)
	if entry.HasFlags(FlagRW) {
		t.Fatalf("expected HasFlags to return false")
	}

	// bits outside of the flag set are never touched
	entry.SetFlags(flag1 | flag2)
	if entry.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected unknown flags to be ignored")
	}
}

func TestEntrySet(t *testing.T) {
	var entry Entry

	entry.Set(pmm.Frame(0x1234), FlagPresent|FlagRW|FlagNoExecute)
	assert.Equal(t, Entry(0x8000_0000_0123_4003), entry)
	assert.Equal(t, pmm.Frame(0x1234), entry.Frame())
	assert.Equal(t, FlagPresent|FlagRW|FlagNoExecute, entry.Flags())

	frame, ok := entry.PointedFrame()
	assert.True(t, ok)
	assert.Equal(t, pmm.Frame(0x1234), frame)

	entry.ClearFlags(FlagPresent)
	_, ok = entry.PointedFrame()
	assert.False(t, ok)
	assert.False(t, entry.IsUnused())

	require.PanicsWithValue(t, errFrameOutOfRange, func() {
		entry.Set(pmm.Frame(1<<40), FlagPresent)
	})
}

func TestEntryCounterBits(t *testing.T) {
	var entry Entry

	entry.SetCounterBits(513)
	assert.Equal(t, uint64(513), entry.CounterBits())
	assert.Equal(t, uint64(513)<<52, uint64(entry))
	assert.True(t, entry.IsUnused(), "an entry holding only counter bits is unused")

	// Set and SetUnused preserve the counter
	entry.Set(pmm.Frame(0xfffff_ffff), FlagPresent|FlagNoExecute)
	assert.Equal(t, uint64(513), entry.CounterBits())
	assert.Equal(t, pmm.Frame(0xfffff_ffff), entry.Frame())
	assert.False(t, entry.IsUnused())

	entry.SetUnused()
	assert.True(t, entry.IsUnused())
	assert.Equal(t, uint64(513), entry.CounterBits())

	// the counter is 10 bits wide
	entry.SetCounterBits(1<<10 | 7)
	assert.Equal(t, uint64(7), entry.CounterBits())

	entry.SetZero()
	assert.Equal(t, Entry(0), entry)
}
