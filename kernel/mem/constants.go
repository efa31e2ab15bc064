package mem

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uint64)). Page table
	// entries are 64 bits wide regardless of the host architecture.
	PointerShift = 3

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a frame number (shift right
	// by PageShift) and vice-versa.
	PageShift = 12

	// PageSize defines the system's page size in bytes.
	PageSize = Size(1 << PageShift)

	// EntryCount is the number of entries held by a page table at any
	// level of the hierarchy.
	EntryCount = 512

	// Space32Limit is the first physical address that cannot be reached
	// by devices restricted to 32-bit addressing.
	Space32Limit = uint64(1) << 32
)
