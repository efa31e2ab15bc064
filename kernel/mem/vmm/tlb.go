package vmm

// MapperFlush records a page whose TLB entry must be invalidated after its
// mapping was changed.
type MapperFlush struct {
	page    Page
	pending bool
}

func newMapperFlush(page Page) MapperFlush {
	return MapperFlush{page: page, pending: true}
}

// Page returns the page whose mapping changed.
func (f MapperFlush) Page() Page {
	return f.page
}

// Flush invalidates the TLB entry for the page on the processor that runs
// table.
func (f MapperFlush) Flush(table *ActivePageTable) {
	if f.pending {
		table.Flush(f.page)
	}
}

// Ignore drops the flush. It is used when the mapping belongs to an
// address space that is not active on any processor.
func (f MapperFlush) Ignore() {}

// MapperFlushAll accumulates several MapperFlush values and invalidates the
// whole TLB once.
type MapperFlushAll struct {
	pending bool
}

// Consume adds flush to the set of pending invalidations.
func (f *MapperFlushAll) Consume(flush MapperFlush) {
	f.pending = f.pending || flush.pending
}

// Flush invalidates the TLB if any consumed flush was pending.
func (f *MapperFlushAll) Flush(table *ActivePageTable) {
	if f.pending {
		table.FlushAll()
		f.pending = false
	}
}
