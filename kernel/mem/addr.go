package mem

import "fmt"

// PhysicalAddress is an address in the physical address space. It is never
// implicitly convertible to a VirtualAddress.
type PhysicalAddress uint64

// Get returns the raw address value.
func (a PhysicalAddress) Get() uint64 {
	return uint64(a)
}

// Add returns the address located offset bytes after a.
func (a PhysicalAddress) Add(offset uint64) PhysicalAddress {
	return a + PhysicalAddress(offset)
}

// String implements fmt.Stringer.
func (a PhysicalAddress) String() string {
	return fmt.Sprintf("phys(0x%x)", uint64(a))
}

// VirtualAddress is an address in a virtual address space.
type VirtualAddress uint64

// Get returns the raw address value.
func (a VirtualAddress) Get() uint64 {
	return uint64(a)
}

// Add returns the address located offset bytes after a.
func (a VirtualAddress) Add(offset uint64) VirtualAddress {
	return a + VirtualAddress(offset)
}

// PageOffset returns the offset of the address within its page.
func (a VirtualAddress) PageOffset() uint64 {
	return uint64(a) & uint64(PageSize-1)
}

// String implements fmt.Stringer.
func (a VirtualAddress) String() string {
	return fmt.Sprintf("virt(0x%x)", uint64(a))
}
