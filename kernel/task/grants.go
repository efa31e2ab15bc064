package task

import (
	"github.com/google/btree"

	"github.com/hnu-osdesign/kcore/kernel"
	"github.com/hnu-osdesign/kcore/kernel/mem"
	"github.com/hnu-osdesign/kcore/kernel/mem/vmm"
	"github.com/hnu-osdesign/kcore/kernel/sync"
)

const grantTreeDegree = 8

var errOverlappingGrant = &kernel.Error{Module: "grant", Message: "grant overlaps an existing grant", Kind: kernel.ContractViolation}

// Grants is the set of grants of one address space ordered by start
// address. Grants never overlap.
//
// Grants does not lock itself; callers serialize access with Lock and
// Unlock.
type Grants struct {
	lock sync.Spinlock
	tree *btree.BTreeG[*Grant]
}

func grantLess(a, b *Grant) bool {
	return a.region.start < b.region.start
}

// NewGrants returns an empty grant set.
func NewGrants() *Grants {
	return &Grants{tree: btree.NewG(grantTreeDegree, grantLess)}
}

// Lock acquires exclusive access to the set.
func (g *Grants) Lock() {
	g.lock.Acquire()
}

// Unlock releases exclusive access to the set.
func (g *Grants) Unlock() {
	g.lock.Release()
}

// Len returns the number of grants in the set.
func (g *Grants) Len() int {
	return g.tree.Len()
}

// Insert adds grant to the set. Inserting a grant that overlaps an existing
// one is a contract violation.
func (g *Grants) Insert(grant *Grant) {
	region := grant.Region()

	g.tree.DescendLessOrEqual(grant, func(prev *Grant) bool {
		kernel.Assert(!prev.region.Overlaps(region), errOverlappingGrant)
		return false
	})
	g.tree.AscendGreaterOrEqual(grant, func(next *Grant) bool {
		kernel.Assert(!next.region.Overlaps(region), errOverlappingGrant)
		return false
	})

	g.tree.ReplaceOrInsert(grant)
}

// Contains returns the grant that covers addr or nil if addr is not part of
// any grant.
func (g *Grants) Contains(addr mem.VirtualAddress) *Grant {
	var found *Grant
	g.tree.DescendLessOrEqual(&Grant{region: Region{start: addr}}, func(grant *Grant) bool {
		if grant.region.Contains(addr) {
			found = grant
		}
		return false
	})
	return found
}

// Take removes the grant that starts at the start of region from the set
// and returns it. It returns nil if no such grant exists.
func (g *Grants) Take(region Region) *Grant {
	grant, ok := g.tree.Delete(&Grant{region: region})
	if !ok {
		return nil
	}
	return grant
}

// Ascend calls fn for each grant in ascending address order until fn
// returns false.
func (g *Grants) Ascend(fn func(*Grant) bool) {
	g.tree.Ascend(btree.ItemIteratorG[*Grant](fn))
}

// FirstFit returns the lowest address at or above base where a range of
// size bytes does not overlap any grant.
func (g *Grants) FirstFit(base mem.VirtualAddress, size mem.Size) mem.VirtualAddress {
	addr := base
	g.tree.Ascend(func(grant *Grant) bool {
		if addr.Add(uint64(size)) <= grant.region.start {
			return false
		}

		if end := grant.region.start.Add(uint64(grant.region.size.AlignUp())); end > addr {
			addr = end
		}
		return true
	})
	return addr
}

// UnmapAll removes every grant from the active table and empties the set.
// It is used when an address space is torn down.
func (g *Grants) UnmapAll(active *vmm.ActivePageTable) {
	g.tree.Ascend(func(grant *Grant) bool {
		grant.Unmap(active)
		return true
	})
	g.tree.Clear(false)
}
