package vm

import "duskos/defs"
import "duskos/mem"

// Page-table bit layout. PTE_P/W/U/PCD/PS/ADDR live in the mem package
// since the PMM's frame bookkeeping needs them too; the COW/dirty/access
// bits below are only ever consulted by the fault handler and region map
// in this package, so they stay local rather than widen mem's API.
const (
	PGSHIFT  = mem.PGSHIFT
	PGOFFSET = mem.PGOFFSET
	PTE_P    = mem.PTE_P
	PTE_W    = mem.PTE_W
	PTE_U    = mem.PTE_U
	PTE_G    = mem.PTE_G
	PTE_PCD  = mem.PTE_PCD
	PTE_PS   = mem.PTE_PS
	PTE_ADDR = mem.PTE_ADDR
)

/// PTE_COW marks a page as copy-on-write; it and PTE_W are never both
/// set (see Sys_pgfault). PTE_WASCOW marks a page this process claimed
/// off a COW fault, so a second fault on the same pte by a racing thread
/// is recognized as already-resolved. PTE_D/PTE_A mirror the hardware
/// dirty/accessed bits so the page cache and reclaim code can consult
/// them without depending on real MMU semantics.
const (
	PTE_COW    mem.Pa_t = 1 << 9
	PTE_WASCOW mem.Pa_t = 1 << 10
	PTE_D      mem.Pa_t = 1 << 6
	PTE_A      mem.Pa_t = 1 << 5
)

const pmlevels = 4

func pgidx(va int, level int) int {
	shift := PGSHIFT + 9*uint(level)
	return (va >> shift) & 0x1ff
}

// pmap_walk returns the leaf PTE slot for va within top, allocating
// intermediate PDP/PD/PT pages (zeroed, as mem.Physmem.Refpg_new already
// zeroes) as it goes. flags is OR'd into every newly-created intermediate
// entry so the whole chain is at least as permissive as the leaf mapping
// requires.
func pmap_walk(top *mem.Pmap_t, va int, flags mem.Pa_t) (*mem.Pa_t, defs.Err_t) {
	cur := top
	for level := pmlevels - 1; level > 0; level-- {
		idx := pgidx(va, level)
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			_, p_pg, ok := mem.Physmem.Refpg_new()
			if !ok {
				return nil, -defs.ENOMEM
			}
			*pte = p_pg | PTE_P | flags
		}
		cur = mem.Physmem.Pmap_deref(*pte & PTE_ADDR)
	}
	idx := pgidx(va, 0)
	return &cur[idx], 0
}

// Pmap_lookup returns the leaf PTE slot for va, or nil if any
// intermediate level is not yet present (i.e. without allocating).
func Pmap_lookup(top *mem.Pmap_t, va int) *mem.Pa_t {
	cur := top
	for level := pmlevels - 1; level > 0; level-- {
		idx := pgidx(va, level)
		pte := &cur[idx]
		if *pte&PTE_P == 0 {
			return nil
		}
		cur = mem.Physmem.Pmap_deref(*pte & PTE_ADDR)
	}
	idx := pgidx(va, 0)
	return &cur[idx]
}

// tlbShootdownHook lets the scheduler observe TLB invalidations so a
// simulated multi-core run can model cross-core staleness windows; by
// default (uniprocessor or no scheduler wired yet) there is nothing to
// notify since there is no second core's TLB to go stale.
var tlbShootdownHook func(p_pmap mem.Pa_t, mask uint64, startva uintptr, pgcount int)

/// SetTlbShootdownHook installs sched's cross-core notifier.
func SetTlbShootdownHook(f func(p_pmap mem.Pa_t, mask uint64, startva uintptr, pgcount int)) {
	tlbShootdownHook = f
}

func tlb_shootdown(p_pmap mem.Pa_t, tlbp *uint64, startva uintptr, pgcount int) {
	mask := *tlbp
	*tlbp = 0
	if tlbShootdownHook != nil {
		tlbShootdownHook(p_pmap, mask, startva, pgcount)
	}
}

// Uvmfree_inner unmaps and frees every user page reachable via vmr's
// regions and drops their PTEs; it does not free the pmap itself since
// that pml4 frame's own refcount (shared with the currently-loaded CPU
// set) is what Dec_pmap checks after this returns.
func Uvmfree_inner(top *mem.Pmap_t, p_pmap mem.Pa_t, vmr *Vmregion_t) {
	for _, vmi := range vmr.regions() {
		start := int(vmi.Pgn << PGSHIFT)
		end := start + vmi.Pglen<<PGSHIFT
		for va := start; va < end; va += mem.PGSIZE {
			pte := Pmap_lookup(top, va)
			if pte == nil || *pte&PTE_P == 0 {
				continue
			}
			p_pg := *pte & PTE_ADDR
			*pte = 0
			if vmi.Mtype == VFILE && vmi.file.shared && vmi.file.mfile.unpin != nil {
				vmi.file.mfile.unpin.Unpin(p_pg)
				continue
			}
			mem.Physmem.Refdown(p_pg)
		}
	}
}
