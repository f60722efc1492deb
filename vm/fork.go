package vm

import (
	"duskos/defs"
	"duskos/mem"
)

// Fork builds a child address space sharing as's physical pages under
// copy-on-write: every private, writable VANON/VFILE page the parent
// currently has mapped is marked read-only and PTE_COW in both the
// parent and the freshly-built child pmap, and its refcount bumped so
// neither side's first write fault has to distinguish "this frame is
// still shared" from "I already copied it" by anything but PTE_WASCOW.
// Shared regions (VSANON, or VFILE with file.shared) are mapped
// directly into the child with no COW step, matching MAP_SHARED
// semantics: writes by either side are visible to both immediately.
//
// The idle task has no user half at all (Vmregion is empty), so Fork
// on it is just "hand back a pmap with no user mappings" -- callers
// must not Fork the idle task's Vm_t for anything but that.
//
// Unlike the bailout label this is modeled on, a failure partway
// through the region walk unwinds every page already refup'd and
// inserted into the child pmap before returning the error, rather than
// leaving them refcounted against a pmap nobody will ever free.
func (as *Vm_t) Fork() (*Vm_t, defs.Err_t) {
	as.Lock_pmap()
	defer as.Unlock_pmap()

	npmap, np_pmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return nil, -defs.ENOMEM
	}

	child := &Vm_t{Pmap: npmap, P_pmap: np_pmap}

	var mapped []uintptr // child-side VAs successfully mapped, for unwind
	fail := func(err defs.Err_t) (*Vm_t, defs.Err_t) {
		for _, va := range mapped {
			pte := Pmap_lookup(npmap, int(va))
			if pte != nil && *pte&PTE_P != 0 {
				mem.Physmem.Refdown(*pte & PTE_ADDR)
				*pte = 0
			}
		}
		mem.Physmem.Dec_pmap(np_pmap)
		child.Vmregion.Clear()
		return nil, err
	}

	for _, vmi := range as.Vmregion.regions() {
		nvmi := vmi.clone()
		start := vmi.Pgn << PGSHIFT
		end := start + uintptr(vmi.Pglen)<<PGSHIFT

		shared := vmi.Mtype == VSANON || (vmi.Mtype == VFILE && vmi.file.shared)

		for va := start; va < end; va += uintptr(mem.PGSIZE) {
			ppte := Pmap_lookup(as.Pmap, int(va))
			if ppte == nil || *ppte&PTE_P == 0 {
				continue
			}
			p_pg := *ppte & PTE_ADDR
			perms := *ppte &^ PTE_ADDR

			cpte, err := pmap_walk(npmap, int(va), PTE_U)
			if err != 0 {
				return fail(err)
			}

			if shared {
				*cpte = p_pg | perms
			} else if perms&PTE_W != 0 {
				*ppte = (*ppte &^ PTE_W) | PTE_COW
				*cpte = *ppte
			} else {
				*cpte = p_pg | perms
			}
			// Inc_frame_shares enforces the share-count cap
			// (at most 255 sharers); a frame mapped into 255 forked
			// descendants already can't take a 256th without either
			// dropping a sharer first or the kernel being willing to
			// violate the cap, so Fork fails closed here the same way
			// it would on a page-table allocation failure.
			if !mem.Physmem.Inc_frame_shares(p_pg) {
				return fail(-defs.ENOMEM)
			}
			mapped = append(mapped, va)
		}

		// insert() reopens the file backing nvmi (matching every other
		// Vmadd_* constructor), bumping its refcount for the child.
		child.Vmregion.insert(nvmi)
	}

	return child, 0
}
