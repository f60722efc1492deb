package vm

import (
	"sync"

	"duskos/defs"
	"duskos/fdops"
	"duskos/mem"
)

/// mtype_t classifies what backs a Vminfo_t's pages.
type mtype_t int

const (
	/// VANON is a private anonymous region (heap, stack, bss): faults
	/// resolve against the global zero page and COW-copy on write.
	VANON mtype_t = iota
	/// VFILE is backed by an open file's pages, private or shared.
	VFILE
	/// VSANON is shared anonymous memory (POSIX/SysV shm): always
	/// mapped, never faulted lazily.
	VSANON
)

/// Mfile_t is the file-backing state of a VFILE region, shared by every
/// Vminfo_t mapping the same file range so unpin/mapcount bookkeeping
/// stays consistent across mappings.
type Mfile_t struct {
	mfops    fdops.Fdops_i
	unpin    mem.Unpin_i
	mapcount int
}

/// Vminfo_t describes one memregion within a task's address space: a
/// page-aligned range [Pgn, Pgn+Pglen) of virtual page numbers, with
/// the protection bits the fault handler should install and (for VFILE)
/// the file backing it.
type Vminfo_t struct {
	Mtype mtype_t
	Pgn   uintptr
	Pglen int
	Perms uint
	file  struct {
		foff   int
		mfile  *Mfile_t
		shared bool
	}
}

/// Ptefor returns the leaf PTE slot covering va, creating intermediate
/// page-table levels as necessary.
func (vmi *Vminfo_t) Ptefor(pmap *mem.Pmap_t, va uintptr) (*mem.Pa_t, bool) {
	flags := PTE_U
	if vmi.Perms&uint(PTE_W) != 0 {
		flags |= PTE_W
	}
	pte, err := pmap_walk(pmap, int(va), flags)
	if err != 0 {
		return nil, false
	}
	return pte, true
}

/// Filepage returns the resident page backing the fault address,
/// reading it in through the region's file ops if necessary.
func (vmi *Vminfo_t) Filepage(faultaddr uintptr) (*mem.Pg_t, mem.Pa_t, defs.Err_t) {
	pgva := faultaddr &^ uintptr(PGOFFSET)
	regionstart := vmi.Pgn << PGSHIFT
	foff := vmi.file.foff + int(pgva-regionstart)
	infos, err := vmi.file.mfile.mfops.Mmapi(foff, mem.PGSIZE, false)
	if err != 0 {
		return nil, 0, err
	}
	if len(infos) == 0 {
		return nil, 0, -defs.EINVAL
	}
	p_pg := mem.Pa_t(infos[0].Phys)
	return mem.Physmem.Dmap(p_pg), p_pg, 0
}

/// Vmregion_t is a task's address-ordered, non-overlapping sequence of
/// memregions.
type Vmregion_t struct {
	sync.Mutex
	rs []*Vminfo_t
}

func (vmr *Vmregion_t) regions() []*Vminfo_t {
	return vmr.rs
}

/// Lookup finds the region containing virtual address va, if any.
func (vmr *Vmregion_t) Lookup(va uintptr) (*Vminfo_t, bool) {
	vmr.Lock()
	defer vmr.Unlock()
	pgn := va >> PGSHIFT
	for _, vmi := range vmr.rs {
		if pgn >= vmi.Pgn && pgn < vmi.Pgn+uintptr(vmi.Pglen) {
			return vmi, true
		}
	}
	return nil, false
}

// insert adds vmi to the region list in address order. Overlap with an
// existing region is a caller bug (the region map is advisory only for
// the allocator that picked vmi's address, via Unusedva_inner/empty);
// it is not resolved here the way mmap(MAP_FIXED) would need to.
func (vmr *Vmregion_t) insert(vmi *Vminfo_t) {
	vmr.Lock()
	defer vmr.Unlock()
	if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.mfops != nil {
		vmi.file.mfile.mfops.Reopen()
	}
	i := 0
	for ; i < len(vmr.rs); i++ {
		if vmr.rs[i].Pgn > vmi.Pgn {
			break
		}
	}
	vmr.rs = append(vmr.rs, nil)
	copy(vmr.rs[i+1:], vmr.rs[i:])
	vmr.rs[i] = vmi
	vmr.consolidate()
}

// consolidate merges adjacent regions sharing type, perms, and (for
// file regions) a contiguous backing file, mirroring the merge rule
// regions of mmap(2) calls against the same file commonly trigger.
func (vmr *Vmregion_t) consolidate() {
	out := vmr.rs[:0]
	for _, vmi := range vmr.rs {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Pgn+uintptr(prev.Pglen) == vmi.Pgn &&
				prev.Mtype == vmi.Mtype && prev.Perms == vmi.Perms &&
				(prev.Mtype != VFILE || (prev.file.mfile == vmi.file.mfile &&
					prev.file.foff+prev.Pglen*(1<<PGSHIFT) == vmi.file.foff)) {
				prev.Pglen += vmi.Pglen
				continue
			}
		}
		out = append(out, vmi)
	}
	vmr.rs = out
}

// empty returns the lowest free [addr,addr+len) gap at or above
// startva, used by Unusedva_inner (mmap's address hint resolution).
func (vmr *Vmregion_t) empty(startva, len uintptr) (uintptr, uintptr) {
	vmr.Lock()
	defer vmr.Unlock()
	cur := startva
	for _, vmi := range vmr.rs {
		rstart := vmi.Pgn << PGSHIFT
		rend := rstart + uintptr(vmi.Pglen)<<PGSHIFT
		if cur+len <= rstart {
			break
		}
		if cur < rend {
			cur = rend
		}
	}
	return cur, len
}

// overlaps reports whether [pgn, pgn+pglen) intersects vmi's range.
func (vmi *Vminfo_t) overlaps(pgn uintptr, pglen int) bool {
	end := pgn + uintptr(pglen)
	vend := vmi.Pgn + uintptr(vmi.Pglen)
	return pgn < vend && vmi.Pgn < end
}

// clone makes a shallow copy of vmi (shared Mfile_t, if any) suitable
// for splitting: the two halves keep mapping the same backing file,
// Filepage's foff math on each half diverging only in Pgn/Pglen.
func (vmi *Vminfo_t) clone() *Vminfo_t {
	c := &Vminfo_t{Mtype: vmi.Mtype, Pgn: vmi.Pgn, Pglen: vmi.Pglen, Perms: vmi.Perms}
	c.file = vmi.file
	return c
}

// splitAtLocked ensures a region boundary exists at virtual page pgn,
// splitting whichever region (if any) straddles it into two adjacent
// regions with identical type/perms/backing, only their Pgn/Pglen and
// (for file regions) foff differing. Caller holds vmr.Mutex.
func (vmr *Vmregion_t) splitAtLocked(pgn uintptr) {
	for i, vmi := range vmr.rs {
		if pgn <= vmi.Pgn || pgn >= vmi.Pgn+uintptr(vmi.Pglen) {
			continue
		}
		lo := vmi
		hi := vmi.clone()
		split := int(pgn - vmi.Pgn)
		hi.Pgn = pgn
		hi.Pglen = lo.Pglen - split
		lo.Pglen = split
		if hi.Mtype == VFILE {
			hi.file.foff = lo.file.foff + split<<PGSHIFT
			if hi.file.mfile != nil {
				hi.file.mfile.mapcount = hi.Pglen
			}
		}
		vmr.rs = append(vmr.rs, nil)
		copy(vmr.rs[i+2:], vmr.rs[i+1:])
		vmr.rs[i+1] = hi
		return
	}
}

/// AllocAndAttach inserts vmi into the region map. When mayOverlap is
/// false (the MAP_FIXED-absent case) any existing overlap is rejected
/// with EEXIST rather than silently clobbered, unlike insert's bare
/// "caller already checked" assumption; when mayOverlap is true
/// (MAP_FIXED) any overlapping regions are first removed via
/// RemoveOverlaps, whose caller is expected to have already unmapped
/// their PTEs and, for dirty shared file mappings, written them back.
func (vmr *Vmregion_t) AllocAndAttach(vmi *Vminfo_t, mayOverlap bool) ([]*Vminfo_t, defs.Err_t) {
	vmr.Lock()
	var displaced []*Vminfo_t
	for _, r := range vmr.rs {
		if r.overlaps(vmi.Pgn, vmi.Pglen) {
			if !mayOverlap {
				vmr.Unlock()
				return nil, -defs.EEXIST
			}
			displaced = append(displaced, r)
		}
	}
	vmr.Unlock()
	if len(displaced) > 0 {
		vmr.RemoveOverlaps(vmi.Pgn, vmi.Pglen)
	}
	vmr.insert(vmi)
	return displaced, 0
}

/// RemoveOverlaps deletes (splitting the edges where necessary) every
/// region overlapping [pgn, pgn+pglen) and returns the regions that
/// were fully or partially covered, still carrying their original
/// (pre-truncation) Mfile_t/unpin state so the caller can msync dirty
/// MAP_SHARED|PROT_WRITE pages and call unpin before the PTEs backing
/// them are torn down -- munmap's remove_overlaps / mprotect's
/// shrink-in-place both need this "tell me what I'm about to orphan"
/// step before committing.
func (vmr *Vmregion_t) RemoveOverlaps(pgn uintptr, pglen int) []*Vminfo_t {
	vmr.Lock()
	defer vmr.Unlock()

	vmr.splitAtLocked(pgn)
	vmr.splitAtLocked(pgn + uintptr(pglen))

	var removed []*Vminfo_t
	out := vmr.rs[:0]
	for _, r := range vmr.rs {
		if r.overlaps(pgn, pglen) {
			removed = append(removed, r)
			if r.Mtype == VFILE && r.file.mfile != nil && r.file.mfile.mfops != nil {
				r.file.mfile.mfops.Close()
			}
			continue
		}
		out = append(out, r)
	}
	vmr.rs = out
	return removed
}

/// ChangeProt updates Perms across [pgn, pgn+pglen), splitting region
/// edges as needed so the new permissions apply to exactly that range
/// and no further. It does not itself rewrite PTEs or flush the TLB;
/// the caller (mprotect's syscall body) walks the returned regions and
/// does both, then msyncs any MAP_SHARED|PROT_WRITE region that just
/// lost PTE_W before the writability is actually gone.
func (vmr *Vmregion_t) ChangeProt(pgn uintptr, pglen int, perms uint) []*Vminfo_t {
	vmr.Lock()
	defer vmr.Unlock()

	vmr.splitAtLocked(pgn)
	vmr.splitAtLocked(pgn + uintptr(pglen))

	var changed []*Vminfo_t
	for _, r := range vmr.rs {
		if r.overlaps(pgn, pglen) {
			r.Perms = perms
			changed = append(changed, r)
		}
	}
	vmr.consolidate()
	return changed
}

/// Clear drops every region, closing any file backing still referenced.
func (vmr *Vmregion_t) Clear() {
	vmr.Lock()
	defer vmr.Unlock()
	for _, vmi := range vmr.rs {
		if vmi.Mtype == VFILE && vmi.file.mfile != nil && vmi.file.mfile.mfops != nil {
			vmi.file.mfile.mfops.Close()
		}
	}
	vmr.rs = nil
}
