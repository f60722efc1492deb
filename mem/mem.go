package mem

import "fmt"
import "sync"
import "sync/atomic"
import "time"
import "unsafe"
import "duskos/oommsg"
import "duskos/util"

/// MAXCPUS bounds the number of simulated cores this hosted kernel will
/// ever schedule across; on bare metal this would come from APIC
/// enumeration at boot, here it is a fixed build-time ceiling
/// the sched package allocates its PerCPU table against.
const MAXCPUS = 32

/// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

/// PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

/// PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

/// PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

/// PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

/// PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

/// PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

/// PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

/// PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

/// PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

/// PTE_ADDR extracts the address bits of a PTE.
const PTE_ADDR Pa_t = PGMASK

/// Pa_t represents a physical address.
type Pa_t uintptr

/// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

/// Pg_t is a generic page of ints.
type Pg_t [512]int

/// Pmap_t is a page table page.
type Pmap_t [512]Pa_t

/// Unpin_i allows unpinning of physical pages.
type Unpin_i interface {
	Unpin(Pa_t)
}

/// Mmapinfo_t describes a mapping created by the runtime.
type Mmapinfo_t struct {
	Pg   *Pg_t
	Phys Pa_t
}

/// Page_i abstracts physical page allocation.
type Page_i interface {
	Refpg_new() (*Pg_t, Pa_t, bool)
	Refpg_new_nozero() (*Pg_t, Pa_t, bool)
	Refcnt(Pa_t) int
	Dmap(Pa_t) *Pg_t
	Refup(Pa_t)
	Refdown(Pa_t) bool
}

/// Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

/// Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

func _pg2pgn(p_pg Pa_t) uint32 {
	return uint32(p_pg >> PGSHIFT)
}

/// Physpg_t is the bookkeeping slot for one physical frame: its share
/// count and the bitmask of CPUs that hold it loaded as a pmap in
/// cr3. Which frames are free lives entirely in Physmem_t.bitmap now,
/// not here -- see the type doc below.
type Physpg_t struct {
	Refcnt int32
	// Bitmask where bit n is set if CPU w/logical ID n loaded this page
	// (which is a pmap) into its cr3 register
	Cpumask uint64
}

/// Refaddr returns the refcount pointer and index for the given page.
func (phys *Physmem_t) Refaddr(p_pg Pa_t) (*int32, uint32) {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Refcnt, idx
}

/// Pmap_deref reinterprets the physical page at p_pmap as a page-table
/// page, the same way the recursive mapping trick does on bare metal.
func (phys *Physmem_t) Pmap_deref(p_pmap Pa_t) *Pmap_t {
	return pg2pmap(phys.Dmap(p_pmap))
}

/// Tlbaddr returns the TLB mask address for a page.
func (phys *Physmem_t) Tlbaddr(p_pg Pa_t) *uint64 {
	idx := _pg2pgn(p_pg) - phys.startn
	return &phys.Pgs[idx].Cpumask
}

/// Reclaimer is implemented by anything that holds reclaimable frames
/// under a pin/age discipline (pcache.Pagecache_t is the only
/// implementation in this tree) and registered with RegisterReclaimer
/// so the PMM's allocation-failure path has somewhere to go before
/// returning ENOMEM. maxAge == 0 means "any unreferenced entry,
/// regardless of age"; want bounds how many frames the caller actually
/// needs. Reclaim returns the number of frames it freed.
type Reclaimer interface {
	Reclaim(maxAge time.Duration, want int) int
}

var (
	reclaimersMu sync.Mutex
	reclaimers   []Reclaimer
)

/// RegisterReclaimer adds r to the set the reclaim cascade consults.
/// Every mounted filesystem registers its own page cache, so more than
/// one Reclaimer is normal.
func RegisterReclaimer(r Reclaimer) {
	reclaimersMu.Lock()
	defer reclaimersMu.Unlock()
	reclaimers = append(reclaimers, r)
}

// reclaimAgeStages is the age ladder a single reclaim pass walks:
// unreferenced pages of any age first, then progressively younger
// ones, so a pass never evicts something recently touched while an
// old, cold page sat unreferenced nearby.
var reclaimAgeStages = []time.Duration{
	0,
	120 * time.Second,
	60 * time.Second,
	10 * time.Second,
}

func runReclaimStage(maxAge time.Duration, want int) int {
	reclaimersMu.Lock()
	rs := append([]Reclaimer(nil), reclaimers...)
	reclaimersMu.Unlock()
	got := 0
	for _, r := range rs {
		if got >= want {
			break
		}
		got += r.Reclaim(maxAge, want-got)
	}
	return got
}

// reclaimAndRetry runs the reclaim cascade (unreferenced-any-age, then
// age>=120s/60s/10s, the whole ladder retried twice) and reports
// whether a frame run of size want is now available. It must never be
// called with phys.mu held: it calls into registered reclaimers, which
// sit below physmem_lock in the lock order, so taking phys.mu first
// would invert it.
func (phys *Physmem_t) reclaimAndRetry(want int) bool {
	phys.mu.Lock()
	free := phys.freeCountLocked()
	phys.mu.Unlock()

	target := want
	if t := free / 10; t > target {
		target = t
	}

	for pass := 0; pass < 2; pass++ {
		for _, age := range reclaimAgeStages {
			if runReclaimStage(age, target) == 0 {
				continue
			}
			phys.mu.Lock()
			_, ok := phys.findRunLocked(want, 1)
			phys.mu.Unlock()
			if ok {
				return true
			}
		}
	}
	notifyOOM(want)
	return false
}

// notifyOOM tells whatever reclaimer is listening on oommsg.OomCh that
// the cascade above still could not free enough frames; a caller that
// isn't running one (every test, and any boot that never starts one)
// just drops the notification instead of blocking the faulting
// allocation on it.
func notifyOOM(need int) {
	select {
	case oommsg.OomCh <- oommsg.Oommsg_t{Need: need, Resume: make(chan bool)}:
	default:
	}
}

/// Physmem_t manages all physical memory for the system. A bitmap is
/// the sole authority on which frames are free or in use; Pgs holds
/// the per-frame share count and TLB-shootdown cpumask that live
/// alongside it.
type Physmem_t struct {
	mu      sync.Mutex
	Pgs     []Physpg_t
	bitmap  []uint64
	startn  uint32
	nframes uint32
	// hint is where the single-frame scan starts; freeing a frame below
	// it lowers hint to that frame so a later scan can find it again.
	hint uint32
	// pmapCount counts live page-table frames: every pmap page the
	// bitmap backs is also counted here, separately from ordinary
	// data frames.
	pmapCount int32
	Dmapinit  bool
}

func bitmapWords(n uint32) int {
	return int((n + 63) / 64)
}

func (phys *Physmem_t) bitSet(i uint32) {
	phys.bitmap[i/64] |= 1 << (i % 64)
}

func (phys *Physmem_t) bitClear(i uint32) {
	phys.bitmap[i/64] &^= 1 << (i % 64)
}

func (phys *Physmem_t) bitTest(i uint32) bool {
	return phys.bitmap[i/64]&(1<<(i%64)) != 0
}

func (phys *Physmem_t) freeCountLocked() int {
	n := 0
	for i := uint32(0); i < phys.nframes; i++ {
		if !phys.bitTest(i) {
			n++
		}
	}
	return n
}

/// Get_free_block_count reports the number of frames the bitmap
/// currently marks free.
func (phys *Physmem_t) Get_free_block_count() int {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	return phys.freeCountLocked()
}

// findRunLocked finds n contiguous clear bits aligned to alignFrames
// frames (1 means no alignment requirement beyond the frame itself)
// and returns the index of the first. Caller must hold phys.mu. The
// single-frame case consults phys.hint as a fast-path starting point
// and retries once from index 0 if that comes up empty, since a
// contiguous allocation moves hint past its run and can leave earlier
// free frames unexplored.
func (phys *Physmem_t) findRunLocked(n int, alignFrames uint32) (uint32, bool) {
	if alignFrames < 1 {
		alignFrames = 1
	}
	i := uint32(0)
	if n == 1 && alignFrames == 1 {
		i = phys.hint
	}
	for i+uint32(n) <= phys.nframes {
		free := true
		for j := uint32(0); j < uint32(n); j++ {
			if phys.bitTest(i + j) {
				free = false
				i += j + 1
				if rem := i % alignFrames; rem != 0 {
					i += alignFrames - rem
				}
				break
			}
		}
		if free {
			return i, true
		}
	}
	if n == 1 && alignFrames == 1 && phys.hint != 0 {
		phys.hint = 0
		return phys.findRunLocked(1, 1)
	}
	return 0, false
}

func (phys *Physmem_t) allocFrames(n int, alignFrames uint32) (uint32, bool) {
	phys.mu.Lock()
	defer phys.mu.Unlock()
	idx, ok := phys.findRunLocked(n, alignFrames)
	if !ok {
		return 0, false
	}
	for j := uint32(0); j < uint32(n); j++ {
		phys.bitSet(idx + j)
		phys.Pgs[idx+j].Refcnt = 0
	}
	phys.hint = idx + uint32(n)
	return idx, true
}

func (phys *Physmem_t) freeFrame(idx uint32) {
	phys.mu.Lock()
	phys.bitClear(idx)
	if idx < phys.hint {
		phys.hint = idx
	}
	phys.mu.Unlock()
}

func (phys *Physmem_t) _refpg_new() (*Pg_t, Pa_t, bool) {
	idx, ok := phys.allocFrames(1, 1)
	if !ok {
		if !phys.reclaimAndRetry(1) {
			return nil, 0, false
		}
		idx, ok = phys.allocFrames(1, 1)
		if !ok {
			return nil, 0, false
		}
	}
	p_pg := Pa_t(idx+phys.startn) << PGSHIFT
	return phys.Dmap(p_pg), p_pg, true
}

func (phys *Physmem_t) allocContig(n int, alignFrames uint32) (Pa_t, bool) {
	if n <= 0 {
		panic("bad n")
	}
	idx, ok := phys.allocFrames(n, alignFrames)
	if !ok {
		if !phys.reclaimAndRetry(n) {
			return 0, false
		}
		idx, ok = phys.allocFrames(n, alignFrames)
		if !ok {
			return 0, false
		}
	}
	p_pg := Pa_t(idx+phys.startn) << PGSHIFT
	// each frame starts with share count 0 (sole owner)
	for i := 0; i < n; i++ {
		phys.Refup(p_pg + Pa_t(i)<<PGSHIFT)
	}
	return p_pg, true
}

/// Alloc_block allocates a single physical frame whose share count
/// starts at 0 (sole owner: internal refcount 1), so one Free_block
/// releases it; Inc_frame_shares adds a sharer.
func (phys *Physmem_t) Alloc_block() (Pa_t, bool) {
	_, p_pg, ok := phys.Refpg_new_nozero()
	if ok {
		phys.Refup(p_pg)
	}
	return p_pg, ok
}

/// Free_block releases the frame at p_pg, the counterpart to
/// Alloc_block/Alloc_blocks/Alloc_dma_blocks.
func (phys *Physmem_t) Free_block(p_pg Pa_t) bool {
	return phys.Refdown(p_pg)
}

/// Alloc_blocks allocates n contiguous frames and returns the address
/// of the first.
func (phys *Physmem_t) Alloc_blocks(n int) (Pa_t, bool) {
	return phys.allocContig(n, 1)
}

/// Free_blocks releases the n frames starting at p_pg.
func (phys *Physmem_t) Free_blocks(p_pg Pa_t, n int) {
	for i := 0; i < n; i++ {
		phys.Refdown(p_pg + Pa_t(i)<<PGSHIFT)
	}
}

// dmaAlignFrames is the 64KiB contiguous-DMA-buffer alignment in
// frame units.
var dmaAlignFrames = uint32(64*1024/PGSIZE)

/// Alloc_dma_blocks allocates n frames contiguous and aligned to a
/// 64KiB boundary, for device DMA buffers that cannot cross a
/// controller's alignment requirement.
func (phys *Physmem_t) Alloc_dma_blocks(n int) (Pa_t, bool) {
	return phys.allocContig(n, dmaAlignFrames)
}

/// Inc_frame_shares increments the frame's share count. It caps at
/// 256 internal (an externally visible share count of 255, since the
/// share count is a single byte on real hardware: share count =
/// internal refcount - 1) and reports false instead of wrapping when
/// the cap is hit.
func (phys *Physmem_t) Inc_frame_shares(p_pg Pa_t) bool {
	ref, _ := phys.Refaddr(p_pg)
	for {
		c := atomic.LoadInt32(ref)
		if c >= 256 {
			return false
		}
		if atomic.CompareAndSwapInt32(ref, c, c+1) {
			return true
		}
	}
}

/// Refcnt returns the current reference count of a page.
func (phys *Physmem_t) Refcnt(p_pg Pa_t) int {
	ref, _ := phys.Refaddr(p_pg)
	return int(atomic.LoadInt32(ref))
}

/// Refup increments the reference count of a page.
func (phys *Physmem_t) Refup(p_pg Pa_t) {
	ref, _ := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, 1)
	// XXXPANIC
	if c <= 0 {
		panic("wut")
	}
}

// returns true if p_pg should be freed and the index of the page in
// the Pgs/bitmap arrays
func (phys *Physmem_t) _refdec(p_pg Pa_t) (bool, uint32) {
	ref, idx := phys.Refaddr(p_pg)
	c := atomic.AddInt32(ref, -1)
	// XXXPANIC
	if c < 0 {
		panic("wut")
	}
	return c == 0, idx
}

func (phys *Physmem_t) _phys_put(p_pg Pa_t) bool {
	if free, idx := phys._refdec(p_pg); free {
		phys.freeFrame(idx)
		return true
	}
	return false
}

/// Refdown decrements the reference count of a page.
/// It returns true when the page is freed.
func (phys *Physmem_t) Refdown(p_pg Pa_t) bool {
	return phys._phys_put(p_pg)
}

/// Zeropg is a global zero-filled page used for allocations.
var Zeropg *Pg_t

/// Refpg_new allocates a zeroed page and returns its mapping and address.
/// The returned page's refcount is not incremented.
func (phys *Physmem_t) Refpg_new() (*Pg_t, Pa_t, bool) {
	if !phys.Dmapinit {
		panic("refpg_new")
	}
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	*pg = *Zeropg
	return pg, p_pg, true
}

/// Refpg_new_nozero allocates an uninitialised page.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, Pa_t, bool) {
	pg, p_pg, ok := phys._refpg_new()
	if !ok {
		return nil, 0, false
	}
	return pg, p_pg, true
}

/// Pmap_new allocates a new page map, counted against pmapCount
/// alongside the shared frame bitmap. The kernel half's recorded PML4
/// entries (Kents) are linked into the new map as-is; every address
/// space shares them.
func (phys *Physmem_t) Pmap_new() (*Pmap_t, Pa_t, bool) {
	a, b, ok := phys.Refpg_new()
	if !ok {
		return nil, 0, false
	}
	atomic.AddInt32(&phys.pmapCount, 1)
	pm := pg2pmap(a)
	for _, ke := range Kents {
		pm[ke.Pml4slot] = ke.Entry
	}
	return pm, b, ok
}

// decrease ref count of pml4, freeing it if no CPUs have it loaded into cr3.
/// Dec_pmap decreases the reference count of a pmap and frees it if unused.
func (phys *Physmem_t) Dec_pmap(p_pmap Pa_t) {
	if phys._phys_put(p_pmap) {
		atomic.AddInt32(&phys.pmapCount, -1)
	}
}

/// PmapCount reports the number of live page-table frames, counted
/// separately from the ordinary free block count.
func (phys *Physmem_t) PmapCount() int {
	return int(atomic.LoadInt32(&phys.pmapCount))
}

// returns a page-aligned virtual address for the given physical address using
// the direct mapping
/// Dmap converts a physical address into a direct-mapped virtual address.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pa := uintptr(p)
	if pa >= 1<<39 {
		panic("direct map not large enough")
	}

	v := Vdirect
	v += uintptr(util.Rounddown(int(pa), PGSIZE))
	return (*Pg_t)(unsafe.Pointer(v))
}

/// Dmap_v2p converts a direct-mapped virtual address back to a physical address.
func (phys *Physmem_t) Dmap_v2p(v *Pg_t) Pa_t {
	va := (uintptr)(unsafe.Pointer(v))
	if va <= 1<<39 {
		panic("address isn't in the direct map")
	}

	pa := va - Vdirect
	return Pa_t(pa)
}

// returns a byte aligned virtual address for the physical address as slice of
// uint8s
/// Dmap8 returns a byte slice mapped to the given physical address.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

/// Physmem is the global physical memory allocator instance.
var Physmem = &Physmem_t{}

/// Phys_init initializes the global physical memory allocator. On bare
/// metal usable frames come from walking the boot-time memory map,
/// which may skip reserved regions; hosted, there is no memory map to
/// walk, so Phys_init instead carves respgs contiguous frames directly
/// out of byte offset 0 and has Dmap_init size the arena to match, so
/// every Pa_t this allocator ever hands out is a valid arena offset.
func Phys_init(respgs int) *Physmem_t {
	phys := Physmem
	phys.Pgs = make([]Physpg_t, respgs)
	phys.bitmap = make([]uint64, bitmapWords(uint32(respgs)))
	phys.startn = 0
	phys.nframes = uint32(respgs)
	phys.hint = 0
	phys.pmapCount = 0
	fmt.Printf("Reserved %v pages (%vMB)\n", respgs, respgs>>8)
	Dmap_init(respgs * PGSIZE)
	return phys
}
