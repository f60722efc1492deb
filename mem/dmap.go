package mem

import "fmt"
import "unsafe"

// lowest userspace address

/// VREC is the recursive mapping slot used by the kernel (kept only as
/// a symbolic slot number; the hosted direct map below does not walk a
/// real recursive mapping the way a bare-metal kernel would).
const VREC int = 0x42

/// VDIRECT is the direct-map slot.
const VDIRECT int = 0x44

/// VEND marks the end of kernel virtual space.
const VEND int = 0x50

/// VUSER is the first user-space slot.
const VUSER int = 0x59

/// USERMIN is the lowest user virtual address.
const USERMIN int = VUSER << 39

/// DMAPLEN is the length of the direct map arena in bytes. On bare
/// metal this sized a recursive PML4 slot covering all of physical
/// memory; hosted, nothing uses it: Dmap_init sizes the backing []byte
/// arena that stands in for physical RAM from its own argument.
const DMAPLEN int = 1 << 32

/// dmapArena backs every physical address the PMM hands out. Physical
/// addresses (Pa_t) are plain byte offsets into this slice rather than
/// real machine physical addresses, which lets Dmap et al. use a single
/// unsafe cast instead of walking page tables.
var dmapArena []byte

/// Vdirect holds the virtual address of the direct map region, i.e. the
/// address of dmapArena's first byte once Dmap_init has run.
var Vdirect uintptr

/// Dmaplen returns a slice over the direct map starting at p for l bytes.
func Dmaplen(p Pa_t, l int) []uint8 {
	return dmapArena[p : int(p)+l]
}

/// Dmaplen32 is like Dmaplen but operates on 32-bit units.
/// p and l must be multiples of 4.
func Dmaplen32(p uintptr, l int) []uint32 {
	if p%4 != 0 || l%4 != 0 {
		panic("not 32bit aligned")
	}
	base := unsafe.Pointer(&dmapArena[0])
	words := (*[1 << 30]uint32)(base)
	return words[p/4 : p/4+uintptr(l/4)]
}

/// Kent_t records a kernel page-map entry.
type Kent_t struct {
	Pml4slot int
	Entry    Pa_t
}

/// Zerobpg is a byte representation of the zero page.
var Zerobpg *Bytepg_t

/// P_zeropg is the physical address of Zerobpg.
var P_zeropg Pa_t

/// Kents contains all kernel PML4 entries. Hosted, there is no real
/// PML4 to freeze, so this just records the slots that Dmap_init
/// reserved for kernel use; clone_task_pd-equivalents consult it so a
/// child address space "links" the same kernel half as its parent.
var Kents = make([]Kent_t, 0, 5)

/// Dmap_init reserves the byte arena simulating physical memory and
/// establishes the zero page. On bare metal this would walk a
/// recursive PML4 slot and probe for 1GB/2MB page support; hosted
/// there is no MMU to program, so this just sizes and zeros the arena.
func Dmap_init(arenalen int) {
	dmapArena = make([]byte, arenalen)
	Vdirect = uintptr(unsafe.Pointer(&dmapArena[0]))

	Kents = append(Kents, Kent_t{Pml4slot: VDIRECT, Entry: 0})

	Physmem.Dmapinit = true

	var ok bool
	Zeropg, P_zeropg, ok = Physmem._refpg_new()
	if !ok {
		panic("oom in dmap init")
	}
	for i := range Zeropg {
		Zeropg[i] = 0
	}
	Physmem.Refup(P_zeropg)
	Zerobpg = Pg2bytes(Zeropg)
	fmt.Printf("dmap: %v MB arena reserved\n", arenalen>>20)
}

/// Kpmapp caches the kernel's top-level page map, a plain heap
/// allocation in hosted mode rather than a recursively-mapped address.
var Kpmapp *Pmap_t

/// Kpmap returns the kernel's pmap pointer, allocating it on first use.
func Kpmap() *Pmap_t {
	if Kpmapp == nil {
		Kpmapp = new(Pmap_t)
	}
	return Kpmapp
}

// tracks all pages allocated by go internally by the kernel such as pmap pages
// allocated by the kernel (not the bootloader/runtime)
var kpages = pgtracker_t{}

func kpgadd(pg *Pmap_t) {
	va := uintptr(unsafe.Pointer(pg))
	pgn := int(va >> PGSHIFT)
	if _, ok := kpages[pgn]; ok {
		panic("page already in kpages")
	}
	kpages[pgn] = pg
}

// tracks pages
type pgtracker_t map[int]*Pmap_t
