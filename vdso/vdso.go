// Package vdso builds and maps the kernel's vDSO image: a pair of
// code pages holding a minimal self-describing ELF header and one
// data page publishing the clock state every mapped task can read
// without a syscall. Grounded on the original kernel's vdso_stub_init/
// map_vdso pair (one shared code+data allocation at boot, copied into
// every task's address space thereafter) and on this tree's own
// elf package for the ELF64 header layout debug/elf expects.
package vdso

import (
	"encoding/binary"
	"sync"
	"time"

	"duskos/defs"
	"duskos/mem"
	"duskos/vm"
)

// CLOCK_* ids, matching the values clock_gettime(2) callers already
// expect (POSIX's CLOCK_REALTIME/CLOCK_MONOTONIC).
const (
	CLOCK_REALTIME  = 0
	CLOCK_MONOTONIC = 1
)

// Layout of the shared data page, matching the original vdso.h's
// VDSO_OFFSET_STARTUP_TIME/VDSO_OFFSET_CLOCK_GETTIME split: an 8-byte
// startup epoch at offset 0, then a 16-byte {sec,nsec} timespec at
// offset 16 (the gap leaves room for a future field without
// reshuffling either one).
const (
	offStartup   = 0
	offMonotonic = 16
)

// codePages mirrors VDSO_STATIC_CODE_SIZE (2 pages): more than this
// loader's stub header needs, but fixed so every task maps the same
// size region regardless of how much of it is actually used.
const codePages = 2

// vdsoBase is this image's fixed user-space load address, picked
// distinct from elf's dynBase/interpBase so a PIE binary, its
// interpreter, and the vdso never collide.
const vdsoBase uintptr = 0x0666_6660_0000

type state struct {
	mu         sync.Mutex
	ready      bool
	codePA     [codePages]mem.Pa_t
	dataPA     mem.Pa_t
	startupSec int64
}

var st state

// Init allocates and fills the shared code/data pages. Idempotent:
// later calls are no-ops, so a test or a restart path can call it
// freely without double-allocating physical pages.
func Init() defs.Err_t {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.ready {
		return 0
	}

	for i := range st.codePA {
		_, pa, ok := mem.Physmem.Refpg_new()
		if !ok {
			return -defs.ENOMEM
		}
		st.codePA[i] = pa
	}
	_, dpa, ok := mem.Physmem.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	st.dataPA = dpa

	writeHeader(mem.Physmem.Dmap8(st.codePA[0]))
	st.startupSec = time.Now().Unix()
	writeDataPage(mem.Physmem.Dmap8(st.dataPA), st.startupSec, 0)

	st.ready = true
	return 0
}

// writeHeader stamps a minimal ELFCLASS64/ELFDATA2LSB/EM_X86_64
// ET_DYN header at the start of the first code page, the same shape
// debug/elf requires of any image AT_SYSINFO_EHDR points to, plus a
// single PT_LOAD program header describing the code pages themselves.
// No relocations or dynamic symbol table are built: nothing in this
// tree resolves __vdso_* symbols out of it yet, so the header only
// needs to be structurally valid, not dynamically linkable.
func writeHeader(b []uint8) {
	const ehsize = 64
	const phsize = 56
	le := binary.LittleEndian

	b[0] = 0x7f
	copy(b[1:4], "ELF")
	b[4] = 2 // ELFCLASS64
	b[5] = 1 // ELFDATA2LSB
	b[6] = 1 // EV_CURRENT
	le.PutUint16(b[16:], 3)                        // e_type = ET_DYN
	le.PutUint16(b[18:], 62)                        // e_machine = EM_X86_64
	le.PutUint32(b[20:], 1)                         // e_version
	le.PutUint64(b[24:], uint64(ehsize+phsize))      // e_entry: the ret below
	le.PutUint64(b[32:], ehsize)                     // e_phoff
	le.PutUint64(b[40:], 0)                          // e_shoff
	le.PutUint32(b[48:], 0)                          // e_flags
	le.PutUint16(b[52:], ehsize)                     // e_ehsize
	le.PutUint16(b[54:], phsize)                     // e_phentsize
	le.PutUint16(b[56:], 1)                          // e_phnum
	le.PutUint16(b[58:], 0)                          // e_shentsize
	le.PutUint16(b[60:], 0)                          // e_shnum
	le.PutUint16(b[62:], 0)                          // e_shstrndx

	ph := b[ehsize:]
	le.PutUint32(ph[0:], 1)                          // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                          // p_flags = PF_X|PF_R
	le.PutUint64(ph[8:], 0)                          // p_offset
	le.PutUint64(ph[16:], 0)                         // p_vaddr
	le.PutUint64(ph[24:], 0)                         // p_paddr
	le.PutUint64(ph[32:], uint64(codePages*mem.PGSIZE)) // p_filesz
	le.PutUint64(ph[40:], uint64(codePages*mem.PGSIZE)) // p_memsz
	le.PutUint64(ph[48:], uint64(mem.PGSIZE))        // p_align

	b[ehsize+phsize] = 0xc3 // ret, in case anything ever calls in here
}

func writeDataPage(b []uint8, startupSec int64, monoNsec int64) {
	le := binary.LittleEndian
	le.PutUint64(b[offStartup:], uint64(startupSec))
	le.PutUint64(b[offMonotonic:], uint64(monoNsec/int64(time.Second)))
	le.PutUint64(b[offMonotonic+8:], uint64(monoNsec%int64(time.Second)))
}

/// Tick updates the shared monotonic timespec from the scheduler's
/// tick hook. Wire with sched.System.SetTickHook(vdso.Tick) once at
/// system init.
func Tick(ticks uint64, mono time.Duration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.ready {
		return
	}
	writeDataPage(mem.Physmem.Dmap8(st.dataPA), st.startupSec, mono.Nanoseconds())
}

/// Now returns the current monotonic and wall-clock readings from the
/// kernel's own copy of the vdso state, the same values a mapped
/// task's fast path would read out of the data page.
func Now() (mono time.Duration, real time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	b := mem.Physmem.Dmap8(st.dataPA)
	le := binary.LittleEndian
	sec := int64(le.Uint64(b[offMonotonic:]))
	nsec := int64(le.Uint64(b[offMonotonic+8:]))
	mono = time.Duration(sec)*time.Second + time.Duration(nsec)*time.Nanosecond
	real = time.Unix(st.startupSec+sec, nsec)
	return mono, real
}

/// ReadUser implements clock_gettime(2)'s kernel-side fallback: write
/// the requested clock's current timespec directly into the caller's
/// user memory at uva, for tasks without (or bypassing) the vdso fast
/// path. CLOCK_REALTIME folds in the startup epoch the way the
/// original __vdso_clock_gettime does; any other clock id is rejected
/// since only these two are published on the data page.
func ReadUser(as *vm.Vm_t, clockID int, uva int) defs.Err_t {
	mono, real := Now()
	var sec, nsec int64
	switch clockID {
	case CLOCK_MONOTONIC:
		sec = int64(mono / time.Second)
		nsec = int64(mono % time.Second)
	case CLOCK_REALTIME:
		sec = real.Unix()
		nsec = int64(real.Nanosecond())
	default:
		return -defs.EINVAL
	}
	var b [16]uint8
	le := binary.LittleEndian
	le.PutUint64(b[0:], uint64(sec))
	le.PutUint64(b[8:], uint64(nsec))
	return as.K2user(b[:], uva)
}

/// Map attaches the shared code and data pages to as at a fixed
/// address, returning the code page's virtual address (suitable for
/// AT_SYSINFO_EHDR) on success. Every page is inserted directly into
/// as's page tables rather than left for the page-fault handler to
/// populate on demand, since a demand-paged VSANON fault would hand
/// back a fresh zeroed page instead of this image's shared frame.
func Map(as *vm.Vm_t) (uintptr, defs.Err_t) {
	if err := Init(); err != 0 {
		return 0, err
	}

	codeVA := vdsoBase
	dataVA := vdsoBase + uintptr(codePages*mem.PGSIZE)
	total := int(codePages+1) * mem.PGSIZE

	as.Vmadd_shareanon(int(codeVA), total, mem.PTE_U)

	as.Lock_pmap()
	defer as.Unlock_pmap()

	for i, pa := range st.codePA {
		va := int(codeVA) + i*mem.PGSIZE
		if _, ok := as.Page_insert(va, pa, mem.PTE_U, true, nil); !ok {
			return 0, -defs.ENOMEM
		}
	}
	if _, ok := as.Page_insert(int(dataVA), st.dataPA, mem.PTE_U, true, nil); !ok {
		return 0, -defs.ENOMEM
	}

	return codeVA, 0
}
