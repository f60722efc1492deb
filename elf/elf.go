// Package elf implements execve(2)'s ELF-loading half: parsing an
// ET_EXEC/ET_DYN x86-64 binary with debug/elf, mapping its PT_LOAD
// segments into a fresh address space, resolving PT_INTERP to a
// dynamic linker image, and building the argv/envp/auxv stack layout
// the C runtime's _start expects. Grounded on cmd/elfpatch's
// debug/elf+encoding/binary header handling (this kernel's own
// build-time ELF patcher, generalized from "patch one field" to
// "parse and map the whole binary"), and on golang.org/x/arch/x86/x86asm
// for a sanity disassembly of the entry point before committing to a
// load (a corrupt or truncated binary that happens to pass debug/elf's
// header checks is still rejected if its entry point isn't a decodable
// instruction).
package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"

	"golang.org/x/arch/x86/x86asm"

	"duskos/bpath"
	"duskos/defs"
	"duskos/fd"
	"duskos/fdops"
	"duskos/mem"
	"duskos/ustr"
	"duskos/util"
	"duskos/vfs"
	"duskos/vm"
)

// ARG_MAX bounds the combined size of argv+envp strings execve(2) will
// accept, matching the E2BIG edge case named for the exec path.
const ARG_MAX = 1 << 20

// Elf64_Phdr's on-disk size; debug/elf doesn't expose Phentsize for a
// parsed *elf.File, but every ELFCLASS64 object uses this value.
const phdr64Size = 56

// Auxv tag numbers this loader populates, matching the AT_* names
// glibc's csu/libc-start code and a vDSO-aware __vdso_clock_gettime
// resolver look for.
const (
	AT_NULL         = 0
	AT_PHDR         = 3
	AT_PHENT        = 4
	AT_PHNUM        = 5
	AT_PAGESZ       = 6
	AT_BASE         = 7
	AT_ENTRY        = 9
	AT_SYSINFO_EHDR = 33
)

// dynBase and interpBase are the fixed load addresses this loader
// picks for a PIE main binary and for its dynamic linker,
// respectively -- real loaders randomize these (ASLR); picking fixed,
// distinct addresses here keeps the hosted simulation deterministic
// and out of the way of the stack region built below.
const (
	dynBase    uintptr = 0x0555_5555_0000
	interpBase uintptr = 0x0777_7770_0000
)

// stackTop/StackSize bound the single fixed-size stack this loader
// builds; USERMIN's slot is 1<<39 bytes wide, so placing the stack a
// page below the top of that slot leaves the entire rest of the slot
// for the PT_LOAD segments and any later brk/mmap growth below it.
const (
	stackSize = 64 * 1024
	stackTop  = uintptr(mem.USERMIN) + (1 << 39) - uintptr(mem.PGSIZE)
)

/// Auxent_t is one auxv tag/value pair.
type Auxent_t struct {
	Tag uint64
	Val uint64
}

/// Image_t describes a successfully loaded and mapped binary: where
/// execution should actually start (Entry, which is the interpreter's
/// entry point when one is present) and the stack pointer the C runtime
/// expects (Sp). The auxv entries a dynamic linker reads, AT_ENTRY and
/// AT_PHDR among them, are written onto that stack, not kept here.
type Image_t struct {
	Entry uintptr
	Sp    uintptr
}

type segInfo struct {
	entry  uintptr
	phdrVA uintptr
	phnum  int
	interp string
	// entryFileOff is where Entry's bytes live in raw, used for the
	// x86asm sanity check; -1 if Entry falls outside every PT_LOAD.
	entryFileOff int
}

// maxShebangDepth bounds interpreter-of-an-interpreter chains so a
// script naming itself as its own interpreter cannot loop the loader.
const maxShebangDepth = 4

func readPath(tbl *vfs.Table_t, cwd *fd.Cwd_t, path ustr.Ustr) ([]byte, defs.Err_t) {
	f, err := tbl.Open(path, int(defs.O_RDONLY), 0, cwd, 0, 0)
	if err != 0 {
		return nil, err
	}
	defer f.Fops.Close()
	return readWhole(f)
}

// parseShebang splits a "#!interpreter [arg]\n" first line into the
// interpreter path and at most one argument; everything after the
// first whitespace run is that single argument, spaces and all, the
// way Unix shebang lines behave.
func parseShebang(raw []byte) (string, string, defs.Err_t) {
	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		nl = len(raw)
	}
	line := strings.TrimSpace(string(raw[2:nl]))
	if line == "" {
		return "", "", -defs.ENOEXEC
	}
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i], strings.TrimSpace(line[i+1:]), 0
	}
	return line, "", 0
}

func readWhole(f *fd.Fd_t) ([]byte, defs.Err_t) {
	var st fdops.StatStub
	if err := f.Fops.Fstat(&st); err != 0 {
		return nil, err
	}
	buf := make([]byte, st.Wsize)
	ub := &vm.Fakeubuf_t{}
	ub.Fake_init(buf)
	got, err := f.Fops.Pread(ub, 0)
	if err != 0 {
		return nil, err
	}
	return buf[:got], 0
}

// mapOne parses raw as an ELF64/x86-64 object, maps its PT_LOAD
// segments into as at the given base (0 for a non-relocatable
// ET_EXEC), and reports its entry point, PT_PHDR location, and
// PT_INTERP path if present.
func mapOne(as *vm.Vm_t, raw []byte, base uintptr, wantType elf.Type) (*segInfo, defs.Err_t) {
	ef, perr := elf.NewFile(bytes.NewReader(raw))
	if perr != nil {
		return nil, -defs.ENOEXEC
	}
	if ef.Class != elf.ELFCLASS64 || ef.Data != elf.ELFDATA2LSB || ef.Machine != elf.EM_X86_64 {
		return nil, -defs.ENOEXEC
	}
	if ef.Type != wantType {
		return nil, -defs.ENOEXEC
	}

	si := &segInfo{entry: uintptr(ef.Entry) + base, entryFileOff: -1}

	for _, prog := range ef.Progs {
		switch prog.Type {
		case elf.PT_INTERP:
			start, end := prog.Off, prog.Off+prog.Filesz
			if end > uint64(len(raw)) || start > end {
				return nil, -defs.ENOEXEC
			}
			s := raw[start:end]
			if i := bytes.IndexByte(s, 0); i >= 0 {
				s = s[:i]
			}
			si.interp = string(s)
		case elf.PT_PHDR:
			si.phdrVA = uintptr(prog.Vaddr) + base
		case elf.PT_LOAD:
			if err := mapLoadSegment(as, raw, &prog.ProgHeader, base); err != 0 {
				return nil, err
			}
			if uint64(si.entry-base) >= prog.Vaddr && uint64(si.entry-base) < prog.Vaddr+prog.Filesz {
				si.entryFileOff = int(prog.Off + (uint64(si.entry-base) - prog.Vaddr))
			}
		}
	}
	si.phnum = len(ef.Progs)
	return si, 0
}

func mapLoadSegment(as *vm.Vm_t, raw []byte, prog *elf.ProgHeader, base uintptr) defs.Err_t {
	if prog.Memsz == 0 {
		return 0
	}
	vaddr := uintptr(prog.Vaddr) + base
	finalPerms := mem.PTE_U
	if prog.Flags&elf.PF_W != 0 {
		finalPerms |= mem.PTE_W
	}

	segStart := util.Rounddown(int(vaddr), mem.PGSIZE)
	segEnd := util.Roundup(int(vaddr)+int(prog.Memsz), mem.PGSIZE)

	// Every segment is mapped writable first, regardless of its final
	// permissions, so the file-backed portion below can be copied in
	// through the normal K2user write-fault path (Sys_pgfault refuses
	// a write fault against a region with no PTE_W in its Perms).
	// ChangeProt narrows the region back down to its real, possibly
	// read-only/executable permissions once the copy is done. K2user's
	// write-fault path copies the zero page in before overwriting these
	// bytes, so every byte of the segment outside [vaddr, vaddr+filesz)
	// -- the bss tail of the last page and every anon-only page above
	// it -- reads back as zero without this loader doing anything else.
	as.Vmadd_anon(segStart, segEnd-segStart, mem.PTE_U|mem.PTE_W)

	if prog.Filesz != 0 {
		end := prog.Off + prog.Filesz
		if end > uint64(len(raw)) {
			return -defs.ENOEXEC
		}
		if err := as.K2user(raw[prog.Off:end], int(vaddr)); err != 0 {
			return err
		}
	}

	if finalPerms&mem.PTE_W == 0 {
		pgn := uintptr(segStart) >> vm.PGSHIFT
		pglen := (segEnd - segStart) >> vm.PGSHIFT
		as.Vmregion.ChangeProt(pgn, pglen, uint(finalPerms))
	}
	return 0
}

func sanityCheckEntry(raw []byte, fileOff int) defs.Err_t {
	if fileOff < 0 || fileOff >= len(raw) {
		return -defs.ENOEXEC
	}
	window := raw[fileOff:]
	if len(window) > 15 {
		window = window[:15] // longest possible x86-64 instruction
	}
	if _, err := x86asm.Decode(window, 64); err != nil {
		return -defs.ENOEXEC
	}
	return 0
}

func writeWord(as *vm.Vm_t, sp *uintptr, v uint64) defs.Err_t {
	*sp -= 8
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return as.K2user(b[:], int(*sp))
}

func writeStr(as *vm.Vm_t, sp *uintptr, s string) (uintptr, defs.Err_t) {
	b := append([]byte(s), 0)
	*sp -= uintptr(len(b))
	if err := as.K2user(b, int(*sp)); err != 0 {
		return 0, err
	}
	return *sp, 0
}

// buildStack lays out the SysV x86-64 process-entry stack: argc,
// argv[] (NULL-terminated), envp[] (NULL-terminated), auxv pairs
// (AT_NULL-terminated), then the string bytes those pointers target,
// all written downward from stackTop the way a real exec's stack
// builder works from high addresses down.
func buildStack(as *vm.Vm_t, argv, envp []string, auxv []Auxent_t) (uintptr, defs.Err_t) {
	as.Vmadd_anon(int(stackTop)-stackSize, stackSize, mem.PTE_U|mem.PTE_W)

	total := 0
	for _, s := range argv {
		total += len(s) + 1
	}
	for _, s := range envp {
		total += len(s) + 1
	}
	if total > ARG_MAX {
		return 0, -defs.E2BIG
	}

	sp := stackTop
	argvPtrs := make([]uintptr, len(argv))
	for i, s := range argv {
		p, err := writeStr(as, &sp, s)
		if err != 0 {
			return 0, err
		}
		argvPtrs[i] = p
	}
	envpPtrs := make([]uintptr, len(envp))
	for i, s := range envp {
		p, err := writeStr(as, &sp, s)
		if err != 0 {
			return 0, err
		}
		envpPtrs[i] = p
	}

	sp &^= 0xf // 16-byte align the pointer/auxv region per the ABI

	if err := writeWord(as, &sp, AT_NULL); err != 0 {
		return 0, err
	}
	if err := writeWord(as, &sp, 0); err != 0 {
		return 0, err
	}
	for i := len(auxv) - 1; i >= 0; i-- {
		if err := writeWord(as, &sp, auxv[i].Val); err != 0 {
			return 0, err
		}
		if err := writeWord(as, &sp, auxv[i].Tag); err != 0 {
			return 0, err
		}
	}
	if err := writeWord(as, &sp, 0); err != 0 {
		return 0, err
	}
	for i := len(envpPtrs) - 1; i >= 0; i-- {
		if err := writeWord(as, &sp, uint64(envpPtrs[i])); err != 0 {
			return 0, err
		}
	}
	if err := writeWord(as, &sp, 0); err != 0 {
		return 0, err
	}
	for i := len(argvPtrs) - 1; i >= 0; i-- {
		if err := writeWord(as, &sp, uint64(argvPtrs[i])); err != 0 {
			return 0, err
		}
	}
	if err := writeWord(as, &sp, uint64(len(argv))); err != 0 {
		return 0, err
	}
	return sp, 0
}

/// Exec loads path into as (a freshly constructed, empty address
/// space -- a failed Exec must never be applied to a task's live Vm_t,
/// matching execve(2)'s atomicity guarantee that a failure leaves the
/// caller's image running), following PT_INTERP to a dynamic linker
/// when present, and returns the entry point and initial stack pointer
/// a new task should start executing at. vdsoEHdr is the virtual
/// address of a mapped vDSO image's ELF header, or 0 if none is
/// mapped; when nonzero it is published as AT_SYSINFO_EHDR.
func Exec(tbl *vfs.Table_t, cwd *fd.Cwd_t, path ustr.Ustr, as *vm.Vm_t,
	argv, envp []string, vdsoEHdr uintptr) (*Image_t, defs.Err_t) {

	raw, err := readPath(tbl, cwd, path)
	if err != 0 {
		return nil, err
	}

	// a "#!" script redirects the exec to its interpreter, with the
	// script's absolute path substituted in as an argument so the
	// interpreter finds it regardless of how it was invoked.
	for depth := 0; len(raw) >= 2 && raw[0] == '#' && raw[1] == '!'; depth++ {
		if depth == maxShebangDepth {
			return nil, -defs.ENOEXEC
		}
		interp, iarg, serr := parseShebang(raw)
		if serr != 0 {
			return nil, serr
		}
		scriptAbs := bpath.Canonicalize(cwd.Fullpath(path))
		nargv := []string{interp}
		if iarg != "" {
			nargv = append(nargv, iarg)
		}
		nargv = append(nargv, string(scriptAbs))
		if len(argv) > 1 {
			nargv = append(nargv, argv[1:]...)
		}
		argv = nargv
		path = ustr.Ustr(interp)
		if raw, err = readPath(tbl, cwd, path); err != 0 {
			return nil, err
		}
	}

	mainType := elf.ET_EXEC
	probe, perr := elf.NewFile(bytes.NewReader(raw))
	if perr == nil && probe.Type == elf.ET_DYN {
		mainType = elf.ET_DYN
	}
	mainBase := uintptr(0)
	if mainType == elf.ET_DYN {
		mainBase = dynBase
	}

	main, err := mapOne(as, raw, mainBase, mainType)
	if err != 0 {
		return nil, err
	}
	if err := sanityCheckEntry(raw, main.entryFileOff); err != 0 {
		return nil, err
	}

	entry := main.entry
	atBase := uint64(0)
	if mainType == elf.ET_DYN {
		atBase = uint64(mainBase)
	}

	if main.interp != "" {
		interpF, ierr := tbl.Open(ustr.Ustr(main.interp), int(defs.O_RDONLY), 0, cwd, 0, 0)
		if ierr != 0 {
			return nil, ierr
		}
		iraw, rerr := readWhole(interpF)
		interpF.Fops.Close()
		if rerr != 0 {
			return nil, rerr
		}
		interp, merr := mapOne(as, iraw, interpBase, elf.ET_DYN)
		if merr != 0 {
			return nil, merr
		}
		if serr := sanityCheckEntry(iraw, interp.entryFileOff); serr != 0 {
			return nil, serr
		}
		entry = interp.entry
		atBase = uint64(interpBase)
	}

	auxv := []Auxent_t{
		{AT_PHDR, uint64(main.phdrVA)},
		{AT_PHENT, phdr64Size},
		{AT_PHNUM, uint64(main.phnum)},
		{AT_PAGESZ, uint64(mem.PGSIZE)},
		{AT_BASE, atBase},
		{AT_ENTRY, uint64(main.entry)},
	}
	if vdsoEHdr != 0 {
		auxv = append(auxv, Auxent_t{AT_SYSINFO_EHDR, uint64(vdsoEHdr)})
	}

	sp, err := buildStack(as, argv, envp, auxv)
	if err != 0 {
		return nil, err
	}

	return &Image_t{Entry: entry, Sp: sp}, 0
}
