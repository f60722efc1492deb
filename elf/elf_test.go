package elf

import (
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"duskos/defs"
	"duskos/mem"
	"duskos/ufs"
	"duskos/ustr"
	"duskos/vfs"
	"duskos/vm"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { mem.Phys_init(256) })
}

// buildMinimalELF hand-assembles the smallest ET_EXEC x86-64 image
// this loader accepts: one PT_LOAD segment covering the whole file,
// loaded at 0x400000, whose last byte is a single-byte RET (0xc3) at
// the entry point -- enough for debug/elf to parse and for x86asm to
// decode as a real instruction.
func buildMinimalELF(entryOff int) []byte {
	const (
		ehsize = 64
		phsize = 56
	)
	total := ehsize + phsize + entryOff + 1
	buf := make([]byte, total)

	// e_ident
	buf[0] = 0x7f
	copy(buf[1:4], "ELF")
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	le := binary.LittleEndian
	le.PutUint16(buf[16:], 2)     // e_type = ET_EXEC
	le.PutUint16(buf[18:], 62)    // e_machine = EM_X86_64
	le.PutUint32(buf[20:], 1)     // e_version
	entry := uint64(0x400000 + ehsize + phsize + entryOff)
	le.PutUint64(buf[24:], entry) // e_entry
	le.PutUint64(buf[32:], ehsize) // e_phoff
	le.PutUint64(buf[40:], 0)      // e_shoff
	le.PutUint32(buf[48:], 0)      // e_flags
	le.PutUint16(buf[52:], ehsize) // e_ehsize
	le.PutUint16(buf[54:], phsize) // e_phentsize
	le.PutUint16(buf[56:], 1)      // e_phnum
	le.PutUint16(buf[58:], 0)      // e_shentsize
	le.PutUint16(buf[60:], 0)      // e_shnum
	le.PutUint16(buf[62:], 0)      // e_shstrndx

	ph := buf[ehsize:]
	le.PutUint32(ph[0:], 1)                 // p_type = PT_LOAD
	le.PutUint32(ph[4:], 5)                 // p_flags = PF_X|PF_R
	le.PutUint64(ph[8:], 0)                 // p_offset
	le.PutUint64(ph[16:], 0x400000)         // p_vaddr
	le.PutUint64(ph[24:], 0x400000)         // p_paddr
	le.PutUint64(ph[32:], uint64(total))    // p_filesz
	le.PutUint64(ph[40:], uint64(total))    // p_memsz
	le.PutUint64(ph[48:], 0x1000)           // p_align

	buf[ehsize+phsize+entryOff] = 0xc3 // ret
	return buf
}

func TestSanityCheckEntryAcceptsDecodableInstruction(t *testing.T) {
	raw := buildMinimalELF(0)
	off := len(raw) - 1
	if err := sanityCheckEntry(raw, off); err != 0 {
		t.Fatalf("expected a valid ret to pass, got %d", err)
	}
}

func TestSanityCheckEntryRejectsOutOfRange(t *testing.T) {
	raw := buildMinimalELF(0)
	if err := sanityCheckEntry(raw, len(raw)+5); err != -defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC, got %d", err)
	}
}

func mkvm(t *testing.T) *vm.Vm_t {
	t.Helper()
	ensurePhys()
	as := &vm.Vm_t{}
	pmap, ppmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		t.Fatal("pmap_new failed")
	}
	as.Pmap, as.P_pmap = pmap, ppmap
	return as
}

func TestMapOneRejectsWrongMachine(t *testing.T) {
	as := mkvm(t)
	raw := buildMinimalELF(0)
	raw[18] = 0 // corrupt e_machine
	raw[19] = 0
	if _, err := mapOne(as, raw, 0, elf.ET_EXEC); err != -defs.ENOEXEC {
		t.Fatalf("expected ENOEXEC for bad machine, got %d", err)
	}
}

func TestMapOneLoadsSegmentAndLocatesEntry(t *testing.T) {
	as := mkvm(t)
	raw := buildMinimalELF(3)
	si, err := mapOne(as, raw, 0, elf.ET_EXEC)
	if err != 0 {
		t.Fatalf("mapOne: %d", err)
	}
	if si.entry != 0x400000+64+56+3 {
		t.Fatalf("unexpected entry %#x", si.entry)
	}
	if si.entryFileOff < 0 {
		t.Fatal("expected entry to resolve to a file offset")
	}
	if err := sanityCheckEntry(raw, si.entryFileOff); err != 0 {
		t.Fatalf("sanity check on mapped entry: %d", err)
	}

	// the mapped page should read back the loaded byte through the
	// same address-space accessor the rest of the kernel uses.
	as.Lock_pmap()
	got, uerr := as.Userdmap8_inner(int(si.entry), false)
	as.Unlock_pmap()
	if uerr != 0 {
		t.Fatalf("userdmap8: %d", uerr)
	}
	if got[0] != 0xc3 {
		t.Fatalf("expected loaded byte 0xc3, got %#x", got[0])
	}
}

func TestBuildStackLayoutArgcAndPointers(t *testing.T) {
	as := mkvm(t)
	sp, err := buildStack(as, []string{"prog", "-x"}, []string{"A=1"}, nil)
	if err != 0 {
		t.Fatalf("buildStack: %d", err)
	}
	argc, rerr := as.Userreadn(int(sp), 8)
	if rerr != 0 {
		t.Fatalf("userreadn: %d", rerr)
	}
	if argc != 2 {
		t.Fatalf("expected argc=2, got %d", argc)
	}
}

func TestBuildStackRejectsOversizedArgs(t *testing.T) {
	as := mkvm(t)
	big := make([]string, 1)
	big[0] = string(make([]byte, ARG_MAX+1))
	if _, err := buildStack(as, big, nil, nil); err != -defs.E2BIG {
		t.Fatalf("expected E2BIG, got %d", err)
	}
}

func TestExecLoadsFromFilesystem(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "root.img")
	f, cerr := os.Create(img)
	if cerr != nil {
		t.Fatal(cerr)
	}
	if err := f.Truncate(16 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	u := ufs.BootMemFS(img)
	raw := buildMinimalELF(0)
	if err := u.MkFile(ustr.Ustr("/prog"), ufs.MkBuf(raw)); err != 0 {
		t.Fatalf("mkfile: %d", err)
	}

	tbl := vfs.NewTable(0, u.Fs())
	as := mkvm(t)

	img2, err := Exec(tbl, u.Cwd(), ustr.Ustr("/prog"), as, []string{"prog"}, nil, 0)
	if err != 0 {
		t.Fatalf("exec: %d", err)
	}
	if img2.Entry != 0x400000+64+56 {
		t.Fatalf("unexpected entry %#x", img2.Entry)
	}
	if img2.Sp == 0 {
		t.Fatal("expected nonzero stack pointer")
	}

	ufs.ShutdownFS(u)
}

// readArgv walks the exec stack back out of user memory: argc at sp,
// then the argv pointer array above it.
func readArgv(t *testing.T, as *vm.Vm_t, sp uintptr) []string {
	t.Helper()
	argc, err := as.Userreadn(int(sp), 8)
	if err != 0 {
		t.Fatalf("argc read: %d", err)
	}
	out := make([]string, argc)
	for i := 0; i < argc; i++ {
		p, perr := as.Userreadn(int(sp)+8*(1+i), 8)
		if perr != 0 {
			t.Fatalf("argv[%d] pointer read: %d", i, perr)
		}
		s, serr := as.Userstr(p, 4096)
		if serr != 0 {
			t.Fatalf("argv[%d] string read: %d", i, serr)
		}
		out[i] = s.String()
	}
	return out
}

func TestExecShebangRewritesArgv(t *testing.T) {
	dir := t.TempDir()
	img := filepath.Join(dir, "root.img")
	f, cerr := os.Create(img)
	if cerr != nil {
		t.Fatal(cerr)
	}
	if err := f.Truncate(16 << 20); err != nil {
		t.Fatal(err)
	}
	f.Close()

	u := ufs.BootMemFS(img)
	if err := u.MkDir(ustr.Ustr("/bin")); err != 0 {
		t.Fatalf("mkdir: %d", err)
	}
	if err := u.MkFile(ustr.Ustr("/bin/sh"), ufs.MkBuf(buildMinimalELF(0))); err != 0 {
		t.Fatalf("mkfile sh: %d", err)
	}
	script := []byte("#!/bin/sh -x\necho hi\n")
	if err := u.MkFile(ustr.Ustr("/script"), ufs.MkBuf(script)); err != 0 {
		t.Fatalf("mkfile script: %d", err)
	}

	tbl := vfs.NewTable(0, u.Fs())
	as := mkvm(t)

	img2, err := Exec(tbl, u.Cwd(), ustr.Ustr("./script"), as, []string{"./script", "foo"}, nil, 0)
	if err != 0 {
		t.Fatalf("exec: %d", err)
	}

	got := readArgv(t, as, img2.Sp)
	want := []string{"/bin/sh", "-x", "/script", "foo"}
	if len(got) != len(want) {
		t.Fatalf("argv = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("argv[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	ufs.ShutdownFS(u)
}
