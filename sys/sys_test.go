package sys

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"duskos/defs"
	"duskos/ipc"
	"duskos/mem"
	"duskos/proc"
	"duskos/ufs"
	"duskos/ustr"
	"duskos/vfs"
	"duskos/vm"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { mem.Phys_init(512) })
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

// mkkernel boots a tiny filesystem image with one regular file and
// wires it into a fresh Kernel_t plus an init task whose cwd is the
// image's root, the same fixture shape elf_test.go uses for Exec.
func mkkernel(t *testing.T) (*Kernel_t, *proc.Task_t) {
	t.Helper()
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
	if err := u.MkFile(ustr.Ustr("/greeting"), ufs.MkBuf([]byte("hello, world"))); err != 0 {
		t.Fatalf("mkfile: %d", err)
	}

	tbl := vfs.NewTable(0, u.Fs())
	k := NewKernel(tbl, 1)

	as := mkvm(t)
	task := proc.NewInit(as, u.Cwd())
	return k, task
}

func mkpath(t *testing.T, as *vm.Vm_t, uva int, s string) {
	t.Helper()
	b := append([]byte(s), 0)
	if err := as.K2user(b, uva); err != 0 {
		t.Fatalf("k2user path: %d", err)
	}
}

const (
	pathVA = 0x1000
	bufVA  = 0x2000
)

func TestDispatchOpenReadClose(t *testing.T) {
	k, task := mkkernel(t)
	as := task.Tg.Vm

	as.Vmadd_anon(pathVA, mem.PGSIZE, mem.PTE_U|mem.PTE_W)
	as.Vmadd_anon(bufVA, mem.PGSIZE, mem.PTE_U|mem.PTE_W)
	mkpath(t, as, pathVA, "/greeting")

	fdn := k.Dispatch(task, &Regs_t{Rax: SYS_OPEN, Rdi: pathVA, Rsi: uintptr(defs.O_RDONLY)})
	if int(fdn) < 0 {
		t.Fatalf("open failed: %d", int32(fdn))
	}

	n := k.Dispatch(task, &Regs_t{Rax: SYS_READ, Rdi: fdn, Rsi: bufVA, Rdx: 32})
	if int32(n) != int32(len("hello, world")) {
		t.Fatalf("expected %d bytes read, got %d", len("hello, world"), int32(n))
	}

	as.Lock_pmap()
	got := make([]byte, int32(n))
	for i := range got {
		b, uerr := as.Userdmap8_inner(bufVA+i, false)
		if uerr != 0 {
			as.Unlock_pmap()
			t.Fatalf("userdmap8: %d", uerr)
		}
		got[i] = b[0]
	}
	as.Unlock_pmap()
	if string(got) != "hello, world" {
		t.Fatalf("expected %q, got %q", "hello, world", string(got))
	}

	if rc := k.Dispatch(task, &Regs_t{Rax: SYS_CLOSE, Rdi: fdn}); int32(rc) != 0 {
		t.Fatalf("close failed: %d", int32(rc))
	}
	if rc := k.Dispatch(task, &Regs_t{Rax: SYS_READ, Rdi: fdn, Rsi: bufVA, Rdx: 1}); int32(rc) != -int32(defs.EBADF) {
		t.Fatalf("expected EBADF reading a closed fd, got %d", int32(rc))
	}
}

func TestDispatchOpenMissingFileReturnsErrno(t *testing.T) {
	k, task := mkkernel(t)
	as := task.Tg.Vm
	as.Vmadd_anon(pathVA, mem.PGSIZE, mem.PTE_U|mem.PTE_W)
	mkpath(t, as, pathVA, "/nope")

	rc := k.Dispatch(task, &Regs_t{Rax: SYS_OPEN, Rdi: pathVA, Rsi: uintptr(defs.O_RDONLY)})
	if int32(rc) >= 0 {
		t.Fatalf("expected a negative errno opening a missing path, got %d", int32(rc))
	}
}

func TestDispatchMmapMprotectMunmapRoundtrip(t *testing.T) {
	k, task := mkkernel(t)
	as := task.Tg.Vm

	va := k.Dispatch(task, &Regs_t{Rax: SYS_MMAP, Rdi: 0, Rsi: 4096, Rdx: PROT_READ | PROT_WRITE, R10: MAP_PRIVATE | MAP_ANON})
	if int32(va) <= 0 {
		t.Fatalf("mmap failed: %d", int32(va))
	}
	if _, ok := as.Vmregion.Lookup(uintptr(va)); !ok {
		t.Fatal("expected a region covering the mapped address")
	}

	if rc := k.Dispatch(task, &Regs_t{Rax: SYS_MPROTECT, Rdi: va, Rsi: 4096, Rdx: PROT_READ}); int32(rc) != 0 {
		t.Fatalf("mprotect failed: %d", int32(rc))
	}
	if rc := k.Dispatch(task, &Regs_t{Rax: SYS_MPROTECT, Rdi: va, Rsi: 4096, Rdx: PROT_READ}); int32(rc) != 0 {
		t.Fatalf("idempotent mprotect failed: %d", int32(rc))
	}

	if rc := k.Dispatch(task, &Regs_t{Rax: SYS_MUNMAP, Rdi: va, Rsi: 4096}); int32(rc) != 0 {
		t.Fatalf("munmap failed: %d", int32(rc))
	}
	if _, ok := as.Vmregion.Lookup(uintptr(va)); ok {
		t.Fatal("expected the region to be gone after munmap")
	}
}

func TestDispatchUnknownSyscallReturnsENOSYS(t *testing.T) {
	k, task := mkkernel(t)
	rc := k.Dispatch(task, &Regs_t{Rax: 0xffff})
	if int32(rc) != -int32(defs.ENOSYS) {
		t.Fatalf("expected ENOSYS, got %d", int32(rc))
	}
}

func TestDispatchSemaphoreGetOpWait(t *testing.T) {
	k, task := mkkernel(t)
	as := task.Tg.Vm

	semid := k.Dispatch(task, &Regs_t{Rax: SYS_SEMGET, Rdi: 0x1234, Rsi: 1, Rdx: uintptr(ipc.IPC_CREAT)})
	if int32(semid) < 0 {
		t.Fatalf("semget failed: %d", int32(semid))
	}

	as.Vmadd_anon(bufVA, mem.PGSIZE, mem.PTE_U|mem.PTE_W)
	// one sembuf_t: index 0, val +1, flags 0
	if err := as.Userwriten(bufVA, 2, 0); err != 0 {
		t.Fatalf("write index: %d", err)
	}
	if err := as.Userwriten(bufVA+2, 2, 1); err != 0 {
		t.Fatalf("write val: %d", err)
	}
	if err := as.Userwriten(bufVA+4, 2, 0); err != 0 {
		t.Fatalf("write flags: %d", err)
	}

	rc := k.Dispatch(task, &Regs_t{Rax: SYS_SEMOP, Rdi: semid, Rsi: bufVA, Rdx: 1})
	if int32(rc) != 0 {
		t.Fatalf("semop failed: %d", int32(rc))
	}
}

func TestDispatchClockGettimeMonotonic(t *testing.T) {
	k, task := mkkernel(t)
	as := task.Tg.Vm
	as.Vmadd_anon(bufVA, mem.PGSIZE, mem.PTE_U|mem.PTE_W)

	rc := k.Dispatch(task, &Regs_t{Rax: SYS_CLOCK_GETTIME, Rdi: 1, Rsi: bufVA})
	if int32(rc) != 0 {
		t.Fatalf("clock_gettime failed: %d", int32(rc))
	}
}

func TestDispatchForkWait(t *testing.T) {
	k, task := mkkernel(t)

	childPid := k.Dispatch(task, &Regs_t{Rax: SYS_FORK})
	if int32(childPid) <= 0 {
		t.Fatalf("fork failed: %d", int32(childPid))
	}
	child, ok := proc.Lookup(defs.Pid_t(childPid))
	if !ok {
		t.Fatal("expected the child thread group to be registered")
	}
	for _, ct := range child.Tasks {
		ct.Exit(7)
	}

	rpid := k.Dispatch(task, &Regs_t{Rax: SYS_WAIT4, Rdi: uintptr(int32(childPid))})
	if int32(rpid) != int32(childPid) {
		t.Fatalf("expected wait4 to reap pid %d, got %d", int32(childPid), int32(rpid))
	}
}
