// Package sys implements the syscall dispatch layer: the x86-64
// register-argument ABI every trap handler decodes into (Regs_t), a
// dense SYS_* number space matching that ABI's real convention, and
// Dispatch, which copies arguments out of user memory via vm.Vm_t's
// accessors and routes to the already-built proc/sched/vfs/ipc/elf/
// vdso/blkdev subsystems. There is no trap/interrupt plumbing here
// (this is a hosted simulation, not a ring-0 kernel with a real IDT);
// Dispatch is the function a trap handler would call once it had
// decoded a syscall instruction's register file.
package sys

import (
	"duskos/blkdev"
	"duskos/defs"
	"duskos/elf"
	"duskos/ipc"
	"duskos/mem"
	"duskos/proc"
	"duskos/sched"
	"duskos/vdso"
	"duskos/vfs"
	"duskos/vm"
)

// Regs_t is the subset of a trapframe Dispatch consults: the six
// argument registers and Rax, matching the x86-64 syscall(2) calling
// convention (rdi, rsi, rdx, r10, r8, r9; r10 stands in for rcx, which
// the SYSCALL instruction clobbers).
type Regs_t struct {
	Rax uintptr
	Rdi uintptr
	Rsi uintptr
	Rdx uintptr
	R10 uintptr
	R8  uintptr
	R9  uintptr
}

// SYS_* numbers, matching the real x86-64 Linux syscall table so a
// userspace C runtime's raw `syscall(2, ...)` stubs need no
// retargeting to run against this kernel.
const (
	SYS_READ          = 0
	SYS_WRITE         = 1
	SYS_OPEN          = 2
	SYS_CLOSE         = 3
	SYS_LSEEK         = 8
	SYS_MMAP          = 9
	SYS_MPROTECT      = 10
	SYS_MUNMAP        = 11
	SYS_IOCTL         = 16
	SYS_NANOSLEEP     = 35
	SYS_CLONE         = 56
	SYS_FORK          = 57
	SYS_VFORK         = 58
	SYS_EXECVE        = 59
	SYS_EXIT          = 60
	SYS_WAIT4         = 61
	SYS_SEMGET        = 64
	SYS_SEMOP         = 65
	SYS_SEMCTL        = 66
	SYS_CLOCK_GETTIME = 228
	SYS_EXIT_GROUP    = 231
)

// mmap(2) prot/flags bits this kernel recognizes.
const (
	PROT_READ  = 0x1
	PROT_WRITE = 0x2
	PROT_EXEC  = 0x4

	MAP_SHARED  = 0x1
	MAP_PRIVATE = 0x2
	MAP_FIXED   = 0x10
	MAP_ANON    = 0x20
)

const pathMax = 4096

/// Kernel_t bundles the global subsystem handles Dispatch routes
/// against: the mount table every path-taking syscall resolves
/// through, and the per-CPU scheduler whose tick drives vdso's shared
/// monotonic clock page. There is exactly one of these per booted
/// system, the same singleton shape vfs.Table_t and sched.System
/// already have on their own.
type Kernel_t struct {
	Tbl   *vfs.Table_t
	Sched *sched.System
}

/// NewKernel wires a mount table and a newly constructed scheduler
/// together, publishing the vdso image and installing vdso.Tick as
/// k.Sched's tick hook so every timer tick this system's CPUs take
/// keeps the vdso data page (and thus clock_gettime, both the syscall
/// and any task's fast path) current from the first tick onward, rather
/// than only after the first execve happens to map it. The scheduler
/// is not started here; ticks begin once k.Sched.Start runs.
func NewKernel(tbl *vfs.Table_t, ncpu int) *Kernel_t {
	if err := vdso.Init(); err != 0 {
		panic("vdso: out of memory at boot")
	}
	// hosted cores have no APICs; the shootdown mask is still keyed by
	// an id, so identity-map it
	vm.Cpumap(func(id int) uint32 { return uint32(id) })
	s := sched.NewSystem(ncpu)
	s.SetTickHook(vdso.Tick)
	return &Kernel_t{Tbl: tbl, Sched: s}
}

/// Dispatch decodes r against t's calling task and returns the value a
/// SYSCALL instruction's userspace caller would see in rax: a
/// nonnegative result, or -errno on failure, matching this codebase's
/// defs.Err_t convention throughout.
func (k *Kernel_t) Dispatch(t *proc.Task_t, r *Regs_t) uintptr {
	var ret int
	switch r.Rax {
	case SYS_READ:
		ret = k.sysRead(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_WRITE:
		ret = k.sysWrite(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_OPEN:
		ret = k.sysOpen(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_CLOSE:
		ret = k.sysClose(t, int(r.Rdi))
	case SYS_LSEEK:
		ret = k.sysLseek(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_MMAP:
		ret = k.sysMmap(t, int(r.Rdi), int(r.Rsi), int(r.Rdx), int(r.R10), int(r.R8), int(r.R9))
	case SYS_MPROTECT:
		ret = k.sysMprotect(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_MUNMAP:
		ret = k.sysMunmap(t, int(r.Rdi), int(r.Rsi))
	case SYS_IOCTL:
		ret = k.sysIoctl(int(r.Rdi), int(r.Rsi), uint(r.Rdx), uintptr(r.R10))
	case SYS_NANOSLEEP:
		ret = k.sysNanosleep(t, int(r.Rdi))
	case SYS_CLONE:
		ret = k.sysClone(t, int(r.Rdi))
	case SYS_FORK:
		ret = k.sysClone(t, 0)
	case SYS_VFORK:
		ret = k.sysClone(t, proc.CLONE_VFORK)
		if ret > 0 {
			if ctg, ok := proc.Lookup(defs.Pid_t(ret)); ok {
				ctg.VforkWait()
			}
		}
	case SYS_EXECVE:
		ret = k.sysExecve(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_EXIT, SYS_EXIT_GROUP:
		t.Exit(int(r.Rdi))
		ret = 0
	case SYS_WAIT4:
		ret = k.sysWait4(t, int(r.Rdi), int(r.Rsi))
	case SYS_SEMGET:
		ret = k.sysSemget(int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_SEMOP:
		ret = k.sysSemop(t, int(r.Rdi), int(r.Rsi), int(r.Rdx))
	case SYS_SEMCTL:
		ret = k.sysSemctl(int(r.Rdi), int(r.Rsi), int(r.Rdx), int(r.R10))
	case SYS_CLOCK_GETTIME:
		ret = k.sysClockGettime(t, int(r.Rdi), int(r.Rsi))
	default:
		ret = -int(defs.ENOSYS)
	}
	return uintptr(ret)
}

func vmOf(t *proc.Task_t) *vm.Vm_t { return t.Tg.Vm }

func (k *Kernel_t) sysRead(t *proc.Task_t, fdn, uva, n int) int {
	f, err := t.Tg.GetFd(fdn)
	if err != 0 {
		return int(err)
	}
	as := vmOf(t)
	ub := as.Mkuserbuf(uva, n)
	nr, rerr := f.Fops.Read(ub)
	if rerr != 0 {
		return int(rerr)
	}
	return nr
}

func (k *Kernel_t) sysWrite(t *proc.Task_t, fdn, uva, n int) int {
	f, err := t.Tg.GetFd(fdn)
	if err != 0 {
		return int(err)
	}
	as := vmOf(t)
	ub := as.Mkuserbuf(uva, n)
	nw, werr := f.Fops.Write(ub)
	if werr != 0 {
		return int(werr)
	}
	return nw
}

func (k *Kernel_t) sysOpen(t *proc.Task_t, uva, flags, mode int) int {
	as := vmOf(t)
	path, perr := as.Userstr(uva, pathMax)
	if perr != 0 {
		return int(perr)
	}
	nf, oerr := k.Tbl.Open(path, flags, mode, t.Tg.Cwd, 0, 0)
	if oerr != 0 {
		return int(oerr)
	}
	return t.Tg.AddFd(nf)
}

func (k *Kernel_t) sysClose(t *proc.Task_t, fdn int) int {
	return int(t.Tg.CloseFd(fdn))
}

func (k *Kernel_t) sysLseek(t *proc.Task_t, fdn, off, whence int) int {
	f, err := t.Tg.GetFd(fdn)
	if err != 0 {
		return int(err)
	}
	np, lerr := f.Fops.Lseek(off, whence)
	if lerr != 0 {
		return int(lerr)
	}
	return np
}

/// sysMmap implements the anonymous- and file-backed mapping cases
/// mmap(2) is specified for: MAP_FIXED honors addr exactly (displacing
/// any overlap), its absence picks the first unused range at or above
/// addr the way a hint-only mmap is allowed to. A MAP_ANON request
/// never touches a backing fd; otherwise fdn's Fdops_i is attached as
/// the region's file backing.
func (k *Kernel_t) sysMmap(t *proc.Task_t, addr, length, prot, flags, fdn, off int) int {
	if length <= 0 || mem.Pa_t(addr)&mem.PGOFFSET != 0 {
		return -int(defs.EINVAL)
	}
	// region bookkeeping is in whole pages
	length = roundupPages(length) * mem.PGSIZE
	as := vmOf(t)
	perms := vm.PTE_U
	if prot&PROT_WRITE != 0 {
		perms |= vm.PTE_W
	}

	va := addr
	if flags&MAP_FIXED == 0 {
		as.Lock_pmap()
		va = as.Unusedva_inner(addr, length)
		as.Unlock_pmap()
	} else {
		// a fixed mapping displaces whatever it lands on
		pgn := uintptr(va) >> vm.PGSHIFT
		pglen := length / mem.PGSIZE
		as.Vmregion.RemoveOverlaps(pgn, pglen)
		as.Lock_pmap()
		for a := va; a < va+length; a += mem.PGSIZE {
			as.Page_remove(a)
		}
		as.Tlbshoot(uintptr(va), pglen)
		as.Unlock_pmap()
	}

	if flags&MAP_ANON != 0 {
		as.Vmadd_anon(va, length, perms)
		return va
	}

	f, err := t.Tg.GetFd(fdn)
	if err != 0 {
		return int(err)
	}
	if flags&MAP_SHARED != 0 {
		as.Vmadd_sharefile(va, length, perms, f.Fops, off, nil)
	} else {
		as.Vmadd_file(va, length, perms, f.Fops, off)
	}
	return va
}

/// sysMprotect narrows or widens [addr,addr+length) to prot: ChangeProt
/// only updates the region map's bookkept Perms, so every already-
/// present PTE in the changed ranges is rewritten here to match before
/// the TLB is shot down, the "rewrite PTE flags for each page" step
/// the region map's own doc comment defers to its caller. A page still
/// marked PTE_COW is left read-only regardless of the new permissions:
/// a widening mprotect must not hand out a writable mapping to a page
/// its own fork hasn't copied yet, so the existing write-fault path
/// still performs the copy the first time it's touched.
func (k *Kernel_t) sysMprotect(t *proc.Task_t, addr, length, prot int) int {
	if length <= 0 {
		return -int(defs.EINVAL)
	}
	as := vmOf(t)
	perms := vm.PTE_U
	if prot&PROT_WRITE != 0 {
		perms |= vm.PTE_W
	}
	pgn := uintptr(addr) >> vm.PGSHIFT
	pglen := roundupPages(length)

	changed := as.Vmregion.ChangeProt(pgn, pglen, uint(perms))
	if len(changed) == 0 {
		return 0
	}

	as.Lock_pmap()
	for _, vmi := range changed {
		start := vmi.Pgn << vm.PGSHIFT
		end := start + uintptr(vmi.Pglen)<<vm.PGSHIFT
		for va := start; va < end; va += uintptr(mem.PGSIZE) {
			pte := vm.Pmap_lookup(as.Pmap, int(va))
			if pte == nil || *pte&vm.PTE_P == 0 {
				continue
			}
			if *pte&vm.PTE_COW != 0 {
				*pte &^= vm.PTE_W
				continue
			}
			if vmi.Perms&uint(vm.PTE_W) != 0 {
				*pte |= vm.PTE_W
			} else {
				*pte &^= vm.PTE_W
			}
		}
	}
	as.Tlbshoot(uintptr(addr), pglen)
	as.Unlock_pmap()
	return 0
}

func (k *Kernel_t) sysMunmap(t *proc.Task_t, addr, length int) int {
	if length <= 0 {
		return -int(defs.EINVAL)
	}
	as := vmOf(t)
	pgn := uintptr(addr) >> vm.PGSHIFT
	pglen := roundupPages(length)

	as.Vmregion.RemoveOverlaps(pgn, pglen)
	as.Lock_pmap()
	for va := addr; va < addr+pglen<<vm.PGSHIFT; va += mem.PGSIZE {
		as.Page_remove(va)
	}
	as.Tlbshoot(uintptr(addr), pglen)
	as.Unlock_pmap()
	return 0
}

func (k *Kernel_t) sysIoctl(major, minor int, cmd uint, arg uintptr) int {
	_, err := blkdev.Ioctl(major, minor, cmd, arg)
	return int(err)
}

func (k *Kernel_t) sysNanosleep(t *proc.Task_t, uva int) int {
	as := vmOf(t)
	d, _, terr := as.Usertimespec(uva)
	if terr != 0 {
		return int(terr)
	}
	return int(sched.Nanosleep(t, d))
}

func (k *Kernel_t) sysClone(t *proc.Task_t, flags int) int {
	child, err := t.Clone(flags)
	if err != 0 {
		return int(err)
	}
	return int(child.Tg.Pid)
}

func (k *Kernel_t) sysExecve(t *proc.Task_t, uva, argvVA, envpVA int) int {
	as := vmOf(t)
	path, perr := as.Userstr(uva, pathMax)
	if perr != 0 {
		return int(perr)
	}

	argv, aerr := readStrvec(as, argvVA)
	if aerr != 0 {
		return int(aerr)
	}
	envp, eerr := readStrvec(as, envpVA)
	if eerr != 0 {
		return int(eerr)
	}

	nas := &vm.Vm_t{}
	pmap, ppmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		return -int(defs.ENOMEM)
	}
	nas.Pmap, nas.P_pmap = pmap, ppmap

	vdsoEHdr, verr := vdso.Map(nas)
	if verr != 0 {
		nas.Uvmfree()
		return int(verr)
	}

	// the hosted dispatch loop has no per-task trapframe to aim at the
	// image's entry point; the commit below is the whole state change
	if _, xerr := elf.Exec(k.Tbl, t.Tg.Cwd, path, nas, argv, envp, vdsoEHdr); xerr != 0 {
		nas.Uvmfree()
		return int(xerr)
	}

	t.Tg.Vm.Uvmfree()
	t.Tg.Vm = nas
	t.Tg.CloseOnExec()
	t.Tg.VforkDone()
	return 0
}

func (k *Kernel_t) sysWait4(t *proc.Task_t, pid, statusVA int) int {
	rpid, status, err := t.Wait(defs.Pid_t(pid))
	if err != 0 {
		return int(err)
	}
	if statusVA != 0 {
		as := vmOf(t)
		if werr := as.Userwriten(statusVA, 4, status); werr != 0 {
			return int(werr)
		}
	}
	return int(rpid)
}

func (k *Kernel_t) sysSemget(key, nsems, flags int) int {
	_, err := ipc.Get(key, nsems, flags)
	if err != 0 {
		return int(err)
	}
	return key
}

func (k *Kernel_t) sysSemop(t *proc.Task_t, semid, sopsVA, nsops int) int {
	s, err := ipc.Get(semid, 0, 0)
	if err != 0 {
		return int(err)
	}
	as := vmOf(t)
	sops := make([]ipc.Sembuf_t, nsops)
	for i := range sops {
		base := sopsVA + i*sembufSize
		idx, e1 := as.Userreadn(base, 2)
		if e1 != 0 {
			return int(e1)
		}
		val, e2 := as.Userreadn(base+2, 2)
		if e2 != 0 {
			return int(e2)
		}
		flg, e3 := as.Userreadn(base+4, 2)
		if e3 != 0 {
			return int(e3)
		}
		sops[i] = ipc.Sembuf_t{Index: idx, Val: val, Flags: flg}
	}
	return int(ipc.Op(t, s, sops))
}

func (k *Kernel_t) sysSemctl(semid, index, cmd, val int) int {
	s, err := ipc.Get(semid, 0, 0)
	if err != 0 {
		return int(err)
	}
	r, cerr := ipc.Ctl(s, index, cmd, val)
	if cerr != 0 {
		return int(cerr)
	}
	return r
}

func (k *Kernel_t) sysClockGettime(t *proc.Task_t, clockID, uva int) int {
	as := vmOf(t)
	return int(vdso.ReadUser(as, clockID, uva))
}

func readStrvec(as *vm.Vm_t, va int) ([]string, defs.Err_t) {
	if va == 0 {
		return nil, 0
	}
	var out []string
	for i := 0; ; i++ {
		p, perr := as.Userreadn(va+i*8, 8)
		if perr != 0 {
			return nil, perr
		}
		if p == 0 {
			break
		}
		s, serr := as.Userstr(p, pathMax)
		if serr != 0 {
			return nil, serr
		}
		out = append(out, s.String())
		if len(out) > 4096 {
			return nil, -defs.E2BIG
		}
	}
	return out, 0
}

const sembufSize = 6

func roundupPages(n int) int {
	return (n + mem.PGSIZE - 1) / mem.PGSIZE
}
