// Package fdops defines the narrow interfaces that every open-file
// implementation (regular files, directories, pipes, sockets, /dev nodes)
// satisfies so that the fd table and syscall layer never need to know
// the concrete type behind a descriptor.
package fdops

import "duskos/defs"

/// Ready_t is a bitmask of readiness conditions used by poll/select.
type Ready_t uint8

const (
	R_READ  Ready_t = 1 << iota
	R_WRITE
	R_ERROR
	R_HUP
)

/// Pollmsg_t carries one poll(2)/select(2) request between a waiter and
/// the fdops implementation being waited on.
type Pollmsg_t struct {
	Events Ready_t
	Dowait bool
	Tid    defs.Tid_t
}

/// Userio_i abstracts a source/sink of bytes that may live in user
/// address space (Userbuf_t), kernel memory (Fakeubuf_t), or a kernel
/// iovec (Useriovec_t) so block and file code can stay agnostic.
type Userio_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

/// Fdops_i is the operation set every descriptor implementation provides.
type Fdops_i interface {
	Close() defs.Err_t
	Fstat(*StatStub) defs.Err_t
	Lseek(off, whence int) (int, defs.Err_t)
	Mmapi(off, len int, inhibit bool) ([]MmapInfo_t, defs.Err_t)
	Pathi() Inum_i
	Read(Userio_i) (int, defs.Err_t)
	Reopen() defs.Err_t
	Write(Userio_i) (int, defs.Err_t)
	Fullpath() (string, defs.Err_t)
	Truncate(newlen uint) defs.Err_t

	Pread(Userio_i, int) (int, defs.Err_t)
	Pwrite(Userio_i, int) (int, defs.Err_t)

	Poll(Pollmsg_t) (Ready_t, defs.Err_t)
}

/// Inum_i identifies the backing inode (or device) of a descriptor, used
/// for path resolution diagnostics and for dedup of mmap'd files.
type Inum_i interface {
	Inum() uint
}

/// MmapInfo_t describes one physical page to be mapped into a process's
/// address space as a result of Fdops_i.Mmapi.
type MmapInfo_t struct {
	Pgnum int
	Phys  uintptr
}

/// StatStub mirrors the subset of stat.Stat_t that fdops implementations
/// populate; kept here (rather than importing stat) to avoid a cycle
/// between fdops and the stat package's own consumers.
type StatStub struct {
	Wmode uint
	Wsize uint
	Wdev  uint
	Wino  uint
	Wrdev uint
}
