package defs

/// Err_t is a POSIX-style error code. Kernel and syscall functions return
/// the negation of one of these constants; zero means success.
type Err_t int

const (
	EPERM        Err_t = 1
	ENOENT       Err_t = 2
	ESRCH        Err_t = 3
	EINTR        Err_t = 4
	EIO          Err_t = 5
	ENXIO        Err_t = 6
	E2BIG        Err_t = 7
	EBADF        Err_t = 9
	EAGAIN       Err_t = 11
	ENOMEM       Err_t = 12
	EACCES       Err_t = 13
	EFAULT       Err_t = 14
	EBUSY        Err_t = 16
	EEXIST       Err_t = 17
	ENODEV       Err_t = 19
	ENOTDIR      Err_t = 20
	EISDIR       Err_t = 21
	EINVAL       Err_t = 22
	ENAMETOOLONG Err_t = 36
	ENOSYS       Err_t = 38
	ENOTEMPTY    Err_t = 39
	EROFS        Err_t = 30
	ETIMEDOUT    Err_t = 110
	EIDRM        Err_t = 43
	ENOMEDIUM    Err_t = 123
	ENOEXEC      Err_t = 8
	// ENOHEAP is not a POSIX errno; it is this kernel's signal that a
	// per-syscall heap budget (see respool) was exhausted mid-copy.
	ENOHEAP Err_t = 200
)

/// Tid_t identifies a single schedulable thread of execution.
type Tid_t int

/// Pid_t identifies a thread group (process).
type Pid_t int

// O_* flags accepted by Fs_open / execve's file lookup.
const (
	O_RDONLY Err_t = 0
	O_WRONLY Err_t = 1
	O_RDWR   Err_t = 2
	O_CREAT  Err_t = 0x40
	O_EXCL   Err_t = 0x80
	O_TRUNC  Err_t = 0x200
	O_APPEND Err_t = 0x400
	O_DIRECT Err_t = 0x4000
	O_CLOEXEC Err_t = 0x80000
)

// Lseek whence values.
const (
	SEEK_SET = 0
	SEEK_CUR = 1
	SEEK_END = 2
)
