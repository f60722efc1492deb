package fs

import "sync"

import "duskos/defs"
import "duskos/fdops"

// / fileFd_t is the Fdops_i implementation backing every open file,
// / directory, and device descriptor handed out by Fs_open.
type fileFd_t struct {
	sync.Mutex
	fs     *Fs_t
	idm    *Inode_t
	off    int
	flags  int
	path   string
	closed bool
}

var _ fdops.Fdops_i = (*fileFd_t)(nil)
var _ fdops.Inum_i = (*fileFd_t)(nil)

/// Inum reports the backing inode number.
func (f *fileFd_t) Inum() uint {
	return uint(f.idm.ino)
}

/// Close marks f closed; closing it again is a no-op. The inode
/// itself is left untouched.
func (f *fileFd_t) Close() defs.Err_t {
	f.Lock()
	defer f.Unlock()
	if f.closed {
		return 0
	}
	f.closed = true
	return 0
}

/// Fstat populates st from f's inode.
func (f *fileFd_t) Fstat(st *fdops.StatStub) defs.Err_t {
	f.idm.Lock()
	defer f.idm.Unlock()
	st.Wino = uint(f.idm.ino)
	st.Wsize = uint(f.idm.size)
	st.Wdev = uint(f.fs.devid)
	st.Wmode = modeFor(f.idm)
	if f.idm.itype == I_DEV {
		st.Wrdev = defs.Mkdev(f.idm.major, f.idm.minor)
	}
	return 0
}

func modeFor(idm *Inode_t) uint {
	m := uint(idm.mode & 0777)
	switch idm.itype {
	case I_DIR:
		m |= 0040000
	case I_DEV:
		m |= 0020000
	default:
		m |= 0100000
	}
	return m
}

/// Lseek repositions f's offset per whence and returns the new offset.
func (f *fileFd_t) Lseek(off, whence int) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	switch whence {
	case defs.SEEK_SET:
		f.off = off
	case defs.SEEK_CUR:
		f.off += off
	case defs.SEEK_END:
		f.idm.Lock()
		f.off = f.idm.size + off
		f.idm.Unlock()
	default:
		return 0, -defs.EINVAL
	}
	if f.off < 0 {
		f.off = 0
	}
	return f.off, 0
}

/// Mmapi is unsupported on this filesystem's files; memory-mapped
/// files are served directly out of the page cache in a full build,
/// but mmap of on-disk files is outside this tree's exercised surface.
func (f *fileFd_t) Mmapi(off, len int, inhibit bool) ([]fdops.MmapInfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}

/// Pathi returns f as its own Inum_i.
func (f *fileFd_t) Pathi() fdops.Inum_i {
	return f
}

/// Read reads from f's current offset into dst.
func (f *fileFd_t) Read(dst fdops.Userio_i) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	if f.idm.itype == I_DEV {
		return f.devRW(dst, nil, f.off)
	}
	n, err := f.idm.Iread(dst, f.off)
	f.off += n
	return n, err
}

/// Pread reads into dst at a fixed offset without disturbing f's
/// current offset; dst's length bounds the transfer.
func (f *fileFd_t) Pread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	if f.idm.itype == I_DEV {
		return f.devRW(dst, nil, offset)
	}
	return f.idm.Iread(dst, offset)
}

/// Reopen duplicates f's view onto the same inode; inode metadata
/// lives purely in memory for the process lifetime (see DESIGN.md), so
/// there is no underlying refcount to bump.
func (f *fileFd_t) Reopen() defs.Err_t {
	return 0
}

/// Write writes src at f's current offset, honoring O_APPEND.
func (f *fileFd_t) Write(src fdops.Userio_i) (int, defs.Err_t) {
	f.Lock()
	defer f.Unlock()
	if f.idm.itype == I_DEV {
		return f.devRW(nil, src, f.off)
	}
	if f.flags&int(defs.O_APPEND) != 0 {
		f.idm.Lock()
		f.off = f.idm.size
		f.idm.Unlock()
	}
	n, err := f.idm.Iwrite(src, f.off)
	f.off += n
	return n, err
}

/// Pwrite writes src at a fixed offset.
func (f *fileFd_t) Pwrite(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	if f.idm.itype == I_DEV {
		return f.devRW(nil, src, offset)
	}
	return f.idm.Iwrite(src, offset)
}

func (f *fileFd_t) devRW(dst fdops.Userio_i, src fdops.Userio_i, off int) (int, defs.Err_t) {
	if f.fs.cons == nil {
		return 0, -defs.ENXIO
	}
	if dst != nil {
		return f.fs.cons.Cons_read(dst, off)
	}
	return f.fs.cons.Cons_write(src, off)
}

/// Fullpath returns the path f was opened with.
func (f *fileFd_t) Fullpath() (string, defs.Err_t) {
	return f.path, 0
}

/// Truncate resizes the backing inode.
func (f *fileFd_t) Truncate(newlen uint) defs.Err_t {
	return f.idm.Itrunc(newlen)
}

/// Poll reports readiness; regular files and directories are always
/// ready, device nodes defer to the console.
func (f *fileFd_t) Poll(pm fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	if f.idm.itype == I_DEV && f.fs.cons != nil {
		return f.fs.cons.Cons_poll(pm)
	}
	return fdops.R_READ | fdops.R_WRITE, 0
}
