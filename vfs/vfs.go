// Package vfs layers a mount table over one or more fs.Fs_t mounts,
// giving the kernel the multi-filesystem namespace fs.Fs_t alone
// cannot: named mount points, a fixed mount-slot table keyed by device
// id, and the mount/unmount/BLKRRPART-adjacent bookkeeping described
// for the VFS mount layer. Path resolution within a single mount is
// still fs.Fs_t's job; vfs's Resolve picks which mount a path belongs
// to and rewrites the path relative to that mount's root.
package vfs

import (
	"sort"
	"strings"
	"sync"

	log "github.com/dsoprea/go-logging"

	"duskos/defs"
	"duskos/fd"
	"duskos/fs"
	"duskos/ustr"
)

var mlog = log.NewLogger("duskos.vfs")

// MaxMounts bounds the mount table; the table is fixed-size rather
// than growable.
const MaxMounts = 16

/// MountInfo_t is one occupied mount-table slot: the device it is
/// keyed by, the filesystem mounted there, the absolute path it is
/// mounted at, and the options it was mounted with. Unmounting removes
/// the entry from the table. No dev id is reserved: NewTable and Mount
/// accept any value, 0 included.
type MountInfo_t struct {
	Dev        int
	Fs         *fs.Fs_t
	Mountpoint string
	Opts       string
	Flags      int
	openFiles  int
}

// Mount flag bits, matching mount(2)'s MS_* option names.
const (
	MS_RDONLY  = 1 << iota
	MS_NOEXEC
	MS_NOSUID
	MS_NODEV
	MS_REMOUNT
	MS_SYNCHRONOUS
	MS_NOATIME
)

const MNT_FORCE = 1

/// Table_t is the kernel's mount table: a small slice of MountInfo_t,
/// one entry per currently mounted device, protected by a single
/// mutex matching the mount_table_mutex ordering rung ahead of any
/// per-mount lock (see lockorder.LvlMountTable).
type Table_t struct {
	mu     sync.Mutex
	mounts []*MountInfo_t
}

/// NewTable constructs an empty mount table with root pre-mounted on
/// rootfs at device id rootdev.
func NewTable(rootdev int, rootfs *fs.Fs_t) *Table_t {
	t := &Table_t{}
	t.mounts = append(t.mounts, &MountInfo_t{
		Dev:        rootdev,
		Fs:         rootfs,
		Mountpoint: "/",
		Opts:       "rw",
	})
	return t
}

func clean(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		p = "/"
	}
	return p
}

/// Mount installs fs at mountpoint under device id dev: the mount
/// point must lie inside an already mounted filesystem and must not
/// already be a mount point, dev must not already be mounted (unless
/// MS_REMOUNT), and the table must have a free slot. Whether the mount
/// point names an existing directory is not checked.
func (t *Table_t) Mount(dev int, mountpoint string, fsys *fs.Fs_t, flags int, opts string) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	mp := clean(mountpoint)

	for _, m := range t.mounts {
		if m.Dev == dev {
			if flags&MS_REMOUNT == 0 {
				return -defs.EBUSY
			}
			m.Flags = flags
			m.Opts = opts
			return 0
		}
		if m.Mountpoint == mp {
			return -defs.EBUSY
		}
	}

	if mp != "/" {
		parent, ok := t.lookupLocked(mp)
		if !ok || parent.Mountpoint == mp {
			return -defs.ENOENT
		}
	}

	if len(t.mounts) >= MaxMounts {
		return -defs.ENOMEM
	}

	t.mounts = append(t.mounts, &MountInfo_t{
		Dev:        dev,
		Fs:         fsys,
		Mountpoint: mp,
		Flags:      flags,
		Opts:       opts,
	})
	mlog.Debugf(nil, "mounted dev %d at %s (%s)", dev, mp, opts)
	return 0
}

/// Unmount removes the mount keyed by dev. Busy (open files pinned on
/// it) mounts refuse unless flags carries MNT_FORCE, in which case
/// open descriptors on the device are left to fail their next
/// operation with EBADF rather than being torn down synchronously
/// here (the fd layer, not vfs, owns that). After the mount's Fs_t has
/// flushed (StopFS), every page cache entry for dev is evicted
/// (RemoveCachedDiskPages) so a later mount reusing the same device id
/// can never observe a block cached by the mount being torn down now.
func (t *Table_t) Unmount(dev int, flags int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()

	for i, m := range t.mounts {
		if m.Dev != dev {
			continue
		}
		if m.Mountpoint == "/" {
			return -defs.EBUSY
		}
		if m.openFiles > 0 && flags&MNT_FORCE == 0 {
			return -defs.EBUSY
		}
		m.Fs.StopFS()
		dropped := m.Fs.RemoveCachedDiskPages()
		t.mounts = append(t.mounts[:i], t.mounts[i+1:]...)
		mlog.Debugf(nil, "unmounted dev %d from %s, %d cached blocks dropped", dev, m.Mountpoint, dropped)
		return 0
	}
	return -defs.ENODEV
}

// lookupLocked finds the mount whose Mountpoint is the longest prefix
// of p, the same "closest enclosing mount" rule a real mountpoint-flag
// walk produces without requiring vfs to re-implement fs.Fs_t's inode
// walk across mount boundaries.
func (t *Table_t) lookupLocked(p string) (*MountInfo_t, bool) {
	var best *MountInfo_t
	for _, m := range t.mounts {
		if m.Mountpoint == "/" {
			if best == nil {
				best = m
			}
			continue
		}
		if p == m.Mountpoint || strings.HasPrefix(p, m.Mountpoint+"/") {
			if best == nil || len(m.Mountpoint) > len(best.Mountpoint) {
				best = m
			}
		}
	}
	return best, best != nil
}

/// Resolve maps an absolute path to the mount that owns it and the
/// path relative to that mount's own root (fed to the mount's Fs_t
/// unchanged from there).
func (t *Table_t) Resolve(p ustr.Ustr) (*MountInfo_t, ustr.Ustr, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()

	abs := clean(p.String())
	m, ok := t.lookupLocked(abs)
	if !ok {
		return nil, nil, -defs.ENODEV
	}
	rel := abs
	if m.Mountpoint != "/" {
		rel = strings.TrimPrefix(abs, m.Mountpoint)
		if rel == "" {
			rel = "/"
		}
	}
	return m, ustr.Ustr(rel), 0
}

/// Open resolves paths against the mount table and delegates to the
/// owning mount's Fs_open, tracking an open-file count per mount so
/// Unmount can enforce EBUSY.
func (t *Table_t) Open(paths ustr.Ustr, flags int, mode int, cwd *fd.Cwd_t, major, minor int) (*fd.Fd_t, defs.Err_t) {
	m, rel, err := t.Resolve(paths)
	if err != 0 {
		return nil, err
	}
	f, oerr := m.Fs.Fs_open(rel, flags, mode, cwd, major, minor)
	if oerr != 0 {
		return nil, oerr
	}
	t.mu.Lock()
	m.openFiles++
	t.mu.Unlock()
	return f, 0
}

/// CloseAccounted decrements the open-file count Open incremented for
/// the mount keyed by dev; callers invoke it from their fd Close path.
func (t *Table_t) CloseAccounted(dev int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range t.mounts {
		if m.Dev == dev && m.openFiles > 0 {
			m.openFiles--
			return
		}
	}
}

/// Mounts returns a stable-ordered snapshot of the mount table, used
/// by /proc/mounts-style reporting and by tests.
func (t *Table_t) Mounts() []MountInfo_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]MountInfo_t, len(t.mounts))
	for i, m := range t.mounts {
		out[i] = *m
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mountpoint < out[j].Mountpoint })
	return out
}
