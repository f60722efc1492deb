// Package fs implements the virtual filesystem layer mounted on top of
// a block device: path resolution, directories, regular files, and
// device nodes, backed by the Bdev_block_t/Disk_i block strategy and a
// pcache.Pagecache_t block cache. The on-disk inode-table layout is
// deliberately simplified rather than a byte-faithful ext2 image --
// only the mount/inode/path-resolution contract is exercised here
// (see DESIGN.md).
package fs

import "fmt"
import "sync"

import "duskos/defs"
import "duskos/fd"
import "duskos/mem"
import "duskos/pcache"
import "duskos/stat"
import "duskos/stats"
import "duskos/ustr"

const fsmagic = 0x6475736b4653 // "duskFS" in a field, loosely
const sbBlock = 0
const rootBlock = 1
const rootIno = 1

// superblock fields beyond the eight super.go already names; reusing
// the same fieldr/fieldw accessors rather than growing Superblock_t's
// method set for a handful of bookkeeping ints only fs.go touches.
const fldRootBlock = 8
const fldRootSize = 9
const fldNextIno = 10
const fldMagic = 11

// / Fs_t is the mounted filesystem: one block device, its block cache,
// / and the in-memory inode table rooted at "/".
type Fs_t struct {
	sync.Mutex
	bmem      Blockmem_i
	disk      Disk_i
	cons      Cons_i
	cache     *pcache.Pagecache_t
	devid     int
	sblk      *Bdev_block_t
	super     *Superblock_t
	nodes     map[int]*Inode_t
	nextblock int
	nextino   int
	root      *Inode_t
	istats    fsstats_t
}

type fsstats_t struct {
	Nbreadhit  stats.Counter_t
	Nbreadmiss stats.Counter_t
	Nballoc    stats.Counter_t
}

var _ Block_cb_i = (*Fs_t)(nil)

/// Relse is the Block_cb_i callback invoked when a borrowed block is
/// released; it unpins the block in the page cache, making it eligible
/// for the reclaim cascade once nothing else holds it.
func (f *Fs_t) Relse(b *Bdev_block_t, s string) {
	f.cache.Release(pcache.MkKey(f.devid, b.Block))
}

func (f *Fs_t) bread(blockno int) *Bdev_block_t {
	k := pcache.MkKey(f.devid, blockno)
	if v, ok := f.cache.Get(k); ok {
		f.istats.Nbreadhit.Inc()
		return v.(*Bdev_block_t)
	}
	f.istats.Nbreadmiss.Inc()
	blk := MkBlock_newpage(blockno, "fs", f.bmem, f.disk, f)
	blk.Read()
	f.cache.Put(k, blk)
	return blk
}

func (f *Fs_t) allocBlock() int {
	f.Lock()
	defer f.Unlock()
	b := f.nextblock
	f.nextblock++
	f.istats.Nballoc.Inc()
	f.super.SetLastblock(f.nextblock - 1)
	return b
}

func (f *Fs_t) allocIno() int {
	f.Lock()
	defer f.Unlock()
	i := f.nextino
	f.nextino++
	fieldw(f.super.Data, fldNextIno, f.nextino)
	return i
}

func (f *Fs_t) getInode(ino int) *Inode_t {
	f.Lock()
	defer f.Unlock()
	return f.nodes[ino]
}

func (f *Fs_t) putInode(idm *Inode_t) {
	f.Lock()
	defer f.Unlock()
	f.nodes[idm.ino] = idm
}

/// StartFS mounts the filesystem on disk through bmem/disk, reporting
/// console errors (if any) through cons. When fromDisk is true an
/// existing mount is reopened by reading its super block; otherwise a
/// fresh filesystem is formatted first. devid identifies the backing
/// device for callers (vfs) juggling more than one mount at a time;
/// single-mount callers may pass 0.
func StartFS(bmem Blockmem_i, disk Disk_i, cons Cons_i, fromDisk bool, devid int) (*Superblock_t, *Fs_t) {
	f := &Fs_t{}
	f.bmem = bmem
	f.disk = disk
	f.cons = cons
	f.devid = devid
	f.cache = pcache.MkCache(256)
	f.nodes = make(map[int]*Inode_t)
	mem.RegisterReclaimer(f.cache)

	sblk := MkBlock_newpage(sbBlock, "super", bmem, disk, f)
	f.sblk = sblk
	f.super = &Superblock_t{Data: sblk.Data}
	// the super block is pinned for the life of the mount: Put's
	// initial pin is never matched by a Relse, since nothing reaches it
	// through bread/Done.
	f.cache.Put(pcache.MkKey(f.devid, sbBlock), sblk)

	mounted := false
	if fromDisk {
		sblk.Read()
		if fieldr(sblk.Data, fldMagic) == fsmagic {
			f.nextblock = f.super.Lastblock() + 1
			f.nextino = fieldr(sblk.Data, fldNextIno)
			rb := fieldr(sblk.Data, fldRootBlock)
			rs := fieldr(sblk.Data, fldRootSize)
			root := &Inode_t{ino: rootIno, itype: I_DIR, mode: 0755, size: rs, fs: f}
			root.blocks = []int{rb}
			f.root = root
			f.putInode(root)
			mounted = true
		}
	}
	if !mounted {
		f.nextblock = rootBlock + 1
		f.nextino = rootIno + 1
		root := &Inode_t{ino: rootIno, itype: I_DIR, mode: 0755, fs: f}
		root.blocks = []int{rootBlock}
		f.root = root
		f.putInode(root)
		root.dirAdd([]byte("."), rootIno)
		root.dirAdd([]byte(".."), rootIno)

		fieldw(sblk.Data, fldMagic, fsmagic)
		fieldw(sblk.Data, fldRootBlock, rootBlock)
		fieldw(sblk.Data, fldRootSize, root.size)
		fieldw(sblk.Data, fldNextIno, f.nextino)
		f.super.SetLastblock(f.nextblock - 1)
		sblk.Write()
	}
	return f.super, f
}

/// StopFS flushes and releases the mount's resources.
func (f *Fs_t) StopFS() {
	f.Fs_syncapply()
}

func splitPath(p ustr.Ustr) [][]byte {
	var comps [][]byte
	s := string(p)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '/' {
			if i > start {
				comps = append(comps, []byte(s[start:i]))
			}
			start = i + 1
		}
	}
	return comps
}

// walk resolves canon to (parent, lastname, node). When the final
// component does not exist, node is nil but parent/lastname are still
// valid so a creating caller (Fs_open w/ O_CREAT, Fs_mkdir) can add the
// new entry without re-walking.
func (f *Fs_t) walk(canon ustr.Ustr) (parent *Inode_t, name []byte, node *Inode_t, err defs.Err_t) {
	comps := splitPath(canon)
	if len(comps) == 0 {
		return nil, nil, f.root, 0
	}
	cur := f.root
	for i, c := range comps {
		if cur.itype != I_DIR {
			return nil, nil, nil, -defs.ENOTDIR
		}
		ino, ok := cur.dirLookup(c)
		if i == len(comps)-1 {
			if !ok {
				return cur, c, nil, 0
			}
			return cur, c, f.getInode(ino), 0
		}
		if !ok {
			return nil, nil, nil, -defs.ENOENT
		}
		cur = f.getInode(ino)
		if cur == nil {
			return nil, nil, nil, -defs.ENOENT
		}
	}
	return nil, nil, nil, -defs.ENOENT
}

func permsFromFlags(flags int) int {
	p := 0
	switch flags & 3 {
	case int(defs.O_WRONLY):
		p = fd.FD_WRITE
	case int(defs.O_RDWR):
		p = fd.FD_READ | fd.FD_WRITE
	default:
		p = fd.FD_READ
	}
	if flags&int(defs.O_CLOEXEC) != 0 {
		p |= fd.FD_CLOEXEC
	}
	return p
}

/// Fs_open resolves paths relative to cwd and returns an open
/// descriptor, creating a new file or device node (major/minor
/// non-zero) when flags carries O_CREAT and the path does not exist.
func (f *Fs_t) Fs_open(paths ustr.Ustr, flags int, mode int, cwd *fd.Cwd_t, major, minor int) (*fd.Fd_t, defs.Err_t) {
	canon := cwd.Canonicalpath(paths)
	parent, name, node, err := f.walk(canon)
	if err != 0 {
		return nil, err
	}
	if node == nil {
		if flags&int(defs.O_CREAT) == 0 {
			return nil, -defs.ENOENT
		}
		if parent == nil {
			return nil, -defs.ENOENT
		}
		ino := f.allocIno()
		itype := I_FILE
		if major != 0 || minor != 0 {
			itype = I_DEV
		}
		nn := &Inode_t{ino: ino, itype: itype, mode: mode & 0777, major: major, minor: minor, links: 1, fs: f}
		f.putInode(nn)
		if err := parent.dirAdd(name, ino); err != 0 {
			return nil, err
		}
		node = nn
	} else {
		if flags&int(defs.O_CREAT) != 0 && flags&int(defs.O_EXCL) != 0 {
			return nil, -defs.EEXIST
		}
		if node.itype == I_DIR && flags&3 != int(defs.O_RDONLY) {
			return nil, -defs.EISDIR
		}
		if flags&int(defs.O_TRUNC) != 0 && node.itype == I_FILE {
			node.Itrunc(0)
		}
	}
	ffd := &fileFd_t{fs: f, idm: node, flags: flags, path: string(canon)}
	return &fd.Fd_t{Fops: ffd, Perms: permsFromFlags(flags)}, 0
}

/// Fs_mkdir creates a new empty directory at paths.
func (f *Fs_t) Fs_mkdir(paths ustr.Ustr, mode int, cwd *fd.Cwd_t) defs.Err_t {
	canon := cwd.Canonicalpath(paths)
	parent, name, node, err := f.walk(canon)
	if err != 0 {
		return err
	}
	if node != nil {
		return -defs.EEXIST
	}
	if parent == nil {
		return -defs.ENOENT
	}
	ino := f.allocIno()
	nd := &Inode_t{ino: ino, itype: I_DIR, mode: mode & 0777, links: 1, fs: f}
	f.putInode(nd)
	nd.dirAdd([]byte("."), ino)
	nd.dirAdd([]byte(".."), parent.ino)
	return parent.dirAdd(name, ino)
}

/// Fs_rename moves oldp to newp, both resolved relative to cwd.
func (f *Fs_t) Fs_rename(oldp, newp ustr.Ustr, cwd *fd.Cwd_t) defs.Err_t {
	oldcanon := cwd.Canonicalpath(oldp)
	newcanon := cwd.Canonicalpath(newp)
	oldparent, oldname, oldnode, err := f.walk(oldcanon)
	if err != 0 {
		return err
	}
	if oldnode == nil {
		return -defs.ENOENT
	}
	newparent, newname, newnode, err := f.walk(newcanon)
	if err != 0 {
		return err
	}
	if newparent == nil {
		return -defs.ENOENT
	}
	if newnode != nil {
		if newnode.itype == I_DIR && !newnode.dirEmpty() {
			return -defs.ENOTEMPTY
		}
		newparent.dirDel(newname)
	}
	if err := newparent.dirAdd(newname, oldnode.ino); err != 0 {
		return err
	}
	return oldparent.dirDel(oldname)
}

/// Fs_unlink removes the entry at paths; isdir must agree with the
/// entry's actual type.
func (f *Fs_t) Fs_unlink(paths ustr.Ustr, cwd *fd.Cwd_t, isdir bool) defs.Err_t {
	canon := cwd.Canonicalpath(paths)
	parent, name, node, err := f.walk(canon)
	if err != 0 {
		return err
	}
	if node == nil {
		return -defs.ENOENT
	}
	if isdir && node.itype != I_DIR {
		return -defs.ENOTDIR
	}
	if !isdir && node.itype == I_DIR {
		return -defs.EISDIR
	}
	if isdir && !node.dirEmpty() {
		return -defs.ENOTEMPTY
	}
	return parent.dirDel(name)
}

/// Fs_stat fills st with the metadata of the entry at paths.
func (f *Fs_t) Fs_stat(paths ustr.Ustr, st *stat.Stat_t, cwd *fd.Cwd_t) defs.Err_t {
	canon := cwd.Canonicalpath(paths)
	_, _, node, err := f.walk(canon)
	if err != 0 {
		return err
	}
	if node == nil {
		return -defs.ENOENT
	}
	node.Lock()
	st.Wino(uint(node.ino))
	st.Wsize(uint(node.size))
	st.Wdev(uint(f.devid))
	st.Wmode(modeFor(node))
	if node.itype == I_DEV {
		st.Wrdev(defs.Mkdev(node.major, node.minor))
	}
	node.Unlock()
	return 0
}

/// Fs_sync flushes the block device write-behind queue.
func (f *Fs_t) Fs_sync() defs.Err_t {
	req := MkRequest(MkBlkList(), BDEV_FLUSH, true)
	if f.disk.Start(req) {
		<-req.AckCh
	}
	return 0
}

/// Fs_syncapply is Fs_sync; this filesystem writes each block through
/// synchronously (see Inode_t.Iwrite), so there is no separate log to
/// apply.
func (f *Fs_t) Fs_syncapply() defs.Err_t {
	return f.Fs_sync()
}

/// Fs_statistics reports basic mount-level counters.
func (f *Fs_t) Fs_statistics() string {
	f.Lock()
	defer f.Unlock()
	return fmt.Sprintf("inodes %d blocks %d cached %d", len(f.nodes), f.nextblock, f.cache.Len()) +
		stats.Stats2String(f.istats)
}

/// Fs_evict drops every cached block belonging to this mount except
/// the super block, which it puts back, forcing the next access to any
/// other block to re-read from disk. ufs.Ufs_t.Evict calls it;
/// vfs.Table_t.Unmount uses RemoveCachedDiskPages instead.
func (f *Fs_t) Fs_evict() {
	f.cache.RemoveDisk(f.devid)
	// the super block is pinned for the life of the mount
	f.cache.Put(pcache.MkKey(f.devid, sbBlock), f.sblk)
}

/// RemoveCachedDiskPages evicts every page cache entry for this mount's
/// device, for the one device this Fs_t owns. Called from vfs.Table_t.Unmount
/// so a later mount reusing the same device id never observes a stale
/// cached block left behind by the previous mount.
func (f *Fs_t) RemoveCachedDiskPages() int {
	return f.cache.RemoveDisk(f.devid)
}

/// Devid returns the device id this mount was started with.
func (f *Fs_t) Devid() int {
	return f.devid
}

/// Sizes reports the number of live inodes and cached blocks.
func (f *Fs_t) Sizes() (int, int) {
	f.Lock()
	defer f.Unlock()
	return len(f.nodes), f.cache.Len()
}

/// MkRootCwd constructs a Cwd_t rooted at this mount's root directory.
func (f *Fs_t) MkRootCwd() *fd.Cwd_t {
	ffd := &fileFd_t{fs: f, idm: f.root, flags: int(defs.O_RDONLY), path: "/"}
	rfd := &fd.Fd_t{Fops: ffd, Perms: fd.FD_READ}
	return fd.MkRootCwd(rfd)
}
