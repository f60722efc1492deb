package fs

import "sync"

import "duskos/defs"
import "duskos/fdops"

// / itype_t enumerates the kines of inode this filesystem knows about.
type itype_t int

const (
	I_INVALID itype_t = 0
	I_FILE    itype_t = 1
	I_DIR     itype_t = 2
	I_DEV     itype_t = 3
)

// / Inode_t is the in-memory representation of a file or directory.
// / Its metadata (type, size, link count, block list) lives only in
// / memory and in the super block's bookkeeping fields; only the file
// / and directory *data* blocks are addressed on the backing disk
// / (see DESIGN.md: the on-disk inode-table layout is out of scope).
type Inode_t struct {
	sync.Mutex
	ino    int
	itype  itype_t
	mode   int
	size   int
	major  int
	minor  int
	links  int32
	blocks []int
	fs     *Fs_t
}

func (idm *Inode_t) nblocks() int {
	return (idm.size + BSIZE - 1) / BSIZE
}

// getblock returns the Bdev_block_t backing logical block lba of idm,
// allocating and zeroing a new disk block first if create is true and
// the block does not yet exist.
func (idm *Inode_t) getblock(lba int, create bool) (*Bdev_block_t, defs.Err_t) {
	if lba < len(idm.blocks) {
		return idm.fs.bread(idm.blocks[lba]), 0
	}
	if !create {
		return nil, -defs.EINVAL
	}
	for len(idm.blocks) <= lba {
		nb := idm.fs.allocBlock()
		idm.blocks = append(idm.blocks, nb)
	}
	blk := idm.fs.bread(idm.blocks[lba])
	for i := range blk.Data {
		blk.Data[i] = 0
	}
	return blk, 0
}

// / Iread copies min(len(dst), size-offset) bytes starting at offset
// / into dst's underlying sink and returns the number of bytes copied.
func (idm *Inode_t) Iread(dst fdops.Userio_i, offset int) (int, defs.Err_t) {
	idm.Lock()
	defer idm.Unlock()

	if offset >= idm.size {
		return 0, 0
	}
	left := idm.size - offset
	did := 0
	for left > 0 {
		lba := (offset + did) / BSIZE
		boff := (offset + did) % BSIZE
		blk, err := idm.getblock(lba, false)
		if err != 0 {
			return did, err
		}
		n := BSIZE - boff
		if n > left {
			n = left
		}
		wrote, err := dst.Uiowrite(blk.Data[boff : boff+n])
		blk.Done("Iread")
		if err != 0 {
			return did, err
		}
		did += wrote
		left -= wrote
		if wrote < n {
			break
		}
	}
	return did, 0
}

// / Iwrite copies src into idm starting at offset, growing the file and
// / allocating new blocks as needed, and returns the number of bytes
// / written.
func (idm *Inode_t) Iwrite(src fdops.Userio_i, offset int) (int, defs.Err_t) {
	idm.Lock()
	defer idm.Unlock()

	did := 0
	for src.Remain() > 0 {
		lba := (offset + did) / BSIZE
		boff := (offset + did) % BSIZE
		blk, err := idm.getblock(lba, true)
		if err != 0 {
			return did, err
		}
		n := BSIZE - boff
		if n > src.Remain() {
			n = src.Remain()
		}
		got, err := src.Uioread(blk.Data[boff : boff+n])
		if err != 0 {
			blk.Done("Iwrite")
			return did, err
		}
		blk.Write()
		blk.Done("Iwrite")
		did += got
		if offset+did > idm.size {
			idm.size = offset + did
		}
		if got < n {
			break
		}
	}
	return did, 0
}

// / Itrunc shrinks or grows the apparent size of idm to newlen. Shrinks
// / release no blocks back to the free list (a real allocator would;
// / this one never reclaims, matching allocBlock's bump-pointer scheme).
func (idm *Inode_t) Itrunc(newlen uint) defs.Err_t {
	idm.Lock()
	defer idm.Unlock()
	idm.size = int(newlen)
	return 0
}

// dirLookup scans idm's directory blocks for name and returns its
// inode number, or false if absent. idm must be a directory.
func (idm *Inode_t) dirLookup(name []byte) (int, bool) {
	for lba := 0; lba < idm.nblocks(); lba++ {
		blk, err := idm.getblock(lba, false)
		if err != 0 {
			break
		}
		dd := Dirdata_t{blk.Data[:]}
		for j := 0; j < NDIRENTS; j++ {
			fn := dd.Filename(j)
			if len(fn) > 0 && fn.Eq(name) {
				ino := dd.Inodenext(j)
				blk.Done("dirLookup")
				return ino, true
			}
		}
		blk.Done("dirLookup")
	}
	return 0, false
}

// dirAdd inserts name -> ino into idm's directory content, growing it
// by a block if every existing slot is occupied.
func (idm *Inode_t) dirAdd(name []byte, ino int) defs.Err_t {
	for lba := 0; ; lba++ {
		create := lba >= idm.nblocks()
		blk, err := idm.getblock(lba, true)
		if err != 0 {
			return err
		}
		if create {
			idm.size = (lba + 1) * BSIZE
		}
		dd := Dirdata_t{blk.Data[:]}
		for j := 0; j < NDIRENTS; j++ {
			if len(dd.Filename(j)) == 0 {
				dd.Wfilename(j, name)
				dd.Winodenext(j, ino)
				blk.Write()
				blk.Done("dirAdd")
				return 0
			}
		}
		blk.Done("dirAdd")
	}
}

// dirDel removes name from idm's directory content.
func (idm *Inode_t) dirDel(name []byte) defs.Err_t {
	for lba := 0; lba < idm.nblocks(); lba++ {
		blk, err := idm.getblock(lba, false)
		if err != 0 {
			return err
		}
		dd := Dirdata_t{blk.Data[:]}
		for j := 0; j < NDIRENTS; j++ {
			if fn := dd.Filename(j); len(fn) > 0 && fn.Eq(name) {
				dd.Wfilename(j, nil)
				dd.Winodenext(j, 0)
				blk.Write()
				blk.Done("dirDel")
				return 0
			}
		}
		blk.Done("dirDel")
	}
	return -defs.ENOENT
}

// dirEmpty reports whether idm (a directory) has any entries besides
// "." and "..".
func (idm *Inode_t) dirEmpty() bool {
	for lba := 0; lba < idm.nblocks(); lba++ {
		blk, err := idm.getblock(lba, false)
		if err != 0 {
			return true
		}
		dd := Dirdata_t{blk.Data[:]}
		for j := 0; j < NDIRENTS; j++ {
			fn := dd.Filename(j)
			if len(fn) > 0 && !fn.Isdot() && !fn.Isdotdot() {
				blk.Done("dirEmpty")
				return false
			}
		}
		blk.Done("dirEmpty")
	}
	return true
}
