package fs

import "encoding/binary"

import "duskos/ustr"

// Each directory block holds a flat array of fixed-size entries: an
// 8-byte inode number followed by a NUL-padded name. This is the same
// shape mkfs would lay out on disk, just invented here rather than
// carried over byte-for-byte from a real ext2 image (see DESIGN.md).
const direntsz = 64
const namelen = direntsz - 8

// / NDIRENTS is the number of directory entries that fit in one block.
const NDIRENTS = BSIZE / direntsz

// / Dirdata_t views a raw block (or run of blocks) as an array of
// / directory entries.
type Dirdata_t struct {
	Data []uint8
}

func (dd *Dirdata_t) off(didx int) int {
	return didx * direntsz
}

// / Filename returns the name stored in entry didx, or an empty Ustr
// / if the slot is unused.
func (dd *Dirdata_t) Filename(didx int) ustr.Ustr {
	off := dd.off(didx)
	return ustr.MkUstrSlice(dd.Data[off+8 : off+direntsz])
}

// / Inodenext returns the inode number stored in entry didx.
func (dd *Dirdata_t) Inodenext(didx int) int {
	off := dd.off(didx)
	return int(binary.LittleEndian.Uint64(dd.Data[off : off+8]))
}

// / Winodenext stores ino in entry didx.
func (dd *Dirdata_t) Winodenext(didx int, ino int) {
	off := dd.off(didx)
	binary.LittleEndian.PutUint64(dd.Data[off:off+8], uint64(ino))
}

// / Wfilename stores fn (truncated to namelen) in entry didx and zeroes
// / the remainder of the name field.
func (dd *Dirdata_t) Wfilename(didx int, fn ustr.Ustr) {
	off := dd.off(didx)
	field := dd.Data[off+8 : off+direntsz]
	for i := range field {
		field[i] = 0
	}
	n := len(fn)
	if n > namelen-1 {
		n = namelen - 1
	}
	copy(field, fn[:n])
}
