// Package loop implements the loopback block device: a file-backed
// block device exposing the same blkdev.Major/fs.Disk_i surface as a
// real disk, an ioctl-driven bind/unbind/configure state machine, and
// MBR/GPT partition scanning. Backing-file I/O goes through
// golang.org/x/sys/unix's Pread/Pwrite rather than the
// os.File read/write path, so a request never moves a shared file
// offset.
package loop

import (
	"encoding/binary"
	"os"
	"sync"

	log "github.com/dsoprea/go-logging"
	"golang.org/x/sys/unix"

	"duskos/blkdev"
	"duskos/defs"
	"duskos/fs"
	"duskos/mem"
)

var mlog = log.NewLogger("duskos.loop")

/// State is one of the loopback device's lifecycle states.
type State int

const (
	Unbound State = iota
	Bound
	Rundown
	Deleting
)

// Flags settable via Configure/SetStatus.
const (
	FlagsReadOnly  uint32 = 1 << 0
	FlagsAutoclear uint32 = 1 << 1
	FlagsPartscan  uint32 = 1 << 2
	FlagsDirectIO  uint32 = 1 << 3
)

// Ioctl command numbers. These are this kernel's own enumeration, not
// a copy of Linux's LOOP_* numbering.
const (
	CmdSetFd uint = iota
	CmdClrFd
	CmdConfigure
	CmdChangeFd
	CmdSetStatus
	CmdGetStatus
	CmdSetStatus64
	CmdGetStatus64
	CmdSetCapacity
	CmdSetDirectIO
	CmdSetBlockSize
	CmdBlkRrPart
)

/// Partition describes one MBR or GPT partition discovered on a loop
/// device's backing file. Partitions are kept on the Device (see
/// Partitions); they are not registered with blkdev.
type Partition struct {
	Minor        int
	Lba          uint64
	TotalSectors uint64
}

/// Config is the combined bind+configure payload for CONFIGURE.
type Config struct {
	File      *os.File
	Offset    int64
	Sizelimit int64
	Blocksz   int
	Flags     uint32
}

/// Status is the SET_STATUS/GET_STATUS payload (the 32- and 64-bit
/// ioctl variants share this shape; the bit width only affects how a
/// real syscall ABI would marshal it, which this hosted kernel's
/// in-process Ioctl call does not need to distinguish).
type Status struct {
	Offset    int64
	Sizelimit int64
	Flags     uint32
	Filename  string
}

/// Device is one loopback block device: an index (minor 0 at
/// blkdev.MajLoop), optional backing file, and any partitions scanned
/// from it.
type Device struct {
	mu sync.Mutex

	Index     int
	state     State
	file      *os.File
	offset    int64
	sizelimit int64
	blocksz   int
	flags     uint32
	openers   int

	partitions []Partition
}

var _ blkdev.Major = (*Device)(nil)
var _ fs.Disk_i = (*Device)(nil)

/// New returns an unbound loopback device at the given index.
func New(index int) *Device {
	return &Device{Index: index, state: Unbound, blocksz: fs.BSIZE}
}

/// Open increments the opener count; DELETING rejects new opens.
func (d *Device) Open(minor int) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Deleting {
		return -defs.ENODEV
	}
	d.openers++
	return 0
}

/// Close decrements the opener count, finishing an AUTOCLEAR rundown
/// once the last opener releases the device.
func (d *Device) Close(minor int) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openers > 0 {
		d.openers--
	}
	if d.openers == 0 && d.state == Rundown {
		d._unbindLocked()
	}
	return 0
}

/// SetFd binds fd as the backing file. Requires the device be UNBOUND.
func (d *Device) SetFd(f *os.File) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Unbound {
		return -defs.EBUSY
	}
	fi, err := f.Stat()
	if err != nil {
		return -defs.EINVAL
	}
	if !fi.Mode().IsRegular() && fi.Mode()&os.ModeDevice == 0 {
		return -defs.EINVAL
	}
	d.file = f
	d.blocksz = fs.BSIZE
	d.sizelimit = fi.Size()
	d.state = Bound
	mlog.Debugf(nil, "loop%d: bound to %s", d.Index, fi.Name())
	return 0
}

/// Configure performs a combined bind + status + block size set.
func (d *Device) Configure(cfg Config) defs.Err_t {
	if err := d.SetFd(cfg.File); err != 0 {
		return err
	}
	d.mu.Lock()
	d.offset = cfg.Offset
	if cfg.Sizelimit != 0 {
		d.sizelimit = cfg.Sizelimit
	}
	if cfg.Blocksz != 0 {
		d.blocksz = cfg.Blocksz
	}
	d.flags = cfg.Flags
	doscan := d.flags&FlagsPartscan != 0
	d.mu.Unlock()
	if doscan {
		return d.ScanPartitions()
	}
	return 0
}

/// ChangeFd swaps the backing file for a BOUND, READ_ONLY device of
/// identical size and type.
func (d *Device) ChangeFd(f *os.File) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Bound || d.flags&FlagsReadOnly == 0 {
		return -defs.EINVAL
	}
	fi, err := f.Stat()
	if err != nil {
		return -defs.EINVAL
	}
	oldfi, operr := d.file.Stat()
	if operr != nil {
		return -defs.EINVAL
	}
	if fi.Size() != oldfi.Size() || fi.Mode().IsRegular() != oldfi.Mode().IsRegular() {
		return -defs.EINVAL
	}
	d.file.Close()
	d.file = f
	return 0
}

/// ClrFd requests unbind: marks AUTOCLEAR and, if nothing has the
/// device open, transitions immediately to RUNDOWN (which Close()
/// completes once openers also hits 0; here it is already 0, so the
/// unbind happens inline).
func (d *Device) ClrFd() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Bound {
		return -defs.ENXIO
	}
	d.flags |= FlagsAutoclear
	if d.openers == 0 {
		d._unbindLocked()
	} else {
		d.state = Rundown
	}
	return 0
}

// _unbindLocked transitions BOUND/RUNDOWN -> UNBOUND, closing the
// backing file. Caller holds d.mu.
func (d *Device) _unbindLocked() {
	if d.file != nil {
		d.file.Close()
	}
	d.file = nil
	d.partitions = nil
	d.offset = 0
	d.sizelimit = 0
	d.flags = 0
	d.state = Unbound
}

/// GetStatus returns the current bind status.
func (d *Device) GetStatus() (Status, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == Unbound {
		return Status{}, -defs.ENXIO
	}
	name := ""
	if d.file != nil {
		name = d.file.Name()
	}
	return Status{Offset: d.offset, Sizelimit: d.sizelimit, Flags: d.flags, Filename: name}, 0
}

/// SetStatus updates offset/sizelimit/flags. Only AUTOCLEAR and
/// PARTSCAN are settable here; AUTOCLEAR is also clearable.
func (d *Device) SetStatus(st Status) defs.Err_t {
	d.mu.Lock()
	if d.state == Unbound {
		d.mu.Unlock()
		return -defs.ENXIO
	}
	d.offset = st.Offset
	d.sizelimit = st.Sizelimit
	settable := FlagsAutoclear | FlagsPartscan
	d.flags = (d.flags &^ settable) | (st.Flags & settable)
	d.mu.Unlock()
	return 0
}

/// SetCapacity re-derives sizelimit from the backing file's current
/// size, for a backing file that has grown since bind.
func (d *Device) SetCapacity() defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return -defs.ENXIO
	}
	fi, err := d.file.Stat()
	if err != nil {
		return -defs.EIO
	}
	d.sizelimit = fi.Size()
	return 0
}

/// SetDirectIO toggles the O_DIRECT-like path, fsyncing the backing
/// file at the toggle: any page-cache content for this device must
/// not outlive the switch to bypassing it.
func (d *Device) SetDirectIO(on bool) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return -defs.ENXIO
	}
	if on {
		d.flags |= FlagsDirectIO
	} else {
		d.flags &^= FlagsDirectIO
	}
	if err := d.file.Sync(); err != nil {
		return -defs.EIO
	}
	return 0
}

/// SetBlockSize changes the logical block size; n must not exceed a
/// page. The backing file is flushed first so no stale-sized cache
/// entries survive the change.
func (d *Device) SetBlockSize(n int) defs.Err_t {
	if n <= 0 || n > fs.BSIZE {
		return -defs.EINVAL
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return -defs.ENXIO
	}
	if err := d.file.Sync(); err != nil {
		return -defs.EIO
	}
	d.blocksz = n
	return 0
}

/// Ioctl implements blkdev.Major's closed ioctl command set; unknown
/// commands return EINVAL.
func (d *Device) Ioctl(minor int, cmd uint, arg uintptr) (uintptr, defs.Err_t) {
	switch cmd {
	case CmdSetFd:
		f := os.NewFile(uintptr(arg), "loopfile")
		return 0, d.SetFd(f)
	case CmdClrFd:
		return 0, d.ClrFd()
	case CmdSetCapacity:
		return 0, d.SetCapacity()
	case CmdSetDirectIO:
		return 0, d.SetDirectIO(arg != 0)
	case CmdSetBlockSize:
		return 0, d.SetBlockSize(int(arg))
	case CmdBlkRrPart:
		return 0, d.ScanPartitions()
	default:
		return 0, -defs.EINVAL
	}
}

// Partitions returns a snapshot of the currently scanned partitions.
func (d *Device) Partitions() []Partition {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Partition, len(d.partitions))
	copy(out, d.partitions)
	return out
}

const sectorSize = 512

// ScanPartitions reads LBA 0 of the backing file and follows an MBR
// entry of system id 0xEE to a GPT header, or otherwise walks the
// four MBR entries directly. Neither this nor BLKRRPART checks
// whether the disk or any partition is mounted: a rescan always
// replaces the partition list.
func (d *Device) ScanPartitions() defs.Err_t {
	d.mu.Lock()
	f := d.file
	base := d.offset
	sizelimit := d.sizelimit
	if f == nil {
		d.mu.Unlock()
		return -defs.ENXIO
	}
	d.mu.Unlock()

	mbr := make([]byte, sectorSize)
	if _, err := unix.Pread(int(f.Fd()), mbr, base); err != nil {
		return -defs.EIO
	}

	var parts []Partition
	if mbr[0x1BE+4] == 0xEE {
		hdrLba := binary.LittleEndian.Uint32(mbr[0x1BE+8 : 0x1BE+12])
		hdr := make([]byte, sectorSize)
		if _, err := unix.Pread(int(f.Fd()), hdr, base+int64(hdrLba)*sectorSize); err != nil {
			return -defs.EIO
		}
		if string(hdr[0:8]) != "EFI PART" {
			return -defs.EINVAL
		}
		entryLba := binary.LittleEndian.Uint64(hdr[0x48:0x50])
		entryCount := binary.LittleEndian.Uint32(hdr[0x50:0x54])
		entrySize := binary.LittleEndian.Uint32(hdr[0x54:0x58])
		entries := make([]byte, int(entryCount)*int(entrySize))
		if len(entries) > 0 {
			if _, err := unix.Pread(int(f.Fd()), entries, base+int64(entryLba)*sectorSize); err != nil {
				return -defs.EIO
			}
		}
		for i := uint32(0); i < entryCount; i++ {
			e := entries[i*entrySize : i*entrySize+entrySize]
			guid := e[0:16]
			allzero := true
			for _, b := range guid {
				if b != 0 {
					allzero = false
					break
				}
			}
			if allzero {
				continue
			}
			firstLba := binary.LittleEndian.Uint64(e[32:40])
			lastLba := binary.LittleEndian.Uint64(e[40:48])
			parts = append(parts, Partition{
				Lba:          firstLba,
				TotalSectors: lastLba - firstLba + 1,
			})
		}
	} else {
		for i := 0; i < 4; i++ {
			off := 0x1BE + i*16
			sysid := mbr[off+4]
			if sysid == 0 {
				continue
			}
			lba := binary.LittleEndian.Uint32(mbr[off+8 : off+12])
			sectors := binary.LittleEndian.Uint32(mbr[off+12 : off+16])
			if lba == 0 || sectors == 0 {
				continue
			}
			parts = append(parts, Partition{Lba: uint64(lba), TotalSectors: uint64(sectors)})
		}
	}

	// bound every partition extent against the backing file/sizelimit,
	// exactly as a read/write against one later would be (§4.6).
	for i := range parts {
		end := (parts[i].Lba + parts[i].TotalSectors) * sectorSize
		if sizelimit != 0 && int64(end) > sizelimit {
			return -defs.EINVAL
		}
	}

	d.mu.Lock()
	for i := range parts {
		parts[i].Minor = d.Index*16 + i + 1
	}
	d.partitions = parts
	d.mu.Unlock()
	return 0
}

// fileOffset derives the byte offset of one strategy request against
// the whole disk (part == nil) or a specific scanned partition.
func (d *Device) fileOffset(part *Partition, req *blkdev.Request) int64 {
	base := d.offset
	if part != nil {
		base += int64(part.Lba) * sectorSize
	}
	return base + int64(req.Blockno)*int64(req.BytesPerFsBlock)
}

/// Strategy implements blkdev.Major: the single read/write entry point
/// for the whole disk (no partition context).
func (d *Device) Strategy(req *blkdev.Request) defs.Err_t {
	return d.strategyPart(nil, req)
}

func (d *Device) strategyPart(part *Partition, req *blkdev.Request) defs.Err_t {
	d.mu.Lock()
	f := d.file
	ro := d.flags&FlagsReadOnly != 0
	sizelimit := d.sizelimit
	d.mu.Unlock()
	if f == nil {
		return -defs.ENXIO
	}
	if req.Write && ro {
		return -defs.EROFS
	}
	if req.Bytes%sectorSize != 0 {
		return -defs.EINVAL
	}
	off := d.fileOffset(part, req)
	if sizelimit != 0 && off+int64(req.Bytes) > d.offset+sizelimit {
		return -defs.EINVAL
	}
	var err error
	if req.Write {
		_, err = unix.Pwrite(int(f.Fd()), req.Buffer[:req.Bytes], off)
	} else {
		_, err = unix.Pread(int(f.Fd()), req.Buffer[:req.Bytes], off)
	}
	if err != nil {
		return -defs.EIO
	}
	return 0
}

// Start implements fs.Disk_i, letting a loop device back a mounted
// filesystem directly (as ufs/driver.go's ahci_disk_t does for a plain
// file), synchronously servicing every queued block in the request.
func (d *Device) Start(breq *fs.Bdev_req_t) bool {
	switch breq.Cmd {
	case fs.BDEV_READ:
		for b := breq.Blks.FrontBlock(); b != nil; b = breq.Blks.NextBlock() {
			buf := make([]byte, fs.BSIZE)
			r := &blkdev.Request{Blockno: b.Block, BytesPerFsBlock: fs.BSIZE, Bytes: fs.BSIZE, Buffer: buf}
			if err := d.Strategy(r); err != 0 {
				mlog.Warningf(nil, "loop%d: read block %d failed: %v", d.Index, b.Block, err)
				continue
			}
			data := &mem.Bytepg_t{}
			for i := range buf {
				data[i] = buf[i]
			}
			b.Data = data
		}
	case fs.BDEV_WRITE:
		for b := breq.Blks.FrontBlock(); b != nil; b = breq.Blks.NextBlock() {
			buf := make([]byte, fs.BSIZE)
			for i := range buf {
				buf[i] = byte(b.Data[i])
			}
			r := &blkdev.Request{Blockno: b.Block, BytesPerFsBlock: fs.BSIZE, Bytes: fs.BSIZE, Buffer: buf, Write: true}
			if err := d.Strategy(r); err != 0 {
				mlog.Warningf(nil, "loop%d: write block %d failed: %v", d.Index, b.Block, err)
				continue
			}
			b.Done("loop.Start")
		}
	case fs.BDEV_FLUSH:
		d.mu.Lock()
		f := d.file
		d.mu.Unlock()
		if f != nil {
			f.Sync()
		}
	}
	return false
}

/// Stats returns a short human-readable status string.
func (d *Device) Stats() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return "loop" + itoa(d.Index)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
