package loop

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"duskos/blkdev"
	"duskos/defs"
)

func mkbacking(t *testing.T, size int64) *os.File {
	t.Helper()
	p := filepath.Join(t.TempDir(), "backing.img")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.Truncate(size); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// one bootable linux-type MBR entry: lba 1, 0x3fff sectors.
var mbrEntry = []byte{
	0x80, 0x01, 0x01, 0x00, 0x83, 0xFE, 0xFF, 0xFF,
	0x01, 0x00, 0x00, 0x00, 0xFF, 0x3F, 0x00, 0x00,
}

func writeMBR(t *testing.T, f *os.File, entry []byte) {
	t.Helper()
	if _, err := f.WriteAt(entry, 0x1BE); err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteAt([]byte{0x55, 0xAA}, 0x1FE); err != nil {
		t.Fatal(err)
	}
}

func TestConfigurePartscanFindsMBRPartition(t *testing.T) {
	f := mkbacking(t, 10<<20)
	writeMBR(t, f, mbrEntry)

	d := New(0)
	if err := d.Configure(Config{File: f, Flags: FlagsPartscan}); err != 0 {
		t.Fatalf("configure: %d", err)
	}
	parts := d.Partitions()
	if len(parts) != 1 {
		t.Fatalf("expected exactly one partition, got %d", len(parts))
	}
	if parts[0].Lba != 1 || parts[0].TotalSectors != 0x3FFF {
		t.Fatalf("bad extent: lba=%d sectors=%#x", parts[0].Lba, parts[0].TotalSectors)
	}
	if parts[0].Minor != 1 {
		t.Fatalf("expected minor 1, got %d", parts[0].Minor)
	}
}

func TestScanPartitionsFollowsGPT(t *testing.T) {
	f := mkbacking(t, 10<<20)

	// protective MBR: system id 0xEE, header at LBA 1
	pmbr := make([]byte, 16)
	pmbr[4] = 0xEE
	binary.LittleEndian.PutUint32(pmbr[8:], 1)
	writeMBR(t, f, pmbr)

	hdr := make([]byte, sectorSize)
	copy(hdr, "EFI PART")
	binary.LittleEndian.PutUint64(hdr[0x48:], 2)   // entries at LBA 2
	binary.LittleEndian.PutUint32(hdr[0x50:], 2)   // two entries
	binary.LittleEndian.PutUint32(hdr[0x54:], 128) // of 128 bytes each
	if _, err := f.WriteAt(hdr, 1*sectorSize); err != nil {
		t.Fatal(err)
	}

	// entry 0: in use (nonzero GUID), [34, 100]; entry 1: all-zero GUID,
	// must be skipped
	entries := make([]byte, 2*128)
	entries[0] = 0x42
	binary.LittleEndian.PutUint64(entries[32:], 34)
	binary.LittleEndian.PutUint64(entries[40:], 100)
	if _, err := f.WriteAt(entries, 2*sectorSize); err != nil {
		t.Fatal(err)
	}

	d := New(2)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	if err := d.ScanPartitions(); err != 0 {
		t.Fatalf("scan: %d", err)
	}
	parts := d.Partitions()
	if len(parts) != 1 {
		t.Fatalf("expected one used GPT entry, got %d", len(parts))
	}
	if parts[0].Lba != 34 || parts[0].TotalSectors != 67 {
		t.Fatalf("bad extent: lba=%d sectors=%d", parts[0].Lba, parts[0].TotalSectors)
	}
	if parts[0].Minor != 2*16+1 {
		t.Fatalf("expected minor %d, got %d", 2*16+1, parts[0].Minor)
	}
}

func TestScanPartitionsRejectsBadGPTSignature(t *testing.T) {
	f := mkbacking(t, 1<<20)
	pmbr := make([]byte, 16)
	pmbr[4] = 0xEE
	binary.LittleEndian.PutUint32(pmbr[8:], 1)
	writeMBR(t, f, pmbr)

	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	if err := d.ScanPartitions(); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL for missing EFI PART signature, got %d", err)
	}
}

func TestStrategyRoundTrip(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}

	want := make([]byte, 2*sectorSize)
	for i := range want {
		want[i] = byte(i * 7)
	}
	w := &blkdev.Request{Blockno: 3, BytesPerFsBlock: sectorSize, Buffer: want, Bytes: len(want), Write: true}
	if err := d.Strategy(w); err != 0 {
		t.Fatalf("write: %d", err)
	}

	got := make([]byte, len(want))
	r := &blkdev.Request{Blockno: 3, BytesPerFsBlock: sectorSize, Buffer: got, Bytes: len(got)}
	if err := d.Strategy(r); err != 0 {
		t.Fatalf("read: %d", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatal("read back different bytes than written")
	}
}

func TestStrategyReadOnlyRefusesWrite(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.Configure(Config{File: f, Flags: FlagsReadOnly}); err != 0 {
		t.Fatalf("configure: %d", err)
	}
	req := &blkdev.Request{Blockno: 0, BytesPerFsBlock: sectorSize, Buffer: make([]byte, sectorSize), Bytes: sectorSize, Write: true}
	if err := d.Strategy(req); err != -defs.EROFS {
		t.Fatalf("expected EROFS, got %d", err)
	}
}

func TestStrategyBoundsAgainstSizelimit(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.Configure(Config{File: f, Sizelimit: 4 * sectorSize}); err != 0 {
		t.Fatalf("configure: %d", err)
	}
	req := &blkdev.Request{Blockno: 4, BytesPerFsBlock: sectorSize, Buffer: make([]byte, sectorSize), Bytes: sectorSize}
	if err := d.Strategy(req); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL past sizelimit, got %d", err)
	}
}

func TestClrFdRundownWaitsForLastClose(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	if err := d.Open(0); err != 0 {
		t.Fatalf("open: %d", err)
	}
	if err := d.ClrFd(); err != 0 {
		t.Fatalf("clrfd: %d", err)
	}
	// an opener still holds the device: the backing file must survive
	if _, err := d.GetStatus(); err != 0 {
		t.Fatalf("expected device still bound under rundown, got %d", err)
	}
	if err := d.Close(0); err != 0 {
		t.Fatalf("close: %d", err)
	}
	if _, err := d.GetStatus(); err != -defs.ENXIO {
		t.Fatalf("expected unbound after last close, got %d", err)
	}
}

func TestClrFdUnbindsImmediatelyWithNoOpeners(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	if err := d.ClrFd(); err != 0 {
		t.Fatalf("clrfd: %d", err)
	}
	if _, err := d.GetStatus(); err != -defs.ENXIO {
		t.Fatalf("expected unbound, got %d", err)
	}
	// and an unbound device can be bound again
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("rebind: %d", err)
	}
}

func TestSetFdRequiresUnbound(t *testing.T) {
	f := mkbacking(t, 1<<20)
	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	if err := d.SetFd(f); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY on double bind, got %d", err)
	}
}

func TestBlkRrPartIoctlRescans(t *testing.T) {
	f := mkbacking(t, 10<<20)
	writeMBR(t, f, mbrEntry)

	d := New(0)
	if err := d.SetFd(f); err != 0 {
		t.Fatalf("setfd: %d", err)
	}
	blkdev.RegisterMajor(blkdev.MajLoop, d)
	defer blkdev.UnregisterMajor(blkdev.MajLoop)

	if _, err := blkdev.Ioctl(blkdev.MajLoop, 0, CmdBlkRrPart, 0); err != 0 {
		t.Fatalf("blkrrpart: %d", err)
	}
	if len(d.Partitions()) != 1 {
		t.Fatal("expected the rescan to find the MBR partition")
	}

	// grow the table and rescan: the second entry must appear
	second := make([]byte, 16)
	second[4] = 0x83
	binary.LittleEndian.PutUint32(second[8:], 0x4000)
	binary.LittleEndian.PutUint32(second[12:], 0x100)
	if _, err := f.WriteAt(second, 0x1CE); err != nil {
		t.Fatal(err)
	}
	if _, err := blkdev.Ioctl(blkdev.MajLoop, 0, CmdBlkRrPart, 0); err != 0 {
		t.Fatalf("second blkrrpart: %d", err)
	}
	parts := d.Partitions()
	if len(parts) != 2 {
		t.Fatalf("expected two partitions after rescan, got %d", len(parts))
	}
	if parts[1].Lba != 0x4000 || parts[1].TotalSectors != 0x100 {
		t.Fatalf("bad second extent: lba=%#x sectors=%#x", parts[1].Lba, parts[1].TotalSectors)
	}
}

func TestIoctlUnknownCommandIsEINVAL(t *testing.T) {
	d := New(0)
	if _, err := d.Ioctl(0, 0xffff, 0); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL, got %d", err)
	}
}
