package vfs

import (
	"testing"

	"duskos/defs"
	"duskos/fs"
)

func TestMountRootThenSub(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Mount(2, "/mnt", &fs.Fs_t{}, 0, "rw"); err != 0 {
		t.Fatalf("mount /mnt: %d", err)
	}
	m, rel, err := tbl.Resolve([]byte("/mnt/foo"))
	if err != 0 {
		t.Fatalf("resolve: %d", err)
	}
	if m.Dev != 2 {
		t.Fatalf("expected dev 2, got %d", m.Dev)
	}
	if rel.String() != "/foo" {
		t.Fatalf("expected /foo, got %q", rel.String())
	}
}

func TestMountBusyDevTwice(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Mount(2, "/mnt", &fs.Fs_t{}, 0, "rw"); err != 0 {
		t.Fatalf("first mount: %d", err)
	}
	if err := tbl.Mount(2, "/other", &fs.Fs_t{}, 0, "rw"); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY, got %d", err)
	}
}

func TestUnmountRootRefused(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Unmount(1, 0); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY unmounting root, got %d", err)
	}
}

func TestUnmountMissingDev(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Unmount(99, 0); err != -defs.ENODEV {
		t.Fatalf("expected ENODEV, got %d", err)
	}
}

func TestMountSameMountpointTwiceRefused(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Mount(2, "/mnt", &fs.Fs_t{}, 0, "rw"); err != 0 {
		t.Fatalf("first mount: %d", err)
	}
	if err := tbl.Mount(3, "/mnt", &fs.Fs_t{}, 0, "rw"); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY remounting same point with new dev, got %d", err)
	}
}

func TestMountRootMountpointRefused(t *testing.T) {
	tbl := NewTable(1, &fs.Fs_t{})
	if err := tbl.Mount(2, "/", &fs.Fs_t{}, 0, "rw"); err != -defs.EBUSY {
		t.Fatalf("expected EBUSY remounting root as a fresh dev, got %d", err)
	}
}
