package vdso

import (
	"sync"
	"testing"
	"time"

	"duskos/defs"
	"duskos/mem"
	"duskos/vm"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { mem.Phys_init(256) })
}

func mkvm(t *testing.T) *vm.Vm_t {
	t.Helper()
	ensurePhys()
	as := &vm.Vm_t{}
	pmap, ppmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		t.Fatal("pmap_new failed")
	}
	as.Pmap, as.P_pmap = pmap, ppmap
	return as
}

func TestInitIsIdempotent(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	firstData := st.dataPA
	if err := Init(); err != 0 {
		t.Fatalf("second init: %d", err)
	}
	if st.dataPA != firstData {
		t.Fatal("second Init reallocated the data page")
	}
}

func TestTickUpdatesMonotonic(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	Tick(1, 5*time.Second)
	mono, _ := Now()
	if mono != 5*time.Second {
		t.Fatalf("expected 5s, got %v", mono)
	}
}

func TestNowFoldsStartupIntoRealtime(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	st.mu.Lock()
	st.startupSec = 1000
	st.mu.Unlock()
	Tick(1, 3*time.Second)

	mono, real := Now()
	if mono != 3*time.Second {
		t.Fatalf("expected 3s mono, got %v", mono)
	}
	if real.Unix() != 1003 {
		t.Fatalf("expected realtime 1003, got %d", real.Unix())
	}
}

func TestReadUserRejectsUnknownClock(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	as := mkvm(t)
	if err := ReadUser(as, 99, 0); err != -defs.EINVAL {
		t.Fatalf("expected EINVAL, got %d", err)
	}
}

func TestReadUserWritesMonotonicTimespec(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	Tick(1, 7*time.Second)
	as := mkvm(t)
	as.Vmadd_anon(0x1000, mem.PGSIZE, mem.PTE_U|mem.PTE_W)

	if err := ReadUser(as, CLOCK_MONOTONIC, 0x1000); err != 0 {
		t.Fatalf("readuser: %d", err)
	}
	secs, err := as.Userreadn(0x1000, 8)
	if err != 0 {
		t.Fatalf("userreadn: %d", err)
	}
	if secs != 7 {
		t.Fatalf("expected 7, got %d", secs)
	}
}

func TestMapAttachesSharedCodeAndDataPages(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	as := mkvm(t)

	ehdr, err := Map(as)
	if err != 0 {
		t.Fatalf("map: %d", err)
	}
	if ehdr != vdsoBase {
		t.Fatalf("unexpected ehdr va %#x", ehdr)
	}

	as.Lock_pmap()
	hdr, uerr := as.Userdmap8_inner(int(ehdr), false)
	as.Unlock_pmap()
	if uerr != 0 {
		t.Fatalf("userdmap8: %d", uerr)
	}
	if hdr[0] != 0x7f || hdr[1] != 'E' || hdr[2] != 'L' || hdr[3] != 'F' {
		t.Fatalf("expected ELF magic at mapped ehdr, got %v", hdr[:4])
	}

	dataVA := int(vdsoBase) + codePages*mem.PGSIZE
	as.Lock_pmap()
	_, uerr = as.Userdmap8_inner(dataVA, false)
	as.Unlock_pmap()
	if uerr != 0 {
		t.Fatalf("data page not mapped: %d", uerr)
	}
}

func TestMapIsPerAddressSpace(t *testing.T) {
	ensurePhys()
	if err := Init(); err != 0 {
		t.Fatalf("init: %d", err)
	}
	a := mkvm(t)
	b := mkvm(t)

	if _, err := Map(a); err != 0 {
		t.Fatalf("map a: %d", err)
	}
	if _, err := Map(b); err != 0 {
		t.Fatalf("map b: %d", err)
	}

	a.Lock_pmap()
	_, aerr := a.Userdmap8_inner(int(vdsoBase), false)
	a.Unlock_pmap()
	b.Lock_pmap()
	_, berr := b.Userdmap8_inner(int(vdsoBase), false)
	b.Unlock_pmap()
	if aerr != 0 || berr != 0 {
		t.Fatalf("expected both address spaces mapped independently, got %d %d", aerr, berr)
	}
}
