package vm

import (
	"sync"
	"testing"

	"duskos/mem"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { mem.Phys_init(512) })
}

func mkas(t *testing.T) *Vm_t {
	t.Helper()
	ensurePhys()
	as := &Vm_t{}
	pmap, ppmap, ok := mem.Physmem.Pmap_new()
	if !ok {
		t.Fatal("pmap_new failed")
	}
	as.Pmap, as.P_pmap = pmap, ppmap
	return as
}

func lookupPte(t *testing.T, as *Vm_t, va int) mem.Pa_t {
	t.Helper()
	as.Lock_pmap()
	defer as.Unlock_pmap()
	pte := Pmap_lookup(as.Pmap, va)
	if pte == nil {
		t.Fatalf("no pte at %#x", va)
	}
	return *pte
}

func TestForkCopyOnWriteIsolation(t *testing.T) {
	parent := mkas(t)
	va := mem.USERMIN
	parent.Vmadd_anon(va, mem.PGSIZE, PTE_U|PTE_W)
	if err := parent.K2user([]byte{0x42}, va); err != 0 {
		t.Fatalf("pre-fork write: %d", err)
	}

	child, err := parent.Fork()
	if err != 0 {
		t.Fatalf("fork: %d", err)
	}

	ppte := lookupPte(t, parent, va)
	cpte := lookupPte(t, child, va)
	if ppte&PTE_ADDR != cpte&PTE_ADDR {
		t.Fatal("expected parent and child to share the frame after fork")
	}
	if ppte&PTE_COW == 0 || cpte&PTE_COW == 0 {
		t.Fatal("expected COW set on both sides")
	}
	if ppte&PTE_W != 0 || cpte&PTE_W != 0 {
		t.Fatal("expected writable cleared on both sides")
	}

	b, rerr := child.Userdmap8r(va)
	if rerr != 0 || b[0] != 0x42 {
		t.Fatalf("child should read the pre-fork byte, got %#x err=%d", b[0], rerr)
	}

	// the parent's post-fork write must break sharing with exactly one
	// fresh data frame and stay invisible to the child
	free := mem.Physmem.Get_free_block_count()
	if err := parent.K2user([]byte{0x99}, va); err != 0 {
		t.Fatalf("post-fork write: %d", err)
	}
	if d := free - mem.Physmem.Get_free_block_count(); d != 1 {
		t.Fatalf("expected the copy to take exactly one frame, took %d", d)
	}

	cb, cerr := child.Userdmap8r(va)
	if cerr != 0 || cb[0] != 0x42 {
		t.Fatalf("child observed the parent's post-fork write: %#x err=%d", cb[0], cerr)
	}
	pb, perr := parent.Userdmap8r(va)
	if perr != 0 || pb[0] != 0x99 {
		t.Fatalf("parent lost its own write: %#x err=%d", pb[0], perr)
	}
}

func TestForkSharedAnonStaysShared(t *testing.T) {
	parent := mkas(t)
	va := mem.USERMIN + 0x10000

	parent.Vmadd_shareanon(va, mem.PGSIZE, PTE_U|PTE_W)
	pg, p_pg, ok := mem.Physmem.Refpg_new()
	if !ok {
		t.Fatal("refpg_new failed")
	}
	pg[0] = 0x11
	parent.Lock_pmap()
	if _, ins := parent.Page_insert(va, p_pg, PTE_U|PTE_W, true, nil); !ins {
		parent.Unlock_pmap()
		t.Fatal("page_insert failed")
	}
	parent.Unlock_pmap()

	child, err := parent.Fork()
	if err != 0 {
		t.Fatalf("fork: %d", err)
	}

	cpte := lookupPte(t, child, va)
	if cpte&PTE_COW != 0 || cpte&PTE_W == 0 {
		t.Fatal("shared mapping must stay writable, not COW")
	}

	if werr := parent.K2user([]byte{0x77}, va); werr != 0 {
		t.Fatalf("parent write: %d", werr)
	}
	cb, cerr := child.Userdmap8r(va)
	if cerr != 0 || cb[0] != 0x77 {
		t.Fatalf("expected child to see the shared write, got %#x err=%d", cb[0], cerr)
	}
}

func TestForkFailsClosedAtShareCap(t *testing.T) {
	parent := mkas(t)
	va := mem.USERMIN + 0x20000
	parent.Vmadd_anon(va, mem.PGSIZE, PTE_U|PTE_W)
	if err := parent.K2user([]byte{1}, va); err != 0 {
		t.Fatalf("populate: %d", err)
	}

	parent.Lock_pmap()
	pte := Pmap_lookup(parent.Pmap, va)
	p_pg := *pte & PTE_ADDR
	parent.Unlock_pmap()

	// saturate the frame's share count
	var bumps int
	for mem.Physmem.Inc_frame_shares(p_pg) {
		bumps++
	}
	defer func() {
		for i := 0; i < bumps; i++ {
			mem.Physmem.Refdown(p_pg)
		}
	}()

	if _, err := parent.Fork(); err == 0 {
		t.Fatal("expected fork to fail once the frame's share count is saturated")
	}
}
