package vm

import (
	"testing"

	"duskos/defs"
)

func mkvmr(t *testing.T, specs ...[2]int) *Vmregion_t {
	t.Helper()
	vmr := &Vmregion_t{}
	for _, s := range specs {
		vmr.insert(&Vminfo_t{Mtype: VANON, Pgn: uintptr(s[0]), Pglen: s[1], Perms: uint(PTE_U | PTE_W)})
	}
	return vmr
}

func TestAllocAndAttachRejectsOverlap(t *testing.T) {
	vmr := mkvmr(t, [2]int{10, 5})
	_, err := vmr.AllocAndAttach(&Vminfo_t{Mtype: VANON, Pgn: 12, Pglen: 2, Perms: uint(PTE_U)}, false)
	if err != -defs.EEXIST {
		t.Fatalf("expected EEXIST, got %d", err)
	}
}

func TestAllocAndAttachNoOverlap(t *testing.T) {
	vmr := mkvmr(t, [2]int{10, 5})
	_, err := vmr.AllocAndAttach(&Vminfo_t{Mtype: VANON, Pgn: 20, Pglen: 2, Perms: uint(PTE_U)}, false)
	if err != 0 {
		t.Fatalf("unexpected error %d", err)
	}
	if _, ok := vmr.Lookup(20 << PGSHIFT); !ok {
		t.Fatal("new region not found")
	}
}

func TestAllocAndAttachMayOverlapDisplaces(t *testing.T) {
	vmr := mkvmr(t, [2]int{10, 10})
	displaced, err := vmr.AllocAndAttach(&Vminfo_t{Mtype: VANON, Pgn: 12, Pglen: 2, Perms: uint(PTE_U)}, true)
	if err != 0 {
		t.Fatalf("unexpected error %d", err)
	}
	if len(displaced) != 1 {
		t.Fatalf("expected 1 displaced region, got %d", len(displaced))
	}
	if _, ok := vmr.Lookup(13 << PGSHIFT); !ok {
		t.Fatal("new region at pgn 13 not found")
	}
	if _, ok := vmr.Lookup(10 << PGSHIFT); !ok {
		t.Fatal("split remainder at pgn 10 not found")
	}
}

func TestRemoveOverlapsSplitsEdges(t *testing.T) {
	vmr := mkvmr(t, [2]int{0, 20})
	removed := vmr.RemoveOverlaps(5, 5)
	if len(removed) != 1 {
		t.Fatalf("expected 1 removed region, got %d", len(removed))
	}
	if vmi, ok := vmr.Lookup(0); !ok || vmi.Pglen != 5 {
		t.Fatalf("expected [0,5) to remain, got %+v ok=%v", vmi, ok)
	}
	if vmi, ok := vmr.Lookup(10 << PGSHIFT); !ok || vmi.Pgn != 10 || vmi.Pglen != 10 {
		t.Fatalf("expected [10,20) to remain, got %+v ok=%v", vmi, ok)
	}
	if _, ok := vmr.Lookup(7 << PGSHIFT); ok {
		t.Fatal("hole [5,10) should be gone")
	}
}

func TestChangeProtSplitsAndUpdates(t *testing.T) {
	vmr := mkvmr(t, [2]int{0, 20})
	changed := vmr.ChangeProt(5, 5, uint(PTE_U))
	if len(changed) != 1 {
		t.Fatalf("expected 1 changed region, got %d", len(changed))
	}
	vmi, ok := vmr.Lookup(6 << PGSHIFT)
	if !ok {
		t.Fatal("expected region at pgn 6")
	}
	if vmi.Perms&uint(PTE_W) != 0 {
		t.Fatal("expected write permission dropped in [5,10)")
	}
	vmi, ok = vmr.Lookup(0)
	if !ok || vmi.Perms&uint(PTE_W) == 0 {
		t.Fatal("expected [0,5) to keep its original perms")
	}
}
