package mem

import (
	"sync"
	"testing"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { Phys_init(256) })
}

func TestAllocExhaustionThenFailure(t *testing.T) {
	ensurePhys()
	free := Physmem.Get_free_block_count()
	if free == 0 {
		t.Fatal("arena already exhausted")
	}

	got := make([]Pa_t, 0, free)
	for {
		pa, ok := Physmem.Alloc_block()
		if !ok {
			break
		}
		got = append(got, pa)
	}
	if len(got) != free {
		t.Fatalf("expected exactly %d single-frame allocations, got %d", free, len(got))
	}
	// the +1'th attempt must fail even after the reclaim cascade ran
	if _, ok := Physmem.Alloc_block(); ok {
		t.Fatal("allocation beyond the frame count must fail")
	}

	for _, pa := range got {
		Physmem.Free_block(pa)
	}
	if Physmem.Get_free_block_count() != free {
		t.Fatal("freeing every frame must restore the free count")
	}
}

func TestShareCountDefersFree(t *testing.T) {
	ensurePhys()
	pa, ok := Physmem.Alloc_block()
	if !ok {
		t.Fatal("alloc failed")
	}
	free := Physmem.Get_free_block_count()

	if !Physmem.Inc_frame_shares(pa) {
		t.Fatal("share bump failed")
	}
	// first free only drops the share; the frame stays allocated
	if Physmem.Free_block(pa) {
		t.Fatal("first free of a shared frame must not release it")
	}
	if Physmem.Get_free_block_count() != free {
		t.Fatal("shared frame came back to the free pool too early")
	}
	// second free is the last holder's
	if !Physmem.Free_block(pa) {
		t.Fatal("last free must release the frame")
	}
	if Physmem.Get_free_block_count() != free+1 {
		t.Fatal("released frame did not return to the free pool")
	}
}

func TestShareCountCapsWithoutWrapping(t *testing.T) {
	ensurePhys()
	pa, ok := Physmem.Alloc_block()
	if !ok {
		t.Fatal("alloc failed")
	}
	defer Physmem.Free_block(pa)

	var bumps int
	for Physmem.Inc_frame_shares(pa) {
		bumps++
		if bumps > 300 {
			t.Fatal("share count never hit its cap")
		}
	}
	for i := 0; i < bumps; i++ {
		Physmem.Free_block(pa)
	}
}

func TestAllocDmaBlocksAligned(t *testing.T) {
	ensurePhys()
	const dmaAlign = 64 * 1024
	pa, ok := Physmem.Alloc_dma_blocks(4)
	if !ok {
		t.Fatal("dma alloc failed")
	}
	if int(pa)%dmaAlign != 0 {
		t.Fatalf("dma run not 64KiB aligned: %#x", int(pa))
	}
	Physmem.Free_blocks(pa, 4)
}

func TestAllocBlocksContiguous(t *testing.T) {
	ensurePhys()
	pa, ok := Physmem.Alloc_blocks(3)
	if !ok {
		t.Fatal("contiguous alloc failed")
	}
	// touching each frame through the direct map must hit three
	// distinct, adjacent pages
	for i := 0; i < 3; i++ {
		b := Physmem.Dmap8(pa + Pa_t(i*PGSIZE))
		b[0] = uint8(i + 1)
	}
	for i := 0; i < 3; i++ {
		b := Physmem.Dmap8(pa + Pa_t(i*PGSIZE))
		if b[0] != uint8(i+1) {
			t.Fatalf("frame %d lost its byte", i)
		}
	}
	Physmem.Free_blocks(pa, 3)
}
