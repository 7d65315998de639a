package fba_test

import "testing"

import "fba"
import "ktest"
import "mem"

func TestInitRejectsBadArgs(t *testing.T) {
	ktest.Boot()
	if fba.Init(fba.Pml4(), 0xffffa00000000123, 512*64) {
		t.Fatal("unaligned begin accepted")
	}
	if fba.Init(fba.Pml4(), 0xffffb00000000000, 100) {
		t.Fatal("non-bitmap-multiple block count accepted")
	}
}

func TestAllocBlockReturnsWindowAddresses(t *testing.T) {
	ktest.Boot()
	va := fba.AllocBlock()
	if va == 0 {
		t.Fatal("alloc_block failed")
	}
	if va < fba.Begin() ||
		va >= fba.Begin()+uintptr(fba.SizeBlocks())*uintptr(mem.PGSIZE) {
		t.Fatalf("block %#x outside window", va)
	}
	if va&uintptr(mem.PGOFFSET) != 0 {
		t.Fatalf("block %#x unaligned", va)
	}
	// the block is mapped and usable
	pg := mem.KmemIn(fba.Pml4(), va)
	pg[0] = 0x5a
	if mem.KmemIn(fba.Pml4(), va)[0] != 0x5a {
		t.Fatal("block not backed")
	}
	fba.Free(va)
}

func TestFreeReturnsPhysicalFrame(t *testing.T) {
	ktest.Boot()
	va := fba.AllocBlock()
	if va == 0 {
		t.Fatal("alloc failed")
	}
	free := mem.PhysicalRegion.Free
	fba.Free(va)
	if mem.PhysicalRegion.Free != free+uint64(mem.PGSIZE) {
		t.Fatalf("physical frame not returned: %#x -> %#x",
			free, mem.PhysicalRegion.Free)
	}
	if mem.VirtToPhysPageIn(fba.Pml4(), va) != 0 {
		t.Fatal("block still mapped after free")
	}
}

func TestFreedBlockIsReused(t *testing.T) {
	ktest.Boot()
	a := fba.AllocBlock()
	fba.Free(a)
	b := fba.AllocBlock()
	if a != b {
		t.Fatalf("first-fit scan did not reuse %#x, gave %#x", a, b)
	}
	fba.Free(b)
}

func TestAllocBlocksContiguous(t *testing.T) {
	ktest.Boot()
	va := fba.AllocBlocks(5)
	if va == 0 {
		t.Fatal("alloc_blocks failed")
	}
	for i := 0; i < 5; i++ {
		blk := va + uintptr(i)*uintptr(mem.PGSIZE)
		if mem.VirtToPhysPageIn(fba.Pml4(), blk) == 0 {
			t.Fatalf("block %d of run unmapped", i)
		}
	}
	// a fresh single allocation must not land inside the run
	single := fba.AllocBlock()
	if single >= va && single < va+5*uintptr(mem.PGSIZE) {
		t.Fatalf("run not reserved: %#x inside [%#x,+5)", single, va)
	}
	fba.Free(single)
	fba.FreeBlocks(va, 5)
}

func TestAllocBlocksZero(t *testing.T) {
	ktest.Boot()
	if fba.AllocBlocks(0) != 0 {
		t.Fatal("alloc_blocks(0) succeeded")
	}
}

func TestFreeOutsideWindowIgnored(t *testing.T) {
	ktest.Boot()
	fba.Free(0x1000)
	fba.Free(0)
}
