package vm_test

import "testing"

import "ktest"
import "mem"
import "refcnt"
import "vm"

const stackVaddr = uintptr(0x7ffffff00000)
const stackLen = uint64(0x4000)

func TestCreateCopiesKernelSpace(t *testing.T) {
	ktest.Boot()

	pml4 := vm.AddressSpaceCreate(stackVaddr, stackLen, nil, nil)
	if pml4 == 0 {
		t.Fatal("create failed")
	}
	defer vm.AddressSpaceDestroy(pml4)

	cur := mem.FindPml4()
	tbl := mem.Physmem.DmapPmap(pml4)

	for i := mem.FIRST_KERNEL_PML4E; i < 512; i++ {
		if tbl[i] != cur[i] {
			t.Fatalf("kernel entry %d differs: %#x vs %#x", i, tbl[i], cur[i])
		}
	}

	// self-reference in place, bridge slot dropped
	if tbl[mem.RECURSIVE_ENTRY]&mem.PTE_ADDR != pml4 {
		t.Fatal("recursive self slot wrong")
	}
	if tbl[mem.RECURSIVE_ENTRY_OTHER] != 0 {
		t.Fatal("other slot left populated")
	}

	// the creator's bridge was restored
	if cur[mem.RECURSIVE_ENTRY_OTHER]&mem.PTE_ADDR != mem.CurrentPml4() {
		t.Fatal("creator's other slot not restored")
	}
}

func TestCreateBuildsStack(t *testing.T) {
	ktest.Boot()

	values := []uint64{1, 2, 3}
	pml4 := vm.AddressSpaceCreate(stackVaddr, stackLen, nil, values)
	if pml4 == 0 {
		t.Fatal("create failed")
	}
	defer vm.AddressSpaceDestroy(pml4)

	// every stack page is mapped writable user
	for va := stackVaddr; va < stackVaddr+uintptr(stackLen); va += uintptr(mem.PGSIZE) {
		pte, ok := walkPte(pml4, va)
		if !ok || pte&mem.PTE_P == 0 {
			t.Fatalf("stack page %#x unmapped", va)
		}
		if pte&mem.PTE_W == 0 || pte&mem.PTE_U == 0 {
			t.Fatalf("stack page %#x flags %#x", va, pte&0xfff)
		}
	}

	// values sit at the very top, values[0] lowest
	topPhys := mem.VirtToPhysPageIn(pml4, stackVaddr+uintptr(stackLen)-1)
	pg := mem.Pg2bytes(mem.Physmem.Dmap(topPhys))
	if w := word(pg, mem.PGSIZE-8); w != 3 {
		t.Fatalf("top word %d, want 3", w)
	}
	if w := word(pg, mem.PGSIZE-16); w != 2 {
		t.Fatalf("second word %d, want 2", w)
	}
	if w := word(pg, mem.PGSIZE-24); w != 1 {
		t.Fatalf("third word %d, want 1", w)
	}
}

func word(pg *mem.Bytepg_t, off int) uint64 {
	var w uint64
	for i := 7; i >= 0; i-- {
		w = w<<8 | uint64(pg[off+i])
	}
	return w
}

func walkPte(pml4 mem.Pa_t, va uintptr) (mem.Pa_t, bool) {
	phys := mem.VirtToPhysPageIn(pml4, va)
	if phys == 0 {
		return 0, false
	}
	// refetch with flags via the page walk
	tbl := mem.Physmem.DmapPmap(pml4)
	e := tbl[mem.Pml4Index(va)]
	tbl = mem.Physmem.DmapPmap(e & mem.PTE_ADDR)
	e = tbl[mem.PdptIndex(va)]
	tbl = mem.Physmem.DmapPmap(e & mem.PTE_ADDR)
	e = tbl[mem.PdIndex(va)]
	tbl = mem.Physmem.DmapPmap(e & mem.PTE_ADDR)
	return tbl[mem.PtIndex(va)], true
}

func TestCreateRejectsBadArguments(t *testing.T) {
	ktest.Boot()

	// stack reaching into kernel space
	if vm.AddressSpaceCreate(uintptr(0xffff800000000000), stackLen,
		nil, nil) != 0 {
		t.Fatal("kernel-space stack accepted")
	}

	// more values than the stack can hold
	many := make([]uint64, 16)
	if vm.AddressSpaceCreate(stackVaddr, 8, nil, many) != 0 {
		t.Fatal("overfull stack accepted")
	}

	// unaligned shared region
	bad := []vm.AddressSpaceRegion_t{{Start: 0x400001, LenBytes: 0x1000}}
	if vm.AddressSpaceCreate(stackVaddr, stackLen, bad, nil) != 0 {
		t.Fatal("unaligned region accepted")
	}

	// region length not page-multiple
	bad[0] = vm.AddressSpaceRegion_t{Start: 0x400000, LenBytes: 0x1001}
	if vm.AddressSpaceCreate(stackVaddr, stackLen, bad, nil) != 0 {
		t.Fatal("odd-length region accepted")
	}
}

// COW sharing end to end: one page shared into a child space doubles
// its sharer count; tearing the spaces down walks it back to zero and
// frees the frame.
func TestCowSharingLifecycle(t *testing.T) {
	ktest.Boot()

	const sharedVa = uintptr(0x400000)

	// "A" is the current space: map P and count A's reference
	phys := mem.PageAlloc(mem.PhysicalRegion)
	if mem.AllocFailed(phys) {
		t.Fatal("no page")
	}
	if !mem.MapPage(sharedVa, phys, mem.PTE_P|mem.PTE_W|mem.PTE_U) {
		t.Fatal("map in current space failed")
	}
	if refcnt.Increment(uintptr(phys)) != 1 {
		t.Fatal("first increment")
	}

	regions := []vm.AddressSpaceRegion_t{{Start: sharedVa, LenBytes: 0x1000}}
	pml4 := vm.AddressSpaceCreate(stackVaddr, stackLen, regions, nil)
	if pml4 == 0 {
		t.Fatal("create failed")
	}

	if got := refcnt.Count(uintptr(phys)); got != 2 {
		t.Fatalf("sharer count %d after COW share", got)
	}

	// the child mapping is present, user, COW, not writable
	pte, ok := walkPte(pml4, sharedVa)
	if !ok {
		t.Fatal("shared page missing in child")
	}
	if pte&mem.PTE_ADDR != phys {
		t.Fatalf("child maps %#x, want %#x", pte&mem.PTE_ADDR, phys)
	}
	if pte&mem.PTE_COW == 0 || pte&mem.PTE_U == 0 || pte&mem.PTE_W != 0 {
		t.Fatalf("child COW flags wrong: %#x", pte&0xfff)
	}

	// pages absent from the source are skipped, not invented
	if mem.VirtToPhysPageIn(pml4, sharedVa+uintptr(mem.PGSIZE)) != 0 {
		t.Fatal("unmapped source page appeared in child")
	}

	// destroying the child drops it back to one sharer; P survives
	freeBefore := mem.PhysicalRegion.Free
	vm.AddressSpaceDestroy(pml4)
	if got := refcnt.Count(uintptr(phys)); got != 1 {
		t.Fatalf("sharer count %d after child destroy", got)
	}
	if mem.PhysicalRegion.Free < freeBefore {
		t.Fatal("destroy lost memory")
	}

	// the last owner going away frees the frame
	if refcnt.Decrement(uintptr(phys)) != 0 {
		t.Fatal("final decrement did not reach zero")
	}
	mem.UnmapPage(sharedVa)
	freeBefore = mem.PhysicalRegion.Free
	mem.PageFree(mem.PhysicalRegion, phys)
	if mem.PhysicalRegion.Free != freeBefore+uint64(mem.PGSIZE) {
		t.Fatal("frame not returned")
	}
}

func TestAddressSpaceInitPopulatesKernelEntries(t *testing.T) {
	ktest.Boot()
	pml4 := mem.FindPml4()
	for i := mem.FIRST_KERNEL_PML4E; i < 512; i++ {
		if pml4[i]&mem.PTE_P == 0 {
			t.Fatalf("kernel pml4 entry %d absent", i)
		}
	}
}
