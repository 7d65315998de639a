package slab_test

import "testing"
import "unsafe"

import "ktest"
import "slab"

func TestAllocZeroed(t *testing.T) {
	ktest.Boot()
	p := slab.Alloc()
	if p == nil {
		t.Fatal("alloc failed")
	}
	words := (*[8]uint64)(p)
	for i, w := range words {
		if w != 0 {
			t.Fatalf("word %d not zeroed: %#x", i, w)
		}
	}
	words[3] = 0x1122334455667788
	slab.Free(p)
}

func TestFreeAllocNetZero(t *testing.T) {
	ktest.Boot()
	before := slab.Allocated()
	p := slab.Alloc()
	if slab.Allocated() != before+1 {
		t.Fatalf("allocated %d, want %d", slab.Allocated(), before+1)
	}
	slab.Free(p)
	if slab.Allocated() != before {
		t.Fatalf("allocated %d after free, want %d", slab.Allocated(), before)
	}
}

func TestFreedObjectReusedAndRezeroed(t *testing.T) {
	ktest.Boot()
	p := slab.Alloc()
	words := (*[8]uint64)(p)
	for i := range words {
		words[i] = ^uint64(0)
	}
	slab.Free(p)

	q := slab.Alloc()
	if q != p {
		// lifo free list hands the same object straight back
		t.Fatalf("free list not LIFO: %p then %p", p, q)
	}
	qw := (*[8]uint64)(q)
	for i, w := range qw {
		if w != 0 {
			t.Fatalf("recycled word %d not zeroed: %#x", i, w)
		}
	}
	slab.Free(q)
}

func TestManyObjectsDistinct(t *testing.T) {
	ktest.Boot()
	seen := map[unsafe.Pointer]bool{}
	var objs []unsafe.Pointer
	// more than one page's worth
	for i := 0; i < 200; i++ {
		p := slab.Alloc()
		if p == nil {
			t.Fatalf("alloc %d failed", i)
		}
		if seen[p] {
			t.Fatalf("object %p handed out twice", p)
		}
		seen[p] = true
		objs = append(objs, p)
	}
	for _, p := range objs {
		slab.Free(p)
	}
}

func TestFreeNilIgnored(t *testing.T) {
	ktest.Boot()
	slab.Free(nil)
}
