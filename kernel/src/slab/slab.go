// Package slab hands out fixed 64-byte kernel objects carved from FBA
// pages. Objects come back zeroed; the free list is threaded through
// the objects themselves.
package slab

import "unsafe"

import "fba"
import "klock"
import "mem"

// / BLOCK_SIZE is the object size. Every slab-allocated kernel type is
// / laid out to fit it exactly.
const BLOCK_SIZE = 64

const blocksPerPage = mem.PGSIZE / BLOCK_SIZE

var slabLock klock.SpinLock_t
var freeHead unsafe.Pointer
var allocated uint64
var carved uint64

func pushFree(obj unsafe.Pointer) {
	*(*unsafe.Pointer)(obj) = freeHead
	freeHead = obj
}

// carve a fresh FBA page into objects on the free list
func grow() bool {
	va := fba.AllocBlock()
	if va == 0 {
		return false
	}
	pg := mem.KmemIn(fba.Pml4(), va)
	for off := mem.PGSIZE - BLOCK_SIZE; off >= 0; off -= BLOCK_SIZE {
		pushFree(unsafe.Pointer(&pg[off]))
	}
	carved += uint64(blocksPerPage)
	return true
}

// / Alloc returns a zeroed 64-byte object, or nil when neither the
// / free list nor the FBA can satisfy it.
func Alloc() unsafe.Pointer {
	flags := slabLock.LockIrqSave()
	if freeHead == nil && !grow() {
		slabLock.UnlockIrqRestore(flags)
		return nil
	}
	obj := freeHead
	freeHead = *(*unsafe.Pointer)(obj)
	words := (*[BLOCK_SIZE / 8]uint64)(obj)
	for i := range words {
		words[i] = 0
	}
	allocated++
	slabLock.UnlockIrqRestore(flags)
	return obj
}

// / Free returns an object to the head of the free list.
func Free(obj unsafe.Pointer) {
	if obj == nil {
		return
	}
	flags := slabLock.LockIrqSave()
	pushFree(obj)
	allocated--
	slabLock.UnlockIrqRestore(flags)
}

// / Allocated returns the live object count. Test aid.
func Allocated() uint64 {
	flags := slabLock.LockIrqSave()
	n := allocated
	slabLock.UnlockIrqRestore(flags)
	return n
}
