// Package refcnt maps shared physical pages to their sharer counts.
// It backs copy-on-write: a page's entry exists only while someone
// shares it. The table is a chained hash whose bucket array is laid
// out across FBA blocks and whose entries are slab objects; one
// process-wide IRQ-save spinlock guards everything.
package refcnt

import "unsafe"

import "fba"
import "klock"
import "mem"
import "slab"

const initialSize = 1024

const ptrsPerBlock = uint64(mem.PGSIZE) / 8

type entry_t struct {
	physAddr uintptr
	refCount uint32
	occupied bool
	next     *entry_t
	_        [5]uint64
}

type blockNode_t struct {
	block uintptr
	next  *blockNode_t
	used  uint64
	_     [5]uint64
}

type refCountMap_t struct {
	size       uint64
	numEntries uint64
	blockList  *blockNode_t
	buckets    uintptr
	_          [4]uint64
}

// Global map instance and lock for now...
var globalMap *refCountMap_t
var mapLock klock.SpinLock_t

func hashAddress(addr uintptr, size uint64) uint64 {
	const goldenRatio = 0x9E3779B97F4A7C15
	return (uint64(addr) * goldenRatio >> 32) % size
}

func addBlock(m *refCountMap_t) *blockNode_t {
	node := (*blockNode_t)(slab.Alloc())
	if node == nil {
		return nil
	}

	block := fba.AllocBlock()
	if block == 0 {
		slab.Free(unsafe.Pointer(node))
		return nil
	}

	node.block = block
	node.next = m.blockList
	node.used = 0
	m.blockList = node

	return node
}

func blockPtrs(node *blockNode_t) *[512]*entry_t {
	pg := mem.KmemIn(fba.Pml4(), node.block)
	return (*[512]*entry_t)(unsafe.Pointer(&pg[0]))
}

func allocateBucketArray(size uint64, m *refCountMap_t) bool {
	blocksNeeded := (size + ptrsPerBlock - 1) / ptrsPerBlock

	for i := uint64(0); i < blocksNeeded; i++ {
		node := addBlock(m)
		if node == nil {
			// Cleanup on failure
			for m.blockList != nil {
				toFree := m.blockList
				m.blockList = toFree.next
				fba.Free(toFree.block)
				slab.Free(unsafe.Pointer(toFree))
			}
			return false
		}
		node.used = ptrsPerBlock * 8
	}

	m.buckets = m.blockList.block
	return true
}

// bucket slots index page-then-offset so the array can grow beyond a
// single block
func getBucketPtr(m *refCountMap_t, idx uint64) **entry_t {
	blockIdx := idx / ptrsPerBlock
	offset := idx % ptrsPerBlock

	current := m.blockList
	for i := uint64(0); i < blockIdx && current != nil; i++ {
		current = current.next
	}

	if current == nil {
		return nil
	}

	return &blockPtrs(current)[offset]
}

// / Init sets up the global map. Idempotent; returns false only when
// / backing memory cannot be allocated.
func Init() bool {
	flags := mapLock.LockIrqSave()

	if globalMap != nil {
		mapLock.UnlockIrqRestore(flags)
		return true // Already initialized
	}

	m := (*refCountMap_t)(slab.Alloc())
	if m == nil {
		mapLock.UnlockIrqRestore(flags)
		return false
	}

	m.size = initialSize
	m.numEntries = 0
	m.blockList = nil

	if !allocateBucketArray(initialSize, m) {
		slab.Free(unsafe.Pointer(m))
		mapLock.UnlockIrqRestore(flags)
		return false
	}

	globalMap = m
	mapLock.UnlockIrqRestore(flags)
	return true
}

func resizeMap(m *refCountMap_t) bool {
	newSize := m.size * 2

	newMap := (*refCountMap_t)(slab.Alloc())
	if newMap == nil {
		return false
	}

	newMap.size = newSize
	newMap.numEntries = m.numEntries
	newMap.blockList = nil

	if !allocateBucketArray(newSize, newMap) {
		slab.Free(unsafe.Pointer(newMap))
		return false
	}

	// Rehash all existing entries
	for i := uint64(0); i < m.size; i++ {
		bucketPtr := getBucketPtr(m, i)
		entry := *bucketPtr

		for entry != nil {
			next := entry.next
			newIdx := hashAddress(entry.physAddr, newSize)
			newBucket := getBucketPtr(newMap, newIdx)

			entry.next = *newBucket
			*newBucket = entry

			entry = next
		}
	}

	// Free old blocks
	for m.blockList != nil {
		toFree := m.blockList
		m.blockList = toFree.next
		fba.Free(toFree.block)
		slab.Free(unsafe.Pointer(toFree))
	}

	m.buckets = newMap.buckets
	m.size = newMap.size
	m.blockList = newMap.blockList

	slab.Free(unsafe.Pointer(newMap))
	return true
}

// / Increment bumps the sharer count for addr, creating the entry at
// / one if absent. Returns the new count, or 0 on allocation failure
// / (or before Init).
func Increment(addr uintptr) uint32 {
	flags := mapLock.LockIrqSave()

	if globalMap == nil {
		mapLock.UnlockIrqRestore(flags)
		return 0
	}

	m := globalMap
	idx := hashAddress(addr, m.size)
	bucketPtr := getBucketPtr(m, idx)

	for entry := *bucketPtr; entry != nil; entry = entry.next {
		if entry.physAddr == addr && entry.occupied {
			entry.refCount++
			result := entry.refCount
			mapLock.UnlockIrqRestore(flags)
			return result
		}
	}

	if 4*m.numEntries >= 3*m.size { // == 0.75 load factor...
		if !resizeMap(m) {
			mapLock.UnlockIrqRestore(flags)
			return 0
		}
		idx = hashAddress(addr, m.size)
		bucketPtr = getBucketPtr(m, idx)
	}

	newEntry := (*entry_t)(slab.Alloc())
	if newEntry == nil {
		mapLock.UnlockIrqRestore(flags)
		return 0
	}

	newEntry.physAddr = addr
	newEntry.refCount = 1
	newEntry.occupied = true
	newEntry.next = *bucketPtr
	*bucketPtr = newEntry
	m.numEntries++

	mapLock.UnlockIrqRestore(flags)
	return 1
}

// / Decrement drops the sharer count for addr. Returns the
// / pre-decrement count, except that a count reaching zero removes and
// / frees the entry and returns 0 - so a non-zero return means the
// / page is still shared. Unknown addresses return 0.
func Decrement(addr uintptr) uint32 {
	flags := mapLock.LockIrqSave()

	if globalMap == nil {
		mapLock.UnlockIrqRestore(flags)
		return 0
	}

	m := globalMap
	idx := hashAddress(addr, m.size)
	bucketPtr := getBucketPtr(m, idx)
	var prev *entry_t

	for entry := *bucketPtr; entry != nil; entry = entry.next {
		if entry.physAddr == addr && entry.occupied {
			was := entry.refCount
			entry.refCount--

			if entry.refCount == 0 {
				if prev != nil {
					prev.next = entry.next
				} else {
					*bucketPtr = entry.next
				}
				slab.Free(unsafe.Pointer(entry))
				m.numEntries--
				mapLock.UnlockIrqRestore(flags)
				return 0
			}

			mapLock.UnlockIrqRestore(flags)
			return was
		}
		prev = entry
	}

	mapLock.UnlockIrqRestore(flags)
	return 0 // Address not found
}

// / Count returns the current sharer count for addr, zero if unknown.
func Count(addr uintptr) uint32 {
	flags := mapLock.LockIrqSave()

	if globalMap == nil {
		mapLock.UnlockIrqRestore(flags)
		return 0
	}

	m := globalMap
	idx := hashAddress(addr, m.size)
	bucketPtr := getBucketPtr(m, idx)

	for entry := *bucketPtr; entry != nil; entry = entry.next {
		if entry.physAddr == addr && entry.occupied {
			n := entry.refCount
			mapLock.UnlockIrqRestore(flags)
			return n
		}
	}

	mapLock.UnlockIrqRestore(flags)
	return 0
}

// / Entries returns the number of live entries. Test aid.
func Entries() uint64 {
	flags := mapLock.LockIrqSave()
	var n uint64
	if globalMap != nil {
		n = globalMap.numEntries
	}
	mapLock.UnlockIrqRestore(flags)
	return n
}

// / Cleanup tears the whole map down, returning every entry and bucket
// / block. Only used when the memory subsystem itself is going away.
func Cleanup() {
	flags := mapLock.LockIrqSave()

	if globalMap == nil {
		mapLock.UnlockIrqRestore(flags)
		return
	}

	m := globalMap

	for i := uint64(0); i < m.size; i++ {
		bucketPtr := getBucketPtr(m, i)
		entry := *bucketPtr
		for entry != nil {
			next := entry.next
			slab.Free(unsafe.Pointer(entry))
			entry = next
		}
	}

	for m.blockList != nil {
		toFree := m.blockList
		m.blockList = toFree.next
		fba.Free(toFree.block)
		slab.Free(unsafe.Pointer(toFree))
	}

	slab.Free(unsafe.Pointer(m))
	globalMap = nil

	mapLock.UnlockIrqRestore(flags)
}
