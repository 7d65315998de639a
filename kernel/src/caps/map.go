package caps

// The capability map: an open-addressed, linearly-probed hash from
// cookie to kernel object pointer, backed by FBA blocks and guarded
// by an IRQ-save spinlock. Deletion is lazy via tombstones; the first
// tombstone seen on an insert probe is reused. The table doubles when
// load would pass 0.75 and Cleanup rehashes into a fresh table of the
// same capacity to shed tombstones.

import "unsafe"

import "defs"
import "fba"
import "klock"
import "mem"
import "slab"

const initialCapacity = 64
const maxLoadFactor = 0.75

// / Capability_t heads every concrete capability type.
type Capability_t struct {
	Type    defs.CapType_t
	Subtype uint8
}

// / SyscallCapability_t names one syscall table entry. The dispatch
// / function itself lives in the syscall table, keyed by Id - only
// / plain data lives in slab memory.
type SyscallCapability_t struct {
	Cap   Capability_t
	Id    defs.SyscallId_t
	_     uint8
	Flags uint32
	_     [7]uint64
}

// / CapabilityMapEntry_t is one slot. Padded to 32 bytes so slots
// / never straddle a backing block.
type CapabilityMapEntry_t struct {
	Key       uint64
	Value     unsafe.Pointer
	Occupied  bool
	Tombstone bool // for lazy deletion
	_         [6]uint8
	_         uint64
}

const entriesPerBlock = mem.PGSIZE / 32

// / CapabilityMap_t is the map header. Fits a slab block.
type CapabilityMap_t struct {
	entriesVa  uintptr
	capacity   uint64
	size       uint64
	blockCount uint64
	Lock       *klock.SpinLock_t
	_          [3]uint64
}

func hashU64(x uint64) uint64 {
	// MurmurHash3 finalizer
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

func entryAt(base uintptr, i uint64) *CapabilityMapEntry_t {
	va := base + uintptr(i/uint64(entriesPerBlock))*uintptr(mem.PGSIZE)
	pg := mem.KmemIn(fba.Pml4(), va)
	off := (i % uint64(entriesPerBlock)) * 32
	return (*CapabilityMapEntry_t)(unsafe.Pointer(&pg[off]))
}

func (m *CapabilityMap_t) resize(newCapacity uint64) bool {
	newBlocks := (newCapacity*32 + uint64(mem.PGSIZE) - 1) / uint64(mem.PGSIZE)

	newVa := fba.AllocBlocks(uint32(newBlocks))
	if newVa == 0 {
		return false
	}

	for i := uint64(0); i < m.capacity; i++ {
		old := entryAt(m.entriesVa, i)
		if old.Occupied && !old.Tombstone {
			h := hashU64(old.Key)
			j := h & (newCapacity - 1)
			for entryAt(newVa, j).Occupied {
				j = (j + 1) & (newCapacity - 1)
			}
			*entryAt(newVa, j) = *old
		}
	}

	fba.FreeBlocks(m.entriesVa, uint32(m.blockCount))

	m.entriesVa = newVa
	m.capacity = newCapacity
	m.blockCount = newBlocks

	return true
}

// / Init sets the map up at its initial capacity. Returns false on
// / allocation failure.
func (m *CapabilityMap_t) Init() bool {
	if m == nil {
		return false
	}

	*m = CapabilityMap_t{}

	lock := (*klock.SpinLock_t)(slab.Alloc())
	if lock == nil {
		return false
	}
	m.Lock = lock

	blocks := (uint64(initialCapacity)*32 + uint64(mem.PGSIZE) - 1) /
		uint64(mem.PGSIZE)
	m.entriesVa = fba.AllocBlocks(uint32(blocks))
	if m.entriesVa == 0 {
		return false
	}

	m.capacity = initialCapacity
	m.blockCount = blocks
	m.size = 0

	return true
}

// / Insert adds or updates key. Returns false on resize failure.
func (m *CapabilityMap_t) Insert(key uint64, value unsafe.Pointer) bool {
	flags := m.Lock.LockIrqSave()

	if float64(m.size+1)/float64(m.capacity) > maxLoadFactor {
		if !m.resize(m.capacity * 2) {
			m.Lock.UnlockIrqRestore(flags)
			return false
		}
	}

	h := hashU64(key)
	i := h & (m.capacity - 1)

	firstTombstone := ^uint64(0)

	for {
		e := entryAt(m.entriesVa, i)
		if !e.Occupied {
			break
		}
		if !e.Tombstone && e.Key == key {
			e.Value = value
			m.Lock.UnlockIrqRestore(flags)
			return true
		}
		if e.Tombstone && firstTombstone == ^uint64(0) {
			firstTombstone = i
		}
		i = (i + 1) & (m.capacity - 1)
	}

	insertAt := i
	if firstTombstone != ^uint64(0) {
		insertAt = firstTombstone
	}
	e := entryAt(m.entriesVa, insertAt)
	e.Key = key
	e.Value = value
	e.Occupied = true
	e.Tombstone = false
	m.size++

	m.Lock.UnlockIrqRestore(flags)
	return true
}

// / Lookup returns the value stored under key, or nil. The probe stops
// / at the first empty (never-occupied) slot.
func (m *CapabilityMap_t) Lookup(key uint64) unsafe.Pointer {
	if m.entriesVa == 0 {
		return nil
	}

	flags := m.Lock.LockIrqSave()

	h := hashU64(key)
	i := h & (m.capacity - 1)

	for {
		e := entryAt(m.entriesVa, i)
		if !e.Occupied {
			break
		}
		if !e.Tombstone && e.Key == key {
			val := e.Value
			m.Lock.UnlockIrqRestore(flags)
			return val
		}
		i = (i + 1) & (m.capacity - 1)
	}

	m.Lock.UnlockIrqRestore(flags)
	return nil
}

// / Delete tombstones key's slot. Returns whether key was present.
func (m *CapabilityMap_t) Delete(key uint64) bool {
	if m.entriesVa == 0 {
		return false
	}

	flags := m.Lock.LockIrqSave()

	h := hashU64(key)
	i := h & (m.capacity - 1)

	for {
		e := entryAt(m.entriesVa, i)
		if !e.Occupied {
			break
		}
		if !e.Tombstone && e.Key == key {
			e.Tombstone = true
			e.Value = nil
			m.size--
			m.Lock.UnlockIrqRestore(flags)
			return true
		}
		i = (i + 1) & (m.capacity - 1)
	}

	m.Lock.UnlockIrqRestore(flags)
	return false
}

// Cleanup: rebuild table to remove tombstones
// / Cleanup rehashes at the same capacity, dropping every tombstone.
func (m *CapabilityMap_t) Cleanup() bool {
	flags := m.Lock.LockIrqSave()
	result := m.resize(m.capacity)
	m.Lock.UnlockIrqRestore(flags)

	return result
}

// / Size returns the live entry count.
func (m *CapabilityMap_t) Size() uint64 {
	flags := m.Lock.LockIrqSave()
	n := m.size
	m.Lock.UnlockIrqRestore(flags)
	return n
}

// / Capacity returns the slot count. Test aid.
func (m *CapabilityMap_t) Capacity() uint64 {
	return m.capacity
}

// / Tombstones counts tombstoned slots. Test aid.
func (m *CapabilityMap_t) Tombstones() uint64 {
	flags := m.Lock.LockIrqSave()
	var n uint64
	for i := uint64(0); i < m.capacity; i++ {
		e := entryAt(m.entriesVa, i)
		if e.Occupied && e.Tombstone {
			n++
		}
	}
	m.Lock.UnlockIrqRestore(flags)
	return n
}

/* global */
var GlobalCapabilityMap CapabilityMap_t

// / CapabilitiesInit sets up the global capability map.
func CapabilitiesInit() bool {
	return GlobalCapabilityMap.Init()
}
