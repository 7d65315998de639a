package mem

import "klock"
import "util"

// / Memory map entry types, bootloader convention.
type MemMapEntryType uint64

const (
	MEM_MAP_USABLE MemMapEntryType = iota
	MEM_MAP_RESERVED
	MEM_MAP_ACPI_RECLAIMABLE
	MEM_MAP_ACPI_NVS
	MEM_MAP_BAD
	MEM_MAP_BOOTLOADER_RECLAIMABLE
	MEM_MAP_EXECUTABLE_AND_MODULES
	MEM_MAP_FRAMEBUFFER
)

// / MemMapEntry_t is one bootloader memory-map record.
type MemMapEntry_t struct {
	Base   Pa_t
	Length uint64
	Type   MemMapEntryType
}

// / MemMap_t is the memory map handed over by the bootloader.
type MemMap_t struct {
	Entries []MemMapEntry_t
}

// / MemoryBlock_t is one extent of free physical pages.
type MemoryBlock_t struct {
	Base  Pa_t
	Pages uint64
}

// / MemoryRegion_t governs a window of RAM via a stack of free extents
// / held in a caller-supplied buffer. The stack pointer moves only
// / under the lock.
type MemoryRegion_t struct {
	Lock   klock.SpinLock_t
	Size   uint64
	Free   uint64
	blocks []MemoryBlock_t
	sp     int
}

// Failed allocations return a value with 0xFF in the low byte; a real
// page is always 4KiB aligned so callers can test in-band.
const pageAllocFailed Pa_t = 0xFF

// / AllocFailed reports whether pa is the in-band allocation-failure
// / sentinel rather than a page address.
func AllocFailed(pa Pa_t) bool {
	return pa&0xff != 0
}

// / PhysicalRegion is the region built from the bootloader map at boot.
var PhysicalRegion *MemoryRegion_t

// / PageAllocInit builds a MemoryRegion_t from the bootloader memory
// / map. Usable and bootloader-reclaimable entries are claimed, plus
// / executable-and-modules entries when reclaimExec is set. Each entry
// / is trimmed inward to page alignment and anything wholly below
// / managedBase is discarded. The supplied buffer holds the extent
// / stack and must be able to accommodate a fully-fragmented region.
func PageAllocInit(memmap *MemMap_t, managedBase Pa_t, buffer []MemoryBlock_t,
	reclaimExec bool) *MemoryRegion_t {
	region := &MemoryRegion_t{blocks: buffer}

	for _, e := range memmap.Entries {
		switch e.Type {
		case MEM_MAP_USABLE, MEM_MAP_BOOTLOADER_RECLAIMABLE:
		case MEM_MAP_EXECUTABLE_AND_MODULES:
			if !reclaimExec {
				continue
			}
		default:
			continue
		}

		base := util.Roundup(e.Base, Pa_t(PGSIZE))
		end := util.Rounddown(e.Base+Pa_t(e.Length), Pa_t(PGSIZE))

		if end <= base {
			continue
		}
		if end <= managedBase {
			// wholly below the managed window
			continue
		}
		if base < managedBase {
			base = util.Roundup(managedBase, Pa_t(PGSIZE))
		}

		pages := uint64(end-base) >> PGSHIFT
		region.blocks[region.sp] = MemoryBlock_t{Base: base, Pages: pages}
		region.sp++
		region.Size += pages * uint64(PGSIZE)
		region.Free += pages * uint64(PGSIZE)
	}

	return region
}

// / PageAlloc pops one 4KiB page off the top extent. Returns the
// / failure sentinel when the region is exhausted.
func PageAlloc(region *MemoryRegion_t) Pa_t {
	flags := region.Lock.LockIrqSave()
	if region.sp == 0 {
		region.Lock.UnlockIrqRestore(flags)
		return pageAllocFailed
	}
	top := &region.blocks[region.sp-1]
	page := top.Base
	if top.Pages == 1 {
		region.sp--
	} else {
		top.Base += Pa_t(PGSIZE)
		top.Pages--
	}
	region.Free -= uint64(PGSIZE)
	region.Lock.UnlockIrqRestore(flags)
	return page
}

// / PageAllocM allocates count contiguous pages, walking the extents
// / top-down for the first that is large enough. Splits a larger
// / extent, removes an exact fit. Never coalesces across extents, so
// / this gets harder to satisfy as memory fragments.
func PageAllocM(region *MemoryRegion_t, count uint64) Pa_t {
	if count == 0 {
		// caller bug; stay in-band
		return pageAllocFailed
	}
	flags := region.Lock.LockIrqSave()
	for i := region.sp - 1; i >= 0; i-- {
		blk := &region.blocks[i]
		if blk.Pages < count {
			continue
		}
		base := blk.Base
		if blk.Pages == count {
			copy(region.blocks[i:], region.blocks[i+1:region.sp])
			region.sp--
		} else {
			blk.Base += Pa_t(count) * Pa_t(PGSIZE)
			blk.Pages -= count
		}
		region.Free -= count * uint64(PGSIZE)
		region.Lock.UnlockIrqRestore(flags)
		return base
	}
	region.Lock.UnlockIrqRestore(flags)
	return pageAllocFailed
}

// / PageFree returns a page to the region, coalescing with the top
// / extent when contiguous. Unaligned addresses are ignored.
func PageFree(region *MemoryRegion_t, page Pa_t) {
	if page&PGOFFSET != 0 {
		return
	}
	flags := region.Lock.LockIrqSave()
	if region.sp > 0 {
		top := &region.blocks[region.sp-1]
		if page == top.Base+Pa_t(top.Pages)*Pa_t(PGSIZE) {
			top.Pages++
			region.Free += uint64(PGSIZE)
			region.Lock.UnlockIrqRestore(flags)
			return
		}
		if page+Pa_t(PGSIZE) == top.Base {
			top.Base = page
			top.Pages++
			region.Free += uint64(PGSIZE)
			region.Lock.UnlockIrqRestore(flags)
			return
		}
	}
	if region.sp == len(region.blocks) {
		// XXXPANIC
		panic("page stack overflow")
	}
	region.blocks[region.sp] = MemoryBlock_t{Base: page, Pages: 1}
	region.sp++
	region.Free += uint64(PGSIZE)
	region.Lock.UnlockIrqRestore(flags)
}

// / Extents returns a snapshot of the free-extent stack, bottom first.
// / Test aid.
func (region *MemoryRegion_t) Extents() []MemoryBlock_t {
	flags := region.Lock.LockIrqSave()
	snap := make([]MemoryBlock_t, region.sp)
	copy(snap, region.blocks[:region.sp])
	region.Lock.UnlockIrqRestore(flags)
	return snap
}
