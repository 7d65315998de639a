// Package fba is the fixed-block allocator: 4KiB kernel pages handed
// out from a reserved virtual window, tracked by a bitmap kept in the
// first pages of the window itself.
package fba

import "unsafe"

import "klock"
import "mem"

// bits per bitmap page; the block count must be a multiple of this so
// the bitmap is a whole number of pages
const bitsPerPage = 512 * 64

var fbaLock klock.SpinLock_t
var fbaPml4 mem.Pa_t
var fbaBegin uintptr
var fbaSizeBlocks uint64
var fbaBitmapPages uint64

// / Init sets up the allocator over the window beginning at begin.
// / begin must be page aligned and sizeBlocks a multiple of 512*64.
// / The bitmap pages are allocated, mapped and marked in use. Returns
// / false on bad arguments or allocation failure.
func Init(pml4 mem.Pa_t, begin uintptr, sizeBlocks uint64) bool {
	if begin&uintptr(mem.PGOFFSET) != 0 {
		return false
	}
	if sizeBlocks&(bitsPerPage-1) != 0 {
		return false
	}
	if sizeBlocks == 0 {
		// valid, but noop
		return true
	}

	bitmapPages := sizeBlocks / bitsPerPage
	bitmapEnd := begin + uintptr(bitmapPages)*uintptr(mem.PGSIZE)

	for virt := begin; virt < bitmapEnd; virt += uintptr(mem.PGSIZE) {
		phys := mem.PageAlloc(mem.PhysicalRegion)
		if mem.AllocFailed(phys) {
			return false
		}
		mem.Physmem.Zero(phys)
		mem.MapPageInPml4(pml4, virt, phys, mem.PTE_P|mem.PTE_W)
	}

	fbaPml4 = pml4
	fbaBegin = begin
	fbaSizeBlocks = sizeBlocks
	fbaBitmapPages = bitmapPages

	// the bitmap occupies the first blocks of its own window
	for i := uint64(0); i < bitmapPages; i++ {
		w := bitmapWord(i / 64)
		*w |= 1 << (i % 64)
	}

	return true
}

func bitmapWord(idx uint64) *uint64 {
	va := fbaBegin + uintptr(idx/512)*uintptr(mem.PGSIZE)
	pg := mem.KmemIn(fbaPml4, va)
	off := (idx % 512) * 8
	return (*uint64)(unsafe.Pointer(&pg[off]))
}

func blockAddress(bit uint64) uintptr {
	return fbaBegin + uintptr(bit)*uintptr(mem.PGSIZE)
}

func ctz(v uint64) uint64 {
	// count-trailing-zeros via De Bruijn sequence; v must be non-zero
	const debruijn = 0x03F79D71B4CB0A89
	return uint64(deBruijnTable[((v&-v)*debruijn)>>58])
}

var deBruijnTable = [64]uint8{
	0, 1, 48, 2, 57, 49, 28, 3, 61, 58, 50, 42, 38, 29, 17, 4,
	62, 55, 59, 36, 53, 51, 43, 22, 45, 39, 33, 30, 24, 18, 12, 5,
	63, 47, 56, 27, 60, 41, 37, 16, 54, 35, 52, 21, 44, 32, 23, 11,
	46, 26, 40, 15, 34, 20, 31, 10, 25, 14, 19, 9, 13, 8, 7, 6,
}

func doAlloc(va uintptr) uintptr {
	phys := mem.PageAlloc(mem.PhysicalRegion)
	if mem.AllocFailed(phys) {
		return 0
	}
	mem.Physmem.Zero(phys)
	mem.MapPageInPml4(fbaPml4, va, phys, mem.PTE_P|mem.PTE_W)
	return va
}

// / AllocBlock allocates one block, scanning the bitmap 64 bits at a
// / time. Returns the block's virtual address, or 0 when the window or
// / physical memory is exhausted.
func AllocBlock() uintptr {
	fbaLock.Lock()
	nwords := fbaSizeBlocks / 64
	for wi := uint64(0); wi < nwords; wi++ {
		w := bitmapWord(wi)
		if *w == ^uint64(0) {
			continue
		}
		bit := ctz(^*w)
		*w |= 1 << bit
		va := blockAddress(wi*64 + bit)
		ret := doAlloc(va)
		if ret == 0 {
			*w &^= 1 << bit
		}
		fbaLock.Unlock()
		return ret
	}
	fbaLock.Unlock()
	return 0
}

// / AllocBlocks reserves count contiguous blocks with a linear scan of
// / the bitmap and maps a fresh physical page behind each. Returns the
// / first block's virtual address, or 0 on failure.
func AllocBlocks(count uint32) uintptr {
	if count == 0 {
		return 0
	}
	fbaLock.Lock()
	run := uint64(0)
	start := uint64(0)
	for bit := uint64(0); bit < fbaSizeBlocks; bit++ {
		w := bitmapWord(bit / 64)
		if *w&(1<<(bit%64)) != 0 {
			run = 0
			start = bit + 1
			continue
		}
		run++
		if run < uint64(count) {
			continue
		}
		for i := start; i <= bit; i++ {
			ww := bitmapWord(i / 64)
			*ww |= 1 << (i % 64)
		}
		for i := start; i <= bit; i++ {
			if doAlloc(blockAddress(i)) == 0 {
				// unwind: unmap and release what we mapped
				for j := start; j < i; j++ {
					freeBlockLocked(j)
				}
				for j := i; j <= bit; j++ {
					ww := bitmapWord(j / 64)
					*ww &^= 1 << (j % 64)
				}
				fbaLock.Unlock()
				return 0
			}
		}
		fbaLock.Unlock()
		return blockAddress(start)
	}
	fbaLock.Unlock()
	return 0
}

func freeBlockLocked(bit uint64) {
	w := bitmapWord(bit / 64)
	*w &^= 1 << (bit % 64)
	va := blockAddress(bit)
	phys := mem.VirtToPhysPageIn(fbaPml4, va)
	mem.UnmapPageInPml4(fbaPml4, va)
	if phys != 0 {
		mem.PageFree(mem.PhysicalRegion, phys)
	}
}

// / Free releases the block at va: clears its bitmap bit, unmaps the
// / page and hands the physical frame back to the page allocator.
func Free(block uintptr) {
	if block < fbaBegin ||
		block >= fbaBegin+uintptr(fbaSizeBlocks)*uintptr(mem.PGSIZE) {
		return
	}
	bit := uint64(block-fbaBegin) / uint64(mem.PGSIZE)
	fbaLock.Lock()
	freeBlockLocked(bit)
	fbaLock.Unlock()
}

// / FreeBlocks releases count consecutive blocks starting at va.
func FreeBlocks(block uintptr, count uint32) {
	for i := uint32(0); i < count; i++ {
		Free(block + uintptr(i)*uintptr(mem.PGSIZE))
	}
}

// / Pml4 returns the address-space root the window is mapped in.
func Pml4() mem.Pa_t {
	return fbaPml4
}

// / Begin returns the window base. Test aid.
func Begin() uintptr {
	return fbaBegin
}

// / SizeBlocks returns the window size in blocks. Test aid.
func SizeBlocks() uint64 {
	return fbaSizeBlocks
}
