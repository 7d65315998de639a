package proc

import "unsafe"

import "fba"
import "mem"
import "refcnt"

// / ProcessPageEntry_t records one owned physical page and the region
// / it came from.
type ProcessPageEntry_t struct {
	Region *mem.MemoryRegion_t
	Addr   mem.Pa_t
}

// pagesPerBlock entries fit an FBA block after the header; each
// block records its own window address so freeing needs no lookup
const pagesPerBlock = (mem.PGSIZE - 32) / 16

type processPageBlock_t struct {
	next  *processPageBlock_t
	va    uintptr
	count uint16
	_     [14]uint8
	pages [pagesPerBlock]ProcessPageEntry_t
}

type processPages_t struct {
	head *processPageBlock_t
	va   uintptr
}

func pageBlockAt(va uintptr) *processPageBlock_t {
	pg := mem.KmemIn(fba.Pml4(), va)
	return (*processPageBlock_t)(unsafe.Pointer(&pg[0]))
}

// / AddOwnedPage records physAddr as owned by proc. When shared, the
// / page's sharer count is bumped first and failure to do so fails the
// / add. Returns false on allocation failure.
func AddOwnedPage(p *Process_t, r *mem.MemoryRegion_t, physAddr mem.Pa_t,
	shared bool) bool {
	if p == nil {
		return false
	}

	flags := p.Meminfo.PagesLock.LockIrqSave()

	if p.Meminfo.Pages == nil {
		va := fba.AllocBlock()
		if va == 0 {
			p.Meminfo.PagesLock.UnlockIrqRestore(flags)
			return false
		}
		pg := mem.KmemIn(fba.Pml4(), va)
		p.Meminfo.Pages = (*processPages_t)(unsafe.Pointer(&pg[0]))
		p.Meminfo.Pages.head = nil
		p.Meminfo.Pages.va = va
	}

	if shared && refcnt.Increment(uintptr(physAddr)) == 0 {
		p.Meminfo.PagesLock.UnlockIrqRestore(flags)
		return false
	}

	blk := p.Meminfo.Pages.head
	for blk != nil && int(blk.count) >= pagesPerBlock {
		blk = blk.next
	}

	if blk == nil {
		va := fba.AllocBlock()
		if va == 0 {
			p.Meminfo.PagesLock.UnlockIrqRestore(flags)
			return false
		}
		blk = pageBlockAt(va)
		blk.va = va
		blk.count = 0
		blk.next = p.Meminfo.Pages.head
		p.Meminfo.Pages.head = blk
	}

	blk.pages[blk.count] = ProcessPageEntry_t{Region: r, Addr: physAddr}
	blk.count++
	p.Meminfo.PagesLock.UnlockIrqRestore(flags)
	return true
}

// / RemoveOwnedPage drops physAddr from proc's owned set, freeing the
// / page when no other sharer remains. Returns false when the page is
// / not owned by proc.
func RemoveOwnedPage(p *Process_t, physAddr mem.Pa_t) bool {
	if p == nil || p.Meminfo.Pages == nil {
		return false
	}

	flags := p.Meminfo.PagesLock.LockIrqSave()

	var prev *processPageBlock_t
	for blk := p.Meminfo.Pages.head; blk != nil; blk = blk.next {
		for i := uint16(0); i < blk.count; i++ {
			if blk.pages[i].Addr != physAddr {
				continue
			}
			prevRef := refcnt.Decrement(uintptr(physAddr))

			if prevRef <= 1 {
				mem.PageFree(blk.pages[i].Region, physAddr)
			}

			blk.count--
			blk.pages[i] = blk.pages[blk.count]

			if blk.count == 0 {
				if prev != nil {
					prev.next = blk.next
				} else {
					p.Meminfo.Pages.head = blk.next
				}
				fba.Free(blk.va)
			}

			p.Meminfo.PagesLock.UnlockIrqRestore(flags)
			return true
		}
		prev = blk
	}

	p.Meminfo.PagesLock.UnlockIrqRestore(flags)
	return false
}

// / ReleaseOwnedPages frees every owned page whose sharer count drops
// / to zero and returns the tracking blocks.
func ReleaseOwnedPages(p *Process_t) {
	if p == nil || p.Meminfo.Pages == nil {
		return
	}

	flags := p.Meminfo.PagesLock.LockIrqSave()

	blk := p.Meminfo.Pages.head
	for blk != nil {
		for i := uint16(0); i < blk.count; i++ {
			addr := blk.pages[i].Addr
			r := blk.pages[i].Region

			prevRef := refcnt.Decrement(uintptr(addr))

			if prevRef <= 1 {
				mem.PageFree(r, addr)
			}
		}
		next := blk.next
		fba.Free(blk.va)
		blk = next
	}

	fba.Free(p.Meminfo.Pages.va)
	p.Meminfo.Pages = nil

	p.Meminfo.PagesLock.UnlockIrqRestore(flags)
}

// / ProcessPageAlloc allocates a page from region and records proc as
// / its owner, undoing the allocation if tracking fails. Failure is
// / the usual in-band sentinel.
func ProcessPageAlloc(p *Process_t, r *mem.MemoryRegion_t) mem.Pa_t {
	if p == nil {
		return 0xff
	}

	addr := mem.PageAlloc(r)
	if mem.AllocFailed(addr) {
		return addr
	}

	if !AddOwnedPage(p, r, addr, false) {
		mem.PageFree(r, addr)
		return 0xff
	}

	return addr
}

// / ProcessPageFree releases a page previously handed out by
// / ProcessPageAlloc.
func ProcessPageFree(p *Process_t, physAddr mem.Pa_t) bool {
	if p == nil {
		return false
	}
	return RemoveOwnedPage(p, physAddr)
}
