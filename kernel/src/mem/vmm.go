package mem

import "sync/atomic"

// The mapper edits page tables through the frame store the way the
// hardware walker would see them. The currently-loaded PML4 stands in
// for cr3; per-table TLB invalidations are recorded so tests can
// observe them.

var curPml4 atomic.Uintptr

var tlbInvals atomic.Uint64

// / LoadPml4 makes pa the current address-space root (cr3 write).
func LoadPml4(pa Pa_t) {
	curPml4.Store(uintptr(pa))
}

// / CurrentPml4 returns the physical address of the loaded PML4.
func CurrentPml4() Pa_t {
	return Pa_t(curPml4.Load())
}

// / FindPml4 returns the loaded PML4 as a table, as if through the
// / recursive mapping.
func FindPml4() *Pmap_t {
	return Physmem.DmapPmap(CurrentPml4())
}

// / InvalidatePage records a TLB invalidation for the page containing
// / virt. The real kernel executes invlpg here; the count is enough
// / for this model since no translation is cached.
func InvalidatePage(virt uintptr) {
	_ = virt
	tlbInvals.Add(1)
}

// / TlbInvalidations returns the number of invalidations issued.
func TlbInvalidations() uint64 {
	return tlbInvals.Load()
}

// walk one level: return the table the entry points at, allocating
// and wiring a fresh table if absent and create is set
func pmapNext(table *Pmap_t, idx int, create bool) (*Pmap_t, bool) {
	pte := table[idx]
	if pte&PTE_P == 0 {
		if !create {
			return nil, false
		}
		pa := PageAlloc(PhysicalRegion)
		if AllocFailed(pa) {
			return nil, false
		}
		Physmem.Zero(pa)
		table[idx] = pa | PTE_P | PTE_W | PTE_U
		InvalidatePage(uintptr(pa))
		return Physmem.DmapPmap(pa), true
	}
	return Physmem.DmapPmap(pte & PTE_ADDR), true
}

// walk pml4 down to the PT for virt, optionally creating missing
// tables, and return a pointer to the PTE slot
func pmapWalk(pml4 Pa_t, virt uintptr, create bool) (*Pa_t, bool) {
	table := Physmem.DmapPmap(pml4)
	table, ok := pmapNext(table, Pml4Index(virt), create)
	if !ok {
		return nil, false
	}
	table, ok = pmapNext(table, PdptIndex(virt), create)
	if !ok {
		return nil, false
	}
	table, ok = pmapNext(table, PdIndex(virt), create)
	if !ok {
		return nil, false
	}
	return &table[PtIndex(virt)], true
}

// / MapPageInPml4 maps virt to phys with flags in the address space
// / rooted at pml4, creating intermediate tables as needed. Returns
// / false if a table page could not be allocated.
func MapPageInPml4(pml4 Pa_t, virt uintptr, phys Pa_t, flags Pa_t) bool {
	if phys&PGOFFSET != 0 {
		panic("map of unaligned page")
	}
	pte, ok := pmapWalk(pml4, virt, true)
	if !ok {
		return false
	}
	*pte = phys | flags
	InvalidatePage(virt)
	return true
}

// / MapPage maps virt to phys with flags in the current address space.
func MapPage(virt uintptr, phys Pa_t, flags Pa_t) bool {
	return MapPageInPml4(CurrentPml4(), virt, phys, flags)
}

// / MapPageContaining is MapPage with phys masked down to its page.
func MapPageContaining(virt uintptr, phys Pa_t, flags Pa_t) bool {
	return MapPage(virt, phys&PGMASK, flags)
}

// / UnmapPageInPml4 clears the PTE for virt in the given space.
func UnmapPageInPml4(pml4 Pa_t, virt uintptr) {
	pte, ok := pmapWalk(pml4, virt, false)
	if !ok {
		return
	}
	*pte = 0
	InvalidatePage(virt)
}

// / UnmapPage clears the PTE for virt in the current address space.
func UnmapPage(virt uintptr) {
	UnmapPageInPml4(CurrentPml4(), virt)
}

// / VirtToPte returns the PTE slot mapping virt in the current address
// / space, or nil when any intermediate table is absent.
func VirtToPte(virt uintptr) *Pa_t {
	pte, ok := pmapWalk(CurrentPml4(), virt, false)
	if !ok {
		return nil
	}
	return pte
}

// / VirtToPtEntry returns the PTE (with flags) for virt, or 0 if any
// / level is absent or the leaf is not a present 4KiB mapping. Large
// / pages are deliberately not translated here.
func VirtToPtEntry(virt uintptr) Pa_t {
	table := Physmem.DmapPmap(CurrentPml4())
	pml4e := table[Pml4Index(virt)]
	if pml4e&PTE_P == 0 {
		return 0
	}
	table = Physmem.DmapPmap(pml4e & PTE_ADDR)
	pdpte := table[PdptIndex(virt)]
	if pdpte&PTE_P == 0 || pdpte&PTE_PS != 0 {
		return 0
	}
	table = Physmem.DmapPmap(pdpte & PTE_ADDR)
	pde := table[PdIndex(virt)]
	if pde&PTE_P == 0 || pde&PTE_PS != 0 {
		return 0
	}
	table = Physmem.DmapPmap(pde & PTE_ADDR)
	pte := table[PtIndex(virt)]
	if pte&PTE_P == 0 {
		return 0
	}
	return pte
}

// / VirtToPhysPageIn returns the physical base of the page mapping
// / virt in the space rooted at pml4, or 0 when unmapped.
func VirtToPhysPageIn(pml4 Pa_t, virt uintptr) Pa_t {
	pte, ok := pmapWalk(pml4, virt, false)
	if !ok || *pte&PTE_P == 0 {
		return 0
	}
	return *pte & PTE_ADDR
}

// / VirtToPhysPage returns the physical base of the page mapping virt,
// / or 0 when unmapped.
func VirtToPhysPage(virt uintptr) Pa_t {
	pte := VirtToPtEntry(virt)
	if pte != 0 {
		return pte & PTE_ADDR
	}
	return 0
}

// / VirtToPhys returns the physical address for virt, or 0 when the
// / page is unmapped.
func VirtToPhys(virt uintptr) Pa_t {
	page := VirtToPhysPage(virt)
	if page != 0 {
		return page | Pa_t(virt)&PGOFFSET
	}
	return 0
}

// / KmemIn returns the byte view of the kernel page mapped at virt in
// / the space rooted at pml4. Panics if virt is unmapped - kernel
// / windows are mapped eagerly.
func KmemIn(pml4 Pa_t, virt uintptr) *Bytepg_t {
	pte, ok := pmapWalk(pml4, virt, false)
	if !ok || *pte&PTE_P == 0 {
		panic("kmem of unmapped vaddr")
	}
	return Pg2bytes(Physmem.Dmap(*pte & PTE_ADDR))
}

// / Kmem is KmemIn on the current address space.
func Kmem(virt uintptr) *Bytepg_t {
	return KmemIn(CurrentPml4(), virt)
}

// / PER_CPU_TEMP_PAGE_BASE is the bottom of the per-CPU scratch
// / windows; each CPU owns one page-sized window above it.
const PER_CPU_TEMP_PAGE_BASE uintptr = 0xffffffff81400000

// / PerCpuTempPageAddr returns the scratch window for cpu.
func PerCpuTempPageAddr(cpu uint64) uintptr {
	return PER_CPU_TEMP_PAGE_BASE + uintptr(cpu)*uintptr(PGSIZE)
}
