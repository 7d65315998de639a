// Package mem manages physical memory: the extent-stack page
// allocator, the frame store standing in for the direct map, and the
// recursive virtual-memory mapper.
package mem

import "sync"
import "unsafe"

// / PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// / PGSIZE is the size of a single page in bytes.
const PGSIZE int = 1 << PGSHIFT

// / PGOFFSET masks offsets within a page.
const PGOFFSET Pa_t = 0xfff

// / PGMASK masks the page number of an address.
const PGMASK Pa_t = ^(PGOFFSET)

// / PTE_P marks a page as present.
const PTE_P Pa_t = 1 << 0

// / PTE_W marks a page writable.
const PTE_W Pa_t = 1 << 1

// / PTE_U marks a page user-accessible.
const PTE_U Pa_t = 1 << 2

// / PTE_PCD disables caching for the page.
const PTE_PCD Pa_t = 1 << 4

// / PTE_PS indicates a large page.
const PTE_PS Pa_t = 1 << 7

// / PTE_G marks a global page.
const PTE_G Pa_t = 1 << 8

// / PTE_COW marks a copy-on-write mapping (available bit 9).
const PTE_COW Pa_t = 1 << 9

// / PTE_EXEC marks an executable mapping (available bit 10).
const PTE_EXEC Pa_t = 1 << 10

// / PTE_ADDR extracts the physical page number bits (12-51) of a PTE.
const PTE_ADDR Pa_t = 0x000ffffffffff000

// / PTE_FLAGS extracts everything that is not the physical address.
const PTE_FLAGS Pa_t = ^PTE_ADDR

// / Pa_t represents a physical address.
type Pa_t uintptr

// / Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

// / Pg_t is a generic page of ints.
type Pg_t [512]uint64

// / Pmap_t is a page table page.
type Pmap_t [512]Pa_t

// / VM_KERNEL_SPACE_START is the bottom of kernel space; everything
// / below it belongs to userspace.
const VM_KERNEL_SPACE_START uintptr = 0xffff800000000000

// / Pg2bytes converts a page of ints to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// / Bytepg2pg converts a byte page back to a Pg_t.
func Bytepg2pg(pg *Bytepg_t) *Pg_t {
	return (*Pg_t)(unsafe.Pointer(pg))
}

func pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// / Physmem_t is the frame store: the kernel-visible view of RAM,
// / playing the role of the direct map. Frames come into existence
// / zeroed on first access and their contents persist until reboot.
type Physmem_t struct {
	sync.Mutex
	frames map[Pa_t]*Pg_t
}

// / Physmem is the global frame store instance.
var Physmem = &Physmem_t{frames: make(map[Pa_t]*Pg_t)}

// returns a page-aligned view of the frame holding p, materialising
// the backing storage on first touch
// / Dmap converts a physical address into its direct-mapped page.
func (phys *Physmem_t) Dmap(p Pa_t) *Pg_t {
	pgaddr := p & PGMASK
	phys.Lock()
	pg, ok := phys.frames[pgaddr]
	if !ok {
		pg = &Pg_t{}
		phys.frames[pgaddr] = pg
	}
	phys.Unlock()
	return pg
}

// / Dmap8 returns a byte slice mapped to the given physical address,
// / running to the end of its frame.
func (phys *Physmem_t) Dmap8(p Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// / DmapPmap returns the frame at p viewed as a page table.
func (phys *Physmem_t) DmapPmap(p Pa_t) *Pmap_t {
	return pg2pmap(phys.Dmap(p))
}

// / Zero clears the frame at p.
func (phys *Physmem_t) Zero(p Pa_t) {
	pg := phys.Dmap(p)
	*pg = Pg_t{}
}

// / Fcount returns the number of materialised frames. Test aid.
func (phys *Physmem_t) Fcount() int {
	phys.Lock()
	n := len(phys.frames)
	phys.Unlock()
	return n
}
