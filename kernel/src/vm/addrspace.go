// Package vm builds process address spaces: a fresh PML4 with kernel
// space shared in, caller-named regions mapped copy-on-write from the
// current space, and the initial user stack laid out and populated.
package vm

import "klock"
import "limits"
import "mem"
import "refcnt"
import "sched"
import "smp"

// / AddressSpaceRegion_t names one region to share COW into a new
// / space.
type AddressSpaceRegion_t struct {
	Start    uintptr
	LenBytes uint64
}

// the current/"other" recursive-slot bridge is global, so one create
// runs at a time
var addressSpaceLock klock.SpinLock_t

// / AddressSpaceInit pre-populates every kernel PDPT in the current
// / PML4 so kernel space stays identical across address spaces - the
// / top-level entries can then be copied verbatim forever after.
func AddressSpaceInit() bool {
	pml4 := mem.FindPml4()

	for i := mem.FIRST_KERNEL_PML4E; i < 512; i++ {
		if pml4[i]&mem.PTE_P == 0 {
			newPdpt := mem.PageAlloc(mem.PhysicalRegion)
			if mem.AllocFailed(newPdpt) {
				return false
			}

			mem.Physmem.Zero(newPdpt)
			pml4[i] = newPdpt | mem.PTE_W | mem.PTE_P
			mem.InvalidatePage(mem.RecursivePdptAddress(uint16(i)))
		}
	}

	return true
}

// free the user half of a half-built space: table pages and any
// private leaves. COW leaves stay - the caller undoes their sharer
// counts instead.
func freeUserTables(pml4Phys mem.Pa_t) {
	pml4 := mem.Physmem.DmapPmap(pml4Phys)
	for i := 0; i < mem.RECURSIVE_ENTRY; i++ {
		if pml4[i]&mem.PTE_P == 0 {
			continue
		}
		pdpt := mem.Physmem.DmapPmap(pml4[i] & mem.PTE_ADDR)
		for j := 0; j < 512; j++ {
			if pdpt[j]&mem.PTE_P == 0 {
				continue
			}
			pd := mem.Physmem.DmapPmap(pdpt[j] & mem.PTE_ADDR)
			for k := 0; k < 512; k++ {
				if pd[k]&mem.PTE_P == 0 {
					continue
				}
				pt := mem.Physmem.DmapPmap(pd[k] & mem.PTE_ADDR)
				for l := 0; l < 512; l++ {
					if pt[l]&mem.PTE_P != 0 && pt[l]&mem.PTE_COW == 0 {
						mem.PageFree(mem.PhysicalRegion, pt[l]&mem.PTE_ADDR)
					}
				}
				mem.PageFree(mem.PhysicalRegion, pd[k]&mem.PTE_ADDR)
			}
			mem.PageFree(mem.PhysicalRegion, pdpt[j]&mem.PTE_ADDR)
		}
		mem.PageFree(mem.PhysicalRegion, pml4[i]&mem.PTE_ADDR)
	}
}

// / AddressSpaceCreate builds a new address space and returns the
// / physical address of its PML4, or 0 on failure (with everything
// / acquired along the way released again). The initial stack is
// / allocated top-down and stackValues are copied in descending from
// / the top through the per-CPU scratch window; that copy runs under
// / the scheduler lock so preemption cannot move the task mid-write.
func AddressSpaceCreate(initStackVaddr uintptr, initStackLen uint64,
	regions []AddressSpaceRegion_t, stackValues []uint64) mem.Pa_t {

	// align stack vaddr
	initStackVaddr &^= 0xfff
	initStackEnd := initStackVaddr + uintptr(initStackLen)

	// Don't let them explicitly map kernel space (even though we are
	// anyhow)
	if initStackVaddr >= mem.VM_KERNEL_SPACE_START ||
		initStackEnd >= mem.VM_KERNEL_SPACE_START {
		return 0
	}

	if len(stackValues) > int(initStackLen/8) ||
		len(stackValues) > limits.MAX_STACK_VALUE_COUNT {
		return 0
	}

	if len(regions) > limits.MAX_PROCESS_REGIONS {
		return 0
	}

	for i := range regions {
		r := &regions[i]

		if r.Start >= mem.VM_KERNEL_SPACE_START {
			return 0
		}
		if r.Start+uintptr(r.LenBytes) > mem.VM_KERNEL_SPACE_START {
			return 0
		}
		if r.Start&0xfff != 0 {
			return 0
		}
		if r.LenBytes&0xfff != 0 {
			return 0
		}
	}

	// NOTE: pagetable memory is **not** process-owned.
	newPml4Phys := mem.PageAlloc(mem.PhysicalRegion)
	if mem.AllocFailed(newPml4Phys) {
		return 0
	}
	mem.Physmem.Zero(newPml4Phys)

	lockFlags := addressSpaceLock.LockIrqSave()

	currentPml4 := mem.FindPml4()

	// Bridge the new space in through the "other" recursive slot
	savedOther := currentPml4[mem.RECURSIVE_ENTRY_OTHER]
	currentPml4[mem.RECURSIVE_ENTRY_OTHER] = newPml4Phys | mem.PTE_W | mem.PTE_P

	newPml4Virt := mem.Physmem.DmapPmap(newPml4Phys)
	mem.InvalidatePage(mem.RecursivePdptAddress(mem.RECURSIVE_ENTRY_OTHER))

	// Zero out userspace
	for i := 0; i < mem.RECURSIVE_ENTRY; i++ {
		newPml4Virt[i] = 0
	}

	// Both recursive slots must self-reference while we work with
	// this as the "other" address space - mapping writes go through
	// either side of the bridge.
	newPml4Virt[mem.RECURSIVE_ENTRY] = newPml4Phys | mem.PTE_W | mem.PTE_P
	newPml4Virt[mem.RECURSIVE_ENTRY_OTHER] = newPml4Phys | mem.PTE_W | mem.PTE_P

	// copy kernel space
	for i := mem.FIRST_KERNEL_PML4E; i < 512; i++ {
		newPml4Virt[i] = currentPml4[i]
	}

	bail := func(cowPages []mem.Pa_t) mem.Pa_t {
		for _, p := range cowPages {
			refcnt.Decrement(uintptr(p))
		}
		newPml4Virt[mem.RECURSIVE_ENTRY] = 0
		newPml4Virt[mem.RECURSIVE_ENTRY_OTHER] = 0
		freeUserTables(newPml4Phys)
		mem.PageFree(mem.PhysicalRegion, newPml4Phys)
		currentPml4[mem.RECURSIVE_ENTRY_OTHER] = savedOther
		mem.InvalidatePage(mem.RecursivePdptAddress(mem.RECURSIVE_ENTRY_OTHER))
		addressSpaceLock.UnlockIrqRestore(lockFlags)
		return 0
	}

	// map shared regions copy-on-write
	var cowPages []mem.Pa_t
	for i := range regions {
		regionEnd := regions[i].Start + uintptr(regions[i].LenBytes)

		for ptr := regions[i].Start; ptr < regionEnd; ptr += uintptr(mem.PGSIZE) {
			sharedPhys := mem.VirtToPhysPage(ptr)

			if sharedPhys == 0 {
				// not present in the source space; skipped
				continue
			}

			if !mem.MapPageInPml4(newPml4Phys, ptr, sharedPhys,
				mem.PTE_P|mem.PTE_U|mem.PTE_EXEC|mem.PTE_COW) {
				return bail(cowPages)
			}

			if refcnt.Increment(uintptr(sharedPhys)) == 0 {
				return bail(cowPages)
			}
			cowPages = append(cowPages, sharedPhys)
		}
	}

	// We track the pages at the top of the stack so the stack-value
	// copy below can reach them; allocation runs top-down so these
	// really are the top frames.
	var topPhysStackPages [limits.INIT_STACK_ARG_PAGES_COUNT]mem.Pa_t

	if initStackLen != 0 {
		topIdx := 0

		for ptr := initStackEnd - uintptr(mem.PGSIZE); ; ptr -= uintptr(mem.PGSIZE) {
			stackPage := mem.PageAlloc(mem.PhysicalRegion)

			if mem.AllocFailed(stackPage) {
				return bail(cowPages)
			}

			if topIdx < limits.INIT_STACK_ARG_PAGES_COUNT {
				topPhysStackPages[topIdx] = stackPage
				topIdx++
			}

			if !mem.MapPageInPml4(newPml4Phys, ptr, stackPage,
				mem.PTE_P|mem.PTE_W|mem.PTE_U) {
				mem.PageFree(mem.PhysicalRegion, stackPage)
				return bail(cowPages)
			}

			if ptr == initStackVaddr {
				break
			}
		}
	}

	// Copy the requested initial stack values in through the per-CPU
	// scratch window, descending from the stack top and remapping as
	// we cross onto the next frame down. The scheduler lock keeps
	// this task on this CPU for the duration - the window is per-CPU
	// state.
	if len(stackValues) > 0 {
		sched.Lock()

		state := smp.StateGetPerCpu()
		tempPage := mem.PerCpuTempPageAddr(state.CpuId)

		off := 0
		for i := len(stackValues) - 1; i >= 0; i-- {
			if off == 0 {
				phys := topPhysStackPages[(len(stackValues)-1-i)>>9]
				mem.MapPage(tempPage, phys, mem.PTE_P|mem.PTE_W)
				off = mem.PGSIZE
			}

			off -= 8
			pg := mem.Kmem(tempPage)
			b := pg[off : off+8 : off+8]
			v := stackValues[i]
			b[0] = uint8(v)
			b[1] = uint8(v >> 8)
			b[2] = uint8(v >> 16)
			b[3] = uint8(v >> 24)
			b[4] = uint8(v >> 32)
			b[5] = uint8(v >> 40)
			b[6] = uint8(v >> 48)
			b[7] = uint8(v >> 56)
		}

		mem.UnmapPage(tempPage)
		sched.Unlock()
	}

	// Drop the dying bridge: the new space keeps only its own
	// self-reference.
	newPml4Virt[mem.RECURSIVE_ENTRY_OTHER] = 0

	currentPml4[mem.RECURSIVE_ENTRY_OTHER] = savedOther
	mem.InvalidatePage(mem.RecursivePdptAddress(mem.RECURSIVE_ENTRY_OTHER))
	addressSpaceLock.UnlockIrqRestore(lockFlags)

	return newPml4Phys
}

// / AddressSpaceDestroy releases a space built by AddressSpaceCreate:
// / every user leaf page has its sharer count dropped (frames reaching
// / zero go back to the allocator), then the table pages and the PML4
// / itself are freed. Kernel entries are shared and untouched.
func AddressSpaceDestroy(pml4Phys mem.Pa_t) {
	flags := addressSpaceLock.LockIrqSave()

	pml4 := mem.Physmem.DmapPmap(pml4Phys)
	for i := 0; i < mem.RECURSIVE_ENTRY; i++ {
		if pml4[i]&mem.PTE_P == 0 {
			continue
		}
		pdpt := mem.Physmem.DmapPmap(pml4[i] & mem.PTE_ADDR)
		for j := 0; j < 512; j++ {
			if pdpt[j]&mem.PTE_P == 0 {
				continue
			}
			pd := mem.Physmem.DmapPmap(pdpt[j] & mem.PTE_ADDR)
			for k := 0; k < 512; k++ {
				if pd[k]&mem.PTE_P == 0 {
					continue
				}
				pt := mem.Physmem.DmapPmap(pd[k] & mem.PTE_ADDR)
				for l := 0; l < 512; l++ {
					if pt[l]&mem.PTE_P == 0 {
						continue
					}
					leaf := pt[l] & mem.PTE_ADDR
					if refcnt.Decrement(uintptr(leaf)) == 0 {
						mem.PageFree(mem.PhysicalRegion, leaf)
					}
				}
				mem.PageFree(mem.PhysicalRegion, pd[k]&mem.PTE_ADDR)
			}
			mem.PageFree(mem.PhysicalRegion, pdpt[j]&mem.PTE_ADDR)
		}
		mem.PageFree(mem.PhysicalRegion, pml4[i]&mem.PTE_ADDR)
	}

	mem.PageFree(mem.PhysicalRegion, pml4Phys)

	addressSpaceLock.UnlockIrqRestore(flags)
}
