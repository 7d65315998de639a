// Package ktest boots enough of the kernel in-process for package
// tests: a synthetic memory map, the kernel address space, the
// allocator stack, and the registries. The same wiring the real boot
// path does, against the manual timer.
package ktest

import "sync"

import "caps"
import "fba"
import "ipc"
import "kdrivers"
import "klog"
import "mem"
import "proc"
import "refcnt"
import "sched"
import "slab"
import "smp"
import "syscalls"
import "vm"

// / FBA_BEGIN is the fixed-block window used under test.
const FBA_BEGIN uintptr = 0xffffa00000000000

// / FBA_BLOCKS is the window size: one bitmap page's worth.
const FBA_BLOCKS uint64 = 512 * 64

// / MANAGED_BASE is where managed physical memory starts.
const MANAGED_BASE mem.Pa_t = 0x1000000

// / Timer is the manual timer the booted kernel runs on.
var Timer *kdrivers.ManualTimer_t

var bootOnce sync.Once

// / Boot brings the kernel up once per test process: 64MiB of managed
// / RAM, kernel PML4 with recursive slots, FBA/slab/refcount/
// / capability/IPC/klog subsystems, 4 CPUs, syscall table.
func Boot() {
	bootOnce.Do(boot)
}

func boot() {
	memmap := &mem.MemMap_t{
		Entries: []mem.MemMapEntry_t{
			{Base: 0, Length: 0x100000, Type: mem.MEM_MAP_USABLE},
			{Base: 0x100000, Length: 0xf00000, Type: mem.MEM_MAP_RESERVED},
			{Base: MANAGED_BASE, Length: 64 * 1024 * 1024,
				Type: mem.MEM_MAP_USABLE},
		},
	}

	buffer := make([]mem.MemoryBlock_t, 65536)
	mem.PhysicalRegion = mem.PageAllocInit(memmap, MANAGED_BASE, buffer, false)

	// kernel address space root with both recursive slots
	kpml4 := mem.PageAlloc(mem.PhysicalRegion)
	if mem.AllocFailed(kpml4) {
		panic("boot: no page for kernel pml4")
	}
	mem.Physmem.Zero(kpml4)
	kp := mem.Physmem.DmapPmap(kpml4)
	kp[mem.RECURSIVE_ENTRY] = kpml4 | mem.PTE_P | mem.PTE_W
	kp[mem.RECURSIVE_ENTRY_OTHER] = kpml4 | mem.PTE_P | mem.PTE_W
	mem.LoadPml4(kpml4)

	if !vm.AddressSpaceInit() {
		panic("boot: address_space_init failed")
	}

	if !fba.Init(kpml4, FBA_BEGIN, FBA_BLOCKS) {
		panic("boot: fba init failed")
	}

	if !refcnt.Init() {
		panic("boot: refcount map init failed")
	}

	smp.StateInit(4)
	sched.Init()

	Timer = kdrivers.MkManualTimer()
	kdrivers.InstallTimer(Timer)

	caps.CookiesInit(0x2b7e151628aed2a6)
	if !caps.CapabilitiesInit() {
		panic("boot: capability map init failed")
	}

	ipc.ChannelInit()

	if !klog.Init() {
		panic("boot: klog init failed")
	}

	proc.ProcessInit()

	if !syscalls.Init() {
		panic("boot: syscall init failed")
	}
}

// / MkTask builds a process (sharing the kernel address space) with
// / one task, marked running on the current CPU.
func MkTask() *proc.Task_t {
	Boot()
	p := proc.ProcessCreate(mem.CurrentPml4())
	if p == nil {
		panic("ktest: process create failed")
	}
	t := proc.TaskCreateNew(p, 0, 0, 0, 0, proc.TASK_CLASS_NORMAL)
	if t == nil {
		panic("ktest: task create failed")
	}
	t.Sched.State = proc.TASK_STATE_RUNNING
	smp.StateGetPerCpu().CurrentTask = t
	return t
}

// / SlabCount exposes the live slab object count for leak checks.
func SlabCount() uint64 {
	return slab.Allocated()
}
