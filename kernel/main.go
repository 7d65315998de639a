// Command kernel boots the core in-process: the same initialisation
// order the real platform path runs, against a synthetic memory map
// and the manual timer, ending with the SYSTEM process set up and its
// capability stack laid out.
package main

import "fmt"

import "caps"
import "fba"
import "ipc"
import "kdrivers"
import "klog"
import "mem"
import "proc"
import "refcnt"
import "sched"
import "smp"
import "syscalls"
import "vm"

const fbaBegin uintptr = 0xffffa00000000000
const fbaBlocks uint64 = 512 * 64

const managedBase mem.Pa_t = 0x1000000

const systemStackBase uintptr = 0x7fff00000000
const systemStackSize uint64 = 0x20000

// ap_startup_wait: APs spin here until the BSP finishes bringing the
// world up. The store below is the release; the spin relies on the
// ISA's ordering plus the pause hint (soft barrier).
var apStartupWait = true

func main() {
	memmap := &mem.MemMap_t{
		Entries: []mem.MemMapEntry_t{
			{Base: 0, Length: 0x100000, Type: mem.MEM_MAP_USABLE},
			{Base: 0x100000, Length: 0xf00000, Type: mem.MEM_MAP_RESERVED},
			{Base: managedBase, Length: 256 * 1024 * 1024,
				Type: mem.MEM_MAP_USABLE},
		},
	}

	buffer := make([]mem.MemoryBlock_t, 65536)
	mem.PhysicalRegion = mem.PageAllocInit(memmap, managedBase, buffer, true)

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

	if !fba.Init(kpml4, fbaBegin, fbaBlocks) {
		panic("boot: fba init failed")
	}

	if !refcnt.Init() {
		panic("boot: refcount map init failed")
	}

	smp.StateInit(4)
	sched.Init()

	kdrivers.InstallTimer(kdrivers.MkManualTimer())

	caps.CookiesInit(0x9e3779b97f4a7c15)
	if !caps.CapabilitiesInit() {
		panic("boot: capability map init failed")
	}

	ipc.ChannelInit()

	if !klog.Init() {
		panic("boot: klog init failed")
	}
	klog.WriteString("anos kernel core up\n")

	proc.ProcessInit()

	if !syscalls.Init() {
		panic("boot: syscall init failed")
	}

	// SYSTEM gets every syscall capability on its initial stack
	values := syscalls.InitialStackValues(
		systemStackBase+uintptr(systemStackSize),
		syscalls.CapabilityPairs(), []string{"boot:/system.bin"})

	pml4 := vm.AddressSpaceCreate(systemStackBase, systemStackSize, nil, values)
	if pml4 == 0 {
		panic("boot: SYSTEM address space create failed")
	}

	system := proc.ProcessCreate(pml4)
	if system == nil {
		panic("boot: SYSTEM process create failed")
	}

	sp := systemStackBase + uintptr(systemStackSize) -
		uintptr(len(values)*8)
	task := proc.TaskCreateNew(system, sp, 0, 0, 0, proc.TASK_CLASS_HIGH)
	if task == nil {
		panic("boot: SYSTEM task create failed")
	}

	sched.Lock()
	sched.Unblock(task)
	sched.Unlock()

	apStartupWait = false

	mi := mem.PhysicalRegion
	fmt.Printf("SYSTEM is pid %d (tid %d); %d/%d bytes physical free\n",
		system.Pid, task.Sched.Tid, mi.Free, mi.Size)
	fmt.Printf("syscall table: %d capabilities\n", len(syscalls.CapabilityPairs()))
}
