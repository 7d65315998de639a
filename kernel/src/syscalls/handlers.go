package syscalls

import "unsafe"

import "defs"
import "ipc"
import "klog"
import "limits"
import "mem"
import "proc"
import "region"
import "sched"
import "slab"
import "stats"
import "ustr"
import "vm"

// Platform handles the boot path records for the handlers that
// expose firmware resources.
var FirmwareRsdtPhys mem.Pa_t
var FirmwareRsdtSize uint64
var FramebufferPhys mem.Pa_t

func installHandlers() {
	handlers[defs.SYSCALL_ID_DEBUG_PRINT] = sysDebugPrint
	handlers[defs.SYSCALL_ID_DEBUG_CHAR] = sysDebugChar
	handlers[defs.SYSCALL_ID_CREATE_THREAD] = sysCreateThread
	handlers[defs.SYSCALL_ID_MEMSTATS] = sysMemstats
	handlers[defs.SYSCALL_ID_SLEEP] = sysSleep
	handlers[defs.SYSCALL_ID_CREATE_PROCESS] = sysCreateProcess
	handlers[defs.SYSCALL_ID_MAP_VIRTUAL] = sysMapVirtual
	handlers[defs.SYSCALL_ID_SEND_MESSAGE] = sysSendMessage
	handlers[defs.SYSCALL_ID_RECV_MESSAGE] = sysRecvMessage
	handlers[defs.SYSCALL_ID_REPLY_MESSAGE] = sysReplyMessage
	handlers[defs.SYSCALL_ID_CREATE_CHANNEL] = sysCreateChannel
	handlers[defs.SYSCALL_ID_DESTROY_CHANNEL] = sysDestroyChannel
	handlers[defs.SYSCALL_ID_REGISTER_NAMED_CHANNEL] = sysRegisterNamed
	handlers[defs.SYSCALL_ID_DEREGISTER_NAMED_CHANNEL] = sysDeregisterNamed
	handlers[defs.SYSCALL_ID_FIND_NAMED_CHANNEL] = sysFindNamed
	handlers[defs.SYSCALL_ID_KILL_CURRENT_TASK] = sysKillCurrentTask
	handlers[defs.SYSCALL_ID_UNMAP_VIRTUAL] = sysUnmapVirtual
	handlers[defs.SYSCALL_ID_CREATE_REGION] = sysCreateRegion
	handlers[defs.SYSCALL_ID_DESTROY_REGION] = sysDestroyRegion
	handlers[defs.SYSCALL_ID_MAP_FIRMWARE_TABLES] = sysMapFirmwareTables
	handlers[defs.SYSCALL_ID_MAP_PHYSICAL] = sysMapPhysical
	handlers[defs.SYSCALL_ID_ALLOC_PHYSICAL_PAGES] = sysAllocPhysicalPages
	handlers[defs.SYSCALL_ID_ALLOC_INTERRUPT_VECTOR] = sysAllocInterruptVector
	handlers[defs.SYSCALL_ID_WAIT_INTERRUPT] = sysWaitInterrupt
	handlers[defs.SYSCALL_ID_READ_KERNEL_LOG] = sysReadKernelLog
	handlers[defs.SYSCALL_ID_GET_FRAMEBUFFER_PHYS] = sysGetFramebufferPhys
}

func sysDebugPrint(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if a1 < 0 || a1 > limits.MAX_IPC_BUFFER_SIZE {
		return defs.SYSCALL_BADARGS
	}
	b, ok := userRead(t, uintptr(a0), int(a1))
	if !ok {
		return defs.SYSCALL_BADARGS
	}
	klog.WriteString(string(b))
	return defs.SYSCALL_OK
}

func sysDebugChar(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	klog.WriteChar(uint8(a0))
	return defs.SYSCALL_OK
}

func sysCreateThread(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	entry := uintptr(a0)
	sp := uintptr(a1)
	if entry == 0 {
		return defs.SYSCALL_BADARGS
	}
	task := proc.TaskCreateNew(t.Owner, sp, 0, 0, entry, proc.TASK_CLASS_NORMAL)
	if task == nil {
		return defs.SYSCALL_FAILURE
	}
	cpu := sched.FindTargetCpu(task)
	flags := sched.LockAnyCpu(cpu)
	sched.UnblockOn(task, cpu)
	sched.UnlockAnyCpu(cpu, flags)
	return defs.SyscallResult_t(task.Sched.Tid)
}

func sysMemstats(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	mi := stats.Meminfo()
	buf := append(putU64(mi.PhysicalTotal), putU64(mi.PhysicalAvail)...)
	if !userWrite(t, uintptr(a0), buf) {
		return defs.SYSCALL_BADARGS
	}
	return defs.SYSCALL_OK
}

func sysSleep(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	stats.Kstats.Sleeps.Inc()
	sched.Lock()
	ok := sched.SleepTask(t, uint64(a0))
	sched.Unlock()
	if !ok {
		return defs.SYSCALL_FAILURE
	}
	return defs.SYSCALL_OK
}

func sysCreateProcess(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	// ProcessCreateParams, 64 bytes
	pb, ok := userRead(t, uintptr(a0), 64)
	if !ok {
		return defs.SYSCALL_BADARGS
	}
	entry := uintptr(leU64(pb[0:]))
	stackBase := uintptr(leU64(pb[8:]))
	stackSize := leU64(pb[16:])
	regionCount := int(pb[24])
	regionsPtr := uintptr(leU64(pb[32:]))
	stackValueCount := int(leU64(pb[40:]) & 0xffff)
	stackValuesPtr := uintptr(leU64(pb[48:]))

	if regionCount > limits.MAX_PROCESS_REGIONS {
		return defs.SYSCALL_BADARGS
	}
	if stackValueCount > limits.MAX_STACK_VALUE_COUNT {
		return defs.SYSCALL_BADARGS
	}

	regions := make([]vm.AddressSpaceRegion_t, regionCount)
	if regionCount > 0 {
		rb, ok := userRead(t, regionsPtr, regionCount*16)
		if !ok {
			return defs.SYSCALL_BADARGS
		}
		for i := 0; i < regionCount; i++ {
			regions[i].Start = uintptr(leU64(rb[i*16:]))
			regions[i].LenBytes = leU64(rb[i*16+8:])
		}
	}

	stackValues := make([]uint64, stackValueCount)
	if stackValueCount > 0 {
		vb, ok := userRead(t, stackValuesPtr, stackValueCount*8)
		if !ok {
			return defs.SYSCALL_BADARGS
		}
		for i := 0; i < stackValueCount; i++ {
			stackValues[i] = leU64(vb[i*8:])
		}
	}

	pml4 := vm.AddressSpaceCreate(stackBase, stackSize, regions, stackValues)
	if pml4 == 0 {
		return defs.SYSCALL_FAILURE
	}

	p := proc.ProcessCreate(pml4)
	if p == nil {
		vm.AddressSpaceDestroy(pml4)
		return defs.SYSCALL_FAILURE
	}
	stats.Kstats.Procscreated.Inc()

	sp := stackBase + uintptr(stackSize) - uintptr(stackValueCount*8)
	task := proc.TaskCreateNew(p, sp, 0, 0, entry, proc.TASK_CLASS_NORMAL)
	if task == nil {
		proc.ProcessDestroy(p)
		vm.AddressSpaceDestroy(pml4)
		return defs.SYSCALL_FAILURE
	}

	cpu := sched.FindTargetCpu(task)
	flags := sched.LockAnyCpu(cpu)
	sched.UnblockOn(task, cpu)
	sched.UnlockAnyCpu(cpu, flags)

	return defs.SyscallResult_t(p.Pid)
}

func sysMapVirtual(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	addr := uintptr(a0)
	size := uint64(a1)
	if addr&uintptr(mem.PGOFFSET) != 0 || size == 0 ||
		size&uint64(mem.PGOFFSET) != 0 {
		return defs.SYSCALL_BADARGS
	}
	if addr+uintptr(size) > mem.VM_KERNEL_SPACE_START {
		return defs.SYSCALL_BADARGS
	}

	for va := addr; va < addr+uintptr(size); va += uintptr(mem.PGSIZE) {
		phys := proc.ProcessPageAlloc(t.Owner, mem.PhysicalRegion)
		if mem.AllocFailed(phys) {
			return defs.SYSCALL_FAILURE
		}
		if !mem.MapPageInPml4(t.Pml4, va, phys,
			mem.PTE_P|mem.PTE_W|mem.PTE_U) {
			proc.ProcessPageFree(t.Owner, phys)
			return defs.SYSCALL_FAILURE
		}
	}

	r := region.MkRegion(addr, addr+uintptr(size), 0)
	if r == nil {
		return defs.SYSCALL_FAILURE
	}
	t.Owner.Meminfo.Regions = region.Insert(t.Owner.Meminfo.Regions, r)

	return defs.SyscallResult_t(addr)
}

func sysUnmapVirtual(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	addr := uintptr(a0)
	r := region.Lookup(t.Owner.Meminfo.Regions, addr)
	if r == nil {
		return defs.SYSCALL_BADARGS
	}

	for va := r.Start; va < r.End; va += uintptr(mem.PGSIZE) {
		phys := mem.VirtToPhysPageIn(t.Pml4, va)
		if phys != 0 {
			mem.UnmapPageInPml4(t.Pml4, va)
			proc.ProcessPageFree(t.Owner, phys)
		}
	}

	t.Owner.Meminfo.Regions = region.Remove(t.Owner.Meminfo.Regions, r.Start)
	return defs.SYSCALL_OK
}

func sysCreateRegion(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	start := uintptr(a0)
	end := uintptr(a1)
	if end <= start || end > region.USERSPACE_LIMIT {
		return defs.SYSCALL_BADARGS
	}
	if region.Lookup(t.Owner.Meminfo.Regions, start) != nil {
		return defs.SYSCALL_BADARGS
	}
	r := region.MkRegion(start, end, uint64(a2))
	if r == nil {
		return defs.SYSCALL_FAILURE
	}
	t.Owner.Meminfo.Regions = region.Insert(t.Owner.Meminfo.Regions, r)
	return defs.SYSCALL_OK
}

func sysDestroyRegion(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	start := uintptr(a0)
	if region.Lookup(t.Owner.Meminfo.Regions, start) == nil {
		return defs.SYSCALL_BADARGS
	}
	t.Owner.Meminfo.Regions = region.Remove(t.Owner.Meminfo.Regions, start)
	return defs.SYSCALL_OK
}

func sysSendMessage(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	r := ipc.ChannelSend(t, uint64(a0), uint64(a1), uint64(a2), uintptr(a3))
	return defs.SyscallResult_t(r)
}

func sysRecvMessage(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	var tag, size uint64
	cookie := ipc.ChannelRecv(t, uint64(a0), &tag, &size, uintptr(a3))
	if cookie == 0 {
		return defs.SYSCALL_FAILURE
	}
	if a1 != 0 && !userWrite(t, uintptr(a1), putU64(tag)) {
		return defs.SYSCALL_BADARGS
	}
	if a2 != 0 && !userWrite(t, uintptr(a2), putU64(size)) {
		return defs.SYSCALL_BADARGS
	}
	return defs.SyscallResult_t(cookie)
}

func sysReplyMessage(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	return defs.SyscallResult_t(ipc.ChannelReply(uint64(a0), uint64(a1)))
}

// teardown hook: channels a process created die with it
func channelResourceFree(ptr unsafe.Pointer, data uint64) {
	ipc.ChannelDestroy(data)
}

func sysCreateChannel(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	cookie := ipc.ChannelCreate()
	if cookie == 0 {
		return defs.SYSCALL_FAILURE
	}

	if t != nil && t.Owner != nil {
		r := (*proc.ManagedResource_t)(slab.Alloc())
		if r == nil {
			ipc.ChannelDestroy(cookie)
			return defs.SYSCALL_FAILURE
		}
		r.ResType = proc.RES_TYPE_CHANNEL
		r.FreeFunc = channelResourceFree
		r.FreeData = cookie
		proc.AddManagedResource(t.Owner, r)
	}

	return defs.SyscallResult_t(cookie)
}

func sysDestroyChannel(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if t != nil && t.Owner != nil {
		if r := proc.TakeManagedResource(t.Owner, proc.RES_TYPE_CHANNEL,
			uint64(a0)); r != nil {
			slab.Free(unsafe.Pointer(r))
		}
	}
	ipc.ChannelDestroy(uint64(a0))
	return defs.SYSCALL_OK
}

func userName(t *proc.Task_t, va uintptr) (ustr.Ustr, bool) {
	b, ok := userRead(t, va, limits.MAX_CHANNEL_NAME_LENGTH+1)
	if !ok {
		return nil, false
	}
	for i, c := range b {
		if c == 0 {
			return ustr.Ustr(b[:i]), true
		}
	}
	return nil, false
}

func sysRegisterNamed(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	name, ok := userName(t, uintptr(a1))
	if !ok {
		return defs.SYSCALL_BAD_NAME
	}
	if !ipc.NamedChannelRegister(uint64(a0), name) {
		return defs.SYSCALL_FAILURE
	}
	return defs.SYSCALL_OK
}

func sysDeregisterNamed(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	name, ok := userName(t, uintptr(a0))
	if !ok {
		return defs.SYSCALL_BAD_NAME
	}
	return defs.SyscallResult_t(ipc.NamedChannelDeregister(name))
}

func sysFindNamed(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	name, ok := userName(t, uintptr(a0))
	if !ok {
		return defs.SYSCALL_BAD_NAME
	}
	cookie := ipc.NamedChannelFind(name)
	if cookie == 0 {
		return defs.SYSCALL_BAD_NAME
	}
	return defs.SyscallResult_t(cookie)
}

func sysKillCurrentTask(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	stats.Kstats.Procsdied.Inc()
	sched.Lock()
	sched.Block(t)
	sched.Unlock()
	sched.Retire(t)
	proc.TaskDestroy(t)
	return defs.SYSCALL_OK
}

func sysMapFirmwareTables(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if FirmwareRsdtPhys == 0 {
		return defs.SYSCALL_FAILURE
	}
	va := uintptr(a0)
	if va&uintptr(mem.PGOFFSET) != 0 {
		return defs.SYSCALL_BADARGS
	}
	pages := (FirmwareRsdtSize + uint64(mem.PGSIZE) - 1) / uint64(mem.PGSIZE)
	if pages == 0 {
		pages = 1
	}
	for i := uint64(0); i < pages; i++ {
		if !mem.MapPageInPml4(t.Pml4, va+uintptr(i)*uintptr(mem.PGSIZE),
			FirmwareRsdtPhys+mem.Pa_t(i)*mem.Pa_t(mem.PGSIZE),
			mem.PTE_P|mem.PTE_U) {
			return defs.SYSCALL_FAILURE
		}
	}
	return defs.SyscallResult_t(va)
}

func sysMapPhysical(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	phys := mem.Pa_t(a0)
	va := uintptr(a1)
	size := uint64(a2)
	if phys&mem.PGOFFSET != 0 || va&uintptr(mem.PGOFFSET) != 0 ||
		size == 0 || size&uint64(mem.PGOFFSET) != 0 {
		return defs.SYSCALL_BADARGS
	}
	for off := uint64(0); off < size; off += uint64(mem.PGSIZE) {
		if !mem.MapPageInPml4(t.Pml4, va+uintptr(off), phys+mem.Pa_t(off),
			mem.PTE_P|mem.PTE_W|mem.PTE_U|mem.PTE_PCD) {
			return defs.SYSCALL_FAILURE
		}
	}
	return defs.SyscallResult_t(va)
}

func sysAllocPhysicalPages(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	count := uint64(a0)
	if count == 0 {
		return defs.SYSCALL_BADARGS
	}
	phys := mem.PageAllocM(mem.PhysicalRegion, count)
	if mem.AllocFailed(phys) {
		return defs.SYSCALL_FAILURE
	}
	return defs.SyscallResult_t(phys)
}

func sysAllocInterruptVector(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	v := sched.AllocInterruptVector()
	if v < 0 {
		return defs.SYSCALL_FAILURE
	}
	return defs.SyscallResult_t(v)
}

func sysWaitInterrupt(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if !sched.WaitInterrupt(int(a0), t) {
		return defs.SYSCALL_BADARGS
	}
	return defs.SYSCALL_OK
}

func sysReadKernelLog(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if a1 <= 0 {
		return defs.SYSCALL_BADARGS
	}
	buf := make([]uint8, a1)
	n := klog.Read(buf)
	if n == 0 {
		return 0
	}
	if !userWrite(t, uintptr(a0), buf[:n]) {
		return defs.SYSCALL_BADARGS
	}
	return defs.SyscallResult_t(n)
}

func sysGetFramebufferPhys(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t {
	if FramebufferPhys == 0 {
		return defs.SYSCALL_FAILURE
	}
	return defs.SyscallResult_t(FramebufferPhys)
}
