package syscalls_test

import "testing"

import "defs"
import "ipc"
import "klog"
import "ktest"
import "mem"
import "proc"
import "syscalls"

// a user-visible scratch page mapped into the test task's space
func userPage(t *testing.T, task *proc.Task_t, va uintptr) mem.Pa_t {
	t.Helper()
	phys := mem.PageAlloc(mem.PhysicalRegion)
	if mem.AllocFailed(phys) {
		t.Fatal("no page")
	}
	if !mem.MapPageInPml4(task.Pml4, va, phys, mem.PTE_P|mem.PTE_W|mem.PTE_U) {
		t.Fatal("map failed")
	}
	return phys
}

func cookieFor(t *testing.T, id defs.SyscallId_t) uint64 {
	t.Helper()
	for _, p := range syscalls.CapabilityPairs() {
		if p[0] == uint64(id) {
			return p[1]
		}
	}
	t.Fatalf("no capability for syscall %d", id)
	return 0
}

func TestDispatchRejectsBadNumber(t *testing.T) {
	task := ktest.MkTask()
	got := syscalls.Dispatch(task, 1234, defs.SYSCALL_ID_END, 0, 0, 0, 0, 0)
	if got != defs.SYSCALL_BAD_NUMBER {
		t.Fatalf("result %d", got)
	}
}

func TestDispatchIncapableCostsAndDelays(t *testing.T) {
	task := ktest.MkTask()

	failures := task.Owner.CapFailures
	d0 := ktest.Timer.DelayedNanos()

	got := syscalls.Dispatch(task, 0xbadbadbad, defs.SYSCALL_ID_DEBUG_CHAR,
		'x', 0, 0, 0, 0)
	if got != defs.SYSCALL_INCAPABLE {
		t.Fatalf("result %d", got)
	}
	if task.Owner.CapFailures != failures+1 {
		t.Fatal("failure counter not bumped")
	}
	if ktest.Timer.DelayedNanos() == d0 {
		t.Fatal("no brute-force delay")
	}

	// a valid cookie presented with the wrong id is also incapable
	wrong := cookieFor(t, defs.SYSCALL_ID_SLEEP)
	got = syscalls.Dispatch(task, wrong, defs.SYSCALL_ID_DEBUG_CHAR,
		'x', 0, 0, 0, 0)
	if got != defs.SYSCALL_INCAPABLE {
		t.Fatalf("mismatched id result %d", got)
	}
}

func TestDebugCharReachesKlog(t *testing.T) {
	task := ktest.MkTask()
	klog.Clear()

	cookie := cookieFor(t, defs.SYSCALL_ID_DEBUG_CHAR)
	if got := syscalls.Dispatch(task, cookie, defs.SYSCALL_ID_DEBUG_CHAR,
		'A', 0, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("result %d", got)
	}

	var buf [16]uint8
	if n := klog.Read(buf[:]); n != 1 || buf[0] != 'A' {
		t.Fatalf("klog got %q", buf[:n])
	}
}

func TestMemstatsWritesUserBuffer(t *testing.T) {
	task := ktest.MkTask()
	const va = uintptr(0x30000)
	phys := userPage(t, task, va)

	cookie := cookieFor(t, defs.SYSCALL_ID_MEMSTATS)
	if got := syscalls.Dispatch(task, cookie, defs.SYSCALL_ID_MEMSTATS,
		defs.SyscallArg(va), 0, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("result %d", got)
	}

	pg := mem.Pg2bytes(mem.Physmem.Dmap(phys))
	var total uint64
	for i := 7; i >= 0; i-- {
		total = total<<8 | uint64(pg[i])
	}
	if total != mem.PhysicalRegion.Size {
		t.Fatalf("physical_total %#x, want %#x", total, mem.PhysicalRegion.Size)
	}
}

func TestRegionSyscalls(t *testing.T) {
	task := ktest.MkTask()

	create := cookieFor(t, defs.SYSCALL_ID_CREATE_REGION)
	destroy := cookieFor(t, defs.SYSCALL_ID_DESTROY_REGION)

	if got := syscalls.Dispatch(task, create, defs.SYSCALL_ID_CREATE_REGION,
		0x500000, 0x600000, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("create region: %d", got)
	}
	// overlapping create is refused
	if got := syscalls.Dispatch(task, create, defs.SYSCALL_ID_CREATE_REGION,
		0x500000, 0x700000, 0, 0, 0); got != defs.SYSCALL_BADARGS {
		t.Fatalf("overlap accepted: %d", got)
	}
	if got := syscalls.Dispatch(task, destroy, defs.SYSCALL_ID_DESTROY_REGION,
		0x500000, 0, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("destroy region: %d", got)
	}
	if got := syscalls.Dispatch(task, destroy, defs.SYSCALL_ID_DESTROY_REGION,
		0x500000, 0, 0, 0, 0); got != defs.SYSCALL_BADARGS {
		t.Fatalf("double destroy: %d", got)
	}
}

func TestChannelSyscallsRoundTrip(t *testing.T) {
	task := ktest.MkTask()

	create := cookieFor(t, defs.SYSCALL_ID_CREATE_CHANNEL)
	destroy := cookieFor(t, defs.SYSCALL_ID_DESTROY_CHANNEL)

	ch := syscalls.Dispatch(task, create, defs.SYSCALL_ID_CREATE_CHANNEL,
		0, 0, 0, 0, 0)
	if ch == 0 {
		t.Fatalf("create channel: %d", ch)
	}
	if !ipc.ChannelExists(uint64(ch)) {
		t.Fatal("channel not registered")
	}

	// named registration through the syscall surface
	const nameVa = uintptr(0x40000)
	userPage(t, task, nameVa)
	name := append([]uint8("svc:test"), 0)
	if !writeUser(task, nameVa, name) {
		t.Fatal("name write failed")
	}

	reg := cookieFor(t, defs.SYSCALL_ID_REGISTER_NAMED_CHANNEL)
	find := cookieFor(t, defs.SYSCALL_ID_FIND_NAMED_CHANNEL)
	dereg := cookieFor(t, defs.SYSCALL_ID_DEREGISTER_NAMED_CHANNEL)

	if got := syscalls.Dispatch(task, reg, defs.SYSCALL_ID_REGISTER_NAMED_CHANNEL,
		defs.SyscallArg(ch), defs.SyscallArg(nameVa), 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("register: %d", got)
	}
	if got := syscalls.Dispatch(task, find, defs.SYSCALL_ID_FIND_NAMED_CHANNEL,
		defs.SyscallArg(nameVa), 0, 0, 0, 0); got != ch {
		t.Fatalf("find: %d", got)
	}
	if got := syscalls.Dispatch(task, dereg, defs.SYSCALL_ID_DEREGISTER_NAMED_CHANNEL,
		defs.SyscallArg(nameVa), 0, 0, 0, 0); got != ch {
		t.Fatalf("deregister: %d", got)
	}

	if got := syscalls.Dispatch(task, destroy, defs.SYSCALL_ID_DESTROY_CHANNEL,
		defs.SyscallArg(ch), 0, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("destroy: %d", got)
	}
}

func writeUser(task *proc.Task_t, va uintptr, data []uint8) bool {
	phys := mem.VirtToPhysPageIn(task.Pml4, va)
	if phys == 0 {
		return false
	}
	pg := mem.Pg2bytes(mem.Physmem.Dmap(phys))
	copy(pg[va&uintptr(mem.PGOFFSET):], data)
	return true
}

func TestMapUnmapVirtual(t *testing.T) {
	task := ktest.MkTask()

	mapc := cookieFor(t, defs.SYSCALL_ID_MAP_VIRTUAL)
	unmapc := cookieFor(t, defs.SYSCALL_ID_UNMAP_VIRTUAL)

	const va = uintptr(0x60000000)
	got := syscalls.Dispatch(task, mapc, defs.SYSCALL_ID_MAP_VIRTUAL,
		defs.SyscallArg(va), 0x3000, 0, 0, 0)
	if got != defs.SyscallResult_t(va) {
		t.Fatalf("map_virtual: %d", got)
	}
	for off := uintptr(0); off < 0x3000; off += uintptr(mem.PGSIZE) {
		if mem.VirtToPhysPageIn(task.Pml4, va+off) == 0 {
			t.Fatalf("page %#x not mapped", va+off)
		}
	}

	if got := syscalls.Dispatch(task, unmapc, defs.SYSCALL_ID_UNMAP_VIRTUAL,
		defs.SyscallArg(va), 0, 0, 0, 0); got != defs.SYSCALL_OK {
		t.Fatalf("unmap_virtual: %d", got)
	}
	if mem.VirtToPhysPageIn(task.Pml4, va) != 0 {
		t.Fatal("page survived unmap")
	}

	// unaligned map is bad args
	if got := syscalls.Dispatch(task, mapc, defs.SYSCALL_ID_MAP_VIRTUAL,
		0x123, 0x1000, 0, 0, 0); got != defs.SYSCALL_BADARGS {
		t.Fatalf("unaligned map: %d", got)
	}
}

func TestAllocPhysicalPages(t *testing.T) {
	task := ktest.MkTask()
	c := cookieFor(t, defs.SYSCALL_ID_ALLOC_PHYSICAL_PAGES)

	got := syscalls.Dispatch(task, c, defs.SYSCALL_ID_ALLOC_PHYSICAL_PAGES,
		4, 0, 0, 0, 0)
	if got <= 0 || got&0xfff != 0 {
		t.Fatalf("alloc_physical_pages: %#x", got)
	}
	for i := 0; i < 4; i++ {
		mem.PageFree(mem.PhysicalRegion, mem.Pa_t(got)+mem.Pa_t(i*mem.PGSIZE))
	}

	if got := syscalls.Dispatch(task, c, defs.SYSCALL_ID_ALLOC_PHYSICAL_PAGES,
		0, 0, 0, 0, 0); got != defs.SYSCALL_BADARGS {
		t.Fatalf("zero-count alloc: %d", got)
	}
}

func TestProcessDeathDestroysChannels(t *testing.T) {
	ktest.Boot()

	p := proc.ProcessCreate(mem.CurrentPml4())
	task := proc.TaskCreateNew(p, 0, 0, 0, 0, proc.TASK_CLASS_NORMAL)

	create := cookieFor(t, defs.SYSCALL_ID_CREATE_CHANNEL)
	ch := syscalls.Dispatch(task, create, defs.SYSCALL_ID_CREATE_CHANNEL,
		0, 0, 0, 0, 0)
	if ch == 0 || !ipc.ChannelExists(uint64(ch)) {
		t.Fatal("channel create through syscall failed")
	}

	proc.TaskDestroy(task)
	proc.ProcessDestroy(p)

	if ipc.ChannelExists(uint64(ch)) {
		t.Fatal("channel survived its owning process")
	}
}

func TestInitialStackValuesLayout(t *testing.T) {
	ktest.Boot()

	pairs := [][2]uint64{{1, 0x1111}, {2, 0x2222}}
	argv := []string{"boot:/system.bin"}
	const top = uintptr(0x7ff000000000)

	values := syscalls.InitialStackValues(top, pairs, argv)

	base := uint64(top) - uint64(len(values)*8)

	if values[0] != 2 {
		t.Fatalf("capc %d", values[0])
	}
	if values[1] != base+4*8 {
		t.Fatalf("capv ptr %#x", values[1])
	}
	if values[2] != 1 {
		t.Fatalf("argc %d", values[2])
	}
	if values[3] != base+8*8 {
		t.Fatalf("argv ptr %#x", values[3])
	}
	if values[4] != 1 || values[5] != 0x1111 ||
		values[6] != 2 || values[7] != 0x2222 {
		t.Fatal("capability pairs wrong")
	}
	// argv[0] points at the string data just after the pointers
	if values[8] != base+9*8 {
		t.Fatalf("argv[0] %#x", values[8])
	}
	// decode the string back out of the packed words
	var data []uint8
	for _, w := range values[9:] {
		for b := 0; b < 8; b++ {
			data = append(data, uint8(w>>(8*b)))
		}
	}
	got := ""
	for _, c := range data {
		if c == 0 {
			break
		}
		got += string(rune(c))
	}
	if got != argv[0] {
		t.Fatalf("argv data %q", got)
	}
}
