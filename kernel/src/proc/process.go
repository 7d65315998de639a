package proc

import "sync/atomic"
import "unsafe"

import "accnt"
import "klock"
import "mem"
import "region"
import "slab"

// / ProcessTask_t links a task into its owning process.
type ProcessTask_t struct {
	Next *ProcessTask_t
	Task *Task_t
	_    [6]uint64
}

// / ProcessMemoryInfo_t tracks a process' memory: owned physical
// / pages, user regions and the managed-resource teardown list. The
// / page list and the resource list each have their own lock.
type ProcessMemoryInfo_t struct {
	PagesLock *klock.SpinLock_t
	Pages     *processPages_t
	ResHead   *ManagedResource_t
	ResTail   *ManagedResource_t
	Regions   *region.Region_t
	ResLock   *klock.SpinLock_t
	_         [2]uint64
}

// / Process_t is the 64-byte process record.
type Process_t struct {
	CapFailures uint64
	Pid         uint64
	Pml4        mem.Pa_t
	Tasks       *ProcessTask_t
	Meminfo     *ProcessMemoryInfo_t
	Accnt       *accnt.Accnt_t
	_           [2]uint64
}

var nextpid atomic.Uint64

// / ProcessInit resets the pid counter. Boot only.
func ProcessInit() {
	nextpid.Store(0)
}

// / ProcessCreate builds a process around an address-space root.
// / Returns nil on allocation failure with nothing leaked.
func ProcessCreate(pml4 mem.Pa_t) *Process_t {
	p := (*Process_t)(slab.Alloc())
	if p == nil {
		return nil
	}

	mi := (*ProcessMemoryInfo_t)(slab.Alloc())
	if mi == nil {
		slab.Free(unsafe.Pointer(p))
		return nil
	}

	pagesLock := (*klock.SpinLock_t)(slab.Alloc())
	if pagesLock == nil {
		slab.Free(unsafe.Pointer(mi))
		slab.Free(unsafe.Pointer(p))
		return nil
	}

	resLock := (*klock.SpinLock_t)(slab.Alloc())
	if resLock == nil {
		slab.Free(unsafe.Pointer(pagesLock))
		slab.Free(unsafe.Pointer(mi))
		slab.Free(unsafe.Pointer(p))
		return nil
	}

	ac := (*accnt.Accnt_t)(slab.Alloc())
	if ac == nil {
		slab.Free(unsafe.Pointer(resLock))
		slab.Free(unsafe.Pointer(pagesLock))
		slab.Free(unsafe.Pointer(mi))
		slab.Free(unsafe.Pointer(p))
		return nil
	}

	mi.PagesLock = pagesLock
	mi.ResLock = resLock
	p.Meminfo = mi
	p.Pml4 = pml4
	p.Accnt = ac
	p.Pid = nextpid.Add(1)

	return p
}

// / ProcessDestroy tears a process down: every managed resource is
// / freed, every owned physical page released (pages whose sharer
// / count drops to zero go back to the page allocator), the region
// / tree and the process records themselves returned.
func ProcessDestroy(p *Process_t) {
	if p == nil {
		return
	}

	ManagedResourcesFreeAll(p.Meminfo.ResHead)
	p.Meminfo.ResHead = nil
	p.Meminfo.ResTail = nil

	ReleaseOwnedPages(p)

	region.FreeAll(&p.Meminfo.Regions)

	for pt := p.Tasks; pt != nil; {
		next := pt.Next
		slab.Free(unsafe.Pointer(pt))
		pt = next
	}
	p.Tasks = nil

	slab.Free(unsafe.Pointer(p.Accnt))
	slab.Free(unsafe.Pointer(p.Meminfo.PagesLock))
	slab.Free(unsafe.Pointer(p.Meminfo.ResLock))
	slab.Free(unsafe.Pointer(p.Meminfo))
	slab.Free(unsafe.Pointer(p))
}

func processAddTask(p *Process_t, task *Task_t) bool {
	pt := (*ProcessTask_t)(slab.Alloc())
	if pt == nil {
		return false
	}
	pt.Task = task
	pt.Next = p.Tasks
	p.Tasks = pt
	return true
}

func processRemoveTask(p *Process_t, task *Task_t) {
	var prev *ProcessTask_t
	for pt := p.Tasks; pt != nil; pt = pt.Next {
		if pt.Task == task {
			if prev != nil {
				prev.Next = pt.Next
			} else {
				p.Tasks = pt.Next
			}
			slab.Free(unsafe.Pointer(pt))
			return
		}
		prev = pt
	}
}
