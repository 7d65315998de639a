// Package proc holds the task and process model: 64-byte task control
// blocks embedded in their kernel stacks, the owning process record,
// owned-page tracking and the managed-resource teardown list.
package proc

import "sync/atomic"
import "unsafe"

import "fba"
import "mem"
import "slab"

// / DEFAULT_TIMESLICE is the fresh timeslice in ticks.
const DEFAULT_TIMESLICE uint16 = 10

// / TaskClass_t selects the scheduling class.
type TaskClass_t uint8

const (
	TASK_CLASS_IDLE TaskClass_t = iota
	TASK_CLASS_NORMAL
	TASK_CLASS_HIGH
	TASK_CLASS_REALTIME
)

// / TaskState_t is the run state. A task is RUNNING iff it is the
// / currently executing task on some CPU.
type TaskState_t uint8

const (
	TASK_STATE_BLOCKED TaskState_t = iota
	TASK_STATE_READY
	TASK_STATE_RUNNING
)

// / TaskSched_t is the scheduler sidecar - state not needed on the
// / syscall fast path.
type TaskSched_t struct {
	Tid      uintptr
	TsRemain uint16
	State    TaskState_t
	Class    TaskClass_t
	Prio     uint8
	CpuId    uint8
	_        uint16
	_        [6]uint64
}

// The context-switch path depends on the exact layout of this.
// / Task_t is the 64-byte task control block, embedded at the base of
// / the task's kernel stack. Next threads whichever queue the task is
// / on; a task is on at most one queue at a time.
type Task_t struct {
	Next     *Task_t
	ksBase   uintptr
	Sched    *TaskSched_t
	Rsp0     uintptr
	Ssp      uintptr
	Owner    *Process_t
	Pml4     mem.Pa_t
	UspStash uintptr
}

var nexttid atomic.Uintptr

func classPrio(class TaskClass_t) uint8 {
	switch class {
	case TASK_CLASS_REALTIME:
		return 0
	case TASK_CLASS_HIGH:
		return 64
	case TASK_CLASS_IDLE:
		return 255
	}
	return 128
}

// / TaskCreateNew builds a task for owner with the given user stack
// / pointer, kernel stack pointer and entry points. When sysSsp is 0 a
// / fresh kernel stack block is allocated and the task record lives at
// / its base. Returns nil on allocation failure.
func TaskCreateNew(owner *Process_t, sp, sysSsp, bootstrap, entry uintptr,
	class TaskClass_t) *Task_t {
	var task *Task_t
	var ksbase uintptr

	if sysSsp == 0 {
		ksbase = fba.AllocBlock()
		if ksbase == 0 {
			return nil
		}
		pg := mem.KmemIn(fba.Pml4(), ksbase)
		task = (*Task_t)(unsafe.Pointer(&pg[0]))
		task.ksBase = ksbase
		// the bootstrap return slot at the stack top carries the
		// entry point
		words := (*[512]uint64)(unsafe.Pointer(&pg[0]))
		words[511] = uint64(entry)
		sysSsp = ksbase + uintptr(mem.PGSIZE) - 8
	} else {
		p := slab.Alloc()
		if p == nil {
			return nil
		}
		task = (*Task_t)(p)
	}

	sched := (*TaskSched_t)(slab.Alloc())
	if sched == nil {
		if ksbase != 0 {
			fba.Free(ksbase)
		} else {
			slab.Free(unsafe.Pointer(task))
		}
		return nil
	}

	sched.Tid = nexttid.Add(1)
	sched.TsRemain = DEFAULT_TIMESLICE
	sched.State = TASK_STATE_BLOCKED
	sched.Class = class
	sched.Prio = classPrio(class)

	task.Sched = sched
	task.Rsp0 = sysSsp
	task.Ssp = sp
	task.Owner = owner
	if owner != nil {
		task.Pml4 = owner.Pml4
	}
	task.UspStash = bootstrap

	if owner != nil && !processAddTask(owner, task) {
		TaskDestroy(task)
		return nil
	}

	return task
}

// / TaskCreateUser builds a userspace task.
func TaskCreateUser(owner *Process_t, sp, sysSsp, entry uintptr) *Task_t {
	return TaskCreateNew(owner, sp, sysSsp, 0, entry, TASK_CLASS_NORMAL)
}

// / TaskCreateKernel builds a kernel task.
func TaskCreateKernel(owner *Process_t, sp, sysSsp, entry uintptr) *Task_t {
	return TaskCreateNew(owner, sp, sysSsp, 0, entry, TASK_CLASS_HIGH)
}

// / TaskDestroy releases the task's scheduler sidecar and its kernel
// / stack (which contains the task record itself when stack-embedded).
func TaskDestroy(task *Task_t) {
	if task == nil {
		return
	}
	if task.Owner != nil {
		processRemoveTask(task.Owner, task)
	}
	if task.Sched != nil {
		slab.Free(unsafe.Pointer(task.Sched))
		task.Sched = nil
	}
	if task.ksBase != 0 {
		// stack-embedded: freeing the stack block frees the task
		fba.Free(task.ksBase)
		return
	}
	slab.Free(unsafe.Pointer(task))
}
