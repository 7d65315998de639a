package sched

// Scheduler-backed mutexes. Contenders park on a priority queue;
// unlock hands ownership straight to the best waiter. Priority
// ordered, FIFO within a priority.

import "unsafe"

import "klock"
import "proc"
import "slab"

// / Mutex_t is an owner-tracked mutex. Fits a slab block.
type Mutex_t struct {
	Owner     *proc.Task_t
	SpinLock  *klock.SpinLock_t
	WaitQueue *TaskPriorityQueue_t
	Locked    bool
	_         [4]uint64
}

// / MutexCreate allocates and initialises a mutex from the slab.
// / Returns nil on allocation failure with nothing leaked.
func MutexCreate() *Mutex_t {
	mutex := (*Mutex_t)(slab.Alloc())
	if mutex == nil {
		return nil
	}

	spinLock := (*klock.SpinLock_t)(slab.Alloc())
	if spinLock == nil {
		slab.Free(unsafe.Pointer(mutex))
		return nil
	}

	waitQueue := (*TaskPriorityQueue_t)(slab.Alloc())
	if waitQueue == nil {
		slab.Free(unsafe.Pointer(spinLock))
		slab.Free(unsafe.Pointer(mutex))
		return nil
	}

	if !MutexInit(mutex, spinLock, waitQueue) {
		slab.Free(unsafe.Pointer(waitQueue))
		slab.Free(unsafe.Pointer(spinLock))
		slab.Free(unsafe.Pointer(mutex))
		return nil
	}

	return mutex
}

// / MutexFree releases an unlocked mutex. Refuses a locked one.
func MutexFree(mutex *Mutex_t) bool {
	if mutex == nil {
		return false
	}

	if mutex.Locked {
		return false
	}

	if mutex.SpinLock != nil {
		slab.Free(unsafe.Pointer(mutex.SpinLock))
	}

	if mutex.WaitQueue != nil {
		slab.Free(unsafe.Pointer(mutex.WaitQueue))
	}

	slab.Free(unsafe.Pointer(mutex))

	return true
}

// / MutexInit wires a mutex to its lock and wait queue.
func MutexInit(mutex *Mutex_t, spinLock *klock.SpinLock_t,
	waitQueue *TaskPriorityQueue_t) bool {
	if mutex == nil || spinLock == nil || waitQueue == nil {
		return false
	}

	spinLock.Init()
	TaskPqInit(waitQueue)

	mutex.Owner = nil
	mutex.SpinLock = spinLock
	mutex.WaitQueue = waitQueue
	mutex.Locked = false

	return true
}

// / MutexLock acquires the mutex for task, parking it on contention.
// / Reentrant: the owner gets true straight back (no count is kept -
// / unlock is paired with the outermost lock). Uninterruptible.
func MutexLock(mutex *Mutex_t, task *proc.Task_t) bool {
	if mutex == nil || task == nil {
		return false
	}

	for {
		lockFlags := mutex.SpinLock.LockIrqSave()

		if !mutex.Locked {
			// we can lock
			mutex.Owner = task
			mutex.Locked = true

			mutex.SpinLock.UnlockIrqRestore(lockFlags)
			return true
		}

		// Here, mutex must be locked...
		if mutex.Owner == task {
			// mutex is reentrant...
			mutex.SpinLock.UnlockIrqRestore(lockFlags)
			return true
		}

		// We need to queue...
		LockThisCpu()
		TaskPqPush(mutex.WaitQueue, task)
		mutex.SpinLock.Unlock()
		Block(task)
		ScheduleTask(task)
		UnlockThisCpu(lockFlags)
	}
}

// / MutexUnlock releases the mutex, handing it to the best waiter if
// / one is parked. Refuses callers that are not the owner.
func MutexUnlock(mutex *Mutex_t, task *proc.Task_t) bool {
	if mutex == nil {
		return false
	}

	if task == nil || mutex.Owner != task {
		return false
	}

	lockFlags := mutex.SpinLock.LockIrqSave()

	next := TaskPqPop(mutex.WaitQueue)
	if next == nil {
		mutex.Locked = false
		mutex.Owner = nil
		mutex.SpinLock.UnlockIrqRestore(lockFlags)
		return true
	}

	mutex.Owner = next

	LockThisCpu()
	mutex.SpinLock.Unlock()
	Unblock(next)
	UnlockThisCpu(lockFlags)
	return true
}
