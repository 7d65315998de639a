// Package sched is the CPU-local scheduler: ready queues, the
// reentrant per-CPU scheduler lock, blocking and wakeup, sleep, and
// the timer-tick glue.
//
// Lock order: a mutex's spinlock may be held when the per-CPU
// scheduler lock is taken, and the mutex releases its spinlock before
// sched_block - the two are never both held across a scheduler
// transition. No code takes two CPUs' scheduler locks at once.
//
// Tasks are backed by goroutines. Blocking parks the goroutine on the
// task's wake channel; Unblock readies the task and signals it. The
// queue and state bookkeeping is exactly the CPU-local model - the
// park/unpark pair stands in for the context switch.
package sched

import "sync"
import "unsafe"

import "kdrivers"
import "klock"
import "proc"
import "slab"
import "sleepq"
import "smp"

type taskQueue_t struct {
	head *proc.Task_t
	tail *proc.Task_t
}

func (q *taskQueue_t) push(t *proc.Task_t) {
	t.Next = nil
	if q.tail != nil {
		q.tail.Next = t
	} else {
		q.head = t
	}
	q.tail = t
}

func (q *taskQueue_t) pop() *proc.Task_t {
	t := q.head
	if t == nil {
		return nil
	}
	q.head = t.Next
	if q.head == nil {
		q.tail = nil
	}
	t.Next = nil
	return t
}

func (q *taskQueue_t) remove(t *proc.Task_t) bool {
	var prev *proc.Task_t
	for cur := q.head; cur != nil; cur = cur.Next {
		if cur == t {
			if prev != nil {
				prev.Next = cur.Next
			} else {
				q.head = cur.Next
			}
			if q.tail == cur {
				q.tail = prev
			}
			cur.Next = nil
			return true
		}
		prev = cur
	}
	return false
}

// per-CPU scheduler data, hung off PerCPUState_t.SchedData
type cpuSched_t struct {
	// one ready FIFO per class: Unblock pushes, ScheduleTask removes
	queues  [4]taskQueue_t
	upticks uint64
}

func cpuSched(cpu *smp.PerCPUState_t) *cpuSched_t {
	return (*cpuSched_t)(cpu.SchedData)
}

// / Init attaches scheduler data to every CPU brought up by smp.
func Init() {
	for i := 0; i < smp.CpuCount(); i++ {
		cpu := smp.StateGetForCpu(uint64(i))
		cpu.SchedData = unsafe.Pointer(&cpuSched_t{})
	}
}

// wake channels live beside the tasks, not in them - task records are
// slab memory
var wakeMu sync.Mutex
var wakes = map[*proc.Task_t]chan struct{}{}

func wakech(t *proc.Task_t) chan struct{} {
	wakeMu.Lock()
	ch, ok := wakes[t]
	if !ok {
		ch = make(chan struct{}, 1)
		wakes[t] = ch
	}
	wakeMu.Unlock()
	return ch
}

// / Retire drops a dead task's wake channel.
func Retire(t *proc.Task_t) {
	wakeMu.Lock()
	delete(wakes, t)
	wakeMu.Unlock()
}

// / Lock takes the current CPU's scheduler lock, nestably: interrupts
// / go off, the spinlock is taken only at the outermost entry, and the
// / IRQ-disable count tracks the depth.
func Lock() {
	klock.IrqDisable()

	cpu := smp.StateGetPerCpu()

	if cpu.IrqDisableCount == 0 {
		cpu.SchedLock.Lock()
	}

	cpu.IrqDisableCount++
}

// / Unlock undoes one Lock; the outermost exit releases the spinlock
// / and turns interrupts back on.
func Unlock() {
	cpu := smp.StateGetPerCpu()

	if cpu.IrqDisableCount <= 1 {
		cpu.IrqDisableCount = 0
		cpu.SchedLock.Unlock()
		klock.IrqRestore(1)
	} else {
		cpu.IrqDisableCount--
	}
}

// / LockThisCpu is Lock returning the interrupt flags for callers that
// / pair it with UnlockThisCpu, the shape the mutex path wants.
func LockThisCpu() uint64 {
	flags := klock.IrqDisable()
	cpu := smp.StateGetPerCpu()
	if cpu.IrqDisableCount == 0 {
		cpu.SchedLock.Lock()
	}
	cpu.IrqDisableCount++
	return flags
}

// / UnlockThisCpu undoes LockThisCpu, restoring the saved flags at the
// / outermost exit.
func UnlockThisCpu(flags uint64) {
	cpu := smp.StateGetPerCpu()
	if cpu.IrqDisableCount <= 1 {
		cpu.IrqDisableCount = 0
		cpu.SchedLock.Unlock()
		klock.IrqRestore(flags)
	} else {
		cpu.IrqDisableCount--
	}
}

// / LockAnyCpu takes a specific CPU's scheduler lock, for queueing a
// / task onto it from elsewhere.
func LockAnyCpu(cpu *smp.PerCPUState_t) uint64 {
	return cpu.SchedLock.LockIrqSave()
}

// / UnlockAnyCpu releases a lock taken with LockAnyCpu.
func UnlockAnyCpu(cpu *smp.PerCPUState_t, flags uint64) {
	cpu.SchedLock.UnlockIrqRestore(flags)
}

// / FindTargetCpu picks the CPU a fresh wakeup should land on. Tasks
// / are CPU-local, so this is the task's home unless it has none yet.
func FindTargetCpu(t *proc.Task_t) *smp.PerCPUState_t {
	if t != nil && t.Sched != nil {
		return smp.StateGetForCpu(uint64(t.Sched.CpuId))
	}
	return smp.StateGetPerCpu()
}

// / Block marks t blocked. Caller holds the scheduler lock; the task
// / keeps running until it reaches Schedule.
func Block(t *proc.Task_t) {
	if t == nil {
		return
	}
	t.Sched.State = proc.TASK_STATE_BLOCKED
}

// / Unblock readies t on its home CPU and signals its wake channel.
// / Caller holds that CPU's scheduler lock.
func Unblock(t *proc.Task_t) {
	UnblockOn(t, smp.StateGetForCpu(uint64(t.Sched.CpuId)))
}

// / UnblockOn readies t on the given CPU. A remote CPU gets an IPWI so
// / it notices the new arrival.
func UnblockOn(t *proc.Task_t, cpu *smp.PerCPUState_t) {
	if t == nil {
		return
	}
	t.Sched.CpuId = uint8(cpu.CpuId)
	t.Sched.State = proc.TASK_STATE_READY
	t.Sched.TsRemain = proc.DEFAULT_TIMESLICE
	cpuSched(cpu).queues[t.Sched.Class].push(t)

	ch := wakech(t)
	select {
	case ch <- struct{}{}:
	default:
	}

	if cpu != smp.StateGetPerCpu() {
		smp.IpwiNotifyCpu(cpu)
	}
}

// take t out of whichever ready queue holds it
func readyRemove(cpu *smp.PerCPUState_t, t *proc.Task_t) {
	cs := cpuSched(cpu)
	for i := range cs.queues {
		if cs.queues[i].remove(t) {
			return
		}
	}
}

// / ScheduleTask runs the scheduler on behalf of t, the task executing
// / on this CPU. If t has blocked, its goroutine parks here until
// / Unblock, with the scheduler lock dropped across the wait. Caller
// / holds the scheduler lock (any depth); the depth is restored before
// / returning.
func ScheduleTask(t *proc.Task_t) {
	if t == nil {
		return
	}
	cpu := smp.StateGetPerCpu()

	if t.Sched.State == proc.TASK_STATE_BLOCKED {
		saved := cpu.IrqDisableCount
		cpu.IrqDisableCount = 0
		cpu.SchedLock.Unlock()
		klock.IrqRestore(1)

		<-wakech(t)

		klock.IrqDisable()
		cpu = smp.StateGetForCpu(uint64(t.Sched.CpuId))
		smp.SetCurrent(cpu)
		cpu.SchedLock.Lock()
		cpu.IrqDisableCount = saved
	} else {
		// nothing blocked; drain any stale wake token
		select {
		case <-wakech(t):
		default:
		}
	}

	readyRemove(cpu, t)
	t.Sched.State = proc.TASK_STATE_RUNNING
	t.Sched.TsRemain = proc.DEFAULT_TIMESLICE
	cpu.CurrentTask = t
}

// / Schedule runs the scheduler for the current CPU's running task.
func Schedule() {
	ScheduleTask(smp.StateGetPerCpu().CurrentTask)
}

// / SleepTask parks t until nanos have elapsed on the kernel timer.
// / Caller MUST hold the scheduler lock.
func SleepTask(t *proc.Task_t, nanos uint64) bool {
	if t == nil {
		return false
	}
	s := (*sleepq.Sleeper_t)(slab.Alloc())
	if s == nil {
		return false
	}

	timer := kdrivers.Timer()
	wakeAt := timer.CurrentTicks() + nanos/timer.NanosPerTick()

	s.Task = t
	s.Owned = 1

	cpu := smp.StateGetPerCpu()
	sleepq.Enqueue(&cpu.SleepQueue, s, wakeAt)

	Block(t)
	ScheduleTask(t)
	return true
}

// / CheckSleepers wakes every sleeper whose deadline has passed on the
// / current CPU. Caller MUST hold the scheduler lock.
func CheckSleepers() {
	cpu := smp.StateGetPerCpu()
	timer := kdrivers.Timer()

	waker := sleepq.Dequeue(&cpu.SleepQueue, timer.CurrentTicks())

	for waker != nil {
		next := waker.Next
		Unblock(waker.Task)
		if waker.Owned != 0 {
			slab.Free(unsafe.Pointer(waker))
		}
		waker = next
	}
}

// / Eoi signals end-of-interrupt. The platform layer swaps the real
// / local-APIC write in; the default is a no-op.
var Eoi = func() {}

// / TimerIsr is the per-CPU timer tick: advance upticks, wake due
// / sleepers, charge the running task, signal EOI.
func TimerIsr() {
	Lock()
	cpu := smp.StateGetPerCpu()
	cs := cpuSched(cpu)
	cs.upticks++

	if cur := cpu.CurrentTask; cur != nil {
		if cur.Sched.TsRemain > 0 {
			cur.Sched.TsRemain--
		}
		if cur.Owner != nil && cur.Owner.Accnt != nil {
			cur.Owner.Accnt.Utadd(kdrivers.NANOS_PER_TICK)
		}
	}

	CheckSleepers()
	Unlock()
	Eoi()
}

// / Upticks returns this CPU's tick count. Test aid.
func Upticks() uint64 {
	cpu := smp.StateGetPerCpu()
	return cpuSched(cpu).upticks
}
