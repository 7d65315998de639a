// Package klog is the kernel log ring buffer, the backing store for
// the read-kernel-log syscall. Writers never block; when the ring is
// full new output is dropped and flagged.
package klog

import "fba"
import "klock"
import "mem"
import "proc"
import "sched"

const bufferBlocks = 4

var logLock klock.SpinLock_t
var bufferVa uintptr
var size uint64
var head uint64
var tail uint64
var count uint64
var droppedMessages bool
var userspaceReady bool

// tasks parked in BlockingRead until bytes arrive
var waitingReaders *proc.Task_t

// / Stats_t is the snapshot handed to userspace.
type Stats_t struct {
	BufferSize      uint64
	BytesAvailable  uint64
	BytesFree       uint64
	HeadPosition    uint64
	TailPosition    uint64
	DroppedMessages bool
}

// / Init allocates the ring. Idempotent; returns false on allocation
// / failure.
func Init() bool {
	flags := logLock.LockIrqSave()
	if bufferVa != 0 {
		logLock.UnlockIrqRestore(flags)
		return true
	}
	va := fba.AllocBlocks(bufferBlocks)
	if va == 0 {
		logLock.UnlockIrqRestore(flags)
		return false
	}
	bufferVa = va
	size = bufferBlocks * uint64(mem.PGSIZE)
	head, tail, count = 0, 0, 0
	droppedMessages = false
	logLock.UnlockIrqRestore(flags)
	return true
}

// / SetUserspaceReady flips whether a log server is consuming the
// / ring; until then the ring just accumulates.
func SetUserspaceReady(ready bool) {
	flags := logLock.LockIrqSave()
	userspaceReady = ready
	logLock.UnlockIrqRestore(flags)
}

func bufByte(pos uint64) *uint8 {
	va := bufferVa + uintptr(pos/uint64(mem.PGSIZE))*uintptr(mem.PGSIZE)
	pg := mem.KmemIn(fba.Pml4(), va)
	return &pg[pos%uint64(mem.PGSIZE)]
}

func writeCharLocked(c uint8) {
	if count >= size {
		droppedMessages = true
		return
	}
	*bufByte(head) = c
	head = (head + 1) % size
	count++
}

// / WriteChar appends one byte, waking any parked reader.
func WriteChar(c uint8) {
	flags := logLock.LockIrqSave()
	writeCharLocked(c)
	waker := waitingReaders
	waitingReaders = nil
	logLock.UnlockIrqRestore(flags)
	wakeReaders(waker)
}

// / WriteString appends a string.
func WriteString(s string) {
	flags := logLock.LockIrqSave()
	for i := 0; i < len(s); i++ {
		writeCharLocked(s[i])
	}
	waker := waitingReaders
	waitingReaders = nil
	logLock.UnlockIrqRestore(flags)
	wakeReaders(waker)
}

func wakeReaders(waker *proc.Task_t) {
	for waker != nil {
		next := waker.Next
		waker.Next = nil
		cpu := sched.FindTargetCpu(waker)
		lf := sched.LockAnyCpu(cpu)
		sched.UnblockOn(waker, cpu)
		sched.UnlockAnyCpu(cpu, lf)
		waker = next
	}
}

// / Read drains up to len(dest) bytes into dest without blocking.
// / Returns the byte count.
func Read(dest []uint8) uint64 {
	flags := logLock.LockIrqSave()
	n := uint64(0)
	for n < uint64(len(dest)) && count > 0 {
		dest[n] = *bufByte(tail)
		tail = (tail + 1) % size
		count--
		n++
	}
	logLock.UnlockIrqRestore(flags)
	return n
}

// / BlockingRead is Read, parking task until at least one byte is
// / available.
func BlockingRead(task *proc.Task_t, dest []uint8) uint64 {
	for {
		if n := Read(dest); n > 0 {
			return n
		}
		flags := logLock.LockIrqSave()
		if count > 0 {
			logLock.UnlockIrqRestore(flags)
			continue
		}
		task.Next = waitingReaders
		waitingReaders = task
		logLock.UnlockIrqRestore(flags)

		sched.Lock()
		sched.Block(task)
		sched.ScheduleTask(task)
		sched.Unlock()
	}
}

// / Available returns the unread byte count.
func Available() uint64 {
	flags := logLock.LockIrqSave()
	n := count
	logLock.UnlockIrqRestore(flags)
	return n
}

// / HasDroppedMessages reports whether overflow has eaten output.
func HasDroppedMessages() bool {
	flags := logLock.LockIrqSave()
	d := droppedMessages
	logLock.UnlockIrqRestore(flags)
	return d
}

// / Clear empties the ring and resets the dropped flag.
func Clear() {
	flags := logLock.LockIrqSave()
	head, tail, count = 0, 0, 0
	droppedMessages = false
	logLock.UnlockIrqRestore(flags)
}

// / GetStats snapshots the ring state.
func GetStats() Stats_t {
	flags := logLock.LockIrqSave()
	st := Stats_t{
		BufferSize:      size,
		BytesAvailable:  count,
		BytesFree:       size - count,
		HeadPosition:    head,
		TailPosition:    tail,
		DroppedMessages: droppedMessages,
	}
	logLock.UnlockIrqRestore(flags)
	return st
}
