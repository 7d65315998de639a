// Package smp holds the per-CPU state records and the inter-processor
// signalling glue (IPWI and the panic NMI broadcast).
package smp

import "sync/atomic"
import "unsafe"

import "golang.org/x/sys/cpu"

import "klock"
import "proc"
import "sleepq"

// / MAX_CPUS bounds the CPU count.
const MAX_CPUS = 64

// / PerCPUState_t is one CPU's private record. On hardware it is a
// / cache-line-aligned page reached through the segment base register,
// / with its own address in the first slot so *self is one indirect
// / load; here the registry below plays that role. Allocated at AP
// / bring-up, never freed.
type PerCPUState_t struct {
	Self    *PerCPUState_t
	CpuId   uint64
	LapicId uint64
	_       cpu.CacheLinePad

	// keep the lock on its own cache line
	SchedLock       klock.SpinLock_t
	IrqDisableCount uint8
	_               cpu.CacheLinePad

	// scheduler-owned; opaque at this layer
	SchedData   unsafe.Pointer
	CurrentTask *proc.Task_t

	SleepQueue sleepq.SleepQueue_t

	// set by the panic broadcast; a halted CPU never runs again
	Halted atomic.Bool
	// IPWI pokes land here until the target drains its queues
	WakePending atomic.Uint32
}

var cpus [MAX_CPUS]*PerCPUState_t
var ncpus int

var current atomic.Pointer[PerCPUState_t]

// / StateInit brings up state for n CPUs, BSP first. The BSP becomes
// / current.
func StateInit(n int) {
	if n < 1 || n > MAX_CPUS {
		panic("bad cpu count")
	}
	ncpus = n
	for i := 0; i < n; i++ {
		s := &PerCPUState_t{}
		s.Self = s
		s.CpuId = uint64(i)
		s.LapicId = uint64(i)
		cpus[i] = s
	}
	current.Store(cpus[0])
}

// / CpuCount returns the number of CPUs brought up.
func CpuCount() int {
	return ncpus
}

// / StateGetForCpu returns CPU id's record.
func StateGetForCpu(id uint64) *PerCPUState_t {
	if int(id) >= ncpus {
		panic("no such cpu")
	}
	return cpus[id]
}

// / StateGetPerCpu returns the current CPU's record - the segment-base
// / load on hardware.
func StateGetPerCpu() *PerCPUState_t {
	s := current.Load()
	if s == nil {
		panic("per-cpu state not initialised")
	}
	return s
}

// / SetCurrent switches which CPU's record the segment base points at.
// / Context-switch and test plumbing.
func SetCurrent(s *PerCPUState_t) {
	current.Store(s)
}
