// Package klock provides the kernel spinlock primitives.
//
// Locks are 64-bit words padded out to a cache line so two locks never
// share a line. The IRQ-save variants model the machine's interrupt
// flag: lock_irqsave disables interrupts, takes the lock and hands back
// the previous flag state for the matching unlock_irqrestore.
package klock

import "runtime"
import "sync/atomic"

// / SpinLock_t is a basic busy-wait lock. Exactly 64 bytes so a lock
// / fills a cache line (and a slab block).
type SpinLock_t struct {
	lock          uint64
	fillCacheLine [7]uint64
}

// / ReentrantSpinLock_t additionally records an owner identifier so the
// / same caller may re-enter without deadlocking.
type ReentrantSpinLock_t struct {
	lock          uint64
	ident         uint64
	fillCacheLine [6]uint64
}

// Simulated interrupt-enable flag. On hardware this is per-CPU state
// behind cli/sti; here a single flag carries the same save/restore
// protocol through the lock APIs.
var intflag uint64 = 1

// / IrqDisable clears the interrupt flag and returns its prior state.
func IrqDisable() uint64 {
	return atomic.SwapUint64(&intflag, 0)
}

// / IrqRestore restores a flag state previously returned by IrqDisable.
func IrqRestore(flags uint64) {
	atomic.StoreUint64(&intflag, flags)
}

// / IrqsEnabled reports the current state of the simulated flag.
func IrqsEnabled() bool {
	return atomic.LoadUint64(&intflag) != 0
}

// / Init zeroes the lock. Optional - a zeroed SpinLock_t is unlocked.
func (l *SpinLock_t) Init() {
	atomic.StoreUint64(&l.lock, 0)
}

// / Lock busy-waits until the lock is acquired.
func (l *SpinLock_t) Lock() {
	for !atomic.CompareAndSwapUint64(&l.lock, 0, 1) {
		// soft barrier; also a pause hint to the scheduler
		runtime.Gosched()
	}
}

// / Unlock releases the lock.
func (l *SpinLock_t) Unlock() {
	atomic.StoreUint64(&l.lock, 0)
}

// / LockIrqSave disables interrupts, acquires the lock and returns the
// / prior interrupt state.
func (l *SpinLock_t) LockIrqSave() uint64 {
	flags := IrqDisable()
	l.Lock()
	return flags
}

// / UnlockIrqRestore releases the lock and restores the interrupt state
// / returned by the matching LockIrqSave.
func (l *SpinLock_t) UnlockIrqRestore(flags uint64) {
	l.Unlock()
	IrqRestore(flags)
}

// / ReentrantInit zeroes the lock. Optional, as with Init.
func (l *ReentrantSpinLock_t) Init() {
	atomic.StoreUint64(&l.lock, 0)
	atomic.StoreUint64(&l.ident, 0)
}

// / Lock acquires the lock for ident. Returns true when the caller is
// / the first acquirer; false signals a successful re-entry so callers
// / can tell the outermost acquisition apart.
func (l *ReentrantSpinLock_t) Lock(ident uint64) bool {
	if ident == 0 {
		panic("reentrant lock with zero ident")
	}
	if atomic.LoadUint64(&l.lock) != 0 && atomic.LoadUint64(&l.ident) == ident {
		return false
	}
	for !atomic.CompareAndSwapUint64(&l.lock, 0, 1) {
		runtime.Gosched()
	}
	atomic.StoreUint64(&l.ident, ident)
	return true
}

// / Unlock releases the lock if ident matches the owner. Returns true
// / on success.
func (l *ReentrantSpinLock_t) Unlock(ident uint64) bool {
	if atomic.LoadUint64(&l.lock) == 0 || atomic.LoadUint64(&l.ident) != ident {
		return false
	}
	atomic.StoreUint64(&l.ident, 0)
	atomic.StoreUint64(&l.lock, 0)
	return true
}
