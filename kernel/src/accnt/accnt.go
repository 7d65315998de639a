// Package accnt accumulates per-process runtime accounting.
package accnt

import "sync"
import "sync/atomic"

// / Accnt_t accumulates per-process accounting information. Both
// / Userns and Sysns store runtime in nanoseconds. The embedded mutex
// / allows callers to take a consistent snapshot of the fields when
// / exporting usage statistics. Fits a slab block.
type Accnt_t struct {
	/// Nanoseconds of user time consumed.
	Userns int64
	/// Nanoseconds of system time consumed.
	Sysns int64
	/// Protects concurrent access when reporting usage data.
	sync.Mutex
}

// / Utadd adds delta nanoseconds to the user-time counter.
func (a *Accnt_t) Utadd(delta int64) {
	atomic.AddInt64(&a.Userns, delta)
}

// / Systadd adds delta nanoseconds to the system-time counter.
func (a *Accnt_t) Systadd(delta int64) {
	atomic.AddInt64(&a.Sysns, delta)
}

// / Fetch returns a consistent snapshot of (user, system) time.
func (a *Accnt_t) Fetch() (int64, int64) {
	a.Lock()
	u := atomic.LoadInt64(&a.Userns)
	s := atomic.LoadInt64(&a.Sysns)
	a.Unlock()
	return u, s
}

// / Total returns user + system time.
func (a *Accnt_t) Total() int64 {
	u, s := a.Fetch()
	return u + s
}
