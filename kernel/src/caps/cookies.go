// Package caps implements capability cookies - unpredictable non-zero
// 64-bit tokens naming kernel objects - and the map from cookie to
// object. Tokens mix boot entropy, a per-CPU monotonic counter and
// the cycle counter; they are never reused and are opaque to
// userspace.
package caps

import "sync/atomic"

import "kdrivers"
import "smp"

var cookieSeed uint64
var cookieCounters [smp.MAX_CPUS]struct {
	n uint64
	_ [7]uint64
}

// / CookiesInit seeds cookie generation with boot-time hardware
// / entropy.
func CookiesInit(entropy uint64) {
	cookieSeed = entropy
}

func splitmix64(x uint64) uint64 {
	x += 0x9E3779B97F4A7C15
	z := x
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	return z ^ (z >> 31)
}

// / NextCookie generates a fresh capability cookie: entropy mixed with
// / the calling CPU's monotonic counter and the cycle counter. Never
// / zero.
func NextCookie() uint64 {
	cpu := smp.StateGetPerCpu()
	n := atomic.AddUint64(&cookieCounters[cpu.CpuId].n, 1)

	tsc := kdrivers.Timer().CurrentTicks()

	c := splitmix64(cookieSeed ^ n<<8 ^ cpu.CpuId<<56 ^ tsc<<24)
	for c == 0 {
		n = atomic.AddUint64(&cookieCounters[cpu.CpuId].n, 1)
		c = splitmix64(cookieSeed ^ n<<8 ^ cpu.CpuId<<56 ^ tsc<<24)
	}
	return c
}

// To mitigate brute-force attacks, invalid token usage triggers
// escalating randomised spin delays - bad actors waste CPU time and
// large-scale probing becomes infeasible.

const delayBaseNanos = 1000

// / BadCookieDelay spins for an escalating, jittered time based on how
// / many capability failures the caller has accumulated.
func BadCookieDelay(failures uint64) {
	shift := failures
	if shift > 20 {
		shift = 20
	}
	jitter := splitmix64(cookieSeed^failures) & 0x3ff
	kdrivers.Timer().DelayNanos(delayBaseNanos<<shift + jitter)
}
