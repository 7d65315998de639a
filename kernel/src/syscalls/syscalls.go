// Package syscalls is the capability-gated syscall surface: the
// numbered table, the cookie check in front of it, and the initial
// stack layout handed to the first userspace process.
package syscalls

import "sync/atomic"
import "unsafe"

import "caps"
import "defs"
import "mem"
import "proc"
import "slab"
import "stats"

// / SyscallHandler runs one syscall on behalf of t. The dispatch
// / functions live here, keyed by id - capability records carry only
// / the id.
type SyscallHandler func(t *proc.Task_t, a0, a1, a2, a3,
	a4 defs.SyscallArg) defs.SyscallResult_t

var handlers [defs.SYSCALL_ID_END]SyscallHandler

// (id, cookie) pairs minted at init, in id order
var capPairs [][2]uint64

// / Init populates the syscall table and mints one capability per
// / entry in the global capability map. Returns false on allocation
// / failure.
func Init() bool {
	installHandlers()

	capPairs = capPairs[:0]
	for id := defs.SYSCALL_ID_INVALID + 1; id < defs.SYSCALL_ID_END; id++ {
		sc := (*caps.SyscallCapability_t)(slab.Alloc())
		if sc == nil {
			return false
		}
		sc.Cap.Type = defs.CAPABILITY_TYPE_SYSCALL
		sc.Id = id

		cookie := caps.NextCookie()
		if !caps.GlobalCapabilityMap.Insert(cookie, unsafe.Pointer(sc)) {
			slab.Free(unsafe.Pointer(sc))
			return false
		}
		capPairs = append(capPairs, [2]uint64{uint64(id), cookie})
	}
	return true
}

// / CapabilityPairs returns the minted (id, cookie) pairs. The boot
// / path stacks these for the first process.
func CapabilityPairs() [][2]uint64 {
	return capPairs
}

// / Dispatch checks the presented cookie and runs the syscall. A
// / missing or mismatched capability costs the caller an escalating
// / delay and INCAPABLE.
func Dispatch(t *proc.Task_t, cookie uint64, id defs.SyscallId_t,
	a0, a1, a2, a3, a4 defs.SyscallArg) defs.SyscallResult_t {
	stats.Kstats.Syscalls.Inc()

	if !defs.ValidSyscallId(id) {
		return defs.SYSCALL_BAD_NUMBER
	}

	capPtr := caps.GlobalCapabilityMap.Lookup(cookie)
	var sc *caps.SyscallCapability_t
	if capPtr != nil {
		sc = (*caps.SyscallCapability_t)(capPtr)
	}
	if sc == nil || sc.Cap.Type != defs.CAPABILITY_TYPE_SYSCALL ||
		sc.Id != id {
		stats.Kstats.Badcookies.Inc()
		var failures uint64 = 1
		if t != nil && t.Owner != nil {
			failures = atomic.AddUint64(&t.Owner.CapFailures, 1)
		}
		caps.BadCookieDelay(failures)
		return defs.SYSCALL_INCAPABLE
	}

	h := handlers[id]
	if h == nil {
		return defs.SYSCALL_NOT_IMPL
	}
	return h(t, a0, a1, a2, a3, a4)
}

// / InitialStackValues lays out the first process' initial stack:
// / [capc, capv ptr, argc, argv ptr, (id, cookie) pairs, argv
// / pointers, argv string data]. stackTop is the stack's end address
// / in the new space; the returned slice feeds AddressSpaceCreate
// / verbatim, index 0 ending up at the final stack pointer.
func InitialStackValues(stackTop uintptr, pairs [][2]uint64,
	argv []string) []uint64 {
	// string data, 8-byte packed, NUL terminated
	var strWords []uint64
	strOff := make([]int, len(argv))
	var cur []uint8
	for i, s := range argv {
		strOff[i] = len(strWords)*8 + len(cur)
		cur = append(cur, s...)
		cur = append(cur, 0)
		for len(cur) >= 8 {
			var w uint64
			for b := 7; b >= 0; b-- {
				w = w<<8 | uint64(cur[b])
			}
			strWords = append(strWords, w)
			cur = cur[8:]
		}
	}
	if len(cur) > 0 {
		var w uint64
		for b := len(cur) - 1; b >= 0; b-- {
			w = w<<8 | uint64(cur[b])
		}
		strWords = append(strWords, w)
	}

	count := 4 + 2*len(pairs) + len(argv) + len(strWords)
	base := stackTop - uintptr(count*8)
	addrOf := func(idx int) uint64 {
		return uint64(base) + uint64(idx*8)
	}

	capvIdx := 4
	argvIdx := capvIdx + 2*len(pairs)
	strIdx := argvIdx + len(argv)

	values := make([]uint64, 0, count)
	values = append(values, uint64(len(pairs)), addrOf(capvIdx),
		uint64(len(argv)), addrOf(argvIdx))
	for _, p := range pairs {
		values = append(values, p[0], p[1])
	}
	for i := range argv {
		values = append(values, addrOf(strIdx)+uint64(strOff[i]))
	}
	values = append(values, strWords...)
	return values
}

// --- user memory access through a task's address space ---

func userRead(t *proc.Task_t, va uintptr, n int) ([]uint8, bool) {
	out := make([]uint8, 0, n)
	for n > 0 {
		phys := mem.VirtToPhysPageIn(t.Pml4, va)
		if phys == 0 {
			return nil, false
		}
		src := mem.Pg2bytes(mem.Physmem.Dmap(phys))
		off := int(va & uintptr(mem.PGOFFSET))
		l := mem.PGSIZE - off
		if l > n {
			l = n
		}
		out = append(out, src[off:off+l]...)
		va += uintptr(l)
		n -= l
	}
	return out, true
}

func userWrite(t *proc.Task_t, va uintptr, data []uint8) bool {
	for len(data) > 0 {
		phys := mem.VirtToPhysPageIn(t.Pml4, va)
		if phys == 0 {
			return false
		}
		dst := mem.Pg2bytes(mem.Physmem.Dmap(phys))
		off := int(va & uintptr(mem.PGOFFSET))
		l := copy(dst[off:], data)
		data = data[l:]
		va += uintptr(l)
	}
	return true
}

func leU64(b []uint8) uint64 {
	var w uint64
	for i := 7; i >= 0; i-- {
		w = w<<8 | uint64(b[i])
	}
	return w
}

func putU64(w uint64) []uint8 {
	b := make([]uint8, 8)
	for i := 0; i < 8; i++ {
		b[i] = uint8(w >> (8 * i))
	}
	return b
}
