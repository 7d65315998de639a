// Package stats carries the kernel counters and the memstats
// snapshot surfaced through the memstats syscall.
package stats

import "reflect"
import "strconv"
import "strings"
import "sync/atomic"
import "unsafe"

import "mem"

// / Stats enables counter collection.
const Stats = true

// / Counter_t is a statistical counter.
type Counter_t int64

// / Inc increments the counter.
func (c *Counter_t) Inc() {
	if Stats {
		n := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(n, 1)
	}
}

// / Add adds n to the counter.
func (c *Counter_t) Add(n int64) {
	if Stats {
		p := (*int64)(unsafe.Pointer(c))
		atomic.AddInt64(p, n)
	}
}

// / Read returns the counter value.
func (c *Counter_t) Read() int64 {
	n := (*int64)(unsafe.Pointer(c))
	return atomic.LoadInt64(n)
}

// / Kstats_t is the kernel-wide counter block.
type Kstats_t struct {
	Syscalls     Counter_t
	Badcookies   Counter_t
	Ipcsends     Counter_t
	Ipcreplies   Counter_t
	Sleeps       Counter_t
	Pagefaults   Counter_t
	Procscreated Counter_t
	Procsdied    Counter_t
}

// / Kstats is the global counter block.
var Kstats = &Kstats_t{}

// / Stats2String converts a struct of counters to a printable string.
func Stats2String(st interface{}) string {
	if !Stats {
		return ""
	}
	v := reflect.ValueOf(st)
	s := ""
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		if strings.HasSuffix(t, "Counter_t") {
			n := v.Field(i).Interface().(Counter_t)
			s += "\n\t#" + v.Type().Field(i).Name + ": " +
				strconv.FormatInt(int64(n), 10)
		}
	}
	return s + "\n"
}

// / MemInfo_t mirrors the memstats ABI struct.
type MemInfo_t struct {
	PhysicalTotal uint64
	PhysicalAvail uint64
}

// / Meminfo snapshots the physical region's totals.
func Meminfo() MemInfo_t {
	r := mem.PhysicalRegion
	if r == nil {
		return MemInfo_t{}
	}
	flags := r.Lock.LockIrqSave()
	mi := MemInfo_t{PhysicalTotal: r.Size, PhysicalAvail: r.Free}
	r.Lock.UnlockIrqRestore(flags)
	return mi
}
