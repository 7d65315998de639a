package stats_test

import "strings"
import "testing"

import "ktest"
import "mem"
import "stats"

func TestCounters(t *testing.T) {
	var c stats.Counter_t
	c.Inc()
	c.Inc()
	c.Add(3)
	if c.Read() != 5 {
		t.Fatalf("counter %d", c.Read())
	}
}

func TestStats2String(t *testing.T) {
	ks := stats.Kstats_t{}
	ks.Syscalls.Add(7)
	s := stats.Stats2String(ks)
	if !strings.Contains(s, "#Syscalls: 7") {
		t.Fatalf("formatted stats %q", s)
	}
}

func TestMeminfoTracksRegion(t *testing.T) {
	ktest.Boot()

	mi := stats.Meminfo()
	if mi.PhysicalTotal != mem.PhysicalRegion.Size {
		t.Fatalf("total %#x", mi.PhysicalTotal)
	}
	if mi.PhysicalAvail > mi.PhysicalTotal {
		t.Fatal("avail exceeds total")
	}

	pg := mem.PageAlloc(mem.PhysicalRegion)
	mi2 := stats.Meminfo()
	if mi2.PhysicalAvail != mi.PhysicalAvail-uint64(mem.PGSIZE) {
		t.Fatalf("avail %#x after alloc, was %#x", mi2.PhysicalAvail, mi.PhysicalAvail)
	}
	mem.PageFree(mem.PhysicalRegion, pg)
}
