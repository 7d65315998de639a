package smp

import "sync/atomic"

// The panic broadcast and IPWI share a transport: an NMI-class IPI
// with the all-except-self destination shorthand. The local-APIC ICR
// writes are modelled by a busy flag (delivery status) and a handler
// hook per delivery.

var icrBusy atomic.Uint32

// delivered NMIs, for tests
var nmiCount atomic.Uint64

// / NmiHandler is invoked for each CPU an NMI lands on. Installed by
// / the platform layer; the default is a no-op.
var NmiHandler func(target *PerCPUState_t)

func notifyAllExceptCurrent(panicking bool) {
	// wait for any previous delivery to clear
	for icrBusy.Load() != 0 {
	}
	icrBusy.Store(1)

	self := StateGetPerCpu()
	for i := 0; i < ncpus; i++ {
		target := cpus[i]
		if target == self {
			continue
		}
		nmiCount.Add(1)
		if panicking {
			target.Halted.Store(true)
		} else {
			target.WakePending.Add(1)
		}
		if NmiHandler != nil {
			NmiHandler(target)
		}
	}

	icrBusy.Store(0)
}

// / IpwiNotifyAllExceptCurrent pokes every other CPU to look at its
// / queues.
func IpwiNotifyAllExceptCurrent() {
	notifyAllExceptCurrent(false)
}

// / IpwiNotifyCpu pokes one CPU.
func IpwiNotifyCpu(target *PerCPUState_t) {
	if target == nil || target == StateGetPerCpu() {
		return
	}
	for icrBusy.Load() != 0 {
	}
	icrBusy.Store(1)
	nmiCount.Add(1)
	target.WakePending.Add(1)
	if NmiHandler != nil {
		NmiHandler(target)
	}
	icrBusy.Store(0)
}

// / PanicNotifyAllExceptCurrent marks every other CPU halted by setting
// / its Halted flag. The caller is already dying.
func PanicNotifyAllExceptCurrent() {
	notifyAllExceptCurrent(true)
}

// / NmiDeliveries reports how many NMIs have been sent. Test aid.
func NmiDeliveries() uint64 {
	return nmiCount.Load()
}
