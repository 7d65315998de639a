package proc

import "unsafe"

// Managed resources decouple what a kernel object is from how it gets
// cleaned up. Channels, memory regions, IPC allocations and thread
// kernel stacks all register one of these so process destruction can
// reclaim them deterministically.

// / ResourceFreeFunc releases one resource. Must be a top-level
// / function - the record lives in slab memory.
type ResourceFreeFunc func(resource unsafe.Pointer, data uint64)

// / Resource type tags, used to find records again at teardown time.
const (
	RES_TYPE_NONE uint64 = iota
	RES_TYPE_CHANNEL
	RES_TYPE_REGION
	RES_TYPE_KERNEL_STACK
	RES_TYPE_IPC_BUFFER
)

// / ManagedResource_t is one teardown record on a process' list.
type ManagedResource_t struct {
	Next        *ManagedResource_t
	ResType     uint64
	FreeFunc    ResourceFreeFunc
	ResourcePtr unsafe.Pointer
	FreeData    uint64
	_           [3]uint64
}

// / ManagedResourcesFreeAll invokes each record's free function exactly
// / once, in list order.
func ManagedResourcesFreeAll(head *ManagedResource_t) {
	for head != nil {
		next := head.Next
		head.FreeFunc(head.ResourcePtr, head.FreeData)
		head = next
	}
}

// / AddManagedResource appends r to the process' teardown list.
func AddManagedResource(p *Process_t, r *ManagedResource_t) bool {
	if p == nil || r == nil {
		return false
	}
	flags := p.Meminfo.ResLock.LockIrqSave()
	r.Next = nil
	if p.Meminfo.ResTail != nil {
		p.Meminfo.ResTail.Next = r
	} else {
		p.Meminfo.ResHead = r
	}
	p.Meminfo.ResTail = r
	p.Meminfo.ResLock.UnlockIrqRestore(flags)
	return true
}

// / TakeManagedResource unlinks and returns the first record matching
// / resType and data, nil when none does. Used when the resource is
// / torn down ahead of the process.
func TakeManagedResource(p *Process_t, resType, data uint64) *ManagedResource_t {
	if p == nil {
		return nil
	}
	flags := p.Meminfo.ResLock.LockIrqSave()
	var prev *ManagedResource_t
	for cur := p.Meminfo.ResHead; cur != nil; cur = cur.Next {
		if cur.ResType == resType && cur.FreeData == data {
			if prev != nil {
				prev.Next = cur.Next
			} else {
				p.Meminfo.ResHead = cur.Next
			}
			if p.Meminfo.ResTail == cur {
				p.Meminfo.ResTail = prev
			}
			cur.Next = nil
			p.Meminfo.ResLock.UnlockIrqRestore(flags)
			return cur
		}
		prev = cur
	}
	p.Meminfo.ResLock.UnlockIrqRestore(flags)
	return nil
}

// / RemoveManagedResource unlinks r without invoking its free
// / function. Returns false when r was not on the list.
func RemoveManagedResource(p *Process_t, r *ManagedResource_t) bool {
	if p == nil || r == nil {
		return false
	}
	flags := p.Meminfo.ResLock.LockIrqSave()
	var prev *ManagedResource_t
	for cur := p.Meminfo.ResHead; cur != nil; cur = cur.Next {
		if cur == r {
			if prev != nil {
				prev.Next = cur.Next
			} else {
				p.Meminfo.ResHead = cur.Next
			}
			if p.Meminfo.ResTail == cur {
				p.Meminfo.ResTail = prev
			}
			cur.Next = nil
			p.Meminfo.ResLock.UnlockIrqRestore(flags)
			return true
		}
		prev = cur
	}
	p.Meminfo.ResLock.UnlockIrqRestore(flags)
	return false
}
