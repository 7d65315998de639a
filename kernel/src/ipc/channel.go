// Package ipc implements synchronous rendezvous channels: a sender
// blocks until a receiver drains its message and replies. Channels
// are named to userspace only by capability cookies.
package ipc

import "unsafe"

import "caps"
import "hashtable"
import "klock"
import "limits"
import "mem"
import "proc"
import "sched"
import "slab"
import "stats"

// / IpcMessage_t is one in-flight send. 64 bytes. A sender has exactly
// / one of these at a time; while it is queued or in flight the
// / sender's task is blocked.
type IpcMessage_t struct {
	Next       *IpcMessage_t
	Cookie     uint64
	Tag        uint64
	ArgBufPhys mem.Pa_t
	ArgBufSize uint64
	Waiter     *proc.Task_t
	Reply      uint64
	Handled    bool
}

// / IpcChannel_t is one channel. 64 bytes.
type IpcChannel_t struct {
	Cookie        uint64
	Receivers     *proc.Task_t
	ReceiversLock *klock.SpinLock_t
	Queue         *IpcMessage_t
	QueueLock     *klock.SpinLock_t
	_             [3]uint64
}

// in-flight messages carry their channel so destroy and reply can
// find both sides
type inflight_t struct {
	msg     *IpcMessage_t
	channel *IpcChannel_t
}

var channelHash *hashtable.Hashtable_t
var inFlightMessageHash *hashtable.Hashtable_t

// / ChannelInit sets up the channel registries.
func ChannelInit() {
	channelHash = hashtable.MkHash(256)
	inFlightMessageHash = hashtable.MkHash(256)
	namedInit()
}

// / ChannelCreate allocates a channel and installs it under a fresh
// / cookie. Returns the cookie, or 0 on allocation failure.
func ChannelCreate() uint64 {
	if !limits.Syslimit.Channels.Take() {
		return 0
	}

	ch := (*IpcChannel_t)(slab.Alloc())
	if ch == nil {
		limits.Syslimit.Channels.Give()
		return 0
	}

	rl := (*klock.SpinLock_t)(slab.Alloc())
	if rl == nil {
		slab.Free(unsafe.Pointer(ch))
		limits.Syslimit.Channels.Give()
		return 0
	}

	ql := (*klock.SpinLock_t)(slab.Alloc())
	if ql == nil {
		slab.Free(unsafe.Pointer(rl))
		slab.Free(unsafe.Pointer(ch))
		limits.Syslimit.Channels.Give()
		return 0
	}

	ch.Cookie = caps.NextCookie()
	ch.ReceiversLock = rl
	ch.QueueLock = ql

	channelHash.Set(ch.Cookie, ch)
	return ch.Cookie
}

// / ChannelExists reports whether cookie names a live channel.
func ChannelExists(cookie uint64) bool {
	_, ok := channelHash.Get(cookie)
	return ok
}

func lookupChannel(cookie uint64) *IpcChannel_t {
	v, ok := channelHash.Get(cookie)
	if !ok {
		return nil
	}
	return v.(*IpcChannel_t)
}

func unblockWaiter(t *proc.Task_t) {
	if t == nil {
		return
	}
	cpu := sched.FindTargetCpu(t)
	flags := sched.LockAnyCpu(cpu)
	sched.UnblockOn(t, cpu)
	sched.UnlockAnyCpu(cpu, flags)
}

// / ChannelDestroy removes the channel. Queued and in-flight senders
// / and parked receivers all wake with a zero result.
func ChannelDestroy(cookie uint64) {
	v := channelHash.Del(cookie)
	if v == nil {
		return
	}
	ch := v.(*IpcChannel_t)

	// fail queued senders
	qflags := ch.QueueLock.LockIrqSave()
	msg := ch.Queue
	ch.Queue = nil
	ch.QueueLock.UnlockIrqRestore(qflags)
	for msg != nil {
		next := msg.Next
		msg.Reply = 0
		msg.Handled = true
		unblockWaiter(msg.Waiter)
		msg = next
	}

	// fail in-flight senders
	var dead []uint64
	inFlightMessageHash.Iter(func(key uint64, v interface{}) bool {
		if v.(inflight_t).channel == ch {
			dead = append(dead, key)
		}
		return false
	})
	for _, key := range dead {
		if v := inFlightMessageHash.Del(key); v != nil {
			m := v.(inflight_t).msg
			m.Reply = 0
			m.Handled = true
			unblockWaiter(m.Waiter)
		}
	}

	// wake parked receivers; they will see the channel gone
	rflags := ch.ReceiversLock.LockIrqSave()
	r := ch.Receivers
	ch.Receivers = nil
	ch.ReceiversLock.UnlockIrqRestore(rflags)
	for r != nil {
		next := r.Next
		r.Next = nil
		unblockWaiter(r)
		r = next
	}

	slab.Free(unsafe.Pointer(ch.ReceiversLock))
	slab.Free(unsafe.Pointer(ch.QueueLock))
	slab.Free(unsafe.Pointer(ch))
	limits.Syslimit.Channels.Give()
}

// / ChannelSend queues a message on the channel and blocks t until a
// / receiver replies. The buffer must be page aligned and no larger
// / than the IPC cap; it is translated to its physical page for the
// / receiver to map. Returns the reply value; 0 means failure or a
// / zero reply.
func ChannelSend(t *proc.Task_t, cookie uint64, tag uint64, bufSize uint64,
	buffer uintptr) uint64 {
	ch := lookupChannel(cookie)
	if ch == nil {
		return 0
	}

	if bufSize > limits.MAX_IPC_BUFFER_SIZE {
		return 0
	}
	if buffer&uintptr(mem.PGOFFSET) != 0 {
		return 0
	}

	var bufPhys mem.Pa_t
	if buffer != 0 {
		bufPhys = mem.VirtToPhysPageIn(t.Pml4, buffer)
		if bufPhys == 0 {
			return 0
		}
	}

	msg := (*IpcMessage_t)(slab.Alloc())
	if msg == nil {
		return 0
	}
	msg.Cookie = caps.NextCookie()
	msg.Tag = tag
	msg.ArgBufPhys = bufPhys
	msg.ArgBufSize = bufSize
	msg.Waiter = t

	stats.Kstats.Ipcsends.Inc()

	qflags := ch.QueueLock.LockIrqSave()
	// arrival order: append to the queue tail
	if ch.Queue == nil {
		ch.Queue = msg
	} else {
		tail := ch.Queue
		for tail.Next != nil {
			tail = tail.Next
		}
		tail.Next = msg
	}

	// a parked receiver takes the message directly
	rflags := ch.ReceiversLock.LockIrqSave()
	receiver := ch.Receivers
	if receiver != nil {
		ch.Receivers = receiver.Next
		receiver.Next = nil
	}
	ch.ReceiversLock.UnlockIrqRestore(rflags)
	ch.QueueLock.UnlockIrqRestore(qflags)

	if receiver != nil {
		unblockWaiter(receiver)
	}

	lf := sched.LockThisCpu()
	sched.Block(t)
	sched.ScheduleTask(t)
	sched.UnlockThisCpu(lf)

	reply := msg.Reply
	slab.Free(unsafe.Pointer(msg))
	return reply
}

// / ChannelRecv takes the next message off the channel, parking t
// / until one arrives. The sender's buffer page is mapped at buffer in
// / t's address space. Returns the message cookie for the matching
// / reply, with tag and size through the out pointers; 0 when the
// / channel is gone.
func ChannelRecv(t *proc.Task_t, cookie uint64, tag *uint64, bufSize *uint64,
	buffer uintptr) uint64 {
	for {
		ch := lookupChannel(cookie)
		if ch == nil {
			return 0
		}

		qflags := ch.QueueLock.LockIrqSave()
		msg := ch.Queue
		if msg != nil {
			ch.Queue = msg.Next
			msg.Next = nil
			ch.QueueLock.UnlockIrqRestore(qflags)

			inFlightMessageHash.Set(msg.Cookie, inflight_t{msg: msg, channel: ch})

			if tag != nil {
				*tag = msg.Tag
			}
			if bufSize != nil {
				*bufSize = msg.ArgBufSize
			}

			if msg.ArgBufPhys != 0 && buffer != 0 {
				mem.MapPageInPml4(t.Pml4, buffer, msg.ArgBufPhys,
					mem.PTE_P|mem.PTE_W|mem.PTE_U)
			}

			return msg.Cookie
		}
		ch.QueueLock.UnlockIrqRestore(qflags)

		// nothing queued; park on the receivers list (FIFO)
		rflags := ch.ReceiversLock.LockIrqSave()
		t.Next = nil
		if ch.Receivers == nil {
			ch.Receivers = t
		} else {
			tail := ch.Receivers
			for tail.Next != nil {
				tail = tail.Next
			}
			tail.Next = t
		}
		ch.ReceiversLock.UnlockIrqRestore(rflags)

		lf := sched.LockThisCpu()
		sched.Block(t)
		sched.ScheduleTask(t)
		sched.UnlockThisCpu(lf)
	}
}

// / ChannelReply completes an in-flight message: the reply value is
// / stored and the sender unblocked. Returns the channel cookie, or 0
// / for an unknown message cookie.
func ChannelReply(messageCookie uint64, result uint64) uint64 {
	v := inFlightMessageHash.Del(messageCookie)
	if v == nil {
		return 0
	}
	fl := v.(inflight_t)

	fl.msg.Reply = result
	fl.msg.Handled = true

	stats.Kstats.Ipcreplies.Inc()

	unblockWaiter(fl.msg.Waiter)

	return fl.channel.Cookie
}
