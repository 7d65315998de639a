package ipc_test

import "testing"
import "time"

import "ipc"
import "ktest"
import "mem"
import "proc"
import "ustr"

func waitBlocked(t *testing.T, task *proc.Task_t) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if task.Sched.State == proc.TASK_STATE_BLOCKED {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("task %d never blocked", task.Sched.Tid)
}

func TestChannelCreateDestroy(t *testing.T) {
	ktest.Boot()

	cookie := ipc.ChannelCreate()
	if cookie == 0 {
		t.Fatal("create failed")
	}
	if !ipc.ChannelExists(cookie) {
		t.Fatal("created channel does not exist")
	}

	ipc.ChannelDestroy(cookie)
	if ipc.ChannelExists(cookie) {
		t.Fatal("destroyed channel still exists")
	}
}

func TestSendInvalidChannel(t *testing.T) {
	sender := ktest.MkTask()
	if got := ipc.ChannelSend(sender, 99999, 1, 2, 0); got != 0 {
		t.Fatalf("send to missing channel returned %d", got)
	}
}

func TestRecvInvalidChannel(t *testing.T) {
	receiver := ktest.MkTask()
	var tag, size uint64
	if got := ipc.ChannelRecv(receiver, 99999, &tag, &size, 0); got != 0 {
		t.Fatalf("recv on missing channel returned %d", got)
	}
}

func TestSendRejectsBadBuffer(t *testing.T) {
	sender := ktest.MkTask()
	cookie := ipc.ChannelCreate()
	defer ipc.ChannelDestroy(cookie)

	if ipc.ChannelSend(sender, cookie, 1, 4097, 0) != 0 {
		t.Fatal("oversized buffer accepted")
	}
	if ipc.ChannelSend(sender, cookie, 1, 16, 0x1234) != 0 {
		t.Fatal("unaligned buffer accepted")
	}
}

// The whole rendezvous: receiver parks, sender arrives with a mapped
// buffer, receiver drains and replies, sender wakes with the reply.
func TestRendezvous(t *testing.T) {
	receiverTask := ktest.MkTask()
	senderTask := proc.TaskCreateNew(receiverTask.Owner, 0, 0, 0, 0,
		proc.TASK_CLASS_NORMAL)
	senderTask.Sched.State = proc.TASK_STATE_RUNNING

	cookie := ipc.ChannelCreate()
	defer ipc.ChannelDestroy(cookie)

	// sender's buffer page, mapped at a known user address
	const sendBuf = uintptr(0x1000)
	bufPhys := mem.PageAlloc(mem.PhysicalRegion)
	mem.MapPageInPml4(senderTask.Pml4, sendBuf, bufPhys, mem.PTE_P|mem.PTE_W|mem.PTE_U)
	mem.Physmem.Dmap8(bufPhys)[0] = 0x77

	type recvResult struct {
		msgCookie uint64
		tag       uint64
		size      uint64
	}
	recvDone := make(chan recvResult, 1)
	go func() {
		var tag, size uint64
		const recvBuf = uintptr(0x7f0000000000)
		mc := ipc.ChannelRecv(receiverTask, cookie, &tag, &size, recvBuf)
		recvDone <- recvResult{mc, tag, size}
	}()

	waitBlocked(t, receiverTask)

	sendDone := make(chan uint64, 1)
	go func() {
		sendDone <- ipc.ChannelSend(senderTask, cookie, 42, 99, sendBuf)
	}()

	var rr recvResult
	select {
	case rr = <-recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never woke")
	}
	if rr.msgCookie == 0 || rr.tag != 42 || rr.size != 99 {
		t.Fatalf("recv got %+v", rr)
	}

	// sender's buffer page appears at the receiver's target address
	if got := mem.VirtToPhysPageIn(receiverTask.Pml4, 0x7f0000000000); got != bufPhys {
		t.Fatalf("buffer mapped at %#x, want %#x", got, bufPhys)
	}

	waitBlocked(t, senderTask)

	if got := ipc.ChannelReply(rr.msgCookie, 7); got != cookie {
		t.Fatalf("reply returned %#x, want channel cookie", got)
	}

	select {
	case reply := <-sendDone:
		if reply != 7 {
			t.Fatalf("sender got reply %d", reply)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sender never woke with the reply")
	}
}

func TestReplyUnknownCookie(t *testing.T) {
	ktest.Boot()
	if ipc.ChannelReply(0xdeadbeef, 1) != 0 {
		t.Fatal("reply to unknown message succeeded")
	}
}

func TestPerChannelFifo(t *testing.T) {
	receiverTask := ktest.MkTask()
	s1 := proc.TaskCreateNew(receiverTask.Owner, 0, 0, 0, 0, proc.TASK_CLASS_NORMAL)
	s1.Sched.State = proc.TASK_STATE_RUNNING
	s2 := proc.TaskCreateNew(receiverTask.Owner, 0, 0, 0, 0, proc.TASK_CLASS_NORMAL)
	s2.Sched.State = proc.TASK_STATE_RUNNING

	cookie := ipc.ChannelCreate()
	defer ipc.ChannelDestroy(cookie)

	done1 := make(chan uint64, 1)
	go func() { done1 <- ipc.ChannelSend(s1, cookie, 1, 0, 0) }()
	waitBlocked(t, s1)

	done2 := make(chan uint64, 1)
	go func() { done2 <- ipc.ChannelSend(s2, cookie, 2, 0, 0) }()
	waitBlocked(t, s2)

	var tag, size uint64
	mc1 := ipc.ChannelRecv(receiverTask, cookie, &tag, &size, 0)
	if tag != 1 {
		t.Fatalf("first recv tag %d, want 1", tag)
	}
	mc2 := ipc.ChannelRecv(receiverTask, cookie, &tag, &size, 0)
	if tag != 2 {
		t.Fatalf("second recv tag %d, want 2", tag)
	}

	ipc.ChannelReply(mc1, 11)
	ipc.ChannelReply(mc2, 22)
	if <-done1 != 11 || <-done2 != 22 {
		t.Fatal("replies crossed")
	}
}

func TestDestroyWakesParkedReceiver(t *testing.T) {
	receiverTask := ktest.MkTask()

	cookie := ipc.ChannelCreate()

	recvDone := make(chan uint64, 1)
	go func() {
		var tag, size uint64
		recvDone <- ipc.ChannelRecv(receiverTask, cookie, &tag, &size, 0)
	}()
	waitBlocked(t, receiverTask)

	ipc.ChannelDestroy(cookie)

	select {
	case got := <-recvDone:
		if got != 0 {
			t.Fatalf("receiver got %d from destroyed channel", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receiver not woken by destroy")
	}

	// a fresh send to the dead channel fails without blocking
	if got := ipc.ChannelSend(receiverTask, cookie, 1, 0, 0); got != 0 {
		t.Fatalf("send to destroyed channel returned %d", got)
	}
}

func TestDestroyWakesQueuedSender(t *testing.T) {
	senderTask := ktest.MkTask()

	cookie := ipc.ChannelCreate()

	sendDone := make(chan uint64, 1)
	go func() {
		sendDone <- ipc.ChannelSend(senderTask, cookie, 9, 0, 0)
	}()
	waitBlocked(t, senderTask)

	ipc.ChannelDestroy(cookie)

	select {
	case got := <-sendDone:
		if got != 0 {
			t.Fatalf("queued sender got %d from destroyed channel", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued sender not woken by destroy")
	}
}

func TestNamedChannels(t *testing.T) {
	ktest.Boot()

	cookie := ipc.ChannelCreate()
	defer ipc.ChannelDestroy(cookie)

	name := ustr.MkUstrStr("system:vfs")

	if ipc.NamedChannelRegister(0xbad, name) {
		t.Fatal("registered a name for a missing channel")
	}
	if !ipc.NamedChannelRegister(cookie, name) {
		t.Fatal("register failed")
	}
	if got := ipc.NamedChannelFind(name); got != cookie {
		t.Fatalf("find returned %#x", got)
	}
	if got := ipc.NamedChannelFind(ustr.MkUstrStr("no:such")); got != 0 {
		t.Fatalf("missing name found: %#x", got)
	}
	if got := ipc.NamedChannelDeregister(name); got != cookie {
		t.Fatalf("deregister returned %#x, want the cookie", got)
	}
	if got := ipc.NamedChannelFind(name); got != 0 {
		t.Fatal("name survived deregister")
	}
	if got := ipc.NamedChannelDeregister(name); got != 0 {
		t.Fatal("second deregister returned a cookie")
	}
}
