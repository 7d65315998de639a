package sched

// Priority queue of tasks, used for mutex wait sets. None of these
// routines allocate any memory or copy anything - that's all on the
// caller.
//
// O(n) push, O(1) peek / pop.

import "fmt"

import "proc"

// / Conservative enables the invariant checks after every mutation.
var Conservative = false

// / TaskPriorityQueue_t is a head-only list kept in ascending priority
// / order; equal priorities keep FIFO order. Fits a slab block.
type TaskPriorityQueue_t struct {
	Head *proc.Task_t
	_    [7]uint64
}

func checkInvariants(pq *TaskPriorityQueue_t) bool {
	if pq.Head == nil {
		return true // Empty queue is valid
	}

	if pq.Head.Next == pq.Head {
		fmt.Printf("Error: Cycle detected at head\n")
		return false
	}

	// Detect cycles & priority violation (Floyd's algorithm)
	slow := pq.Head
	fast := pq.Head.Next

	for fast != nil && fast.Next != nil {
		if fast == slow || fast.Next == slow {
			fmt.Printf("Error: Cycle detected in queue\n")
			return false
		}

		// priority ordering
		if slow.Next != nil && slow.Sched.Prio > slow.Next.Sched.Prio {
			fmt.Printf("Error: Priority ordering violation: %d > %d\n",
				slow.Sched.Prio, slow.Next.Sched.Prio)
			return false
		}

		slow = slow.Next
		fast = fast.Next.Next
	}

	return true
}

// / TaskPqInit empties the queue.
func TaskPqInit(pq *TaskPriorityQueue_t) {
	pq.Head = nil
}

// / TaskPqPush inserts newNode before the first task with a strictly
// / greater priority, so equal priorities go to the end of their run.
func TaskPqPush(pq *TaskPriorityQueue_t, newNode *proc.Task_t) {
	if newNode == nil {
		return
	}

	if pq.Head == nil || newNode.Sched.Prio < pq.Head.Sched.Prio {
		newNode.Next = pq.Head
		pq.Head = newNode
		return
	}

	current := pq.Head
	for current.Next != nil && current.Next.Sched.Prio <= newNode.Sched.Prio {
		current = current.Next
	}

	newNode.Next = current.Next
	current.Next = newNode

	if Conservative && !checkInvariants(pq) {
		fmt.Printf("WARN: Invariant violation after push\n")
	}
}

// / TaskPqPop detaches and returns the highest-priority task, nil when
// / empty.
func TaskPqPop(pq *TaskPriorityQueue_t) *proc.Task_t {
	if pq.Head == nil {
		return nil
	}

	minNode := pq.Head
	pq.Head = pq.Head.Next
	minNode.Next = nil // Detach from list

	if Conservative && !checkInvariants(pq) {
		fmt.Printf("WARN: Invariant violation after pop\n")
	}

	return minNode
}

// / TaskPqPeek returns the head without removing it.
func TaskPqPeek(pq *TaskPriorityQueue_t) *proc.Task_t {
	return pq.Head
}

// / TaskPqEmpty reports whether the queue holds no tasks.
func TaskPqEmpty(pq *TaskPriorityQueue_t) bool {
	return pq.Head == nil
}
