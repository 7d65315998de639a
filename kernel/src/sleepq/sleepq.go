// Package sleepq is the deadline-ordered queue of sleeping tasks,
// drained by the per-CPU timer tick.
package sleepq

import "proc"

// / Sleeper_t is one sleeping task. 64 bytes, slab-friendly.
type Sleeper_t struct {
	Next   *Sleeper_t
	WakeAt uint64
	Task   *proc.Task_t
	// Owned marks sleepers the scheduler allocated and must free
	// after wakeup.
	Owned uint64
	_     [4]uint64
}

// The queue owns a dedicated sentinel whose deadline is always zero.
// Walks start from it unconditionally, which removes the head special
// case from enqueue.
// / SleepQueue_t holds sleepers in wake-time order.
type SleepQueue_t struct {
	sentinel Sleeper_t
	Tail     *Sleeper_t
}

// / Head returns the earliest sleeper, nil when empty. Test aid.
func (q *SleepQueue_t) Head() *Sleeper_t {
	return q.sentinel.Next
}

// / Enqueue splices sleeper in before the first node with a later
// / deadline; equal deadlines keep arrival order.
func Enqueue(q *SleepQueue_t, sleeper *Sleeper_t, deadline uint64) bool {
	if q == nil || sleeper == nil {
		return false
	}

	sleeper.WakeAt = deadline

	cur := &q.sentinel
	for cur.Next != nil && cur.Next.WakeAt <= deadline {
		cur = cur.Next
	}

	sleeper.Next = cur.Next
	cur.Next = sleeper
	if sleeper.Next == nil {
		q.Tail = sleeper
	}
	return true
}

// / Dequeue detaches and returns the prefix of sleepers whose deadline
// / has passed, as a linked list. The caller unblocks each. Returns
// / nil when nobody is due.
func Dequeue(q *SleepQueue_t, now uint64) *Sleeper_t {
	if q == nil {
		return nil
	}

	first := q.sentinel.Next
	if first == nil || first.WakeAt > now {
		return nil
	}

	last := first
	for last.Next != nil && last.Next.WakeAt <= now {
		last = last.Next
	}

	q.sentinel.Next = last.Next
	if q.sentinel.Next == nil {
		q.Tail = nil
	}
	last.Next = nil

	return first
}
