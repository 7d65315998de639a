package sched_test

import "testing"

import "proc"
import "sched"

func task(prio uint8) *proc.Task_t {
	return &proc.Task_t{Sched: &proc.TaskSched_t{Prio: prio}}
}

func TestPushPopOrdered(t *testing.T) {
	var pq sched.TaskPriorityQueue_t
	sched.TaskPqInit(&pq)

	a := task(30)
	b := task(10)
	c := task(20)

	sched.TaskPqPush(&pq, a)
	sched.TaskPqPush(&pq, b)
	sched.TaskPqPush(&pq, c)

	if got := sched.TaskPqPop(&pq); got != b {
		t.Fatalf("first pop prio %d", got.Sched.Prio)
	}
	if got := sched.TaskPqPop(&pq); got != c {
		t.Fatalf("second pop prio %d", got.Sched.Prio)
	}
	if got := sched.TaskPqPop(&pq); got != a {
		t.Fatalf("third pop prio %d", got.Sched.Prio)
	}
	if sched.TaskPqPop(&pq) != nil {
		t.Fatal("pop from empty returned a task")
	}
}

func TestEqualPriorityFifo(t *testing.T) {
	var pq sched.TaskPriorityQueue_t
	sched.TaskPqInit(&pq)

	first := task(5)
	second := task(5)
	third := task(5)

	sched.TaskPqPush(&pq, first)
	sched.TaskPqPush(&pq, second)
	sched.TaskPqPush(&pq, third)

	if sched.TaskPqPop(&pq) != first || sched.TaskPqPop(&pq) != second ||
		sched.TaskPqPop(&pq) != third {
		t.Fatal("equal-priority order not FIFO")
	}
}

func TestOutputNonDecreasing(t *testing.T) {
	sched.Conservative = true
	defer func() { sched.Conservative = false }()

	var pq sched.TaskPriorityQueue_t
	sched.TaskPqInit(&pq)

	prios := []uint8{9, 3, 7, 3, 1, 9, 0, 5, 3}
	for _, p := range prios {
		sched.TaskPqPush(&pq, task(p))
	}

	last := uint8(0)
	for i := 0; i < len(prios); i++ {
		got := sched.TaskPqPop(&pq)
		if got == nil {
			t.Fatalf("queue dry at %d", i)
		}
		if got.Sched.Prio < last {
			t.Fatalf("priority went backward: %d after %d", got.Sched.Prio, last)
		}
		last = got.Sched.Prio
	}
}

func TestPeekAndEmpty(t *testing.T) {
	var pq sched.TaskPriorityQueue_t
	sched.TaskPqInit(&pq)

	if !sched.TaskPqEmpty(&pq) || sched.TaskPqPeek(&pq) != nil {
		t.Fatal("fresh queue not empty")
	}

	a := task(1)
	sched.TaskPqPush(&pq, a)
	if sched.TaskPqPeek(&pq) != a || sched.TaskPqEmpty(&pq) {
		t.Fatal("peek after push wrong")
	}
	// peek does not remove
	if sched.TaskPqPeek(&pq) != a {
		t.Fatal("peek removed the head")
	}

	sched.TaskPqPush(&pq, nil) // ignored
	sched.TaskPqPop(&pq)
	if !sched.TaskPqEmpty(&pq) {
		t.Fatal("queue not empty after draining")
	}
}
