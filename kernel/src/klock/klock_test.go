package klock

import "testing"

import "golang.org/x/sync/errgroup"

func TestSpinLockMutualExclusion(t *testing.T) {
	var l SpinLock_t
	var counter int

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		eg.Go(func() error {
			for i := 0; i < 1000; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if counter != 8000 {
		t.Fatalf("counter %d, want 8000", counter)
	}
}

func TestIrqSaveRestore(t *testing.T) {
	var l SpinLock_t

	IrqRestore(1)
	flags := l.LockIrqSave()
	if flags != 1 {
		t.Fatalf("saved flags %d, want 1", flags)
	}
	if IrqsEnabled() {
		t.Fatal("interrupts still enabled under irqsave")
	}

	// nesting saves the disabled state
	inner := l2lock(t)
	if inner != 0 {
		t.Fatalf("nested saved flags %d, want 0", inner)
	}

	l.UnlockIrqRestore(flags)
	if !IrqsEnabled() {
		t.Fatal("interrupts not restored")
	}
}

func l2lock(t *testing.T) uint64 {
	t.Helper()
	var inner SpinLock_t
	flags := inner.LockIrqSave()
	inner.UnlockIrqRestore(flags)
	return flags
}

func TestReentrantLockFirstAndReentry(t *testing.T) {
	var l ReentrantSpinLock_t

	if !l.Lock(42) {
		t.Fatal("first acquire reported re-entry")
	}
	// re-entry is successful but reported false
	if l.Lock(42) {
		t.Fatal("re-entry reported first acquire")
	}
	if !l.Unlock(42) {
		t.Fatal("owner unlock failed")
	}
}

func TestReentrantUnlockWrongIdent(t *testing.T) {
	var l ReentrantSpinLock_t
	l.Lock(7)
	if l.Unlock(8) {
		t.Fatal("unlock with wrong ident succeeded")
	}
	if !l.Unlock(7) {
		t.Fatal("owner unlock failed")
	}
	if l.Unlock(7) {
		t.Fatal("unlock of free lock succeeded")
	}
}

func TestReentrantZeroIdentPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic for zero ident")
		}
	}()
	var l ReentrantSpinLock_t
	l.Lock(0)
}
