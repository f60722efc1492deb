package ipc

import (
	"testing"
	"time"

	"duskos/defs"
	"duskos/fd"
	"duskos/proc"
	"duskos/vm"
)

func mktask(t *testing.T) *proc.Task_t {
	t.Helper()
	return proc.NewInit(&vm.Vm_t{}, &fd.Cwd_t{})
}

func freshKey() int {
	mu.Lock()
	defer mu.Unlock()
	k := 1
	for {
		if _, ok := byKey[k]; !ok {
			return k
		}
		k++
	}
}

func TestGetCreateExclRejectsExisting(t *testing.T) {
	key := freshKey()
	if _, err := Get(key, 1, IPC_CREAT); err != 0 {
		t.Fatalf("create: %d", err)
	}
	if _, err := Get(key, 1, IPC_CREAT|IPC_EXCL); err != -defs.EEXIST {
		t.Fatalf("expected EEXIST, got %d", err)
	}
}

func TestGetWithoutCreateMissingIsENOENT(t *testing.T) {
	key := freshKey()
	if _, err := Get(key, 1, 0); err != -defs.ENOENT {
		t.Fatalf("expected ENOENT, got %d", err)
	}
}

func TestOpIncrementThenDecrementSucceeds(t *testing.T) {
	tsk := mktask(t)
	key := freshKey()
	s, err := Get(key, 1, IPC_CREAT)
	if err != 0 {
		t.Fatalf("get: %d", err)
	}
	if err := Op(tsk, s, []Sembuf_t{{Index: 0, Val: 1}}); err != 0 {
		t.Fatalf("inc: %d", err)
	}
	if err := Op(tsk, s, []Sembuf_t{{Index: 0, Val: -1}}); err != 0 {
		t.Fatalf("dec: %d", err)
	}
	v, _ := Ctl(s, 0, GETVAL, 0)
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestOpNonBlockingDecrementBelowZeroReturnsEAGAIN(t *testing.T) {
	tsk := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)
	err := Op(tsk, s, []Sembuf_t{{Index: 0, Val: -1, Flags: IPC_NOWAIT}})
	if err != -defs.EAGAIN {
		t.Fatalf("expected EAGAIN, got %d", err)
	}
}

func TestOpTooManySopsReturnsE2BIG(t *testing.T) {
	tsk := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)
	sops := make([]Sembuf_t, NSOPS_MAX+1)
	if err := Op(tsk, s, sops); err != -defs.E2BIG {
		t.Fatalf("expected E2BIG, got %d", err)
	}
}

func TestOpBlocksThenWakesOnIncrement(t *testing.T) {
	waiter := mktask(t)
	poster := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- Op(waiter, s, []Sembuf_t{{Index: 0, Val: -1}})
	}()

	time.Sleep(10 * time.Millisecond)
	if err := Op(poster, s, []Sembuf_t{{Index: 0, Val: 1}}); err != 0 {
		t.Fatalf("post: %d", err)
	}

	select {
	case err := <-done:
		if err != 0 {
			t.Fatalf("expected wake to succeed, got %d", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestOpBlockedReturnsEIDRMOnRemove(t *testing.T) {
	waiter := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- Op(waiter, s, []Sembuf_t{{Index: 0, Val: -1}})
	}()

	time.Sleep(10 * time.Millisecond)
	if _, err := Ctl(s, 0, IPC_RMID, 0); err != 0 {
		t.Fatalf("rmid: %d", err)
	}

	select {
	case err := <-done:
		if err != -defs.EIDRM {
			t.Fatalf("expected EIDRM, got %d", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestOpBlockedInterruptedBySignalReturnsEINTR(t *testing.T) {
	waiter := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)

	done := make(chan defs.Err_t, 1)
	go func() {
		done <- Op(waiter, s, []Sembuf_t{{Index: 0, Val: -1}})
	}()

	time.Sleep(10 * time.Millisecond)
	waiter.Signal(proc.SIGINT)

	select {
	case err := <-done:
		if err != -defs.EINTR {
			t.Fatalf("expected EINTR, got %d", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never woke")
	}
}

func TestSemUndoReversedOnTaskExit(t *testing.T) {
	tsk := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)

	if err := Op(tsk, s, []Sembuf_t{{Index: 0, Val: 3, Flags: SEM_UNDO}}); err != 0 {
		t.Fatalf("inc: %d", err)
	}
	v, _ := Ctl(s, 0, GETVAL, 0)
	if v != 3 {
		t.Fatalf("expected 3, got %d", v)
	}

	tsk.Exit(0)

	v, _ = Ctl(s, 0, GETVAL, 0)
	if v != 0 {
		t.Fatalf("expected undo to restore 0, got %d", v)
	}
}

func TestSemUndoNoopAfterGenerationChange(t *testing.T) {
	tsk := mktask(t)
	key := freshKey()
	s, _ := Get(key, 1, IPC_CREAT)
	Op(tsk, s, []Sembuf_t{{Index: 0, Val: 3, Flags: SEM_UNDO}})

	Ctl(s, 0, IPC_RMID, 0)
	s2, _ := Get(key, 1, IPC_CREAT)
	Op(mktask(t), s2, []Sembuf_t{{Index: 0, Val: 5}})

	tsk.Exit(0)

	v, _ := Ctl(s2, 0, GETVAL, 0)
	if v != 5 {
		t.Fatalf("stale undo entry should be a no-op, got %d", v)
	}
}
