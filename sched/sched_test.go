package sched

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

func TestCPUEnqueueFIFOOrder(t *testing.T) {
	cpu := &CPU{ID: 0}
	a, b := mktask(t), mktask(t)
	cpu.Enqueue(a, ClassFIFO, 0)
	cpu.Enqueue(b, ClassFIFO, 0)
	first := cpu.pickLocked()
	if first.task != a {
		t.Fatal("expected FIFO order to preserve insertion order")
	}
}

func TestCPUEnqueueOtherByPriority(t *testing.T) {
	cpu := &CPU{ID: 0}
	lo, hi := mktask(t), mktask(t)
	cpu.Enqueue(hi, ClassOther, 10)
	cpu.Enqueue(lo, ClassOther, 1)
	first := cpu.pickLocked()
	if first.task != lo {
		t.Fatal("expected lower priority value to run first")
	}
}

func TestNanosleepCompletesNormally(t *testing.T) {
	tsk := mktask(t)
	start := time.Now()
	if err := Nanosleep(tsk, 20*time.Millisecond); err != 0 {
		t.Fatalf("unexpected error %d", err)
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatal("returned too early")
	}
}

func TestNanosleepInterruptedBySignal(t *testing.T) {
	tsk := mktask(t)
	go func() {
		time.Sleep(5 * time.Millisecond)
		tsk.Signal(proc.SIGINT)
	}()
	if err := Nanosleep(tsk, time.Second); err != -defs.EINTR {
		t.Fatalf("expected EINTR, got %d", err)
	}
}

func TestLoadAvgReflectsQueueDepth(t *testing.T) {
	s := NewSystem(1)
	a := mktask(t)
	s.PerCPU[0].Enqueue(a, ClassOther, 0)
	s.decayLoad()
	l1, _, _ := s.LoadAvg()
	if l1 <= 0 {
		t.Fatalf("expected nonzero load average, got %v", l1)
	}
}

func TestVirtualTimerFiresSIGVTALRM(t *testing.T) {
	s := NewSystem(1)
	tsk := mktask(t)
	s.SetVirtualTimer(tsk, tickPeriod)
	s.tickItimers()
	if got := tsk.CheckSignals(); got != proc.SIGVTALRM {
		t.Fatalf("expected SIGVTALRM, got %d", got)
	}
}
