package proc

import (
	"testing"

	"sync"

	"duskos/defs"
	"duskos/fd"
	"duskos/fdops"
	"duskos/limits"
	"duskos/mem"
	"duskos/vm"
)

var physOnce sync.Once

func ensurePhys() {
	physOnce.Do(func() { mem.Phys_init(256) })
}

func mktask(t *testing.T) *Task_t {
	t.Helper()
	as := &vm.Vm_t{}
	return NewInit(as, &fd.Cwd_t{})
}

func TestNewInitRegistersThreadgroup(t *testing.T) {
	tsk := mktask(t)
	tg, ok := Lookup(tsk.Tg.Pid)
	if !ok || tg != tsk.Tg {
		t.Fatal("thread group not registered")
	}
}

func TestCloneSharesFdTableUnderCloneVmFiles(t *testing.T) {
	parent := mktask(t)
	child, err := parent.Clone(CLONE_VM | CLONE_FILES | CLONE_SIGHAND)
	if err != 0 {
		t.Fatalf("clone failed: %d", err)
	}
	if child.Tg != parent.Tg {
		t.Fatal("CLONE_VM|CLONE_FILES should share the thread group")
	}
	if len(parent.Tg.Tasks) != 2 {
		t.Fatalf("expected 2 tasks in thread group, got %d", len(parent.Tg.Tasks))
	}
}

func TestAddGetCloseFd(t *testing.T) {
	tsk := mktask(t)
	f := &fd.Fd_t{Fops: &nopFops{}}
	n := tsk.Tg.AddFd(f)
	got, err := tsk.Tg.GetFd(n)
	if err != 0 || got != f {
		t.Fatalf("GetFd mismatch: %v %d", got, err)
	}
	if err := tsk.Tg.CloseFd(n); err != 0 {
		t.Fatalf("CloseFd: %d", err)
	}
	if _, err := tsk.Tg.GetFd(n); err != -defs.EBADF {
		t.Fatalf("expected EBADF after close, got %d", err)
	}
}

func TestWaitReturnsExitedChild(t *testing.T) {
	ensurePhys()
	parent := mktask(t)
	parent.Tg.Vm.Pmap, parent.Tg.Vm.P_pmap, _ = mem.Physmem.Pmap_new()
	child, err := parent.Clone(0)
	if err != 0 {
		t.Fatalf("clone: %d", err)
	}

	done := make(chan struct{})
	go func() {
		child.Exit(7)
		close(done)
	}()
	<-done

	pid, code, werr := parent.Wait(-1)
	if werr != 0 {
		t.Fatalf("wait: %d", werr)
	}
	if pid != child.Tg.Pid || code != 7 {
		t.Fatalf("expected pid=%d code=7, got pid=%d code=%d", child.Tg.Pid, pid, code)
	}
}

func TestSignalPendingAndCheck(t *testing.T) {
	tsk := mktask(t)
	tsk.Signal(SIGINT)
	if got := tsk.CheckSignals(); got != SIGINT {
		t.Fatalf("expected SIGINT pending, got %d", got)
	}
	if got := tsk.CheckSignals(); got != 0 {
		t.Fatalf("expected no signal pending after drain, got %d", got)
	}
}

func TestCloneRefusesBeyondSysprocsLimit(t *testing.T) {
	ensurePhys()
	parent := mktask(t)
	parent.Tg.Vm.Pmap, parent.Tg.Vm.P_pmap, _ = mem.Physmem.Pmap_new()

	saved := limits.Syslimit.Sysprocs
	limits.Syslimit.Sysprocs = 1
	defer func() { limits.Syslimit.Sysprocs = saved }()

	child, err := parent.Clone(0)
	if err != 0 {
		t.Fatalf("expected the first fork to fit the limit, got %d", err)
	}
	if _, err := parent.Clone(0); err != -defs.EAGAIN {
		t.Fatalf("expected EAGAIN once Sysprocs is exhausted, got %d", err)
	}

	done := make(chan struct{})
	go func() { child.Exit(0); close(done) }()
	<-done
	if _, _, err := parent.Wait(-1); err != 0 {
		t.Fatalf("wait: %d", err)
	}
	if _, err := parent.Clone(0); err != 0 {
		t.Fatalf("expected Wait to return child's Sysprocs credit, got %d", err)
	}
}

func TestSetBlockedSuppressesDelivery(t *testing.T) {
	tsk := mktask(t)
	tsk.SetBlocked(1 << (SIGINT - 1))
	tsk.Signal(SIGINT)
	if got := tsk.CheckSignals(); got != 0 {
		t.Fatalf("expected SIGINT to stay blocked, got %d", got)
	}
}

type nopFops struct{}

func (n *nopFops) Close() defs.Err_t  { return 0 }
func (n *nopFops) Reopen() defs.Err_t { return 0 }
func (n *nopFops) Fstat(*fdops.StatStub) defs.Err_t { return 0 }
func (n *nopFops) Lseek(off, whence int) (int, defs.Err_t) { return 0, 0 }
func (n *nopFops) Mmapi(off, len int, inhibit bool) ([]fdops.MmapInfo_t, defs.Err_t) {
	return nil, -defs.EINVAL
}
func (n *nopFops) Pathi() fdops.Inum_i                          { return nil }
func (n *nopFops) Read(fdops.Userio_i) (int, defs.Err_t)        { return 0, 0 }
func (n *nopFops) Write(fdops.Userio_i) (int, defs.Err_t)       { return 0, 0 }
func (n *nopFops) Fullpath() (string, defs.Err_t)               { return "", 0 }
func (n *nopFops) Truncate(newlen uint) defs.Err_t              { return 0 }
func (n *nopFops) Pread(fdops.Userio_i, int) (int, defs.Err_t)  { return 0, 0 }
func (n *nopFops) Pwrite(fdops.Userio_i, int) (int, defs.Err_t) { return 0, 0 }
func (n *nopFops) Poll(fdops.Pollmsg_t) (fdops.Ready_t, defs.Err_t) {
	return 0, 0
}

var _ fdops.Fdops_i = (*nopFops)(nil)
