// Package proc implements the kernel's task core: Task_t (the
// schedulable unit) and Threadgroup_t (the fork/exit/wait unit POSIX
// calls a process), fork/vfork/clone's address-space and fd-table
// sharing rules, exit/zombie/reap, and the signal-pending bitmask
// every blocking syscall checks on its way back to userspace. Tasks
// live in a single flat table: plain Go structs behind a mutex, with a
// lockorder token making the acquisition-order rules a checked
// invariant rather than a convention.
package proc

import (
	"sync"

	"duskos/accnt"
	"duskos/defs"
	"duskos/fd"
	"duskos/limits"
	"duskos/lockorder"
	"duskos/vm"
)

/// Status_t is a task's run state as observed by wait(2) and ps-like
/// reporting.
type Status_t int

const (
	Running Status_t = iota
	Sleeping
	Stopped
	Zombie
)

/// Sig_t is a signal number; delivery here is a pending bitmask plus a
/// disposition table, not a real hardware trap -- syscalls consult
/// CheckSignals at their own blocking points.
type Sig_t uint

const (
	SIGHUP  Sig_t = 1
	SIGINT  Sig_t = 2
	SIGKILL Sig_t = 9
	SIGSEGV Sig_t = 11
	SIGPIPE Sig_t = 13
	SIGALRM Sig_t = 14
	SIGTERM Sig_t = 15
	SIGCHLD Sig_t = 17
	SIGVTALRM Sig_t = 26
)

const maxSig = 32

/// Sigaction_t is one entry of a task's signal disposition table.
type Sigaction_t struct {
	Handler uintptr // 0 = default, 1 = SIG_IGN, else a userspace VA
	Mask    uint64
	Flags   uint
}

/// Task_t is one schedulable thread. Every thread in a thread group
/// shares its Threadgroup_t's Vm/Fds/Sigactions/Cwd pointers (plain
/// fork makes a group of one; clone(CLONE_VM|CLONE_FILES|...) grows a
/// group; vfork is a plain fork that additionally blocks the parent
/// until the child execve's or exits).
type Task_t struct {
	Tid    defs.Tid_t
	Tg     *Threadgroup_t
	Parent *Threadgroup_t

	mu     sync.Mutex
	status Status_t

	Accnt *accnt.Accnt_t
	tok   lockorder.Token

	pendingMu sync.Mutex
	pending   uint64 // bit i set => signal i+1 pending
	blockedSig uint64

	waiter   chan struct{} // closed exactly once, at Exit, to unblock Wait-style sleeps
	wakeup   chan struct{} // buffered 1; a Signal send wakes a blocked nanosleep/pause
}

/// Threadgroup_t is the fork/wait/exit unit: one address space, one fd
/// table, one signal disposition table, shared by every Task_t in
/// Tasks. Killed exactly once, via Exit, and reaped exactly once, via
/// the parent's Wait.
type Threadgroup_t struct {
	Pid    defs.Pid_t
	mu     sync.Mutex
	Tasks  []*Task_t
	Vm     *vm.Vm_t
	Fds    map[int]*fd.Fd_t
	nextFd int
	Cwd    *fd.Cwd_t
	Sigs   [maxSig]Sigaction_t

	Parent   *Threadgroup_t
	children []*Threadgroup_t

	exited   bool
	exitcode int
	Zombies  []*Threadgroup_t

	// non-nil on a vfork child until it execve's or exits; closing it
	// releases the parent blocked in VforkWait.
	vforkDone chan struct{}

	reapCond *sync.Cond
}

var (
	tableMu  sync.Mutex
	table    = make(map[defs.Pid_t]*Threadgroup_t)
	nextPid  defs.Pid_t = 1
	nextTid  defs.Tid_t = 1
)

func allocPid() defs.Pid_t {
	tableMu.Lock()
	defer tableMu.Unlock()
	p := nextPid
	nextPid++
	return p
}

func allocTid() defs.Tid_t {
	tableMu.Lock()
	defer tableMu.Unlock()
	t := nextTid
	nextTid++
	return t
}

/// NewInit creates the first thread group in the system: pid 1, a
/// fresh empty address space, and an empty fd table (the caller opens
/// stdio against the root cwd before this task's first execve).
func NewInit(as *vm.Vm_t, cwd *fd.Cwd_t) *Task_t {
	tg := &Threadgroup_t{
		Pid: allocPid(),
		Vm:  as,
		Fds: make(map[int]*fd.Fd_t),
		Cwd: cwd,
	}
	tg.reapCond = sync.NewCond(&tg.mu)

	t := &Task_t{
		Tid:    allocTid(),
		Tg:     tg,
		Accnt:  &accnt.Accnt_t{},
		tok:    lockorder.NewToken(),
		waiter: make(chan struct{}),
		wakeup: make(chan struct{}, 1),
	}
	tg.Tasks = append(tg.Tasks, t)

	tableMu.Lock()
	table[tg.Pid] = tg
	tableMu.Unlock()
	return t
}

/// Lookup finds the thread group for pid, if still in the table
/// (zombies remain until reaped by Wait).
func Lookup(pid defs.Pid_t) (*Threadgroup_t, bool) {
	tableMu.Lock()
	defer tableMu.Unlock()
	tg, ok := table[pid]
	return tg, ok
}

// cloneFlags mirrors clone(2)'s sharing bits; fork(2)/vfork(2) are
// expressed as Clone calls with none/most of them set.
const (
	CLONE_VM = 1 << iota
	CLONE_FILES
	CLONE_SIGHAND
	CLONE_VFORK
)

/// Clone creates a new task. With CLONE_VM|CLONE_FILES|CLONE_SIGHAND
/// it joins the parent's thread group (pthread_create's shape);
/// without them it is a new Threadgroup_t with a COW copy of the
/// parent's address space (fork(2)'s shape, via vm.Vm_t.Fork) and a
/// duplicated fd table reopened against the same underlying files.
/// CLONE_VFORK additionally arms the child group's vfork release:
/// Clone itself returns at once, and the caller then blocks in the
/// child's VforkWait until the child execve's or exits (VforkDone).
func (parent *Task_t) Clone(flags int) (*Task_t, defs.Err_t) {
	if flags&CLONE_VM != 0 && flags&CLONE_FILES != 0 {
		child := &Task_t{
			Tid:    allocTid(),
			Tg:     parent.Tg,
			Accnt:  &accnt.Accnt_t{},
			tok:    lockorder.NewToken(),
			waiter: make(chan struct{}),
			wakeup: make(chan struct{}, 1),
		}
		parent.Tg.mu.Lock()
		parent.Tg.Tasks = append(parent.Tg.Tasks, child)
		parent.Tg.mu.Unlock()
		return child, 0
	}

	if !limits.Syslimit.Sysprocs.Take() {
		return nil, -defs.EAGAIN
	}

	childVm, err := parent.Tg.Vm.Fork()
	if err != 0 {
		limits.Syslimit.Sysprocs.Give()
		return nil, err
	}

	parent.Tg.mu.Lock()
	fds := make(map[int]*fd.Fd_t, len(parent.Tg.Fds))
	for n, f := range parent.Tg.Fds {
		nf, ferr := fd.Copyfd(f)
		if ferr != 0 {
			continue
		}
		fds[n] = nf
	}
	sigs := parent.Tg.Sigs
	nextFd := parent.Tg.nextFd
	cwd := parent.Tg.Cwd
	parent.Tg.mu.Unlock()

	childTg := &Threadgroup_t{
		Pid:    allocPid(),
		Vm:     childVm,
		Fds:    fds,
		nextFd: nextFd,
		Cwd:    cwd,
		Sigs:   sigs,
		Parent: parent.Tg,
	}
	childTg.reapCond = sync.NewCond(&childTg.mu)

	child := &Task_t{
		Tid:    allocTid(),
		Tg:     childTg,
		Parent: parent.Tg,
		Accnt:  &accnt.Accnt_t{},
		tok:    lockorder.NewToken(),
		waiter: make(chan struct{}),
		wakeup: make(chan struct{}, 1),
	}
	childTg.Tasks = append(childTg.Tasks, child)

	parent.Tg.mu.Lock()
	parent.Tg.children = append(parent.Tg.children, childTg)
	parent.Tg.mu.Unlock()

	if flags&CLONE_VFORK != 0 {
		childTg.vforkDone = make(chan struct{})
	}

	lockorder.Acquire(parent.tok, lockorder.LvlTaskTable)
	tableMu.Lock()
	table[childTg.Pid] = childTg
	tableMu.Unlock()
	lockorder.Release(parent.tok, lockorder.LvlTaskTable)

	return child, 0
}

/// VforkWait blocks the caller until the vfork child tg has either
/// execve'd or exited. A tg that was not created with CLONE_VFORK (or
/// has already released its parent) returns immediately.
func (tg *Threadgroup_t) VforkWait() {
	tg.mu.Lock()
	ch := tg.vforkDone
	tg.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

/// VforkDone releases a parent blocked in VforkWait, called from the
/// execve path once the child has committed to a new image and from
/// Exit. Safe to call more than once and on non-vfork groups.
func (tg *Threadgroup_t) VforkDone() {
	tg.mu.Lock()
	ch := tg.vforkDone
	tg.vforkDone = nil
	tg.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

/// AddFd installs f at the lowest unused descriptor number in the
/// task's thread group, the same "lowest available fd" rule open(2)
/// and dup(2) are specified to follow.
func (tg *Threadgroup_t) AddFd(f *fd.Fd_t) int {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	n := 0
	for {
		if _, taken := tg.Fds[n]; !taken {
			break
		}
		n++
	}
	tg.Fds[n] = f
	if n >= tg.nextFd {
		tg.nextFd = n + 1
	}
	return n
}

/// GetFd returns the descriptor numbered n, or EBADF.
func (tg *Threadgroup_t) GetFd(n int) (*fd.Fd_t, defs.Err_t) {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	f, ok := tg.Fds[n]
	if !ok {
		return nil, -defs.EBADF
	}
	return f, 0
}

/// CloseFd removes and closes descriptor n.
func (tg *Threadgroup_t) CloseFd(n int) defs.Err_t {
	tg.mu.Lock()
	f, ok := tg.Fds[n]
	if !ok {
		tg.mu.Unlock()
		return -defs.EBADF
	}
	delete(tg.Fds, n)
	tg.mu.Unlock()
	return f.Fops.Close()
}

/// CloseOnExec closes every descriptor marked FD_CLOEXEC, called from
/// the execve path after the new image has successfully loaded (a
/// failed execve must leave the fd table untouched).
func (tg *Threadgroup_t) CloseOnExec() {
	tg.mu.Lock()
	var doomed []int
	for n, f := range tg.Fds {
		if f.Perms&fd.FD_CLOEXEC != 0 {
			doomed = append(doomed, n)
		}
	}
	tg.mu.Unlock()
	for _, n := range doomed {
		tg.CloseFd(n)
	}
}

/// Exit tears down every thread in the calling task's thread group,
/// reparents its children to its own parent (or leaves them orphaned
/// at the table root if it has none), and hands itself to the parent
/// as a zombie for Wait to reap. code is the low 8 bits wait(2)
/// reports via WEXITSTATUS.
func (t *Task_t) Exit(code int) {
	tg := t.Tg
	tg.mu.Lock()
	if tg.exited {
		tg.mu.Unlock()
		return
	}
	tg.exited = true
	tg.exitcode = code
	tg.mu.Unlock()

	if exitHook != nil {
		exitHook(t)
	}

	tg.Vm.Uvmfree()

	tg.mu.Lock()
	for n := range tg.Fds {
		f := tg.Fds[n]
		delete(tg.Fds, n)
		f.Fops.Close()
	}
	kids := tg.children
	tg.children = nil
	parent := tg.Parent
	tg.mu.Unlock()

	tg.VforkDone()

	for _, k := range kids {
		k.mu.Lock()
		k.Parent = parent
		k.mu.Unlock()
	}

	if parent != nil {
		parent.mu.Lock()
		parent.Zombies = append(parent.Zombies, tg)
		parent.reapCond.Broadcast()
		parent.mu.Unlock()
	}

	for _, th := range tg.Tasks {
		th.mu.Lock()
		th.status = Zombie
		th.mu.Unlock()
		close(th.waiter)
	}
}

/// Wait blocks until any direct child thread group has exited, then
/// removes it from the table and returns its pid and exit code. pid >
/// 0 waits for that specific child; pid == -1 waits for any child (the
/// wait4(2)/waitpid(2) contract this implements a subset of). Returns
/// ESRCH if the caller has no (remaining) children to wait for.
func (t *Task_t) Wait(pid defs.Pid_t) (defs.Pid_t, int, defs.Err_t) {
	tg := t.Tg
	tg.mu.Lock()
	for {
		if len(tg.children) == 0 && len(tg.Zombies) == 0 {
			tg.mu.Unlock()
			return 0, 0, -defs.ESRCH
		}
		for i, z := range tg.Zombies {
			if pid > 0 && z.Pid != pid {
				continue
			}
			tg.Zombies = append(tg.Zombies[:i], tg.Zombies[i+1:]...)
			for j, k := range tg.children {
				if k == z {
					tg.children = append(tg.children[:j], tg.children[j+1:]...)
					break
				}
			}
			tg.mu.Unlock()
			lockorder.Acquire(t.tok, lockorder.LvlTaskTable)
			tableMu.Lock()
			delete(table, z.Pid)
			tableMu.Unlock()
			lockorder.Release(t.tok, lockorder.LvlTaskTable)
			limits.Syslimit.Sysprocs.Give()
			return z.Pid, z.exitcode, 0
		}
		tg.reapCond.Wait()
	}
}

/// Signal queues sig as pending on t, waking it if it is blocked in a
/// Task-aware sleep (see Wakeup). SIGKILL cannot be blocked or
/// ignored: delivering it always terminates the task's thread group.
func (t *Task_t) Signal(sig Sig_t) {
	t.pendingMu.Lock()
	t.pending |= 1 << (sig - 1)
	t.pendingMu.Unlock()
	select {
	case t.wakeup <- struct{}{}:
	default:
		// a wakeup is already pending; the blocked sleeper will see
		// the new bit in CheckSignals when it drains this one.
	}
	if sig == SIGKILL {
		t.Exit(128 + int(SIGKILL))
	}
}

/// Wakeup blocks until either the task's wakeup channel fires (a
/// Signal arrived) or its thread group exits, whichever comes first.
/// nanosleep/pause-style blocking syscalls select on this to implement
/// EINTR rather than sleeping through a delivered signal.
func (t *Task_t) Wakeup() {
	select {
	case <-t.wakeup:
	case <-t.waiter:
	}
}

/// CheckSignals returns the lowest-numbered pending, unblocked signal
/// and clears it, or 0 if none is pending. Blocking syscalls call this
/// at every wakeup to implement EINTR.
func (t *Task_t) CheckSignals() Sig_t {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	deliverable := t.pending &^ t.blockedSig
	if deliverable == 0 {
		return 0
	}
	for i := 0; i < maxSig; i++ {
		if deliverable&(1<<uint(i)) != 0 {
			t.pending &^= 1 << uint(i)
			return Sig_t(i + 1)
		}
	}
	return 0
}

/// SetBlocked installs mask as the set of signals blocked from
/// delivery (sigprocmask(2)'s SIG_SETMASK form).
func (t *Task_t) SetBlocked(mask uint64) uint64 {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	old := t.blockedSig
	t.blockedSig = mask &^ (1 << (SIGKILL - 1))
	return old
}

/// Status reports the task's current run state.
func (t *Task_t) Status() Status_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

/// SetStatus updates the task's run state, used by sched's run loop.
func (t *Task_t) SetStatus(s Status_t) {
	t.mu.Lock()
	t.status = s
	t.mu.Unlock()
}

/// SignalChan returns the channel a Signal call posts to, letting a
/// blocking syscall (sched.Nanosleep, pause(2)) select between a timer
/// and an incoming signal without reaching into Task_t's internals.
func (t *Task_t) SignalChan() <-chan struct{} {
	return t.wakeup
}

/// Dead returns the channel Exit closes, letting a waiter select
/// between "woken by something" and "the task I'm tracking is gone".
func (t *Task_t) Dead() <-chan struct{} {
	return t.waiter
}

/// LockToken returns the task's lockorder token, used when acquiring
/// Tg.Vm's mutex (lockorder.LvlTaskMem) or the signal state above it.
func (t *Task_t) LockToken() lockorder.Token {
	return t.tok
}

// exitHook lets packages this one cannot import without a cycle (ipc's
// SEM_UNDO journal) observe task exit. SetExitHook is called once at
// system init.
var exitHook func(t *Task_t)

/// SetExitHook installs f to run at the start of every Task_t.Exit.
func SetExitHook(f func(t *Task_t)) {
	exitHook = f
}
