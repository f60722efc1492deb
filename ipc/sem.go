// Package ipc implements the SysV semaphore primitive: keyed
// semaphore arrays (semget/semop/semctl), a per-task SEM_UNDO journal
// applied at task exit, and the block/wake/EIDRM/EINTR suspension
// contract every blocking kernel primitive in this codebase follows
// (see proc.Task_t.Wakeup and sched.Nanosleep for the same shape
// applied to sleeping and timed waits). A set is addressed by
// (key, generation): the generation increments every time a set with
// that key is removed and recreated, so a stale undo-journal entry
// recorded against a dead generation is a safe no-op rather than a
// use-after-free against slot reuse.
package ipc

import (
	"sync"

	"duskos/defs"
	"duskos/proc"
)

// NSOPS_MAX bounds a single semop(2) batch the way a real kernel
// bounds it to keep the atomic-apply-or-reverse loop from running
// unbounded kernel-side work on behalf of one syscall.
const NSOPS_MAX = 512

// semctl(2) commands this package implements.
const (
	IPC_RMID = iota
	IPC_SET
	IPC_STAT
	GETVAL
	SETVAL
	GETPID
	GETNCNT
	GETZCNT
)

// semop(2) per-operation flags.
const (
	SEM_UNDO   = 1 << iota
	IPC_NOWAIT
)

/// Sem_t is one semaphore within a set: its current value, the pid
/// that last touched it, and the counts of tasks blocked waiting for
/// it to become zero (semzcnt) or for enough headroom to satisfy a
/// pending decrement (semncnt).
type Sem_t struct {
	Val     int
	Pid     defs.Pid_t
	Semncnt int
	Semzcnt int
}

/// Sembuf_t is one element of a semop(2) batch.
type Sembuf_t struct {
	Index int
	Val   int
	Flags int
}

/// Set_t is one semaphore array, identified by (Key, generation).
/// Blocked waiters are woken by closing wake and replacing it with a
/// fresh channel, the classic "broadcast, then make a new one so
/// future waiters don't immediately fall through" condvar substitute.
type Set_t struct {
	mu    sync.Mutex
	Key   int
	gen   uint64
	sems  []Sem_t
	wake  chan struct{}
	removed bool
}

/// UndoEntry_t is one line of a task's SEM_UNDO journal: "when I
/// exit, reverse this adjustment on this set, if it is still the same
/// generation I applied it against."
type UndoEntry_t struct {
	set *Set_t
	gen uint64
	idx int
	adj int
}

var (
	mu      sync.Mutex
	byKey   = make(map[int]*Set_t)
	nextGen uint64

	journalMu sync.Mutex
	journals  = make(map[*proc.Task_t][]UndoEntry_t)
)

func init() {
	proc.SetExitHook(ApplyUndo)
}

// Get(key, flags) semantics.
const (
	IPC_CREAT = 1 << iota
	IPC_EXCL
)

/// Get retrieves or creates the semaphore set for key. IPC_CREAT
/// creates it if absent; IPC_CREAT|IPC_EXCL fails EEXIST if it is
/// already present. nsems is only consulted on creation.
func Get(key int, nsems int, flags int) (*Set_t, defs.Err_t) {
	mu.Lock()
	defer mu.Unlock()

	s, ok := byKey[key]
	if ok {
		if flags&IPC_CREAT != 0 && flags&IPC_EXCL != 0 {
			return nil, -defs.EEXIST
		}
		return s, 0
	}
	if flags&IPC_CREAT == 0 {
		return nil, -defs.ENOENT
	}
	if nsems <= 0 {
		return nil, -defs.EINVAL
	}
	nextGen++
	s = &Set_t{Key: key, gen: nextGen, sems: make([]Sem_t, nsems), wake: make(chan struct{})}
	byKey[key] = s
	return s, 0
}

func (s *Set_t) broadcastLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

func recordUndo(t *proc.Task_t, s *Set_t, gen uint64, idx, adj int) {
	journalMu.Lock()
	defer journalMu.Unlock()
	journals[t] = append(journals[t], UndoEntry_t{set: s, gen: gen, idx: idx, adj: adj})
}

/// Op executes sops against s atomically: either every operation in
/// the batch applies, or (for a blocking decrement that cannot be
/// satisfied immediately) none of the batch's already-applied effects
/// remain visible and the calling task sleeps until the set changes,
/// then retries the whole batch from the start. t is the calling task,
/// used for SEM_UNDO journal entries and to honor a signal arriving
/// while blocked.
func Op(t *proc.Task_t, s *Set_t, sops []Sembuf_t) defs.Err_t {
	if len(sops) > NSOPS_MAX {
		return -defs.E2BIG
	}
	for _, op := range sops {
		if op.Index < 0 || op.Index >= len(s.sems) {
			return -defs.EINVAL
		}
	}

restart:
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return -defs.EIDRM
	}

	applied := 0
	blockIdx := -1
	for i, op := range sops {
		cur := &s.sems[op.Index]
		switch {
		case op.Val > 0:
			cur.Val += op.Val
			cur.Pid = t.Tg.Pid
			if cur.Val > 0 {
				// zero-waiters may now be satisfied too; broadcastLocked
				// below covers both semncnt and semzcnt waiters.
			}
			applied = i + 1
		case op.Val < 0:
			if cur.Val+op.Val >= 0 {
				cur.Val += op.Val
				cur.Pid = t.Tg.Pid
				applied = i + 1
			} else {
				blockIdx = i
			}
		default: // op.Val == 0: wait for zero
			if cur.Val == 0 {
				applied = i + 1
			} else {
				blockIdx = i
			}
		}
		if blockIdx >= 0 {
			break
		}
	}

	if blockIdx >= 0 {
		// reverse every effect already applied earlier in this batch
		for i := 0; i < applied; i++ {
			op := sops[i]
			if op.Val != 0 {
				s.sems[op.Index].Val -= op.Val
			}
		}
		op := sops[blockIdx]
		if op.Flags&IPC_NOWAIT != 0 {
			s.mu.Unlock()
			return -defs.EAGAIN
		}
		if op.Val == 0 {
			s.sems[op.Index].Semzcnt++
		} else {
			s.sems[op.Index].Semncnt++
		}
		wake := s.wake
		gen := s.gen
		s.mu.Unlock()

		select {
		case <-wake:
		case <-t.SignalChan():
			if sig := t.CheckSignals(); sig != 0 {
				return -defs.EINTR
			}
		case <-t.Dead():
			return -defs.EINTR
		}

		s.mu.Lock()
		if op.Val == 0 {
			s.sems[op.Index].Semzcnt--
		} else {
			s.sems[op.Index].Semncnt--
		}
		removed := s.removed
		s.mu.Unlock()
		if removed || gen != s.gen {
			return -defs.EIDRM
		}
		goto restart
	}

	// whole batch applied; record SEM_UNDO entries and wake anyone
	// whose wait might now be satisfiable.
	gen := s.gen
	s.broadcastLocked()
	s.mu.Unlock()

	for _, op := range sops {
		if op.Flags&SEM_UNDO != 0 && op.Val != 0 {
			recordUndo(t, s, gen, op.Index, -op.Val)
		}
	}
	return 0
}

/// Ctl implements semctl(2)'s IPC_RMID/IPC_STAT/IPC_SET/GETVAL/SETVAL/
/// GETPID/GETNCNT/GETZCNT commands.
func Ctl(s *Set_t, index int, cmd int, val int) (int, defs.Err_t) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch cmd {
	case IPC_RMID:
		s.removed = true
		s.broadcastLocked()
		mu.Lock()
		if byKey[s.Key] == s {
			delete(byKey, s.Key)
		}
		mu.Unlock()
		return 0, 0
	case IPC_STAT, IPC_SET:
		// option/permission bits are out of scope; treated as no-ops
		// that return 0 without checking the set's state.
		return 0, 0
	case GETVAL:
		if index < 0 || index >= len(s.sems) {
			return 0, -defs.EINVAL
		}
		return s.sems[index].Val, 0
	case SETVAL:
		if index < 0 || index >= len(s.sems) {
			return 0, -defs.EINVAL
		}
		s.sems[index].Val = val
		s.broadcastLocked()
		return 0, 0
	case GETPID:
		if index < 0 || index >= len(s.sems) {
			return 0, -defs.EINVAL
		}
		return int(s.sems[index].Pid), 0
	case GETNCNT:
		if index < 0 || index >= len(s.sems) {
			return 0, -defs.EINVAL
		}
		return s.sems[index].Semncnt, 0
	case GETZCNT:
		if index < 0 || index >= len(s.sems) {
			return 0, -defs.EINVAL
		}
		return s.sems[index].Semzcnt, 0
	}
	return 0, -defs.EINVAL
}

/// ApplyUndo runs t's SEM_UNDO journal at task exit, applying each
/// entry's adjustment iff the target set is still at the generation
/// the entry was recorded against (a mismatch means the set was
/// removed and possibly recreated since, so the entry is simply
/// dropped).
func ApplyUndo(t *proc.Task_t) {
	journalMu.Lock()
	entries := journals[t]
	delete(journals, t)
	journalMu.Unlock()

	for _, e := range entries {
		e.set.mu.Lock()
		if !e.set.removed && e.set.gen == e.gen && e.idx < len(e.set.sems) {
			e.set.sems[e.idx].Val += e.adj
			e.set.broadcastLocked()
		}
		e.set.mu.Unlock()
	}
}
