// Package respool tracks a per-syscall heap budget: before a kernel call
// does a bounded amount of allocation on behalf of user code (copying a
// user buffer, walking a page table), it reserves the worst-case cost
// against a small global pool so that a burst of concurrent syscalls
// cannot starve the kernel's own heap. The per-callsite cost table and
// the global reservation counter live in one package since the two are
// always used together at every call site.
package respool

import (
	"sync"
)

/// Bound_t names a call site whose worst-case heap cost has been
/// measured ahead of time; Cost returns that measurement in bytes.
type Bound_t int

const (
	B_ASPACE_T_K2USER_INNER Bound_t = iota
	B_ASPACE_T_USER2K_INNER
	B_USERBUF_T__TX
	B_USERIOVEC_T_IOV_INIT
	B_USERIOVEC_T__TX
	B_VMREGION_T_INSERT
	B_FS_T_MKNODE
	numBounds
)

var costs = [numBounds]int{
	B_ASPACE_T_K2USER_INNER: 64,
	B_ASPACE_T_USER2K_INNER: 64,
	B_USERBUF_T__TX:         64,
	B_USERIOVEC_T_IOV_INIT:  320,
	B_USERIOVEC_T__TX:       64,
	B_VMREGION_T_INSERT:     128,
	B_FS_T_MKNODE:           256,
}

/// Bounds returns the pre-measured worst-case heap cost, in bytes, for
/// performing the operation named by b once.
func Bounds(b Bound_t) int {
	return costs[b]
}

var (
	mu       sync.Mutex
	budget   int
	reserved int
)

/// SetBudget fixes the total number of heap bytes the kernel will ever
/// let outstanding syscalls reserve simultaneously. Called once at boot.
func SetBudget(n int) {
	mu.Lock()
	defer mu.Unlock()
	budget = n
}

/// Resadd_noblock reserves n bytes against the global budget without
/// waiting; it reports false immediately rather than put the calling
/// thread to sleep, since callers hold this reservation across a
/// page-fault-prone copy and must not block a second time underneath it.
/// Callers translate a false return into -defs.ENOHEAP.
func Resadd_noblock(n int) bool {
	mu.Lock()
	defer mu.Unlock()
	if budget != 0 && reserved+n > budget {
		return false
	}
	reserved += n
	return true
}

/// Resrem gives back a reservation made by Resadd_noblock.
func Resrem(n int) {
	mu.Lock()
	defer mu.Unlock()
	reserved -= n
	if reserved < 0 {
		reserved = 0
	}
}
