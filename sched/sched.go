// Package sched implements the kernel's scheduler and timer: a
// per-CPU runqueue with FIFO and OTHER (timeshare) classes, the tick
// handler that advances the monotonic clock vdso reads and decays the
// load average, per-task virtual-itimer countdown and SIGVTALRM
// delivery, and the nanosleep/pause waiter path every blocking
// syscall's timeout argument goes through. Bring-up of the simulated
// CPU set uses golang.org/x/sync/errgroup the way a real SMP bring-up
// sequence starts one loop per core and waits for all of them to
// report in or fault; CPU-tick sampling can be dumped as a
// github.com/google/pprof profile for offline analysis of where
// simulated cycles went.
package sched

import (
	"context"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/google/pprof/profile"

	"duskos/defs"
	"duskos/mem"
	"duskos/proc"
)

/// Class_t is a task's scheduling class. FIFO tasks always preempt
/// OTHER tasks and run until they block or yield; OTHER tasks are
/// round-robined within a quantum, the classic two-queue split real
/// schedulers use to give realtime-ish work priority without starving
/// everything else outright.
type Class_t int

const (
	ClassOther Class_t = iota
	ClassFIFO
)

const quantum = 10 * time.Millisecond
const tickPeriod = 10 * time.Millisecond

/// runnable is one scheduling-queue entry: the task, its class, and
/// prio, which orders the OTHER queue (the FIFO queue ignores it).
type runnable struct {
	task  *proc.Task_t
	class Class_t
	prio  int
}

/// CPU is one simulated core: a FIFO queue, an OTHER queue, and the
/// task currently considered "running" on it. There is no ambient
/// current-task global stashed in the runtime; CPU.Current()
/// is the sole accessor -- every other package reaches the
/// running task through a CPU handle threaded explicitly to it (the
/// run-loop goroutine, or a syscall trampoline holding the CPU it was
/// dispatched from) rather than asking an ambient global for "whoever
/// happens to be running now".
type CPU struct {
	ID int

	mu      sync.Mutex
	fifo    []*runnable
	other   []*runnable
	current *proc.Task_t

	ticks    uint64
	idleTicks uint64
}

/// Current returns the task this CPU is presently running, or nil if
/// idle.
func (c *CPU) Current() *proc.Task_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

/// Enqueue adds t to cpu's runqueue for the given class. FIFO tasks go
/// to the back of the FIFO queue (first-in-first-out within the
/// class, as the name promises); OTHER tasks are inserted by prio,
/// lower values running first, matching a nice-value ordering.
func (c *CPU) Enqueue(t *proc.Task_t, class Class_t, prio int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := &runnable{task: t, class: class, prio: prio}
	if class == ClassFIFO {
		c.fifo = append(c.fifo, r)
		return
	}
	i := sort.Search(len(c.other), func(i int) bool { return c.other[i].prio > prio })
	c.other = append(c.other, nil)
	copy(c.other[i+1:], c.other[i:])
	c.other[i] = r
}

// queueLen reports how many tasks are currently waiting or running on
// this CPU, the per-core contribution to the system load average.
func (c *CPU) queueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.fifo) + len(c.other)
	if c.current != nil {
		n++
	}
	return n
}

// pickLocked removes and returns the next runnable entry, FIFO first.
// Caller holds c.mu.
func (c *CPU) pickLocked() *runnable {
	if len(c.fifo) > 0 {
		r := c.fifo[0]
		c.fifo = c.fifo[1:]
		return r
	}
	if len(c.other) > 0 {
		r := c.other[0]
		c.other = c.other[1:]
		return r
	}
	return nil
}

// runOnce runs one scheduling decision: pick a task, mark it current,
// let it occupy the CPU for one quantum (or until it signals it is
// done sooner via its Dead channel -- this hosted simulation has no
// real user-mode instruction stream to preempt, so "running" a task
// just means holding it as current for the bookkeeping window other
// subsystems key off of), then re-enqueue OTHER tasks round-robin.
func (c *CPU) runOnce() {
	c.mu.Lock()
	r := c.pickLocked()
	if r == nil {
		c.idleTicks++
		c.mu.Unlock()
		return
	}
	c.current = r.task
	c.mu.Unlock()

	r.task.SetStatus(proc.Running)
	select {
	case <-time.After(quantum):
	case <-r.task.Dead():
	}

	c.mu.Lock()
	c.ticks++
	c.current = nil
	c.mu.Unlock()

	if r.task.Status() != proc.Zombie {
		r.task.SetStatus(proc.Sleeping)
		if r.class == ClassOther {
			c.Enqueue(r.task, ClassOther, r.prio)
		} else {
			c.Enqueue(r.task, ClassFIFO, r.prio)
		}
	}
}

/// System owns the whole simulated CPU set, the tick clock, and the
/// per-task virtual-itimer table. There is exactly one System per
/// kernel instance.
type System struct {
	PerCPU [mem.MAXCPUS]*CPU

	bootMono time.Time
	ticks    uint64

	loadMu sync.Mutex
	load1  float64
	load5  float64
	load15 float64

	itimerMu sync.Mutex
	itimers  map[*proc.Task_t]time.Duration

	tickHook func(ticks uint64, mono time.Duration)

	cancel context.CancelFunc
	grp    *errgroup.Group
}

// decay factors for a 5-second sampling period, the standard
// Linux-style exp(-5/60), exp(-5/300), exp(-5/900) constants.
const (
	expLoad1  = 0.9200044621552
	expLoad5  = 0.9834714538216
	expLoad15 = 0.9944598480048
)

/// NewSystem constructs an idle scheduler with ncpu simulated cores.
func NewSystem(ncpu int) *System {
	if ncpu > mem.MAXCPUS {
		ncpu = mem.MAXCPUS
	}
	s := &System{bootMono: time.Now(), itimers: make(map[*proc.Task_t]time.Duration)}
	for i := 0; i < ncpu; i++ {
		s.PerCPU[i] = &CPU{ID: i}
	}
	return s
}

/// SetTickHook installs vdso's (or any other subsystem's) callback for
/// every timer tick, receiving the tick count and monotonic elapsed
/// duration since boot.
func (s *System) SetTickHook(f func(ticks uint64, mono time.Duration)) {
	s.tickHook = f
}

/// Monotonic returns elapsed time since this System was constructed,
/// the hosted stand-in for the monotonic clock a real tick handler
/// derives from the PIT/HPET/TSC.
func (s *System) Monotonic() time.Duration {
	return time.Since(s.bootMono)
}

/// Start brings up every configured CPU's run loop plus the shared
/// tick goroutine, using an errgroup.Group the way a real SMP bring-up
/// sequence starts one loop per core and propagates the first error
/// (a panic recovered into an error) to every sibling via ctx
/// cancellation rather than leaving the rest of the set running
/// against a partially-dead system.
func (s *System) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.grp = g

	for _, cpu := range s.PerCPU {
		if cpu == nil {
			continue
		}
		cpu := cpu
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				default:
					cpu.runOnce()
				}
			}
		})
	}

	g.Go(func() error {
		ticker := time.NewTicker(tickPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.tick()
			}
		}
	})
}

/// Stop cancels every run loop and blocks until they have all
/// returned.
func (s *System) Stop() error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	return s.grp.Wait()
}

func (s *System) tick() {
	n := atomic.AddUint64(&s.ticks, 1)
	mono := s.Monotonic()
	if s.tickHook != nil {
		s.tickHook(atomic.LoadUint64(&s.ticks), mono)
	}
	// the decay constants assume one load sample every 5 seconds
	if n%uint64(5*time.Second/tickPeriod) == 0 {
		s.decayLoad()
	}
	s.tickItimers()
}

func (s *System) decayLoad() {
	var total int
	for _, cpu := range s.PerCPU {
		if cpu != nil {
			total += cpu.queueLen()
		}
	}
	n := float64(total)
	s.loadMu.Lock()
	s.load1 = s.load1*expLoad1 + n*(1-expLoad1)
	s.load5 = s.load5*expLoad5 + n*(1-expLoad5)
	s.load15 = s.load15*expLoad15 + n*(1-expLoad15)
	s.loadMu.Unlock()
}

/// LoadAvg returns the 1/5/15-minute load averages, Linux's familiar
/// uptime(1) triple.
func (s *System) LoadAvg() (float64, float64, float64) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return math.Round(s.load1*100) / 100, math.Round(s.load5*100) / 100, math.Round(s.load15*100) / 100
}

/// SetVirtualTimer arms t's ITIMER_VIRTUAL countdown; it fires
/// SIGVTALRM once d has elapsed in scheduler tick time. Every armed
/// timer counts down on every tick, whether or not t is on a CPU.
/// Setting d == 0 disarms it.
func (s *System) SetVirtualTimer(t *proc.Task_t, d time.Duration) {
	s.itimerMu.Lock()
	defer s.itimerMu.Unlock()
	if d == 0 {
		delete(s.itimers, t)
		return
	}
	s.itimers[t] = d
}

func (s *System) tickItimers() {
	s.itimerMu.Lock()
	defer s.itimerMu.Unlock()
	for t, remain := range s.itimers {
		remain -= tickPeriod
		if remain <= 0 {
			delete(s.itimers, t)
			t.Signal(proc.SIGVTALRM)
			continue
		}
		s.itimers[t] = remain
	}
}

/// Nanosleep blocks the calling task for d, waking early with EINTR if
/// a signal is delivered first.
func Nanosleep(t *proc.Task_t, d time.Duration) defs.Err_t {
	t.SetStatus(proc.Sleeping)
	defer t.SetStatus(proc.Running)
	select {
	case <-time.After(d):
		return 0
	case <-t.SignalChan():
		if sig := t.CheckSignals(); sig != 0 {
			return -defs.EINTR
		}
		return 0
	case <-t.Dead():
		return -defs.EINTR
	}
}

/// DumpProfile encodes every CPU's accumulated tick/idle-tick counters
/// as a github.com/google/pprof CPU profile (one sample per CPU,
/// valued in ticks), for offline `pprof -top` inspection of scheduler
/// occupancy without wiring a live pprof HTTP endpoint into a kernel
/// that has no net/http of its own.
func (s *System) DumpProfile(w io.Writer) error {
	p := &profile.Profile{
		PeriodType:    &profile.ValueType{Type: "cpu", Unit: "ticks"},
		Period:        int64(tickPeriod),
		SampleType:    []*profile.ValueType{{Type: "ticks", Unit: "count"}, {Type: "idle_ticks", Unit: "count"}},
		TimeNanos:     s.bootMono.UnixNano(),
		DurationNanos: int64(s.Monotonic()),
	}
	for _, cpu := range s.PerCPU {
		if cpu == nil {
			continue
		}
		fn := &profile.Function{ID: uint64(cpu.ID + 1), Name: cpuLabel(cpu.ID)}
		loc := &profile.Location{ID: uint64(cpu.ID + 1), Line: []profile.Line{{Function: fn}}}
		p.Function = append(p.Function, fn)
		p.Location = append(p.Location, loc)
		cpu.mu.Lock()
		ticks, idle := cpu.ticks, cpu.idleTicks
		cpu.mu.Unlock()
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(ticks), int64(idle)},
		})
	}
	return p.Write(w)
}

func cpuLabel(id int) string {
	const digits = "0123456789"
	if id < 10 {
		return "cpu" + string(digits[id])
	}
	return "cpu" + string(digits[id/10]) + string(digits[id%10])
}
