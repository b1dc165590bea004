// Package eventloop implements the master's single-threaded cooperative
// scheduler (spec §4.2, §5): component registration for lifecycle hooks
// (destruct/can_exit/want_exit/reload/info/keepalive), per-iteration
// poll service, child-process reaping, and second/millisecond-grained
// timers with monotonic catch-up. Grounded on the teacher's rate
// limiter and token-accounting goroutine pattern in
// _examples/rclone-rclone/accounting.go, generalized from "one mutex
// guarding a handful of counters updated on a timer" to "one goroutine
// driving every registered component off a single select loop" — the
// same single-writer discipline, scaled up. The priority queue backing
// the timer wheel uses github.com/aalpar/deheap, one of the teacher's
// own declared dependencies.
package eventloop

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aalpar/deheap"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// maxCatchUp bounds how many overdue fires one timer executes in a
// single tick before giving up and waiting for the next one (spec §4.2
// "cap of 10 late executions per tick").
const maxCatchUp = 10

// clockJumpForward is the forward discontinuity past which pending
// timers are rebased onto "now + interval" instead of catching up
// (spec §4.2 "forward clock jumps (>5 s)").
const clockJumpForward = 5 * time.Second

// longLoopSlack bounds how much longer one iteration may run past its
// intended wait before it is logged as a "long loop detected" warning:
// a sign some hook blocked the single thread longer than it should
// have (spec §5 "single-threaded cooperative").
const longLoopSlack = 200 * time.Millisecond

// timerTask is one registered time(seconds,offset) or msectime(ms,offset)
// hook living in the deheap-backed priority queue.
type timerTask struct {
	interval time.Duration
	next     time.Time
	run      func(now time.Time)
	index    int // maintained by deheap
}

type timerQueue []*timerTask

func (q timerQueue) Len() int            { return len(q) }
func (q timerQueue) Less(i, j int) bool  { return q[i].next.Before(q[j].next) }
func (q timerQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i]; q[i].index = i; q[j].index = j }
func (q *timerQueue) Push(x interface{}) {
	t := x.(*timerTask)
	t.index = len(*q)
	*q = append(*q, t)
}
func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return t
}

// Loop is the master's cooperative scheduler.
type Loop struct {
	mu sync.Mutex

	destructHooks  []func()
	canExitHooks   []func() bool
	wantExitHooks  []func()
	reloadHooks    []func()
	infoHooks      []func() string
	keepaliveHooks []func(now time.Time)
	eachLoopHooks  []func()
	chldHooks      []func(pid int, state os.ProcessState)
	pollHooks      []func(ctx context.Context)

	timers timerQueue

	lastNow time.Time

	chldCh chan childExit
	sigCh  chan os.Signal

	wantExit bool
}

type childExit struct {
	pid   int
	state os.ProcessState
}

// New returns an idle Loop.
func New() *Loop {
	l := &Loop{
		chldCh: make(chan childExit, 16),
	}
	deheap.Init(&l.timers)
	return l
}

// OnDestruct registers a cleanup hook run once, after every can_exit
// hook has returned true (spec §4.2).
func (l *Loop) OnDestruct(f func()) { l.destructHooks = append(l.destructHooks, f) }

// OnCanExit registers a readiness check polled during shutdown until it
// returns true.
func (l *Loop) OnCanExit(f func() bool) { l.canExitHooks = append(l.canExitHooks, f) }

// OnWantExit registers a hook run once when shutdown begins, before any
// can_exit polling (spec §4.2, §8 property 10).
func (l *Loop) OnWantExit(f func()) { l.wantExitHooks = append(l.wantExitHooks, f) }

// OnReload registers a SIGHUP handler.
func (l *Loop) OnReload(f func()) { l.reloadHooks = append(l.reloadHooks, f) }

// OnInfo registers a component that contributes a line to the
// diagnostic info dump.
func (l *Loop) OnInfo(f func() string) { l.infoHooks = append(l.infoHooks, f) }

// OnKeepalive registers a per-tick keepalive hook (e.g. a session's NOP
// timer check).
func (l *Loop) OnKeepalive(f func(now time.Time)) { l.keepaliveHooks = append(l.keepaliveHooks, f) }

// OnEachLoop registers a hook run once per iteration regardless of what
// triggered it.
func (l *Loop) OnEachLoop(f func()) { l.eachLoopHooks = append(l.eachLoopHooks, f) }

// OnChld registers a child-process reap handler.
func (l *Loop) OnChld(f func(pid int, state os.ProcessState)) {
	l.chldHooks = append(l.chldHooks, f)
}

// OnPoll registers a component serviced once per iteration; ctx is
// cancelled if the loop is shutting down, so a well-behaved poller
// returns promptly rather than blocking (spec §4.2 poll_desc/poll_serve,
// reimagined without raw poll(2) descriptors since Go's netpoller is
// internal to the runtime).
func (l *Loop) OnPoll(f func(ctx context.Context)) { l.pollHooks = append(l.pollHooks, f) }

// Every registers a second-granularity timer; offset staggers its first
// fire within the interval so not every timer wakes the loop at once
// (spec §4.2 "time(seconds, offset)").
func (l *Loop) Every(interval time.Duration, offset time.Duration, run func(now time.Time)) {
	l.addTimer(interval, offset, run)
}

// EveryMsec registers a millisecond-granularity timer (spec §4.2
// "msectime(ms, offset)").
func (l *Loop) EveryMsec(interval time.Duration, offset time.Duration, run func(now time.Time)) {
	l.addTimer(interval, offset, run)
}

func (l *Loop) addTimer(interval, offset time.Duration, run func(now time.Time)) {
	now := time.Now()
	t := &timerTask{interval: interval, next: now.Add(offset), run: run}
	deheap.Push(&l.timers, t)
}

// NotifyChildExit is how a supervisor (e.g. the bg-saver's parent-side
// process handle) reports a reaped child into the loop's chld hooks.
func (l *Loop) NotifyChildExit(pid int, state os.ProcessState) {
	select {
	case l.chldCh <- childExit{pid, state}:
	default:
		logrus.Warn("eventloop: chld channel full, dropping notification")
	}
}

// Run drives the loop until ctx is cancelled or a termination signal
// arrives (SIGTERM, or SIGINT for interactive use); SIGHUP triggers
// reload hooks without stopping the loop (spec §4.2).
func (l *Loop) Run(ctx context.Context) {
	l.sigCh = make(chan os.Signal, 4)
	signal.Notify(l.sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(l.sigCh)

	l.lastNow = time.Now()

	for {
		if l.wantExit {
			if l.drainCanExit() {
				l.runDestruct()
				return
			}
		}

		timeout := l.nextTimeout()
		timer := time.NewTimer(timeout)
		waitStart := time.Now()

		select {
		case <-ctx.Done():
			timer.Stop()
			l.beginShutdown()
			continue

		case sig := <-l.sigCh:
			timer.Stop()
			switch sig {
			case syscall.SIGHUP:
				for _, f := range l.reloadHooks {
					f()
				}
			default:
				l.beginShutdown()
			}
			continue

		case ce := <-l.chldCh:
			timer.Stop()
			for _, f := range l.chldHooks {
				f(ce.pid, ce.state)
			}

		case <-timer.C:
		}

		now := time.Now()
		if waited := now.Sub(waitStart); waited > timeout+longLoopSlack {
			logrus.Warnf("eventloop: long loop detected: waited %s for a %s timeout", waited, timeout)
		}
		l.runDueTimers(now)
		l.lastNow = now

		for _, f := range l.keepaliveHooks {
			f(now)
		}
		for _, f := range l.pollHooks {
			f(ctx)
		}
		for _, f := range l.eachLoopHooks {
			f()
		}
	}
}

func (l *Loop) beginShutdown() {
	if l.wantExit {
		return
	}
	l.wantExit = true
	for _, f := range l.wantExitHooks {
		f()
	}
}

// drainCanExit runs every can_exit hook once; it reports true only if
// all of them return true on this pass (spec §4.2 "repeatedly run
// can_exit until all return ok").
func (l *Loop) drainCanExit() bool {
	for _, f := range l.canExitHooks {
		if !f() {
			return false
		}
	}
	return true
}

func (l *Loop) runDestruct() {
	for _, f := range l.destructHooks {
		f()
	}
}

// nextTimeout returns how long to wait before the next due timer, or a
// 1s default idle tick so keepalive/poll/eachloop hooks still run with
// no timers registered.
func (l *Loop) nextTimeout() time.Duration {
	if l.timers.Len() == 0 {
		return time.Second
	}
	next := l.timers[0].next
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// runDueTimers pops and fires every timer due at or before now, catching
// up at most maxCatchUp times per task, then reschedules it. A forward
// jump past clockJumpForward rebases the task onto now+interval instead
// of bursting through every missed tick; a backward jump leaves next
// untouched so the task does not re-fire early (spec §4.2).
func (l *Loop) runDueTimers(now time.Time) {
	jumpedForward := !l.lastNow.IsZero() && now.Sub(l.lastNow) > clockJumpForward
	jumpedBackward := !l.lastNow.IsZero() && now.Before(l.lastNow)

	var due []*timerTask
	for l.timers.Len() > 0 && !l.timers[0].next.After(now) {
		t := deheap.Pop(&l.timers).(*timerTask)
		due = append(due, t)
	}

	for _, t := range due {
		switch {
		case jumpedBackward:
			// leave t.next as-is; do not run early.
		case jumpedForward:
			t.run(now)
			t.next = now.Add(t.interval)
		default:
			fires := 0
			for !t.next.After(now) && fires < maxCatchUp {
				t.run(now)
				t.next = t.next.Add(t.interval)
				fires++
			}
			if !t.next.After(now) {
				// still behind after the catch-up cap: resume from now.
				t.next = now.Add(t.interval)
			}
		}
		deheap.Push(&l.timers, t)
	}
}

// Info concatenates every registered info hook's output, one per line,
// followed by a host load/memory summary (spec §4.2 "info"; the daemon
// logs it on SIGUSR1, which the info subcommand sends).
func (l *Loop) Info() string {
	out := ""
	for _, f := range l.infoHooks {
		out += f() + "\n"
	}
	out += HostInfo() + "\n"
	return out
}

// HostInfo reports host load average and memory usage via gopsutil,
// used alongside the long-loop warning to diagnose a starved event
// loop versus genuine host resource pressure.
func HostInfo() string {
	avg, err := load.Avg()
	if err != nil {
		return fmt.Sprintf("host: load unavailable (%v)", err)
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Sprintf("host: load %.2f %.2f %.2f, memory unavailable (%v)", avg.Load1, avg.Load5, avg.Load15, err)
	}
	return fmt.Sprintf("host: load %.2f %.2f %.2f, memory %.1f%% used", avg.Load1, avg.Load5, avg.Load15, vm.UsedPercent)
}
