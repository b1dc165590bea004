package eventloop

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunDueTimersFiresOnSchedule(t *testing.T) {
	l := New()
	var fires int
	l.addTimer(10*time.Millisecond, 0, func(now time.Time) { fires++ })

	base := time.Now()
	l.lastNow = base
	l.runDueTimers(base.Add(25 * time.Millisecond))

	require.GreaterOrEqual(t, fires, 1)
}

func TestRunDueTimersCatchUpCapped(t *testing.T) {
	l := New()
	var fires int
	l.addTimer(time.Millisecond, 0, func(now time.Time) { fires++ })

	base := time.Now()
	l.lastNow = base
	// simulate a huge backlog of missed ticks within a small real jump
	l.runDueTimers(base.Add(time.Second))

	require.LessOrEqual(t, fires, maxCatchUp)
}

func TestRunDueTimersForwardJumpRebasesInsteadOfBursting(t *testing.T) {
	l := New()
	var fires int
	l.addTimer(time.Second, 0, func(now time.Time) { fires++ })

	base := time.Now()
	l.lastNow = base
	l.runDueTimers(base.Add(time.Hour))

	require.Equal(t, 1, fires)
}

func TestRunDueTimersBackwardJumpDoesNotRefireEarly(t *testing.T) {
	l := New()
	var fires int
	l.addTimer(time.Minute, 0, func(now time.Time) { fires++ })

	base := time.Now()
	l.lastNow = base.Add(time.Hour)
	l.runDueTimers(base)

	require.Equal(t, 0, fires)
}

func TestDrainCanExitRequiresAllHooks(t *testing.T) {
	l := New()
	ready := false
	l.OnCanExit(func() bool { return ready })
	l.OnCanExit(func() bool { return true })

	require.False(t, l.drainCanExit())
	ready = true
	require.True(t, l.drainCanExit())
}

func TestBeginShutdownRunsWantExitOnce(t *testing.T) {
	l := New()
	var calls int
	l.OnWantExit(func() { calls++ })

	l.beginShutdown()
	l.beginShutdown()
	require.Equal(t, 1, calls)
}

func TestNotifyChildExitDeliversPID(t *testing.T) {
	l := New()
	l.NotifyChildExit(4242, os.ProcessState{})
	ce := <-l.chldCh
	require.Equal(t, 4242, ce.pid)
}

func TestHostInfoReturnsNonEmptyString(t *testing.T) {
	require.NotEmpty(t, HostInfo())
}

func TestInfoIncludesHostSummary(t *testing.T) {
	l := New()
	l.OnInfo(func() string { return "component: ok" })
	info := l.Info()
	require.Contains(t, info, "component: ok")
	require.Contains(t, info, "host:")
}
