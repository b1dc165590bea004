package matocs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFreeSpace(t *testing.T) {
	s := &Session{UsedSpace: 10, TotalSpace: 100}
	require.EqualValues(t, 90, s.FreeSpace())

	s.UsedSpace = 200
	require.EqualValues(t, 0, s.FreeSpace())
}

func TestIsStandardRejectsMaintenanceAndHSRebalance(t *testing.T) {
	now := time.Unix(0, 0)
	s := &Session{TotalSpace: 1 << 40, HLStatus: HLHSRebalance}
	require.False(t, s.IsStandard(0, now, time.Minute))

	s2 := &Session{TotalSpace: 1 << 40}
	require.True(t, s2.IsStandard(0, now, time.Minute))
}

func TestHeavyLoadActiveWindow(t *testing.T) {
	start := time.Unix(1000, 0)
	s := &Session{HeavyLoadSince: start}
	require.True(t, s.heavyLoadActive(start.Add(10*time.Second), 30*time.Second))
	require.False(t, s.heavyLoadActive(start.Add(31*time.Second), 30*time.Second))
}

func TestInGrace(t *testing.T) {
	require.True(t, (&Session{HLStatus: HLGraceful}).InGrace())
	require.True(t, (&Session{HLStatus: HLLSRebalance}).InGrace())
	require.False(t, (&Session{HLStatus: HLOk}).InGrace())
}
