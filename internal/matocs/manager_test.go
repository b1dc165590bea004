package matocs

import (
	"testing"
	"time"

	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/stretchr/testify/require"
)

func newTestManager(now time.Time) *Manager {
	db := csdb.New(nil, func() time.Time { return now })
	l := ledger.New()
	m := NewManager(db, l, nil, DefaultThresholds)
	m.Now = func() time.Time { return now }
	return m
}

// TestScenarioA reproduces spec §8 scenario A: registration + inventory.
func TestScenarioA(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)

	s := m.NewSession(0x0A000001)
	mode, csid, err := m.RegisterHost(s, 0x0A000001, 9422, 0, 0x04320000, 10*time.Second, 0, 1<<40, 0)
	require.NoError(t, err)
	require.NotZero(t, csid)
	require.Equal(t, StateWaiting, s.State)
	_ = mode

	m.RegisterEnd(s)
	require.Equal(t, StateRegistered, s.State)
}

// TestScenarioB reproduces spec §8 scenario B: heavy-load trigger.
func TestScenarioB(t *testing.T) {
	now := time.Unix(1000, 0)
	m := newTestManager(now)

	hot := m.NewSession(1)
	_, _, err := m.RegisterHost(hot, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)
	m.RegisterEnd(hot)

	for i := 0; i < 5; i++ {
		peer := m.NewSession(uint32(2 + i))
		_, _, err := m.RegisterHost(peer, uint32(2+i), 1, 0, 1, time.Second, 0, 1, 0)
		require.NoError(t, err)
		m.RegisterEnd(peer)
		m.UpdateLoad(peer, 10, nil, nil)
	}

	m.UpdateLoad(hot, 1000, nil, nil)
	require.True(t, m.IsHeavyLoaded(hot))

	// still flagged just under the grace period boundary
	m.Now = func() time.Time { return now.Add(899 * time.Second) }
	require.True(t, m.IsHeavyLoaded(hot))

	m.Now = func() time.Time { return now.Add(901 * time.Second) }
	require.False(t, m.IsHeavyLoaded(hot))
}

// TestReplicationSelectionHonoursReplimit reproduces spec §8 property 4.
func TestReplicationSelectionHonoursReplimit(t *testing.T) {
	now := time.Unix(0, 0)
	m := newTestManager(now)

	var sessions []*Session
	for i := 0; i < 4; i++ {
		s := m.NewSession(uint32(i))
		_, _, err := m.RegisterHost(s, uint32(i+1), 1, 0, 1, time.Second, 0, 1, 0)
		require.NoError(t, err)
		m.RegisterEnd(s)
		sessions = append(sessions, s)
	}

	// give csid 1 a heavy wrepcounter so it's over the replimit
	busy := sessions[0]
	for i := 0; i < 20; i++ {
		_, err := m.Ledger.BeginRepl(busy.CSID, ledger.ChunkKey{ChunkID: uint64(i)}, 1, 0, nil, 0)
		require.NoError(t, err)
	}

	selected := m.SelectReplicationDestinations(sessions, 1.0, false)
	for _, s := range selected {
		require.Less(t, m.ReplicationWriteCounter(s, now), 1.0)
		require.NotEqual(t, busy.CSID, s.CSID)
	}
}
