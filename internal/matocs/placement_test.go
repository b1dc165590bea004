package matocs

import (
	"testing"
	"time"

	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/stretchr/testify/require"
)

// TestSelectWriteTargetsPrefersFewerWrites reproduces the spec §9 score
// formula's core property: among otherwise-identical candidates, the one
// with fewer outstanding writes sorts first.
func TestSelectWriteTargetsPrefersFewerWrites(t *testing.T) {
	now := time.Unix(0, 0)
	db := csdb.New(nil, func() time.Time { return now })
	l := ledger.New()
	m := NewManager(db, l, nil, DefaultThresholds)
	m.Now = func() time.Time { return now }

	busy := &Session{CSID: 1, State: StateRegistered, TotalSpace: 1 << 40}
	idle := &Session{CSID: 2, State: StateRegistered, TotalSpace: 1 << 40}

	for i := 0; i < 5; i++ {
		_, err := l.BeginOp(ledger.ChunkKey{ChunkID: uint64(i)}, 1, busy.CSID, ledger.OpCreate)
		require.NoError(t, err)
	}

	entries := []PlacementEntry{
		{Session: busy, ExpectedDistance: 1, ActualDistance: 1},
		{Session: idle, ExpectedDistance: 1, ActualDistance: 1},
	}

	out := m.SelectWriteTargets(entries, 2)
	require.Len(t, out, 2)
	require.Equal(t, idle, out[0])
	require.Equal(t, busy, out[1])
}

// TestSelectWriteTargetsExcludesGraceServersUnderTwentyPercent checks that
// grace-pool servers are left out when they are under 20% of the candidate
// pool (spec §4.6).
func TestSelectWriteTargetsExcludesGraceServersUnderTwentyPercent(t *testing.T) {
	now := time.Unix(0, 0)
	db := csdb.New(nil, func() time.Time { return now })
	l := ledger.New()
	m := NewManager(db, l, nil, DefaultThresholds)
	m.Now = func() time.Time { return now }

	var entries []PlacementEntry
	for i := 0; i < 9; i++ {
		s := &Session{CSID: uint16(i + 1), State: StateRegistered, TotalSpace: 1 << 40}
		entries = append(entries, PlacementEntry{Session: s, ExpectedDistance: 1, ActualDistance: 1})
	}
	graceful := &Session{CSID: 100, State: StateRegistered, TotalSpace: 1 << 40, HLStatus: HLGraceful}
	entries = append(entries, PlacementEntry{Session: graceful, ExpectedDistance: 1, ActualDistance: 1})

	out := m.SelectWriteTargets(entries, 10)
	for _, s := range out {
		require.NotEqual(t, graceful.CSID, s.CSID)
	}
}
