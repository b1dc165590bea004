package csdb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeLog struct {
	entries []string
}

func (f *fakeLog) Changelog(format string, args ...interface{}) {
	f.entries = append(f.entries, format)
}

// TestIdentityInvariant reproduces spec §8 property 2: csid survives a
// reconnect, and an ip/port change on a known csid is logged exactly
// once as NEWIPPORT.
func TestIdentityInvariant(t *testing.T) {
	cl := &fakeLog{}
	db := New(cl, func() time.Time { return time.Unix(1000, 0) })

	e1, err := db.NewConnection(10, 9422, 0, 1)
	require.NoError(t, err)
	require.NotZero(t, e1.CSID)
	csid := e1.CSID

	db.LostConnection(e1)

	e2, err := db.NewConnection(10, 9422, csid, 2)
	require.NoError(t, err)
	require.Equal(t, csid, e2.CSID)
	require.Same(t, e1, e2)

	// reconnect at a new address under the same csid
	e3, err := db.NewConnection(11, 9423, csid, 3)
	require.NoError(t, err)
	require.Equal(t, csid, e3.CSID)
	require.Equal(t, uint32(11), e3.IP)

	found := 0
	for _, entry := range cl.entries {
		if entry == "NEWIPPORT(%d,%d,%d)" {
			found++
		}
	}
	require.Equal(t, 1, found)

	got, ok := db.ByCSID(csid)
	require.True(t, ok)
	require.Same(t, e3, got)
}

func TestRemoveServerRequiresDisconnected(t *testing.T) {
	db := New(nil, nil)
	e, err := db.NewConnection(1, 1, 0, 1)
	require.NoError(t, err)
	require.Error(t, db.RemoveServer(e.IP, e.Port))
	db.LostConnection(e)
	require.NoError(t, db.RemoveServer(e.IP, e.Port))
	require.Equal(t, 0, db.Count())
}

func TestRemoveUnused(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	db := New(nil, func() time.Time { return now })
	e, err := db.NewConnection(1, 1, 0, 1)
	require.NoError(t, err)
	db.LostConnection(e)

	// still within the grace window
	require.Equal(t, 0, db.RemoveUnused(30))

	now = now.Add(31 * 24 * time.Hour)
	require.Equal(t, 1, db.RemoveUnused(30))
	require.Equal(t, 0, db.Count())
}

func TestNormalMaintenanceSurvivesReconnect(t *testing.T) {
	db := New(nil, func() time.Time { return time.Unix(0, 0) })
	e, err := db.NewConnection(1, 1, 0, 1)
	require.NoError(t, err)
	db.LostConnection(e)
	require.NoError(t, db.SetMaintenance(e.IP, e.Port, true, time.Hour))
	require.Equal(t, MaintenanceNormal, e.Maintenance)

	// a reconnect while in normal maintenance should NOT clear it...
	_, err = db.NewConnection(e.IP, e.Port, e.CSID, 2)
	require.NoError(t, err)
	require.Equal(t, MaintenanceNormal, e.Maintenance)
}

func TestQuorumHelpers(t *testing.T) {
	db := New(nil, nil)
	e1, _ := db.NewConnection(1, 1, 0, 1)
	_, _ = db.NewConnection(2, 2, 0, 2)
	require.True(t, db.HaveAllServers())
	require.True(t, db.HaveMoreThanHalfServers())

	db.LostConnection(e1)
	require.False(t, db.HaveAllServers())
	require.False(t, db.HaveMoreThanHalfServers())
	require.True(t, db.ReplicateUndergoals())

	require.NoError(t, db.SetMaintenance(e1.IP, e1.Port, true, time.Hour))
	require.False(t, db.ReplicateUndergoals())
}

func TestSortServersDeterministic(t *testing.T) {
	db := New(nil, nil)
	_, _ = db.NewConnection(30, 1, 0, 1)
	_, _ = db.NewConnection(10, 1, 0, 2)
	_, _ = db.NewConnection(10, 5, 0, 3)

	servers := db.SortServers()
	require.Len(t, servers, 3)
	require.Equal(t, uint32(10), servers[0].IP)
	require.Equal(t, uint16(1), servers[0].Port)
	require.Equal(t, uint32(10), servers[1].IP)
	require.Equal(t, uint16(5), servers[1].Port)
	require.Equal(t, uint32(30), servers[2].IP)
}

func TestSelfCheckDetectsDrift(t *testing.T) {
	db := New(nil, nil)
	_, _ = db.NewConnection(1, 1, 0, 1)
	require.False(t, db.SelfCheck())
	db.connectedCount = 99 // simulate drift
	require.True(t, db.SelfCheck())
	require.False(t, db.SelfCheck())
}
