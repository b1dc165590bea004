package chunks

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasChunkThenDisconnectRemovesReplica(t *testing.T) {
	tbl := New()
	tbl.ServerConnected(1)
	tbl.HasChunk(1, 100, 0, 5)
	require.Equal(t, 1, tbl.ReplicaCount(100, 0))

	tbl.ServerDisconnected(1)
	require.Equal(t, 0, tbl.ReplicaCount(100, 0))
	require.True(t, tbl.IsLost(100, 0))
}

func TestChunkLostNonexistent(t *testing.T) {
	tbl := New()
	tbl.HasChunk(1, 100, 0, 5)
	tbl.HasChunk(2, 100, 0, 5)
	tbl.ChunkLost(1, 100, 0, true)
	require.Equal(t, 1, tbl.ReplicaCount(100, 0))
	require.False(t, tbl.IsLost(100, 0))
}

func TestGotStatusDeleteRemovesReplica(t *testing.T) {
	tbl := New()
	tbl.HasChunk(1, 100, 0, 5)
	tbl.GotStatus(1, 100, 0, 0, true, StatusOK)
	require.Equal(t, 0, tbl.ReplicaCount(100, 0))
}

func TestGotStatusErrorLeavesReplicaAlone(t *testing.T) {
	tbl := New()
	tbl.HasChunk(1, 100, 0, 5)
	tbl.GotStatus(1, 100, 0, 9, true, StatusError)
	require.Equal(t, 1, tbl.ReplicaCount(100, 0))
}

func TestMFRStatusCountsBelowGoal(t *testing.T) {
	tbl := New()
	tbl.HasChunk(1, 100, 0, 1)
	tbl.HasChunk(1, 101, 0, 1)
	tbl.HasChunk(2, 101, 0, 1)

	require.Equal(t, 1, tbl.MFRStatus(1, 2))
}

func TestReplicaServersSortedDeterministic(t *testing.T) {
	tbl := New()
	tbl.HasChunk(5, 100, 0, 1)
	tbl.HasChunk(2, 100, 0, 1)
	tbl.HasChunk(9, 100, 0, 1)
	require.Equal(t, []uint16{2, 5, 9}, tbl.ReplicaServers(100, 0))
}
