package ledger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestScenarioC reproduces spec §8 scenario C.
func TestScenarioC(t *testing.T) {
	l := New()
	chunk := ChunkKey{ChunkID: 0xC, ECID: 0}
	const dst, src uint16 = 1, 2

	rec, err := l.BeginRepl(dst, chunk, 1, ReplSimple, []uint16{src}, 0)
	require.NoError(t, err)
	require.Equal(t, WeightFull, rec.WWeight)
	require.Equal(t, WeightFull, rec.RWeight)

	require.Equal(t, WeightFull, l.Stats(dst).WRepCounter)
	require.Equal(t, WeightFull, l.Stats(src).RRepCounter)

	// dst killed before ack
	_, repls := l.FailSession(dst, ReasonDisconnect)
	require.Len(t, repls, 1)

	require.Equal(t, 0, l.Stats(dst).WRepCounter)
	require.Equal(t, 0, l.Stats(src).RRepCounter)
	require.Equal(t, 1, l.Stats(dst).ReplWriteErr[ReasonDisconnect])
}

func TestAlreadyPendingRejected(t *testing.T) {
	l := New()
	chunk := ChunkKey{ChunkID: 1}
	_, err := l.BeginOp(chunk, 1, 5, OpCreate)
	require.NoError(t, err)
	_, err = l.BeginOp(chunk, 1, 5, OpDelete)
	require.ErrorIs(t, err, ErrAlreadyPending)

	_, err = l.BeginRepl(5, chunk, 1, ReplSimple, nil, 0)
	require.ErrorIs(t, err, ErrAlreadyPending)
}

func TestFinishOpDecrementsWriteCounter(t *testing.T) {
	l := New()
	chunk := ChunkKey{ChunkID: 1}
	_, err := l.BeginOp(chunk, 1, 5, OpCreate)
	require.NoError(t, err)
	require.Equal(t, 1, l.Stats(5).WriteCounter)

	rec, ok := l.FinishOp(chunk, 5)
	require.True(t, ok)
	require.Equal(t, OpCreate, rec.Type)
	require.Equal(t, 0, l.Stats(5).WriteCounter)
}

func TestLocalSplitWeight(t *testing.T) {
	l := New()
	chunk := ChunkKey{ChunkID: 1}
	rec, err := l.BeginRepl(9, chunk, 1, ReplLocalSplit, []uint16{9}, 3)
	require.NoError(t, err)
	require.Equal(t, 3*WeightLocalPart, rec.WWeight)
}

func TestFinishReplSuccessNoErrorCounter(t *testing.T) {
	l := New()
	chunk := ChunkKey{ChunkID: 1}
	_, err := l.BeginRepl(1, chunk, 1, ReplSimple, []uint16{2}, 0)
	require.NoError(t, err)
	rec, ok := l.FinishRepl(chunk, 1, true, ReasonNone)
	require.True(t, ok)
	require.NotNil(t, rec)
	require.Equal(t, 0, l.Stats(1).ReplWriteErr[ReasonNone])
	require.Equal(t, 0, l.Stats(1).WRepCounter)
}
