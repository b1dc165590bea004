package matoml

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckpointStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	defer store.Close()

	v, err := store.Load("ml-1")
	require.NoError(t, err)
	require.Zero(t, v)

	require.NoError(t, store.Save("ml-1", 77))
	v, err = store.Load("ml-1")
	require.NoError(t, err)
	require.EqualValues(t, 77, v)
}

func TestCheckpointStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Save("ml-2", 9001))
	require.NoError(t, store.Close())

	store2, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	defer store2.Close()

	v, err := store2.Load("ml-2")
	require.NoError(t, err)
	require.EqualValues(t, 9001, v)
}

func TestSessionBroadcastLogPersistsCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	store, err := OpenCheckpointStore(path)
	require.NoError(t, err)
	defer store.Close()

	cl := &fakeChangelog{}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{}, sender, func() time.Time { return time.Unix(0, 0) }, "ml-3", store)
	s.State = StateSync

	s.BroadcastLog(55, []byte("55|op\n"))

	v, err := store.Load("ml-3")
	require.NoError(t, err)
	require.EqualValues(t, 55, v)
}
