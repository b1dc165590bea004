package metadata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIncVersionMonotonic(t *testing.T) {
	s := New(t.TempDir(), 0, 0)
	require.EqualValues(t, 1, s.IncVersion())
	require.EqualValues(t, 2, s.IncVersion())
	require.EqualValues(t, 2, s.Version())
}

func TestIDStableWhenProvided(t *testing.T) {
	s := New(t.TempDir(), 0xC0FFEE, 0)
	require.EqualValues(t, 0xC0FFEE, s.ID())
}

func TestIDGeneratedWhenZero(t *testing.T) {
	s := New(t.TempDir(), 0, 0)
	require.NotZero(t, s.ID())
}

func TestDoStoreMetadataInvokesDumpAndRenames(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, 1, 0)
	s.SetDumpFunc(func(path string) error {
		return os.WriteFile(path, []byte("tree"), 0o644)
	})
	require.NoError(t, s.DoStoreMetadata())

	content, err := os.ReadFile(filepath.Join(dir, "metadata.mfs"))
	require.NoError(t, err)
	require.Equal(t, "tree", string(content))

	_, err = os.Stat(filepath.Join(dir, "metadata.mfs.back"))
	require.True(t, os.IsNotExist(err))
}

func TestKeepVersionFeedsChangelogContract(t *testing.T) {
	s := New(t.TempDir(), 1, 0)
	s.SetKeepVersion(42)
	require.EqualValues(t, 42, s.ChlogKeepVersion())
}
