package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mfscore/mfsmaster/internal/changelog"
	"github.com/mfscore/mfsmaster/internal/metadata"
)

func writeChangelogFile(t *testing.T, path string, versions ...uint64) {
	t.Helper()
	var data []byte
	for _, v := range versions {
		data = append(data, []byte(changelog.FileLine(v, "TEST()"))...)
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestScanChangelogFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changelog.0.mfs")
	writeChangelogFile(t, path, 5, 6, 7)

	lines, max, err := scanChangelogFile(path)
	require.NoError(t, err)
	require.Equal(t, 3, lines)
	require.EqualValues(t, 7, max)
}

func TestScanChangelogFileIgnoresMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "changelog.0.mfs")
	require.NoError(t, os.WriteFile(path, []byte("garbage\n3: ok\n"), 0o644))

	lines, max, err := scanChangelogFile(path)
	require.NoError(t, err)
	require.Equal(t, 1, lines)
	require.EqualValues(t, 3, max)
}

func TestReplayChangelogsAdvancesMetaVersion(t *testing.T) {
	dataDir := t.TempDir()
	d := &daemon{meta: metadata.New(dataDir, 1, 0)}

	chlogDir := t.TempDir()
	writeChangelogFile(t, filepath.Join(chlogDir, "changelog.1.mfs"), 1, 2, 3)
	writeChangelogFile(t, filepath.Join(chlogDir, "changelog.0.mfs"), 4, 5)

	require.NoError(t, d.replayChangelogs(chlogDir))
	require.EqualValues(t, 5, d.meta.Version())
}

func TestReplayChangelogsMergesOverlappingFilesByVersion(t *testing.T) {
	dataDir := t.TempDir()
	d := &daemon{meta: metadata.New(dataDir, 1, 0)}

	chlogDir := t.TempDir()
	// two rotated segments with overlapping ranges, as a metalogger's own
	// rotation cadence can produce: must merge by version, not by file
	// order, and apply 5 only once.
	writeChangelogFile(t, filepath.Join(chlogDir, "changelog.1.mfs"), 1, 3, 5)
	writeChangelogFile(t, filepath.Join(chlogDir, "changelog.0.mfs"), 2, 4, 5)

	require.NoError(t, d.replayChangelogs(chlogDir))
	require.EqualValues(t, 5, d.meta.Version())
}
