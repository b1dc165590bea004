package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfscore/mfsmaster/internal/proto"
)

func TestSecondsToDuration(t *testing.T) {
	require.Equal(t, 10*time.Second, secondsToDuration(10))
	require.Zero(t, secondsToDuration(0))
}

func TestResolveDownloadFile(t *testing.T) {
	d := &daemon{dataPath: "/var/lib/mfs"}

	path, ok := d.resolveDownloadFile(proto.DownloadFileMetaBack)
	require.True(t, ok)
	require.Equal(t, "/var/lib/mfs/metadata.mfs.back", path)

	path, ok = d.resolveDownloadFile(proto.DownloadFileChangelog0)
	require.True(t, ok)
	require.Equal(t, "/var/lib/mfs/changelog.0.mfs", path)

	_, ok = d.resolveDownloadFile(proto.DownloadFileSessions)
	require.False(t, ok)
}
