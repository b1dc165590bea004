package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mfscore/mfsmaster/internal/multilan"
)

func TestIPToUint32(t *testing.T) {
	require.EqualValues(t, 0x0A000001, ipToUint32(net.ParseIP("10.0.0.1")))
	require.Zero(t, ipToUint32(net.ParseIP("::1")))
}

func TestLoadMetaIDMissingFile(t *testing.T) {
	require.Zero(t, loadMetaID(t.TempDir()))
}

func TestLoadMetaIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	want := uint64(0x0102030405060708)
	var buf [8]byte
	for i := range buf {
		buf[7-i] = byte(want >> (8 * i))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.id"), buf[:], 0o644))
	require.Equal(t, want, loadMetaID(dir))
}

func TestLoadTopologyMissingFileReturnsEmpty(t *testing.T) {
	topo := loadTopology(filepath.Join(t.TempDir(), "missing.cfg"))
	require.NotNil(t, topo)
	require.Equal(t, 2, topo.Distance(1, 2))
}

func TestLoadMultilanClassesParsesCIDRList(t *testing.T) {
	tbl := multilan.New()
	loadMultilanClasses(tbl, "10.0.0.0/24, not-a-cidr ,192.168.0.0/16")
	// no panic and a valid table is all this unit asserts; behavioural
	// coverage of Map/Match lives in internal/multilan's own tests.
	require.NotNil(t, tbl)
}
