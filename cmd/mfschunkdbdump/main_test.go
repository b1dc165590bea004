package main

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mfscore/mfsmaster/internal/chunkdb"
)

func TestDumpPrintsRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.dump")

	var buf bytes.Buffer
	buf.WriteString(chunkdb.Magic)
	buf.WriteByte(byte(chunkdb.Mode1))
	binary.Write(&buf, binary.BigEndian, uint16(0))
	binary.Write(&buf, binary.BigEndian, uint64(42))
	binary.Write(&buf, binary.BigEndian, uint32(1))
	binary.Write(&buf, binary.BigEndian, uint16(10))
	binary.Write(&buf, binary.BigEndian, uint16(5))
	buf.Write(make([]byte, chunkdb.RecordSize(chunkdb.Mode1))) // terminator

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	var out bytes.Buffer
	require.NoError(t, dump(path, &out))
	require.Contains(t, out.String(), "chunkid=42")
	require.Contains(t, out.String(), "mode: 1")
}

func TestDumpRejectsMissingFile(t *testing.T) {
	var out bytes.Buffer
	err := dump(filepath.Join(t.TempDir(), "missing"), &out)
	require.Error(t, err)
}
