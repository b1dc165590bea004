package chunkdb

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeHeader(buf *bytes.Buffer, mode Mode, path string) {
	buf.WriteString(Magic)
	buf.WriteByte(byte(mode))
	binary.Write(buf, binary.BigEndian, uint16(len(path)))
	buf.WriteString(path)
}

func writeRecordMode1(buf *bytes.Buffer, chunkID uint64, version uint32, blocks, pathID uint16) {
	binary.Write(buf, binary.BigEndian, chunkID)
	binary.Write(buf, binary.BigEndian, version)
	binary.Write(buf, binary.BigEndian, blocks)
	binary.Write(buf, binary.BigEndian, pathID)
}

func writeTerminator(buf *bytes.Buffer, size int) {
	buf.Write(make([]byte, size))
}

func TestReadAllMode1(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, Mode1, "/mnt/mfs")
	writeRecordMode1(&buf, 1001, 5, 128, 7)
	writeRecordMode1(&buf, 1002, 6, 64, 8)
	writeTerminator(&buf, RecordSize(Mode1))

	hdr, recs, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Equal(t, "/mnt/mfs", hdr.Path)
	require.Equal(t, Mode1, hdr.Mode)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(1001), recs[0].ChunkID)
	require.EqualValues(t, 128, recs[0].Blocks)
	require.EqualValues(t, 7, recs[0].PathID)
}

func TestReadAllMode4IncludesExtraFields(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, Mode4, "")

	binary.Write(&buf, binary.BigEndian, uint64(55))
	binary.Write(&buf, binary.BigEndian, uint32(2))
	binary.Write(&buf, binary.BigEndian, uint16(10))
	binary.Write(&buf, binary.BigEndian, uint16(999))  // hdrsize
	binary.Write(&buf, binary.BigEndian, uint16(3))    // pathid
	buf.WriteByte(1)                                   // tested
	binary.Write(&buf, binary.BigEndian, uint32(4096)) // diskusage

	writeTerminator(&buf, RecordSize(Mode4))

	hdr, recs, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Equal(t, Mode4, hdr.Mode)
	require.Len(t, recs, 1)
	require.EqualValues(t, 999, recs[0].HdrSize)
	require.EqualValues(t, 1, recs[0].Tested)
	require.EqualValues(t, 4096, recs[0].DiskUsage)
}

func TestBadMagicRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString("NOT A CHUNKDB")
	_, _, err := ReadAll(&buf)
	require.Error(t, err)
}

func TestUnrecognisedModeRejected(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteString(Magic)
	buf.WriteByte('9')
	binary.Write(&buf, binary.BigEndian, uint16(0))
	_, _, err := ReadAll(&buf)
	require.Error(t, err)
}

func TestNextReturnsEOFAtTerminator(t *testing.T) {
	var buf bytes.Buffer
	writeHeader(&buf, Mode1, "")
	writeTerminator(&buf, RecordSize(Mode1))

	reader, _, err := NewReader(&buf)
	require.NoError(t, err)
	_, err = reader.Next()
	require.ErrorIs(t, err, io.EOF)
}
