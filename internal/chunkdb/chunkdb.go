// Package chunkdb parses the `MFS CHUNKDB` chunk-inventory dump format
// (spec §6 "chunkdb dump format"). The dump is a diagnostic export the
// tooling around the master reads offline; this package only needs to
// decode it, never write it, since the master itself does not keep the
// on-disk metadata image format in scope (spec Non-goals). Grounded on
// the teacher's local-backend file-header parsing idiom in
// _examples/rclone-rclone/backend/chunker/chunker.go, which walks a
// small fixed/variable-length binary header the same way: magic, mode
// byte, length-prefixed strings, then a homogeneous record stream.
package chunkdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Magic is the fixed 11-byte header preceding the mode character.
const Magic = "MFS CHUNKDB"

// Mode selects which optional fields each record carries (spec §6):
// mode 1 is the 16-byte base record, each later mode appends one more
// field, topping out at the 23-byte mode 4 record.
type Mode byte

const (
	Mode1 Mode = '1' // chunkid, version, blocks, pathid                     (16 bytes)
	Mode2 Mode = '2' // + hdrsize                                            (18 bytes)
	Mode3 Mode = '3' // + hdrsize, tested                                    (19 bytes)
	Mode4 Mode = '4' // + hdrsize, tested, diskusage                         (23 bytes)
)

// RecordSize returns the on-disk record length for mode, or 0 if mode
// is not one of the four recognised variants.
func RecordSize(mode Mode) int {
	switch mode {
	case Mode1:
		return 16
	case Mode2:
		return 18
	case Mode3:
		return 19
	case Mode4:
		return 23
	default:
		return 0
	}
}

// Record is one chunk entry, with fields absent from the file's mode
// left at their zero value.
type Record struct {
	ChunkID   uint64
	Version   uint32
	Blocks    uint16
	HdrSize   uint16 // modes 2-4
	PathID    uint16
	Tested    uint8  // modes 3-4
	DiskUsage uint32 // mode 4
}

// isZero reports whether r is the all-zero terminator record.
func (r Record) isZero() bool {
	return r == Record{}
}

// Header is the dump's preamble: the selected mode and the root path
// string recorded alongside it.
type Header struct {
	Mode Mode
	Path string
}

// Reader decodes one chunkdb dump.
type Reader struct {
	r    *bufio.Reader
	mode Mode
	size int
}

// NewReader validates the magic/mode header and the following
// variable-length path field, returning a Reader positioned at the
// first record.
func NewReader(src io.Reader) (*Reader, Header, error) {
	r := bufio.NewReader(src)

	magic := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, Header{}, fmt.Errorf("chunkdb: read magic: %w", err)
	}
	if string(magic) != Magic {
		return nil, Header{}, fmt.Errorf("chunkdb: bad magic %q", magic)
	}

	modeByte, err := r.ReadByte()
	if err != nil {
		return nil, Header{}, fmt.Errorf("chunkdb: read mode: %w", err)
	}
	mode := Mode(modeByte)
	size := RecordSize(mode)
	if size == 0 {
		return nil, Header{}, fmt.Errorf("chunkdb: unrecognised mode %q", modeByte)
	}

	var pathLen uint16
	if err := binary.Read(r, binary.BigEndian, &pathLen); err != nil {
		return nil, Header{}, fmt.Errorf("chunkdb: read path length: %w", err)
	}
	pathBuf := make([]byte, pathLen)
	if _, err := io.ReadFull(r, pathBuf); err != nil {
		return nil, Header{}, fmt.Errorf("chunkdb: read path: %w", err)
	}

	return &Reader{r: r, mode: mode, size: size}, Header{Mode: mode, Path: string(pathBuf)}, nil
}

// Next decodes the next record. It returns io.EOF once the all-zero
// terminator record is read.
func (r *Reader) Next() (Record, error) {
	buf := make([]byte, r.size)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return Record{}, fmt.Errorf("chunkdb: read record: %w", err)
	}

	var rec Record
	rec.ChunkID = binary.BigEndian.Uint64(buf[0:8])
	rec.Version = binary.BigEndian.Uint32(buf[8:12])
	rec.Blocks = binary.BigEndian.Uint16(buf[12:14])
	off := 14
	if r.mode == Mode2 || r.mode == Mode3 || r.mode == Mode4 {
		rec.HdrSize = binary.BigEndian.Uint16(buf[off : off+2])
		off += 2
	}
	rec.PathID = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	if r.mode == Mode3 || r.mode == Mode4 {
		rec.Tested = buf[off]
		off++
	}
	if r.mode == Mode4 {
		rec.DiskUsage = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}

	if rec.isZero() {
		return Record{}, io.EOF
	}
	return rec, nil
}

// ReadAll decodes every record up to the terminator.
func ReadAll(src io.Reader) (Header, []Record, error) {
	reader, hdr, err := NewReader(src)
	if err != nil {
		return Header{}, nil, err
	}
	var out []Record
	for {
		rec, err := reader.Next()
		if err == io.EOF {
			return hdr, out, nil
		}
		if err != nil {
			return Header{}, nil, err
		}
		out = append(out, rec)
	}
}
