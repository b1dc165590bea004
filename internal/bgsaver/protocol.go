// Package bgsaver implements the background metadata/changelog writer
// described in spec §4.7: a forked worker process the master talks to
// over two pipes, so that fsync stalls never block the single-threaded
// event loop. Preserved as the "supervised child process with typed
// message channels" alternative from spec §9 design notes: the parent
// self-execs the same binary in a hidden child mode and hands it its
// data/status pipes as ExtraFiles, the idiomatic Go equivalent of
// fork()+pipe() (see _examples/rclone-rclone/backend/local/local.go for
// the teacher's direct, unhidden use of golang.org/x/sys/unix-level
// file operations this package also relies on).
package bgsaver

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Command types sent parent -> child over the data pipe.
const (
	CmdAlive uint32 = iota
	CmdStart
	CmdWrite
	CmdFinish
	CmdChangelog
	CmdRotateLog
	CmdTerminate
)

// Response types sent child -> parent over the status pipe.
const (
	RespDone uint32 = iota
	RespChangelogAck
	RespAlive
)

// Message is one framed parent<->child control message: type:u32 ||
// length:u32 || payload, identical framing to the MATOCS/MATOML wire
// protocol (internal/wire), kept separate here because this channel
// never crosses the network and has its own small vocabulary.
type Message struct {
	Type uint32
	Body []byte
}

// Encode serializes m for writing to a pipe.
func Encode(typ uint32, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], typ)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[8:], body)
	return buf
}

// ReadMessage blocks until one full frame arrives on r.
func ReadMessage(r io.Reader) (Message, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	typ := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return Message{}, err
		}
	}
	return Message{Type: typ, Body: body}, nil
}

// StartPayload encodes CmdStart's speed limit (bytes/sec, 0 = unlimited).
func StartPayload(speedLimit uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, speedLimit)
	return b
}

// WritePayload encodes CmdWrite's (offset, crc32, data).
func WritePayload(offset uint64, crc uint32, data []byte) []byte {
	b := make([]byte, 8+4+4+len(data))
	binary.BigEndian.PutUint64(b[0:8], offset)
	binary.BigEndian.PutUint32(b[8:12], uint32(len(data)))
	binary.BigEndian.PutUint32(b[12:16], crc)
	copy(b[16:], data)
	return b
}

// DecodeWritePayload reverses WritePayload.
func DecodeWritePayload(body []byte) (offset uint64, crc uint32, data []byte, err error) {
	if len(body) < 16 {
		return 0, 0, nil, fmt.Errorf("bgsaver: short WRITE payload")
	}
	offset = binary.BigEndian.Uint64(body[0:8])
	length := binary.BigEndian.Uint32(body[8:12])
	crc = binary.BigEndian.Uint32(body[12:16])
	if uint32(len(body)-16) < length {
		return 0, 0, nil, fmt.Errorf("bgsaver: truncated WRITE payload")
	}
	data = body[16 : 16+length]
	return offset, crc, data, nil
}

// ChangelogPayload encodes CmdChangelog's (version, timestamp, text).
func ChangelogPayload(version uint64, ts uint32, text string) []byte {
	b := make([]byte, 8+4+len(text))
	binary.BigEndian.PutUint64(b[0:8], version)
	binary.BigEndian.PutUint32(b[8:12], ts)
	copy(b[12:], text)
	return b
}

// DecodeChangelogPayload reverses ChangelogPayload.
func DecodeChangelogPayload(body []byte) (version uint64, ts uint32, text string, err error) {
	if len(body) < 12 {
		return 0, 0, "", fmt.Errorf("bgsaver: short CHANGELOG payload")
	}
	version = binary.BigEndian.Uint64(body[0:8])
	ts = binary.BigEndian.Uint32(body[8:12])
	text = string(body[12:])
	return version, ts, text, nil
}

// DonePayload encodes a RespDone status byte (1 = ok, 0 = failed).
func DonePayload(ok bool) []byte {
	if ok {
		return []byte{1}
	}
	return []byte{0}
}
