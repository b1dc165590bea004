// Package wire implements the framed TCP transport shared by the MATOCS
// and MATOML listeners: an 8-byte big-endian header (type:u32, length:u32)
// followed by a payload, batched writes via net.Buffers (the writev
// equivalent, at most MaxIovecs frames per flush) and a periodic NOP
// keepalive. There is no per-turn time budget: nothing here limits how
// many packets one session handles in a pass. Grounded on the teacher's
// non-blocking I/O idiom in
// _examples/rclone-rclone/backend/local/local.go (explicit io.Reader/
// io.Writer plumbing, no hidden buffering).
package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/mfscore/mfsmaster/internal/proto"
)

// ErrPacketTooLong is returned when an inbound header announces a payload
// larger than maxSize; the caller must kill the session (spec §4.1, §7).
var ErrPacketTooLong = errors.New("wire: packet too long")

// Packet is one parsed frame.
type Packet struct {
	Type uint32
	Body []byte
}

// Encode serializes p as type:u32 || length:u32 || payload.
func Encode(typ uint32, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], typ)
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(body)))
	copy(buf[8:], body)
	return buf
}

// Reader incrementally parses a byte stream into Packets. It is safe to
// feed it one byte at a time (spec §8 property 1, framing round-trip) or
// in large bulk reads from a socket.
type Reader struct {
	maxSize uint32
	src     *bufio.Reader
}

// NewReader wraps r with header-length framing; maxSize bounds the
// payload length accepted before ErrPacketTooLong is raised.
func NewReader(r io.Reader, maxSize uint32) *Reader {
	return &Reader{maxSize: maxSize, src: bufio.NewReaderSize(r, 64*1024)}
}

// ReadPacket blocks until one full frame has arrived, or returns an error
// (io.EOF on clean close, anything else is a fatal session condition).
func (r *Reader) ReadPacket() (Packet, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return Packet{}, err
	}
	typ := binary.BigEndian.Uint32(hdr[0:4])
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > r.maxSize {
		return Packet{}, fmt.Errorf("%w: type=%d length=%d max=%d", ErrPacketTooLong, typ, length, r.maxSize)
	}
	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r.src, body); err != nil {
			return Packet{}, err
		}
	}
	return Packet{Type: typ, Body: body}, nil
}

// MaxIovecs bounds how many queued frames are flushed in a single writev
// (net.Buffers) call, per §4.1 ("writev of up to 100 iovecs").
const MaxIovecs = 100

// Writer batches outbound frames and flushes them with as few syscalls as
// possible, mirroring the teacher's batching style in its accounting
// layer (_examples/rclone-rclone/accounting.go uses buffered io.Writer
// throughout rather than one syscall per chunk).
type Writer struct {
	mu      sync.Mutex
	conn    net.Conn
	queue   [][]byte
	lastNOP time.Time
}

// NewWriter wraps conn for batched framed writes.
func NewWriter(conn net.Conn) *Writer {
	return &Writer{conn: conn, lastNOP: time.Now()}
}

// Enqueue appends one encoded frame to the outbound queue without
// blocking; a NOP queued earlier is never reordered ahead of a packet
// that was queued before it (ordering guarantee, spec §5).
func (w *Writer) Enqueue(typ uint32, body []byte) {
	w.mu.Lock()
	w.queue = append(w.queue, Encode(typ, body))
	w.mu.Unlock()
}

// MaybeNOP enqueues a keepalive NOP if the outbound queue is currently
// empty and at least one second has elapsed since the last one (§4.1).
func (w *Writer) MaybeNOP(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) != 0 {
		return
	}
	if now.Sub(w.lastNOP) < time.Second {
		return
	}
	w.lastNOP = now
	w.queue = append(w.queue, Encode(proto.NOP, nil))
}

// Flush writes up to MaxIovecs queued frames in one net.Buffers.WriteTo
// call (the portable writev equivalent) and reports whether the queue
// fully drained.
func (w *Writer) Flush() (drained bool, err error) {
	w.mu.Lock()
	if len(w.queue) == 0 {
		w.mu.Unlock()
		return true, nil
	}
	n := len(w.queue)
	if n > MaxIovecs {
		n = MaxIovecs
	}
	batch := w.queue[:n]
	w.mu.Unlock()

	bufs := net.Buffers(batch)
	if _, err := bufs.WriteTo(w.conn); err != nil {
		return false, err
	}

	w.mu.Lock()
	w.queue = w.queue[n:]
	drained = len(w.queue) == 0
	w.mu.Unlock()
	return drained, nil
}

// Pending reports the number of frames still queued.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}
