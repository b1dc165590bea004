package bgsaver

import (
	"context"
	"hash/crc32"
	"io"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// DataFD and StatusFD are the well-known descriptor numbers the child
// inherits via exec.Cmd.ExtraFiles (fd 0-2 are stdin/stdout/stderr, so
// ExtraFiles start at 3).
const (
	DataFD   = 3
	StatusFD = 4
)

// ChangelogAppender lets the child hand off CHANGELOG commands to
// whatever is actually persisting the text line (a real file in
// production, a fake in tests); kept as a small interface so child.go
// doesn't hardcode a path layout.
type ChangelogAppender interface {
	AppendLine(version uint64, ts uint32, text string) error
	Rotate() error
}

// Child runs the background saver's message loop. It returns only on a
// fatal I/O error, CmdTerminate, or EOF on the data pipe (the parent has
// gone; nil is returned); callers run it as the entire body of the
// re-exec'd child process.
func Child(ctx context.Context, dataR, statusW *os.File, lockPath string, cl ChangelogAppender) error {
	lockFD, err := acquireLock(lockPath)
	if err != nil {
		return err
	}
	defer unix.Close(lockFD)

	st := &childState{statusW: statusW, cl: cl}
	defer st.closeDownload()

	aliveTicker := time.NewTicker(5 * time.Second)
	defer aliveTicker.Stop()
	go func() {
		for range aliveTicker.C {
			_, _ = statusW.Write(Encode(RespAlive, nil))
		}
	}()

	for {
		msg, err := ReadMessage(dataR)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if err := st.handle(msg); err != nil {
			return err
		}
		if msg.Type == CmdTerminate {
			return nil
		}
	}
}

// acquireLock takes the advisory .bgwriter.lock the child holds for its
// entire lifetime (spec §4.7 "the child holds .bgwriter.lock via fcntl
// advisory lock").
func acquireLock(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return -1, err
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(uintptr(fd), unix.F_SETLK, &flock); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

type childState struct {
	statusW *os.File
	cl      ChangelogAppender

	fd        int
	open      bool
	limiter   *rate.Limiter
	lastAckTS uint32
}

func (st *childState) handle(msg Message) error {
	switch msg.Type {
	case CmdStart:
		return st.handleStart(msg.Body)
	case CmdWrite:
		return st.handleWrite(msg.Body)
	case CmdFinish:
		return st.handleFinish()
	case CmdChangelog:
		return st.handleChangelog(msg.Body)
	case CmdRotateLog:
		return st.handleRotate()
	case CmdTerminate:
		st.closeDownload()
		return nil
	case CmdAlive:
		_, err := st.statusW.Write(Encode(RespAlive, nil))
		return err
	}
	return nil
}

func (st *childState) handleStart(body []byte) error {
	speedLimit := uint32(0)
	if len(body) >= 4 {
		speedLimit = uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3])
	}
	fd, err := unix.Open("metadata_download.tmp", unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0o644)
	ok := err == nil
	if ok {
		st.fd = fd
		st.open = true
		if speedLimit > 0 {
			st.limiter = rate.NewLimiter(rate.Limit(speedLimit), int(speedLimit))
		} else {
			st.limiter = nil
		}
	}
	_, werr := st.statusW.Write(Encode(RespDone, DonePayload(ok)))
	return werr
}

func (st *childState) handleWrite(body []byte) error {
	offset, crc, data, err := DecodeWritePayload(body)
	if err != nil {
		return err
	}
	ok := true
	if crc32.ChecksumIEEE(data) != crc {
		// spec §9 quirk: the mismatch is reported (status=0) and the
		// file is closed; the saver does not retry on its own.
		ok = false
		st.closeDownload()
	} else if st.open {
		if st.limiter != nil {
			_ = st.limiter.WaitN(context.Background(), len(data))
		}
		if _, werr := unix.Pwrite(st.fd, data, int64(offset)); werr != nil {
			ok = false
		}
	} else {
		ok = false
	}
	_, werr := st.statusW.Write(Encode(RespDone, DonePayload(ok)))
	return werr
}

func (st *childState) handleFinish() error {
	ok := false
	if st.open {
		if err := unix.Fsync(st.fd); err == nil {
			ok = true
		}
		st.closeDownload()
	}
	_, werr := st.statusW.Write(Encode(RespDone, DonePayload(ok)))
	return werr
}

func (st *childState) handleChangelog(body []byte) error {
	version, ts, text, err := DecodeChangelogPayload(body)
	if err != nil {
		return err
	}
	if st.cl != nil {
		_ = st.cl.AppendLine(version, ts, text)
	}
	st.lastAckTS = ts
	ack := []byte{byte(ts >> 24), byte(ts >> 16), byte(ts >> 8), byte(ts)}
	_, werr := st.statusW.Write(Encode(RespChangelogAck, ack))
	return werr
}

func (st *childState) handleRotate() error {
	if st.cl != nil {
		_ = st.cl.Rotate()
	}
	return nil
}

func (st *childState) closeDownload() {
	if st.open {
		unix.Close(st.fd)
		st.open = false
	}
}
