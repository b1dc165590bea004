// Package mfserr implements the two error families used across the core:
// fatal conditions that must kill a session or terminate the process, and
// transient per-command status codes that travel in reply packets. This
// mirrors the split the teacher keeps between fs/fserrors' NoRetryError
// (fatal, give up) and an ordinary wrapped error (transient, caller may
// retry) — see _examples/rclone-rclone/backend/local/local.go around its
// fserrors.NoRetryError / fserrors.NoLowLevelRetryError call sites.
package mfserr

import "fmt"

// Fatal marks an error that must tear down the session (or, for the
// changelog/bg-saver path, the whole process) rather than be retried.
type Fatal struct {
	Op  string
	Err error
}

func (f *Fatal) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: fatal", f.Op)
	}
	return fmt.Sprintf("%s: fatal: %v", f.Op, f.Err)
}

func (f *Fatal) Unwrap() error { return f.Err }

// NewFatal wraps err (which may be nil) as a Fatal tagged with op.
func NewFatal(op string, err error) *Fatal {
	return &Fatal{Op: op, Err: err}
}

// IsFatal reports whether err (or anything it wraps) is a Fatal.
func IsFatal(err error) bool {
	var f *Fatal
	return asFatal(err, &f)
}

func asFatal(err error, target **Fatal) bool {
	for err != nil {
		if f, ok := err.(*Fatal); ok {
			*target = f
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Status is a transient per-command protocol status, carried back to the
// chunk server in a *_STATUS reply packet. It is never fatal to the
// session: the caller (the chunks/operation-ledger layer) decides whether
// to retry.
type Status struct {
	Code byte
}

func (s *Status) Error() string {
	return fmt.Sprintf("status=%d", s.Code)
}

// NewStatus wraps a protocol status byte as an error value.
func NewStatus(code byte) *Status {
	return &Status{Code: code}
}
