package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// acquirePIDLock takes an exclusive advisory lock on path and writes the
// caller's pid into it, mirroring the same fcntl-flock discipline
// internal/bgsaver uses for .bgwriter.lock: one file, one lock, the lock's
// holder is the running instance. It is held for the daemon's entire
// lifetime and released (by process exit) on stop/kill.
func acquirePIDLock(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidfile: open %s: %w", path, err)
	}
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidfile: %s is locked by another instance: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())), 0); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// readPID returns the pid recorded in path, or an error if the file is
// absent, empty, or not currently locked by a live process.
func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("pidfile: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: corrupt %s: %w", path, err)
	}
	return pid, nil
}

// isRunning reports whether path is currently held by a live instance: an
// unheld lock means whatever pid is recorded (if any) already exited.
func isRunning(path string) (pid int, running bool) {
	pid, err := readPID(path)
	if err != nil {
		return 0, false
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return pid, false
	}
	defer f.Close()
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	if err := unix.FcntlFlock(f.Fd(), unix.F_GETLK, &flock); err != nil {
		return pid, false
	}
	return pid, flock.Type != unix.F_UNLCK
}
