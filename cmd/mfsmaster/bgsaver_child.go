package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mfscore/mfsmaster/internal/changelog"
)

// fileAppender is the __bgsaver child process's own changelog writer: the
// child, not the master, holds the real file descriptor for the lifetime
// of the background-saver process (spec §4.7).
type fileAppender struct {
	dataPath string
	backLogs int
	f        *os.File
}

func newFileAppender(dataPath string, backLogs int) (*fileAppender, error) {
	f, err := os.OpenFile(filepath.Join(dataPath, "changelog.0.mfs"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bgsaver child: open changelog.0.mfs: %w", err)
	}
	return &fileAppender{dataPath: dataPath, backLogs: backLogs, f: f}, nil
}

// AppendLine implements bgsaver.ChangelogAppender.
func (a *fileAppender) AppendLine(version uint64, ts uint32, text string) error {
	if _, err := a.f.WriteString(changelog.FileLine(version, text)); err != nil {
		return err
	}
	return a.f.Sync()
}

// Rotate implements bgsaver.ChangelogAppender. Unlike the foreground
// Changelog.Rotate path, this performs a plain rename chain with no gzip
// compression: the child holds the only open descriptor on
// changelog.0.mfs and reopening mid-rotation is simpler without also
// racing a compressor against its own next append.
func (a *fileAppender) Rotate() error {
	if err := a.f.Close(); err != nil {
		return err
	}
	for n := a.backLogs - 1; n >= 0; n-- {
		oldPath := filepath.Join(a.dataPath, fmt.Sprintf("changelog.%d.mfs", n))
		newPath := filepath.Join(a.dataPath, fmt.Sprintf("changelog.%d.mfs", n+1))
		if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("bgsaver child: rotate %s: %w", oldPath, err)
		}
	}
	f, err := os.OpenFile(filepath.Join(a.dataPath, "changelog.0.mfs"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("bgsaver child: reopen changelog.0.mfs: %w", err)
	}
	a.f = f
	return nil
}
