package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mfscore/mfsmaster/internal/bgsaver"
	"github.com/mfscore/mfsmaster/internal/changelog"
	"github.com/mfscore/mfsmaster/internal/matoml"
)

// csdbLogger adapts *changelog.Changelog (whose Changelog method returns
// an Entry, for the matoml catch-up/broadcast path) to csdb.ChangeLogger's
// narrower signature (no return value): two independently correct
// contracts meeting at the CSDB's side-effect-only use of the log.
type csdbLogger struct {
	cl *changelog.Changelog
}

func (l csdbLogger) Changelog(format string, args ...interface{}) {
	l.cl.Changelog(format, args...)
}

// syncPersister implements changelog.Persister for ModeSync: every entry
// is appended and fsynced in the calling goroutine, no bg-saver involved.
type syncPersister struct {
	mu sync.Mutex
	f  *os.File
}

func openSyncPersister(dataPath string) (*syncPersister, error) {
	f, err := os.OpenFile(filepath.Join(dataPath, "changelog.0.mfs"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("changelog: open sync target: %w", err)
	}
	return &syncPersister{f: f}, nil
}

func (p *syncPersister) WriteSync(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.f.WriteString(line); err != nil {
		return err
	}
	return p.f.Sync()
}

// Submit only exists to satisfy changelog.Persister; ModeSync never calls
// it (changelog.Changelog routes ModeSync entries through WriteSync).
func (p *syncPersister) Submit(version uint64, timestamp uint32, text string) {}

func (p *syncPersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.f.Close()
}

// bgsaverPersister implements changelog.Persister for ModeBackground: each
// entry is handed off to the bg-saver child over its command pipe and
// acknowledged asynchronously via Supervisor's onAck callback, never
// blocking the caller.
type bgsaverPersister struct {
	sup *bgsaver.Supervisor
}

func (p *bgsaverPersister) WriteSync(line string) error {
	return fmt.Errorf("changelog: WriteSync called in background mode")
}

func (p *bgsaverPersister) Submit(version uint64, timestamp uint32, text string) {
	_ = p.sup.Changelog(version, timestamp, text)
}

// changelogSource adapts *changelog.Changelog to matoml.ChangelogSource:
// the two packages describe the same catch-up contract in slightly
// different shapes (changelog hands back structured Entry values; matoml
// wants the on-wire (version, line) pair it forwards verbatim in
// METACHANGES_LOG), so GetOldChanges re-renders each Entry through
// changelog.FileLine before handing it to matoml's sender.
type changelogSource struct {
	cl *changelog.Changelog
}

func (c changelogSource) GetOldChanges(minVersion uint64, limit int, send func(version uint64, line []byte)) (int, bool) {
	return c.cl.GetOldChanges(minVersion, limit, func(e changelog.Entry) {
		send(e.Version, []byte(changelog.FileLine(e.Version, e.Text)))
	})
}

func (c changelogSource) Subscribe(s matoml.Subscriber) { c.cl.Subscribe(s) }

func (c changelogSource) Unsubscribe(s matoml.Subscriber) { c.cl.Unsubscribe(s) }
