// Package changelog implements the master's mutation log: the in-memory
// ring of recent entries, disk persistence (synchronous or via the
// bg-saver), rotation of changelog.N.mfs files, and the broadcast hook
// metalogger sessions subscribe to (spec §3 "Changelog entry", §4.7,
// §6, §8 property 8). Grounded on the teacher's buffered accounting
// ledger in _examples/rclone-rclone/accounting.go, which keeps an
// in-memory running total alongside a side-effecting write path —
// the same shape as "append to the ring, and push to disk" here.
package changelog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// blockCapacity is the fixed size of one changelog ring block (spec §3).
const blockCapacity = 5000

// MaxTextBytes is the maximum length of one log line's text (spec §4.7).
const MaxTextBytes = 200000

// Entry is one changelog record (spec §3).
type Entry struct {
	Version   uint64
	Timestamp uint32
	Text      string
}

type block struct {
	entries [blockCapacity]Entry
	count   int
	start   int
	next    *block
}

// MetaSource is the §4.9 metadata contract this package depends on.
type MetaSource interface {
	IncVersion() uint64
	ChlogKeepVersion() uint64
}

// Persister is the disk-write side: either the synchronous path (modes
// 1/2) or a handoff to the background saver (mode 0, the default).
type Persister interface {
	WriteSync(line string) error
	Submit(version uint64, timestamp uint32, text string)
}

// Subscriber is a metalogger session receiving the broadcast (spec §4.8
// broadcast_logstring / broadcast_logrotate).
type Subscriber interface {
	BroadcastLog(version uint64, line []byte)
	BroadcastRotate()
}

// Mode selects how Changelog persists each entry.
type Mode int

const (
	ModeBackground Mode = iota // 0: hand off to bg-saver (default)
	ModeSync                   // 1/2: synchronous write in the calling goroutine
)

// Changelog is the master's mutation log.
type Changelog struct {
	mode              Mode
	persister         Persister
	meta              MetaSource
	now               func() time.Time
	secondsToRemember time.Duration
	preserveBytes     int64

	head, tail  *block
	totalBytes  int64
	subscribers []Subscriber

	// MinVersionNeeded, when set, further constrains trimming to the
	// minimum version any subscriber (or in-flight snapshot send) still
	// requires; it is ANDed with meta.ChlogKeepVersion().
	MinVersionNeeded func() uint64
}

// Config bundles the construction-time parameters.
type Config struct {
	Mode              Mode
	Persister         Persister
	Meta              MetaSource
	Now               func() time.Time
	SecondsToRemember time.Duration
	PreserveBytes     int64
}

// New constructs a Changelog ready to accept entries.
func New(cfg Config) *Changelog {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Changelog{
		mode:              cfg.Mode,
		persister:         cfg.Persister,
		meta:              cfg.Meta,
		now:               now,
		secondsToRemember: cfg.SecondsToRemember,
		preserveBytes:     cfg.PreserveBytes,
	}
}

// Subscribe registers a metalogger session to receive broadcasts.
func (c *Changelog) Subscribe(s Subscriber) { c.subscribers = append(c.subscribers, s) }

// Unsubscribe removes a previously registered metalogger session.
func (c *Changelog) Unsubscribe(s Subscriber) {
	for i, sub := range c.subscribers {
		if sub == s {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			return
		}
	}
}

// Changelog appends one formatted mutation record: it assigns the next
// version, persists it (sync or via bg-saver per Mode), appends it to
// the in-memory ring, broadcasts it to every subscriber, and trims the
// ring (spec §4.7 steps 1-4). Text longer than MaxTextBytes is
// truncated; this mirrors changelog()'s documented line-length ceiling.
func (c *Changelog) Changelog(format string, args ...interface{}) Entry {
	text := fmt.Sprintf(format, args...)
	if len(text) > MaxTextBytes {
		text = text[:MaxTextBytes]
	}
	version := c.meta.IncVersion()
	ts := uint32(c.now().Unix())
	line := fmt.Sprintf("%d|%s\n", version, text)

	if c.mode == ModeSync {
		_ = c.persister.WriteSync(line) // caller escalates via the error-handling §7 changelog-loss path
	} else {
		c.persister.Submit(version, ts, text)
	}

	entry := Entry{Version: version, Timestamp: ts, Text: text}
	c.appendEntry(entry)

	for _, s := range c.subscribers {
		s.BroadcastLog(version, []byte(line))
	}

	c.trim()
	return entry
}

func (c *Changelog) appendEntry(e Entry) {
	if c.tail == nil || c.tail.count == blockCapacity {
		b := &block{}
		if c.tail != nil {
			c.tail.next = b
		}
		c.tail = b
		if c.head == nil {
			c.head = b
		}
	}
	c.tail.entries[c.tail.count] = e
	c.tail.count++
	c.totalBytes += int64(len(e.Text)) + 16 // + fixed per-entry overhead
}

// trim drops entries from the head of the ring while the retention rule
// in spec §3 permits it: version older than what's still needed AND
// (older than SecondsToRemember OR the ring exceeds PreserveBytes).
func (c *Changelog) trim() {
	minNeeded := c.meta.ChlogKeepVersion()
	if c.MinVersionNeeded != nil {
		if v := c.MinVersionNeeded(); v < minNeeded {
			minNeeded = v
		}
	}
	now := uint32(c.now().Unix())

	for c.head != nil {
		if c.head.start >= c.head.count {
			if c.head.next == nil {
				break
			}
			c.head = c.head.next
			continue
		}
		e := c.head.entries[c.head.start]
		if e.Version >= minNeeded {
			break
		}
		ageOK := e.Timestamp+uint32(c.secondsToRemember/time.Second) < now
		sizeOK := c.totalBytes > c.preserveBytes
		if !ageOK && !sizeOK {
			break
		}
		c.totalBytes -= int64(len(e.Text)) + 16
		c.head.entries[c.head.start] = Entry{}
		c.head.start++
	}
}

// TotalBytes reports the ring's current accounted size (spec §8 property
// "old_changes_total_size").
func (c *Changelog) TotalBytes() int64 { return c.totalBytes }

// GetOldChanges walks the ring from minVersion (inclusive) delivering up
// to limit entries via send; it returns complete=true if every entry at
// or above minVersion was delivered (the session may enter SYNC),
// complete=false if limit was hit first (the session stays DELAYED and
// must be pumped again), matching spec §4.8.
func (c *Changelog) GetOldChanges(minVersion uint64, limit int, send func(Entry)) (delivered int, complete bool) {
	for b := c.head; b != nil; b = b.next {
		for i := b.start; i < b.count; i++ {
			e := b.entries[i]
			if e.Version < minVersion {
				continue
			}
			if delivered >= limit {
				return delivered, false
			}
			send(e)
			delivered++
		}
	}
	return delivered, true
}

// Rotate renames changelog.N.mfs -> changelog.N+1.mfs (and a compressed
// changelog.N.mfs.gz -> changelog.N+1.mfs.gz) for N = backLogs-1 down to
// 0 inside dir, replacing whatever was at backLogs, compresses segments
// 2..backLogs, then broadcasts a rotate marker (spec §4.7
// changelog_rotate). Rename
// failures for files that don't exist yet are ignored (a fresh install
// has fewer than backLogs segments).
func (c *Changelog) Rotate(dir string, backLogs int) error {
	for n := backLogs - 1; n >= 0; n-- {
		oldPath := filepath.Join(dir, fmt.Sprintf("changelog.%d.mfs", n))
		newPath := filepath.Join(dir, fmt.Sprintf("changelog.%d.mfs", n+1))
		if err := os.Rename(oldPath, newPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("changelog: rotate %s: %w", oldPath, err)
		}
		if err := os.Rename(oldPath+".gz", newPath+".gz"); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("changelog: rotate %s.gz: %w", oldPath, err)
		}
	}

	// changelog.0.mfs and changelog.1.mfs must stay plain so metaloggers
	// can still DOWNLOAD_START them directly (spec §4.8's fixed file
	// set); anything older is fair game to compress in place.
	for n := 2; n < backLogs+1; n++ {
		if err := gzipSegment(dir, n); err != nil {
			return err
		}
	}

	for _, s := range c.subscribers {
		s.BroadcastRotate()
	}
	return nil
}

// gzipSegment compresses changelog.N.mfs into changelog.N.mfs.gz and
// removes the plain copy, if the plain copy exists and no compressed
// copy has been produced yet.
func gzipSegment(dir string, n int) error {
	plainPath := filepath.Join(dir, fmt.Sprintf("changelog.%d.mfs", n))
	gzPath := plainPath + ".gz"

	in, err := os.Open(plainPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("changelog: open %s for compression: %w", plainPath, err)
	}
	defer in.Close()

	out, err := os.Create(gzPath)
	if err != nil {
		return fmt.Errorf("changelog: create %s: %w", gzPath, err)
	}
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		gz.Close()
		out.Close()
		return fmt.Errorf("changelog: compress %s: %w", plainPath, err)
	}
	if err := gz.Close(); err != nil {
		out.Close()
		return fmt.Errorf("changelog: finalize %s: %w", gzPath, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("changelog: close %s: %w", gzPath, err)
	}
	if err := os.Remove(plainPath); err != nil {
		return fmt.Errorf("changelog: remove %s after compression: %w", plainPath, err)
	}
	return nil
}

// EscapeName encodes control bytes, ',', '%' and '(' ')' as %XX, per the
// on-disk changelog file format (spec §6 changelog_escape_name).
func EscapeName(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c == 0x7f || c == ',' || c == '%' || c == '(' || c == ')' {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// UnescapeName reverses EscapeName, used by tooling that reads changelog
// files back (spec §6).
func UnescapeName(s string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' {
			if i+2 >= len(s) {
				return "", fmt.Errorf("changelog: truncated escape at %d", i)
			}
			n, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("changelog: bad escape %q: %w", s[i:i+3], err)
			}
			b.WriteByte(byte(n))
			i += 2
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String(), nil
}

// FileLine formats one on-disk changelog line per spec §6:
// "<u64_decimal>: <payload>\n" with payload escaped via EscapeName.
func FileLine(version uint64, text string) string {
	return fmt.Sprintf("%d: %s\n", version, EscapeName(text))
}
