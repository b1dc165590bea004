package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aalpar/deheap"
	"github.com/sirupsen/logrus"
)

// replayChangelogs implements `mfsmaster restore`. Rotated changelog
// segments can have overlapping version ranges (a metalogger's own
// rotation cadence need not match the master's), so entries across every
// changelog.N.mfs file in dir are merged by version using the same
// k-way heap merge as merger_loop/merger_heap_sort_* (spec
// original_source/mfsmaster/merger.c): the file with the lowest pending
// version is always advanced next, one entry at a time. With no
// in-memory filesystem tree to apply operations to (spec Non-goals
// exclude the metadata image format), "applying" an entry means catching
// meta's version counter up to it; garbage entries (a version that
// doesn't advance, mirroring merger.c's own "found garbage at the end of
// file" check) are logged and skipped rather than applied.
func (d *daemon) replayChangelogs(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "changelog.*.mfs"))
	if err != nil {
		return fmt.Errorf("restore: glob %s: %w", dir, err)
	}

	var sources mergeHeap
	for _, path := range paths {
		src, err := openChangelogSource(path)
		if err != nil {
			return fmt.Errorf("restore: %s: %w", path, err)
		}
		if src != nil {
			sources = append(sources, src)
		}
	}
	defer func() {
		for _, s := range sources {
			s.f.Close()
		}
	}()
	deheap.Init(&sources)

	var lines int
	var lastVersion uint64
	haveLast := false
	for sources.Len() > 0 {
		src := deheap.Pop(&sources).(*changelogSource)
		v := uint64(src.nextID)

		if !haveLast || v > lastVersion {
			for d.meta.Version() < v {
				d.meta.IncVersion()
			}
			lastVersion = v
			haveLast = true
			lines++
		} else {
			logrus.Warnf("mfsmaster: restore: %s: out-of-order changelog entry at version %d (last applied %d), skipped", src.path, v, lastVersion)
		}

		if src.advance() {
			deheap.Push(&sources, src)
		} else {
			src.f.Close()
		}
	}

	if err := d.meta.DoStoreMetadata(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	fmt.Printf("mfsmaster: restore: replayed %d changelog lines from %s, version now %d\n", lines, dir, d.meta.Version())
	return nil
}

// changelogSource is one open changelog.N.mfs file positioned at its next
// unread entry, the unit merger.c's heap entries track per file.
type changelogSource struct {
	path   string
	f      *os.File
	sc     *bufio.Scanner
	nextID int64
	index  int // maintained by deheap
}

// openChangelogSource opens path and primes it with its first parseable
// entry; it returns a nil source (not an error) for a file with no
// parseable lines, mirroring merger_new_entry's open-and-skip-if-empty
// behavior for a changelog with nothing usable in it.
func openChangelogSource(path string) (*changelogSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	src := &changelogSource{path: path, f: f, sc: sc}
	if !src.advance() {
		f.Close()
		return nil, nil
	}
	return src, nil
}

// advance scans forward to the next parseable "<version>: <payload>"
// line, skipping malformed ones; it reports whether one was found.
func (c *changelogSource) advance() bool {
	for c.sc.Scan() {
		if v, ok := parseChangelogVersion(c.sc.Text()); ok {
			c.nextID = int64(v)
			return true
		}
	}
	return false
}

func parseChangelogVersion(line string) (uint64, bool) {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return 0, false
	}
	v, err := strconv.ParseUint(line[:colon], 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// mergeHeap is the deheap.Interface binding merger.c's heap-of-files
// merge to *changelogSource, ordered by each source's next pending
// version.
type mergeHeap []*changelogSource

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].nextID < h[j].nextID }
func (h mergeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *mergeHeap) Push(x any) {
	src := x.(*changelogSource)
	src.index = len(*h)
	*h = append(*h, src)
}
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}

// scanChangelogFile returns the line count and highest version found in a
// single changelog.N.mfs file, independent of the cross-file merge
// replayChangelogs performs; only the tests call it.
func scanChangelogFile(path string) (lines int, maxVersion uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		v, ok := parseChangelogVersion(sc.Text())
		if !ok {
			continue
		}
		lines++
		if v > maxVersion {
			maxVersion = v
		}
	}
	return lines, maxVersion, sc.Err()
}
