// Package metadata implements the spec §4.9 metadata collaborator: the
// monotonic version counter, the instance identifier, the changelog's
// keep-version floor, and the on-disk metadata store trigger. Grounded
// on the teacher's mutex-guarded counter struct in
// _examples/rclone-rclone/accounting.go's Stats (a single lock protecting
// a handful of int64 counters, with typed accessor methods instead of
// exported fields).
package metadata

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
)

// Store is the metadata module: version counter, stable instance id, and
// the trigger for a full metadata dump.
type Store struct {
	mu sync.Mutex

	version    uint64
	id         uint64
	keepVersion uint64

	dir      string
	dumpFunc func(path string) error
}

// New constructs a Store. dir is where metadata.mfs.back is written by
// DoStoreMetadata; id is generated once and persisted by the caller (spec says
// "meta_get_id" is stable across restarts, so callers load a previously
// saved id and pass it here rather than letting New mint a fresh one
// every start).
func New(dir string, id uint64, startVersion uint64) *Store {
	if id == 0 {
		id = randomID()
	}
	return &Store{
		dir:     dir,
		id:      id,
		version: startVersion,
	}
}

// randomID derives a 64-bit instance id from a fresh UUID, used only
// when no persisted id is available (first boot).
func randomID() uint64 {
	u := uuid.New()
	var v uint64
	for _, b := range u[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// IncVersion assigns and returns the next changelog version (spec §4.9
// meta_version_inc).
func (s *Store) IncVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version
}

// Version returns the current version without incrementing it (spec
// §4.9 meta_version).
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// ID returns the instance identifier reported in MASTER_ACK and STATE
// replies (spec §4.9 meta_get_id).
func (s *Store) ID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// SetKeepVersion records the lowest version any live subscriber (a
// SYNC/DELAYED metalogger, or an in-flight snapshot download) still
// needs, used by the changelog ring's trim rule (spec §4.9
// meta_chlog_keep_version).
func (s *Store) SetKeepVersion(v uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepVersion = v
}

// ChlogKeepVersion implements changelog.MetaSource.
func (s *Store) ChlogKeepVersion() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepVersion
}

// SetDumpFunc installs the function used by DoStoreMetadata to actually
// serialise the in-memory filesystem tree; left nil in components that
// never exercise the real dump (the core this module lives in is
// explicitly scoped away from the metadata image format, spec
// Non-goals).
func (s *Store) SetDumpFunc(f func(path string) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dumpFunc = f
}

// DoStoreMetadata triggers a full metadata dump to metadata.mfs.back,
// then atomically renames it over metadata.mfs (spec §4.9
// meta_do_store_metadata). With no dump function installed it still
// rotates any existing metadata.mfs.back out of the way, mirroring the
// observable side effect callers depend on (spec §6 file list).
func (s *Store) DoStoreMetadata() error {
	s.mu.Lock()
	dumpFunc := s.dumpFunc
	dir := s.dir
	s.mu.Unlock()

	backPath := dir + string(os.PathSeparator) + "metadata.mfs.back"
	finalPath := dir + string(os.PathSeparator) + "metadata.mfs"

	if dumpFunc != nil {
		if err := dumpFunc(backPath); err != nil {
			return fmt.Errorf("metadata: dump: %w", err)
		}
	} else if _, err := os.Stat(backPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("metadata: stat %s: %w", backPath, err)
	}

	if err := os.Rename(backPath, finalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("metadata: rename %s: %w", backPath, err)
	}
	return nil
}
