package matoml

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// checkpointBucket holds one key per metalogger identity, so its
// last-acknowledged changelog version survives a master restart (spec
// §4.8's SYNC/DELAYED catch-up otherwise has to replay from version 0
// after every restart). Grounded on the teacher's embedded-KV usage
// pattern for small, durable, single-writer state.
var checkpointBucket = []byte("matoml_checkpoints")

// CheckpointStore persists each metalogger's last-acknowledged version
// keyed by a stable client identity (typically ip:port or a registered
// session token).
type CheckpointStore struct {
	db *bolt.DB
}

// OpenCheckpointStore opens (creating if needed) the bbolt file at path.
func OpenCheckpointStore(path string) (*CheckpointStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("matoml: open checkpoint store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("matoml: init checkpoint bucket: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Close releases the underlying bbolt file.
func (c *CheckpointStore) Close() error { return c.db.Close() }

// Save records clientID's last-acknowledged version.
func (c *CheckpointStore) Save(clientID string, version uint64) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, version)
		return b.Put([]byte(clientID), buf)
	})
}

// Load returns clientID's last-acknowledged version, or 0 if unknown
// (a fresh metalogger replays from the beginning).
func (c *CheckpointStore) Load(clientID string) (uint64, error) {
	var version uint64
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(checkpointBucket)
		v := b.Get([]byte(clientID))
		if v == nil {
			return nil
		}
		if len(v) != 8 {
			return fmt.Errorf("matoml: corrupt checkpoint for %q", clientID)
		}
		version = binary.BigEndian.Uint64(v)
		return nil
	})
	return version, err
}
