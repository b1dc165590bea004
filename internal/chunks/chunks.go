// Package chunks implements the spec §4.9 "chunks" collaborator: the
// master's per-chunk replica table, the thin layer the MATOCS session
// handlers consult to turn per-chunkserver reports (CHUNK_NEW,
// CHUNK_LOST, CHUNK_DAMAGED, ack statuses) into replica bookkeeping. The
// chunk server's own disk engine and the on-disk metadata image are
// explicitly out of scope (spec Non-goals); this package only tracks
// "which csid holds which (chunkid,ecid) at which version" in memory.
// Grounded on the teacher's registry-of-handles pattern in
// _examples/rclone-rclone/backend/local/local.go, generalized from one
// entry per backend name to one entry per (chunkid, ecid).
package chunks

import (
	"fmt"
	"sort"
)

// Key identifies one chunk replica slot.
type Key struct {
	ChunkID uint64
	ECID    uint8
}

// Status is the outcome reported by chunk_got_*_status callbacks (spec
// §4.9).
type Status int

const (
	StatusOK Status = iota
	StatusError
	StatusNotFound
)

// replica is one chunkserver's copy of a chunk.
type replica struct {
	csid    uint16
	version uint32
	damaged bool
}

// chunkState is the full replica set for one (chunkid, ecid).
type chunkState struct {
	replicas map[uint16]*replica
	lost     bool
}

// Table is the in-memory replica directory.
type Table struct {
	chunks map[Key]*chunkState

	// bySession indexes live (chunkid,ecid) membership per csid so
	// ServerDisconnected can walk only that server's chunks instead of
	// the whole table.
	bySession map[uint16]map[Key]bool
}

// New returns an empty Table.
func New() *Table {
	return &Table{
		chunks:    make(map[Key]*chunkState),
		bySession: make(map[uint16]map[Key]bool),
	}
}

func (t *Table) state(k Key) *chunkState {
	cs, ok := t.chunks[k]
	if !ok {
		cs = &chunkState{replicas: make(map[uint16]*replica)}
		t.chunks[k] = cs
	}
	return cs
}

// ServerConnected records that csid is now live; it has no chunks until
// HasChunk reports its inventory (subtype 61, spec §4.6).
func (t *Table) ServerConnected(csid uint16) {
	if _, ok := t.bySession[csid]; !ok {
		t.bySession[csid] = make(map[Key]bool)
	}
}

// ServerDisconnected removes every replica csid held, without marking
// the chunk lost outright: other replicas may still satisfy goal (spec
// §4.5 lost_connection semantics feeding into replication planning).
func (t *Table) ServerDisconnected(csid uint16) {
	for k := range t.bySession[csid] {
		if cs, ok := t.chunks[k]; ok {
			delete(cs.replicas, csid)
			if len(cs.replicas) == 0 {
				cs.lost = true
			}
		}
	}
	delete(t.bySession, csid)
}

// RegisterEnd is a no-op hook point matching the spec's collaborator
// contract (chunk_server_register_end); inventory has already been
// applied incrementally via HasChunk as subtype-61 packets arrived.
func (t *Table) RegisterEnd(csid uint16) {}

// HasChunk records that csid holds (chunkid,ecid) at version (spec
// §4.9 chunk_server_has_chunk, fed by inventory and CHUNK_NEW reports).
func (t *Table) HasChunk(csid uint16, chunkID uint64, ecid uint8, version uint32) {
	k := Key{chunkID, ecid}
	cs := t.state(k)
	cs.replicas[csid] = &replica{csid: csid, version: version}
	cs.lost = false
	t.ServerConnected(csid)
	t.bySession[csid][k] = true
}

// ChunkLost removes csid's replica of (chunkid,ecid); nonexistent
// indicates the chunkserver reported it never had the chunk rather than
// having dropped it (spec §4.9 chunk_lost).
func (t *Table) ChunkLost(csid uint16, chunkID uint64, ecid uint8, nonexistent bool) {
	k := Key{chunkID, ecid}
	cs, ok := t.chunks[k]
	if !ok {
		return
	}
	delete(cs.replicas, csid)
	delete(t.bySession[csid], k)
	if len(cs.replicas) == 0 {
		cs.lost = true
	}
}

// ChunkDamaged flags csid's replica of (chunkid,ecid) as damaged: it
// still counts toward presence but not toward a healthy goal (spec
// §4.9 chunk_damaged).
func (t *Table) ChunkDamaged(csid uint16, chunkID uint64, ecid uint8) {
	k := Key{chunkID, ecid}
	cs, ok := t.chunks[k]
	if !ok {
		return
	}
	if r, ok := cs.replicas[csid]; ok {
		r.damaged = true
	}
}

// GotStatus applies the acknowledgement of a dispatched op or
// replication to the replica table: on success the replica's version is
// updated (or the replica removed, for deletes); on error nothing
// changes here (the ledger's reason counters record the failure) (spec
// §4.9 chunk_got_*_status).
func (t *Table) GotStatus(csid uint16, chunkID uint64, ecid uint8, version uint32, deleted bool, status Status) {
	k := Key{chunkID, ecid}
	cs := t.state(k)
	if status != StatusOK {
		return
	}
	if deleted {
		delete(cs.replicas, csid)
		delete(t.bySession[csid], k)
		return
	}
	cs.replicas[csid] = &replica{csid: csid, version: version}
}

// MFRStatus ("missing/full/replicating" status) reports csid's share of
// chunks below their replication goal, used by the CHUNK_STATUS
// periodic report to chunkservers >= 4.x (spec §4.9
// chunk_get_mfrstatus). This minimal model reports every chunk csid
// holds whose total replica count is below minGoal.
func (t *Table) MFRStatus(csid uint16, minGoal int) (belowGoal int) {
	for k := range t.bySession[csid] {
		if cs, ok := t.chunks[k]; ok && len(cs.replicas) < minGoal {
			belowGoal++
		}
	}
	return belowGoal
}

// ReplicaCount returns how many servers currently hold (chunkid,ecid).
func (t *Table) ReplicaCount(chunkID uint64, ecid uint8) int {
	cs, ok := t.chunks[Key{chunkID, ecid}]
	if !ok {
		return 0
	}
	return len(cs.replicas)
}

// ReplicaServers returns the csids holding (chunkid, ecid), sorted for
// deterministic iteration.
func (t *Table) ReplicaServers(chunkID uint64, ecid uint8) []uint16 {
	cs, ok := t.chunks[Key{chunkID, ecid}]
	if !ok {
		return nil
	}
	out := make([]uint16, 0, len(cs.replicas))
	for csid := range cs.replicas {
		out = append(out, csid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// IsLost reports whether (chunkid,ecid) currently has zero replicas.
func (t *Table) IsLost(chunkID uint64, ecid uint8) bool {
	cs, ok := t.chunks[Key{chunkID, ecid}]
	return ok && cs.lost
}

// String renders a compact diagnostic line, used by the info/status
// reporting surface.
func (t *Table) String() string {
	return fmt.Sprintf("chunks: %d tracked across %d servers", len(t.chunks), len(t.bySession))
}
