// Package ledger implements the operation and replication ledgers (spec
// §3, §5, §8 properties 3 and 4): the master's bookkeeping of in-flight
// per-chunk commands sent to chunk servers, used both to prevent
// duplicate dispatch and to account replication bandwidth. Grounded on
// the teacher's in-flight-transfer accounting in
// _examples/rclone-rclone/accounting.go (a map of in-progress items keyed
// by name, incremented/decremented around a unit of work).
package ledger

import "fmt"

// OpType enumerates the per-chunk command kinds tracked by the
// operation ledger (spec §3).
type OpType int

const (
	OpDelete OpType = iota
	OpCreate
	OpSetVersion
	OpTruncate
	OpDuplicate
	OpDupTrunc
)

// ReplType enumerates replication job kinds (spec §3, §GLOSSARY "EC").
type ReplType int

const (
	ReplSimple ReplType = iota
	ReplSplit
	ReplRecover
	ReplJoin
	ReplLocalSplit
)

// Reason tags why an operation or replication ended, for per-reason
// counters (spec §3 "reason-tagged counters").
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonDisconnect Reason = "disconnect"
	ReasonTimeout    Reason = "timeout"
	ReasonError      Reason = "error"
)

// Replication bandwidth weights (spec §3).
const (
	WeightFull      = 8
	WeightEC        = 4
	WeightLocalPart = 1 // multiplied by missing_parts
)

// ChunkKey fingerprints a chunk for both ledgers: chunkid plus its EC
// role (0 = full copy).
type ChunkKey struct {
	ChunkID uint64
	ECID    uint8
}

// ErrAlreadyPending is returned by BeginOp/BeginRepl when the
// (chunk, server) pair already has an outstanding record (spec §3
// invariant, §5 ordering guarantee).
var ErrAlreadyPending = fmt.Errorf("ledger: operation already pending for this chunk/server")

// OpRecord is one outstanding operation-ledger entry.
type OpRecord struct {
	Chunk   ChunkKey
	Version uint32
	Server  uint16
	Type    OpType
	Reason  Reason
}

// ReplRecord is one outstanding replication-ledger entry.
type ReplRecord struct {
	Dst     uint16
	Chunk   ChunkKey
	Version uint32
	Type    ReplType
	RWeight int
	WWeight int
	Reason  Reason
	Sources []uint16
}

type pendingKey struct {
	chunk  ChunkKey
	server uint16
}

// ServerStats are the per-server counters the MATOCS session reports and
// the replication selector consults (spec §3 session attributes,
// §4.6 fair scheduling).
type ServerStats struct {
	WriteCounter int
	RRepCounter  int
	WRepCounter  int
	DelCounter   int

	ReplWriteErr map[Reason]int
	ReplReadErr  map[Reason]int
	DelErr       map[Reason]int
}

func newServerStats() *ServerStats {
	return &ServerStats{
		ReplWriteErr: make(map[Reason]int),
		ReplReadErr:  make(map[Reason]int),
		DelErr:       make(map[Reason]int),
	}
}

// Ledger tracks both the operation ledger and the replication ledger,
// since spec §5 states the at-most-one-outstanding invariant spans both
// ("per (chunkid, server): at most one outstanding operation or
// replication").
type Ledger struct {
	ops     map[pendingKey]*OpRecord
	repls   map[pendingKey]*ReplRecord
	pending map[pendingKey]bool
	stats   map[uint16]*ServerStats
}

// New returns an empty Ledger.
func New() *Ledger {
	return &Ledger{
		ops:     make(map[pendingKey]*OpRecord),
		repls:   make(map[pendingKey]*ReplRecord),
		pending: make(map[pendingKey]bool),
		stats:   make(map[uint16]*ServerStats),
	}
}

// Stats returns (creating if needed) the counters for server.
func (l *Ledger) Stats(server uint16) *ServerStats {
	s, ok := l.stats[server]
	if !ok {
		s = newServerStats()
		l.stats[server] = s
	}
	return s
}

// BeginOp enqueues a per-chunk command to server, returning
// ErrAlreadyPending if one is already outstanding for (chunk, server).
func (l *Ledger) BeginOp(chunk ChunkKey, version uint32, server uint16, typ OpType) (*OpRecord, error) {
	key := pendingKey{chunk, server}
	if l.pending[key] {
		return nil, ErrAlreadyPending
	}
	rec := &OpRecord{Chunk: chunk, Version: version, Server: server, Type: typ}
	l.ops[key] = rec
	l.pending[key] = true
	if typ == OpCreate || typ == OpDuplicate || typ == OpDupTrunc {
		l.Stats(server).WriteCounter++
	}
	return rec, nil
}

// FinishOp acknowledges completion (success or not) of a pending
// operation, clearing its pending slot and decrementing any counters it
// held.
func (l *Ledger) FinishOp(chunk ChunkKey, server uint16) (*OpRecord, bool) {
	key := pendingKey{chunk, server}
	rec, ok := l.ops[key]
	if !ok {
		return nil, false
	}
	delete(l.ops, key)
	delete(l.pending, key)
	if rec.Type == OpCreate || rec.Type == OpDuplicate || rec.Type == OpDupTrunc {
		if s := l.Stats(server); s.WriteCounter > 0 {
			s.WriteCounter--
		}
	}
	return rec, true
}

// BeginRepl starts a replication job: dst receives weight WWeight on its
// wrepcounter, and each source receives weight RWeight on its
// rrepcounter (spec §3). missingParts only matters for ReplLocalSplit.
func (l *Ledger) BeginRepl(dst uint16, chunk ChunkKey, version uint32, typ ReplType, sources []uint16, missingParts int) (*ReplRecord, error) {
	key := pendingKey{chunk, dst}
	if l.pending[key] {
		return nil, ErrAlreadyPending
	}
	weight := weightFor(typ, missingParts)
	rec := &ReplRecord{
		Dst:     dst,
		Chunk:   chunk,
		Version: version,
		Type:    typ,
		RWeight: weight,
		WWeight: weight,
		Sources: append([]uint16(nil), sources...),
	}
	l.repls[key] = rec
	l.pending[key] = true
	l.Stats(dst).WRepCounter += rec.WWeight
	for _, src := range sources {
		l.Stats(src).RRepCounter += rec.RWeight
	}
	return rec, nil
}

func weightFor(typ ReplType, missingParts int) int {
	switch typ {
	case ReplLocalSplit:
		if missingParts < 1 {
			missingParts = 1
		}
		return WeightLocalPart * missingParts
	case ReplSplit, ReplRecover, ReplJoin:
		return WeightEC
	default:
		return WeightFull
	}
}

// FinishRepl completes a replication job (spec §8 property 3):
// counters decrement by exactly the weights recorded at BeginRepl time,
// regardless of how much time has passed or how the counters moved in
// between for other chunks.
func (l *Ledger) FinishRepl(chunk ChunkKey, dst uint16, success bool, reason Reason) (*ReplRecord, bool) {
	key := pendingKey{chunk, dst}
	rec, ok := l.repls[key]
	if !ok {
		return nil, false
	}
	delete(l.repls, key)
	delete(l.pending, key)

	dstStats := l.Stats(dst)
	dstStats.WRepCounter -= rec.WWeight
	if dstStats.WRepCounter < 0 {
		dstStats.WRepCounter = 0
	}
	for _, src := range rec.Sources {
		s := l.Stats(src)
		s.RRepCounter -= rec.RWeight
		if s.RRepCounter < 0 {
			s.RRepCounter = 0
		}
	}
	if !success {
		dstStats.ReplWriteErr[reason]++
		for _, src := range rec.Sources {
			l.Stats(src).ReplReadErr[reason]++
		}
	}
	return rec, true
}

// FailSession finalizes every outstanding op and replication record that
// involves csid (as operation target, replication destination, or
// replication source) as a failure, tagging reason on the affected
// counters and returning the records removed (spec §3 "on session kill
// all its records are finalised as failures").
func (l *Ledger) FailSession(csid uint16, reason Reason) (ops []*OpRecord, repls []*ReplRecord) {
	for key, rec := range l.ops {
		if key.server == csid {
			rec.Reason = reason
			ops = append(ops, rec)
			delete(l.ops, key)
			delete(l.pending, key)
			if rec.Type == OpCreate || rec.Type == OpDuplicate || rec.Type == OpDupTrunc {
				if s := l.Stats(csid); s.WriteCounter > 0 {
					s.WriteCounter--
				}
			}
			l.Stats(csid).DelErr[reason]++
		}
	}
	for key, rec := range l.repls {
		involved := rec.Dst == csid
		if !involved {
			for _, src := range rec.Sources {
				if src == csid {
					involved = true
					break
				}
			}
		}
		if !involved {
			continue
		}
		rec.Reason = reason
		repls = append(repls, rec)
		delete(l.repls, key)
		delete(l.pending, key)
		dstStats := l.Stats(rec.Dst)
		dstStats.WRepCounter -= rec.WWeight
		if dstStats.WRepCounter < 0 {
			dstStats.WRepCounter = 0
		}
		dstStats.ReplWriteErr[reason]++
		for _, src := range rec.Sources {
			s := l.Stats(src)
			s.RRepCounter -= rec.RWeight
			if s.RRepCounter < 0 {
				s.RRepCounter = 0
			}
			if src == csid {
				s.ReplReadErr[reason]++
			}
		}
	}
	return ops, repls
}

// PendingCount returns the number of outstanding ops plus replications,
// for tests and diagnostics.
func (l *Ledger) PendingCount() int {
	return len(l.ops) + len(l.repls)
}
