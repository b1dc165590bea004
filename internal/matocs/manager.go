package matocs

import (
	"fmt"
	"hash/fnv"
	"sort"
	"time"

	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/mfscore/mfsmaster/internal/topology"
)

// Thresholds bundles the tunables read from config (spec §3, §4.6).
type Thresholds struct {
	HeavyLoadThreshold      uint32
	HeavyLoadRatioThreshold float64
	HeavyLoadGracePeriod    time.Duration
}

// DefaultThresholds matches the historical mfsmaster.cfg defaults.
var DefaultThresholds = Thresholds{
	HeavyLoadThreshold:      150,
	HeavyLoadRatioThreshold: 3.0,
	HeavyLoadGracePeriod:    900 * time.Second,
}

// Manager owns the set of live MATOCS sessions plus the scheduling
// state shared across them: heavy-load evaluation, write placement and
// the replication selector (spec §4.6).
type Manager struct {
	CSDB       *csdb.DB
	Ledger     *ledger.Ledger
	Topology   *topology.Topology
	Thresholds Thresholds
	Now        func() time.Time

	sessions map[uint64]*Session
	nextID   uint64
}

// NewManager constructs a Manager; Now defaults to time.Now.
func NewManager(db *csdb.DB, l *ledger.Ledger, topo *topology.Topology, th Thresholds) *Manager {
	now := time.Now
	return &Manager{
		CSDB:       db,
		Ledger:     l,
		Topology:   topo,
		Thresholds: th,
		Now:        now,
		sessions:   make(map[uint64]*Session),
	}
}

// NewSession registers a fresh, unregistered session and returns it.
func (m *Manager) NewSession(peerIP uint32) *Session {
	m.nextID++
	s := &Session{ID: m.nextID, PeerIP: peerIP, State: StateUnregistered}
	m.sessions[s.ID] = s
	return s
}

// Sessions returns every live session, ordered by csid for deterministic
// reporting.
func (m *Manager) Sessions() []*Session {
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	sortByCSID(out)
	return out
}

// Kill tears a session down: finalizes its ledger records as failed,
// detaches it from the CSDB and removes it from the live set (spec
// §4.1, §4.5, §7).
func (m *Manager) Kill(s *Session) {
	s.State = StateKilled
	if m.Ledger != nil {
		m.Ledger.FailSession(s.CSID, ledger.ReasonDisconnect)
	}
	if m.CSDB != nil && s.Entry != nil {
		m.CSDB.LostConnection(s.Entry)
	}
	delete(m.sessions, s.ID)
}

// RegisterHost processes the handshake (subtype 60, spec §4.6
// scenario A): finds/creates the CSDB entry and moves the session to
// Waiting, awaiting the chunk inventory stream.
func (m *Manager) RegisterHost(s *Session, servIP uint32, servPort uint16, csid uint16, version uint32, timeout time.Duration, used, total uint64, chunkCount uint32) (mode byte, assignedCSID uint16, err error) {
	entry, err := m.CSDB.NewConnection(servIP, servPort, csid, csdb.SessionID(s.ID))
	if err != nil {
		return 0, 0, err
	}
	s.Entry = entry
	s.CSID = entry.CSID
	s.ServIP = servIP
	s.ServPort = servPort
	s.Version = version
	s.Timeout = timeout
	s.UsedSpace = used
	s.TotalSpace = total
	s.ChunkCount = chunkCount
	s.State = StateWaiting

	mode = byte(1)
	if csid != 0 && csid == entry.CSID {
		mode = 0 // known server, same identity
	}
	return mode, entry.CSID, nil
}

// RegisterEnd finalizes registration (subtype 62): the session is now
// REGISTERED and fully eligible for placement/replication selection.
func (m *Manager) RegisterEnd(s *Session) {
	s.State = StateRegistered
}

// UpdateSpace applies a SPACE report (spec §4.6).
func (m *Manager) UpdateSpace(s *Session, used, total, todelUsed, todelTotal uint64, chunkCount, todelChunkCount uint32) {
	s.UsedSpace, s.TotalSpace = used, total
	s.TodelUsedSpace, s.TodelTotalSpace = todelUsed, todelTotal
	s.ChunkCount, s.TodelChunkCount = chunkCount, todelChunkCount
}

// UpdateLoad applies a CURRENT_LOAD report and evaluates the heavy-load
// trigger against the rest of the fleet (spec §3, §8 property 5,
// scenario B).
func (m *Manager) UpdateLoad(s *Session, load uint32, hlStatus *HeavyLoadStatus, rc *ReceivingChunks) {
	s.Load = load
	if hlStatus != nil {
		s.HLStatus = *hlStatus
	}
	if rc != nil {
		s.ReceivingChunks = *rc
	}

	now := m.Now()
	if m.isOverloaded(s) {
		if s.HeavyLoadSince.IsZero() || now.Sub(s.HeavyLoadSince) >= m.Thresholds.HeavyLoadGracePeriod {
			s.HeavyLoadSince = now
		}
	}
}

// isOverloaded implements spec §3's heavy-load predicate: load exceeds
// both an absolute threshold and a ratio over the average load of every
// other registered server.
func (m *Manager) isOverloaded(s *Session) bool {
	if s.Load <= m.Thresholds.HeavyLoadThreshold {
		return false
	}
	var total uint64
	var count int
	for _, other := range m.sessions {
		if other == s || other.State != StateRegistered {
			continue
		}
		total += uint64(other.Load)
		count++
	}
	if count == 0 {
		return true // no peers to compare against: an absolute-threshold breach alone overloads it
	}
	avg := float64(total) / float64(count)
	return float64(s.Load) > avg*m.Thresholds.HeavyLoadRatioThreshold
}

// IsHeavyLoaded reports whether s is currently within its heavy-load
// grace window (excluded from writes/replication targets).
func (m *Manager) IsHeavyLoaded(s *Session) bool {
	if s.HeavyLoadSince.IsZero() {
		return false
	}
	return m.Now().Sub(s.HeavyLoadSince) < m.Thresholds.HeavyLoadGracePeriod
}

// jitter returns a deterministic per-server per-second offset in [0,1)
// (spec §4.6 "Jitter is a deterministic per-server per-second offset").
func jitter(csid uint16, now time.Time) float64 {
	h := fnv.New32a()
	fmt.Fprintf(h, "%d:%d", csid, now.Unix())
	return float64(h.Sum32()%1000) / 1000.0
}

// ReplicationWriteCounter implements spec §4.6's fair-write-scheduling
// formula: wrepcounter/8 + jitter(csid, now).
func (m *Manager) ReplicationWriteCounter(s *Session, now time.Time) float64 {
	stats := m.Ledger.Stats(s.CSID)
	return float64(stats.WRepCounter)/8.0 + jitter(s.CSID, now)
}

// ReplicationReadCounter is the read-side analogue.
func (m *Manager) ReplicationReadCounter(s *Session, now time.Time) float64 {
	stats := m.Ledger.Stats(s.CSID)
	return float64(stats.RRepCounter)/8.0 + jitter(s.CSID, now)
}

// SelectReplicationDestinations filters candidates to those eligible as
// replication targets under replimit (spec §4.6, §8 property 4): a
// destination in maintenance or whose write counter is >= replimit is
// always excluded; a heavy-loaded server under replimit ("overloaded but
// ok") is excluded too unless highPriority is true, in which case it is
// appended after the standard pool.
func (m *Manager) SelectReplicationDestinations(candidates []*Session, replimit float64, highPriority bool) []*Session {
	now := m.Now()
	var standard, overloadedButOK []*Session
	for _, s := range candidates {
		if s.State != StateRegistered {
			continue
		}
		inMaintenance := s.Entry != nil && s.Entry.Maintenance != csdb.MaintenanceNone
		counter := m.ReplicationWriteCounter(s, now)
		heavy := m.IsHeavyLoaded(s)
		switch {
		case inMaintenance:
			continue
		case !heavy && counter < replimit:
			standard = append(standard, s)
		case heavy && counter < replimit:
			overloadedButOK = append(overloadedButOK, s)
		}
	}
	if !highPriority {
		return standard
	}
	return append(standard, overloadedButOK...)
}

// sortByCSID orders sessions by csid so Sessions() reports them
// deterministically.
func sortByCSID(sessions []*Session) {
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CSID < sessions[j].CSID })
}
