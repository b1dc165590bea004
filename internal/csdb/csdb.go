// Package csdb implements the ChunkServer Database (spec §3, §4.5): the
// master's directory of chunk servers, as distinct from their live
// MATOCS sessions. Grounded on the teacher's registry pattern in
// _examples/rclone-rclone/backend/local/local.go's fs.Register/fs.Find
// (a process-wide table of identities looked up by a stable key, here
// (ip,port) and csid instead of a backend name).
package csdb

import (
	"fmt"
	"sort"
	"time"
)

// SessionID identifies a live MATOCS session; 0 means "no live session".
type SessionID uint64

// Maintenance is the chunk server's maintenance mode.
type Maintenance int

const (
	MaintenanceNone Maintenance = iota
	MaintenanceNormal
	MaintenanceTemporary
)

// ChangeLogger is the minimal subset of internal/changelog's API the CSDB
// needs; kept as an interface here to avoid csdb depending on changelog's
// persistence machinery (ledger/csdb/changelog import in one direction
// only, per spec §4.9's collaborator-interface principle).
type ChangeLogger interface {
	Changelog(format string, args ...interface{})
}

// Entry is one CSDB record (spec §3 "ChunkServer record").
type Entry struct {
	IP   uint32
	Port uint16
	CSID uint16 // 0 == unassigned

	Connected        bool
	Maintenance      Maintenance
	MaintenanceUntil time.Time
	TmpRemoved       bool

	Load           uint32
	LastHeavyLoad  time.Time
	LastDisconnect time.Time

	Session SessionID
}

type addrKey struct {
	ip   uint32
	port uint16
}

// DB is the in-memory chunk-server directory. All mutation happens on
// the single event-loop goroutine (spec §5); DB itself holds no locks.
type DB struct {
	byCSID map[uint16]*Entry
	byAddr map[addrKey]*Entry
	nextID uint16

	changelog ChangeLogger
	now       func() time.Time

	connectedCount    int
	disconnectedCount int
	maintDiscCount    int
}

// New returns an empty DB. cl may be nil (no changelog side effects,
// useful in unit tests); now defaults to time.Now.
func New(cl ChangeLogger, now func() time.Time) *DB {
	if now == nil {
		now = time.Now
	}
	return &DB{
		byCSID:    make(map[uint16]*Entry),
		byAddr:    make(map[addrKey]*Entry),
		changelog: cl,
		now:       now,
	}
}

func (d *DB) log(format string, args ...interface{}) {
	if d.changelog != nil {
		d.changelog.Changelog(format, args...)
	}
}

// allocCSID returns the lowest unused, nonzero csid (spec §9: "keep the
// deterministic csid assignment (lowest free) because it appears in the
// wire protocol").
func (d *DB) allocCSID() uint16 {
	for id := uint16(1); id != 0; id++ {
		if _, used := d.byCSID[id]; !used {
			return id
		}
	}
	panic("csdb: csid space exhausted")
}

// NewConnection registers (or reconnects) a chunk server session. If
// csid is nonzero and known, that entry is reused (fast path for a
// returning server); an IP/port change on a known csid emits a
// NEWIPPORT changelog event and reindexes the address table. Otherwise
// the (ip,port) hash is consulted, reusing a disconnected entry in
// place; if csid was supplied but collides with a different live entry,
// a fresh csid is allocated instead (spec §4.5).
func (d *DB) NewConnection(ip uint32, port uint16, csid uint16, session SessionID) (*Entry, error) {
	if csid != 0 {
		if e, ok := d.byCSID[csid]; ok {
			if e.IP != ip || e.Port != port {
				delete(d.byAddr, addrKey{e.IP, e.Port})
				d.log("NEWIPPORT(%d,%d,%d)", csid, ip, port)
				e.IP, e.Port = ip, port
				d.byAddr[addrKey{ip, port}] = e
			}
			d.attach(e, session)
			return e, nil
		}
	}

	if e, ok := d.byAddr[addrKey{ip, port}]; ok {
		if e.CSID != 0 && csid != 0 && e.CSID != csid {
			// csid collision with an existing different server at the
			// same address: the entry keeps its existing csid (the id
			// allocated here is not assigned to it), so the reported
			// csid is dropped rather than the existing identity.
			csid = d.allocCSID()
		}
		d.attach(e, session)
		return e, nil
	}

	if csid == 0 {
		csid = d.allocCSID()
	} else if _, used := d.byCSID[csid]; used {
		csid = d.allocCSID()
	}

	e := &Entry{IP: ip, Port: port, CSID: csid}
	d.byCSID[csid] = e
	d.byAddr[addrKey{ip, port}] = e
	d.attach(e, session)
	return e, nil
}

func (d *DB) attach(e *Entry, session SessionID) {
	wasConnected := e.Connected
	if e.Maintenance == MaintenanceTemporary {
		// §9 open question: reconnection auto-clears temporary
		// maintenance (csdb_self_check's documented behavior, kept
		// verbatim per the source quirk note rather than "fixed").
		e.Maintenance = MaintenanceNone
		e.MaintenanceUntil = time.Time{}
	}
	e.Connected = true
	e.TmpRemoved = false
	e.Session = session
	if !wasConnected {
		d.connectedCount++
		if d.disconnectedCount > 0 {
			d.disconnectedCount--
		}
	}
}

// LostConnection marks e disconnected: spec §4.5 lost_connection.
func (d *DB) LostConnection(e *Entry) {
	if !e.Connected {
		return
	}
	e.Connected = false
	e.Session = 0
	e.LastDisconnect = d.now()
	d.connectedCount--
	d.disconnectedCount++
	if e.Maintenance == MaintenanceTemporary {
		e.Maintenance = MaintenanceNone
		e.MaintenanceUntil = time.Time{}
	}
}

// RemoveServer deletes e, only permitted while disconnected (spec §4.5
// remove_server).
func (d *DB) RemoveServer(ip uint32, port uint16) error {
	e, ok := d.byAddr[addrKey{ip, port}]
	if !ok {
		return fmt.Errorf("csdb: no such server %d:%d", ip, port)
	}
	if e.Connected {
		return fmt.Errorf("csdb: server %d:%d still connected", ip, port)
	}
	delete(d.byAddr, addrKey{ip, port})
	delete(d.byCSID, e.CSID)
	d.disconnectedCount--
	d.log("DEL(%d,%d,%d)", e.CSID, ip, port)
	return nil
}

// RemoveUnused drops entries disconnected longer than daysToRemove days
// (0 = never remove, capped at 365); called on a 600s timer (spec §4.5).
func (d *DB) RemoveUnused(daysToRemove int) int {
	if daysToRemove <= 0 {
		return 0
	}
	if daysToRemove > 365 {
		daysToRemove = 365
	}
	cutoff := d.now().Add(-time.Duration(daysToRemove) * 24 * time.Hour)
	var toRemove []addrKey
	for key, e := range d.byAddr {
		if !e.Connected && !e.LastDisconnect.IsZero() && e.LastDisconnect.Before(cutoff) {
			toRemove = append(toRemove, key)
		}
	}
	for _, key := range toRemove {
		_ = d.RemoveServer(key.ip, key.port)
	}
	return len(toRemove)
}

// SetMaintenance toggles maintenance mode; timeout comes from the
// caller-supplied MaintenanceModeTimeout config value (spec §4.5).
func (d *DB) SetMaintenance(ip uint32, port uint16, on bool, timeout time.Duration) error {
	e, ok := d.byAddr[addrKey{ip, port}]
	if !ok {
		return fmt.Errorf("csdb: no such server %d:%d", ip, port)
	}
	if on {
		e.Maintenance = MaintenanceNormal
		e.MaintenanceUntil = d.now().Add(timeout)
		d.log("MAINTENANCEON(%d)", e.CSID)
	} else {
		e.Maintenance = MaintenanceNone
		e.MaintenanceUntil = time.Time{}
		d.log("MAINTENANCEOFF(%d)", e.CSID)
	}
	return nil
}

// SortServers returns all non-tmp-removed entries ordered by (ip,port)
// for deterministic reporting (spec §4.5 sort_servers).
func (d *DB) SortServers() []*Entry {
	out := make([]*Entry, 0, len(d.byAddr))
	for _, e := range d.byAddr {
		if !e.TmpRemoved {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IP != out[j].IP {
			return out[i].IP < out[j].IP
		}
		return out[i].Port < out[j].Port
	})
	return out
}

// ByCSID looks up an entry by its stable csid.
func (d *DB) ByCSID(csid uint16) (*Entry, bool) {
	e, ok := d.byCSID[csid]
	return e, ok
}

// HaveAllServers reports whether every known server is currently
// connected (spec §4.5 have_all_servers).
func (d *DB) HaveAllServers() bool {
	return d.disconnectedCount == 0
}

// HaveMoreThanHalfServers reports whether a strict majority of known
// servers are connected (spec §4.5 have_more_than_half_servers).
func (d *DB) HaveMoreThanHalfServers() bool {
	total := d.connectedCount + d.disconnectedCount
	if total == 0 {
		return true
	}
	return d.connectedCount*2 > total
}

// ReplicateUndergoals reports true unless every disconnected server is
// currently in maintenance (spec §4.5 replicate_undergoals): i.e. it is
// safe to skip urgent under-replication repair only when all missing
// copies are explained by planned maintenance.
func (d *DB) ReplicateUndergoals() bool {
	for _, e := range d.byAddr {
		if !e.Connected && e.Maintenance == MaintenanceNone {
			return true
		}
	}
	return false
}

// SelfCheck re-verifies the connected/disconnected/maintenance-disconnected
// counter invariants every second (spec §4.5) and corrects drift,
// returning true if a correction was made (caller logs a warning).
func (d *DB) SelfCheck() bool {
	connected, disconnected, maintDisc := 0, 0, 0
	for _, e := range d.byAddr {
		if e.Connected {
			connected++
		} else {
			disconnected++
			if e.Maintenance != MaintenanceNone {
				maintDisc++
			}
		}
	}
	corrected := connected != d.connectedCount || disconnected != d.disconnectedCount || maintDisc != d.maintDiscCount
	d.connectedCount, d.disconnectedCount, d.maintDiscCount = connected, disconnected, maintDisc
	return corrected
}

// Count returns the total number of known servers.
func (d *DB) Count() int { return len(d.byAddr) }
