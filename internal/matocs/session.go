// Package matocs implements the master<->chunkserver protocol session
// state machine, periodic reports, per-chunk command dispatch and the
// write-placement / replication-selection logic (spec §3 "Session",
// §4.6, §8 properties 4-5, scenarios A-C). Grounded on the teacher's
// connection/registration handshake style in
// _examples/rclone-rclone/backend/local/local.go's fs.NewFs (parse
// options, validate, return a live handle) generalized to a stateful
// network session instead of a one-shot constructor.
package matocs

import (
	"time"

	"github.com/mfscore/mfsmaster/internal/csdb"
)

// State is the MATOCS session lifecycle (spec §3).
type State int

const (
	StateUnregistered State = iota
	StateWaiting
	StateRegistered
	StateKilled
)

// HeavyLoadStatus mirrors the enum reported in CURRENT_LOAD (spec §3).
type HeavyLoadStatus int

const (
	HLDefault HeavyLoadStatus = iota
	HLOk
	HLOverloaded
	HLLSRebalance
	HLGraceful
	HLHSRebalance
)

// ReceivingChunks is the bitmask reported alongside CURRENT_LOAD on
// servers new enough to send it (spec §4.6, protocol version >= 4.32).
type ReceivingChunks uint8

const (
	ReceivingNone    ReceivingChunks = 0
	ReceivingNew     ReceivingChunks = 1 << 0
	ReceivingLost    ReceivingChunks = 1 << 1
	ReceivingNewLost ReceivingChunks = ReceivingNew | ReceivingLost
)

// Session is one live MATOCS connection's mutable state.
type Session struct {
	ID     uint64
	PeerIP uint32

	ServIP   uint32
	ServPort uint16
	Version  uint32 // VERSHEX-encoded, e.g. 0x04320000 for 4.50.0... style major.minor.patch packed
	Timeout  time.Duration

	CSID  uint16
	Entry *csdb.Entry

	UsedSpace, TotalSpace         uint64
	TodelUsedSpace, TodelTotalSpace uint64
	ChunkCount, TodelChunkCount   uint32

	ErrorCounter int
	LabelMask    uint32
	LabelStr     string

	Load            uint32
	HLStatus        HeavyLoadStatus
	HeavyLoadSince  time.Time
	ReceivingChunks ReceivingChunks

	State State

	// Nonce holds the subtype-60 challenge issued on a no-password
	// registration attempt, checked against the MD5 proof on retry
	// (spec §3, §4.6).
	Nonce [32]byte
}

// FreeSpace returns TotalSpace-UsedSpace, floored at 0.
func (s *Session) FreeSpace() uint64 {
	if s.UsedSpace >= s.TotalSpace {
		return 0
	}
	return s.TotalSpace - s.UsedSpace
}

// IsStandard reports whether s is eligible as a "standard" write target
// per spec §4.6: not overloaded, not in maintenance, not HSRebalance,
// and with enough free space given its current outstanding writecounter.
func (s *Session) IsStandard(writeCounter int, now time.Time, heavyLoadGrace time.Duration) bool {
	if s.Entry != nil && s.Entry.Maintenance != csdb.MaintenanceNone {
		return false
	}
	if s.HLStatus == HLHSRebalance {
		return false
	}
	if s.heavyLoadActive(now, heavyLoadGrace) {
		return false
	}
	const chunkSize = 64 << 20
	required := uint64(chunkSize) * uint64(1+10*writeCounter)
	return s.FreeSpace() >= required
}

// InGrace reports whether s is in the Graceful/LSRebalance grace pool
// (spec §4.6 "more than 20% of candidates in grace").
func (s *Session) InGrace() bool {
	return s.HLStatus == HLGraceful || s.HLStatus == HLLSRebalance
}

// heavyLoadActive reports whether s is within its heavy-load grace
// window (spec §3, §8 property 5).
func (s *Session) heavyLoadActive(now time.Time, grace time.Duration) bool {
	if s.HeavyLoadSince.IsZero() {
		return false
	}
	return now.Sub(s.HeavyLoadSince) < grace
}
