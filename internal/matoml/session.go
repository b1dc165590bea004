// Package matoml implements the master's metalogger & supervisor
// protocol (spec §4.8): registration (simple, advanced, supervisor),
// changelog catch-up (SYNC vs DELAYED), the metadata-image download
// handshake, and the broadcast hooks the changelog ring calls into.
// Grounded on the teacher's session/connection handling style in
// _examples/rclone-rclone/backend/local/local.go (open/validate/serve a
// single logical peer over explicit read/write calls) generalized from
// a filesystem handle to a persistent replica connection.
package matoml

import (
	"fmt"
	"os"
	"time"
)

// Kind distinguishes the three register variants (spec §4.8).
type Kind int

const (
	KindSimple Kind = iota
	KindAdvanced
	KindSupervisor
)

// CatchUpState tracks whether a metalogger has drained the backlog.
type CatchUpState int

const (
	StateRegistering CatchUpState = iota
	StateSync                     // caught up; eligible for live broadcasts
	StateDelayed                  // still draining GetOldChanges in small batches
)

// catchUpLimit bounds how many entries one GetOldChanges pump delivers
// per loop iteration (spec §4.8 "limit=10000").
const catchUpLimit = 10000

// ChangelogSource is the subset of internal/changelog's API a matoml
// session needs.
type ChangelogSource interface {
	GetOldChanges(minVersion uint64, limit int, send func(version uint64, line []byte)) (delivered int, complete bool)
	Subscribe(s Subscriber)
	Unsubscribe(s Subscriber)
}

// Subscriber matches changelog.Subscriber's shape; matoml implements it
// directly so the two packages don't need to import each other's
// concrete types.
type Subscriber interface {
	BroadcastLog(version uint64, line []byte)
	BroadcastRotate()
}

// MetaSource supplies the fields a STATE reply needs (spec §4.8
// "STATE(…, meta_version, meta_id, utime, …)") and the dump trigger a
// supervisor's STORE_METADATA pokes (original_source/mfscommon/
// mastersupervisor.c's "store" mode sends exactly this request).
type MetaSource interface {
	Version() uint64
	ID() uint64
	DoStoreMetadata() error
}

// Sender is how a Session emits outbound packets; the wire framing and
// socket ownership live one layer up, in the session's caller.
type Sender interface {
	Send(packetType uint32, body []byte)
}

// downloadHandle tracks one in-flight DOWNLOAD_START..DOWNLOAD_END
// sequence (spec §4.8).
type downloadHandle struct {
	file *os.File
	size int64
}

// Session is one live metalogger or supervisor connection.
type Session struct {
	Kind     Kind
	State    CatchUpState
	Version  uint32
	Timeout  time.Duration
	ClientID string // stable identity used to key the checkpoint store

	reqMinVersion uint64
	lastSent      uint64

	download *downloadHandle

	changelog  ChangelogSource
	meta       MetaSource
	send       Sender
	now        func() time.Time
	checkpoint *CheckpointStore
}

// New constructs a Session bound to its collaborators. checkpoint may be
// nil, in which case last-acknowledged versions are not persisted across
// restarts.
func New(cl ChangelogSource, meta MetaSource, send Sender, now func() time.Time, clientID string, checkpoint *CheckpointStore) *Session {
	if now == nil {
		now = time.Now
	}
	return &Session{changelog: cl, meta: meta, send: send, now: now, State: StateRegistering, ClientID: clientID, checkpoint: checkpoint}
}

// ResumeVersion returns the persisted last-acknowledged version for
// this session's ClientID, or 0 if none is on record.
func (s *Session) ResumeVersion() uint64 {
	if s.checkpoint == nil || s.ClientID == "" {
		return 0
	}
	v, err := s.checkpoint.Load(s.ClientID)
	if err != nil {
		return 0
	}
	return v
}

func (s *Session) saveCheckpoint(version uint64) {
	if s.checkpoint == nil || s.ClientID == "" {
		return
	}
	_ = s.checkpoint.Save(s.ClientID, version)
}

// RegisterSimple handles type-1 registration: version/timeout only, no
// backlog catch-up is offered (legacy metaloggers poll separately).
func (s *Session) RegisterSimple(version uint32, timeout time.Duration) {
	s.Kind = KindSimple
	s.Version = version
	s.Timeout = timeout
	s.State = StateSync
	s.changelog.Subscribe(s)
}

// RegisterAdvanced handles type-2 registration (spec §4.8): replies
// MASTER_ACK(sync_flag, VERSHEX), then pumps up to catchUpLimit backlog
// entries. If every entry at or above requestedMinVersion was delivered
// the session enters SYNC immediately; otherwise it stays DELAYED and
// must be pumped again via Pump once the outbound queue drains.
func (s *Session) RegisterAdvanced(version uint32, timeout time.Duration, requestedMinVersion uint64) {
	s.Kind = KindAdvanced
	s.Version = version
	s.Timeout = timeout
	s.reqMinVersion = requestedMinVersion

	delivered, complete := s.changelog.GetOldChanges(requestedMinVersion, catchUpLimit, s.emitCatchUp)
	s.lastSent = requestedMinVersion + uint64(delivered)

	syncFlag := byte(0)
	if complete {
		syncFlag = 1
		s.State = StateSync
		s.changelog.Subscribe(s)
	} else {
		s.State = StateDelayed
	}
	s.send.Send(uint32(MasterAckPacketType), encodeMasterAck(syncFlag, version))
}

// RegisterSupervisor handles type-4 registration: the master replies
// STATE(meta_version, meta_id, utime, …) and the session never receives
// changelog broadcasts (spec §4.8).
func (s *Session) RegisterSupervisor(version uint32, timeout time.Duration) {
	s.Kind = KindSupervisor
	s.Version = version
	s.Timeout = timeout
	s.State = StateSync // not meaningful for a supervisor, but keeps State well-defined
	utime := uint32(s.now().Unix())
	s.send.Send(uint32(StatePacketType), encodeState(s.meta.Version(), s.meta.ID(), utime))
}

// StoreMetadata handles ANTOMA_STORE_METADATA: only a registered
// supervisor client may trigger an out-of-band dump, matching
// matomlserv_store_metadata's clienttype check (original_source/
// mfsmaster/matomlserv.c). Any other session is a protocol violation and
// the connection must be killed.
func (s *Session) StoreMetadata() error {
	if s.Kind != KindSupervisor {
		return fmt.Errorf("matoml: ANTOMA_STORE_METADATA from non-supervisor client")
	}
	return s.meta.DoStoreMetadata()
}

// Pump continues draining the backlog for a DELAYED session once the
// caller's outbound queue has room; it is a no-op for SYNC/supervisor
// sessions (spec §4.8 "catch-up pumped each loop iteration when the
// outbound queue drains").
func (s *Session) Pump() {
	if s.State != StateDelayed {
		return
	}
	delivered, complete := s.changelog.GetOldChanges(s.lastSent, catchUpLimit, s.emitCatchUp)
	s.lastSent += uint64(delivered)
	if complete {
		s.State = StateSync
		s.changelog.Subscribe(s)
	}
}

func (s *Session) emitCatchUp(version uint64, line []byte) {
	s.send.Send(uint32(MetachangesLogPacketType), encodeMetachangesLog(version, line))
	s.saveCheckpoint(version)
}

// BroadcastLog implements Subscriber (and changelog.Subscriber): only
// SYNC sessions receive live entries (spec §4.8 "enqueues a
// METACHANGES_LOG(0xFF, version, bytes) to each SYNC session").
func (s *Session) BroadcastLog(version uint64, line []byte) {
	if s.State != StateSync || s.Kind == KindSupervisor {
		return
	}
	s.send.Send(uint32(MetachangesLogPacketType), encodeMetachangesLog(version, line))
	s.saveCheckpoint(version)
}

// BroadcastRotate implements Subscriber: emits the 0x55 rotate marker.
func (s *Session) BroadcastRotate() {
	if s.Kind == KindSupervisor {
		return
	}
	s.send.Send(uint32(MetachangesRotatePacketType), []byte{RotateMarker})
}

// Close unsubscribes the session and closes any open download.
func (s *Session) Close() {
	s.changelog.Unsubscribe(s)
	if s.download != nil {
		s.download.file.Close()
		s.download = nil
	}
}

// FileResolver maps a DOWNLOAD_START file number to a path on disk
// (spec §4.8's fixed file set).
type FileResolver func(fileNum int) (path string, ok bool)

// DownloadStart opens fileNum for a ranged read, replying
// DOWNLOAD_INFO(size) or DOWNLOAD_INFO(error) (spec §4.8).
func (s *Session) DownloadStart(fileNum int, resolve FileResolver) error {
	path, ok := resolve(fileNum)
	if !ok {
		s.send.Send(uint32(DownloadInfoPacketType), encodeDownloadInfo(0, true))
		return fmt.Errorf("matoml: unknown download file number %d", fileNum)
	}
	f, err := os.Open(path)
	if err != nil {
		s.send.Send(uint32(DownloadInfoPacketType), encodeDownloadInfo(0, true))
		return fmt.Errorf("matoml: open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		s.send.Send(uint32(DownloadInfoPacketType), encodeDownloadInfo(0, true))
		return fmt.Errorf("matoml: stat %s: %w", path, err)
	}
	s.download = &downloadHandle{file: f, size: info.Size()}
	s.send.Send(uint32(DownloadInfoPacketType), encodeDownloadInfo(uint64(info.Size()), false))
	return nil
}

// DownloadRequest serves one ranged read via pread (os.File.ReadAt),
// replying DOWNLOAD_DATA(offset, len, crc, bytes) (spec §4.8).
func (s *Session) DownloadRequest(offset int64, length int) error {
	if s.download == nil {
		return fmt.Errorf("matoml: download request with no active transfer")
	}
	buf := make([]byte, length)
	n, err := s.download.file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		return fmt.Errorf("matoml: read at %d: %w", offset, err)
	}
	buf = buf[:n]
	s.send.Send(uint32(DownloadDataPacketType), encodeDownloadData(offset, buf))
	return nil
}

// DownloadEnd closes the active transfer.
func (s *Session) DownloadEnd() {
	if s.download != nil {
		s.download.file.Close()
		s.download = nil
	}
}
