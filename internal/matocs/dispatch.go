// dispatch.go turns inbound wire.Packets into calls on Manager/chunks and
// builds the outbound MATOCS_* command packets, wiring the operation and
// replication ledgers around every dispatched command (spec §4.6, the
// largest single component of this subsystem). Grounded on the teacher's
// request/response dispatch style in
// _examples/rclone-rclone/backend/local/local.go, where a single
// top-level method dispatches on request kind and returns either data or
// a wrapped error for the caller to classify.
package matocs

import (
	"crypto/md5"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mfscore/mfsmaster/internal/chunks"
	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/mfscore/mfsmaster/internal/mfserr"
	"github.com/mfscore/mfsmaster/internal/proto"
)

// ErrGracefulClose signals a subtype-63 DISCONNECT: the session must be
// torn down without being logged as a protocol error, since closing the
// connection afterward is the normal, expected outcome (spec §4.6).
var ErrGracefulClose = errors.New("matocs: graceful disconnect")

// Sender is the minimal per-session outbound queue the dispatcher writes
// replies and commands into; internal/wire.Writer.Enqueue satisfies it.
type Sender interface {
	Enqueue(packetType uint32, body []byte)
}

// MetaSource supplies the fields MASTER_ACK and STATE-style replies need
// from the metadata collaborator (spec §4.9).
type MetaSource interface {
	ID() uint64
}

// Dispatcher binds a Manager to the chunk replica table and the metadata
// source, decoding CSTOMA_* reports and encoding MATOCS_* commands (spec
// §4.6). One Dispatcher is shared by every MATOCS session.
type Dispatcher struct {
	Manager *Manager
	Chunks  *chunks.Table
	Meta    MetaSource

	// MasterVersion is this master's own VERSHEX, echoed back in every
	// MASTER_ACK (spec §4.6).
	MasterVersion uint32

	// AuthSecret, when non-empty, requires a successful nonce/MD5
	// challenge before a session may finish registration (spec §3).
	AuthSecret []byte
}

// NewDispatcher constructs a Dispatcher over an already-built Manager and
// chunk table.
func NewDispatcher(m *Manager, ct *chunks.Table, meta MetaSource, masterVersion uint32) *Dispatcher {
	return &Dispatcher{Manager: m, Chunks: ct, Meta: meta, MasterVersion: masterVersion}
}

// Dispatch routes one inbound packet to its handler. Fatal framing/parse
// errors are wrapped as *mfserr.Fatal (spec §7: these kill the session);
// everything else (an unknown but well-formed packet) is ignored per
// §4.1's "UNKNOWN_COMMAND and BAD_COMMAND_SIZE are accepted and
// ignored".
func (d *Dispatcher) Dispatch(s *Session, send Sender, packetType uint32, body []byte) error {
	switch packetType {
	case proto.CSTOMA_REGISTER:
		return d.handleRegister(s, send, body)
	case proto.CSTOMA_SPACE:
		return d.handleSpace(s, body)
	case proto.CSTOMA_CURRENT_LOAD:
		return d.handleCurrentLoad(s, body)
	case proto.CSTOMA_CHUNK_DAMAGED:
		return d.handleChunkDamaged(s, body)
	case proto.CSTOMA_CHUNK_LOST:
		return d.handleChunkLost(s, body)
	case proto.CSTOMA_CHUNK_NEW:
		return d.handleChunkNew(s, body)
	case proto.CSTOMA_CHUNK_DOESNT_EXIST:
		return d.handleChunkDoesntExist(s, body)
	case proto.CSTOMA_LABELS:
		return d.handleLabels(s, body)
	case proto.CSTOMA_CREATE_STATUS:
		return d.handleOpStatus(s, ledger.OpCreate, body)
	case proto.CSTOMA_DELETE_STATUS:
		return d.handleOpStatus(s, ledger.OpDelete, body)
	case proto.CSTOMA_SET_VERSION_STATUS:
		return d.handleOpStatus(s, ledger.OpSetVersion, body)
	case proto.CSTOMA_TRUNCATE_STATUS:
		return d.handleOpStatus(s, ledger.OpTruncate, body)
	case proto.CSTOMA_DUPLICATE_STATUS:
		return d.handleOpStatus(s, ledger.OpDuplicate, body)
	case proto.CSTOMA_DUPTRUNC_STATUS:
		return d.handleOpStatus(s, ledger.OpDupTrunc, body)
	case proto.CSTOMA_CHUNKOP_STATUS:
		return d.handleOpStatus(s, ledger.OpSetVersion, body) // CHUNKOP is a compound SET_VERSION+TRUNCATE+DUPLICATE; ledger keys on chunk+server only
	case proto.CSTOMA_REPLICATE_STATUS, proto.CSTOMA_REPLICATE_SPLIT_STATUS,
		proto.CSTOMA_REPLICATE_RECOVER_STATUS, proto.CSTOMA_REPLICATE_JOIN_STATUS,
		proto.CSTOMA_LOCALSPLIT_STATUS:
		return d.handleReplStatus(s, body)
	case proto.CSTOMA_CHUNK_STATUS_STATUS:
		return nil // diagnostic reply only, no ledger state to clear
	case proto.UNKNOWN_COMMAND, proto.BAD_COMMAND_SIZE, proto.NOP:
		return nil
	default:
		return nil // unrecognised but well-formed: ignored per §4.1
	}
}

// handleRegister decodes CSTOMA_REGISTER's leading rversion byte and
// dispatches to the matching subtype handler (spec §4.6: one wire packet,
// four subtypes, not four packet types).
func (d *Dispatcher) handleRegister(s *Session, send Sender, body []byte) error {
	if len(body) < 1 {
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: empty REGISTER body"))
	}
	rversion, rest := body[0], body[1:]
	switch rversion {
	case proto.RegisterHost:
		return d.handleRegisterHost(s, send, rest)
	case proto.RegisterChunks:
		return d.handleRegisterChunks(s, send, rest)
	case proto.RegisterEnd:
		return d.handleRegisterEnd(s, rest)
	case proto.RegisterDisconnect:
		return d.handleGracefulDisconnect(s, rest)
	default:
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: unknown register subtype %d", rversion))
	}
}

// handleRegisterHost implements subtype 60. Its auth handshake is folded
// into the same body rather than a separate challenge/response packet
// pair (spec §3): a body of exactly registerHostSize bytes carries no
// password, and draws a nonce challenge back without registering; a body
// with a 16-byte MD5 proof appended validates it against the nonce from
// the previous attempt and, on success, completes registration.
func (d *Dispatcher) handleRegisterHost(s *Session, send Sender, body []byte) error {
	switch len(body) {
	case registerHostSize:
		if len(d.AuthSecret) == 0 {
			return d.finishRegisterHost(s, send, body)
		}
		nonce, err := GenerateNonce()
		if err != nil {
			return mfserr.NewFatal("REGISTER", err)
		}
		s.Nonce = nonce
		send.Enqueue(proto.MATOCS_MASTER_ACK, encodeMasterAckNonce(nonce))
		return nil
	case registerHostSize + md5.Size:
		var resp [md5.Size]byte
		copy(resp[:], body[registerHostSize:])
		if !CheckResponse(s.Nonce, d.AuthSecret, resp) {
			return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: register password mismatch"))
		}
		return d.finishRegisterHost(s, send, body[:registerHostSize])
	default:
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: malformed REGISTER body (%d bytes)", len(body)))
	}
}

func (d *Dispatcher) finishRegisterHost(s *Session, send Sender, body []byte) error {
	r, err := decodeRegisterHost(body)
	if err != nil {
		return mfserr.NewFatal("REGISTER", err)
	}
	mode, csid, err := d.Manager.RegisterHost(s, r.ServIP, r.ServPort, r.CSID, r.Version,
		time.Duration(r.Timeout)*time.Second, r.UsedSpace, r.TotalSpace, r.ChunkCount)
	if err != nil {
		return mfserr.NewFatal("REGISTER", err)
	}
	s.TodelUsedSpace, s.TodelTotalSpace, s.TodelChunkCount = r.TodelUsedSpace, r.TodelTotalSpace, r.TodelChunkCount
	d.Chunks.ServerConnected(csid)

	var metaID uint64
	if d.Meta != nil {
		metaID = d.Meta.ID()
	}
	send.Enqueue(proto.MATOCS_MASTER_ACK, encodeMasterAck(mode, d.MasterVersion, uint16(s.Timeout/time.Second), csid, metaID))
	return nil
}

// handleRegisterChunks implements subtype 61: a batch of inventory
// entries streamed before REGISTERED (spec §4.6).
func (d *Dispatcher) handleRegisterChunks(s *Session, send Sender, body []byte) error {
	if s.CSID == 0 {
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: REGISTER_CHUNKS before REGISTER_HOST"))
	}
	entries, err := decodeChunkInventory(body)
	if err != nil {
		return mfserr.NewFatal("REGISTER", err)
	}
	for _, e := range entries {
		d.Chunks.HasChunk(s.CSID, e.Chunk.ChunkID, e.Chunk.ECID, e.Version)
	}
	send.Enqueue(proto.MATOCS_MASTER_ACK, encodeMasterAckSimple())
	return nil
}

// handleRegisterEnd implements subtype 62: finalizes registration.
func (d *Dispatcher) handleRegisterEnd(s *Session, body []byte) error {
	if len(body) != 0 {
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: malformed REGISTER_END body (%d bytes)", len(body)))
	}
	if s.CSID == 0 {
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: REGISTER_END before REGISTER_HOST"))
	}
	d.Manager.RegisterEnd(s)
	d.Chunks.RegisterEnd(s.CSID)
	return nil
}

// handleGracefulDisconnect implements subtype 63: places the server into
// Temporary maintenance, then always tears the session down (the one
// subtype accepted even after REGISTERED, spec §4.6).
func (d *Dispatcher) handleGracefulDisconnect(s *Session, body []byte) error {
	if len(body) != 0 {
		return mfserr.NewFatal("REGISTER", fmt.Errorf("matocs: malformed DISCONNECT body (%d bytes)", len(body)))
	}
	if s.Entry != nil {
		if err := d.Manager.CSDB.SetMaintenance(s.Entry.IP, s.Entry.Port, true, csdb_GracefulMaintenanceTimeout); err != nil {
			return mfserr.NewFatal("REGISTER", err)
		}
		s.Entry.Maintenance = csdb.MaintenanceTemporary
	}
	return ErrGracefulClose
}

// csdb_GracefulMaintenanceTimeout bounds how long a graceful-disconnect
// hint holds the server in Temporary maintenance before csdb's own
// housekeeping would otherwise reap it.
const csdb_GracefulMaintenanceTimeout = 10 * time.Minute

func (d *Dispatcher) handleSpace(s *Session, body []byte) error {
	r, err := decodeSpace(body)
	if err != nil {
		return mfserr.NewFatal("SPACE", err)
	}
	d.Manager.UpdateSpace(s, r.Used, r.Total, r.TodelUsed, r.TodelTotal, r.ChunkCount, r.TodelCount)
	return nil
}

func (d *Dispatcher) handleCurrentLoad(s *Session, body []byte) error {
	load, hl, rc, err := decodeCurrentLoad(body)
	if err != nil {
		return mfserr.NewFatal("CURRENT_LOAD", err)
	}
	d.Manager.UpdateLoad(s, load, hl, rc)
	return nil
}

func (d *Dispatcher) handleChunkDamaged(s *Session, body []byte) error {
	entries, err := decodeChunkIDs(body, 9)
	if err != nil {
		return mfserr.NewFatal("CHUNK_DAMAGED", err)
	}
	for _, e := range entries {
		d.Chunks.ChunkDamaged(s.CSID, e.Chunk.ChunkID, e.Chunk.ECID)
	}
	return nil
}

func (d *Dispatcher) handleChunkLost(s *Session, body []byte) error {
	entries, err := decodeChunkIDs(body, 10)
	if err != nil {
		return mfserr.NewFatal("CHUNK_LOST", err)
	}
	for _, e := range entries {
		d.Chunks.ChunkLost(s.CSID, e.Chunk.ChunkID, e.Chunk.ECID, e.Extra != 0)
	}
	return nil
}

func (d *Dispatcher) handleChunkNew(s *Session, body []byte) error {
	entries, err := decodeChunkIDs(body, 13)
	if err != nil {
		return mfserr.NewFatal("CHUNK_NEW", err)
	}
	for _, e := range entries {
		d.Chunks.HasChunk(s.CSID, e.Chunk.ChunkID, e.Chunk.ECID, e.Version)
	}
	return nil
}

func (d *Dispatcher) handleChunkDoesntExist(s *Session, body []byte) error {
	entries, err := decodeChunkIDs(body, 9)
	if err != nil {
		return mfserr.NewFatal("CHUNK_DOESNT_EXIST", err)
	}
	for _, e := range entries {
		d.Chunks.ChunkLost(s.CSID, e.Chunk.ChunkID, e.Chunk.ECID, true)
	}
	return nil
}

func (d *Dispatcher) handleLabels(s *Session, body []byte) error {
	mask, err := decodeLabels(body)
	if err != nil {
		return mfserr.NewFatal("LABELS", err)
	}
	s.LabelMask = mask
	return nil
}

// handleOpStatus applies an operation-ledger acknowledgement: on success
// the replica table is updated (or the replica dropped, for deletes); on
// failure only the ledger's reason counters move (spec §4.9
// chunk_got_*_status, §7).
func (d *Dispatcher) handleOpStatus(s *Session, typ ledger.OpType, body []byte) error {
	st, err := decodeOpStatus(body)
	if err != nil {
		return mfserr.NewFatal("*_STATUS", err)
	}
	rec, found := d.Manager.Ledger.FinishOp(st.Chunk, s.CSID)
	if !found {
		// unexpected ack: logged, not fatal (spec §5)
		logrus.Warnf("matocs: csid %d: unexpected status for chunk %016X/%d with no pending operation", s.CSID, st.Chunk.ChunkID, st.Chunk.ECID)
		return nil
	}
	ok, reason := statusToOutcome(st.Status)
	if !ok {
		d.Manager.Ledger.Stats(s.CSID).DelErr[reason]++
		d.Chunks.GotStatus(s.CSID, st.Chunk.ChunkID, st.Chunk.ECID, rec.Version, false, chunks.StatusError)
		return nil
	}
	deleted := typ == ledger.OpDelete
	d.Chunks.GotStatus(s.CSID, st.Chunk.ChunkID, st.Chunk.ECID, rec.Version, deleted, chunks.StatusOK)
	return nil
}

// handleReplStatus applies a replication-ledger acknowledgement,
// decrementing the destination's wrepcounter and every source's
// rrepcounter by exactly the weights BeginRepl recorded (spec §8
// property 3).
func (d *Dispatcher) handleReplStatus(s *Session, body []byte) error {
	st, err := decodeOpStatus(body)
	if err != nil {
		return mfserr.NewFatal("REPLICATE*_STATUS", err)
	}
	ok, reason := statusToOutcome(st.Status)
	rec, found := d.Manager.Ledger.FinishRepl(st.Chunk, s.CSID, ok, reason)
	if !found {
		return nil
	}
	if ok {
		d.Chunks.HasChunk(s.CSID, st.Chunk.ChunkID, st.Chunk.ECID, rec.Version)
	}
	return nil
}

// --- Outbound command builders ---
//
// Each Build* method enters the per-(chunk,server) command into the
// operation or replication ledger before returning the encoded body,
// returning ledger.ErrAlreadyPending if one is already outstanding (spec
// §4.6 "An attempt to enqueue a second outstanding op on the same
// (chunk,server) returns 'already pending' to the caller").

// BuildCreate issues MATOCS_CREATE on dst.
func (d *Dispatcher) BuildCreate(dst uint16, chunk ledger.ChunkKey, version uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(chunk, version, dst, ledger.OpCreate); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_CREATE, encodeChunkVersion(chunk, version), nil
}

// BuildDelete issues MATOCS_DELETE on dst.
func (d *Dispatcher) BuildDelete(dst uint16, chunk ledger.ChunkKey, version uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(chunk, version, dst, ledger.OpDelete); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_DELETE, encodeChunkVersion(chunk, version), nil
}

// BuildSetVersion issues MATOCS_SET_VERSION on dst.
func (d *Dispatcher) BuildSetVersion(dst uint16, chunk ledger.ChunkKey, oldVersion, newVersion uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(chunk, newVersion, dst, ledger.OpSetVersion); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_SET_VERSION, encodeSetVersion(chunk, oldVersion, newVersion), nil
}

// BuildTruncate issues MATOCS_TRUNCATE on dst.
func (d *Dispatcher) BuildTruncate(dst uint16, chunk ledger.ChunkKey, version, newVersion, length uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(chunk, newVersion, dst, ledger.OpTruncate); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_TRUNCATE, encodeTruncate(chunk, version, newVersion, length), nil
}

// BuildDuplicate issues MATOCS_DUPLICATE on dst.
func (d *Dispatcher) BuildDuplicate(dst uint16, chunk ledger.ChunkKey, version uint32, newChunkID uint64, newVersion uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(ledger.ChunkKey{ChunkID: newChunkID, ECID: chunk.ECID}, newVersion, dst, ledger.OpDuplicate); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_DUPLICATE, encodeDuplicate(chunk, version, newChunkID, newVersion), nil
}

// BuildDupTrunc issues MATOCS_DUPTRUNC on dst.
func (d *Dispatcher) BuildDupTrunc(dst uint16, chunk ledger.ChunkKey, version uint32, newChunkID uint64, newVersion, length uint32) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginOp(ledger.ChunkKey{ChunkID: newChunkID, ECID: chunk.ECID}, newVersion, dst, ledger.OpDupTrunc); err != nil {
		return 0, nil, err
	}
	return proto.MATOCS_DUPTRUNC, encodeDupTrunc(chunk, version, newChunkID, newVersion, length), nil
}

// BuildReplicate issues one of REPLICATE/REPLICATE_SPLIT/
// REPLICATE_RECOVER/REPLICATE_JOIN/LOCALSPLIT depending on typ, entering
// the replication ledger with the weight the record type carries (spec
// §3, §9).
func (d *Dispatcher) BuildReplicate(dst uint16, chunk ledger.ChunkKey, version uint32, typ ledger.ReplType, sources []uint16, missingParts int) (uint32, []byte, error) {
	if _, err := d.Manager.Ledger.BeginRepl(dst, chunk, version, typ, sources, missingParts); err != nil {
		return 0, nil, err
	}
	switch typ {
	case ledger.ReplSplit:
		return proto.MATOCS_REPLICATE_SPLIT, encodeReplicate(chunk, version, sources), nil
	case ledger.ReplRecover:
		return proto.MATOCS_REPLICATE_RECOVER, encodeReplicate(chunk, version, sources), nil
	case ledger.ReplJoin:
		return proto.MATOCS_REPLICATE_JOIN, encodeReplicate(chunk, version, sources), nil
	case ledger.ReplLocalSplit:
		return proto.MATOCS_LOCALSPLIT, encodeLocalSplit(chunk, version, missingParts), nil
	default:
		return proto.MATOCS_REPLICATE, encodeReplicate(chunk, version, sources), nil
	}
}

// BuildChunkStatus issues a MATOCS_CHUNK_STATUS diagnostic request; it
// does not touch the ledger since no acknowledgement-matching is
// required (spec §4.9 chunk_get_mfrstatus is a local query, this wire
// command is the periodic CHUNK_STATUS report mentioned alongside it in
// §4.6).
func (d *Dispatcher) BuildChunkStatus(chunk ledger.ChunkKey) (uint32, []byte) {
	return proto.MATOCS_CHUNK_STATUS, encodeChunkStatusRequest(chunk)
}

// BuildRegisterFirst issues MATOCS_REGISTER_FIRST, prompting a
// newly-connected server that hasn't sent its handshake yet to do so.
func (d *Dispatcher) BuildRegisterFirst() (uint32, []byte) {
	return proto.MATOCS_REGISTER_FIRST, nil
}
