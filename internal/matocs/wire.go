package matocs

import (
	"encoding/binary"
	"fmt"

	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/mfscore/mfsmaster/internal/proto"
)

// registerHost is the decoded body of a subtype-60 handshake (spec
// §4.6): "version, servip, servport, timeout, csid, usedspace,
// totalspace, chunkcount, todel*".
type registerHost struct {
	Version         uint32
	ServIP          uint32
	ServPort        uint16
	Timeout         uint16
	CSID            uint16
	UsedSpace       uint64
	TotalSpace      uint64
	ChunkCount      uint32
	TodelUsedSpace  uint64
	TodelTotalSpace uint64
	TodelChunkCount uint32
}

const registerHostSize = 4 + 4 + 2 + 2 + 2 + 8 + 8 + 4 + 8 + 8 + 4 // 54

func decodeRegisterHost(body []byte) (registerHost, error) {
	if len(body) < registerHostSize {
		return registerHost{}, fmt.Errorf("matocs: short REGISTER_HOST body (%d bytes)", len(body))
	}
	var r registerHost
	r.Version = binary.BigEndian.Uint32(body[0:4])
	r.ServIP = binary.BigEndian.Uint32(body[4:8])
	r.ServPort = binary.BigEndian.Uint16(body[8:10])
	r.Timeout = binary.BigEndian.Uint16(body[10:12])
	r.CSID = binary.BigEndian.Uint16(body[12:14])
	r.UsedSpace = binary.BigEndian.Uint64(body[14:22])
	r.TotalSpace = binary.BigEndian.Uint64(body[22:30])
	r.ChunkCount = binary.BigEndian.Uint32(body[30:34])
	r.TodelUsedSpace = binary.BigEndian.Uint64(body[34:42])
	r.TodelTotalSpace = binary.BigEndian.Uint64(body[42:50])
	r.TodelChunkCount = binary.BigEndian.Uint32(body[50:54])
	return r, nil
}

// encodeMasterAck builds the subtype-60 reply: mode, VERSHEX, timeout,
// csid, meta_id (spec §4.6).
func encodeMasterAck(mode byte, vershex uint32, timeout uint16, csid uint16, metaID uint64) []byte {
	buf := make([]byte, 1+4+2+2+8)
	buf[0] = mode
	binary.BigEndian.PutUint32(buf[1:5], vershex)
	binary.BigEndian.PutUint16(buf[5:7], timeout)
	binary.BigEndian.PutUint16(buf[7:9], csid)
	binary.BigEndian.PutUint64(buf[9:17], metaID)
	return buf
}

// encodeMasterAckSimple builds the ack used to acknowledge subtype-61
// inventory batches: MASTER_ACK(0).
func encodeMasterAckSimple() []byte {
	return []byte{0}
}

// encodeMasterAckNonce builds the subtype-60 reply used when a register
// body arrives with no password attached: mode=3 followed by the 32-byte
// nonce the chunk server must fold into its MD5 proof on retry (spec §3,
// §4.6).
func encodeMasterAckNonce(nonce [NonceSize]byte) []byte {
	buf := make([]byte, 1+NonceSize)
	buf[0] = 3
	copy(buf[1:], nonce[:])
	return buf
}

const chunkInventoryEntrySize = 8 + 1 + 4 // chunkid, ecid, version

// decodeChunkInventory parses a subtype-61 body into (chunk, version)
// pairs.
func decodeChunkInventory(body []byte) ([]struct {
	Chunk   ledger.ChunkKey
	Version uint32
}, error) {
	if len(body)%chunkInventoryEntrySize != 0 {
		return nil, fmt.Errorf("matocs: malformed REGISTER_CHUNKS body (%d bytes)", len(body))
	}
	n := len(body) / chunkInventoryEntrySize
	out := make([]struct {
		Chunk   ledger.ChunkKey
		Version uint32
	}, 0, n)
	for i := 0; i < n; i++ {
		off := i * chunkInventoryEntrySize
		out = append(out, struct {
			Chunk   ledger.ChunkKey
			Version uint32
		}{
			Chunk:   ledger.ChunkKey{ChunkID: binary.BigEndian.Uint64(body[off : off+8]), ECID: body[off+8]},
			Version: binary.BigEndian.Uint32(body[off+9 : off+13]),
		})
	}
	return out, nil
}

// decodeSpace parses a SPACE report, which comes in 16/32/40-byte
// variants (spec §4.6).
type spaceReport struct {
	Used, Total             uint64
	TodelUsed, TodelTotal   uint64
	ChunkCount, TodelCount  uint32
}

func decodeSpace(body []byte) (spaceReport, error) {
	var r spaceReport
	switch len(body) {
	case 16, 32, 40:
	default:
		return r, fmt.Errorf("matocs: malformed SPACE body (%d bytes)", len(body))
	}
	r.Used = binary.BigEndian.Uint64(body[0:8])
	r.Total = binary.BigEndian.Uint64(body[8:16])
	if len(body) >= 32 {
		r.TodelUsed = binary.BigEndian.Uint64(body[16:24])
		r.TodelTotal = binary.BigEndian.Uint64(body[24:32])
	}
	if len(body) == 40 {
		r.ChunkCount = binary.BigEndian.Uint32(body[32:36])
		r.TodelCount = binary.BigEndian.Uint32(body[36:40])
	}
	return r, nil
}

// decodeCurrentLoad parses a CURRENT_LOAD report, 4-6 bytes (spec §4.6).
func decodeCurrentLoad(body []byte) (load uint32, hl *HeavyLoadStatus, rc *ReceivingChunks, err error) {
	if len(body) < 4 {
		return 0, nil, nil, fmt.Errorf("matocs: malformed CURRENT_LOAD body (%d bytes)", len(body))
	}
	load = binary.BigEndian.Uint32(body[0:4])
	if len(body) >= 5 {
		v := HeavyLoadStatus(body[4])
		hl = &v
	}
	if len(body) >= 6 {
		v := ReceivingChunks(body[5])
		rc = &v
	}
	return load, hl, rc, nil
}

// chunkIDEntry is the common (chunkid, ecid [, extra]) shape shared by
// CHUNK_DAMAGED/LOST/NEW/DOESNT_EXIST reports.
type chunkIDEntry struct {
	Chunk   ledger.ChunkKey
	Version uint32 // CHUNK_NEW only
	Extra   byte   // CHUNK_LOST's "nonexistent" flag
}

func decodeChunkIDs(body []byte, entrySize int) ([]chunkIDEntry, error) {
	if entrySize <= 0 || len(body)%entrySize != 0 {
		return nil, fmt.Errorf("matocs: malformed chunk-id batch (%d bytes, entry %d)", len(body), entrySize)
	}
	n := len(body) / entrySize
	out := make([]chunkIDEntry, 0, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		e := chunkIDEntry{Chunk: ledger.ChunkKey{ChunkID: binary.BigEndian.Uint64(body[off : off+8]), ECID: body[off+8]}}
		switch entrySize {
		case 10:
			e.Extra = body[off+9]
		case 13:
			e.Version = binary.BigEndian.Uint32(body[off+9 : off+13])
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeLabels(body []byte) (uint32, error) {
	if len(body) != 4 {
		return 0, fmt.Errorf("matocs: malformed LABELS body (%d bytes)", len(body))
	}
	return binary.BigEndian.Uint32(body), nil
}

// --- Outbound master -> chunkserver commands (spec §4.6) ---

func encodeChunkVersion(chunk ledger.ChunkKey, version uint32) []byte {
	buf := make([]byte, 8+1+4)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], version)
	return buf
}

func encodeSetVersion(chunk ledger.ChunkKey, oldVersion, newVersion uint32) []byte {
	buf := make([]byte, 8+1+4+4)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], oldVersion)
	binary.BigEndian.PutUint32(buf[13:17], newVersion)
	return buf
}

func encodeTruncate(chunk ledger.ChunkKey, version, newVersion, length uint32) []byte {
	buf := make([]byte, 8+1+4+4+4)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], version)
	binary.BigEndian.PutUint32(buf[13:17], newVersion)
	binary.BigEndian.PutUint32(buf[17:21], length)
	return buf
}

func encodeDuplicate(chunk ledger.ChunkKey, version uint32, newChunkID uint64, newVersion uint32) []byte {
	buf := make([]byte, 8+1+4+8+4)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], version)
	binary.BigEndian.PutUint64(buf[13:21], newChunkID)
	binary.BigEndian.PutUint32(buf[21:25], newVersion)
	return buf
}

func encodeDupTrunc(chunk ledger.ChunkKey, version uint32, newChunkID uint64, newVersion, length uint32) []byte {
	base := encodeDuplicate(chunk, version, newChunkID, newVersion)
	buf := make([]byte, len(base)+4)
	copy(buf, base)
	binary.BigEndian.PutUint32(buf[len(base):], length)
	return buf
}

// encodeReplicate builds the command body shared by REPLICATE,
// REPLICATE_SPLIT, REPLICATE_RECOVER and REPLICATE_JOIN: chunkid, ecid,
// version, then one csid per source.
func encodeReplicate(chunk ledger.ChunkKey, version uint32, sources []uint16) []byte {
	buf := make([]byte, 8+1+4+2*len(sources))
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], version)
	off := 13
	for _, src := range sources {
		binary.BigEndian.PutUint16(buf[off:off+2], src)
		off += 2
	}
	return buf
}

func encodeLocalSplit(chunk ledger.ChunkKey, version uint32, missingParts int) []byte {
	buf := make([]byte, 8+1+4+1)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	binary.BigEndian.PutUint32(buf[9:13], version)
	buf[13] = byte(missingParts)
	return buf
}

func encodeChunkStatusRequest(chunk ledger.ChunkKey) []byte {
	buf := make([]byte, 8+1)
	binary.BigEndian.PutUint64(buf[0:8], chunk.ChunkID)
	buf[8] = chunk.ECID
	return buf
}

// --- Inbound *_STATUS acknowledgements (spec §4.6) ---

// opStatus is the common (chunkid, ecid, status) shape every *_STATUS
// reply carries.
type opStatus struct {
	Chunk  ledger.ChunkKey
	Status byte
}

func decodeOpStatus(body []byte) (opStatus, error) {
	if len(body) != 10 {
		return opStatus{}, fmt.Errorf("matocs: malformed *_STATUS body (%d bytes)", len(body))
	}
	return opStatus{
		Chunk:  ledger.ChunkKey{ChunkID: binary.BigEndian.Uint64(body[0:8]), ECID: body[8]},
		Status: body[9],
	}, nil
}

// statusToOutcome maps a wire status byte onto success/failure plus the
// reason tag recorded on the ledger (spec §7 "transient operational
// errors").
func statusToOutcome(status byte) (ok bool, reason ledger.Reason) {
	if status == proto.StatusOK {
		return true, ledger.ReasonNone
	}
	return false, ledger.ReasonError
}
