package matocs

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mfscore/mfsmaster/internal/chunks"
	"github.com/mfscore/mfsmaster/internal/csdb"
	"github.com/mfscore/mfsmaster/internal/ledger"
	"github.com/mfscore/mfsmaster/internal/proto"
)

type fakeMeta struct{ id uint64 }

func (f fakeMeta) ID() uint64 { return f.id }

type recordingSender struct {
	sent []struct {
		typ  uint32
		body []byte
	}
}

func (r *recordingSender) Enqueue(typ uint32, body []byte) {
	r.sent = append(r.sent, struct {
		typ  uint32
		body []byte
	}{typ, body})
}

func newTestDispatcher(now time.Time) (*Dispatcher, *Manager) {
	m := newTestManager(now)
	ct := chunks.New()
	d := NewDispatcher(m, ct, fakeMeta{id: 77}, 0x01060000)
	return d, m
}

// registerHostBody builds a subtype-60 REGISTER body (with the leading
// rversion byte), optionally appending an MD5 password proof.
func registerHostBody(password []byte) []byte {
	fields := make([]byte, registerHostSize)
	binary.BigEndian.PutUint32(fields[0:4], 0x04320000)
	binary.BigEndian.PutUint32(fields[4:8], 0x0A000001)
	binary.BigEndian.PutUint16(fields[8:10], 9422)
	binary.BigEndian.PutUint16(fields[10:12], 10)
	binary.BigEndian.PutUint16(fields[12:14], 0)
	binary.BigEndian.PutUint64(fields[14:22], 0)
	binary.BigEndian.PutUint64(fields[22:30], 1<<40)
	binary.BigEndian.PutUint32(fields[30:34], 0)

	body := append([]byte{proto.RegisterHost}, fields...)
	return append(body, password...)
}

func TestDispatchRegisterHostRepliesMasterAck(t *testing.T) {
	now := time.Unix(1000, 0)
	d, m := newTestDispatcher(now)

	s := m.NewSession(0x0A000001)
	send := &recordingSender{}

	err := d.Dispatch(s, send, proto.CSTOMA_REGISTER, registerHostBody(nil))
	require.NoError(t, err)
	require.Equal(t, StateWaiting, s.State)
	require.Len(t, send.sent, 1)
	require.EqualValues(t, proto.MATOCS_MASTER_ACK, send.sent[0].typ)
	require.NotZero(t, s.CSID)
}

func TestDispatchRegisterChunksAppliesInventory(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	s := m.NewSession(1)
	_, _, err := m.RegisterHost(s, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)

	fields := make([]byte, chunkInventoryEntrySize)
	binary.BigEndian.PutUint64(fields[0:8], 0xC0FFEE)
	fields[8] = 0
	binary.BigEndian.PutUint32(fields[9:13], 5)
	body := append([]byte{proto.RegisterChunks}, fields...)

	send := &recordingSender{}
	require.NoError(t, d.Dispatch(s, send, proto.CSTOMA_REGISTER, body))
	require.Equal(t, 1, d.Chunks.ReplicaCount(0xC0FFEE, 0))
	require.Len(t, send.sent, 1)
}

func TestDispatchGracefulDisconnectEntersMaintenance(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	s := m.NewSession(1)
	_, _, err := m.RegisterHost(s, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)

	err = d.Dispatch(s, &recordingSender{}, proto.CSTOMA_REGISTER, []byte{proto.RegisterDisconnect})
	require.ErrorIs(t, err, ErrGracefulClose)
	require.Equal(t, csdb.MaintenanceTemporary, s.Entry.Maintenance)
}

func TestBuildCreateThenStatusAckUpdatesChunksAndLedger(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	s := m.NewSession(1)
	_, _, err := m.RegisterHost(s, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)

	chunk := ledger.ChunkKey{ChunkID: 42, ECID: 0}
	typ, body, err := d.BuildCreate(s.CSID, chunk, 1)
	require.NoError(t, err)
	require.EqualValues(t, proto.MATOCS_CREATE, typ)
	require.NotEmpty(t, body)
	require.Equal(t, 1, m.Ledger.PendingCount())

	// a second CREATE on the same chunk/server is rejected while pending
	_, _, err = d.BuildCreate(s.CSID, chunk, 1)
	require.ErrorIs(t, err, ledger.ErrAlreadyPending)

	ackBody := make([]byte, 10)
	binary.BigEndian.PutUint64(ackBody[0:8], chunk.ChunkID)
	ackBody[8] = chunk.ECID
	ackBody[9] = proto.StatusOK

	require.NoError(t, d.Dispatch(s, &recordingSender{}, proto.CSTOMA_CREATE_STATUS, ackBody))
	require.Equal(t, 0, m.Ledger.PendingCount())
	require.Equal(t, 1, d.Chunks.ReplicaCount(chunk.ChunkID, chunk.ECID))
}

func TestBuildReplicateThenStatusAckDecrementsCounters(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)

	dst := m.NewSession(1)
	_, _, err := m.RegisterHost(dst, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)
	src := m.NewSession(2)
	_, _, err = m.RegisterHost(src, 2, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)

	chunk := ledger.ChunkKey{ChunkID: 9, ECID: 0}
	typ, _, err := d.BuildReplicate(dst.CSID, chunk, 1, ledger.ReplSimple, []uint16{src.CSID}, 0)
	require.NoError(t, err)
	require.EqualValues(t, proto.MATOCS_REPLICATE, typ)
	require.Equal(t, ledger.WeightFull, m.Ledger.Stats(dst.CSID).WRepCounter)
	require.Equal(t, ledger.WeightFull, m.Ledger.Stats(src.CSID).RRepCounter)

	ackBody := make([]byte, 10)
	binary.BigEndian.PutUint64(ackBody[0:8], chunk.ChunkID)
	ackBody[9] = proto.StatusOK
	require.NoError(t, d.Dispatch(dst, &recordingSender{}, proto.CSTOMA_REPLICATE_STATUS, ackBody))

	require.Equal(t, 0, m.Ledger.Stats(dst.CSID).WRepCounter)
	require.Equal(t, 0, m.Ledger.Stats(src.CSID).RRepCounter)
}

func TestDispatchChunkLostRemovesReplica(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	s := m.NewSession(1)
	_, _, err := m.RegisterHost(s, 1, 1, 0, 1, time.Second, 0, 1, 0)
	require.NoError(t, err)
	d.Chunks.HasChunk(s.CSID, 7, 0, 1)

	body := make([]byte, 10)
	binary.BigEndian.PutUint64(body[0:8], 7)
	body[9] = 1 // nonexistent

	require.NoError(t, d.Dispatch(s, &recordingSender{}, proto.CSTOMA_CHUNK_LOST, body))
	require.Equal(t, 0, d.Chunks.ReplicaCount(7, 0))
}

func TestDispatchUnknownCommandIsIgnored(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	s := m.NewSession(1)
	require.NoError(t, d.Dispatch(s, &recordingSender{}, 0xDEAD, []byte{1, 2, 3}))
}

func TestDispatchRegisterHostRequiresAuthWhenSecretConfigured(t *testing.T) {
	now := time.Unix(0, 0)
	d, m := newTestDispatcher(now)
	d.AuthSecret = []byte("s3cret")
	s := m.NewSession(1)

	// a no-password body draws a nonce challenge and does not register.
	nonceSend := &recordingSender{}
	require.NoError(t, d.Dispatch(s, nonceSend, proto.CSTOMA_REGISTER, registerHostBody(nil)))
	require.Equal(t, StateUnregistered, s.State)
	require.Len(t, nonceSend.sent, 1)
	require.EqualValues(t, proto.MATOCS_MASTER_ACK, nonceSend.sent[0].typ)
	require.Equal(t, byte(3), nonceSend.sent[0].body[0])
	require.Len(t, nonceSend.sent[0].body, 1+NonceSize)

	// the wrong password is rejected and leaves registration incomplete.
	wrongResp := ExpectedResponse(s.Nonce, []byte("wrong"))
	err := d.Dispatch(s, &recordingSender{}, proto.CSTOMA_REGISTER, registerHostBody(wrongResp[:]))
	require.Error(t, err)
	require.Equal(t, StateUnregistered, s.State)

	// the correct password, appended to the same fields, completes it.
	resp := ExpectedResponse(s.Nonce, d.AuthSecret)
	send := &recordingSender{}
	require.NoError(t, d.Dispatch(s, send, proto.CSTOMA_REGISTER, registerHostBody(resp[:])))
	require.Equal(t, StateWaiting, s.State)
}
