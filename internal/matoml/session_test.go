package matoml

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeChangelog struct {
	entries    []fakeEntry
	subscribed []Subscriber
}

type fakeEntry struct {
	version uint64
	line    []byte
}

func (f *fakeChangelog) GetOldChanges(minVersion uint64, limit int, send func(uint64, []byte)) (int, bool) {
	delivered := 0
	for _, e := range f.entries {
		if e.version < minVersion {
			continue
		}
		if delivered >= limit {
			return delivered, false
		}
		send(e.version, e.line)
		delivered++
	}
	return delivered, true
}

func (f *fakeChangelog) Subscribe(s Subscriber)   { f.subscribed = append(f.subscribed, s) }
func (f *fakeChangelog) Unsubscribe(s Subscriber) {}

type fakeMeta struct {
	version, id uint64
	stored      int
	storeErr    error
}

func (m *fakeMeta) Version() uint64 { return m.version }
func (m *fakeMeta) ID() uint64      { return m.id }
func (m *fakeMeta) DoStoreMetadata() error {
	m.stored++
	return m.storeErr
}

type recordingSender struct {
	sent []sentPacket
}

type sentPacket struct {
	typ  uint32
	body []byte
}

func (r *recordingSender) Send(typ uint32, body []byte) {
	r.sent = append(r.sent, sentPacket{typ, body})
}

func TestRegisterAdvancedEntersSyncWhenCaughtUp(t *testing.T) {
	cl := &fakeChangelog{entries: []fakeEntry{{1, []byte("a")}, {2, []byte("b")}}}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{version: 2, id: 7}, sender, func() time.Time { return time.Unix(0, 0) }, "ml-1", nil)

	s.RegisterAdvanced(0x04320000, 10*time.Second, 1)

	require.Equal(t, StateSync, s.State)
	require.Len(t, cl.subscribed, 1)
	require.Equal(t, uint32(MasterAckPacketType), sender.sent[0].typ)
	require.Equal(t, byte(1), sender.sent[0].body[0])
}

func TestRegisterAdvancedDrainsWithinDefaultLimit(t *testing.T) {
	var entries []fakeEntry
	for i := uint64(1); i <= 5; i++ {
		entries = append(entries, fakeEntry{i, []byte("x")})
	}
	cl := &fakeChangelog{entries: entries}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{}, sender, nil, "ml-1", nil)

	s.RegisterAdvanced(1, time.Second, 1)
	require.Equal(t, StateSync, s.State) // all 5 delivered within default limit of 10000
}

func TestPumpAdvancesDelayedSessionToSync(t *testing.T) {
	cl := &fakeChangelog{entries: []fakeEntry{{1, []byte("a")}}}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{}, sender, nil, "ml-1", nil)
	s.State = StateDelayed
	s.lastSent = 1

	cl.entries = append(cl.entries, fakeEntry{2, []byte("b")})
	s.Pump()
	require.Equal(t, StateSync, s.State)
}

func TestRegisterSupervisorSendsStateNotBroadcasts(t *testing.T) {
	cl := &fakeChangelog{}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{version: 42, id: 99}, sender, func() time.Time { return time.Unix(123, 0) }, "ml-1", nil)

	s.RegisterSupervisor(1, time.Second)

	require.Len(t, sender.sent, 1)
	require.Equal(t, uint32(StatePacketType), sender.sent[0].typ)
	require.Len(t, cl.subscribed, 0)

	s.BroadcastLog(1, []byte("should not reach supervisor"))
	require.Len(t, sender.sent, 1)
}

func TestStoreMetadataRequiresSupervisor(t *testing.T) {
	cl := &fakeChangelog{}
	sender := &recordingSender{}
	meta := &fakeMeta{}
	s := New(cl, meta, sender, nil, "ml-1", nil)

	s.RegisterSimple(1, time.Second)
	require.Error(t, s.StoreMetadata())
	require.Equal(t, 0, meta.stored)
}

func TestStoreMetadataTriggersDumpForSupervisor(t *testing.T) {
	cl := &fakeChangelog{}
	sender := &recordingSender{}
	meta := &fakeMeta{}
	s := New(cl, meta, sender, func() time.Time { return time.Unix(0, 0) }, "ml-1", nil)

	s.RegisterSupervisor(1, time.Second)
	require.NoError(t, s.StoreMetadata())
	require.Equal(t, 1, meta.stored)
}

func TestDownloadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metadata.mfs.back")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	cl := &fakeChangelog{}
	sender := &recordingSender{}
	s := New(cl, &fakeMeta{}, sender, nil, "ml-1", nil)

	require.NoError(t, s.DownloadStart(1, func(n int) (string, bool) {
		if n == 1 {
			return path, true
		}
		return "", false
	}))
	require.NoError(t, s.DownloadRequest(6, 5))
	s.DownloadEnd()

	require.Len(t, sender.sent, 2)
	require.Equal(t, uint32(DownloadDataPacketType), sender.sent[1].typ)
	require.Equal(t, "world", string(sender.sent[1].body[16:]))
}
