package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestFramingRoundTrip exercises spec §8 property 1: feeding the encoded
// bytes one at a time still yields exactly the original packet.
func TestFramingRoundTrip(t *testing.T) {
	body := []byte("hello chunkserver")
	encoded := Encode(42, body)

	pr, pw := io.Pipe()
	go func() {
		for _, b := range encoded {
			_, _ = pw.Write([]byte{b})
		}
		_ = pw.Close()
	}()

	r := NewReader(pr, 1<<20)
	pkt, err := r.ReadPacket()
	require.NoError(t, err)
	require.EqualValues(t, 42, pkt.Type)
	require.Equal(t, body, pkt.Body)
}

func TestFramingEmptyBody(t *testing.T) {
	encoded := Encode(proto_NOP, nil)
	r := NewReader(bytes.NewReader(encoded), 1<<20)
	pkt, err := r.ReadPacket()
	require.NoError(t, err)
	require.EqualValues(t, 0, pkt.Type)
	require.Empty(t, pkt.Body)
}

func TestPacketTooLong(t *testing.T) {
	encoded := Encode(1, make([]byte, 100))
	r := NewReader(bytes.NewReader(encoded), 10)
	_, err := r.ReadPacket()
	require.ErrorIs(t, err, ErrPacketTooLong)
}

const proto_NOP = 0
