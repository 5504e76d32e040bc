package dgram

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

func newLocalUDP(t *testing.T, maxPayload uint16) *PacketSocket {
	conn, err := nettest.NewLocalPacketListener("udp")
	require.NoError(t, err)
	s := NewPacketSocket(conn, maxPayload)
	s.SetReadTimeout(50 * time.Millisecond)
	return s
}

func TestPacketSocket(t *testing.T) {
	a := newLocalUDP(t, 0)
	b := newLocalUDP(t, 0)
	defer func() {
		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
	}()

	assert.Equal(t, uint16(DefaultUDPPayload), a.MaxPayloadSize())
	require.NoError(t, a.Send(b.LocalAddr(), []byte("head"), []byte("er"), []byte("+payload")))

	buf := make([]byte, 2048)
	var (
		n, off int
		src    string
		err    error
	)
	for i := 0; i < 20 && n == 0; i++ {
		n, off, src, err = b.Receive(buf)
		require.NoError(t, err)
	}
	assert.Equal(t, "header+payload", string(buf[off:off+n]))
	assert.Equal(t, a.LocalAddr(), src)
}

func TestPacketSocketTimeoutAndClose(t *testing.T) {
	s := newLocalUDP(t, 64)

	n, _, _, err := s.Receive(make([]byte, 64))
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, ErrDatagramTooLong, s.Send(s.LocalAddr(), make([]byte, 65)))

	require.NoError(t, s.Close())
	assert.Equal(t, ErrClosed, s.Close())
	assert.Equal(t, ErrClosed, s.Send(s.LocalAddr(), []byte{1}))

	_, _, _, err = s.Receive(make([]byte, 64))
	assert.Equal(t, ErrClosed, err)
}
