package dgram

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemNetwork(t *testing.T) {
	n := NewMemNetwork()
	a, err := n.Listen("", 128)
	require.NoError(t, err)
	b, err := n.Listen("b", 128)
	require.NoError(t, err)

	_, err = n.Listen("b", 128)
	assert.Error(t, err)

	var dropped int32
	n.SetFilter(func(src, dst string, p []byte) int {
		switch p[0] {
		case 'd':
			atomic.AddInt32(&dropped, 1)
			return 0
		case '2':
			return 2
		default:
			return 1
		}
	})

	require.NoError(t, a.Send("b", []byte("drop")))
	require.NoError(t, a.Send("b", []byte("2x")))
	require.NoError(t, a.Send("b", []byte("o"), []byte("k")))
	assert.Equal(t, ErrUnknownAddr, a.Send("nowhere", []byte("x")))
	assert.Equal(t, ErrDatagramTooLong, a.Send("b", make([]byte, 129)))

	buf := make([]byte, 128)
	var got []string
	for i := 0; i < 3; i++ {
		k, off, src, err := b.Receive(buf)
		require.NoError(t, err)
		require.NotZero(t, k)
		assert.Equal(t, a.LocalAddr(), src)
		got = append(got, string(buf[off:off+k]))
	}
	assert.Equal(t, []string{"2x", "2x", "ok"}, got)
	assert.Equal(t, int32(1), atomic.LoadInt32(&dropped))

	require.NoError(t, b.Close())
	_, _, _, err = b.Receive(buf)
	assert.Equal(t, ErrClosed, err)
	assert.Equal(t, ErrUnknownAddr, a.Send("b", []byte("x")))
}

func TestBufferPoolGather(t *testing.T) {
	bp := NewBufferPool(8)
	b, err := bp.Gather([][]byte{[]byte("abc"), []byte("de")})
	require.NoError(t, err)
	assert.Equal(t, "abcde", string(b))
	bp.Put(b)

	_, err = bp.Gather([][]byte{make([]byte, 9)})
	assert.Equal(t, ErrDatagramTooLong, err)

	bp.Put(make([]byte, 3))
	assert.Len(t, bp.Get(), 8)
}
