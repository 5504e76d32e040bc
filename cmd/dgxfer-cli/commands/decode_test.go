package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dgxfer/pkg/wire"
)

func TestParseHex(t *testing.T) {
	hdr := wire.FrameHeader{DestID: 1, SrcID: 2, ACKStart: 5, ACKCount: 2, Session: 0xbeef}
	want := make([]byte, wire.FrameHeaderSize)
	hdr.Put(want)

	cases := []string{
		"0001000200000005020" + "0beef",
		"0x00010002000000050200beef",
		"00:01:00:02:00:00:00:05:02:00:be:ef",
		" 0001 0002 0000 0005 0200 beef\n",
	}
	for _, in := range cases {
		got, err := parseHex(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)

		decoded, msgs, err := wire.DecodeFrame(got)
		require.NoError(t, err)
		assert.Equal(t, hdr, decoded)
		assert.Empty(t, msgs)
	}

	_, err := parseHex("zz")
	assert.Error(t, err)
}
