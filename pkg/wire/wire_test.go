package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFrame(hdr FrameHeader, msgs ...Message) []byte {
	sizes := make([]int, len(msgs))
	for i, m := range msgs {
		sizes[i] = len(m.Payload)
	}
	b := make([]byte, EncodedLen(sizes...))
	hdr.Put(b)
	off := FrameHeaderSize
	for i, m := range msgs {
		mh := m.MessageHeader
		mh.DataLen = uint16(len(m.Payload))
		mh.NextMsg = 0
		if i < len(msgs)-1 {
			mh.NextMsg = 1
		}
		mh.Put(b[off:])
		off += MessageHeaderSize
		off += copy(b[off:], m.Payload)
	}
	return b
}

func TestDecodeFrame(t *testing.T) {
	hdr := FrameHeader{DestID: 2, SrcID: 7, FrameSeq: 0x2a, ACKStart: 10, ACKCount: 5, Flags: FlagHasMessages, Session: 0xbeef}
	data := Message{
		MessageHeader: MessageHeader{TransactionID: 99, NumMsgsInTransaction: 2, DataAddr: 4096, Type: Data},
		Payload:       []byte("hello"),
	}
	flag := Message{
		MessageHeader: MessageHeader{TransactionID: 99, NumMsgsInTransaction: 2, MsgSequence: 1,
			FlagAddr: 64, FlagValue: 1, DataAddr: 64, Type: FlowControl},
	}

	b := buildFrame(hdr, data, flag)
	require.Len(t, b, FrameHeaderSize+2*MessageHeaderSize+5)

	gotHdr, msgs, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.Equal(t, hdr, gotHdr)
	assert.Equal(t, uint8(0x2a), gotHdr.Seq())
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("hello"), msgs[0].Payload)
	assert.Equal(t, uint8(1), msgs[0].NextMsg)
	assert.Equal(t, FlowControl, msgs[1].Type)
	assert.Equal(t, uint32(64), msgs[1].FlagAddr)
	assert.Empty(t, msgs[1].Payload)
}

func TestDecodeFrameAckOnly(t *testing.T) {
	b := make([]byte, FrameHeaderSize)
	FrameHeader{DestID: 1, SrcID: 2, ACKStart: 250, ACKCount: 9}.Put(b)

	hdr, msgs, err := DecodeFrame(b)
	require.NoError(t, err)
	assert.False(t, hdr.HasMessages())
	assert.Nil(t, msgs)
	assert.Equal(t, uint16(250), hdr.ACKStart)
}

func TestDecodeFrameMalformed(t *testing.T) {
	good := buildFrame(FrameHeader{Flags: FlagHasMessages}, Message{
		MessageHeader: MessageHeader{NumMsgsInTransaction: 1},
		Payload:       []byte{1, 2, 3, 4},
	})

	tooMany := make([]Message, MaxMsgs+1)
	for i := range tooMany {
		tooMany[i].NumMsgsInTransaction = 1
	}

	badSeq := buildFrame(FrameHeader{Flags: FlagHasMessages}, Message{
		MessageHeader: MessageHeader{NumMsgsInTransaction: 1, MsgSequence: 1},
	})
	badType := buildFrame(FrameHeader{Flags: FlagHasMessages}, Message{
		MessageHeader: MessageHeader{NumMsgsInTransaction: 1, Type: MessageType(9)},
	})
	overrun := append([]byte(nil), good...)
	overrun[FrameHeaderSize+20] = 0xFF

	cases := []struct {
		name string
		b    []byte
		err  error
	}{
		{"empty", nil, ErrShortFrame},
		{"short header", good[:FrameHeaderSize-1], ErrShortFrame},
		{"short message header", good[:FrameHeaderSize+MessageHeaderSize-1], ErrShortFrame},
		{"truncated payload", good[:len(good)-1], ErrPayloadOverrun},
		{"trailing bytes", append(append([]byte(nil), good...), 0), ErrTrailingBytes},
		{"too many messages", buildFrame(FrameHeader{Flags: FlagHasMessages}, tooMany...), ErrTooManyMessages},
		{"sequence out of range", badSeq, ErrBadSequence},
		{"unknown type", badType, ErrBadMessageType},
		{"overrun", overrun, ErrPayloadOverrun},
		{"ack-only with payload", append(make([]byte, FrameHeaderSize), 1), ErrTrailingBytes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, msgs, err := DecodeFrame(tc.b)
			assert.Equal(t, tc.err, err)
			assert.Nil(t, msgs)
		})
	}
}

func TestSeqNewer(t *testing.T) {
	cases := []struct {
		a, b  uint8
		newer bool
	}{
		{1, 0, true},
		{0, 1, false},
		{0, 255, true},
		{5, 250, true},
		{250, 5, false},
		{127, 0, true},
		{128, 0, false},
		{7, 7, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.newer, SeqNewer(tc.a, tc.b), "SeqNewer(%d, %d)", tc.a, tc.b)
	}

	// Cyclic consistency: for every pair at most one direction is newer, and shifting
	// both by the same amount never changes the answer.
	for a := 0; a < SeqSpace; a++ {
		for b := 0; b < SeqSpace; b++ {
			x, y := uint8(a), uint8(b)
			require.False(t, SeqNewer(x, y) && SeqNewer(y, x))
			require.Equal(t, SeqNewer(x, y), SeqNewer(x+100, y+100))
		}
	}
	assert.Equal(t, uint8(3), SeqDistance(254, 1))
}

func TestMessageTypeString(t *testing.T) {
	assert.Equal(t, "FLOWCONTROL", FlowControl.String())
	assert.Equal(t, "UNKNOWN:7", MessageType(7).String())
}
