// Package wire defines the frame and message headers exchanged between datagram endpoints.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// FrameHeaderSize is the encoded size of FrameHeader.
	FrameHeaderSize = 12
	// MessageHeaderSize is the encoded size of MessageHeader.
	MessageHeaderSize = 24
	// MaxMsgs is the maximum number of messages carried by one frame.
	MaxMsgs = 10
	// SeqSpace is the size of the frame sequence space.
	SeqSpace = 256
	// MaxFragment is the largest payload a single message can describe.
	MaxFragment = math.MaxUint16
	// NoFlag is a flag address meaning "do not write a flag".
	NoFlag = math.MaxUint32
)

// Frame flags.
const (
	FlagHasMessages = uint8(1 << 0)
)

// Errors returned by decoding.
var (
	ErrShortFrame      = errors.New("frame shorter than its headers")
	ErrTooManyMessages = errors.New("frame carries too many messages")
	ErrBadSequence     = errors.New("message sequence out of range")
	ErrPayloadOverrun  = errors.New("message payload overruns frame")
	ErrBadMessageType  = errors.New("unknown message type")
	ErrTrailingBytes   = errors.New("trailing bytes after last message")
)

// MessageType is the kind of a message fragment.
type MessageType uint8

// Message types.
const (
	Data        = MessageType(0)
	Metadata    = MessageType(1)
	FlowControl = MessageType(2)
	Disconnect  = MessageType(3)
)

func (mt MessageType) String() string {
	var names = []string{
		Data:        "DATA",
		Metadata:    "METADATA",
		FlowControl: "FLOWCONTROL",
		Disconnect:  "DISCONNECT",
	}
	if int(mt) >= len(names) {
		return fmt.Sprintf("UNKNOWN:%d", mt)
	}
	return names[mt]
}

// FrameHeader starts every datagram.
type FrameHeader struct {
	DestID   uint16
	SrcID    uint16
	FrameSeq uint16
	ACKStart uint16
	ACKCount uint8
	Flags    uint8
	// Session identifies the sender's current sequence space. A new value tells the
	// receiver to forget what it knows about earlier frames.
	Session uint16
}

// HasMessages reports whether the frame carries message fragments.
func (h FrameHeader) HasMessages() bool { return h.Flags&FlagHasMessages != 0 }

// Seq returns the 8-bit frame sequence number.
func (h FrameHeader) Seq() uint8 { return uint8(h.FrameSeq & 0xFF) }

// Put encodes h into b, which must hold FrameHeaderSize bytes.
func (h FrameHeader) Put(b []byte) {
	binary.BigEndian.PutUint16(b[0:], h.DestID)
	binary.BigEndian.PutUint16(b[2:], h.SrcID)
	binary.BigEndian.PutUint16(b[4:], h.FrameSeq)
	binary.BigEndian.PutUint16(b[6:], h.ACKStart)
	b[8] = h.ACKCount
	b[9] = h.Flags
	binary.BigEndian.PutUint16(b[10:], h.Session)
}

func (h FrameHeader) String() string {
	return fmt.Sprintf("frame{dst:%d src:%d seq:%d ack:%d+%d flags:%#x session:%#04x}",
		h.DestID, h.SrcID, h.FrameSeq, h.ACKStart, h.ACKCount, h.Flags, h.Session)
}

// ReadFrameHeader decodes a FrameHeader from b.
func ReadFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < FrameHeaderSize {
		return FrameHeader{}, ErrShortFrame
	}
	return FrameHeader{
		DestID:   binary.BigEndian.Uint16(b[0:]),
		SrcID:    binary.BigEndian.Uint16(b[2:]),
		FrameSeq: binary.BigEndian.Uint16(b[4:]),
		ACKStart: binary.BigEndian.Uint16(b[6:]),
		ACKCount: b[8],
		Flags:    b[9],
		Session:  binary.BigEndian.Uint16(b[10:]),
	}, nil
}

// MessageHeader describes one payload fragment and its place in a transaction.
type MessageHeader struct {
	TransactionID        uint32
	FlagAddr             uint32
	FlagValue            uint32
	NumMsgsInTransaction uint16
	MsgSequence          uint16
	DataAddr             uint32
	DataLen              uint16
	Type                 MessageType
	NextMsg              uint8
}

// Put encodes h into b, which must hold MessageHeaderSize bytes.
func (h MessageHeader) Put(b []byte) {
	binary.BigEndian.PutUint32(b[0:], h.TransactionID)
	binary.BigEndian.PutUint32(b[4:], h.FlagAddr)
	binary.BigEndian.PutUint32(b[8:], h.FlagValue)
	binary.BigEndian.PutUint16(b[12:], h.NumMsgsInTransaction)
	binary.BigEndian.PutUint16(b[14:], h.MsgSequence)
	binary.BigEndian.PutUint32(b[16:], h.DataAddr)
	binary.BigEndian.PutUint16(b[20:], h.DataLen)
	b[22] = byte(h.Type)
	b[23] = h.NextMsg
}

func (h MessageHeader) String() string {
	return fmt.Sprintf("msg{tid:%d %d/%d %s addr:%#x len:%d flag:%#x=%d next:%d}",
		h.TransactionID, h.MsgSequence, h.NumMsgsInTransaction, h.Type,
		h.DataAddr, h.DataLen, h.FlagAddr, h.FlagValue, h.NextMsg)
}

// ReadMessageHeader decodes a MessageHeader from b.
func ReadMessageHeader(b []byte) (MessageHeader, error) {
	if len(b) < MessageHeaderSize {
		return MessageHeader{}, ErrShortFrame
	}
	h := MessageHeader{
		TransactionID:        binary.BigEndian.Uint32(b[0:]),
		FlagAddr:             binary.BigEndian.Uint32(b[4:]),
		FlagValue:            binary.BigEndian.Uint32(b[8:]),
		NumMsgsInTransaction: binary.BigEndian.Uint16(b[12:]),
		MsgSequence:          binary.BigEndian.Uint16(b[14:]),
		DataAddr:             binary.BigEndian.Uint32(b[16:]),
		DataLen:              binary.BigEndian.Uint16(b[20:]),
		Type:                 MessageType(b[22]),
		NextMsg:              b[23],
	}
	if h.Type > Disconnect {
		return h, ErrBadMessageType
	}
	if h.MsgSequence >= h.NumMsgsInTransaction {
		return h, ErrBadSequence
	}
	return h, nil
}

// Message is a decoded message header together with its payload.
// Payload aliases the buffer the frame was decoded from.
type Message struct {
	MessageHeader
	Payload []byte
}

// DecodeFrame parses a whole datagram. Nothing is returned unless every header and
// payload in b is well formed.
func DecodeFrame(b []byte) (FrameHeader, []Message, error) {
	hdr, err := ReadFrameHeader(b)
	if err != nil {
		return hdr, nil, err
	}
	b = b[FrameHeaderSize:]
	if !hdr.HasMessages() {
		if len(b) != 0 {
			return hdr, nil, ErrTrailingBytes
		}
		return hdr, nil, nil
	}

	msgs := make([]Message, 0, 2)
	for {
		if len(msgs) == MaxMsgs {
			return hdr, nil, ErrTooManyMessages
		}
		mh, err := ReadMessageHeader(b)
		if err != nil {
			return hdr, nil, err
		}
		b = b[MessageHeaderSize:]
		if int(mh.DataLen) > len(b) {
			return hdr, nil, ErrPayloadOverrun
		}
		msgs = append(msgs, Message{MessageHeader: mh, Payload: b[:mh.DataLen]})
		b = b[mh.DataLen:]
		if mh.NextMsg == 0 {
			break
		}
	}
	if len(b) != 0 {
		return hdr, nil, ErrTrailingBytes
	}
	return hdr, msgs, nil
}

// EncodedLen returns the encoded size of a frame carrying messages with the given payload sizes.
func EncodedLen(payloads ...int) int {
	n := FrameHeaderSize
	for _, p := range payloads {
		n += MessageHeaderSize + p
	}
	return n
}

// SeqNewer reports whether frame sequence a is newer than b in the 8-bit cyclic space.
func SeqNewer(a, b uint8) bool { return int8(a-b) > 0 }

// SeqDistance returns how many steps forward b is from a, modulo 256.
func SeqDistance(a, b uint8) uint8 { return b - a }
