package xfer

import (
	"time"

	"github.com/skycoin/dgxfer/pkg/wire"
)

// MaxWindow is the largest span of frame sequences that may be in flight at once.
// Keeping it under half the sequence space lets the receiver tell new frames from
// retransmissions.
const MaxWindow = wire.SeqSpace/2 - 1

// FrameID is the index of a frame in its pool. It equals the frame sequence number.
type FrameID uint32

type msgRef struct {
	tx  *Transaction
	idx int
}

func (r msgRef) header() wire.MessageHeader { return r.tx.msgs[r.idx].hdr }
func (r msgRef) data() []byte               { return r.tx.msgs[r.idx].data }

// Frame is one in-flight datagram and the fragments it carries.
type Frame struct {
	Header   wire.FrameHeader
	msgs     [wire.MaxMsgs]msgRef
	nMsgs    int
	sendTime time.Time
	resends  int
	free     bool
}

// Messages returns the number of fragments packed into the frame.
func (f *Frame) Messages() int { return f.nMsgs }

// Resends returns how many times the frame was retransmitted.
func (f *Frame) Resends() int { return f.resends }

// FramePool is an arena of frames indexed by sequence number.
type FramePool struct {
	frames   [wire.SeqSpace]Frame
	window   int
	inFlight int
}

// NewFramePool creates a pool that keeps at most window consecutive sequences in flight.
func NewFramePool(window int) *FramePool {
	if window <= 0 || window > MaxWindow {
		window = MaxWindow
	}
	p := &FramePool{window: window}
	for i := range p.frames {
		p.frames[i].free = true
	}
	return p
}

// NextFreeFrame claims the frame for sequence seq. It fails with ErrPoolExhausted while
// that slot, or any slot older than the window behind seq, is still in flight.
func (p *FramePool) NextFreeFrame(seq uint8) (FrameID, error) {
	for k := 0; k <= wire.SeqSpace-p.window; k++ {
		if !p.frames[seq+uint8(k)].free {
			return 0, ErrPoolExhausted
		}
	}

	f := &p.frames[seq]
	*f = Frame{Header: wire.FrameHeader{FrameSeq: uint16(seq)}}
	p.inFlight++
	return FrameID(seq), nil
}

// Frame returns the frame with the given id.
func (p *FramePool) Frame(id FrameID) *Frame { return &p.frames[uint8(id)] }

// Release frees the frame at seq and returns it. The returned frame keeps its
// contents until the slot is claimed again.
func (p *FramePool) Release(seq uint8) (*Frame, bool) {
	f := &p.frames[seq]
	if f.free {
		return nil, false
	}
	f.free = true
	p.inFlight--
	return f, true
}

// InFlight returns the number of claimed frames.
func (p *FramePool) InFlight() int { return p.inFlight }

// inFlightIDs returns the claimed frame ids, oldest slot first relative to from.
func (p *FramePool) inFlightIDs(from uint8) []FrameID {
	ids := make([]FrameID, 0, p.inFlight)
	for k := 0; k < wire.SeqSpace; k++ {
		seq := from + uint8(k)
		if !p.frames[seq].free {
			ids = append(ids, FrameID(seq))
		}
	}
	return ids
}
