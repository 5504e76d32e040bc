package xfer

import (
	"context"
	"math"
	"sync"

	"github.com/skycoin/dgxfer/pkg/wire"
)

type fragment struct {
	hdr   wire.MessageHeader
	data  []byte
	acked bool
}

// Transaction is one logical transfer: a list of fragments copied to remote memory,
// closed by a flag write. It completes when the peer has acknowledged every fragment.
//
// Fragment payloads are borrowed: the caller must keep the source bytes unchanged
// until the transaction is done.
type Transaction struct {
	id          uint32
	maxFragment int
	msgs        []fragment
	finalized   bool
	posted      bool

	mu   sync.Mutex
	nTx  int
	nRx  int
	err  error
	done chan struct{}
}

// NewTransaction creates an empty transaction whose fragments carry at most
// maxFragment bytes each.
func NewTransaction(id uint32, maxFragment int) *Transaction {
	if maxFragment <= 0 || maxFragment > wire.MaxFragment {
		maxFragment = wire.MaxFragment
	}
	return &Transaction{
		id:          id,
		maxFragment: maxFragment,
		done:        make(chan struct{}),
	}
}

// ID returns the transaction id carried in every fragment header.
func (t *Transaction) ID() uint32 { return t.id }

// Init pre-sizes the fragment list for estimate data fragments.
func (t *Transaction) Init(estimate int) {
	if estimate < 0 {
		estimate = 0
	}
	if cap(t.msgs) < estimate+1 {
		msgs := make([]fragment, len(t.msgs), estimate+1)
		copy(msgs, t.msgs)
		t.msgs = msgs
	}
}

// Add appends DATA fragments copying src to dstOffset in remote memory. Sources
// longer than one fragment are split.
func (t *Transaction) Add(src []byte, dstOffset uint32) error {
	return t.add(wire.Data, src, dstOffset)
}

// AddMetadata is Add for METADATA fragments.
func (t *Transaction) AddMetadata(src []byte, dstOffset uint32) error {
	return t.add(wire.Metadata, src, dstOffset)
}

func (t *Transaction) addDisconnect() error {
	if t.finalized {
		return ErrFinalized
	}
	t.msgs = append(t.msgs, fragment{hdr: wire.MessageHeader{Type: wire.Disconnect}})
	return nil
}

func (t *Transaction) add(typ wire.MessageType, src []byte, dstOffset uint32) error {
	if t.finalized {
		return ErrFinalized
	}
	if uint64(dstOffset)+uint64(len(src)) > math.MaxUint32 {
		return ErrAddressRange
	}
	n := (len(src) + t.maxFragment - 1) / t.maxFragment
	if len(t.msgs)+n+1 > math.MaxUint16 {
		return ErrTooManyFragments
	}

	for len(src) > 0 {
		chunk := src
		if len(chunk) > t.maxFragment {
			chunk = chunk[:t.maxFragment]
		}
		t.msgs = append(t.msgs, fragment{
			hdr: wire.MessageHeader{
				DataAddr: dstOffset,
				DataLen:  uint16(len(chunk)),
				Type:     typ,
			},
			data: chunk,
		})
		src = src[len(chunk):]
		dstOffset += uint32(len(chunk))
	}
	return nil
}

// Fini appends the trailing FLOWCONTROL fragment that posts flagValue to flagAddr and
// seals the transaction. Use wire.NoFlag as flagAddr to skip the flag write.
func (t *Transaction) Fini(flagValue, flagAddr uint32) error {
	if t.finalized {
		return ErrFinalized
	}
	t.msgs = append(t.msgs, fragment{hdr: wire.MessageHeader{DataAddr: flagAddr, Type: wire.FlowControl}})

	total := uint16(len(t.msgs))
	for i := range t.msgs {
		h := &t.msgs[i].hdr
		h.TransactionID = t.id
		h.FlagAddr = flagAddr
		h.FlagValue = flagValue
		h.NumMsgsInTransaction = total
		h.MsgSequence = uint16(i)
	}

	t.mu.Lock()
	t.finalized = true
	t.nTx = len(t.msgs)
	t.mu.Unlock()
	return nil
}

// Len returns the number of fragments, including the trailing flag once sealed.
func (t *Transaction) Len() int { return len(t.msgs) }

// Header returns the header of fragment i.
func (t *Transaction) Header(i int) wire.MessageHeader { return t.msgs[i].hdr }

// Ack marks fragment i as delivered. It reports whether the call changed anything:
// repeated acknowledgements of one fragment are counted once.
func (t *Transaction) Ack(i int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i < 0 || i >= len(t.msgs) || t.msgs[i].acked || t.isDone() {
		return false
	}
	t.msgs[i].acked = true
	t.nRx++
	if t.nRx == t.nTx {
		close(t.done)
	}
	return true
}

// Acked returns how many distinct fragments have been acknowledged.
func (t *Transaction) Acked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nRx
}

// Complete reports whether every fragment has been acknowledged.
func (t *Transaction) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finalized && t.nRx == t.nTx && t.err == nil
}

// fail ends the transaction with err. It reports whether this call ended it.
func (t *Transaction) fail(err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.isDone() {
		return false
	}
	t.err = err
	close(t.done)
	return true
}

func (t *Transaction) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the transaction completes or fails.
func (t *Transaction) Done() <-chan struct{} { return t.done }

// Err returns the failure cause, or nil.
func (t *Transaction) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until the transaction is done or ctx expires.
func (t *Transaction) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
