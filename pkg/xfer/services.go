package xfer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/skycoin/dgxfer/pkg/wire"
)

// Services moves transactions between the local engine and one remote mailbox.
// The frame pool and ack state are guarded by mu. The receive history lives in rx,
// which the engine hands to every Services created for the same peer.
type Services struct {
	e        *Engine
	remoteID uint16
	addr     string

	mu          sync.Mutex
	session     uint16
	pool        *FramePool
	nextSeq     uint8
	backlog     []msgRef
	pendingAcks []uint8
	lastAckSend time.Time
	retiring    bool

	rx *peerReceiver // locked after mu
}

func newServices(e *Engine, remoteID uint16, addr string, rx *peerReceiver) *Services {
	return &Services{
		e:        e,
		remoteID: remoteID,
		addr:     addr,
		session:  e.newSession(),
		pool:     NewFramePool(e.cfg.Window),
		rx:       rx,
	}
}

// RemoteID returns the peer mailbox.
func (s *Services) RemoteID() uint16 { return s.remoteID }

// Addr returns the carrier address of the peer.
func (s *Services) Addr() string { return s.addr }

// NewTransaction creates a transaction sized for about estimate data fragments.
func (s *Services) NewTransaction(estimate int) *Transaction {
	tx := NewTransaction(atomic.AddUint32(&s.e.nextTID, 1), s.e.maxFragment)
	tx.Init(estimate)
	return tx
}

// Post queues a sealed transaction for transmission.
func (s *Services) Post(tx *Transaction) error {
	if !tx.finalized {
		return ErrNotFinalized
	}
	if s.e.stopped() {
		return ErrEngineStopped
	}
	for i := range tx.msgs {
		if len(tx.msgs[i].data) > s.e.maxFragment {
			return ErrFragmentTooLarge
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.posted {
		return ErrAlreadyPosted
	}
	tx.posted = true
	for i := range tx.msgs {
		s.backlog = append(s.backlog, msgRef{tx: tx, idx: i})
	}
	s.schedule(s.e.now())
	return nil
}

// Disconnect tells the peer this side is going away.
func (s *Services) Disconnect() (*Transaction, error) {
	tx := s.NewTransaction(1)
	if err := tx.addDisconnect(); err != nil {
		return nil, err
	}
	if err := tx.Fini(0, wire.NoFlag); err != nil {
		return nil, err
	}
	return tx, s.Post(tx)
}

// Backlog returns the number of fragments waiting for a free frame.
func (s *Services) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.backlog)
}

// InFlight returns the number of unacknowledged frames.
func (s *Services) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.InFlight()
}

// schedule packs backlog fragments into free frames and posts them. Running out of
// frames leaves the rest queued until acknowledgements free some.
func (s *Services) schedule(now time.Time) {
	for len(s.backlog) > 0 {
		id, err := s.pool.NextFreeFrame(s.nextSeq)
		if err != nil {
			return
		}
		s.nextSeq++
		s.getFrame(id, s.e.frameCapacity())

		if s.pool.Frame(id).nMsgs == 0 {
			s.pool.Release(uint8(id))
			continue
		}
		s.post(id, now, false)
	}
}

// getFrame packs queued fragments first-fit in arrival order into frame id, using at
// most bytesLeft bytes after the frame header. It returns the remaining backlog length.
func (s *Services) getFrame(id FrameID, bytesLeft int) int {
	f := s.pool.Frame(id)
	for len(s.backlog) > 0 && f.nMsgs < wire.MaxMsgs {
		ref := s.backlog[0]
		if ref.tx.isDone() {
			s.backlog = s.backlog[1:]
			continue
		}
		need := wire.MessageHeaderSize + len(ref.data())
		if need > bytesLeft {
			break
		}
		f.msgs[f.nMsgs] = ref
		f.nMsgs++
		bytesLeft -= need
		s.backlog = s.backlog[1:]
	}
	if len(s.backlog) == 0 {
		s.backlog = nil
	}
	return len(s.backlog)
}

// post transmits frame id with any pending acks piggy-backed on it.
func (s *Services) post(id FrameID, now time.Time, resend bool) {
	f := s.pool.Frame(id)
	f.Header = wire.FrameHeader{
		DestID:   s.remoteID,
		SrcID:    s.e.localID,
		FrameSeq: uint16(uint8(id)),
		Flags:    wire.FlagHasMessages,
		Session:  s.session,
	}
	s.setAcks(&f.Header, now)
	f.sendTime = now

	if err := s.e.sendFrame(s.addr, f.Header, f.msgs[:f.nMsgs]); err != nil {
		log.WithError(err).Warnf("send of frame %d to mailbox %d failed", id, s.remoteID)
	}
	s.e.metrics.FrameSent(resend)
}

// setAcks moves the leading contiguous run of pending acks into h.
func (s *Services) setAcks(h *wire.FrameHeader, now time.Time) {
	if len(s.pendingAcks) == 0 {
		return
	}
	start := s.pendingAcks[0]
	count := 1
	for count < len(s.pendingAcks) && count < 255 && s.pendingAcks[count] == start+uint8(count) {
		count++
	}
	h.ACKStart = uint16(start)
	h.ACKCount = uint8(count)
	s.pendingAcks = s.pendingAcks[count:]
	s.lastAckSend = now
}

// Ack queues count consecutive received sequences starting at start for acknowledgement.
func (s *Services) Ack(count int, start uint8) {
	s.mu.Lock()
	s.ack(count, start)
	s.mu.Unlock()
}

func (s *Services) ack(count int, start uint8) {
next:
	for k := 0; k < count; k++ {
		seq := start + uint8(k)
		for _, p := range s.pendingAcks {
			if p == seq {
				continue next
			}
		}
		s.pendingAcks = append(s.pendingAcks, seq)
	}
}

// PendingAcks returns the queued acknowledgements in FIFO order.
func (s *Services) PendingAcks() []uint8 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uint8(nil), s.pendingAcks...)
}

// SendAcks flushes pending acks on ACK-only frames when none went out for longer
// than timeout.
func (s *Services) SendAcks(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	s.sendAcks(now, timeout)
	s.mu.Unlock()
}

func (s *Services) sendAcks(now time.Time, timeout time.Duration) {
	if len(s.pendingAcks) == 0 || now.Sub(s.lastAckSend) <= timeout {
		return
	}
	for len(s.pendingAcks) > 0 {
		h := wire.FrameHeader{DestID: s.remoteID, SrcID: s.e.localID, Session: s.session}
		s.setAcks(&h, now)
		if err := s.e.sendFrame(s.addr, h, nil); err != nil {
			log.WithError(err).Warnf("ack to mailbox %d failed", s.remoteID)
		}
		s.e.metrics.AckOnlySent()
	}
}

// AddFrameAck releases every frame acknowledged by h and refills the freed slots
// from the backlog.
func (s *Services) AddFrameAck(h wire.FrameHeader) {
	s.mu.Lock()
	s.addFrameAck(h)
	s.schedule(s.e.now())
	s.mu.Unlock()
}

func (s *Services) addFrameAck(h wire.FrameHeader) {
	start := uint8(h.ACKStart)
	for k := 0; k < int(h.ACKCount); k++ {
		s.releaseFrame(start + uint8(k))
	}
}

// ReleaseFrame returns the frame at seq to the pool and acknowledges its fragments.
// It reports false when the frame was already free.
func (s *Services) ReleaseFrame(seq uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseFrame(seq)
}

func (s *Services) releaseFrame(seq uint8) bool {
	f, ok := s.pool.Release(seq)
	if !ok {
		return false
	}
	for _, ref := range f.msgs[:f.nMsgs] {
		if ref.tx.Ack(ref.idx) && ref.tx.Complete() {
			s.e.metrics.TransactionDone(false)
		}
	}
	return true
}

// CheckAcks resends frames unacknowledged for longer than timeout. A frame already
// resent MaxResends times fails the transactions it carries instead.
func (s *Services) CheckAcks(now time.Time, timeout time.Duration) {
	s.mu.Lock()
	s.checkAcks(now, timeout)
	s.mu.Unlock()
}

func (s *Services) checkAcks(now time.Time, timeout time.Duration) {
	for _, id := range s.pool.inFlightIDs(s.nextSeq) {
		f := s.pool.Frame(id)
		if now.Sub(f.sendTime) <= timeout {
			continue
		}
		if f.resends >= s.e.cfg.MaxResends {
			log.Warnf("frame %d to mailbox %d unacknowledged after %d resends", id, s.remoteID, f.resends)
			s.failFrame(uint8(id), ErrRetriesExhausted)
			continue
		}
		f.resends++
		s.post(id, now, true)
	}
}

func (s *Services) failFrame(seq uint8, err error) {
	f, ok := s.pool.Release(seq)
	if !ok {
		return
	}
	for _, ref := range f.msgs[:f.nMsgs] {
		if ref.tx.fail(err) {
			s.e.metrics.TransactionDone(true)
		}
	}
}

// tick runs one monitor pass. It reports whether retired services have drained.
func (s *Services) tick(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkAcks(now, s.e.cfg.ResendTimeout)
	s.schedule(now)
	s.sendAcks(now, s.e.cfg.AckTimeout)
	return s.retiring && s.pool.InFlight() == 0 && len(s.backlog) == 0 && len(s.pendingAcks) == 0
}

// abandon fails every unfinished transaction known to s.
func (s *Services) abandon(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.pool.inFlightIDs(0) {
		s.failFrame(uint8(id), err)
	}
	for _, ref := range s.backlog {
		if ref.tx.fail(err) {
			s.e.metrics.TransactionDone(true)
		}
	}
	s.backlog = nil
}
