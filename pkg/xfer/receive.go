package xfer

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/skycoin/dgxfer/pkg/wire"
)

// FrameRecord remembers whether a received frame sequence was already processed.
type FrameRecord struct {
	Acked bool
	ID    uint32
}

type msgTransactionRecord struct {
	id         uint32
	numMsgs    uint16
	processed  uint16
	seen       []bool
	flagAddr   uint32
	flagValue  uint32
	disconnect bool
}

// event is reported to the engine handler once the services lock is released.
type event struct {
	flag       bool
	addr       uint32
	value      uint32
	disconnect bool
}

// peerReceiver is the receive history of one remote mailbox. The engine keeps it
// for the life of the engine, across Forget.
type peerReceiver struct {
	mu           sync.Mutex
	session      uint16
	pastSessions []uint16
	records      [wire.SeqSpace]FrameRecord
	newest       uint8
	seenAny      bool
	open         map[uint32]*msgTransactionRecord
	retired      *lru.Cache // transaction id -> struct{}
}

func newPeerReceiver() *peerReceiver {
	retired, err := lru.New(MaxTransactionHistory)
	if err != nil {
		panic(err)
	}
	return &peerReceiver{
		open:    make(map[uint32]*msgTransactionRecord),
		retired: retired,
	}
}

// ProcessFrame is the receive path for one decoded frame from the peer: it releases
// frames the peer acknowledged, drops duplicates and delivers new fragments to local
// memory. A rejected frame is neither acknowledged nor applied.
func (s *Services) ProcessFrame(hdr wire.FrameHeader, msgs []wire.Message) error {
	s.mu.Lock()
	s.rx.mu.Lock()
	events, err := s.processFrame(hdr, msgs, s.e.now())
	s.rx.mu.Unlock()
	s.mu.Unlock()

	for _, ev := range events {
		s.e.dispatch(s.remoteID, ev)
	}
	return err
}

func (s *Services) processFrame(hdr wire.FrameHeader, msgs []wire.Message, now time.Time) ([]event, error) {
	rx := s.rx
	if hdr.Session != rx.session {
		if !s.adoptSession(hdr.Session) {
			return nil, ErrStaleSession
		}
	}
	s.addFrameAck(hdr)
	defer s.schedule(now)

	if !hdr.HasMessages() {
		return nil, nil
	}

	seq := hdr.Seq()
	if rx.isDuplicate(seq) {
		s.ack(1, seq)
		return nil, ErrDuplicateFrame
	}
	if err := s.validate(msgs); err != nil {
		return nil, err
	}

	rx.advance(seq)
	rx.records[seq] = FrameRecord{Acked: true, ID: uint32(hdr.FrameSeq)}
	s.ack(1, seq)

	var events []event
	for i := range msgs {
		if ev, ok := s.deliver(&msgs[i]); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

// maxPastSessions bounds the peer sessions remembered as finished.
const maxPastSessions = 8

// adoptSession switches to a new peer session, forgetting the receive state of the
// previous one. Frames of finished sessions are refused.
func (s *Services) adoptSession(session uint16) bool {
	rx := s.rx
	for _, past := range rx.pastSessions {
		if past == session {
			return false
		}
	}
	if rx.seenAny {
		log.Debugf("mailbox %d: peer %d restarted (session %#04x)", s.e.localID, s.remoteID, session)
	}
	if rx.session != 0 {
		rx.pastSessions = append(rx.pastSessions, rx.session)
		if len(rx.pastSessions) > maxPastSessions {
			rx.pastSessions = rx.pastSessions[1:]
		}
	}
	rx.session = session
	rx.records = [wire.SeqSpace]FrameRecord{}
	rx.seenAny = false
	rx.open = make(map[uint32]*msgTransactionRecord)
	s.pendingAcks = s.pendingAcks[:0]
	return true
}

// isDuplicate reports whether seq was already processed. Sequences up to half the
// space behind the newest one are checked against their record; anything further
// back is a stale copy.
func (rx *peerReceiver) isDuplicate(seq uint8) bool {
	if !rx.seenAny {
		return false
	}
	behind := rx.newest - seq
	if behind > wire.SeqSpace/2 {
		return false
	}
	if behind == wire.SeqSpace/2 {
		return true
	}
	return rx.records[seq].Acked
}

// advance moves the newest sequence forward to seq, forgetting records that fall
// out of the window.
func (rx *peerReceiver) advance(seq uint8) {
	if !rx.seenAny {
		rx.seenAny = true
		rx.newest = seq
		return
	}
	if !wire.SeqNewer(seq, rx.newest) {
		return
	}
	for x := rx.newest + 1; ; x++ {
		rx.records[x-wire.SeqSpace/2] = FrameRecord{}
		if x == seq {
			break
		}
	}
	rx.newest = seq
}

// opens returns how many transactions not yet tracked msgs would start.
func (rx *peerReceiver) opens(msgs []wire.Message) int {
	var n int
	for i := range msgs {
		tid := msgs[i].TransactionID
		if _, ok := rx.open[tid]; ok || rx.retired.Contains(tid) {
			continue
		}
		dup := false
		for j := 0; j < i; j++ {
			if msgs[j].TransactionID == tid {
				dup = true
				break
			}
		}
		if !dup {
			n++
		}
	}
	return n
}

func (s *Services) validate(msgs []wire.Message) error {
	mem := s.e.mem
	for i := range msgs {
		m := &msgs[i]
		switch m.Type {
		case wire.Data, wire.Metadata:
			if !mem.Contains(m.DataAddr, len(m.Payload)) {
				return ErrOutOfBounds
			}
		}
		if m.FlagAddr != wire.NoFlag && !mem.Contains(m.FlagAddr, 4) {
			return ErrOutOfBounds
		}
	}
	if len(s.rx.open)+s.rx.opens(msgs) > MaxOpenTransactions {
		return ErrTooManyOpen
	}
	return nil
}

// deliver applies one fragment. Fragments of a transaction may arrive in any order and
// more than once; the flag is written only after all of them were seen.
func (s *Services) deliver(m *wire.Message) (event, bool) {
	rx := s.rx
	tid := m.TransactionID
	if rx.retired.Contains(tid) {
		return event{}, false
	}

	rec, ok := rx.open[tid]
	if !ok {
		rec = &msgTransactionRecord{
			id:      tid,
			numMsgs: m.NumMsgsInTransaction,
			seen:    make([]bool, m.NumMsgsInTransaction),
		}
		rx.open[tid] = rec
	}
	if rec.numMsgs != m.NumMsgsInTransaction {
		log.WithError(ErrTransactionLength).Warnf("mailbox %d transaction %d", s.remoteID, tid)
		return event{}, false
	}
	if rec.seen[m.MsgSequence] {
		return event{}, false
	}

	switch m.Type {
	case wire.Data, wire.Metadata:
		if err := s.e.mem.WriteAt(m.Payload, m.DataAddr); err != nil {
			log.WithError(err).Warnf("mailbox %d transaction %d: write at %#x", s.remoteID, tid, m.DataAddr)
			return event{}, false
		}
	case wire.Disconnect:
		rec.disconnect = true
	}
	rec.seen[m.MsgSequence] = true
	rec.processed++
	rec.flagAddr = m.FlagAddr
	rec.flagValue = m.FlagValue

	if rec.processed < rec.numMsgs {
		return event{}, false
	}

	delete(rx.open, tid)
	rx.retired.Add(tid, struct{}{})

	ev := event{disconnect: rec.disconnect}
	if rec.flagAddr != wire.NoFlag {
		if err := s.e.mem.PutFlag(rec.flagAddr, rec.flagValue); err != nil {
			log.WithError(err).Warnf("mailbox %d transaction %d: flag at %#x", s.remoteID, tid, rec.flagAddr)
		} else {
			ev.flag, ev.addr, ev.value = true, rec.flagAddr, rec.flagValue
		}
	}
	return ev, ev.flag || ev.disconnect
}

// Record returns the receive record of frame sequence seq.
func (s *Services) Record(seq uint8) FrameRecord {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()
	return s.rx.records[seq]
}

// OpenTransactions returns the number of partly received transactions from the peer.
func (s *Services) OpenTransactions() int {
	s.rx.mu.Lock()
	defer s.rx.mu.Unlock()
	return len(s.rx.open)
}
