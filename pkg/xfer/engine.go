// Package xfer implements reliable RDMA style writes over an unreliable datagram socket.
//
// A Transaction is split into fragments, fragments are packed into frames of up to
// wire.MaxMsgs messages, and frames are retransmitted until the peer acknowledges
// them. The receiver writes fragments into its local memory and raises the
// transaction's flag once every fragment has landed.
package xfer

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dgxfer/pkg/dgram"
	"github.com/skycoin/dgxfer/pkg/metrics"
	"github.com/skycoin/dgxfer/pkg/wire"
)

var log = logging.MustGetLogger("xfer")

// Memory is the local memory remote peers write into.
type Memory interface {
	Contains(off uint32, n int) bool
	WriteAt(b []byte, off uint32) error
	PutFlag(off, v uint32) error
}

// Handler is notified of completed remote writes. Calls happen on the receive pump
// and must not block.
type Handler interface {
	FlagWritten(remoteID uint16, addr, value uint32)
	PeerDisconnected(remoteID uint16)
}

type nopHandler struct{}

func (nopHandler) FlagWritten(uint16, uint32, uint32) {}
func (nopHandler) PeerDisconnected(uint16)            {}

// Engine owns one socket, its receive pump and the per-peer Services.
type Engine struct {
	cfg         Config
	localID     uint16
	sock        dgram.Socket
	mem         Memory
	handler     Handler
	metrics     metrics.Recorder
	maxFragment int
	nextTID     uint32
	nextSession uint32
	now         func() time.Time

	mu        sync.RWMutex
	services  map[uint16]*Services
	receivers map[uint16]*peerReceiver

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewEngine creates an engine for mailbox localID on sock. Remote writes land in mem.
func NewEngine(localID uint16, sock dgram.Socket, mem Memory, cfg Config) (*Engine, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	capacity := int(sock.MaxPayloadSize()) - wire.FrameHeaderSize
	maxFragment := capacity - wire.MessageHeaderSize
	if maxFragment < 1 {
		return nil, ErrPayloadTooSmall
	}
	if maxFragment > wire.MaxFragment {
		maxFragment = wire.MaxFragment
	}
	return &Engine{
		cfg:         cfg,
		localID:     localID,
		sock:        sock,
		mem:         mem,
		handler:     nopHandler{},
		metrics:     metrics.NewDummy(),
		maxFragment: maxFragment,
		nextTID:     uint32(time.Now().UnixNano()),
		nextSession: uint32(time.Now().UnixNano() >> 16),
		now:         time.Now,
		services:    make(map[uint16]*Services),
		receivers:   make(map[uint16]*peerReceiver),
		done:        make(chan struct{}),
	}, nil
}

// SetHandler installs h. It must be called before Start.
func (e *Engine) SetHandler(h Handler) {
	if h == nil {
		h = nopHandler{}
	}
	e.handler = h
}

// SetMetrics installs m. It must be called before Start.
func (e *Engine) SetMetrics(m metrics.Recorder) {
	if m == nil {
		m = metrics.NewDummy()
	}
	e.metrics = m
}

// LocalID returns the local mailbox.
func (e *Engine) LocalID() uint16 { return e.localID }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// MaxFragment returns the largest fragment payload that fits in one frame.
func (e *Engine) MaxFragment() int { return e.maxFragment }

func (e *Engine) frameCapacity() int { return int(e.sock.MaxPayloadSize()) - wire.FrameHeaderSize }

// Services returns the services for remoteID, creating them with carrier address addr
// on first use. It cancels a pending Forget.
func (e *Engine) Services(remoteID uint16, addr string) *Services {
	s := e.peer(remoteID, addr)
	s.mu.Lock()
	s.retiring = false
	s.mu.Unlock()
	return s
}

func (e *Engine) peer(remoteID uint16, addr string) *Services {
	e.mu.RLock()
	s, ok := e.services[remoteID]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.services[remoteID]; ok {
		return s
	}
	rx, ok := e.receivers[remoteID]
	if !ok {
		rx = newPeerReceiver()
		e.receivers[remoteID] = rx
	}
	s = newServices(e, remoteID, addr, rx)
	e.services[remoteID] = s
	log.Debugf("mailbox %d: new peer %d at %s", e.localID, remoteID, addr)
	return s
}

// Lookup returns the services for remoteID if they exist.
func (e *Engine) Lookup(remoteID uint16) (*Services, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.services[remoteID]
	return s, ok
}

// Peers returns the known remote mailboxes in ascending order.
func (e *Engine) Peers() []uint16 {
	e.mu.RLock()
	ids := make([]uint16, 0, len(e.services))
	for id := range e.services {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Forget drops the send state kept for remoteID once its outstanding frames and acks
// drained. The receive history of the peer is kept, so late retransmissions of frames
// already applied are still acknowledged and dropped.
func (e *Engine) Forget(remoteID uint16) {
	if s, ok := e.Lookup(remoteID); ok {
		s.mu.Lock()
		s.retiring = true
		s.mu.Unlock()
	}
}

func (e *Engine) newSession() uint16 {
	for {
		if id := uint16(atomic.AddUint32(&e.nextSession, 1)); id != 0 {
			return id
		}
	}
}

func (e *Engine) remove(s *Services) {
	e.mu.Lock()
	if e.services[s.remoteID] == s {
		delete(e.services, s.remoteID)
		log.Debugf("mailbox %d: forgot peer %d", e.localID, s.remoteID)
	}
	e.mu.Unlock()
}

func (e *Engine) snapshot() []*Services {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Services, 0, len(e.services))
	for _, s := range e.services {
		out = append(out, s)
	}
	return out
}

// Start launches the receive pump and the retransmission monitor.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(2)
		go e.receiveLoop()
		go e.monitorLoop()
	})
}

// Stop closes the socket, joins the background goroutines and fails every
// unfinished transaction with ErrEngineStopped.
func (e *Engine) Stop() error {
	err := ErrEngineStopped
	e.stopOnce.Do(func() {
		close(e.done)
		err = e.sock.Close()
		e.wg.Wait()
		for _, s := range e.snapshot() {
			s.abandon(ErrEngineStopped)
		}
	})
	return err
}

func (e *Engine) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) receiveLoop() {
	defer e.wg.Done()

	buf := make([]byte, 1<<16)
	for {
		n, off, src, err := e.sock.Receive(buf)
		if err != nil {
			if e.stopped() || err == dgram.ErrClosed {
				return
			}
			log.WithError(err).Warn("receive failed")
			continue
		}
		if n == 0 {
			continue
		}
		e.HandleDatagram(buf[off:off+n], src)
	}
}

// HandleDatagram decodes and processes one datagram received from src.
func (e *Engine) HandleDatagram(b []byte, src string) {
	hdr, msgs, err := wire.DecodeFrame(b)
	if err != nil {
		log.WithError(err).Debugf("dropping malformed datagram from %s", src)
		e.metrics.FrameDropped("malformed")
		return
	}
	if hdr.DestID != e.localID {
		log.WithError(ErrMisrouted).Debugf("dropping %s from %s", hdr, src)
		e.metrics.FrameDropped("misrouted")
		return
	}

	s := e.peer(hdr.SrcID, src)
	switch err := s.ProcessFrame(hdr, msgs); err {
	case nil:
		e.metrics.FrameReceived()
	case ErrDuplicateFrame:
		e.metrics.FrameDropped("duplicate")
	case ErrStaleSession:
		e.metrics.FrameDropped("stale")
	default:
		log.WithError(err).Debugf("dropping %s from %s", hdr, src)
		e.metrics.FrameDropped("invalid")
	}
}

func (e *Engine) monitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			now := e.now()
			for _, s := range e.snapshot() {
				if s.tick(now) {
					e.remove(s)
				}
			}
		}
	}
}

func (e *Engine) dispatch(remoteID uint16, ev event) {
	if ev.flag {
		e.handler.FlagWritten(remoteID, ev.addr, ev.value)
	}
	if ev.disconnect {
		e.handler.PeerDisconnected(remoteID)
	}
}

// sendFrame encodes h and the referenced fragments into one datagram.
func (e *Engine) sendFrame(dst string, h wire.FrameHeader, refs []msgRef) error {
	hb := make([]byte, wire.FrameHeaderSize+len(refs)*wire.MessageHeaderSize)
	h.Put(hb)

	bufs := make([][]byte, 0, 1+2*len(refs))
	bufs = append(bufs, hb[:wire.FrameHeaderSize])
	for i, ref := range refs {
		mh := ref.header()
		mh.NextMsg = 0
		if i < len(refs)-1 {
			mh.NextMsg = 1
		}
		b := hb[wire.FrameHeaderSize+i*wire.MessageHeaderSize:][:wire.MessageHeaderSize]
		mh.Put(b)
		bufs = append(bufs, b, ref.data())
	}
	return e.sock.Send(dst, bufs...)
}
