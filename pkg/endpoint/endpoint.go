// Package endpoint implements message endpoints and the circuits between them. An
// endpoint owns a memory region, a datagram socket and the transfer engine moving
// remote writes into the region. Circuits are set up through mailbox requests and
// carry buffers in both directions.
package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dgxfer/pkg/metrics"
	"github.com/skycoin/dgxfer/pkg/smem"
	"github.com/skycoin/dgxfer/pkg/xfer"
)

var log = logging.MustGetLogger("endpoint")

// State is the lifecycle state of an Endpoint.
type State int

// Endpoint states.
const (
	StateCreated State = iota
	StateListening
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateListening:
		return "listening"
	case StateTornDown:
		return "torn down"
	default:
		return "unknown"
	}
}

// Endpoint is one local message endpoint.
type Endpoint struct {
	reg     *Registry
	cfg     Config
	addr    Address
	drv     Driver
	mem     *smem.Region
	engine  *xfer.Engine
	metrics metrics.Recorder
	reqSeq  uint32

	mu        sync.Mutex
	state     State
	circuits  map[uuid.UUID]*Circuit
	half      *btree.BTree
	halfSeq   uint64
	mboxLocks map[uint16]*sync.Mutex

	dispatchMu sync.Mutex

	notifyMu sync.Mutex
	notifyCh chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

func newEndpoint(reg *Registry, drv Driver, local Address) (*Endpoint, error) {
	mem, err := smem.New(local.Size, MailboxAreaSize(local.MaxCount))
	if err != nil {
		return nil, errors.Wrap(err, "memory")
	}
	sock, addr, err := drv.Open(local)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	engine, err := xfer.NewEngine(addr.Mailbox, sock, mem, reg.cfg.Xfer)
	if err != nil {
		sock.Close() // nolint: errcheck
		return nil, err
	}

	ep := &Endpoint{
		reg:       reg,
		cfg:       reg.cfg,
		addr:      addr,
		drv:       drv,
		mem:       mem,
		engine:    engine,
		metrics:   reg.metrics,
		circuits:  make(map[uuid.UUID]*Circuit),
		half:      btree.New(2),
		mboxLocks: make(map[uint16]*sync.Mutex),
		notifyCh:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	engine.SetHandler(ep)
	engine.SetMetrics(reg.metrics)
	return ep, nil
}

// Address returns the endpoint string peers use to reach this endpoint.
func (ep *Endpoint) Address() string { return ep.addr.String() }

// Addr returns the parsed local address.
func (ep *Endpoint) Addr() Address { return ep.addr }

// Memory returns the endpoint memory region.
func (ep *Endpoint) Memory() *smem.Region { return ep.mem }

// Peers returns the mailboxes of the peers the engine knows.
func (ep *Endpoint) Peers() []uint16 { return ep.engine.Peers() }

// State returns the lifecycle state.
func (ep *Endpoint) State() State {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.state
}

// Circuits returns the open circuits.
func (ep *Endpoint) Circuits() []*Circuit {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	out := make([]*Circuit, 0, len(ep.circuits))
	for _, c := range ep.circuits {
		out = append(out, c)
	}
	return out
}

// Start runs the engine and the mailbox dispatcher.
func (ep *Endpoint) Start() {
	ep.startOnce.Do(func() {
		ep.mu.Lock()
		if ep.state != StateCreated {
			ep.mu.Unlock()
			return
		}
		ep.state = StateListening
		ep.mu.Unlock()

		ep.engine.Start()
		ep.wg.Add(1)
		go ep.dispatchLoop()
		log.Infof("endpoint %s listening", ep.addr)
	})
}

func (ep *Endpoint) dispatchLoop() {
	defer ep.wg.Done()
	for {
		changed := ep.changed()
		ep.Dispatch()
		select {
		case <-changed:
		case <-ep.done:
			return
		}
	}
}

// changed returns a channel closed at the next flag write or state change.
func (ep *Endpoint) changed() <-chan struct{} {
	ep.notifyMu.Lock()
	defer ep.notifyMu.Unlock()
	return ep.notifyCh
}

func (ep *Endpoint) notify() {
	ep.notifyMu.Lock()
	close(ep.notifyCh)
	ep.notifyCh = make(chan struct{})
	ep.notifyMu.Unlock()
}

// FlagWritten implements xfer.Handler.
func (ep *Endpoint) FlagWritten(uint16, uint32, uint32) { ep.notify() }

// PeerDisconnected implements xfer.Handler. Circuits and half-circuits of the peer
// are closed without further traffic.
func (ep *Endpoint) PeerDisconnected(remoteID uint16) {
	log.Infof("%s: peer mailbox %d disconnected", ep.addr, remoteID)

	ep.mu.Lock()
	var gone []*Circuit
	for _, c := range ep.circuits {
		if c.svc.RemoteID() == remoteID {
			gone = append(gone, c)
		}
	}
	ep.dropPeerHalfCircuitsLocked(remoteID)
	ep.mu.Unlock()

	for _, c := range gone {
		c.abort(ErrPeerDisconnected)
	}
	ep.engine.Forget(remoteID)
	ep.notify()
}

func (ep *Endpoint) mailboxLock(mbox uint16) *sync.Mutex {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	l, ok := ep.mboxLocks[mbox]
	if !ok {
		l = new(sync.Mutex)
		ep.mboxLocks[mbox] = l
	}
	return l
}

// canSupport reports whether this endpoint can talk to remote.
func (ep *Endpoint) canSupport(remote Address) bool {
	if remote.Protocol != ep.addr.Protocol || remote.Mailbox == ep.addr.Mailbox {
		return false
	}
	if remote.Mailbox >= ep.addr.MaxCount || ep.addr.Mailbox >= remote.MaxCount {
		return false
	}
	if ep.State() == StateTornDown {
		return false
	}
	if svc, ok := ep.engine.Lookup(remote.Mailbox); ok {
		sockAddr, err := ep.drv.SocketAddr(remote)
		return err == nil && svc.Addr() == sockAddr
	}
	return true
}

// Connect requests a circuit with bufSize byte buffers from the endpoint remote. A
// timeout of zero uses the configured handshake timeout.
func (ep *Endpoint) Connect(remote string, bufSize int, protocolInfo string, timeout time.Duration) (*Circuit, error) {
	ra, err := ParseAddress(remote)
	if err != nil {
		return nil, err
	}
	if ra.Protocol != ep.addr.Protocol {
		return nil, ErrProtocolMismatch
	}
	if ep.State() == StateTornDown {
		return nil, ErrEndpointClosed
	}
	if bufSize <= 0 {
		return nil, errors.Wrapf(ErrBadRequest, "buffer size %d", bufSize)
	}
	sockAddr, err := ep.drv.SocketAddr(ra)
	if err != nil {
		return nil, err
	}
	svc := ep.engine.Services(ra.Mailbox, sockAddr)

	if timeout <= 0 {
		timeout = ep.cfg.HandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	count, size := uint32(ep.cfg.BufferCount), uint32(bufSize)
	out, err := ep.newOutputPort(count, size)
	if err != nil {
		return nil, err
	}
	in, err := ep.newInputPort(count, size)
	if err != nil {
		out.free()
		return nil, err
	}
	fail := func(err error) (*Circuit, error) {
		out.free()
		in.free()
		return nil, err
	}

	req := request{
		Type:         requestNewConnection,
		CircuitID:    uuid.New(),
		From:         ep.addr.String(),
		Send:         true,
		ProtocolInfo: protocolInfo,
		Port:         out.desc(),
	}
	resp, err := ep.request(ctx, svc, ra, req)
	if err != nil {
		return fail(err)
	}
	if err := out.bind(resp.Port); err != nil {
		return fail(err)
	}

	req.Send = false
	req.Port = in.desc()
	if resp, err = ep.request(ctx, svc, ra, req); err != nil {
		return fail(err)
	}
	if err := in.bind(resp.Port); err != nil {
		return fail(err)
	}

	c := newCircuit(ep, req.CircuitID, ra.String(), svc, out, in, protocolInfo, true)
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if ep.state == StateTornDown {
		return fail(ErrEndpointClosed)
	}
	ep.addCircuitLocked(c)
	return c, nil
}

// Accept returns the next circuit requested by a peer. It waits up to timeout, or
// until the endpoint closes when timeout is not positive. It returns nil and no error
// when the timeout passes.
func (ep *Endpoint) Accept(timeout time.Duration) (*Circuit, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		changed := ep.changed()
		if ep.State() == StateTornDown {
			return nil, ErrEndpointClosed
		}
		ep.Dispatch()
		if c := ep.rendezvous(); c != nil {
			return c, nil
		}
		select {
		case <-changed:
		case <-expired:
			return nil, nil
		case <-ep.done:
			return nil, ErrEndpointClosed
		}
	}
}

func (ep *Endpoint) addCircuitLocked(c *Circuit) {
	ep.circuits[c.id] = c
	ep.metrics.CircuitOpened()
	log.Infof("%s: circuit %s with %s opened (active: %v)", ep.addr, c.id, c.peer, c.active)
}

// removeCircuit forgets c and reports whether it was the last circuit to its peer.
func (ep *Endpoint) removeCircuit(c *Circuit, pending []*xfer.Transaction) bool {
	ep.mu.Lock()
	owned := ep.circuits[c.id] == c
	ep.mu.Unlock()
	if !owned {
		return false
	}

	// Recorded before removal so the circuit is always visible in one place.
	entry := c.Stats()
	if err := ep.reg.store.Record(c.id, &entry); err != nil {
		log.WithError(err).Warnf("circuit %s: failed to record log entry", c.id)
	}

	ep.mu.Lock()
	delete(ep.circuits, c.id)
	last := true
	for _, other := range ep.circuits {
		if other.svc == c.svc {
			last = false
			break
		}
	}
	ep.mu.Unlock()
	ep.metrics.CircuitClosed()
	log.Infof("%s: circuit %s closed (sent %d bytes, received %d bytes)", ep.addr, c.id, entry.SentBytes, entry.ReceivedBytes)

	ep.releasePorts(c, pending)
	ep.notify()
	return last
}

// releasePorts frees the circuit buffers once no transfer reads from them.
func (ep *Endpoint) releasePorts(c *Circuit, pending []*xfer.Transaction) {
	free := func() {
		c.out.free()
		c.in.free()
	}

	var live []*xfer.Transaction
	for _, tx := range pending {
		select {
		case <-tx.Done():
		default:
			live = append(live, tx)
		}
	}
	if len(live) == 0 {
		free()
		return
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		for _, tx := range live {
			select {
			case <-tx.Done():
			case <-ep.done:
				return
			}
		}
		free()
	}()
}

// Close tears the endpoint down. Peers with open circuits are told, then the engine
// stops and outstanding transfers are abandoned.
func (ep *Endpoint) Close() error {
	err := ErrEndpointClosed
	ep.closeOnce.Do(func() {
		ep.mu.Lock()
		ep.state = StateTornDown
		circuits := make([]*Circuit, 0, len(ep.circuits))
		for _, c := range ep.circuits {
			circuits = append(circuits, c)
		}
		for _, hc := range ep.halfCircuitsLocked() {
			ep.half.Delete(hc)
		}
		ep.mu.Unlock()

		var waits []*xfer.Transaction
		notified := make(map[*xfer.Services]bool)
		for _, c := range circuits {
			pending, err := c.markClosed(ErrEndpointClosed)
			if err != nil {
				continue
			}
			ep.removeCircuit(c, pending)
			if !notified[c.svc] {
				notified[c.svc] = true
				if tx, err := c.svc.Disconnect(); err == nil {
					waits = append(waits, tx)
				}
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), ep.cfg.CloseTimeout)
		for _, tx := range waits {
			tx.Wait(ctx) // nolint: errcheck
		}
		cancel()

		close(ep.done)
		ep.notify()
		ep.wg.Wait()
		err = ep.engine.Stop()
		ep.reg.remove(ep)
		log.Infof("endpoint %s torn down", ep.addr)
	})
	return err
}
