package dgram

import (
	"fmt"
	"sync"
	"time"
)

// Filter decides the fate of a datagram on a MemNetwork. It returns how many copies
// to deliver: 0 drops the datagram, 2 duplicates it.
type Filter func(src, dst string, b []byte) int

// MemNetwork connects in-process sockets. It is used to exercise the transfer engine
// under controlled loss and duplication.
type MemNetwork struct {
	mu      sync.RWMutex
	sockets map[string]*MemSocket
	filter  Filter
	nextID  int
}

// NewMemNetwork creates an empty network.
func NewMemNetwork() *MemNetwork {
	return &MemNetwork{sockets: make(map[string]*MemSocket)}
}

// SetFilter installs f for all subsequent datagrams. A nil filter delivers everything once.
func (n *MemNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	n.filter = f
	n.mu.Unlock()
}

// Listen attaches a socket named addr. An empty addr picks a unique name.
func (n *MemNetwork) Listen(addr string, maxPayload uint16) (*MemSocket, error) {
	if maxPayload == 0 {
		maxPayload = DefaultUDPPayload
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if addr == "" {
		n.nextID++
		addr = fmt.Sprintf("mem%d", n.nextID)
	}
	if _, ok := n.sockets[addr]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	s := &MemSocket{
		net:         n,
		addr:        addr,
		maxPayload:  maxPayload,
		readTimeout: DefaultReadTimeout,
		in:          make(chan memDatagram, 1024),
		closed:      make(chan struct{}),
	}
	n.sockets[addr] = s
	return s, nil
}

func (n *MemNetwork) deliver(src, dst string, b []byte) error {
	n.mu.RLock()
	s, ok := n.sockets[dst]
	f := n.filter
	n.mu.RUnlock()
	if !ok {
		return ErrUnknownAddr
	}

	copies := 1
	if f != nil {
		copies = f(src, dst, b)
	}
	for i := 0; i < copies; i++ {
		select {
		case s.in <- memDatagram{src: src, b: append([]byte(nil), b...)}:
		case <-s.closed:
			return nil
		default:
			log.Debugf("mem network: queue of %s full, dropping datagram", dst)
		}
	}
	return nil
}

func (n *MemNetwork) detach(addr string) {
	n.mu.Lock()
	delete(n.sockets, addr)
	n.mu.Unlock()
}

type memDatagram struct {
	src string
	b   []byte
}

// MemSocket is a Socket attached to a MemNetwork.
type MemSocket struct {
	net         *MemNetwork
	addr        string
	maxPayload  uint16
	readTimeout time.Duration
	in          chan memDatagram

	closeOnce sync.Once
	closed    chan struct{}
}

// Send implements Socket.
func (s *MemSocket) Send(dst string, bufs ...[]byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if totalLen(bufs) > int(s.maxPayload) {
		return ErrDatagramTooLong
	}
	b := make([]byte, 0, totalLen(bufs))
	for _, p := range bufs {
		b = append(b, p...)
	}
	return s.net.deliver(s.addr, dst, b)
}

// Receive implements Socket.
func (s *MemSocket) Receive(buf []byte) (int, int, string, error) {
	timer := time.NewTimer(s.readTimeout)
	defer timer.Stop()

	select {
	case d := <-s.in:
		return copy(buf, d.b), 0, d.src, nil
	case <-timer.C:
		return 0, 0, "", nil
	case <-s.closed:
		return 0, 0, "", ErrClosed
	}
}

// MaxPayloadSize implements Socket.
func (s *MemSocket) MaxPayloadSize() uint16 { return s.maxPayload }

// LocalAddr implements Socket.
func (s *MemSocket) LocalAddr() string { return s.addr }

// Close implements Socket.
func (s *MemSocket) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		s.net.detach(s.addr)
		err = nil
	})
	return err
}
