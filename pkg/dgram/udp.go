package dgram

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultUDPPayload fits one datagram in a 1500 byte ethernet MTU.
	DefaultUDPPayload = 1472
	// DefaultReadTimeout bounds how long Receive blocks.
	DefaultReadTimeout = 100 * time.Millisecond
)

// PacketSocket is a Socket backed by a net.PacketConn, usually UDP.
type PacketSocket struct {
	conn        net.PacketConn
	maxPayload  uint16
	readTimeout time.Duration
	pool        *BufferPool

	mu    sync.RWMutex
	addrs map[string]net.Addr

	closeOnce sync.Once
	closed    chan struct{}
}

// ListenUDP binds a UDP socket on addr ("host:port", port 0 lets the system choose).
func ListenUDP(addr string, maxPayload uint16) (*PacketSocket, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", addr)
	}
	return NewPacketSocket(conn, maxPayload), nil
}

// NewPacketSocket wraps conn. A zero maxPayload selects DefaultUDPPayload.
func NewPacketSocket(conn net.PacketConn, maxPayload uint16) *PacketSocket {
	if maxPayload == 0 {
		maxPayload = DefaultUDPPayload
	}
	return &PacketSocket{
		conn:        conn,
		maxPayload:  maxPayload,
		readTimeout: DefaultReadTimeout,
		pool:        NewBufferPool(int(maxPayload)),
		addrs:       make(map[string]net.Addr),
		closed:      make(chan struct{}),
	}
}

// SetReadTimeout changes how long Receive waits before reporting a timeout.
func (s *PacketSocket) SetReadTimeout(d time.Duration) { s.readTimeout = d }

func (s *PacketSocket) resolve(dst string) (net.Addr, error) {
	s.mu.RLock()
	addr, ok := s.addrs[dst]
	s.mu.RUnlock()
	if ok {
		return addr, nil
	}

	addr, err := net.ResolveUDPAddr("udp", dst)
	if err != nil {
		return nil, errors.Wrapf(ErrUnknownAddr, "%s: %v", dst, err)
	}
	s.mu.Lock()
	s.addrs[dst] = addr
	s.mu.Unlock()
	return addr, nil
}

// Send implements Socket.
func (s *PacketSocket) Send(dst string, bufs ...[]byte) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	addr, err := s.resolve(dst)
	if err != nil {
		return err
	}
	b, err := s.pool.Gather(bufs)
	if err != nil {
		return err
	}
	defer s.pool.Put(b)

	if _, err := s.conn.WriteTo(b, addr); err != nil {
		return errors.Wrap(err, "udp write")
	}
	return nil
}

// Receive implements Socket.
func (s *PacketSocket) Receive(buf []byte) (int, int, string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return 0, 0, "", s.closedOr(err)
	}
	n, src, err := s.conn.ReadFrom(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, 0, "", nil
		}
		return 0, 0, "", s.closedOr(err)
	}
	return n, 0, src.String(), nil
}

func (s *PacketSocket) closedOr(err error) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
		return errors.Wrap(err, "udp read")
	}
}

// MaxPayloadSize implements Socket.
func (s *PacketSocket) MaxPayloadSize() uint16 { return s.maxPayload }

// LocalAddr implements Socket.
func (s *PacketSocket) LocalAddr() string { return s.conn.LocalAddr().String() }

// Close implements Socket.
func (s *PacketSocket) Close() error {
	err := ErrClosed
	s.closeOnce.Do(func() {
		close(s.closed)
		err = s.conn.Close()
	})
	return err
}
