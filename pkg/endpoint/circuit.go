package endpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/skycoin/dgxfer/pkg/xfer"
)

// Buffer is a circuit buffer lent to the caller. Data aliases endpoint memory and is
// valid until the buffer is sent or released.
type Buffer struct {
	Data   []byte
	Opcode uint8
	index  uint32
}

// Circuit is a bidirectional buffer channel between two endpoints. Each buffer sent is
// one transaction: the data, its length and opcode, then the peer's full flag.
// Releasing an input buffer hands it back to the sender through its empty flag.
type Circuit struct {
	id           uuid.UUID
	ep           *Endpoint
	peer         string
	svc          *xfer.Services
	out          *outputPort
	in           *inputPort
	protocolInfo string
	active       bool

	mu       sync.Mutex
	closed   bool
	closeErr error
	failed   error
	inflight []*xfer.Transaction
	entry    LogEntry
}

func newCircuit(ep *Endpoint, id uuid.UUID, peer string, svc *xfer.Services, out *outputPort, in *inputPort, info string, active bool) *Circuit {
	return &Circuit{
		id:           id,
		ep:           ep,
		peer:         peer,
		svc:          svc,
		out:          out,
		in:           in,
		protocolInfo: info,
		active:       active,
		entry:        LogEntry{Peer: peer, Active: active, Opened: time.Now()},
	}
}

// ID returns the circuit id shared by both ends.
func (c *Circuit) ID() uuid.UUID { return c.id }

// Peer returns the endpoint string of the other end.
func (c *Circuit) Peer() string { return c.peer }

// PeerMailbox returns the mailbox of the other end.
func (c *Circuit) PeerMailbox() uint16 { return c.svc.RemoteID() }

// ProtocolInfo returns the opaque string passed by the connecting side.
func (c *Circuit) ProtocolInfo() string { return c.protocolInfo }

// Active reports whether this end initiated the circuit.
func (c *Circuit) Active() bool { return c.active }

// BufferSize returns the capacity of every circuit buffer.
func (c *Circuit) BufferSize() int { return int(c.out.size) }

// BufferCount returns the number of buffers in each direction.
func (c *Circuit) BufferCount() int { return int(c.out.count) }

// Stats returns the traffic counters so far.
func (c *Circuit) Stats() LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entry
}

// check reports why the circuit cannot be used. A failed transfer sticks.
func (c *Circuit) check() error {
	if c.closed {
		if c.closeErr != nil {
			return c.closeErr
		}
		return ErrCircuitClosed
	}

	live := c.inflight[:0]
	for _, tx := range c.inflight {
		select {
		case <-tx.Done():
			if err := tx.Err(); err != nil && c.failed == nil {
				c.failed = errors.Wrap(err, "transfer")
			}
		default:
			live = append(live, tx)
		}
	}
	for i := len(live); i < len(c.inflight); i++ {
		c.inflight[i] = nil
	}
	c.inflight = live
	return c.failed
}

// GetNextEmptyOutputBuffer returns the next output buffer if the peer has released it,
// or nil.
func (c *Circuit) GetNextEmptyOutputBuffer() (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	i := c.out.next
	v, err := c.ep.mem.Flag(c.out.emptyFlag(i))
	if err != nil || v == 0 {
		return nil, err
	}
	data, err := c.ep.mem.View(c.out.buffers+i*c.out.size, int(c.out.size))
	if err != nil {
		return nil, err
	}
	return &Buffer{Data: data, index: i}, nil
}

// SendOutputBuffer sends the first length bytes of b with opcode.
func (c *Circuit) SendOutputBuffer(b *Buffer, length int, opcode uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if b == nil || b.index != c.out.next {
		return ErrBufferOrder
	}
	if length < 0 || length > int(c.out.size) {
		return ErrBufferSize
	}

	i := b.index
	remote := c.out.remote
	tx := c.svc.NewTransaction(length/c.ep.engine.MaxFragment() + 1)
	if err := tx.Add(b.Data[:length], remote.Buffers+i*remote.Size); err != nil {
		return err
	}
	if err := tx.AddMetadata(encodeMetadata(uint32(length), opcode), remote.Meta+i*metaSize); err != nil {
		return err
	}
	if err := tx.Fini(1, remote.Full+i*flagSize); err != nil {
		return err
	}

	c.ep.mem.PutFlag(c.out.emptyFlag(i), 0) // nolint: errcheck
	if err := c.svc.Post(tx); err != nil {
		c.ep.mem.PutFlag(c.out.emptyFlag(i), 1) // nolint: errcheck
		return err
	}
	c.out.next = (i + 1) % c.out.count
	c.inflight = append(c.inflight, tx)
	c.entry.SentBuffers++
	c.entry.SentBytes += uint64(length)
	return nil
}

// GetNextFullInputBuffer returns the next buffer sent by the peer, or nil.
func (c *Circuit) GetNextFullInputBuffer() (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return nil, err
	}

	i := c.in.next
	v, err := c.ep.mem.Flag(c.in.fullFlag(i))
	if err != nil || v == 0 {
		return nil, err
	}
	length, opcode, err := c.in.metadata(i)
	if err != nil {
		return nil, err
	}
	if length > c.in.size {
		return nil, ErrBufferSize
	}
	data, err := c.ep.mem.View(c.in.buffers+i*c.in.size, int(length))
	if err != nil {
		return nil, err
	}
	return &Buffer{Data: data, Opcode: opcode, index: i}, nil
}

// ReleaseInputBuffer returns b to the peer.
func (c *Circuit) ReleaseInputBuffer(b *Buffer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if b == nil || b.index != c.in.next {
		return ErrBufferOrder
	}

	i := b.index
	tx := c.svc.NewTransaction(0)
	if err := tx.Fini(1, c.in.remote.Empty+i*flagSize); err != nil {
		return err
	}
	c.ep.mem.PutFlag(c.in.fullFlag(i), 0) // nolint: errcheck
	if err := c.svc.Post(tx); err != nil {
		c.ep.mem.PutFlag(c.in.fullFlag(i), 1) // nolint: errcheck
		return err
	}
	c.in.next = (i + 1) % c.in.count
	c.inflight = append(c.inflight, tx)
	c.entry.ReceivedBuffers++
	c.entry.ReceivedBytes += uint64(len(b.Data))
	return nil
}

// WaitOutputBuffer blocks until an output buffer is free.
func (c *Circuit) WaitOutputBuffer(ctx context.Context) (*Buffer, error) {
	return c.wait(ctx, c.GetNextEmptyOutputBuffer)
}

// WaitInputBuffer blocks until an input buffer is full.
func (c *Circuit) WaitInputBuffer(ctx context.Context) (*Buffer, error) {
	return c.wait(ctx, c.GetNextFullInputBuffer)
}

func (c *Circuit) wait(ctx context.Context, next func() (*Buffer, error)) (*Buffer, error) {
	for {
		changed := c.ep.changed()
		if b, err := next(); err != nil || b != nil {
			return b, err
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ep.done:
			return nil, ErrEndpointClosed
		}
	}
}

// Close waits a bounded time for outstanding transfers, then releases the circuit.
// Closing the last circuit to a peer tells the peer this side is gone.
func (c *Circuit) Close() error {
	pending, err := c.markClosed(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.ep.cfg.CloseTimeout)
	defer cancel()
	for _, tx := range pending {
		if err := tx.Wait(ctx); err != nil {
			log.WithError(err).Debugf("circuit %s: transfer unfinished at close", c.id)
		}
	}

	if last := c.ep.removeCircuit(c, pending); last {
		if _, err := c.svc.Disconnect(); err != nil {
			log.WithError(err).Debugf("circuit %s: disconnect", c.id)
		}
		c.ep.engine.Forget(c.svc.RemoteID())
	}
	return nil
}

// abort closes the circuit without talking to the peer.
func (c *Circuit) abort(cause error) {
	if pending, err := c.markClosed(cause); err == nil {
		c.ep.removeCircuit(c, pending)
	}
}

func (c *Circuit) markClosed(cause error) ([]*xfer.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrCircuitClosed
	}
	c.closed = true
	c.closeErr = cause
	c.entry.Closed = time.Now()
	pending := c.inflight
	c.inflight = nil
	return pending, nil
}
