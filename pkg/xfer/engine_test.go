package xfer

import (
	"bytes"
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"

	"github.com/skycoin/dgxfer/pkg/dgram"
	"github.com/skycoin/dgxfer/pkg/smem"
	"github.com/skycoin/dgxfer/pkg/wire"
)

const memSize = 1 << 17

type enginePair struct {
	a, b       *Engine
	memA, memB *smem.Region
	hA, hB     *recordingHandler
}

func (p *enginePair) stop(t *testing.T) {
	require.NoError(t, p.a.Stop())
	require.NoError(t, p.b.Stop())
}

func newEngine(t *testing.T, id uint16, sock dgram.Socket, cfg Config) (*Engine, *smem.Region, *recordingHandler) {
	mem, err := smem.New(memSize, 0)
	require.NoError(t, err)
	e, err := NewEngine(id, sock, mem, cfg)
	require.NoError(t, err)
	h := &recordingHandler{}
	e.SetHandler(h)
	e.Start()
	return e, mem, h
}

func newMemPair(t *testing.T, n *dgram.MemNetwork, cfg Config) *enginePair {
	sa, err := n.Listen("a", 512)
	require.NoError(t, err)
	sb, err := n.Listen("b", 512)
	require.NoError(t, err)

	p := &enginePair{}
	p.a, p.memA, p.hA = newEngine(t, 1, sa, cfg)
	p.b, p.memB, p.hB = newEngine(t, 2, sb, cfg)
	return p
}

func fastConfig() Config {
	return Config{
		MaxResends:      50,
		ResendTimeout:   20 * time.Millisecond,
		AckTimeout:      5 * time.Millisecond,
		MonitorInterval: time.Millisecond,
	}
}

// lossyFilter drops and duplicates datagrams pseudo-randomly.
func lossyFilter(seed int64, drop, dup float64) dgram.Filter {
	var mu sync.Mutex
	rnd := rand.New(rand.NewSource(seed))
	return func(_, _ string, _ []byte) int {
		mu.Lock()
		defer mu.Unlock()
		switch r := rnd.Float64(); {
		case r < drop:
			return 0
		case r < drop+dup:
			return 2
		default:
			return 1
		}
	}
}

func transfer(t *testing.T, p *enginePair, src []byte, dst, flagAddr, flagValue uint32) {
	s := p.a.Services(2, "b")
	tx := s.NewTransaction(len(src) / p.a.MaxFragment())
	require.NoError(t, tx.Add(src, dst))
	require.NoError(t, tx.Fini(flagValue, flagAddr))
	require.NoError(t, s.Post(tx))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tx.Wait(ctx))
	require.True(t, tx.Complete())

	// The sender learns of completion from acks, which follow the receiver's writes.
	flag, err := p.memB.Flag(flagAddr)
	require.NoError(t, err)
	require.Equal(t, flagValue, flag)

	got := make([]byte, len(src))
	require.NoError(t, p.memB.ReadAt(got, dst))
	require.True(t, bytes.Equal(src, got), "payload mismatch for %d bytes", len(src))
}

func TestEngineRoundTrip(t *testing.T) {
	n := dgram.NewMemNetwork()
	n.SetFilter(lossyFilter(1, 0.2, 0.1))
	p := newMemPair(t, n, fastConfig())
	defer p.stop(t)

	maxFrag := p.a.MaxFragment()
	require.Equal(t, 512-wire.FrameHeaderSize-wire.MessageHeaderSize, maxFrag)

	lengths := []int{0, 1, maxFrag, maxFrag + 1, 3 * wire.MaxMsgs * 512}
	for i, l := range lengths {
		src := make([]byte, l)
		rand.New(rand.NewSource(int64(l))).Read(src)
		transfer(t, p, src, 8192, uint32(64+8*i), uint32(i+1))
	}
	assert.Equal(t, len(lengths), p.hB.flagCount())
}

// postAndWait sends src to dst on b and waits for the acknowledgement. It is safe to call
// from goroutines other than the test's.
func postAndWait(p *enginePair, src []byte, dst, flagAddr, flagValue uint32) error {
	s := p.a.Services(2, "b")
	tx := s.NewTransaction(len(src) / p.a.MaxFragment())
	if err := tx.Add(src, dst); err != nil {
		return err
	}
	if err := tx.Fini(flagValue, flagAddr); err != nil {
		return err
	}
	if err := s.Post(tx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return tx.Wait(ctx)
}

func TestEngineConcurrentTransactions(t *testing.T) {
	n := dgram.NewMemNetwork()
	n.SetFilter(lossyFilter(2, 0.1, 0.05))
	p := newMemPair(t, n, fastConfig())
	defer p.stop(t)

	const workers = 8
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := bytes.Repeat([]byte{byte(i)}, 2000)
			errs <- postAndWait(p, src, uint32(4096+i*2048), uint32(8*i), 1)
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < workers; i++ {
		flag, err := p.memB.Flag(uint32(8 * i))
		require.NoError(t, err)
		assert.Equal(t, uint32(1), flag)

		got := make([]byte, 2000)
		require.NoError(t, p.memB.ReadAt(got, uint32(4096+i*2048)))
		assert.Equal(t, bytes.Repeat([]byte{byte(i)}, 2000), got)
	}
}

func TestEngineBothDirections(t *testing.T) {
	n := dgram.NewMemNetwork()
	p := newMemPair(t, n, fastConfig())
	defer p.stop(t)

	back := p.b.Services(1, "a")
	tx := back.NewTransaction(1)
	require.NoError(t, tx.Add([]byte("pong"), 1024))
	require.NoError(t, tx.Fini(9, 16))
	require.NoError(t, back.Post(tx))

	transfer(t, p, []byte("ping"), 1024, 16, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tx.Wait(ctx))
	got := make([]byte, 4)
	require.NoError(t, p.memA.ReadAt(got, 1024))
	assert.Equal(t, "pong", string(got))
	assert.Equal(t, []uint16{2}, p.a.Peers())
}

func TestEngineRetriesExhausted(t *testing.T) {
	n := dgram.NewMemNetwork()
	n.SetFilter(func(_, dst string, _ []byte) int {
		if dst == "b" {
			return 0
		}
		return 1
	})
	cfg := fastConfig()
	cfg.MaxResends = 3
	p := newMemPair(t, n, cfg)
	defer p.stop(t)

	s := p.a.Services(2, "b")
	tx := s.NewTransaction(0)
	require.NoError(t, tx.Fini(1, 8))
	require.NoError(t, s.Post(tx))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, ErrRetriesExhausted, tx.Wait(ctx))
	assert.Zero(t, s.InFlight())
}

func TestEngineDisconnect(t *testing.T) {
	n := dgram.NewMemNetwork()
	p := newMemPair(t, n, fastConfig())
	defer p.stop(t)

	tx, err := p.a.Services(2, "b").Disconnect()
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, tx.Wait(ctx))

	p.hB.mu.Lock()
	defer p.hB.mu.Unlock()
	assert.Equal(t, []uint16{1}, p.hB.disconnects)
	assert.Empty(t, p.hB.flags)
}

func TestEngineForget(t *testing.T) {
	n := dgram.NewMemNetwork()
	p := newMemPair(t, n, fastConfig())
	defer p.stop(t)

	transfer(t, p, []byte("hello"), 4096, 64, 1)
	_, ok := p.b.Lookup(1)
	require.True(t, ok)

	p.b.Forget(1)
	require.Eventually(t, func() bool {
		_, ok := p.b.Lookup(1)
		return !ok
	}, 5*time.Second, 5*time.Millisecond)

	// The peer is accepted again and its sequence carries on.
	transfer(t, p, []byte("again"), 4096, 64, 2)
	_, ok = p.b.Lookup(1)
	assert.True(t, ok)
}

func TestEngineStop(t *testing.T) {
	n := dgram.NewMemNetwork()
	n.SetFilter(func(string, string, []byte) int { return 0 })
	p := newMemPair(t, n, Config{ResendTimeout: time.Hour})

	s := p.a.Services(2, "b")
	tx := s.NewTransaction(0)
	require.NoError(t, tx.Add([]byte("lost"), 0))
	require.NoError(t, tx.Fini(1, 8))
	require.NoError(t, s.Post(tx))

	p.stop(t)
	assert.Equal(t, ErrEngineStopped, tx.Err())
	assert.Equal(t, ErrEngineStopped, p.a.Stop())

	late := s.NewTransaction(0)
	require.NoError(t, late.Fini(1, 8))
	assert.Equal(t, ErrEngineStopped, s.Post(late))
}

func TestEngineDropsMalformedDatagrams(t *testing.T) {
	sock := newCaptureSocket(512)
	mem, err := smem.New(1024, 0)
	require.NoError(t, err)
	e, err := NewEngine(1, sock, mem, Config{})
	require.NoError(t, err)
	rec := &countingRecorder{dropped: map[string]int{}}
	e.SetMetrics(rec)

	misrouted := make([]byte, wire.FrameHeaderSize)
	wire.FrameHeader{DestID: 9, SrcID: 2}.Put(misrouted)

	e.HandleDatagram([]byte{1, 2, 3}, "x")
	e.HandleDatagram(misrouted, "x")
	assert.Equal(t, map[string]int{"malformed": 1, "misrouted": 1}, rec.dropped)
	assert.Empty(t, e.Peers())
}

func TestEngineOverUDP(t *testing.T) {
	connA, err := nettest.NewLocalPacketListener("udp")
	require.NoError(t, err)
	connB, err := nettest.NewLocalPacketListener("udp")
	require.NoError(t, err)
	sa := dgram.NewPacketSocket(connA, 0)
	sb := dgram.NewPacketSocket(connB, 0)

	p := &enginePair{}
	p.a, p.memA, p.hA = newEngine(t, 1, sa, fastConfig())
	p.b, p.memB, p.hB = newEngine(t, 2, sb, fastConfig())
	defer p.stop(t)

	src := make([]byte, 20000)
	rand.New(rand.NewSource(3)).Read(src)

	s := p.a.Services(2, sb.LocalAddr())
	tx := s.NewTransaction(len(src) / p.a.MaxFragment())
	require.NoError(t, tx.Add(src, 4096))
	require.NoError(t, tx.Fini(77, 8))
	require.NoError(t, s.Post(tx))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, tx.Wait(ctx))

	got := make([]byte, len(src))
	require.NoError(t, p.memB.ReadAt(got, 4096))
	assert.True(t, bytes.Equal(src, got))

	// The receiver learned the sender's address from the datagrams.
	back, ok := p.b.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, sa.LocalAddr(), back.Addr())
}

func TestNewEngineRejectsTinyPayload(t *testing.T) {
	mem, err := smem.New(64, 0)
	require.NoError(t, err)
	_, err = NewEngine(1, newCaptureSocket(wire.FrameHeaderSize+wire.MessageHeaderSize), mem, Config{})
	assert.Equal(t, ErrPayloadTooSmall, err)

	_, err = NewEngine(1, newCaptureSocket(512), mem, Config{Window: MaxWindow + 1})
	assert.Error(t, err)
}

type countingRecorder struct {
	mu      sync.Mutex
	dropped map[string]int
}

func (r *countingRecorder) FrameSent(bool)       {}
func (r *countingRecorder) AckOnlySent()         {}
func (r *countingRecorder) FrameReceived()       {}
func (r *countingRecorder) TransactionDone(bool) {}
func (r *countingRecorder) CircuitOpened()       {}
func (r *countingRecorder) CircuitClosed()       {}

func (r *countingRecorder) FrameDropped(reason string) {
	r.mu.Lock()
	r.dropped[reason]++
	r.mu.Unlock()
}
