// Package node implements the dgxfer node: one listening endpoint that echoes every
// buffer it receives, plus an HTTP status API.
package node

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"

	"github.com/skycoin/dgxfer/pkg/endpoint"
	"github.com/skycoin/dgxfer/pkg/metrics"
)

var log = logging.MustGetLogger("node")

// Version is the node version.
const Version = "0.1.0"

// acceptPoll bounds each Accept call so the loop notices Close.
const acceptPoll = 500 * time.Millisecond

// Option customizes a Node.
type Option func(n *Node)

// WithDriver replaces the driver built from the config.
func WithDriver(d endpoint.Driver) Option {
	return func(n *Node) { n.driver = d }
}

// WithMetrics installs a transfer metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(n *Node) { n.metrics = m }
}

// WithLogStore replaces the log store built from the config.
func WithLogStore(ls endpoint.LogStore) Option {
	return func(n *Node) { n.store = ls }
}

// Node owns a Registry with a single listening endpoint. Every accepted circuit is
// served by an echo loop until either side closes it.
type Node struct {
	conf    *Config
	driver  endpoint.Driver
	metrics metrics.Recorder
	store   endpoint.LogStore

	reg       *endpoint.Registry
	ep        *endpoint.Endpoint
	startedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	echoed  uint64
	started bool
}

// New constructs a Node from conf. The endpoint is opened by Start.
func New(conf *Config, opts ...Option) (*Node, error) {
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	n := &Node{conf: conf}
	for _, opt := range opts {
		opt(n)
	}
	if n.driver == nil {
		n.driver = conf.Driver()
	}
	if n.store == nil {
		store, err := conf.CircuitLogStore()
		if err != nil {
			return nil, errors.Wrap(err, "log store")
		}
		n.store = store
	}

	n.reg = endpoint.NewRegistry(conf.EndpointConfig(), n.driver)
	n.reg.SetLogStore(n.store)
	if n.metrics != nil {
		n.reg.SetMetrics(n.metrics)
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())
	return n, nil
}

// Start opens the endpoint and begins accepting circuits.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return errors.New("node already started")
	}

	ep, err := n.reg.NewEndpoint(n.driver.Protocol())
	if err != nil {
		return errors.Wrap(err, "failed to open endpoint")
	}
	n.ep = ep
	n.started = true
	n.startedAt = time.Now()

	n.wg.Add(1)
	go n.acceptLoop()
	log.Infof("Node %s serving on %s", Version, ep.Address())
	return nil
}

// Endpoint returns the listening endpoint, nil before Start.
func (n *Node) Endpoint() *endpoint.Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ep
}

// Registry returns the registry owning the node's endpoints.
func (n *Node) Registry() *endpoint.Registry { return n.reg }

// Uptime returns the time since Start.
func (n *Node) Uptime() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.started {
		return 0
	}
	return time.Since(n.startedAt)
}

// Echoed returns the number of buffers echoed so far.
func (n *Node) Echoed() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.echoed
}

func (n *Node) acceptLoop() {
	defer n.wg.Done()
	for {
		c, err := n.ep.Accept(acceptPoll)
		if err != nil {
			if errors.Cause(err) != endpoint.ErrEndpointClosed {
				log.WithError(err).Error("Accept failed")
			}
			return
		}
		select {
		case <-n.ctx.Done():
			if c != nil {
				closeCircuit(c)
			}
			return
		default:
		}
		if c == nil {
			continue
		}

		log.Infof("Accepted circuit %s from %s (%q)", c.ID(), c.Peer(), c.ProtocolInfo())
		n.wg.Add(1)
		go func(c *endpoint.Circuit) {
			defer n.wg.Done()
			n.echo(c)
		}(c)
	}
}

// echo sends every input buffer back with its opcode, in order.
func (n *Node) echo(c *endpoint.Circuit) {
	defer closeCircuit(c)
	for {
		in, err := c.WaitInputBuffer(n.ctx)
		if err != nil {
			logCircuitEnd(c, err)
			return
		}
		out, err := c.WaitOutputBuffer(n.ctx)
		if err != nil {
			logCircuitEnd(c, err)
			return
		}
		size := copy(out.Data, in.Data)
		if err := c.SendOutputBuffer(out, size, in.Opcode); err != nil {
			logCircuitEnd(c, err)
			return
		}
		if err := c.ReleaseInputBuffer(in); err != nil {
			logCircuitEnd(c, err)
			return
		}

		n.mu.Lock()
		n.echoed++
		n.mu.Unlock()
	}
}

func logCircuitEnd(c *endpoint.Circuit, err error) {
	switch errors.Cause(err) {
	case endpoint.ErrPeerDisconnected, endpoint.ErrCircuitClosed, endpoint.ErrEndpointClosed,
		context.Canceled:
		log.Infof("Circuit %s ended: %v", c.ID(), err)
	default:
		log.WithError(err).Warnf("Circuit %s failed", c.ID())
	}
}

func closeCircuit(c *endpoint.Circuit) {
	if err := c.Close(); err != nil && errors.Cause(err) != endpoint.ErrCircuitClosed {
		log.WithError(err).Debugf("Circuit %s: close", c.ID())
	}
}

// Close stops the echo loops and tears down every endpoint.
func (n *Node) Close() (err error) {
	if n == nil {
		return nil
	}
	n.cancel()
	if err = n.reg.Close(); err != nil {
		log.WithError(err).Error("Failed to close registry")
	} else {
		log.Info("Registry closed")
	}
	n.wg.Wait()
	return err
}

var _ io.Closer = (*Node)(nil)
