package endpoint

import (
	"io"
	"math/rand"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/skycoin/dgxfer/pkg/metrics"
)

// Registry owns the drivers and local endpoints of a process. Endpoints are created
// on demand and shared by every connection they can serve.
type Registry struct {
	cfg     Config
	store   LogStore
	metrics metrics.Recorder

	mu        sync.Mutex
	drivers   map[string]Driver
	endpoints []*Endpoint
	rnd       *rand.Rand
}

// NewRegistry creates a registry serving the given drivers.
func NewRegistry(cfg Config, drivers ...Driver) *Registry {
	r := &Registry{
		cfg:     cfg.WithDefaults(),
		store:   InMemoryLogStore(),
		metrics: metrics.NewDummy(),
		drivers: make(map[string]Driver),
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, d := range drivers {
		r.RegisterDriver(d)
	}
	return r
}

// SetLogStore replaces the store circuit log entries are recorded in.
func (r *Registry) SetLogStore(ls LogStore) { r.store = ls }

// SetMetrics installs m for endpoints created afterwards.
func (r *Registry) SetMetrics(m metrics.Recorder) { r.metrics = m }

// LogStore returns the circuit log store.
func (r *Registry) LogStore() LogStore { return r.store }

// RegisterDriver adds d, replacing any driver of the same protocol.
func (r *Registry) RegisterDriver(d Driver) {
	r.mu.Lock()
	r.drivers[d.Protocol()] = d
	r.mu.Unlock()
}

// Driver returns the driver for protocol.
func (r *Registry) Driver(protocol string) (Driver, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[protocol]
	return d, ok
}

// Endpoints returns the live local endpoints.
func (r *Registry) Endpoints() []*Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Endpoint(nil), r.endpoints...)
}

// NewEndpoint creates and starts a local endpoint for protocol.
func (r *Registry) NewEndpoint(protocol string) (*Endpoint, error) {
	return r.newEndpoint(protocol, nil)
}

// GetMessageEndpoint returns a local endpoint able to reach the endpoint string remote,
// creating one when none of the existing endpoints can.
func (r *Registry) GetMessageEndpoint(remote string) (*Endpoint, error) {
	ra, err := ParseAddress(remote)
	if err != nil {
		return nil, err
	}
	for _, ep := range r.Endpoints() {
		if ep.canSupport(ra) {
			return ep, nil
		}
	}
	return r.newEndpoint(ra.Protocol, &ra)
}

func (r *Registry) newEndpoint(protocol string, remote *Address) (*Endpoint, error) {
	drv, ok := r.Driver(protocol)
	if !ok {
		return nil, errors.Wrap(ErrNoDriver, protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Another caller may have created a suitable endpoint since the unlocked scan.
	if remote != nil {
		for _, ep := range r.endpoints {
			if ep.canSupport(*remote) {
				return ep, nil
			}
		}
	}

	mbox, err := r.pickMailboxLocked(protocol, remote)
	if err != nil {
		return nil, err
	}
	local, err := drv.LocalAddress(Address{
		Protocol: protocol,
		Size:     r.cfg.SmemSize,
		Mailbox:  mbox,
		MaxCount: r.cfg.MaxCount,
	})
	if err != nil {
		return nil, err
	}
	ep, err := newEndpoint(r, drv, local)
	if err != nil {
		return nil, err
	}
	ep.Start()
	r.endpoints = append(r.endpoints, ep)
	return ep, nil
}

// pickMailboxLocked chooses the mailbox of a new endpoint. A configured mailbox wins,
// then OCPI_MAILBOX, then a random one unused by other local endpoints of protocol.
func (r *Registry) pickMailboxLocked(protocol string, remote *Address) (uint16, error) {
	limit := r.cfg.MaxCount
	if remote != nil && remote.MaxCount < limit {
		limit = remote.MaxCount
	}
	usable := func(m uint16) bool {
		return m < limit && (remote == nil || m != remote.Mailbox)
	}

	fixed := r.cfg.Mailbox
	if fixed == 0 {
		if v := os.Getenv(EnvMailbox); v != "" {
			m, err := strconv.ParseUint(v, 10, 16)
			if err != nil {
				return 0, errors.Wrapf(err, "%s=%q", EnvMailbox, v)
			}
			fixed = uint16(m)
		}
	}
	if fixed != 0 {
		if !usable(fixed) {
			return 0, errors.Wrapf(ErrMailboxRange, "mailbox %d", fixed)
		}
		return fixed, nil
	}

	used := make(map[uint16]bool)
	for _, ep := range r.endpoints {
		if ep.addr.Protocol == protocol {
			used[ep.addr.Mailbox] = true
		}
	}
	var free []uint16
	for m := uint16(1); m < limit; m++ {
		if usable(m) && !used[m] {
			free = append(free, m)
		}
	}
	if len(free) == 0 {
		return 0, ErrMailboxesExhausted
	}
	return free[r.rnd.Intn(len(free))], nil
}

// Connect opens a circuit to target, an endpoint string or a corbaloc URL listing
// several. Candidates are tried in order until one answers.
func (r *Registry) Connect(target string, bufSize int, protocolInfo string, timeout time.Duration) (*Circuit, error) {
	cands, err := candidates(target)
	if err != nil {
		return nil, err
	}

	lastErr := errors.New("no candidates")
	for _, cand := range cands {
		ep, err := r.GetMessageEndpoint(cand)
		if err != nil {
			log.WithError(err).Debugf("no local endpoint for %s", cand)
			lastErr = err
			continue
		}
		c, err := ep.Connect(cand, bufSize, protocolInfo, timeout)
		if err != nil {
			log.WithError(err).Debugf("connect to %s failed", cand)
			lastErr = err
			continue
		}
		return c, nil
	}
	return nil, errors.Wrap(ErrNoUsableEndpoint, lastErr.Error())
}

func (r *Registry) remove(ep *Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.endpoints {
		if e == ep {
			r.endpoints = append(r.endpoints[:i], r.endpoints[i+1:]...)
			return
		}
	}
}

// Close tears down every endpoint and closes the log store when it can be closed.
func (r *Registry) Close() error {
	for _, ep := range r.Endpoints() {
		if err := ep.Close(); err != nil && err != ErrEndpointClosed {
			log.WithError(err).Warnf("closing endpoint %s", ep.addr)
		}
	}
	if c, ok := r.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
