package endpoint

import (
	"time"

	"github.com/skycoin/dgxfer/pkg/xfer"
)

// Defaults for Config.
const (
	DefaultSmemSize         = 4 << 20
	DefaultMaxCount         = 64
	DefaultBufferCount      = 4
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultCloseTimeout     = 500 * time.Millisecond
)

// Config describes the local endpoints a Registry creates.
type Config struct {
	// SmemSize is the size of each endpoint memory region.
	SmemSize uint32 `json:"smem_size"`
	// MaxCount bounds the mailbox numbers of the endpoint family.
	MaxCount uint16 `json:"max_count"`
	// Mailbox pins the local mailbox. Zero consults OCPI_MAILBOX, then picks one.
	Mailbox uint16 `json:"mailbox"`
	// BufferCount is the number of buffers on each side of a circuit.
	BufferCount int `json:"buffer_count"`
	// HandshakeTimeout bounds a connection request without an explicit timeout.
	HandshakeTimeout time.Duration `json:"handshake_timeout"`
	// CloseTimeout bounds how long a closing circuit waits for its transfers.
	CloseTimeout time.Duration `json:"close_timeout"`

	Xfer xfer.Config `json:"xfer"`
}

// DefaultConfig returns the default endpoint configuration.
func DefaultConfig() Config {
	return Config{
		SmemSize:         DefaultSmemSize,
		MaxCount:         DefaultMaxCount,
		BufferCount:      DefaultBufferCount,
		HandshakeTimeout: DefaultHandshakeTimeout,
		CloseTimeout:     DefaultCloseTimeout,
		Xfer:             xfer.DefaultConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SmemSize == 0 {
		c.SmemSize = d.SmemSize
	}
	if c.MaxCount == 0 {
		c.MaxCount = d.MaxCount
	}
	if c.BufferCount <= 0 {
		c.BufferCount = d.BufferCount
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	c.Xfer = c.Xfer.WithDefaults()
	return c
}
