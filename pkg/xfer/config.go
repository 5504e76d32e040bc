package xfer

import (
	"fmt"
	"time"

	"github.com/skycoin/dgxfer/pkg/wire"
)

// Defaults for Config.
const (
	DefaultMaxResends      = 10
	DefaultResendTimeout   = 200 * time.Millisecond
	DefaultAckTimeout      = 80 * time.Millisecond
	DefaultMonitorInterval = 5 * time.Millisecond

	// MaxTransactionHistory bounds the completed transaction ids remembered per peer.
	MaxTransactionHistory = 512

	// MaxOpenTransactions bounds the unfinished transactions tracked per peer. Frames
	// that would open more are refused unacknowledged.
	MaxOpenTransactions = wire.SeqSpace * wire.MaxMsgs
)

// Config tunes the acknowledgement and retransmission engine.
type Config struct {
	// MaxResends is the retry ceiling of a single frame.
	MaxResends int `json:"max_resends"`
	// ResendTimeout is how long a frame waits for its ack before being resent.
	ResendTimeout time.Duration `json:"resend_timeout"`
	// AckTimeout is the minimum spacing of ACK-only frames.
	AckTimeout time.Duration `json:"ack_timeout"`
	// MonitorInterval is the period of the retransmission and ack flush scan.
	MonitorInterval time.Duration `json:"monitor_interval"`
	// Window is the number of frame sequences that may be in flight per peer.
	Window int `json:"window"`
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		MaxResends:      DefaultMaxResends,
		ResendTimeout:   DefaultResendTimeout,
		AckTimeout:      DefaultAckTimeout,
		MonitorInterval: DefaultMonitorInterval,
		Window:          MaxWindow,
	}
}

// WithDefaults fills zero fields with defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxResends == 0 {
		c.MaxResends = d.MaxResends
	}
	if c.ResendTimeout == 0 {
		c.ResendTimeout = d.ResendTimeout
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = d.MonitorInterval
	}
	if c.Window == 0 {
		c.Window = d.Window
	}
	return c
}

// Validate checks c for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.MaxResends < 0:
		return fmt.Errorf("max_resends must not be negative, got %d", c.MaxResends)
	case c.ResendTimeout <= 0, c.AckTimeout <= 0, c.MonitorInterval <= 0:
		return fmt.Errorf("timeouts must be positive")
	case c.Window < 1 || c.Window > MaxWindow:
		return fmt.Errorf("window must be within [1, %d], got %d", MaxWindow, c.Window)
	}
	return nil
}
