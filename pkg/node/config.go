package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/skycoin/dgxfer/internal/pathutil"
	"github.com/skycoin/dgxfer/pkg/endpoint"
	"github.com/skycoin/dgxfer/pkg/xfer"
)

// ConfigVersion is written by DefaultConfig.
const ConfigVersion = "1.0"

// Config defines configuration parameters for a Node.
type Config struct {
	Version string `json:"version"`

	Endpoint struct {
		Protocol         string   `json:"protocol"`
		Host             string   `json:"host"` // empty consults OCPI_TRANSFER_IP_ADDR
		Port             uint16   `json:"port"` // zero consults OCPI_TRANSFER_PORT
		MaxPayload       uint16   `json:"max_payload"`
		SmemSize         uint32   `json:"smem_size"`
		MaxCount         uint16   `json:"max_count"`
		Mailbox          uint16   `json:"mailbox"`
		BufferCount      int      `json:"buffer_count"`
		HandshakeTimeout Duration `json:"handshake_timeout"`
		CloseTimeout     Duration `json:"close_timeout"`
	} `json:"endpoint"`

	Xfer struct {
		MaxResends      int      `json:"max_resends"`
		ResendTimeout   Duration `json:"resend_timeout"`
		AckTimeout      Duration `json:"ack_timeout"`
		MonitorInterval Duration `json:"monitor_interval"`
		Window          int      `json:"window"`
	} `json:"xfer"`

	LogStore struct {
		Type     string `json:"type"` // memory, file or boltdb
		Location string `json:"location"`
	} `json:"log_store"`

	Interfaces InterfaceConfig `json:"interfaces"`

	LogLevel        string   `json:"log_level"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// InterfaceConfig defines listening interfaces of the node. Empty addresses disable them.
type InterfaceConfig struct {
	HTTPAddress    string `json:"http"`
	MetricsAddress string `json:"metrics"`
}

// DefaultConfig returns a config for a UDP node on localhost.
func DefaultConfig() *Config {
	ec := endpoint.DefaultConfig()

	c := &Config{Version: ConfigVersion}
	c.Endpoint.Protocol = endpoint.UDPProtocol
	c.Endpoint.Host = "127.0.0.1"
	c.Endpoint.Port = 7070
	c.Endpoint.SmemSize = ec.SmemSize
	c.Endpoint.MaxCount = ec.MaxCount
	c.Endpoint.Mailbox = 1
	c.Endpoint.BufferCount = ec.BufferCount
	c.Endpoint.HandshakeTimeout = Duration(ec.HandshakeTimeout)
	c.Endpoint.CloseTimeout = Duration(ec.CloseTimeout)

	c.Xfer.MaxResends = ec.Xfer.MaxResends
	c.Xfer.ResendTimeout = Duration(ec.Xfer.ResendTimeout)
	c.Xfer.AckTimeout = Duration(ec.Xfer.AckTimeout)
	c.Xfer.MonitorInterval = Duration(ec.Xfer.MonitorInterval)
	c.Xfer.Window = ec.Xfer.Window

	c.LogStore.Type = "memory"
	c.Interfaces.HTTPAddress = "localhost:7080"
	c.Interfaces.MetricsAddress = "localhost:2121"
	c.LogLevel = "info"
	c.ShutdownTimeout = Duration(10 * time.Second)
	return c
}

// ReadConfig decodes a Config from r.
func ReadConfig(r io.Reader) (*Config, error) {
	conf := &Config{}
	if err := json.NewDecoder(r).Decode(conf); err != nil {
		return nil, fmt.Errorf("failed to decode config: %s", err)
	}
	return conf, conf.Validate()
}

// LoadConfig reads the config at path. An empty path is searched for with pathutil.Find.
func LoadConfig(path string) (*Config, error) {
	var err error
	if path == "" {
		path, err = pathutil.Find(ConfigName)
	} else {
		path, err = pathutil.Expand(path)
	}
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path) // nolint: gosec
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.WithError(err).Warn("Failed to close config file")
		}
	}()
	return ReadConfig(f)
}

// ConfigName is the file name searched for by LoadConfig.
const ConfigName = "dgxfer-config.json"

// Validate reports settings the node cannot run with.
func (c *Config) Validate() error {
	switch c.Endpoint.Protocol {
	case "", endpoint.UDPProtocol:
	default:
		return fmt.Errorf("unsupported endpoint protocol %q", c.Endpoint.Protocol)
	}
	switch c.LogStore.Type {
	case "", "memory":
	case "file", "boltdb":
		if c.LogStore.Location == "" {
			return fmt.Errorf("log store %q needs a location", c.LogStore.Type)
		}
	default:
		return fmt.Errorf("unknown log store type %q", c.LogStore.Type)
	}
	if c.Endpoint.MaxCount != 0 && c.Endpoint.Mailbox >= c.Endpoint.MaxCount {
		return fmt.Errorf("mailbox %d out of range [0, %d)", c.Endpoint.Mailbox, c.Endpoint.MaxCount)
	}
	return c.XferConfig().Validate()
}

// XferConfig returns the transfer engine settings, zero fields defaulted.
func (c *Config) XferConfig() xfer.Config {
	return xfer.Config{
		MaxResends:      c.Xfer.MaxResends,
		ResendTimeout:   time.Duration(c.Xfer.ResendTimeout),
		AckTimeout:      time.Duration(c.Xfer.AckTimeout),
		MonitorInterval: time.Duration(c.Xfer.MonitorInterval),
		Window:          c.Xfer.Window,
	}.WithDefaults()
}

// EndpointConfig returns the registry settings, zero fields defaulted.
func (c *Config) EndpointConfig() endpoint.Config {
	return endpoint.Config{
		SmemSize:         c.Endpoint.SmemSize,
		MaxCount:         c.Endpoint.MaxCount,
		Mailbox:          c.Endpoint.Mailbox,
		BufferCount:      c.Endpoint.BufferCount,
		HandshakeTimeout: time.Duration(c.Endpoint.HandshakeTimeout),
		CloseTimeout:     time.Duration(c.Endpoint.CloseTimeout),
		Xfer:             c.XferConfig(),
	}.WithDefaults()
}

// Driver returns the driver of the configured protocol.
func (c *Config) Driver() endpoint.Driver {
	return &endpoint.UDPDriver{
		Host:       c.Endpoint.Host,
		Port:       c.Endpoint.Port,
		MaxPayload: c.Endpoint.MaxPayload,
	}
}

// CircuitLogStore returns the configured endpoint.LogStore.
func (c *Config) CircuitLogStore() (endpoint.LogStore, error) {
	switch c.LogStore.Type {
	case "file":
		return endpoint.FileLogStore(c.LogStore.Location)
	case "boltdb":
		return endpoint.BoltDBLogStore(c.LogStore.Location)
	}
	return endpoint.InMemoryLogStore(), nil
}

// Duration wraps around time.Duration to allow parsing from and to JSON.
type Duration time.Duration

// MarshalJSON implements json marshaling.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string such as "200ms" or nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		tmp, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*d = Duration(tmp)
		return nil
	default:
		return errors.New("invalid duration")
	}
}
