package node

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dgxfer/internal/testhelpers"
	"github.com/skycoin/dgxfer/pkg/endpoint"
)

func TestDuration(t *testing.T) {
	cases := []struct {
		in   string
		want time.Duration
		err  bool
	}{
		{`"200ms"`, 200 * time.Millisecond, false},
		{`"1m"`, time.Minute, false},
		{`5000`, 5 * time.Microsecond, false},
		{`"soon"`, 0, true},
		{`true`, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tc.in), &d)
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, time.Duration(d))
		})
	}

	raw, err := json.Marshal(Duration(1500 * time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, `"1.5s"`, string(raw))
}

func TestReadConfig(t *testing.T) {
	raw, err := json.Marshal(DefaultConfig())
	require.NoError(t, err)

	conf, err := ReadConfig(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), conf)

	ec := conf.EndpointConfig()
	assert.Equal(t, endpoint.DefaultConfig().SmemSize, ec.SmemSize)
	assert.Equal(t, uint16(1), ec.Mailbox)
	assert.Equal(t, endpoint.DefaultHandshakeTimeout, ec.HandshakeTimeout)
	assert.NoError(t, ec.Xfer.Validate())

	_, err = ReadConfig(strings.NewReader("{"))
	assert.Error(t, err)
}

func TestConfigEndpointDefaults(t *testing.T) {
	conf, err := ReadConfig(strings.NewReader(`{"xfer": {"ack_timeout": "10ms"}}`))
	require.NoError(t, err)

	ec := conf.EndpointConfig()
	assert.Equal(t, 10*time.Millisecond, ec.Xfer.AckTimeout)
	assert.Equal(t, endpoint.DefaultConfig().Xfer.ResendTimeout, ec.Xfer.ResendTimeout)
	assert.Equal(t, uint16(endpoint.DefaultMaxCount), ec.MaxCount)

	drv := conf.Driver()
	assert.Equal(t, endpoint.UDPProtocol, drv.Protocol())
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(c *Config)
	}{
		{"protocol", func(c *Config) { c.Endpoint.Protocol = "ocpi-ether-rdma" }},
		{"log store type", func(c *Config) { c.LogStore.Type = "sql" }},
		{"log store location", func(c *Config) { c.LogStore.Type = "boltdb" }},
		{"mailbox", func(c *Config) { c.Endpoint.Mailbox = c.Endpoint.MaxCount }},
		{"window", func(c *Config) { c.Xfer.Window = 1 << 10 }},
		{"resends", func(c *Config) { c.Xfer.MaxResends = -1 }},
	}
	require.NoError(t, DefaultConfig().Validate())
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.modify(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestCircuitLogStore(t *testing.T) {
	dir, err := ioutil.TempDir("", "dgxfer-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir) // nolint: errcheck

	cases := []struct {
		typ, location string
	}{
		{"memory", ""},
		{"file", filepath.Join(dir, "logs")},
		{"boltdb", filepath.Join(dir, "circuits.db")},
	}
	for _, tc := range cases {
		t.Run(tc.typ, func(t *testing.T) {
			c := DefaultConfig()
			c.LogStore.Type = tc.typ
			c.LogStore.Location = tc.location

			ls, err := c.CircuitLogStore()
			require.NoError(t, err)
			id, other := uuid.New(), uuid.New()
			testhelpers.NoErrorN(t,
				ls.Record(id, &endpoint.LogEntry{Peer: "p", SentBuffers: 3}),
				ls.Record(other, &endpoint.LogEntry{Peer: "q"}),
			)
			entry, err := ls.Entry(id)
			require.NoError(t, err)
			assert.Equal(t, uint64(3), entry.SentBuffers)

			if closer, ok := ls.(interface{ Close() error }); ok {
				require.NoError(t, closer.Close())
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir, err := ioutil.TempDir("", "dgxfer-node")
	require.NoError(t, err)
	defer os.RemoveAll(dir) // nolint: errcheck

	c := DefaultConfig()
	c.LogLevel = "debug"
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	path := filepath.Join(dir, ConfigName)
	require.NoError(t, ioutil.WriteFile(path, raw, 0600))

	got, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", got.LogLevel)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
