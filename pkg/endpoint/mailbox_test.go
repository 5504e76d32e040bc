package endpoint

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dgxfer/pkg/dgram"
)

func TestEncodeMailbox(t *testing.T) {
	b, err := encodeMailbox(response{Port: PortDesc{Buffers: 4096, Count: 2, Size: 64}})
	require.NoError(t, err)
	assert.Equal(t, len(b)-4, int(b[3]))

	_, err = encodeMailbox(request{ProtocolInfo: strings.Repeat("x", maxMailboxBody)})
	assert.Equal(t, ErrRequestTooLarge, err)
}

func TestMailboxLayout(t *testing.T) {
	assert.Equal(t, uint32(64*SlotSize), MailboxAreaSize(64))
	assert.True(t, slotRequest+4+maxMailboxBody <= slotResponse)
	assert.True(t, slotResponse+4+maxMailboxBody <= SlotSize)
}

func TestHandleRequest(t *testing.T) {
	n := dgram.NewMemNetwork()
	reg := newMemRegistry(n, 1)
	defer reg.Close() // nolint: errcheck
	ep, err := reg.NewEndpoint(MemProtocol)
	require.NoError(t, err)
	svc := ep.engine.Services(2, "peer")

	valid := request{
		Type:      requestNewConnection,
		CircuitID: uuid.New(),
		From:      "ocpi-mem-rdma:peer:1048576.2.16",
		Send:      true,
		Port:      PortDesc{Buffers: 40960, Empty: 50000, Count: 4, Size: 128},
	}

	hc, err := ep.handleRequest(svc, valid)
	require.NoError(t, err)
	require.NotNil(t, hc.input)
	assert.False(t, hc.isShadow())
	assert.False(t, hc.isReady())
	port := hc.localPort()
	assert.Equal(t, uint32(4), port.Count)
	assert.NotZero(t, port.Full)
	hc.free()

	shadow := valid
	shadow.Send = false
	hc, err = ep.handleRequest(svc, shadow)
	require.NoError(t, err)
	assert.True(t, hc.isShadow())
	assert.NotZero(t, hc.localPort().Empty)
	hc.free()

	for name, mutate := range map[string]func(*request){
		"type":      func(r *request) { r.Type = "close" },
		"from":      func(r *request) { r.From = "nowhere" },
		"no count":  func(r *request) { r.Port.Count = 0 },
		"no size":   func(r *request) { r.Port.Size = 0 },
		"too many":  func(r *request) { r.Port.Count = maxBufferCount + 1 },
		"too large": func(r *request) { r.Port.Size = 1 << 30 },
	} {
		req := valid
		mutate(&req)
		_, err := ep.handleRequest(svc, req)
		assert.Error(t, err, name)
	}

	bad := valid
	bad.Type = "close"
	_, err = ep.handleRequest(svc, bad)
	assert.Equal(t, ErrBadRequest, errors.Cause(err))
}
