package xfer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dgxfer/pkg/wire"
)

func TestFramePoolWindow(t *testing.T) {
	p := NewFramePool(4)

	for seq := uint8(250); seq != 254; seq++ {
		id, err := p.NextFreeFrame(seq)
		require.NoError(t, err)
		assert.Equal(t, FrameID(seq), id)
		assert.Equal(t, uint16(seq), p.Frame(id).Header.FrameSeq)
	}
	assert.Equal(t, 4, p.InFlight())

	_, err := p.NextFreeFrame(254)
	assert.Equal(t, ErrPoolExhausted, err)
	_, err = p.NextFreeFrame(251)
	assert.Equal(t, ErrPoolExhausted, err)

	// Releasing a younger frame does not move the window past the oldest one.
	_, ok := p.Release(253)
	require.True(t, ok)
	_, err = p.NextFreeFrame(254)
	assert.Equal(t, ErrPoolExhausted, err)

	_, ok = p.Release(250)
	require.True(t, ok)
	_, ok = p.Release(250)
	assert.False(t, ok)

	_, err = p.NextFreeFrame(254)
	require.NoError(t, err)
	assert.Equal(t, []FrameID{251, 252, 254}, p.inFlightIDs(250))
}

func TestFramePoolDefaults(t *testing.T) {
	assert.Equal(t, MaxWindow, NewFramePool(0).window)
	assert.Equal(t, MaxWindow, NewFramePool(wire.SeqSpace).window)

	p := NewFramePool(0)
	for i := 0; i < MaxWindow; i++ {
		_, err := p.NextFreeFrame(uint8(i))
		require.NoError(t, err)
	}
	_, err := p.NextFreeFrame(MaxWindow)
	assert.Equal(t, ErrPoolExhausted, err)
}
