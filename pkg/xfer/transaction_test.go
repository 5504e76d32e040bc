package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skycoin/dgxfer/pkg/wire"
)

func TestTransactionSplit(t *testing.T) {
	cases := []struct {
		name     string
		length   int
		maxFrag  int
		wantMsgs int // including the flag fragment
	}{
		{"flag only", 0, 100, 1},
		{"one byte", 1, 100, 2},
		{"exact fragment", 100, 100, 2},
		{"one over", 101, 100, 3},
		{"many", 1000, 100, 11},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			src := make([]byte, tc.length)
			for i := range src {
				src[i] = byte(i)
			}
			tx := NewTransaction(7, tc.maxFrag)
			tx.Init(tc.length / tc.maxFrag)
			require.NoError(t, tx.Add(src, 4096))
			require.NoError(t, tx.Fini(0xabcd, 64))
			require.Equal(t, tc.wantMsgs, tx.Len())

			var joined []byte
			next := uint32(4096)
			for i := 0; i < tx.Len(); i++ {
				h := tx.Header(i)
				assert.Equal(t, uint32(7), h.TransactionID)
				assert.Equal(t, uint16(i), h.MsgSequence)
				assert.Equal(t, uint16(tc.wantMsgs), h.NumMsgsInTransaction)
				assert.Equal(t, uint32(64), h.FlagAddr)
				assert.Equal(t, uint32(0xabcd), h.FlagValue)
				if i == tx.Len()-1 {
					assert.Equal(t, wire.FlowControl, h.Type)
					assert.Zero(t, h.DataLen)
					continue
				}
				assert.Equal(t, wire.Data, h.Type)
				assert.Equal(t, next, h.DataAddr)
				assert.True(t, int(h.DataLen) <= tc.maxFrag)
				next += uint32(h.DataLen)
				joined = append(joined, tx.msgs[i].data...)
			}
			require.Len(t, joined, tc.length)
			if tc.length > 0 {
				assert.Equal(t, src, joined)
			}
		})
	}
}

func TestTransactionLifecycleErrors(t *testing.T) {
	tx := NewTransaction(1, 0)
	assert.Equal(t, ErrAddressRange, tx.Add(make([]byte, 10), 0xFFFFFFFA))
	require.NoError(t, tx.AddMetadata([]byte{1, 2, 3, 4}, 8))
	require.NoError(t, tx.Fini(1, 0))
	assert.Equal(t, wire.Metadata, tx.Header(0).Type)

	assert.Equal(t, ErrFinalized, tx.Add([]byte{1}, 0))
	assert.Equal(t, ErrFinalized, tx.Fini(1, 0))
	assert.Equal(t, ErrFinalized, tx.addDisconnect())
}

// A fragment acknowledged twice must only be counted once.
func TestTransactionAckIsIdempotent(t *testing.T) {
	tx := NewTransaction(3, 10)
	require.NoError(t, tx.Add(make([]byte, 25), 0))
	require.NoError(t, tx.Fini(1, 100))
	require.Equal(t, 4, tx.Len())

	assert.True(t, tx.Ack(0))
	assert.False(t, tx.Ack(0))
	assert.True(t, tx.Ack(2))
	assert.False(t, tx.Ack(2))
	assert.False(t, tx.Ack(-1))
	assert.False(t, tx.Ack(4))
	assert.Equal(t, 2, tx.Acked())
	assert.False(t, tx.Complete())

	assert.True(t, tx.Ack(3))
	assert.True(t, tx.Ack(1))
	assert.True(t, tx.Complete())
	assert.False(t, tx.Ack(1))
	assert.Equal(t, 4, tx.Acked())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, tx.Wait(ctx))
}

func TestTransactionFlagOnlyCompletes(t *testing.T) {
	tx := NewTransaction(9, 10)
	require.NoError(t, tx.Add(nil, 0))
	require.NoError(t, tx.Fini(5, 8))
	require.Equal(t, 1, tx.Len())
	assert.False(t, tx.Complete())
	assert.True(t, tx.Ack(0))
	assert.True(t, tx.Complete())
}

func TestTransactionFail(t *testing.T) {
	tx := NewTransaction(2, 10)
	require.NoError(t, tx.Add([]byte("abc"), 0))
	require.NoError(t, tx.Fini(1, 16))

	assert.True(t, tx.fail(ErrRetriesExhausted))
	assert.False(t, tx.fail(ErrEngineStopped))
	assert.False(t, tx.Ack(0))
	assert.False(t, tx.Complete())
	assert.Equal(t, ErrRetriesExhausted, tx.Err())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Equal(t, ErrRetriesExhausted, tx.Wait(ctx))

	pending := NewTransaction(4, 10)
	require.NoError(t, pending.Fini(1, 16))
	short, cancel2 := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel2()
	assert.Equal(t, context.DeadlineExceeded, pending.Wait(short))
}
