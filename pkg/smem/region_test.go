package smem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegionAlloc(t *testing.T) {
	r, err := New(1024, 100)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024-104), r.Available())

	a, err := r.Alloc(10)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), a)

	b, err := r.Alloc(256)
	require.NoError(t, err)
	assert.Equal(t, uint32(120), b)

	c, err := r.Alloc(64)
	require.NoError(t, err)

	_, err = r.Alloc(4096)
	assert.Equal(t, ErrNoSpace, err)

	require.NoError(t, r.Free(b, 256))
	assert.Equal(t, ErrBadFree, r.Free(b, 256))
	assert.Equal(t, ErrBadFree, r.Free(b+8, 8))

	// First fit reuses the freed hole.
	d, err := r.Alloc(128)
	require.NoError(t, err)
	assert.Equal(t, b, d)

	require.NoError(t, r.Free(a, 10))
	require.NoError(t, r.Free(d, 128))
	require.NoError(t, r.Free(c, 64))
	assert.Equal(t, uint32(1024-104), r.Available())

	whole, err := r.Alloc(1024 - 104)
	require.NoError(t, err)
	assert.Equal(t, uint32(104), whole)
}

func TestRegionAccess(t *testing.T) {
	r, err := New(64, 0)
	require.NoError(t, err)

	require.NoError(t, r.WriteAt([]byte("abcd"), 8))
	got := make([]byte, 4)
	require.NoError(t, r.ReadAt(got, 8))
	assert.Equal(t, "abcd", string(got))

	v, err := r.View(8, 4)
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(v))
	assert.Equal(t, 4, cap(v))

	require.NoError(t, r.PutFlag(60, 0xdeadbeef))
	f, err := r.Flag(60)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xdeadbeef), f)

	cases := []struct {
		name string
		err  error
	}{
		{"write past end", r.WriteAt(make([]byte, 2), 63)},
		{"read past end", r.ReadAt(make([]byte, 65), 0)},
		{"flag past end", r.PutFlag(61, 1)},
		{"free past end", r.Free(64, 8)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, ErrOutOfRange, tc.err)
		})
	}
	_, err = r.View(0xFFFFFFFF, 2)
	assert.Equal(t, ErrOutOfRange, err)

	_, err = New(8, 16)
	assert.Error(t, err)
}
