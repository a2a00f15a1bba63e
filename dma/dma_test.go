package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReleaseRoundTrip(t *testing.T) {
	r, err := New(1<<20, false)
	require.NoError(t, err)
	defer r.Close()

	buf, err := r.Allocate(4096, 0, ToDevice, Cached, []byte("hello"))
	require.NoError(t, err)
	assert.NotZero(t, buf.BusAddr())
	assert.Equal(t, 4096, buf.Len())
	assert.Equal(t, []byte("hello"), buf.CPU()[:5])

	buf.Release()
}

func TestAllocateOutOfMemory(t *testing.T) {
	r, err := New(4096, false)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Allocate(1<<20, 0, ToDevice, Cached, nil)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestBusAddrStableAcrossFragmentation(t *testing.T) {
	r, err := New(1<<16, false)
	require.NoError(t, err)
	defer r.Close()

	a, err := r.Allocate(1024, 0, ToDevice, Cached, nil)
	require.NoError(t, err)

	b, err := r.Allocate(1024, 0, ToDevice, Cached, nil)
	require.NoError(t, err)
	addr := b.BusAddr()

	a.Release()

	c, err := r.Allocate(512, 0, ToDevice, Cached, nil)
	require.NoError(t, err)

	assert.Equal(t, addr, b.BusAddr())
	b.Release()
	c.Release()
}

func TestMapExternalRoundTrip(t *testing.T) {
	r, err := New(4096, false)
	require.NoError(t, err)
	defer r.Close()

	external := make([]byte, 128)
	addr, err := r.MapExternal(external, 0, 64, Bidirectional)
	require.NoError(t, err)
	assert.NotZero(t, addr)

	require.NoError(t, r.UnmapExternal(addr, 64, Bidirectional))

	err = r.UnmapExternal(addr, 64, Bidirectional)
	assert.Error(t, err)
}

func Test32BitBusLimit(t *testing.T) {
	r, err := New(4096, true)
	require.NoError(t, err)
	defer r.Close()

	buf, err := r.Allocate(64, 0, ToDevice, Cached, nil)
	require.NoError(t, err)
	assert.Less(t, uint64(buf.BusAddr()), uint64(1<<32))
	buf.Release()
}
