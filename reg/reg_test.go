package reg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowReadWrite(t *testing.T) {
	mem := make([]byte, 64)
	w := NewWindow(mem)

	w.Write(0x04, 0xdeadbeef)
	assert.Equal(t, uint32(0xdeadbeef), w.Read(0x04))
}

func TestWindowSetClearBits(t *testing.T) {
	mem := make([]byte, 64)
	w := NewWindow(mem)

	w.SetBits(0x08, 0b1010)
	assert.Equal(t, uint32(0b1010), w.Read(0x08))

	w.ClearBits(0x08, 0b0010)
	assert.Equal(t, uint32(0b1000), w.Read(0x08))
}

func TestWindowGetSetN(t *testing.T) {
	mem := make([]byte, 64)
	w := NewWindow(mem)

	w.SetN(0x0c, 4, 0xff, 0x7a)
	assert.Equal(t, uint32(0x7a), w.Get(0x0c, 4, 0xff))
}

func TestWindowBit(t *testing.T) {
	mem := make([]byte, 64)
	w := NewWindow(mem)

	w.Bit(0x10, 3, true)
	assert.True(t, w.GetBit(0x10, 3))

	w.Bit(0x10, 3, false)
	assert.False(t, w.GetBit(0x10, 3))
}

func TestWindowOutOfRangePanics(t *testing.T) {
	mem := make([]byte, 16)
	w := NewWindow(mem)

	require.Panics(t, func() {
		w.Read(0x20)
	})
}
