package nvme

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/errand"
	"github.com/usbarmory/blockhba/reg"
)

func newTestController(t *testing.T) (*Controller, *dma.Region, *errand.Loop) {
	t.Helper()

	mem := make([]byte, 0x2000)
	regs := reg.NewWindow(mem)

	// CAP: DSTRD=0, a plausible MQES.
	binary.LittleEndian.PutUint32(mem[CAP:], 0x0000ffff)
	binary.LittleEndian.PutUint32(mem[CAP+4:], 0x00000000)

	region, err := dma.New(1<<20, false)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	loop := errand.NewLoop()

	c := NewController(regs, region, loop, nil)

	return c, region, loop
}

// driveCSTS simulates hardware-side CSTS.RDY toggling by mirroring CC.EN
// into CSTS.RDY every millisecond, since no real NVMe silicon is present
// in this test environment. It does not complete admin commands.
func driveCSTS(regs *reg.Window, loop *errand.Loop, ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				en := regs.GetBit(CC, CC_EN)
				regs.Bit(CSTS, CSTS_RDY, en)
			}
		}
	}()
}

func TestControllerAttachNoDevice(t *testing.T) {
	mem := make([]byte, 0x2000)
	regs := reg.NewWindow(mem)
	binary.LittleEndian.PutUint32(mem[CAP+4:], 0xffffffff)

	region, err := dma.New(1<<16, false)
	require.NoError(t, err)
	defer region.Close()

	c := NewController(regs, region, errand.NewLoop(), nil)

	err = c.Attach()
	assert.ErrorIs(t, err, block.ErrNoDevice)
}

func TestControllerInitializeReachesAttached(t *testing.T) {
	c, _, loop := newTestController(t)
	require.NoError(t, c.Attach())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	go loop.Run(ctx)
	driveCSTS(c.regs, loop, ctx)

	done := make(chan error, 1)
	c.Initialize(16, func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("initialize never completed")
	}

	assert.Equal(t, "Attached", c.State().String())
}

func TestRingSubmitPollRoundTrip(t *testing.T) {
	sq := make([]byte, 4*SQEntrySize)
	cq := make([]byte, 4*CQEntrySize)

	var sqTail, cqHead uint32

	r := NewRing(1, 4, sq, cq,
		func(v uint32) { sqTail = v },
		func(v uint32) { cqHead = v },
	)

	called := make(chan CQE, 1)
	cid, ok := r.Submit(SQE{Opcode: IORead}, func(c CQE) { called <- c })
	require.True(t, ok)
	assert.Equal(t, uint32(1), sqTail)

	// Simulate hardware writing a completion entry with phase=1.
	off := 0
	binary.LittleEndian.PutUint16(cq[off+12:], cid)
	binary.LittleEndian.PutUint16(cq[off+14:], 1) // status lowest bit = phase

	n := r.Poll()
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(1), cqHead)

	select {
	case c := <-called:
		assert.Equal(t, cid, c.CID)
	default:
		t.Fatal("completion callback never fired")
	}
}

func TestRingPhaseWraparound(t *testing.T) {
	depth := 2
	sq := make([]byte, depth*SQEntrySize)
	cq := make([]byte, depth*CQEntrySize)

	r := NewRing(1, depth, sq, cq, func(uint32) {}, func(uint32) {})

	phase := uint16(1)

	for round := 0; round < 4; round++ {
		cid, ok := r.Submit(SQE{Opcode: IORead}, func(CQE) {})
		require.True(t, ok, "round %d: submit should succeed", round)

		// A ring of depth 2 holds only depth-1 = 1 entry in flight:
		// admitting a second would wrap sqTail onto the device's
		// still-unadvanced head, making the full queue look empty.
		_, ok = r.Submit(SQE{Opcode: IORead}, func(CQE) {})
		assert.False(t, ok, "round %d: depth-th submit must be refused", round)

		off := (round % depth) * CQEntrySize
		binary.LittleEndian.PutUint16(cq[off+8:], uint16((round+1)%depth)) // device SQ head after draining
		binary.LittleEndian.PutUint16(cq[off+12:], cid)
		binary.LittleEndian.PutUint16(cq[off+14:], phase)

		n := r.Poll()
		assert.Equal(t, 1, n)

		if (round+1)%depth == 0 {
			phase = 1 - phase
		}
	}

	assert.Equal(t, 0, r.Pending())
}

func TestBuildPRPSinglePage(t *testing.T) {
	region, err := dma.New(1<<20, false)
	require.NoError(t, err)
	defer region.Close()

	buf, err := region.Allocate(512, PageSize, dma.FromDevice, dma.Uncached, nil)
	require.NoError(t, err)

	prp1, prp2, list, err := BuildPRP(region, buf.BusAddr(), 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(buf.BusAddr()), prp1)
	assert.Equal(t, uint64(0), prp2)
	assert.Nil(t, list)
}

func TestBuildPRPMultiPage(t *testing.T) {
	region, err := dma.New(4<<20, false)
	require.NoError(t, err)
	defer region.Close()

	size := PageSize * 10
	buf, err := region.Allocate(size, PageSize, dma.FromDevice, dma.Uncached, nil)
	require.NoError(t, err)

	prp1, prp2, list, err := BuildPRP(region, buf.BusAddr(), size)
	require.NoError(t, err)
	assert.Equal(t, uint64(buf.BusAddr()), prp1)
	assert.NotZero(t, prp2)
	require.NotNil(t, list)
	assert.Equal(t, 9*8, list.Len())
}

func TestBuildSGLRejectsTooManySegments(t *testing.T) {
	region, err := dma.New(1<<16, false)
	require.NoError(t, err)
	defer region.Close()

	segs := make([]block.Segment, IOQSGLS+1)
	_, _, _, err = BuildSGL(region, segs, 512)
	assert.ErrorIs(t, err, block.ErrInvalidArgument)
}

func TestBuildSGLLengthMatchesSegmentCount(t *testing.T) {
	region, err := dma.New(1<<16, false)
	require.NoError(t, err)
	defer region.Close()

	segs := []block.Segment{{BusAddr: 0x1000, Sectors: 1}, {BusAddr: 0x2000, Sectors: 1}, {BusAddr: 0x3000, Sectors: 1}}

	prp1, length, seg, err := BuildSGL(region, segs, 512)
	require.NoError(t, err)
	assert.Equal(t, uint64(seg.BusAddr()), prp1)
	assert.Equal(t, uint32(len(segs)*16), length)

	// The SQE's SGL1 field (PRP1||PRP2) must decode as a Last Segment
	// descriptor: length in the low 32 bits of PRP2 and type 0x3 in the
	// upper nibble of PRP2's top byte.
	sgl1PRP2 := uint64(length) | uint64(sglLastSegment<<4)<<56
	assert.Equal(t, length, uint32(sgl1PRP2))
	assert.Equal(t, byte(sglLastSegment<<4), byte(sgl1PRP2>>56))
}
