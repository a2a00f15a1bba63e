package ahci

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/errand"
	"github.com/usbarmory/blockhba/internal/pstate"
	"github.com/usbarmory/blockhba/reg"
)

func newTestPort(t *testing.T) (*Port, *dma.Region, *errand.Loop) {
	t.Helper()

	mem := make([]byte, 0x80)
	regs := reg.NewWindow(mem)

	region, err := dma.New(1<<20, false)
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	loop := errand.NewLoop()

	p := NewPort(0, regs, region, loop, nil)

	return p, region, loop
}

func TestSlotReserveConcurrentExclusive(t *testing.T) {
	p, _, _ := newTestPort(t)
	require.NoError(t, p.InitializeMemory(4))

	seen := make(map[int]bool)
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, ok := p.ring.Reserve()
			require.True(t, ok)

			mu.Lock()
			assert.False(t, seen[idx], "slot %d reserved twice", idx)
			seen[idx] = true
			mu.Unlock()
		}()
	}

	wg.Wait()

	_, ok := p.ring.Reserve()
	assert.False(t, ok, "5th reserve on 4-slot ring must fail")
}

func TestSlotBusyReflectsCallbackRegistration(t *testing.T) {
	p, _, _ := newTestPort(t)
	require.NoError(t, p.InitializeMemory(2))

	idx, ok := p.ring.Reserve()
	require.True(t, ok)

	require.NoError(t, p.ring.Setup(idx, 0, block.Read, []block.Segment{{BusAddr: 0x1000, Sectors: 1}}, 512, func(error, int) {}))
	p.ring.Issue(idx)

	// Simulate hardware completion: clear the slot's bit in PxCI.
	p.regs.ClearBits(PxCI, 1<<uint(idx))

	called := make(chan struct{})
	p.ring.slots[idx].done = func(err error, n int) {
		close(called)
	}

	p.ring.ScanCompletions(512)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("completion callback never fired")
	}

	_, ok = p.ring.Reserve()
	assert.True(t, ok, "slot must be free again after completion")
}

func TestSetupRejectsTooManySegments(t *testing.T) {
	p, _, _ := newTestPort(t)
	require.NoError(t, p.InitializeMemory(1))

	idx, ok := p.ring.Reserve()
	require.True(t, ok)

	segs := make([]block.Segment, MaxSG+1)
	for i := range segs {
		segs[i] = block.Segment{BusAddr: uintptr(i * 4096), Sectors: 1}
	}

	err := p.ring.Setup(idx, 0, block.Read, segs, 512, func(error, int) {})
	assert.ErrorIs(t, err, block.ErrInvalidArgument)
}

func TestAbortFiresIOError(t *testing.T) {
	p, _, _ := newTestPort(t)
	require.NoError(t, p.InitializeMemory(1))

	idx, ok := p.ring.Reserve()
	require.True(t, ok)

	var gotErr error
	require.NoError(t, p.ring.Setup(idx, 0, block.Read, []block.Segment{{BusAddr: 0x1000, Sectors: 1}}, 512, func(err error, n int) {
		gotErr = err
	}))

	p.ring.Abort(idx)

	assert.ErrorIs(t, gotErr, block.ErrIO)

	_, ok = p.ring.Reserve()
	assert.True(t, ok)
}

func TestAttachNoDevice(t *testing.T) {
	p, _, _ := newTestPort(t)

	err := p.Attach()
	assert.ErrorIs(t, err, block.ErrNoDevice)
}

func TestAttachPresentDevice(t *testing.T) {
	p, _, _ := newTestPort(t)
	p.regs.Write(PxSIG, SigATA)

	require.NoError(t, p.Attach())
	assert.Equal(t, "Present", p.State().String())
}

func TestInitializeReachesAttached(t *testing.T) {
	p, _, loop := newTestPort(t)
	p.regs.Write(PxSIG, SigATA)
	require.NoError(t, p.Attach())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go loop.Run(ctx)

	done := make(chan error, 1)
	p.Initialize(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("initialize never completed")
	}

	assert.Equal(t, "Attached", p.State().String())
}

func TestInitializeTimesOutToFatal(t *testing.T) {
	p, _, loop := newTestPort(t)
	p.regs.Write(PxSIG, SigATA)
	require.NoError(t, p.Attach())
	p.pollBudget = 5 * time.Millisecond
	p.pollInterval = time.Millisecond

	// Simulate a stuck command-list-running bit that never clears.
	p.regs.SetBits(PxCMD, 1<<PxCMD_CR)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go loop.Run(ctx)

	done := make(chan error, 1)
	p.Initialize(func(err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, block.ErrFatal)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("initialize never completed")
	}

	assert.Equal(t, "Fatal", p.State().String())
}

func TestDisableIdempotentOnDisabledPort(t *testing.T) {
	p, _, _ := newTestPort(t)
	p.state.To(pstate.Disabled)

	done := make(chan error, 1)
	p.Disable(func(err error) { done <- err })

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("disable on disabled port never returned")
	}

	assert.Equal(t, pstate.Disabled, p.State())
}
