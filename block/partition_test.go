package block

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	mu       sync.Mutex
	capacity uint64
	sector   int
	maxIF    int
	pending  []Callback
	lastLBA  uint64
}

func (f *fakeDevice) Capacity() uint64     { return f.capacity * uint64(f.sector) }
func (f *fakeDevice) SectorCount() uint64  { return f.capacity }
func (f *fakeDevice) SectorSize() int      { return f.sector }
func (f *fakeDevice) MaxSegments() int     { return 32 }
func (f *fakeDevice) MaxInFlight() int     { return f.maxIF }
func (f *fakeDevice) IsReadOnly() bool     { return false }
func (f *fakeDevice) MatchHID(string) bool { return false }

func (f *fakeDevice) ReadWrite(lba uint64, segments []Segment, dir Direction, done Callback) error {
	f.mu.Lock()
	f.lastLBA = lba
	f.pending = append(f.pending, done)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Flush(done Callback) error {
	f.mu.Lock()
	f.pending = append(f.pending, done)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) Discard(r DiscardRange, done Callback) error {
	f.mu.Lock()
	f.pending = append(f.pending, done)
	f.mu.Unlock()
	return nil
}

func (f *fakeDevice) DMAMap(region []byte, offset, length int, dir Direction) (uintptr, error) {
	return 0x1000, nil
}

func (f *fakeDevice) DMAUnmap(uintptr, int, Direction) error { return nil }

func (f *fakeDevice) completeOne(err error, n int) {
	f.mu.Lock()
	cb := f.pending[0]
	f.pending = f.pending[1:]
	f.mu.Unlock()
	cb(err, n)
}

func TestPartitionBoundsCheck(t *testing.T) {
	parent := &fakeDevice{capacity: 1000, sector: 512, maxIF: 32}
	part, err := NewPartition("p1", parent, 100, 200)
	require.NoError(t, err)

	err = part.ReadWrite(199, []Segment{{Sectors: 5}}, Read, func(error, int) {})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPartitionOutOfRangeConstruction(t *testing.T) {
	parent := &fakeDevice{capacity: 1000, sector: 512, maxIF: 32}
	_, err := NewPartition("p1", parent, 900, 200)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPartitionCeiling(t *testing.T) {
	parent := &fakeDevice{capacity: 1000, sector: 512, maxIF: 32}
	part, err := NewPartition("p1", parent, 0, 1000)
	require.NoError(t, err)

	part.SetMaxInFlight(Absolute(2))

	done := make(chan struct{}, 2)
	cb := func(error, int) { done <- struct{}{} }

	require.NoError(t, part.ReadWrite(0, []Segment{{Sectors: 1}}, Read, cb))
	require.NoError(t, part.ReadWrite(1, []Segment{{Sectors: 1}}, Read, cb))

	err = part.ReadWrite(2, []Segment{{Sectors: 1}}, Read, cb)
	assert.ErrorIs(t, err, ErrBusy)

	parent.completeOne(nil, 512)
	<-done

	require.NoError(t, part.ReadWrite(2, []Segment{{Sectors: 1}}, Read, cb))
}

func TestRelativeCeiling(t *testing.T) {
	parent := &fakeDevice{capacity: 1000, sector: 512, maxIF: 32}
	part, err := NewPartition("p1", parent, 0, 1000)
	require.NoError(t, err)

	part.SetMaxInFlight(RelativeCeiling(24))
	assert.Equal(t, 8, part.MaxInFlight())
}

func TestPartitionTranslatesLBA(t *testing.T) {
	parent := &fakeDevice{capacity: 1000, sector: 512, maxIF: 32}
	part, err := NewPartition("p1", parent, 500, 500)
	require.NoError(t, err)

	require.NoError(t, part.ReadWrite(10, []Segment{{Sectors: 1}}, Read, func(error, int) {}))

	parent.mu.Lock()
	defer parent.mu.Unlock()
	assert.Equal(t, uint64(510), parent.lastLBA)
}
