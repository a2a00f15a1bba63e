package block

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Ceiling computes a Partition's max-in-flight ceiling from the parent
// device's own limit. Per §4.6 the ceiling may be set as an absolute
// number or as "parent max minus N".
type Ceiling func(parentMax int) int

// Absolute returns a Ceiling fixed at n regardless of the parent's limit.
func Absolute(n int) Ceiling {
	return func(int) int { return n }
}

// RelativeCeiling returns a Ceiling of the parent's max-in-flight minus n.
func RelativeCeiling(n int) Ceiling {
	return func(parentMax int) int {
		if parentMax-n < 0 {
			return 0
		}
		return parentMax - n
	}
}

// Partition wraps a parent Device with a starting LBA, a bounded sector
// range, and an in-flight counter separate from the parent's capacity,
// existing solely to multiplex the parent's command slots fairly among
// multiple clients (§4.6).
type Partition struct {
	mu sync.Mutex

	id      string
	parent  Device
	start   uint64
	sectors uint64

	maxInFlight int32
	inFlight    int32
}

// NewPartition creates a view over parent spanning [start, start+sectors)
// in the parent's own LBA space.
func NewPartition(id string, parent Device, start, sectors uint64) (*Partition, error) {
	if start+sectors > parent.SectorCount() {
		return nil, fmt.Errorf("%w: partition range exceeds parent capacity", ErrInvalidArgument)
	}

	p := &Partition{
		id:      id,
		parent:  parent,
		start:   start,
		sectors: sectors,
	}
	p.maxInFlight = int32(parent.MaxInFlight())

	return p, nil
}

// SetMaxInFlight installs a new ceiling, computed from the parent's
// current MaxInFlight via c.
func (p *Partition) SetMaxInFlight(c Ceiling) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.maxInFlight = int32(c(p.parent.MaxInFlight()))
}

func (p *Partition) Capacity() uint64    { return p.sectors * uint64(p.parent.SectorSize()) }
func (p *Partition) SectorCount() uint64 { return p.sectors }
func (p *Partition) SectorSize() int     { return p.parent.SectorSize() }
func (p *Partition) MaxSegments() int    { return p.parent.MaxSegments() }
func (p *Partition) IsReadOnly() bool    { return p.parent.IsReadOnly() }
func (p *Partition) MatchHID(id string) bool { return id == p.id }

// MaxInFlight returns the partition's own ceiling, which may be lower
// than the parent's.
func (p *Partition) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return int(p.maxInFlight)
}

func (p *Partition) reserve() error {
	for {
		cur := atomic.LoadInt32(&p.inFlight)

		p.mu.Lock()
		ceiling := p.maxInFlight
		p.mu.Unlock()

		if cur >= ceiling {
			return ErrBusy
		}

		if atomic.CompareAndSwapInt32(&p.inFlight, cur, cur+1) {
			return nil
		}
	}
}

func (p *Partition) release() {
	atomic.AddInt32(&p.inFlight, -1)
}

func (p *Partition) wrap(done Callback) Callback {
	return func(err error, n int) {
		p.release()
		done(err, n)
	}
}

// ReadWrite translates a request into the parent's LBA space, enforcing
// the partition's sector-range bound and in-flight ceiling (§8 property
// 7).
func (p *Partition) ReadWrite(lba uint64, segments []Segment, dir Direction, done Callback) error {
	total := uint64(0)
	for _, s := range segments {
		total += s.Sectors
	}

	if lba+total > p.sectors {
		return fmt.Errorf("%w: request exceeds partition bounds", ErrInvalidArgument)
	}

	if err := p.reserve(); err != nil {
		return err
	}

	if err := p.parent.ReadWrite(p.start+lba, segments, dir, p.wrap(done)); err != nil {
		p.release()
		return err
	}

	return nil
}

func (p *Partition) Flush(done Callback) error {
	if err := p.reserve(); err != nil {
		return err
	}

	if err := p.parent.Flush(p.wrap(done)); err != nil {
		p.release()
		return err
	}

	return nil
}

func (p *Partition) Discard(r DiscardRange, done Callback) error {
	if r.LBA+r.Sectors > p.sectors {
		return fmt.Errorf("%w: discard range exceeds partition bounds", ErrInvalidArgument)
	}

	if err := p.reserve(); err != nil {
		return err
	}

	r.LBA += p.start

	if err := p.parent.Discard(r, p.wrap(done)); err != nil {
		p.release()
		return err
	}

	return nil
}

func (p *Partition) DMAMap(region []byte, offset, length int, dir Direction) (uintptr, error) {
	return p.parent.DMAMap(region, offset, length, dir)
}

func (p *Partition) DMAUnmap(busAddr uintptr, length int, dir Direction) error {
	return p.parent.DMAUnmap(busAddr, length, dir)
}

var _ Device = (*Partition)(nil)
