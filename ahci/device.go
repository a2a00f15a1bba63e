package ahci

import (
	"fmt"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/internal/pstate"
)

// Device adapts a Port to the §6 client protocol, the narrow façade the
// block-protocol front-end consumes (§4.6 "Block device façade").
type Device struct {
	port *Port
}

// NewDevice wraps port as a block.Device.
func NewDevice(port *Port) *Device {
	return &Device{port: port}
}

func (d *Device) Capacity() uint64 {
	return d.port.id.SectorCount * uint64(d.port.id.SectorSize)
}
func (d *Device) SectorCount() uint64 { return d.port.id.SectorCount }
func (d *Device) SectorSize() int     { return d.port.id.SectorSize }
func (d *Device) MaxSegments() int    { return MaxSG }
func (d *Device) MaxInFlight() int    { return len(d.port.ring.slots) }
func (d *Device) IsReadOnly() bool    { return d.port.id.ReadOnly }

func (d *Device) MatchHID(id string) bool {
	return id == d.port.id.Serial
}

// ReadWrite implements §6's read_write by delegating to Port.SendCommand.
func (d *Device) ReadWrite(lba uint64, segments []block.Segment, dir block.Direction, done block.Callback) error {
	req := block.Request{LBA: lba, Direction: dir, Segments: segments, Done: done}

	_, err := d.port.SendCommand(req)

	return err
}

// Flush issues ATA FLUSH CACHE EXT through a reserved slot.
func (d *Device) Flush(done block.Callback) error {
	if d.port.state.Current() != pstate.Ready {
		return block.ErrNoDevice
	}

	idx, ok := d.port.ring.Reserve()
	if !ok {
		return block.ErrBusy
	}

	s := d.port.ring.slots[idx]
	table := s.table.CPU()
	buildH2DFIS(table[:FISLength], ATA_FLUSH_CACHE_EX, 0, 0)

	header := s.header.CPU()
	putU32(header[0:], uint32(FISLength/4))
	putU64(header[8:], uint64(s.table.BusAddr()))

	s.done = done
	s.sectors = 0
	s.state = slotSubmitted

	d.port.ring.Issue(idx)

	return nil
}

// Discard issues ATA DATA SET MANAGEMENT (TRIM) for the given range.
// Unmap has no distinct encoding in the ATA TRIM command beyond the LBA
// range itself; it is accepted for protocol symmetry with NVMe Write
// Zeroes (§8 scenario S6).
func (d *Device) Discard(r block.DiscardRange, done block.Callback) error {
	if d.port.state.Current() != pstate.Ready {
		return block.ErrNoDevice
	}

	if r.LBA+r.Sectors > d.port.id.SectorCount {
		return fmt.Errorf("%w: discard range exceeds device capacity", block.ErrInvalidArgument)
	}

	idx, ok := d.port.ring.Reserve()
	if !ok {
		return block.ErrBusy
	}

	s := d.port.ring.slots[idx]
	table := s.table.CPU()
	buildH2DFIS(table[:FISLength], ATA_DATA_SET_MGMT, r.LBA, uint16(r.Sectors))

	header := s.header.CPU()
	putU32(header[0:], uint32(FISLength/4))
	putU64(header[8:], uint64(s.table.BusAddr()))

	s.done = done
	s.sectors = 0
	s.state = slotSubmitted

	d.port.ring.Issue(idx)

	return nil
}

func (d *Device) DMAMap(region []byte, offset, length int, dir block.Direction) (uintptr, error) {
	addr, err := d.port.dma.MapExternal(region, offset, length, toDMADirection(dir))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", block.ErrOutOfMemory, err)
	}

	return addr, nil
}

func (d *Device) DMAUnmap(busAddr uintptr, length int, dir block.Direction) error {
	return d.port.dma.UnmapExternal(busAddr, length, toDMADirection(dir))
}

func toDMADirection(dir block.Direction) dma.Direction {
	if dir == block.Write {
		return dma.ToDevice
	}
	return dma.FromDevice
}

var _ block.Device = (*Device)(nil)
