package nvme

import (
	"fmt"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/internal/identify"
)

// Namespace adapts one NVMe namespace's I/O queue pair to the §6 client
// protocol, the NVMe analogue of ahci.Device (§4.6 "Block device
// façade").
type Namespace struct {
	ctrl *Controller
	nsid uint32
	ring *Ring

	sectorCount uint64
	sectorSize  int
}

// NewNamespace wraps an already-created I/O queue pair as a
// block.Device for the given namespace id.
func NewNamespace(ctrl *Controller, nsid uint32, ring *Ring) *Namespace {
	return &Namespace{ctrl: ctrl, nsid: nsid, ring: ring}
}

// Identify issues Identify Namespace (CNS 0x00) and populates capacity
// and sector size (§8 scenario S2).
func (ns *Namespace) Identify(done func(error)) {
	buf, err := ns.ctrl.dma.Allocate(4096, PageSize, dma.FromDevice, dma.Uncached, nil)
	if err != nil {
		done(err)
		return
	}

	prp1, prp2, list, err := BuildPRP(ns.ctrl.dma, buf.BusAddr(), 4096)
	if err != nil {
		buf.Release()
		done(err)
		return
	}

	entry := SQE{
		Opcode: AdminIdentify,
		NSID:   ns.nsid,
		PRP1:   prp1,
		PRP2:   prp2,
		DW10:   CNSNamespace,
	}

	_, ok := ns.ctrl.admin.Submit(entry, func(cqe CQE) {
		defer buf.Release()
		if list != nil {
			defer list.Release()
		}

		if cqe.StatusCode() != 0 {
			done(fmt.Errorf("%w: identify namespace failed: status 0x%x", block.ErrIO, cqe.StatusCode()))
			return
		}

		a := identify.ParseNVMeNamespace(buf.CPU())
		ns.sectorCount = a.SectorCount
		ns.sectorSize = a.SectorSize

		done(nil)
	})
	if !ok {
		buf.Release()
		done(block.ErrBusy)
	}
}

func (ns *Namespace) Capacity() uint64    { return ns.sectorCount * uint64(ns.sectorSize) }
func (ns *Namespace) SectorCount() uint64 { return ns.sectorCount }
func (ns *Namespace) SectorSize() int     { return ns.sectorSize }
func (ns *Namespace) MaxSegments() int    { return IOQSGLS }
func (ns *Namespace) MaxInFlight() int    { return ns.ring.depth }
func (ns *Namespace) IsReadOnly() bool    { return false }

func (ns *Namespace) MatchHID(id string) bool {
	return id == ns.ctrl.id.Serial
}

// ReadWrite builds a Read (0x02) or Write (0x01) command using SGL
// descriptors when the controller advertises support, falling back to
// a PRP list otherwise (§4.4 "SGL mode").
func (ns *Namespace) ReadWrite(lba uint64, segments []block.Segment, dir block.Direction, done block.Callback) error {
	if lba+totalSectors(segments) > ns.sectorCount {
		return fmt.Errorf("%w: request exceeds namespace capacity", block.ErrInvalidArgument)
	}

	opcode := byte(IORead)
	if dir == block.Write {
		opcode = IOWrite
	}

	entry := SQE{
		Opcode: opcode,
		NSID:   ns.nsid,
		DW10:   uint32(lba),
		DW11:   uint32(lba >> 32),
		DW12:   uint32(totalSectors(segments) - 1),
	}

	var release func()

	if ns.ctrl.UsesSGL() {
		prp1, length, seg, err := BuildSGL(ns.ctrl.dma, segments, ns.sectorSize)
		if err != nil {
			return err
		}
		// SGL1 (bytes 24-39 of the SQE, overlapping PRP1/PRP2) must
		// itself be a valid descriptor: address of the segment list
		// plus a Last Segment type (0x3) and its byte length, not a
		// bare pointer.
		entry.PRP1 = prp1
		entry.PRP2 = uint64(length) | uint64(sglLastSegment<<4)<<56
		entry.Flags |= 1 << 6 // PSDT: SGL, metadata not interleaved
		release = seg.Release
	} else {
		if len(segments) != 1 {
			return fmt.Errorf("%w: PRP mode requires a single contiguous segment", block.ErrInvalidArgument)
		}
		prp1, prp2, list, err := BuildPRP(ns.ctrl.dma, segments[0].BusAddr, int(segments[0].Sectors)*ns.sectorSize)
		if err != nil {
			return err
		}
		entry.PRP1 = prp1
		entry.PRP2 = prp2
		if list != nil {
			release = list.Release
		}
	}

	_, ok := ns.ring.Submit(entry, func(cqe CQE) {
		if release != nil {
			release()
		}

		if cqe.StatusCode() != 0 {
			done(fmt.Errorf("%w: status 0x%x", block.ErrIO, cqe.StatusCode()), 0)
			return
		}

		done(nil, int(totalSectors(segments))*ns.sectorSize)
	})
	if !ok {
		if release != nil {
			release()
		}
		return block.ErrBusy
	}

	return nil
}

// Flush issues no distinct admin/IO opcode in this driver; NVMe Flush
// (opcode 0x00 on the I/O queue) carries no data phase.
func (ns *Namespace) Flush(done block.Callback) error {
	entry := SQE{NSID: ns.nsid}

	_, ok := ns.ring.Submit(entry, func(cqe CQE) {
		if cqe.StatusCode() != 0 {
			done(fmt.Errorf("%w: flush status 0x%x", block.ErrIO, cqe.StatusCode()), 0)
			return
		}
		done(nil, 0)
	})
	if !ok {
		return block.ErrBusy
	}

	return nil
}

// Discard issues Write Zeroes (opcode 0x08) with the Deallocate bit set
// when r.Unmap is requested, per §8 scenario S6.
func (ns *Namespace) Discard(r block.DiscardRange, done block.Callback) error {
	if r.LBA+r.Sectors > ns.sectorCount {
		return fmt.Errorf("%w: discard range exceeds namespace capacity", block.ErrInvalidArgument)
	}

	dw12 := uint32(r.Sectors - 1)
	if r.Unmap {
		dw12 |= 1 << 25 // DEAC
	}

	entry := SQE{
		Opcode: IOWriteZeroes,
		NSID:   ns.nsid,
		DW10:   uint32(r.LBA),
		DW11:   uint32(r.LBA >> 32),
		DW12:   dw12,
	}

	_, ok := ns.ring.Submit(entry, func(cqe CQE) {
		if cqe.StatusCode() != 0 {
			done(fmt.Errorf("%w: write zeroes status 0x%x", block.ErrIO, cqe.StatusCode()), 0)
			return
		}
		done(nil, 0)
	})
	if !ok {
		return block.ErrBusy
	}

	return nil
}

func (ns *Namespace) DMAMap(region []byte, offset, length int, dir block.Direction) (uintptr, error) {
	addr, err := ns.ctrl.dma.MapExternal(region, offset, length, toDMADirection(dir))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", block.ErrOutOfMemory, err)
	}
	return addr, nil
}

func (ns *Namespace) DMAUnmap(busAddr uintptr, length int, dir block.Direction) error {
	return ns.ctrl.dma.UnmapExternal(busAddr, length, toDMADirection(dir))
}

func toDMADirection(dir block.Direction) dma.Direction {
	if dir == block.Write {
		return dma.ToDevice
	}
	return dma.FromDevice
}

func totalSectors(segments []block.Segment) uint64 {
	var n uint64
	for _, s := range segments {
		n += s.Sectors
	}
	return n
}

var _ block.Device = (*Namespace)(nil)
