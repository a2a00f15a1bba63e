package nvme

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
)

// SGL descriptor type values (upper nibble of a descriptor's type byte).
const (
	sglDataBlock   = 0x0 // one data block within a segment
	sglLastSegment = 0x3 // pointer to the final (here, only) segment
)

// BuildSGL fills a DMA buffer with one Data Block descriptor per
// segment and returns its bus address and byte length, for the caller
// to embed as the SQE's SGL1 last-segment descriptor (§4.4 "SGL
// mode"); callers fall back to BuildPRP when the controller doesn't
// advertise SGL support. Segment count is bounded by IOQSGLS.
func BuildSGL(region *dma.Region, segments []block.Segment, sectorSize int) (prp1 uint64, length uint32, seg *dma.Buffer, err error) {
	if len(segments) == 0 {
		return 0, 0, nil, fmt.Errorf("%w: empty segment list", block.ErrInvalidArgument)
	}

	if len(segments) > IOQSGLS {
		return 0, 0, nil, fmt.Errorf("%w: %d segments exceeds IOQSGLS %d", block.ErrInvalidArgument, len(segments), IOQSGLS)
	}

	seg, err = region.Allocate(len(segments)*16, 16, dma.ToDevice, dma.Uncached, nil)
	if err != nil {
		return 0, 0, nil, err
	}

	raw := seg.CPU()

	for i, s := range segments {
		off := i * 16
		binary.LittleEndian.PutUint64(raw[off:], uint64(s.BusAddr))
		binary.LittleEndian.PutUint32(raw[off+8:], uint32(s.Sectors)*uint32(sectorSize))
		raw[off+15] = sglDataBlock << 4
	}

	return uint64(seg.BusAddr()), uint32(len(segments) * 16), seg, nil
}
