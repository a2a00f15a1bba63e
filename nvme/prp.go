package nvme

import (
	"encoding/binary"
	"fmt"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
)

// BuildPRP fills PRP1/PRP2 (and, for transfers spanning more than two
// pages, an indirect PRP list allocated from region) for a single
// contiguous-per-segment data transfer, satisfying §8 property 4's
// layout rules:
//
//   - a transfer fitting in one page uses PRP1 alone, PRP2 zero.
//   - a transfer spanning exactly two pages uses PRP1 and PRP2 as the
//     second page's base address.
//   - a transfer spanning more than two pages uses PRP1 for the first
//     page and PRP2 as the bus address of a single list page of
//     page-aligned pointers. Chaining to a further list page is not
//     implemented: a transfer needing more than 512 list entries
//     (PageSize/8) is rejected with block.ErrInvalidArgument.
//
// addr and byteLen describe one bus-contiguous range; callers translate
// block.Segment sector counts into bytes before calling BuildPRP.
func BuildPRP(region *dma.Region, addr uintptr, byteLen int) (prp1, prp2 uint64, list *dma.Buffer, err error) {
	if byteLen <= 0 {
		return 0, 0, nil, fmt.Errorf("%w: zero-length PRP transfer", block.ErrInvalidArgument)
	}

	prp1 = uint64(addr)

	firstPageEnd := (uint64(addr) + PageSize) &^ (PageSize - 1)
	remaining := uint64(byteLen) - (firstPageEnd - uint64(addr))

	if int64(remaining) <= 0 {
		return prp1, 0, nil, nil
	}

	if remaining <= PageSize {
		return prp1, firstPageEnd, nil, nil
	}

	pages := (remaining + PageSize - 1) / PageSize
	if pages > 512 {
		return 0, 0, nil, fmt.Errorf("%w: transfer requires chained PRP list (%d pages)", block.ErrInvalidArgument, pages)
	}

	listBuf, err := region.Allocate(int(pages)*8, PageSize, dma.ToDevice, dma.Uncached, nil)
	if err != nil {
		return 0, 0, nil, err
	}

	raw := listBuf.CPU()
	p := firstPageEnd
	for i := uint64(0); i < pages; i++ {
		binary.LittleEndian.PutUint64(raw[i*8:], p)
		p += PageSize
	}

	return prp1, uint64(listBuf.BusAddr()), listBuf, nil
}
