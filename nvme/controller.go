package nvme

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/usbarmory/blockhba/block"
	"github.com/usbarmory/blockhba/dma"
	"github.com/usbarmory/blockhba/errand"
	"github.com/usbarmory/blockhba/internal/identify"
	"github.com/usbarmory/blockhba/internal/pstate"
	"github.com/usbarmory/blockhba/reg"
)

// Quirk records a per-vendor/model deviation from strict NVMe 1.x
// compliance (§9 "quirk" table), analogous to dswarbrick-smart's
// drivedb matching of a device against a table of known exceptions
// rather than trusting every field a controller reports.
type Quirk struct {
	Match       func(identify.NVMeControllerIdentity) bool
	NoSGL       bool
	MaxQueueDepth int
}

// DefaultQuirks is empty; callers append entries as specific
// controllers are found to misreport capabilities.
var DefaultQuirks []Quirk

// Identity is the controller-level identity parsed during bring-up.
type Identity struct {
	Serial   string
	Model    string
	Firmware string

	MDTS         uint8
	SGLSupported bool
}

// Controller drives one NVMe controller's Undefined -> ... -> Ready
// chain (§4.5), mirroring ahci.Port's register-program / poll / identify
// shape but substituting NVMe's CC/CSTS handshake and paired-ring admin
// queue for AHCI's command-list start bit and single FIS slot.
type Controller struct {
	regs *reg.Window
	dma  *dma.Region
	loop *errand.Loop
	log  *slog.Logger

	state *pstate.Machine

	dstrd  uint32 // CAP.DSTRD; the doorbell stride is 4 << dstrd bytes
	admin  *Ring
	quirks []Quirk

	id    Identity
	quirk Quirk

	pollInterval time.Duration
	pollBudget   time.Duration

	namespaces map[uint32]*Namespace
}

// NewController creates a Controller over regs, using dmaRegion for
// queue and data-buffer allocation and loop for bring-up/poll errands.
func NewController(regs *reg.Window, dmaRegion *dma.Region, loop *errand.Loop, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}

	return &Controller{
		regs:         regs,
		dma:          dmaRegion,
		loop:         loop,
		log:          log,
		state:        pstate.NewMachine(),
		quirks:       DefaultQuirks,
		pollInterval: 100 * time.Microsecond,
		pollBudget:   500 * time.Millisecond,
		namespaces:   make(map[uint32]*Namespace),
	}
}

// State returns the controller's current state.
func (c *Controller) State() pstate.State {
	return c.state.Current()
}

// Attach reads CAP and derives the doorbell stride, performing the
// Undefined -> Present transition. A controller with CAP read as all
// ones (no device present on the bus) fails with NoDevice.
func (c *Controller) Attach() error {
	if c.state.Current() != pstate.Undefined {
		return nil
	}

	capHigh := c.regs.Read(CAP + 4)
	if capHigh == 0xffffffff {
		return fmt.Errorf("%w: no NVMe controller present", block.ErrNoDevice)
	}

	c.dstrd = (capHigh >> CAP_DSTRD_POS) & 0xf

	c.state.To(pstate.Present)

	return nil
}

// Initialize performs CC.EN=0 -> poll CSTS.RDY=0 -> program AQA/ASQ/ACQ
// -> CC.EN=1 -> poll CSTS.RDY=1, completing the Present -> Initializing
// -> Attached chain (§4.5). adminDepth sizes the admin queue pair.
func (c *Controller) Initialize(adminDepth int, done func(error)) {
	cur := c.state.Current()
	if cur != pstate.Present && cur != pstate.Error {
		done(fmt.Errorf("initialize called from state %s", cur))
		return
	}

	c.state.To(pstate.Initializing)

	c.regs.ClearBits(CC, 1<<CC_EN)

	errand.Poll(c.loop, "nvme-ctrl-disable", c.pollInterval, c.pollBudget,
		func() bool { return !c.regs.GetBit(CSTS, CSTS_RDY) },
		func() { c.bringUpAdminQueue(adminDepth, done) },
		func() { c.fatal(done, errors.New("controller disable timed out")) },
	)
}

func (c *Controller) bringUpAdminQueue(depth int, done func(error)) {
	sqBuf, err := c.dma.Allocate(depth*SQEntrySize, PageSize, dma.ToDevice, dma.Uncached, nil)
	if err != nil {
		c.fatal(done, err)
		return
	}

	cqBuf, err := c.dma.Allocate(depth*CQEntrySize, PageSize, dma.FromDevice, dma.Uncached, nil)
	if err != nil {
		sqBuf.Release()
		c.fatal(done, err)
		return
	}

	c.regs.Write(AQA, uint32(depth-1)<<16|uint32(depth-1))
	c.regs.Write(ASQ, uint32(sqBuf.BusAddr()))
	c.regs.Write(ASQ+4, uint32(uint64(sqBuf.BusAddr())>>32))
	c.regs.Write(ACQ, uint32(cqBuf.BusAddr()))
	c.regs.Write(ACQ+4, uint32(uint64(cqBuf.BusAddr())>>32))

	c.regs.SetBits(CC, 1<<CC_EN)

	errand.Poll(c.loop, "nvme-ctrl-enable", c.pollInterval, c.pollBudget,
		func() bool { return c.regs.GetBit(CSTS, CSTS_RDY) },
		func() {
			c.admin = NewRing(0, depth, sqBuf.CPU(), cqBuf.CPU(), c.ringDoorbell(0, true), c.ringDoorbell(0, false))
			c.state.To(pstate.Attached)
			done(nil)
		},
		func() { c.fatal(done, errors.New("controller enable timed out")) },
	)
}

// ringDoorbell returns a closure that writes the given queue's SQ tail
// or CQ head doorbell, using the stride derived from CAP.DSTRD.
func (c *Controller) ringDoorbell(qid uint16, submission bool) func(uint32) {
	stride := uint32(4) << c.dstrd
	off := DoorbellBase + uint32(2*qid)*stride
	if !submission {
		off += stride
	}

	return func(v uint32) {
		c.regs.Write(int(off), v)
	}
}

func (c *Controller) fatal(done func(error), err error) {
	c.state.To(pstate.Fatal)
	c.log.Error("controller entered fatal state", "err", err)
	done(fmt.Errorf("%w: %v", block.ErrFatal, err))
}

// Enable issues Identify Controller and applies any matching quirk,
// completing the Attached -> Ready transition (§4.5 "Identify
// handshake").
func (c *Controller) Enable(done func(error)) {
	if c.state.Current() != pstate.Attached {
		done(fmt.Errorf("enable called from state %s", c.state.Current()))
		return
	}

	buf, err := c.dma.Allocate(4096, PageSize, dma.FromDevice, dma.Uncached, nil)
	if err != nil {
		done(err)
		return
	}

	prp1, prp2, list, err := BuildPRP(c.dma, buf.BusAddr(), 4096)
	if err != nil {
		buf.Release()
		done(err)
		return
	}

	entry := SQE{
		Opcode: AdminIdentify,
		PRP1:   prp1,
		PRP2:   prp2,
		DW10:   CNSController,
	}

	_, ok := c.admin.Submit(entry, func(cqe CQE) {
		defer buf.Release()
		if list != nil {
			defer list.Release()
		}

		if cqe.StatusCode() != 0 {
			c.fatal(done, fmt.Errorf("identify controller failed: status 0x%x", cqe.StatusCode()))
			return
		}

		a := identify.ParseNVMeController(buf.CPU())

		c.id = Identity{
			Serial:       a.SerialNumber,
			Model:        a.ModelNumber,
			Firmware:     a.Firmware,
			MDTS:         a.MDTS,
			SGLSupported: a.SGLSupported,
		}

		for _, q := range c.quirks {
			if q.Match != nil && q.Match(a) {
				c.quirk = q
				break
			}
		}

		if c.quirk.NoSGL {
			c.id.SGLSupported = false
		}

		c.state.To(pstate.Ready)
		done(nil)
	})
	if !ok {
		buf.Release()
		done(block.ErrBusy)
	}
}

// Identity returns the parsed controller identity.
func (c *Controller) Identity() Identity { return c.id }

// UsesSGL reports whether data commands should be built with SGL
// descriptors rather than PRP lists.
func (c *Controller) UsesSGL() bool { return c.id.SGLSupported }

// CreateIOQueues issues Create I/O Completion Queue (0x05) followed by
// Create I/O Submission Queue (0x01) for the given queue id and depth,
// over caller-provided DMA-backed memory, and returns the resulting
// paired Ring on success (§4.4, §6 admin opcodes).
func (c *Controller) CreateIOQueues(qid uint16, depth int, sq, cq []byte, sqBusAddr, cqBusAddr uintptr, done func(*Ring, error)) {
	if c.state.Current() != pstate.Ready {
		done(nil, block.ErrNoDevice)
		return
	}

	cqEntry := SQE{
		Opcode: AdminCreateCQ,
		PRP1:   uint64(cqBusAddr),
		DW10:   uint32(depth-1)<<16 | uint32(qid),
		DW11:   1, // physically contiguous, interrupts disabled (polled)
	}

	_, ok := c.admin.Submit(cqEntry, func(cqe CQE) {
		if cqe.StatusCode() != 0 {
			done(nil, fmt.Errorf("%w: create IO CQ failed: status 0x%x", block.ErrIO, cqe.StatusCode()))
			return
		}

		sqEntry := SQE{
			Opcode: AdminCreateSQ,
			PRP1:   uint64(sqBusAddr),
			DW10:   uint32(depth-1)<<16 | uint32(qid),
			DW11:   uint32(qid)<<16 | 1, // associated CQ id, physically contiguous
		}

		_, ok := c.admin.Submit(sqEntry, func(cqe CQE) {
			if cqe.StatusCode() != 0 {
				done(nil, fmt.Errorf("%w: create IO SQ failed: status 0x%x", block.ErrIO, cqe.StatusCode()))
				return
			}

			ring := NewRing(qid, depth, sq, cq, c.ringDoorbell(qid, true), c.ringDoorbell(qid, false))
			done(ring, nil)
		})
		if !ok {
			done(nil, block.ErrBusy)
		}
	})
	if !ok {
		done(nil, block.ErrBusy)
	}
}

// PollAdmin drains the admin completion queue; callers invoke this from
// their interrupt or polling path.
func (c *Controller) PollAdmin() int {
	return c.admin.Poll()
}

// RegisterNamespace records ns under nsid so Namespaces can later
// enumerate every namespace this controller has brought up.
func (c *Controller) RegisterNamespace(nsid uint32, ns *Namespace) {
	c.namespaces[nsid] = ns
}

// Namespaces returns every namespace registered via RegisterNamespace.
func (c *Controller) Namespaces() map[uint32]*Namespace {
	return c.namespaces
}
