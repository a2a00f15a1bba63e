package ahci

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

// Identity holds the fields parsed out of ATA IDENTIFY DEVICE, per §4.5
// "Identify handshake".
type Identity struct {
	Model    string
	Serial   string
	Firmware string

	SectorSize  int
	SectorCount uint64
	LBA48       bool
	ReadOnly    bool
}

// Port represents one SATA connection endpoint: an AHCI command list, its
// slots, and the state machine that drives bring-up, steady state, error
// recovery and shutdown (§3 "Port / Namespace", §4.5).
type Port struct {
	n    int
	regs *reg.Window
	dma  *dma.Region
	loop *errand.Loop
	log  *slog.Logger

	state *pstate.Machine
	ring  *Ring

	id Identity

	pollInterval time.Duration
	pollBudget   time.Duration
}

// NewPort creates a Port over the per-port register window regs (offset
// HBA_PORTS+n*HBA_PORTLEN within the adapter's MMIO window), using dma
// for command-list and buffer allocation and loop to schedule bring-up
// and polling errands.
func NewPort(n int, regs *reg.Window, dmaRegion *dma.Region, loop *errand.Loop, log *slog.Logger) *Port {
	if log == nil {
		log = slog.Default()
	}

	return &Port{
		n:            n,
		regs:         regs,
		dma:          dmaRegion,
		loop:         loop,
		log:          log.With("port", n),
		state:        pstate.NewMachine(),
		pollInterval: 10 * time.Microsecond,
		pollBudget:   50 * time.Millisecond,
	}
}

// State returns the port's current state.
func (p *Port) State() pstate.State {
	return p.state.Current()
}

// Attach performs §4.5's Undefined -> Present transition: it reads PxSIG
// and fails with NoDevice if no device is detected.
func (p *Port) Attach() error {
	if p.state.Current() != pstate.Undefined {
		return nil
	}

	sig := p.regs.Read(PxSIG)

	switch sig {
	case SigATA, SigATAPI, SigPortMultiplier, SigEnclosure:
		p.state.To(pstate.Present)
		return nil
	default:
		return fmt.Errorf("%w: no device signature at port %d", block.ErrNoDevice, p.n)
	}
}

// Initialize drives the Present -> Initializing -> Attached chain: clear
// the start bit, poll "command list stopped" with a 10µs interval and a
// 50ms budget, clear FIS-receive-enable, poll again. Exceeding the budget
// promotes the state to Fatal (§4.5). It also handles the Error ->
// (Initializing) re-entry used by error recovery.
func (p *Port) Initialize(done func(error)) {
	cur := p.state.Current()

	if cur != pstate.Present && cur != pstate.Error {
		done(fmt.Errorf("initialize called from state %s", cur))
		return
	}

	p.state.To(pstate.Initializing)

	p.regs.ClearBits(PxCMD, 1<<PxCMD_ST)

	errand.Poll(p.loop, fmt.Sprintf("ahci-port%d-stop-cl", p.n), p.pollInterval, p.pollBudget,
		func() bool { return !p.regs.GetBit(PxCMD, PxCMD_CR) },
		func() { p.initStep2(done) },
		func() { p.fatal(done, errors.New("command list stop timed out")) },
	)
}

func (p *Port) initStep2(done func(error)) {
	p.regs.ClearBits(PxCMD, 1<<PxCMD_FRE)

	errand.Poll(p.loop, fmt.Sprintf("ahci-port%d-stop-fre", p.n), p.pollInterval, p.pollBudget,
		func() bool { return !p.regs.GetBit(PxCMD, PxCMD_FR) },
		func() {
			p.state.To(pstate.Attached)
			done(nil)
		},
		func() { p.fatal(done, errors.New("FIS receive stop timed out")) },
	)
}

func (p *Port) fatal(done func(error), err error) {
	p.state.To(pstate.Fatal)
	p.log.Error("port entered fatal state", "err", err)
	done(fmt.Errorf("%w: %v", block.ErrFatal, err))
}

// InitializeMemory allocates the command-list and FIS-receive DMA
// buffers and the command-slot ring.
func (p *Port) InitializeMemory(slots int) error {
	r, err := newRing(p, slots)
	if err != nil {
		return err
	}

	p.ring = r

	return nil
}

// Enable programs PxCLB/PxFB from the ring's command-list buffer, sets
// the start and FIS-receive-enable bits, and performs the identify
// handshake, completing the Attached -> Ready transition (§4.5).
func (p *Port) Enable(done func(error)) {
	if p.state.Current() != pstate.Attached {
		done(fmt.Errorf("enable called from state %s", p.state.Current()))
		return
	}

	p.regs.SetBits(PxCMD, 1<<PxCMD_FRE)
	p.regs.SetBits(PxCMD, 1<<PxCMD_ST)

	p.identify(func(id Identity, err error) {
		if err != nil {
			p.fatal(done, err)
			return
		}

		p.id = id
		p.state.To(pstate.Ready)
		done(nil)
	})
}

// identify issues ATA IDENTIFY DEVICE through the lowest free slot (slot 0
// during first bring-up) and parses the
// result (§4.5 "Identify handshake").
func (p *Port) identify(done func(Identity, error)) {
	buf, err := p.dma.Allocate(512, 2, dma.FromDevice, dma.Uncached, nil)
	if err != nil {
		done(Identity{}, err)
		return
	}

	idx, ok := p.ring.Reserve()
	if !ok {
		buf.Release()
		done(Identity{}, block.ErrBusy)
		return
	}

	s := p.ring.slots[idx]
	table := s.table.CPU()
	fis := table[:FISLength]
	buildH2DFIS(fis, ATA_IDENTIFY_DEVICE, 0, 1)

	prdt := table[FISLength:]
	putU64(prdt[0:], uint64(buf.BusAddr()))
	putU32(prdt[8:], 0)
	putU32(prdt[12:], uint32(511))

	header := s.header.CPU()
	putU32(header[0:], uint32(1)<<16|uint32(FISLength/4))
	putU64(header[8:], uint64(s.table.BusAddr()))

	s.done = func(err error, n int) {
		defer buf.Release()

		if err != nil {
			done(Identity{}, err)
			return
		}

		a := identify.ParseATA(buf.CPU())
		done(Identity{
			Model:       a.Model,
			Serial:      a.Serial,
			Firmware:    a.Firmware,
			SectorSize:  a.SectorSize,
			SectorCount: a.SectorCount,
			LBA48:       a.LBA48,
			ReadOnly:    a.ReadOnly,
		}, nil)
	}
	s.sectors = 1
	s.state = slotSubmitted

	p.ring.Issue(idx)
}

// SendCommand implements §4.5's command-submission contract: validates
// the request, reserves a slot, builds and issues the command in order,
// returning the slot handle. It fails synchronously with InvalidArgument
// on a bad request and with Busy when no slot is free.
func (p *Port) SendCommand(req block.Request) (int, error) {
	if p.state.Current() != pstate.Ready {
		return -1, block.ErrNoDevice
	}

	numsec := req.TotalSectors()

	if numsec == 0 || numsec > 65536 {
		return -1, fmt.Errorf("%w: numsec %d out of range", block.ErrInvalidArgument, numsec)
	}

	if req.LBA >= (1 << 48) {
		return -1, fmt.Errorf("%w: LBA %d exceeds LBA48 range", block.ErrInvalidArgument, req.LBA)
	}

	if req.LBA+numsec > p.id.SectorCount {
		return -1, fmt.Errorf("%w: request exceeds device capacity", block.ErrInvalidArgument)
	}

	idx, ok := p.ring.Reserve()
	if !ok {
		return -1, block.ErrBusy
	}

	if err := p.ring.Setup(idx, req.LBA, req.Direction, req.Segments, p.id.SectorSize, req.Done); err != nil {
		p.ring.Abort(idx)
		return -1, err
	}

	p.ring.Issue(idx)

	return idx, nil
}

// HandleInterrupt implements §4.5 "Error handling on interrupt": it
// triages PxIS and either handles a presence change, a fatal/taskfile
// error, or a plain data-completion interrupt.
func (p *Port) HandleInterrupt() {
	status := p.regs.Read(PxIS)

	switch {
	case status&PresenceChangeMask != 0:
		p.regs.Write(PxIS, status&PresenceChangeMask)
		p.ring.AbortAll()
		p.scheduleReset()

	case status&FatalInterruptMask != 0:
		p.regs.Write(PxIS, status&FatalInterruptMask)
		p.recoverFromTaskFileError()

	default:
		p.regs.Write(PxIS, status&DataInterruptMask)
		p.ring.ScanCompletions(p.id.SectorSize)
	}
}

func (p *Port) scheduleReset() {
	p.state.To(pstate.Error)

	p.loop.ScheduleNow(fmt.Sprintf("ahci-port%d-reset", p.n), func(now time.Time) errand.Result {
		p.Initialize(func(err error) {
			if err != nil {
				return
			}

			p.Enable(func(error) {})
		})

		return errand.Finished
	})
}

// recoverFromTaskFileError implements the §4.5 taskfile-error path:
// identify the currently executing slot via the hardware pointer, abort
// it, preserve the remaining pending-slot mask, reinitialize and
// re-enable the port, then re-issue the preserved commands; if re-enable
// fails, abort all commands.
func (p *Port) recoverFromTaskFileError() {
	cmdSlot := int(p.regs.Get(PxCMD, 8, 0x1f)) // current command slot, CCS field

	preserved := p.ring.PendingMask()
	preserved &^= 1 << uint(cmdSlot)

	p.ring.AbortSlot(cmdSlot)
	p.state.To(pstate.Error)

	p.Initialize(func(err error) {
		if err != nil {
			p.ring.AbortAll()
			return
		}

		p.Enable(func(err error) {
			if err != nil {
				p.ring.AbortAll()
				return
			}

			p.regs.SetBits(PxCI, preserved)
		})
	})
}

// Disable drains outstanding commands and clears the start bit,
// completing the Ready -> Disabled transition. It is a no-op on an
// already-Disabled port (§8 property 8).
func (p *Port) Disable(done func(error)) {
	if p.state.Current() == pstate.Disabled {
		done(nil)
		return
	}

	if p.state.Current() != pstate.Ready {
		done(fmt.Errorf("disable called from state %s", p.state.Current()))
		return
	}

	p.state.To(pstate.Disabling)
	p.regs.ClearBits(PxCMD, 1<<PxCMD_ST)

	errand.Poll(p.loop, fmt.Sprintf("ahci-port%d-disable", p.n), p.pollInterval, p.pollBudget,
		func() bool { return !p.regs.GetBit(PxCMD, PxCMD_CR) },
		func() {
			p.state.To(pstate.Disabled)
			done(nil)
		},
		func() { p.fatal(done, errors.New("disable drain timed out")) },
	)
}

// Identity returns the parsed identify data.
func (p *Port) Identity() Identity {
	return p.id
}
