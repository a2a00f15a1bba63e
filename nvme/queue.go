package nvme

import (
	"encoding/binary"
	"sync"
)

// SQE is a 64-byte submission queue entry laid out per the NVMe command
// common format; command-specific dwords (CDW10..CDW15) are left to
// callers via the DW10..DW15 fields.
type SQE struct {
	Opcode  byte
	Flags   byte
	CID     uint16
	NSID    uint32
	PRP1    uint64
	PRP2    uint64
	DW10    uint32
	DW11    uint32
	DW12    uint32
	DW13    uint32
	DW14    uint32
	DW15    uint32
}

func (e SQE) encode(buf []byte) {
	buf[0] = e.Opcode
	buf[1] = e.Flags
	binary.LittleEndian.PutUint16(buf[2:], e.CID)
	binary.LittleEndian.PutUint32(buf[4:], e.NSID)
	binary.LittleEndian.PutUint64(buf[24:], e.PRP1)
	binary.LittleEndian.PutUint64(buf[32:], e.PRP2)
	binary.LittleEndian.PutUint32(buf[40:], e.DW10)
	binary.LittleEndian.PutUint32(buf[44:], e.DW11)
	binary.LittleEndian.PutUint32(buf[48:], e.DW12)
	binary.LittleEndian.PutUint32(buf[52:], e.DW13)
	binary.LittleEndian.PutUint32(buf[56:], e.DW14)
	binary.LittleEndian.PutUint32(buf[60:], e.DW15)
}

// CQE is a completion queue entry as read back from the ring.
type CQE struct {
	DW0    uint32
	DW1    uint32
	SQHead uint16
	SQID   uint16
	CID    uint16
	Status uint16
}

func decodeCQE(buf []byte) CQE {
	return CQE{
		DW0:    binary.LittleEndian.Uint32(buf[0:]),
		DW1:    binary.LittleEndian.Uint32(buf[4:]),
		SQHead: binary.LittleEndian.Uint16(buf[8:]),
		SQID:   binary.LittleEndian.Uint16(buf[10:]),
		CID:    binary.LittleEndian.Uint16(buf[12:]),
		Status: binary.LittleEndian.Uint16(buf[14:]),
	}
}

// Phase reports the completion's phase tag bit (§8 property 3).
func (c CQE) Phase() bool { return c.Status&1 != 0 }

// StatusCode returns the 15-bit status field (SC, SCT, CRD, M and DNR)
// with the phase bit shifted out; zero means success.
func (c CQE) StatusCode() uint16 { return (c.Status >> 1) & 0x7fff }

// Ring pairs a submission queue and completion queue sharing a command
// id space, mirroring ahci.Ring's reserve/issue/scan shape (§4.4, §4.5
// "same shape in both families") but with NVMe's explicit doorbells and
// completion phase-bit wraparound instead of AHCI's PxCI bitmask.
type Ring struct {
	mu sync.Mutex

	qid  uint16
	sq   []byte // depth * SQEntrySize
	cq   []byte // depth * CQEntrySize
	depth int

	sqTail int
	sqHead int // device's SQ head, tracked from each CQE's SQHead field
	cqHead int
	phase  bool // expected phase value, flips every full CQ wrap

	sqDoorbell func(tail uint32)
	cqDoorbell func(head uint32)

	pending map[uint16]func(CQE)
	nextCID uint16
}

// NewRing constructs a Ring over caller-owned DMA-backed SQ/CQ memory.
// sqDoorbell and cqDoorbell ring the appropriate doorbell registers at
// DoorbellBase + 2*qid*stride and +stride respectively; the controller
// computes the stride from CAP.DSTRD and passes bound closures here so
// Ring stays free of register-window state.
func NewRing(qid uint16, depth int, sq, cq []byte, sqDoorbell, cqDoorbell func(uint32)) *Ring {
	return &Ring{
		qid:        qid,
		sq:         sq,
		cq:         cq,
		depth:      depth,
		phase:      true,
		sqDoorbell: sqDoorbell,
		cqDoorbell: cqDoorbell,
		pending:    make(map[uint16]func(CQE)),
	}
}

// Submit writes entry into the next SQ slot, assigns it a command id,
// rings the SQ doorbell, and registers done to be called when the
// matching completion is consumed. The ring can hold at most depth-1
// entries in flight: advancing sqTail to equal the device's tracked SQ
// head would make a full queue indistinguishable from an empty one, so
// Submit returns false one entry short of depth (§4.4, §5).
func (r *Ring) Submit(entry SQE, done func(CQE)) (uint16, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if (r.sqTail+1)%r.depth == r.sqHead {
		return 0, false
	}

	cid := r.nextCID
	for {
		if _, busy := r.pending[cid]; !busy {
			break
		}
		cid++
	}
	r.nextCID = cid + 1

	entry.CID = cid

	off := r.sqTail * SQEntrySize
	entry.encode(r.sq[off : off+SQEntrySize])

	r.pending[cid] = done

	r.sqTail = (r.sqTail + 1) % r.depth
	r.sqDoorbell(uint32(r.sqTail))

	return cid, true
}

// Poll drains any completions whose phase bit matches the ring's
// current expected phase, invoking each entry's registered callback and
// advancing the CQ head doorbell. It returns the number of completions
// consumed.
func (r *Ring) Poll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for {
		off := r.cqHead * CQEntrySize
		cqe := decodeCQE(r.cq[off : off+CQEntrySize])

		if cqe.Phase() != r.phase {
			break
		}

		done, ok := r.pending[cqe.CID]
		if ok {
			delete(r.pending, cqe.CID)
		}

		r.sqHead = int(cqe.SQHead)

		r.cqHead++
		if r.cqHead == r.depth {
			r.cqHead = 0
			r.phase = !r.phase
		}

		if ok && done != nil {
			done(cqe)
		}

		n++
	}

	if n > 0 {
		r.cqDoorbell(uint32(r.cqHead))
	}

	return n
}

// Pending reports the count of submitted, not-yet-completed commands.
func (r *Ring) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// AbortAll fails every outstanding command with the given completion,
// used when a controller transitions to Fatal (§4.5).
func (r *Ring) AbortAll(synth CQE) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[uint16]func(CQE))
	r.mu.Unlock()

	for cid, done := range pending {
		c := synth
		c.CID = cid
		if done != nil {
			done(c)
		}
	}
}
