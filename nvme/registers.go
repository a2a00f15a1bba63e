// Package nvme implements the NVMe-family paired submission/completion
// queues (§4.4) and controller/namespace state machine (§4.5) over the
// NVMe 1.x register set named in §6.
//
// The controller bring-up sequencing follows the same shape as
// imx6/usdhc's Detect/cmd chain in the teacher (usbarmory-tamago):
// program registers, clear/set an enable bit, poll a status bit with a
// bounded timeout, then proceed to the command phase — generalized here
// from a single blocking command to a paired-ring, callback-driven
// command lifecycle per §4.4 and §9's redesign notes.
package nvme

// Register offsets (§6 "NVMe 1.x").
const (
	CAP    = 0x00 // Controller Capabilities (64-bit)
	VS     = 0x08 // Version
	INTMS  = 0x0c // Interrupt Mask Set
	INTMC  = 0x10 // Interrupt Mask Clear
	CC     = 0x14 // Controller Configuration
	CSTS   = 0x1c // Controller Status
	AQA    = 0x24 // Admin Queue Attributes
	ASQ    = 0x28 // Admin Submission Queue Base (64-bit)
	ACQ    = 0x30 // Admin Completion Queue Base (64-bit)

	DoorbellBase   = 0x1000
	DoorbellStride = 4
)

// CAP fields. DSTRD and CSS live in the high dword of the 64-bit
// register (offset CAP+4); callers read that dword separately and apply
// these bit positions within it.
const (
	CAP_MQES_POS  = 0
	CAP_MQES_MASK = 0xffff
	CAP_DSTRD_POS = 0 // bits [3:0] of CAP+4
	CAP_CSS_POS   = 5 // bits [12:5] of CAP+4
)

// CC bits.
const (
	CC_EN      = 0
	CC_CSS_POS = 4
	CC_MPS_POS = 7
	CC_IOSQES_POS = 16
	CC_IOCQES_POS = 20
)

// CSTS bits.
const (
	CSTS_RDY = 0
	CSTS_CFS = 1
)

// Admin opcodes (§6).
const (
	AdminIdentify   = 0x06
	AdminCreateCQ   = 0x05
	AdminCreateSQ   = 0x01
)

// CNS values for Identify.
const (
	CNSNamespace  = 0x00
	CNSController = 0x01
)

// I/O opcodes (§6).
const (
	IOWrite      = 0x01
	IORead       = 0x02
	IOWriteZeroes = 0x08
)

// SQEntrySize and CQEntrySize are fixed by the NVMe spec.
const (
	SQEntrySize = 64
	CQEntrySize = 16
)

// PageSize is the host page size assumed for PRP arithmetic (§4.4, §8
// property 4).
const PageSize = 4096

// IOQSGLS bounds the number of SGL data descriptors per command when SGL
// mode is in use (§4.4 "SGL mode").
const IOQSGLS = 32
