// Package ahci implements the SATA-family command ring (§4.3) and
// port/controller state machine (§4.5) over the AHCI 1.3 register set
// named in §6.
//
// The register layout and command-issue sequencing are grounded on
// imx6/usdhc in the teacher (usbarmory-tamago): a single Go struct
// holding per-register byte offsets, bitfield positions asserted with
// internal/bits, and a cmd() method that writes argument/transfer-type
// registers then polls a completion bit. AHCI's per-port command list
// (32 command-header slots, each with its own PRDT) generalizes uSDHC's
// single-outstanding-command model into the slotted ring described in
// §4.3.
package ahci

// Host control block register offsets (§6), relative to ABAR.
const (
	HBA_CAP     = 0x00 // Host Capabilities
	HBA_GHC     = 0x04 // Global HBA Control
	HBA_IS      = 0x08 // Interrupt Status
	HBA_PI      = 0x0c // Ports Implemented
	HBA_VS      = 0x10 // Version
	HBA_CAP2    = 0x24 // Host Capabilities Extended
	HBA_PORTS   = 0x100
	HBA_PORTLEN = 0x80
)

// HBA_GHC bits.
const (
	GHC_AE = 31 // AHCI Enable
	GHC_IE = 1  // Interrupt Enable
	GHC_HR = 0  // HBA Reset
)

// HBA_CAP bits.
const (
	CAP_NP   = 0  // Number of Ports - 1, mask 0x1f
	CAP_NCS  = 8  // Number of Command Slots - 1, mask 0x1f
	CAP_S64A = 31 // Supports 64-bit Addressing
)

// Per-port register offsets, relative to the port's base
// (HBA_PORTS + n*HBA_PORTLEN).
const (
	PxCLB  = 0x00 // Command List Base Address
	PxCLBU = 0x04
	PxFB   = 0x08 // FIS Base Address
	PxFBU  = 0x0c
	PxIS   = 0x10 // Interrupt Status
	PxIE   = 0x14 // Interrupt Enable
	PxCMD  = 0x18 // Command and Status
	PxTFD  = 0x20 // Task File Data
	PxSIG  = 0x24 // Signature
	PxSSTS = 0x28 // SATA Status
	PxSCTL = 0x2c // SATA Control
	PxSERR = 0x30 // SATA Error
	PxSACT = 0x34 // SATA Active
	PxCI   = 0x38 // Command Issue
	PxSNTF = 0x3c // SATA Notification
	PxFBS  = 0x40 // FIS-based Switching
	PxDEVSLP = 0x44 // Device Sleep
)

// PxCMD bits.
const (
	PxCMD_ST  = 0  // Start
	PxCMD_FRE = 4  // FIS Receive Enable
	PxCMD_FR  = 14 // FIS Receive Running
	PxCMD_CR  = 15 // Command List Running
)

// PxIS / interrupt-status bits that indicate a fatal or recoverable
// condition, per §4.5 "Error handling on interrupt".
const (
	PxIS_DHRS = 0  // Device to Host Register FIS
	PxIS_PSS  = 1  // PIO Setup FIS
	PxIS_DSS  = 2  // DMA Setup FIS
	PxIS_SDBS = 3  // Set Device Bits FIS
	PxIS_UFS  = 4  // Unknown FIS
	PxIS_DPS  = 5  // Descriptor Processed
	PxIS_PCS  = 6  // Port Connect Change Status
	PxIS_DMPS = 7  // Device Mechanical Presence Status
	PxIS_PRCS = 22 // PhyRdy Change Status (device presence change)
	PxIS_IPMS = 23 // Incorrect Port Multiplier Status
	PxIS_OFS  = 24 // Overflow Status
	PxIS_INFS = 26 // Interface Non-fatal Error Status
	PxIS_IFS  = 27 // Interface Fatal Error Status
	PxIS_HBDS = 28 // Host Bus Data Error Status
	PxIS_HBFS = 29 // Host Bus Fatal Error Status
	PxIS_TFES = 30 // Task File Error Status
	PxIS_CPDS = 31 // Cold Port Detect Status
)

// DataInterruptMask covers the "ordinary completion" interrupt bits
// handled by ScanCompletions rather than the error path.
const DataInterruptMask = (1 << PxIS_DHRS) | (1 << PxIS_PSS) | (1 << PxIS_DSS) | (1 << PxIS_SDBS)

// FatalInterruptMask covers task-file and interface errors that abort
// the in-flight command and force a reinitialize per §4.5.
const FatalInterruptMask = (1 << PxIS_IFS) | (1 << PxIS_HBFS) | (1 << PxIS_TFES)

// PresenceChangeMask covers device-presence-change interrupts that abort
// all pending slots and schedule a full reset.
const PresenceChangeMask = (1 << PxIS_PRCS) | (1 << PxIS_CPDS)

// Device signatures (§6).
const (
	SigATA            = 0x00000101
	SigATAPI          = 0xEB140101
	SigPortMultiplier  = 0x96690101
	SigEnclosure       = 0xC33C0101
)

// FIS types.
const (
	FISTypeRegH2D = 0x27
)

// ATA command codes used by the identify handshake and I/O path.
const (
	ATA_IDENTIFY_DEVICE = 0xEC
	ATA_READ_DMA_EX      = 0x25
	ATA_WRITE_DMA_EX     = 0x35
	ATA_FLUSH_CACHE_EX   = 0xEA
	ATA_DATA_SET_MGMT    = 0x06 // TRIM / discard
)

// MaxSlots is the maximum number of command slots AHCI 1.3 allows.
const MaxSlots = 32

// MaxSG is the maximum number of PRDT entries this driver builds per
// command slot (§4.3 "setup").
const MaxSG = 64

// CommandHeaderSize, FISLength and PRDTEntrySize describe the DMA-resident
// per-slot layout: a 32-byte command header followed, out of line, by a
// command table holding the 20-byte H2D FIS and the PRDT.
const (
	CommandHeaderSize = 32
	FISLength         = 20
	PRDTEntrySize     = 16
)
