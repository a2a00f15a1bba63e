// Package pci discovers SATA and NVMe host-bus adapters and exposes
// their configuration space and BAR resources, the user-space analogue
// of the teacher's soc/intel/pci driver (§6 "PCI configuration").
//
// Where the teacher issues CONFIG_ADDRESS/CONFIG_DATA port I/O
// instructions to read configuration space on bare metal, this package
// reads the same information from the Linux sysfs PCI device tree
// (/sys/bus/pci/devices/<bdf>/config and /resource0), since this driver
// runs as an ordinary process without port I/O privileges.
package pci

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"
)

// Header Type 0x0 configuration space offsets, matching the teacher's
// constant names.
const (
	VendorID           = 0x00
	DeviceID           = 0x02
	Command            = 0x04
	Status             = 0x06
	RevisionID         = 0x08
	ClassCode          = 0x09 // 3 bytes: prog-if, subclass, base class
	Bar0               = 0x10
	CapabilitiesOffset = 0x34
	InterruptPin       = 0x3d
)

// Class codes named in §6.
const (
	ClassSATA = 0x010601
	ClassNVMe = 0x010802
)

// Capability IDs walked from CapabilitiesOffset.
const (
	CapMSI  = 0x05
	CapMSIX = 0x11
)

// Device represents one discovered PCI function.
type Device struct {
	Bus, Slot, Function int

	Vendor uint16
	Device uint16
	Class  uint32

	config []byte
	sysDir string
}

func (d *Device) Read32(off int) uint32 {
	return binary.LittleEndian.Uint32(d.config[off:])
}

func (d *Device) Read16(off int) uint16 {
	return binary.LittleEndian.Uint16(d.config[off:])
}

// BaseAddress returns BAR n's physical address and whether it is a
// 64-bit BAR, decoding the type field the same way the teacher's
// BaseAddress does.
func (d *Device) BaseAddress(n int) (addr uint64, is64 bool) {
	if n > 5 {
		return 0, false
	}

	off := Bar0 + n*4
	bar := d.Read32(off)

	switch (bar >> 1) & 0b11 {
	case 0:
		return uint64(bar &^ 0xf), false
	case 2:
		hi := d.Read32(off + 4)
		return uint64(hi)<<32 | uint64(bar&^0xf), true
	}

	return 0, false
}

// MapBAR mmaps BAR n's resource file from sysfs, returning the live
// register window bytes. Callers wrap the result with reg.NewWindow.
func (d *Device) MapBAR(n int) ([]byte, error) {
	path := filepath.Join(d.sysDir, fmt.Sprintf("resource%d", n))

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("pci: open %s: %w", path, err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("pci: stat %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("pci: mmap %s: %w", path, err)
	}

	return mem, nil
}

// capabilities walks the linked list of PCI capability structures
// starting at CapabilitiesOffset, returning the set of capability IDs
// present.
func (d *Device) capabilities() map[byte]int {
	caps := make(map[byte]int)

	if d.Read16(Status)&(1<<4) == 0 {
		return caps // capabilities list not present
	}

	ptr := d.config[CapabilitiesOffset]
	seen := make(map[byte]bool)

	for ptr != 0 && !seen[ptr] {
		seen[ptr] = true

		id := d.config[ptr]
		caps[id] = int(ptr)

		ptr = d.config[ptr+1]
	}

	return caps
}

// HasMSIX reports whether the device advertises an MSI-X capability.
func (d *Device) HasMSIX() bool {
	_, ok := d.capabilities()[CapMSIX]
	return ok
}

// HasMSI reports whether the device advertises an MSI capability.
func (d *Device) HasMSI() bool {
	_, ok := d.capabilities()[CapMSI]
	return ok
}

// Discoverer enumerates host-bus adapters; bus transport (sysfs here,
// or any other inventory source in a different deployment) is kept
// behind this interface so cmd/hbad's launcher does not hardcode a
// filesystem layout.
type Discoverer interface {
	Discover() ([]*Device, error)
}

// SysfsDiscoverer enumerates PCI devices under /sys/bus/pci/devices,
// matching on class code.
type SysfsDiscoverer struct {
	Root    string // defaults to /sys/bus/pci/devices
	Classes []uint32
}

// NewSysfsDiscoverer builds a discoverer matching the given class codes.
func NewSysfsDiscoverer(classes ...uint32) *SysfsDiscoverer {
	return &SysfsDiscoverer{Root: "/sys/bus/pci/devices", Classes: classes}
}

// Discover reads every device directory's config file, filters by class
// code, and returns matching devices in stable (bus, slot, function)
// order.
func (s *SysfsDiscoverer) Discover() ([]*Device, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		return nil, fmt.Errorf("pci: read %s: %w", s.Root, err)
	}

	var found []*Device

	for _, e := range entries {
		bdf := e.Name()

		cfg, err := os.ReadFile(filepath.Join(s.Root, bdf, "config"))
		if err != nil {
			continue
		}

		if len(cfg) < 64 {
			continue
		}

		d := &Device{
			config: cfg,
			sysDir: filepath.Join(s.Root, bdf),
		}

		d.Vendor = d.Read16(VendorID)
		d.Device = d.Read16(DeviceID)

		classBytes := []byte{cfg[ClassCode], cfg[ClassCode+1], cfg[ClassCode+2]}
		d.Class = uint32(classBytes[2])<<16 | uint32(classBytes[1])<<8 | uint32(classBytes[0])

		if !s.matches(d.Class) {
			continue
		}

		var bus, slot, fn int
		if _, err := fmt.Sscanf(bdf, "0000:%02x:%02x.%d", &bus, &slot, &fn); err != nil {
			continue
		}
		d.Bus, d.Slot, d.Function = bus, slot, fn

		found = append(found, d)
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].Bus != found[j].Bus {
			return found[i].Bus < found[j].Bus
		}
		if found[i].Slot != found[j].Slot {
			return found[i].Slot < found[j].Slot
		}
		return found[i].Function < found[j].Function
	})

	return found, nil
}

func (s *SysfsDiscoverer) matches(class uint32) bool {
	if len(s.Classes) == 0 {
		return true
	}
	for _, c := range s.Classes {
		if c == class {
			return true
		}
	}
	return false
}

var _ Discoverer = (*SysfsDiscoverer)(nil)
