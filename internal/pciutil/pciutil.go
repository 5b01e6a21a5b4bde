// Package pciutil implements the PCI service bus (spec.md §6's
// PCIService) against the real PCI config space exposed under
// /sys/bus/pci on Linux: device search by class/subclass, config-space
// read/write, GSI lookup, and MSI enable. Grounded on the sysfs access
// pattern in platinasystems-goes' pci.go (sysfsWrite against
// /sys/bus/pci/drivers/...) and the resource/config file layout that
// package and its vfio backend both build on.
package pciutil

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/go-logr/logr"
)

const sysfsPCI = "/sys/bus/pci/devices"

// Bus implements ahcidrv.PCIService by reading and writing PCI config
// space through each device's /sys/bus/pci/devices/<bdf>/config file.
type Bus struct {
	log logr.Logger
}

// New returns a Bus that logs through log.
func New(log logr.Logger) *Bus {
	return &Bus{log: log}
}

func sysfsDir(bdf uint32) string {
	bus := bdf >> 8
	dev := (bdf >> 3) & 0x1f
	fn := bdf & 0x7
	return filepath.Join(sysfsPCI, fmt.Sprintf("0000:%02x:%02x.%x", bus, dev, fn))
}

// SearchDevice implements ahcidrv.PCIService: it walks /sys/bus/pci/devices
// in address order looking for the index'th function whose class code
// matches class<<16|subclass<<8 (the low byte, programming interface, is
// ignored, matching AHCI's "any prog-if" requirement).
func (b *Bus) SearchDevice(class, subclass byte, index int) (bdf uint32, ok bool) {
	entries, err := os.ReadDir(sysfsPCI)
	if err != nil {
		b.log.Error(err, "read PCI device list")
		return 0, false
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	want := uint32(class)<<16 | uint32(subclass)<<8
	matched := 0
	for _, name := range names {
		raw, err := os.ReadFile(filepath.Join(sysfsPCI, name, "class"))
		if err != nil {
			continue
		}
		classCode, err := strconv.ParseUint(strings.TrimSpace(strings.TrimPrefix(string(raw), "0x")), 16, 32)
		if err != nil {
			continue
		}
		if uint32(classCode)&0xffff00 != want {
			continue
		}
		if matched == index {
			if key, err := parseBDF(name); err == nil {
				return key, true
			}
		}
		matched++
	}
	return 0, false
}

func parseBDF(name string) (uint32, error) {
	// name is "DDDD:BB:DD.F"
	parts := strings.SplitN(name, ":", 3)
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed PCI address %q", name)
	}
	bus, err := strconv.ParseUint(parts[1], 16, 8)
	if err != nil {
		return 0, err
	}
	df := strings.SplitN(parts[2], ".", 2)
	if len(df) != 2 {
		return 0, fmt.Errorf("malformed PCI address %q", name)
	}
	dev, err := strconv.ParseUint(df[0], 16, 8)
	if err != nil {
		return 0, err
	}
	fn, err := strconv.ParseUint(df[1], 16, 8)
	if err != nil {
		return 0, err
	}
	return uint32(bus)<<8 | uint32(dev&0x1f)<<3 | uint32(fn&0x7), nil
}

// ConfRead implements ahcidrv.PCIService, reading one little-endian dword
// from the device's config file at byte offset reg.
func (b *Bus) ConfRead(bdf uint32, reg int) uint32 {
	f, err := os.OpenFile(filepath.Join(sysfsDir(bdf), "config"), os.O_RDONLY, 0)
	if err != nil {
		b.log.Error(err, "open PCI config space", "bdf", bdf)
		return 0xffffffff
	}
	defer f.Close()

	var buf [4]byte
	if _, err := f.ReadAt(buf[:], int64(reg)); err != nil {
		b.log.Error(err, "read PCI config space", "bdf", bdf, "reg", reg)
		return 0xffffffff
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// ConfWrite implements ahcidrv.PCIService.
func (b *Bus) ConfWrite(bdf uint32, reg int, val uint32) {
	f, err := os.OpenFile(filepath.Join(sysfsDir(bdf), "config"), os.O_WRONLY, 0)
	if err != nil {
		b.log.Error(err, "open PCI config space for write", "bdf", bdf)
		return
	}
	defer f.Close()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if _, err := f.WriteAt(buf[:], int64(reg)); err != nil {
		b.log.Error(err, "write PCI config space", "bdf", bdf, "reg", reg)
	}
}

// GetGSI implements ahcidrv.PCIService by reading the legacy IRQ line
// sysfs exposes for the device; fallback is returned if that file is
// absent or unparsable (e.g. the device is MSI-only).
func (b *Bus) GetGSI(bdf uint32, fallback int) int {
	raw, err := os.ReadFile(filepath.Join(sysfsDir(bdf), "irq"))
	if err != nil {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

// EnableMSI implements ahcidrv.PCIService by reporting whether the device
// already has MSI vectors (its msi_irqs sysfs entry exists). It writes
// nothing to the device or to sysfs, and irq is not used.
func (b *Bus) EnableMSI(bdf uint32, irq int) bool {
	f, err := os.OpenFile(filepath.Join(sysfsDir(bdf), "msi_irqs"), os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
