package ahcidrv

import (
	"fmt"

	"github.com/go-logr/logr"

	"lux9/ahci-driver/internal/driverr"
)

// PCI class/subclass for an AHCI mass-storage controller (PCI class code
// 01h, subclass 06h — Serial ATA), per spec.md §4.1's "find the index'th
// matching device" bring-up step, grounded on the PARAM(hostahci,...)
// macro in hostahci.cc.
const (
	pciClassStorage   = 0x01
	pciClassSubAHCI   = 0x06
	// defaultFallbackIRQ mirrors hostahci.cc's PARAM(hostahci, ..., irq=0x13).
	defaultFallbackIRQ = 0x13
)

// Attach finds the index'th AHCI controller on the PCI service bus,
// brings it up, and attaches its interrupt (spec.md §4.1/§6). It is the
// Go shape of hostahci.cc's PARAM(hostahci, ...) bring-up block.
func Attach(index int, pci PCIService, host HostService, clk Clock, log logr.Logger, mask uint32, commit CommitSink, onPort func(port int, p *Port)) (*HBA, error) {
	bdf, ok := pci.SearchDevice(pciClassStorage, pciClassSubAHCI, index)
	if !ok {
		return nil, driverr.New(driverr.MappingFailed, fmt.Sprintf("no AHCI controller at PCI search index %d", index))
	}
	log = log.WithValues("bdf", fmt.Sprintf("%02x:%02x.%x", bdf>>8, (bdf>>3)&0x1f, bdf&0x7))

	hba, err := NewHBA(bdf, pci, host, clk, log, mask, commit, onPort)
	if err != nil {
		return nil, err
	}

	gsi := pci.GetGSI(bdf, defaultFallbackIRQ)
	msi := pci.EnableMSI(bdf, gsi)
	log.Info("attaching interrupt", "gsi", gsi, "msi", msi)

	if err := host.AttachIRQ(gsi, hba.IRQ); err != nil {
		return nil, driverr.Wrap(driverr.MappingFailed, "attach IRQ", err)
	}
	return hba, nil
}
