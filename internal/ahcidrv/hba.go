package ahcidrv

import (
	"fmt"
	"math/bits"

	"github.com/go-logr/logr"

	"lux9/ahci-driver/internal/driverr"
)

// PCI config-space offsets the HBA driver reads directly (spec.md §4.1).
const (
	pciRegCommand = 0x04
	pciRegBAR5    = 0x24

	pciCmdIOSpace  = 1 << 0
	pciCmdMemSpace = 1 << 1
	pciCmdBusMstr  = 1 << 2
)

// HBA is the controller-level driver: BAR mapping, BIOS-ownership
// handshake, AHCI enable, port enumeration, and interrupt demux (spec.md
// §4.1). Grounded on the constructor and receive(MessageIrq&) of HostAhci
// in hostahci.cc.
type HBA struct {
	bdf  uint32
	pci  PCIService
	host HostService
	clk  Clock
	log  logr.Logger

	view   *HBAView
	high   *HighPortsView
	ports  map[int]*Port
}

// NewHBA probes and brings up the AHCI controller at bdf (spec.md §4.1).
// mask selects which of the implemented ports to attach (bit i set ⇒
// attempt port i), commit is the sink ports post completions to, and
// onPort is invoked for each successfully initialised port so the caller
// can register it with a diskbus.Registry.
func NewHBA(bdf uint32, pci PCIService, host HostService, clk Clock, log logr.Logger, mask uint32, commit CommitSink, onPort func(port int, p *Port)) (*HBA, error) {
	if err := verifyBAR(pci, bdf); err != nil {
		return nil, err
	}
	pci.ConfWrite(bdf, pciRegCommand, pci.ConfRead(bdf, pciRegCommand)|pciCmdMemSpace|pciCmdBusMstr)

	barLow := pci.ConfRead(bdf, pciRegBAR5)
	abar := uintptr(barLow &^ 0xf)

	mem, err := host.AllocIOMem(abar, 0x1100)
	if err != nil {
		return nil, driverr.Wrap(driverr.MappingFailed, "map ABAR", err)
	}

	h := &HBA{
		bdf:   bdf,
		pci:   pci,
		host:  host,
		clk:   clk,
		log:   log,
		view:  NewHBAView(mem[:0x1000]),
		ports: make(map[int]*Port),
	}
	if len(mem) >= 0x1000+2*PortRegsSize {
		h.high = NewHighPortsView(mem[HighPortsOffset:])
	}

	if h.view.Global.BOHC.Load()&(1<<0) != 0 {
		if err := h.takeOwnership(); err != nil {
			return nil, err
		}
	}

	h.view.Global.GHC.SetBits(GHC_AE)
	if waitTimeout(h.clk, &h.view.Global.GHC, GHC_AE, GHC_AE) {
		return nil, driverr.New(driverr.DeviceUnresponsive, "AHCI enable (GHC.AE) did not take")
	}

	pi := h.view.Global.PI.Load()
	for port := 0; port < 32; port++ {
		if mask&(1<<uint(port)) == 0 {
			continue
		}
		if pi&(1<<uint(port)) == 0 {
			continue
		}
		regs := h.portRegs(port)
		if regs == nil {
			continue
		}
		if regs.SIG.Load() == SigNone {
			continue
		}
		disknr := port // disk numbers mirror port numbers; diskbus.Registry is free to renumber on Add
		dmar := host.AssignIOMMU(bdf)
		p, err := newPort(regs, host, dmar, clk, commit, log.WithValues("port", port), disknr, 32)
		if err != nil {
			log.Error(err, "port DMA setup failed, skipping", "port", port)
			continue
		}
		if err := p.init(); err != nil {
			log.Error(err, "port initialisation failed, skipping", "port", port)
			continue
		}
		h.ports[port] = p
		if onPort != nil {
			onPort(port, p)
		}
	}

	h.view.Global.GHC.SetBits(GHC_IE)
	return h, nil
}

func (h *HBA) portRegs(port int) *PortRegs {
	if port < 30 {
		return h.view.Port(port)
	}
	if h.high == nil {
		return nil
	}
	return h.high.Port(port - 30)
}

// verifyBAR checks that BAR5 (ABAR) is a 32-bit memory BAR, per spec.md
// §4.1: bits 0-2 of the low dword must be zero (memory space, 32-bit,
// non-prefetchable is not required but the low type bits must be clear).
func verifyBAR(pci PCIService, bdf uint32) error {
	bar := pci.ConfRead(bdf, pciRegBAR5)
	if bar&0x1 != 0 {
		return driverr.New(driverr.MappingFailed, "BAR5 is an I/O BAR, not memory")
	}
	if bar&0x6 != 0 {
		return driverr.New(driverr.MappingFailed, fmt.Sprintf("BAR5 is not a 32-bit memory BAR (type bits %#x)", bar&0x6))
	}
	return nil
}

// takeOwnership runs the BIOS/OS handoff handshake (spec.md §4.1): set
// OOS, wait for BOS to clear, fail with BiosOwnershipBusy on timeout.
func (h *HBA) takeOwnership() error {
	h.view.Global.BOHC.SetBits(1 << 1) // OOS: OS Owned Semaphore; bit 0 is BOS, BIOS Owned Semaphore
	if waitTimeout(h.clk, &h.view.Global.BOHC, 1<<0, 0) {
		return driverr.New(driverr.BiosOwnershipBusy, "BIOS did not release AHCI ownership")
	}
	return nil
}

// IRQ demuxes a controller interrupt assertion to the ports whose IS bit
// is set (spec.md §4.1 HostAhci::receive(MessageIrq&)).
func (h *HBA) IRQ() {
	is := h.view.Global.IS.Load()
	if is == 0 {
		return
	}
	for pending := is; pending != 0; {
		port := bits.TrailingZeros32(pending)
		pending &^= 1 << uint(port)
		if p := h.ports[port]; p != nil {
			p.irq()
		}
	}
	h.view.Global.IS.Store(is)
}

// Port returns the driver for an attached port, or nil.
func (h *HBA) Port(port int) *Port {
	return h.ports[port]
}
