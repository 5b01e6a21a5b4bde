package ahcidrv

import "unsafe"

// HBAView overlays the HBA's primary 0x1000-byte MMIO window: the global
// registers followed by up to 30 port-register blocks (ports 0-29; ports
// 30-31, when implemented, live in a separately-mapped high-ports window —
// see HighPortsView).
type HBAView struct {
	Global *GlobalRegs
	ports  [30]*PortRegs
}

// NewHBAView overlays mem (the mapped ABAR window, at least 0x1000 bytes)
// with the global-register and low-port-register layout.
func NewHBAView(mem []byte) *HBAView {
	if len(mem) < 0x1000 {
		panic("ahcidrv: HBA MMIO window shorter than 0x1000 bytes")
	}
	v := &HBAView{
		Global: (*GlobalRegs)(unsafe.Pointer(&mem[0])),
	}
	for i := 0; i < 30; i++ {
		off := BaseRegsSize + i*PortRegsSize
		v.ports[i] = (*PortRegs)(unsafe.Pointer(&mem[off]))
	}
	return v
}

// Port returns the register block for port n (0-29) in the primary
// window. Callers must route 30 and 31 through HighPortsView instead.
func (v *HBAView) Port(n int) *PortRegs {
	return v.ports[n]
}

// HighPortsView overlays the separately-mapped window covering ports 30
// and 31 (spec.md §3, REDESIGN FLAGS: offset 0x1000 + (port-30)*0x80 into
// the ABAR, not the "low 5 bits of ABAR" the literal hostahci.cc source
// computes).
type HighPortsView struct {
	ports [2]*PortRegs
}

// NewHighPortsView overlays mem (the mapped high-ports window, at least
// 0x100 bytes) with the register layout for ports 30 and 31.
func NewHighPortsView(mem []byte) *HighPortsView {
	if len(mem) < 2*PortRegsSize {
		panic("ahcidrv: high-ports MMIO window too short")
	}
	v := &HighPortsView{}
	for i := 0; i < 2; i++ {
		v.ports[i] = (*PortRegs)(unsafe.Pointer(&mem[i*PortRegsSize]))
	}
	return v
}

// Port returns the register block for port 30 (idx 0) or 31 (idx 1).
func (v *HighPortsView) Port(idx int) *PortRegs {
	return v.ports[idx]
}

// HighPortsOffset is the byte offset of the high-ports window within
// ABAR's address space, per the AHCI 1.3.1 spec: 0x1000 plus the normal
// per-port stride continuing from port 30.
const HighPortsOffset = 0x1000
