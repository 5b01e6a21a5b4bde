// Package ahcidrv implements the host-side AHCI register view, DMA
// buffer ownership, per-port command submission, and the HBA driver that
// demuxes interrupts to ports — the core covered by spec.md §3/§4.
package ahcidrv

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/go-logr/logr"

	"lux9/ahci-driver/internal/ataparam"
	"lux9/ahci-driver/internal/diskbus"
	"lux9/ahci-driver/internal/driverr"
)

// ATA command bytes spec.md §4.2 uses.
const (
	ataIdentifyDevice  = 0xec
	ataReadDMA         = 0xc8
	ataReadDMAExt      = 0x25
	ataWriteDMA        = 0xca
	ataWriteDMAExt     = 0x35
	ataFlushCache      = 0xe7
	ataFlushCacheExt   = 0xea
)

// Port is one AHCI port driver: command-slot bookkeeping, FIS/PRD
// construction, register programming, and IRQ servicing (spec.md §4.2).
// Grounded directly on HostAhciPort in hostahci.cc, filling in the
// findFreeSlot/buildReadCommand/buildWriteCommand TODO stubs left in the
// teacher's ahci-driver/ahci.go AHCIPort.
type Port struct {
	regs   *PortRegs
	dma    *portDMA
	host   HostService
	dmar   bool
	clk    Clock
	commit CommitSink
	log    logr.Logger

	disknr   int
	maxSlots int

	// mu serialises the submitter context against the IRQ context, per
	// spec.md §5 (both touch inProgress, callerTag, nextTag).
	mu         sync.Mutex
	nextTag    int
	inProgress uint32
	callerTag  [maxSlots]uint64
	params     ataparam.Params
}

var _ diskbus.Handler = (*Port)(nil)

// newPort constructs a port driver bound to regs, disk number disknr,
// with maxSlots usable command slots.
func newPort(regs *PortRegs, host HostService, dmar bool, clk Clock, commit CommitSink, log logr.Logger, disknr, maxSlots int) (*Port, error) {
	if maxSlots < 1 || maxSlots > 32 {
		maxSlots = 32
	}
	dma, err := newPortDMA(host, dmar, maxSlots)
	if err != nil {
		return nil, err
	}
	return &Port{
		regs:     regs,
		dma:      dma,
		host:     host,
		dmar:     dmar,
		clk:      clk,
		commit:   commit,
		log:      log,
		disknr:   disknr,
		maxSlots: maxSlots,
	}, nil
}

// DiskNr returns the disk number this port reports in its commits. NewHBA
// sets it to the port number; diskbus.Registry.Add assigns its own number
// independently.
func (p *Port) DiskNr() int { return p.disknr }

// MaxSlots implements diskbus.Handler.
func (p *Port) MaxSlots() int { return p.maxSlots }

// Outstanding implements diskbus.Handler.
func (p *Port) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bits.OnesCount32(p.inProgress)
}

// Params returns the parsed IDENTIFY result.
func (p *Port) Params() ataparam.Params {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params
}

// init brings the port up from unknown state to ready (spec.md §4.2).
func (p *Port) init() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initLocked()
}

func (p *Port) initLocked() error {
	r := p.regs

	if r.CMD.Load()&(CMD_ST|CMD_CLO|CMD_FR|CMD_CR) != 0 {
		r.CMD.ClearBits(CMD_ST)
		if waitTimeout(p.clk, &r.CMD, CMD_CR, 0) {
			return driverr.New(driverr.DeviceUnresponsive, "command engine did not stop (CR)")
		}
		r.CMD.ClearBits(CMD_FRE)
		if waitTimeout(p.clk, &r.CMD, CMD_FR, 0) {
			return driverr.New(driverr.DeviceUnresponsive, "FIS receive did not stop (FR)")
		}
	}

	r.CLB.Store(uint32(p.dma.cmdListBus))
	r.CLBU.Store(uint32(p.dma.cmdListBus >> 32))
	r.FB.Store(uint32(p.dma.recvFISBus))
	r.FBU.Store(uint32(p.dma.recvFISBus >> 32))

	r.SERR.Store(^uint32(0))
	r.IS.Store(^uint32(0))

	r.CMD.SetBits(CMD_FRE)
	if waitTimeout(p.clk, &r.CMD, CMD_CR, 0) {
		return driverr.New(driverr.DeviceUnresponsive, "command engine running before start")
	}

	r.CMD.SetBits(CMD_CLO)
	if waitTimeout(p.clk, &r.CMD, CMD_CLO, 0) {
		return driverr.New(driverr.DeviceUnresponsive, "command list override did not clear")
	}
	r.CMD.SetBits(CMD_ST)

	p.inProgress = 0
	p.nextTag = 0

	r.IE.Store(IE_INIT_MASK)

	var buf ataparam.IdentifyWords
	if err := p.identifyLocked(&buf); err != nil {
		return err
	}
	// No power-up-in-standby support (hostahci.cc: "we do not support
	// spinup"): word 2 must read back the ATA "no PUIS" signature.
	if buf[2] != 0xc837 {
		return driverr.New(driverr.UnsupportedDrive, fmt.Sprintf("unexpected IDENTIFY word 2: %#x", buf[2]))
	}
	p.params = ataparam.Parse(&buf)
	return nil
}

// identifyLocked issues IDENTIFY DEVICE into slot 0 and waits for it
// synchronously: it is a PIO data-in command and does not raise an IRQ. The
// device DMAs its 512-byte response into raw, which is decoded into buf
// only after the command completes.
func (p *Port) identifyLocked(buf *ataparam.IdentifyWords) error {
	tag := 0
	raw := make([]byte, 512)
	p.setCommandLocked(tag, ataIdentifyDevice, 0, true, 0, false, 0, 0)
	if err := p.addPRDLocked(tag, raw); err != nil {
		return err
	}
	p.startCommandLocked(tag, 0)

	if waitTimeout(p.clk, &p.regs.CI, 1<<uint(tag), 0) {
		return driverr.New(driverr.DeviceUnresponsive, "IDENTIFY DEVICE timed out")
	}
	p.inProgress &^= 1 << uint(tag)

	for i := range buf {
		buf[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return nil
}

// setCommand builds Command Header[tag] and the 20-byte Command FIS at
// the corresponding Command Table entry (spec.md §4.2 set_command).
func (p *Port) setCommandLocked(tag int, command byte, sector uint64, isRead bool, count uint16, atapi bool, pmp uint8, features uint16) {
	hdr := p.dma.cmdHeaderDwords(tag)

	var dw0 uint32 = 5 // FIS length in dwords for a Register H2D FIS
	if !isRead {
		dw0 |= 1 << 6
	}
	if atapi {
		dw0 |= 1 << 5
	}
	dw0 |= uint32(pmp&0xf) << 12
	hdr[0] = dw0
	hdr[1] = 0 // byte count, filled in by hardware

	ctBus := p.dma.cmdTableBus[tag]
	hdr[2] = uint32(ctBus)
	hdr[3] = uint32(ctBus >> 32)

	cfis := p.dma.cmdFIS(tag)
	for i := range cfis {
		cfis[i] = 0
	}
	cfis[0] = 0x27 // FIS type: Register Host-to-Device
	cfis[1] = 0x80 | (pmp & 0xf)
	cfis[2] = command
	cfis[3] = byte(features)
	cfis[4] = byte(sector)
	cfis[5] = byte(sector >> 8)
	cfis[6] = byte(sector >> 16)
	cfis[7] = 0x40 // device: LBA mode
	cfis[8] = byte(sector >> 24)
	cfis[9] = byte(sector >> 32)
	cfis[10] = byte(sector >> 40)
	cfis[11] = byte(features >> 8)
	cfis[12] = byte(count)
	cfis[13] = byte(count >> 8)
	// bytes 14-19 remain zero
}

// addPRD appends a PRD entry pointing at buffer (spec.md §4.2 add_prd),
// translating buffer's host address to a device-visible bus address.
func (p *Port) addPRDLocked(tag int, buffer []byte) error {
	if len(buffer) == 0 {
		return driverr.New(driverr.InvalidArgument, "empty PRD buffer")
	}
	bus, err := toBusAddress(p.host, p.dmar, &buffer[0])
	if err != nil {
		return driverr.Wrap(driverr.MappingFailed, "translate PRD buffer", err)
	}
	return p.addPRDAddrLocked(tag, bus, uint32(len(buffer)))
}

// addPRDAddrLocked appends a PRD entry for a region whose bus address is
// already known to the caller (spec.md §6: the request adapter resolves
// its own DMA region against the Host service bus before handing the
// port a descriptor list, so the port never re-translates it).
func (p *Port) addPRDAddrLocked(tag int, bus uintptr, byteCount uint32) error {
	if byteCount&1 != 0 || byteCount == 0 || byteCount >= (1<<22) {
		return driverr.New(driverr.InvalidArgument, fmt.Sprintf("PRD byte count %d out of range", byteCount))
	}

	hdr := p.dma.cmdHeaderDwords(tag)
	prdCount := hdr[0] >> 16
	if prdCount >= MaxPRDCount {
		return driverr.New(driverr.InvalidArgument, "PRD table full")
	}

	table := p.dma.prdTable(tag)
	entry := table[prdCount*prdEntrySz : (prdCount+1)*prdEntrySz]
	binary.LittleEndian.PutUint32(entry[0:4], uint32(bus))
	binary.LittleEndian.PutUint32(entry[4:8], uint32(bus>>32))
	binary.LittleEndian.PutUint32(entry[8:12], 0)
	binary.LittleEndian.PutUint32(entry[12:16], byteCount-1)

	hdr[0] += 1 << 16
	return nil
}

// startCommand hands the current slot to the device (spec.md §4.2
// start_command). Caller must hold p.mu.
func (p *Port) startCommandLocked(tag int, callerTag uint64) int {
	p.inProgress |= 1 << uint(tag)
	p.callerTag[tag] = callerTag
	p.regs.CI.Store(1 << uint(tag))
	used := tag
	p.nextTag = (p.nextTag + 1) % p.maxSlots
	return used
}

// irq services a pending interrupt for this port (spec.md §4.2 irq()).
func (p *Port) irq() {
	p.mu.Lock()
	defer p.mu.Unlock()

	is := p.regs.IS.Load()
	p.regs.IS.Store(is)

	done := p.inProgress &^ p.regs.CI.Load()
	for done != 0 {
		tag := bits.TrailingZeros32(done)
		p.commit.Commit(p.disknr, p.callerTag[tag], StatusOk)
		p.inProgress &^= 1 << uint(tag)
		done &^= 1 << uint(tag)
	}

	if p.regs.TFD.Load()&TFD_ERR != 0 {
		p.log.Error(nil, "device error observed, reinitialising port", "port_disknr", p.disknr, "tfd", p.regs.TFD.Load())
		// REDESIGN FLAG (spec.md §9): report the slots still in flight
		// as failed instead of silently abandoning them.
		for remaining := p.inProgress; remaining != 0; {
			tag := bits.TrailingZeros32(remaining)
			p.commit.Commit(p.disknr, p.callerTag[tag], StatusError)
			remaining &^= 1 << uint(tag)
		}
		p.inProgress = 0
		if err := p.initLocked(); err != nil {
			p.log.Error(err, "port reinitialisation failed", "port_disknr", p.disknr)
		}
	}
}

// allocTag picks the slot for the next submitted command. There is no
// free-slot search (spec.md §4.2, §9): the cursor advances modulo
// max_slots and callers must not exceed max_slots outstanding commands —
// diskbus.Registry enforces that above this layer.
func (p *Port) allocTag() int {
	return p.nextTag
}

// ReadSectors implements diskbus.Handler (spec.md §4.2 receive, DISK_READ).
func (p *Port) ReadSectors(sector uint64, physOffset uint64, dma []diskbus.DMADescriptor, physSize uint64, callerTag uint64) error {
	return p.rw(sector, physOffset, dma, physSize, callerTag, true)
}

// WriteSectors implements diskbus.Handler (spec.md §4.2 receive, DISK_WRITE).
func (p *Port) WriteSectors(sector uint64, physOffset uint64, dma []diskbus.DMADescriptor, physSize uint64, callerTag uint64) error {
	return p.rw(sector, physOffset, dma, physSize, callerTag, false)
}

// rw submits a READ/WRITE DMA command (spec.md §4.2 receive). physOffset is
// the bus address of the caller's declared physical region and physSize
// bounds it; each descriptor's ByteOffset is relative to physOffset and
// must lie within [0, physSize), matching hostahci.cc's
// "msg.dma[i].byteoffset > msg.physsize || byteoffset+bytecount >
// msg.physsize" check against msg.physoffset+byteoffset.
func (p *Port) rw(sector uint64, physOffset uint64, dma []diskbus.DMADescriptor, physSize uint64, callerTag uint64, isRead bool) error {
	var length uint64
	for _, d := range dma {
		if d.ByteOffset > physSize || d.ByteOffset+uint64(d.ByteCount) > physSize {
			return driverr.New(driverr.InvalidArgument, "DMA descriptor lies outside the caller's declared physical region")
		}
		length += uint64(d.ByteCount)
	}
	if length == 0 || length&0x1ff != 0 {
		return driverr.New(driverr.InvalidArgument, "transfer length not a multiple of 512")
	}
	if len(dma) > MaxPRDCount {
		return driverr.New(driverr.InvalidArgument, "too many DMA descriptors for one command")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	command := byte(ataReadDMA)
	if p.params.LBA48 {
		command = ataReadDMAExt
	}
	if !isRead {
		command = ataWriteDMA
		if p.params.LBA48 {
			command = ataWriteDMAExt
		}
	}

	tag := p.allocTag()
	p.setCommandLocked(tag, command, sector, isRead, uint16(length>>9), false, 0, 0)

	for _, d := range dma {
		if err := p.addPRDAddrLocked(tag, uintptr(physOffset+d.ByteOffset), d.ByteCount); err != nil {
			return err
		}
	}
	p.startCommandLocked(tag, callerTag)
	return nil
}

// FlushCache implements diskbus.Handler (spec.md §4.2 DISK_FLUSH_CACHE).
func (p *Port) FlushCache(callerTag uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	command := byte(ataFlushCache)
	if p.params.LBA48 {
		command = ataFlushCacheExt
	}
	tag := p.allocTag()
	// isRead=true here: flush carries no data so the write-flag bit is
	// immaterial, but hostahci.cc sets it this way and SPEC_FULL.md
	// keeps the quirk rather than "fixing" a bit nothing reads.
	p.setCommandLocked(tag, command, 0, true, 0, false, 0, 0)
	p.startCommandLocked(tag, callerTag)
	return nil
}

// GetParams implements diskbus.Handler (spec.md §4.2 DISK_GET_PARAMS).
func (p *Port) GetParams() ataparam.DiskParameter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.params.GetDiskParameter()
}
