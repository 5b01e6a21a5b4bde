package ahcidrv

import (
	"encoding/binary"
	"math/bits"
	"testing"
	"time"
	"unsafe"

	"github.com/go-logr/logr"

	"lux9/ahci-driver/internal/ataparam"
	"lux9/ahci-driver/internal/clock"
	"lux9/ahci-driver/internal/diskbus"
	"lux9/ahci-driver/internal/driverr"
)

// fakeHost is an identity-mapped HostService double: dmar is always true
// in these tests, so AllocIOMem/VirtToPhys are never exercised for real
// hardware, only exist to satisfy the interface.
type fakeHost struct{}

func (fakeHost) AllocIOMem(phys uintptr, size int) ([]byte, error) {
	return make([]byte, size), nil
}
func (fakeHost) VirtToPhys(ptr uintptr) (uintptr, error) { return ptr, nil }
func (fakeHost) AssignIOMMU(bdf uint32) bool             { return true }
func (fakeHost) AttachIRQ(gsi int, fn func()) error      { return nil }

type commitRecord struct {
	disknr    int
	callerTag uint64
	status    Status
}

type fakeCommit struct {
	commits []commitRecord
}

func (f *fakeCommit) Commit(disknr int, callerTag uint64, status Status) {
	f.commits = append(f.commits, commitRecord{disknr, callerTag, status})
}

// newTestPort builds a Port over a zeroed, heap-backed register block
// standing in for MMIO, with PI/SIG fields an enumerator would have
// already checked before constructing the port.
func newTestPort(t *testing.T, commit CommitSink) (*Port, *PortRegs) {
	mem := make([]byte, PortRegsSize)
	regs := (*PortRegs)(unsafe.Pointer(&mem[0]))
	regs.SIG.Store(0x00000101) // ATA device signature

	p, err := newPort(regs, fakeHost{}, true, clock.System{}, commit, logr.Discard(), 0, 32)
	if err != nil {
		t.Fatalf("newPort: %v", err)
	}
	return p, regs
}

// sampleIdentify builds a canned IDENTIFY response with LBA48 support and
// a recognizable model string.
func sampleIdentify() ataparam.IdentifyWords {
	var buf ataparam.IdentifyWords
	buf[2] = 0xc837
	buf[83] = 1 << 10 // LBA48 supported
	buf[100] = 0x0000
	buf[101] = 0x0010 // SectorsLBA48 high bits nonzero, just to exercise the path
	putAtaString(buf[27:47], "SIMULATED DISK")
	return buf
}

func putAtaString(words []uint16, s string) {
	raw := make([]byte, len(words)*2)
	copy(raw, s)
	for i := range words {
		words[i] = binary.BigEndian.Uint16(raw[i*2:])
	}
}

// simulateDevice runs a background goroutine that reacts to CI writes the
// way the hardware would: for IDENTIFY it copies identify into the PRD
// buffer, for READ DMA it writes a fixed pattern, for WRITE/FLUSH it does
// nothing but acknowledge. It always clears CI and raises IS bit 0 on
// completion, then delivers the interrupt to the port, mirroring spec.md
// §4.3's async completion path. Like the HBA, it clears CMD.CLO once the
// override has been requested. stop returns once the goroutine has exited.
func simulateDevice(p *Port, identify ataparam.IdentifyWords) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			p.regs.CMD.ClearBits(CMD_CLO)
			ci := p.regs.CI.Load()
			completed := ci != 0
			for ci != 0 {
				tag := bits.TrailingZeros32(ci)
				ci &^= 1 << uint(tag)

				hdr := p.dma.cmdHeaderDwords(tag)
				prdCount := hdr[0] >> 16
				cfis := p.dma.cmdFIS(tag)
				table := p.dma.prdTable(tag)

				if cfis[2] == ataIdentifyDevice && prdCount > 0 {
					addr := prdAddr(table[0:16])
					dst := (*[512]byte)(unsafe.Pointer(addr))
					for i, w := range identify {
						binary.LittleEndian.PutUint16(dst[i*2:], w)
					}
				} else if (cfis[2] == ataReadDMA || cfis[2] == ataReadDMAExt) && prdCount > 0 {
					for i := uint32(0); i < prdCount; i++ {
						entry := table[i*prdEntrySz : (i+1)*prdEntrySz]
						addr := prdAddr(entry)
						count := binary.LittleEndian.Uint32(entry[12:16]) + 1
						dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), count)
						for j := range dst {
							dst[j] = 0xAB
						}
					}
				}

				p.regs.CI.ClearBits(1 << uint(tag))
				p.regs.IS.SetBits(1)
			}
			if completed {
				p.irq()
			}
		}
	}()
	return func() { close(done); <-exited }
}

func prdAddr(entry []byte) uintptr {
	lo := binary.LittleEndian.Uint32(entry[0:4])
	hi := binary.LittleEndian.Uint32(entry[4:8])
	return uintptr(lo) | uintptr(hi)<<32
}

func TestPortInitParsesIdentify(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)
	stop := simulateDevice(p, sampleIdentify())
	defer stop()

	if err := p.init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	params := p.Params()
	if !params.LBA48 {
		t.Error("expected LBA48 support to be detected")
	}
	if params.Model != "SIMULATED DISK" {
		t.Errorf("model = %q, want %q", params.Model, "SIMULATED DISK")
	}
}

func TestPortInitRejectsUnsupportedDrive(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)
	bad := sampleIdentify()
	bad[2] = 0 // not the expected "no power-up-in-standby" signature
	stop := simulateDevice(p, bad)
	defer stop()

	err := p.init()
	if err == nil {
		t.Fatal("expected an error for an unexpected IDENTIFY word 2")
	}
	if !driverErrIs(err, driverr.UnsupportedDrive) {
		t.Errorf("got error kind %v, want UnsupportedDrive", err)
	}
}

func TestPortReadSectorsCommitsOk(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)
	stop := simulateDevice(p, sampleIdentify())
	defer stop()

	if err := p.init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	dst := make([]byte, 512)
	physOffset := uint64(uintptr(unsafe.Pointer(&dst[0])))
	dma := []diskbus.DMADescriptor{{ByteOffset: 0, ByteCount: 512}}
	if err := p.ReadSectors(0, physOffset, dma, 512, 0xfeed); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}

	waitForCommit(t, commit, 1)
	got := commit.commits[0]
	if got.status != StatusOk || got.callerTag != 0xfeed {
		t.Errorf("commit = %+v, want {status: Ok, callerTag: 0xfeed}", got)
	}
	if dst[0] != 0xAB {
		t.Error("destination buffer was not written by the simulated device")
	}
}

func TestReadSectorsRejectsOutOfBoundsDescriptor(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)
	stop := simulateDevice(p, sampleIdentify())
	defer stop()
	if err := p.init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	dst := make([]byte, 512)
	physOffset := uint64(uintptr(unsafe.Pointer(&dst[0])))
	cases := []struct {
		name string
		dma  []diskbus.DMADescriptor
	}{
		{"offset beyond physsize", []diskbus.DMADescriptor{{ByteOffset: 1024, ByteCount: 512}}},
		{"offset+count beyond physsize", []diskbus.DMADescriptor{{ByteOffset: 256, ByteCount: 512}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := p.ReadSectors(0, physOffset, c.dma, 512, 0)
			if !driverErrIs(err, driverr.InvalidArgument) {
				t.Errorf("ReadSectors = %v, want InvalidArgument", err)
			}
		})
	}
}

func TestPortIRQDeviceErrorAbandonsInFlightSlots(t *testing.T) {
	commit := &fakeCommit{}
	p, regs := newTestPort(t, commit)
	stop := simulateDevice(p, sampleIdentify())
	if err := p.init(); err != nil {
		stop()
		t.Fatalf("init: %v", err)
	}
	stop() // no more hardware cooperation from here: we force an error path

	dst := make([]byte, 1024)
	physOffset := uint64(uintptr(unsafe.Pointer(&dst[0])))
	dma := []diskbus.DMADescriptor{{ByteOffset: 0, ByteCount: 512}}
	if err := p.ReadSectors(0, physOffset, dma, 512, 1); err != nil {
		t.Fatalf("ReadSectors(tag 1st): %v", err)
	}
	if err := p.ReadSectors(8, physOffset, dma, 512, 2); err != nil {
		t.Fatalf("ReadSectors(tag 2nd): %v", err)
	}

	regs.TFD.SetBits(TFD_ERR)
	p.irq()

	waitForCommit(t, commit, 2)
	for _, c := range commit.commits {
		if c.status != StatusError {
			t.Errorf("commit %+v: want StatusError for an abandoned in-flight slot", c)
		}
	}
	if p.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after reinit, want 0", p.Outstanding())
	}
}

func TestAddPRDRejectsOddAndOversizeCounts(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)

	cases := []struct {
		name  string
		count uint32
	}{
		{"odd", 513},
		{"zero", 0},
		{"too large", 1 << 22},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := p.addPRDAddrLocked(0, 0x1000, c.count)
			if !driverErrIs(err, driverr.InvalidArgument) {
				t.Errorf("addPRDAddrLocked(%d) = %v, want InvalidArgument", c.count, err)
			}
		})
	}
}

func TestAddPRDRejectsTableOverflow(t *testing.T) {
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)

	for i := 0; i < MaxPRDCount; i++ {
		if err := p.addPRDAddrLocked(0, 0x1000, 2); err != nil {
			t.Fatalf("addPRDAddrLocked(%d): %v", i, err)
		}
	}
	if err := p.addPRDAddrLocked(0, 0x1000, 2); !driverErrIs(err, driverr.InvalidArgument) {
		t.Errorf("65th PRD entry: got %v, want InvalidArgument (table full)", err)
	}
}

func TestPortItselfDoesNotEnforceBackpressure(t *testing.T) {
	// spec.md §9's documented assumption: the port hands out slots
	// round-robin with no free-slot search, and never refuses a
	// submission on its own — diskbus.Registry is the layer that checks
	// Outstanding() against MaxSlots() before calling in.
	commit := &fakeCommit{}
	p, _ := newTestPort(t, commit)
	stop := simulateDevice(p, sampleIdentify())
	defer stop()
	if err := p.init(); err != nil {
		t.Fatalf("init: %v", err)
	}

	dst := make([]byte, 512)
	physOffset := uint64(uintptr(unsafe.Pointer(&dst[0])))
	dma := []diskbus.DMADescriptor{{ByteOffset: 0, ByteCount: 512}}
	for i := 0; i < p.MaxSlots()+1; i++ {
		if err := p.ReadSectors(0, physOffset, dma, 512, uint64(i)); err != nil {
			t.Fatalf("ReadSectors #%d: %v", i, err)
		}
	}
}

func waitForCommit(t *testing.T, c *fakeCommit, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.commits) >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commits, got %d", n, len(c.commits))
}

func driverErrIs(err error, kind driverr.Kind) bool {
	de, ok := err.(*driverr.Error)
	return ok && de.Kind == kind
}
