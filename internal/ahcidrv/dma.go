package ahcidrv

import (
	"unsafe"

	"lux9/ahci-driver/internal/driverr"
)

// Alignment requirements spec.md §3/§5.
const (
	AlignCommandList  = 1024
	AlignCommandTable = 1024
	AlignReceivedFIS  = 4096

	maxSlots    = 32
	cmdHeaderSz = 32 // one Command Header: 8 dwords
	cmdFISSz    = 64
	atapiSz     = 16
	// MaxPRDCount is the AHCI hardware limit of PRD entries per command
	// table (spec.md §3).
	MaxPRDCount  = 64
	prdEntrySz   = 16
	cmdTableSz   = 128 + MaxPRDCount*prdEntrySz // one slot's Command Table entry
	recvFISSz    = 256
)

// alignedAlloc returns a byte slice of size bytes whose first element's
// address is a multiple of align. Go's allocator does not expose an
// aligned-alloc primitive, so this over-allocates and slices, mirroring
// the memalign(align, size) calls in hostahci.cc's HostAhciPort
// constructor.
func alignedAlloc(size, align int) []byte {
	buf := make([]byte, size+align)
	addr := uintptr(unsafe.Pointer(&buf[0]))
	pad := (align - int(addr%uintptr(align))) % align
	return buf[pad : pad+size]
}

// portDMA holds the three per-port DMA regions spec.md §3 describes, plus
// their bus (device-visible) addresses.
type portDMA struct {
	cmdList    []byte // max_slots * cmdHeaderSz, 1024-aligned
	cmdTable   []byte // max_slots * cmdTableSz, 1024-aligned
	recvFIS    []byte // 256 bytes, 4096-aligned

	cmdListBus  uintptr
	recvFISBus  uintptr
	cmdTableBus []uintptr // per-slot bus address of that slot's Command Table entry
}

// newPortDMA allocates and translates the per-port DMA buffers for a port
// with the given slot count.
func newPortDMA(host HostService, dmar bool, slots int) (*portDMA, error) {
	d := &portDMA{
		cmdList:     alignedAlloc(slots*cmdHeaderSz, AlignCommandList),
		cmdTable:    alignedAlloc(slots*cmdTableSz, AlignCommandTable),
		recvFIS:     alignedAlloc(recvFISSz, AlignReceivedFIS),
		cmdTableBus: make([]uintptr, slots),
	}

	var err error
	if d.cmdListBus, err = toBusAddress(host, dmar, &d.cmdList[0]); err != nil {
		return nil, driverr.Wrap(driverr.MappingFailed, "translate command list", err)
	}
	if d.recvFISBus, err = toBusAddress(host, dmar, &d.recvFIS[0]); err != nil {
		return nil, driverr.Wrap(driverr.MappingFailed, "translate received-FIS buffer", err)
	}
	for i := 0; i < slots; i++ {
		if d.cmdTableBus[i], err = toBusAddress(host, dmar, &d.cmdTable[i*cmdTableSz]); err != nil {
			return nil, driverr.Wrap(driverr.MappingFailed, "translate command table", err)
		}
	}
	return d, nil
}

// toBusAddress is the single translation point design-noted in spec.md
// §9: under an IOMMU identity mapping (dmar == true) the host virtual
// address is used unchanged; otherwise the Host service bus translates
// it, mirroring HostAhciPort::addr2phys in hostahci.cc.
func toBusAddress(host HostService, dmar bool, ptr *byte) (uintptr, error) {
	addr := uintptr(unsafe.Pointer(ptr))
	if dmar {
		return addr, nil
	}
	return host.VirtToPhys(addr)
}

func (d *portDMA) cmdHeaderDwords(tag int) []uint32 {
	b := d.cmdList[tag*cmdHeaderSz : (tag+1)*cmdHeaderSz]
	return asUint32Slice(b)
}

func (d *portDMA) cmdTableEntry(tag int) []byte {
	return d.cmdTable[tag*cmdTableSz : (tag+1)*cmdTableSz]
}

func (d *portDMA) cmdFIS(tag int) []byte {
	return d.cmdTableEntry(tag)[:cmdFISSz]
}

func (d *portDMA) prdTable(tag int) []byte {
	return d.cmdTableEntry(tag)[0x80:]
}

func asUint32Slice(b []byte) []uint32 {
	n := len(b) / 4
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n)
}
