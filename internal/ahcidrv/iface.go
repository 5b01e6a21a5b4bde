package ahcidrv

import "lux9/ahci-driver/internal/clock"

// HostService is the abstract Host service bus spec.md §6 consumes:
// iomem mapping, virt-to-phys translation, IOMMU assignment, IRQ
// attachment. Implemented for real use by internal/hostbus; a fake
// satisfies it in tests.
type HostService interface {
	// AllocIOMem maps size bytes of physical memory at phys and returns
	// a host virtual pointer to it (spec.md §6 OP_ALLOC_IOMEM).
	AllocIOMem(phys uintptr, size int) ([]byte, error)

	// VirtToPhys translates a host virtual address into the bus address
	// the device should use, when no IOMMU identity mapping is active.
	VirtToPhys(ptr uintptr) (uintptr, error)

	// AssignIOMMU attempts to place bdf's DMA under an IOMMU domain.
	// Returns true on success, meaning VirtToPhys need not be called for
	// buffers owned by this device (identity mapping is assumed).
	AssignIOMMU(bdf uint32) bool

	// AttachIRQ registers a handler for gsi; fn is invoked once per
	// interrupt assertion.
	AttachIRQ(gsi int, fn func()) error
}

// PCIService is the abstract PCI service bus spec.md §6 consumes.
type PCIService interface {
	// SearchDevice returns the bdf of the index'th PCI function matching
	// class/subclass, or ok=false if there is no such function.
	SearchDevice(class, subclass byte, index int) (bdf uint32, ok bool)

	// ConfRead reads a 32-bit PCI config-space register.
	ConfRead(bdf uint32, reg int) uint32

	// ConfWrite writes a 32-bit PCI config-space register.
	ConfWrite(bdf uint32, reg int, val uint32)

	// GetGSI returns the device's routed interrupt line, or fallback if
	// it cannot be determined.
	GetGSI(bdf uint32, fallback int) int

	// EnableMSI attempts to route bdf's interrupt to irq via MSI.
	EnableMSI(bdf uint32, irq int) bool
}

// Clock is re-exported for convenience at call sites that only import
// ahcidrv.
type Clock = clock.Clock

// CommitSink is the Disk-commit message bus spec.md §6 produces onto.
type CommitSink interface {
	Commit(disknr int, callerTag uint64, status Status)
}

// Status is the completion status reported on the commit bus.
type Status int

const (
	StatusOk Status = iota
	StatusError
)
