// Package hostbus implements the Host service bus (spec.md §6's
// HostService) on Linux: physical memory mapping via /dev/mem + mmap,
// IRQ registration through /dev/irq, and IOMMU domain assignment through
// VFIO group/container ioctls. Grounded on the /dev/mem Seek-based
// register access and /dev/irq/ctl registration in the teacher's
// ahci-driver/ahci.go, generalized to golang.org/x/sys/unix.Mmap and the
// vfio_main/vfio_group ioctl sequence in platinasystems-goes'
// kern_vfio.go.
package hostbus

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"
	"unsafe"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

// Bus implements ahcidrv.HostService against /dev/mem, /dev/irq, and
// /dev/vfio.
type Bus struct {
	log logr.Logger

	mu      sync.Mutex
	mapped  []mapping
	irqFile *os.File

	vfio *vfioContainer
}

type mapping struct {
	virt uintptr
	data []byte
}

// New returns a Bus without opening any device file. Mapping and IRQ
// registration open what they need on first use, so a process that never
// touches a controller never needs elevated privileges.
func New(log logr.Logger) *Bus {
	return &Bus{log: log}
}

// AllocIOMem implements ahcidrv.HostService by mmap'ing size bytes of
// physical memory at phys from /dev/mem.
func (b *Bus) AllocIOMem(phys uintptr, size int) ([]byte, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	defer f.Close()

	aligned := phys &^ uintptr(pageSize-1)
	pad := int(phys - aligned)
	mapLen := size + pad
	if mapLen%pageSize != 0 {
		mapLen += pageSize - mapLen%pageSize
	}

	data, err := unix.Mmap(int(f.Fd()), int64(aligned), mapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap /dev/mem at %#x: %w", aligned, err)
	}

	b.mu.Lock()
	b.mapped = append(b.mapped, mapping{virt: uintptr(unsafe.Pointer(&data[0])), data: data})
	b.mu.Unlock()

	return data[pad : pad+size], nil
}

// VirtToPhys implements ahcidrv.HostService for buffers this process
// itself allocated with make(): without an IOMMU identity mapping there
// is no portable way for userspace Go to learn a heap pointer's physical
// address, so the DMA buffers this driver hands to hardware must come
// from an IOMMU-backed allocation path (AssignIOMMU) instead.
func (b *Bus) VirtToPhys(ptr uintptr) (uintptr, error) {
	return 0, fmt.Errorf("hostbus: no virt-to-phys translation available for address %#x; attach this device through AssignIOMMU instead", ptr)
}

// AssignIOMMU implements ahcidrv.HostService by binding bdf's IOMMU group
// to a VFIO container. It programs no DMA mappings into the container; a
// true result only means the group was attached, and the driver then uses
// buffer addresses unchanged as bus addresses.
func (b *Bus) AssignIOMMU(bdf uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.vfio == nil {
		v, err := newVFIOContainer()
		if err != nil {
			b.log.V(1).Info("VFIO container unavailable, DMA buffers will need explicit translation", "err", err)
			return false
		}
		b.vfio = v
	}

	addr := fmt.Sprintf("0000:%02x:%02x.%x", bdf>>8, (bdf>>3)&0x1f, bdf&0x7)
	if err := b.vfio.attach(addr); err != nil {
		b.log.V(1).Info("VFIO attach failed", "bdf", addr, "err", err)
		return false
	}
	return true
}

// AttachIRQ implements ahcidrv.HostService through /dev/irq, matching the
// teacher's registerIRQ/irqHandler pattern: register interest in gsi via
// /dev/irq/ctl, then read /dev/irq/<gsi> in a goroutine, calling fn once
// per event.
func (b *Bus) AttachIRQ(gsi int, fn func()) error {
	ctl, err := os.OpenFile("/dev/irq/ctl", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open /dev/irq/ctl: %w", err)
	}
	if _, err := fmt.Fprintf(ctl, "register %d ahci-driver\n", gsi); err != nil {
		ctl.Close()
		return fmt.Errorf("register IRQ %d: %w", gsi, err)
	}
	ctl.Close()

	irqFile, err := os.OpenFile(path.Join("/dev/irq", strconv.Itoa(gsi)), os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open /dev/irq/%d: %w", gsi, err)
	}

	b.mu.Lock()
	b.irqFile = irqFile
	b.mu.Unlock()

	go func() {
		buf := make([]byte, 8)
		for {
			if _, err := irqFile.Read(buf); err != nil {
				b.log.Error(err, "IRQ read failed, stopping dispatch", "gsi", gsi)
				return
			}
			fn()
		}
	}()
	return nil
}

// Close releases every mapping and file this Bus opened.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var firstErr error
	for _, m := range b.mapped {
		if err := unix.Munmap(m.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.mapped = nil
	if b.irqFile != nil {
		b.irqFile.Close()
		b.irqFile = nil
	}
	if b.vfio != nil {
		b.vfio.close()
		b.vfio = nil
	}
	return firstErr
}
