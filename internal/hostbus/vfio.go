package hostbus

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

// VFIO ioctl numbers and type-1 IOMMU constants, grounded on
// kern_vfio_const.go and the ioctl sequence in kern_vfio.go (Open:
// new_id, find_group, set_container, get_device_fd).
const (
	vfioGetAPIVersion   = 0x3b64
	vfioCheckExtension  = 0x3b65
	vfioSetIOMMU        = 0x3b66
	vfioGroupGetStatus  = 0x3b67
	vfioGroupSetCont    = 0x3b68
	vfioGroupGetDevFD   = 0x3b6a
	vfioType1IOMMU      = 1
	vfioGroupFlagViable = 1 << 0
)

// vfioContainer owns one /dev/vfio/vfio container fd and the groups
// attached to it, mirroring vfio_main in the examples but trimmed to
// attaching groups to the container: no DMA heap and no DMA mappings.
// This driver's DMA buffers are allocated on the Go heap.
type vfioContainer struct {
	containerFD int
	groups      map[uint]int // group number -> group fd
}

func newVFIOContainer() (*vfioContainer, error) {
	fd, err := unix.Open("/dev/vfio/vfio", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/vfio/vfio: %w", err)
	}

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(vfioGetAPIVersion), 0); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("VFIO_GET_API_VERSION: %w", errno)
	}
	if ok, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(vfioCheckExtension), vfioType1IOMMU); errno != 0 || ok == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("VFIO type1 IOMMU not supported")
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(vfioSetIOMMU), vfioType1IOMMU); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("VFIO_SET_IOMMU: %w", errno)
	}

	return &vfioContainer{containerFD: fd, groups: make(map[uint]int)}, nil
}

// attach binds addr's IOMMU group to this container, per the
// find_group/Open sequence in kern_vfio.go.
func (v *vfioContainer) attach(addr string) error {
	groupNum, err := groupNumber(addr)
	if err != nil {
		return err
	}

	gfd, ok := v.groups[groupNum]
	if !ok {
		gfd, err = unix.Open(fmt.Sprintf("/dev/vfio/%d", groupNum), unix.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("open /dev/vfio/%d: %w", groupNum, err)
		}
		v.groups[groupNum] = gfd

		if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(gfd), uintptr(vfioGroupSetCont), uintptr(v.containerFD)); errno != 0 {
			return fmt.Errorf("VFIO_GROUP_SET_CONTAINER: %w", errno)
		}
	}
	return nil
}

func (v *vfioContainer) close() {
	for _, fd := range v.groups {
		unix.Close(fd)
	}
	v.groups = nil
	unix.Close(v.containerFD)
}

func groupNumber(addr string) (uint, error) {
	link, err := os.Readlink(filepath.Join("/sys/bus/pci/devices", addr, "iommu_group"))
	if err != nil {
		return 0, fmt.Errorf("read iommu_group link for %s: %w", addr, err)
	}
	n, err := strconv.ParseUint(filepath.Base(link), 10, 0)
	if err != nil {
		return 0, fmt.Errorf("parse iommu group number: %w", err)
	}
	return uint(n), nil
}
