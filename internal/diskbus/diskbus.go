// Package diskbus implements the Disk message bus and the request
// adapter spec.md §4.2/§6/§9 describes: a registry of per-disk handlers
// (here, *ahcidrv.Port) addressed by disk number, with the backpressure
// check the port driver itself deliberately omits (spec.md §9's
// documented round-robin-slot-allocation assumption). Grounded on the
// disk-number registry shape of Block9PServer.AddDevice/RemoveDevice in
// the teacher's ahci-driver/block9p.go, generalized from a 9P path
// resolver to the disknr routing spec.md actually calls for.
package diskbus

import (
	"fmt"
	"sync"

	"lux9/ahci-driver/internal/ataparam"
	"lux9/ahci-driver/internal/driverr"
)

// DMADescriptor is one scatter/gather entry of a caller's transfer,
// matching DmaDescriptor in hostahci.cc. ByteOffset is relative to the
// physOffset base address supplied alongside the descriptor list, so the
// device-visible bus address of this entry is physOffset+ByteOffset;
// ByteCount is its length. physSize bounds the declared physical region:
// every descriptor must satisfy ByteOffset+ByteCount <= physSize.
type DMADescriptor struct {
	ByteOffset uint64
	ByteCount  uint32
}

// Handler is the DiskHandler spec.md §9 design-notes: the interface a
// port driver exposes to the request adapter. physOffset is the base bus
// address of the caller's declared physical region (already resolved by
// the request adapter against the Host service bus); physSize bounds that
// region, and every dma[i] must lie within [0, physSize).
type Handler interface {
	MaxSlots() int
	Outstanding() int
	ReadSectors(sector uint64, physOffset uint64, dma []DMADescriptor, physSize uint64, callerTag uint64) error
	WriteSectors(sector uint64, physOffset uint64, dma []DMADescriptor, physSize uint64, callerTag uint64) error
	FlushCache(callerTag uint64) error
	GetParams() ataparam.DiskParameter
}

// Registry routes Disk-bus messages to the handler registered for their
// disk number, and is the "request adapter" layer that enforces
// max_slots-outstanding backpressure — the port driver itself never
// checks this (spec.md §4.2, §9).
type Registry struct {
	mu       sync.RWMutex
	handlers map[int]Handler
}

// NewRegistry creates an empty disk registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[int]Handler)}
}

// Add registers handler under the next available disk number and returns
// it, mirroring bus_disk.add(..., bus_disk.count()) in hostahci.cc.
func (r *Registry) Add(handler Handler) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	disknr := len(r.handlers)
	for {
		if _, used := r.handlers[disknr]; !used {
			break
		}
		disknr++
	}
	r.handlers[disknr] = handler
	return disknr
}

// Remove unregisters a disk number.
func (r *Registry) Remove(disknr int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, disknr)
}

func (r *Registry) lookup(disknr int) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[disknr]
	return h, ok
}

// ReadSectors handles a ReadSectors{disknr, sector, dma_list, caller_tag}
// message (spec.md §6). Returns false ("not handled") if disknr is
// unknown, and a *driverr.Error for InvalidArgument/BackpressureRequired
// failures the port driver surfaces synchronously.
func (r *Registry) ReadSectors(disknr int, sector uint64, physOffset uint64, dma []DMADescriptor, physSize uint64, callerTag uint64) (bool, error) {
	h, ok := r.lookup(disknr)
	if !ok {
		return false, nil
	}
	if err := r.checkBackpressure(h); err != nil {
		return true, err
	}
	return true, h.ReadSectors(sector, physOffset, dma, physSize, callerTag)
}

// WriteSectors handles a WriteSectors message.
func (r *Registry) WriteSectors(disknr int, sector uint64, physOffset uint64, dma []DMADescriptor, physSize uint64, callerTag uint64) (bool, error) {
	h, ok := r.lookup(disknr)
	if !ok {
		return false, nil
	}
	if err := r.checkBackpressure(h); err != nil {
		return true, err
	}
	return true, h.WriteSectors(sector, physOffset, dma, physSize, callerTag)
}

// FlushCache handles a FlushCache{disknr, caller_tag} message.
func (r *Registry) FlushCache(disknr int, callerTag uint64) (bool, error) {
	h, ok := r.lookup(disknr)
	if !ok {
		return false, nil
	}
	if err := r.checkBackpressure(h); err != nil {
		return true, err
	}
	return true, h.FlushCache(callerTag)
}

// GetParams handles a GetParams{disknr, out} message, populating out
// synchronously (spec.md §4.2: "No command issued").
func (r *Registry) GetParams(disknr int, out *ataparam.DiskParameter) bool {
	h, ok := r.lookup(disknr)
	if !ok {
		return false
	}
	*out = h.GetParams()
	return true
}

func (r *Registry) checkBackpressure(h Handler) error {
	if h.Outstanding() >= h.MaxSlots() {
		return driverr.New(driverr.BackpressureRequired,
			fmt.Sprintf("disk has %d outstanding commands, max_slots=%d", h.Outstanding(), h.MaxSlots()))
	}
	return nil
}
