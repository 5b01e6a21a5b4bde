// Package clock provides the monotonic time source the AHCI driver uses
// to bound its hardware register waits.
package clock

import "time"

// Clock is the abstract monotonic clock spec.md threads through the port
// driver's register-wait helper. Matches the Clock reference hostahci.cc
// passes into HostAhciPort.
type Clock interface {
	// NowMillis returns a monotonically increasing millisecond counter.
	// Only differences between two calls are meaningful.
	NowMillis() uint64
}

// System is the Clock backed by the host's monotonic clock.
type System struct{}

// processStart anchors System's readings; time.Since measures against the
// monotonic reading it carries, so wall-clock adjustments do not affect it.
var processStart = time.Now()

func (System) NowMillis() uint64 {
	return uint64(time.Since(processStart) / time.Millisecond)
}
