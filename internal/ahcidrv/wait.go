package ahcidrv

import "runtime"

// TimeoutMillis bounds every hardware register wait (spec.md §4.3).
const TimeoutMillis = 200

// waitTimeout busy-waits until (reg.Load() & mask) == value or
// TimeoutMillis has elapsed on clk, pausing the CPU between polls.
// Returns true on timeout, matching hostahci.cc's wait_timeout, which
// returns non-zero ("true") when the predicate was never satisfied.
func waitTimeout(clk Clock, reg *reg32, mask, value uint32) bool {
	deadline := clk.NowMillis() + TimeoutMillis
	for (reg.Load() & mask) != value {
		if clk.NowMillis() >= deadline {
			return (reg.Load() & mask) != value
		}
		runtime.Gosched()
	}
	return false
}
