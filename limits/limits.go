// Package limits holds the process-wide tunables a microkernel core has:
// how many envs the table holds, how deep a recursive breakpoint may nest,
// and how many outstanding COW scratch mappings cowfork may hold at once.
// Adapted from biscuit's Syslimit_t/MkSysLimit shape, trimmed to the
// handful of ceilings this core's four subsystems actually consult.
package limits

import (
	"sync/atomic"
	"unsafe"
)

// / Sysatomic_t is a numeric limit that can be atomically given and taken.
type Sysatomic_t int64

// / Corelimit_t tracks the tunable ceilings this core enforces.
type Corelimit_t struct {
	// number of slots in the env table.
	NENV int
	// maximum nesting depth the breakpoint monitor will recurse before
	// refusing to re-enter (guards against a breakpoint hit inside the
	// monitor's own disassembly path).
	MonitorDepth int
	// outstanding scratch mappings cowfork's pgfault handler may hold at
	// PFTEMP concurrently; always 1 for a single-threaded core, but kept
	// as a limit rather than a literal so a future multi-threaded cowfork
	// has somewhere to widen it.
	CowScratch Sysatomic_t
}

// / Corelimits describes the configured limits used across the core.
var Corelimits *Corelimit_t = MkCoreLimits()

// / MkCoreLimits returns the default set of limits.
func MkCoreLimits() *Corelimit_t {
	return &Corelimit_t{
		NENV:         1024,
		MonitorDepth: 4,
		CowScratch:   1,
	}
}

func (s *Sysatomic_t) ptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// / Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n int64) {
	if n < 0 {
		panic("too mighty")
	}
	atomic.AddInt64(s.ptr(), n)
}

// / Taken tries to decrement the limit by n, returning true on success and
// / leaving the limit unchanged on failure.
func (s *Sysatomic_t) Taken(n int64) bool {
	if n < 0 {
		panic("too mighty")
	}
	g := atomic.AddInt64(s.ptr(), -n)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s.ptr(), n)
	return false
}

// / Take decrements the limit by one and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool { return s.Taken(1) }

// / Give increments the limit by one.
func (s *Sysatomic_t) Give() { s.Given(1) }
