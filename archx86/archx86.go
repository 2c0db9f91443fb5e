// Package archx86 declares the handful of 32-bit-protected-mode register
// and segment primitives that no hosted Go program can reach on its own:
// loading CR3, reading the page-fault address out of CR2, invalidating a
// single TLB entry, loading the GDT/IDT/task register, halting until the
// next interrupt, and the trap-return tail that restores a saved frame
// via iret. These are external bootstrap-assembly collaborators; this
// package is the thin extern-linkage boundary the rest of the core calls
// through, mirroring how
// biscuit reaches the same primitives via a small set of customized
// `runtime.*` hooks (runtime.Get_phys, runtime.CPUHint, ...) instead of
// hand-writing raw asm at every call site.
//
// Bodies live in archx86_386.s; nothing here is portable, and nothing in
// this package is exercised by a CPU that doesn't actually run it in ring 0.
package archx86

import "unsafe"

// / Lcr3 loads the page-directory-base physical address into CR3, switching
// / the active address space.
func Lcr3(pa uintptr)

// / Rcr3 reads the page-directory-base physical address currently loaded.
func Rcr3() uintptr

// / Rcr2 reads the faulting linear address the processor latched on the
// / most recent page fault. Only meaningful immediately after a #PF.
func Rcr2() uintptr

// / Invlpg invalidates the single TLB entry mapping va. The core is
// / single-threaded with no SMP parallelism, so a local invalidate is
// / always sufficient; there is no shootdown fan-out.
func Invlpg(va uintptr)

// / Ltr loads the task register with the given GDT selector.
func Ltr(selector uint16)

// / Lgdt loads the global descriptor table register from a packed
// / pseudo-descriptor (limit:16, base:32/64).
func Lgdt(pseudo unsafe.Pointer)

// / Lidt loads the interrupt descriptor table register from a packed
// / pseudo-descriptor.
func Lidt(pseudo unsafe.Pointer)

// / IretUser restores every field of tf (general registers, segment
// / selectors, eip, eflags, esp, ss) and executes iret, dropping to the
// / saved privilege level. It never returns to its caller: the next
// / instruction executed is at tf's saved eip.
func IretUser(tf unsafe.Pointer)

// / Hlt halts the CPU until the next interrupt arrives, then returns.
// / Called by the scheduler when no env is RUNNABLE.
func Hlt()

// / CPUNum reports the logical CPU id the calling code is running on.
// / The core assumes non-preemptive single-CPU kernel execution, so this
// / is always 0; the signature exists so per-CPU
// / structures (the GDT's TSS descriptor slots, trapdisp's per-CPU state)
// / have a real index to use instead of a hardcoded literal scattered
// / through the core.
func CPUNum() int { return 0 }
