// Package trapdisp is TrapDispatcher: the gate-descriptor table, per-CPU
// TSS, and the trap()/trap_dispatch() sequence that routes every
// exception, syscall, and device interrupt to its handler.
// Grounded on kern/trap.c, in biscuit's collaborator-holding-struct
// idiom rather than package-level globals (vm/as.go's Vm_t, mem/mem.go's
// Physmem_t).
package trapdisp

import (
	"fmt"
	"io"
	"unsafe"

	"exokernel/accnt"
	"exokernel/archx86"
	"exokernel/caller"
	"exokernel/defs"
	"exokernel/envtbl"
	"exokernel/klog"
	"exokernel/monitor"
	"exokernel/sched"
	"exokernel/syscalls"
	"exokernel/upcall"
	"exokernel/util"
	"exokernel/vmm"
)

// / Trap vector numbers, matching the x86 architectural exceptions plus
// / the PIC's remapped IRQ_OFFSET band and the JOS software-interrupt
// / syscall gate.
const (
	tDivide  = 0
	tDebug   = 1
	tNMI     = 2
	tBrkpt   = 3
	tOflow   = 4
	tBound   = 5
	tIllop   = 6
	tDevice  = 7
	tDblflt  = 8
	tTSS     = 10
	tSegnp   = 11
	tStack   = 12
	tGpflt   = 13
	tPgflt   = 14
	tFperr   = 16
	tSyscall = 48

	irqOffset  = 32
	irqClock   = irqOffset + 0
	irqKbd     = irqOffset + 1
	irqSerial  = irqOffset + 4
	irqSpurious = irqOffset + 7
)

// / GateDPL records the privilege level a trap vector's IDT gate is
// / installed with: 3 lets user code invoke it directly via int $n (the
// / syscall gate, the breakpoint trap used by the monitor, and the
// / keyboard and serial IRQ vectors), 0 reserves it to the CPU's own
// / faults and the remaining IRQs.
var GateDPL = map[int]int{
	tDivide:  0,
	tDebug:   0,
	tNMI:     0,
	tBrkpt:   3,
	tOflow:   0,
	tBound:   0,
	tIllop:   0,
	tDevice:  0,
	tDblflt:  0,
	tTSS:     0,
	tSegnp:   0,
	tStack:   0,
	tGpflt:   0,
	tPgflt:   0,
	tFperr:   0,
	tSyscall: 3,
	irqClock:    0,
	irqKbd:      3,
	irqSerial:   3,
	irqSpurious: 0,
}

func trapName(no uint32) string {
	switch no {
	case tDivide:
		return "divide error"
	case tDebug:
		return "debug"
	case tNMI:
		return "non-maskable interrupt"
	case tBrkpt:
		return "breakpoint"
	case tOflow:
		return "overflow"
	case tBound:
		return "bound range exceeded"
	case tIllop:
		return "invalid opcode"
	case tDevice:
		return "device not available"
	case tDblflt:
		return "double fault"
	case tTSS:
		return "invalid tss"
	case tSegnp:
		return "segment not present"
	case tStack:
		return "stack fault"
	case tGpflt:
		return "general protection"
	case tPgflt:
		return "page fault"
	case tFperr:
		return "x87 fpu floating-point error"
	case tSyscall:
		return "system call"
	case irqClock, irqKbd, irqSerial, irqSpurious:
		return "hardware interrupt"
	default:
		return "(unknown trap)"
	}
}

// / Disasm is the window trapdisp hands to the monitor on a breakpoint
// / trap; nil disables disassembly (the dispatcher just dumps registers).
type Disasm struct {
	Code     []byte
	CodeBase uint32
}

// / Dispatcher owns the collaborators a trap needs to be fully resolved:
// / the env table (to find/garbage-collect curenv), the address-space
// / builder (for the fault upcall's write-permission check), the syscall
// / surface, and the round-robin scheduler hook dispatch yields to on the
// / clock, keyboard and serial IRQs. Grounded on kern/trap.c's globals (curenv, ts,
// / idt), pulled together into one value instead of package state so
// / host tests can construct an isolated Dispatcher per case.
type Dispatcher struct {
	Table   *envtbl.Table
	Builder *vmm.Builder
	Surface *syscalls.Surface
	Sched   *sched.RoundRobin
	Log     io.Writer

	// Fetch, when non-nil, supplies the bytes and base address of the
	// faulting env's code for the monitor's disassembly window on a
	// breakpoint trap. Left nil disables disassembly in tests that don't
	// model loaded code.
	Fetch func(e *envtbl.Env) Disasm

	// spurious de-duplicates the spurious-interrupt log: a flaky PIC can
	// raise irq 7 repeatedly from the same call path, and logging every
	// occurrence would drown out everything else on the console.
	spurious caller.Distinct_caller_t

	// Clock returns the current time in nanoseconds, defaulting to
	// accnt.Now. Overridable so a test can drive the clock-IRQ path with a
	// fake, deterministic clock instead of real wall time.
	Clock func() int64

	// bootNanos latches the clock's value at the first IRQ_CLOCK so the
	// published counter reads seconds-since-boot rather than a raw
	// Unix timestamp. bootLatched records that the latch has happened, so
	// a clock whose first reading is 0 is not re-latched on later ticks.
	bootNanos   int64
	bootLatched bool
}

// / Outcome tells the boot loop what trap() decided: Continue resumes
// / curenv, Reschedule means no env is ready to resume and the scheduler
// / must be consulted, matching trap()'s "env_run(curenv) or sched_yield()"
// / tail.
type Outcome int

const (
	Continue Outcome = iota
	Reschedule
)

// / Trap implements the full sequence from kern/trap.c's trap(): garbage
// / collect a dying current env, dispatch on tf.TrapNo, then decide
// / whether the caller should resume curenv or fall into the scheduler.
// / faultVa is the CPU's fault-address register, read by the caller
// / before Trap is invoked (archx86.Rcr2 on real hardware); Trap itself
// / never touches hardware state.
func (d *Dispatcher) Trap(faultVa uint32) Outcome {
	cur := d.Table.Current()
	if cur != nil && cur.Status == defs.ENV_DYING {
		d.Table.Free(cur)
		cur = nil
	}

	if cur != nil {
		d.dispatch(cur, faultVa)
	}

	cur = d.Table.Current()
	if cur != nil && cur.Status == defs.ENV_RUNNING {
		return Continue
	}
	return Reschedule
}

// / dispatch implements trap_dispatch(): route tf.TrapNo to its handler.
// / Unrecognized traps in user mode destroy the env (kern/trap.c's
// / "print_trapframe; env_destroy(curenv)"); in kernel mode that is an
// / unrecoverable invariant violation, so Trap panics instead: traps that
// / occur with CS pointing at the kernel segment are never routed to
// / env_destroy.
func (d *Dispatcher) dispatch(e *envtbl.Env, faultVa uint32) {
	tf := &e.TrapFrame
	switch tf.TrapNo {
	case irqSpurious:
		d.spurious.Enabled = true
		if first, stack := d.spurious.Distinct(); first {
			fmt.Fprintln(d.Log, "spurious interrupt on irq 7")
			fmt.Fprint(d.Log, stack)
			klog.DumpTrapFrame(d.Log, tf)
		}
		return

	case irqClock:
		d.publishClockTick()
		d.Sched.Yield()
		return

	case tPgflt:
		switch upcall.Handle(d.Builder, e, faultVa, tf.ErrCode) {
		case upcall.Destroy:
			fmt.Fprintf(d.Log, "[%08x] user fault va %08x ip %08x\n", uint32(e.Id), faultVa, tf.Eip)
			klog.DumpTrapFrame(d.Log, tf)
			d.destroy(e)
		}
		return

	case tSyscall:
		tf.Eax = uint32(d.Surface.Dispatch(
			int32(tf.Eax), int32(tf.Edx), int32(tf.Ecx), int32(tf.Ebx), int32(tf.Edi), int32(tf.Esi)))
		return

	case tBrkpt:
		var disasm Disasm
		if d.Fetch != nil {
			disasm = d.Fetch(e)
		}
		monitor.Stop(d.Log, tf, disasm.Code, disasm.CodeBase)
		return

	case irqKbd:
		d.Sched.Yield()
		return

	case irqSerial:
		d.Sched.Yield()
		return

	default:
		klog.DumpTrapFrame(d.Log, tf)
		if tf.Cs == vmm.GD_KT {
			caller.Callerdump(1)
			panic("trapdisp: unhandled trap in kernel: " + trapName(tf.TrapNo))
		}
		d.destroy(e)
	}
}

// / publishClockTick writes seconds-since-boot into the shared
// / virtual-syscall page's VSYS_gettime word, so user code can read the
// / wall clock without a syscall. A no-op when Builder.EnsureVsys was
// / never called, since some boot configurations and most unit tests
// / don't map the page.
func (d *Dispatcher) publishClockTick() {
	if d.Builder.VsysPa == 0 {
		return
	}
	clock := d.Clock
	if clock == nil {
		clock = accnt.Now
	}
	now := clock()
	if !d.bootLatched {
		d.bootNanos = now
		d.bootLatched = true
	}
	seconds := int((now - d.bootNanos) / 1e9)
	util.Writen(d.Builder.Pm.Bytes(d.Builder.VsysPa)[:], 4, vmm.VSYS_gettime*4, seconds)
}

// / destroy matches env_destroy: free the env, and if it was curenv the
// / dispatcher's caller must fall through to the scheduler instead of
// / resuming it (Table.Destroy's yieldRequired return communicates this
// / back through e.Status already being ENV_FREE, which Trap's "Status ==
// / ENV_RUNNING" check after dispatch naturally observes).
func (d *Dispatcher) destroy(e *envtbl.Env) {
	d.Table.Destroy(e)
}

// / Accounting returns the per-env accounting row used by klog's
// / DumpAccounting, pulling Userns/Sysns straight from the env's Accnt_t,
// / its accounting collaborator riding alongside every env slot.
func Accounting(e *envtbl.Env) accnt.Sample {
	user, sys := e.Acct.Fetch()
	return accnt.Sample{EnvId: e.Id, Userns: user, Sysns: sys}
}

// / NCPU bounds the per-CPU TSS descriptor slots the GDT reserves beyond
// / its five fixed selectors, mirroring kern/env.c's gdt[NCPU+5]. This
// / core runs single-CPU (archx86.CPUNum always reports 0) but still
// / declares the full-width array unconditionally, the way biscuit/JOS
// / do — Non-goal SMP parallelism excludes ever loading a second slot's
// / selector into TR, not declaring room for it.
const NCPU = 1

// / Segdesc is one 8-byte x86 segment descriptor: a 20-bit limit and
// / 32-bit base split across several fields, an access byte (type, S,
// / DPL, P), and a flags nibble (AVL, L, D/B, G). Both the flat
// / code/data selectors and the per-CPU TSS descriptors use this same
// / shape, differing only in which bits packSeg sets.
type Segdesc struct {
	LimitLo uint16
	BaseLo  uint16
	BaseMid uint8
	Access  uint8
	Flags   uint8 // low nibble: limit bits 16-19; high nibble: AVL,L,D/B,G
	BaseHi  uint8
}

const (
	segTypeCode  = 0xa // execute/read
	segTypeData  = 0x2 // read/write
	segTypeTSS32 = 0x9 // available 32-bit TSS
)

// / packSeg encodes one Segdesc. isCodeData sets S=1 (code/data) vs. S=0
// / (system, used for the TSS descriptor); gran4k sets G=1 and rescales
// / limit from bytes to 4KB units, matching the flat kernel/user
// / segments' 0xffffffff byte limit collapsing to a 20-bit page count.
func packSeg(segType uint8, base, limit uint32, dpl uint8, isCodeData, gran4k bool) Segdesc {
	lim := limit
	if gran4k {
		lim = limit >> 12
	}
	access := (segType & 0xf) | 1<<7 | (dpl&0x3)<<5
	if isCodeData {
		access |= 1 << 4
	}
	flags := uint8((lim >> 16) & 0xf)
	if isCodeData {
		flags |= 1 << 6 // D/B = 1 (32-bit operand size)
	}
	if gran4k {
		flags |= 1 << 7
	}
	return Segdesc{
		LimitLo: uint16(lim),
		BaseLo:  uint16(base),
		BaseMid: uint8(base >> 16),
		Access:  access,
		Flags:   flags,
		BaseHi:  uint8(base >> 24),
	}
}

// / BuildGDT constructs the flat descriptor table biscuit/JOS declare
// / statically as gdt[NCPU+5]: a null descriptor, the four fixed
// / kernel/user code/data selectors, and one TSS descriptor slot per CPU
// / starting at GD_TSS0. tssBase/tssLimit give each CPU's Taskstate_t
// / base address and byte size; a CPU whose tssBase is 0 keeps a null
// / TSS slot, left for TrapInit to fill in once that CPU's TSS exists.
func BuildGDT(tssBase, tssLimit [NCPU]uint32) []Segdesc {
	gdt := make([]Segdesc, vmm.GD_TSS0/8+NCPU)
	gdt[vmm.GD_KT/8] = packSeg(segTypeCode, 0, 0xffffffff, 0, true, true)
	gdt[vmm.GD_KD/8] = packSeg(segTypeData, 0, 0xffffffff, 0, true, true)
	gdt[vmm.GD_UT/8] = packSeg(segTypeCode, 0, 0xffffffff, 3, true, true)
	gdt[vmm.GD_UD/8] = packSeg(segTypeData, 0, 0xffffffff, 3, true, true)
	for i := 0; i < NCPU; i++ {
		if tssBase[i] == 0 {
			continue
		}
		gdt[vmm.GD_TSS0/8+i] = packSeg(segTypeTSS32, tssBase[i], tssLimit[i], 0, false, false)
	}
	return gdt
}

// / gdtPseudo packs the {limit, base} pair LGDT loads into the 6
// / byte-packed form the instruction expects, via util.Writen rather
// / than a Go struct literal since struct field alignment would insert
// / padding LGDT does not tolerate.
func gdtPseudo(gdt []Segdesc) [6]byte {
	var b [6]byte
	util.Writen(b[:], 2, 0, len(gdt)*8-1)
	util.Writen(b[:], 4, 2, int(uintptr(unsafe.Pointer(&gdt[0]))))
	return b
}

// / TrapInit builds this CPU's GDT (with its TSS descriptor pointed at
// / tssBase/tssSize), loads it, loads the IDT, and loads the TSS
// / selector — mirroring trap_init_percpu's gdt-patch/lgdt/ltr/lidt
// / sequence. Gate descriptor encoding (one SETGATE per vector in
// / GateDPL, each pointing at a hand-written assembly entry stub) has no
// / Go-level home: it is inseparable from the entry stubs themselves and
// / belongs beside them in whatever .s file supplies archx86's bodies,
// / the same way this port never brings trap_init's gate construction
// / into Go; idtPseudo is that file's pseudo-descriptor, handed through
// / unchanged.
func TrapInit(idtPseudo unsafe.Pointer, cpu int, tssBase, tssSize uint32) {
	var bases, limits [NCPU]uint32
	bases[cpu] = tssBase
	limits[cpu] = tssSize
	gdt := BuildGDT(bases, limits)
	pseudo := gdtPseudo(gdt)
	archx86.Lgdt(unsafe.Pointer(&pseudo))
	archx86.Lidt(idtPseudo)
	archx86.Ltr(vmm.GD_TSS0 + uint16(cpu)*8)
}
