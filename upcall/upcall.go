// Package upcall implements PageFaultUpcall: on a user page fault, it
// builds a synthesized user trap frame on the faulting env's exception
// stack and redirects execution to the env-registered pgfault handler,
// with the recursive-fault handling JOS's page_fault_handler performs.
// Grounded on kern/trap.c's page_fault_handler.
package upcall

import (
	"exokernel/envtbl"
	"exokernel/mem"
	"exokernel/util"
	"exokernel/vmm"
)

// / PushRegs is the general-register block captured at fault time, the
// / same layout env.TrapFrame carries (minus segment selectors, which the
// / user trap frame does not need: the fault always occurs in user mode).
type PushRegs struct {
	Edi, Esi, Ebp, Oesp, Ebx, Edx, Ecx, Eax uint32
}

// / UTrapframe is pushed onto the user exception stack: fault virtual
// / address, error code, saved general registers, instruction pointer,
// / flags, stack pointer.
type UTrapframe struct {
	FaultVa uint32
	Err     uint32
	Regs    PushRegs
	Eip     uint32
	Eflags  uint32
	Esp     uint32
}

// / Size is the byte size of a marshalled UTrapframe on the wire (13
// / 32-bit words).
const Size = 4 * 13

// / Marshal packs f into its on-stack byte representation.
func (f *UTrapframe) Marshal() []byte {
	b := make([]byte, Size)
	util.Writen(b, 4, 0, int(f.FaultVa))
	util.Writen(b, 4, 4, int(f.Err))
	util.Writen(b, 4, 8, int(f.Regs.Edi))
	util.Writen(b, 4, 12, int(f.Regs.Esi))
	util.Writen(b, 4, 16, int(f.Regs.Ebp))
	util.Writen(b, 4, 20, int(f.Regs.Oesp))
	util.Writen(b, 4, 24, int(f.Regs.Ebx))
	util.Writen(b, 4, 28, int(f.Regs.Edx))
	util.Writen(b, 4, 32, int(f.Regs.Ecx))
	util.Writen(b, 4, 36, int(f.Regs.Eax))
	util.Writen(b, 4, 40, int(f.Eip))
	util.Writen(b, 4, 44, int(f.Eflags))
	util.Writen(b, 4, 48, int(f.Esp))
	return b
}

// / Unmarshal reconstructs a UTrapframe from its Marshal-produced byte
// / representation: the inverse of Marshal.
func (f *UTrapframe) Unmarshal(b []byte) {
	f.FaultVa = uint32(util.Readn(b, 4, 0))
	f.Err = uint32(util.Readn(b, 4, 4))
	f.Regs.Edi = uint32(util.Readn(b, 4, 8))
	f.Regs.Esi = uint32(util.Readn(b, 4, 12))
	f.Regs.Ebp = uint32(util.Readn(b, 4, 16))
	f.Regs.Oesp = uint32(util.Readn(b, 4, 20))
	f.Regs.Ebx = uint32(util.Readn(b, 4, 24))
	f.Regs.Edx = uint32(util.Readn(b, 4, 28))
	f.Regs.Ecx = uint32(util.Readn(b, 4, 32))
	f.Regs.Eax = uint32(util.Readn(b, 4, 36))
	f.Eip = uint32(util.Readn(b, 4, 40))
	f.Eflags = uint32(util.Readn(b, 4, 44))
	f.Esp = uint32(util.Readn(b, 4, 48))
}

// / Outcome tells the trap dispatcher what to do after Handle returns.
type Outcome int

const (
	// Resumed: the env's trap frame now points at the upcall; re-enter it.
	Resumed Outcome = iota
	// Destroy: no upcall was registered, or the write-permission check
	// failed; the dispatcher must destroy the env.
	Destroy
)

// / Handle implements page_fault_handler for a user-mode fault. faultVa is
// / read from the CPU fault-address register by the caller (archx86.Rcr2
// / on real hardware) before Handle is invoked; Handle itself never reads
// / hardware state, which is what makes it host-testable.
//
// / Handle panics if tf.Cs indicates kernel mode: the kernel must never
// / fault on user memory by accident, so a kernel-mode fault reaching
// / here is an invariant violation, not a recoverable error.
func Handle(b *vmm.Builder, e *envtbl.Env, faultVa uint32, errCode uint32) Outcome {
	tf := &e.TrapFrame
	if tf.Cs&3 == 0 {
		panic("upcall: page fault in kernel mode")
	}
	if e.PgfaultUpcall == 0 {
		return Destroy
	}

	var stackTop uint32
	if tf.Esp >= vmm.UXSTACKTOP-uint32(mem.PGSIZE) && tf.Esp < vmm.UXSTACKTOP {
		// recursive fault: already on the exception stack. Leave one
		// machine word of scratch below the current stack pointer for
		// the trampoline, then the new frame goes below that.
		stackTop = tf.Esp - 4
	} else {
		stackTop = vmm.UXSTACKTOP
	}

	newTop := stackTop - Size
	if !b.CanWrite(e.PageDir, newTop, Size) {
		return Destroy
	}

	frame := UTrapframe{
		FaultVa: faultVa,
		Err:     errCode,
		Regs: PushRegs{
			Edi: tf.Edi, Esi: tf.Esi, Ebp: tf.Ebp, Oesp: tf.Oesp,
			Ebx: tf.Ebx, Edx: tf.Edx, Ecx: tf.Ecx, Eax: tf.Eax,
		},
		Eip:    tf.Eip,
		Eflags: tf.Eflags,
		Esp:    tf.Esp,
	}
	b.WriteAt(e.PageDir, newTop, frame.Marshal())

	tf.Esp = newTop
	tf.Eip = e.PgfaultUpcall
	return Resumed
}
