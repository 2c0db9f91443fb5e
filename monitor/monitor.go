// Package monitor is the BRKPT trap target: a minimal kernel debugger that
// disassembles the instruction stream at the faulting eip before handing
// control back, mirroring a real monitor's "x/i $eip". JOS's kern/monitor.c
// is a full command shell; this is just the disassemble-and-print slice of
// it, wired to golang.org/x/arch/x86/x86asm since no file in biscuit's tree
// imports it despite it sitting in go.mod.
package monitor

import (
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"exokernel/envtbl"
	"exokernel/klog"
	"exokernel/limits"
)

// / DisasmWindow is the most instructions decoded, starting at eip and
// / going forward.
const DisasmWindow = 32

// / depth counts nested Stop calls: a breakpoint planted inside the
// / monitor's own disassembly path (or hit while printing a trap frame
// / that itself faults) would otherwise recurse without bound.
var depth int32

// / Stop is invoked by the trap dispatcher on a T_BRKPT trap. It decodes
// / up to DisasmWindow instructions of code memory starting at tf.Eip and
// / prints each with its address. If decoding fails (an unaligned or
// / truncated instruction stream, e.g. a breakpoint planted
// / mid-instruction) it prints one "(undecodable: ...)" line for that
// / address and stops. Refuses to re-enter past limits.Corelimits.MonitorDepth.
func Stop(w io.Writer, tf *envtbl.TrapFrame, code []byte, codeBase uint32) {
	if atomic.AddInt32(&depth, 1) > int32(limits.Corelimits.MonitorDepth) {
		atomic.AddInt32(&depth, -1)
		fmt.Fprintln(w, "monitor: max recursion depth exceeded, refusing to re-enter")
		return
	}
	defer atomic.AddInt32(&depth, -1)

	fmt.Fprintf(w, "--- breakpoint at eip 0x%08x ---\n", tf.Eip)
	klog.DumpTrapFrame(w, tf)

	off := -1
	if tf.Eip >= codeBase {
		off = int(tf.Eip - codeBase)
	}
	if off < 0 || off >= len(code) {
		fmt.Fprintf(w, "(no code mapped at eip)\n")
		return
	}
	buf := code[off:]

	addr := tf.Eip
	for n := 0; n < DisasmWindow && len(buf) > 0; n++ {
		inst, err := x86asm.Decode(buf, 32)
		if err != nil {
			fmt.Fprintf(w, "0x%08x: (undecodable: %v)\n", addr, err)
			return
		}
		fmt.Fprintf(w, "0x%08x: %s\n", addr, x86asm.GNUSyntax(inst, uint64(addr), nil))
		buf = buf[inst.Len:]
		addr += uint32(inst.Len)
	}
}
