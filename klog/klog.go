// Package klog is the kernel's diagnostic output path: trap-frame dumps on
// an unhandled fault (JOS's print_trapframe/print_regs, never an
// operation in its own right but exercised throughout its fault scenarios),
// and periodic accounting dumps formatted with golang.org/x/text/message
// for locale-aware thousands grouping — the one place in this core where
// pretty-printing a counter is worth a library instead of hand-rolled
// comma insertion, since biscuit never had a locale to format for on bare
// metal but this core's diagnostic console is a normal Go io.Writer.
package klog

import (
	"fmt"
	"io"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"exokernel/accnt"
	"exokernel/envtbl"
)

// / DumpTrapFrame writes a trap frame in JOS's print_trapframe
// / register-dump layout, used on an unhandled fault before an env is destroyed or the
// / kernel panics.
func DumpTrapFrame(w io.Writer, tf *envtbl.TrapFrame) {
	fmt.Fprintf(w, "TRAP frame at %p\n", tf)
	fmt.Fprintf(w, "  edi  0x%08x\n", tf.Edi)
	fmt.Fprintf(w, "  esi  0x%08x\n", tf.Esi)
	fmt.Fprintf(w, "  ebp  0x%08x\n", tf.Ebp)
	fmt.Fprintf(w, "  ebx  0x%08x\n", tf.Ebx)
	fmt.Fprintf(w, "  edx  0x%08x\n", tf.Edx)
	fmt.Fprintf(w, "  ecx  0x%08x\n", tf.Ecx)
	fmt.Fprintf(w, "  eax  0x%08x\n", tf.Eax)
	fmt.Fprintf(w, "  es   0x----%04x\n", tf.Es)
	fmt.Fprintf(w, "  ds   0x----%04x\n", tf.Ds)
	fmt.Fprintf(w, "  trap 0x%08x\n", tf.TrapNo)
	fmt.Fprintf(w, "  err  0x%08x\n", tf.ErrCode)
	fmt.Fprintf(w, "  eip  0x%08x\n", tf.Eip)
	fmt.Fprintf(w, "  cs   0x----%04x\n", tf.Cs)
	fmt.Fprintf(w, "  flag 0x%08x\n", tf.Eflags)
	fmt.Fprintf(w, "  esp  0x%08x\n", tf.Esp)
	fmt.Fprintf(w, "  ss   0x----%04x\n", tf.Ss)
}

// / printer is reused across dumps rather than constructed per call, since
// / message.NewPrinter is not free and this path runs on every periodic
// / stats tick.
var printer = message.NewPrinter(language.English)

// / DumpAccounting writes one grouped-integer line per accounting sample,
// / e.g. "env-12: user=1,204,558ns sys=88,112ns".
func DumpAccounting(w io.Writer, rows []accnt.Sample) {
	for _, r := range rows {
		printer.Fprintf(w, "env-%d: user=%dns sys=%dns\n", r.EnvId, r.Userns, r.Sysns)
	}
}
