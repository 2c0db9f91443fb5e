// Command kernel is the boot entry point: it wires every core
// collaborator together (physical allocator, address-space builder, env
// table, syscall surface, trap dispatcher, scheduler) and hands control
// to the trap-dispatch loop. Grounded on
// original_source/kern/init.c's i386_init, adapted to this port's
// Go-collaborator wiring instead of C globals.
//
// This file is the one place in the repository that cannot be exercised
// on a hosted Go toolchain: it calls archx86's asm-backed primitives
// directly and assumes a bootstrap assembly stub already put the CPU in
// 32-bit protected mode with paging off and handed it a stack. Every
// package it wires together is independently tested without it.
package main

import (
	"os"

	"exokernel/archx86"
	"exokernel/defs"
	"exokernel/elfld"
	"exokernel/envtbl"
	"exokernel/klog"
	"exokernel/limits"
	"exokernel/mem"
	"exokernel/sched"
	"exokernel/syscalls"
	"exokernel/trapdisp"
	"exokernel/vmm"
)

// nframes is the number of physical page frames this build simulates;
// a real boot stub would derive this from the multiboot memory map
// instead.
const nframes = 32 * 1024 // 128MB at 4K pages

// boot constructs every collaborator and returns the assembled
// dispatcher plus the first (root) env, ready for the trap loop.
func boot(rootImage []byte) (*trapdisp.Dispatcher, *envtbl.Env) {
	pm := mem.NewPhysmem(nframes)

	kernPgdir, ok := pm.Refpg_new()
	if !ok {
		panic("kernel: out of memory allocating kernel page directory")
	}
	builder := vmm.NewBuilder(pm, kernPgdir)
	if err := builder.EnsureVsys(); err != 0 {
		panic("kernel: out of memory allocating the virtual-syscall page: " + err.String())
	}

	table := envtbl.NewTable(limits.Corelimits.NENV, builder)

	img, err := elfld.Parse(rootImage)
	if err != nil {
		panic("kernel: failed to parse root env image: " + err.Error())
	}
	root, everr := table.CreateEnv(img, defs.ENV_TYPE_USER)
	if everr != 0 {
		panic("kernel: failed to create root env: " + everr.String())
	}
	table.SetCurrent(root)

	envs := make([]sched.Runnable, limits.Corelimits.NENV)
	for i := range envs {
		envs[i] = table.EnvAt(i)
	}
	rr := &sched.RoundRobin{
		Envs:     envs,
		Dispatch: func(idx int) { table.SetCurrent(table.EnvAt(idx)) },
		Halt:     archx86.Hlt,
	}

	surface := syscalls.NewSurface(table, builder, rr)

	disp := &trapdisp.Dispatcher{
		Table:   table,
		Builder: builder,
		Surface: surface,
		Sched:   rr,
		Log:     os.Stdout,
	}

	return disp, root
}

// run drives the trap-dispatch loop: each iteration synthesizes the
// next incoming trap (on real hardware, the interrupt entry stub and
// archx86.IretUser tail supply this; here it is the seam a boot-stub
// integration test would drive instead).
func run(disp *trapdisp.Dispatcher, nextTrap func() (faultVa uint32, ok bool)) {
	for {
		faultVa, ok := nextTrap()
		if !ok {
			return
		}
		if disp.Trap(faultVa) == trapdisp.Reschedule {
			if cur := disp.Table.Current(); cur != nil {
				klog.DumpTrapFrame(disp.Log, &cur.TrapFrame)
			}
		}
	}
}

func main() {
	panic("kernel: main is a bare-metal entry point; it is invoked by a bootstrap assembly stub, not by `go run`")
}
