// Package sched is the scheduler hook's thin contract: yield() never
// returns; it selects a RUNNABLE env or halts. The scheduling policy
// itself is external and pluggable; this package states the contract as
// a Go interface and ships one reference round-robin policy satisfying
// it, in the same spirit as biscuit shipping a concrete default
// alongside every interface it defines (mem.Page_i, fdops.Userio_i).
package sched

import "exokernel/defs"

// / Runnable is the minimal view of an env the scheduler needs: its
// / status, and a way to dispatch it. Defined here rather than importing
// / envtbl.Env directly so sched has no dependency on the table's layout,
// / keeping the scheduler an external collaborator the core only depends
// / on through a stated interface.
type Runnable interface {
	EnvStatus() defs.EnvStatus_t
	EnvId() defs.EnvId_t
}

// / Hook is the contract the core invokes: Yield selects some RUNNABLE env
// / and dispatches it via context restore; it never returns while a
// / runnable env exists. If none is runnable, Halt is called to wait for
// / the next interrupt.
type Hook interface {
	Yield()
}

// / RoundRobin is a reference scheduler policy: it cycles through envs in
// / slot order, dispatching the first env that is RUNNABLE or RUNNING and
// / skipping every other status, and calls Halt when it completes a full
// / lap without finding one.
type RoundRobin struct {
	Envs []Runnable
	Next int
	// Dispatch is invoked with the chosen env's index; it is expected to
	// perform the context-restore/iret tail and never return while that
	// env keeps running.
	Dispatch func(idx int)
	// Halt is invoked when no env is RUNNABLE or RUNNING.
	Halt func()
}

// / Yield implements Hook.
func (r *RoundRobin) Yield() {
	n := len(r.Envs)
	for i := 0; i < n; i++ {
		idx := (r.Next + i) % n
		if r.Envs[idx].EnvStatus() == defs.ENV_RUNNABLE || r.Envs[idx].EnvStatus() == defs.ENV_RUNNING {
			r.Next = (idx + 1) % n
			r.Dispatch(idx)
			return
		}
	}
	r.Halt()
}
