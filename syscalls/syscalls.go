// Package syscalls is the SyscallSurface: six-machine-word argument
// marshalling and the dispatch table for the handful of syscalls CowFork
// runs over. It takes six machine words (num, a1..a5) from the trap
// frame and returns a signed machine word into saved EAX. Grounded on
// JOS's syscall calling convention referenced from kern/trap.c's
// trap_dispatch, in biscuit's Err_t-returning style.
package syscalls

import (
	"exokernel/defs"
	"exokernel/envtbl"
	"exokernel/mem"
	"exokernel/vmm"
)

// / Syscall numbers, matching the handlers CowFork depends on.
const (
	SysExofork = iota + 1
	SysPageAlloc
	SysPageMap
	SysPageUnmap
	SysEnvSetStatus
	SysEnvSetPgfaultUpcall
	SysGetenvid
	SysYield
)

// / Yielder is the scheduler hook a Surface invokes for sys_yield.
type Yielder interface {
	Yield()
}

// / Surface marshals and dispatches syscalls against a Table/Builder pair.
type Surface struct {
	Table   *envtbl.Table
	Builder *vmm.Builder
	Sched   Yielder
}

// / NewSurface constructs a Surface over the given env table, address
// / space builder, and scheduler hook.
func NewSurface(t *envtbl.Table, b *vmm.Builder, s Yielder) *Surface {
	return &Surface{Table: t, Builder: b, Sched: s}
}

// / Dispatch marshals the six machine words the trap dispatcher pulls out
// / of a SYSCALL trap frame and routes to the named handler, returning the
// / signed machine word to be written into the caller's saved EAX.
func (s *Surface) Dispatch(num int32, a1, a2, a3, a4, a5 int32) int32 {
	switch num {
	case SysExofork:
		child, err := s.exofork()
		if err != 0 {
			return int32(err)
		}
		return int32(child)
	case SysPageAlloc:
		return int32(s.pageAlloc(defs.EnvId_t(a1), uint32(a2), mem.Pa_t(a3)))
	case SysPageMap:
		return int32(s.pageMap(defs.EnvId_t(a1), uint32(a2), defs.EnvId_t(a3), uint32(a4), mem.Pa_t(a5)))
	case SysPageUnmap:
		return int32(s.pageUnmap(defs.EnvId_t(a1), uint32(a2)))
	case SysEnvSetStatus:
		return int32(s.envSetStatus(defs.EnvId_t(a1), defs.EnvStatus_t(a2)))
	case SysEnvSetPgfaultUpcall:
		return int32(s.envSetPgfaultUpcall(defs.EnvId_t(a1), uint32(a2)))
	case SysGetenvid:
		return int32(s.getenvid())
	case SysYield:
		s.Sched.Yield()
		return 0
	default:
		return int32(-defs.EINVAL)
	}
}

// / exofork creates a suspended child whose register state mirrors the
// / parent's. The caller-visible "child sees 0, parent sees child>0" split
// / is a register-return convention the trap-return tail applies when it
// / resumes each env separately; Go-level callers (CowFork, tests)
// / instead just use the returned child id directly.
func (s *Surface) exofork() (defs.EnvId_t, defs.Err_t) {
	parent := s.Table.Current()
	if parent == nil {
		return 0, -defs.EBADENV
	}
	child, err := s.Table.Alloc(parent.Id)
	if err != 0 {
		return 0, err
	}
	child.TrapFrame = parent.TrapFrame
	child.TrapFrame.Eax = 0 // what the child will see in EAX on resume
	child.Status = defs.ENV_NOT_RUNNABLE
	return child.Id, 0
}

// / pageAlloc allocates a fresh zeroed page and maps it at va in envid's
// / address space with perm. perm must include PTE_P and no bit outside
// / PTE_SYSCALL; anything else is rejected with EINVAL.
func (s *Surface) pageAlloc(envid defs.EnvId_t, va uint32, perm mem.Pa_t) defs.Err_t {
	e, err := s.Table.Lookup(envid, true)
	if err != 0 {
		return err
	}
	if perm&mem.PTE_P == 0 || perm&^mem.Pa_t(mem.PTE_SYSCALL) != 0 {
		return -defs.EINVAL
	}
	pa, ok := s.Builder.Pm.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	if e := s.Builder.PageInsert(e.PageDir, pa, va, perm); e != 0 {
		s.Builder.Pm.Refdown(pa)
		return e
	}
	return 0
}

// / pageMap maps the page currently at srcva in srcenv's space into
// / dstenv's space at dstva with perm, bumping the physical page's
// / refcount. perm must include PTE_P and no bit outside PTE_SYSCALL and
// / PTE_COW; anything else is rejected with EINVAL. Used by duppage for
// / every present user page.
func (s *Surface) pageMap(srcenvid defs.EnvId_t, srcva uint32, dstenvid defs.EnvId_t, dstva uint32, perm mem.Pa_t) defs.Err_t {
	src, err := s.Table.Lookup(srcenvid, true)
	if err != 0 {
		return err
	}
	dst, err := s.Table.Lookup(dstenvid, true)
	if err != 0 {
		return err
	}
	pa, _, ok := s.Builder.Lookup(src.PageDir, srcva)
	if !ok {
		return -defs.EINVAL
	}
	if perm&mem.PTE_P == 0 || perm&^mem.Pa_t(mem.PTE_SYSCALL|mem.PTE_COW) != 0 {
		return -defs.EINVAL
	}
	s.Builder.Pm.Refup(pa)
	if e := s.Builder.PageInsert(dst.PageDir, pa, dstva, perm); e != 0 {
		s.Builder.Pm.Refdown(pa)
		return e
	}
	return 0
}

// / pageUnmap removes the mapping at va in envid's address space.
func (s *Surface) pageUnmap(envid defs.EnvId_t, va uint32) defs.Err_t {
	e, err := s.Table.Lookup(envid, true)
	if err != 0 {
		return err
	}
	s.Builder.PageRemove(e.PageDir, va)
	return 0
}

// / envSetStatus transitions envid to status, rejecting anything but
// / RUNNABLE/NOT_RUNNABLE (a user program may not set an env DYING or
// / RUNNING directly).
func (s *Surface) envSetStatus(envid defs.EnvId_t, status defs.EnvStatus_t) defs.Err_t {
	e, err := s.Table.Lookup(envid, true)
	if err != 0 {
		return err
	}
	if status != defs.ENV_RUNNABLE && status != defs.ENV_NOT_RUNNABLE {
		return -defs.EINVAL
	}
	e.Status = status
	return 0
}

// / envSetPgfaultUpcall records the user virtual address the kernel jumps
// / to on the next page fault in envid.
func (s *Surface) envSetPgfaultUpcall(envid defs.EnvId_t, upcallVa uint32) defs.Err_t {
	e, err := s.Table.Lookup(envid, true)
	if err != 0 {
		return err
	}
	e.PgfaultUpcall = upcallVa
	return 0
}

// / getenvid returns the current env's id.
func (s *Surface) getenvid() defs.EnvId_t {
	e := s.Table.Current()
	if e == nil {
		return 0
	}
	return e.Id
}
