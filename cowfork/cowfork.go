// Package cowfork is CowFork: user-space copy-on-write fork built entirely
// over the syscall surface plus the read-only self-map.
// Grounded on lib/fork.c. Every operation here is exactly what a user
// program issues through int $0x30; there is no kernel-side special
// casing of fork anywhere else in the core. Besides syscalls.Surface, this
// package reads page-table entries and copies page bytes through the
// surface's vmm.Builder, and bounds concurrent COW copies with
// limits.Corelimits.CowScratch.
package cowfork

import (
	"exokernel/defs"
	"exokernel/limits"
	"exokernel/mem"
	"exokernel/syscalls"
	"exokernel/upcall"
	"exokernel/vmm"
)

// / pfTemp is the fixed scratch virtual address the pgfault handler copies
// / a faulting page through, matching JOS's PFTEMP (inc/memlayout.h:
// / UTEMP + PTSIZE - PGSIZE).
const pfTemp = vmm.PFTEMP

// / Forker drives CowFork against a syscall surface. It also needs direct
// / read access to the parent/child page directories to walk the
// / page-table entries the self-map exposes in JOS; here, since there is
// / no live hardware self-map to dereference, Builder stands in for "read
// / the self-map" the same way it stands in for every other direct
// / physical-memory access in this port (see vmm.Builder.Lookup).
type Forker struct {
	Surface *syscalls.Surface
	Builder *vmm.Builder
}

// / NewForker constructs a Forker over the given syscall surface and
// / address-space builder (the same Builder instance the surface itself
// / uses, so both see the same physical allocator).
func NewForker(s *syscalls.Surface, b *vmm.Builder) *Forker {
	return &Forker{Surface: s, Builder: b}
}

// / Fork runs CowFork's algorithm for the caller's current env, returning
// / the child's id. Panics on any unexpected syscall failure: fork's
// / invariants are not locally repairable, so there is no sensible error
// / return to give the caller.
func (f *Forker) Fork(pgfaultUpcallVa uint32) defs.EnvId_t {
	parent := f.Surface.Table.Current()
	if parent == nil {
		panic("cowfork: fork with no current env")
	}
	parentId := parent.Id
	parentPageDir := parent.PageDir

	if parent.PgfaultUpcall == 0 {
		if err := f.Surface.Dispatch(syscalls.SysEnvSetPgfaultUpcall, int32(parentId), int32(pgfaultUpcallVa), 0, 0, 0); err != 0 {
			panic("cowfork: sys_env_set_pgfault_upcall failed")
		}
	}

	childId := defs.EnvId_t(f.Surface.Dispatch(syscalls.SysExofork, 0, 0, 0, 0, 0))
	if childId < 0 {
		panic("cowfork: sys_exofork failed")
	}

	for va := uint32(0); va < vmm.UTOP; va += mem.PGSIZE {
		if va >= vmm.UXSTACKTOP-mem.PGSIZE && va < vmm.UXSTACKTOP {
			continue // never duplicate the exception stack page
		}
		pa, perm, ok := f.Builder.Lookup(parentPageDir, va)
		if !ok {
			continue
		}
		f.duppage(parentId, childId, va, pa, perm)
	}

	if err := f.Surface.Dispatch(syscalls.SysEnvSetPgfaultUpcall, int32(childId), int32(pgfaultUpcallVa), 0, 0, 0); err != 0 {
		panic("cowfork: sys_env_set_pgfault_upcall (child) failed")
	}

	// the exception stack must never be COW: give the child a fresh
	// writable page of its own.
	uxstackPerm := mem.Pa_t(mem.PTE_P | mem.PTE_U | mem.PTE_W)
	uxstackVa := uint32(vmm.UXSTACKTOP - mem.PGSIZE)
	if err := f.Surface.Dispatch(syscalls.SysPageAlloc, int32(childId), int32(uxstackVa), int32(uxstackPerm), 0, 0); err != 0 {
		panic("cowfork: sys_page_alloc (child uxstack) failed")
	}

	if err := f.Surface.Dispatch(syscalls.SysEnvSetStatus, int32(childId), int32(defs.ENV_RUNNABLE), 0, 0, 0); err != 0 {
		panic("cowfork: sys_env_set_status failed")
	}

	return childId
}

// / duppage installs one page's mapping into the child during fork. Order
// / matters for the writable/COW case: child mapping installed before the
// / parent's own is rewritten, so a parent write landing between the two
// / calls is still observed correctly by whichever mapping is live at the
// / time.
func (f *Forker) duppage(parentId, childId defs.EnvId_t, va uint32, pa mem.Pa_t, perm mem.Pa_t) {
	syscallPerm := perm & mem.Pa_t(mem.PTE_SYSCALL)

	switch {
	case perm&mem.PTE_SHARE != 0:
		if err := f.Surface.Dispatch(syscalls.SysPageMap, int32(parentId), int32(va), int32(childId), int32(va), int32(syscallPerm)); err != 0 {
			panic("cowfork: duppage share map failed")
		}
	case perm&(mem.PTE_W|mem.PTE_COW) != 0:
		cowPerm := mem.Pa_t(mem.PTE_P | mem.PTE_U | mem.PTE_COW)
		if err := f.Surface.Dispatch(syscalls.SysPageMap, int32(parentId), int32(va), int32(childId), int32(va), int32(cowPerm)); err != 0 {
			panic("cowfork: duppage child cow map failed")
		}
		if err := f.Surface.Dispatch(syscalls.SysPageMap, int32(parentId), int32(va), int32(parentId), int32(va), int32(cowPerm)); err != 0 {
			panic("cowfork: duppage parent cow remap failed")
		}
	default:
		if err := f.Surface.Dispatch(syscalls.SysPageMap, int32(parentId), int32(va), int32(childId), int32(va), int32(syscallPerm)); err != 0 {
			panic("cowfork: duppage read-only map failed")
		}
	}
}

// / Pgfault is the copy-on-write resolver installed as each env's
// / pgfault_upcall target. Given the synthesized user trap frame upcall
// / built, it verifies the fault was a write against a COW page, copies
// / the page through the fixed scratch address, and remaps it writable
// / and private. Matches lib/fork.c's pgfault().
func (f *Forker) Pgfault(envid defs.EnvId_t, frame *upcall.UTrapframe) {
	const pgFaultWrite = 1 << 1 // FEC_WR: hardware error-code write bit
	e, err := f.Surface.Table.Lookup(envid, false)
	if err != 0 {
		panic("cowfork: pgfault on unknown env")
	}
	_, perm, ok := f.Builder.Lookup(e.PageDir, frame.FaultVa)
	if !ok || frame.Err&pgFaultWrite == 0 || perm&mem.PTE_COW == 0 {
		panic("cowfork: pgfault: not a write to a COW page")
	}

	va := mem.PGROUNDDOWN(uintptr(frame.FaultVa))

	// pfTemp is a single fixed address shared by every env's pgfault
	// handler; limits.Corelimits.CowScratch bounds how many of them may
	// hold it mapped at once; there is only one in a single-threaded
	// core, but the accounting is real rather than assumed.
	if !limits.Corelimits.CowScratch.Take() {
		panic("cowfork: pgfault: no scratch slot available at pfTemp")
	}
	defer limits.Corelimits.CowScratch.Give()

	if err := f.Surface.Dispatch(syscalls.SysPageAlloc, int32(envid), int32(pfTemp), int32(mem.PTE_P|mem.PTE_U|mem.PTE_W), 0, 0); err != 0 {
		panic("cowfork: pgfault: sys_page_alloc scratch failed")
	}

	srcBytes := f.Builder.Pm.Bytes(mustLookup(f.Builder, e.PageDir, uint32(va)))
	dstPa := mustLookup(f.Builder, e.PageDir, pfTemp)
	dstBytes := f.Builder.Pm.Bytes(dstPa)
	*dstBytes = *srcBytes

	if err := f.Surface.Dispatch(syscalls.SysPageMap, int32(envid), int32(pfTemp), int32(envid), int32(va), int32(mem.PTE_P|mem.PTE_U|mem.PTE_W)); err != 0 {
		panic("cowfork: pgfault: sys_page_map remap failed")
	}
	if err := f.Surface.Dispatch(syscalls.SysPageUnmap, int32(envid), int32(pfTemp), 0, 0, 0); err != 0 {
		panic("cowfork: pgfault: sys_page_unmap scratch failed")
	}
}

func mustLookup(b *vmm.Builder, pgdir mem.Pa_t, va uint32) mem.Pa_t {
	pa, _, ok := b.Lookup(pgdir, va)
	if !ok {
		panic("cowfork: expected mapping missing")
	}
	return pa
}
