package syscalls

import (
	"exokernel/defs"
	"exokernel/envtbl"
	"exokernel/mem"
	"exokernel/vmm"
	"testing"
)

type fakeYielder struct{ yielded bool }

func (f *fakeYielder) Yield() { f.yielded = true }

func newTestSurface(t *testing.T, nenv int) (*Surface, *fakeYielder) {
	t.Helper()
	pm := mem.NewPhysmem(256)
	kernPgdir, ok := pm.Refpg_new()
	if !ok {
		t.Fatal("failed to allocate kernel page directory")
	}
	b := vmm.NewBuilder(pm, kernPgdir)
	tbl := envtbl.NewTable(nenv, b)
	y := &fakeYielder{}
	return NewSurface(tbl, b, y), y
}

func TestExoforkMirrorsParentRegistersWithZeroEax(t *testing.T) {
	s, _ := newTestSurface(t, 4)
	parent, _ := s.Table.Alloc(0)
	parent.TrapFrame.Eip = 0xdeadbeef
	parent.TrapFrame.Eax = 42
	s.Table.SetCurrent(parent)

	childId, err := s.exofork()
	if err != 0 {
		t.Fatalf("exofork failed: %v", err)
	}
	child, _ := s.Table.Lookup(childId, false)
	if child.TrapFrame.Eip != 0xdeadbeef {
		t.Fatalf("child Eip = %#x, want parent's 0xdeadbeef", child.TrapFrame.Eip)
	}
	if child.TrapFrame.Eax != 0 {
		t.Fatalf("child Eax = %d, want 0", child.TrapFrame.Eax)
	}
	if child.Status != defs.ENV_NOT_RUNNABLE {
		t.Fatalf("child status = %v, want NOT_RUNNABLE", child.Status)
	}
	if child.ParentId != parent.Id {
		t.Fatalf("child ParentId = %d, want %d", child.ParentId, parent.Id)
	}
}

func TestDispatchYieldCallsSchedulerHook(t *testing.T) {
	s, y := newTestSurface(t, 4)
	parent, _ := s.Table.Alloc(0)
	s.Table.SetCurrent(parent)
	s.Dispatch(SysYield, 0, 0, 0, 0, 0)
	if !y.yielded {
		t.Fatal("expected SysYield to invoke the scheduler hook")
	}
}

func TestDispatchUnknownSyscallReturnsEinval(t *testing.T) {
	s, _ := newTestSurface(t, 4)
	parent, _ := s.Table.Alloc(0)
	s.Table.SetCurrent(parent)
	got := s.Dispatch(99, 0, 0, 0, 0, 0)
	if got != int32(-defs.EINVAL) {
		t.Fatalf("Dispatch(unknown) = %d, want %d", got, int32(-defs.EINVAL))
	}
}

func TestPageAllocRejectsBitsOutsideSyscallMask(t *testing.T) {
	s, _ := newTestSurface(t, 4)
	parent, _ := s.Table.Alloc(0)
	s.Table.SetCurrent(parent)
	bad := mem.Pa_t(mem.PTE_P | mem.PTE_COW) // COW not in PTE_SYSCALL
	if err := s.pageAlloc(parent.Id, vmm.UTEXT, bad); err != -defs.EINVAL {
		t.Fatalf("pageAlloc(COW bit set) = %v, want EINVAL", err)
	}
}

func TestPageMapSharesPhysicalPageAndBumpsRefcount(t *testing.T) {
	s, _ := newTestSurface(t, 4)
	parent, _ := s.Table.Alloc(0)
	s.Table.SetCurrent(parent)
	child, _ := s.Table.Alloc(parent.Id)

	if err := s.pageAlloc(parent.Id, vmm.UTEXT, mem.PTE_P|mem.PTE_U|mem.PTE_W); err != 0 {
		t.Fatalf("pageAlloc failed: %v", err)
	}
	parentPa, _, _ := s.Builder.Lookup(parent.PageDir, vmm.UTEXT)

	if err := s.pageMap(parent.Id, vmm.UTEXT, child.Id, vmm.UTEXT, mem.PTE_P|mem.PTE_U); err != 0 {
		t.Fatalf("pageMap failed: %v", err)
	}
	childPa, _, ok := s.Builder.Lookup(child.PageDir, vmm.UTEXT)
	if !ok {
		t.Fatal("expected child mapping to exist after pageMap")
	}
	if childPa != parentPa {
		t.Fatalf("child pa = %#x, want shared parent pa %#x", childPa, parentPa)
	}
	if s.Builder.Pm.Refcnt(parentPa) != 2 {
		t.Fatalf("refcnt after sharing = %d, want 2", s.Builder.Pm.Refcnt(parentPa))
	}
}
