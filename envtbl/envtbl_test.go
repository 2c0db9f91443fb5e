package envtbl

import (
	"exokernel/defs"
	"exokernel/elfld"
	"exokernel/mem"
	"exokernel/vmm"
	"testing"
)

func newTestTable(t *testing.T, nenv int) *Table {
	t.Helper()
	pm := mem.NewPhysmem(256)
	kernPgdir, ok := pm.Refpg_new()
	if !ok {
		t.Fatal("failed to allocate kernel page directory")
	}
	b := vmm.NewBuilder(pm, kernPgdir)
	return NewTable(nenv, b)
}

func TestAllocAssignsDistinctGenerationTaggedIds(t *testing.T) {
	table := newTestTable(t, 4)
	e1, err := table.Alloc(0)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	e2, err := table.Alloc(0)
	if err != 0 {
		t.Fatalf("Alloc failed: %v", err)
	}
	if e1.Id == e2.Id {
		t.Fatalf("expected distinct ids, got %d twice", e1.Id)
	}
	if e1.Status != defs.ENV_RUNNABLE || e2.Status != defs.ENV_RUNNABLE {
		t.Fatal("freshly allocated envs should be RUNNABLE")
	}
}

func TestLookupZeroReturnsCurrent(t *testing.T) {
	table := newTestTable(t, 4)
	e, _ := table.Alloc(0)
	table.SetCurrent(e)

	got, err := table.Lookup(0, false)
	if err != 0 {
		t.Fatalf("Lookup(0) failed: %v", err)
	}
	if got != e {
		t.Fatal("Lookup(0) did not return the current env")
	}
}

func TestLookupStaleIdAfterFreeIsBadEnv(t *testing.T) {
	table := newTestTable(t, 4)
	e, _ := table.Alloc(0)
	staleId := e.Id
	table.Free(e)

	if _, err := table.Lookup(staleId, false); err != -defs.EBADENV {
		t.Fatalf("Lookup(stale id) = %v, want EBADENV", err)
	}
}

func TestFreeThenAllocRecyclesSlotWithNewGeneration(t *testing.T) {
	table := newTestTable(t, 1)
	e, _ := table.Alloc(0)
	firstId := e.Id
	table.Free(e)

	e2, err := table.Alloc(0)
	if err != 0 {
		t.Fatalf("Alloc after Free failed: %v", err)
	}
	if e2.Id == firstId {
		t.Fatal("recycled slot should carry a bumped generation, not the same id")
	}
	if table.index(e2.Id) != table.index(firstId) {
		t.Fatal("expected the same slot index to be reused")
	}
}

func TestAllocFailsWhenTableExhausted(t *testing.T) {
	table := newTestTable(t, 2)
	if _, err := table.Alloc(0); err != 0 {
		t.Fatalf("first Alloc failed: %v", err)
	}
	if _, err := table.Alloc(0); err != 0 {
		t.Fatalf("second Alloc failed: %v", err)
	}
	if _, err := table.Alloc(0); err != -defs.ENOFREEENV {
		t.Fatalf("third Alloc = %v, want ENOFREEENV", err)
	}
}

func TestLookupWithPermCheckRejectsUnrelatedEnv(t *testing.T) {
	table := newTestTable(t, 4)
	parent, _ := table.Alloc(0)
	table.SetCurrent(parent)
	stranger, _ := table.Alloc(0)

	if _, err := table.Lookup(stranger.Id, true); err != -defs.EBADENV {
		t.Fatalf("Lookup(stranger, checkPerm) = %v, want EBADENV", err)
	}

	child, _ := table.Alloc(parent.Id)
	if got, err := table.Lookup(child.Id, true); err != 0 || got != child {
		t.Fatalf("Lookup(own child, checkPerm) failed: got=%v err=%v", got, err)
	}
}

func TestFreeDropsPageDirectoryRef(t *testing.T) {
	table := newTestTable(t, 2)
	e, _ := table.Alloc(0)
	pgdir := e.PageDir
	if table.Builder.Pm.Refcnt(pgdir) != 1 {
		t.Fatalf("pgdir refcnt before free = %d, want 1", table.Builder.Pm.Refcnt(pgdir))
	}
	table.Free(e)
	if table.Builder.Pm.Refcnt(pgdir) != 0 {
		t.Fatalf("pgdir refcnt after free = %d, want 0", table.Builder.Pm.Refcnt(pgdir))
	}
}

func TestCreateEnvLoadsSegmentZeroesBssAndSetsEntryAndStack(t *testing.T) {
	table := newTestTable(t, 4)
	const (
		vaddr   = 0x00800000
		fileLen = 0x100
		memLen  = 0x2000
		entry   = vaddr
	)
	data := make([]byte, fileLen)
	for i := range data {
		data[i] = byte(i + 1) // nonzero, so a stray zero-fill bug would show up
	}
	img := &elfld.Image{
		Entry: entry,
		Segments: []elfld.Segment{
			{VAddr: vaddr, MemSize: memLen, FileSize: fileLen, Data: data, Writable: true},
		},
	}

	e, err := table.CreateEnv(img, defs.ENV_TYPE_USER)
	if err != 0 {
		t.Fatalf("CreateEnv failed: %v", err)
	}
	if e.TrapFrame.Eip != entry {
		t.Fatalf("Eip = %#x, want entry %#x", e.TrapFrame.Eip, entry)
	}
	if e.TrapFrame.Esp != vmm.USTACKTOP {
		t.Fatalf("Esp = %#x, want USTACKTOP %#x", e.TrapFrame.Esp, vmm.USTACKTOP)
	}

	for _, off := range []int{0, fileLen / 2, fileLen - 1} {
		va := uint32(vaddr + off)
		pa, perm, ok := table.Builder.Lookup(e.PageDir, va&^uint32(mem.PGMASK))
		if !ok {
			t.Fatalf("segment page at file offset %d not mapped", off)
		}
		if perm&mem.PTE_U == 0 || perm&mem.PTE_W == 0 {
			t.Fatalf("segment perm = %#x, want U|W", perm)
		}
		pageOff := int(va) & mem.PGMASK
		if got := table.Builder.Pm.Bytes(pa)[pageOff]; got != data[off] {
			t.Fatalf("byte at file offset %d = %#x, want %#x", off, got, data[off])
		}
	}

	for _, off := range []int{fileLen, memLen - 1} {
		va := uint32(vaddr + off)
		pa, _, ok := table.Builder.Lookup(e.PageDir, va&^uint32(mem.PGMASK))
		if !ok {
			t.Fatalf("bss page at offset %d not mapped", off)
		}
		pageOff := int(va) & mem.PGMASK
		if got := table.Builder.Pm.Bytes(pa)[pageOff]; got != 0 {
			t.Fatalf("bss byte at offset %d = %#x, want 0", off, got)
		}
	}
}

func TestEnvAtBypassesLookupZeroSentinel(t *testing.T) {
	table := newTestTable(t, 4)
	e, _ := table.Alloc(0)
	table.SetCurrent(e)

	slot0 := table.EnvAt(0)
	if slot0 == nil {
		t.Fatal("EnvAt(0) returned nil")
	}
	if slot0.Id != e.Id {
		t.Fatalf("EnvAt(0).Id = %d, want %d (Lookup(0,_) would instead return current)", slot0.Id, e.Id)
	}
}
