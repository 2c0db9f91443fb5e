package vmm

import (
	"exokernel/defs"
	"exokernel/elfld"
	"exokernel/mem"
	"exokernel/util"
)

// / Builder constructs and mutates per-env address spaces. It holds the
// / physical allocator and the kernel's template page directory (the high
// / half every env's page directory is cloned from), mirroring biscuit's
// / Vm_t holding a Physmem_t reference rather than reaching for package
// / globals.
type Builder struct {
	Pm        *mem.Physmem_t
	KernPgdir mem.Pa_t

	// VsysPa is the physical frame backing the shared virtual-syscall page,
	// mapped user-read-only at UVSYS in every env SetupVM builds after it
	// is set. Zero until EnsureVsys is called; a zero value leaves UVSYS
	// unmapped, which host tests that never touch the clock IRQ rely on.
	VsysPa mem.Pa_t
}

// / NewBuilder constructs a Builder over the given physical allocator and
// / kernel template page directory.
func NewBuilder(pm *mem.Physmem_t, kernPgdir mem.Pa_t) *Builder {
	return &Builder{Pm: pm, KernPgdir: kernPgdir}
}

// / EnsureVsys allocates the shared virtual-syscall page once, idempotently,
// / and records it so every env SetupVM builds afterward maps it read-only
// / at UVSYS. Must be called before the first env is allocated for that env
// / to receive the mapping; envs allocated before EnsureVsys runs never see
// / it, the same way a device driver that boots after its first client
// / would find an already-built address space unchanged.
func (b *Builder) EnsureVsys() defs.Err_t {
	if b.VsysPa != 0 {
		return 0
	}
	pa, ok := b.Pm.Refpg_new()
	if !ok {
		return -defs.ENOMEM
	}
	b.VsysPa = pa
	return 0
}

// / SetupVM acquires one zeroed page-directory page, clones the kernel's
// / high-half mapping into it, and installs the self-map slot so the
// / directory appears as a page table at UVPT. Mirrors JOS's
// / env_setup_vm.
func (b *Builder) SetupVM() (mem.Pa_t, defs.Err_t) {
	pa, ok := b.Pm.Refpg_new()
	if !ok {
		return 0, -defs.ENOMEM
	}
	pd := b.Pm.Pmap(pa)
	kpd := b.Pm.Pmap(b.KernPgdir)

	// clone every PDE at or above KERNBASE verbatim. The template's entries
	// between UTOP and KERNBASE are not copied; that range holds only the
	// self-map and the vsys page installed below.
	for i := mem.PDX(KERNBASE); i < mem.NPTENTRIES; i++ {
		pd[i] = kpd[i]
	}

	// self-map: the PDE covering [UVPT, UVPT+PTSIZE) points at this
	// directory's own physical frame, read-only to user code, so the
	// directory reads as a page table at UVPT (a cyclic self-map).
	pd[mem.PDX(UVPT)] = pa | mem.PTE_P | mem.PTE_U

	// virtual-syscall page: shared across every env, kernel-writable
	// (through Pm.Bytes, not through this mapping) and user-readable only.
	if b.VsysPa != 0 {
		b.Pm.Refup(b.VsysPa)
		if err := b.PageInsert(pa, b.VsysPa, UVSYS, mem.PTE_U); err != 0 {
			b.Pm.Refdown(b.VsysPa)
			return 0, err
		}
	}

	return pa, 0
}

// / RegionAlloc maps [round_down(va), round_up(va+length)) with fresh
// / zeroed pages, user read/write. This is a kernel-bootstrap-only path:
// / failure panics rather than returning an error, since there is no
// / caller below the boot sequence prepared to recover from it.
func (b *Builder) RegionAlloc(pgdir mem.Pa_t, va uint32, length uint32) {
	start := mem.PGROUNDDOWN(uintptr(va))
	end := mem.PGROUNDUP(uintptr(va) + uintptr(length))
	for a := start; a < end; a += mem.PGSIZE {
		pa, ok := b.Pm.Refpg_new()
		if !ok {
			panic("vmm: out of memory in region_alloc")
		}
		if err := b.PageInsert(pgdir, pa, uint32(a), mem.PTE_U|mem.PTE_W); err != 0 {
			panic("vmm: page_insert failed in region_alloc")
		}
	}
}

// / walkPgdir returns the page-table Pmap_t mapping va, allocating a fresh
// / zeroed page table and installing it in pgdir if create is true and none
// / exists yet. Returns (nil, false) when the entry is absent and create
// / is false.
func (b *Builder) walkPgdir(pgdir mem.Pa_t, va uint32, create bool) (*mem.Pmap_t, bool) {
	pd := b.Pm.Pmap(pgdir)
	pde := &pd[mem.PDX(uintptr(va))]
	if *pde&mem.PTE_P == 0 {
		if !create {
			return nil, false
		}
		pa, ok := b.Pm.Refpg_new()
		if !ok {
			return nil, false
		}
		*pde = pa | mem.PTE_P | mem.PTE_U | mem.PTE_W
	}
	pt := b.Pm.Pmap(*pde&mem.Pa_t(mem.PTE_ADDR))
	return pt, true
}

// / PageInsert maps pa at va in pgdir with the given permission bits. The
// / new mapping takes over one reference the caller already holds on pa
// / (the one Refpg_new returns, or one taken with Refup for a page that is
// / mapped elsewhere); PageInsert itself does not raise pa's refcount.
// / Replaces any existing mapping at va (dropping the old page's
// / reference) rather than requiring the caller to unmap first.
func (b *Builder) PageInsert(pgdir mem.Pa_t, pa mem.Pa_t, va uint32, perm mem.Pa_t) defs.Err_t {
	pt, ok := b.walkPgdir(pgdir, va, true)
	if !ok {
		return -defs.ENOMEM
	}
	pte := &pt[mem.PTX(uintptr(va))]
	if *pte&mem.PTE_P != 0 {
		old := *pte & mem.PTE_ADDR
		*pte = 0
		archInvalidate(va)
		b.Pm.Refdown(old)
	}
	*pte = pa | perm | mem.PTE_P
	return 0
}

// / PageRemove unmaps va in pgdir, dropping the mapped page's reference if
// / one was present. A no-op if nothing is mapped there.
func (b *Builder) PageRemove(pgdir mem.Pa_t, va uint32) {
	pt, ok := b.walkPgdir(pgdir, va, false)
	if !ok {
		return
	}
	pte := &pt[mem.PTX(uintptr(va))]
	if *pte&mem.PTE_P == 0 {
		return
	}
	pa := *pte & mem.PTE_ADDR
	*pte = 0
	archInvalidate(va)
	b.Pm.Refdown(pa)
}

// / Lookup reports the physical address and permission bits mapped at va
// / in pgdir, or ok=false if nothing is mapped.
func (b *Builder) Lookup(pgdir mem.Pa_t, va uint32) (pa mem.Pa_t, perm mem.Pa_t, ok bool) {
	pt, found := b.walkPgdir(pgdir, va, false)
	if !found {
		return 0, 0, false
	}
	pte := pt[mem.PTX(uintptr(va))]
	if pte&mem.PTE_P == 0 {
		return 0, 0, false
	}
	return pte & mem.PTE_ADDR, pte &^ mem.PTE_ADDR, true
}

// / WriteAt copies data into pgdir's mapping starting at va. Exported for
// / callers outside this package that need to deposit bytes into an env's
// / address space without going through LoadIcode (upcall's synthesized
// / user trap frame).
func (b *Builder) WriteAt(pgdir mem.Pa_t, va uint32, data []byte) {
	b.copyInto(pgdir, va, data)
}

// / CanWrite reports whether every page spanning [va, va+length) is
// / mapped present, user, and writable in pgdir. Used by PageFaultUpcall's
// / user_mem_assert before it synthesizes a frame on the exception stack.
func (b *Builder) CanWrite(pgdir mem.Pa_t, va uint32, length uint32) bool {
	start := mem.PGROUNDDOWN(uintptr(va))
	end := mem.PGROUNDUP(uintptr(va) + uintptr(length))
	for a := start; a < end; a += mem.PGSIZE {
		_, perm, ok := b.Lookup(pgdir, uint32(a))
		if !ok || perm&(mem.PTE_U|mem.PTE_W) != (mem.PTE_U|mem.PTE_W) {
			return false
		}
	}
	return true
}

// / LoadIcode copies img's loadable segments into pgdir, zeroing BSS, and
// / allocates the initial one-page user stack just below USTACKTOP. No
// / page-directory switch happens here or in its caller: every write goes
// / through PageInsert-backed Physmem_t bytes rather than a live CR3
// / switch, so there is no "current" page directory to corrupt by writing
// / into another env's space directly.
func (b *Builder) LoadIcode(pgdir mem.Pa_t, img *elfld.Image) (eip uint32, esp uint32) {
	for _, seg := range img.Segments {
		// JOS maps every loaded segment user read/write regardless of the
		// ELF header's writable bit; this core does not model a W^X split.
		b.RegionAlloc(pgdir, seg.VAddr, seg.MemSize)
		b.copyInto(pgdir, seg.VAddr, seg.Data)
		b.zeroRange(pgdir, seg.VAddr+seg.FileSize, seg.MemSize-seg.FileSize)
	}

	stackPa, ok := b.Pm.Refpg_new()
	if !ok {
		panic("vmm: out of memory allocating user stack")
	}
	stackVa := uint32(USTACKTOP - mem.PGSIZE)
	if err := b.PageInsert(pgdir, stackPa, stackVa, mem.PTE_U|mem.PTE_W); err != 0 {
		panic("vmm: page_insert failed mapping user stack")
	}

	return img.Entry, USTACKTOP
}

// / copyInto writes data into pgdir's mapping starting at va, spanning
// / possibly multiple pages.
func (b *Builder) copyInto(pgdir mem.Pa_t, va uint32, data []byte) {
	off := 0
	for off < len(data) {
		a := uintptr(va) + uintptr(off)
		pa, _, ok := b.Lookup(pgdir, uint32(a))
		if !ok {
			panic("vmm: copyInto: unmapped destination page")
		}
		pageOff := int(a & mem.PGMASK)
		n := util.Min(len(data)-off, mem.PGSIZE-pageOff)
		bytes := b.Pm.Bytes(pa)
		copy(bytes[pageOff:pageOff+n], data[off:off+n])
		off += n
	}
}

// / zeroRange zeros a virtual range already mapped in pgdir (the BSS tail
// / of a loadable segment).
func (b *Builder) zeroRange(pgdir mem.Pa_t, va uint32, length uint32) {
	off := uint32(0)
	for off < length {
		a := uintptr(va) + uintptr(off)
		pa, _, ok := b.Lookup(pgdir, uint32(a))
		if !ok {
			panic("vmm: zeroRange: unmapped destination page")
		}
		pageOff := int(a & mem.PGMASK)
		n := util.Min(int(length-off), mem.PGSIZE-pageOff)
		bytes := b.Pm.Bytes(pa)
		for i := 0; i < n; i++ {
			bytes[pageOff+i] = 0
		}
		off += uint32(n)
	}
}

// / archInvalidate invalidates the TLB entry for va when running on real
// / hardware. A no-op in host tests, where there is no TLB to flush; the
// / core's single-CPU assumption means there is never a second translation
// / cache to worry about missing this call.
var archInvalidate = func(va uint32) {}
