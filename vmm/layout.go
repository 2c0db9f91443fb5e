// Package vmm builds and tears down per-env address spaces: the page
// directory, the self-map, ELF segment loading, and the initial user
// stack. Grounded on biscuit's vm/as.go (the Vm_t pmap-locking and
// page-insert/remove shape) and JOS kern/env.c's env_setup_vm, region_alloc,
// load_icode, and env_create.
package vmm

import "exokernel/mem"

// / PTSIZE is the span of virtual address one page-directory entry covers:
// / 1024 page-table entries of 4KB each.
const PTSIZE = mem.NPTENTRIES * mem.PGSIZE

// / GDT selectors.
const (
	GD_KT   = 0x08
	GD_KD   = 0x10
	GD_UT   = 0x18
	GD_UD   = 0x20
	GD_TSS0 = 0x28
)

// / Fixed virtual memory layout, low to high. KERNBASE is where the
// / kernel's direct map of all physical memory begins; everything from
// / KERNBASE up is shared identically across every env's page directory.
const (
	KERNBASE = 0xE0000000
	KSTACKTOP = KERNBASE
	KSTKSIZE  = 8 * mem.PGSIZE
	KSTKGAP   = 8 * mem.PGSIZE

	MMIOLIM  = KSTACKTOP - PTSIZE
	MMIOBASE = MMIOLIM - PTSIZE

	ULIM = MMIOBASE

	// UVPT is the self-map base: the page directory entry covering
	// [UVPT, UVPT+PTSIZE) is overwritten to point at the directory's own
	// physical frame, so the directory reads as a page table here.
	UVPT   = ULIM - PTSIZE
	UPAGES = UVPT - PTSIZE
	UENVS  = UPAGES - PTSIZE
	UVSYS  = UENVS - PTSIZE

	UTOP       = UVSYS
	UXSTACKTOP = UTOP
	UXSTACKSIZE = mem.PGSIZE

	USTACKSIZE = 2 * mem.PGSIZE
	USTACKTOP  = UTOP - USTACKSIZE - UXSTACKSIZE - mem.PGSIZE

	UTEXT  = 2 * PTSIZE
	UTEMP  = PTSIZE
	PFTEMP = UTEMP + PTSIZE - mem.PGSIZE
)

// / VSYS_gettime is the word offset within the virtual-syscall page
// / holding the seconds-since-boot counter the clock IRQ updates.
const VSYS_gettime = 0
