// Package envtbl is the fixed-size environment table: slot allocation,
// generation-tagged identifiers, and slot recycling. Grounded on JOS
// kern/env.c's env_init/env_alloc/envid2env/env_free/env_destroy, in
// biscuit's per-process bookkeeping idiom (accnt/accnt.go, tinfo/tinfo.go)
// for the accounting and "current" fields riding alongside the state
// machine JOS itself defines.
package envtbl

import (
	"exokernel/accnt"
	"exokernel/defs"
	"exokernel/elfld"
	"exokernel/mem"
	"exokernel/vmm"
)

// / TrapFrame is the saved CPU context for one env: general registers,
// / segment selectors, instruction pointer, stack pointer, flags, and the
// / trap number/error code that brought it into the kernel. Field layout
// / matches the hardware interrupt frame the trap entry stub pushes; it
// / is consumed both by trap entry and by the context-restore tail in
// / archx86.IretUser.
type TrapFrame struct {
	Edi, Esi, Ebp, Oesp, Ebx, Edx, Ecx, Eax uint32
	Es, Ds                                  uint16
	TrapNo                                  uint32
	ErrCode                                 uint32
	Eip                                     uint32
	Cs                                      uint16
	Eflags                                  uint32
	Esp                                     uint32
	Ss                                      uint16
}

const (
	FL_IF       = 1 << 9
	FL_IOPL_MASK = 3 << 12
)

// / Env is one environment slot.
type Env struct {
	Id            defs.EnvId_t
	ParentId      defs.EnvId_t
	Status        defs.EnvStatus_t
	Type          defs.EnvType_t
	Runs          uint64
	TrapFrame     TrapFrame
	PageDir       mem.Pa_t
	PgfaultUpcall uint32
	Acct          accnt.Accnt_t

	link int // free-list next index; meaningless unless Status == ENV_FREE
}

// / EnvStatus and EnvId satisfy sched.Runnable, so a Table's envs can be
// / handed to a scheduler policy without envtbl depending on sched.
func (e *Env) EnvStatus() defs.EnvStatus_t { return e.Status }
func (e *Env) EnvId() defs.EnvId_t         { return e.Id }

// / indexShift is the number of bits reserved for the slot index within an
// / id; the generation occupies the bits above it. NENV must be a power of
// / two for the `id & (NENV-1)` index-extraction trick to work.
func indexShift(nenv int) uint {
	shift := uint(0)
	for (1 << shift) < nenv {
		shift++
	}
	return shift
}

// / Table is the fixed-size array of environment slots plus a free list.
// / Not safe for concurrent use from more than one trap at a time — the
// / core's single-threaded execution model means that is never required.
type Table struct {
	envs    []Env
	freeHead int // index of first free slot, or -1
	current  int // index of the running env, or -1
	shift    uint

	Builder *vmm.Builder
}

// / NewTable constructs a table with nenv slots (must be a power of two)
// / over the given address-space builder, and initializes the free list.
func NewTable(nenv int, b *vmm.Builder) *Table {
	t := &Table{
		envs:    make([]Env, nenv),
		current: -1,
		shift:   indexShift(nenv),
		Builder: b,
	}
	t.Init()
	return t
}

// / Init clears every slot and links them into a free list in ascending
// / index order, so the first alloc returns index 0. Matches JOS's
// / env_init.
func (t *Table) Init() {
	for i := range t.envs {
		t.envs[i] = Env{Status: defs.ENV_FREE}
	}
	for i := 0; i < len(t.envs)-1; i++ {
		t.envs[i].link = i + 1
	}
	if len(t.envs) > 0 {
		t.envs[len(t.envs)-1].link = -1
		t.freeHead = 0
	} else {
		t.freeHead = -1
	}
	t.current = -1
}

// / Current returns the currently running env, or nil if none.
func (t *Table) Current() *Env {
	if t.current < 0 {
		return nil
	}
	return &t.envs[t.current]
}

// / SetCurrent marks e as the env the dispatcher is about to resume. Called
// / by the scheduler's dispatch step, never by syscall handlers themselves.
func (t *Table) SetCurrent(e *Env) {
	if e == nil {
		t.current = -1
		return
	}
	t.current = t.index(e.Id)
}

// / EnvAt returns the slot at idx directly, bypassing the id/generation
// / check Lookup performs. For the scheduler's dispatch step, which
// / already knows idx from scanning the same slice order Table exposes
// / to sched.RoundRobin.Envs, and must not confuse idx==0 with Lookup's
// / "0 means current env" sentinel.
func (t *Table) EnvAt(idx int) *Env {
	if idx < 0 || idx >= len(t.envs) {
		return nil
	}
	return &t.envs[idx]
}

func (t *Table) index(id defs.EnvId_t) int {
	return int(uint32(id)) & ((1 << t.shift) - 1)
}

// / nextGen computes the generation bits for a freshly allocated slot,
// / built from the slot's previous id. Skips non-positive generations so
// / id never collides with the sentinel 0 ("current env") or goes
// / negative, matching env_alloc's "generation = (++generation) << G" with
// / the "skip ≤0" wraparound rule.
func (t *Table) nextGen(prevId defs.EnvId_t) defs.EnvId_t {
	gen := (uint32(prevId) >> t.shift) + 1
	g := defs.EnvId_t(gen << t.shift)
	if g <= 0 {
		gen = 1
		g = defs.EnvId_t(gen << t.shift)
	}
	return g
}

// / Alloc pops the free list, builds the env's address space, assigns a
// / fresh generation-tagged id, and marks the slot RUNNABLE. Matches JOS's
// / env_alloc. The free list is popped only after SetupVM succeeds, so a
// / failure leaves the free list and the slot unchanged.
func (t *Table) Alloc(parentId defs.EnvId_t) (*Env, defs.Err_t) {
	if t.freeHead < 0 {
		return nil, -defs.ENOFREEENV
	}
	idx := t.freeHead
	e := &t.envs[idx]
	nextFree := e.link

	pgdir, err := t.Builder.SetupVM()
	if err != 0 {
		// slot was never mutated beyond link; just leave freeHead as-is,
		// nothing to undo.
		return nil, err
	}

	t.freeHead = nextFree

	gen := t.nextGen(e.Id)
	*e = Env{
		Id:        gen | defs.EnvId_t(idx),
		ParentId:  parentId,
		Status:    defs.ENV_RUNNABLE,
		Type:      defs.ENV_TYPE_USER,
		PageDir:   pgdir,
		link:      0,
	}
	e.TrapFrame.Eflags = FL_IF
	e.TrapFrame.Ds = vmm.GD_UD | 3
	e.TrapFrame.Es = vmm.GD_UD | 3
	e.TrapFrame.Ss = vmm.GD_UD | 3
	e.TrapFrame.Cs = vmm.GD_UT | 3
	e.TrapFrame.Esp = vmm.USTACKTOP
	return e, 0
}

// / Lookup resolves id to an Env, applying JOS's envid2env rules: id==0
// / means the current env; otherwise the slot's live id must match exactly
// / (staleness check), and when checkPerm is set the target must be the
// / current env or one of its direct children.
func (t *Table) Lookup(id defs.EnvId_t, checkPerm bool) (*Env, defs.Err_t) {
	if id == 0 {
		cur := t.Current()
		if cur == nil {
			return nil, -defs.EBADENV
		}
		return cur, 0
	}
	idx := t.index(id)
	if idx < 0 || idx >= len(t.envs) {
		return nil, -defs.EBADENV
	}
	e := &t.envs[idx]
	if e.Status == defs.ENV_FREE || e.Id != id {
		return nil, -defs.EBADENV
	}
	if checkPerm {
		cur := t.Current()
		if cur == nil || (e != cur && e.ParentId != cur.Id) {
			return nil, -defs.EBADENV
		}
	}
	return e, 0
}

// / Free walks e's page directory below UTOP, dropping a reference on
// / every mapped page and every page-table page, then drops the
// / page-directory page itself and returns the slot to the free list.
// / Matches JOS's env_free.
func (t *Table) Free(e *Env) {
	pm := t.Builder.Pm
	dir := pm.Pmap(e.PageDir)

	for pdx := uintptr(0); pdx < mem.PDX(vmm.UTOP); pdx++ {
		pde := dir[pdx]
		if pde&mem.PTE_P == 0 {
			continue
		}
		pt := pm.Pmap(pde & mem.PTE_ADDR)
		for ptx := 0; ptx < mem.NPTENTRIES; ptx++ {
			pte := pt[ptx]
			if pte&mem.PTE_P != 0 {
				pm.Refdown(pte & mem.PTE_ADDR)
			}
		}
		pm.Refdown(pde & mem.PTE_ADDR)
		dir[pdx] = 0
	}

	if t.Current() == e {
		t.current = -1
	}
	pm.Refdown(e.PageDir)

	idx := t.index(e.Id)
	e.Status = defs.ENV_FREE
	e.link = t.freeHead
	t.freeHead = idx
}

// / Destroy frees e; if e was the current env, the caller must yield
// / afterward (env_destroy "does not return" in that case) — Destroy
// / itself returns a bool telling the caller whether a yield is now
// / required, since this port has no non-returning control-transfer
// / primitive of its own.
func (t *Table) Destroy(e *Env) (yieldRequired bool) {
	wasCurrent := t.Current() == e
	t.Free(e)
	return wasCurrent
}

// / CreateEnv is the bootstrap wrapper: allocates a root env (parent 0),
// / loads img into its address space, and applies the FS I/O-privilege
// / flag bump if kind is FS. Matches JOS's env_create; implemented on
// / Table rather than the address-space builder since it needs Alloc's
// / slot, and a builder-importing-Table cycle would be needed the other
// / way around.
func (t *Table) CreateEnv(img *elfld.Image, kind defs.EnvType_t) (*Env, defs.Err_t) {
	e, err := t.Alloc(0)
	if err != 0 {
		return nil, err
	}
	eip, esp := t.Builder.LoadIcode(e.PageDir, img)
	e.TrapFrame.Eip = eip
	e.TrapFrame.Esp = esp
	e.Type = kind
	if kind == defs.ENV_TYPE_FS {
		e.TrapFrame.Eflags |= FL_IOPL_MASK
	}
	return e, 0
}
