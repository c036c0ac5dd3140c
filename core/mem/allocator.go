package mem

import (
	"dxecore/core"
	"dxecore/core/gcd"

	"github.com/sirupsen/logrus"
)

// PageChangeEvent describes a page-granularity ownership change. MAT and the
// memory-type-info tracker subscribe to these to stay in step with the
// allocator without polling the GCD (spec.md section 4.2).
type PageChangeEvent struct {
	Base      uint64
	Pages     uint64
	Type      Type
	Allocated bool
}

// PageChangeFunc is invoked synchronously after a page allocation or free
// completes and the allocator's lock has been released, in registration
// order. Running outside the lock is what lets a listener call back into
// the Allocator: the MAT reinstall path allocates the replacement table's
// backing memory from inside its listener, which a TplMutex would otherwise
// reject as reentrant acquisition.
type PageChangeFunc func(PageChangeEvent)

// chunk is a contiguous GCD-backed range an Allocator owns outright, either
// as a general allocation record or as part of a bucket reservation.
type chunk struct {
	base  uint64
	pages uint64
	used  uint64 // pages consumed by bump allocation, bucket chunks only
}

// record is a type-tagged allocation the memory-map synthesizer consults to
// recover the UEFI memory type of a GCD-owned range (spec.md section 4.2).
type record struct {
	base  uint64
	pages uint64
	typ   Type
}

// Allocator is the per-address-space allocator tier: page allocation routed
// through a gcd.GCD, per-type memory-type-info bucket reservations, and the
// memory-map synthesizer. Grounded on dxe_core/src/allocator.rs's
// GCD-backed allocator with its MemoryTypeInformation bucket table.
type Allocator struct {
	mu    *core.TplMutex
	g     *gcd.GCD
	arena *core.Arena
	owner gcd.Owner

	buckets map[Type][]*chunk
	records []record

	listeners []PageChangeFunc

	pool *poolState
	log  logrus.FieldLogger
}

// New creates an Allocator over g, backed by arena for pool-allocation
// bookkeeping storage. owner is recorded on every GCD allocation this
// Allocator performs (normally the DXE core's own image handle).
func New(g *gcd.GCD, arena *core.Arena, owner core.Handle) *Allocator {
	a := &Allocator{
		mu:      &core.TplMutex{RaiseTo: core.TplHighLevel},
		g:       g,
		arena:   arena,
		owner:   gcd.Owner{Allocated: true, Image: owner},
		buckets: make(map[Type][]*chunk),
		pool:    newPoolState(),
		log:     logrus.StandardLogger(),
	}
	return a
}

// SetLogger overrides the logger used for allocator diagnostics, notably
// the memory-type-info bucket spill warning in AllocatePages.
func (a *Allocator) SetLogger(log logrus.FieldLogger) {
	a.log = log
}

// OnPageChange registers fn to be called after every successful page
// allocation or free.
func (a *Allocator) OnPageChange(fn PageChangeFunc) {
	a.mu.Acquire()
	defer a.mu.Release()
	a.listeners = append(a.listeners, fn)
}

// notify runs every page-change listener. Listeners are entitled to call
// back into the Allocator (the MAT reinstall path does), so the caller
// must have already released the allocator's lock; holding it here would
// turn a listener's re-entry into a TplMutex panic.
func (a *Allocator) notify(ev PageChangeEvent) {
	if a.mu.Held() {
		panic("mem: page-change listeners must run with the allocator lock released")
	}
	for _, fn := range a.listeners {
		fn(ev)
	}
}

func (a *Allocator) addRecord(base, pages uint64, t Type) {
	a.records = append(a.records, record{base: base, pages: pages, typ: t})
}

// removeRecord drops the record exactly matching [base, base+pages). Partial
// frees of a larger record are left as-is: the memory map will still report
// the freed sub-range's true GCD ownership state, only its synthesized type
// may lag until the whole record is freed.
func (a *Allocator) removeRecord(base, pages uint64) {
	for i, r := range a.records {
		if r.base == base && r.pages == pages {
			a.records = append(a.records[:i], a.records[i+1:]...)
			return
		}
	}
}

func (a *Allocator) typeOf(base uint64) (Type, bool) {
	for _, r := range a.records {
		if base >= r.base && base < r.base+r.pages*core.PageSize {
			return r.typ, true
		}
	}
	return 0, false
}

// AllocatePages reserves pages page-sized frames of the given type using
// strategy. A memory-type-info bucket for t is consulted first; if it lacks
// room the request falls through to a general GCD allocation (spec.md
// section 4.2, "memory-type-info bucket reservation").
func (a *Allocator) AllocatePages(t Type, strategy gcd.Strategy, pages uint64, owner core.Handle) (uint64, error) {
	addr, err := a.allocatePagesLocked(t, strategy, pages, owner)
	if err != nil {
		return 0, err
	}
	a.notify(PageChangeEvent{Base: addr, Pages: pages, Type: t, Allocated: true})
	return addr, nil
}

func (a *Allocator) allocatePagesLocked(t Type, strategy gcd.Strategy, pages uint64, owner core.Handle) (uint64, error) {
	a.mu.Acquire()
	defer a.mu.Release()

	if pages == 0 {
		return 0, core.NewError("mem", core.StatusInvalidParameter, "page count must be nonzero")
	}

	o := gcd.Owner{Allocated: true, Image: owner}

	for _, c := range a.buckets[t] {
		if c.pages-c.used >= pages {
			// The bucket's whole range is already owned in the GCD; bump
			// allocation within it needs no further GCD call.
			addr := c.base + c.used*core.PageSize
			c.used += pages
			a.addRecord(addr, pages, t)
			return addr, nil
		}
	}

	if _, reserved := a.buckets[t]; reserved {
		// A bucket exists for t but had no room for this request; the
		// allocation is falling through to general GCD memory instead of
		// the memory-type-info reservation (spec.md section 4.2,
		// "Memory-bucket spill accounting").
		a.log.WithFields(logrus.Fields{"type": t, "pages": pages}).
			Warn("mem: memory-type-info bucket exhausted, spilling to general memory")
	}

	addr, err := a.g.AllocateMemory(strategy, t.gcdKind(), pages*core.PageSize, core.PageSize, o)
	if err != nil {
		return 0, err
	}
	a.addRecord(addr, pages, t)
	return addr, nil
}

// FreePages releases a range previously returned by AllocatePages.
func (a *Allocator) FreePages(base, pages uint64) error {
	t, err := a.freePagesLocked(base, pages)
	if err != nil {
		return err
	}
	a.notify(PageChangeEvent{Base: base, Pages: pages, Type: t, Allocated: false})
	return nil
}

func (a *Allocator) freePagesLocked(base, pages uint64) (Type, error) {
	a.mu.Acquire()
	defer a.mu.Release()

	t, _ := a.typeOf(base)
	if err := a.g.FreeMemory(base, pages*core.PageSize); err != nil {
		return 0, err
	}
	a.removeRecord(base, pages)
	return t, nil
}

// isBucketType reports whether t is one of the well-known memory types
// eligible for a memory-type-info bucket reservation.
func isBucketType(t Type) bool {
	for _, w := range wellKnownTypes {
		if w == t {
			return true
		}
	}
	return false
}

// ReserveMemoryPages pre-allocates a bucket of pages pages for type t,
// ahead of any specific caller, so later AllocatePages(t, ...) calls can be
// served without growing the GCD's general free pool. Only the well-known
// memory types carry buckets; anything else (notably ConventionalMemory,
// which is what free memory already is) is rejected. Mirrors the
// memory-type-info table dxe_core/src/allocator.rs rebuilds each boot from
// the previous boot's memory-type usage.
func (a *Allocator) ReserveMemoryPages(t Type, pages uint64) error {
	if !isBucketType(t) {
		return core.NewError("mem", core.StatusInvalidParameter, "memory type is not eligible for a bucket reservation")
	}
	a.mu.Acquire()
	defer a.mu.Release()
	return a.growBucket(t, pages)
}

// EnsureCapacity tops up type t's bucket so it has at least minFreePages
// pages of unused reservation, growing it with a fresh chunk if needed.
func (a *Allocator) EnsureCapacity(t Type, minFreePages uint64) error {
	if !isBucketType(t) {
		return core.NewError("mem", core.StatusInvalidParameter, "memory type is not eligible for a bucket reservation")
	}
	a.mu.Acquire()
	defer a.mu.Release()

	var free uint64
	for _, c := range a.buckets[t] {
		free += c.pages - c.used
	}
	if free >= minFreePages {
		return nil
	}
	return a.growBucket(t, minFreePages-free)
}

func (a *Allocator) growBucket(t Type, pages uint64) error {
	if pages == 0 {
		return nil
	}
	o := gcd.Owner{Allocated: true, Image: a.owner.Image}
	addr, err := a.g.AllocateMemory(gcd.BottomUp(0, false), t.gcdKind(), pages*core.PageSize, core.PageSize, o)
	if err != nil {
		return err
	}
	a.buckets[t] = append(a.buckets[t], &chunk{base: addr, pages: pages})
	return nil
}
