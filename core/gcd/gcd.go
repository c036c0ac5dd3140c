package gcd

import (
	"dxecore/core"

	"github.com/google/btree"
)

const btreeDegree = 32

// memItem adapts MemDescriptor to btree.Item, ordered by Base.
type memItem struct {
	d MemDescriptor
}

func (i *memItem) Less(than btree.Item) bool {
	return i.d.Base < than.(*memItem).d.Base
}

// ioItem adapts IODescriptor to btree.Item, ordered by Base.
type ioItem struct {
	d IODescriptor
}

func (i *ioItem) Less(than btree.Item) bool {
	return i.d.Base < than.(*ioItem).d.Base
}

// GCD is the Global Coherency Domain: two fully-tiled interval trees, one
// over memory address space and one over I/O address space (spec.md
// section 4.1). The zero value is not usable; construct with New.
type GCD struct {
	mu *core.TplMutex

	addressWidth uint8
	total        uint64

	mem *btree.BTree
	io  *btree.BTree
}

// New returns a GCD covering [0, 2^addressWidth) in both the memory and I/O
// spaces, initially a single MemNonExistent/IONonExistent descriptor each.
// addressWidth must be in [1, 63]; architecture-specific constants like
// kernel/mem/constants_amd64.go hard-code a single width, but
// dxe_core/src/allocator.rs treats it as platform-reported, so this core
// takes it as a parameter (DESIGN.md "GCD address width").
func New(addressWidth uint8) *GCD {
	if addressWidth == 0 || addressWidth > 63 {
		addressWidth = 48
	}
	total := uint64(1) << addressWidth

	g := &GCD{
		mu:           &core.TplMutex{RaiseTo: core.TplNotify},
		addressWidth: addressWidth,
		total:        total,
		mem:          btree.New(btreeDegree),
		io:           btree.New(btreeDegree),
	}
	g.mem.ReplaceOrInsert(&memItem{d: MemDescriptor{Base: 0, Length: total, Kind: MemNonExistent}})
	g.io.ReplaceOrInsert(&ioItem{d: IODescriptor{Base: 0, Length: total, Kind: IONonExistent}})
	return g
}

// AddressWidth returns the width passed to New.
func (g *GCD) AddressWidth() uint8 { return g.addressWidth }

// ---- memory space ----

// memCovering returns the descriptor covering addr, or ok=false if addr is
// out of range (which cannot happen given the tiling invariant but is
// checked defensively).
func (g *GCD) memCovering(addr uint64) (*memItem, bool) {
	var found *memItem
	g.mem.DescendLessOrEqual(&memItem{d: MemDescriptor{Base: addr}}, func(i btree.Item) bool {
		found = i.(*memItem)
		return false
	})
	if found == nil || addr >= found.d.End() {
		return nil, false
	}
	return found, true
}

// memSplitAt ensures a descriptor boundary exists at point (a no-op if
// point is already a boundary or lies outside [0, total]).
func (g *GCD) memSplitAt(point uint64) {
	if point == 0 || point >= g.total {
		return
	}
	item, ok := g.memCovering(point)
	if !ok || item.d.Base == point {
		return
	}
	left := item.d
	left.Length = point - item.d.Base
	right := item.d
	right.Base = point
	right.Length = item.d.End() - point

	g.mem.Delete(item)
	g.mem.ReplaceOrInsert(&memItem{d: left})
	g.mem.ReplaceOrInsert(&memItem{d: right})
}

// memCoalesce merges the descriptor at base with its immediate predecessor
// and successor if they carry identical attributes (spec.md section 3,
// "GCD tiling" in section 8).
func (g *GCD) memCoalesce(base uint64) {
	item, ok := g.memCovering(base)
	if !ok {
		return
	}
	cur := item.d

	// Merge with predecessor: the nearest descriptor whose base is
	// strictly less than cur's.
	var pred *memItem
	if cur.Base > 0 {
		g.mem.DescendLessOrEqual(&memItem{d: MemDescriptor{Base: cur.Base - 1}}, func(i btree.Item) bool {
			pred = i.(*memItem)
			return false
		})
	}
	if pred != nil && pred.d.End() == cur.Base && pred.d.sameAttrs(cur) {
		merged := pred.d
		merged.Length = cur.End() - pred.d.Base
		g.mem.Delete(item)
		g.mem.Delete(pred)
		item = &memItem{d: merged}
		g.mem.ReplaceOrInsert(item)
		cur = merged
	}

	// Merge with successor.
	var succ *memItem
	g.mem.AscendGreaterOrEqual(&memItem{d: MemDescriptor{Base: cur.Base + 1}}, func(i btree.Item) bool {
		succ = i.(*memItem)
		return false
	})
	if succ != nil && cur.End() == succ.d.Base && cur.sameAttrs(succ.d) {
		merged := cur
		merged.Length = succ.d.End() - cur.Base
		g.mem.Delete(item)
		g.mem.Delete(succ)
		g.mem.ReplaceOrInsert(&memItem{d: merged})
	}
}

// AddMemory registers an address range as existing memory of the given kind
// with the given capabilities. The range must currently be entirely
// MemNonExistent; on any other outcome no mutation occurs (spec.md section
// 8, scenario 2).
func (g *GCD) AddMemory(kind MemKind, base, length uint64, capabilities Attr) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if length == 0 || base+length > g.total || base+length < base {
		return core.NewError("gcd", core.StatusInvalidParameter, "zero length or range exceeds address space")
	}
	if err := g.memValidateRange(base, length, func(d MemDescriptor) bool { return d.Kind == MemNonExistent }); err != nil {
		return err
	}

	g.memSplitAt(base)
	g.memSplitAt(base + length)
	g.memMutateRange(base, length, func(d MemDescriptor) MemDescriptor {
		d.Kind = kind
		d.Capabilities = capabilities
		d.Attributes = 0
		return d
	})
	g.memCoalesce(base)
	g.memCoalesce(base + length)
	return nil
}

// RemoveMemory returns a previously-added range to MemNonExistent. The
// range must be entirely unallocated, else AccessDenied.
func (g *GCD) RemoveMemory(base, length uint64) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if length == 0 || base+length > g.total {
		return core.NewError("gcd", core.StatusInvalidParameter, "zero length or range exceeds address space")
	}
	if err := g.memValidateRange(base, length, func(d MemDescriptor) bool { return !d.Owner.Allocated }); err != nil {
		return err
	}

	g.memSplitAt(base)
	g.memSplitAt(base + length)
	g.memMutateRange(base, length, func(d MemDescriptor) MemDescriptor {
		d.Kind = MemNonExistent
		d.Capabilities = 0
		d.Attributes = 0
		d.Owner = Unallocated
		return d
	})
	g.memCoalesce(base)
	g.memCoalesce(base + length)
	return nil
}

// memValidateRange walks every descriptor fully inside [base, base+length)
// and returns AccessDenied (NotFound if the range is not fully covered) the
// first time pred fails, without mutating anything.
func (g *GCD) memValidateRange(base, length uint64, pred func(MemDescriptor) bool) error {
	end := base + length
	covered := uint64(0)
	var failed error
	g.mem.AscendRange(&memItem{d: MemDescriptor{Base: 0}}, &memItem{d: MemDescriptor{Base: end}}, func(i btree.Item) bool {
		d := i.(*memItem).d
		if d.End() <= base {
			return true
		}
		if d.Base >= end {
			return false
		}
		covered += min64(d.End(), end) - max64(d.Base, base)
		if !pred(d) {
			failed = core.NewError("gcd", core.StatusAccessDenied, "region is owned or has an incompatible kind")
			return false
		}
		return true
	})
	if failed != nil {
		return failed
	}
	if covered < length {
		return core.NewError("gcd", core.StatusNotFound, "no descriptor spans the requested range")
	}
	return nil
}

// memMutateRange rewrites every descriptor fully inside [base, base+length)
// via fn. Callers must have already called memSplitAt at both endpoints so
// that no partial descriptor is mutated.
func (g *GCD) memMutateRange(base, length uint64, fn func(MemDescriptor) MemDescriptor) {
	end := base + length
	var items []*memItem
	g.mem.AscendRange(&memItem{d: MemDescriptor{Base: base}}, &memItem{d: MemDescriptor{Base: end}}, func(i btree.Item) bool {
		items = append(items, i.(*memItem))
		return true
	})
	for _, it := range items {
		g.mem.Delete(it)
		g.mem.ReplaceOrInsert(&memItem{d: fn(it.d)})
	}
}

// GetDescriptorForAddress returns the descriptor covering addr.
func (g *GCD) GetDescriptorForAddress(addr uint64) (MemDescriptor, bool) {
	g.mu.Acquire()
	defer g.mu.Release()
	item, ok := g.memCovering(addr)
	if !ok {
		return MemDescriptor{}, false
	}
	return item.d, true
}

// IterateDescriptors calls fn for every memory descriptor in ascending base
// order, stopping early if fn returns false.
func (g *GCD) IterateDescriptors(fn func(MemDescriptor) bool) {
	g.mu.Acquire()
	defer g.mu.Release()
	g.mem.Ascend(func(i btree.Item) bool {
		return fn(i.(*memItem).d)
	})
}

// Snapshot returns an ordered copy of every memory descriptor.
func (g *GCD) Snapshot() []MemDescriptor {
	g.mu.Acquire()
	defer g.mu.Release()
	out := make([]MemDescriptor, 0, g.mem.Len())
	g.mem.Ascend(func(i btree.Item) bool {
		out = append(out, i.(*memItem).d)
		return true
	})
	return out
}

// SetAttributes requires attrs to be a subset of every covered descriptor's
// capabilities; on success every descriptor in range has its Attributes set
// to attrs. No partial mutation occurs on failure.
func (g *GCD) SetAttributes(base, length uint64, attrs Attr) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if err := g.memValidateRange(base, length, func(d MemDescriptor) bool {
		return attrs&^d.Capabilities == 0
	}); err != nil {
		if core.StatusOf(err) == core.StatusAccessDenied {
			return core.NewError("gcd", core.StatusUnsupported, "requested attributes are not a subset of capabilities")
		}
		return err
	}

	g.memSplitAt(base)
	g.memSplitAt(base + length)
	g.memMutateRange(base, length, func(d MemDescriptor) MemDescriptor {
		d.Attributes = attrs
		return d
	})
	g.memCoalesce(base)
	g.memCoalesce(base + length)
	return nil
}

// SetCapabilities updates the capability set of every descriptor in range.
// It refuses to remove a capability bit that is currently reflected in that
// descriptor's effective attributes (spec.md section 4.1).
func (g *GCD) SetCapabilities(base, length uint64, caps Attr) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if err := g.memValidateRange(base, length, func(d MemDescriptor) bool {
		return d.Attributes&^caps == 0
	}); err != nil {
		return err
	}

	g.memSplitAt(base)
	g.memSplitAt(base + length)
	g.memMutateRange(base, length, func(d MemDescriptor) MemDescriptor {
		d.Capabilities = caps
		return d
	})
	g.memCoalesce(base)
	g.memCoalesce(base + length)
	return nil
}

// AllocateMemory reserves length bytes (aligned to align) of the given kind
// using the given strategy, marking the returned range as owned by owner.
// Both base and length must be page-aligned when the caller intends to use
// the range for page allocation (spec.md section 3); AllocateMemory itself
// only enforces the alignment the caller passes in.
func (g *GCD) AllocateMemory(strategy Strategy, kind MemKind, length, align uint64, owner Owner) (uint64, error) {
	g.mu.Acquire()
	defer g.mu.Release()

	if length == 0 || align == 0 || align&(align-1) != 0 {
		return 0, core.NewError("gcd", core.StatusInvalidParameter, "length must be nonzero and alignment must be a nonzero power of two")
	}
	eligible := func(d MemDescriptor) bool { return d.Kind == kind && !d.Owner.Allocated }

	var start uint64
	switch strategy.Kind {
	case StrategyAddress:
		item, ok := g.memCovering(strategy.Address)
		if !ok || !eligible(item.d) || item.d.End() < strategy.Address+length || !core.IsAligned(strategy.Address, align) {
			return 0, core.NewError("gcd", core.StatusNotFound, "address is not available for this allocation")
		}
		start = strategy.Address

	case StrategyBottomUp:
		found := false
		g.mem.Ascend(func(i btree.Item) bool {
			d := i.(*memItem).d
			if !eligible(d) {
				return true
			}
			s := core.AlignUp(d.Base, align)
			if s+length > d.End() {
				return true
			}
			if strategy.HasMax && s+length > strategy.Max {
				return true
			}
			start = s
			found = true
			return false
		})
		if !found {
			return 0, core.NewError("gcd", core.StatusNotFound, "no eligible descriptor fits the request")
		}

	case StrategyTopDown:
		found := false
		g.mem.Descend(func(i btree.Item) bool {
			d := i.(*memItem).d
			if !eligible(d) {
				return true
			}
			top := d.End()
			if strategy.HasMax && top > strategy.Max {
				top = strategy.Max
			}
			if top < d.Base+length {
				return true
			}
			s := core.AlignDown(top-length, align)
			if s < d.Base {
				return true
			}
			start = s
			found = true
			return false
		})
		if !found {
			return 0, core.NewError("gcd", core.StatusNotFound, "no eligible descriptor fits the request")
		}

	default:
		return 0, core.NewError("gcd", core.StatusInvalidParameter, "unknown allocation strategy")
	}

	g.memSplitAt(start)
	g.memSplitAt(start + length)
	g.memMutateRange(start, length, func(d MemDescriptor) MemDescriptor {
		d.Owner = owner
		return d
	})
	return start, nil
}

// FreeMemory releases a range previously returned by AllocateMemory,
// coalescing it back into surrounding free memory.
func (g *GCD) FreeMemory(base, length uint64) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if err := g.memValidateRange(base, length, func(d MemDescriptor) bool { return d.Owner.Allocated }); err != nil {
		return err
	}
	g.memSplitAt(base)
	g.memSplitAt(base + length)
	g.memMutateRange(base, length, func(d MemDescriptor) MemDescriptor {
		d.Owner = Unallocated
		return d
	})
	g.memCoalesce(base)
	g.memCoalesce(base + length)
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
