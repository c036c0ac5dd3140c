package gcd

import (
	"dxecore/core"

	"github.com/google/btree"
)

func (g *GCD) ioCovering(addr uint64) (*ioItem, bool) {
	var found *ioItem
	g.io.DescendLessOrEqual(&ioItem{d: IODescriptor{Base: addr}}, func(i btree.Item) bool {
		found = i.(*ioItem)
		return false
	})
	if found == nil || addr >= found.d.End() {
		return nil, false
	}
	return found, true
}

func (g *GCD) ioSplitAt(point uint64) {
	if point == 0 || point >= g.total {
		return
	}
	item, ok := g.ioCovering(point)
	if !ok || item.d.Base == point {
		return
	}
	left := item.d
	left.Length = point - item.d.Base
	right := item.d
	right.Base = point
	right.Length = item.d.End() - point

	g.io.Delete(item)
	g.io.ReplaceOrInsert(&ioItem{d: left})
	g.io.ReplaceOrInsert(&ioItem{d: right})
}

func (g *GCD) ioCoalesce(base uint64) {
	item, ok := g.ioCovering(base)
	if !ok {
		return
	}
	cur := item.d

	var pred *ioItem
	if cur.Base > 0 {
		g.io.DescendLessOrEqual(&ioItem{d: IODescriptor{Base: cur.Base - 1}}, func(i btree.Item) bool {
			pred = i.(*ioItem)
			return false
		})
	}
	if pred != nil && pred.d.End() == cur.Base && pred.d.sameAttrs(cur) {
		merged := pred.d
		merged.Length = cur.End() - pred.d.Base
		g.io.Delete(item)
		g.io.Delete(pred)
		item = &ioItem{d: merged}
		g.io.ReplaceOrInsert(item)
		cur = merged
	}

	var succ *ioItem
	g.io.AscendGreaterOrEqual(&ioItem{d: IODescriptor{Base: cur.Base + 1}}, func(i btree.Item) bool {
		succ = i.(*ioItem)
		return false
	})
	if succ != nil && cur.End() == succ.d.Base && cur.sameAttrs(succ.d) {
		merged := cur
		merged.Length = succ.d.End() - cur.Base
		g.io.Delete(item)
		g.io.Delete(succ)
		g.io.ReplaceOrInsert(&ioItem{d: merged})
	}
}

func (g *GCD) ioValidateRange(base, length uint64, pred func(IODescriptor) bool) error {
	end := base + length
	covered := uint64(0)
	var failed error
	g.io.AscendRange(&ioItem{d: IODescriptor{Base: 0}}, &ioItem{d: IODescriptor{Base: end}}, func(i btree.Item) bool {
		d := i.(*ioItem).d
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

func (g *GCD) ioMutateRange(base, length uint64, fn func(IODescriptor) IODescriptor) {
	end := base + length
	var items []*ioItem
	g.io.AscendRange(&ioItem{d: IODescriptor{Base: base}}, &ioItem{d: IODescriptor{Base: end}}, func(i btree.Item) bool {
		items = append(items, i.(*ioItem))
		return true
	})
	for _, it := range items {
		g.io.Delete(it)
		g.io.ReplaceOrInsert(&ioItem{d: fn(it.d)})
	}
}

// AddIO registers an address range as existing I/O space of the given kind.
// The range must currently be entirely IONonExistent.
func (g *GCD) AddIO(kind IOKind, base, length uint64) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if length == 0 || base+length > g.total || base+length < base {
		return core.NewError("gcd", core.StatusInvalidParameter, "zero length or range exceeds address space")
	}
	if err := g.ioValidateRange(base, length, func(d IODescriptor) bool { return d.Kind == IONonExistent }); err != nil {
		return err
	}

	g.ioSplitAt(base)
	g.ioSplitAt(base + length)
	g.ioMutateRange(base, length, func(d IODescriptor) IODescriptor {
		d.Kind = kind
		return d
	})
	g.ioCoalesce(base)
	g.ioCoalesce(base + length)
	return nil
}

// RemoveIO returns a previously-added range to IONonExistent.
func (g *GCD) RemoveIO(base, length uint64) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if err := g.ioValidateRange(base, length, func(d IODescriptor) bool { return !d.Owner.Allocated }); err != nil {
		return err
	}
	g.ioSplitAt(base)
	g.ioSplitAt(base + length)
	g.ioMutateRange(base, length, func(d IODescriptor) IODescriptor {
		d.Kind = IONonExistent
		d.Owner = Unallocated
		return d
	})
	g.ioCoalesce(base)
	g.ioCoalesce(base + length)
	return nil
}

// GetIODescriptorForAddress returns the descriptor covering addr.
func (g *GCD) GetIODescriptorForAddress(addr uint64) (IODescriptor, bool) {
	g.mu.Acquire()
	defer g.mu.Release()
	item, ok := g.ioCovering(addr)
	if !ok {
		return IODescriptor{}, false
	}
	return item.d, true
}

// IterateIODescriptors calls fn for every I/O descriptor in ascending base
// order, stopping early if fn returns false.
func (g *GCD) IterateIODescriptors(fn func(IODescriptor) bool) {
	g.mu.Acquire()
	defer g.mu.Release()
	g.io.Ascend(func(i btree.Item) bool {
		return fn(i.(*ioItem).d)
	})
}

// AllocateIO reserves length bytes of I/O space using strategy, marking the
// returned range as owned by owner.
func (g *GCD) AllocateIO(strategy Strategy, kind IOKind, length, align uint64, owner Owner) (uint64, error) {
	g.mu.Acquire()
	defer g.mu.Release()

	if length == 0 || align == 0 || align&(align-1) != 0 {
		return 0, core.NewError("gcd", core.StatusInvalidParameter, "length must be nonzero and alignment must be a nonzero power of two")
	}
	eligible := func(d IODescriptor) bool { return d.Kind == kind && !d.Owner.Allocated }

	var start uint64
	switch strategy.Kind {
	case StrategyAddress:
		item, ok := g.ioCovering(strategy.Address)
		if !ok || !eligible(item.d) || item.d.End() < strategy.Address+length || !core.IsAligned(strategy.Address, align) {
			return 0, core.NewError("gcd", core.StatusNotFound, "address is not available for this allocation")
		}
		start = strategy.Address

	case StrategyBottomUp:
		found := false
		g.io.Ascend(func(i btree.Item) bool {
			d := i.(*ioItem).d
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
		g.io.Descend(func(i btree.Item) bool {
			d := i.(*ioItem).d
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

	g.ioSplitAt(start)
	g.ioSplitAt(start + length)
	g.ioMutateRange(start, length, func(d IODescriptor) IODescriptor {
		d.Owner = owner
		return d
	})
	return start, nil
}

// FreeIO releases a range previously returned by AllocateIO.
func (g *GCD) FreeIO(base, length uint64) error {
	g.mu.Acquire()
	defer g.mu.Release()

	if err := g.ioValidateRange(base, length, func(d IODescriptor) bool { return d.Owner.Allocated }); err != nil {
		return err
	}
	g.ioSplitAt(base)
	g.ioSplitAt(base + length)
	g.ioMutateRange(base, length, func(d IODescriptor) IODescriptor {
		d.Owner = Unallocated
		return d
	})
	g.ioCoalesce(base)
	g.ioCoalesce(base + length)
	return nil
}
